// Package keyring stores secrets in the operating system keyring (macOS
// Keychain, Secret Service on Linux, Windows Credential Manager).
//
// Every namespace is its own keyring service. The OS keyrings cannot
// enumerate items, so each service also carries an index item listing the
// names it holds.
package keyring

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"rahoogan/secure-store/secrets"

	"github.com/rs/zerolog/log"
	gokeyring "github.com/zalando/go-keyring"
)

const BackendType = "keyring"

const (
	DEFAULT_SERVICE_PREFIX = "securestore"

	indexUser    = "index"
	secretPrefix = "secret:"
)

func init() {
	secrets.Register(BackendType, NewFactory)
}

type item struct {
	Name         string            `json:"name"`
	Description  string            `json:"description"`
	CreateTimeMs int64             `json:"createTimeMs"`
	Properties   map[string]string `json:"properties"`
	Data         []byte            `json:"data"`
}

type KeyringDriver struct {
	ID            string
	ServicePrefix string

	mu  sync.Mutex
	now func() time.Time
}

// NewFactory reads the "service_prefix" option.
func NewFactory(id string, cfg map[string]any) (secrets.SecretStoreDriver, error) {
	return &KeyringDriver{
		ID:            id,
		ServicePrefix: secrets.ConfigString(cfg, "service_prefix", DEFAULT_SERVICE_PREFIX),
	}, nil
}

func (driver *KeyringDriver) Setup(ctx context.Context, newState secrets.StateFactory) error {
	if driver.ServicePrefix == "" {
		driver.ServicePrefix = DEFAULT_SERVICE_PREFIX
	}
	if driver.now == nil {
		driver.now = time.Now
	}
	// Probe the keyring so an unavailable session bus fails here rather than
	// on the first write.
	_, err := gokeyring.Get(driver.service(""), indexUser)
	if err != nil && !errors.Is(err, gokeyring.ErrNotFound) {
		log.Error().Err(err).Msg("OS keyring is not available")
		return fmt.Errorf("keyring unavailable: %w", err)
	}
	log.Debug().Str("backend", driver.ID).Msg("Keyring secret backend ready")
	return nil
}

func (driver *KeyringDriver) service(namespace string) string {
	return driver.ServicePrefix + "/" + namespace
}

func (driver *KeyringDriver) readIndex(service string) ([]string, error) {
	raw, err := gokeyring.Get(service, indexUser)
	if errors.Is(err, gokeyring.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	if err := json.Unmarshal([]byte(raw), &names); err != nil {
		return nil, fmt.Errorf("corrupted keyring index for %s: %w", service, err)
	}
	return names, nil
}

func (driver *KeyringDriver) writeIndex(service string, names []string) error {
	if len(names) == 0 {
		err := gokeyring.Delete(service, indexUser)
		if errors.Is(err, gokeyring.ErrNotFound) {
			return nil
		}
		return err
	}
	raw, err := json.Marshal(names)
	if err != nil {
		return err
	}
	return gokeyring.Set(service, indexUser, string(raw))
}

func (driver *KeyringDriver) readItem(service, name string) (*item, error) {
	raw, err := gokeyring.Get(service, secretPrefix+name)
	if errors.Is(err, gokeyring.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("corrupted keyring item %s: %w", name, err)
	}
	var it item
	if err := json.Unmarshal(decoded, &it); err != nil {
		return nil, fmt.Errorf("corrupted keyring item %s: %w", name, err)
	}
	return &it, nil
}

func (it *item) secret() secrets.Secret {
	data := it.Data
	if data == nil {
		data = []byte{}
	}
	return secrets.Secret{
		Metadata: secrets.SecretMetadata{
			Name:         it.Name,
			Description:  it.Description,
			CreateTimeMs: it.CreateTimeMs,
			Properties:   secrets.CloneProperties(it.Properties),
		},
		Data: data,
	}
}

func (driver *KeyringDriver) List(ctx context.Context, req *secrets.ListSecrets) (*secrets.ListSecretResponse, error) {
	driver.mu.Lock()
	defer driver.mu.Unlock()

	service := driver.service(req.Namespace)
	names, err := driver.readIndex(service)
	if err != nil {
		log.Error().Err(err).Msg("Could not read keyring index")
		return nil, err
	}
	resp := &secrets.ListSecretResponse{Secrets: []secrets.Secret{}}
	for _, name := range names {
		it, err := driver.readItem(service, name)
		if err != nil {
			return nil, err
		}
		// Items removed outside this store are skipped.
		if it != nil {
			resp.Secrets = append(resp.Secrets, it.secret())
		}
	}
	return resp, nil
}

func (driver *KeyringDriver) Get(ctx context.Context, req *secrets.GetSecret) (*secrets.GetSecretResponse, error) {
	driver.mu.Lock()
	defer driver.mu.Unlock()

	it, err := driver.readItem(driver.service(req.Namespace), req.Name)
	if err != nil {
		log.Error().Err(err).Msg("Could not read keyring item")
		return nil, err
	}
	if it == nil {
		return &secrets.GetSecretResponse{}, nil
	}
	secret := it.secret()
	return &secrets.GetSecretResponse{Secret: &secret}, nil
}

func (driver *KeyringDriver) Create(ctx context.Context, req *secrets.CreateSecret) error {
	writeErr := func(err error) error {
		log.Error().Err(err).Msg("Could not store keyring item")
		return secrets.NewWriteError(driver.ID, "store", req.Namespace, req.Name, err)
	}
	if driver.now == nil {
		return writeErr(errors.New("keyring backend used before Setup"))
	}
	driver.mu.Lock()
	defer driver.mu.Unlock()

	service := driver.service(req.Namespace)
	created := driver.now().UnixMilli()
	prev, err := driver.readItem(service, req.Name)
	if err != nil {
		return writeErr(err)
	}
	if prev != nil {
		created = max(created, prev.CreateTimeMs)
	}

	raw, err := json.Marshal(item{
		Name:         req.Name,
		Description:  req.Description,
		CreateTimeMs: created,
		Properties:   req.Properties,
		Data:         req.Data,
	})
	if err != nil {
		return writeErr(err)
	}
	if err := gokeyring.Set(service, secretPrefix+req.Name, base64.StdEncoding.EncodeToString(raw)); err != nil {
		return writeErr(err)
	}

	names, err := driver.readIndex(service)
	if err != nil {
		return writeErr(err)
	}
	if !slices.Contains(names, req.Name) {
		names = append(names, req.Name)
		slices.Sort(names)
		if err := driver.writeIndex(service, names); err != nil {
			return writeErr(err)
		}
	}
	return nil
}

func (driver *KeyringDriver) Delete(ctx context.Context, req *secrets.DeleteSecret) error {
	writeErr := func(err error) error {
		log.Error().Err(err).Msg("Could not delete keyring item")
		return secrets.NewWriteError(driver.ID, "delete", req.Namespace, req.Name, err)
	}
	driver.mu.Lock()
	defer driver.mu.Unlock()

	service := driver.service(req.Namespace)
	if err := gokeyring.Delete(service, secretPrefix+req.Name); err != nil && !errors.Is(err, gokeyring.ErrNotFound) {
		return writeErr(err)
	}
	names, err := driver.readIndex(service)
	if err != nil {
		return writeErr(err)
	}
	if i := slices.Index(names, req.Name); i >= 0 {
		if err := driver.writeIndex(service, slices.Delete(names, i, i+1)); err != nil {
			return writeErr(err)
		}
	}
	return nil
}
