// Package memstore is a process-local secret backend. Secrets live only as
// long as the process and are kept in the State handed to Setup.
package memstore

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"rahoogan/secure-store/secrets"

	"github.com/rs/zerolog/log"
)

const BackendType = "memory"

var errNotSetup = errors.New("memory backend used before Setup")

func init() {
	secrets.Register(BackendType, NewFactory)
}

type MemoryStoreDriver struct {
	ID string

	mu    sync.Mutex // serializes writes so create times never go backwards
	state *secrets.State
	now   func() time.Time
}

func NewFactory(id string, config map[string]any) (secrets.SecretStoreDriver, error) {
	return &MemoryStoreDriver{ID: id}, nil
}

func (driver *MemoryStoreDriver) Setup(ctx context.Context, newState secrets.StateFactory) error {
	driver.state = newState()
	if driver.now == nil {
		driver.now = time.Now
	}
	log.Debug().Str("backend", driver.ID).Msg("Memory secret backend ready")
	return nil
}

// namespaceKey length-prefixes the namespace so that no (namespace, name)
// pair can produce another pair's key.
func namespaceKey(namespace string) string {
	return strconv.Itoa(len(namespace)) + ":" + namespace
}

func stateKey(namespace, name string) string {
	return namespaceKey(namespace) + name
}

func (driver *MemoryStoreDriver) List(ctx context.Context, req *secrets.ListSecrets) (*secrets.ListSecretResponse, error) {
	if driver.state == nil {
		return nil, errNotSetup
	}
	prefix := namespaceKey(req.Namespace)
	resp := &secrets.ListSecretResponse{Secrets: []secrets.Secret{}}
	driver.state.Range(func(key string, value any) bool {
		if strings.HasPrefix(key, prefix) {
			resp.Secrets = append(resp.Secrets, value.(secrets.Secret).Clone())
		}
		return true
	})
	return resp, nil
}

func (driver *MemoryStoreDriver) Get(ctx context.Context, req *secrets.GetSecret) (*secrets.GetSecretResponse, error) {
	if driver.state == nil {
		return nil, errNotSetup
	}
	value, ok := driver.state.Get(stateKey(req.Namespace, req.Name))
	if !ok {
		return &secrets.GetSecretResponse{}, nil
	}
	secret := value.(secrets.Secret).Clone()
	return &secrets.GetSecretResponse{Secret: &secret}, nil
}

func (driver *MemoryStoreDriver) Create(ctx context.Context, req *secrets.CreateSecret) error {
	if driver.state == nil {
		return secrets.NewWriteError(driver.ID, "store", req.Namespace, req.Name, errNotSetup)
	}
	driver.mu.Lock()
	defer driver.mu.Unlock()

	key := stateKey(req.Namespace, req.Name)
	created := driver.now().UnixMilli()
	if prev, ok := driver.state.Get(key); ok {
		created = max(created, prev.(secrets.Secret).Metadata.CreateTimeMs)
	}
	secret := secrets.Secret{
		Metadata: secrets.SecretMetadata{
			Name:         req.Name,
			Description:  req.Description,
			CreateTimeMs: created,
			Properties:   req.Properties,
		},
		Data: req.Data,
	}
	driver.state.Set(key, secret.Clone())
	return nil
}

func (driver *MemoryStoreDriver) Delete(ctx context.Context, req *secrets.DeleteSecret) error {
	if driver.state == nil {
		return secrets.NewWriteError(driver.ID, "delete", req.Namespace, req.Name, errNotSetup)
	}
	driver.state.Delete(stateKey(req.Namespace, req.Name))
	return nil
}
