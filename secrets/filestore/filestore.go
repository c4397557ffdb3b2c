// Package filestore keeps secrets encrypted on the local filesystem.
//
// Each namespace is a directory under the store root and each secret a file
// holding nonce || AES-256-GCM(JSON record). The key is derived from a
// password with argon2id and a per-store salt, then held in a memguard
// enclave for the life of the backend.
package filestore

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"rahoogan/secure-store/secrets"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const BackendType = "file"

const (
	DEFAULT_SECRETS_PATH string = "/var/lib/secure-store/secrets"
	DEFAULT_PASSWORD_ENV string = "SECURESTORE_FILE_PASSWORD"
	SECRETS_PATH_ENV     string = "SECURESTORE_FILE_PATH"
)

const (
	saltFileName     = ".salt"
	keyCheckFileName = ".keycheck"
	namespacePrefix  = "ns-"
	secretSuffix     = ".secret"
	tempPrefix       = ".tmp-"
	masterKeyState   = "master_key"
)

var keyCheckPlaintext = []byte("secure-store key check")

var (
	errNotSetup      = errors.New("file backend used before Setup")
	errWrongPassword = errors.New("password does not match the existing secret store")
	errNoPassword    = errors.New("no password available: set the password environment variable or run from a terminal")
)

var nameEncoding = base64.RawURLEncoding

// Encoded names longer than this are replaced by a hash so every path
// component stays below the usual 255 byte file name limit. The "~" prefix
// is outside the base64url alphabet, so hashed and plain names never clash.
const (
	maxEncodedNameLength = 200
	hashedNamePrefix     = "~"
)

func init() {
	secrets.Register(BackendType, NewFactory)
}

type FileStoreDriver struct {
	ID               string
	SecretsPath      string
	PasswordEnv      string
	PasswordPrompter Prompter
	Random           io.Reader

	mu    sync.RWMutex
	state *secrets.State
	now   func() time.Time
}

// record is the plaintext stored inside each secret file
type record struct {
	Name         string            `json:"name"`
	Description  string            `json:"description"`
	CreateTimeMs int64             `json:"createTimeMs"`
	Properties   map[string]string `json:"properties"`
	Data         []byte            `json:"data"`
}

// NewFactory reads the "path" and "password_env" options.
func NewFactory(id string, config map[string]any) (secrets.SecretStoreDriver, error) {
	return &FileStoreDriver{
		ID:          id,
		SecretsPath: secrets.ConfigString(config, "path", ""),
		PasswordEnv: secrets.ConfigString(config, "password_env", DEFAULT_PASSWORD_ENV),
	}, nil
}

func (driver *FileStoreDriver) Setup(ctx context.Context, newState secrets.StateFactory) error {
	secretsPath, ok := os.LookupEnv(SECRETS_PATH_ENV)
	if !ok || secretsPath == "" {
		if driver.SecretsPath == "" {
			secretsPath = DEFAULT_SECRETS_PATH
		} else {
			secretsPath = driver.SecretsPath
		}
	}
	if driver.PasswordEnv == "" {
		driver.PasswordEnv = DEFAULT_PASSWORD_ENV
	}
	if driver.Random == nil {
		driver.Random = rand.Reader
	}
	if driver.now == nil {
		driver.now = time.Now
	}

	if err := ensureDir(secretsPath, 0o700); err != nil {
		log.Error().Err(err).Msg("Could not create secrets dir")
		return err
	}

	password, err := driver.password()
	if err != nil {
		log.Error().Err(err).Msg("Could not read password")
		return err
	}

	salt, err := driver.loadOrCreateSalt(secretsPath)
	if err != nil {
		return err
	}

	key := deriveKey([]byte(password), salt)
	if err := driver.verifyKey(secretsPath, key); err != nil {
		return err
	}

	driver.SecretsPath = secretsPath
	driver.state = newState()
	driver.state.Set(masterKeyState, key)
	log.Debug().Str("backend", driver.ID).Str("path", secretsPath).Msg("File secret backend ready")
	return nil
}

func (driver *FileStoreDriver) password() (string, error) {
	if pwd, ok := os.LookupEnv(driver.PasswordEnv); ok && pwd != "" {
		return pwd, nil
	}
	prompter := driver.PasswordPrompter
	if prompter == nil {
		if !stdinIsTerminal() {
			return "", errNoPassword
		}
		prompter = &PasswordPrompter{}
	}
	pwd, err := prompter.PromptForData("secret store password: ")
	if err != nil {
		return "", err
	}
	if pwd == "" {
		return "", errNoPassword
	}
	return pwd, nil
}

func (driver *FileStoreDriver) loadOrCreateSalt(secretsPath string) ([]byte, error) {
	saltPath := filepath.Join(secretsPath, saltFileName)
	salt, err := os.ReadFile(saltPath)
	if err == nil {
		if len(salt) != SALT_LENGTH {
			return nil, fmt.Errorf("salt file %s is corrupted", saltPath)
		}
		return salt, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		log.Error().Err(err).Msg("Could not read salt file")
		return nil, err
	}

	salt, err = randomBytes(driver.Random, SALT_LENGTH)
	if err != nil {
		log.Error().Err(err).Msg("Could not generate random salt")
		return nil, err
	}
	if err := os.WriteFile(saltPath, salt, 0o600); err != nil {
		log.Error().Err(err).Msg("Could not write salt file")
		return nil, err
	}
	return salt, nil
}

// verifyKey decrypts the key check file, creating it on first use.
func (driver *FileStoreDriver) verifyKey(secretsPath string, key *memguard.Enclave) error {
	checkPath := filepath.Join(secretsPath, keyCheckFileName)
	ciphertext, err := os.ReadFile(checkPath)
	if errors.Is(err, fs.ErrNotExist) {
		ciphertext, err = encryptWithKey(key, driver.Random, keyCheckPlaintext)
		if err != nil {
			return err
		}
		return os.WriteFile(checkPath, ciphertext, 0o600)
	}
	if err != nil {
		return err
	}
	plaintext, err := decryptWithKey(key, ciphertext)
	if err != nil || !bytes.Equal(plaintext, keyCheckPlaintext) {
		return errWrongPassword
	}
	return nil
}

func (driver *FileStoreDriver) masterKey() (*memguard.Enclave, error) {
	if driver.state == nil {
		return nil, errNotSetup
	}
	v, ok := driver.state.Get(masterKeyState)
	if !ok {
		return nil, errNotSetup
	}
	return v.(*memguard.Enclave), nil
}

func (driver *FileStoreDriver) namespaceDir(namespace string) string {
	return filepath.Join(driver.SecretsPath, namespacePrefix+encodeName(namespace))
}

func (driver *FileStoreDriver) secretPath(namespace, name string) string {
	return filepath.Join(driver.namespaceDir(namespace), encodeName(name)+secretSuffix)
}

func encodeName(name string) string {
	encoded := nameEncoding.EncodeToString([]byte(name))
	if len(encoded) <= maxEncodedNameLength {
		return encoded
	}
	sum := sha256.Sum256([]byte(name))
	return hashedNamePrefix + hex.EncodeToString(sum[:])
}

func (driver *FileStoreDriver) readRecord(key *memguard.Enclave, path string) (*record, error) {
	ciphertext, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	plaintext, err := decryptWithKey(key, ciphertext)
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("Could not decrypt secret file")
		return nil, err
	}
	var rec record
	if err := json.Unmarshal(plaintext, &rec); err != nil {
		return nil, fmt.Errorf("corrupted secret file %s: %w", path, err)
	}
	return &rec, nil
}

func (rec *record) secret() secrets.Secret {
	return secrets.Secret{
		Metadata: secrets.SecretMetadata{
			Name:         rec.Name,
			Description:  rec.Description,
			CreateTimeMs: rec.CreateTimeMs,
			Properties:   secrets.CloneProperties(rec.Properties),
		},
		Data: rec.Data,
	}
}

func (driver *FileStoreDriver) List(ctx context.Context, req *secrets.ListSecrets) (*secrets.ListSecretResponse, error) {
	key, err := driver.masterKey()
	if err != nil {
		return nil, err
	}
	driver.mu.RLock()
	defer driver.mu.RUnlock()

	resp := &secrets.ListSecretResponse{Secrets: []secrets.Secret{}}
	dir := driver.namespaceDir(req.Namespace)
	files, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return resp, nil
	}
	if err != nil {
		log.Error().Err(err).Msg("Could not read secrets dir")
		return nil, err
	}
	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), secretSuffix) || strings.HasPrefix(file.Name(), tempPrefix) {
			continue
		}
		rec, err := driver.readRecord(key, filepath.Join(dir, file.Name()))
		if err != nil {
			return nil, err
		}
		resp.Secrets = append(resp.Secrets, rec.secret())
	}
	return resp, nil
}

func (driver *FileStoreDriver) Get(ctx context.Context, req *secrets.GetSecret) (*secrets.GetSecretResponse, error) {
	key, err := driver.masterKey()
	if err != nil {
		return nil, err
	}
	driver.mu.RLock()
	defer driver.mu.RUnlock()

	rec, err := driver.readRecord(key, driver.secretPath(req.Namespace, req.Name))
	if errors.Is(err, fs.ErrNotExist) {
		return &secrets.GetSecretResponse{}, nil
	}
	if err != nil {
		return nil, err
	}
	if rec.Name != req.Name {
		log.Warn().Str("name", req.Name).Msg("Hashed secret file holds a different name, ignoring it")
		return &secrets.GetSecretResponse{}, nil
	}
	secret := rec.secret()
	return &secrets.GetSecretResponse{Secret: &secret}, nil
}

func (driver *FileStoreDriver) Create(ctx context.Context, req *secrets.CreateSecret) error {
	key, err := driver.masterKey()
	if err != nil {
		return secrets.NewWriteError(driver.ID, "store", req.Namespace, req.Name, err)
	}
	driver.mu.Lock()
	defer driver.mu.Unlock()

	path := driver.secretPath(req.Namespace, req.Name)
	created := driver.now().UnixMilli()
	if prev, err := driver.readRecord(key, path); err == nil {
		created = max(created, prev.CreateTimeMs)
	}

	plaintext, err := json.Marshal(record{
		Name:         req.Name,
		Description:  req.Description,
		CreateTimeMs: created,
		Properties:   req.Properties,
		Data:         req.Data,
	})
	if err != nil {
		return secrets.NewWriteError(driver.ID, "store", req.Namespace, req.Name, err)
	}
	ciphertext, err := encryptWithKey(key, driver.Random, plaintext)
	if err != nil {
		return secrets.NewWriteError(driver.ID, "store", req.Namespace, req.Name, err)
	}

	if err := ensureDir(filepath.Dir(path), 0o700); err != nil {
		return secrets.NewWriteError(driver.ID, "store", req.Namespace, req.Name, err)
	}
	// Write then rename so readers never see a partial file.
	tmp := filepath.Join(filepath.Dir(path), tempPrefix+uuid.NewString())
	if err := os.WriteFile(tmp, ciphertext, 0o600); err != nil {
		log.Error().Err(err).Msg("Could not create secret")
		return secrets.NewWriteError(driver.ID, "store", req.Namespace, req.Name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		log.Error().Err(err).Msg("Could not create secret")
		return secrets.NewWriteError(driver.ID, "store", req.Namespace, req.Name, err)
	}
	return nil
}

func (driver *FileStoreDriver) Delete(ctx context.Context, req *secrets.DeleteSecret) error {
	if _, err := driver.masterKey(); err != nil {
		return secrets.NewWriteError(driver.ID, "delete", req.Namespace, req.Name, err)
	}
	driver.mu.Lock()
	defer driver.mu.Unlock()

	err := os.Remove(driver.secretPath(req.Namespace, req.Name))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Error().Err(err).Msg("Secret could not be deleted: error removing secret file")
		return secrets.NewWriteError(driver.ID, "delete", req.Namespace, req.Name, err)
	}
	return nil
}
