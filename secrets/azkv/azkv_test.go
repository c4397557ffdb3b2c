package azkv

import (
	"context"
	"errors"
	"maps"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"rahoogan/secure-store/secrets"
	"rahoogan/secure-store/secrets/secretstest"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const vaultURL = "https://unit-test.vault.azure.net"

// fakeVault holds the latest version of each secret; names are
// case-insensitive like the real service.
type fakeVault struct {
	mu       sync.Mutex
	secrets  map[string]azsecrets.Secret
	deleted  map[string]bool
	purged   []string
	clock    int64
	failSets error
}

func newFakeVault() *fakeVault {
	return &fakeVault{secrets: map[string]azsecrets.Secret{}, deleted: map[string]bool{}, clock: 1_700_000_000_000}
}

func notFound() error {
	return &azcore.ResponseError{StatusCode: http.StatusNotFound, ErrorCode: "SecretNotFound"}
}

func (f *fakeVault) GetSecret(ctx context.Context, name string) (azsecrets.GetSecretResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.secrets[strings.ToLower(name)]
	if !ok {
		return azsecrets.GetSecretResponse{}, notFound()
	}
	s.Tags = maps.Clone(s.Tags)
	return azsecrets.GetSecretResponse{Secret: s}, nil
}

func (f *fakeVault) SetSecret(ctx context.Context, name string, params azsecrets.SetSecretParameters) (azsecrets.SetSecretResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSets != nil {
		return azsecrets.SetSecretResponse{}, f.failSets
	}
	if f.deleted[strings.ToLower(name)] {
		return azsecrets.SetSecretResponse{}, &azcore.ResponseError{StatusCode: http.StatusConflict, ErrorCode: "Conflict"}
	}
	f.clock++
	id := azsecrets.ID(vaultURL + "/secrets/" + name + "/0123456789abcdef")
	secret := azsecrets.Secret{
		ID:          &id,
		Value:       params.Value,
		ContentType: params.ContentType,
		Tags:        maps.Clone(params.Tags),
		Attributes:  &azsecrets.SecretAttributes{Created: to.Ptr(time.UnixMilli(f.clock))},
	}
	f.secrets[strings.ToLower(name)] = secret
	return azsecrets.SetSecretResponse{Secret: secret}, nil
}

func (f *fakeVault) DeleteSecret(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := strings.ToLower(name)
	if _, ok := f.secrets[key]; !ok {
		return notFound()
	}
	delete(f.secrets, key)
	f.deleted[key] = true
	return nil
}

func (f *fakeVault) PurgeDeletedSecret(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := strings.ToLower(name)
	if !f.deleted[key] {
		return notFound()
	}
	delete(f.deleted, key)
	f.purged = append(f.purged, name)
	return nil
}

func (f *fakeVault) ListSecretProperties(ctx context.Context) ([]*azsecrets.SecretProperties, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*azsecrets.SecretProperties
	for _, s := range f.secrets {
		out = append(out, &azsecrets.SecretProperties{ID: s.ID, Tags: maps.Clone(s.Tags)})
	}
	return out, nil
}

func newDriver(t *testing.T, client API, cfg map[string]any) *AzureKeyVaultDriver {
	t.Helper()
	if cfg == nil {
		cfg = map[string]any{}
	}
	cfg["vault_url"] = vaultURL
	driver, err := New("azure", cfg, WithClient(client))
	require.NoError(t, err)
	require.NoError(t, driver.Setup(context.Background(), secrets.NewState))
	return driver
}

func TestContract(t *testing.T) {
	secretstest.RunDriverContractTests(t, func(t *testing.T) secrets.SecretStoreDriver {
		return newDriver(t, newFakeVault(), map[string]any{"purge_on_delete": true})
	})
}

func TestSecretLayout(t *testing.T) {
	fake := newFakeVault()
	driver := newDriver(t, fake, nil)
	require.NoError(t, driver.Create(context.Background(), &secrets.CreateSecret{
		Namespace: "ns1", Name: "db-pass", Data: []byte("s3cr3t"), Description: "db password",
		Properties: map[string]string{"env": "prod"},
	}))

	stored, ok := fake.secrets[strings.ToLower("ss-NZZTC-MRRC24DBONZQ")]
	require.True(t, ok)
	assert.Equal(t, "czNjcjN0", *stored.Value)
	assert.Equal(t, contentType, *stored.ContentType)
	assert.Equal(t, "ns1", *stored.Tags[namespaceTag])
	assert.Equal(t, "db-pass", *stored.Tags[nameTag])
	assert.Equal(t, "db password", *stored.Tags[descTag])
	assert.Equal(t, `{"env":"prod"}`, *stored.Tags[propsTag])
}

func TestNamesAreVaultSafe(t *testing.T) {
	for _, name := range []string{
		secretName("", ""),
		secretName("team/sub", "a b"),
		secretName("ns", "ünïcode"),
	} {
		for _, r := range name {
			ok := r == '-' || (r >= '0' && r <= '9') || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')
			assert.True(t, ok, "unexpected rune %q in %s", r, name)
		}
	}
}

func TestDeleteWithoutPurgeBlocksRecreate(t *testing.T) {
	fake := newFakeVault()
	driver := newDriver(t, fake, nil)
	ctx := context.Background()
	require.NoError(t, driver.Create(ctx, &secrets.CreateSecret{Namespace: "ns", Name: "k", Data: []byte("v")}))
	require.NoError(t, driver.Delete(ctx, &secrets.DeleteSecret{Namespace: "ns", Name: "k"}))
	assert.Empty(t, fake.purged)

	err := driver.Create(ctx, &secrets.CreateSecret{Namespace: "ns", Name: "k", Data: []byte("v")})
	assert.ErrorIs(t, err, secrets.ErrBackendWrite)
}

func TestDeleteWithPurge(t *testing.T) {
	fake := newFakeVault()
	driver := newDriver(t, fake, map[string]any{"purge_on_delete": "true"})
	ctx := context.Background()
	require.NoError(t, driver.Create(ctx, &secrets.CreateSecret{Namespace: "ns", Name: "k", Data: []byte("v1")}))
	require.NoError(t, driver.Delete(ctx, &secrets.DeleteSecret{Namespace: "ns", Name: "k"}))
	assert.Equal(t, []string{secretName("ns", "k")}, fake.purged)

	require.NoError(t, driver.Create(ctx, &secrets.CreateSecret{Namespace: "ns", Name: "k", Data: []byte("v2")}))
}

func TestWriteFailureIsBackendWriteError(t *testing.T) {
	fake := newFakeVault()
	fake.failSets = errors.New("Forbidden")
	driver := newDriver(t, fake, nil)

	err := driver.Create(context.Background(), &secrets.CreateSecret{Namespace: "ns", Name: "k", Data: []byte("v")})
	assert.ErrorIs(t, err, secrets.ErrBackendWrite)
	assert.ErrorIs(t, err, fake.failSets)
}

func TestSetupRequiresVaultURL(t *testing.T) {
	t.Setenv(VaultURLVar, "")
	driver, err := New("azure", map[string]any{}, WithClient(newFakeVault()))
	require.NoError(t, err)
	assert.Error(t, driver.Setup(context.Background(), secrets.NewState))
}

func TestFactoryRejectsBadPurgeOption(t *testing.T) {
	_, err := NewFactory("azure", map[string]any{"purge_on_delete": "sometimes"})
	assert.Error(t, err)
}
