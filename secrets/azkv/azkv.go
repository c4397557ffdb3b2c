// Package azkv stores secrets in Azure Key Vault.
//
// Key Vault names only allow alphanumerics and dashes, so a secret lives at
// ss-<base32(namespace)>-<base32(name)>. The payload is stored base64 encoded
// and the remaining metadata travels as tags.
package azkv

import (
	"context"
	"encoding/base32"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"rahoogan/secure-store/secrets"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"
	"github.com/rs/zerolog/log"
)

const BackendType = "azure.keyvault"

const (
	VaultURLVar     = "AZURE_KEYVAULT_URL"
	TenantIDVar     = "AZURE_TENANT_ID"
	ClientIDVar     = "AZURE_CLIENT_ID"
	ClientSecretVar = "AZURE_CLIENT_SECRET"
)

const (
	namePrefix   = "ss-"
	contentType  = "application/octet-stream;base64"
	namespaceTag = "securestore-namespace"
	nameTag      = "securestore-name"
	descTag      = "securestore-description"
	propsTag     = "securestore-properties"
)

var nameEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

var errNotSetup = errors.New("azure key vault backend used before Setup")

func init() {
	secrets.Register(BackendType, NewFactory)
}

// API is the part of the Key Vault secrets client this backend relies on.
// ListSecretProperties returns every page of the vault listing.
type API interface {
	GetSecret(ctx context.Context, name string) (azsecrets.GetSecretResponse, error)
	SetSecret(ctx context.Context, name string, params azsecrets.SetSecretParameters) (azsecrets.SetSecretResponse, error)
	DeleteSecret(ctx context.Context, name string) error
	PurgeDeletedSecret(ctx context.Context, name string) error
	ListSecretProperties(ctx context.Context) ([]*azsecrets.SecretProperties, error)
}

type AzureKeyVaultDriver struct {
	ID            string
	VaultURL      string
	TenantID      string
	ClientID      string
	ClientSecret  string
	PurgeOnDelete bool

	client API
}

type Option func(*AzureKeyVaultDriver)

func WithClient(client API) Option {
	return func(driver *AzureKeyVaultDriver) {
		driver.client = client
	}
}

// NewFactory reads the "vault_url", "tenant_id", "client_id",
// "client_secret" and "purge_on_delete" options.
func NewFactory(id string, cfg map[string]any) (secrets.SecretStoreDriver, error) {
	return New(id, cfg)
}

func New(id string, cfg map[string]any, opts ...Option) (*AzureKeyVaultDriver, error) {
	purge, err := secrets.ConfigBool(cfg, "purge_on_delete", false)
	if err != nil {
		return nil, err
	}
	driver := &AzureKeyVaultDriver{
		ID:            id,
		VaultURL:      secrets.ConfigString(cfg, "vault_url", ""),
		TenantID:      secrets.ConfigString(cfg, "tenant_id", ""),
		ClientID:      secrets.ConfigString(cfg, "client_id", ""),
		ClientSecret:  secrets.ConfigString(cfg, "client_secret", ""),
		PurgeOnDelete: purge,
	}
	for _, opt := range opts {
		opt(driver)
	}
	return driver, nil
}

func envDefault(value *string, env string) {
	if *value == "" {
		*value = os.Getenv(env)
	}
}

func (driver *AzureKeyVaultDriver) Setup(ctx context.Context, newState secrets.StateFactory) error {
	envDefault(&driver.VaultURL, VaultURLVar)
	envDefault(&driver.TenantID, TenantIDVar)
	envDefault(&driver.ClientID, ClientIDVar)
	envDefault(&driver.ClientSecret, ClientSecretVar)
	if driver.VaultURL == "" {
		return errors.New("vault_url is required for the azure key vault backend")
	}
	if driver.client != nil {
		return nil
	}

	var (
		cred azcore.TokenCredential
		err  error
	)
	if driver.ClientSecret != "" {
		cred, err = azidentity.NewClientSecretCredential(driver.TenantID, driver.ClientID, driver.ClientSecret, nil)
	} else {
		cred, err = azidentity.NewDefaultAzureCredential(nil)
	}
	if err != nil {
		log.Error().Err(err).Msg("Could not create Azure credential")
		return fmt.Errorf("create azure credential: %w", err)
	}
	client, err := azsecrets.NewClient(driver.VaultURL, cred, nil)
	if err != nil {
		log.Error().Err(err).Msg("Could not create Key Vault client")
		return fmt.Errorf("create key vault client: %w", err)
	}
	driver.client = &clientAdapter{client: client}
	log.Debug().Str("backend", driver.ID).Str("vault", driver.VaultURL).Msg("Azure key vault backend ready")
	return nil
}

func namespacePrefix(namespace string) string {
	return namePrefix + nameEncoding.EncodeToString([]byte(namespace)) + "-"
}

func secretName(namespace, name string) string {
	return namespacePrefix(namespace) + nameEncoding.EncodeToString([]byte(name))
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}

func tagValue(tags map[string]*string, key string) string {
	if v, ok := tags[key]; ok && v != nil {
		return *v
	}
	return ""
}

func decode(secret azsecrets.Secret) (*secrets.Secret, error) {
	data, err := base64.StdEncoding.DecodeString(deref(secret.Value))
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	md := secrets.SecretMetadata{
		Name:        tagValue(secret.Tags, nameTag),
		Description: tagValue(secret.Tags, descTag),
		Properties:  map[string]string{},
	}
	if raw := tagValue(secret.Tags, propsTag); raw != "" {
		if err := json.Unmarshal([]byte(raw), &md.Properties); err != nil {
			return nil, fmt.Errorf("decode properties: %w", err)
		}
	}
	if secret.Attributes != nil && secret.Attributes.Created != nil {
		md.CreateTimeMs = secret.Attributes.Created.UnixMilli()
	}
	return &secrets.Secret{Metadata: md, Data: data}, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (driver *AzureKeyVaultDriver) List(ctx context.Context, req *secrets.ListSecrets) (*secrets.ListSecretResponse, error) {
	if driver.client == nil {
		return nil, errNotSetup
	}
	props, err := driver.client.ListSecretProperties(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Could not list remote secrets")
		return nil, err
	}

	prefix := strings.ToLower(namespacePrefix(req.Namespace))
	resp := &secrets.ListSecretResponse{Secrets: []secrets.Secret{}}
	for _, prop := range props {
		if prop == nil || prop.ID == nil {
			continue
		}
		name := prop.ID.Name()
		if !strings.HasPrefix(strings.ToLower(name), prefix) || tagValue(prop.Tags, namespaceTag) != req.Namespace {
			continue
		}
		got, err := driver.client.GetSecret(ctx, name)
		if isNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		secret, err := decode(got.Secret)
		if err != nil {
			return nil, err
		}
		resp.Secrets = append(resp.Secrets, *secret)
	}
	return resp, nil
}

func (driver *AzureKeyVaultDriver) Get(ctx context.Context, req *secrets.GetSecret) (*secrets.GetSecretResponse, error) {
	if driver.client == nil {
		return nil, errNotSetup
	}
	got, err := driver.client.GetSecret(ctx, secretName(req.Namespace, req.Name))
	if isNotFound(err) {
		return &secrets.GetSecretResponse{}, nil
	}
	if err != nil {
		log.Error().Err(err).Msg("Could not fetch remote secret")
		return nil, err
	}
	secret, err := decode(got.Secret)
	if err != nil {
		return nil, err
	}
	return &secrets.GetSecretResponse{Secret: secret}, nil
}

func (driver *AzureKeyVaultDriver) Create(ctx context.Context, req *secrets.CreateSecret) error {
	if driver.client == nil {
		return secrets.NewWriteError(driver.ID, "store", req.Namespace, req.Name, errNotSetup)
	}
	props, err := json.Marshal(secrets.CloneProperties(req.Properties))
	if err != nil {
		return secrets.NewWriteError(driver.ID, "store", req.Namespace, req.Name, err)
	}
	_, err = driver.client.SetSecret(ctx, secretName(req.Namespace, req.Name), azsecrets.SetSecretParameters{
		Value:       to.Ptr(base64.StdEncoding.EncodeToString(req.Data)),
		ContentType: to.Ptr(contentType),
		Tags: map[string]*string{
			namespaceTag: to.Ptr(req.Namespace),
			nameTag:      to.Ptr(req.Name),
			descTag:      to.Ptr(req.Description),
			propsTag:     to.Ptr(string(props)),
		},
	})
	if err != nil {
		log.Error().Err(err).Msg("Could not store remote secret")
		return secrets.NewWriteError(driver.ID, "store", req.Namespace, req.Name, err)
	}
	return nil
}

func (driver *AzureKeyVaultDriver) Delete(ctx context.Context, req *secrets.DeleteSecret) error {
	if driver.client == nil {
		return secrets.NewWriteError(driver.ID, "delete", req.Namespace, req.Name, errNotSetup)
	}
	name := secretName(req.Namespace, req.Name)
	err := driver.client.DeleteSecret(ctx, name)
	if isNotFound(err) {
		return nil
	}
	if err != nil {
		log.Error().Err(err).Msg("Could not delete remote secret")
		return secrets.NewWriteError(driver.ID, "delete", req.Namespace, req.Name, err)
	}
	if driver.PurgeOnDelete {
		// Soft-deleted names block a later store until purged.
		if err := driver.client.PurgeDeletedSecret(ctx, name); err != nil && !isNotFound(err) {
			log.Warn().Err(err).Str("secret", name).Msg("Could not purge deleted secret")
		}
	}
	return nil
}

// clientAdapter narrows *azsecrets.Client to API.
type clientAdapter struct {
	client *azsecrets.Client
}

func (a *clientAdapter) GetSecret(ctx context.Context, name string) (azsecrets.GetSecretResponse, error) {
	return a.client.GetSecret(ctx, name, "", nil)
}

func (a *clientAdapter) SetSecret(ctx context.Context, name string, params azsecrets.SetSecretParameters) (azsecrets.SetSecretResponse, error) {
	return a.client.SetSecret(ctx, name, params, nil)
}

func (a *clientAdapter) DeleteSecret(ctx context.Context, name string) error {
	_, err := a.client.DeleteSecret(ctx, name, nil)
	return err
}

func (a *clientAdapter) PurgeDeletedSecret(ctx context.Context, name string) error {
	_, err := a.client.PurgeDeletedSecret(ctx, name, nil)
	return err
}

func (a *clientAdapter) ListSecretProperties(ctx context.Context) ([]*azsecrets.SecretProperties, error) {
	var out []*azsecrets.SecretProperties
	pager := a.client.NewListSecretPropertiesPager(nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Value...)
	}
	return out, nil
}
