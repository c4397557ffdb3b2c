// Package gcpsm stores secrets in Google Cloud Secret Manager.
//
// Secret ids are ss_<base32(namespace)>_<base32(name)> so that any namespace
// and name fit the id alphabet. The plain namespace, name, description and
// properties travel as annotations; every store adds a new secret version.
package gcpsm

import (
	"context"
	"encoding/base32"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"rahoogan/secure-store/secrets"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/fieldmaskpb"
)

const BackendType = "gcp.secretmanager"

const (
	idPrefix = "ss_"

	namespaceAnnotation   = "securestore.namespace"
	nameAnnotation        = "securestore.name"
	descriptionAnnotation = "securestore.description"
	propertiesAnnotation  = "securestore.properties"
)

var idEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

var errNotSetup = errors.New("gcp secret manager backend used before Setup")

func init() {
	secrets.Register(BackendType, NewFactory)
}

// API is the part of Secret Manager this backend relies on. ListSecrets
// returns every secret of the project, already drained from the iterator.
type API interface {
	GetSecret(ctx context.Context, req *secretmanagerpb.GetSecretRequest) (*secretmanagerpb.Secret, error)
	CreateSecret(ctx context.Context, req *secretmanagerpb.CreateSecretRequest) (*secretmanagerpb.Secret, error)
	UpdateSecret(ctx context.Context, req *secretmanagerpb.UpdateSecretRequest) (*secretmanagerpb.Secret, error)
	DeleteSecret(ctx context.Context, req *secretmanagerpb.DeleteSecretRequest) error
	ListSecrets(ctx context.Context, req *secretmanagerpb.ListSecretsRequest) ([]*secretmanagerpb.Secret, error)
	AddSecretVersion(ctx context.Context, req *secretmanagerpb.AddSecretVersionRequest) (*secretmanagerpb.SecretVersion, error)
	GetSecretVersion(ctx context.Context, req *secretmanagerpb.GetSecretVersionRequest) (*secretmanagerpb.SecretVersion, error)
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

type GCPSecretManagerDriver struct {
	ID              string
	ProjectID       string
	CredentialsFile string
	Endpoint        string

	client API
}

type Option func(*GCPSecretManagerDriver)

func WithClient(client API) Option {
	return func(driver *GCPSecretManagerDriver) {
		driver.client = client
	}
}

// NewFactory reads the "project_id", "credentials_file" and "endpoint"
// options.
func NewFactory(id string, cfg map[string]any) (secrets.SecretStoreDriver, error) {
	return New(id, cfg), nil
}

func New(id string, cfg map[string]any, opts ...Option) *GCPSecretManagerDriver {
	driver := &GCPSecretManagerDriver{
		ID:              id,
		ProjectID:       secrets.ConfigString(cfg, "project_id", ""),
		CredentialsFile: secrets.ConfigString(cfg, "credentials_file", ""),
		Endpoint:        secrets.ConfigString(cfg, "endpoint", ""),
	}
	for _, opt := range opts {
		opt(driver)
	}
	return driver
}

func (driver *GCPSecretManagerDriver) Setup(ctx context.Context, newState secrets.StateFactory) error {
	if driver.ProjectID == "" {
		for _, env := range []string{"GOOGLE_CLOUD_PROJECT", "GCLOUD_PROJECT", "GCP_PROJECT"} {
			if project := os.Getenv(env); project != "" {
				driver.ProjectID = project
				break
			}
		}
	}
	if driver.ProjectID == "" {
		return errors.New("project_id is required for the gcp secret manager backend")
	}
	if driver.client != nil {
		return nil
	}

	var clientOpts []option.ClientOption
	if driver.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(driver.CredentialsFile))
	}
	if driver.Endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(driver.Endpoint))
	}
	client, err := secretmanager.NewClient(ctx, clientOpts...)
	if err != nil {
		log.Error().Err(err).Msg("Could not create GCP secret manager client")
		return fmt.Errorf("create gcp secret manager client: %w", err)
	}
	driver.client = &clientAdapter{client: client}
	log.Debug().Str("backend", driver.ID).Str("project", driver.ProjectID).Msg("GCP secret manager backend ready")
	return nil
}

// Close releases the gRPC connection.
func (driver *GCPSecretManagerDriver) Close() error {
	if driver.client == nil {
		return nil
	}
	return driver.client.Close()
}

func encodeID(s string) string {
	return idEncoding.EncodeToString([]byte(s))
}

func (driver *GCPSecretManagerDriver) parent() string {
	return "projects/" + driver.ProjectID
}

func (driver *GCPSecretManagerDriver) namespaceIDPrefix(namespace string) string {
	return idPrefix + encodeID(namespace) + "_"
}

func (driver *GCPSecretManagerDriver) secretID(namespace, name string) string {
	return driver.namespaceIDPrefix(namespace) + encodeID(name)
}

func (driver *GCPSecretManagerDriver) secretName(namespace, name string) string {
	return driver.parent() + "/secrets/" + driver.secretID(namespace, name)
}

func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

func annotations(namespace, name, description string, properties map[string]string) (map[string]string, error) {
	props, err := json.Marshal(secrets.CloneProperties(properties))
	if err != nil {
		return nil, err
	}
	return map[string]string{
		namespaceAnnotation:   namespace,
		nameAnnotation:        name,
		descriptionAnnotation: description,
		propertiesAnnotation:  string(props),
	}, nil
}

func metadata(secret *secretmanagerpb.Secret) (secrets.SecretMetadata, error) {
	ann := secret.GetAnnotations()
	md := secrets.SecretMetadata{
		Name:        ann[nameAnnotation],
		Description: ann[descriptionAnnotation],
		Properties:  map[string]string{},
	}
	if raw := ann[propertiesAnnotation]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &md.Properties); err != nil {
			return md, fmt.Errorf("decode properties of %s: %w", secret.GetName(), err)
		}
	}
	return md, nil
}

// latest reads the newest version; ok is false when the secret has no
// version or has vanished.
func (driver *GCPSecretManagerDriver) latest(ctx context.Context, secretName string) (data []byte, createTimeMs int64, ok bool, err error) {
	versionName := secretName + "/versions/latest"
	version, err := driver.client.GetSecretVersion(ctx, &secretmanagerpb.GetSecretVersionRequest{Name: versionName})
	if isNotFound(err) {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, err
	}
	access, err := driver.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: versionName})
	if isNotFound(err) {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, err
	}
	return access.GetPayload().GetData(), version.GetCreateTime().AsTime().UnixMilli(), true, nil
}

func (driver *GCPSecretManagerDriver) load(ctx context.Context, secret *secretmanagerpb.Secret) (*secrets.Secret, error) {
	md, err := metadata(secret)
	if err != nil {
		return nil, err
	}
	data, created, ok, err := driver.latest(ctx, secret.GetName())
	if err != nil || !ok {
		return nil, err
	}
	md.CreateTimeMs = created
	return &secrets.Secret{Metadata: md, Data: data}, nil
}

func (driver *GCPSecretManagerDriver) List(ctx context.Context, req *secrets.ListSecrets) (*secrets.ListSecretResponse, error) {
	if driver.client == nil {
		return nil, errNotSetup
	}
	// Base32 ids contain no "_" or lowercase letters, so the substring
	// filter only matches ids that start with the namespace prefix.
	all, err := driver.client.ListSecrets(ctx, &secretmanagerpb.ListSecretsRequest{
		Parent: driver.parent(),
		Filter: "name:" + driver.namespaceIDPrefix(req.Namespace),
	})
	if err != nil {
		log.Error().Err(err).Msg("Could not list remote secrets")
		return nil, err
	}

	prefix := driver.parent() + "/secrets/" + driver.namespaceIDPrefix(req.Namespace)
	resp := &secrets.ListSecretResponse{Secrets: []secrets.Secret{}}
	for _, entry := range all {
		if !strings.HasPrefix(entry.GetName(), prefix) || entry.GetAnnotations()[namespaceAnnotation] != req.Namespace {
			continue
		}
		secret, err := driver.load(ctx, entry)
		if err != nil {
			return nil, err
		}
		if secret != nil {
			resp.Secrets = append(resp.Secrets, *secret)
		}
	}
	return resp, nil
}

func (driver *GCPSecretManagerDriver) Get(ctx context.Context, req *secrets.GetSecret) (*secrets.GetSecretResponse, error) {
	if driver.client == nil {
		return nil, errNotSetup
	}
	entry, err := driver.client.GetSecret(ctx, &secretmanagerpb.GetSecretRequest{Name: driver.secretName(req.Namespace, req.Name)})
	if isNotFound(err) {
		return &secrets.GetSecretResponse{}, nil
	}
	if err != nil {
		log.Error().Err(err).Msg("Could not fetch remote secret")
		return nil, err
	}
	secret, err := driver.load(ctx, entry)
	if err != nil {
		return nil, err
	}
	return &secrets.GetSecretResponse{Secret: secret}, nil
}

func (driver *GCPSecretManagerDriver) Create(ctx context.Context, req *secrets.CreateSecret) error {
	writeErr := func(err error) error {
		log.Error().Err(err).Msg("Could not store remote secret")
		return secrets.NewWriteError(driver.ID, "store", req.Namespace, req.Name, err)
	}
	if driver.client == nil {
		return writeErr(errNotSetup)
	}
	ann, err := annotations(req.Namespace, req.Name, req.Description, req.Properties)
	if err != nil {
		return writeErr(err)
	}

	name := driver.secretName(req.Namespace, req.Name)
	_, err = driver.client.GetSecret(ctx, &secretmanagerpb.GetSecretRequest{Name: name})
	switch {
	case isNotFound(err):
		_, err = driver.client.CreateSecret(ctx, &secretmanagerpb.CreateSecretRequest{
			Parent:   driver.parent(),
			SecretId: driver.secretID(req.Namespace, req.Name),
			Secret: &secretmanagerpb.Secret{
				Replication: &secretmanagerpb.Replication{
					Replication: &secretmanagerpb.Replication_Automatic_{Automatic: &secretmanagerpb.Replication_Automatic{}},
				},
				Annotations: ann,
			},
		})
		if status.Code(err) != codes.AlreadyExists {
			break
		}
		fallthrough
	case err == nil:
		_, err = driver.client.UpdateSecret(ctx, &secretmanagerpb.UpdateSecretRequest{
			Secret:     &secretmanagerpb.Secret{Name: name, Annotations: ann},
			UpdateMask: &fieldmaskpb.FieldMask{Paths: []string{"annotations"}},
		})
	}
	if err != nil {
		return writeErr(err)
	}

	_, err = driver.client.AddSecretVersion(ctx, &secretmanagerpb.AddSecretVersionRequest{
		Parent:  name,
		Payload: &secretmanagerpb.SecretPayload{Data: req.Data},
	})
	if err != nil {
		return writeErr(err)
	}
	return nil
}

func (driver *GCPSecretManagerDriver) Delete(ctx context.Context, req *secrets.DeleteSecret) error {
	if driver.client == nil {
		return secrets.NewWriteError(driver.ID, "delete", req.Namespace, req.Name, errNotSetup)
	}
	err := driver.client.DeleteSecret(ctx, &secretmanagerpb.DeleteSecretRequest{Name: driver.secretName(req.Namespace, req.Name)})
	if err != nil && !isNotFound(err) {
		log.Error().Err(err).Msg("Could not delete remote secret")
		return secrets.NewWriteError(driver.ID, "delete", req.Namespace, req.Name, err)
	}
	return nil
}

// clientAdapter narrows the generated client to API.
type clientAdapter struct {
	client *secretmanager.Client
}

func (a *clientAdapter) GetSecret(ctx context.Context, req *secretmanagerpb.GetSecretRequest) (*secretmanagerpb.Secret, error) {
	return a.client.GetSecret(ctx, req)
}

func (a *clientAdapter) CreateSecret(ctx context.Context, req *secretmanagerpb.CreateSecretRequest) (*secretmanagerpb.Secret, error) {
	return a.client.CreateSecret(ctx, req)
}

func (a *clientAdapter) UpdateSecret(ctx context.Context, req *secretmanagerpb.UpdateSecretRequest) (*secretmanagerpb.Secret, error) {
	return a.client.UpdateSecret(ctx, req)
}

func (a *clientAdapter) DeleteSecret(ctx context.Context, req *secretmanagerpb.DeleteSecretRequest) error {
	return a.client.DeleteSecret(ctx, req)
}

func (a *clientAdapter) ListSecrets(ctx context.Context, req *secretmanagerpb.ListSecretsRequest) ([]*secretmanagerpb.Secret, error) {
	var out []*secretmanagerpb.Secret
	it := a.client.ListSecrets(ctx, req)
	for {
		secret, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, secret)
	}
}

func (a *clientAdapter) AddSecretVersion(ctx context.Context, req *secretmanagerpb.AddSecretVersionRequest) (*secretmanagerpb.SecretVersion, error) {
	return a.client.AddSecretVersion(ctx, req)
}

func (a *clientAdapter) GetSecretVersion(ctx context.Context, req *secretmanagerpb.GetSecretVersionRequest) (*secretmanagerpb.SecretVersion, error) {
	return a.client.GetSecretVersion(ctx, req)
}

func (a *clientAdapter) AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	return a.client.AccessSecretVersion(ctx, req)
}

func (a *clientAdapter) Close() error {
	return a.client.Close()
}
