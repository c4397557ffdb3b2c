package awssm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"rahoogan/secure-store/secrets"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/rs/zerolog/log"
)

const BackendType = "aws.secretsmanager"

const (
	AWSSecretAccessKeyVar   string = "AWS_SECRET_ACCESS_KEY"
	AWSSecretAccessKeyIdVar string = "AWS_ACCESS_KEY_ID"
	AWSRegionNameVar        string = "AWS_REGION"
	AWSEndpointUrlVar       string = "AWS_ENDPOINT_URL"
)

const (
	DEFAULT_PREFIX string = "secure-store"

	namespaceTag = "securestore:namespace"
	nameTag      = "securestore:name"
)

var errNotSetup = errors.New("aws secrets manager backend used before Setup")

func init() {
	secrets.Register(BackendType, NewFactory)
}

// SecretsManagerAPI is the subset of the Secrets Manager client used here
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
	DescribeSecret(ctx context.Context, params *secretsmanager.DescribeSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.DescribeSecretOutput, error)
	ListSecrets(ctx context.Context, params *secretsmanager.ListSecretsInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.ListSecretsOutput, error)
	CreateSecret(ctx context.Context, params *secretsmanager.CreateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error)
	PutSecretValue(ctx context.Context, params *secretsmanager.PutSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error)
	UpdateSecret(ctx context.Context, params *secretsmanager.UpdateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.UpdateSecretOutput, error)
	TagResource(ctx context.Context, params *secretsmanager.TagResourceInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.TagResourceOutput, error)
	UntagResource(ctx context.Context, params *secretsmanager.UntagResourceInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.UntagResourceOutput, error)
	DeleteSecret(ctx context.Context, params *secretsmanager.DeleteSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.DeleteSecretOutput, error)
}

type AWSSecretsManagerDriver struct {
	ID                 string
	Prefix             string
	AWSEndpoint        string
	AWSAccessKeyId     string
	AWSSecretAccessKey string
	AWSRegion          string

	client SecretsManagerAPI
}

// Option configures the driver at construction time
type Option func(*AWSSecretsManagerDriver)

// WithClient replaces the AWS client, mainly for tests
func WithClient(client SecretsManagerAPI) Option {
	return func(driver *AWSSecretsManagerDriver) {
		driver.client = client
	}
}

// NewFactory reads the "region", "endpoint", "prefix", "access_key_id" and
// "secret_access_key" options.
func NewFactory(id string, cfg map[string]any) (secrets.SecretStoreDriver, error) {
	return New(id, cfg), nil
}

func New(id string, cfg map[string]any, opts ...Option) *AWSSecretsManagerDriver {
	driver := &AWSSecretsManagerDriver{
		ID:                 id,
		Prefix:             strings.Trim(secrets.ConfigString(cfg, "prefix", DEFAULT_PREFIX), "/"),
		AWSRegion:          secrets.ConfigString(cfg, "region", ""),
		AWSEndpoint:        secrets.ConfigString(cfg, "endpoint", ""),
		AWSAccessKeyId:     secrets.ConfigString(cfg, "access_key_id", ""),
		AWSSecretAccessKey: secrets.ConfigString(cfg, "secret_access_key", ""),
	}
	for _, opt := range opts {
		opt(driver)
	}
	return driver
}

// Sets up the secretsmanager client. Values missing from the descriptor
// fall back to the standard AWS environment variables.
func (driver *AWSSecretsManagerDriver) Setup(ctx context.Context, newState secrets.StateFactory) error {
	if driver.client != nil {
		return nil
	}
	if driver.AWSRegion == "" {
		driver.AWSRegion = os.Getenv(AWSRegionNameVar)
	}
	if driver.AWSEndpoint == "" {
		driver.AWSEndpoint = os.Getenv(AWSEndpointUrlVar)
	}
	if driver.AWSAccessKeyId == "" {
		driver.AWSAccessKeyId = os.Getenv(AWSSecretAccessKeyIdVar)
	}
	if driver.AWSSecretAccessKey == "" {
		driver.AWSSecretAccessKey = os.Getenv(AWSSecretAccessKeyVar)
	}
	if driver.AWSRegion == "" {
		return errors.New("you must set an aws region for the secrets manager backend to work")
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(driver.AWSRegion)}
	if driver.AWSAccessKeyId != "" && driver.AWSSecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(driver.AWSAccessKeyId, driver.AWSSecretAccessKey, ""),
		))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		log.Error().Err(err).Msg("Could not load AWS configuration")
		return fmt.Errorf("load aws config: %w", err)
	}

	driver.client = secretsmanager.NewFromConfig(cfg, func(o *secretsmanager.Options) {
		if driver.AWSEndpoint != "" {
			o.BaseEndpoint = aws.String(driver.AWSEndpoint)
		}
	})
	log.Debug().Str("backend", driver.ID).Str("region", driver.AWSRegion).Msg("AWS secrets manager backend ready")
	return nil
}

// Namespace and name are base64url encoded so neither can contain the "/"
// separator. The alphabet is within the characters secret names allow.
var idEncoding = base64.RawURLEncoding

func (driver *AWSSecretsManagerDriver) namespacePrefix(namespace string) string {
	return driver.Prefix + "/" + idEncoding.EncodeToString([]byte(namespace)) + "/"
}

func (driver *AWSSecretsManagerDriver) secretId(namespace, name string) string {
	return driver.namespacePrefix(namespace) + idEncoding.EncodeToString([]byte(name))
}

func isNotFound(err error) bool {
	var notFound *types.ResourceNotFoundException
	return errors.As(err, &notFound)
}

func isExists(err error) bool {
	var exists *types.ResourceExistsException
	return errors.As(err, &exists)
}

// splitTags separates the reserved bookkeeping tags from user properties.
func splitTags(tags []types.Tag) (namespace, name string, properties map[string]string) {
	properties = map[string]string{}
	for _, tag := range tags {
		key, value := aws.ToString(tag.Key), aws.ToString(tag.Value)
		switch key {
		case namespaceTag:
			namespace = value
		case nameTag:
			name = value
		default:
			properties[key] = value
		}
	}
	return namespace, name, properties
}

func buildTags(namespace, name string, properties map[string]string) []types.Tag {
	tags := []types.Tag{
		{Key: aws.String(namespaceTag), Value: aws.String(namespace)},
		{Key: aws.String(nameTag), Value: aws.String(name)},
	}
	for k, v := range properties {
		tags = append(tags, types.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	return tags
}

// fetchValue reads the current version; ok is false if the secret is gone.
func (driver *AWSSecretsManagerDriver) fetchValue(ctx context.Context, secretId string) (*secretsmanager.GetSecretValueOutput, bool, error) {
	out, err := driver.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(secretId)})
	if isNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		log.Error().Err(err).Msg("Could not fetch remote secret")
		return nil, false, err
	}
	return out, true, nil
}

func payload(out *secretsmanager.GetSecretValueOutput) []byte {
	if out.SecretBinary != nil {
		return out.SecretBinary
	}
	return []byte(aws.ToString(out.SecretString))
}

func createTimeMs(out *secretsmanager.GetSecretValueOutput) int64 {
	if out.CreatedDate == nil {
		return 0
	}
	return out.CreatedDate.UnixMilli()
}

func (driver *AWSSecretsManagerDriver) List(ctx context.Context, req *secrets.ListSecrets) (*secrets.ListSecretResponse, error) {
	if driver.client == nil {
		return nil, errNotSetup
	}
	prefix := driver.namespacePrefix(req.Namespace)
	paginator := secretsmanager.NewListSecretsPaginator(driver.client, &secretsmanager.ListSecretsInput{
		Filters: []types.Filter{{Key: types.FilterNameStringTypeName, Values: []string{prefix}}},
	})

	resp := &secrets.ListSecretResponse{Secrets: []secrets.Secret{}}
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			log.Error().Err(err).Msg("Could not list remote secrets")
			return nil, err
		}
		for _, entry := range page.SecretList {
			namespace, name, properties := splitTags(entry.Tags)
			// The name filter is a prefix match; the tag pins the namespace exactly.
			if namespace != req.Namespace || !strings.HasPrefix(aws.ToString(entry.Name), prefix) {
				continue
			}
			out, ok, err := driver.fetchValue(ctx, aws.ToString(entry.Name))
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			resp.Secrets = append(resp.Secrets, secrets.Secret{
				Metadata: secrets.SecretMetadata{
					Name:         name,
					Description:  aws.ToString(entry.Description),
					CreateTimeMs: createTimeMs(out),
					Properties:   properties,
				},
				Data: payload(out),
			})
		}
	}
	return resp, nil
}

func (driver *AWSSecretsManagerDriver) Get(ctx context.Context, req *secrets.GetSecret) (*secrets.GetSecretResponse, error) {
	if driver.client == nil {
		return nil, errNotSetup
	}
	secretId := driver.secretId(req.Namespace, req.Name)
	described, err := driver.client.DescribeSecret(ctx, &secretsmanager.DescribeSecretInput{SecretId: aws.String(secretId)})
	if isNotFound(err) {
		return &secrets.GetSecretResponse{}, nil
	}
	if err != nil {
		log.Error().Err(err).Msg("Could not describe remote secret")
		return nil, err
	}
	namespace, name, properties := splitTags(described.Tags)
	if namespace != req.Namespace || name != req.Name {
		log.Warn().Str("secret", secretId).Msg("Remote secret belongs to another namespace or name, ignoring it")
		return &secrets.GetSecretResponse{}, nil
	}
	out, ok, err := driver.fetchValue(ctx, secretId)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &secrets.GetSecretResponse{}, nil
	}

	return &secrets.GetSecretResponse{Secret: &secrets.Secret{
		Metadata: secrets.SecretMetadata{
			Name:         req.Name,
			Description:  aws.ToString(described.Description),
			CreateTimeMs: createTimeMs(out),
			Properties:   properties,
		},
		Data: payload(out),
	}}, nil
}

// Creates the secret, or writes a new version and syncs description and
// tags when it already exists.
func (driver *AWSSecretsManagerDriver) Create(ctx context.Context, req *secrets.CreateSecret) error {
	if driver.client == nil {
		return secrets.NewWriteError(driver.ID, "store", req.Namespace, req.Name, errNotSetup)
	}
	secretId := driver.secretId(req.Namespace, req.Name)
	tags := buildTags(req.Namespace, req.Name, req.Properties)
	data := req.Data
	if data == nil {
		data = []byte{}
	}

	_, err := driver.client.CreateSecret(ctx, &secretsmanager.CreateSecretInput{
		Name:         aws.String(secretId),
		Description:  aws.String(req.Description),
		SecretBinary: data,
		Tags:         tags,
	})
	if err == nil {
		return nil
	}
	if !isExists(err) {
		log.Error().Err(err).Msg("Could not create remote secret")
		return secrets.NewWriteError(driver.ID, "store", req.Namespace, req.Name, err)
	}

	if err := driver.overwrite(ctx, secretId, data, req.Description, tags); err != nil {
		log.Error().Err(err).Msg("Could not update remote secret")
		return secrets.NewWriteError(driver.ID, "store", req.Namespace, req.Name, err)
	}
	return nil
}

func (driver *AWSSecretsManagerDriver) overwrite(ctx context.Context, secretId string, data []byte, description string, tags []types.Tag) error {
	if _, err := driver.client.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
		SecretId:     aws.String(secretId),
		SecretBinary: data,
	}); err != nil {
		return err
	}
	if _, err := driver.client.UpdateSecret(ctx, &secretsmanager.UpdateSecretInput{
		SecretId:    aws.String(secretId),
		Description: aws.String(description),
	}); err != nil {
		return err
	}

	described, err := driver.client.DescribeSecret(ctx, &secretsmanager.DescribeSecretInput{SecretId: aws.String(secretId)})
	if err != nil {
		return err
	}
	wanted := make(map[string]bool, len(tags))
	for _, tag := range tags {
		wanted[aws.ToString(tag.Key)] = true
	}
	var stale []string
	for _, tag := range described.Tags {
		if !wanted[aws.ToString(tag.Key)] {
			stale = append(stale, aws.ToString(tag.Key))
		}
	}
	if len(stale) > 0 {
		if _, err := driver.client.UntagResource(ctx, &secretsmanager.UntagResourceInput{
			SecretId: aws.String(secretId),
			TagKeys:  stale,
		}); err != nil {
			return err
		}
	}
	_, err = driver.client.TagResource(ctx, &secretsmanager.TagResourceInput{
		SecretId: aws.String(secretId),
		Tags:     tags,
	})
	return err
}

// Deletes without a recovery window so the name can be reused immediately
func (driver *AWSSecretsManagerDriver) Delete(ctx context.Context, req *secrets.DeleteSecret) error {
	if driver.client == nil {
		return secrets.NewWriteError(driver.ID, "delete", req.Namespace, req.Name, errNotSetup)
	}
	_, err := driver.client.DeleteSecret(ctx, &secretsmanager.DeleteSecretInput{
		SecretId:                   aws.String(driver.secretId(req.Namespace, req.Name)),
		ForceDeleteWithoutRecovery: aws.Bool(true),
	})
	if err != nil && !isNotFound(err) {
		log.Error().Err(err).Msg("Could not delete remote secret")
		return secrets.NewWriteError(driver.ID, "delete", req.Namespace, req.Name, err)
	}
	return nil
}
