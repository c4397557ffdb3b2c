package awssm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"rahoogan/secure-store/secrets"
	"rahoogan/secure-store/secrets/secretstest"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSecret struct {
	description string
	tags        map[string]string
	value       []byte
	created     time.Time
}

// fakeSecretsManager is an in-memory stand-in for the AWS API
type fakeSecretsManager struct {
	mu       sync.Mutex
	secrets  map[string]*fakeSecret
	clock    int64
	failPuts error
}

func newFakeSecretsManager() *fakeSecretsManager {
	return &fakeSecretsManager{secrets: map[string]*fakeSecret{}, clock: 1_700_000_000_000}
}

func (f *fakeSecretsManager) tick() time.Time {
	f.clock++
	return time.UnixMilli(f.clock)
}

func notFound() error {
	return &types.ResourceNotFoundException{Message: aws.String("Secrets Manager can't find the specified secret.")}
}

func toTags(tags map[string]string) []types.Tag {
	out := []types.Tag{}
	for k, v := range tags {
		out = append(out, types.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	return out
}

func (f *fakeSecretsManager) GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.secrets[aws.ToString(params.SecretId)]
	if !ok {
		return nil, notFound()
	}
	created := s.created
	return &secretsmanager.GetSecretValueOutput{
		Name:         params.SecretId,
		SecretBinary: append([]byte(nil), s.value...),
		CreatedDate:  &created,
	}, nil
}

func (f *fakeSecretsManager) DescribeSecret(ctx context.Context, params *secretsmanager.DescribeSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.DescribeSecretOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.secrets[aws.ToString(params.SecretId)]
	if !ok {
		return nil, notFound()
	}
	return &secretsmanager.DescribeSecretOutput{
		Name:        params.SecretId,
		Description: aws.String(s.description),
		Tags:        toTags(s.tags),
	}, nil
}

func (f *fakeSecretsManager) ListSecrets(ctx context.Context, params *secretsmanager.ListSecretsInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.ListSecretsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := ""
	for _, filter := range params.Filters {
		if filter.Key == types.FilterNameStringTypeName && len(filter.Values) > 0 {
			prefix = filter.Values[0]
		}
	}
	out := &secretsmanager.ListSecretsOutput{}
	for id, s := range f.secrets {
		if !strings.HasPrefix(id, prefix) {
			continue
		}
		out.SecretList = append(out.SecretList, types.SecretListEntry{
			Name:        aws.String(id),
			Description: aws.String(s.description),
			Tags:        toTags(s.tags),
		})
	}
	return out, nil
}

func (f *fakeSecretsManager) CreateSecret(ctx context.Context, params *secretsmanager.CreateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := aws.ToString(params.Name)
	if _, ok := f.secrets[id]; ok {
		return nil, &types.ResourceExistsException{Message: aws.String("already exists")}
	}
	tags := map[string]string{}
	for _, tag := range params.Tags {
		tags[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
	}
	f.secrets[id] = &fakeSecret{
		description: aws.ToString(params.Description),
		tags:        tags,
		value:       append([]byte(nil), params.SecretBinary...),
		created:     f.tick(),
	}
	return &secretsmanager.CreateSecretOutput{Name: params.Name}, nil
}

func (f *fakeSecretsManager) PutSecretValue(ctx context.Context, params *secretsmanager.PutSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPuts != nil {
		return nil, f.failPuts
	}
	s, ok := f.secrets[aws.ToString(params.SecretId)]
	if !ok {
		return nil, notFound()
	}
	s.value = append([]byte(nil), params.SecretBinary...)
	s.created = f.tick()
	return &secretsmanager.PutSecretValueOutput{}, nil
}

func (f *fakeSecretsManager) UpdateSecret(ctx context.Context, params *secretsmanager.UpdateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.UpdateSecretOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.secrets[aws.ToString(params.SecretId)]
	if !ok {
		return nil, notFound()
	}
	s.description = aws.ToString(params.Description)
	return &secretsmanager.UpdateSecretOutput{}, nil
}

func (f *fakeSecretsManager) TagResource(ctx context.Context, params *secretsmanager.TagResourceInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.TagResourceOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.secrets[aws.ToString(params.SecretId)]
	if !ok {
		return nil, notFound()
	}
	for _, tag := range params.Tags {
		s.tags[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
	}
	return &secretsmanager.TagResourceOutput{}, nil
}

func (f *fakeSecretsManager) UntagResource(ctx context.Context, params *secretsmanager.UntagResourceInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.UntagResourceOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.secrets[aws.ToString(params.SecretId)]
	if !ok {
		return nil, notFound()
	}
	for _, key := range params.TagKeys {
		delete(s.tags, key)
	}
	return &secretsmanager.UntagResourceOutput{}, nil
}

func (f *fakeSecretsManager) DeleteSecret(ctx context.Context, params *secretsmanager.DeleteSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.DeleteSecretOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := aws.ToString(params.SecretId)
	if _, ok := f.secrets[id]; !ok {
		return nil, notFound()
	}
	delete(f.secrets, id)
	return &secretsmanager.DeleteSecretOutput{}, nil
}

func newDriver(t *testing.T, client SecretsManagerAPI) *AWSSecretsManagerDriver {
	t.Helper()
	driver := New("aws", map[string]any{"region": "us-east-1"}, WithClient(client))
	require.NoError(t, driver.Setup(context.Background(), secrets.NewState))
	return driver
}

func TestContract(t *testing.T) {
	secretstest.RunDriverContractTests(t, func(t *testing.T) secrets.SecretStoreDriver {
		return newDriver(t, newFakeSecretsManager())
	})
}

func TestSecretLayout(t *testing.T) {
	fake := newFakeSecretsManager()
	driver := newDriver(t, fake)
	require.NoError(t, driver.Create(context.Background(), &secrets.CreateSecret{
		Namespace: "ns1", Name: "db-pass", Data: []byte("s3cr3t"), Description: "db password",
		Properties: map[string]string{"env": "prod"},
	}))

	stored, ok := fake.secrets["secure-store/bnMx/ZGItcGFzcw"]
	require.True(t, ok)
	assert.Equal(t, "db password", stored.description)
	assert.Equal(t, map[string]string{
		namespaceTag: "ns1",
		nameTag:      "db-pass",
		"env":        "prod",
	}, stored.tags)
}

func TestOverwriteDropsStaleProperties(t *testing.T) {
	driver := newDriver(t, newFakeSecretsManager())
	ctx := context.Background()
	require.NoError(t, driver.Create(ctx, &secrets.CreateSecret{Namespace: "ns", Name: "k", Data: []byte("v1"), Properties: map[string]string{"env": "prod", "team": "db"}}))
	require.NoError(t, driver.Create(ctx, &secrets.CreateSecret{Namespace: "ns", Name: "k", Data: []byte("v2"), Properties: map[string]string{"env": "dev"}}))

	resp, err := driver.Get(ctx, &secrets.GetSecret{Namespace: "ns", Name: "k"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"env": "dev"}, resp.Secret.Metadata.Properties)
	assert.Equal(t, []byte("v2"), resp.Secret.Data)
}

func TestListIgnoresNestedNamespaces(t *testing.T) {
	driver := newDriver(t, newFakeSecretsManager())
	ctx := context.Background()
	require.NoError(t, driver.Create(ctx, &secrets.CreateSecret{Namespace: "team", Name: "token", Data: []byte("a")}))
	require.NoError(t, driver.Create(ctx, &secrets.CreateSecret{Namespace: "team/sub", Name: "token", Data: []byte("b")}))

	resp, err := driver.List(ctx, &secrets.ListSecrets{Namespace: "team"})
	require.NoError(t, err)
	require.Len(t, resp.Secrets, 1)
	assert.Equal(t, []byte("a"), resp.Secrets[0].Data)
}

func TestSlashesDoNotCrossNamespaces(t *testing.T) {
	fake := newFakeSecretsManager()
	driver := newDriver(t, fake)
	ctx := context.Background()
	require.NoError(t, driver.Create(ctx, &secrets.CreateSecret{Namespace: "team/a", Name: "token", Data: []byte("team-a-token")}))

	resp, err := driver.Get(ctx, &secrets.GetSecret{Namespace: "team", Name: "a/token"})
	require.NoError(t, err)
	assert.Nil(t, resp.Secret)

	require.NoError(t, driver.Delete(ctx, &secrets.DeleteSecret{Namespace: "team", Name: "a/token"}))
	resp, err = driver.Get(ctx, &secrets.GetSecret{Namespace: "team/a", Name: "token"})
	require.NoError(t, err)
	require.NotNil(t, resp.Secret)
	assert.Equal(t, []byte("team-a-token"), resp.Secret.Data)
	assert.Len(t, fake.secrets, 1)
}

func TestGetIgnoresSecretTaggedForAnotherKey(t *testing.T) {
	fake := newFakeSecretsManager()
	driver := newDriver(t, fake)
	fake.secrets[driver.secretId("ns", "k")] = &fakeSecret{
		tags:    map[string]string{namespaceTag: "other", nameTag: "k"},
		value:   []byte("foreign"),
		created: fake.tick(),
	}

	resp, err := driver.Get(context.Background(), &secrets.GetSecret{Namespace: "ns", Name: "k"})
	require.NoError(t, err)
	assert.Nil(t, resp.Secret)
}

func TestWriteFailureIsBackendWriteError(t *testing.T) {
	fake := newFakeSecretsManager()
	driver := newDriver(t, fake)
	ctx := context.Background()
	require.NoError(t, driver.Create(ctx, &secrets.CreateSecret{Namespace: "ns", Name: "k", Data: []byte("v1")}))

	fake.failPuts = errors.New("AccessDeniedException")
	err := driver.Create(ctx, &secrets.CreateSecret{Namespace: "ns", Name: "k", Data: []byte("v2")})
	assert.ErrorIs(t, err, secrets.ErrBackendWrite)
	assert.ErrorIs(t, err, fake.failPuts)
}

func TestSetupRequiresRegion(t *testing.T) {
	t.Setenv(AWSRegionNameVar, "")
	driver := New("aws", map[string]any{})
	assert.Error(t, driver.Setup(context.Background(), secrets.NewState))
}

func TestFactoryOptions(t *testing.T) {
	backend, err := NewFactory("aws-prod", map[string]any{
		"region":   "eu-west-1",
		"endpoint": "http://localhost:4566",
		"prefix":   "/apps/",
	})
	require.NoError(t, err)
	driver := backend.(*AWSSecretsManagerDriver)
	assert.Equal(t, "eu-west-1", driver.AWSRegion)
	assert.Equal(t, "http://localhost:4566", driver.AWSEndpoint)
	assert.Equal(t, "apps/bnM/aw", driver.secretId("ns", "k"))
}
