// Package secretstest runs the behaviour every SecretStoreDriver must share
// against a backend implementation.
//
// Example usage:
//
//	func TestContract(t *testing.T) {
//	    secretstest.RunDriverContractTests(t, func(t *testing.T) secrets.SecretStoreDriver {
//	        driver := &MyDriver{}
//	        require.NoError(t, driver.Setup(context.Background(), secrets.NewState))
//	        return driver
//	    })
//	}
package secretstest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"rahoogan/secure-store/secrets"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// NewDriverFunc returns a backend that has already completed Setup and holds
// no secrets.
type NewDriverFunc func(t *testing.T) secrets.SecretStoreDriver

// RunDriverContractTests runs the shared backend contract as subtests.
func RunDriverContractTests(t *testing.T, newDriver NewDriverFunc) {
	t.Helper()

	t.Run("RoundTrip", func(t *testing.T) { testRoundTrip(t, newDriver(t)) })
	t.Run("MissingSecretIsAbsent", func(t *testing.T) { testMissing(t, newDriver(t)) })
	t.Run("EmptyNamespace", func(t *testing.T) { testEmptyNamespace(t, newDriver(t)) })
	t.Run("Overwrite", func(t *testing.T) { testOverwrite(t, newDriver(t)) })
	t.Run("DeleteIsIdempotent", func(t *testing.T) { testDelete(t, newDriver(t)) })
	t.Run("NamespaceIsolation", func(t *testing.T) { testIsolation(t, newDriver(t)) })
	t.Run("SeparatorsInKeys", func(t *testing.T) { testSeparators(t, newDriver(t)) })
	t.Run("Concurrency", func(t *testing.T) { testConcurrency(t, newDriver(t)) })
}

func get(t *testing.T, driver secrets.SecretStoreDriver, namespace, name string) *secrets.Secret {
	t.Helper()
	resp, err := driver.Get(context.Background(), &secrets.GetSecret{Namespace: namespace, Name: name})
	require.NoError(t, err)
	require.NotNil(t, resp)
	return resp.Secret
}

func store(t *testing.T, driver secrets.SecretStoreDriver, req secrets.CreateSecret) {
	t.Helper()
	require.NoError(t, driver.Create(context.Background(), &req))
}

func testRoundTrip(t *testing.T, driver secrets.SecretStoreDriver) {
	store(t, driver, secrets.CreateSecret{
		Namespace:   "ns1",
		Name:        "db-pass",
		Data:        []byte("s3cr3t"),
		Description: "db password",
		Properties:  map[string]string{"env": "prod"},
	})

	secret := get(t, driver, "ns1", "db-pass")
	require.NotNil(t, secret)
	assert.Equal(t, "db-pass", secret.Metadata.Name)
	assert.Equal(t, "db password", secret.Metadata.Description)
	assert.Equal(t, []byte("s3cr3t"), secret.Data)
	assert.Equal(t, map[string]string{"env": "prod"}, secret.Metadata.Properties)
	assert.Positive(t, secret.Metadata.CreateTimeMs)

	resp, err := driver.List(context.Background(), &secrets.ListSecrets{Namespace: "ns1"})
	require.NoError(t, err)
	require.Len(t, resp.Secrets, 1)
	assert.Equal(t, "db-pass", resp.Secrets[0].Metadata.Name)
	assert.Equal(t, "db password", resp.Secrets[0].Metadata.Description)
}

func testMissing(t *testing.T, driver secrets.SecretStoreDriver) {
	assert.Nil(t, get(t, driver, "ns1", "never-stored"))
}

func testEmptyNamespace(t *testing.T, driver secrets.SecretStoreDriver) {
	resp, err := driver.List(context.Background(), &secrets.ListSecrets{Namespace: "nobody-home"})
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Empty(t, resp.Secrets)
}

func testOverwrite(t *testing.T, driver secrets.SecretStoreDriver) {
	store(t, driver, secrets.CreateSecret{Namespace: "ns", Name: "k", Data: []byte("v1"), Description: "first"})
	first := get(t, driver, "ns", "k")
	require.NotNil(t, first)

	store(t, driver, secrets.CreateSecret{Namespace: "ns", Name: "k", Data: []byte("v2"), Description: "second"})
	second := get(t, driver, "ns", "k")
	require.NotNil(t, second)

	assert.Equal(t, []byte("v2"), second.Data)
	assert.Equal(t, "second", second.Metadata.Description)
	assert.GreaterOrEqual(t, second.Metadata.CreateTimeMs, first.Metadata.CreateTimeMs)

	resp, err := driver.List(context.Background(), &secrets.ListSecrets{Namespace: "ns"})
	require.NoError(t, err)
	assert.Len(t, resp.Secrets, 1)
}

func testDelete(t *testing.T, driver secrets.SecretStoreDriver) {
	ctx := context.Background()
	store(t, driver, secrets.CreateSecret{Namespace: "ns", Name: "gone", Data: []byte("x")})

	require.NoError(t, driver.Delete(ctx, &secrets.DeleteSecret{Namespace: "ns", Name: "gone"}))
	assert.Nil(t, get(t, driver, "ns", "gone"))
	require.NoError(t, driver.Delete(ctx, &secrets.DeleteSecret{Namespace: "ns", Name: "gone"}))
	require.NoError(t, driver.Delete(ctx, &secrets.DeleteSecret{Namespace: "ns", Name: "never-existed"}))
}

func testIsolation(t *testing.T, driver secrets.SecretStoreDriver) {
	store(t, driver, secrets.CreateSecret{Namespace: "team-a", Name: "token", Data: []byte("a")})
	store(t, driver, secrets.CreateSecret{Namespace: "team-b", Name: "token", Data: []byte("b")})

	assert.Equal(t, []byte("a"), get(t, driver, "team-a", "token").Data)
	assert.Equal(t, []byte("b"), get(t, driver, "team-b", "token").Data)

	require.NoError(t, driver.Delete(context.Background(), &secrets.DeleteSecret{Namespace: "team-a", Name: "token"}))
	assert.Nil(t, get(t, driver, "team-a", "token"))
	assert.NotNil(t, get(t, driver, "team-b", "token"))
}

// Keys that only differ in where a separator character falls must stay
// distinct secrets.
func testSeparators(t *testing.T, driver secrets.SecretStoreDriver) {
	ctx := context.Background()
	pairs := [][2]secrets.CreateSecret{
		{
			{Namespace: "team/a", Name: "token", Data: []byte("team-a-token")},
			{Namespace: "team", Name: "a/token", Data: []byte("team-token")},
		},
		{
			{Namespace: "a\x00b", Name: "c", Data: []byte("ab-c")},
			{Namespace: "a", Name: "b\x00c", Data: []byte("a-bc")},
		},
	}
	for _, pair := range pairs {
		first, second := pair[0], pair[1]
		store(t, driver, first)
		assert.Nil(t, get(t, driver, second.Namespace, second.Name))

		store(t, driver, second)
		assert.Equal(t, first.Data, get(t, driver, first.Namespace, first.Name).Data)
		assert.Equal(t, second.Data, get(t, driver, second.Namespace, second.Name).Data)

		require.NoError(t, driver.Delete(ctx, &secrets.DeleteSecret{Namespace: second.Namespace, Name: second.Name}))
		kept := get(t, driver, first.Namespace, first.Name)
		require.NotNil(t, kept)
		assert.Equal(t, first.Name, kept.Metadata.Name)

		resp, err := driver.List(ctx, &secrets.ListSecrets{Namespace: second.Namespace})
		require.NoError(t, err)
		assert.Empty(t, resp.Secrets)
	}
}

func testConcurrency(t *testing.T, driver secrets.SecretStoreDriver) {
	const workers = 8
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, workers*3)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("key-%d", i)
			if err := driver.Create(ctx, &secrets.CreateSecret{Namespace: "busy", Name: name, Data: []byte(name)}); err != nil {
				errs <- err
				return
			}
			if _, err := driver.Get(ctx, &secrets.GetSecret{Namespace: "busy", Name: name}); err != nil {
				errs <- err
			}
			if _, err := driver.List(ctx, &secrets.ListSecrets{Namespace: "busy"}); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	resp, err := driver.List(ctx, &secrets.ListSecrets{Namespace: "busy"})
	require.NoError(t, err)
	assert.Len(t, resp.Secrets, workers)
}
