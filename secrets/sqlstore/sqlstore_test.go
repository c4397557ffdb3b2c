package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"rahoogan/secure-store/secrets"
	"rahoogan/secure-store/secrets/secretstest"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secretColumns = []string{"name", "description", "properties", "create_time_ms", "data"}

func newMockDriver(t *testing.T, driverName string) (*SQLStoreDriver, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	driver, err := New("sql", map[string]any{"driver": driverName}, WithDB(db))
	require.NoError(t, err)
	driver.now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS secure_store_secrets")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, driver.Setup(context.Background(), secrets.NewState))
	return driver, mock
}

func TestSQLiteContract(t *testing.T) {
	secretstest.RunDriverContractTests(t, func(t *testing.T) secrets.SecretStoreDriver {
		driver, err := New("sqlite", map[string]any{
			"driver": "sqlite3",
			"dsn":    filepath.Join(t.TempDir(), "secrets.db"),
		})
		require.NoError(t, err)
		if err := driver.Setup(context.Background(), secrets.NewState); err != nil {
			t.Skipf("sqlite3 unavailable: %v", err)
		}
		t.Cleanup(func() { driver.Close() })
		return driver
	})
}

func TestNewValidatesOptions(t *testing.T) {
	tests := []struct {
		name string
		cfg  map[string]any
	}{
		{name: "unknown_driver", cfg: map[string]any{"driver": "oracle"}},
		{name: "table_with_spaces", cfg: map[string]any{"table": "secrets; DROP TABLE users"}},
		{name: "table_with_dash", cfg: map[string]any{"table": "my-secrets"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New("sql", tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestSetupRequiresDSN(t *testing.T) {
	driver, err := New("sql", map[string]any{})
	require.NoError(t, err)
	assert.Error(t, driver.Setup(context.Background(), secrets.NewState))
}

func TestQueriesPerDialect(t *testing.T) {
	tests := []struct {
		driver string
		get    string
		upsert string
		blob   string
	}{
		{
			driver: "postgres",
			get:    "SELECT name, description, properties, create_time_ms, data FROM secure_store_secrets WHERE namespace = $1 AND name = $2",
			upsert: "GREATEST(secure_store_secrets.create_time_ms, EXCLUDED.create_time_ms)",
			blob:   "BYTEA",
		},
		{
			driver: "pgx",
			get:    "SELECT name, description, properties, create_time_ms, data FROM secure_store_secrets WHERE namespace = $1 AND name = $2",
			upsert: "ON CONFLICT (namespace, name) DO UPDATE SET",
			blob:   "BYTEA",
		},
		{
			driver: "mysql",
			get:    "SELECT name, description, properties, create_time_ms, data FROM secure_store_secrets WHERE namespace = ? AND name = ?",
			upsert: "ON DUPLICATE KEY UPDATE",
			blob:   "LONGBLOB",
		},
		{
			driver: "sqlite3",
			get:    "SELECT name, description, properties, create_time_ms, data FROM secure_store_secrets WHERE namespace = ? AND name = ?",
			upsert: "MAX(create_time_ms, excluded.create_time_ms)",
			blob:   "BLOB",
		},
	}
	for _, tt := range tests {
		t.Run(tt.driver, func(t *testing.T) {
			driver, err := New("sql", map[string]any{"driver": tt.driver})
			require.NoError(t, err)
			assert.Equal(t, tt.get, driver.selectQuery(true))
			assert.Contains(t, driver.upsertQuery(), tt.upsert)
			assert.Contains(t, driver.schema(), "data "+tt.blob+" NOT NULL")
		})
	}
}

func TestCreate(t *testing.T) {
	driver, mock := newMockDriver(t, "postgres")
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO secure_store_secrets")).
		WithArgs("ns1", "db-pass", "db password", `{"env":"prod"}`, int64(1_700_000_000_000), []byte("s3cr3t")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := driver.Create(context.Background(), &secrets.CreateSecret{
		Namespace: "ns1", Name: "db-pass", Data: []byte("s3cr3t"), Description: "db password",
		Properties: map[string]string{"env": "prod"},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateFailureIsBackendWriteError(t *testing.T) {
	driver, mock := newMockDriver(t, "mysql")
	dbErr := errors.New("Error 1142: INSERT command denied")
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO secure_store_secrets")).WillReturnError(dbErr)

	err := driver.Create(context.Background(), &secrets.CreateSecret{Namespace: "ns", Name: "k", Data: []byte("v")})
	assert.ErrorIs(t, err, secrets.ErrBackendWrite)
	assert.ErrorIs(t, err, dbErr)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGet(t *testing.T) {
	driver, mock := newMockDriver(t, "postgres")
	mock.ExpectQuery(regexp.QuoteMeta("FROM secure_store_secrets WHERE namespace = $1 AND name = $2")).
		WithArgs("ns1", "db-pass").
		WillReturnRows(sqlmock.NewRows(secretColumns).
			AddRow("db-pass", "db password", `{"env":"prod"}`, int64(42), []byte("s3cr3t")))

	resp, err := driver.Get(context.Background(), &secrets.GetSecret{Namespace: "ns1", Name: "db-pass"})
	require.NoError(t, err)
	require.NotNil(t, resp.Secret)
	assert.Equal(t, secrets.Secret{
		Metadata: secrets.SecretMetadata{
			Name:         "db-pass",
			Description:  "db password",
			CreateTimeMs: 42,
			Properties:   map[string]string{"env": "prod"},
		},
		Data: []byte("s3cr3t"),
	}, *resp.Secret)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMissing(t *testing.T) {
	driver, mock := newMockDriver(t, "postgres")
	mock.ExpectQuery(regexp.QuoteMeta("FROM secure_store_secrets")).
		WillReturnRows(sqlmock.NewRows(secretColumns))

	resp, err := driver.Get(context.Background(), &secrets.GetSecret{Namespace: "ns1", Name: "nope"})
	require.NoError(t, err)
	assert.Nil(t, resp.Secret)
}

func TestGetQueryFailure(t *testing.T) {
	driver, mock := newMockDriver(t, "postgres")
	mock.ExpectQuery(regexp.QuoteMeta("FROM secure_store_secrets")).WillReturnError(sql.ErrConnDone)

	_, err := driver.Get(context.Background(), &secrets.GetSecret{Namespace: "ns1", Name: "k"})
	assert.ErrorIs(t, err, sql.ErrConnDone)
}

func TestList(t *testing.T) {
	driver, mock := newMockDriver(t, "mysql")
	mock.ExpectQuery(regexp.QuoteMeta("WHERE namespace = ? ORDER BY name")).
		WithArgs("ns1").
		WillReturnRows(sqlmock.NewRows(secretColumns).
			AddRow("a", "", "{}", int64(1), []byte("1")).
			AddRow("b", "", "", int64(2), []byte("2")))

	resp, err := driver.List(context.Background(), &secrets.ListSecrets{Namespace: "ns1"})
	require.NoError(t, err)
	require.Len(t, resp.Secrets, 2)
	assert.Equal(t, "a", resp.Secrets[0].Metadata.Name)
	assert.Equal(t, map[string]string{}, resp.Secrets[1].Metadata.Properties)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListCorruptedProperties(t *testing.T) {
	driver, mock := newMockDriver(t, "sqlite3")
	mock.ExpectQuery(regexp.QuoteMeta("FROM secure_store_secrets")).
		WillReturnRows(sqlmock.NewRows(secretColumns).AddRow("a", "", "not json", int64(1), []byte("1")))

	_, err := driver.List(context.Background(), &secrets.ListSecrets{Namespace: "ns1"})
	assert.Error(t, err)
}

func TestDelete(t *testing.T) {
	driver, mock := newMockDriver(t, "postgres")
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM secure_store_secrets WHERE namespace = $1 AND name = $2")).
		WithArgs("ns", "gone").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, driver.Delete(context.Background(), &secrets.DeleteSecret{Namespace: "ns", Name: "gone"}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteFailure(t *testing.T) {
	driver, mock := newMockDriver(t, "postgres")
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM")).WillReturnError(sql.ErrConnDone)

	err := driver.Delete(context.Background(), &secrets.DeleteSecret{Namespace: "ns", Name: "k"})
	assert.ErrorIs(t, err, secrets.ErrBackendWrite)
}

func TestSetupSchemaFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	driver, err := New("sql", map[string]any{}, WithDB(db))
	require.NoError(t, err)

	mock.ExpectExec("CREATE TABLE").WillReturnError(errors.New("permission denied for schema public"))
	assert.Error(t, driver.Setup(context.Background(), secrets.NewState))
}

func TestUseBeforeSetup(t *testing.T) {
	driver, err := New("sql", map[string]any{})
	require.NoError(t, err)
	_, err = driver.List(context.Background(), &secrets.ListSecrets{Namespace: "ns"})
	assert.ErrorIs(t, err, errNotSetup)
	assert.NoError(t, driver.Close())
}
