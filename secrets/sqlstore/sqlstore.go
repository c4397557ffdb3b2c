// Package sqlstore keeps secrets in a single relational table keyed by
// (namespace, name). PostgreSQL (lib/pq or pgx), MySQL and SQLite are
// supported.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"rahoogan/secure-store/secrets"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

const BackendType = "sql"

const (
	DEFAULT_DRIVER = "postgres"
	DEFAULT_TABLE  = "secure_store_secrets"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

var errNotSetup = errors.New("sql backend used before Setup")

func init() {
	secrets.Register(BackendType, NewFactory)
}

type dialect struct {
	blobType    string
	placeholder func(n int) string
	upsert      string
	singleConn  bool
}

func dollar(n int) string { return fmt.Sprintf("$%d", n) }
func question(int) string { return "?" }

var postgres = dialect{
	blobType:    "BYTEA",
	placeholder: dollar,
	upsert: `ON CONFLICT (namespace, name) DO UPDATE SET
	description = EXCLUDED.description,
	properties = EXCLUDED.properties,
	data = EXCLUDED.data,
	create_time_ms = GREATEST(%[1]s.create_time_ms, EXCLUDED.create_time_ms)`,
}

var dialects = map[string]dialect{
	"postgres": postgres,
	"pgx":      postgres,
	"mysql": {
		blobType:    "LONGBLOB",
		placeholder: question,
		upsert: `ON DUPLICATE KEY UPDATE
	create_time_ms = GREATEST(create_time_ms, VALUES(create_time_ms)),
	description = VALUES(description),
	properties = VALUES(properties),
	data = VALUES(data)`,
	},
	"sqlite3": {
		blobType:    "BLOB",
		placeholder: question,
		singleConn:  true,
		upsert: `ON CONFLICT (namespace, name) DO UPDATE SET
	description = excluded.description,
	properties = excluded.properties,
	data = excluded.data,
	create_time_ms = MAX(create_time_ms, excluded.create_time_ms)`,
	},
}

type SQLStoreDriver struct {
	ID         string
	DriverName string
	DSN        string
	Table      string

	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

type Option func(*SQLStoreDriver)

// WithDB uses an already opened database instead of opening DSN.
func WithDB(db *sql.DB) Option {
	return func(driver *SQLStoreDriver) {
		driver.db = db
	}
}

// NewFactory reads the "driver", "dsn" and "table" options.
func NewFactory(id string, cfg map[string]any) (secrets.SecretStoreDriver, error) {
	return New(id, cfg)
}

func New(id string, cfg map[string]any, opts ...Option) (*SQLStoreDriver, error) {
	driver := &SQLStoreDriver{
		ID:         id,
		DriverName: secrets.ConfigString(cfg, "driver", DEFAULT_DRIVER),
		DSN:        secrets.ConfigString(cfg, "dsn", ""),
		Table:      secrets.ConfigString(cfg, "table", DEFAULT_TABLE),
		now:        time.Now,
	}
	d, ok := dialects[driver.DriverName]
	if !ok {
		return nil, fmt.Errorf("unsupported sql driver %q", driver.DriverName)
	}
	if !tableNamePattern.MatchString(driver.Table) {
		return nil, fmt.Errorf("invalid table name %q", driver.Table)
	}
	driver.dialect = d
	for _, opt := range opts {
		opt(driver)
	}
	return driver, nil
}

func (driver *SQLStoreDriver) Setup(ctx context.Context, newState secrets.StateFactory) error {
	if driver.db == nil {
		if driver.DSN == "" {
			return errors.New("dsn is required for the sql backend")
		}
		db, err := sql.Open(driver.DriverName, driver.DSN)
		if err != nil {
			log.Error().Err(err).Msg("Could not open database")
			return err
		}
		if driver.dialect.singleConn {
			db.SetMaxOpenConns(1)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			log.Error().Err(err).Msg("Could not reach database")
			return err
		}
		driver.db = db
	}

	if _, err := driver.db.ExecContext(ctx, driver.schema()); err != nil {
		log.Error().Err(err).Msg("Could not create secrets table")
		return fmt.Errorf("create table %s: %w", driver.Table, err)
	}
	log.Debug().Str("backend", driver.ID).Str("driver", driver.DriverName).Str("table", driver.Table).Msg("SQL secret backend ready")
	return nil
}

// Close releases the connection pool.
func (driver *SQLStoreDriver) Close() error {
	if driver.db == nil {
		return nil
	}
	return driver.db.Close()
}

func (driver *SQLStoreDriver) schema() string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	namespace VARCHAR(255) NOT NULL,
	name VARCHAR(255) NOT NULL,
	description TEXT NOT NULL,
	properties TEXT NOT NULL,
	create_time_ms BIGINT NOT NULL,
	data %s NOT NULL,
	PRIMARY KEY (namespace, name)
)`, driver.Table, driver.dialect.blobType)
}

func (driver *SQLStoreDriver) placeholders(n int) []any {
	out := make([]any, n)
	for i := range out {
		out[i] = driver.dialect.placeholder(i + 1)
	}
	return out
}

func (driver *SQLStoreDriver) selectQuery(byName bool) string {
	p := driver.placeholders(2)
	query := fmt.Sprintf("SELECT name, description, properties, create_time_ms, data FROM %s WHERE namespace = %s", driver.Table, p[0])
	if byName {
		return query + fmt.Sprintf(" AND name = %s", p[1])
	}
	return query + " ORDER BY name"
}

func (driver *SQLStoreDriver) upsertQuery() string {
	p := driver.placeholders(6)
	insert := fmt.Sprintf("INSERT INTO %s (namespace, name, description, properties, create_time_ms, data) VALUES (%s, %s, %s, %s, %s, %s) ",
		append([]any{driver.Table}, p...)...)
	upsert := driver.dialect.upsert
	if strings.Contains(upsert, "%[1]s") {
		upsert = fmt.Sprintf(upsert, driver.Table)
	}
	return insert + upsert
}

func (driver *SQLStoreDriver) deleteQuery() string {
	p := driver.placeholders(2)
	return fmt.Sprintf("DELETE FROM %s WHERE namespace = %s AND name = %s", driver.Table, p[0], p[1])
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSecret(row scanner) (*secrets.Secret, error) {
	var (
		secret secrets.Secret
		props  string
	)
	if err := row.Scan(&secret.Metadata.Name, &secret.Metadata.Description, &props, &secret.Metadata.CreateTimeMs, &secret.Data); err != nil {
		return nil, err
	}
	secret.Metadata.Properties = map[string]string{}
	if props != "" {
		if err := json.Unmarshal([]byte(props), &secret.Metadata.Properties); err != nil {
			return nil, fmt.Errorf("decode properties of %s: %w", secret.Metadata.Name, err)
		}
	}
	if secret.Data == nil {
		secret.Data = []byte{}
	}
	return &secret, nil
}

func (driver *SQLStoreDriver) List(ctx context.Context, req *secrets.ListSecrets) (*secrets.ListSecretResponse, error) {
	if driver.db == nil {
		return nil, errNotSetup
	}
	rows, err := driver.db.QueryContext(ctx, driver.selectQuery(false), req.Namespace)
	if err != nil {
		log.Error().Err(err).Msg("Could not list secrets")
		return nil, err
	}
	defer rows.Close()

	resp := &secrets.ListSecretResponse{Secrets: []secrets.Secret{}}
	for rows.Next() {
		secret, err := scanSecret(rows)
		if err != nil {
			return nil, err
		}
		resp.Secrets = append(resp.Secrets, *secret)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return resp, nil
}

func (driver *SQLStoreDriver) Get(ctx context.Context, req *secrets.GetSecret) (*secrets.GetSecretResponse, error) {
	if driver.db == nil {
		return nil, errNotSetup
	}
	secret, err := scanSecret(driver.db.QueryRowContext(ctx, driver.selectQuery(true), req.Namespace, req.Name))
	if errors.Is(err, sql.ErrNoRows) {
		return &secrets.GetSecretResponse{}, nil
	}
	if err != nil {
		log.Error().Err(err).Msg("Could not fetch secret")
		return nil, err
	}
	return &secrets.GetSecretResponse{Secret: secret}, nil
}

func (driver *SQLStoreDriver) Create(ctx context.Context, req *secrets.CreateSecret) error {
	if driver.db == nil {
		return secrets.NewWriteError(driver.ID, "store", req.Namespace, req.Name, errNotSetup)
	}
	props, err := json.Marshal(secrets.CloneProperties(req.Properties))
	if err != nil {
		return secrets.NewWriteError(driver.ID, "store", req.Namespace, req.Name, err)
	}
	data := req.Data
	if data == nil {
		data = []byte{}
	}
	_, err = driver.db.ExecContext(ctx, driver.upsertQuery(),
		req.Namespace, req.Name, req.Description, string(props), driver.now().UnixMilli(), data)
	if err != nil {
		log.Error().Err(err).Msg("Could not store secret")
		return secrets.NewWriteError(driver.ID, "store", req.Namespace, req.Name, err)
	}
	return nil
}

func (driver *SQLStoreDriver) Delete(ctx context.Context, req *secrets.DeleteSecret) error {
	if driver.db == nil {
		return secrets.NewWriteError(driver.ID, "delete", req.Namespace, req.Name, errNotSetup)
	}
	if _, err := driver.db.ExecContext(ctx, driver.deleteQuery(), req.Namespace, req.Name); err != nil {
		log.Error().Err(err).Msg("Could not delete secret")
		return secrets.NewWriteError(driver.ID, "delete", req.Namespace, req.Name, err)
	}
	return nil
}
