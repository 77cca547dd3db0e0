package persist

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStorage persists blobs in a single key/value table.
//
// Schema (created by EnsureSchema):
//
//	<schema>.kv(key TEXT PRIMARY KEY, value TEXT NOT NULL, updated_at TIMESTAMPTZ)
//
// The pool is owned by the caller.
type PostgresStorage struct {
	pool   *pgxpool.Pool
	schema string
	table  string
}

// PostgresOption configures PostgresStorage.
type PostgresOption func(*PostgresStorage) error

// WithSchema sets the DB schema (default: "sbstate").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStorage) error {
		schema = strings.TrimSpace(schema)
		if !isValidPGIdent(schema) {
			return ErrInvalidKey
		}
		s.schema = schema
		return nil
	}
}

// WithTable sets the table name (default: "kv").
func WithTable(table string) PostgresOption {
	return func(s *PostgresStorage) error {
		table = strings.TrimSpace(table)
		if !isValidPGIdent(table) {
			return ErrInvalidKey
		}
		s.table = table
		return nil
	}
}

// NewPostgresStorage constructs a PostgresStorage.
func NewPostgresStorage(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStorage, error) {
	s := &PostgresStorage{pool: pool, schema: "sbstate", table: "kv"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.pool == nil {
		return nil, errors.New("persist: nil postgres pool")
	}
	return s, nil
}

// EnsureSchema creates the schema and table when missing.
func (s *PostgresStorage) EnsureSchema(ctx context.Context) error {
	schema := pgx.Identifier{s.schema}.Sanitize()
	table := pgIdent(s.schema, s.table)

	if _, err := s.pool.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+schema); err != nil {
		return unavailable(err)
	}
	_, err := s.pool.Exec(ctx,
		`CREATE TABLE IF NOT EXISTS `+table+` (
		   key TEXT PRIMARY KEY,
		   value TEXT NOT NULL,
		   updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		 )`)
	return unavailable(err)
}

func (s *PostgresStorage) Get(ctx context.Context, key string) ([]byte, error) {
	if !validKey(key) {
		return nil, ErrInvalidKey
	}

	var v string
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM `+pgIdent(s.schema, s.table)+` WHERE key = $1`,
		key,
	).Scan(&v)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, unavailable(err)
	}
	return []byte(v), nil
}

func (s *PostgresStorage) Set(ctx context.Context, key string, value []byte) error {
	if !validKey(key) {
		return ErrInvalidKey
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+pgIdent(s.schema, s.table)+` (key, value, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		key, string(value),
	)
	return unavailable(err)
}

func (s *PostgresStorage) Remove(ctx context.Context, key string) error {
	if !validKey(key) {
		return ErrInvalidKey
	}

	_, err := s.pool.Exec(ctx, `DELETE FROM `+pgIdent(s.schema, s.table)+` WHERE key = $1`, key)
	return unavailable(err)
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
