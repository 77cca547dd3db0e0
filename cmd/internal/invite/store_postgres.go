package invite

import (
	"context"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists the share log in PostgreSQL.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// StoreOption configures PostgresStore.
type StoreOption func(*PostgresStore) error

var pgIdentRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// WithSchema sets the DB schema used by the store (default: "sbstate").
func WithSchema(schema string) StoreOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if !pgIdentRE.MatchString(schema) {
			return ErrInvalidInput
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...StoreOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: "sbstate"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, ErrInvalidInput
	}
	return st, nil
}

// EnsureSchema creates the schema, table and index when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	shares := pgIdent(s.schema, "invite_shares")

	if _, err := s.pool.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+pgx.Identifier{s.schema}.Sanitize()); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS `+shares+` (
  id TEXT PRIMARY KEY,
  code TEXT NOT NULL,
  url TEXT NOT NULL,
  title TEXT NOT NULL,
  body TEXT NOT NULL,
  invites_sent BIGINT NOT NULL DEFAULT 0,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  CONSTRAINT chk_invite_shares_id_ulid_len CHECK (char_length(id) = 26)
);
CREATE INDEX IF NOT EXISTS idx_invite_shares_code ON `+shares+` (code, id DESC);`)
	return err
}

// Append inserts one share row.
func (s *PostgresStore) Append(ctx context.Context, in Share) error {
	if s == nil || s.pool == nil {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(in.ID) == "" || strings.TrimSpace(in.Code) == "" {
		return ErrInvalidInput
	}

	shares := pgIdent(s.schema, "invite_shares")
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+shares+` (id, code, url, title, body, invites_sent, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		in.ID,
		in.Code,
		in.URL,
		in.Title,
		in.Text,
		in.Count,
		in.CreatedAt,
	)
	return err
}

// ListByCode returns the newest shares for code first.
func (s *PostgresStore) ListByCode(ctx context.Context, code string, limit int) ([]Share, error) {
	if s == nil || s.pool == nil {
		return nil, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, ErrInvalidInput
	}

	shares := pgIdent(s.schema, "invite_shares")
	rows, err := s.pool.Query(ctx,
		`SELECT id, code, url, title, body, invites_sent, created_at
		   FROM `+shares+`
		  WHERE code = $1
		  ORDER BY id DESC
		  LIMIT $2`,
		code,
		clampLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Share
	for rows.Next() {
		var sh Share
		if err := rows.Scan(&sh.ID, &sh.Code, &sh.URL, &sh.Title, &sh.Text, &sh.Count, &sh.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, sh)
	}
	return out, rows.Err()
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
