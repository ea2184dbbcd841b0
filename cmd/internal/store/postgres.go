package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"shield/cmd/internal/blacklist"
	"shield/cmd/internal/domain"
	"shield/cmd/internal/ratelimit"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "shield").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("store: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("store: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "shield",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("store: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// Ping checks if a connection can be acquired.
func (s *PostgresStore) Ping(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	conn.Release()
	return nil
}

// SchemaSQL returns the DDL this store expects, qualified with schema.
// It must stay aligned with infra/db/schema.sql.
func SchemaSQL(schema string) string {
	return fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  key_class  TEXT NOT NULL CHECK (key_class IN ('ip', 'user', 'jwt')),
  key        TEXT NOT NULL,
  id         TEXT NOT NULL UNIQUE,
  reason     TEXT NOT NULL,
  note       TEXT NOT NULL DEFAULT '',
  source     TEXT NOT NULL CHECK (source IN ('automatic', 'manual')),
  created_at TIMESTAMPTZ NOT NULL,
  expires_at TIMESTAMPTZ NOT NULL,
  PRIMARY KEY (key_class, key)
);

CREATE INDEX IF NOT EXISTS blacklist_expires_at_idx ON %s (expires_at);

CREATE TABLE IF NOT EXISTS %s (
  key_class  TEXT PRIMARY KEY,
  max_count  INTEGER NOT NULL CHECK (max_count > 0),
  window_ms  BIGINT NOT NULL CHECK (window_ms > 0),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS %s (
  id        TEXT PRIMARY KEY,
  at        TIMESTAMPTZ NOT NULL,
  actor     TEXT NOT NULL,
  action    TEXT NOT NULL,
  target    TEXT NOT NULL DEFAULT '',
  detail    TEXT NOT NULL DEFAULT '',
  remote_ip TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS audit_log_at_idx ON %s (at DESC);
`,
		pgx.Identifier{schema}.Sanitize(),
		pgIdent(schema, "blacklist"),
		pgIdent(schema, "blacklist"),
		pgIdent(schema, "rate_limit_rules"),
		pgIdent(schema, "audit_log"),
		pgIdent(schema, "audit_log"),
	)
}

// EnsureSchema applies SchemaSQL. Production deployments run infra/db/schema.sql instead.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, SchemaSQL(s.schema))
	return err
}

func (s *PostgresStore) LoadEntries(ctx context.Context) ([]blacklist.Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT key, id, key_class, reason, note, source, created_at, expires_at
		   FROM `+pgIdent(s.schema, "blacklist")+`
		  WHERE expires_at > now()
		  ORDER BY created_at`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []blacklist.Entry
	for rows.Next() {
		var (
			e                     blacklist.Entry
			keyClass, reason, src string
		)
		if err := rows.Scan(&e.Key, &e.ID, &keyClass, &reason, &e.Note, &src, &e.CreatedAt, &e.ExpiresAt); err != nil {
			return nil, err
		}
		e.KeyClass = domain.KeyClass(keyClass)
		e.Reason = domain.Reason(reason)
		e.Source = blacklist.Source(src)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveEntry(ctx context.Context, e blacklist.Entry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+pgIdent(s.schema, "blacklist")+`
		   (key, id, key_class, reason, note, source, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (key_class, key) DO UPDATE SET
		   id = EXCLUDED.id,
		   reason = EXCLUDED.reason,
		   note = EXCLUDED.note,
		   source = EXCLUDED.source,
		   created_at = EXCLUDED.created_at,
		   expires_at = EXCLUDED.expires_at`,
		e.Key, e.ID, string(e.KeyClass), string(e.Reason), e.Note, string(e.Source),
		e.CreatedAt.UTC(), e.ExpiresAt.UTC(),
	)
	return err
}

func (s *PostgresStore) DeleteEntry(ctx context.Context, id domain.Identity) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM `+pgIdent(s.schema, "blacklist")+` WHERE key_class = $1 AND key = $2`,
		string(id.Class), id.Key,
	)
	return err
}

func (s *PostgresStore) ClearEntries(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM `+pgIdent(s.schema, "blacklist"))
	return err
}

// PurgeExpired deletes rows whose expiry has passed and returns how many.
func (s *PostgresStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM `+pgIdent(s.schema, "blacklist")+` WHERE expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) LoadRules(ctx context.Context) (map[domain.KeyClass]ratelimit.Rule, error) {
	rows, err := s.pool.Query(ctx, `SELECT key_class, max_count, window_ms FROM `+pgIdent(s.schema, "rate_limit_rules"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[domain.KeyClass]ratelimit.Rule)
	for rows.Next() {
		var (
			class    string
			limit    int32
			windowMS int64
		)
		if err := rows.Scan(&class, &limit, &windowMS); err != nil {
			return nil, err
		}
		out[domain.KeyClass(class)] = ratelimit.Rule{Limit: int(limit), Window: time.Duration(windowMS) * time.Millisecond}
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveRule(ctx context.Context, class domain.KeyClass, r ratelimit.Rule) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+pgIdent(s.schema, "rate_limit_rules")+` (key_class, max_count, window_ms, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (key_class) DO UPDATE SET
		   max_count = EXCLUDED.max_count,
		   window_ms = EXCLUDED.window_ms,
		   updated_at = now()`,
		string(class), int32(r.Limit), r.Window.Milliseconds(),
	)
	return err
}

func (s *PostgresStore) AppendAudit(ctx context.Context, rec AuditRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+pgIdent(s.schema, "audit_log")+` (id, at, actor, action, target, detail, remote_ip)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.At.UTC(), rec.Actor, rec.Action, rec.Target, rec.Detail, rec.RemoteIP,
	)
	return err
}

func (s *PostgresStore) ListAudit(ctx context.Context, limit int) ([]AuditRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, at, actor, action, target, detail, remote_ip
		   FROM `+pgIdent(s.schema, "audit_log")+`
		  ORDER BY at DESC, id DESC
		  LIMIT $1`,
		auditLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		var r AuditRecord
		if err := rows.Scan(&r.ID, &r.At, &r.Actor, &r.Action, &r.Target, &r.Detail, &r.RemoteIP); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
