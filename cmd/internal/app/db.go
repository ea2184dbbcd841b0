package app

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"shield/cmd/internal/store"
)

// backend owns the selected store and, for Postgres, the pool behind it.
type backend struct {
	store store.Store
	pool  *pgxpool.Pool
	pg    *store.PostgresStore
	kind  string
}

// durable reports whether the backend survives a restart.
func (b *backend) durable() bool { return b.kind != StoreMemory }

// Close releases the store, then the pool it borrows.
func (b *backend) Close() error {
	err := b.store.Close()
	if b.pool != nil {
		b.pool.Close()
	}
	return err
}

// newBackend opens the store selected by cfg.Store.
func newBackend(ctx context.Context, cfg Config, log Logger) (*backend, error) {
	switch cfg.Store {
	case StorePostgres:
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		pg, err := store.NewPostgresStore(pool, store.WithSchema(cfg.DatabaseSchema))
		if err != nil {
			pool.Close()
			return nil, err
		}
		if cfg.DBAutoMigrate {
			if err := pg.EnsureSchema(ctx); err != nil {
				pool.Close()
				return nil, err
			}
			log.Info("db.schema.ensured", "schema", cfg.DatabaseSchema)
		}
		log.Info("db.enabled.postgres_store", "schema", cfg.DatabaseSchema)
		// Ownership model: app owns the pool; PostgresStore.Close() is a no-op.
		return &backend{store: pg, pool: pool, pg: pg, kind: StorePostgres}, nil

	case StoreRedis:
		rs, err := store.NewRedisStore(ctx, store.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
			MaxAudit: cfg.AuditMax,
		})
		if err != nil {
			return nil, err
		}
		log.Info("db.enabled.redis_store", "addr", cfg.RedisAddr, "prefix", cfg.RedisPrefix)
		return &backend{store: rs, kind: StoreRedis}, nil

	default:
		log.Info("db.disabled.inmemory_store")
		return &backend{store: store.NewMemoryStore(cfg.AuditMax), kind: StoreMemory}, nil
	}
}

// NewDBPool builds a pgxpool with sane defaults and validates connectivity.
// Note: it does NOT run migrations unless SHIELD_DB_AUTO_MIGRATE is set;
// infra/db/schema.sql is the source of truth.
func NewDBPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	if cfg.DBMaxConns > 0 {
		pcfg.MaxConns = cfg.DBMaxConns
	}
	if cfg.DBMinConns >= 0 {
		pcfg.MinConns = cfg.DBMinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}

	if err := PingDB(ctx, pool, 3*time.Second); err != nil {
		pool.Close()
		return nil, err
	}

	return pool, nil
}

// PingDB checks if we can acquire a connection within timeout.
func PingDB(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	conn.Release()
	return nil
}
