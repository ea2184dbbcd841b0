package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"shield/cmd/internal/blacklist"
	"shield/cmd/internal/domain"
	"shield/cmd/internal/ratelimit"
)

// DefaultRedisPrefix namespaces every key this store writes.
const DefaultRedisPrefix = "shield:"

// RedisConfig selects the server.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	// MaxAudit bounds the audit list (LTRIM).
	MaxAudit int
}

// RedisStore is a Store backed by Redis. Blacklist entries are stored as JSON
// strings that Redis expires itself (PXAT), plus an index set for listing.
type RedisStore struct {
	client   *redis.Client
	prefix   string
	maxAudit int64
}

// NewRedisStore dials cfg.Addr and verifies connectivity.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisStoreFromClient(client, cfg.Prefix, cfg.MaxAudit), nil
}

// NewRedisStoreFromClient wraps an existing client. The store owns client after this call.
func NewRedisStoreFromClient(client *redis.Client, prefix string, maxAudit int) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	if maxAudit <= 0 {
		maxAudit = 10_000
	}
	return &RedisStore{client: client, prefix: prefix, maxAudit: int64(maxAudit)}
}

func (s *RedisStore) Close() error { return s.client.Close() }

func (s *RedisStore) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }

// entryKey takes an identity string ("ip:10.0.0.1").
func (s *RedisStore) entryKey(member string) string { return s.prefix + "bl:" + member }
func (s *RedisStore) indexKey() string           { return s.prefix + "bl:index" }
func (s *RedisStore) rulesKey() string           { return s.prefix + "rules" }
func (s *RedisStore) auditKey() string           { return s.prefix + "audit" }

func (s *RedisStore) LoadEntries(ctx context.Context) ([]blacklist.Entry, error) {
	keys, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.entryKey(k)
	}
	vals, err := s.client.MGet(ctx, full...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]blacklist.Entry, 0, len(vals))
	var gone []any
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			gone = append(gone, keys[i])
			continue
		}
		var e blacklist.Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("store: decode entry %q: %w", keys[i], err)
		}
		out = append(out, e)
	}
	if len(gone) > 0 {
		// Redis expired these; drop them from the index.
		if err := s.client.SRem(ctx, s.indexKey(), gone...).Err(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *RedisStore) SaveEntry(ctx context.Context, e blacklist.Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	member := e.Identity().String()
	pipe.SetArgs(ctx, s.entryKey(member), raw, redis.SetArgs{ExpireAt: e.ExpiresAt})
	pipe.SAdd(ctx, s.indexKey(), member)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) DeleteEntry(ctx context.Context, id domain.Identity) error {
	member := id.String()
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.entryKey(member))
	pipe.SRem(ctx, s.indexKey(), member)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) ClearEntries(ctx context.Context) error {
	keys, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	for _, k := range keys {
		pipe.Del(ctx, s.entryKey(k))
	}
	pipe.Del(ctx, s.indexKey())
	_, err = pipe.Exec(ctx)
	return err
}

type redisRule struct {
	Limit    int   `json:"limit"`
	WindowMS int64 `json:"window_ms"`
}

func (s *RedisStore) LoadRules(ctx context.Context) (map[domain.KeyClass]ratelimit.Rule, error) {
	all, err := s.client.HGetAll(ctx, s.rulesKey()).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[domain.KeyClass]ratelimit.Rule, len(all))
	for class, raw := range all {
		var r redisRule
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, fmt.Errorf("store: decode rule %q: %w", class, err)
		}
		out[domain.KeyClass(class)] = ratelimit.Rule{Limit: r.Limit, Window: time.Duration(r.WindowMS) * time.Millisecond}
	}
	return out, nil
}

func (s *RedisStore) SaveRule(ctx context.Context, class domain.KeyClass, r ratelimit.Rule) error {
	raw, err := json.Marshal(redisRule{Limit: r.Limit, WindowMS: r.Window.Milliseconds()})
	if err != nil {
		return err
	}
	return s.client.HSet(ctx, s.rulesKey(), string(class), raw).Err()
}

func (s *RedisStore) AppendAudit(ctx context.Context, rec AuditRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.auditKey(), raw)
	pipe.LTrim(ctx, s.auditKey(), 0, s.maxAudit-1)
	_, err = pipe.Exec(ctx)
	return err
}

// ListAudit returns the newest records first (LPUSH order).
func (s *RedisStore) ListAudit(ctx context.Context, limit int) ([]AuditRecord, error) {
	raws, err := s.client.LRange(ctx, s.auditKey(), 0, int64(auditLimit(limit))-1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]AuditRecord, 0, len(raws))
	for _, raw := range raws {
		var r AuditRecord
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, fmt.Errorf("store: decode audit record: %w", err)
		}
		out = append(out, r)
	}
	return out, nil
}
