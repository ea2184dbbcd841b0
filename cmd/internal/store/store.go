// Package store persists the state that must survive a restart: blacklist
// entries, rate-limit rules and the operator audit trail. The event log is
// never persisted.
package store

import (
	"context"
	"errors"
	"time"

	"shield/cmd/internal/blacklist"
	"shield/cmd/internal/domain"
	"shield/cmd/internal/ratelimit"
)

// ErrClosed is returned by a store after Close.
var ErrClosed = errors.New("store: closed")

// AuditRecord is one operator command.
type AuditRecord struct {
	ID       string    `json:"id"`
	At       time.Time `json:"at"`
	Actor    string    `json:"actor"`
	Action   string    `json:"action"`
	Target   string    `json:"target,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	RemoteIP string    `json:"remote_ip,omitempty"`
}

// Store is implemented by the memory, Postgres and Redis backends. Entries
// are keyed by their identity (key class and key).
// Implementations must be safe for concurrent use.
type Store interface {
	LoadEntries(ctx context.Context) ([]blacklist.Entry, error)
	SaveEntry(ctx context.Context, e blacklist.Entry) error
	DeleteEntry(ctx context.Context, id domain.Identity) error
	ClearEntries(ctx context.Context) error

	LoadRules(ctx context.Context) (map[domain.KeyClass]ratelimit.Rule, error)
	SaveRule(ctx context.Context, class domain.KeyClass, r ratelimit.Rule) error

	AppendAudit(ctx context.Context, rec AuditRecord) error
	ListAudit(ctx context.Context, limit int) ([]AuditRecord, error)

	Ping(ctx context.Context) error
	Close() error
}

// DefaultAuditLimit bounds ListAudit when the caller passes <= 0.
const DefaultAuditLimit = 100

func auditLimit(n int) int {
	if n <= 0 {
		return DefaultAuditLimit
	}
	return min(n, 1000)
}
