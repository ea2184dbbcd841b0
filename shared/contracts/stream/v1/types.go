// Package v1 defines the Shield dashboard stream protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the WebSocket subprotocol clients must offer.
const Subprotocol = "shield.stream.v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session and selects topics (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the session (server -> client).
	TypeHelloAck = "hello_ack"
	// TypeSnapshot carries current state right after hello_ack (server -> client).
	TypeSnapshot = "snapshot"

	// TypeEvent carries one recorded admission decision.
	TypeEvent = "event"

	// TypeBlacklistAdded is sent when an entry is created or refreshed.
	TypeBlacklistAdded = "blacklist_added"
	// TypeBlacklistRemoved is sent on unblock or expiry.
	TypeBlacklistRemoved = "blacklist_removed"
	// TypeBlacklistCleared is sent when the whole blacklist is cleared.
	TypeBlacklistCleared = "blacklist_cleared"

	// TypeRateLimitUpdated is sent after a rate-limit rule change.
	TypeRateLimitUpdated = "ratelimit_updated"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Topics a client may subscribe to. An empty topic list means all.
const (
	TopicEvents     = "events"
	TopicBlacklist  = "blacklist"
	TopicRateLimits = "ratelimits"
)

// TopicOf maps a server -> client type to its topic ("" for control types).
func TopicOf(typ string) string {
	switch typ {
	case TypeEvent:
		return TopicEvents
	case TypeBlacklistAdded, TypeBlacklistRemoved, TypeBlacklistCleared:
		return TopicBlacklist
	case TypeRateLimitUpdated:
		return TopicRateLimits
	default:
		return ""
	}
}

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeSnapshot,
		TypeEvent,
		TypeBlacklistAdded,
		TypeBlacklistRemoved,
		TypeBlacklistCleared,
		TypeRateLimitUpdated,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloPayload is sent by the client to initiate a session.
type HelloPayload struct {
	// Topics restricts pushes; empty subscribes to everything.
	Topics []string `json:"topics,omitempty"`
	// Replay asks for up to this many recent events in the snapshot.
	Replay int `json:"replay,omitempty"`
}

// HelloAckPayload carries the server-assigned session id.
type HelloAckPayload struct {
	SessionID string   `json:"session_id"`
	Topics    []string `json:"topics"`
}

// EventPayload mirrors one recorded request event.
type EventPayload struct {
	ID         uint64    `json:"id"`
	SourceKey  string    `json:"source_key"`
	KeyClass   string    `json:"key_class"`
	Endpoint   string    `json:"endpoint"`
	Method     string    `json:"method,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Decision   string    `json:"decision"`
	Reason     string    `json:"reason,omitempty"`
	Verdict    string    `json:"verdict,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
}

// BlacklistEntryPayload mirrors one blacklist entry.
type BlacklistEntryPayload struct {
	ID        string    `json:"id"`
	Key       string    `json:"key"`
	KeyClass  string    `json:"key_class,omitempty"`
	Reason    string    `json:"reason"`
	Note      string    `json:"note,omitempty"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	// Expired is set on removal when the entry timed out rather than being unblocked.
	Expired bool `json:"expired,omitempty"`
}

// RateLimitPayload is one key class rule.
type RateLimitPayload struct {
	KeyClass      string `json:"key_class"`
	Limit         int    `json:"limit"`
	WindowSeconds int64  `json:"window_seconds"`
	WarnAt        int    `json:"warn_at"`
}

// RateLimitUpdatedPayload carries the full rule set after a change.
type RateLimitUpdatedPayload struct {
	Version uint64             `json:"version"`
	Rules   []RateLimitPayload `json:"rules"`
}

// SnapshotPayload is the state a client needs to render without polling.
type SnapshotPayload struct {
	Events     []EventPayload          `json:"events"`
	Blacklist  []BlacklistEntryPayload `json:"blacklist"`
	RateLimits RateLimitUpdatedPayload `json:"rate_limits"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
