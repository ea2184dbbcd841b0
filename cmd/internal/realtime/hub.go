package realtime

import (
	"log/slog"
	"sync"
	"sync/atomic"

	v1 "shield/shared/contracts/stream/v1"
)

// HubObserver receives client count changes and drops for metrics.
type HubObserver interface {
	StreamClients(n int)
	StreamDropped()
}

// Hub fans envelopes out to connected clients. Broadcast never blocks: a
// client whose queue is full misses the envelope.
type Hub struct {
	log      *slog.Logger
	observer HubObserver

	mu      sync.RWMutex
	clients map[string]*Client

	dropped atomic.Uint64
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:     log,
		clients: make(map[string]*Client),
	}
}

// SetObserver installs o. Call before clients connect.
func (h *Hub) SetObserver(o HubObserver) { h.observer = o }

// Register adds c.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c.SessionID] = c
	n := len(h.clients)
	h.mu.Unlock()
	if h.observer != nil {
		h.observer.StreamClients(n)
	}
}

// Unregister removes the client with sessionID.
func (h *Hub) Unregister(sessionID string) {
	h.mu.Lock()
	delete(h.clients, sessionID)
	n := len(h.clients)
	h.mu.Unlock()
	if h.observer != nil {
		h.observer.StreamClients(n)
	}
}

// Len is the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped counts envelopes not delivered because a client queue was full.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Broadcast offers env to every subscribed client and returns how many accepted it.
func (h *Hub) Broadcast(env v1.Envelope) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := 0
	for _, c := range h.clients {
		if !c.Wants(env) {
			continue
		}
		select {
		case <-c.Done():
		case c.Send <- env:
			sent++
		default:
			h.dropped.Add(1)
			if h.observer != nil {
				h.observer.StreamDropped()
			}
		}
	}
	return sent
}
