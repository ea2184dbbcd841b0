package realtime

import (
	"sync"

	v1 "shield/shared/contracts/stream/v1"
)

// Client represents one connected stream session.
//
// Design notes:
// - Send is intentionally NOT closed by the server to avoid panics from concurrent broadcasters.
// - done is used to signal goroutines to stop.
// - Close is idempotent.
type Client struct {
	SessionID  string
	RemoteAddr string
	Send       chan v1.Envelope

	mu     sync.RWMutex
	topics map[string]bool

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue, subscribed to every topic.
func NewClient(sessionID, remoteAddr string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		SessionID:  sessionID,
		RemoteAddr: remoteAddr,
		Send:       make(chan v1.Envelope, sendQueueSize),
		done:       make(chan struct{}),
	}
}

// Subscribe restricts the client to topics. Unknown topics are ignored; an
// empty result means all topics. It returns the effective list.
func (c *Client) Subscribe(topics []string) []string {
	set := make(map[string]bool, len(topics))
	for _, t := range topics {
		switch t {
		case v1.TopicEvents, v1.TopicBlacklist, v1.TopicRateLimits:
			set[t] = true
		}
	}
	c.mu.Lock()
	if len(set) == 0 {
		c.topics = nil
	} else {
		c.topics = set
	}
	c.mu.Unlock()
	return c.Topics()
}

// Topics returns the effective subscription.
func (c *Client) Topics() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, 3)
	for _, t := range []string{v1.TopicEvents, v1.TopicBlacklist, v1.TopicRateLimits} {
		if c.topics == nil || c.topics[t] {
			out = append(out, t)
		}
	}
	return out
}

// Wants reports whether env should be pushed to c.
func (c *Client) Wants(env v1.Envelope) bool {
	topic := v1.TopicOf(env.Type)
	if topic == "" {
		return true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.topics == nil || c.topics[topic]
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
// It does NOT close Send to keep broadcast safe under concurrency.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
