package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit). Clients only send hello.
	maxFrameBytes = 8 << 10 // 8 KiB

	// Max events replayed in a snapshot.
	maxReplay = 500
)

const (
	// Heartbeat defaults.
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection inbound rate limits (frames per window).
	rateLimitEvents = 30
	rateLimitWindow = 10 * time.Second
)
