package realtime

import "time"

const (
	// Viewers only send hello frames (which may re-filter transports).
	maxFrameBytes = 64 << 10

	// Viewer heartbeat defaults; BIOSTREAM_WS_* overrides them (config.go).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Inbound viewer frames allowed per window. Sensor readings flow outbound only.
	rateLimitEvents = 60
	rateLimitWindow = 10 * time.Second
)
