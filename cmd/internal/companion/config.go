package companion

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"biostream/cmd/internal/realtime"
)

// ErrConfig is returned for invalid configuration.
var ErrConfig = errors.New("invalid config")

// Config controls the bridge.
type Config struct {
	// Enabled turns the bridge on. When off, the endpoint answers 404 and Connect
	// reports the feature unsupported.
	Enabled bool

	// AttachTimeout bounds how long Connect waits for a companion to attach.
	AttachTimeout time.Duration

	Gateway realtime.GatewayConfig
}

// DefaultConfig returns an enabled bridge. Companions stream continuously, so the
// inbound rate budget is wider than the viewer feed's.
func DefaultConfig() Config {
	gw := realtime.DefaultGatewayConfig()
	gw.RateEvents = 600
	return Config{
		Enabled:       true,
		AttachTimeout: 30 * time.Second,
		Gateway:       gw,
	}
}

// LoadConfigFromEnv loads the bridge configuration.
//
// Optional:
//   - BIOSTREAM_COMPANION_ENABLED (bool)
//   - BIOSTREAM_COMPANION_ATTACH_TIMEOUT (Go duration, > 0)
//   - BIOSTREAM_COMPANION_* websocket tuning (see realtime.LoadGatewayConfigFromEnv)
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := strings.TrimSpace(os.Getenv("BIOSTREAM_COMPANION_ENABLED")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, ErrConfig
		}
		cfg.Enabled = b
	}

	if v := strings.TrimSpace(os.Getenv("BIOSTREAM_COMPANION_ATTACH_TIMEOUT")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.AttachTimeout = d
	}

	cfg.Gateway = realtime.LoadGatewayConfigFromEnv("BIOSTREAM_COMPANION", cfg.Gateway)
	return cfg, nil
}
