package radio

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrConfig is returned for invalid configuration.
var ErrConfig = errors.New("invalid config")

// Config controls scanning.
type Config struct {
	// Enabled turns the radio provider on. When off, Connect reports the feature unsupported.
	Enabled bool

	// ScanWindow bounds how long Connect scans for a heart rate peripheral.
	ScanWindow time.Duration

	// NamePrefix, when set, restricts matches to peripherals whose local name starts with it.
	NamePrefix string
}

// DefaultConfig returns a 15s scan window with no name filter.
func DefaultConfig() Config {
	return Config{
		Enabled:    true,
		ScanWindow: 15 * time.Second,
	}
}

// LoadConfigFromEnv loads the radio configuration.
//
// Optional:
//   - BIOSTREAM_RADIO_ENABLED (bool)
//   - BIOSTREAM_RADIO_SCAN_WINDOW (Go duration, > 0)
//   - BIOSTREAM_RADIO_NAME_PREFIX
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := strings.TrimSpace(os.Getenv("BIOSTREAM_RADIO_ENABLED")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, ErrConfig
		}
		cfg.Enabled = b
	}

	if v := strings.TrimSpace(os.Getenv("BIOSTREAM_RADIO_SCAN_WINDOW")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.ScanWindow = d
	}

	cfg.NamePrefix = strings.TrimSpace(os.Getenv("BIOSTREAM_RADIO_NAME_PREFIX"))
	return cfg, nil
}
