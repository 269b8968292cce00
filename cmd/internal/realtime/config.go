package realtime

import (
	"errors"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Only localhost is allowed by default.
	wsDefaultOriginRequired = false
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"

	uplinkDefaultQueueSize   = 512
	uplinkDefaultDialTimeout = 10 * time.Second
)

// ErrConfig is returned for invalid configuration.
var ErrConfig = errors.New("invalid config")

// GatewayConfig tunes a websocket endpoint. The viewer feed and the companion bridge
// each load one under their own env prefix.
type GatewayConfig struct {
	// DevInsecure disables websocket.Accept's origin verification. Dev only.
	DevInsecure bool
	Origin      OriginPolicy

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration

	RateEvents int
	RateWindow time.Duration
}

// DefaultGatewayConfig returns localhost-only defaults.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		Origin: OriginPolicy{
			Required: wsDefaultOriginRequired,
			Allowed:  splitCSV(wsDefaultAllowedOrigins),
		},
		WriteTimeout:     wsDefaultWriteTimeout,
		ReadIdleTimeout:  wsDefaultReadIdle,
		SendQueueSize:    wsDefaultSendQueueSize,
		HeartbeatEvery:   heartbeatInterval,
		HeartbeatTimeout: heartbeatTimeout,
		RateEvents:       rateLimitEvents,
		RateWindow:       rateLimitWindow,
	}
}

// LoadGatewayConfigFromEnv reads {prefix}_DEV_INSECURE, {prefix}_ORIGIN_REQUIRED,
// {prefix}_ALLOWED_ORIGINS, {prefix}_WRITE_TIMEOUT, {prefix}_READ_IDLE_TIMEOUT,
// {prefix}_SEND_QUEUE, {prefix}_HEARTBEAT_INTERVAL, {prefix}_HEARTBEAT_TIMEOUT,
// {prefix}_RATE_EVENTS and {prefix}_RATE_WINDOW. Unset or invalid values fall back to def.
func LoadGatewayConfigFromEnv(prefix string, def GatewayConfig) GatewayConfig {
	k := func(s string) string { return prefix + "_" + s }

	cfg := GatewayConfig{
		DevInsecure: envBoolWS(k("DEV_INSECURE"), def.DevInsecure),
		Origin: OriginPolicy{
			Required: envBoolWS(k("ORIGIN_REQUIRED"), def.Origin.Required),
			Allowed:  envCSVWS(k("ALLOWED_ORIGINS"), strings.Join(def.Origin.Allowed, ",")),
		},
		WriteTimeout:     envDurationWS(k("WRITE_TIMEOUT"), def.WriteTimeout),
		ReadIdleTimeout:  envDurationWS(k("READ_IDLE_TIMEOUT"), def.ReadIdleTimeout),
		SendQueueSize:    envIntWS(k("SEND_QUEUE"), def.SendQueueSize),
		HeartbeatEvery:   envDurationWS(k("HEARTBEAT_INTERVAL"), def.HeartbeatEvery),
		HeartbeatTimeout: envDurationWS(k("HEARTBEAT_TIMEOUT"), def.HeartbeatTimeout),
		RateEvents:       envIntWS(k("RATE_EVENTS"), def.RateEvents),
		RateWindow:       envDurationWS(k("RATE_WINDOW"), def.RateWindow),
	}
	return cfg.WithDefaults()
}

// UplinkConfig configures the upstream forwarder. An empty URL disables it.
type UplinkConfig struct {
	URL          string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	QueueSize    int
}

// DefaultUplinkConfig returns a disabled uplink with sane timeouts.
func DefaultUplinkConfig() UplinkConfig {
	return UplinkConfig{
		DialTimeout:  uplinkDefaultDialTimeout,
		WriteTimeout: wsDefaultWriteTimeout,
		QueueSize:    uplinkDefaultQueueSize,
	}
}

// Enabled reports whether an upstream URL is configured.
func (c UplinkConfig) Enabled() bool { return c.URL != "" }

// LoadUplinkConfigFromEnv loads the uplink configuration.
//
// Optional:
//   - BIOSTREAM_UPLINK_URL (ws:// or wss://)
//   - BIOSTREAM_UPLINK_DIAL_TIMEOUT
//   - BIOSTREAM_UPLINK_WRITE_TIMEOUT
//   - BIOSTREAM_UPLINK_QUEUE
//
// Returns ErrConfig when the URL is not a websocket URL.
func LoadUplinkConfigFromEnv() (UplinkConfig, error) {
	cfg := DefaultUplinkConfig()

	if raw := strings.TrimSpace(os.Getenv("BIOSTREAM_UPLINK_URL")); raw != "" {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			return UplinkConfig{}, ErrConfig
		}
		cfg.URL = raw
	}

	cfg.DialTimeout = envDurationWS("BIOSTREAM_UPLINK_DIAL_TIMEOUT", cfg.DialTimeout)
	cfg.WriteTimeout = envDurationWS("BIOSTREAM_UPLINK_WRITE_TIMEOUT", cfg.WriteTimeout)
	cfg.QueueSize = envIntWS("BIOSTREAM_UPLINK_QUEUE", cfg.QueueSize)
	return cfg, nil
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	return splitCSV(raw)
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// WithDefaults fills zero or invalid fields from DefaultGatewayConfig.
func (c GatewayConfig) WithDefaults() GatewayConfig {
	def := DefaultGatewayConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = def.ReadIdleTimeout
	}
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsMinSendQueueSize
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = def.HeartbeatEvery
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = def.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = def.RateWindow
	}
	return c
}
