package app

import "time"

// Config contains the daemon runtime configuration loaded from environment variables.
// Transport, auth and uplink settings live with their packages.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	// CORSAllowedOrigins lists browser origins allowed to call the control API.
	CORSAllowedOrigins []string
	CORSMaxAgeSeconds  int

	// UserID is the default user for radio streams started without an explicit user_id.
	UserID string

	// DeliveryQueue sizes the serial executor that hands readings to consumers.
	DeliveryQueue int

	// BootstrapTimeout bounds the SDK token fetch performed at startup.
	BootstrapTimeout time.Duration
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("BIOSTREAM_HTTP_ADDR", "127.0.0.1:8080"),
		LogLevel:  EnvString("BIOSTREAM_LOG_LEVEL", "info"),
		LogFormat: EnvString("BIOSTREAM_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("BIOSTREAM_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("BIOSTREAM_HTTP_READ_TIMEOUT", 15*time.Second),
		// Connect may scan for a full radio window before answering.
		WriteTimeout:   EnvDuration("BIOSTREAM_HTTP_WRITE_TIMEOUT", 60*time.Second),
		IdleTimeout:    EnvDuration("BIOSTREAM_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes: EnvInt("BIOSTREAM_HTTP_MAX_HEADER_BYTES", 1<<20),

		CORSAllowedOrigins: EnvList("BIOSTREAM_CORS_ORIGINS"),
		CORSMaxAgeSeconds:  EnvInt("BIOSTREAM_CORS_MAX_AGE", 600),

		UserID:           EnvString("BIOSTREAM_USER_ID", ""),
		DeliveryQueue:    EnvInt("BIOSTREAM_DELIVERY_QUEUE", 256),
		BootstrapTimeout: EnvDuration("BIOSTREAM_BOOTSTRAP_TIMEOUT", 10*time.Second),
	}
}
