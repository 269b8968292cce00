package authclient

import (
	"net/url"
	"os"
	"strings"
	"time"
)

const (
	DefaultUserBaseURL = "https://ws.tryterra.co"
	DefaultSDKBaseURL  = "https://api.tryterra.co/v2"
)

// Config holds endpoint and credential configuration for the token client.
type Config struct {
	// UserBaseURL hosts /auth/user.
	UserBaseURL string
	// SDKBaseURL hosts /auth/generateAuthToken.
	SDKBaseURL string

	// Timeout is the HTTP client timeout. Zero means none: calls wait until ctx is done.
	Timeout time.Duration

	// Credentials used by callers that do not pass their own.
	Credentials Credentials
}

// DefaultConfig returns the production endpoints with no timeout.
func DefaultConfig() Config {
	return Config{
		UserBaseURL: DefaultUserBaseURL,
		SDKBaseURL:  DefaultSDKBaseURL,
	}
}

// LoadConfigFromEnv loads the token client configuration.
//
// Optional:
//   - BIOSTREAM_AUTH_USER_URL
//   - BIOSTREAM_AUTH_SDK_URL
//   - BIOSTREAM_AUTH_TIMEOUT (Go duration, >= 0)
//   - BIOSTREAM_DEV_ID
//   - BIOSTREAM_API_KEY
//
// Returns ErrConfig if a URL or duration is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := strings.TrimSpace(os.Getenv("BIOSTREAM_AUTH_USER_URL")); v != "" {
		if !validBaseURL(v) {
			return Config{}, ErrConfig
		}
		cfg.UserBaseURL = v
	}

	if v := strings.TrimSpace(os.Getenv("BIOSTREAM_AUTH_SDK_URL")); v != "" {
		if !validBaseURL(v) {
			return Config{}, ErrConfig
		}
		cfg.SDKBaseURL = v
	}

	if v := strings.TrimSpace(os.Getenv("BIOSTREAM_AUTH_TIMEOUT")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return Config{}, ErrConfig
		}
		cfg.Timeout = d
	}

	cfg.Credentials = Credentials{
		DevID:  strings.TrimSpace(os.Getenv("BIOSTREAM_DEV_ID")),
		APIKey: strings.TrimSpace(os.Getenv("BIOSTREAM_API_KEY")),
	}

	return cfg, nil
}

func validBaseURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return strings.TrimSpace(u.Host) != ""
}
