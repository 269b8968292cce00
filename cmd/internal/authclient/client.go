package authclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"

	"biostream/cmd/security/token"
)

const (
	EndpointUser = "auth/user"
	EndpointSDK  = "auth/generateAuthToken"

	// maxBodyBytes caps token response bodies.
	maxBodyBytes = 64 << 10
)

// AuthToken is an opaque bearer credential. Expiry is server policy and not modeled here.
type AuthToken struct {
	Token string `json:"token"`
}

// Credentials are the developer credentials sent as headers.
type Credentials struct {
	DevID  string
	APIKey string
}

// Valid reports whether both values are present.
func (c Credentials) Valid() bool {
	return strings.TrimSpace(c.DevID) != "" && strings.TrimSpace(c.APIKey) != ""
}

// Client issues token requests. It is safe for concurrent use.
type Client struct {
	log  *slog.Logger
	http *http.Client
	cfg  Config
}

// New constructs a Client. A nil httpClient gets a dedicated client with cfg.Timeout.
func New(log *slog.Logger, cfg Config, httpClient *http.Client) *Client {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.UserBaseURL == "" {
		cfg.UserBaseURL = DefaultUserBaseURL
	}
	if cfg.SDKBaseURL == "" {
		cfg.SDKBaseURL = DefaultSDKBaseURL
	}
	return &Client{log: log, http: httpClient, cfg: cfg}
}

// Credentials returns the configured default credentials.
func (c *Client) Credentials() Credentials { return c.cfg.Credentials }

// FetchUserToken requests a user-scoped token for userID.
func (c *Client) FetchUserToken(ctx context.Context, creds Credentials, userID string) (AuthToken, error) {
	if !creds.Valid() {
		return AuthToken{}, ErrMissingCredentials
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return AuthToken{}, ErrMissingUserID
	}

	endpoint := joinURL(c.cfg.UserBaseURL, EndpointUser) + "?id=" + url.QueryEscape(userID)
	h := http.Header{}
	h.Set("dev-id", creds.DevID)
	h.Set("X-API-Key", creds.APIKey)

	return c.fetch(ctx, EndpointUser, endpoint, h)
}

// FetchSDKToken requests a token that authenticates the streaming SDK itself.
func (c *Client) FetchSDKToken(ctx context.Context, creds Credentials) (AuthToken, error) {
	if !creds.Valid() {
		return AuthToken{}, ErrMissingCredentials
	}

	endpoint := joinURL(c.cfg.SDKBaseURL, EndpointSDK)
	h := http.Header{}
	h.Set("dev-id", creds.DevID)
	// Written directly: Header.Set would canonicalize the name to X-Api-Key.
	h["x-api-key"] = []string{creds.APIKey}

	return c.fetch(ctx, EndpointSDK, endpoint, h)
}

func (c *Client) fetch(ctx context.Context, name, endpoint string, h http.Header) (AuthToken, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return AuthToken{}, &TokenFetchError{Endpoint: name, Reason: ReasonNetwork, Err: err}
	}
	for k, v := range h {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "*/*")

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Info("auth.token.fail", "endpoint", name, "reason", ReasonNetwork, "err", err)
		return AuthToken{}, &TokenFetchError{Endpoint: name, Reason: ReasonNetwork, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		c.log.Info("auth.token.fail", "endpoint", name, "reason", ReasonNetwork, "status", resp.StatusCode)
		return AuthToken{}, &TokenFetchError{Endpoint: name, Reason: ReasonNetwork, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		c.log.Info("auth.token.fail", "endpoint", name, "reason", ReasonNetwork, "err", err)
		return AuthToken{}, &TokenFetchError{Endpoint: name, Reason: ReasonNetwork, Err: err}
	}

	var out AuthToken
	if err := json.Unmarshal(body, &out); err != nil {
		c.log.Info("auth.token.fail", "endpoint", name, "reason", ReasonParse, "err", err)
		return AuthToken{}, &TokenFetchError{Endpoint: name, Reason: ReasonParse, Err: err}
	}
	if strings.TrimSpace(out.Token) == "" {
		c.log.Info("auth.token.fail", "endpoint", name, "reason", ReasonParse, "err", "empty token")
		return AuthToken{}, &TokenFetchError{Endpoint: name, Reason: ReasonParse, Err: errors.New("response has no token")}
	}

	c.log.Info("auth.token.ok", "endpoint", name, "token_fp", token.Fingerprint(out.Token))
	return out, nil
}

func joinURL(base, path string) string {
	return fmt.Sprintf("%s/%s", strings.TrimRight(base, "/"), strings.TrimLeft(path, "/"))
}
