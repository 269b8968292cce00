package authclient

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testCreds = Credentials{DevID: "dev-123", APIKey: "key-abc"}

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(testLogger(), Config{UserBaseURL: srv.URL, SDKBaseURL: srv.URL + "/v2"}, srv.Client())
}

func TestFetchUserToken_SendsRequest(t *testing.T) {
	t.Parallel()

	var (
		gotMethod string
		gotPath   string
		gotID     string
		gotHeader http.Header
	)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotID = r.URL.Query().Get("id")
		gotHeader = r.Header.Clone()
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"token":"user-tok"}`)
	})

	tok, err := c.FetchUserToken(context.Background(), testCreds, "user 42")
	if err != nil {
		t.Fatalf("FetchUserToken: %v", err)
	}
	if tok.Token != "user-tok" {
		t.Fatalf("token=%q, want user-tok", tok.Token)
	}
	if gotMethod != http.MethodPost {
		t.Fatalf("method=%s, want POST", gotMethod)
	}
	if gotPath != "/auth/user" {
		t.Fatalf("path=%q, want /auth/user", gotPath)
	}
	if gotID != "user 42" {
		t.Fatalf("id=%q, want %q", gotID, "user 42")
	}
	if gotHeader.Get("dev-id") != "dev-123" {
		t.Fatalf("dev-id=%q", gotHeader.Get("dev-id"))
	}
	if gotHeader.Get("X-API-Key") != "key-abc" {
		t.Fatalf("X-API-Key=%q", gotHeader.Get("X-API-Key"))
	}
	if gotHeader.Get("Accept") != "*/*" {
		t.Fatalf("Accept=%q", gotHeader.Get("Accept"))
	}
}

func TestFetchSDKToken_SendsLowercaseAPIKeyHeader(t *testing.T) {
	t.Parallel()

	var (
		gotPath string
		gotRaw  []string
	)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		// The server sees canonical keys; the value must still arrive under X-Api-Key.
		gotRaw = r.Header.Values("X-Api-Key")
		_, _ = io.WriteString(w, `{"token":"sdk-tok","status":"success"}`)
	})

	tok, err := c.FetchSDKToken(context.Background(), testCreds)
	if err != nil {
		t.Fatalf("FetchSDKToken: %v", err)
	}
	if tok.Token != "sdk-tok" {
		t.Fatalf("token=%q, want sdk-tok", tok.Token)
	}
	if gotPath != "/v2/auth/generateAuthToken" {
		t.Fatalf("path=%q", gotPath)
	}
	if len(gotRaw) != 1 || gotRaw[0] != "key-abc" {
		t.Fatalf("api key header=%v", gotRaw)
	}
}

func TestFetchSDKToken_HeaderKeyIsNotCanonicalized(t *testing.T) {
	t.Parallel()

	var seen http.Header
	rt := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		seen = r.Header
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(strings.NewReader(`{"token":"t"}`)),
			Header:     http.Header{},
			Request:    r,
		}, nil
	})
	c := New(testLogger(), DefaultConfig(), &http.Client{Transport: rt})

	if _, err := c.FetchSDKToken(context.Background(), testCreds); err != nil {
		t.Fatalf("FetchSDKToken: %v", err)
	}
	if _, ok := seen["x-api-key"]; !ok {
		t.Fatalf("expected literal x-api-key key, got %v", seen)
	}
	if _, ok := seen["X-Api-Key"]; ok {
		t.Fatalf("unexpected canonical X-Api-Key key")
	}
}

func TestFetch_FailureReasons(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		status     int
		body       string
		wantReason Reason
		wantStatus int
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, body: `{"message":"bad key"}`, wantReason: ReasonNetwork, wantStatus: http.StatusUnauthorized},
		{name: "server error", status: http.StatusInternalServerError, body: ``, wantReason: ReasonNetwork, wantStatus: http.StatusInternalServerError},
		{name: "not json", status: http.StatusOK, body: `<html>`, wantReason: ReasonParse},
		{name: "missing token", status: http.StatusOK, body: `{"status":"success"}`, wantReason: ReasonParse},
		{name: "empty token", status: http.StatusOK, body: `{"token":""}`, wantReason: ReasonParse},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			})

			_, err := c.FetchSDKToken(context.Background(), testCreds)
			if !errors.Is(err, ErrTokenFetch) {
				t.Fatalf("expected ErrTokenFetch, got %v", err)
			}
			var tfe *TokenFetchError
			if !errors.As(err, &tfe) {
				t.Fatalf("expected *TokenFetchError, got %T", err)
			}
			if tfe.Reason != tc.wantReason {
				t.Fatalf("reason=%s, want %s", tfe.Reason, tc.wantReason)
			}
			if tfe.StatusCode != tc.wantStatus {
				t.Fatalf("status=%d, want %d", tfe.StatusCode, tc.wantStatus)
			}
			if tfe.Endpoint != EndpointSDK {
				t.Fatalf("endpoint=%q", tfe.Endpoint)
			}
		})
	}
}

func TestFetch_TransportErrorIsNetwork(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	base := srv.URL
	srv.Close()

	c := New(testLogger(), Config{UserBaseURL: base, SDKBaseURL: base}, nil)
	_, err := c.FetchUserToken(context.Background(), testCreds, "u1")

	var tfe *TokenFetchError
	if !errors.As(err, &tfe) {
		t.Fatalf("expected *TokenFetchError, got %v", err)
	}
	if tfe.Reason != ReasonNetwork {
		t.Fatalf("reason=%s, want network", tfe.Reason)
	}
	if tfe.Err == nil {
		t.Fatalf("expected underlying error")
	}
}

func TestFetch_ContextDeadline(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.FetchUserToken(ctx, testCreds, "u1")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if !errors.Is(err, ErrTokenFetch) {
		t.Fatalf("expected ErrTokenFetch, got %v", err)
	}
}

func TestFetch_MissingCredentialsDoesNotCallServer(t *testing.T) {
	t.Parallel()

	called := false
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) { called = true })

	if _, err := c.FetchSDKToken(context.Background(), Credentials{DevID: "d"}); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("expected ErrMissingCredentials, got %v", err)
	}
	if _, err := c.FetchUserToken(context.Background(), Credentials{APIKey: "k"}, "u"); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("expected ErrMissingCredentials, got %v", err)
	}
	if _, err := c.FetchUserToken(context.Background(), testCreds, "  "); !errors.Is(err, ErrMissingUserID) {
		t.Fatalf("expected ErrMissingUserID, got %v", err)
	}
	if called {
		t.Fatalf("server should not be contacted")
	}
}

func TestNew_DefaultsTimeoutFromConfig(t *testing.T) {
	t.Parallel()

	c := New(nil, Config{Timeout: 3 * time.Second}, nil)
	if c.http.Timeout != 3*time.Second {
		t.Fatalf("timeout=%s", c.http.Timeout)
	}
	if c.cfg.UserBaseURL != DefaultUserBaseURL || c.cfg.SDKBaseURL != DefaultSDKBaseURL {
		t.Fatalf("defaults not applied: %+v", c.cfg)
	}

	c = New(nil, DefaultConfig(), nil)
	if c.http.Timeout != 0 {
		t.Fatalf("expected no timeout by default, got %s", c.http.Timeout)
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }
