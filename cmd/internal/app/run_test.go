package app

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestTokenCommand_SDK(t *testing.T) {
	var gotKey []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header["x-api-key"]
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"token":"sdk-tok-1"}`))
	}))
	defer srv.Close()

	t.Setenv("BIOSTREAM_AUTH_SDK_URL", srv.URL)
	t.Setenv("BIOSTREAM_DEV_ID", "env-dev")
	t.Setenv("BIOSTREAM_API_KEY", "env-key")
	t.Setenv("BIOSTREAM_LOG_LEVEL", "error")

	var out strings.Builder
	if err := newCLI(&out).Run([]string{"biostream", "token", "sdk", "--api-key", "flag-key"}); err != nil {
		t.Fatalf("token sdk: %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != "sdk-tok-1" {
		t.Fatalf("output=%q want sdk-tok-1", got)
	}
	if len(gotKey) != 1 || gotKey[0] != "flag-key" {
		t.Fatalf("x-api-key=%v want flag override", gotKey)
	}
}

func TestTokenCommand_UserRequiresUserID(t *testing.T) {
	t.Setenv("BIOSTREAM_USER_ID", "")
	t.Setenv("BIOSTREAM_DEV_ID", "dev")
	t.Setenv("BIOSTREAM_API_KEY", "key")
	t.Setenv("BIOSTREAM_LOG_LEVEL", "error")

	var out strings.Builder
	err := newCLI(&out).Run([]string{"biostream", "token", "user"})
	if err == nil || !strings.Contains(err.Error(), "--user-id") {
		t.Fatalf("expected --user-id error, got %v", err)
	}
	if out.Len() != 0 {
		t.Fatalf("nothing should be printed, got %q", out.String())
	}
}

func TestTokenCommand_UserFetchFailure(t *testing.T) {
	srv, seen := newTokenServer(t, http.StatusForbidden, "")

	t.Setenv("BIOSTREAM_AUTH_USER_URL", srv.URL)
	t.Setenv("BIOSTREAM_DEV_ID", "dev")
	t.Setenv("BIOSTREAM_API_KEY", "key")
	t.Setenv("BIOSTREAM_LOG_LEVEL", "error")

	var out strings.Builder
	err := newCLI(&out).Run([]string{"biostream", "token", "user", "--user-id", "athlete-7"})
	if err == nil {
		t.Fatalf("expected error for 403")
	}
	if reqs := seen(); len(reqs) != 1 || reqs[0].id != "athlete-7" {
		t.Fatalf("unexpected requests: %+v", reqs)
	}
}
