package realtime

import (
	"net/http/httptest"
	"reflect"
	"testing"
)

func TestOriginPolicy_Check(t *testing.T) {
	policy := OriginPolicy{Required: true, Allowed: []string{"http://localhost", "https://viewer.example.com:8443"}}

	cases := []struct {
		origin string
		ok     bool
	}{
		{"", false},
		{"http://localhost", true},
		{"http://localhost:5173", true},
		{"https://viewer.example.com:8443", true},
		{"https://viewer.example.com", true},
		{"https://evil.example.com", false},
	}

	for _, tc := range cases {
		r := httptest.NewRequest("GET", "/ws", nil)
		if tc.origin != "" {
			r.Header.Set("Origin", tc.origin)
		}
		err := policy.Check(r)
		if (err == nil) != tc.ok {
			t.Fatalf("origin %q: err=%v, want ok=%v", tc.origin, err, tc.ok)
		}
	}
}

func TestOriginPolicy_OptionalAndWildcard(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws", nil)
	if err := (OriginPolicy{}).Check(r); err != nil {
		t.Fatalf("missing origin should pass when not required: %v", err)
	}

	r.Header.Set("Origin", "https://anything.test")
	if err := (OriginPolicy{Allowed: []string{"*"}}).Check(r); err != nil {
		t.Fatalf("wildcard should allow: %v", err)
	}
	if err := (OriginPolicy{}).Check(r); err == nil {
		t.Fatalf("empty allowlist should refuse a present origin")
	}
}

func TestOriginPolicy_Patterns(t *testing.T) {
	p := OriginPolicy{Allowed: []string{"http://localhost", "http://127.0.0.1:3000", "*", "http://LOCALHOST:9"}}
	got := p.Patterns()
	want := []string{"127.0.0.1", "localhost"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("patterns=%v, want %v", got, want)
	}
}
