package realtime

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// OriginPolicy decides which browser origins may open a websocket.
// Non-browser clients (simulators, companions) typically send no Origin header.
type OriginPolicy struct {
	Required bool
	Allowed  []string
}

// Check returns an error when r's Origin is not acceptable.
func (p OriginPolicy) Check(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if p.Required {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(p.Allowed) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)
	for _, a := range p.Allowed {
		a = strings.TrimSpace(a)
		switch {
		case a == "":
			continue
		case a == "*":
			return nil
		case origin == a:
			return nil
		case originHost != "" && originHost == originHostOnly(a):
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

// Patterns derives websocket.AcceptOptions.OriginPatterns from the allowlist so that
// Accept's own cross-origin check agrees with Check.
func (p OriginPolicy) Patterns() []string {
	seen := make(map[string]struct{}, len(p.Allowed))
	for _, a := range p.Allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = strings.TrimSpace(u.Host)
		if s == "" {
			return ""
		}
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}
