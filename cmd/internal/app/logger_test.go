package app

import (
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want slog.Level
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "INFO", want: slog.LevelInfo},
		{in: "warn", want: slog.LevelWarn},
		{in: "warning", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "unknown", want: slog.LevelInfo},
		{in: "", want: slog.LevelInfo},
	}

	for _, tc := range cases {
		got := parseLogLevel(tc.in)
		if got != tc.want {
			t.Fatalf("parseLogLevel(%q)=%v want=%v", tc.in, got, tc.want)
		}
	}
}

func TestNewLoggerTo_Formats(t *testing.T) {
	t.Parallel()

	var jsonBuf, prettyBuf strings.Builder

	newLoggerTo(&jsonBuf, "info", "json", false).Info("session.connect.ok", "transport", "BLE")
	var rec map[string]any
	if err := json.Unmarshal([]byte(jsonBuf.String()), &rec); err != nil {
		t.Fatalf("json output not JSON: %v (%q)", err, jsonBuf.String())
	}
	if rec["msg"] != "session.connect.ok" || rec["transport"] != "BLE" {
		t.Fatalf("unexpected json record: %v", rec)
	}

	newLoggerTo(&prettyBuf, "info", "pretty", false).Info("session.connect.ok", "transport", "BLE")
	out := prettyBuf.String()
	if !strings.Contains(out, "lvl=[INFO] msg=session.connect.ok") || !strings.Contains(out, "transport=BLE") {
		t.Fatalf("unexpected pretty output: %q", out)
	}
}

func TestNewLoggerTo_LevelFilters(t *testing.T) {
	t.Parallel()

	var buf strings.Builder
	log := newLoggerTo(&buf, "warn", "json", false)
	log.Info("dropped")
	log.Warn("kept")

	if strings.Contains(buf.String(), "dropped") || !strings.Contains(buf.String(), "kept") {
		t.Fatalf("level filter not applied: %q", buf.String())
	}
}
