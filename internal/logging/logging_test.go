package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"WARN":    slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewRespectsLevel(t *testing.T) {
	l := New("error", "text")
	if l.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("info should be suppressed at error level")
	}
	if !New("debug", "text").Enabled(context.Background(), slog.LevelDebug) {
		t.Error("debug should be enabled at debug level")
	}
}

func TestJSONFormatEmitsJSON(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "info", "json")
	l.Info("escrow locked", "user", "usr_1")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if rec["msg"] != "escrow locked" || rec["user"] != "usr_1" {
		t.Errorf("unexpected record: %v", rec)
	}
}

func TestTextFormatIsDefault(t *testing.T) {
	var buf bytes.Buffer
	NewWithWriter(&buf, "info", "").Info("hello")
	if !strings.Contains(buf.String(), "msg=hello") {
		t.Errorf("expected text output, got %q", buf.String())
	}
}

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := context.Background()
	if RequestID(ctx) != "" {
		t.Error("expected empty request ID on fresh context")
	}
	ctx = WithRequestID(ctx, "req_abc")
	if got := RequestID(ctx); got != "req_abc" {
		t.Errorf("RequestID = %q, want req_abc", got)
	}
	ctx = WithRequestID(ctx, "req_def")
	if got := RequestID(ctx); got != "req_def" {
		t.Errorf("latest request ID should win, got %q", got)
	}
}

func TestLCarriesRequestID(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), NewWithWriter(&buf, "info", "json"))
	ctx = WithRequestID(ctx, "req_777")

	L(ctx).Info("trade funded")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if rec["request_id"] != "req_777" {
		t.Errorf("expected request_id attribute, got %v", rec)
	}
}

func TestLFallsBackToDefault(t *testing.T) {
	if L(context.Background()) == nil {
		t.Fatal("L on a bare context must not return nil")
	}
}
