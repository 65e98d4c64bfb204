package logging

import (
	"context"
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewTraceID(t *testing.T) {
	id := NewTraceID()
	if len(id) != 32 {
		t.Fatalf("len = %d, want 32", len(id))
	}
	for _, r := range id {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f') {
			t.Fatalf("non-hex rune %q in %s", r, id)
		}
	}
	if NewTraceID() == id {
		t.Error("two trace IDs collided")
	}
}

func TestNormalizeTraceID(t *testing.T) {
	if got := NormalizeTraceID("  abc  "); got != "abc" {
		t.Errorf("NormalizeTraceID trimmed = %q", got)
	}
	if got := NormalizeTraceID("   "); len(got) != 32 {
		t.Errorf("NormalizeTraceID(blank) = %q, want generated id", got)
	}
}

func TestEnsureTraceID(t *testing.T) {
	ctx, id := EnsureTraceID(context.Background(), "explicit")
	if id != "explicit" {
		t.Errorf("id = %q, want the explicit one", id)
	}
	if got := TraceID(ctx); got != "explicit" {
		t.Errorf("TraceID(ctx) = %q, want explicit", got)
	}

	ctx, id = EnsureTraceID(WithTraceID(context.Background(), "fromctx"), "")
	if id != "fromctx" {
		t.Errorf("id = %q, want the one carried by ctx", id)
	}
	if got := TraceID(ctx); got != "fromctx" {
		t.Errorf("TraceID(ctx) = %q, want fromctx", got)
	}

	_, id = EnsureTraceID(context.Background(), "  ")
	if len(id) != 32 {
		t.Errorf("id = %q, want a generated 32-hex id", id)
	}
}

func TestTraceIDContext(t *testing.T) {
	ctx := WithTraceID(context.Background(), "cafe")
	if got := TraceID(ctx); got != "cafe" {
		t.Errorf("TraceID = %q", got)
	}
	if got := TraceID(context.Background()); got != "" {
		t.Errorf("TraceID(empty ctx) = %q, want empty", got)
	}
}
