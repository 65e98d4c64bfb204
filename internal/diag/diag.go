// Package diag records bridge startup diagnostics and captures trace log
// bundles. The recorder is a plain value the supervisor appends to while it
// works; support tickets get the rendered text instead of raw settings.
package diag

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/fabriqa/bom-ce-export/internal/bridge"
)

// MaskToken hides the middle of an auth token so diagnostics can show which
// token was in play without disclosing it.
func MaskToken(token string) string {
	token = strings.TrimSpace(token)
	if token == "" {
		return "(none)"
	}
	if len(token) <= 6 {
		return token[:1] + "..." + token[len(token)-1:]
	}
	return token[:3] + "..." + token[len(token)-3:]
}

// Event is one timestamped step of a readiness attempt.
type Event struct {
	At     time.Time
	Kind   string
	Detail string
}

// Recorder accumulates the timeline of one ensure-ready attempt. Safe for
// use from the supervisor's single goroutine plus a concurrent ToText call.
type Recorder struct {
	mu       sync.Mutex
	started  time.Time
	settings map[string]string
	events   []Event
	outcome  string
}

// NewRecorder starts an empty diagnostics timeline.
func NewRecorder() *Recorder {
	return &Recorder{started: time.Now(), settings: map[string]string{}}
}

// Setting records one resolved configuration value. Token values must be
// masked by the caller before recording.
func (r *Recorder) Setting(key, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settings[key] = value
}

// Record appends one event to the timeline.
func (r *Recorder) Record(kind, format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{
		At:     time.Now(),
		Kind:   kind,
		Detail: fmt.Sprintf(format, args...),
	})
}

// Outcome sets the final result of the attempt.
func (r *Recorder) Outcome(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcome = outcome
}

// Events returns a copy of the recorded timeline.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// ToText renders the timeline for a support bundle or verbose log dump.
func (r *Recorder) ToText() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "bridge diagnostics (started %s)\n", r.started.Format(time.RFC3339))
	if len(r.settings) > 0 {
		b.WriteString("settings:\n")
		keys := make([]string, 0, len(r.settings))
		for k := range r.settings {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "  %s = %s\n", k, r.settings[k])
		}
	}
	if len(r.events) > 0 {
		b.WriteString("timeline:\n")
		for _, ev := range r.events {
			fmt.Fprintf(&b, "  %s [%s] %s\n", ev.At.Format("15:04:05.000"), ev.Kind, ev.Detail)
		}
	}
	if r.outcome != "" {
		fmt.Fprintf(&b, "outcome: %s\n", r.outcome)
	}
	return b.String()
}

// CaptureLogBundle fetches the bridge's log bundle for one trace ID and
// stores it zstd-compressed under dir. Returns the written path.
func CaptureLogBundle(ctx context.Context, client *bridge.Client, traceID, dir string) (string, error) {
	data, err := client.LogBundle(ctx, traceID)
	if err != nil {
		return "", fmt.Errorf("fetch log bundle: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create bundle dir: %w", err)
	}

	path := filepath.Join(dir, traceID+".log.zst")
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create bundle file: %w", err)
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f)
	if err != nil {
		return "", fmt.Errorf("init zstd writer: %w", err)
	}
	if _, err := enc.Write(data); err != nil {
		enc.Close()
		return "", fmt.Errorf("compress log bundle: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("flush log bundle: %w", err)
	}
	return path, nil
}
