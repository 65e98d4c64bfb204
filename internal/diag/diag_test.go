package diag

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/fabriqa/bom-ce-export/internal/bridge"
	"github.com/fabriqa/bom-ce-export/internal/config"
)

func TestMaskToken(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "(none)"},
		{"   ", "(none)"},
		{"ab", "a...b"},
		{"secret", "s...t"},
		{"longer-token-value", "lon...lue"},
	}
	for _, tt := range tests {
		if got := MaskToken(tt.in); got != tt.want {
			t.Errorf("MaskToken(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRecorderToText(t *testing.T) {
	rec := NewRecorder()
	rec.Setting("base_url", "http://127.0.0.1:8765")
	rec.Setting("auth_token", MaskToken("super-secret-token"))
	rec.Record("probe", "health check attempt %d", 1)
	rec.Record("launch", "starting %s", "ce.exe")
	rec.Outcome("READY")

	text := rec.ToText()
	for _, want := range []string{
		"base_url = http://127.0.0.1:8765",
		"auth_token = sup...ken",
		"[probe] health check attempt 1",
		"[launch] starting ce.exe",
		"outcome: READY",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("ToText() missing %q:\n%s", want, text)
		}
	}
	if strings.Contains(text, "super-secret-token") {
		t.Error("ToText() leaked the raw token")
	}
	if len(rec.Events()) != 2 {
		t.Errorf("Events() = %d entries, want 2", len(rec.Events()))
	}
}

func TestCaptureLogBundle(t *testing.T) {
	const bundle = "line one\nline two\n"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/admin/logs/cafebabe" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte(bundle))
	}))
	defer srv.Close()

	client := bridge.NewClient(config.Connection{BaseURL: srv.URL, Timeout: 2 * time.Second})
	dir := t.TempDir()
	path, err := CaptureLogBundle(context.Background(), client, "cafebabe", dir)
	if err != nil {
		t.Fatalf("CaptureLogBundle() error = %v", err)
	}
	if filepath.Base(path) != "cafebabe.log.zst" {
		t.Errorf("path = %s", path)
	}

	compressed, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer dec.Close()
	plain, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if string(plain) != bundle {
		t.Errorf("round-trip = %q, want %q", plain, bundle)
	}
}
