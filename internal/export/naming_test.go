package export

import (
	"strings"
	"testing"
	"time"
)

func TestJobName(t *testing.T) {
	at := time.Date(2026, 8, 30, 14, 5, 9, 0, time.UTC)

	tests := []struct {
		name      string
		requested string
		want      string
	}{
		{"generated default", "", "bom_20260830_140509_dead.mdb"},
		{"suffix enforced", "my export", "my_export.mdb"},
		{"suffix kept", "job.mdb", "job.mdb"},
		{"path chars stripped", "../evil/job", ".._evil_job.mdb"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := JobName(tt.requested, "deadbeefcafe", at); got != tt.want {
				t.Errorf("JobName(%q) = %q, want %q", tt.requested, got, tt.want)
			}
		})
	}
}

func TestJobNameTrimsToTail(t *testing.T) {
	long := strings.Repeat("x", 100) + "_final"
	got := JobName(long, "deadbeef", time.Now())
	if len(got) != 64 {
		t.Errorf("len = %d, want 64", len(got))
	}
	if !strings.HasSuffix(got, "_final.mdb") {
		t.Errorf("got %q, want tail preserved with .mdb suffix", got)
	}
}

func TestReportName(t *testing.T) {
	if got := ReportName("bom_20260830_140509_dead.mdb"); got != "bom_20260830_140509_dead_missing.csv" {
		t.Errorf("ReportName() = %q", got)
	}
}
