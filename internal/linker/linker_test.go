package linker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fabriqa/bom-ce-export/internal/bridge"
	"github.com/fabriqa/bom-ce-export/internal/config"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(bridge.NewClient(config.Connection{BaseURL: srv.URL, Timeout: 2 * time.Second}))
}

func searchHandler(body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	})
}

func TestSearchRejectsWildcardOnlyQueries(t *testing.T) {
	c := newTestClient(t, searchHandler(`[]`))
	for _, query := range []string{"", "   ", "***", "%%", "--"} {
		if _, err := c.Search(context.Background(), query, 10, "t1"); !errors.Is(err, ErrInvalidQuery) {
			t.Errorf("Search(%q) err = %v, want ErrInvalidQuery", query, err)
		}
	}
}

func TestSearchPicksStrongestMatchKind(t *testing.T) {
	c := newTestClient(t, searchHandler(`[
		{"id":1,"pn":"PN-LIKE","match_kind":"like"},
		{"id":2,"pn":"PN-EXACT","match_kind":"exact_pn"},
		{"id":3,"pn":"PN-NORM","match_kind":"normalized_pn"}
	]`))

	d, err := c.Search(context.Background(), "PN-EXACT", 10, "t1")
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if d.Best == nil || d.Best.ID != 2 {
		t.Fatalf("Best = %+v, want id 2", d.Best)
	}
	if d.NeedsReview {
		t.Error("NeedsReview = true for a single exact match")
	}
	if !AutoAttachAllowed(d) {
		t.Error("AutoAttachAllowed() = false for undisputed exact_pn")
	}
	// Bridge order preserved in the candidate list.
	if len(d.Candidates) != 3 || d.Candidates[0].ID != 1 {
		t.Errorf("Candidates = %+v", d.Candidates)
	}
}

func TestSearchTieAtTopRankNeedsReview(t *testing.T) {
	c := newTestClient(t, searchHandler(`[
		{"id":10,"pn":"PN-1","match_kind":"exact_pn"},
		{"id":11,"pn":"PN-2","match_kind":"exact_pn"},
		{"id":12,"pn":"PN-3","match_kind":"like"}
	]`))

	d, err := c.Search(context.Background(), "PN", 10, "t1")
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if !d.NeedsReview {
		t.Error("NeedsReview = false for tied exact_pn candidates")
	}
	// First of the tied candidates wins, in bridge order.
	if d.Best == nil || d.Best.ID != 10 {
		t.Errorf("Best = %+v, want id 10", d.Best)
	}
	if AutoAttachAllowed(d) {
		t.Error("AutoAttachAllowed() = true for a decision under review")
	}
}

func TestAutoAttachRequiresExactMatch(t *testing.T) {
	tests := []struct {
		kind string
		want bool
	}{
		{"exact_pn", true},
		{"exact_alias", true},
		{"normalized_pn", false},
		{"normalized_alias", false},
		{"like", false},
	}
	for _, tt := range tests {
		c := newTestClient(t, searchHandler(fmt.Sprintf(`[{"id":1,"pn":"PN","match_kind":%q}]`, tt.kind)))
		d, err := c.Search(context.Background(), "PN", 10, "t1")
		if err != nil {
			t.Fatalf("Search() error = %v", err)
		}
		if got := AutoAttachAllowed(d); got != tt.want {
			t.Errorf("AutoAttachAllowed(%s) = %v, want %v", tt.kind, got, tt.want)
		}
	}
}

func TestParseCandidateAcceptsNestedAnalysis(t *testing.T) {
	c := newTestClient(t, searchHandler(`[
		{"id":1,"pn":"PN-1","match_kind":"exact_pn","normalized_input":"pn1","normalized_targets":["pn1"]},
		{"id":2,"pn":"PN-2","analysis":{"match_kind":"like","normalized_input":"pn2","normalized_targets":["pn2","pn02"]}}
	]`))

	d, err := c.Search(context.Background(), "PN", 10, "t1")
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	flat, nested := d.Candidates[0], d.Candidates[1]
	if flat.MatchKind != "exact_pn" || flat.NormalizedInput != "pn1" {
		t.Errorf("top-level candidate = %+v", flat)
	}
	if nested.MatchKind != "like" || nested.NormalizedInput != "pn2" || len(nested.NormalizedTargets) != 2 {
		t.Errorf("nested candidate = %+v", nested)
	}
}

func TestAttachCandidateSnapshot(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/complexes/42" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte(`{"id":42,"pn":"PN-42","aliases":["ALT-42"],"pin_count":64,"source_hash":"h42"}`))
	}))

	snap, err := c.AttachCandidate(context.Background(), 42, "t1")
	if err != nil {
		t.Fatalf("AttachCandidate() error = %v", err)
	}
	if snap.CompID != 42 || snap.PN != "PN-42" || snap.PinCount != 64 || snap.SourceHash != "h42" {
		t.Errorf("snapshot = %+v", snap)
	}
	if len(snap.Aliases) != 1 || snap.Aliases[0] != "ALT-42" {
		t.Errorf("Aliases = %v", snap.Aliases)
	}
	if snap.CapturedAt.IsZero() {
		t.Error("CapturedAt not set")
	}
}

func TestMutateAliasesSurfacesConflict(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"conflicts":["PN-DUP"]}`))
	}))

	_, err := c.MutateAliases(context.Background(), 7, []string{"PN-DUP"}, nil, "t1")
	var conflict *bridge.AliasConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("err = %v, want *bridge.AliasConflictError", err)
	}
}
