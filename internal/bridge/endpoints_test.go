package bridge

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
)

func TestHealthDecodesPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/admin/health" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ready":true,"headless":true,"allow_headless":false,"reason":"","trace_id":"deadbeef"}`))
	}))
	defer srv.Close()

	client := NewClient(testConn(srv.URL, ""))
	payload, resp, err := client.Health(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Health() error = %v", err)
	}
	if resp.Status != http.StatusOK {
		t.Errorf("status = %d", resp.Status)
	}
	if !payload.Ready || !payload.Headless {
		t.Errorf("payload = %+v, want ready+headless", payload)
	}
	if payload.HeadlessAllowed() {
		t.Error("HeadlessAllowed() = true, want false")
	}
	if payload.ExportsAllowed() {
		t.Error("ExportsAllowed() = true for disallowed headless bridge")
	}
}

func TestHealthAllowHeadlessDefaultsTrue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ready":true,"headless":true}`))
	}))
	defer srv.Close()

	client := NewClient(testConn(srv.URL, ""))
	payload, _, err := client.Health(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Health() error = %v", err)
	}
	if !payload.HeadlessAllowed() {
		t.Error("HeadlessAllowed() = false when field absent, want true")
	}
	if !payload.ExportsAllowed() {
		t.Error("ExportsAllowed() = false, want true")
	}
}

func TestExportMDBDecodesReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{
			"export_path": "C:/exports/job.mdb",
			"exported_comp_ids": [3, 1, 2],
			"missing": [9],
			"unlinked": ["4", -1, 0],
			"trace_id": "feedface"
		}`))
	}))
	defer srv.Close()

	client := NewClient(testConn(srv.URL, ""))
	reply, err := client.ExportMDB(context.Background(), ExportRequest{CompIDs: []int{3, 1, 2, 9}, OutDir: "/tmp", MdbName: "job.mdb"}, "t1")
	if err != nil {
		t.Fatalf("ExportMDB() error = %v", err)
	}
	if reply.Status != http.StatusOK {
		t.Errorf("Status = %d", reply.Status)
	}
	if reply.ExportPath != "C:/exports/job.mdb" {
		t.Errorf("ExportPath = %q", reply.ExportPath)
	}
	if !reflect.DeepEqual(reply.ExportedCompIDs, []int{3, 1, 2}) {
		t.Errorf("ExportedCompIDs = %v", reply.ExportedCompIDs)
	}
	if !reflect.DeepEqual(reply.Missing, []int{9}) {
		t.Errorf("Missing = %v", reply.Missing)
	}
	// Negative and zero entries are dropped; strings are coerced.
	if !reflect.DeepEqual(reply.Unlinked, []int{4}) {
		t.Errorf("Unlinked = %v", reply.Unlinked)
	}
	if reply.TraceID != "feedface" {
		t.Errorf("TraceID = %q", reply.TraceID)
	}
}

func TestExportMDBNormalizesReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"reason":"  Empty_Selection  ","detail":"nothing to export"}`))
	}))
	defer srv.Close()

	client := NewClient(testConn(srv.URL, ""))
	reply, err := client.ExportMDB(context.Background(), ExportRequest{CompIDs: []int{1}}, "t1")
	if err != nil {
		t.Fatalf("ExportMDB() error = %v", err)
	}
	if reply.Status != http.StatusConflict || reply.Reason != "empty_selection" {
		t.Errorf("reply = %+v, want 409 empty_selection", reply)
	}
	if reply.Detail != "nothing to export" {
		t.Errorf("Detail = %q", reply.Detail)
	}
}

func TestSearchComplexesClampsLimit(t *testing.T) {
	tests := []struct {
		in   int
		want string
	}{
		{0, "1"},
		{-5, "1"},
		{50, "50"},
		{1000, "200"},
	}
	for _, tt := range tests {
		var gotLimit, gotAnalyze string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotLimit = r.URL.Query().Get("limit")
			gotAnalyze = r.URL.Query().Get("analyze")
			w.Write([]byte(`[]`))
		}))
		client := NewClient(testConn(srv.URL, ""))
		if _, err := client.SearchComplexes(context.Background(), "PN-1", tt.in, "t1"); err != nil {
			t.Fatalf("SearchComplexes(%d) error = %v", tt.in, err)
		}
		srv.Close()
		if gotLimit != tt.want {
			t.Errorf("limit %d sent as %q, want %q", tt.in, gotLimit, tt.want)
		}
		if gotAnalyze != "true" {
			t.Errorf("analyze = %q, want true", gotAnalyze)
		}
	}
}

func TestSearchComplexesRejectsNonArray(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"oops":true}`))
	}))
	defer srv.Close()

	client := NewClient(testConn(srv.URL, ""))
	_, err := client.SearchComplexes(context.Background(), "PN-1", 10, "t1")
	var protoErr *ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("err = %v, want *ProtocolError", err)
	}
}

func TestMutateAliasesConflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/complexes/42/aliases" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"conflicts":["PN-OLD","PN-DUP"]}`))
	}))
	defer srv.Close()

	client := NewClient(testConn(srv.URL, ""))
	_, err := client.MutateAliases(context.Background(), 42, AliasUpdate{Add: []string{"PN-OLD"}}, "t1")
	var conflict *AliasConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("err = %v, want *AliasConflictError", err)
	}
	if conflict.CompID != 42 || len(conflict.Conflicts) != 2 {
		t.Errorf("conflict = %+v", conflict)
	}
}

func TestMutateAliasesSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":42,"aliases":["PN-1","PN-2"],"source_hash":"abc123"}`))
	}))
	defer srv.Close()

	client := NewClient(testConn(srv.URL, ""))
	reply, err := client.MutateAliases(context.Background(), 42, AliasUpdate{Add: []string{"PN-2"}}, "t1")
	if err != nil {
		t.Fatalf("MutateAliases() error = %v", err)
	}
	if reply.ID != 42 || reply.SourceHash != "abc123" || len(reply.Aliases) != 2 {
		t.Errorf("reply = %+v", reply)
	}
}
