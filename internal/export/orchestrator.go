// Package export orchestrates one BOM export through the CE bridge: gate on
// readiness, resolve line items to comp IDs, submit the batch, interpret the
// reply into a typed outcome, and persist the skip report.
package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/fabriqa/bom-ce-export/internal/bridge"
	"github.com/fabriqa/bom-ce-export/internal/diag"
	"github.com/fabriqa/bom-ce-export/internal/logging"
	"github.com/fabriqa/bom-ce-export/internal/metrics"
	"github.com/fabriqa/bom-ce-export/internal/report"
	"github.com/fabriqa/bom-ce-export/internal/supervisor"
)

// Item is one BOM line item as seen by the orchestrator. Only items whose
// assigned test method is "complex" and which are fitted are exportable.
type Item struct {
	BomID        int    `json:"bom_id"`
	LineID       int    `json:"line_id"`
	PartNumber   string `json:"part_number"`
	TestMethod   string `json:"test_method"`
	Fitted       bool   `json:"fitted"`
	LinkedCompID int    `json:"comp_id"` // stored link, 0 when the item was never linked
}

// Exportable reports whether this item belongs in an export batch.
func (i Item) Exportable() bool {
	return i.Fitted && strings.EqualFold(strings.TrimSpace(i.TestMethod), "complex")
}

// ItemSource supplies the candidate line items for one BOM. The CRUD data
// model behind it is not this package's concern.
type ItemSource interface {
	ExportableItems(ctx context.Context, bomID int) ([]Item, error)
}

// Request describes one export invocation.
type Request struct {
	BomID int
	// OutDir overrides the configured output directory when non-empty.
	OutDir string
	// MdbName is the requested artifact name; empty means a generated
	// bom_<timestamp>_<trace4>.mdb name.
	MdbName string
	// Overrides maps line IDs to manually chosen comp IDs, consulted when an
	// item carries no stored link.
	Overrides map[int]int
	TraceID   string
}

// Outcome is the result of one export attempt.
type Outcome struct {
	Status        Status
	ExportPath    string
	ExportedCount int
	MissingCount  int
	ReportRows    []report.Row
	ReportName    string
	Detail        string
	TraceID       string
}

// Orchestrator wires the supervisor, transport, item source and report store
// into the export workflow.
type Orchestrator struct {
	client  *bridge.Client
	sup     *supervisor.Supervisor
	items   ItemSource
	reports *report.Store
	outDir  string
	log     *slog.Logger
	now     func() time.Time
}

// New creates an orchestrator. reports may be nil, in which case skip rows
// are returned in the outcome but no file is persisted.
func New(client *bridge.Client, sup *supervisor.Supervisor, items ItemSource, reports *report.Store, outDir string) *Orchestrator {
	return &Orchestrator{
		client:  client,
		sup:     sup,
		items:   items,
		reports: reports,
		outDir:  outDir,
		log:     logging.Component("export"),
		now:     time.Now,
	}
}

// Export runs one export attempt end to end. The returned error is non-nil
// only for failures outside the outcome taxonomy (auth, configuration, item
// source); everything in the taxonomy is expressed through Outcome.Status.
func (o *Orchestrator) Export(ctx context.Context, req Request) (Outcome, error) {
	ctx, traceID := logging.EnsureTraceID(ctx, req.TraceID)
	log := logging.OperationLogger("export", traceID)
	rec := diag.NewRecorder()

	out, err := o.export(ctx, req, traceID, log, rec)
	out.TraceID = traceID
	if err == nil {
		if m := metrics.Get(); m != nil {
			m.IncExport(string(out.Status))
			m.AddExportedItems(float64(out.ExportedCount))
		}
		log.Info("export finished",
			"status", out.Status,
			"exported", out.ExportedCount,
			"missing", out.MissingCount,
			"report_rows", len(out.ReportRows),
		)
	}
	return out, err
}

func (o *Orchestrator) export(ctx context.Context, req Request, traceID string, log *slog.Logger, rec *diag.Recorder) (Outcome, error) {
	// Readiness gate. The export endpoint is never contacted unless the
	// bridge reported ready and export-capable.
	state, err := o.sup.EnsureReady(ctx, traceID, rec)
	if err != nil {
		var unavail *bridge.UnavailableError
		if errors.As(err, &unavail) {
			return Outcome{
				Status: StatusRetryLater,
				Detail: unavail.Error(),
			}, nil
		}
		return Outcome{}, err
	}
	if !state.ExportsAllowed() {
		return Outcome{
			Status: StatusRetryLater,
			Detail: "bridge is running headless and headless exports are not allowed",
		}, nil
	}

	items, err := o.items.ExportableItems(ctx, req.BomID)
	if err != nil {
		return Outcome{}, fmt.Errorf("collect line items for BOM %d: %w", req.BomID, err)
	}

	resolved, skipped := o.resolve(items, req.Overrides)
	compIDs, byCompID := dedupeFirstSeen(resolved)

	mdbName := JobName(req.MdbName, traceID, o.now())
	reportName := ReportName(mdbName)

	if len(compIDs) == 0 {
		// Nothing to send; the report is the whole result.
		log.Warn("no line items resolved to comp IDs", "candidates", len(items), "skipped", len(skipped))
		out := Outcome{
			Status:       StatusPartialSuccess,
			ReportRows:   skipped,
			ReportName:   reportName,
			MissingCount: len(skipped),
			Detail:       "no line items are linked to CE complexes",
		}
		return out, o.persistReport(ctx, reportName, out.ReportRows)
	}

	outDir := req.OutDir
	if outDir == "" {
		outDir = o.outDir
	}

	reply, err := o.client.ExportMDB(ctx, bridge.ExportRequest{
		CompIDs: compIDs,
		OutDir:  outDir,
		MdbName: mdbName,
	}, traceID)
	if err != nil {
		var netErr *bridge.NetworkError
		if errors.As(err, &netErr) {
			if m := metrics.Get(); m != nil {
				m.IncBridgeError("network")
			}
			// No report file for transient failures: a later retry must not
			// find a half-written artifact.
			return Outcome{
				Status: StatusRetryWithBackoff,
				Detail: netErr.Error(),
			}, nil
		}
		return Outcome{}, err
	}

	out := o.interpret(reply, compIDs, byCompID, skipped)
	out.ReportName = reportName
	if out.Status.Retryable() {
		return out, nil
	}
	return out, o.persistReport(ctx, reportName, out.ReportRows)
}

// resolve partitions exportable items into resolved (item, comp ID) pairs
// and skip rows, applying stored link then manual override.
func (o *Orchestrator) resolve(items []Item, overrides map[int]int) ([]resolvedItem, []report.Row) {
	var resolved []resolvedItem
	var skipped []report.Row
	for _, item := range items {
		if !item.Exportable() {
			continue
		}
		compID := item.LinkedCompID
		if compID <= 0 {
			compID = overrides[item.LineID]
		}
		if compID <= 0 {
			skipped = append(skipped, skipRow(item, 0, ReasonNotLinked))
			if m := metrics.Get(); m != nil {
				m.IncSkippedItem(ReasonNotLinked)
			}
			continue
		}
		resolved = append(resolved, resolvedItem{item: item, compID: compID})
	}
	return resolved, skipped
}

type resolvedItem struct {
	item   Item
	compID int
}

// dedupeFirstSeen produces the wire-order comp ID list: strictly positive,
// deduplicated, first occurrence wins. The index maps each comp ID back to
// the items that resolved to it.
func dedupeFirstSeen(resolved []resolvedItem) ([]int, map[int][]Item) {
	var ids []int
	index := make(map[int][]Item, len(resolved))
	for _, r := range resolved {
		if r.compID <= 0 {
			continue
		}
		if _, seen := index[r.compID]; !seen {
			ids = append(ids, r.compID)
		}
		index[r.compID] = append(index[r.compID], r.item)
	}
	return ids, index
}

// interpret maps the bridge reply onto the outcome taxonomy.
func (o *Orchestrator) interpret(reply bridge.ExportReply, compIDs []int, byCompID map[int][]Item, skipped []report.Row) Outcome {
	out := Outcome{
		Detail:     reply.Detail,
		ReportRows: skipped,
	}

	switch {
	case reply.Status == http.StatusOK:
		out.ExportPath = reply.ExportPath
		missing, unlinked := splitSkipIDs(reply.Missing, reply.Unlinked)
		out.ReportRows = append(out.ReportRows, rowsFor(byCompID, missing, ReasonNotFound)...)
		out.ReportRows = append(out.ReportRows, rowsFor(byCompID, unlinked, ReasonUnlinked)...)
		out.ExportedCount = exportedCount(reply, len(compIDs), len(missing)+len(unlinked))
		out.MissingCount = len(out.ReportRows)
		if len(out.ReportRows) == 0 {
			out.Status = StatusSuccess
		} else {
			out.Status = StatusPartialSuccess
		}

	case reply.Status == http.StatusNotFound && reply.Reason == "comp_ids_not_found":
		out.Status = StatusFailedInput
		// The whole batch was rejected: every submitted id is unknown to CE.
		out.ReportRows = append(out.ReportRows, rowsFor(byCompID, compIDs, ReasonNotFound)...)
		out.MissingCount = len(out.ReportRows)

	case reply.Status == http.StatusConflict && (reply.Reason == "empty_selection" || reply.Reason == "outdir_unwritable"):
		out.Status = StatusFailedInput
		out.MissingCount = len(out.ReportRows)

	case reply.Status == http.StatusConflict && reply.Reason == "template_missing_or_incompatible":
		out.Status = StatusFailedBackend
		out.MissingCount = len(out.ReportRows)

	case reply.Status == http.StatusServiceUnavailable && reply.Reason == "bridge_headless":
		out.Status = StatusRetryLater
		out.ReportRows = nil
		out.MissingCount = 0

	case reply.Status >= 500:
		out.Status = StatusFailedBackend
		out.MissingCount = len(out.ReportRows)

	default:
		out.Status = StatusFailedInput
		out.MissingCount = len(out.ReportRows)
	}

	if out.Detail == "" && reply.Reason != "" {
		out.Detail = reply.Reason
	}
	return out
}

func exportedCount(reply bridge.ExportReply, submitted, skipped int) int {
	if len(reply.ExportedCompIDs) > 0 {
		return len(reply.ExportedCompIDs)
	}
	n := submitted - skipped
	if n < 0 {
		n = 0
	}
	return n
}

// splitSkipIDs drops duplicates within and across the reply's missing and
// unlinked lists. An id named in both is reported once, as missing.
func splitSkipIDs(missing, unlinked []int) ([]int, []int) {
	seen := make(map[int]bool, len(missing)+len(unlinked))
	m := make([]int, 0, len(missing))
	for _, id := range missing {
		if !seen[id] {
			seen[id] = true
			m = append(m, id)
		}
	}
	u := make([]int, 0, len(unlinked))
	for _, id := range unlinked {
		if !seen[id] {
			seen[id] = true
			u = append(u, id)
		}
	}
	return m, u
}

// rowsFor expands a comp ID list from the reply back into per-item report
// rows. IDs the orchestrator never submitted are ignored.
func rowsFor(byCompID map[int][]Item, ids []int, reason string) []report.Row {
	var rows []report.Row
	for _, id := range ids {
		for _, item := range byCompID[id] {
			rows = append(rows, skipRow(item, id, reason))
			if m := metrics.Get(); m != nil {
				m.IncSkippedItem(reason)
			}
		}
	}
	return rows
}

func skipRow(item Item, compID int, reason string) report.Row {
	return report.Row{
		BomID:      item.BomID,
		LineID:     item.LineID,
		PartNumber: item.PartNumber,
		CompID:     compID,
		TestMethod: item.TestMethod,
		Status:     "skipped",
		Reason:     reason,
	}
}

func (o *Orchestrator) persistReport(ctx context.Context, name string, rows []report.Row) error {
	if o.reports == nil || len(rows) == 0 {
		return nil
	}
	if err := o.reports.Write(ctx, name, rows); err != nil {
		return fmt.Errorf("persist skip report: %w", err)
	}
	return nil
}
