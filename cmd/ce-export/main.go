package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/fabriqa/bom-ce-export/internal/bridge"
	"github.com/fabriqa/bom-ce-export/internal/config"
	"github.com/fabriqa/bom-ce-export/internal/export"
	"github.com/fabriqa/bom-ce-export/internal/logging"
	"github.com/fabriqa/bom-ce-export/internal/metrics"
	"github.com/fabriqa/bom-ce-export/internal/report"
	"github.com/fabriqa/bom-ce-export/internal/supervisor"
)

// Version is set at build time.
var Version = "dev"

// itemsFile is the on-disk stand-in for the BOM data model: the line items
// of one BOM plus optional manual comp-ID overrides keyed by line ID.
type itemsFile struct {
	BomID     int            `json:"bom_id"`
	Items     []export.Item  `json:"items"`
	Overrides map[string]int `json:"overrides"`
}

type fileItemSource struct {
	items []export.Item
}

func (f fileItemSource) ExportableItems(ctx context.Context, bomID int) ([]export.Item, error) {
	return f.items, nil
}

func main() {
	var (
		settingsPath = flag.String("settings", "settings.yaml", "path to settings file")
		itemsPath    = flag.String("items", "", "path to the line-items JSON file (required)")
		outDir       = flag.String("out", "", "override the export output directory")
		mdbName      = flag.String("name", "", "requested .mdb artifact name (default: generated)")
		traceID      = flag.String("trace", "", "trace ID to use (default: generated)")
		noRetry      = flag.Bool("no-retry", false, "do not retry transient failures with backoff")
	)
	flag.Parse()

	if *itemsPath == "" {
		fmt.Fprintln(os.Stderr, "usage: ce-export -items <file.json> [-settings settings.yaml] [-out dir] [-name job.mdb]")
		os.Exit(1)
	}

	cfg, err := config.Load(*settingsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ce-export: %v\n", err)
		os.Exit(1)
	}

	logging.Setup(logging.Config{Format: cfg.Logging.Format, Level: cfg.Logging.Level})
	slog.Info("ce-export starting", "version", Version)

	if cfg.Metrics.Enabled {
		metrics.Init("ce_export")
		go func() {
			if err := metrics.StartServer(cfg.Metrics.Address); err != nil {
				slog.Error("metrics server exited", "error", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, cfg, *itemsPath, *outDir, *mdbName, *traceID, !*noRetry))
}

func run(ctx context.Context, cfg config.Config, itemsPath, outDir, mdbName, traceID string, retry bool) int {
	ctx, traceID = logging.EnsureTraceID(ctx, traceID)

	src, bomID, overrides, err := loadItems(itemsPath)
	if err != nil {
		slog.Error("load line items", "error", err)
		return 1
	}

	conn, err := cfg.Connection()
	if err != nil {
		slog.Error("resolve bridge connection", "error", err)
		return 1
	}

	reports, err := report.NewStore(ctx, cfg.Export.ReportURL)
	if err != nil {
		slog.Error("open report store", "error", err)
		return 1
	}
	defer reports.Close()

	client := bridge.NewClient(conn)
	sup := supervisor.New(cfg.Bridge, client)
	orch := export.New(client, sup, src, reports, cfg.Export.OutDir)
	defer sup.Shutdown(context.Background(), traceID)

	req := export.Request{
		BomID:     bomID,
		OutDir:    outDir,
		MdbName:   mdbName,
		Overrides: overrides,
		TraceID:   traceID,
	}

	var out export.Outcome
	if retry {
		out, err = orch.ExportWithRetry(ctx, req)
	} else {
		out, err = orch.Export(ctx, req)
	}
	if err != nil {
		var authErr *bridge.AuthError
		var cfgErr *config.Error
		switch {
		case errors.As(err, &authErr):
			slog.Error("bridge rejected credentials", "error", err, "trace_id", authErr.TraceID)
		case errors.As(err, &cfgErr):
			slog.Error("configuration invalid", "error", err)
		default:
			slog.Error("export failed", "error", err)
		}
		return 1
	}

	printOutcome(out)

	switch out.Status {
	case export.StatusSuccess, export.StatusPartialSuccess:
		return 0
	case export.StatusFailedInput:
		return 2
	case export.StatusFailedBackend:
		return 3
	default: // RETRY_LATER / RETRY_WITH_BACKOFF
		return 4
	}
}

func loadItems(path string) (export.ItemSource, int, map[int]int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("read %s: %w", path, err)
	}
	var file itemsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, 0, nil, fmt.Errorf("parse %s: %w", path, err)
	}

	overrides := make(map[int]int, len(file.Overrides))
	for lineID, compID := range file.Overrides {
		id, err := strconv.Atoi(lineID)
		if err != nil {
			return nil, 0, nil, fmt.Errorf("override key %q is not a line ID", lineID)
		}
		overrides[id] = compID
	}
	return fileItemSource{items: file.Items}, file.BomID, overrides, nil
}

func printOutcome(out export.Outcome) {
	encoded, err := json.MarshalIndent(map[string]any{
		"status":         out.Status,
		"export_path":    out.ExportPath,
		"exported_count": out.ExportedCount,
		"missing_count":  out.MissingCount,
		"report_name":    out.ReportName,
		"report_rows":    len(out.ReportRows),
		"detail":         out.Detail,
		"trace_id":       out.TraceID,
	}, "", "  ")
	if err != nil {
		slog.Error("encode outcome", "error", err)
		return
	}
	fmt.Println(string(encoded))
}
