// Package report persists the skip/failure CSV produced by an export run.
// The destination is a blob bucket so the same code serves a local export
// directory, S3, or GCS.
package report

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // local directory driver
	_ "gocloud.dev/blob/gcsblob"  // GCS driver
	_ "gocloud.dev/blob/s3blob"   // S3 driver

	"github.com/fabriqa/bom-ce-export/internal/logging"
)

// Columns is the fixed CSV header, in order.
var Columns = []string{"bom_id", "line_id", "part_number", "comp_id", "test_method", "status", "reason"}

// Row is one skipped, missing, or unlinked line item.
type Row struct {
	BomID      int
	LineID     int
	PartNumber string
	CompID     int // 0 when no external id was ever resolved
	TestMethod string
	Status     string
	Reason     string
}

// Store writes report files to a blob bucket.
type Store struct {
	bucket *blob.Bucket
}

// NewStore opens the report destination. rawURL is either a gocloud blob URL
// ("file:///var/exports", "s3://bucket?region=...") or a bare directory path,
// which is treated as a local bucket.
func NewStore(ctx context.Context, rawURL string) (*Store, error) {
	bucketURL, err := normalizeURL(rawURL)
	if err != nil {
		return nil, err
	}
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open report bucket %s: %w", bucketURL, err)
	}
	return &Store{bucket: bucket}, nil
}

// normalizeURL turns a bare or relative path into an absolute file:// URL
// and passes real bucket URLs through untouched.
func normalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("report destination is empty")
	}
	parsed, err := url.Parse(raw)
	if err == nil && parsed.Scheme != "" && parsed.Scheme != "file" {
		return raw, nil
	}

	path := raw
	if err == nil && parsed.Scheme == "file" {
		path = parsed.Host + parsed.Path
	}
	abs, absErr := filepath.Abs(path)
	if absErr != nil {
		return "", fmt.Errorf("resolve report dir %s: %w", path, absErr)
	}
	return "file://" + filepath.ToSlash(abs) + "?create_dir=1", nil
}

// Close releases the bucket.
func (s *Store) Close() error {
	return s.bucket.Close()
}

// Write renders rows as CSV and stores them under name. Writing zero rows is
// a no-op: a clean export leaves no report file behind.
func (s *Store) Write(ctx context.Context, name string, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}

	data, err := Render(rows)
	if err != nil {
		return err
	}

	w, err := s.bucket.NewWriter(ctx, name, &blob.WriterOptions{ContentType: "text/csv"})
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", name, err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("write report %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", name, err)
	}

	logging.Component("report").Info("skip report written", "name", name, "rows", len(rows))
	return nil
}

// Render produces the CSV bytes for rows, header included.
func Render(rows []Row) ([]byte, error) {
	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	if err := cw.Write(Columns); err != nil {
		return nil, fmt.Errorf("write report header: %w", err)
	}
	for _, row := range rows {
		compID := ""
		if row.CompID > 0 {
			compID = strconv.Itoa(row.CompID)
		}
		record := []string{
			strconv.Itoa(row.BomID),
			strconv.Itoa(row.LineID),
			row.PartNumber,
			compID,
			row.TestMethod,
			row.Status,
			row.Reason,
		}
		if err := cw.Write(record); err != nil {
			return nil, fmt.Errorf("write report row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return nil, fmt.Errorf("flush report: %w", err)
	}
	return buf.Bytes(), nil
}
