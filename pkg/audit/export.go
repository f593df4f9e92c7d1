// Package audit exports the append-only audit log for external review:
// plain JSONL streams and checksummed zip evidence packs.
package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/regtruth/regtruth/pkg/store"
)

var (
	// ErrInvalidTimeRange is returned when the range start is not before its end.
	ErrInvalidTimeRange = errors.New("audit: start must be before end")
	// ErrStoreNotConfigured is returned when export is invoked without a
	// backing store (fail closed).
	ErrStoreNotConfigured = errors.New("audit: store not configured")
)

// ExportRequest bounds an export. Zero times are open-ended.
type ExportRequest struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Exporter reads the audit log and renders evidence artifacts.
type Exporter struct {
	audit *store.AuditLogStore
	clock func() time.Time
}

func NewExporter(audit *store.AuditLogStore) *Exporter {
	return &Exporter{audit: audit, clock: time.Now}
}

func (e *Exporter) load(ctx context.Context, req ExportRequest) ([]*store.AuditEntry, error) {
	if e.audit == nil {
		return nil, ErrStoreNotConfigured
	}
	if !req.Start.IsZero() && !req.End.IsZero() && !req.Start.Before(req.End) {
		return nil, ErrInvalidTimeRange
	}
	start := req.Start
	end := req.End
	if end.IsZero() {
		end = e.clock()
	}
	return e.audit.ListRange(ctx, start, end)
}

// WriteJSONL streams the entries in the range as one JSON object per
// line, ordered by performedAt, and returns the entry count.
func (e *Exporter) WriteJSONL(ctx context.Context, w io.Writer, req ExportRequest) (int, error) {
	entries, err := e.load(ctx, req)
	if err != nil {
		return 0, err
	}
	enc := json.NewEncoder(w)
	for _, entry := range entries {
		if err := enc.Encode(entry); err != nil {
			return 0, fmt.Errorf("audit: encode entry %s: %w", entry.ID, err)
		}
	}
	return len(entries), nil
}

// GeneratePack builds a zip with the JSONL events, a manifest, and a
// README, returning the archive and its sha256 checksum.
func (e *Exporter) GeneratePack(ctx context.Context, req ExportRequest) ([]byte, string, error) {
	var events bytes.Buffer
	count, err := e.WriteJSONL(ctx, &events, req)
	if err != nil {
		return nil, "", err
	}

	generatedAt := e.clock()
	manifest := map[string]any{
		"generated_at": generatedAt,
		"event_count":  count,
		"period": map[string]any{
			"start": req.Start,
			"end":   req.End,
		},
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("audit: marshal manifest: %w", err)
	}

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)
	files := []struct {
		name string
		body []byte
	}{
		{"events.jsonl", events.Bytes()},
		{"manifest.json", manifestJSON},
		{"README.txt", []byte(fmt.Sprintf("Audit evidence pack\nGenerated at %s\nEvents: %d\n",
			generatedAt.Format(time.RFC3339), count))},
	}
	for _, file := range files {
		f, err := w.Create(file.name)
		if err != nil {
			return nil, "", fmt.Errorf("audit: create %s: %w", file.name, err)
		}
		if _, err := f.Write(file.body); err != nil {
			return nil, "", fmt.Errorf("audit: write %s: %w", file.name, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("audit: close archive: %w", err)
	}

	zipBytes := buf.Bytes()
	hash := sha256.Sum256(zipBytes)
	return zipBytes, hex.EncodeToString(hash[:]), nil
}
