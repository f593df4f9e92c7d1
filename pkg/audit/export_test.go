package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/regtruth/regtruth/pkg/store"
)

var exportNow = time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

func newExporter(t *testing.T) (*Exporter, *store.Store) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	s := store.New(db)
	require.NoError(t, s.Init(context.Background()))
	s.Clock = func() time.Time { return exportNow }

	e := NewExporter(s.Audit)
	e.clock = func() time.Time { return exportNow }
	return e, s
}

func TestWriteJSONLStreamsOrderedEntries(t *testing.T) {
	e, s := newExporter(t)
	ctx := context.Background()

	s.Clock = func() time.Time { return exportNow.Add(-2 * time.Hour) }
	require.NoError(t, s.Audit.Append(ctx, store.AuditRuleCreated, "rule", "r1", "system",
		map[string]any{"conceptSlug": "vat-standard-rate"}))
	s.Clock = func() time.Time { return exportNow.Add(-time.Hour) }
	require.NoError(t, s.Audit.Append(ctx, store.AuditRuleApproved, "rule", "r1", "ana", nil))

	var buf bytes.Buffer
	n, err := e.WriteJSONL(ctx, &buf, ExportRequest{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	var first store.AuditEntry
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, store.AuditRuleCreated, first.Action)
	assert.Equal(t, "vat-standard-rate", first.Metadata["conceptSlug"])
}

func TestWriteJSONLHonorsRange(t *testing.T) {
	e, s := newExporter(t)
	ctx := context.Background()

	s.Clock = func() time.Time { return exportNow.Add(-48 * time.Hour) }
	require.NoError(t, s.Audit.Append(ctx, store.AuditRuleCreated, "rule", "old", "system", nil))
	s.Clock = func() time.Time { return exportNow.Add(-time.Hour) }
	require.NoError(t, s.Audit.Append(ctx, store.AuditRuleCreated, "rule", "new", "system", nil))

	var buf bytes.Buffer
	n, err := e.WriteJSONL(ctx, &buf, ExportRequest{Start: exportNow.Add(-24 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Contains(t, buf.String(), `"new"`)
}

func TestWriteJSONLRejectsInvertedRange(t *testing.T) {
	e, _ := newExporter(t)
	var buf bytes.Buffer
	_, err := e.WriteJSONL(context.Background(), &buf, ExportRequest{
		Start: exportNow, End: exportNow.Add(-time.Hour),
	})
	assert.ErrorIs(t, err, ErrInvalidTimeRange)
}

func TestGeneratePackContentsAndChecksum(t *testing.T) {
	e, s := newExporter(t)
	ctx := context.Background()
	s.Clock = func() time.Time { return exportNow.Add(-time.Hour) }
	require.NoError(t, s.Audit.Append(ctx, store.AuditReleasePublished, "release", "rel1", "system", nil))

	pack, checksum, err := e.GeneratePack(ctx, ExportRequest{})
	require.NoError(t, err)

	sum := sha256.Sum256(pack)
	assert.Equal(t, hex.EncodeToString(sum[:]), checksum)

	r, err := zip.NewReader(bytes.NewReader(pack), int64(len(pack)))
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range r.File {
		names[f.Name] = true
	}
	assert.True(t, names["events.jsonl"])
	assert.True(t, names["manifest.json"])
	assert.True(t, names["README.txt"])

	mf, err := r.Open("manifest.json")
	require.NoError(t, err)
	defer func() { _ = mf.Close() }()
	raw, err := io.ReadAll(mf)
	require.NoError(t, err)
	var manifest map[string]any
	require.NoError(t, json.Unmarshal(raw, &manifest))
	assert.Equal(t, float64(1), manifest["event_count"])
}

func TestExporterFailsClosedWithoutStore(t *testing.T) {
	e := NewExporter(nil)
	var buf bytes.Buffer
	_, err := e.WriteJSONL(context.Background(), &buf, ExportRequest{})
	assert.ErrorIs(t, err, ErrStoreNotConfigured)
}
