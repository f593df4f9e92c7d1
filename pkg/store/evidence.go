package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/regtruth/regtruth/pkg/model"
)

// SourceStore persists the registered regulatory sources.
type SourceStore struct{ s *Store }

func (r *SourceStore) Upsert(ctx context.Context, src *model.Source) error {
	if src.ID == "" {
		src.ID = uuid.New().String()
	}
	if src.CreatedAt.IsZero() {
		src.CreatedAt = r.s.Clock()
	}
	domains, err := json.Marshal(src.ExpectedDomains)
	if err != nil {
		return fmt.Errorf("store: marshal expected domains: %w", err)
	}
	_, err = r.s.db.ExecContext(ctx, `
		INSERT INTO sources (id, slug, name, url, authority, expected_domains, fetch_interval_ms, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (slug) DO UPDATE SET
			name = EXCLUDED.name, url = EXCLUDED.url, authority = EXCLUDED.authority,
			expected_domains = EXCLUDED.expected_domains,
			fetch_interval_ms = EXCLUDED.fetch_interval_ms, active = EXCLUDED.active`,
		src.ID, src.Slug, src.Name, src.URL, src.Authority, string(domains),
		src.FetchIntervalMs, boolInt(src.Active), src.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: upsert source %s: %w", src.Slug, err)
	}
	return nil
}

func (r *SourceStore) Get(ctx context.Context, id string) (*model.Source, error) {
	return r.scanOne(r.s.db.QueryRowContext(ctx, sourceSelect+` WHERE id = $1`, id))
}

func (r *SourceStore) GetBySlug(ctx context.Context, slug string) (*model.Source, error) {
	return r.scanOne(r.s.db.QueryRowContext(ctx, sourceSelect+` WHERE slug = $1`, slug))
}

func (r *SourceStore) ListActive(ctx context.Context) ([]*model.Source, error) {
	rows, err := r.s.db.QueryContext(ctx, sourceSelect+` WHERE active = 1 ORDER BY slug`)
	if err != nil {
		return nil, fmt.Errorf("store: list sources: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Source
	for rows.Next() {
		src, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

const sourceSelect = `
	SELECT id, slug, name, url, authority, expected_domains, fetch_interval_ms, active, created_at
	FROM sources`

type rowScanner interface{ Scan(dest ...any) error }

func (r *SourceStore) scanOne(row *sql.Row) (*model.Source, error) {
	src, err := r.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return src, err
}

func (r *SourceStore) scan(row rowScanner) (*model.Source, error) {
	var src model.Source
	var domains string
	var active int
	err := row.Scan(&src.ID, &src.Slug, &src.Name, &src.URL, &src.Authority,
		&domains, &src.FetchIntervalMs, &active, &src.CreatedAt)
	if err != nil {
		return nil, err
	}
	src.Active = active != 0
	if err := json.Unmarshal([]byte(domains), &src.ExpectedDomains); err != nil {
		return nil, fmt.Errorf("store: decode expected domains for %s: %w", src.Slug, err)
	}
	return &src, nil
}

// EvidenceStore persists captured snapshots. Rows are append-only; the only
// mutation is the has_changed flag on an identical re-fetch.
type EvidenceStore struct{ s *Store }

// Insert stores a new snapshot. When an Evidence with the same source and
// content hash already exists, no new row is created: the existing row is
// returned with HasChanged forced to false.
func (r *EvidenceStore) Insert(ctx context.Context, e *model.Evidence) (*model.Evidence, bool, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.FetchedAt.IsZero() {
		e.FetchedAt = r.s.Clock()
	}

	existing, err := r.getBySourceHash(ctx, e.SourceID, e.ContentHash)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}
	if existing != nil {
		if existing.HasChanged {
			_, err := r.s.db.ExecContext(ctx,
				`UPDATE evidence SET has_changed = 0 WHERE id = $1`, existing.ID)
			if err != nil {
				return nil, false, fmt.Errorf("store: mark evidence unchanged: %w", err)
			}
			existing.HasChanged = false
		}
		return existing, false, nil
	}

	e.HasChanged = true
	_, err = r.s.db.ExecContext(ctx, `
		INSERT INTO evidence (id, source_id, url, content_type, content_class, raw_bytes, cleaned_text, content_hash, fetched_at, has_changed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1)`,
		e.ID, e.SourceID, e.URL, e.ContentType, e.ContentClass, e.RawBytes,
		e.CleanedText, e.ContentHash, e.FetchedAt)
	if err != nil {
		return nil, false, fmt.Errorf("store: insert evidence: %w", err)
	}
	return e, true, nil
}

func (r *EvidenceStore) Get(ctx context.Context, id string) (*model.Evidence, error) {
	row := r.s.db.QueryRowContext(ctx, evidenceSelect+` WHERE id = $1`, id)
	e, err := scanEvidence(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func (r *EvidenceStore) getBySourceHash(ctx context.Context, sourceID, hash string) (*model.Evidence, error) {
	row := r.s.db.QueryRowContext(ctx,
		evidenceSelect+` WHERE source_id = $1 AND content_hash = $2`, sourceID, hash)
	e, err := scanEvidence(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

const evidenceSelect = `
	SELECT id, source_id, url, content_type, content_class, raw_bytes,
	       COALESCE(cleaned_text, ''), content_hash, fetched_at, has_changed
	FROM evidence`

func scanEvidence(row rowScanner) (*model.Evidence, error) {
	var e model.Evidence
	var changed int
	err := row.Scan(&e.ID, &e.SourceID, &e.URL, &e.ContentType, &e.ContentClass,
		&e.RawBytes, &e.CleanedText, &e.ContentHash, &e.FetchedAt, &changed)
	if err != nil {
		return nil, err
	}
	e.HasChanged = changed != 0
	return &e, nil
}

// AddArtifact appends an extracted-text representation.
func (r *EvidenceStore) AddArtifact(ctx context.Context, a *model.EvidenceArtifact) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = r.s.Clock()
	}
	_, err := r.s.db.ExecContext(ctx, `
		INSERT INTO evidence_artifacts (id, evidence_id, kind, text, hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.EvidenceID, a.Kind, a.Text, a.Hash, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: add artifact: %w", err)
	}
	return nil
}

// Artifact returns the newest artifact of the given kind, or ErrNotFound.
func (r *EvidenceStore) Artifact(ctx context.Context, evidenceID, kind string) (*model.EvidenceArtifact, error) {
	row := r.s.db.QueryRowContext(ctx, `
		SELECT id, evidence_id, kind, text, hash, created_at
		FROM evidence_artifacts
		WHERE evidence_id = $1 AND kind = $2
		ORDER BY created_at DESC LIMIT 1`, evidenceID, kind)

	var a model.EvidenceArtifact
	err := row.Scan(&a.ID, &a.EvidenceID, &a.Kind, &a.Text, &a.Hash, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: load artifact: %w", err)
	}
	return &a, nil
}

// ListUnextracted returns up to limit Evidence rows with no CandidateFacts
// linked to them. The fact_evidence join table is the single canonical
// backing store for this question.
func (r *EvidenceStore) ListUnextracted(ctx context.Context, limit int) ([]*model.Evidence, error) {
	rows, err := r.s.db.QueryContext(ctx, evidenceSelect+`
		WHERE id NOT IN (SELECT evidence_id FROM fact_evidence)
		ORDER BY fetched_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list unextracted: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Evidence
	for rows.Next() {
		e, err := scanEvidence(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LastFetchBySource maps source id to its newest evidence timestamp; the
// watchdog's stale-source monitor reads it.
func (r *EvidenceStore) LastFetchBySource(ctx context.Context) (map[string]time.Time, error) {
	rows, err := r.s.db.QueryContext(ctx,
		`SELECT source_id, MAX(fetched_at) FROM evidence GROUP BY source_id`)
	if err != nil {
		return nil, fmt.Errorf("store: last fetch by source: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]time.Time)
	for rows.Next() {
		var id string
		var ts time.Time
		if err := rows.Scan(&id, &ts); err != nil {
			return nil, err
		}
		out[id] = ts
	}
	return out, rows.Err()
}

// EmptyContentRate is the fraction of evidence fetched in the window whose
// raw bytes are empty. The watchdog's scraper-failure monitor reads it.
func (r *EvidenceStore) EmptyContentRate(ctx context.Context, since time.Time) (float64, error) {
	var total, empty int
	err := r.s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(CASE WHEN raw_bytes IS NULL OR LENGTH(raw_bytes) = 0 THEN 1 END)
		FROM evidence WHERE fetched_at >= $1`, since).Scan(&total, &empty)
	if err != nil {
		return 0, fmt.Errorf("store: empty content rate: %w", err)
	}
	if total == 0 {
		return 0, nil
	}
	return float64(empty) / float64(total), nil
}

// StalledSinceFetch counts evidence fetched before the cutoff that still
// has no CandidateFacts, the first inter-stage progress gate.
func (r *EvidenceStore) StalledSinceFetch(ctx context.Context, cutoff time.Time) (int, error) {
	var n int
	err := r.s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM evidence
		WHERE fetched_at < $1 AND has_changed = 1
		  AND id NOT IN (SELECT evidence_id FROM fact_evidence)`, cutoff).Scan(&n)
	return n, err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
