// Package store is the persistence boundary of the pipeline. One relational
// database holds every entity; all components interact through the typed
// repositories here. Postgres backs production (lib/pq), SQLite backs tests
// and single-node runs (modernc.org/sqlite), both through database/sql
// with $N placeholders.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when an entity does not exist.
var ErrNotFound = errors.New("store: not found")

// Store bundles the repositories over one database handle.
type Store struct {
	db    *sql.DB
	Clock func() time.Time

	Sources   *SourceStore
	Evidence  *EvidenceStore
	Facts     *FactStore
	Rules     *RuleStore
	Conflicts *ConflictStore
	Releases  *ReleaseStore
	AgentRuns *AgentRunStore
	Audit     *AuditLogStore
	Outcomes  *OutcomeStore
	Alerts    *AlertStore
}

// New wraps an open database handle. Call Init to create the schema.
func New(db *sql.DB) *Store {
	s := &Store{db: db, Clock: time.Now}
	s.Sources = &SourceStore{s}
	s.Evidence = &EvidenceStore{s}
	s.Facts = &FactStore{s}
	s.Rules = &RuleStore{s}
	s.Conflicts = &ConflictStore{s}
	s.Releases = &ReleaseStore{s}
	s.AgentRuns = &AgentRunStore{s}
	s.Audit = &AuditLogStore{s}
	s.Outcomes = &OutcomeStore{s}
	s.Alerts = &AlertStore{s}
	return s
}

// DB exposes the underlying handle for adapters that share the database,
// such as the SQL queue.
func (s *Store) DB() *sql.DB { return s.db }

// Init creates all tables.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store: init schema: %w", err)
	}
	return nil
}

// withTx runs fn inside a transaction at the given isolation level,
// committing on nil and rolling back otherwise.
func (s *Store) withTx(ctx context.Context, iso sql.IsolationLevel, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: iso})
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

const schema = `
CREATE TABLE IF NOT EXISTS sources (
	id TEXT PRIMARY KEY,
	slug TEXT UNIQUE NOT NULL,
	name TEXT NOT NULL,
	url TEXT NOT NULL,
	authority TEXT NOT NULL,
	expected_domains TEXT NOT NULL DEFAULT '[]',
	fetch_interval_ms INTEGER NOT NULL DEFAULT 3600000,
	active INTEGER NOT NULL DEFAULT 1,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS evidence (
	id TEXT PRIMARY KEY,
	source_id TEXT NOT NULL,
	url TEXT NOT NULL,
	content_type TEXT NOT NULL,
	content_class TEXT NOT NULL,
	raw_bytes BLOB,
	cleaned_text TEXT,
	content_hash TEXT NOT NULL,
	fetched_at TIMESTAMP NOT NULL,
	has_changed INTEGER NOT NULL DEFAULT 1
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_evidence_source_hash ON evidence (source_id, content_hash);

CREATE TABLE IF NOT EXISTS evidence_artifacts (
	id TEXT PRIMARY KEY,
	evidence_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	text TEXT NOT NULL,
	hash TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS candidate_facts (
	id TEXT PRIMARY KEY,
	domain TEXT NOT NULL,
	value_type TEXT NOT NULL,
	extracted_value TEXT NOT NULL,
	grounding_quotes TEXT NOT NULL,
	value_confidence REAL NOT NULL,
	overall_confidence REAL NOT NULL,
	status TEXT NOT NULL,
	promotion_candidate INTEGER NOT NULL DEFAULT 0,
	extraction_notes TEXT,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS fact_evidence (
	fact_id TEXT NOT NULL,
	evidence_id TEXT NOT NULL,
	PRIMARY KEY (fact_id, evidence_id)
);

CREATE TABLE IF NOT EXISTS rejected_extractions (
	id TEXT PRIMARY KEY,
	evidence_id TEXT NOT NULL,
	reason TEXT NOT NULL,
	domain TEXT,
	raw_output TEXT,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS concepts (
	slug TEXT PRIMARY KEY,
	title_hr TEXT,
	title_en TEXT,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS rules (
	id TEXT PRIMARY KEY,
	concept_slug TEXT NOT NULL,
	title_hr TEXT,
	title_en TEXT,
	risk_tier TEXT NOT NULL,
	authority_level TEXT NOT NULL,
	applies_when TEXT NOT NULL,
	value TEXT NOT NULL,
	value_type TEXT NOT NULL,
	explanation_hr TEXT,
	explanation_en TEXT,
	effective_from TIMESTAMP NOT NULL,
	effective_until TIMESTAMP,
	supersedes_id TEXT,
	status TEXT NOT NULL,
	confidence REAL NOT NULL,
	approved_by TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS rule_facts (
	rule_id TEXT NOT NULL,
	fact_id TEXT NOT NULL,
	PRIMARY KEY (rule_id, fact_id)
);

CREATE TABLE IF NOT EXISTS rule_amends (
	rule_id TEXT NOT NULL,
	supersedes_rule_id TEXT NOT NULL,
	PRIMARY KEY (rule_id, supersedes_rule_id)
);

CREATE TABLE IF NOT EXISTS conflicts (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	item_a_id TEXT,
	item_b_id TEXT,
	status TEXT NOT NULL,
	description TEXT,
	metadata TEXT,
	created_at TIMESTAMP NOT NULL,
	resolved_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS releases (
	id TEXT PRIMARY KEY,
	version TEXT UNIQUE NOT NULL,
	release_type TEXT NOT NULL,
	released_at TIMESTAMP NOT NULL,
	effective_from TIMESTAMP NOT NULL,
	content_hash TEXT NOT NULL,
	changelog TEXT,
	approved_by TEXT NOT NULL DEFAULT '[]',
	audit_trail TEXT NOT NULL DEFAULT '{}',
	rolled_back INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS release_rules (
	release_id TEXT NOT NULL,
	rule_id TEXT NOT NULL,
	PRIMARY KEY (release_id, rule_id)
);

CREATE TABLE IF NOT EXISTS agent_runs (
	id TEXT PRIMARY KEY,
	agent_type TEXT NOT NULL,
	status TEXT NOT NULL,
	input TEXT,
	output TEXT,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	confidence REAL,
	tokens_used INTEGER NOT NULL DEFAULT 0,
	error TEXT,
	run_id TEXT,
	job_id TEXT,
	parent_job_id TEXT,
	source_slug TEXT,
	queue_name TEXT,
	started_at TIMESTAMP NOT NULL,
	completed_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS audit_log (
	id TEXT PRIMARY KEY,
	action TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	performed_by TEXT,
	metadata TEXT,
	performed_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS job_outcomes (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL,
	queue TEXT NOT NULL,
	outcome TEXT NOT NULL,
	items_produced INTEGER NOT NULL DEFAULT 0,
	no_change_code TEXT,
	detail TEXT,
	recorded_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS alerts (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	entity_id TEXT NOT NULL DEFAULT '',
	severity TEXT NOT NULL,
	message TEXT NOT NULL,
	occurrences INTEGER NOT NULL DEFAULT 1,
	metadata TEXT,
	first_seen TIMESTAMP NOT NULL,
	last_seen TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alerts_type_entity ON alerts (type, entity_id, last_seen);
`
