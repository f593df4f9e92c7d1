// Package model defines the core entities of the regulatory-truth pipeline:
// Evidence captured from external sources, CandidateFacts extracted from it,
// Rules composed from facts, Conflicts between them, and immutable Releases.
// Persistence lives in pkg/store; this package owns the vocabulary and the
// lifecycle guards.
package model

import (
	"time"
)

// ContentType classifies the raw payload of an Evidence row.
type ContentType string

const (
	ContentHTML  ContentType = "html"
	ContentPDF   ContentType = "pdf"
	ContentJSON  ContentType = "json"
	ContentXML   ContentType = "xml"
	ContentDOCX  ContentType = "docx"
	ContentOther ContentType = "other"
)

// ContentClass refines ContentType with how the payload must be processed.
type ContentClass string

const (
	ClassHTML       ContentClass = "HTML"
	ClassPDFText    ContentClass = "PDF_TEXT"
	ClassPDFScanned ContentClass = "PDF_SCANNED"
	ClassJSON       ContentClass = "JSON"
	ClassXML        ContentClass = "XML"
	ClassDOCX       ContentClass = "DOCX"
	ClassUnknown    ContentClass = "UNKNOWN"
)

// AuthorityLevel is the hierarchy tier of a regulatory source.
// Higher Rank() means more authoritative.
type AuthorityLevel string

const (
	AuthorityConstitution AuthorityLevel = "CONSTITUTION"
	AuthorityLaw          AuthorityLevel = "LAW"
	AuthorityRegulation   AuthorityLevel = "REGULATION"
	AuthorityGuidance     AuthorityLevel = "GUIDANCE"
	AuthorityUnknown      AuthorityLevel = "UNKNOWN"
)

// Rank orders authority levels; unknown ranks lowest.
func (a AuthorityLevel) Rank() int {
	switch a {
	case AuthorityConstitution:
		return 4
	case AuthorityLaw:
		return 3
	case AuthorityRegulation:
		return 2
	case AuthorityGuidance:
		return 1
	default:
		return 0
	}
}

// IsLawGrade reports whether the level satisfies the single-source
// evidence-strength policy (the two top hierarchy tiers).
func (a AuthorityLevel) IsLawGrade() bool {
	return a == AuthorityConstitution || a == AuthorityLaw
}

// Source is a registered external regulatory source.
type Source struct {
	ID              string         `json:"id"`
	Slug            string         `json:"slug"`
	Name            string         `json:"name"`
	URL             string         `json:"url"`
	Authority       AuthorityLevel `json:"authority"`
	ExpectedDomains []string       `json:"expected_domains"`
	FetchIntervalMs int64          `json:"fetch_interval_ms"`
	Active          bool           `json:"active"`
	CreatedAt       time.Time      `json:"created_at"`
}

// Evidence is an immutable captured snapshot of external content.
// ContentHash is computed over the canonicalized raw bytes plus the content
// type and never changes once written; re-fetches that hash identically do
// not create a new row.
type Evidence struct {
	ID           string       `json:"id"`
	SourceID     string       `json:"source_id"`
	URL          string       `json:"url"`
	ContentType  ContentType  `json:"content_type"`
	ContentClass ContentClass `json:"content_class"`
	RawBytes     []byte       `json:"-"`
	CleanedText  string       `json:"cleaned_text,omitempty"`
	ContentHash  string       `json:"content_hash"`
	FetchedAt    time.Time    `json:"fetched_at"`
	HasChanged   bool         `json:"has_changed"`
}

// EvidenceArtifact is an extracted-text representation of an Evidence row
// (e.g. OCR output for a scanned PDF). Append-only.
type EvidenceArtifact struct {
	ID         string    `json:"id"`
	EvidenceID string    `json:"evidence_id"`
	Kind       string    `json:"kind"` // "cleaned_text", "ocr_text", "pdf_text"
	Text       string    `json:"text"`
	Hash       string    `json:"hash"`
	CreatedAt  time.Time `json:"created_at"`
}

// ValueType classifies an extracted value.
type ValueType string

const (
	ValueCurrency   ValueType = "currency"
	ValuePercentage ValueType = "percentage"
	ValueDate       ValueType = "date"
	ValueThreshold  ValueType = "threshold"
	ValueText       ValueType = "text"
)

// FactStatus is the lifecycle state of a CandidateFact.
type FactStatus string

const (
	FactCaptured FactStatus = "CAPTURED"
	FactReviewed FactStatus = "REVIEWED"
	FactPromoted FactStatus = "PROMOTED"
	FactRejected FactStatus = "REJECTED"
)

// GroundingQuote anchors an extracted value to a verbatim span of Evidence
// text. Text and contexts are stored in normalized-quote form.
type GroundingQuote struct {
	Text          string `json:"text"`
	ContextBefore string `json:"context_before,omitempty"`
	ContextAfter  string `json:"context_after,omitempty"`
	EvidenceID    string `json:"evidence_id"`
	ArticleNumber string `json:"article_number,omitempty"`
	LawReference  string `json:"law_reference,omitempty"`
}

// CandidateFact is a single typed extraction with grounding quotes into
// Evidence. Legacy name: SourcePointer.
type CandidateFact struct {
	ID                 string           `json:"id"`
	Domain             string           `json:"domain"`
	ValueType          ValueType        `json:"value_type"`
	ExtractedValue     string           `json:"extracted_value"`
	GroundingQuotes    []GroundingQuote `json:"grounding_quotes"`
	ValueConfidence    float64          `json:"value_confidence"`
	OverallConfidence  float64          `json:"overall_confidence"`
	Status             FactStatus       `json:"status"`
	PromotionCandidate bool             `json:"promotion_candidate"`
	ExtractionNotes    string           `json:"extraction_notes,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
}

// RejectedExtraction is a dead-lettered extractor output kept for analysis.
type RejectedExtraction struct {
	ID         string    `json:"id"`
	EvidenceID string    `json:"evidence_id"`
	Reason     string    `json:"reason"` // INVALID_DOMAIN, OUT_OF_RANGE, ...
	Domain     string    `json:"domain,omitempty"`
	RawOutput  string    `json:"raw_output"`
	CreatedAt  time.Time `json:"created_at"`
}

// Rejection reason codes written by the extractor's deterministic validators.
const (
	RejectInvalidDomain    = "INVALID_DOMAIN"
	RejectOutOfRange       = "OUT_OF_RANGE"
	RejectInvalidCurrency  = "INVALID_CURRENCY"
	RejectInvalidDate      = "INVALID_DATE"
	RejectNoQuoteMatch     = "NO_QUOTE_MATCH"
	RejectValidationFailed = "VALIDATION_FAILED"
)

// RiskTier controls release type, approval requirements, and quote-match
// strictness. T0 is critical, T3 is low.
type RiskTier string

const (
	TierT0 RiskTier = "T0"
	TierT1 RiskTier = "T1"
	TierT2 RiskTier = "T2"
	TierT3 RiskTier = "T3"
)

// IsCritical reports whether the tier requires a human approver before
// publication.
func (t RiskTier) IsCritical() bool { return t == TierT0 || t == TierT1 }

// RuleStatus is the lifecycle state of a Rule.
type RuleStatus string

const (
	RuleDraft      RuleStatus = "DRAFT"
	RuleApproved   RuleStatus = "APPROVED"
	RulePublished  RuleStatus = "PUBLISHED"
	RuleDeprecated RuleStatus = "DEPRECATED"
	RuleRejected   RuleStatus = "REJECTED"
)

// Rule is a versioned, concept-tagged regulatory statement.
type Rule struct {
	ID             string         `json:"id"`
	ConceptSlug    string         `json:"concept_slug"`
	TitleHr        string         `json:"title_hr"`
	TitleEn        string         `json:"title_en"`
	RiskTier       RiskTier       `json:"risk_tier"`
	AuthorityLevel AuthorityLevel `json:"authority_level"`
	AppliesWhen    map[string]any `json:"applies_when"`
	Value          string         `json:"value"`
	ValueType      ValueType      `json:"value_type"`
	ExplanationHr  string         `json:"explanation_hr,omitempty"`
	ExplanationEn  string         `json:"explanation_en,omitempty"`
	EffectiveFrom  time.Time      `json:"effective_from"`
	EffectiveUntil *time.Time     `json:"effective_until,omitempty"`
	SupersedesID   string         `json:"supersedes_id,omitempty"`
	Status         RuleStatus     `json:"status"`
	Confidence     float64        `json:"confidence"`
	ApprovedBy     string         `json:"approved_by,omitempty"`
	BackingFactIDs []string       `json:"backing_fact_ids"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Concept is the domain anchor a rule attaches to.
type Concept struct {
	Slug      string    `json:"slug"`
	TitleHr   string    `json:"title_hr,omitempty"`
	TitleEn   string    `json:"title_en,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ConflictType classifies a detected conflict.
type ConflictType string

const (
	ConflictSource    ConflictType = "SOURCE_CONFLICT"
	ConflictRule      ConflictType = "RULE_CONFLICT"
	ConflictAuthority ConflictType = "AUTHORITY_CONFLICT"
)

// ConflictStatus is the lifecycle state of a Conflict.
type ConflictStatus string

const (
	ConflictOpen      ConflictStatus = "OPEN"
	ConflictResolved  ConflictStatus = "RESOLVED"
	ConflictDismissed ConflictStatus = "DISMISSED"
)

// Conflict records a contradiction between sources or rules. For
// SOURCE_CONFLICT the item ids are empty and the conflicting CandidateFact
// ids live in Metadata under "conflictingPointerIds".
type Conflict struct {
	ID          string         `json:"id"`
	Type        ConflictType   `json:"type"`
	ItemAID     string         `json:"item_a_id,omitempty"`
	ItemBID     string         `json:"item_b_id,omitempty"`
	Status      ConflictStatus `json:"status"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	ResolvedAt  *time.Time     `json:"resolved_at,omitempty"`
}

// ReleaseType is the derived semver bump class of a Release.
type ReleaseType string

const (
	ReleaseMajor ReleaseType = "major"
	ReleaseMinor ReleaseType = "minor"
	ReleasePatch ReleaseType = "patch"
)

// AuditTrail summarizes the provenance counts baked into a Release row.
type AuditTrail struct {
	SourceEvidenceCount int `json:"source_evidence_count"`
	SourcePointerCount  int `json:"source_pointer_count"`
	ReviewCount         int `json:"review_count"`
	HumanApprovals      int `json:"human_approvals"`
}

// Release is an immutable, semver-tagged, content-hashed collection of
// published Rules. Version is strictly increasing by ReleasedAt.
type Release struct {
	ID            string      `json:"id"`
	Version       string      `json:"version"`
	ReleaseType   ReleaseType `json:"release_type"`
	ReleasedAt    time.Time   `json:"released_at"`
	EffectiveFrom time.Time   `json:"effective_from"`
	ContentHash   string      `json:"content_hash"`
	Changelog     string      `json:"changelog,omitempty"`
	ApprovedBy    []string    `json:"approved_by"`
	AuditTrail    AuditTrail  `json:"audit_trail"`
	RuleIDs       []string    `json:"rule_ids"`
	RolledBack    bool        `json:"rolled_back"`
}

// AgentRunStatus is the lifecycle state of an AgentRun row.
type AgentRunStatus string

const (
	RunRunning   AgentRunStatus = "running"
	RunCompleted AgentRunStatus = "completed"
	RunFailed    AgentRunStatus = "failed"
)

// AgentRun records one LLM invocation. Completed and failed rows are
// immutable.
type AgentRun struct {
	ID          string         `json:"id"`
	AgentType   string         `json:"agent_type"`
	Status      AgentRunStatus `json:"status"`
	Input       string         `json:"input"`
	Output      string         `json:"output,omitempty"`
	DurationMs  int64          `json:"duration_ms"`
	Confidence  *float64       `json:"confidence,omitempty"`
	TokensUsed  int64          `json:"tokens_used,omitempty"`
	Error       string         `json:"error,omitempty"`
	RunID       string         `json:"run_id,omitempty"`
	JobID       string         `json:"job_id,omitempty"`
	ParentJobID string         `json:"parent_job_id,omitempty"`
	SourceSlug  string         `json:"source_slug,omitempty"`
	QueueName   string         `json:"queue_name,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}
