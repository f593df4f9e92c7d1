// Package extract turns Evidence into CandidateFacts: content cleaning,
// LLM extraction, deterministic validation, quote normalization, and
// dead-lettering of invalid outputs.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/regtruth/regtruth/pkg/llm"
	"github.com/regtruth/regtruth/pkg/model"
	"github.com/regtruth/regtruth/pkg/store"
	"github.com/regtruth/regtruth/pkg/textnorm"
)

const (
	extractTemperature = 0.1
	// batchSleep spaces consecutive LLM calls in batch mode.
	batchSleep = 5 * time.Second
	// promotionThreshold marks high-confidence facts for fast-path review.
	promotionThreshold = 0.9
)

// ErrBlockedDomain is returned for evidence whose URL host is on the
// blocked list (test and staging domains).
var ErrBlockedDomain = errors.New("extract: blocked domain")

// Extraction is one item of the LLM's output.
type Extraction struct {
	Domain          string  `json:"domain"`
	ValueType       string  `json:"value_type"`
	ExtractedValue  string  `json:"extracted_value"`
	ExactQuote      string  `json:"exact_quote"`
	ContextBefore   string  `json:"context_before,omitempty"`
	ContextAfter    string  `json:"context_after,omitempty"`
	Confidence      float64 `json:"confidence"`
	ArticleNumber   string  `json:"article_number,omitempty"`
	LawReference    string  `json:"law_reference,omitempty"`
	ExtractionNotes string  `json:"extraction_notes,omitempty"`
}

// CoverageReport measures how much of the source's expected domain set
// one extraction pass covered.
type CoverageReport struct {
	Score    float64 `json:"score"`
	Complete bool    `json:"complete"`
	Domains  int     `json:"domains"`
	Expected int     `json:"expected"`
}

// Result summarizes one extractor run.
type Result struct {
	FactIDs  []string
	Rejected int
	Coverage CoverageReport
	RunID    string
}

var outputSchema = llm.MustCompileSchema("extractor-output", `{
	"type": "object",
	"required": ["extractions"],
	"properties": {
		"extractions": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["domain", "value_type", "extracted_value", "exact_quote", "confidence"],
				"properties": {
					"domain": {"type": "string"},
					"value_type": {"type": "string", "enum": ["currency", "percentage", "date", "threshold", "text"]},
					"extracted_value": {"type": "string"},
					"exact_quote": {"type": "string"},
					"context_before": {"type": "string"},
					"context_after": {"type": "string"},
					"confidence": {"type": "number", "minimum": 0, "maximum": 1},
					"article_number": {"type": "string"},
					"law_reference": {"type": "string"},
					"extraction_notes": {"type": "string"}
				}
			}
		}
	}
}`)

var inputSchema = llm.MustCompileSchema("extractor-input", `{
	"type": "object",
	"required": ["evidenceId", "content", "contentType", "sourceUrl"],
	"properties": {
		"evidenceId": {"type": "string", "minLength": 1},
		"content": {"type": "string", "minLength": 1},
		"contentType": {"type": "string"},
		"sourceUrl": {"type": "string"}
	}
}`)

// Runner is the LLM entry point the extractor needs.
type Runner interface {
	Run(ctx context.Context, agentType string, input any,
		inputSchema, outputSchema *jsonschema.Schema, opts llm.RunOptions) llm.RunResult
}

// Extractor drives extraction for single evidence rows and batches.
type Extractor struct {
	store      *store.Store
	runner     Runner
	validators ValidatorConfig
	logger     *slog.Logger

	// BlockedHosts are URL hosts never sent to the LLM.
	BlockedHosts map[string]bool

	sleep func(ctx context.Context, d time.Duration) error
}

func New(st *store.Store, runner Runner, validators ValidatorConfig, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	if validators.AllowedDomains == nil {
		validators.AllowedDomains = DefaultAllowedDomains()
	}
	return &Extractor{
		store:      st,
		runner:     runner,
		validators: validators,
		logger:     logger.With("component", "extractor"),
		BlockedHosts: map[string]bool{
			"example.com": true, "localhost": true, "test.invalid": true,
		},
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
	}
}

// Run extracts facts from one Evidence row.
func (e *Extractor) Run(ctx context.Context, evidenceID string, corr llm.Correlation) (*Result, error) {
	ev, err := e.store.Evidence.Get(ctx, evidenceID)
	if err != nil {
		return nil, err
	}
	if host := hostOf(ev.URL); e.BlockedHosts[host] {
		return nil, fmt.Errorf("%w: %s", ErrBlockedDomain, host)
	}

	src, err := e.store.Sources.Get(ctx, ev.SourceID)
	if err != nil {
		return nil, err
	}

	rawContent := e.extractableContent(ctx, ev)
	cleaned := textnorm.Clean(rawContent, ev.URL)
	stats := textnorm.Stats(rawContent, cleaned)
	e.logger.Info("content cleaned",
		"evidence_id", ev.ID, "original_len", stats.OriginalLength,
		"cleaned_len", stats.CleanedLength, "reduction_pct", stats.ReductionPct)

	res := e.runner.Run(ctx, llm.AgentExtractor, map[string]any{
		"evidenceId":  ev.ID,
		"content":     cleaned,
		"contentType": string(ev.ContentType),
		"sourceUrl":   ev.URL,
	}, inputSchema, outputSchema, llm.RunOptions{
		Temperature: extractTemperature,
		Correlation: corr,
	})
	if !res.Success {
		return nil, res.Err
	}

	extractions := decodeExtractions(res.Output)
	out := &Result{RunID: res.RunID}
	domainsSeen := make(map[string]bool)

	for i := range extractions {
		ex := &extractions[i]
		if !e.validators.AllowedDomains[ex.Domain] {
			e.reject(ctx, ev.ID, model.RejectInvalidDomain, ex)
			out.Rejected++
			continue
		}

		if ev.ContentType == model.ContentJSON {
			if repaired, ok := RepairJSONQuote(rawContent, ex.ExtractedValue); ok {
				ex.ExactQuote = repaired
				ex.ExtractionNotes = appendNote(ex.ExtractionNotes, "quote recomputed from JSON source")
			}
		}

		if reason, verr := e.validators.ValidateExtraction(ex, rawContent, cleaned); reason != "" {
			e.logger.Warn("extraction rejected",
				"evidence_id", ev.ID, "domain", ex.Domain, "reason", reason, "error", verr)
			e.reject(ctx, ev.ID, reason, ex)
			out.Rejected++
			continue
		}

		fact := &model.CandidateFact{
			Domain:         ex.Domain,
			ValueType:      model.ValueType(ex.ValueType),
			ExtractedValue: ex.ExtractedValue,
			GroundingQuotes: []model.GroundingQuote{{
				Text:          textnorm.NormalizeQuotes(ex.ExactQuote),
				ContextBefore: textnorm.NormalizeQuotes(ex.ContextBefore),
				ContextAfter:  textnorm.NormalizeQuotes(ex.ContextAfter),
				EvidenceID:    ev.ID,
				ArticleNumber: ex.ArticleNumber,
				LawReference:  ex.LawReference,
			}},
			ValueConfidence:    ex.Confidence,
			OverallConfidence:  ex.Confidence,
			PromotionCandidate: ex.Confidence >= promotionThreshold,
			ExtractionNotes:    ex.ExtractionNotes,
		}
		if err := e.store.Facts.Insert(ctx, fact); err != nil {
			return nil, err
		}
		out.FactIDs = append(out.FactIDs, fact.ID)
		domainsSeen[ex.Domain] = true
	}

	out.Coverage = coverage(domainsSeen, src.ExpectedDomains)
	if err := e.store.Audit.Append(ctx, "EXTRACTION_COVERAGE", "evidence", ev.ID, "system",
		map[string]any{
			"score":    out.Coverage.Score,
			"complete": out.Coverage.Complete,
			"facts":    len(out.FactIDs),
			"rejected": out.Rejected,
		}); err != nil {
		e.logger.Warn("persisting coverage failed", "evidence_id", ev.ID, "error", err)
	}
	return out, nil
}

// extractableContent prefers a cleaned-text artifact (OCR or PDF text),
// then the stored cleaned text, then the raw bytes.
func (e *Extractor) extractableContent(ctx context.Context, ev *model.Evidence) string {
	for _, kind := range []string{"ocr_text", "pdf_text", "cleaned_text"} {
		if a, err := e.store.Evidence.Artifact(ctx, ev.ID, kind); err == nil {
			return a.Text
		}
	}
	if ev.CleanedText != "" {
		return ev.CleanedText
	}
	return string(ev.RawBytes)
}

func (e *Extractor) reject(ctx context.Context, evidenceID, reason string, ex *Extraction) {
	err := e.store.Facts.InsertRejection(ctx, &model.RejectedExtraction{
		EvidenceID: evidenceID,
		Reason:     reason,
		Domain:     ex.Domain,
		RawOutput:  fmt.Sprintf("%s=%s quote=%q", ex.ValueType, ex.ExtractedValue, ex.ExactQuote),
	})
	if err != nil {
		e.logger.Error("persisting rejection failed", "evidence_id", evidenceID, "error", err)
	}
}

// BatchResult aggregates a batch run; a single failure never aborts the
// batch.
type BatchResult struct {
	Processed int
	Succeeded int
	Failed    int
	Errors    []string
}

// RunBatch extracts every evidence row with no linked facts, up to limit.
func (e *Extractor) RunBatch(ctx context.Context, limit int, corr llm.Correlation) (*BatchResult, error) {
	pending, err := e.store.Evidence.ListUnextracted(ctx, limit)
	if err != nil {
		return nil, err
	}

	res := &BatchResult{}
	for i, ev := range pending {
		if i > 0 {
			if err := e.sleep(ctx, batchSleep); err != nil {
				return res, err
			}
		}
		res.Processed++
		if _, err := e.Run(ctx, ev.ID, corr); err != nil {
			res.Failed++
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", ev.ID, err))
			e.logger.Warn("batch item failed", "evidence_id", ev.ID, "error", err)
			continue
		}
		res.Succeeded++
	}
	return res, nil
}

func decodeExtractions(output map[string]any) []Extraction {
	items, _ := output["extractions"].([]any)
	out := make([]Extraction, 0, len(items))
	for _, raw := range items {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, Extraction{
			Domain:          str(m["domain"]),
			ValueType:       str(m["value_type"]),
			ExtractedValue:  str(m["extracted_value"]),
			ExactQuote:      str(m["exact_quote"]),
			ContextBefore:   str(m["context_before"]),
			ContextAfter:    str(m["context_after"]),
			Confidence:      num(m["confidence"]),
			ArticleNumber:   str(m["article_number"]),
			LawReference:    str(m["law_reference"]),
			ExtractionNotes: str(m["extraction_notes"]),
		})
	}
	return out
}

func coverage(seen map[string]bool, expected []string) CoverageReport {
	if len(expected) == 0 {
		return CoverageReport{Score: 1, Complete: true, Domains: len(seen)}
	}
	covered := 0
	for _, d := range expected {
		if seen[d] {
			covered++
		}
	}
	score := float64(covered) / float64(len(expected))
	return CoverageReport{
		Score:    score,
		Complete: covered == len(expected),
		Domains:  len(seen),
		Expected: len(expected),
	}
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

func appendNote(notes, add string) string {
	if notes == "" {
		return add
	}
	return notes + "; " + add
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func num(v any) float64 {
	f, _ := v.(float64)
	return f
}
