// Package watchdog runs the periodic health monitors of the pipeline:
// stale sources, scraper and quality regressions, stalled stages, queue
// depths, drainer heartbeats, and LLM provider health. Findings become
// deduplicated alerts; critical ones fan out to the notifiers.
package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/regtruth/regtruth/pkg/breaker"
	"github.com/regtruth/regtruth/pkg/kv"
	"github.com/regtruth/regtruth/pkg/llm"
	"github.com/regtruth/regtruth/pkg/queue"
	"github.com/regtruth/regtruth/pkg/store"
)

// Alert types raised by the monitors.
const (
	AlertStaleSource     = "STALE_SOURCE"
	AlertScraperFailure  = "SCRAPER_FAILURE_RATE"
	AlertQualityDegraded = "QUALITY_DEGRADATION"
	AlertHighRejection   = "HIGH_REJECTION_RATE"
	AlertDrainerStalled  = "DRAINER_STALLED"
	AlertQueueBacklog    = "QUEUE_BACKLOG"
	AlertDeadLetterDepth = "DEAD_LETTER_DEPTH"
	AlertProgressGate    = "PROGRESS_GATE"
	AlertLLMUnhealthy    = "LLM_UNHEALTHY"
	AlertLLMCircuitOpen  = "LLM_CIRCUIT_OPEN"
)

// Config carries the monitor thresholds. Defaults match DefaultConfig.
type Config struct {
	DedupWindow time.Duration

	StaleSourceWarnDays     int
	StaleSourceCriticalDays int

	ScraperFailureWarn     float64
	ScraperFailureCritical float64

	QualityWarnBelow     float64
	QualityCriticalBelow float64

	RejectionWarn     float64
	RejectionCritical float64

	DrainerWarnIdle     time.Duration
	DrainerCriticalIdle time.Duration

	BacklogWarn     int
	BacklogCritical int

	// Progress-gate staleness per stage.
	ExtractGateAge time.Duration
	ComposeGateAge time.Duration
	ReleaseGateAge time.Duration
	// Stalled-count boundary between WARNING and CRITICAL.
	GateCriticalCount int

	// Workers whose heartbeats are checked and queues whose depths are.
	Drainers      []string
	WatchedQueues []string

	LLMProvider string
}

func DefaultConfig() Config {
	return Config{
		DedupWindow:             60 * time.Minute,
		StaleSourceWarnDays:     7,
		StaleSourceCriticalDays: 14,
		ScraperFailureWarn:      0.30,
		ScraperFailureCritical:  0.50,
		QualityWarnBelow:        0.85,
		QualityCriticalBelow:    0.75,
		RejectionWarn:           0.40,
		RejectionCritical:       0.60,
		DrainerWarnIdle:         15 * time.Minute,
		DrainerCriticalIdle:     30 * time.Minute,
		BacklogWarn:             100,
		BacklogCritical:         500,
		ExtractGateAge:          4 * time.Hour,
		ComposeGateAge:          6 * time.Hour,
		ReleaseGateAge:          24 * time.Hour,
		GateCriticalCount:       20,
		Drainers:                []string{"fetch", "extract", "compose", "review", "release"},
		WatchedQueues:           []string{"fetch", "extract", "compose", "review", "release"},
		LLMProvider:             "ollama",
	}
}

// HealthPinger is the slice of the LLM client the watchdog needs.
type HealthPinger interface {
	Health(ctx context.Context) (llm.HealthStatus, error)
}

// Finding is one monitor observation before persistence.
type Finding struct {
	Type     string
	EntityID string
	Severity store.AlertSeverity
	Message  string
	Metadata map[string]any
}

// Watchdog wires the monitors over the shared infrastructure.
type Watchdog struct {
	cfg      Config
	store    *store.Store
	kv       kv.Store
	queue    queue.Queue
	breakers *breaker.Registry
	health   HealthPinger
	notifier Notifier
	logger   *slog.Logger

	clock func() time.Time
}

func New(cfg Config, st *store.Store, kvs kv.Store, q queue.Queue,
	breakers *breaker.Registry, health HealthPinger, notifier Notifier,
	logger *slog.Logger) *Watchdog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watchdog{
		cfg:      cfg,
		store:    st,
		kv:       kvs,
		queue:    q,
		breakers: breakers,
		health:   health,
		notifier: notifier,
		logger:   logger.With("component", "watchdog"),
		clock:    time.Now,
	}
}

// Run executes every monitor once, persists the findings as alerts, and
// fans critical ones out. Monitor errors are collected, not fatal.
func (w *Watchdog) Run(ctx context.Context) ([]*store.Alert, []error) {
	var findings []Finding
	var errs []error

	monitors := []struct {
		name string
		run  func(context.Context) ([]Finding, error)
	}{
		{"stale-sources", w.checkStaleSources},
		{"scraper-failure", w.checkScraperFailure},
		{"quality", w.checkQuality},
		{"rejection-rate", w.checkRejectionRate},
		{"drainers", w.checkDrainers},
		{"queues", w.checkQueues},
		{"progress-gates", w.checkProgressGates},
		{"llm-health", w.checkLLMHealth},
	}
	for _, m := range monitors {
		found, err := m.run(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("watchdog: %s: %w", m.name, err))
			continue
		}
		findings = append(findings, found...)
	}

	alerts := make([]*store.Alert, 0, len(findings))
	for _, f := range findings {
		alert, created, err := w.store.Alerts.Raise(ctx, &store.Alert{
			Type:     f.Type,
			EntityID: f.EntityID,
			Severity: f.Severity,
			Message:  f.Message,
			Metadata: f.Metadata,
		}, w.cfg.DedupWindow)
		if err != nil {
			errs = append(errs, fmt.Errorf("watchdog: raise %s: %w", f.Type, err))
			continue
		}
		alerts = append(alerts, alert)
		w.logger.Warn("alert",
			"type", alert.Type, "entity_id", alert.EntityID,
			"severity", alert.Severity, "occurrences", alert.Occurrences,
			"new", created)

		if alert.Severity == store.SeverityCritical && w.notifier != nil {
			if err := w.notifier.Notify(ctx, alert); err != nil {
				w.logger.Warn("notifier failed", "type", alert.Type, "error", err)
			}
		}
	}
	return alerts, errs
}

func (w *Watchdog) checkStaleSources(ctx context.Context) ([]Finding, error) {
	sources, err := w.store.Sources.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	lastFetch, err := w.store.Evidence.LastFetchBySource(ctx)
	if err != nil {
		return nil, err
	}
	now := w.clock()
	var out []Finding
	for _, src := range sources {
		last, ok := lastFetch[src.ID]
		if !ok {
			last = src.CreatedAt
		}
		days := int(now.Sub(last).Hours() / 24)
		if days < w.cfg.StaleSourceWarnDays {
			continue
		}
		sev := store.SeverityWarning
		if days >= w.cfg.StaleSourceCriticalDays {
			sev = store.SeverityCritical
		}
		out = append(out, Finding{
			Type:     AlertStaleSource,
			EntityID: src.Slug,
			Severity: sev,
			Message:  fmt.Sprintf("no evidence from %s for %d days", src.Slug, days),
			Metadata: map[string]any{"days": days},
		})
	}
	return out, nil
}

func (w *Watchdog) checkScraperFailure(ctx context.Context) ([]Finding, error) {
	rate, err := w.store.Evidence.EmptyContentRate(ctx, w.clock().Add(-24*time.Hour))
	if err != nil {
		return nil, err
	}
	if rate < w.cfg.ScraperFailureWarn {
		return nil, nil
	}
	sev := store.SeverityWarning
	if rate >= w.cfg.ScraperFailureCritical {
		sev = store.SeverityCritical
	}
	return []Finding{{
		Type:     AlertScraperFailure,
		Severity: sev,
		Message:  fmt.Sprintf("empty-content rate %.0f%% over 24h", rate*100),
		Metadata: map[string]any{"rate": rate},
	}}, nil
}

func (w *Watchdog) checkQuality(ctx context.Context) ([]Finding, error) {
	mean, n, err := w.store.Rules.MeanConfidence(ctx, w.clock().Add(-7*24*time.Hour))
	if err != nil {
		return nil, err
	}
	if n == 0 || mean >= w.cfg.QualityWarnBelow {
		return nil, nil
	}
	sev := store.SeverityWarning
	if mean < w.cfg.QualityCriticalBelow {
		sev = store.SeverityCritical
	}
	return []Finding{{
		Type:     AlertQualityDegraded,
		Severity: sev,
		Message:  fmt.Sprintf("mean rule confidence %.2f over 7d (%d rules)", mean, n),
		Metadata: map[string]any{"mean": mean, "rules": n},
	}}, nil
}

func (w *Watchdog) checkRejectionRate(ctx context.Context) ([]Finding, error) {
	rate, total, err := w.store.Rules.RejectionRate(ctx, w.clock().Add(-7*24*time.Hour))
	if err != nil {
		return nil, err
	}
	if total == 0 || rate < w.cfg.RejectionWarn {
		return nil, nil
	}
	sev := store.SeverityWarning
	if rate >= w.cfg.RejectionCritical {
		sev = store.SeverityCritical
	}
	return []Finding{{
		Type:     AlertHighRejection,
		Severity: sev,
		Message:  fmt.Sprintf("rejection rate %.0f%% over 7d (%d decisions)", rate*100, total),
		Metadata: map[string]any{"rate": rate, "total": total},
	}}, nil
}

func (w *Watchdog) checkDrainers(ctx context.Context) ([]Finding, error) {
	now := w.clock()
	var out []Finding
	for _, worker := range w.cfg.Drainers {
		hb, ok, err := queue.ReadHeartbeat(ctx, w.kv, worker)
		if err != nil {
			return nil, err
		}
		if !ok {
			out = append(out, Finding{
				Type:     AlertDrainerStalled,
				EntityID: worker,
				Severity: store.SeverityWarning,
				Message:  fmt.Sprintf("no heartbeat recorded for %s", worker),
			})
			continue
		}
		idle := now.Sub(hb.Timestamp)
		if idle < w.cfg.DrainerWarnIdle {
			continue
		}
		sev := store.SeverityWarning
		if idle >= w.cfg.DrainerCriticalIdle {
			sev = store.SeverityCritical
		}
		out = append(out, Finding{
			Type:     AlertDrainerStalled,
			EntityID: worker,
			Severity: sev,
			Message:  fmt.Sprintf("%s idle for %d minutes", worker, int(idle.Minutes())),
			Metadata: map[string]any{"idle_minutes": int(idle.Minutes())},
		})
	}
	return out, nil
}

func (w *Watchdog) checkQueues(ctx context.Context) ([]Finding, error) {
	var out []Finding
	for _, name := range w.cfg.WatchedQueues {
		depth, err := w.queue.Depth(ctx, name)
		if err != nil {
			return nil, err
		}
		if depth < w.cfg.BacklogWarn {
			continue
		}
		sev := store.SeverityWarning
		if depth >= w.cfg.BacklogCritical {
			sev = store.SeverityCritical
		}
		out = append(out, Finding{
			Type:     AlertQueueBacklog,
			EntityID: name,
			Severity: sev,
			Message:  fmt.Sprintf("queue %s backlog at %d jobs", name, depth),
			Metadata: map[string]any{"depth": depth},
		})
	}

	dead, err := w.queue.Depth(ctx, queue.DeadLetterQueue)
	if err != nil {
		return nil, err
	}
	if dead > 0 {
		sev := store.SeverityWarning
		if dead >= w.cfg.BacklogCritical {
			sev = store.SeverityCritical
		}
		out = append(out, Finding{
			Type:     AlertDeadLetterDepth,
			Severity: sev,
			Message:  fmt.Sprintf("%d jobs in the dead-letter queue", dead),
			Metadata: map[string]any{"depth": dead},
		})
	}
	return out, nil
}

// checkProgressGates runs the three inter-stage gates. HEALTHY at zero
// stalled items, WARNING below the critical count, CRITICAL at or above.
func (w *Watchdog) checkProgressGates(ctx context.Context) ([]Finding, error) {
	now := w.clock()
	gates := []struct {
		stage string
		count func() (int, error)
	}{
		{"extract", func() (int, error) {
			return w.store.Evidence.StalledSinceFetch(ctx, now.Add(-w.cfg.ExtractGateAge))
		}},
		{"compose", func() (int, error) {
			return w.store.Facts.StalledSinceCapture(ctx, now.Add(-w.cfg.ComposeGateAge))
		}},
		{"release", func() (int, error) {
			return w.store.Rules.StalledSinceApproval(ctx, now.Add(-w.cfg.ReleaseGateAge))
		}},
	}

	var out []Finding
	for _, g := range gates {
		n, err := g.count()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			continue
		}
		sev := store.SeverityWarning
		if n >= w.cfg.GateCriticalCount {
			sev = store.SeverityCritical
		}
		out = append(out, Finding{
			Type:     AlertProgressGate,
			EntityID: g.stage,
			Severity: sev,
			Message:  fmt.Sprintf("%d items stalled before the %s stage", n, g.stage),
			Metadata: map[string]any{"stalled": n},
		})
	}
	return out, nil
}

// checkLLMHealth pings the provider, records the result into its circuit
// breaker, and raises when the circuit is OPEN.
func (w *Watchdog) checkLLMHealth(ctx context.Context) ([]Finding, error) {
	if w.health == nil {
		return nil, nil
	}
	var out []Finding
	status, err := w.health.Health(ctx)
	if status == llm.HealthOK {
		if err := w.breakers.RecordSuccess(ctx, w.cfg.LLMProvider); err != nil {
			return nil, err
		}
	} else {
		cause := err
		if cause == nil {
			cause = fmt.Errorf("health %s", status)
		}
		if err := w.breakers.RecordFailure(ctx, w.cfg.LLMProvider, cause); err != nil {
			return nil, err
		}
		out = append(out, Finding{
			Type:     AlertLLMUnhealthy,
			EntityID: w.cfg.LLMProvider,
			Severity: store.SeverityWarning,
			Message:  fmt.Sprintf("LLM provider %s health: %s", w.cfg.LLMProvider, status),
			Metadata: map[string]any{"status": string(status)},
		})
	}

	snap, err := w.breakers.GetState(ctx, w.cfg.LLMProvider)
	if err != nil {
		return nil, err
	}
	if snap.State == breaker.StateOpen {
		out = append(out, Finding{
			Type:     AlertLLMCircuitOpen,
			EntityID: w.cfg.LLMProvider,
			Severity: store.SeverityCritical,
			Message:  fmt.Sprintf("circuit for %s is OPEN: %s", w.cfg.LLMProvider, snap.LastError),
			Metadata: map[string]any{"consecutive_failures": snap.ConsecutiveFailures},
		})
	}
	return out, nil
}
