package watchdog

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/regtruth/regtruth/pkg/breaker"
	"github.com/regtruth/regtruth/pkg/kv"
	"github.com/regtruth/regtruth/pkg/llm"
	"github.com/regtruth/regtruth/pkg/model"
	"github.com/regtruth/regtruth/pkg/queue"
	"github.com/regtruth/regtruth/pkg/store"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type scriptedHealth struct {
	status llm.HealthStatus
	err    error
}

func (s *scriptedHealth) Health(context.Context) (llm.HealthStatus, error) {
	return s.status, s.err
}

type recordingNotifier struct {
	alerts []*store.Alert
}

func (r *recordingNotifier) Notify(_ context.Context, a *store.Alert) error {
	r.alerts = append(r.alerts, a)
	return nil
}

type harness struct {
	watchdog *Watchdog
	store    *store.Store
	kv       kv.Store
	queue    *queue.Memory
	health   *scriptedHealth
	notified *recordingNotifier
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	s := store.New(db)
	require.NoError(t, s.Init(context.Background()))
	s.Clock = func() time.Time { return testNow }

	kvs := kv.NewMemoryStore()
	q := queue.NewMemory()
	breakers := breaker.NewRegistry(kvs, nil)
	breakers.SetClock(func() time.Time { return testNow })
	health := &scriptedHealth{status: llm.HealthOK}
	notified := &recordingNotifier{}

	w := New(cfg, s, kvs, q, breakers, health, notified, nil)
	w.clock = func() time.Time { return testNow }
	return &harness{watchdog: w, store: s, kv: kvs, queue: q, health: health, notified: notified}
}

// quietConfig disables monitors the test does not exercise.
func quietConfig() Config {
	cfg := DefaultConfig()
	cfg.Drainers = nil
	cfg.WatchedQueues = nil
	return cfg
}

func seedSource(t *testing.T, s *store.Store, slug string, createdAt time.Time) *model.Source {
	t.Helper()
	src := &model.Source{
		Slug: slug, Name: slug, URL: "https://" + slug + ".hr",
		Authority: model.AuthorityLaw, Active: true, CreatedAt: createdAt,
	}
	require.NoError(t, s.Sources.Upsert(context.Background(), src))
	stored, err := s.Sources.GetBySlug(context.Background(), slug)
	require.NoError(t, err)
	return stored
}

func seedEvidenceAt(t *testing.T, s *store.Store, src *model.Source, hash string, fetchedAt time.Time) {
	t.Helper()
	_, _, err := s.Evidence.Insert(context.Background(), &model.Evidence{
		SourceID: src.ID, URL: src.URL + "/" + hash,
		ContentType: model.ContentHTML, ContentClass: model.ClassHTML,
		RawBytes: []byte("content"), ContentHash: hash, FetchedAt: fetchedAt,
	})
	require.NoError(t, err)
}

func alertsByType(alerts []*store.Alert, alertType string) []*store.Alert {
	var out []*store.Alert
	for _, a := range alerts {
		if a.Type == alertType {
			out = append(out, a)
		}
	}
	return out
}

func TestStaleSourceSeverities(t *testing.T) {
	h := newHarness(t, quietConfig())
	silent := seedSource(t, h.store, "silent", testNow.AddDate(0, 0, -20))
	warn := seedSource(t, h.store, "warn", testNow.AddDate(0, 0, -30))
	seedEvidenceAt(t, h.store, warn, "h1", testNow.AddDate(0, 0, -8))
	fresh := seedSource(t, h.store, "fresh", testNow.AddDate(0, 0, -30))
	seedEvidenceAt(t, h.store, fresh, "h2", testNow.Add(-time.Hour))

	alerts, errs := h.watchdog.Run(context.Background())
	require.Empty(t, errs)

	stale := alertsByType(alerts, AlertStaleSource)
	require.Len(t, stale, 2)
	bySlug := map[string]store.AlertSeverity{}
	for _, a := range stale {
		bySlug[a.EntityID] = a.Severity
	}
	assert.Equal(t, store.SeverityCritical, bySlug[silent.Slug])
	assert.Equal(t, store.SeverityWarning, bySlug[warn.Slug])
}

func TestAlertDedupIncrementsOccurrences(t *testing.T) {
	h := newHarness(t, quietConfig())
	seedSource(t, h.store, "silent", testNow.AddDate(0, 0, -20))

	_, errs := h.watchdog.Run(context.Background())
	require.Empty(t, errs)
	alerts, errs := h.watchdog.Run(context.Background())
	require.Empty(t, errs)

	stale := alertsByType(alerts, AlertStaleSource)
	require.Len(t, stale, 1)
	assert.Equal(t, 2, stale[0].Occurrences)

	// Still a single persisted row.
	all, err := h.store.Alerts.ListSince(context.Background(), testNow.Add(-time.Hour))
	require.NoError(t, err)
	assert.Len(t, alertsByType(all, AlertStaleSource), 1)
}

func TestProgressGateSeverities(t *testing.T) {
	h := newHarness(t, quietConfig())
	src := seedSource(t, h.store, "nn", testNow.Add(-time.Hour))
	// One evidence stalled before extraction: WARNING.
	seedEvidenceAt(t, h.store, src, "stalled", testNow.Add(-5*time.Hour))

	// Twenty facts stalled before composition: CRITICAL.
	h.store.Clock = func() time.Time { return testNow.Add(-7 * time.Hour) }
	for i := 0; i < 20; i++ {
		require.NoError(t, h.store.Facts.Insert(context.Background(), &model.CandidateFact{
			Domain: "vat", ValueType: model.ValuePercentage, ExtractedValue: "25",
			GroundingQuotes: []model.GroundingQuote{{Text: "q"}},
		}))
	}
	h.store.Clock = func() time.Time { return testNow }

	alerts, errs := h.watchdog.Run(context.Background())
	require.Empty(t, errs)

	gates := alertsByType(alerts, AlertProgressGate)
	require.Len(t, gates, 2)
	byStage := map[string]store.AlertSeverity{}
	for _, a := range gates {
		byStage[a.EntityID] = a.Severity
	}
	assert.Equal(t, store.SeverityWarning, byStage["extract"])
	assert.Equal(t, store.SeverityCritical, byStage["compose"])
}

func TestDrainerHeartbeatMonitor(t *testing.T) {
	cfg := quietConfig()
	cfg.Drainers = []string{"fetch", "extract", "compose"}
	h := newHarness(t, cfg)

	require.NoError(t, queue.PublishHeartbeat(context.Background(), h.kv, queue.Heartbeat{
		Worker: "fetch", Cycle: 10, Timestamp: testNow.Add(-5 * time.Minute),
	}))
	require.NoError(t, queue.PublishHeartbeat(context.Background(), h.kv, queue.Heartbeat{
		Worker: "extract", Cycle: 3, Timestamp: testNow.Add(-40 * time.Minute),
	}))
	// "compose" never heartbeats.

	alerts, errs := h.watchdog.Run(context.Background())
	require.Empty(t, errs)

	stalled := alertsByType(alerts, AlertDrainerStalled)
	require.Len(t, stalled, 2)
	byWorker := map[string]store.AlertSeverity{}
	for _, a := range stalled {
		byWorker[a.EntityID] = a.Severity
	}
	assert.Equal(t, store.SeverityCritical, byWorker["extract"])
	assert.Equal(t, store.SeverityWarning, byWorker["compose"])
	assert.NotContains(t, byWorker, "fetch")
}

func TestDeadLetterDepthAlert(t *testing.T) {
	cfg := quietConfig()
	cfg.WatchedQueues = []string{"extract"}
	h := newHarness(t, cfg)
	ctx := context.Background()

	job, err := h.queue.Enqueue(ctx, "extract", []byte("{}"), queue.EnqueueOptions{})
	require.NoError(t, err)
	_, err = h.queue.Reserve(ctx, "extract", "w1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, h.queue.DeadLetter(ctx, job.ID, "boom"))

	alerts, errs := h.watchdog.Run(ctx)
	require.Empty(t, errs)
	dead := alertsByType(alerts, AlertDeadLetterDepth)
	require.Len(t, dead, 1)
	assert.Equal(t, store.SeverityWarning, dead[0].Severity)
}

func TestLLMFailuresOpenCircuitAndEscalate(t *testing.T) {
	h := newHarness(t, quietConfig())
	h.health.status = llm.HealthTimeout

	ctx := context.Background()
	var alerts []*store.Alert
	for i := 0; i < breaker.FailureThreshold; i++ {
		var errs []error
		alerts, errs = h.watchdog.Run(ctx)
		require.Empty(t, errs)
	}

	unhealthy := alertsByType(alerts, AlertLLMUnhealthy)
	require.Len(t, unhealthy, 1)
	assert.Equal(t, breaker.FailureThreshold, unhealthy[0].Occurrences)

	open := alertsByType(alerts, AlertLLMCircuitOpen)
	require.Len(t, open, 1)
	assert.Equal(t, store.SeverityCritical, open[0].Severity)

	// Critical alerts reached the notifier.
	require.NotEmpty(t, h.notified.alerts)
	assert.Equal(t, AlertLLMCircuitOpen, h.notified.alerts[len(h.notified.alerts)-1].Type)
}

func TestLLMRecoveryClosesCircuit(t *testing.T) {
	h := newHarness(t, quietConfig())
	h.health.status = llm.Health5XX
	ctx := context.Background()
	for i := 0; i < breaker.FailureThreshold; i++ {
		h.watchdog.Run(ctx)
	}

	h.health.status = llm.HealthOK
	alerts, errs := h.watchdog.Run(ctx)
	require.Empty(t, errs)
	assert.Empty(t, alertsByType(alerts, AlertLLMUnhealthy))
	assert.Empty(t, alertsByType(alerts, AlertLLMCircuitOpen))
}

func TestBuildDigestAggregates(t *testing.T) {
	h := newHarness(t, quietConfig())
	ctx := context.Background()
	require.NoError(t, h.store.Audit.Append(ctx, store.AuditRuleCreated, "rule", "r1", "system", nil))
	require.NoError(t, h.store.Audit.Append(ctx, store.AuditRuleApproved, "rule", "r1", "ana", nil))
	require.NoError(t, h.store.Audit.Append(ctx, store.AuditReleasePublished, "release", "rel1", "system", nil))
	_, _, err := h.store.Alerts.Raise(ctx, &store.Alert{
		Type: AlertStaleSource, EntityID: "nn",
		Severity: store.SeverityCritical, Message: "stale",
	}, time.Hour)
	require.NoError(t, err)

	var sentTo, sentBody string
	send := func(_ context.Context, recipient, _, body string) error {
		sentTo, sentBody = recipient, body
		return nil
	}
	d, err := h.watchdog.SendDigest(ctx, 24*time.Hour, send, "ops@example.test")
	require.NoError(t, err)
	assert.Equal(t, 1, d.RulesCreated)
	assert.Equal(t, 1, d.RulesApproved)
	assert.Equal(t, 1, d.Releases)
	assert.Equal(t, 1, d.Criticals)
	assert.Equal(t, "ops@example.test", sentTo)
	assert.Contains(t, sentBody, "STALE_SOURCE")
}

func TestSlackNotifierPostsPayload(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewSlackNotifier(srv.URL)
	err := n.Notify(context.Background(), &store.Alert{
		Type: AlertLLMCircuitOpen, Severity: store.SeverityCritical,
		Message: "circuit open", Occurrences: 3,
	})
	require.NoError(t, err)
	text, _ := got["text"].(string)
	assert.Contains(t, text, "LLM_CIRCUIT_OPEN")
	assert.Contains(t, text, "3x")
}

func TestSlackNotifierSurfacesHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := NewSlackNotifier(srv.URL)
	err := n.Notify(context.Background(), &store.Alert{Type: "X", Severity: store.SeverityCritical})
	assert.ErrorContains(t, err, "500")
}
