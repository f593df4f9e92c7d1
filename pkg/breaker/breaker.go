// Package breaker implements the per-provider circuit breaker protecting
// external LLM calls. State is persisted in the shared KV store so every
// worker process sees the same view of a provider's health.
//
// Thresholds: open after 5 consecutive failures inside a 120 s window, stay
// OPEN for 300 s, then a lazy read transitions to HALF_OPEN where a single
// probe is allowed.
package breaker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/regtruth/regtruth/pkg/kv"
)

// State of a provider's circuit.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

const (
	// FailureThreshold opens the circuit on the Nth consecutive failure.
	FailureThreshold = 5
	// FailureWindow resets the consecutive counter when failures are spaced
	// further apart than this.
	FailureWindow = 120 * time.Second
	// OpenDuration is how long an OPEN circuit blocks before a lazy read
	// moves it to HALF_OPEN.
	OpenDuration = 300 * time.Second
	// stateTTL bounds how long stale provider state lives in the KV.
	stateTTL = 3600 * time.Second
)

// Snapshot is the persisted per-provider record.
type Snapshot struct {
	State               State      `json:"state"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	OpenedAt            *time.Time `json:"opened_at,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
}

// TransitionFunc observes one provider circuit changing state.
type TransitionFunc func(ctx context.Context, provider string, from, to State)

// Registry manages circuit state for all providers over one KV store.
type Registry struct {
	store        kv.Store
	logger       *slog.Logger
	clock        func() time.Time
	onTransition TransitionFunc

	// mu serializes read-modify-write cycles within this process. Cross-
	// process races are tolerable: the worst case is a slightly delayed
	// open, and the KV remains the single source of truth.
	mu sync.Mutex
}

func NewRegistry(store kv.Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:  store,
		logger: logger.With("component", "breaker"),
		clock:  time.Now,
	}
}

// SetClock overrides the time source, for tests.
func (r *Registry) SetClock(clock func() time.Time) { r.clock = clock }

// OnTransition registers a hook invoked on every state change. Set it
// before the registry is shared between goroutines. The hook runs under
// the registry lock and must not call back into the registry.
func (r *Registry) OnTransition(fn TransitionFunc) { r.onTransition = fn }

func (r *Registry) notify(ctx context.Context, provider string, from, to State) {
	if r.onTransition != nil && from != to {
		r.onTransition(ctx, provider, from, to)
	}
}

func key(provider string) string { return fmt.Sprintf("breaker:%s", provider) }

// GetState returns the provider's current state, lazily transitioning
// OPEN -> HALF_OPEN once the open duration has elapsed. Corrupt persisted
// state is discarded and the provider reinitializes to CLOSED.
func (r *Registry) GetState(ctx context.Context, provider string) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getStateLocked(ctx, provider)
}

func (r *Registry) getStateLocked(ctx context.Context, provider string) (Snapshot, error) {
	raw, err := r.store.Get(ctx, key(provider))
	if errors.Is(err, kv.ErrNotFound) {
		return Snapshot{State: StateClosed}, nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("breaker: read state for %s: %w", provider, err)
	}

	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil || snap.State == "" {
		r.logger.Warn("discarding corrupt breaker state", "provider", provider)
		fresh := Snapshot{State: StateClosed}
		if err := r.persist(ctx, provider, fresh); err != nil {
			return Snapshot{}, err
		}
		return fresh, nil
	}

	if snap.State == StateOpen && snap.OpenedAt != nil &&
		r.clock().Sub(*snap.OpenedAt) >= OpenDuration {
		snap.State = StateHalfOpen
		if err := r.persist(ctx, provider, snap); err != nil {
			return Snapshot{}, err
		}
		r.logger.Info("circuit half-open", "provider", provider)
		r.notify(ctx, provider, StateOpen, StateHalfOpen)
	}
	return snap, nil
}

// CanCall reports whether a call to the provider may proceed: true for
// CLOSED and for the single HALF_OPEN probe, false for OPEN.
func (r *Registry) CanCall(ctx context.Context, provider string) (bool, error) {
	snap, err := r.GetState(ctx, provider)
	if err != nil {
		return false, err
	}
	return snap.State != StateOpen, nil
}

// RecordSuccess closes the circuit and clears the failure counter.
func (r *Registry) RecordSuccess(ctx context.Context, provider string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap, err := r.getStateLocked(ctx, provider)
	if err != nil {
		return err
	}
	now := r.clock()
	prev := snap.State
	snap.State = StateClosed
	snap.ConsecutiveFailures = 0
	snap.LastSuccessAt = &now
	snap.OpenedAt = nil
	snap.LastError = ""
	if prev != StateClosed {
		r.logger.Info("circuit closed", "provider", provider, "from", prev)
	}
	if err := r.persist(ctx, provider, snap); err != nil {
		return err
	}
	r.notify(ctx, provider, prev, StateClosed)
	return nil
}

// RecordFailure counts a failure. A gap longer than the failure window
// restarts the counter. In HALF_OPEN any failure reopens immediately.
func (r *Registry) RecordFailure(ctx context.Context, provider string, cause error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap, err := r.getStateLocked(ctx, provider)
	if err != nil {
		return err
	}
	now := r.clock()

	if snap.LastFailureAt != nil && now.Sub(*snap.LastFailureAt) > FailureWindow {
		snap.ConsecutiveFailures = 0
	}
	snap.ConsecutiveFailures++
	snap.LastFailureAt = &now
	if cause != nil {
		snap.LastError = cause.Error()
	}

	prev := snap.State
	switch snap.State {
	case StateHalfOpen:
		snap.State = StateOpen
		snap.OpenedAt = &now
		r.logger.Warn("circuit reopened from half-open", "provider", provider, "error", snap.LastError)
	case StateClosed:
		if snap.ConsecutiveFailures >= FailureThreshold {
			snap.State = StateOpen
			snap.OpenedAt = &now
			r.logger.Warn("circuit opened", "provider", provider,
				"consecutive_failures", snap.ConsecutiveFailures, "error", snap.LastError)
		}
	}
	if err := r.persist(ctx, provider, snap); err != nil {
		return err
	}
	r.notify(ctx, provider, prev, snap.State)
	return nil
}

func (r *Registry) persist(ctx context.Context, provider string, snap Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("breaker: marshal state for %s: %w", provider, err)
	}
	if err := r.store.Set(ctx, key(provider), raw, stateTTL); err != nil {
		return fmt.Errorf("breaker: persist state for %s: %w", provider, err)
	}
	return nil
}
