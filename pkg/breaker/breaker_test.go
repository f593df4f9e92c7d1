package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regtruth/regtruth/pkg/kv"
)

func newTestRegistry(t *testing.T) (*Registry, *time.Time) {
	t.Helper()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	store := kv.NewMemoryStore()
	store.Clock = func() time.Time { return now }
	r := NewRegistry(store, nil)
	r.SetClock(func() time.Time { return now })
	return r, &now
}

func TestTripAfterFiveConsecutiveFailures(t *testing.T) {
	ctx := context.Background()
	r, now := newTestRegistry(t)

	for i := 0; i < 4; i++ {
		require.NoError(t, r.RecordFailure(ctx, "ollama", errors.New("boom")))
		snap, err := r.GetState(ctx, "ollama")
		require.NoError(t, err)
		assert.Equal(t, StateClosed, snap.State, "failure %d must not open", i+1)
		*now = now.Add(time.Second)
	}

	require.NoError(t, r.RecordFailure(ctx, "ollama", errors.New("boom")))
	snap, err := r.GetState(ctx, "ollama")
	require.NoError(t, err)
	assert.Equal(t, StateOpen, snap.State)
	assert.Equal(t, 5, snap.ConsecutiveFailures)

	ok, err := r.CanCall(ctx, "ollama")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFailureWindowResetsCounter(t *testing.T) {
	ctx := context.Background()
	r, now := newTestRegistry(t)

	for i := 0; i < 4; i++ {
		require.NoError(t, r.RecordFailure(ctx, "ollama", errors.New("x")))
	}
	// A gap longer than the window restarts the count; the next failure is
	// number 1, not number 5.
	*now = now.Add(FailureWindow + time.Second)
	require.NoError(t, r.RecordFailure(ctx, "ollama", errors.New("x")))

	snap, err := r.GetState(ctx, "ollama")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, snap.State)
	assert.Equal(t, 1, snap.ConsecutiveFailures)
}

func TestHalfOpenAfterOpenDuration(t *testing.T) {
	ctx := context.Background()
	r, now := newTestRegistry(t)

	for i := 0; i < FailureThreshold; i++ {
		require.NoError(t, r.RecordFailure(ctx, "ollama", errors.New("x")))
	}
	ok, err := r.CanCall(ctx, "ollama")
	require.NoError(t, err)
	assert.False(t, ok)

	*now = now.Add(OpenDuration + time.Second)
	snap, err := r.GetState(ctx, "ollama")
	require.NoError(t, err)
	assert.Equal(t, StateHalfOpen, snap.State)

	ok, err = r.CanCall(ctx, "ollama")
	require.NoError(t, err)
	assert.True(t, ok, "half-open allows the single probe")
}

func TestHalfOpenSuccessCloses(t *testing.T) {
	ctx := context.Background()
	r, now := newTestRegistry(t)

	for i := 0; i < FailureThreshold; i++ {
		require.NoError(t, r.RecordFailure(ctx, "ollama", errors.New("x")))
	}
	*now = now.Add(OpenDuration + time.Second)

	require.NoError(t, r.RecordSuccess(ctx, "ollama"))
	snap, err := r.GetState(ctx, "ollama")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, snap.State)
	assert.Equal(t, 0, snap.ConsecutiveFailures)
	assert.Empty(t, snap.LastError)
}

func TestHalfOpenFailureReopens(t *testing.T) {
	ctx := context.Background()
	r, now := newTestRegistry(t)

	for i := 0; i < FailureThreshold; i++ {
		require.NoError(t, r.RecordFailure(ctx, "ollama", errors.New("x")))
	}
	opened := *now
	*now = now.Add(OpenDuration + time.Second)

	require.NoError(t, r.RecordFailure(ctx, "ollama", errors.New("probe failed")))
	snap, err := r.GetState(ctx, "ollama")
	require.NoError(t, err)
	assert.Equal(t, StateOpen, snap.State)
	require.NotNil(t, snap.OpenedAt)
	assert.True(t, snap.OpenedAt.After(opened), "openedAt refreshed on reopen")
}

func TestCorruptStateReinitializes(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	require.NoError(t, store.Set(ctx, "breaker:ollama", []byte("{not json"), 0))

	r := NewRegistry(store, nil)
	snap, err := r.GetState(ctx, "ollama")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, snap.State)
}

func TestProvidersIsolated(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t)

	for i := 0; i < FailureThreshold; i++ {
		require.NoError(t, r.RecordFailure(ctx, "ollama", errors.New("x")))
	}
	ok, err := r.CanCall(ctx, "ollama-embed")
	require.NoError(t, err)
	assert.True(t, ok)
}

type transition struct {
	provider string
	from, to State
}

func TestTransitionHookObservesStateChanges(t *testing.T) {
	ctx := context.Background()
	r, now := newTestRegistry(t)

	var seen []transition
	r.OnTransition(func(_ context.Context, provider string, from, to State) {
		seen = append(seen, transition{provider, from, to})
	})

	for i := 0; i < FailureThreshold; i++ {
		require.NoError(t, r.RecordFailure(ctx, "ollama", errors.New("boom")))
		*now = now.Add(time.Second)
	}
	// Only the opening failure is a state change; the first four are not.
	require.Equal(t, []transition{{"ollama", StateClosed, StateOpen}}, seen)

	*now = now.Add(OpenDuration)
	_, err := r.GetState(ctx, "ollama")
	require.NoError(t, err)
	require.NoError(t, r.RecordSuccess(ctx, "ollama"))

	assert.Equal(t, []transition{
		{"ollama", StateClosed, StateOpen},
		{"ollama", StateOpen, StateHalfOpen},
		{"ollama", StateHalfOpen, StateClosed},
	}, seen)
}

func TestTransitionHookReopenFromHalfOpen(t *testing.T) {
	ctx := context.Background()
	r, now := newTestRegistry(t)

	for i := 0; i < FailureThreshold; i++ {
		require.NoError(t, r.RecordFailure(ctx, "ollama", errors.New("boom")))
	}
	*now = now.Add(OpenDuration)

	var seen []transition
	r.OnTransition(func(_ context.Context, provider string, from, to State) {
		seen = append(seen, transition{provider, from, to})
	})

	// The lazy half-open read happens inside RecordFailure, so both
	// transitions surface.
	require.NoError(t, r.RecordFailure(ctx, "ollama", errors.New("still down")))
	assert.Equal(t, []transition{
		{"ollama", StateOpen, StateHalfOpen},
		{"ollama", StateHalfOpen, StateOpen},
	}, seen)
}
