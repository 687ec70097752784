package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/crowsandbox/crow/pkg/config"
	"github.com/crowsandbox/crow/pkg/domain"
	"github.com/crowsandbox/crow/pkg/persistence/memory"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type inFlightSet map[string]bool

func (s inFlightSet) InFlight(id string) bool { return s[id] }

type clock struct{ now atomic.Pointer[time.Time] }

func (c *clock) Now() time.Time  { return *c.now.Load() }
func (c *clock) Set(t time.Time) { c.now.Store(&t) }

// claimAt inserts n jobs and claims them at t.
func claimAt(t *testing.T, store *memory.Store, c *clock, at time.Time, n int) []string {
	t.Helper()
	c.Set(at)
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id, err := store.Insert(context.Background(), &domain.Job{ArtifactHash: fmt.Sprintf("h-%d-%d", at.Unix(), i)})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	jobs, err := store.ClaimPending(context.Background(), n)
	require.NoError(t, err)
	require.Len(t, jobs, n)
	return ids
}

func setup(t *testing.T, opts Options, inFlight InFlight) (*Sweeper, *memory.Store, *clock, time.Time) {
	t.Helper()
	c := &clock{}
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	c.Set(base)
	store := memory.New().WithClock(c.Now)
	s := New(store, inFlight, opts)
	s.now = c.Now
	return s, store, c, base
}

func status(t *testing.T, store *memory.Store, id string) *domain.Job {
	t.Helper()
	j, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	return j
}

func TestSweepRequeuesStaleJobs(t *testing.T) {
	s, store, c, base := setup(t, Options{StaleAfter: 10 * time.Minute, MaxAttempts: 3}, nil)
	stale := claimAt(t, store, c, base, 2)
	fresh := claimAt(t, store, c, base.Add(9*time.Minute), 1)
	c.Set(base.Add(15 * time.Minute))

	sum, err := s.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, Summary{Requeued: 2}, sum)
	for _, id := range stale {
		require.Equal(t, domain.StatusPending, status(t, store, id).Status)
	}
	require.Equal(t, domain.StatusRunning, status(t, store, fresh[0]).Status)
}

func TestSweepFailsAfterMaxAttempts(t *testing.T) {
	s, store, c, base := setup(t, Options{StaleAfter: time.Minute, MaxAttempts: 2}, nil)
	id := claimAt(t, store, c, base, 1)[0]

	c.Set(base.Add(2 * time.Minute))
	_, err := s.Sweep(context.Background())
	require.NoError(t, err)
	_, err = store.ClaimPending(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 2, status(t, store, id).Attempts)

	c.Set(base.Add(5 * time.Minute))
	sum, err := s.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, Summary{Failed: 1}, sum)
	j := status(t, store, id)
	require.Equal(t, domain.StatusError, j.Status)
	require.Equal(t, DetailMaxAttempts, j.ErrorDetail)
}

func TestSweepFailPolicy(t *testing.T) {
	s, store, c, base := setup(t, Options{Policy: config.RecoveryFail, StaleAfter: time.Minute}, nil)
	id := claimAt(t, store, c, base, 1)[0]
	c.Set(base.Add(time.Hour))

	sum, err := s.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, sum.Failed)
	require.Equal(t, domain.StatusError, status(t, store, id).Status)
}

func TestSweepSkipsInFlightJobs(t *testing.T) {
	live := inFlightSet{}
	s, store, c, base := setup(t, Options{StaleAfter: time.Minute}, live)
	ids := claimAt(t, store, c, base, 2)
	live[ids[0]] = true
	c.Set(base.Add(time.Hour))

	sum, err := s.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, Summary{Requeued: 1, Skipped: 1}, sum)
	require.Equal(t, domain.StatusRunning, status(t, store, ids[0]).Status)
	require.Equal(t, domain.StatusPending, status(t, store, ids[1]).Status)
}

func TestSweepOffPolicyDoesNothing(t *testing.T) {
	s, store, c, base := setup(t, Options{Policy: config.RecoveryOff, StaleAfter: time.Minute}, nil)
	id := claimAt(t, store, c, base, 1)[0]
	c.Set(base.Add(time.Hour))

	sum, err := s.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, Summary{}, sum)
	require.Equal(t, domain.StatusRunning, status(t, store, id).Status)
	require.NoError(t, s.Run(context.Background()))
}

type unavailableStore struct{ *memory.Store }

func (unavailableStore) ListStaleRunning(context.Context, time.Time, int) ([]*domain.Job, error) {
	return nil, fmt.Errorf("%w: down", domain.ErrStoreUnavailable)
}

func TestSweepPropagatesStoreFailure(t *testing.T) {
	s := New(unavailableStore{memory.New()}, nil, Options{StaleAfter: time.Minute})
	_, err := s.Sweep(context.Background())
	require.True(t, errors.Is(err, domain.ErrStoreUnavailable))
}

func TestRunSweepsImmediatelyAndStops(t *testing.T) {
	store := memory.New()
	id, err := store.Insert(context.Background(), &domain.Job{ArtifactHash: "h"})
	require.NoError(t, err)
	_, err = store.ClaimPending(context.Background(), 1)
	require.NoError(t, err)

	s := New(store, nil, Options{Interval: time.Hour, StaleAfter: -time.Minute})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		j, err := store.Get(context.Background(), id)
		return err == nil && j.Status == domain.StatusPending
	}, 3*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}
