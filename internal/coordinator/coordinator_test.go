package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/crowsandbox/crow/internal/artifacts"
	"github.com/crowsandbox/crow/internal/executor"
	"github.com/crowsandbox/crow/internal/limiter"
	"github.com/crowsandbox/crow/internal/recovery"
	"github.com/crowsandbox/crow/internal/results"
	"github.com/crowsandbox/crow/internal/sandbox"
	"github.com/crowsandbox/crow/internal/sandbox/sandboxtest"
	"github.com/crowsandbox/crow/pkg/config"
	"github.com/crowsandbox/crow/pkg/domain"
	"github.com/crowsandbox/crow/pkg/persistence/memory"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// checkedStore fails the test if a job is ever claimed twice or receives
// more than one terminal write that changes its status.
type checkedStore struct {
	*memory.Store
	t    *testing.T
	down atomic.Bool

	mu         sync.Mutex
	claims     map[string]int
	claimLimit []int
	terminal   map[string]int
}

func newCheckedStore(t *testing.T) *checkedStore {
	return &checkedStore{
		Store:    memory.New(),
		t:        t,
		claims:   map[string]int{},
		terminal: map[string]int{},
	}
}

func (s *checkedStore) ClaimPending(ctx context.Context, limit int) ([]*domain.Job, error) {
	if s.down.Load() {
		return nil, fmt.Errorf("%w: down", domain.ErrStoreUnavailable)
	}
	jobs, err := s.Store.ClaimPending(ctx, limit)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claimLimit = append(s.claimLimit, limit)
	for _, j := range jobs {
		s.claims[j.ID]++
		if s.claims[j.ID] > 1 {
			s.t.Errorf("job %s claimed %d times", j.ID, s.claims[j.ID])
		}
	}
	return jobs, err
}

func (s *checkedStore) SetStatus(ctx context.Context, id string, status domain.JobStatus, detail string) error {
	if s.down.Load() {
		return fmt.Errorf("%w: down", domain.ErrStoreUnavailable)
	}
	before, err := s.Store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.Store.SetStatus(ctx, id, status, detail); err != nil {
		return err
	}
	if before.Status != status && status.Terminal() {
		s.mu.Lock()
		s.terminal[id]++
		s.mu.Unlock()
	}
	return nil
}

func (s *checkedStore) limits() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.claimLimit...)
}

type harness struct {
	store   *checkedStore
	backend *sandboxtest.Backend
	lim     *limiter.Limiter
	coord   *Coordinator
	payload map[string][]byte
}

type loader map[string][]byte

func (l loader) Load(hash string) ([]byte, error) {
	if d, ok := l[hash]; ok {
		return d, nil
	}
	return nil, artifacts.ErrMissing
}

func newHarness(t *testing.T, n int, poll time.Duration) *harness {
	t.Helper()
	h := &harness{
		store:   newCheckedStore(t),
		backend: sandboxtest.New(),
		lim:     limiter.New(n),
		payload: map[string][]byte{},
	}
	exec := executor.New(h.backend, loader(h.payload), results.NewLocalSink(t.TempDir()), executor.Options{
		Sandbox:          config.SandboxConfig{Image: "crow/sandbox:test"},
		ExecutionTimeout: 2 * time.Second,
		TeardownTimeout:  time.Second,
	})
	h.coord = New(h.store, h.lim, exec, Options{
		PollInterval:    poll,
		StoreTimeout:    time.Second,
		ShutdownTimeout: 5 * time.Second,
	})
	return h
}

func (h *harness) submit(t *testing.T, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		data := []byte(fmt.Sprintf("artifact-%d-%d", len(h.payload), i))
		hash := artifacts.HashBytes(data)
		h.payload[hash] = data
		id, err := h.store.Insert(context.Background(), &domain.Job{ArtifactName: "a.bin", ArtifactHash: hash})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func (h *harness) status(t *testing.T, id string) domain.JobStatus {
	t.Helper()
	j, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Errorf("get %s: %v", id, err)
		return ""
	}
	return j.Status
}

func TestZeroPendingSpawnsNothing(t *testing.T) {
	h := newHarness(t, 3, time.Hour)

	require.NoError(t, h.coord.Tick(context.Background()))

	require.Equal(t, []int{3}, h.store.limits())
	require.Equal(t, 0, h.backend.Provisions())
	require.Equal(t, 0, h.coord.Stats().InFlight)
}

func TestThreeJobsTwoSlots(t *testing.T) {
	h := newHarness(t, 2, time.Hour)
	gate := make(chan struct{})
	h.backend.ExecuteFunc = func(ctx context.Context, _ *sandbox.Handle, _ sandbox.Artifact) (*sandbox.ExecutionResult, error) {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &sandbox.ExecutionResult{Stdout: []byte(`{}`)}, nil
	}
	ids := h.submit(t, 3)
	ctx := context.Background()

	require.NoError(t, h.coord.Tick(ctx))
	require.Eventually(t, func() bool { return h.backend.Live() == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, domain.StatusRunning, h.status(t, ids[0]))
	require.Equal(t, domain.StatusRunning, h.status(t, ids[1]))
	require.Equal(t, domain.StatusPending, h.status(t, ids[2]))

	// No free slot: the claim is skipped entirely.
	require.NoError(t, h.coord.Tick(ctx))
	require.Equal(t, []int{2}, h.store.limits())

	close(gate)
	require.Eventually(t, func() bool {
		_ = h.coord.Tick(ctx)
		for _, id := range ids {
			if h.status(t, id) != domain.StatusDone {
				return false
			}
		}
		return true
	}, 3*time.Second, 10*time.Millisecond)

	require.LessOrEqual(t, h.backend.PeakLive(), 2)
	require.Equal(t, 3, h.backend.Provisions())
	for _, id := range ids {
		require.Equal(t, 1, h.backend.Teardowns(id))
	}
}

func TestStoreOutageKeepsOutcomeForNextTick(t *testing.T) {
	h := newHarness(t, 1, time.Hour)
	ids := h.submit(t, 1)
	ctx := context.Background()

	require.NoError(t, h.coord.Tick(ctx))
	require.Eventually(t, func() bool { return len(h.coord.outcomes) == 1 }, 2*time.Second, 5*time.Millisecond)

	h.store.down.Store(true)
	err := h.coord.Tick(ctx)
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)
	require.Equal(t, 1, h.coord.Stats().Buffered)
	require.Equal(t, domain.StatusRunning, h.status(t, ids[0]))

	h.store.down.Store(false)
	require.NoError(t, h.coord.Tick(ctx))
	require.Equal(t, 0, h.coord.Stats().Buffered)
	require.Equal(t, domain.StatusDone, h.status(t, ids[0]))
}

func TestClaimFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, 2, 10*time.Millisecond)
	h.store.down.Store(true)
	ids := h.submit(t, 1)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- h.coord.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	h.store.down.Store(false)
	require.Eventually(t, func() bool { return h.status(t, ids[0]) == domain.StatusDone }, 3*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-errCh)
}

func TestDuplicateOutcomeIsIdempotent(t *testing.T) {
	h := newHarness(t, 1, time.Hour)
	ids := h.submit(t, 1)
	ctx := context.Background()
	_, err := h.store.Store.ClaimPending(ctx, 1)
	require.NoError(t, err)

	h.coord.outcomes <- domain.DoneOutcome(ids[0], 0, time.Second)
	h.coord.outcomes <- domain.DoneOutcome(ids[0], 0, time.Second)
	require.NoError(t, h.coord.Tick(ctx))

	require.Equal(t, domain.StatusDone, h.status(t, ids[0]))
	require.Equal(t, 0, h.coord.Stats().Buffered)
}

func TestInvalidOutcomeIsDropped(t *testing.T) {
	h := newHarness(t, 1, time.Hour)
	h.coord.outcomes <- domain.DoneOutcome("unknown-job", 0, 0)

	require.NoError(t, h.coord.Tick(context.Background()))
	require.Equal(t, 0, h.coord.Stats().Buffered)
}

func TestClosedChannelIsFatal(t *testing.T) {
	h := newHarness(t, 1, time.Hour)
	close(h.coord.outcomes)

	err := h.coord.Run(context.Background())
	require.ErrorIs(t, err, domain.ErrChannelClosed)
}

func TestShutdownDrainsInFlightExecutors(t *testing.T) {
	h := newHarness(t, 2, 10*time.Millisecond)
	started := make(chan struct{}, 2)
	gate := make(chan struct{})
	h.backend.ExecuteFunc = func(ctx context.Context, _ *sandbox.Handle, _ sandbox.Artifact) (*sandbox.ExecutionResult, error) {
		started <- struct{}{}
		<-gate
		return &sandbox.ExecutionResult{}, nil
	}
	ids := h.submit(t, 2)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- h.coord.Run(ctx) }()
	<-started
	<-started

	cancel()
	select {
	case err := <-errCh:
		t.Fatalf("Run returned before executors finished: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	require.NoError(t, <-errCh)
	for _, id := range ids {
		require.Equal(t, domain.StatusDone, h.status(t, id))
		require.Equal(t, 1, h.backend.Teardowns(id))
	}
	require.Equal(t, 0, h.lim.InUse())
}

func TestHangingExecuteTimesOut(t *testing.T) {
	h := newHarness(t, 1, time.Hour)
	exec := executor.New(h.backend, loader(h.payload), results.NewLocalSink(t.TempDir()), executor.Options{
		ExecutionTimeout: 50 * time.Millisecond,
		TeardownTimeout:  time.Second,
	})
	h.coord.dispatcher = exec
	unblock := make(chan struct{})
	t.Cleanup(func() { close(unblock) })
	h.backend.ExecuteFunc = func(context.Context, *sandbox.Handle, sandbox.Artifact) (*sandbox.ExecutionResult, error) {
		<-unblock
		return nil, errors.New("late")
	}
	ids := h.submit(t, 1)
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, h.coord.Tick(ctx))
	require.Eventually(t, func() bool {
		_ = h.coord.Tick(ctx)
		return h.status(t, ids[0]) == domain.StatusError
	}, 2*time.Second, 10*time.Millisecond)

	require.Less(t, time.Since(start), time.Second)
	require.Equal(t, 1, h.backend.Teardowns(ids[0]))
	j, err := h.store.Get(ctx, ids[0])
	require.NoError(t, err)
	require.Contains(t, j.ErrorDetail, "timed out")
}

func TestLivenessUnderRandomFailures(t *testing.T) {
	const jobs, slots = 30, 3
	h := newHarness(t, slots, 5*time.Millisecond)
	var (
		rngMu sync.Mutex
		rng   = rand.New(rand.NewSource(42))
	)
	roll := func() int {
		rngMu.Lock()
		defer rngMu.Unlock()
		return rng.Intn(10)
	}
	h.backend.ProvisionFunc = func(context.Context, sandbox.Spec) error {
		if roll() == 0 {
			return errors.New("no capacity")
		}
		return nil
	}
	h.backend.ExecuteFunc = func(context.Context, *sandbox.Handle, sandbox.Artifact) (*sandbox.ExecutionResult, error) {
		time.Sleep(time.Millisecond)
		switch roll() {
		case 0:
			panic("driver bug")
		case 1:
			return &sandbox.ExecutionResult{ExitCode: 1}, nil
		}
		return &sandbox.ExecutionResult{Stdout: []byte(`{}`)}, nil
	}
	ids := h.submit(t, jobs)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- h.coord.Run(ctx) }()

	require.Eventually(t, func() bool {
		for _, id := range ids {
			if !h.status(t, id).Terminal() {
				return false
			}
		}
		return true
	}, 10*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-errCh)

	require.LessOrEqual(t, h.backend.PeakLive(), slots)
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	for _, id := range ids {
		require.Equal(t, 1, h.store.claims[id], "claims of %s", id)
		require.Equal(t, 1, h.store.terminal[id], "terminal writes of %s", id)
		require.Equal(t, 1, h.backend.Teardowns(id), "teardowns of %s", id)
	}
}

func TestInFlightTracking(t *testing.T) {
	h := newHarness(t, 1, time.Hour)
	gate := make(chan struct{})
	h.backend.ExecuteFunc = func(context.Context, *sandbox.Handle, sandbox.Artifact) (*sandbox.ExecutionResult, error) {
		<-gate
		return &sandbox.ExecutionResult{}, nil
	}
	ids := h.submit(t, 1)
	require.NoError(t, h.coord.Tick(context.Background()))
	require.True(t, h.coord.InFlight(ids[0]))
	require.Equal(t, []string{ids[0]}, h.coord.InFlightIDs())

	close(gate)
	require.Eventually(t, func() bool { return len(h.coord.outcomes) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.True(t, h.coord.InFlight(ids[0]), "unpersisted outcome must keep the job in flight")
	require.NoError(t, h.coord.Tick(context.Background()))
	require.False(t, h.coord.InFlight(ids[0]))
	require.Empty(t, h.coord.InFlightIDs())
}

func TestSweepSkipsJobWithBufferedOutcome(t *testing.T) {
	h := newHarness(t, 1, time.Hour)
	ids := h.submit(t, 1)
	ctx := context.Background()
	sweeper := recovery.New(h.store, h.coord, recovery.Options{StaleAfter: time.Millisecond, MaxAttempts: 3})

	require.NoError(t, h.coord.Tick(ctx))
	require.Eventually(t, func() bool { return len(h.coord.outcomes) == 1 }, 2*time.Second, 5*time.Millisecond)

	h.store.down.Store(true)
	require.ErrorIs(t, h.coord.Tick(ctx), domain.ErrStoreUnavailable)
	require.Equal(t, 1, h.coord.Stats().Buffered)
	require.True(t, h.coord.InFlight(ids[0]))
	h.store.down.Store(false)

	time.Sleep(10 * time.Millisecond)
	sum, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, recovery.Summary{Skipped: 1}, sum)

	require.NoError(t, h.coord.Tick(ctx))
	require.Equal(t, domain.StatusDone, h.status(t, ids[0]))
	require.False(t, h.coord.InFlight(ids[0]))
	require.Equal(t, 1, h.store.claims[ids[0]])
	require.Equal(t, 1, h.backend.Teardowns(ids[0]))
}
