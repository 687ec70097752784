// Package sandboxtest provides an in-process Backend for tests.
package sandboxtest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crowsandbox/crow/internal/sandbox"
	"github.com/crowsandbox/crow/pkg/domain"
)

// Backend is a scriptable fake. Hooks left nil succeed immediately.
type Backend struct {
	ProvisionFunc func(ctx context.Context, spec sandbox.Spec) error
	ExecuteFunc   func(ctx context.Context, h *sandbox.Handle, a sandbox.Artifact) (*sandbox.ExecutionResult, error)
	TeardownFunc  func(ctx context.Context, h *sandbox.Handle) error

	seq        atomic.Int64
	live       atomic.Int64
	peak       atomic.Int64
	provisions atomic.Int64

	mu        sync.Mutex
	teardowns map[string]int
	allocated map[string]bool
}

var _ sandbox.Backend = (*Backend)(nil)

func New() *Backend {
	return &Backend{teardowns: map[string]int{}, allocated: map[string]bool{}}
}

func (b *Backend) Name() string { return "fake" }

func (b *Backend) Provision(ctx context.Context, spec sandbox.Spec) (*sandbox.Handle, error) {
	b.provisions.Add(1)
	h := &sandbox.Handle{
		JobID:     spec.JobID,
		BackendID: fmt.Sprintf("fake-%d", b.seq.Add(1)),
		Backend:   b.Name(),
		State:     domain.SandboxCreated,
		Spec:      spec,
	}
	b.mu.Lock()
	b.allocated[spec.JobID] = true
	b.mu.Unlock()
	b.trackLive()
	if b.ProvisionFunc != nil {
		if err := b.ProvisionFunc(ctx, spec); err != nil {
			return h, fmt.Errorf("%w: %v", domain.ErrProvisionFailed, err)
		}
	}
	h.State = domain.SandboxRunning
	return h, nil
}

func (b *Backend) trackLive() {
	v := b.live.Add(1)
	for {
		p := b.peak.Load()
		if v <= p || b.peak.CompareAndSwap(p, v) {
			return
		}
	}
}

func (b *Backend) Start(_ context.Context, h *sandbox.Handle) error {
	h.State = domain.SandboxRunning
	return nil
}

func (b *Backend) Stop(_ context.Context, h *sandbox.Handle) error {
	h.State = domain.SandboxStopped
	return nil
}

func (b *Backend) Restart(ctx context.Context, h *sandbox.Handle) error {
	if err := b.Stop(ctx, h); err != nil {
		return err
	}
	return b.Start(ctx, h)
}

func (b *Backend) Execute(ctx context.Context, h *sandbox.Handle, a sandbox.Artifact) (*sandbox.ExecutionResult, error) {
	if b.ExecuteFunc != nil {
		return b.ExecuteFunc(ctx, h, a)
	}
	now := time.Now()
	return &sandbox.ExecutionResult{
		ExitCode:  0,
		Stdout:    []byte(`{"verdict":"clean"}`),
		StartedAt: now,
		EndedAt:   now,
	}, nil
}

func (b *Backend) Teardown(ctx context.Context, h *sandbox.Handle) error {
	if h == nil {
		return nil
	}
	b.mu.Lock()
	b.teardowns[h.JobID]++
	freed := b.allocated[h.JobID]
	delete(b.allocated, h.JobID)
	b.mu.Unlock()
	// Handles without a BackendID are matched by job id.
	if freed {
		b.live.Add(-1)
	}
	h.State = domain.SandboxDestroyed
	if b.TeardownFunc != nil {
		return b.TeardownFunc(ctx, h)
	}
	return nil
}

// Teardowns returns how many times the sandbox of jobID was torn down.
func (b *Backend) Teardowns(jobID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.teardowns[jobID]
}

func (b *Backend) Provisions() int { return int(b.provisions.Load()) }
func (b *Backend) Live() int       { return int(b.live.Load()) }

// PeakLive is the highest number of sandboxes alive at once.
func (b *Backend) PeakLive() int { return int(b.peak.Load()) }
