package main

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type blockingRunner struct {
	stopped atomic.Bool
}

func (r *blockingRunner) Run(ctx context.Context) error {
	<-ctx.Done()
	r.stopped.Store(true)
	return nil
}

// drainingRunner keeps working after ctx is cancelled and records whether
// the supervisor was still running when it finished.
type drainingRunner struct {
	supervisor    *blockingRunner
	sawSupervisor atomic.Bool
}

func (r *drainingRunner) Run(ctx context.Context) error {
	<-ctx.Done()
	time.Sleep(50 * time.Millisecond)
	r.sawSupervisor.Store(!r.supervisor.stopped.Load())
	return nil
}

func TestSupervisorOutlivesCoordinatorDrain(t *testing.T) {
	supervisor := &blockingRunner{}
	sweeper := &blockingRunner{}
	coord := &drainingRunner{supervisor: supervisor}

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	runWorkers(g, gctx, supervisor, sweeper, coord)

	cancel()
	require.NoError(t, g.Wait())
	require.True(t, coord.sawSupervisor.Load(), "supervisor stopped before the drain finished")
	require.True(t, supervisor.stopped.Load())
	require.True(t, sweeper.stopped.Load())
}
