package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crowsandbox/crow/internal/limiter"
	"github.com/crowsandbox/crow/internal/metrics"
	"github.com/crowsandbox/crow/pkg/domain"
)

// Store is the part of the job store the coordinator uses.
type Store interface {
	ClaimPending(ctx context.Context, limit int) ([]*domain.Job, error)
	SetStatus(ctx context.Context, id string, status domain.JobStatus, detail string) error
}

// Dispatcher runs one job to completion, sends exactly one outcome on out and
// then calls release.
type Dispatcher interface {
	Dispatch(ctx context.Context, job *domain.Job, out chan<- domain.Outcome, release func())
}

type Options struct {
	PollInterval    time.Duration
	StoreTimeout    time.Duration
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
}

// Stats is a point-in-time view of the coordinator.
type Stats struct {
	InFlight  int `json:"inFlight"`
	Available int `json:"available"`
	Capacity  int `json:"capacity"`
	// Buffered counts outcomes received but not yet persisted.
	Buffered int `json:"buffered"`
}

// Coordinator claims pending jobs while sandbox slots are free, hands each to
// a dispatcher goroutine and persists the outcomes they report.
type Coordinator struct {
	store      Store
	limiter    *limiter.Limiter
	dispatcher Dispatcher
	opts       Options
	logger     *slog.Logger

	outcomes chan domain.Outcome
	// pending holds received outcomes until their status write succeeds.
	// Only the goroutine calling Tick touches it.
	pending  []domain.Outcome
	buffered atomic.Int64

	wg       sync.WaitGroup
	mu       sync.Mutex
	inFlight map[string]time.Time
}

func New(store Store, lim *limiter.Limiter, dispatcher Dispatcher, opts Options) *Coordinator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 10 * time.Second
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:      store,
		limiter:    lim,
		dispatcher: dispatcher,
		opts:       opts,
		logger:     logger,
		outcomes:   make(chan domain.Outcome, 2*lim.Capacity()),
		inFlight:   make(map[string]time.Time),
	}
}

// Run ticks until ctx is cancelled, then waits for in-flight executors and
// persists their outcomes. It returns an error only when the completion
// channel is closed underneath it or the drain does not finish in time.
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.Info("coordinator started",
		"poll_interval", c.opts.PollInterval,
		"max_concurrency", c.limiter.Capacity(),
	)
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		if err := c.Tick(ctx); err != nil {
			if errors.Is(err, domain.ErrChannelClosed) {
				c.logger.Error("coordinator stopping", "err", err)
				return err
			}
			if ctx.Err() == nil {
				c.logger.Warn("coordinator tick skipped", "reason", domain.ReasonOf(err), "err", err)
			}
		}
		select {
		case <-ctx.Done():
			return c.drain()
		case <-ticker.C:
		}
	}
}

// Tick performs one scheduling round: persist completed outcomes, claim up to
// the number of free slots and dispatch the claimed jobs. A store failure
// skips the rest of the round.
func (c *Coordinator) Tick(ctx context.Context) error {
	if err := c.receive(); err != nil {
		metrics.CoordinatorTicksTotal.WithLabelValues("channel_closed").Inc()
		return err
	}
	if err := c.flush(ctx); err != nil {
		metrics.CoordinatorTicksTotal.WithLabelValues(string(domain.ReasonOf(err))).Inc()
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	free := c.limiter.Available()
	if free == 0 {
		metrics.CoordinatorTicksTotal.WithLabelValues("saturated").Inc()
		return nil
	}

	sctx, cancel := context.WithTimeout(ctx, c.opts.StoreTimeout)
	jobs, err := c.store.ClaimPending(sctx, free)
	cancel()
	if err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("claim_pending", string(domain.ReasonOf(err))).Inc()
		metrics.CoordinatorTicksTotal.WithLabelValues(string(domain.ReasonOf(err))).Inc()
		return fmt.Errorf("claim pending: %w", err)
	}
	if len(jobs) == 0 {
		metrics.CoordinatorTicksTotal.WithLabelValues("idle").Inc()
		return nil
	}
	metrics.JobsClaimedTotal.Add(float64(len(jobs)))

	for _, job := range jobs {
		// Only this goroutine acquires, so Available() slots are still free.
		if err := c.limiter.Acquire(context.WithoutCancel(ctx)); err != nil {
			return err
		}
		c.spawn(ctx, job)
	}
	metrics.CoordinatorTicksTotal.WithLabelValues("ok").Inc()
	return nil
}

func (c *Coordinator) spawn(ctx context.Context, job *domain.Job) {
	c.mu.Lock()
	c.inFlight[job.ID] = time.Now()
	c.mu.Unlock()

	c.logger.Info("dispatching job", "job_id", job.ID, "attempt", job.Attempts)

	// Executors are bounded by their own timeouts, not by shutdown.
	execCtx := context.WithoutCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		// The id stays in inFlight until flush persists or drops the outcome.
		c.dispatcher.Dispatch(execCtx, job, c.outcomes, c.limiter.Release)
	}()
}

// receive moves every outcome already in the channel to the pending buffer
// without blocking.
func (c *Coordinator) receive() error {
	for {
		select {
		case o, ok := <-c.outcomes:
			if !ok {
				return domain.ErrChannelClosed
			}
			c.pending = append(c.pending, o)
			c.buffered.Store(int64(len(c.pending)))
		default:
			return nil
		}
	}
}

// flush writes pending outcomes in receipt order. It stops at the first
// transient failure and keeps the rest for the next attempt.
func (c *Coordinator) flush(ctx context.Context) error {
	defer func() { c.buffered.Store(int64(len(c.pending))) }()
	for len(c.pending) > 0 {
		o := c.pending[0]
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.StoreTimeout)
		err := c.store.SetStatus(sctx, o.JobID, o.Status, o.ErrorDetail)
		cancel()

		switch {
		case err == nil:
			c.logger.Info("job finished", "job_id", o.JobID, "status", o.Status, "reason", o.Reason, "duration", o.Duration)
		case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrNotFound):
			metrics.StoreErrorsTotal.WithLabelValues("set_status", string(domain.ReasonOf(err))).Inc()
			c.logger.Warn("dropping outcome", "job_id", o.JobID, "status", o.Status, "err", err)
		default:
			metrics.StoreErrorsTotal.WithLabelValues("set_status", string(domain.ReasonOf(err))).Inc()
			if !errors.Is(err, domain.ErrStoreUnavailable) {
				err = fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
			}
			return fmt.Errorf("set status %s: %w", o.JobID, err)
		}
		c.forget(o.JobID)
		c.pending[0] = domain.Outcome{}
		c.pending = c.pending[1:]
	}
	c.pending = nil
	return nil
}

// drain waits for every in-flight executor and persists what they report,
// bounded by the shutdown timeout.
func (c *Coordinator) drain() error {
	c.logger.Info("coordinator draining", "in_flight", c.limiter.InUse())
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.ShutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	retry := time.NewTicker(200 * time.Millisecond)
	defer retry.Stop()

	exited := false
	for {
		if !exited {
			if err := c.receive(); err != nil {
				return err
			}
		}
		flushErr := c.flush(ctx)
		if exited && flushErr == nil {
			c.logger.Info("coordinator drained")
			return nil
		}
		select {
		case <-done:
			// Every executor has exited, nothing else can send.
			exited = true
			done = nil
			close(c.outcomes)
			for o := range c.outcomes {
				c.pending = append(c.pending, o)
			}
		case <-retry.C:
		case <-ctx.Done():
			c.logger.Error("coordinator drain timed out",
				"in_flight", len(c.InFlightIDs()),
				"unpersisted", len(c.pending),
				"err", flushErr,
			)
			return fmt.Errorf("coordinator drain: %w", ctx.Err())
		}
	}
}

func (c *Coordinator) forget(jobID string) {
	c.mu.Lock()
	delete(c.inFlight, jobID)
	c.mu.Unlock()
}

// InFlight reports whether jobID is executing in this process or its outcome
// has not been persisted yet.
func (c *Coordinator) InFlight(jobID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inFlight[jobID]
	return ok
}

func (c *Coordinator) InFlightIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.inFlight))
	for id := range c.inFlight {
		ids = append(ids, id)
	}
	return ids
}

func (c *Coordinator) Stats() Stats {
	return Stats{
		InFlight:  c.limiter.InUse(),
		Available: c.limiter.Available(),
		Capacity:  c.limiter.Capacity(),
		Buffered:  int(c.buffered.Load()),
	}
}
