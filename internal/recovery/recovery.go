// Package recovery returns jobs stuck in Running to a terminal or pending
// state after the process that claimed them went away.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/crowsandbox/crow/internal/metrics"
	"github.com/crowsandbox/crow/pkg/config"
	"github.com/crowsandbox/crow/pkg/domain"

	gocron "github.com/go-co-op/gocron/v2"
)

const (
	DetailMaxAttempts = "recovery: max attempts exceeded"
	DetailStale       = "recovery: stale running job"
)

type Store interface {
	ListStaleRunning(ctx context.Context, claimedBefore time.Time, limit int) ([]*domain.Job, error)
	Requeue(ctx context.Context, id string) error
	SetStatus(ctx context.Context, id string, status domain.JobStatus, detail string) error
}

// InFlight reports jobs owned by a live executor in this process.
type InFlight interface {
	InFlight(jobID string) bool
}

type Options struct {
	Policy      string
	Interval    time.Duration
	StaleAfter  time.Duration
	MaxAttempts int
	BatchSize   int
	Logger      *slog.Logger
}

type Summary struct {
	Requeued int
	Failed   int
	Skipped  int
}

type Sweeper struct {
	store    Store
	inFlight InFlight
	opts     Options
	logger   *slog.Logger
	now      func() time.Time
}

func New(store Store, inFlight InFlight, opts Options) *Sweeper {
	if opts.Policy == "" {
		opts.Policy = config.RecoveryRequeue
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{store: store, inFlight: inFlight, opts: opts, logger: logger, now: time.Now}
}

// Run sweeps immediately and then every Interval until ctx is done. Runs never
// overlap: a sweep still in progress delays the next one.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.opts.Policy == config.RecoveryOff {
		s.logger.Info("recovery sweep disabled")
		return nil
	}
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(s.opts.Interval),
		gocron.NewTask(func() {
			sum, err := s.Sweep(ctx)
			if err != nil {
				s.logger.WarnContext(ctx, "recovery sweep failed", "err", err)
				return
			}
			if sum.Requeued+sum.Failed > 0 {
				s.logger.InfoContext(ctx, "recovery sweep", "requeued", sum.Requeued, "failed", sum.Failed, "skipped", sum.Skipped)
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		_ = scheduler.Shutdown()
		return fmt.Errorf("initializing gocron job: %w", err)
	}

	s.logger.Info("recovery sweep started",
		"policy", s.opts.Policy,
		"interval", s.opts.Interval,
		"stale_after", s.opts.StaleAfter,
	)
	scheduler.Start()
	<-ctx.Done()
	if err := scheduler.Shutdown(); err != nil {
		s.logger.Error("shutting down gocron has failed", "error", err)
	}
	return nil
}

// Sweep handles one batch of stale Running jobs according to the policy.
func (s *Sweeper) Sweep(ctx context.Context) (Summary, error) {
	var sum Summary
	if s.opts.Policy == config.RecoveryOff {
		return sum, nil
	}
	cutoff := s.now().Add(-s.opts.StaleAfter)
	jobs, err := s.store.ListStaleRunning(ctx, cutoff, s.opts.BatchSize)
	if err != nil {
		return sum, fmt.Errorf("list stale running: %w", err)
	}

	for _, j := range jobs {
		if s.inFlight != nil && s.inFlight.InFlight(j.ID) {
			sum.Skipped++
			continue
		}
		action, err := s.recover(ctx, j)
		switch {
		case err == nil:
		case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrNotFound):
			// Finished or removed since the listing.
			sum.Skipped++
			continue
		default:
			return sum, err
		}
		metrics.RecoveredJobsTotal.WithLabelValues(action).Inc()
		s.logger.WarnContext(ctx, "recovered stale job",
			"job_id", j.ID,
			"action", action,
			"attempts", j.Attempts,
			"claimed_at", j.ClaimedAt,
		)
		if action == "requeued" {
			sum.Requeued++
		} else {
			sum.Failed++
		}
	}
	return sum, nil
}

func (s *Sweeper) recover(ctx context.Context, j *domain.Job) (string, error) {
	switch {
	case s.opts.Policy == config.RecoveryFail:
		return "failed", s.store.SetStatus(ctx, j.ID, domain.StatusError, DetailStale)
	case s.opts.MaxAttempts > 0 && j.Attempts >= s.opts.MaxAttempts:
		return "failed", s.store.SetStatus(ctx, j.ID, domain.StatusError, DetailMaxAttempts)
	default:
		return "requeued", s.store.Requeue(ctx, j.ID)
	}
}
