package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/crowsandbox/crow/internal/backoff"
	"github.com/crowsandbox/crow/pkg/domain"
)

type SuperviseOptions struct {
	// Interval between health probes while the store is healthy.
	Interval time.Duration
	// ProbeTimeout bounds a single Health call.
	ProbeTimeout time.Duration

	// Backoff spaces probes while the store is down. Defaults to full jitter
	// between 1s and 30s.
	Backoff *backoff.Schedule

	Logger *slog.Logger
	// OnStateChange is called when the store flips between healthy and unhealthy.
	OnStateChange func(healthy bool, err error)
}

// SupervisedStore keeps a store connection under a health-probe loop. While
// the last probe (or the last call) failed with a connectivity error, every
// call fails fast with domain.ErrStoreUnavailable instead of hanging on a dead
// connection. Run must be started for the store to recover.
type SupervisedStore struct {
	inner JobStore
	opts  SuperviseOptions

	mu       sync.RWMutex
	lastErr  error
	failures int

	kick chan struct{}
}

var _ JobStore = (*SupervisedStore)(nil)

func Supervise(inner JobStore, opts SuperviseOptions) *SupervisedStore {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Backoff == nil {
		opts.Backoff = backoff.New(backoff.FullJitter, time.Second, 30*time.Second)
	}
	if opts.Backoff.Floor <= 0 {
		opts.Backoff.Floor = 100 * time.Millisecond
	}
	return &SupervisedStore{
		inner: inner,
		opts:  opts,
		kick:  make(chan struct{}, 1),
	}
}

// Run probes the store until ctx is cancelled.
func (s *SupervisedStore) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.kick:
		case <-timer.C:
		}
		timer.Reset(s.probe(ctx))
	}
}

// Healthy reports the result of the last probe or call.
func (s *SupervisedStore) Healthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr == nil
}

func (s *SupervisedStore) probe(ctx context.Context) time.Duration {
	pctx, cancel := context.WithTimeout(ctx, s.opts.ProbeTimeout)
	err := s.inner.Health(pctx)
	cancel()
	if ctx.Err() != nil {
		return s.opts.Interval
	}
	if err != nil {
		s.markDown(err)
		s.mu.RLock()
		failures := s.failures
		s.mu.RUnlock()
		return s.opts.Backoff.Delay(failures)
	}
	s.markUp()
	return s.opts.Interval
}

func (s *SupervisedStore) markDown(err error) {
	s.mu.Lock()
	wasUp := s.lastErr == nil
	s.lastErr = err
	s.failures++
	failures := s.failures
	s.mu.Unlock()
	s.opts.Logger.Warn("job store unhealthy", "err", err, "consecutive_failures", failures)
	if wasUp && s.opts.OnStateChange != nil {
		s.opts.OnStateChange(false, err)
	}
}

func (s *SupervisedStore) markUp() {
	s.mu.Lock()
	wasDown := s.lastErr != nil
	s.lastErr = nil
	s.failures = 0
	s.mu.Unlock()
	if wasDown {
		s.opts.Logger.Info("job store recovered")
		if s.opts.OnStateChange != nil {
			s.opts.OnStateChange(true, nil)
		}
	}
}

func (s *SupervisedStore) gate() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastErr != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, s.lastErr)
	}
	return nil
}

// observe flags connectivity errors and asks the loop for an early probe.
func (s *SupervisedStore) observe(err error) error {
	if err != nil && errors.Is(err, domain.ErrStoreUnavailable) {
		s.markDown(err)
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}
	return err
}

func (s *SupervisedStore) Insert(ctx context.Context, job *domain.Job) (string, error) {
	if err := s.gate(); err != nil {
		return "", err
	}
	id, err := s.inner.Insert(ctx, job)
	return id, s.observe(err)
}

func (s *SupervisedStore) ClaimPending(ctx context.Context, limit int) ([]*domain.Job, error) {
	if err := s.gate(); err != nil {
		return nil, err
	}
	jobs, err := s.inner.ClaimPending(ctx, limit)
	return jobs, s.observe(err)
}

func (s *SupervisedStore) SetStatus(ctx context.Context, id string, status domain.JobStatus, detail string) error {
	if err := s.gate(); err != nil {
		return err
	}
	return s.observe(s.inner.SetStatus(ctx, id, status, detail))
}

func (s *SupervisedStore) Get(ctx context.Context, id string) (*domain.Job, error) {
	if err := s.gate(); err != nil {
		return nil, err
	}
	job, err := s.inner.Get(ctx, id)
	return job, s.observe(err)
}

func (s *SupervisedStore) FindByHash(ctx context.Context, hash string) (*domain.Job, error) {
	if err := s.gate(); err != nil {
		return nil, err
	}
	job, err := s.inner.FindByHash(ctx, hash)
	return job, s.observe(err)
}

func (s *SupervisedStore) ListStaleRunning(ctx context.Context, claimedBefore time.Time, limit int) ([]*domain.Job, error) {
	if err := s.gate(); err != nil {
		return nil, err
	}
	jobs, err := s.inner.ListStaleRunning(ctx, claimedBefore, limit)
	return jobs, s.observe(err)
}

func (s *SupervisedStore) Requeue(ctx context.Context, id string) error {
	if err := s.gate(); err != nil {
		return err
	}
	return s.observe(s.inner.Requeue(ctx, id))
}

func (s *SupervisedStore) CountByStatus(ctx context.Context) (domain.StatusCounts, error) {
	if err := s.gate(); err != nil {
		return nil, err
	}
	counts, err := s.inner.CountByStatus(ctx)
	return counts, s.observe(err)
}

// Health always asks the backend directly.
func (s *SupervisedStore) Health(ctx context.Context) error {
	return s.inner.Health(ctx)
}

func (s *SupervisedStore) Close() error {
	return s.inner.Close()
}
