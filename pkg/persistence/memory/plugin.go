package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/crowsandbox/crow/pkg/domain"
	"github.com/crowsandbox/crow/pkg/persistence"

	"github.com/google/uuid"
)

// Store implements persistence.JobStore in process memory.
// This is primarily for testing and local development.
type Store struct {
	mu      sync.Mutex
	jobs    map[string]*domain.Job
	pending []string // FIFO of job ids
	byHash  map[string]string
	tz      *time.Location
	now     func() time.Time
}

var _ persistence.JobStore = (*Store)(nil)

func New() *Store {
	return &Store{
		jobs:   make(map[string]*domain.Job),
		byHash: make(map[string]string),
		tz:     time.UTC,
		now:    time.Now,
	}
}

// NewPlugin creates a new in-memory store from registry configuration
func NewPlugin(config persistence.PluginConfig) (persistence.JobStore, error) {
	s := New()
	if config.Timezone != nil {
		s.tz = config.Timezone
	}
	return s, nil
}

func init() {
	persistence.RegisterProvider("memory", NewPlugin)
}

// WithClock replaces the time source. Tests only.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) ts() time.Time { return s.now().In(s.tz) }

func (s *Store) Insert(ctx context.Context, job *domain.Job) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j := *job
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if _, exists := s.jobs[j.ID]; exists {
		return "", fmt.Errorf("insert job %s: %w", j.ID, domain.ErrAlreadyExists)
	}
	now := s.ts()
	if j.SubmittedAt.IsZero() {
		j.SubmittedAt = now
	}
	j.Status = domain.StatusPending
	j.UpdatedAt = now
	s.jobs[j.ID] = &j
	s.pending = append(s.pending, j.ID)
	if j.ArtifactHash != "" {
		s.byHash[j.ArtifactHash] = j.ID
	}
	return j.ID, nil
}

func (s *Store) ClaimPending(ctx context.Context, limit int) ([]*domain.Job, error) {
	if limit <= 0 {
		return []*domain.Job{}, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*domain.Job, 0, limit)
	now := s.ts()
	for len(s.pending) > 0 && len(out) < limit {
		id := s.pending[0]
		s.pending = s.pending[1:]
		j, ok := s.jobs[id]
		if !ok || j.Status != domain.StatusPending {
			continue
		}
		claimed := now
		j.Status = domain.StatusRunning
		j.ClaimedAt = &claimed
		j.UpdatedAt = now
		j.Attempts++
		cp := *j
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) SetStatus(ctx context.Context, id string, status domain.JobStatus, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("set status %s: %w", id, domain.ErrNotFound)
	}
	noop, err := domain.CheckTransition(j.Status, status)
	if err != nil {
		return err
	}
	if noop {
		return nil
	}
	j.Status = status
	j.UpdatedAt = s.ts()
	if status == domain.StatusError {
		j.ErrorDetail = detail
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *Store) FindByHash(ctx context.Context, hash string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byHash[hash]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *s.jobs[id]
	return &cp, nil
}

func (s *Store) ListStaleRunning(ctx context.Context, claimedBefore time.Time, limit int) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Job
	for _, j := range s.jobs {
		if j.Status != domain.StatusRunning || j.ClaimedAt == nil || !j.ClaimedAt.Before(claimedBefore) {
			continue
		}
		cp := *j
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ClaimedAt.Before(*out[k].ClaimedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) Requeue(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("requeue %s: %w", id, domain.ErrNotFound)
	}
	if j.Status != domain.StatusRunning {
		return fmt.Errorf("%w: requeue from %s", domain.ErrInvalidTransition, j.Status)
	}
	j.Status = domain.StatusPending
	j.ClaimedAt = nil
	j.UpdatedAt = s.ts()
	s.pending = append(s.pending, id)
	return nil
}

func (s *Store) CountByStatus(ctx context.Context) (domain.StatusCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := domain.StatusCounts{}
	for _, st := range domain.AllStatuses {
		counts[st] = 0
	}
	for _, j := range s.jobs {
		counts[j.Status]++
	}
	return counts, nil
}

// Health always returns nil for in-memory storage
func (s *Store) Health(ctx context.Context) error {
	return nil
}

// Close is a no-op for in-memory storage
func (s *Store) Close() error {
	return nil
}
