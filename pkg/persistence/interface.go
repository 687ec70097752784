package persistence

import (
	"context"
	"time"

	"github.com/crowsandbox/crow/pkg/domain"
)

// JobStore is the durable job table shared by the submission path and the
// coordinator. Connectivity failures are wrapped with domain.ErrStoreUnavailable.
type JobStore interface {
	// Insert stores a new Pending job and returns its id. The submission path
	// is the only caller.
	Insert(ctx context.Context, job *domain.Job) (string, error)

	// ClaimPending atomically moves up to limit jobs from Pending to Running
	// and returns them. A job is never returned to two callers. No work is an
	// empty slice, not an error.
	ClaimPending(ctx context.Context, limit int) ([]*domain.Job, error)

	// SetStatus records a status transition. Writing the current status again
	// is a no-op; detail is kept as the job's error detail.
	SetStatus(ctx context.Context, id string, status domain.JobStatus, detail string) error

	// Get retrieves a job by id.
	Get(ctx context.Context, id string) (*domain.Job, error)

	// FindByHash returns the most recent job for an artifact hash.
	FindByHash(ctx context.Context, hash string) (*domain.Job, error)

	// ListStaleRunning returns Running jobs claimed before the cutoff.
	ListStaleRunning(ctx context.Context, claimedBefore time.Time, limit int) ([]*domain.Job, error)

	// Requeue moves a Running job back to Pending. Only the recovery sweep calls it.
	Requeue(ctx context.Context, id string) error

	// CountByStatus returns job counts per status.
	CountByStatus(ctx context.Context) (domain.StatusCounts, error)

	// Health checks if the backend is reachable
	Health(ctx context.Context) error

	// Close releases resources held by the backend
	Close() error
}
