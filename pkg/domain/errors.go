package domain

import (
	"context"
	"errors"
)

var (
	// ErrStoreUnavailable is transient: the coordinator skips the tick and retries.
	ErrStoreUnavailable = errors.New("job store unavailable")
	ErrProvisionFailed  = errors.New("sandbox provision failed")
	ErrExecutionFailed  = errors.New("sandbox execution failed")
	ErrExecutionTimeout = errors.New("sandbox execution timed out")
	// ErrChannelClosed is fatal to the coordinator.
	ErrChannelClosed = errors.New("completion channel closed")

	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Reason is a stable, low-cardinality label for an error category.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonStoreUnavailable  Reason = "store_unavailable"
	ReasonProvisionFailed   Reason = "provision_failed"
	ReasonExecutionFailed   Reason = "execution_failed"
	ReasonExecutionTimeout  Reason = "execution_timeout"
	ReasonChannelClosed     Reason = "channel_closed"
	ReasonNotFound          Reason = "not_found"
	ReasonInvalidTransition Reason = "invalid_transition"
	ReasonCancelled         Reason = "cancelled"
	ReasonUnknown           Reason = "unknown"
)

func ReasonOf(err error) Reason {
	switch {
	case err == nil:
		return ReasonNone
	case errors.Is(err, ErrStoreUnavailable):
		return ReasonStoreUnavailable
	case errors.Is(err, ErrExecutionTimeout), errors.Is(err, context.DeadlineExceeded):
		return ReasonExecutionTimeout
	case errors.Is(err, ErrProvisionFailed):
		return ReasonProvisionFailed
	case errors.Is(err, ErrExecutionFailed):
		return ReasonExecutionFailed
	case errors.Is(err, ErrChannelClosed):
		return ReasonChannelClosed
	case errors.Is(err, ErrNotFound):
		return ReasonNotFound
	case errors.Is(err, ErrInvalidTransition):
		return ReasonInvalidTransition
	case errors.Is(err, context.Canceled):
		return ReasonCancelled
	}
	return ReasonUnknown
}
