package domain

import (
	"encoding"
	"fmt"
	"time"
)

type JobStatus string

const (
	StatusPending JobStatus = "Pending"
	StatusRunning JobStatus = "Running"
	StatusDone    JobStatus = "Done"
	StatusError   JobStatus = "Error"
)

// AllStatuses lists every persisted status in lifecycle order.
var AllStatuses = []JobStatus{StatusPending, StatusRunning, StatusDone, StatusError}

type Job struct {
	ID           string    `json:"id"`
	ArtifactName string    `json:"artifactName"`
	ArtifactHash string    `json:"artifactHash"` // lower-case hex SHA-256
	ArtifactSize int64     `json:"artifactSize,omitempty"`
	MimeType     string    `json:"mimeType,omitempty"`
	SubmittedAt  time.Time `json:"submittedAt"`
	Status       JobStatus `json:"status"`
	// ClaimedAt is set when the job moves to Running; the recovery sweep keys off it.
	ClaimedAt   *time.Time `json:"claimedAt,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	Attempts    int        `json:"attempts,omitempty"`
	ErrorDetail string     `json:"errorDetail,omitempty"`
}

var (
	_ encoding.BinaryMarshaler = JobStatus("")
	_ encoding.TextMarshaler   = JobStatus("")
)

func (s JobStatus) MarshalBinary() ([]byte, error) { return []byte(string(s)), nil }
func (s JobStatus) MarshalText() ([]byte, error)   { return []byte(string(s)), nil }

func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusDone, StatusError:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible through SetStatus.
func (s JobStatus) Terminal() bool {
	return s == StatusDone || s == StatusError
}

func ParseJobStatus(v string) (JobStatus, error) {
	s := JobStatus(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown job status %q", v)
	}
	return s, nil
}

// CheckTransition validates a SetStatus write from cur to next.
// It returns noop=true when the write would not change anything.
func CheckTransition(cur, next JobStatus) (noop bool, err error) {
	if !next.Valid() {
		return false, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, next)
	}
	if cur == next {
		return true, nil
	}
	switch cur {
	case StatusPending:
		if next == StatusRunning || next == StatusError {
			return false, nil
		}
	case StatusRunning:
		if next == StatusDone || next == StatusError {
			return false, nil
		}
	}
	return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur, next)
}

// StatusCounts is the number of jobs per status.
type StatusCounts map[JobStatus]int64
