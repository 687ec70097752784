// Package backoff computes retry delays for reconnect loops.
package backoff

import (
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"
)

type Policy string

const (
	Fixed       Policy = "fixed"
	Linear      Policy = "linear"
	Exponential Policy = "exponential"
	EqualJitter Policy = "exp_equal_jitter"
	FullJitter  Policy = "exp_full_jitter"
)

// ParsePolicy accepts the policy names above; empty means FullJitter.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return FullJitter, nil
	case Fixed, Linear, Exponential, EqualJitter, FullJitter:
		return p, nil
	default:
		return "", fmt.Errorf("unknown backoff policy %q", s)
	}
}

// Schedule maps a count of consecutive failures to a wait. It is safe for
// concurrent use.
type Schedule struct {
	policy Policy
	base   time.Duration
	max    time.Duration
	// Floor is the smallest delay Delay returns; jitter may otherwise yield 0.
	Floor time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

func New(policy Policy, base, max time.Duration) *Schedule {
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = base
	}
	if policy == "" {
		policy = FullJitter
	}
	return &Schedule{
		policy: policy,
		base:   base,
		max:    max,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// WithSeed makes jittered delays reproducible.
func (s *Schedule) WithSeed(seed int64) *Schedule {
	s.mu.Lock()
	s.rng = rand.New(rand.NewSource(seed))
	s.mu.Unlock()
	return s
}

// Delay returns the wait after the given number of consecutive failures.
// failures <= 1 is the first retry.
func (s *Schedule) Delay(failures int) time.Duration {
	d := s.raw(max(failures-1, 0))
	if d < s.Floor {
		return s.Floor
	}
	return d
}

func (s *Schedule) raw(attempt int) time.Duration {
	switch s.policy {
	case Fixed:
		return min(s.base, s.max)
	case Linear:
		return min(s.base*time.Duration(attempt+1), s.max)
	case Exponential:
		return s.ceiling(attempt)
	case EqualJitter:
		c := s.ceiling(attempt)
		half := c / 2
		return half + s.jitter(c-half)
	default:
		return s.jitter(s.ceiling(attempt))
	}
}

// ceiling is base*2^attempt capped at max, without overflowing.
func (s *Schedule) ceiling(attempt int) time.Duration {
	f := float64(s.base) * math.Pow(2, float64(attempt))
	if f >= float64(s.max) || math.IsInf(f, 0) {
		return s.max
	}
	return time.Duration(f)
}

func (s *Schedule) jitter(upTo time.Duration) time.Duration {
	if upTo <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.rng.Int63n(int64(upTo) + 1))
}
