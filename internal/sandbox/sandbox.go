package sandbox

import (
	"context"
	"path"
	"time"

	"github.com/crowsandbox/crow/pkg/config"
	"github.com/crowsandbox/crow/pkg/domain"
)

// Backend provisions and drives isolated execution environments. A Handle
// returned by Provision is owned by exactly one caller, which must pass it to
// Teardown when done, even if Provision also returned an error.
type Backend interface {
	Name() string
	Provision(ctx context.Context, spec Spec) (*Handle, error)
	Start(ctx context.Context, h *Handle) error
	Stop(ctx context.Context, h *Handle) error
	// Restart is used for health recovery of a live sandbox.
	Restart(ctx context.Context, h *Handle) error
	// Execute injects the artifact and runs the analysis command until it
	// exits or ctx expires.
	Execute(ctx context.Context, h *Handle, a Artifact) (*ExecutionResult, error)
	// Teardown force-stops and destroys the sandbox. A handle without a
	// BackendID is resolved by its JobID, since a failed Provision may still
	// have allocated. Already destroyed sandboxes are a no-op.
	Teardown(ctx context.Context, h *Handle) error
}

// Handle is an opaque reference to one provisioned sandbox.
type Handle struct {
	JobID     string
	BackendID string
	Backend   string
	State     domain.SandboxState
	Spec      Spec
}

// Created reports whether the backend allocated anything for this handle.
func (h *Handle) Created() bool {
	return h != nil && h.BackendID != ""
}

// Spec describes the sandbox for one job.
type Spec struct {
	JobID        string
	Image        string
	Command      []string
	IdleCommand  []string
	ArtifactDir  string
	MemoryBytes  int64
	CPUMillis    int64
	PidsLimit    int64
	AllowNetwork bool
	PullImage    bool
	Labels       map[string]string
}

func SpecFromConfig(cfg config.SandboxConfig, jobID string) Spec {
	return Spec{
		JobID:        jobID,
		Image:        cfg.Image,
		Command:      append([]string(nil), cfg.Command...),
		IdleCommand:  append([]string(nil), cfg.IdleCommand...),
		ArtifactDir:  cfg.ArtifactDir,
		MemoryBytes:  cfg.MemoryBytes,
		CPUMillis:    cfg.CPUMillis,
		PidsLimit:    cfg.PidsLimit,
		AllowNetwork: cfg.AllowNetwork,
		PullImage:    cfg.PullImage,
		Labels: map[string]string{
			"app.kubernetes.io/managed-by": "crow",
			"crow.job-id":                  jobID,
		},
	}
}

// ArtifactPath is where the artifact lands inside the sandbox.
func (s Spec) ArtifactPath(a Artifact) string {
	dir := s.ArtifactDir
	if dir == "" {
		dir = "/sandbox/input"
	}
	name := a.Hash
	if name == "" {
		name = "artifact"
	}
	return path.Join(dir, name)
}

// AnalysisCommand is Command with the in-sandbox artifact path appended.
func (s Spec) AnalysisCommand(a Artifact) []string {
	cmd := append([]string(nil), s.Command...)
	return append(cmd, s.ArtifactPath(a))
}

// Artifact is the verified payload handed to Execute.
type Artifact struct {
	Name     string
	Hash     string
	MimeType string
	Data     []byte
}

type ExecutionResult struct {
	ExitCode  int
	Stdout    []byte
	Stderr    []byte
	StartedAt time.Time
	EndedAt   time.Time
}

func (r *ExecutionResult) Duration() time.Duration {
	if r == nil {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}
