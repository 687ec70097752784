package domain

// SandboxState is the lifecycle state of one isolated environment.
type SandboxState string

const (
	SandboxCreated   SandboxState = "Created"
	SandboxRunning   SandboxState = "Running"
	SandboxStopped   SandboxState = "Stopped"
	SandboxDestroyed SandboxState = "Destroyed"
)

// Phase is the executor-local state of a claimed job. It is never persisted.
type Phase string

const (
	PhaseClaimed      Phase = "claimed"
	PhaseProvisioning Phase = "provisioning"
	PhaseRunning      Phase = "running"
	PhaseCollecting   Phase = "collecting"
	PhaseDone         Phase = "done"
	PhaseError        Phase = "error"
)
