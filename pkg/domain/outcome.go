package domain

import "time"

// Outcome is the terminal report of one executor run. It travels over the
// completion channel and is consumed exactly once by the coordinator.
type Outcome struct {
	JobID       string        `json:"jobId"`
	Status      JobStatus     `json:"status"`
	ErrorDetail string        `json:"errorDetail,omitempty"`
	Reason      Reason        `json:"reason,omitempty"`
	ExitCode    int           `json:"exitCode"`
	Duration    time.Duration `json:"duration"`
}

func DoneOutcome(jobID string, exitCode int, d time.Duration) Outcome {
	return Outcome{JobID: jobID, Status: StatusDone, ExitCode: exitCode, Duration: d}
}

func ErrorOutcome(jobID string, err error, d time.Duration) Outcome {
	o := Outcome{JobID: jobID, Status: StatusError, Reason: ReasonOf(err), ExitCode: -1, Duration: d}
	if err != nil {
		o.ErrorDetail = err.Error()
	}
	return o
}
