// Package results persists the analysis report collected from a sandbox.
package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/crowsandbox/crow/pkg/domain"
)

// Report is the document written for every completed job.
type Report struct {
	JobID        string          `json:"jobId"`
	ArtifactHash string          `json:"artifactSha256"`
	Backend      string          `json:"backend"`
	ExitCode     int             `json:"exitCode"`
	DurationMs   int64           `json:"durationMs"`
	CollectedAt  time.Time       `json:"collectedAt"`
	Output       json.RawMessage `json:"output,omitempty"`
	RawOutput    string          `json:"rawOutput,omitempty"`
	Stderr       string          `json:"stderr,omitempty"`
}

// SetOutput stores stdout as structured JSON when it parses, raw text otherwise.
func (r *Report) SetOutput(stdout []byte) {
	if len(stdout) > 0 && json.Valid(stdout) {
		r.Output = json.RawMessage(stdout)
		return
	}
	r.RawOutput = string(stdout)
}

type Sink interface {
	Put(ctx context.Context, report *Report) (string, error)
}

// Reader loads a stored report. A missing report is domain.ErrNotFound.
type Reader interface {
	Get(ctx context.Context, jobID string) (*Report, error)
}

type LocalSink struct {
	rootDir string
}

// NewLocalSink writes reports to <rootDir>/<job-id>.json.
func NewLocalSink(rootDir string) *LocalSink {
	return &LocalSink{rootDir: rootDir}
}

func (s *LocalSink) Put(ctx context.Context, report *Report) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}
	dst := s.path(report.JobID)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", err
	}
	// Write then rename so readers never observe a partial report.
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	abs, _ := filepath.Abs(dst)
	return "file://" + abs, nil
}

func (s *LocalSink) Get(ctx context.Context, jobID string) (*Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(jobID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("report %s: %w", jobID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode report %s: %w", jobID, err)
	}
	return &r, nil
}

func (s *LocalSink) path(jobID string) string {
	return filepath.Join(s.rootDir, filepath.Base(jobID)+".json")
}
