package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/crowsandbox/crow/internal/artifacts"
	"github.com/crowsandbox/crow/internal/metrics"
	"github.com/crowsandbox/crow/internal/results"
	"github.com/crowsandbox/crow/internal/tracing"
	"github.com/crowsandbox/crow/pkg/domain"

	"go.opentelemetry.io/otel/attribute"
)

// ArtifactSaver stores an upload and reports its identity.
type ArtifactSaver interface {
	Save(r io.Reader, maxBytes int64) (artifacts.Info, error)
}

// JobStore is the subset of persistence.JobStore the submission path uses.
type JobStore interface {
	Insert(ctx context.Context, job *domain.Job) (string, error)
	Get(ctx context.Context, id string) (*domain.Job, error)
	FindByHash(ctx context.Context, hash string) (*domain.Job, error)
	CountByStatus(ctx context.Context) (domain.StatusCounts, error)
	Health(ctx context.Context) error
}

type JobsService interface {
	// Submit stores the artifact and returns its job. created is false when an
	// existing job for the same content was returned instead.
	Submit(ctx context.Context, name string, r io.Reader) (job *domain.Job, created bool, err error)
	Get(ctx context.Context, id string) (*domain.Job, error)
	Report(ctx context.Context, id string) (*results.Report, error)
	Stats(ctx context.Context) (domain.StatusCounts, error)
	Health(ctx context.Context) error
}

type jobsService struct {
	store     JobStore
	artifacts ArtifactSaver
	reports   results.Reader
	maxBytes  int64
	logger    *slog.Logger
}

func NewJobsService(store JobStore, saver ArtifactSaver, reports results.Reader, maxBytes int64, logger *slog.Logger) JobsService {
	if logger == nil {
		logger = slog.Default()
	}
	return &jobsService{store: store, artifacts: saver, reports: reports, maxBytes: maxBytes, logger: logger}
}

func (s *jobsService) Submit(ctx context.Context, name string, r io.Reader) (job *domain.Job, created bool, err error) {
	ctx, span := tracing.Tracer("crow/submit").Start(ctx, "crow.job.submit")
	defer func() { tracing.EndSpan(span, err) }()

	info, err := s.artifacts.Save(r, s.maxBytes)
	if err != nil {
		metrics.JobsSubmittedTotal.WithLabelValues("rejected").Inc()
		return nil, false, err
	}
	span.SetAttributes(
		attribute.String("crow.artifact.sha256", info.Hash),
		attribute.Int64("crow.artifact.size", info.Size),
	)

	existing, err := s.store.FindByHash(ctx, info.Hash)
	switch {
	case err == nil && existing.Status != domain.StatusError:
		metrics.JobsSubmittedTotal.WithLabelValues("deduplicated").Inc()
		s.logger.InfoContext(ctx, "artifact already submitted", "job_id", existing.ID, "sha256", info.Hash, "status", existing.Status)
		return existing, false, nil
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		return nil, false, fmt.Errorf("lookup %s: %w", info.Hash, err)
	}

	job = &domain.Job{
		ArtifactName: cleanName(name),
		ArtifactHash: info.Hash,
		ArtifactSize: info.Size,
		MimeType:     info.MimeType,
	}
	id, err := s.store.Insert(ctx, job)
	if err != nil {
		return nil, false, fmt.Errorf("insert job: %w", err)
	}
	if job, err = s.store.Get(ctx, id); err != nil {
		return nil, false, err
	}
	metrics.JobsSubmittedTotal.WithLabelValues("created").Inc()
	span.SetAttributes(attribute.String("crow.job.id", id))
	s.logger.InfoContext(ctx, "job submitted", "job_id", id, "sha256", info.Hash, "size", info.Size, "mime", info.MimeType)
	return job, true, nil
}

func (s *jobsService) Get(ctx context.Context, id string) (*domain.Job, error) {
	return s.store.Get(ctx, id)
}

// Report returns the collected analysis for a job that reached a terminal state.
func (s *jobsService) Report(ctx context.Context, id string) (*results.Report, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !job.Status.Terminal() {
		return nil, fmt.Errorf("job %s is %s: %w", id, job.Status, domain.ErrNotFound)
	}
	return s.reports.Get(ctx, id)
}

func (s *jobsService) Stats(ctx context.Context) (domain.StatusCounts, error) {
	return s.store.CountByStatus(ctx)
}

func (s *jobsService) Health(ctx context.Context) error {
	return s.store.Health(ctx)
}

// cleanName keeps only the base name of an uploaded file.
func cleanName(name string) string {
	name = strings.TrimSpace(filepath.Base(strings.ReplaceAll(name, "\\", "/")))
	if name == "." || name == "/" || name == "" {
		return "artifact"
	}
	if len(name) > 255 {
		name = name[:255]
	}
	return name
}
