package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/crowsandbox/crow/internal/logging"
	"github.com/crowsandbox/crow/internal/metrics"
	"github.com/crowsandbox/crow/internal/results"
	"github.com/crowsandbox/crow/internal/sandbox"
	"github.com/crowsandbox/crow/internal/tracing"
	"github.com/crowsandbox/crow/pkg/config"
	"github.com/crowsandbox/crow/pkg/domain"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ArtifactLoader returns the verified content of a stored artifact.
type ArtifactLoader interface {
	Load(hash string) ([]byte, error)
}

type Options struct {
	Sandbox          config.SandboxConfig
	ExecutionTimeout time.Duration
	TeardownTimeout  time.Duration
	Logger           *slog.Logger
}

// Executor drives one claimed job through
// claimed -> provisioning -> running -> collecting -> done|error.
// It is safe for concurrent use; all per-job state lives in Run.
type Executor struct {
	backend   sandbox.Backend
	artifacts ArtifactLoader
	sink      results.Sink
	opts      Options
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

func New(backend sandbox.Backend, artifacts ArtifactLoader, sink results.Sink, opts Options) *Executor {
	if opts.ExecutionTimeout <= 0 {
		opts.ExecutionTimeout = 300 * time.Second
	}
	if opts.TeardownTimeout <= 0 {
		opts.TeardownTimeout = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		backend:   backend,
		artifacts: artifacts,
		sink:      sink,
		opts:      opts,
		logger:    logger,
		tracer:    tracing.Tracer("github.com/crowsandbox/crow/internal/executor"),
		now:       time.Now,
	}
}

// Dispatch is the goroutine body used by the coordinator. It sends exactly
// one outcome on out and then calls release.
func (e *Executor) Dispatch(ctx context.Context, job *domain.Job, out chan<- domain.Outcome, release func()) {
	defer release()
	metrics.ExecutorsInFlight.Inc()
	defer metrics.ExecutorsInFlight.Dec()

	out <- e.Run(ctx, job)
}

// Run never returns an error: every failure is reported as an Error outcome.
// The sandbox is torn down exactly once before Run returns, whatever the path.
func (e *Executor) Run(ctx context.Context, job *domain.Job) (out domain.Outcome) {
	start := e.now()
	ctx = logging.ContextAttrs(ctx,
		slog.String("job_id", job.ID),
		slog.String("artifact_sha256", job.ArtifactHash),
	)
	ctx, span := tracing.StartJobSpan(ctx, e.tracer, "crow.executor.run", job.ID, job.ArtifactHash)

	var h *sandbox.Handle
	defer func() {
		if r := recover(); r != nil {
			e.logger.ErrorContext(ctx, "executor panic", "panic", r, "stack", string(debug.Stack()))
			out = domain.ErrorOutcome(job.ID, fmt.Errorf("%w: panic: %v", domain.ErrExecutionFailed, r), e.now().Sub(start))
		}
		e.teardown(ctx, h)

		metrics.OutcomesTotal.WithLabelValues(string(out.Status), string(out.Reason)).Inc()
		span.SetAttributes(attribute.String("crow.outcome", string(out.Status)))
		var err error
		if out.Status == domain.StatusError {
			err = errors.New(out.ErrorDetail)
			e.enter(ctx, span, domain.PhaseError)
			e.logger.WarnContext(ctx, "job failed", "reason", out.Reason, "err", out.ErrorDetail, "duration", out.Duration)
		} else {
			e.enter(ctx, span, domain.PhaseDone)
			e.logger.InfoContext(ctx, "job done", "exit_code", out.ExitCode, "duration", out.Duration)
		}
		tracing.EndSpan(span, err)
	}()

	e.enter(ctx, span, domain.PhaseClaimed)

	e.enter(ctx, span, domain.PhaseProvisioning)
	var err error
	h, err = e.provision(ctx, job)
	if err != nil {
		return domain.ErrorOutcome(job.ID, err, e.now().Sub(start))
	}

	e.enter(ctx, span, domain.PhaseRunning)
	res, err := e.execute(ctx, h, job)
	if err != nil {
		if res != nil {
			// Keep the failing run's output for inspection.
			if _, sinkErr := e.collect(ctx, job, res); sinkErr != nil {
				e.logger.WarnContext(ctx, "store failed report", "err", sinkErr)
			}
		}
		return domain.ErrorOutcome(job.ID, err, e.now().Sub(start))
	}

	e.enter(ctx, span, domain.PhaseCollecting)
	location, err := e.collect(ctx, job, res)
	if err != nil {
		return domain.ErrorOutcome(job.ID, fmt.Errorf("%w: store report: %v", domain.ErrExecutionFailed, err), e.now().Sub(start))
	}
	e.logger.DebugContext(ctx, "report stored", "location", location)
	return domain.DoneOutcome(job.ID, res.ExitCode, e.now().Sub(start))
}

func (e *Executor) enter(ctx context.Context, span trace.Span, phase domain.Phase) {
	span.AddEvent("phase", trace.WithAttributes(attribute.String("crow.phase", string(phase))))
	e.logger.DebugContext(ctx, "executor phase", "phase", phase)
}

func (e *Executor) observe(phase domain.Phase, since time.Time) {
	metrics.PhaseDurationSeconds.WithLabelValues(e.backend.Name(), string(phase)).Observe(e.now().Sub(since).Seconds())
}

func (e *Executor) provision(ctx context.Context, job *domain.Job) (*sandbox.Handle, error) {
	defer e.observe(domain.PhaseProvisioning, e.now())
	ctx, span := e.tracer.Start(ctx, "crow.sandbox.provision")

	pctx := ctx
	if s := e.opts.Sandbox.StartTimeoutSeconds; s > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, time.Duration(s)*time.Second)
		defer cancel()
	}
	spec := sandbox.SpecFromConfig(e.opts.Sandbox, job.ID)
	h, err := e.provisionBackend(pctx, spec)
	if err != nil && !errors.Is(err, domain.ErrProvisionFailed) && !errors.Is(err, domain.ErrExecutionFailed) {
		err = fmt.Errorf("%w: %v", domain.ErrProvisionFailed, err)
	}
	tracing.EndSpan(span, err)
	if h == nil {
		// Backends can allocate before failing; teardown finds them by job id.
		h = &sandbox.Handle{JobID: job.ID, Backend: e.backend.Name(), Spec: spec}
	}
	if err == nil {
		e.logger.InfoContext(ctx, "sandbox provisioned", "sandbox_id", h.BackendID, "state", h.State)
	}
	return h, err
}

// provisionBackend turns a backend panic into an error so the caller still
// gets a handle to tear down.
func (e *Executor) provisionBackend(ctx context.Context, spec sandbox.Spec) (h *sandbox.Handle, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.ErrorContext(ctx, "sandbox provision panic", "panic", r, "stack", string(debug.Stack()))
			h, err = nil, fmt.Errorf("%w: panic in provision: %v", domain.ErrExecutionFailed, r)
		}
	}()
	return e.backend.Provision(ctx, spec)
}

type execResult struct {
	res *sandbox.ExecutionResult
	err error
}

// execute runs the payload under the execution timeout. The backend call runs
// in its own goroutine so a backend that ignores the deadline cannot hold the
// executor past it.
func (e *Executor) execute(ctx context.Context, h *sandbox.Handle, job *domain.Job) (*sandbox.ExecutionResult, error) {
	defer e.observe(domain.PhaseRunning, e.now())
	ctx, span := e.tracer.Start(ctx, "crow.sandbox.execute")

	data, err := e.artifacts.Load(job.ArtifactHash)
	if err != nil {
		err = fmt.Errorf("%w: load artifact: %v", domain.ErrExecutionFailed, err)
		tracing.EndSpan(span, err)
		return nil, err
	}
	artifact := sandbox.Artifact{
		Name:     job.ArtifactName,
		Hash:     job.ArtifactHash,
		MimeType: job.MimeType,
		Data:     data,
	}

	ectx, cancel := context.WithTimeout(ctx, e.opts.ExecutionTimeout)
	defer cancel()

	done := make(chan execResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- execResult{err: fmt.Errorf("%w: panic in execute: %v", domain.ErrExecutionFailed, r)}
			}
		}()
		res, err := e.backend.Execute(ectx, h, artifact)
		done <- execResult{res: res, err: err}
	}()

	var r execResult
	select {
	case r = <-done:
		if r.err != nil && errors.Is(ectx.Err(), context.DeadlineExceeded) && !errors.Is(r.err, domain.ErrExecutionTimeout) {
			r.err = fmt.Errorf("%w: %v", domain.ErrExecutionTimeout, r.err)
		}
	case <-ectx.Done():
		if errors.Is(ectx.Err(), context.DeadlineExceeded) {
			r.err = fmt.Errorf("%w: after %s", domain.ErrExecutionTimeout, e.opts.ExecutionTimeout)
		} else {
			r.err = fmt.Errorf("%w: %w", domain.ErrExecutionFailed, ectx.Err())
		}
	}
	if r.err != nil && !errors.Is(r.err, domain.ErrExecutionTimeout) && !errors.Is(r.err, domain.ErrExecutionFailed) {
		r.err = fmt.Errorf("%w: %v", domain.ErrExecutionFailed, r.err)
	}
	if r.err == nil && r.res == nil {
		r.err = fmt.Errorf("%w: backend returned no result", domain.ErrExecutionFailed)
	}
	if r.err == nil && r.res.ExitCode != 0 {
		r.err = fmt.Errorf("%w: exit code %d", domain.ErrExecutionFailed, r.res.ExitCode)
	}
	tracing.EndSpan(span, r.err)
	return r.res, r.err
}

func (e *Executor) collect(ctx context.Context, job *domain.Job, res *sandbox.ExecutionResult) (string, error) {
	defer e.observe(domain.PhaseCollecting, e.now())
	report := &results.Report{
		JobID:        job.ID,
		ArtifactHash: job.ArtifactHash,
		Backend:      e.backend.Name(),
		ExitCode:     res.ExitCode,
		DurationMs:   res.Duration().Milliseconds(),
		CollectedAt:  e.now().UTC(),
		Stderr:       string(res.Stderr),
	}
	report.SetOutput(res.Stdout)
	return e.sink.Put(ctx, report)
}

// teardown runs on a fresh bounded context so an expired job deadline cannot
// prevent cleanup. Failures are logged, never reported on the outcome.
func (e *Executor) teardown(ctx context.Context, h *sandbox.Handle) {
	if h == nil {
		return
	}
	defer e.observe("teardown", e.now())
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.TeardownTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			metrics.TeardownFailuresTotal.WithLabelValues(e.backend.Name()).Inc()
			e.logger.ErrorContext(ctx, "sandbox teardown panic", "sandbox_id", h.BackendID, "panic", r)
		}
	}()
	if err := e.backend.Teardown(tctx, h); err != nil {
		metrics.TeardownFailuresTotal.WithLabelValues(e.backend.Name()).Inc()
		e.logger.ErrorContext(ctx, "sandbox teardown failed", "sandbox_id", h.BackendID, "err", err)
		return
	}
	e.logger.DebugContext(ctx, "sandbox destroyed", "sandbox_id", h.BackendID)
}
