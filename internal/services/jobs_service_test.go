package services

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/crowsandbox/crow/internal/artifacts"
	"github.com/crowsandbox/crow/internal/results"
	"github.com/crowsandbox/crow/pkg/domain"
	"github.com/crowsandbox/crow/pkg/persistence/memory"
)

type fixture struct {
	store   *memory.Store
	reports *results.LocalSink
	svc     JobsService
}

func newFixture(t *testing.T, maxBytes int64) *fixture {
	t.Helper()
	arts, err := artifacts.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("artifact store: %v", err)
	}
	f := &fixture{store: memory.New(), reports: results.NewLocalSink(t.TempDir())}
	f.svc = NewJobsService(f.store, arts, f.reports, maxBytes, nil)
	return f
}

func TestSubmitCreatesPendingJob(t *testing.T) {
	f := newFixture(t, 0)
	job, created, err := f.svc.Submit(context.Background(), `C:\Users\x\evil.exe`, strings.NewReader("MZ payload"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !created || job.Status != domain.StatusPending {
		t.Fatalf("expected new pending job, got created=%v %+v", created, job)
	}
	if job.ArtifactName != "evil.exe" || job.ArtifactHash != artifacts.HashBytes([]byte("MZ payload")) {
		t.Fatalf("unexpected artifact identity %+v", job)
	}
	if job.ArtifactSize != int64(len("MZ payload")) || job.MimeType == "" {
		t.Fatalf("expected size and mime, got %+v", job)
	}
}

func TestSubmitDeduplicatesByHash(t *testing.T) {
	f := newFixture(t, 0)
	first, _, err := f.svc.Submit(context.Background(), "a.bin", strings.NewReader("same"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	again, created, err := f.svc.Submit(context.Background(), "b.bin", strings.NewReader("same"))
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if created || again.ID != first.ID {
		t.Fatalf("expected dedup to %s, got created=%v %s", first.ID, created, again.ID)
	}
}

func TestSubmitRetriesAfterError(t *testing.T) {
	f := newFixture(t, 0)
	first, _, _ := f.svc.Submit(context.Background(), "a.bin", strings.NewReader("flaky"))
	if err := f.store.SetStatus(context.Background(), first.ID, domain.StatusError, "provision failed"); err != nil {
		t.Fatalf("set error: %v", err)
	}
	second, created, err := f.svc.Submit(context.Background(), "a.bin", strings.NewReader("flaky"))
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if !created || second.ID == first.ID {
		t.Fatalf("expected a fresh job after Error, got %+v", second)
	}
}

func TestSubmitRejectsEmptyAndOversized(t *testing.T) {
	f := newFixture(t, 4)
	if _, _, err := f.svc.Submit(context.Background(), "e", bytes.NewReader(nil)); !errors.Is(err, artifacts.ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
	if _, _, err := f.svc.Submit(context.Background(), "big", strings.NewReader("12345")); !errors.Is(err, artifacts.ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
	counts, _ := f.svc.Stats(context.Background())
	if counts[domain.StatusPending] != 0 {
		t.Fatalf("rejected uploads must not create jobs: %v", counts)
	}
}

func TestReportOnlyForTerminalJobs(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	job, _, _ := f.svc.Submit(ctx, "a", strings.NewReader("x"))
	if _, err := f.svc.Report(ctx, job.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found for pending job, got %v", err)
	}

	if _, err := f.store.ClaimPending(ctx, 1); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := f.store.SetStatus(ctx, job.ID, domain.StatusDone, ""); err != nil {
		t.Fatalf("done: %v", err)
	}
	if _, err := f.reports.Put(ctx, &results.Report{JobID: job.ID, ExitCode: 0}); err != nil {
		t.Fatalf("put report: %v", err)
	}
	r, err := f.svc.Report(ctx, job.ID)
	if err != nil || r.JobID != job.ID {
		t.Fatalf("report: %+v %v", r, err)
	}
	if _, err := f.svc.Get(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
