package app

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/crowsandbox/crow/internal/ratelimit"
	"github.com/crowsandbox/crow/internal/results"
	"github.com/crowsandbox/crow/pkg/auth"
	_ "github.com/crowsandbox/crow/pkg/auth/static"
	"github.com/crowsandbox/crow/pkg/config"
	"github.com/crowsandbox/crow/pkg/domain"
	"github.com/crowsandbox/crow/pkg/persistence/memory"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
)

const token = "analyst-token"

type harness struct {
	t     *testing.T
	cfg   *config.Config
	store *memory.Store
	srv   *httptest.Server
}

func newHarness(t *testing.T, tweak func(*config.Config)) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg, err := config.LoadConfigOptional("")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	cfg.UploadDir = t.TempDir()
	cfg.ResultsDir = t.TempDir()
	cfg.MaxUploadBytes = 1024
	if tweak != nil {
		tweak(cfg)
	}

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	validator, err := auth.NewValidator(auth.ProviderConfig{Type: "static", Config: json.RawMessage(`"` + token + `"`)})
	if err != nil {
		t.Fatalf("validator: %v", err)
	}

	h := &harness{t: t, cfg: cfg, store: memory.New()}
	application, err := NewApplication(cfg,
		WithStore(h.store),
		WithValidator(validator),
		WithRateLimiter(ratelimit.NewTokenBucketLimiter(rdb)),
	)
	if err != nil {
		t.Fatalf("NewApplication: %v", err)
	}
	t.Cleanup(func() { _ = application.Close() })
	SetupMappings(application)

	h.srv = httptest.NewServer(application.Engine)
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) upload(name string, content []byte, field string) (*http.Response, map[string]any) {
	h.t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile(field, name)
	if err != nil {
		h.t.Fatalf("form file: %v", err)
	}
	_, _ = fw.Write(content)
	_ = mw.Close()

	req, _ := http.NewRequest(http.MethodPost, h.srv.URL+"/v1/crow/jobs", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	return h.send(req)
}

func (h *harness) get(path string, authed bool) (*http.Response, map[string]any) {
	h.t.Helper()
	req, _ := http.NewRequest(http.MethodGet, h.srv.URL+path, nil)
	if authed {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return h.send(req)
}

func (h *harness) send(req *http.Request) (*http.Response, map[string]any) {
	h.t.Helper()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s: %v", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestHTTPIntegrationFlow(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	resp, job := h.upload("sample.exe", []byte("MZ\x90\x00 not really a PE"), "file")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %v", resp.StatusCode, job)
	}
	id, _ := job["id"].(string)
	if id == "" || job["status"] != "Pending" || job["artifactName"] != "sample.exe" {
		t.Fatalf("unexpected job %v", job)
	}

	resp, dup := h.upload("renamed.exe", []byte("MZ\x90\x00 not really a PE"), "file")
	if resp.StatusCode != http.StatusOK || dup["id"] != id {
		t.Fatalf("expected dedup 200 for %s, got %d %v", id, resp.StatusCode, dup)
	}

	resp, got := h.get("/v1/crow/jobs/"+id, true)
	if resp.StatusCode != http.StatusOK || got["artifactHash"] != job["artifactHash"] {
		t.Fatalf("get job: %d %v", resp.StatusCode, got)
	}
	if resp, _ := h.get("/v1/crow/jobs/nope", true); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown job, got %d", resp.StatusCode)
	}

	resp, stats := h.get("/v1/crow/stats", true)
	jobs, _ := stats["jobs"].(map[string]any)
	if resp.StatusCode != http.StatusOK || jobs["Pending"] != float64(1) || jobs["Done"] != float64(0) {
		t.Fatalf("unexpected stats %d %v", resp.StatusCode, stats)
	}

	if resp, _ := h.get("/v1/crow/jobs/"+id+"/report", true); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected no report while pending, got %d", resp.StatusCode)
	}
	if _, err := h.store.ClaimPending(ctx, 1); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := h.store.SetStatus(ctx, id, domain.StatusDone, ""); err != nil {
		t.Fatalf("done: %v", err)
	}
	if _, err := results.NewLocalSink(h.cfg.ResultsDir).Put(ctx, &results.Report{JobID: id, Output: json.RawMessage(`{"verdict":"clean"}`)}); err != nil {
		t.Fatalf("put report: %v", err)
	}
	resp, report := h.get("/v1/crow/jobs/"+id+"/report", true)
	if resp.StatusCode != http.StatusOK || report["jobId"] != id {
		t.Fatalf("report: %d %v", resp.StatusCode, report)
	}

	if resp, _ := h.get("/healthz", false); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected healthy, got %d", resp.StatusCode)
	}
	if resp, _ := h.get("/metrics", false); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected metrics endpoint, got %d", resp.StatusCode)
	}
}

func TestHTTPRejectsBadUploads(t *testing.T) {
	h := newHarness(t, nil)

	if resp, _ := h.upload("empty.bin", nil, "file"); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty file, got %d", resp.StatusCode)
	}
	if resp, _ := h.upload("x.bin", []byte("data"), "attachment"); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing field, got %d", resp.StatusCode)
	}
	if resp, _ := h.upload("big.bin", bytes.Repeat([]byte("A"), 2048), "file"); resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 for oversized file, got %d", resp.StatusCode)
	}
	if resp, _ := h.get("/v1/crow/stats", false); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}
}

func TestHTTPSubmitRateLimited(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.RateLimit.Submit = config.RateLimitBucketConfig{RequestsPerMinute: 1, BurstSize: 2}
	})
	for i := 0; i < 2; i++ {
		if resp, _ := h.upload("f.bin", []byte{byte('a' + i)}, "file"); resp.StatusCode != http.StatusAccepted {
			t.Fatalf("upload %d: expected 202, got %d", i, resp.StatusCode)
		}
	}
	resp, body := h.upload("f.bin", []byte("c"), "file")
	if resp.StatusCode != http.StatusTooManyRequests || resp.Header.Get("Retry-After") == "" {
		t.Fatalf("expected 429 with Retry-After, got %d %v", resp.StatusCode, body)
	}
	if resp, _ := h.get("/v1/crow/stats", true); resp.StatusCode != http.StatusOK {
		t.Fatalf("read bucket must be independent, got %d", resp.StatusCode)
	}
}
