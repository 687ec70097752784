package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/crowsandbox/crow/internal/artifacts"
	"github.com/crowsandbox/crow/internal/coordinator"
	"github.com/crowsandbox/crow/internal/executor"
	"github.com/crowsandbox/crow/internal/limiter"
	"github.com/crowsandbox/crow/internal/logging"
	"github.com/crowsandbox/crow/internal/metrics"
	"github.com/crowsandbox/crow/internal/recovery"
	"github.com/crowsandbox/crow/internal/results"
	"github.com/crowsandbox/crow/internal/sandbox"
	_ "github.com/crowsandbox/crow/internal/sandbox/docker"     // Register docker backend
	_ "github.com/crowsandbox/crow/internal/sandbox/kubernetes" // Register kubernetes backend
	"github.com/crowsandbox/crow/internal/tracing"
	"github.com/crowsandbox/crow/pkg/config"
	"github.com/crowsandbox/crow/pkg/domain"
	"github.com/crowsandbox/crow/pkg/persistence"
	_ "github.com/crowsandbox/crow/pkg/persistence/memory"   // Register in-memory store (dev)
	_ "github.com/crowsandbox/crow/pkg/persistence/postgres" // Register postgres store
	_ "github.com/crowsandbox/crow/pkg/persistence/redis"    // Register redis store

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	cfg, err := config.LoadConfigOptional(getenv("CROW_CONFIG_PATH", ""))
	if err != nil {
		fmt.Fprintln(os.Stderr, "[ERROR] load config:", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "[ERROR] invalid config:", err)
		os.Exit(1)
	}

	logger, closeLog, err := logging.New(cfg, "crow-manager")
	if err != nil {
		fmt.Fprintln(os.Stderr, "[ERROR] init logging:", err)
		os.Exit(1)
	}
	defer closeLog()

	if err := run(cfg, logger); err != nil {
		logger.Error("manager exited", "reason", domain.ReasonOf(err), "err", err)
		_ = closeLog()
		os.Exit(1)
	}
	logger.Info("manager stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, tracing.FromConfig(cfg, "crow-manager"), logger)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	store, err := persistence.Open(cfg, logger, func(healthy bool, err error) {
		if healthy {
			metrics.StoreHealthy.Set(1)
			return
		}
		metrics.StoreHealthy.Set(0)
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	metrics.RegisterStoreCollector(store, logger)

	arts, err := artifacts.NewStore(cfg.UploadDir)
	if err != nil {
		return err
	}
	backend, err := sandbox.New(cfg.Sandbox, logger)
	if err != nil {
		return fmt.Errorf("sandbox backend: %w", err)
	}

	exec := executor.New(backend, arts, results.NewLocalSink(cfg.ResultsDir), executor.Options{
		Sandbox:          cfg.Sandbox,
		ExecutionTimeout: cfg.ExecutionTimeout(),
		TeardownTimeout:  cfg.TeardownTimeout(),
		Logger:           logger.With("component", "executor"),
	})
	coord := coordinator.New(store, limiter.New(cfg.MaxConcurrency), exec, coordinator.Options{
		PollInterval:    cfg.PollInterval(),
		StoreTimeout:    time.Duration(cfg.StoreOperationTimeoutSec) * time.Second,
		ShutdownTimeout: cfg.ShutdownTimeout(),
		Logger:          logger.With("component", "coordinator"),
	})
	sweeper := recovery.New(store, coord, recovery.Options{
		Policy:      cfg.Recovery.Policy,
		Interval:    time.Duration(cfg.Recovery.IntervalSeconds) * time.Second,
		StaleAfter:  cfg.StaleAfter(),
		MaxAttempts: cfg.Recovery.MaxAttempts,
		BatchSize:   cfg.Recovery.BatchSize,
		Logger:      logger.With("component", "recovery"),
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler:           opsEngine(store, coord),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("manager starting",
		"backend", backend.Name(),
		"store", cfg.Store.Type,
		"max_concurrency", cfg.MaxConcurrency,
		"metrics_addr", srv.Addr,
	)

	g, gctx := errgroup.WithContext(ctx)
	runWorkers(g, gctx, store, sweeper, coord)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func opsEngine(store *persistence.SupervisedStore, coord *coordinator.Coordinator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.GET("/healthz", func(c *gin.Context) {
		if !store.Healthy() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "store unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	engine.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, coord.Stats())
	})
	return engine
}

type runner interface {
	Run(ctx context.Context) error
}

// runWorkers starts the store supervisor, the recovery sweeper and the
// coordinator on g. The supervisor outlives gctx until the coordinator has
// drained, so a store marked down during shutdown can still recover.
func runWorkers(g *errgroup.Group, gctx context.Context, supervisor, sweeper, coord runner) {
	storeCtx, stopStore := context.WithCancel(context.WithoutCancel(gctx))
	g.Go(func() error { return supervisor.Run(storeCtx) })
	g.Go(func() error { return sweeper.Run(gctx) })
	g.Go(func() error {
		defer stopStore()
		return coord.Run(gctx)
	})
}
