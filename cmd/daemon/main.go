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

	"github.com/crowsandbox/crow/internal/logging"
	"github.com/crowsandbox/crow/internal/tracing"
	"github.com/crowsandbox/crow/pkg/app"
	_ "github.com/crowsandbox/crow/pkg/auth/jwks"   // Register JWKS auth provider
	_ "github.com/crowsandbox/crow/pkg/auth/static" // Register static token auth provider (dev/local)
	"github.com/crowsandbox/crow/pkg/config"
	_ "github.com/crowsandbox/crow/pkg/persistence/memory"
	_ "github.com/crowsandbox/crow/pkg/persistence/postgres"
	_ "github.com/crowsandbox/crow/pkg/persistence/redis"

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

	logger, closeLog, err := logging.New(cfg, "crow-daemon")
	if err != nil {
		fmt.Fprintln(os.Stderr, "[ERROR] init logging:", err)
		os.Exit(1)
	}
	defer closeLog()

	if err := run(cfg, logger); err != nil {
		logger.Error("daemon exited", "err", err)
		_ = closeLog()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, tracing.FromConfig(cfg, "crow-daemon"), logger)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	application, err := app.NewApplication(cfg, app.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	defer application.Close()
	app.SetupMappings(application)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           application.Engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	if application.Supervisor != nil {
		g.Go(func() error { return application.Supervisor.Run(gctx) })
	}
	g.Go(func() error {
		logger.Info("daemon listening", "addr", srv.Addr, "store", cfg.Store.Type)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
