package app

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/crowsandbox/crow/internal/artifacts"
	"github.com/crowsandbox/crow/internal/metrics"
	"github.com/crowsandbox/crow/internal/middleware"
	"github.com/crowsandbox/crow/internal/providers"
	"github.com/crowsandbox/crow/internal/ratelimit"
	"github.com/crowsandbox/crow/internal/results"
	"github.com/crowsandbox/crow/internal/services"
	"github.com/crowsandbox/crow/pkg/auth"
	"github.com/crowsandbox/crow/pkg/config"
	"github.com/crowsandbox/crow/pkg/persistence"

	"github.com/gin-gonic/gin"
)

// Application is the submission daemon: an HTTP API in front of the job store
// and the artifact store.
type Application struct {
	Config *config.Config
	Engine *gin.Engine
	Jobs   services.JobsService
	Store  persistence.JobStore
	// Supervisor is set when the application opened the store itself; its
	// Run loop must be started by the caller.
	Supervisor  *persistence.SupervisedStore
	Logger      *slog.Logger
	Validator   auth.Validator
	RateLimiter ratelimit.Limiter

	closers []func() error
}

// ApplicationOption configures the Application
type ApplicationOption func(*Application) error

// WithStore uses store instead of opening the one named in config.
func WithStore(store persistence.JobStore) ApplicationOption {
	return func(app *Application) error {
		app.Store = store
		return nil
	}
}

// WithValidator sets a custom bearer token validator
func WithValidator(validator auth.Validator) ApplicationOption {
	return func(app *Application) error {
		app.Validator = validator
		return nil
	}
}

// WithRateLimiter sets the limiter used by the API buckets.
func WithRateLimiter(lim ratelimit.Limiter) ApplicationOption {
	return func(app *Application) error {
		app.RateLimiter = lim
		return nil
	}
}

func WithLogger(logger *slog.Logger) ApplicationOption {
	return func(app *Application) error {
		app.Logger = logger
		return nil
	}
}

func NewApplication(cfg *config.Config, opts ...ApplicationOption) (*Application, error) {
	app := &Application{Config: cfg}
	for _, opt := range opts {
		if err := opt(app); err != nil {
			return nil, err
		}
	}
	if app.Logger == nil {
		app.Logger = slog.Default()
	}

	if app.Store == nil {
		store, err := persistence.Open(cfg, app.Logger, func(healthy bool, _ error) {
			metrics.StoreHealthy.Set(boolGauge(healthy))
		})
		if err != nil {
			return nil, err
		}
		app.Store = store
		app.Supervisor = store
		app.closers = append(app.closers, store.Close)
	}

	if app.Validator == nil && cfg.Auth.Type != "" {
		raw, err := cfg.Auth.RawConfig()
		if err != nil {
			return nil, app.fail(err)
		}
		validator, err := auth.NewValidator(auth.ProviderConfig{Type: cfg.Auth.Type, Config: raw})
		if err != nil {
			return nil, app.fail(err)
		}
		app.Validator = validator
	}

	if app.RateLimiter == nil && (ratelimit.BucketFrom(cfg.RateLimit.Submit).Enabled() || ratelimit.BucketFrom(cfg.RateLimit.Read).Enabled()) {
		rdb := providers.NewRedisProvider(cfg.RedisAddr, cfg.RedisPassword, 0)
		app.closers = append(app.closers, rdb.Close)
		app.RateLimiter = ratelimit.NewTokenBucketLimiter(rdb)
	}

	arts, err := artifacts.NewStore(cfg.UploadDir)
	if err != nil {
		return nil, app.fail(err)
	}
	app.Jobs = services.NewJobsService(app.Store, arts, results.NewLocalSink(cfg.ResultsDir), cfg.MaxUploadBytes, app.Logger)

	engine := gin.New()
	engine.MaxMultipartMemory = 8 << 20
	engine.Use(
		gin.Recovery(),
		middleware.RequestIDMiddleware(),
		middleware.TracingMiddleware("crow-daemon"),
		middleware.LoggerMiddleware(app.Logger),
	)
	app.Engine = engine
	return app, nil
}

// Close releases the store and Redis connections the application opened.
func (a *Application) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *Application) fail(err error) error {
	if cerr := a.Close(); cerr != nil {
		return fmt.Errorf("%w (close: %v)", err, cerr)
	}
	return err
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
