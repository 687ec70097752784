package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/crowsandbox/crow/pkg/config"
)

type attrsKeyT struct{}

var attrsKey attrsKeyT

// ContextHandler adds the attributes stored in the record's context by
// ContextAttrs.
type ContextHandler struct {
	slog.Handler
}

func NewContextHandler(handler slog.Handler) ContextHandler {
	return ContextHandler{Handler: handler}
}

func (h ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if a, ok := ctx.Value(attrsKey).([]slog.Attr); ok {
		r.AddAttrs(a...)
	}
	return h.Handler.Handle(ctx, r)
}

func (h ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h ContextHandler) WithGroup(name string) slog.Handler {
	return ContextHandler{Handler: h.Handler.WithGroup(name)}
}

// ContextAttrs returns a context whose log records carry attrs in addition to
// any attached earlier.
func ContextAttrs(ctx context.Context, attrs ...slog.Attr) context.Context {
	prev, _ := ctx.Value(attrsKey).([]slog.Attr)
	a := make([]slog.Attr, 0, len(prev)+len(attrs))
	a = append(a, prev...)
	a = append(a, attrs...)
	return context.WithValue(ctx, attrsKey, a)
}

func ParseLevel(v string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds the process logger from cfg and installs it as the slog default.
// The returned close func flushes the optional log file.
func New(cfg *config.Config, service string) (*slog.Logger, func() error, error) {
	return newLogger(cfg, service, os.Stdout)
}

func newLogger(cfg *config.Config, service string, stdout io.Writer) (*slog.Logger, func() error, error) {
	closeFn := func() error { return nil }
	out := stdout
	if cfg.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out = io.MultiWriter(stdout, f)
		closeFn = f.Close
	}

	level := new(slog.LevelVar)
	level.Set(ParseLevel(cfg.LogLevel))
	var handler slog.Handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})
	}
	logger := slog.New(NewContextHandler(handler)).With("service", service, "env", cfg.Env)
	slog.SetDefault(logger)
	return logger, closeFn, nil
}
