package sandbox

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/crowsandbox/crow/pkg/config"
)

// Factory builds a backend from the sandbox section of the configuration.
type Factory func(cfg config.SandboxConfig, logger *slog.Logger) (Backend, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a backend available by name. Backends register in init.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// New creates the backend selected by cfg.Backend.
func New(cfg config.SandboxConfig, logger *slog.Logger) (Backend, error) {
	registryMu.RLock()
	factory, ok := registry[cfg.Backend]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown sandbox backend: %q (registered: %v)", cfg.Backend, Backends())
	}
	if logger == nil {
		logger = slog.Default()
	}
	return factory(cfg, logger.With("backend", cfg.Backend))
}

func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
