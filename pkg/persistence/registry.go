package persistence

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ProviderConfig contains provider-specific configuration
type ProviderConfig struct {
	Type   string          `yaml:"type" json:"type"`
	Config json.RawMessage `yaml:"config" json:"config"`
}

// PluginConfig provides initialization parameters to store providers
type PluginConfig struct {
	// Config contains provider-specific configuration
	Config json.RawMessage

	// Timezone used for timestamps written by the store
	Timezone *time.Location

	Logger *slog.Logger
}

// PluginFactory creates a job store from configuration
type PluginFactory func(config PluginConfig) (JobStore, error)

var (
	registry = make(map[string]PluginFactory)
	mu       sync.RWMutex
)

// RegisterProvider registers a store factory for a provider type
func RegisterProvider(providerType string, factory PluginFactory) {
	mu.Lock()
	defer mu.Unlock()
	registry[providerType] = factory
}

// NewStore creates a job store from provider configuration
func NewStore(providerConfig ProviderConfig, pluginConfig PluginConfig) (JobStore, error) {
	mu.RLock()
	factory, ok := registry[providerConfig.Type]
	mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown persistence provider type: %s", providerConfig.Type)
	}

	pluginConfig.Config = providerConfig.Config
	if pluginConfig.Timezone == nil {
		pluginConfig.Timezone = time.UTC
	}
	if pluginConfig.Logger == nil {
		pluginConfig.Logger = slog.Default()
	}

	return factory(pluginConfig)
}

// ListProviders returns registered provider types in name order
func ListProviders() []string {
	mu.RLock()
	defer mu.RUnlock()

	providers := make([]string, 0, len(registry))
	for name := range registry {
		providers = append(providers, name)
	}
	sort.Strings(providers)
	return providers
}
