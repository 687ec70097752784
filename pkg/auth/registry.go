package auth

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ProviderConfig selects a validator by name; Config is handed to the
// provider's factory undecoded.
type ProviderConfig struct {
	Type   string          `yaml:"type" json:"type"`
	Config json.RawMessage `yaml:"config" json:"config"`
}

// ValidatorFactory creates validators from configuration
type ValidatorFactory func(config json.RawMessage) (Validator, error)

var (
	registry = make(map[string]ValidatorFactory)
	mu       sync.RWMutex
)

// RegisterProvider registers a validator factory for a provider type.
// Providers call it from init.
func RegisterProvider(providerType string, factory ValidatorFactory) {
	mu.Lock()
	defer mu.Unlock()
	registry[strings.ToLower(providerType)] = factory
}

// NewValidator creates a validator from provider configuration
func NewValidator(providerConfig ProviderConfig) (Validator, error) {
	name := strings.ToLower(strings.TrimSpace(providerConfig.Type))
	mu.RLock()
	factory, ok := registry[name]
	mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown auth provider type %q (registered: %s)", providerConfig.Type, strings.Join(ListProviders(), ", "))
	}
	v, err := factory(providerConfig.Config)
	if err != nil {
		return nil, fmt.Errorf("auth provider %s: %w", name, err)
	}
	return v, nil
}

// ListProviders returns registered provider types, sorted.
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
