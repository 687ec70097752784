package redis

import (
	"encoding/json"
	"fmt"

	"github.com/crowsandbox/crow/internal/providers"
	"github.com/crowsandbox/crow/pkg/persistence"
)

// Config holds Redis-specific configuration
type Config struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	// Prefix namespaces every key; defaults to "crow".
	Prefix string `json:"prefix,omitempty"`
}

// NewPlugin creates a Redis job store from registry configuration
func NewPlugin(config persistence.PluginConfig) (persistence.JobStore, error) {
	var cfg Config
	if len(config.Config) > 0 {
		if err := json.Unmarshal(config.Config, &cfg); err != nil {
			return nil, fmt.Errorf("redis store config: %w", err)
		}
	}
	client := providers.NewRedisProvider(cfg.Addr, cfg.Password, cfg.DB)

	s := New(client, config.Timezone, cfg.Prefix)
	s.logger = config.Logger
	return s, nil
}

func init() {
	persistence.RegisterProvider("redis", NewPlugin)
}
