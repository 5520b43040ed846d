package domvariant

import (
	"github.com/hazyhaar/abdom/domvariant/internal/config"
)

// Config is the top-level abdom configuration. Re-exported from internal.
type Config = config.Config

// ServerConfig controls the preview HTTP server.
type ServerConfig = config.ServerConfig

// RateLimit bounds requests per client IP and endpoint.
type RateLimit = config.RateLimit

// BrowserConfig controls the Chrome geometry used by previews.
type BrowserConfig = config.BrowserConfig

// StoreConfig locates the SQLite event log.
type StoreConfig = config.StoreConfig

// SinkConfig defines an event output.
type SinkConfig = config.SinkConfig

// LoadConfigFile reads a YAML configuration file.
func LoadConfigFile(path string) (*Config, error) {
	return config.LoadFile(path)
}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *Config {
	return config.Default()
}
