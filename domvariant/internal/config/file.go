// Package config loads the abdom YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/abdom/domvariant/changes"
)

// Config is the top-level abdom configuration.
type Config struct {
	// VariableName is the variant variable holding the change payload.
	VariableName  string        `yaml:"variable_name"`
	PageURL       string        `yaml:"page_url"`
	Sanitize      bool          `yaml:"sanitize"`
	ScriptTimeout time.Duration `yaml:"script_timeout"`
	Threshold     float64       `yaml:"threshold" validate:"gte=0,lte=1"`
	Debug         bool          `yaml:"debug"`

	Server  ServerConfig  `yaml:"server"`
	Browser BrowserConfig `yaml:"browser"`
	Store   StoreConfig   `yaml:"store"`
	Sinks   []SinkConfig  `yaml:"sinks" validate:"dive"`
}

// ServerConfig controls the preview HTTP server.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	MaxBody      int64         `yaml:"max_body"`
	RateLimit    RateLimit     `yaml:"rate_limit"`
}

// RateLimit allows Requests per Window for each client IP and endpoint.
// Zero Requests disables limiting.
type RateLimit struct {
	Requests int           `yaml:"requests" validate:"gte=0"`
	Window   time.Duration `yaml:"window"`
}

// BrowserConfig controls the Chrome geometry used by previews. Disabled
// previews rely on selectors marked visible.
type BrowserConfig struct {
	Enabled          bool     `yaml:"enabled"`
	Remote           string   `yaml:"remote"`
	Bin              string   `yaml:"bin"`
	Headful          bool     `yaml:"headful"`
	Stealth          bool     `yaml:"stealth"`
	Width            int      `yaml:"width" validate:"gte=0"`
	Height           int      `yaml:"height" validate:"gte=0"`
	ResourceBlocking []string `yaml:"resource_blocking"`
}

// StoreConfig locates the SQLite event log. An empty Path disables it.
type StoreConfig struct {
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
}

// SinkConfig defines an event output.
type SinkConfig struct {
	Type    string            `yaml:"type" validate:"required,oneof=stdout webhook sqlite"`
	URL     string            `yaml:"url" validate:"omitempty,url"`
	Retries int               `yaml:"retries" validate:"gte=0"`
	Headers map[string]string `yaml:"headers"`
	// AllowPrivate lets a webhook target loopback or private addresses.
	AllowPrivate bool `yaml:"allow_private"`
}

var validate = validator.New()

// LoadFile reads and validates a YAML configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	var msgs []string
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("config: %w", err)
		}
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s: %s", fe.Namespace(), fe.Tag()))
		}
	}
	for i, s := range c.Sinks {
		if s.Type == "webhook" && s.URL == "" {
			msgs = append(msgs, fmt.Sprintf("Config.Sinks[%d].URL: required", i))
		}
		if s.Type == "sqlite" && c.Store.Path == "" {
			msgs = append(msgs, fmt.Sprintf("Config.Sinks[%d]: sqlite sink needs store.path", i))
		}
	}
	if len(msgs) == 0 {
		return nil
	}
	return fmt.Errorf("config: invalid: %s", strings.Join(msgs, "; "))
}

func (c *Config) applyDefaults() {
	if c.VariableName == "" {
		c.VariableName = changes.DefaultVariableName
	}
	if c.ScriptTimeout <= 0 {
		c.ScriptTimeout = 2 * time.Second
	}
	if c.Threshold <= 0 {
		c.Threshold = 0.01
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8087"
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = 60 * time.Second
	}
	if c.Server.MaxBody <= 0 {
		c.Server.MaxBody = 5 << 20
	}
	if c.Server.RateLimit.Requests > 0 && c.Server.RateLimit.Window <= 0 {
		c.Server.RateLimit.Window = time.Minute
	}
	if c.Browser.Width <= 0 {
		c.Browser.Width = 1280
	}
	if c.Browser.Height <= 0 {
		c.Browser.Height = 800
	}
	for i := range c.Sinks {
		if c.Sinks[i].Type == "webhook" && c.Sinks[i].Retries == 0 {
			c.Sinks[i].Retries = 3
		}
	}
}
