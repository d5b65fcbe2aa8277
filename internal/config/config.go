package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Cache backends.
const (
	CacheMemory = "memory"
	CacheSQLite = "sqlite"
)

// Config models onboardgate.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Gate struct {
		Cache           string        `yaml:"cache"`
		CacheTTL        time.Duration `yaml:"cache_ttl"`
		OnboardingPath  string        `yaml:"onboarding_path"`
		ContinueParam   string        `yaml:"continue_param"`
		ProtectedPrefix string        `yaml:"protected_prefix"`
	} `yaml:"gate"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig relays event log entries to an HTTP endpoint.
type WebhookConfig struct {
	URL string `yaml:"url"`
	// Events limits delivery to these event types; empty means all.
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Active reports whether the hook should receive deliveries.
func (w WebhookConfig) Active() bool {
	if w.Enabled != nil && !*w.Enabled {
		return false
	}
	return strings.TrimSpace(w.URL) != ""
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with gate config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	switch c.Gate.Cache {
	case CacheMemory, CacheSQLite:
	default:
		return fmt.Errorf("config.gate.cache must be %q or %q", CacheMemory, CacheSQLite)
	}
	if c.Gate.CacheTTL <= 0 {
		return fmt.Errorf("config.gate.cache_ttl must be positive")
	}
	if !strings.HasPrefix(c.Gate.OnboardingPath, "/") {
		return fmt.Errorf("config.gate.onboarding_path must start with /")
	}
	if c.Gate.ContinueParam == "" {
		return fmt.Errorf("config.gate.continue_param is required")
	}
	if !strings.HasPrefix(c.Gate.ProtectedPrefix, "/") {
		return fmt.Errorf("config.gate.protected_prefix must start with /")
	}
	if strings.HasPrefix(strings.TrimSuffix(c.Gate.OnboardingPath, "/")+"/", strings.TrimSuffix(c.Gate.ProtectedPrefix, "/")+"/") {
		return fmt.Errorf("config.gate.onboarding_path must not live under protected_prefix")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		u, err := url.Parse(hook.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("config.webhooks[%d].url must be an http(s) URL", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "onboardgate.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys keep
// their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v1

gate:
  # memory keeps verdicts per process; sqlite shares them through the workspace db.
  cache: memory
  cache_ttl: 5m
  onboarding_path: /onboarding
  continue_param: next
  protected_prefix: /app

# webhooks receive event log entries as JSON POSTs, signed with
# X-Onboardgate-Signature: sha256=<hmac of body> when a secret is set.
webhooks: []
#  - url: https://example.com/hooks/onboarding
#    events: [snapshot.set, snapshot.replace]
#    secret: change-me
#    timeout_seconds: 5
`
