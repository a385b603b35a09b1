package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models routeline.yml.
type Config struct {
	Routing       Routing       `yaml:"routing" json:"routing"`
	BlastRadius   BlastRadius   `yaml:"blast_radius" json:"blast_radius"`
	Incidents     Incidents     `yaml:"incidents" json:"incidents"`
	Notifications Notifications `yaml:"notifications" json:"notifications"`
	Ownership     Ownership     `yaml:"ownership" json:"ownership"`
	Webhooks      []Webhook     `yaml:"webhooks" json:"webhooks"`
	Logging       Logging       `yaml:"logging" json:"logging"`
}

type Routing struct {
	Timezone          string        `yaml:"timezone" json:"timezone"`
	FrequencyWindow   time.Duration `yaml:"frequency_window" json:"frequency_window"`
	StaleBlockedAfter time.Duration `yaml:"stale_blocked_after" json:"stale_blocked_after"`
	OwnershipTimeout  time.Duration `yaml:"ownership_timeout" json:"ownership_timeout"`
}

type BlastRadius struct {
	HighRiskServices  []string `yaml:"high_risk_services" json:"high_risk_services"`
	DependentsDepth   int      `yaml:"dependents_depth" json:"dependents_depth"`
	AutoOpenThreshold int      `yaml:"auto_open_threshold" json:"auto_open_threshold"`
}

type Incidents struct {
	AllowSkipIdentified bool   `yaml:"allow_skip_identified" json:"allow_skip_identified"`
	BlockedSeverity     string `yaml:"blocked_severity" json:"blocked_severity"`
	GatedSeverity       string `yaml:"gated_severity" json:"gated_severity"`
}

type Notifications struct {
	GatedActions   bool               `yaml:"gated_actions" json:"gated_actions"`
	BlockedActions bool               `yaml:"blocked_actions" json:"blocked_actions"`
	Workers        int                `yaml:"workers" json:"workers"`
	QueueSize      int                `yaml:"queue_size" json:"queue_size"`
	RatePerSecond  float64            `yaml:"rate_per_second" json:"rate_per_second"`
	Retry          Retry              `yaml:"retry" json:"retry"`
	Channels       map[string]Channel `yaml:"channels" json:"channels"`
}

type Retry struct {
	BaseDelay   time.Duration `yaml:"base_delay" json:"base_delay"`
	Multiplier  float64       `yaml:"multiplier" json:"multiplier"`
	MaxDelay    time.Duration `yaml:"max_delay" json:"max_delay"`
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"`
}

type Channel struct {
	Kind           string `yaml:"kind" json:"kind"`
	URL            string `yaml:"url,omitempty" json:"url,omitempty"`
	Secret         string `yaml:"secret,omitempty" json:"secret,omitempty"`
	TimeoutSeconds int    `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
}

const (
	ChannelWebhook = "webhook"
	ChannelLog     = "log"
)

type Ownership struct {
	File         string        `yaml:"file,omitempty" json:"file,omitempty"`
	PollInterval time.Duration `yaml:"poll_interval,omitempty" json:"poll_interval,omitempty"`
}

type Webhook struct {
	ID             string   `yaml:"id" json:"id"`
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events" json:"events"`
	Secret         string   `yaml:"secret,omitempty" json:"secret,omitempty"`
	Enabled        bool     `yaml:"enabled" json:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	MaxAttempts    int      `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty"`
}

type Logging struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Location returns the configured routing time zone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Routing.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if _, err := time.LoadLocation(c.Routing.Timezone); err != nil {
		return fmt.Errorf("config.routing.timezone %q: %w", c.Routing.Timezone, err)
	}
	if c.Routing.FrequencyWindow <= 0 {
		return fmt.Errorf("config.routing.frequency_window must be positive")
	}
	if c.Routing.StaleBlockedAfter <= 0 {
		return fmt.Errorf("config.routing.stale_blocked_after must be positive")
	}
	if c.Routing.OwnershipTimeout <= 0 {
		return fmt.Errorf("config.routing.ownership_timeout must be positive")
	}
	if c.BlastRadius.DependentsDepth < 0 {
		return fmt.Errorf("config.blast_radius.dependents_depth must not be negative")
	}
	if c.BlastRadius.AutoOpenThreshold < 1 {
		return fmt.Errorf("config.blast_radius.auto_open_threshold must be at least 1")
	}
	for _, pattern := range c.BlastRadius.HighRiskServices {
		if pattern == "" {
			return fmt.Errorf("config.blast_radius.high_risk_services contains an empty pattern")
		}
	}
	for name, sev := range map[string]string{"blocked_severity": c.Incidents.BlockedSeverity, "gated_severity": c.Incidents.GatedSeverity} {
		switch sev {
		case "low", "medium", "high", "critical":
		default:
			return fmt.Errorf("config.incidents.%s must be one of low, medium, high, critical", name)
		}
	}
	n := c.Notifications
	if n.Workers < 1 {
		return fmt.Errorf("config.notifications.workers must be at least 1")
	}
	if n.QueueSize < 1 {
		return fmt.Errorf("config.notifications.queue_size must be at least 1")
	}
	if n.RatePerSecond <= 0 {
		return fmt.Errorf("config.notifications.rate_per_second must be positive")
	}
	if n.Retry.BaseDelay <= 0 || n.Retry.MaxDelay < n.Retry.BaseDelay {
		return fmt.Errorf("config.notifications.retry delays must satisfy 0 < base_delay <= max_delay")
	}
	if n.Retry.Multiplier < 1 {
		return fmt.Errorf("config.notifications.retry.multiplier must be >= 1")
	}
	if n.Retry.MaxAttempts < 1 {
		return fmt.Errorf("config.notifications.retry.max_attempts must be at least 1")
	}
	for name, ch := range n.Channels {
		if name == "" {
			return fmt.Errorf("config.notifications.channels contains an empty name")
		}
		switch ch.Kind {
		case ChannelLog:
		case ChannelWebhook:
			if _, err := url.ParseRequestURI(ch.URL); err != nil {
				return fmt.Errorf("channel %s: invalid url %q", name, ch.URL)
			}
		default:
			return fmt.Errorf("channel %s: unknown kind %q", name, ch.Kind)
		}
	}
	seen := map[string]bool{}
	for _, wh := range c.Webhooks {
		if wh.ID == "" {
			return fmt.Errorf("config.webhooks entries require an id")
		}
		if seen[wh.ID] {
			return fmt.Errorf("duplicate webhook id %s", wh.ID)
		}
		seen[wh.ID] = true
		if _, err := url.ParseRequestURI(wh.URL); err != nil {
			return fmt.Errorf("webhook %s: invalid url %q", wh.ID, wh.URL)
		}
	}
	switch c.Logging.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("config.logging.format must be json or console")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "routeline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys keep their defaults.
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

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// YAML renders the config back to routeline.yml form.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

const defaultTemplate = `routing:
  timezone: UTC
  frequency_window: 1h
  stale_blocked_after: 30m
  ownership_timeout: 250ms

blast_radius:
  high_risk_services: []
  dependents_depth: 2
  auto_open_threshold: 5

incidents:
  allow_skip_identified: false
  blocked_severity: high
  gated_severity: high

notifications:
  gated_actions: true
  blocked_actions: true
  workers: 4
  queue_size: 256
  rate_per_second: 5
  retry:
    base_delay: 500ms
    multiplier: 2
    max_delay: 30s
    max_attempts: 5
  channels:
    log:
      kind: log

ownership:
  poll_interval: 5s

webhooks: []

logging:
  level: info
  format: json
`
