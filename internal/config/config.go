package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"intakeline/internal/stage"
)

// Config models intakeline.yml.
type Config struct {
	Pipeline struct {
		Name string `yaml:"name"`
	} `yaml:"pipeline"`
	Routing struct {
		// Requests at or under this many story points convert to a
		// ticket unless the caller overrides routing.
		TicketMaxPoints int `yaml:"ticket_max_points"`
	} `yaml:"routing"`
	Aging struct {
		// Hours a request may sit in each stage before it counts as
		// stale in list output.
		ThresholdHours map[string]int `yaml:"threshold_hours"`
	} `yaml:"aging"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found", path)
		}
		return nil, err
	}
	return FromYAML(data)
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

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Pipeline.Name == "" {
		return fmt.Errorf("config.pipeline.name is required")
	}
	if c.Routing.TicketMaxPoints < 0 {
		return fmt.Errorf("config.routing.ticket_max_points must not be negative")
	}
	for s, hours := range c.Aging.ThresholdHours {
		if _, err := stage.Parse(s); err != nil {
			return fmt.Errorf("config.aging.threshold_hours: %w", err)
		}
		if hours <= 0 {
			return fmt.Errorf("config.aging.threshold_hours.%s must be positive", s)
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "intakeline.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns the default config YAML for seeding a workspace.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `pipeline:
  name: intake

routing:
  ticket_max_points: 8

aging:
  threshold_hours:
    in_treatment: 48
    on_hold: 168
    estimation: 24
    ready: 12

webhooks: []
`
