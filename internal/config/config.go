package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models diwan.yml.
type Config struct {
	Council struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"council"`
	Policies struct {
		Fatwa struct {
			UnapproveTarget string `yaml:"unapprove_target"`
		} `yaml:"fatwa"`
	} `yaml:"policies"`
	Meetings struct {
		DefaultLocation string `yaml:"default_location"`
	} `yaml:"meetings"`
	Auth struct {
		AllowLegacyActorHeader bool `yaml:"allow_legacy_actor_header"`
	} `yaml:"auth"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with diwan config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Council.ID == "" {
		return fmt.Errorf("config.council.id is required")
	}
	if c.Council.Name == "" {
		return fmt.Errorf("config.council.name is required")
	}
	// Only the "assigned" target is implemented today. The enum exists
	// so a future "pending" target is a config change, not a schema one.
	if t := c.Policies.Fatwa.UnapproveTarget; t != "" && t != "assigned" {
		return fmt.Errorf("config.policies.fatwa.unapprove_target must be 'assigned', got %q", t)
	}
	for i, wh := range c.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
		if wh.TimeoutSeconds < 0 {
			return fmt.Errorf("webhook %d has negative timeout", i)
		}
		for _, evt := range wh.Events {
			if evt == "" {
				return fmt.Errorf("webhook %d has empty event filter", i)
			}
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "diwan.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(councilID string) string {
	return fmt.Sprintf(defaultTemplate, councilID, councilID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a council.
func Default(councilID string) *Config {
	var cfg Config
	cfg.Council.ID = councilID
	cfg.Council.Name = councilID
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(councilID))).Decode(&cfg)
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

const defaultTemplate = `council:
  id: %s
  name: %s

policies:
  fatwa:
    unapprove_target: assigned

meetings:
  default_location: "Council office"

auth:
  allow_legacy_actor_header: false

webhooks: []
`
