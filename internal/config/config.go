// Package config loads and validates the service configuration from YAML.
// Environment variable references ("${VAR}") inside the file are expanded
// before parsing so secrets never need to live in the file itself.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/foie0222/mynion/internal/observability"
)

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig              `yaml:"server"`
	Slack     SlackConfig               `yaml:"slack"`
	Directory DirectoryConfig           `yaml:"directory"`
	Auth      AuthConfig                `yaml:"auth"`
	Provider  ProviderConfig            `yaml:"provider"`
	Tools     ToolsConfig               `yaml:"tools"`
	Dispatch  DispatchConfig            `yaml:"dispatch"`
	Logging   observability.LogConfig   `yaml:"logging"`
	Tracing   observability.TraceConfig `yaml:"tracing"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// SlackConfig holds Slack credentials.
type SlackConfig struct {
	BotToken      string `yaml:"bot_token"`
	SigningSecret string `yaml:"signing_secret"`
}

// DirectoryConfig configures the Identity Directory client.
type DirectoryConfig struct {
	BaseURL      string   `yaml:"base_url"`
	TokenURL     string   `yaml:"token_url"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes"`

	// AllowedReturnURLs is the callback allow-list registered with the
	// directory.
	AllowedReturnURLs []string `yaml:"allowed_return_urls"`
}

// AuthConfig tunes the authorization session broker.
type AuthConfig struct {
	// ReturnURL is the public callback URL presented at authorization time.
	ReturnURL string `yaml:"return_url"`

	// StateSecret signs the identity claim in the state parameter. At least
	// 32 bytes.
	StateSecret string `yaml:"state_secret"`

	SessionTTL   time.Duration `yaml:"session_ttl"`
	PollInterval time.Duration `yaml:"poll_interval"`
	WaitBudget   time.Duration `yaml:"wait_budget"`
}

// ProviderConfig configures the LLM backend.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
	System  string `yaml:"system_prompt"`
}

// ToolsConfig configures the remote tool service.
type ToolsConfig struct {
	BaseURL string `yaml:"base_url"`

	// Definitions are the tools offered to the model.
	Definitions []ToolDefinition `yaml:"definitions"`
}

// ToolDefinition is one tool exposed to the model.
type ToolDefinition struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Schema is the JSON Schema for the tool input, inline as a string.
	Schema string `yaml:"schema"`
}

// DispatchConfig tunes the worker pool.
type DispatchConfig struct {
	Workers     int           `yaml:"workers"`
	QueueSize   int           `yaml:"queue_size"`
	TurnTimeout time.Duration `yaml:"turn_timeout"`
}

// Load reads, expands, parses, and validates a configuration file.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse([]byte(os.ExpandEnv(string(data))))
}

// Parse parses configuration bytes, applies defaults, and validates.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.Slack.BotToken == "" {
		return fmt.Errorf("slack.bot_token is required")
	}
	if c.Slack.SigningSecret == "" {
		return fmt.Errorf("slack.signing_secret is required")
	}
	if c.Directory.BaseURL == "" {
		return fmt.Errorf("directory.base_url is required")
	}
	if len(c.Directory.AllowedReturnURLs) == 0 {
		return fmt.Errorf("directory.allowed_return_urls must list at least one URL")
	}
	if c.Auth.ReturnURL == "" {
		return fmt.Errorf("auth.return_url is required")
	}
	if !contains(c.Directory.AllowedReturnURLs, c.Auth.ReturnURL) {
		return fmt.Errorf("auth.return_url %q is not in directory.allowed_return_urls", c.Auth.ReturnURL)
	}
	if len(c.Auth.StateSecret) < 32 {
		return fmt.Errorf("auth.state_secret must be at least 32 bytes")
	}
	if c.Provider.APIKey == "" {
		return fmt.Errorf("provider.api_key is required")
	}
	if len(c.Tools.Definitions) > 0 && c.Tools.BaseURL == "" {
		return fmt.Errorf("tools.base_url is required when tool definitions are configured")
	}
	return nil
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}
