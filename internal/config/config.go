package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models loopline.yml.
type Config struct {
	Agent struct {
		// Command is the external agent invocation, split shell-style.
		// The instruction is written to the process stdin.
		Command        string `yaml:"command"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
		MaxSessions    int    `yaml:"max_sessions"`
		DelaySeconds   int    `yaml:"delay_seconds"`
	} `yaml:"agent"`
	Validator struct {
		Checks []Check `yaml:"checks"`
	} `yaml:"validator"`
	Server struct {
		Port      int    `yaml:"port"`
		BasePath  string `yaml:"base_path"`
		APIKey    string `yaml:"api_key"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
	// Schedule is an optional cron expression that auto-starts a session.
	Schedule string `yaml:"schedule"`
}

// Check is one validator sub-check, run as a shell command in the project dir.
type Check struct {
	Name           string `yaml:"name"`
	Command        string `yaml:"command"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Load reads and validates config from the workspace, falling back to the
// defaults when loopline.yml does not exist.
func Load(workspace string) (*Config, error) {
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
	if c.Agent.Command == "" {
		return fmt.Errorf("config.agent.command is required")
	}
	if c.Agent.TimeoutSeconds <= 0 {
		return fmt.Errorf("config.agent.timeout_seconds must be positive")
	}
	if c.Agent.MaxSessions <= 0 {
		return fmt.Errorf("config.agent.max_sessions must be positive")
	}
	if c.Agent.DelaySeconds < 0 {
		return fmt.Errorf("config.agent.delay_seconds must not be negative")
	}
	seen := map[string]bool{}
	for _, chk := range c.Validator.Checks {
		if chk.Name == "" {
			return fmt.Errorf("config.validator.checks contains a check without a name")
		}
		if chk.Command == "" {
			return fmt.Errorf("check %s has no command", chk.Name)
		}
		if seen[chk.Name] {
			return fmt.Errorf("check %s declared twice", chk.Name)
		}
		seen[chk.Name] = true
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "loopline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing fields
// fall back to the defaults before validation.
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

const defaultTemplate = `agent:
  command: "claude -p --dangerously-skip-permissions --max-turns 25 --verbose --output-format stream-json"
  timeout_seconds: 1800
  max_sessions: 100
  delay_seconds: 5

validator:
  checks:
    - name: syntax
      command: "python -m compileall -q ."
      timeout_seconds: 60
    - name: tests
      command: "python -m pytest -q"
      timeout_seconds: 120
    - name: lint
      command: "ruff check ."
      timeout_seconds: 60

server:
  port: 7331
  base_path: /v0
`
