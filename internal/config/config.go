package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Dir is the per-workspace directory holding fspec.yml, the journal database and logs.
const Dir = ".fspec"

// Config models .fspec/fspec.yml. Relative paths resolve against the workspace root.
type Config struct {
	Project struct {
		Name string `yaml:"name"`
	} `yaml:"project"`
	Paths struct {
		WorkUnits   string `yaml:"work_units"`
		Hooks       string `yaml:"hooks"`
		Features    string `yaml:"features"`
		Checkpoints string `yaml:"checkpoints"`
	} `yaml:"paths"`
	Hooks struct {
		DefaultTimeoutSeconds int    `yaml:"default_timeout_seconds"`
		Shell                 string `yaml:"shell"`
		MaxConcurrency        int    `yaml:"max_concurrency"`
	} `yaml:"hooks"`
	Checkpoints struct {
		Automatic bool `yaml:"automatic"`
		// AuditSchedule is a 5-field cron expression for the drift audit run by fspec serve.
		AuditSchedule string `yaml:"audit_schedule"`
	} `yaml:"checkpoints"`
	Server struct {
		Addr         string `yaml:"addr"`
		BasePath     string `yaml:"base_path"`
		JWTSecretEnv string `yaml:"jwt_secret_env"`
	} `yaml:"server"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

// WebhookConfig delivers journal events to an HTTP endpoint while the API server runs.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Format         string   `yaml:"format,omitempty"` // json (default), slack or discord
	Events         []string `yaml:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with fspec config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(filepath.Base(absOrSelf(workspace))), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Paths.WorkUnits == "" {
		return fmt.Errorf("config.paths.work_units is required")
	}
	if c.Paths.Hooks == "" {
		return fmt.Errorf("config.paths.hooks is required")
	}
	if c.Paths.Features == "" {
		return fmt.Errorf("config.paths.features is required")
	}
	if c.Hooks.DefaultTimeoutSeconds <= 0 {
		return fmt.Errorf("config.hooks.default_timeout_seconds must be positive")
	}
	if c.Hooks.Shell == "" {
		return fmt.Errorf("config.hooks.shell is required")
	}
	if c.Hooks.MaxConcurrency < 0 {
		return fmt.Errorf("config.hooks.max_concurrency must not be negative")
	}
	if c.Server.BasePath != "" && c.Server.BasePath[0] != '/' {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	for i, w := range c.Webhooks {
		if w.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if w.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
		switch w.Format {
		case "", "json", "slack", "discord":
		default:
			return fmt.Errorf("config.webhooks[%d].format must be json, slack or discord", i)
		}
	}
	if c.Checkpoints.AuditSchedule != "" {
		if _, err := ParseSchedule(c.Checkpoints.AuditSchedule); err != nil {
			return fmt.Errorf("config.checkpoints.audit_schedule: %w", err)
		}
	}
	return nil
}

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseSchedule parses a standard 5-field cron expression.
func ParseSchedule(expr string) (cron.Schedule, error) {
	return scheduleParser.Parse(expr)
}

// Resolve joins p onto workspace unless it is already absolute.
func Resolve(workspace, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, p)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, Dir, "fspec.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectName string) string {
	return fmt.Sprintf(defaultTemplate, projectName)
}

// Default returns the default Config struct for a project.
func Default(projectName string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(projectName))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Omitted keys keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default("")
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Write stores cfg as the workspace config file.
func Write(workspace string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	path := Path(workspace)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func absOrSelf(p string) string {
	if p == "" {
		p = "."
	}
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

const defaultTemplate = `project:
  name: %q

paths:
  work_units: spec/work-units.json
  hooks: spec/fspec-hooks.json
  features: spec/features
  # empty: <git-dir>/fspec-checkpoints-index
  checkpoints: ""

hooks:
  default_timeout_seconds: 60
  shell: /bin/sh
  # 0 runs every hook of an event at once
  max_concurrency: 0

checkpoints:
  automatic: true
  # cron expression (minute hour dom month dow); empty disables the drift audit
  audit_schedule: ""

server:
  addr: 127.0.0.1:8080
  base_path: /v0
  jwt_secret_env: FSPEC_JWT_SECRET

# journal events forwarded while fspec serve runs
# webhooks:
#   - url: https://hooks.slack.com/services/T000/B000/XXXX
#     format: slack
#     events: ["transition.*", hook.failed, checkpoint.drift]
`
