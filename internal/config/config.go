// Package config loads gatekeeper settings from a YAML file, .env files and
// GATEKEEPER_* environment variables, in that order of increasing priority.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/mfateev/gatekeeper/internal/execenv"
	"github.com/mfateev/gatekeeper/internal/execpolicy"
	"github.com/mfateev/gatekeeper/internal/mcp"
	"github.com/mfateev/gatekeeper/internal/permission"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "GATEKEEPER"

const (
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "console"
	DefaultPromptTimeout = time.Minute
	DefaultRulesDir      = ".gatekeeper/rules"
	configFileName       = "gatekeeper.yaml"
)

type Config struct {
	ProjectRoot string `yaml:"project_root" split_words:"true"`
	LogLevel    string `yaml:"log_level" split_words:"true"`
	LogFormat   string `yaml:"log_format" split_words:"true"`

	Permissions PermissionsConfig `yaml:"permissions"`
	Shell       ShellConfig       `yaml:"shell"`
	MCP         MCPConfig         `yaml:"mcp"`
}

type PermissionsConfig struct {
	// RulesDir holds *.rules files; relative paths resolve against the
	// project root.
	RulesDir string `yaml:"rules_dir" split_words:"true"`
	// AllowSystem entries are "permission_type:target"; target may be "*".
	AllowSystem []string `yaml:"allow_system" split_words:"true"`
	// DenyPaths are glob patterns no file operation may touch.
	DenyPaths []string `yaml:"deny_paths" split_words:"true"`
	// AllowDangerous turns off the built-in dangerous command denial.
	AllowDangerous bool          `yaml:"allow_dangerous" split_words:"true"`
	PromptTimeout  time.Duration `yaml:"prompt_timeout" split_words:"true"`
	// PromptRate is approval prompts per second; zero is unlimited.
	PromptRate  float64 `yaml:"prompt_rate" split_words:"true"`
	PromptBurst int     `yaml:"prompt_burst" split_words:"true"`
}

type ShellConfig struct {
	Path               string         `yaml:"path" split_words:"true"`
	DefaultTimeout     time.Duration  `yaml:"default_timeout" split_words:"true"`
	MaxOutputBytes     int            `yaml:"max_output_bytes" split_words:"true"`
	HistorySize        int            `yaml:"history_size" split_words:"true"`
	WarmDefaultSession bool           `yaml:"warm_default_session" split_words:"true"`
	Env                execenv.Policy `yaml:"env" ignored:"true"`
}

type MCPConfig struct {
	// Servers is keyed by server name.
	Servers        map[string]mcp.ServerSpec `yaml:"servers" ignored:"true"`
	StartupTimeout time.Duration             `yaml:"startup_timeout" split_words:"true"`
	AutoConnect    bool                      `yaml:"auto_connect" split_words:"true"`
}

// Load reads configuration from path. An empty path tries ./gatekeeper.yaml
// and then ~/.gatekeeper/config.yaml; finding neither is not an error.
func Load(path string) (*Config, error) {
	// Missing .env files are fine.
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load(".env")

	if path == "" {
		path = discover()
	}

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to process env vars: %w", err)
	}

	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func discover() string {
	if _, err := os.Stat(configFileName); err == nil {
		return configFileName
	}
	if home, err := os.UserHomeDir(); err == nil {
		p := filepath.Join(home, ".gatekeeper", "config.yaml")
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// finish applies defaults to zero values and validates the result.
func (c *Config) finish() error {
	if c.ProjectRoot == "" {
		c.ProjectRoot = "."
	}
	root, err := filepath.Abs(c.ProjectRoot)
	if err != nil {
		return fmt.Errorf("invalid project_root: %w", err)
	}
	c.ProjectRoot = root

	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = DefaultLogFormat
	}

	p := &c.Permissions
	if p.RulesDir == "" {
		p.RulesDir = DefaultRulesDir
	}
	if !filepath.IsAbs(p.RulesDir) {
		p.RulesDir = filepath.Join(c.ProjectRoot, p.RulesDir)
	}
	if p.PromptTimeout == 0 {
		p.PromptTimeout = DefaultPromptTimeout
	}
	if p.PromptBurst <= 0 {
		p.PromptBurst = 1
	}
	if p.PromptRate < 0 {
		return fmt.Errorf("permissions.prompt_rate must not be negative")
	}
	if _, err := p.ExtraPolicy(); err != nil {
		return err
	}

	if c.Shell.DefaultTimeout < 0 {
		return fmt.Errorf("shell.default_timeout must not be negative")
	}

	for name, spec := range c.MCP.Servers {
		spec.Name = name
		if spec.StartupTimeoutSec == 0 && c.MCP.StartupTimeout > 0 {
			spec.StartupTimeoutSec = int(c.MCP.StartupTimeout / time.Second)
		}
		if err := spec.Validate(); err != nil {
			return fmt.Errorf("mcp server %s: %w", name, err)
		}
		c.MCP.Servers[name] = spec
	}
	return nil
}

// ExtraPolicy turns the allow-list and deny paths into rules merged on top
// of the rules directory.
func (p PermissionsConfig) ExtraPolicy() (*execpolicy.Policy, error) {
	policy := execpolicy.NewPolicy()
	for _, entry := range p.AllowSystem {
		typ, target, ok := strings.Cut(entry, ":")
		typ, target = strings.TrimSpace(typ), strings.TrimSpace(target)
		if !ok || target == "" {
			return nil, fmt.Errorf("permissions.allow_system entry %q: want permission:target", entry)
		}
		if typ != "*" && !permission.Type(typ).Valid() {
			return nil, fmt.Errorf("permissions.allow_system entry %q: unknown permission %q", entry, typ)
		}
		policy.AddSystemRule(&execpolicy.SystemRule{Permission: typ, Target: target})
	}
	for _, pattern := range p.DenyPaths {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		policy.AddPathRule(&execpolicy.PathRule{Pattern: pattern, Justification: "denied by configuration"})
	}
	return policy, nil
}

// ServerSpecs returns the configured servers sorted by name.
func (c *Config) ServerSpecs() []mcp.ServerSpec {
	names := make([]string, 0, len(c.MCP.Servers))
	for name := range c.MCP.Servers {
		names = append(names, name)
	}
	sort.Strings(names)
	specs := make([]mcp.ServerSpec, 0, len(names))
	for _, name := range names {
		specs = append(specs, c.MCP.Servers[name])
	}
	return specs
}
