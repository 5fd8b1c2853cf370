// Package mcp implements the tool-server registry: external MCP servers are
// registered from a launch spec, connected behind a permission check, have
// their tools and resources discovered, and are invoked until disconnect.
package mcp

import (
	"time"

	"github.com/mfateev/gatekeeper/internal/fault"
)

// DefaultStartupTimeout bounds the handshake plus initial discovery.
const DefaultStartupTimeout = 10 * time.Second

// ServerSpec describes how to launch or reach a tool server. Exactly one of
// Command (stdio) or URL (streamable HTTP) is used; Command wins when both
// are set.
type ServerSpec struct {
	Name    string            `yaml:"name" json:"name"`
	Command string            `yaml:"command,omitempty" json:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Cwd     string            `yaml:"cwd,omitempty" json:"cwd,omitempty"`
	URL     string            `yaml:"url,omitempty" json:"url,omitempty"`

	StartupTimeoutSec int `yaml:"startup_timeout_sec,omitempty" json:"startup_timeout_sec,omitempty"`

	// EnabledTools is an allow-list; empty means every tool.
	EnabledTools []string `yaml:"enabled_tools,omitempty" json:"enabled_tools,omitempty"`
	// DisabledTools is never exposed, even when enabled.
	DisabledTools []string `yaml:"disabled_tools,omitempty" json:"disabled_tools,omitempty"`
}

// Validate reports an InvalidSpec error when the spec cannot be launched.
func (s ServerSpec) Validate() error {
	if s.Name == "" {
		return fault.New(fault.InvalidSpec, "", "server spec has no name")
	}
	if s.Command == "" && s.URL == "" {
		return fault.Newf(fault.InvalidSpec, "", "server %q has neither command nor url", s.Name)
	}
	if s.StartupTimeoutSec < 0 {
		return fault.Newf(fault.InvalidSpec, "", "server %q has a negative startup timeout", s.Name)
	}
	return nil
}

// IsStdio reports whether the server is spawned as a subprocess.
func (s ServerSpec) IsStdio() bool {
	return s.Command != ""
}

// StartupTimeout returns the configured handshake bound.
func (s ServerSpec) StartupTimeout() time.Duration {
	if s.StartupTimeoutSec > 0 {
		return time.Duration(s.StartupTimeoutSec) * time.Second
	}
	return DefaultStartupTimeout
}

// Filter builds the spec's tool filter.
func (s ServerSpec) Filter() ToolFilter {
	return NewToolFilter(s.EnabledTools, s.DisabledTools)
}

// ToolFilter controls which tools a server exposes. A tool passes when the
// allow-list is nil or names it, and the deny-list does not.
type ToolFilter struct {
	Enabled  map[string]bool
	Disabled map[string]bool
}

// NewToolFilter creates a ToolFilter from enabled/disabled tool lists.
func NewToolFilter(enabledTools, disabledTools []string) ToolFilter {
	var enabled map[string]bool
	if len(enabledTools) > 0 {
		enabled = make(map[string]bool, len(enabledTools))
		for _, t := range enabledTools {
			enabled[t] = true
		}
	}

	disabled := make(map[string]bool, len(disabledTools))
	for _, t := range disabledTools {
		disabled[t] = true
	}

	return ToolFilter{Enabled: enabled, Disabled: disabled}
}

// Allows returns whether the given tool name passes the filter.
func (f ToolFilter) Allows(toolName string) bool {
	if f.Enabled != nil && !f.Enabled[toolName] {
		return false
	}
	return !f.Disabled[toolName]
}
