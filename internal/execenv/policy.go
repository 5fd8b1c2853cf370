// Package execenv filters the environment handed to spawned shells.
package execenv

import (
	"os"
	"path"
	"sort"
	"strings"
)

// Inherit selects the starting set of variables.
type Inherit string

const (
	InheritAll  Inherit = "all"
	InheritNone Inherit = "none"
	// InheritCore keeps only HOME, PATH, SHELL and similar platform variables.
	InheritCore Inherit = "core"
)

var coreVars = map[string]bool{
	"HOME":     true,
	"LANG":     true,
	"LOGNAME":  true,
	"PATH":     true,
	"SHELL":    true,
	"USER":     true,
	"USERNAME": true,
	"TMPDIR":   true,
	"TEMP":     true,
	"TMP":      true,
}

// DefaultExcludes drop credentials unless IgnoreDefaultExcludes is set.
var DefaultExcludes = []string{"*KEY*", "*SECRET*", "*TOKEN*", "*PASSWORD*"}

// Policy decides which variables a shell session sees. Filtering runs in
// order: inherit, default excludes, Exclude, Set, IncludeOnly. Patterns are
// case-insensitive globs.
type Policy struct {
	Inherit               Inherit           `yaml:"inherit" json:"inherit,omitempty"`
	IgnoreDefaultExcludes bool              `yaml:"ignore_default_excludes" json:"ignore_default_excludes"`
	Exclude               []string          `yaml:"exclude" json:"exclude,omitempty"`
	Set                   map[string]string `yaml:"set" json:"set,omitempty"`
	IncludeOnly           []string          `yaml:"include_only" json:"include_only,omitempty"`
}

// Environ applies p to the current process environment and returns a sorted
// KEY=VALUE slice for exec.Cmd.Env.
func (p Policy) Environ() []string {
	return p.Apply(os.Environ())
}

// Apply filters environ (KEY=VALUE entries) and returns a sorted slice.
func (p Policy) Apply(environ []string) []string {
	env := p.Filter(parse(environ))
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// Filter applies p to a variable map and returns a new map.
func (p Policy) Filter(vars map[string]string) map[string]string {
	env := make(map[string]string, len(vars))
	switch p.Inherit {
	case InheritNone:
	case InheritCore:
		for k, v := range vars {
			if coreVars[k] {
				env[k] = v
			}
		}
	default:
		for k, v := range vars {
			env[k] = v
		}
	}

	if !p.IgnoreDefaultExcludes {
		dropMatching(env, DefaultExcludes)
	}
	dropMatching(env, p.Exclude)
	for k, v := range p.Set {
		env[k] = v
	}
	if len(p.IncludeOnly) > 0 {
		for k := range env {
			if !matchesAny(k, p.IncludeOnly) {
				delete(env, k)
			}
		}
	}
	return env
}

func parse(environ []string) map[string]string {
	vars := make(map[string]string, len(environ))
	for _, entry := range environ {
		if k, v, ok := strings.Cut(entry, "="); ok && k != "" {
			vars[k] = v
		}
	}
	return vars
}

func dropMatching(env map[string]string, patterns []string) {
	if len(patterns) == 0 {
		return
	}
	for k := range env {
		if matchesAny(k, patterns) {
			delete(env, k)
		}
	}
}

func matchesAny(name string, patterns []string) bool {
	name = strings.ToLower(name)
	for _, pattern := range patterns {
		if ok, _ := path.Match(strings.ToLower(pattern), name); ok {
			return true
		}
	}
	return false
}
