package execpolicy

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// DefaultRulesFile is the file amendments are appended to inside a rules dir.
const DefaultRulesFile = "default.rules"

// PolicyManager owns the loaded policy and reloads it after amendments.
// It is safe for concurrent use.
type PolicyManager struct {
	mu            sync.RWMutex
	policy        *Policy
	rulesDir      string
	extra         *Policy
	denyDangerous bool
}

// Options configure a PolicyManager.
type Options struct {
	// RulesDir holds *.rules files. Empty means in-memory only.
	RulesDir string
	// Extra rules merged on every (re)load, typically from config.
	Extra *Policy
	// DenyDangerous forbids commands flagged by IsDangerousCommand when no
	// explicit rule matched them.
	DenyDangerous bool
}

// NewPolicyManager loads every *.rules file in opts.RulesDir (a missing
// directory is an empty policy) and merges opts.Extra.
func NewPolicyManager(opts Options) (*PolicyManager, error) {
	m := &PolicyManager{rulesDir: opts.RulesDir, extra: opts.Extra, denyDangerous: opts.DenyDangerous}
	p, err := m.load()
	if err != nil {
		return nil, err
	}
	m.policy = p
	return m, nil
}

// NewStaticPolicyManager wraps a pre-built policy.
func NewStaticPolicyManager(policy *Policy, denyDangerous bool) *PolicyManager {
	if policy == nil {
		policy = NewPolicy()
	}
	return &PolicyManager{policy: policy, denyDangerous: denyDangerous}
}

func (m *PolicyManager) load() (*Policy, error) {
	merged := NewPolicy()
	if m.rulesDir != "" {
		entries, err := os.ReadDir(m.rulesDir)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		names := make([]string, 0, len(entries))
		for _, entry := range entries {
			if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".rules") {
				names = append(names, entry.Name())
			}
		}
		sort.Strings(names)
		for _, name := range names {
			path := filepath.Join(m.rulesDir, name)
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, err
			}
			p, err := ParsePolicy(path, string(data))
			if err != nil {
				return nil, err
			}
			merged.Merge(p)
		}
	}
	if m.extra != nil {
		merged.Merge(m.extra)
	}
	return merged, nil
}

// EvaluateCommand classifies cmd. Shell invocations are split into their
// plain commands; the highest decision across them wins. Without a matching
// rule a command is allowed unless it is dangerous and DenyDangerous is set.
func (m *PolicyManager) EvaluateCommand(cmd []string) Evaluation {
	m.mu.RLock()
	defer m.mu.RUnlock()

	subCommands := SplitShellInvocation(cmd)
	if subCommands == nil {
		subCommands = [][]string{cmd}
	}

	eval := m.policy.CheckMultiple(subCommands, m.fallback)
	if eval.UsedFallback && eval.Decision == DecisionForbidden {
		eval.Justification = "command is potentially destructive"
	}
	return eval
}

func (m *PolicyManager) fallback(cmd []string) Decision {
	if m.denyDangerous && dangerousExec(cmd) {
		return DecisionForbidden
	}
	return DecisionAllow
}

// DeniedPath returns the justification of the first deny_path rule matching p.
func (m *PolicyManager) DeniedPath(p string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.policy.DeniedPath(p)
	if !ok {
		return "", false
	}
	if r.Justification != "" {
		return r.Justification, true
	}
	return "path matches deny pattern " + r.Pattern, true
}

// AllowsSystem reports whether the allow-list covers permission on target.
func (m *PolicyManager) AllowsSystem(permission, target string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.policy.AllowsSystem(permission, target)
}

// CanPersist reports whether amendments can be written to a rules dir.
func (m *PolicyManager) CanPersist() bool {
	return m.rulesDir != ""
}

// AllowSystemAndReload appends an allow_system rule and reloads the policy.
// Without a rules dir the rule is only added in memory.
func (m *PolicyManager) AllowSystemAndReload(permission, target string) error {
	line, err := AllowSystemRuleLine(permission, target)
	if err != nil {
		return err
	}
	if !m.CanPersist() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.policy.AddSystemRule(&SystemRule{Permission: permission, Target: target})
		return nil
	}
	return m.appendAndReload(line)
}

// AllowPrefixAndReload appends an allow prefix_rule and reloads the policy.
// Without a rules dir the rule is only added in memory.
func (m *PolicyManager) AllowPrefixAndReload(prefix []string) error {
	line, err := AllowPrefixRuleLine(prefix)
	if err != nil {
		return err
	}
	if !m.CanPersist() {
		pattern := make(PrefixPattern, len(prefix))
		for i, tok := range prefix {
			pattern[i] = PatternToken{Kind: PatternSingle, Single: tok}
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		m.policy.AddRule(&PrefixRule{Pattern: pattern, Decision: DecisionAllow})
		return nil
	}
	return m.appendAndReload(line)
}

func (m *PolicyManager) appendAndReload(line string) error {
	if err := AppendRule(filepath.Join(m.rulesDir, DefaultRulesFile), line); err != nil {
		return err
	}
	p, err := m.load()
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policy = p
	return nil
}
