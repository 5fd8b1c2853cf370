package execpolicy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// AppendRule appends a rule line to rulesFile, creating the file and its
// parent directories when needed. A line already present is not repeated.
func AppendRule(rulesFile, line string) error {
	if err := os.MkdirAll(filepath.Dir(rulesFile), 0o755); err != nil {
		return fmt.Errorf("failed to create rules directory: %w", err)
	}

	existing, err := os.ReadFile(rulesFile)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read rules file: %w", err)
	}
	for _, l := range strings.Split(string(existing), "\n") {
		if strings.TrimSpace(l) == line {
			return nil
		}
	}

	f, err := os.OpenFile(rulesFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open rules file: %w", err)
	}
	defer f.Close()

	if len(existing) > 0 && existing[len(existing)-1] != '\n' {
		line = "\n" + line
	}
	if _, err := f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("failed to write rule: %w", err)
	}
	return nil
}

// AllowPrefixRuleLine renders prefix_rule(pattern=[...], decision="allow").
func AllowPrefixRuleLine(prefix []string) (string, error) {
	if len(prefix) == 0 {
		return "", &RuleError{Message: "prefix must not be empty"}
	}
	parts := make([]string, len(prefix))
	for i, p := range prefix {
		parts[i] = fmt.Sprintf("%q", p)
	}
	return fmt.Sprintf("prefix_rule(pattern=[%s], decision=\"allow\")", strings.Join(parts, ", ")), nil
}

// AllowSystemRuleLine renders allow_system(permission=..., target=...).
func AllowSystemRuleLine(permission, target string) (string, error) {
	if permission == "" {
		return "", &RuleError{Message: "permission must not be empty"}
	}
	if target == "" {
		target = "*"
	}
	return fmt.Sprintf("allow_system(permission=%q, target=%q)", permission, target), nil
}
