// Package execpolicy provides a Starlark-based rules engine for classifying
// shell commands, file paths and system-wide permission targets.
//
// A rules file may call three builtins:
//
//	prefix_rule(pattern=["git", "push"], decision="prompt", justification="...")
//	deny_path(pattern="**/.env", justification="...")
//	allow_system(permission="mcp_connect", target="github")
package execpolicy

import (
	"fmt"
	"strings"
)

// Decision is the outcome of evaluating a command against the policy.
// Decisions are ordered: Allow < Prompt < Forbidden. When several rules
// match, the highest decision wins.
type Decision int

const (
	// DecisionAllow means the command may run without asking.
	DecisionAllow Decision = iota
	// DecisionPrompt means someone must approve the command first.
	DecisionPrompt
	// DecisionForbidden means the command must not run.
	DecisionForbidden
)

func (d Decision) String() string {
	switch d {
	case DecisionAllow:
		return "allow"
	case DecisionPrompt:
		return "prompt"
	case DecisionForbidden:
		return "forbidden"
	default:
		return fmt.Sprintf("Decision(%d)", int(d))
	}
}

// ParseDecision parses "allow", "prompt" or "forbidden" (case-insensitive).
func ParseDecision(s string) (Decision, error) {
	switch strings.ToLower(s) {
	case "allow":
		return DecisionAllow, nil
	case "prompt":
		return DecisionPrompt, nil
	case "forbidden":
		return DecisionForbidden, nil
	default:
		return DecisionAllow, fmt.Errorf("invalid decision %q: must be allow, prompt, or forbidden", s)
	}
}

// Max returns the higher of two decisions.
func (d Decision) Max(other Decision) Decision {
	if other > d {
		return other
	}
	return d
}

// ParseError reports a rules file that failed to load.
type ParseError struct {
	File    string
	Message string
	Cause   error
}

func (e *ParseError) Error() string {
	if e.File != "" {
		return fmt.Sprintf("%s: %s", e.File, e.Message)
	}
	return e.Message
}

func (e *ParseError) Unwrap() error {
	return e.Cause
}

// RuleError reports an invalid rule definition.
type RuleError struct {
	Message string
}

func (e *RuleError) Error() string {
	return "rule error: " + e.Message
}
