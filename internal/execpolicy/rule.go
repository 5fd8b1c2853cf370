package execpolicy

import (
	"path"
	"slices"
	"strings"
)

// PatternTokenKind distinguishes single-value tokens from alternative sets.
type PatternTokenKind int

const (
	// PatternSingle matches exactly one string value.
	PatternSingle PatternTokenKind = iota
	// PatternAlts matches any of a set of alternative strings.
	PatternAlts
)

// PatternToken is one element of a prefix pattern.
type PatternToken struct {
	Kind   PatternTokenKind
	Single string
	Alts   []string
}

// Matches reports whether the token accepts s.
func (pt *PatternToken) Matches(s string) bool {
	switch pt.Kind {
	case PatternSingle:
		return pt.Single == s
	case PatternAlts:
		return slices.Contains(pt.Alts, s)
	default:
		return false
	}
}

// PrefixPattern matches the leading tokens of a command.
type PrefixPattern []PatternToken

// Matches reports whether the pattern is a prefix of cmd.
func (pp PrefixPattern) Matches(cmd []string) bool {
	if len(cmd) < len(pp) {
		return false
	}
	for i := range pp {
		if !pp[i].Matches(cmd[i]) {
			return false
		}
	}
	return true
}

// ProgramName returns the first token when it is a single value, else "".
func (pp PrefixPattern) ProgramName() string {
	if len(pp) == 0 || pp[0].Kind != PatternSingle {
		return ""
	}
	return pp[0].Single
}

// Rule is a command rule. PrefixRule is the only implementation today.
type Rule interface {
	Match(cmd []string) bool
	GetDecision() Decision
	GetJustification() string
}

// PrefixRule assigns a decision to every command starting with Pattern.
type PrefixRule struct {
	Pattern       PrefixPattern
	Decision      Decision
	Justification string
}

func (pr *PrefixRule) Match(cmd []string) bool { return pr.Pattern.Matches(cmd) }

func (pr *PrefixRule) GetDecision() Decision { return pr.Decision }

func (pr *PrefixRule) GetJustification() string { return pr.Justification }

// PathRule denies access to paths matching a glob. A leading "**/" matches
// at any depth; a pattern without a slash is also tried against the base name.
type PathRule struct {
	Pattern       string
	Justification string
}

// Matches reports whether p (slash or OS separated) matches the rule.
func (r *PathRule) Matches(p string) bool {
	p = path.Clean(strings.ReplaceAll(p, "\\", "/"))
	return matchGlob(r.Pattern, p)
}

func matchGlob(pattern, p string) bool {
	if ok, _ := path.Match(pattern, p); ok {
		return true
	}
	if rest, found := strings.CutPrefix(pattern, "**/"); found {
		for i := 0; i < len(p); i++ {
			if p[i] == '/' && matchGlob(rest, p[i+1:]) {
				return true
			}
		}
		return matchGlob(rest, p)
	}
	if !strings.Contains(pattern, "/") {
		ok, _ := path.Match(pattern, path.Base(p))
		return ok
	}
	return false
}

// SystemRule allow-lists a system-wide permission for a target. Target "*"
// (or empty) covers every target; other targets are globs.
type SystemRule struct {
	Permission string
	Target     string
}

// Matches reports whether the rule allows permission on target.
func (r *SystemRule) Matches(permission, target string) bool {
	if r.Permission != "*" && r.Permission != permission {
		return false
	}
	if r.Target == "" || r.Target == "*" {
		return true
	}
	ok, _ := path.Match(r.Target, target)
	return ok
}
