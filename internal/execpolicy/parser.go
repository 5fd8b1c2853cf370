package execpolicy

import (
	"fmt"
	"path"

	"go.starlark.net/starlark"
)

// ParsePolicy executes a Starlark rules source and returns the Policy its
// builtin calls describe.
func ParsePolicy(filename, source string) (*Policy, error) {
	policy := NewPolicy()

	prefixRule := starlark.NewBuiltin("prefix_rule", func(
		thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple,
	) (starlark.Value, error) {
		var (
			patternVal    *starlark.List
			decisionStr   string
			justification string
		)
		if err := starlark.UnpackArgs(fn.Name(), args, kwargs,
			"pattern", &patternVal,
			"decision?", &decisionStr,
			"justification?", &justification,
		); err != nil {
			return nil, err
		}

		if decisionStr == "" {
			decisionStr = "allow"
		}
		decision, err := ParseDecision(decisionStr)
		if err != nil {
			return nil, err
		}

		pattern, err := parsePatternFromStarlark(patternVal)
		if err != nil {
			return nil, err
		}
		if len(pattern) == 0 {
			return nil, fmt.Errorf("prefix_rule pattern must not be empty")
		}

		policy.AddRule(&PrefixRule{Pattern: pattern, Decision: decision, Justification: justification})
		return starlark.None, nil
	})

	denyPath := starlark.NewBuiltin("deny_path", func(
		thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple,
	) (starlark.Value, error) {
		var pattern, justification string
		if err := starlark.UnpackArgs(fn.Name(), args, kwargs,
			"pattern", &pattern,
			"justification?", &justification,
		); err != nil {
			return nil, err
		}
		if err := validateGlob(pattern); err != nil {
			return nil, err
		}
		policy.AddPathRule(&PathRule{Pattern: pattern, Justification: justification})
		return starlark.None, nil
	})

	allowSystem := starlark.NewBuiltin("allow_system", func(
		thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple,
	) (starlark.Value, error) {
		var permission string
		target := "*"
		if err := starlark.UnpackArgs(fn.Name(), args, kwargs,
			"permission", &permission,
			"target?", &target,
		); err != nil {
			return nil, err
		}
		if permission == "" {
			return nil, fmt.Errorf("allow_system permission must not be empty")
		}
		if err := validateGlob(target); err != nil {
			return nil, err
		}
		policy.AddSystemRule(&SystemRule{Permission: permission, Target: target})
		return starlark.None, nil
	})

	predeclared := starlark.StringDict{
		"prefix_rule":  prefixRule,
		"deny_path":    denyPath,
		"allow_system": allowSystem,
	}

	thread := &starlark.Thread{Name: filename}
	if _, err := starlark.ExecFile(thread, filename, source, predeclared); err != nil {
		return nil, &ParseError{
			File:    filename,
			Message: fmt.Sprintf("starlark error: %v", err),
			Cause:   err,
		}
	}
	return policy, nil
}

func validateGlob(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("pattern must not be empty")
	}
	if _, err := path.Match(pattern, ""); err != nil {
		return fmt.Errorf("bad glob %q: %w", pattern, err)
	}
	return nil
}

// parsePatternFromStarlark converts a Starlark list into a PrefixPattern.
// Each element is either a string or a list of alternative strings.
func parsePatternFromStarlark(list *starlark.List) (PrefixPattern, error) {
	pattern := make(PrefixPattern, 0, list.Len())

	iter := list.Iterate()
	defer iter.Done()
	var val starlark.Value
	for iter.Next(&val) {
		switch v := val.(type) {
		case starlark.String:
			if v == "" {
				return nil, fmt.Errorf("pattern token must not be empty string")
			}
			pattern = append(pattern, PatternToken{Kind: PatternSingle, Single: string(v)})
		case *starlark.List:
			alts, err := starlarkListToStrings(v)
			if err != nil {
				return nil, fmt.Errorf("alternative list: %w", err)
			}
			if len(alts) == 0 {
				return nil, fmt.Errorf("alternative list must not be empty")
			}
			pattern = append(pattern, PatternToken{Kind: PatternAlts, Alts: alts})
		default:
			return nil, fmt.Errorf("pattern element must be string or list of strings, got %s", val.Type())
		}
	}
	return pattern, nil
}

func starlarkListToStrings(list *starlark.List) ([]string, error) {
	result := make([]string, 0, list.Len())
	iter := list.Iterate()
	defer iter.Done()
	var val starlark.Value
	for iter.Next(&val) {
		s, ok := val.(starlark.String)
		if !ok {
			return nil, fmt.Errorf("expected string, got %s", val.Type())
		}
		if s == "" {
			return nil, fmt.Errorf("alternative must not be empty string")
		}
		result = append(result, string(s))
	}
	return result, nil
}
