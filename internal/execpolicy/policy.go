package execpolicy

// Evaluation is the result of checking a command against the policy.
type Evaluation struct {
	// Decision is the highest decision of all matched rules.
	Decision Decision
	// MatchedRules are the rules that matched the command.
	MatchedRules []Rule
	// Justification comes from the highest-decision matched rule.
	Justification string
	// UsedFallback is true when no rule matched.
	UsedFallback bool
}

// Policy holds command, path and system rules.
type Policy struct {
	// rulesByProgram maps program name to rules. The "" key holds rules
	// whose first token is an alternative set.
	rulesByProgram map[string][]Rule
	pathRules      []*PathRule
	systemRules    []*SystemRule
}

// NewPolicy creates an empty policy.
func NewPolicy() *Policy {
	return &Policy{rulesByProgram: make(map[string][]Rule)}
}

// AddRule adds a command rule, indexed by program name when possible.
func (p *Policy) AddRule(r Rule) {
	if pr, ok := r.(*PrefixRule); ok {
		name := pr.Pattern.ProgramName()
		p.rulesByProgram[name] = append(p.rulesByProgram[name], r)
		return
	}
	p.rulesByProgram[""] = append(p.rulesByProgram[""], r)
}

// AddPathRule adds a path deny rule.
func (p *Policy) AddPathRule(r *PathRule) {
	p.pathRules = append(p.pathRules, r)
}

// AddSystemRule adds a system-wide allow rule.
func (p *Policy) AddSystemRule(r *SystemRule) {
	p.systemRules = append(p.systemRules, r)
}

// Check evaluates one command. When no rule matches, fallback decides
// (Prompt when fallback is nil).
//
// The highest matched decision wins, except that a prompt is settled by an
// allow rule whose pattern is at least as long as every matching prompt
// rule. Forbidden is never overridden.
func (p *Policy) Check(cmd []string, fallback func([]string) Decision) Evaluation {
	if len(cmd) == 0 {
		return fallbackEvaluation(cmd, fallback)
	}

	var matched []Rule
	highest := DecisionAllow
	justification := ""
	allowLen, promptLen := -1, -1
	allowJustification := ""
	consider := func(rules []Rule) {
		for _, r := range rules {
			if !r.Match(cmd) {
				continue
			}
			matched = append(matched, r)
			d := r.GetDecision()
			switch d {
			case DecisionAllow:
				if n := specificity(r); n > allowLen {
					allowLen = n
					allowJustification = r.GetJustification()
				}
			case DecisionPrompt:
				promptLen = max(promptLen, specificity(r))
			}
			if d > highest {
				highest = d
				justification = r.GetJustification()
			}
		}
	}
	consider(p.rulesByProgram[cmd[0]])
	consider(p.rulesByProgram[""])

	if len(matched) == 0 {
		return fallbackEvaluation(cmd, fallback)
	}
	if highest == DecisionPrompt && allowLen >= promptLen {
		highest = DecisionAllow
		justification = allowJustification
	}
	return Evaluation{Decision: highest, MatchedRules: matched, Justification: justification}
}

// specificity is the number of leading tokens a rule pins down.
func specificity(r Rule) int {
	if pr, ok := r.(*PrefixRule); ok {
		return len(pr.Pattern)
	}
	return 0
}

func fallbackEvaluation(cmd []string, fallback func([]string) Decision) Evaluation {
	d := DecisionPrompt
	if fallback != nil {
		d = fallback(cmd)
	}
	return Evaluation{Decision: d, UsedFallback: true}
}

// CheckMultiple evaluates several commands (for example the parts of
// `bash -c "a && b"`); the highest decision wins.
func (p *Policy) CheckMultiple(cmds [][]string, fallback func([]string) Decision) Evaluation {
	if len(cmds) == 0 {
		return fallbackEvaluation(nil, fallback)
	}

	aggregate := Evaluation{Decision: DecisionAllow, UsedFallback: true}
	for _, cmd := range cmds {
		eval := p.Check(cmd, fallback)
		if !eval.UsedFallback {
			aggregate.UsedFallback = false
		}
		if eval.Decision > aggregate.Decision {
			aggregate.Decision = eval.Decision
			aggregate.Justification = eval.Justification
		}
		aggregate.MatchedRules = append(aggregate.MatchedRules, eval.MatchedRules...)
	}
	return aggregate
}

// DeniedPath returns the first path rule matching p.
func (p *Policy) DeniedPath(path string) (*PathRule, bool) {
	for _, r := range p.pathRules {
		if r.Matches(path) {
			return r, true
		}
	}
	return nil, false
}

// AllowsSystem reports whether a system rule allows permission on target.
func (p *Policy) AllowsSystem(permission, target string) bool {
	for _, r := range p.systemRules {
		if r.Matches(permission, target) {
			return true
		}
	}
	return false
}

// Merge adds all rules from other into p.
func (p *Policy) Merge(other *Policy) {
	for key, rules := range other.rulesByProgram {
		p.rulesByProgram[key] = append(p.rulesByProgram[key], rules...)
	}
	p.pathRules = append(p.pathRules, other.pathRules...)
	p.systemRules = append(p.systemRules, other.systemRules...)
}
