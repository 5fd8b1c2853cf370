package execpolicy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func single(s string) PatternToken {
	return PatternToken{Kind: PatternSingle, Single: s}
}

func TestDecision_StringAndParse(t *testing.T) {
	assert.Equal(t, "allow", DecisionAllow.String())
	assert.Equal(t, "forbidden", DecisionForbidden.String())

	for _, tt := range []struct {
		in      string
		want    Decision
		wantErr bool
	}{
		{"allow", DecisionAllow, false},
		{"PROMPT", DecisionPrompt, false},
		{"Forbidden", DecisionForbidden, false},
		{"maybe", DecisionAllow, true},
	} {
		t.Run(tt.in, func(t *testing.T) {
			d, err := ParseDecision(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, d)
		})
	}
	assert.Equal(t, DecisionForbidden, DecisionPrompt.Max(DecisionForbidden))
	assert.Equal(t, DecisionPrompt, DecisionPrompt.Max(DecisionAllow))
}

func TestPrefixPattern_Matches(t *testing.T) {
	pattern := PrefixPattern{
		single("npm"),
		{Kind: PatternAlts, Alts: []string{"install", "ci"}},
	}
	assert.True(t, pattern.Matches([]string{"npm", "ci", "--silent"}))
	assert.False(t, pattern.Matches([]string{"npm", "run"}))
	assert.False(t, pattern.Matches([]string{"npm"}))
	assert.Equal(t, "npm", pattern.ProgramName())

	alts := PrefixPattern{{Kind: PatternAlts, Alts: []string{"a", "b"}}}
	assert.Empty(t, alts.ProgramName())
}

func TestPolicy_Check_HighestDecisionWins(t *testing.T) {
	p := NewPolicy()
	p.AddRule(&PrefixRule{Pattern: PrefixPattern{single("git")}, Decision: DecisionAllow})
	p.AddRule(&PrefixRule{
		Pattern:       PrefixPattern{single("git"), single("reset")},
		Decision:      DecisionForbidden,
		Justification: "destructive",
	})

	eval := p.Check([]string{"git", "reset", "--hard"}, nil)
	assert.Equal(t, DecisionForbidden, eval.Decision)
	assert.Len(t, eval.MatchedRules, 2)
	assert.Equal(t, "destructive", eval.Justification)
	assert.False(t, eval.UsedFallback)
}

func TestPolicy_Check_AltFirstTokenIndexedUnderEmptyKey(t *testing.T) {
	p := NewPolicy()
	p.AddRule(&PrefixRule{
		Pattern:  PrefixPattern{{Kind: PatternAlts, Alts: []string{"curl", "wget"}}},
		Decision: DecisionPrompt,
	})
	assert.Equal(t, DecisionPrompt, p.Check([]string{"wget", "x"}, nil).Decision)
}

func TestPolicy_Check_FallbackWhenNothingMatches(t *testing.T) {
	p := NewPolicy()
	eval := p.Check([]string{"unknown"}, nil)
	assert.Equal(t, DecisionPrompt, eval.Decision)
	assert.True(t, eval.UsedFallback)

	eval = p.Check([]string{}, func([]string) Decision { return DecisionForbidden })
	assert.Equal(t, DecisionForbidden, eval.Decision)
}

func TestPolicy_CheckMultiple(t *testing.T) {
	p := NewPolicy()
	p.AddRule(&PrefixRule{Pattern: PrefixPattern{single("echo")}, Decision: DecisionAllow})
	p.AddRule(&PrefixRule{Pattern: PrefixPattern{single("rm")}, Decision: DecisionForbidden})

	eval := p.CheckMultiple([][]string{{"echo", "hi"}, {"rm", "x"}}, nil)
	assert.Equal(t, DecisionForbidden, eval.Decision)
	assert.Len(t, eval.MatchedRules, 2)
	assert.False(t, eval.UsedFallback)

	eval = p.CheckMultiple([][]string{{"a"}, {"b"}}, func([]string) Decision { return DecisionAllow })
	assert.True(t, eval.UsedFallback)
	assert.Equal(t, DecisionAllow, eval.Decision)
}

func TestPathRule_Matches(t *testing.T) {
	tests := []struct {
		pattern string
		path    string
		want    bool
	}{
		{"**/.env", "/work/app/.env", true},
		{"**/.env", ".env", true},
		{".env", "/work/app/.env", true},
		{"*.pem", "/home/u/keys/server.pem", true},
		{"/etc/*", "/etc/passwd", true},
		{"/etc/*", "/etc/ssl/certs", false},
		{"**/secrets/*", "/repo/config/secrets/db", true},
		{"**/secrets/*", "/repo/config/db", false},
		{"*.pem", "/home/u/keys/server.key", false},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+" "+tt.path, func(t *testing.T) {
			r := &PathRule{Pattern: tt.pattern}
			assert.Equal(t, tt.want, r.Matches(tt.path))
		})
	}
}

func TestSystemRule_Matches(t *testing.T) {
	assert.True(t, (&SystemRule{Permission: "mcp_connect", Target: "*"}).Matches("mcp_connect", "github"))
	assert.True(t, (&SystemRule{Permission: "mcp_connect"}).Matches("mcp_connect", "github"))
	assert.True(t, (&SystemRule{Permission: "mcp_connect", Target: "git*"}).Matches("mcp_connect", "github"))
	assert.False(t, (&SystemRule{Permission: "mcp_connect", Target: "slack"}).Matches("mcp_connect", "github"))
	assert.False(t, (&SystemRule{Permission: "file_read", Target: "*"}).Matches("mcp_connect", "github"))
	assert.True(t, (&SystemRule{Permission: "*", Target: "*"}).Matches("file_write", "/etc/hosts"))
}

func TestPolicy_Merge(t *testing.T) {
	a := NewPolicy()
	a.AddRule(&PrefixRule{Pattern: PrefixPattern{single("echo")}, Decision: DecisionAllow})
	b := NewPolicy()
	b.AddRule(&PrefixRule{Pattern: PrefixPattern{single("rm")}, Decision: DecisionForbidden})
	b.AddPathRule(&PathRule{Pattern: "*.key"})
	b.AddSystemRule(&SystemRule{Permission: "mcp_connect", Target: "*"})

	a.Merge(b)

	assert.Equal(t, DecisionForbidden, a.Check([]string{"rm"}, nil).Decision)
	_, denied := a.DeniedPath("/x/id.key")
	assert.True(t, denied)
	assert.True(t, a.AllowsSystem("mcp_connect", "demo"))
}

func TestPolicy_Check_SpecificAllowSettlesPrompt(t *testing.T) {
	p := NewPolicy()
	p.AddRule(&PrefixRule{Pattern: PrefixPattern{single("git")}, Decision: DecisionAllow})
	p.AddRule(&PrefixRule{Pattern: PrefixPattern{single("git"), single("push")}, Decision: DecisionPrompt})
	p.AddRule(&PrefixRule{Pattern: PrefixPattern{single("git"), single("clean")}, Decision: DecisionForbidden})

	assert.Equal(t, DecisionAllow, p.Check([]string{"git", "status"}, nil).Decision)
	assert.Equal(t, DecisionPrompt, p.Check([]string{"git", "push"}, nil).Decision, "broader allow does not settle")

	p.AddRule(&PrefixRule{
		Pattern:       PrefixPattern{single("git"), single("push")},
		Decision:      DecisionAllow,
		Justification: "approved",
	})
	eval := p.Check([]string{"git", "push", "origin"}, nil)
	assert.Equal(t, DecisionAllow, eval.Decision)
	assert.Equal(t, "approved", eval.Justification)

	p.AddRule(&PrefixRule{
		Pattern:  PrefixPattern{single("git"), single("clean"), single("-fd")},
		Decision: DecisionAllow,
	})
	assert.Equal(t, DecisionForbidden, p.Check([]string{"git", "clean", "-fd"}, nil).Decision)
}
