package mcp

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func tools(names ...string) []ToolDescriptor {
	out := make([]ToolDescriptor, 0, len(names))
	for _, n := range names {
		out = append(out, ToolDescriptor{Name: n, Valid: true})
	}
	return out
}

func qualifiedNames(ds []ToolDescriptor) []string {
	out := make([]string, 0, len(ds))
	for _, d := range ds {
		out = append(out, d.QualifiedName)
	}
	sort.Strings(out)
	return out
}

func TestQualifyTools_ShortNames(t *testing.T) {
	got := qualifyTools("server1", tools("tool1", "tool2"), zaptest.NewLogger(t))
	assert.Equal(t, []string{"mcp__server1__tool1", "mcp__server1__tool2"}, qualifiedNames(got))
}

func TestQualifyTools_DuplicatesSkipped(t *testing.T) {
	got := qualifyTools("server1", tools("dup", "dup"), zaptest.NewLogger(t))
	assert.Equal(t, []string{"mcp__server1__dup"}, qualifiedNames(got))
}

func TestQualifyTools_SanitizedCollisionSkipped(t *testing.T) {
	got := qualifyTools("s", tools("a.b", "a_b"), zaptest.NewLogger(t))
	require.Len(t, got, 1)
	assert.Equal(t, "a.b", got[0].Name)
	assert.Equal(t, "mcp__s__a_b", got[0].QualifiedName)
}

func TestQualifyTools_LongNamesHashed(t *testing.T) {
	got := qualifyTools("my_server", tools(
		"extremely_lengthy_function_name_that_absolutely_surpasses_all_reasonable_limits",
		"yet_another_extremely_lengthy_function_name_that_absolutely_surpasses_all_reasonable_limits",
	), zaptest.NewLogger(t))

	names := qualifiedNames(got)
	require.Len(t, names, 2)
	assert.Equal(t, "mcp__my_server__extremel119a2b97664e41363932dc84de21e2ff1b93b3e9", names[0])
	assert.Equal(t, "mcp__my_server__yet_anot419a82a89325c1b477274a41f8c65ea5f3a7f341", names[1])
	for _, n := range names {
		assert.Len(t, n, MaxToolNameLength)
	}
}

func TestQualifyToolName_KeepsOriginalName(t *testing.T) {
	got := qualifyTools("server.one", tools("tool.two"), zaptest.NewLogger(t))
	require.Len(t, got, 1)
	assert.Equal(t, "mcp__server_one__tool_two", got[0].QualifiedName)
	assert.Equal(t, "tool.two", got[0].Name)

	for _, c := range got[0].QualifiedName {
		assert.True(t,
			(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' || c == '-',
			"unexpected character %q", c)
	}
}

func TestToolFilter(t *testing.T) {
	tests := []struct {
		name     string
		enabled  []string
		disabled []string
		allowed  []string
		blocked  []string
	}{
		{name: "default allows all", allowed: []string{"any"}},
		{name: "enabled list", enabled: []string{"keep"}, allowed: []string{"keep"}, blocked: []string{"other"}},
		{name: "disabled list", disabled: []string{"blocked"}, allowed: []string{"open"}, blocked: []string{"blocked"}},
		{
			name:     "disabled wins over enabled",
			enabled:  []string{"keep", "remove"},
			disabled: []string{"remove"},
			allowed:  []string{"keep"},
			blocked:  []string{"remove", "unknown"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewToolFilter(tt.enabled, tt.disabled)
			for _, n := range tt.allowed {
				assert.True(t, f.Allows(n), n)
			}
			for _, n := range tt.blocked {
				assert.False(t, f.Allows(n), n)
			}
		})
	}
}

func TestFilterTools_UsesSpecFilter(t *testing.T) {
	spec := ServerSpec{Name: "s", Command: "x", EnabledTools: []string{"a", "b"}, DisabledTools: []string{"b"}}
	got := filterTools(tools("a", "b", "c"), spec.Filter())
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].Name)
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"hello", "hello"},
		{"hello.world", "hello_world"},
		{"a-b_c", "a-b_c"},
		{"foo bar", "foo_bar"},
		{"MixedCase123", "MixedCase123"},
		{"", "_"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, SanitizeName(tt.input), tt.input)
	}
}

func TestServerSpec(t *testing.T) {
	assert.Equal(t, DefaultStartupTimeout, ServerSpec{}.StartupTimeout())
	assert.Equal(t, 3e9, float64(ServerSpec{StartupTimeoutSec: 3}.StartupTimeout()))
	assert.True(t, ServerSpec{Command: "x", URL: "http://h"}.IsStdio())
	assert.Error(t, ServerSpec{Name: "n", Command: "x", StartupTimeoutSec: -1}.Validate())
	assert.NoError(t, ServerSpec{Name: "n", URL: "http://h/mcp"}.Validate())
}
