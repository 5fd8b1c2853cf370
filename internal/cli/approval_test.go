package cli

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mfateev/gatekeeper/internal/permission"
)

func TestHandleApprovalInput(t *testing.T) {
	tests := []struct {
		input    string
		approved bool
		always   bool
		ok       bool
	}{
		{"y", true, false, true},
		{"YES", true, false, true},
		{"  n  ", false, false, true},
		{"no", false, false, true},
		{"", false, false, true},
		{"a", true, true, true},
		{"Always\n", true, true, true},
		{"maybe", false, false, false},
		{"1,2", false, false, false},
	}
	for _, tt := range tests {
		resp, ok := HandleApprovalInput(tt.input)
		assert.Equal(t, tt.ok, ok, tt.input)
		assert.Equal(t, tt.approved, resp.Approved, tt.input)
		assert.Equal(t, tt.always, resp.Always, tt.input)
	}
}

func newTestPrompter(input string) (*TerminalPrompter, *bytes.Buffer) {
	var out bytes.Buffer
	return NewTerminalPrompter(strings.NewReader(input), &out, newTestRenderer()), &out
}

func TestTerminalPrompter_Prompt(t *testing.T) {
	p, out := newTestPrompter("what\nalways\n")
	require.True(t, p.Interactive())

	resp, err := p.Prompt(context.Background(), permission.Request{
		Type:    permission.ShellExecute,
		Scope:   permission.ProjectOnly,
		Command: "git push",
	})
	require.NoError(t, err)
	assert.True(t, resp.Approved)
	assert.True(t, resp.Always)

	text := out.String()
	assert.Contains(t, text, "shell_execute")
	assert.Contains(t, text, "git push")
	assert.Contains(t, text, "Allow? [y]es / [n]o / [a]lways")
	assert.Contains(t, text, "Please answer y, n or a")
}

func TestTerminalPrompter_SequentialPrompts(t *testing.T) {
	p, _ := newTestPrompter("y\nn\n")
	req := permission.Request{Type: permission.FileRead, Scope: permission.SystemWide, Target: "/etc/hosts"}

	first, err := p.Prompt(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, first.Approved)

	second, err := p.Prompt(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, second.Approved)

	_, err = p.Prompt(context.Background(), req)
	assert.ErrorIs(t, err, io.EOF)
}

func TestTerminalPrompter_ContextCancelled(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	var out bytes.Buffer
	p := NewTerminalPrompter(r, &out, newTestRenderer())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Prompt(ctx, permission.Request{Type: permission.McpConnect, Scope: permission.SystemWide, Target: "fs"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
