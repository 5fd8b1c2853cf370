package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"

	"github.com/mfateev/gatekeeper/internal/permission"
)

// ErrNotInteractive is returned by a prompter whose input is not a terminal.
var ErrNotInteractive = errors.New("approval requires an interactive terminal")

// HandleApprovalInput parses the operator's answer to an approval prompt.
// ok is false when the input is not recognized.
//
// Supports:
//   - "y"/"yes": approve this request
//   - "n"/"no" or an empty line: deny
//   - "a"/"always": approve and allow-list the target
func HandleApprovalInput(line string) (resp permission.Response, ok bool) {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return permission.Response{Approved: true}, true
	case "n", "no", "":
		return permission.Response{}, true
	case "a", "always":
		return permission.Response{Approved: true, Always: true}, true
	}
	return permission.Response{}, false
}

// TerminalPrompter asks the operator on a terminal. Prompts are serialized
// so concurrent requests never interleave on screen.
type TerminalPrompter struct {
	mu       sync.Mutex
	in       *bufio.Reader
	out      io.Writer
	renderer *Renderer
	// interactive is false when input is a pipe or file; every request is
	// then denied without reading.
	interactive bool
	lines       chan lineResult
}

type lineResult struct {
	line string
	err  error
}

// NewTerminalPrompter prompts on out and reads answers from in. When in is
// an *os.File it must be a terminal for prompts to be shown.
func NewTerminalPrompter(in io.Reader, out io.Writer, r *Renderer) *TerminalPrompter {
	interactive := true
	if f, ok := in.(*os.File); ok {
		interactive = term.IsTerminal(int(f.Fd()))
	}
	return &TerminalPrompter{
		in:          bufio.NewReader(in),
		out:         out,
		renderer:    r,
		interactive: interactive,
	}
}

// Interactive reports whether the prompter can ask anyone.
func (p *TerminalPrompter) Interactive() bool {
	return p.interactive
}

// Prompt implements permission.Prompter. Unrecognized answers are asked
// again; ctx cancellation abandons the question.
func (p *TerminalPrompter) Prompt(ctx context.Context, req permission.Request) (permission.Response, error) {
	if !p.interactive {
		return permission.Response{}, ErrNotInteractive
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprint(p.out, p.renderer.RenderApprovalPrompt(req))
	for {
		line, err := p.readLine(ctx)
		if err != nil {
			fmt.Fprintln(p.out)
			return permission.Response{}, err
		}
		if resp, ok := HandleApprovalInput(line); ok {
			return resp, nil
		}
		fmt.Fprint(p.out, "Please answer y, n or a: ")
	}
}

// readLine reads one line without blocking past ctx. The reader goroutine
// outlives a cancelled prompt and hands its line to the next one.
func (p *TerminalPrompter) readLine(ctx context.Context) (string, error) {
	if p.lines == nil {
		p.lines = make(chan lineResult, 1)
		go p.readLoop()
	}
	select {
	case res, ok := <-p.lines:
		if !ok {
			return "", io.EOF
		}
		return res.line, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (p *TerminalPrompter) readLoop() {
	defer close(p.lines)
	for {
		line, err := p.in.ReadString('\n')
		if err != nil && line == "" {
			p.lines <- lineResult{err: err}
			return
		}
		p.lines <- lineResult{line: line}
	}
}
