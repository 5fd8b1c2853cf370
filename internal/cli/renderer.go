// Package cli renders capability results for a terminal and asks the
// operator to approve permission requests.
package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/mfateev/gatekeeper/internal/capability"
	"github.com/mfateev/gatekeeper/internal/fault"
	"github.com/mfateev/gatekeeper/internal/mcp"
	"github.com/mfateev/gatekeeper/internal/permission"
)

// outputLines is how many lines of command or tool output are shown before
// middle truncation kicks in.
const outputLines = 20

// Renderer formats results as styled strings.
type Renderer struct {
	width  int
	styles Styles
}

// NewRenderer creates a renderer. A width of zero uses the terminal width,
// or 80 when stdout is not a terminal.
func NewRenderer(width int, noColor bool) *Renderer {
	if width <= 0 {
		width = 80
		if tw, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && tw > 0 {
			width = tw
		}
	}
	styles := DefaultStyles()
	if noColor {
		styles = NoColorStyles()
	}
	return &Renderer{width: width, styles: styles}
}

// RenderResult renders the outcome of one capability invocation.
func (r *Renderer) RenderResult(res capability.Result) string {
	var b strings.Builder
	switch data := res.Data.(type) {
	case capability.ShellPayload:
		b.WriteString(r.line("Ran", fmt.Sprintf("in session %s", data.SessionID)))
		b.WriteString(r.renderOutput(data.Output, !data.Success))
		detail := fmt.Sprintf("exit %d · %s · %dms", data.ExitCode, data.Status, data.DurationMS)
		if data.Truncated {
			detail += " · truncated"
		}
		b.WriteString(r.styles.StatusLine.Render("  "+detail) + "\n")
	case capability.SessionPayload:
		verb := "Created"
		if data.Closed {
			verb = "Closed"
		}
		b.WriteString(r.line(verb, fmt.Sprintf("session %s (%s)", data.Session.Name, data.Session.SessionID)))
	case capability.SessionListPayload:
		b.WriteString(r.styles.Header.Render("Sessions") + "\n")
		for _, s := range data.Sessions {
			state := r.styles.StatusOK.Render("alive")
			if !s.Alive {
				state = r.styles.StatusError.Render("dead")
			}
			b.WriteString(fmt.Sprintf("  %s %s  %s  %d commands (%d failed, %d timed out)\n",
				r.styles.Bullet.Render("•"), s.Name, state, s.TotalCommands, s.FailedCommands, s.TimedOutCommands))
			for _, rec := range data.History[s.SessionID] {
				status := r.styles.StatusOK.Render(string(rec.Status))
				if !rec.Success {
					status = r.styles.StatusError.Render(string(rec.Status))
				}
				b.WriteString(fmt.Sprintf("      %s %s %s\n",
					truncateString(rec.Command, max(r.width-30, 20)), status,
					r.styles.OutputDim.Render(rec.Duration.Round(time.Millisecond).String())))
			}
		}
	case capability.FilePayload:
		if data.Read != nil {
			b.WriteString(r.line("Read", data.Read.Path))
			b.WriteString(r.renderOutput(data.Read.Content, false))
		}
		if data.Write != nil {
			b.WriteString(r.line("Wrote", fmt.Sprintf("%s (%d bytes)", data.Write.Path, data.Write.BytesWritten)))
		}
	case capability.ServerPayload:
		b.WriteString(r.RenderServers([]mcp.ServerInfo{data.Server}))
	case capability.ServerListPayload:
		b.WriteString(r.RenderServers(data.Servers))
	case capability.ToolPayload:
		b.WriteString(r.line("Called", data.QualifiedName))
		content := data.Content
		if content == "" && data.Structured != nil {
			if raw, err := json.MarshalIndent(data.Structured, "", "  "); err == nil {
				content = string(raw)
			}
		}
		b.WriteString(r.renderOutput(content, !res.Success))
	case capability.ToolListPayload:
		b.WriteString(r.RenderTools(data.Tools))
	case capability.ResourcePayload:
		b.WriteString(r.line("Read", data.URI))
		content := data.Text
		if content == "" && len(data.Blob) > 0 {
			content = fmt.Sprintf("(%d bytes of %s)", len(data.Blob), data.MIMEType)
		}
		b.WriteString(r.renderOutput(content, false))
	case capability.GrantsPayload:
		if res.Operation == (capability.GrantRevokeAll{}).Name() {
			b.WriteString(r.line("Revoked", fmt.Sprintf("%d grants", data.Revoked)))
		} else {
			b.WriteString(r.RenderGrants(data.Grants))
		}
	}
	if res.Err != nil {
		b.WriteString(r.RenderError(res.Err))
	}
	return b.String()
}

// RenderError renders a fault with its kind and correlation id.
func (r *Renderer) RenderError(err *fault.Error) string {
	line := r.styles.StatusError.Render(err.Kind.String()+":") + " " + err.Message
	if err.CorrelationID != "" {
		line += " " + r.styles.StatusLine.Render("["+err.CorrelationID+"]")
	}
	return line + "\n"
}

// RenderHealth renders a health report, one subsystem per line.
func (r *Renderer) RenderHealth(report capability.HealthReport) string {
	var b strings.Builder
	overall := r.styles.StatusOK.Render("healthy")
	if !report.Healthy {
		overall = r.styles.StatusError.Render("unhealthy")
	}
	b.WriteString(r.styles.Header.Render("Health") + " " + overall + "\n")
	for _, name := range sortedKeys(report.Subsystems) {
		h := report.Subsystems[name]
		b.WriteString(fmt.Sprintf("  %-12s %s", name, r.status(h.Status)))
		if h.Error != "" {
			b.WriteString(" " + r.styles.OutputFailure.Render(h.Error))
		}
		b.WriteString("\n")
	}
	b.WriteString(r.styles.StatusLine.Render("  checked at "+report.CheckedAt.Format(time.RFC3339)) + "\n")
	return b.String()
}

func (r *Renderer) status(s capability.HealthStatus) string {
	switch s {
	case capability.HealthOK:
		return r.styles.StatusOK.Render(string(s))
	case capability.HealthError:
		return r.styles.StatusError.Render(string(s))
	default:
		return r.styles.StatusUnavailable.Render(string(s))
	}
}

// RenderStats renders registry counters and per-capability usage.
func (r *Renderer) RenderStats(st capability.Stats) string {
	var b strings.Builder
	b.WriteString(r.styles.Header.Render("Stats") + "\n")
	rows := []struct {
		label string
		value int
	}{
		{"capabilities", st.TotalCapabilities},
		{"grants", st.ActiveGrants},
		{"sessions", st.ActiveSessions},
		{"servers", st.RegisteredServers},
		{"connected", st.ConnectedServers},
		{"tools", st.DiscoveredTools},
		{"resources", st.DiscoveredResources},
	}
	for _, row := range rows {
		b.WriteString(fmt.Sprintf("  %s %d\n", r.styles.Label.Render(fmt.Sprintf("%-12s", row.label)), row.value))
	}
	for _, name := range sortedKeys(st.Usage) {
		u := st.Usage[name]
		if u.Invocations == 0 {
			continue
		}
		b.WriteString(fmt.Sprintf("  %s %d calls, %d failed\n",
			r.styles.Label.Render(fmt.Sprintf("%-12s", name)), u.Invocations, u.Failures))
	}
	return b.String()
}

// RenderServers renders one line per server plus its tools.
func (r *Renderer) RenderServers(servers []mcp.ServerInfo) string {
	if len(servers) == 0 {
		return r.styles.OutputDim.Render("(no servers)") + "\n"
	}
	var b strings.Builder
	for _, s := range servers {
		state := string(s.State)
		switch s.State {
		case mcp.StateConnected:
			state = r.styles.StatusOK.Render(state)
		case mcp.StateFailed:
			state = r.styles.StatusError.Render(state)
		default:
			state = r.styles.StatusUnavailable.Render(state)
		}
		b.WriteString(fmt.Sprintf("%s %s %s %s\n",
			r.styles.Bullet.Render("•"), r.styles.Verb.Render(s.Name), state, r.styles.OutputDim.Render(s.ID)))
		if s.LastError != "" {
			b.WriteString(r.styles.OutputPrefix.Render("  └ ") + r.styles.OutputFailure.Render(s.LastError) + "\n")
		}
		for _, t := range s.Tools {
			if !t.Valid {
				continue
			}
			desc := truncateString(t.Description, max(r.width-len(t.QualifiedName)-8, 20))
			b.WriteString(fmt.Sprintf("    %s %s\n", t.QualifiedName, r.styles.OutputDim.Render(desc)))
		}
	}
	return b.String()
}

// RenderTools renders callable tools, one per line.
func (r *Renderer) RenderTools(tools []mcp.ToolDescriptor) string {
	if len(tools) == 0 {
		return r.styles.OutputDim.Render("(no tools)") + "\n"
	}
	var b strings.Builder
	for _, t := range tools {
		desc := truncateString(t.Description, max(r.width-len(t.QualifiedName)-6, 20))
		b.WriteString(fmt.Sprintf("%s %s %s\n", r.styles.Bullet.Render("•"), t.QualifiedName, r.styles.OutputDim.Render(desc)))
	}
	return b.String()
}

// RenderGrants renders the grant ledger, oldest first.
func (r *Renderer) RenderGrants(grants []permission.Grant) string {
	if len(grants) == 0 {
		return r.styles.OutputDim.Render("(no grants)") + "\n"
	}
	var b strings.Builder
	for _, g := range grants {
		decision := r.styles.StatusOK.Render(string(g.Decision))
		if !g.Granted() {
			decision = r.styles.StatusError.Render(string(g.Decision))
		}
		target := g.Request.Target
		if g.Request.Command != "" {
			target = g.Request.Command
		}
		b.WriteString(fmt.Sprintf("%s %-8s %s %s %s\n",
			g.Timestamp.Format(time.TimeOnly), decision, g.Request.Type, g.Request.Scope, truncateString(target, 60)))
		if g.Reason != "" {
			b.WriteString(r.styles.OutputPrefix.Render("  └ ") + r.styles.OutputDim.Render(g.Reason) + "\n")
		}
	}
	return b.String()
}

// RenderApprovalPrompt renders the question asked for a prompted request.
func (r *Renderer) RenderApprovalPrompt(req permission.Request) string {
	var b strings.Builder
	b.WriteString("\n")
	idx := r.styles.ApprovalIndex.Render("[?]")
	b.WriteString(fmt.Sprintf("  %s %s %s\n", idx, r.styles.ApprovalTool.Render(string(req.Type)), req.Scope))
	if req.Command != "" {
		b.WriteString(fmt.Sprintf("      %s\n", truncateString(req.Command, 200)))
	}
	if req.Target != "" && req.Target != req.Command {
		b.WriteString(fmt.Sprintf("      %s\n", req.Target))
	}
	if req.Description != "" {
		b.WriteString(fmt.Sprintf("      %s\n", r.styles.ApprovalReason.Render("Reason:")+" "+req.Description))
	}
	b.WriteString("\nAllow? [y]es / [n]o / [a]lways: ")
	return b.String()
}

func (r *Renderer) line(verb, detail string) string {
	return r.styles.Bullet.Render("•") + " " + r.styles.Verb.Render(verb) + " " + detail + "\n"
}

// renderOutput prints content under a tree prefix with middle truncation.
func (r *Renderer) renderOutput(content string, failed bool) string {
	content = strings.TrimRight(content, "\n")
	if content == "" {
		return r.styles.OutputPrefix.Render("  └ ") + r.styles.OutputDim.Render("(no output)") + "\n"
	}
	displayed, _ := truncateMiddle(strings.Split(content, "\n"), outputLines)

	var b strings.Builder
	for i, line := range displayed {
		prefix := r.styles.OutputPrefix.Render("    ")
		if i == 0 {
			prefix = r.styles.OutputPrefix.Render("  └ ")
		}
		if failed {
			b.WriteString(prefix + r.styles.OutputFailure.Render(line) + "\n")
		} else {
			b.WriteString(prefix + line + "\n")
		}
	}
	return b.String()
}

// truncateMiddle returns at most limit lines. When the input exceeds the limit,
// it keeps the first and last lines with a "… +N lines" placeholder in between.
// The returned omitted count reflects lines replaced by the placeholder.
func truncateMiddle(lines []string, limit int) (result []string, omitted int) {
	if len(lines) <= limit {
		return lines, 0
	}
	head := (limit - 1) / 2
	tail := limit - 1 - head
	omitted = len(lines) - head - tail
	result = make([]string, 0, limit)
	result = append(result, lines[:head]...)
	result = append(result, fmt.Sprintf("… +%d lines", omitted))
	result = append(result, lines[len(lines)-tail:]...)
	return result, omitted
}

// truncateString truncates s to maxLen runes, appending "…" if truncated.
func truncateString(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "…"
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
