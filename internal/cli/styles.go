package cli

import "github.com/charmbracelet/lipgloss"

// Styles holds all lipgloss styles for terminal output.
type Styles struct {
	// Section header ("Health", "Servers", ...)
	Header lipgloss.Style
	// Field label in key/value listings
	Label lipgloss.Style
	// Operation bullet (• character)
	Bullet lipgloss.Style
	// Operation verb (bold "Ran", "Read", etc.)
	Verb lipgloss.Style
	// Command output lines and their tree prefix (└)
	OutputDim     lipgloss.Style
	OutputPrefix  lipgloss.Style
	OutputFailure lipgloss.Style
	// Status words
	StatusOK          lipgloss.Style
	StatusError       lipgloss.Style
	StatusUnavailable lipgloss.Style
	// Approval prompt
	ApprovalIndex  lipgloss.Style
	ApprovalTool   lipgloss.Style
	ApprovalReason lipgloss.Style
	// Footer with correlation id and timing
	StatusLine lipgloss.Style
}

// DefaultStyles returns styles with colors enabled.
func DefaultStyles() Styles {
	return Styles{
		Header:            lipgloss.NewStyle().Bold(true),
		Label:             lipgloss.NewStyle().Faint(true),
		Bullet:            lipgloss.NewStyle().Foreground(lipgloss.Color("2")), // green
		Verb:              lipgloss.NewStyle().Bold(true),
		OutputDim:         lipgloss.NewStyle().Faint(true),
		OutputPrefix:      lipgloss.NewStyle().Faint(true),
		OutputFailure:     lipgloss.NewStyle().Foreground(lipgloss.Color("1")), // red
		StatusOK:          lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
		StatusError:       lipgloss.NewStyle().Foreground(lipgloss.Color("1")),
		StatusUnavailable: lipgloss.NewStyle().Foreground(lipgloss.Color("3")), // yellow
		ApprovalIndex:     lipgloss.NewStyle().Foreground(lipgloss.Color("6")), // cyan
		ApprovalTool:      lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
		ApprovalReason:    lipgloss.NewStyle().Faint(true),
		StatusLine:        lipgloss.NewStyle().Faint(true),
	}
}

// NoColorStyles returns styles with no colors (plain text).
func NoColorStyles() Styles {
	plain := lipgloss.NewStyle()
	return Styles{
		Header:            plain,
		Label:             plain,
		Bullet:            plain,
		Verb:              plain,
		OutputDim:         plain,
		OutputPrefix:      plain,
		OutputFailure:     plain,
		StatusOK:          plain,
		StatusError:       plain,
		StatusUnavailable: plain,
		ApprovalIndex:     plain,
		ApprovalTool:      plain,
		ApprovalReason:    plain,
		StatusLine:        plain,
	}
}
