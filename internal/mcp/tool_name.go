package mcp

import (
	"crypto/sha1"
	"fmt"

	"go.uber.org/zap"
)

const (
	// ToolNameDelimiter separates "mcp", server name, and tool name.
	ToolNameDelimiter = "__"

	// ToolNamePrefix starts every qualified tool name.
	ToolNamePrefix = "mcp"

	// MaxToolNameLength caps qualified names; longer names keep a prefix and
	// end in a sha1 of the raw name.
	MaxToolNameLength = 64
)

// SanitizeName replaces characters not in [a-zA-Z0-9_-] with underscore.
// Returns "_" if the input is empty.
func SanitizeName(name string) string {
	sanitized := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' || c == '-' {
			sanitized = append(sanitized, c)
		} else {
			sanitized = append(sanitized, '_')
		}
	}
	if len(sanitized) == 0 {
		return "_"
	}
	return string(sanitized)
}

func sha1Hex(s string) string {
	h := sha1.New()
	h.Write([]byte(s))
	return fmt.Sprintf("%x", h.Sum(nil))
}

func rawToolName(serverName, toolName string) string {
	return ToolNamePrefix + ToolNameDelimiter + serverName + ToolNameDelimiter + toolName
}

// QualifyToolName creates mcp__<server>__<tool>, sanitized and capped at
// MaxToolNameLength.
func QualifyToolName(serverName, toolName string) string {
	raw := rawToolName(serverName, toolName)
	qualified := SanitizeName(raw)

	if len(qualified) > MaxToolNameLength {
		hash := sha1Hex(raw)
		qualified = qualified[:MaxToolNameLength-len(hash)] + hash
	}
	return qualified
}

// qualifyTools assigns qualified names to one server's tools. Tools whose
// raw or sanitized names collide with an earlier tool are skipped.
func qualifyTools(serverName string, tools []ToolDescriptor, logger *zap.Logger) []ToolDescriptor {
	seenRaw := make(map[string]bool, len(tools))
	used := make(map[string]bool, len(tools))
	out := make([]ToolDescriptor, 0, len(tools))

	for _, tool := range tools {
		raw := rawToolName(serverName, tool.Name)
		if seenRaw[raw] {
			logger.Warn("Skipping duplicated tool", zap.String("tool", raw))
			continue
		}
		seenRaw[raw] = true

		qualified := QualifyToolName(serverName, tool.Name)
		if used[qualified] {
			logger.Warn("Skipping tool with colliding name", zap.String("tool", qualified))
			continue
		}
		used[qualified] = true

		tool.QualifiedName = qualified
		out = append(out, tool)
	}
	return out
}

// filterTools keeps the tools the filter allows.
func filterTools(tools []ToolDescriptor, filter ToolFilter) []ToolDescriptor {
	filtered := make([]ToolDescriptor, 0, len(tools))
	for _, tool := range tools {
		if filter.Allows(tool.Name) {
			filtered = append(filtered, tool)
		}
	}
	return filtered
}
