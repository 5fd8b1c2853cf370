// Package permission gates every privileged action behind a policy decision
// and records each decision in an append-only grant ledger.
package permission

import (
	"strings"
	"time"

	"github.com/mfateev/gatekeeper/internal/fault"
)

// Type is the kind of privileged action being requested.
type Type string

const (
	FileRead        Type = "file_read"
	FileWrite       Type = "file_write"
	ShellExecute    Type = "shell_execute"
	McpConnect      Type = "mcp_connect"
	McpExecute      Type = "mcp_execute"
	McpResourceRead Type = "mcp_resource_read"
)

// Types lists every known permission type.
var Types = []Type{FileRead, FileWrite, ShellExecute, McpConnect, McpExecute, McpResourceRead}

// Valid reports whether t is a known permission type.
func (t Type) Valid() bool {
	switch t {
	case FileRead, FileWrite, ShellExecute, McpConnect, McpExecute, McpResourceRead:
		return true
	}
	return false
}

// Scope is the breadth of a grant.
type Scope string

const (
	ProjectOnly Scope = "project_only"
	SystemWide  Scope = "system_wide"
)

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	return s == ProjectOnly || s == SystemWide
}

// Decision is the outcome recorded in a grant.
type Decision string

const (
	Granted Decision = "granted"
	Denied  Decision = "denied"
)

// Request asks for permission to perform one action. It is passed by value
// and the engine records a snapshot of it.
type Request struct {
	Type  Type  `json:"type"`
	Scope Scope `json:"scope"`
	// Target is the path, working directory, server name, tool name or
	// resource URI the request is about.
	Target string `json:"target,omitempty"`
	// Command is the joined command text for shell requests.
	Command string `json:"command,omitempty"`
	// Argv is the tokenized command; when empty Command is split on spaces.
	Argv          []string `json:"argv,omitempty"`
	Description   string   `json:"description,omitempty"`
	CorrelationID string   `json:"correlation_id,omitempty"`
}

// Validate checks that the type and scope are known.
func (r Request) Validate() error {
	if r.Type == "" {
		return fault.New(fault.Validation, r.CorrelationID, "permission type is required")
	}
	if !r.Type.Valid() {
		return fault.Newf(fault.Validation, r.CorrelationID, "unknown permission type %q", r.Type)
	}
	if r.Scope == "" {
		return fault.New(fault.Validation, r.CorrelationID, "permission scope is required")
	}
	if !r.Scope.Valid() {
		return fault.Newf(fault.Validation, r.CorrelationID, "unknown permission scope %q", r.Scope)
	}
	return nil
}

func (r Request) argv() []string {
	if len(r.Argv) > 0 {
		return r.Argv
	}
	return strings.Fields(r.Command)
}

func (r Request) snapshot() Request {
	if r.Argv != nil {
		r.Argv = append([]string(nil), r.Argv...)
	}
	return r
}

// Grant is a recorded decision. Grants are never mutated after creation.
type Grant struct {
	Request       Request   `json:"request"`
	Decision      Decision  `json:"decision"`
	Reason        string    `json:"reason,omitempty"`
	Replayed      bool      `json:"replayed,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id"`
}

// Granted reports whether the grant allows the action.
func (g Grant) Granted() bool {
	return g.Decision == Granted
}

// DeniedError converts a denied grant into a PermissionDenied fault.
func (g Grant) DeniedError() error {
	if g.Granted() {
		return nil
	}
	msg := string(g.Request.Type) + " denied"
	if g.Reason != "" {
		msg += ": " + g.Reason
	}
	return fault.New(fault.PermissionDenied, g.CorrelationID, msg)
}
