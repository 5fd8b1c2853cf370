package capability

import (
	"github.com/mfateev/gatekeeper/internal/execsession"
	"github.com/mfateev/gatekeeper/internal/fault"
	"github.com/mfateev/gatekeeper/internal/fileops"
	"github.com/mfateev/gatekeeper/internal/mcp"
	"github.com/mfateev/gatekeeper/internal/permission"
)

// Payload is the typed data of a result. The set of implementations is
// closed.
type Payload interface {
	isPayload()
}

// Result is what Invoke returns for every operation. Err is set whenever
// Success is false because something went wrong; a command that exits
// non-zero fails without an error.
type Result struct {
	Success       bool         `json:"success"`
	Operation     string       `json:"operation"`
	CorrelationID string       `json:"correlation_id"`
	Data          Payload      `json:"data,omitempty"`
	Err           *fault.Error `json:"error,omitempty"`
}

// ShellPayload carries one command outcome.
type ShellPayload struct {
	execsession.ExecResult
}

// SessionPayload describes one session after it was created or closed.
type SessionPayload struct {
	Session execsession.Stats `json:"session"`
	Closed  bool              `json:"closed,omitempty"`
}

// SessionListPayload describes every session. History is keyed by session
// id and only filled on request.
type SessionListPayload struct {
	Sessions []execsession.Stats                    `json:"sessions"`
	History  map[string][]execsession.CommandRecord `json:"history,omitempty"`
}

// FilePayload carries a read or a write outcome.
type FilePayload struct {
	Read  *fileops.ReadResult  `json:"read,omitempty"`
	Write *fileops.WriteResult `json:"write,omitempty"`
}

// ServerPayload describes one server after a management operation.
type ServerPayload struct {
	Server    mcp.ServerInfo `json:"server"`
	Connected bool           `json:"connected"`
}

// ServerListPayload describes every server.
type ServerListPayload struct {
	Servers []mcp.ServerInfo `json:"servers"`
}

// ToolPayload carries a tool call outcome.
type ToolPayload struct {
	mcp.ToolResult
}

// ToolListPayload lists callable tools.
type ToolListPayload struct {
	Tools []mcp.ToolDescriptor `json:"tools"`
}

// ResourcePayload carries a resource read outcome.
type ResourcePayload struct {
	mcp.ResourceContent
}

// GrantsPayload carries the ledger or the number of revoked grants.
type GrantsPayload struct {
	Grants  []permission.Grant `json:"grants,omitempty"`
	Revoked int                `json:"revoked,omitempty"`
}

func (ShellPayload) isPayload()       {}
func (SessionPayload) isPayload()     {}
func (SessionListPayload) isPayload() {}
func (FilePayload) isPayload()        {}
func (ServerPayload) isPayload()      {}
func (ServerListPayload) isPayload()  {}
func (ToolPayload) isPayload()        {}
func (ToolListPayload) isPayload()    {}
func (ResourcePayload) isPayload()    {}
func (GrantsPayload) isPayload()      {}
