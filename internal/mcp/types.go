package mcp

import (
	"context"
	"time"

	"github.com/mfateev/gatekeeper/internal/permission"
)

// State is a server's lifecycle position.
type State string

const (
	StateRegistered   State = "registered"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateFailed       State = "failed"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateDisconnected || s == StateFailed
}

// Authorizer gates connect, tool and resource requests. *permission.Engine
// implements it.
type Authorizer interface {
	Evaluate(ctx context.Context, req permission.Request) (permission.Grant, error)
}

// ToolDescriptor describes one discovered tool. Valid is false once the
// owning server has left the connected state.
type ToolDescriptor struct {
	ServerID      string         `json:"server_id"`
	ServerName    string         `json:"server_name"`
	Name          string         `json:"name"`
	QualifiedName string         `json:"qualified_name"`
	Description   string         `json:"description,omitempty"`
	InputSchema   map[string]any `json:"input_schema,omitempty"`
	ReadOnly      bool           `json:"read_only,omitempty"`
	Valid         bool           `json:"valid"`
}

// ResourceDescriptor describes one discovered resource.
type ResourceDescriptor struct {
	ServerID    string `json:"server_id"`
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	MIMEType    string `json:"mime_type,omitempty"`
	Description string `json:"description,omitempty"`
	Valid       bool   `json:"valid"`
}

// ServerInfo is a point-in-time snapshot of one registered server.
type ServerInfo struct {
	ID             string               `json:"id"`
	Name           string               `json:"name"`
	State          State                `json:"state"`
	Spec           ServerSpec           `json:"spec"`
	Tools          []ToolDescriptor     `json:"tools"`
	Resources      []ResourceDescriptor `json:"resources"`
	LastError      string               `json:"last_error,omitempty"`
	RegisteredAt   time.Time            `json:"registered_at"`
	ConnectedAt    time.Time            `json:"connected_at,omitempty"`
	DisconnectedAt time.Time            `json:"disconnected_at,omitempty"`
	ToolCalls      int64                `json:"tool_calls"`
	ToolErrors     int64                `json:"tool_errors"`
	ResourceReads  int64                `json:"resource_reads"`
}

// Stats summarizes the registry.
type Stats struct {
	TotalServers     int   `json:"total_servers"`
	ConnectedServers int   `json:"connected_servers"`
	FailedServers    int   `json:"failed_servers"`
	TotalTools       int   `json:"total_tools"`
	TotalResources   int   `json:"total_resources"`
	ToolCalls        int64 `json:"tool_calls"`
	ToolErrors       int64 `json:"tool_errors"`
	ResourceReads    int64 `json:"resource_reads"`
}

// ToolResult is the outcome of a successful remote tool call.
type ToolResult struct {
	ServerID      string `json:"server_id"`
	Tool          string `json:"tool"`
	QualifiedName string `json:"qualified_name"`
	Content       string `json:"content"`
	Structured    any    `json:"structured,omitempty"`
	CorrelationID string `json:"correlation_id"`
}

// ResourceContent is the outcome of a successful resource read.
type ResourceContent struct {
	ServerID      string `json:"server_id"`
	URI           string `json:"uri"`
	MIMEType      string `json:"mime_type,omitempty"`
	Text          string `json:"text,omitempty"`
	Blob          []byte `json:"blob,omitempty"`
	CorrelationID string `json:"correlation_id"`
}
