package capability

import (
	"encoding/json"
	"sort"

	"github.com/mfateev/gatekeeper/internal/fault"
	"github.com/mfateev/gatekeeper/internal/mcp"
)

// Operation is a request to the registry. The set of implementations is
// closed; Invoke switches over all of them.
type Operation interface {
	// Name is the wire name used by ParseOperation.
	Name() string
	// Capability names the catalog entry the operation exercises.
	Capability() string
	// Correlation returns the caller-supplied correlation id, if any.
	Correlation() string

	isOperation()
}

// ShellExec runs a command. Session selects a session by id or name; empty
// means the default session.
type ShellExec struct {
	Command        []string `json:"command"`
	Session        string   `json:"session,omitempty"`
	WorkingDir     string   `json:"working_dir,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
	CorrelationID  string   `json:"correlation_id,omitempty"`
}

// ShellCreateSession starts a named session.
type ShellCreateSession struct {
	SessionName   string `json:"name,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// ShellListSessions lists session statistics. History adds each session's
// recent command log.
type ShellListSessions struct {
	History       bool   `json:"history,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// ShellCloseSession kills a session, selected by id or name.
type ShellCloseSession struct {
	Session       string `json:"session"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// FileRead reads a file.
type FileRead struct {
	Path          string `json:"path"`
	Offset        int    `json:"offset,omitempty"`
	Limit         int    `json:"limit,omitempty"`
	SystemWide    bool   `json:"system_wide,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// FileWrite writes or appends to a file.
type FileWrite struct {
	Path          string `json:"path"`
	Content       string `json:"content"`
	Append        bool   `json:"append,omitempty"`
	CreateDirs    bool   `json:"create_dirs,omitempty"`
	SystemWide    bool   `json:"system_wide,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// ServerRegister records a tool server.
type ServerRegister struct {
	Spec          mcp.ServerSpec `json:"spec"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// ServerConnect connects a registered server. ServerID may also be the
// server's name.
type ServerConnect struct {
	ServerID      string `json:"server_id"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// ServerDisconnect disconnects a connected server.
type ServerDisconnect struct {
	ServerID      string `json:"server_id"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// ServerList lists every registered server.
type ServerList struct {
	CorrelationID string `json:"correlation_id,omitempty"`
}

// ServerStatus reports one server.
type ServerStatus struct {
	ServerID      string `json:"server_id"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// ToolCall invokes a tool by qualified or plain name.
type ToolCall struct {
	Tool          string         `json:"tool"`
	Arguments     map[string]any `json:"arguments,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// ToolList lists the tools of connected servers.
type ToolList struct {
	CorrelationID string `json:"correlation_id,omitempty"`
}

// ResourceRead reads a resource by URI.
type ResourceRead struct {
	URI           string `json:"uri"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// GrantList returns the grant ledger.
type GrantList struct {
	CorrelationID string `json:"correlation_id,omitempty"`
}

// GrantRevokeAll clears the grant ledger.
type GrantRevokeAll struct {
	CorrelationID string `json:"correlation_id,omitempty"`
}

func (ShellExec) Name() string          { return "shell.exec" }
func (ShellCreateSession) Name() string { return "shell.create_session" }
func (ShellListSessions) Name() string  { return "shell.list_sessions" }
func (ShellCloseSession) Name() string  { return "shell.close_session" }
func (FileRead) Name() string           { return "file.read" }
func (FileWrite) Name() string          { return "file.write" }
func (ServerRegister) Name() string     { return "server.register" }
func (ServerConnect) Name() string      { return "server.connect" }
func (ServerDisconnect) Name() string   { return "server.disconnect" }
func (ServerList) Name() string         { return "server.list" }
func (ServerStatus) Name() string       { return "server.status" }
func (ToolCall) Name() string           { return "tool.call" }
func (ToolList) Name() string           { return "tool.list" }
func (ResourceRead) Name() string       { return "resource.read" }
func (GrantList) Name() string          { return "grant.list" }
func (GrantRevokeAll) Name() string     { return "grant.revoke_all" }

func (ShellExec) Capability() string          { return ShellExecute }
func (ShellCreateSession) Capability() string { return ShellSessions }
func (ShellListSessions) Capability() string  { return ShellSessions }
func (ShellCloseSession) Capability() string  { return ShellSessions }
func (FileRead) Capability() string           { return FileReadCap }
func (FileWrite) Capability() string          { return FileWriteCap }
func (ServerRegister) Capability() string     { return McpManage }
func (ServerConnect) Capability() string      { return McpManage }
func (ServerDisconnect) Capability() string   { return McpManage }
func (ServerList) Capability() string         { return McpManage }
func (ServerStatus) Capability() string       { return McpManage }
func (ToolCall) Capability() string           { return McpInvoke }
func (ToolList) Capability() string           { return McpInvoke }
func (ResourceRead) Capability() string       { return McpResources }
func (GrantList) Capability() string          { return PermissionAudit }
func (GrantRevokeAll) Capability() string     { return PermissionAudit }

func (o ShellExec) Correlation() string          { return o.CorrelationID }
func (o ShellCreateSession) Correlation() string { return o.CorrelationID }
func (o ShellListSessions) Correlation() string  { return o.CorrelationID }
func (o ShellCloseSession) Correlation() string  { return o.CorrelationID }
func (o FileRead) Correlation() string           { return o.CorrelationID }
func (o FileWrite) Correlation() string          { return o.CorrelationID }
func (o ServerRegister) Correlation() string     { return o.CorrelationID }
func (o ServerConnect) Correlation() string      { return o.CorrelationID }
func (o ServerDisconnect) Correlation() string   { return o.CorrelationID }
func (o ServerList) Correlation() string         { return o.CorrelationID }
func (o ServerStatus) Correlation() string       { return o.CorrelationID }
func (o ToolCall) Correlation() string           { return o.CorrelationID }
func (o ToolList) Correlation() string           { return o.CorrelationID }
func (o ResourceRead) Correlation() string       { return o.CorrelationID }
func (o GrantList) Correlation() string          { return o.CorrelationID }
func (o GrantRevokeAll) Correlation() string     { return o.CorrelationID }

func (ShellExec) isOperation()          {}
func (ShellCreateSession) isOperation() {}
func (ShellListSessions) isOperation()  {}
func (ShellCloseSession) isOperation()  {}
func (FileRead) isOperation()           {}
func (FileWrite) isOperation()          {}
func (ServerRegister) isOperation()     {}
func (ServerConnect) isOperation()      {}
func (ServerDisconnect) isOperation()   {}
func (ServerList) isOperation()         {}
func (ServerStatus) isOperation()       {}
func (ToolCall) isOperation()           {}
func (ToolList) isOperation()           {}
func (ResourceRead) isOperation()       {}
func (GrantList) isOperation()          {}
func (GrantRevokeAll) isOperation()     {}

func decode[T Operation](raw []byte) (Operation, error) {
	var op T
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &op); err != nil {
			return nil, fault.Wrap(fault.Validation, "", err, "decode "+op.Name())
		}
	}
	return op, nil
}

var parsers = map[string]func([]byte) (Operation, error){
	ShellExec{}.Name():          decode[ShellExec],
	ShellCreateSession{}.Name(): decode[ShellCreateSession],
	ShellListSessions{}.Name():  decode[ShellListSessions],
	ShellCloseSession{}.Name():  decode[ShellCloseSession],
	FileRead{}.Name():           decode[FileRead],
	FileWrite{}.Name():          decode[FileWrite],
	ServerRegister{}.Name():     decode[ServerRegister],
	ServerConnect{}.Name():      decode[ServerConnect],
	ServerDisconnect{}.Name():   decode[ServerDisconnect],
	ServerList{}.Name():         decode[ServerList],
	ServerStatus{}.Name():       decode[ServerStatus],
	ToolCall{}.Name():           decode[ToolCall],
	ToolList{}.Name():           decode[ToolList],
	ResourceRead{}.Name():       decode[ResourceRead],
	GrantList{}.Name():          decode[GrantList],
	GrantRevokeAll{}.Name():     decode[GrantRevokeAll],
}

// ParseOperation builds an operation from its wire name and JSON input.
// Empty input yields the zero operation.
func ParseOperation(name string, raw []byte) (Operation, error) {
	parse, ok := parsers[name]
	if !ok {
		return nil, fault.Newf(fault.UnknownOperation, "", "unknown operation %q", name)
	}
	return parse(raw)
}

// OperationNames lists the wire names ParseOperation accepts.
func OperationNames() []string {
	names := make([]string, 0, len(parsers))
	for name := range parsers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
