package capability

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mfateev/gatekeeper/internal/execsession"
	"github.com/mfateev/gatekeeper/internal/fault"
	"github.com/mfateev/gatekeeper/internal/fileops"
	"github.com/mfateev/gatekeeper/internal/mcp"
)

// Invoke dispatches op to its subsystem. Denials, timeouts and remote
// failures come back as a failed Result; so do programmer errors such as
// unknown ids, which fault.IsProgrammerError identifies. Every result
// carries a correlation id, generated when the operation has none.
func (r *Registry) Invoke(ctx context.Context, op Operation) Result {
	if op == nil {
		cid := uuid.NewString()
		return Result{CorrelationID: cid, Err: fault.New(fault.UnknownOperation, cid, "nil operation")}
	}
	cid := op.Correlation()
	if cid == "" {
		cid = uuid.NewString()
	}

	data, ok, err := r.dispatch(ctx, op, cid)
	res := Result{Success: ok && err == nil, Operation: op.Name(), CorrelationID: cid, Data: data}
	if err != nil {
		res.Err = fault.Normalize(err, cid)
	}
	r.record(op.Capability(), res.Success)

	if res.Err != nil {
		level := r.logger.Info
		if fault.IsProgrammerError(res.Err) || res.Err.Kind == fault.Internal {
			level = r.logger.Warn
		}
		level("Operation failed",
			zap.String("operation", op.Name()),
			zap.String("kind", res.Err.Kind.String()),
			zap.String("correlation_id", cid),
			zap.Error(res.Err))
	}
	return res
}

func unavailable(subsystem, cid string) error {
	return fault.Newf(fault.Internal, cid, "subsystem %s is not available", subsystem)
}

// dispatch reports the payload, whether the operation succeeded, and any
// error. ok can be false without an error, e.g. a non-zero exit.
func (r *Registry) dispatch(ctx context.Context, op Operation, cid string) (Payload, bool, error) {
	switch op := op.(type) {
	case ShellExec:
		return r.shellExec(ctx, op, cid)
	case ShellCreateSession:
		if r.subs.Shells == nil {
			return nil, false, unavailable(SubsystemShell, cid)
		}
		s, err := r.subs.Shells.CreateSession(ctx, op.SessionName)
		if err != nil {
			return nil, false, err
		}
		return SessionPayload{Session: s.Stats()}, true, nil
	case ShellListSessions:
		if r.subs.Shells == nil {
			return nil, false, unavailable(SubsystemShell, cid)
		}
		payload := SessionListPayload{Sessions: r.subs.Shells.AllStats()}
		if op.History {
			payload.History = make(map[string][]execsession.CommandRecord, len(payload.Sessions))
			for _, st := range payload.Sessions {
				if s, err := r.subs.Shells.Session(st.SessionID); err == nil {
					payload.History[st.SessionID] = s.History()
				}
			}
		}
		return payload, true, nil
	case ShellCloseSession:
		if r.subs.Shells == nil {
			return nil, false, unavailable(SubsystemShell, cid)
		}
		if op.Session == "" {
			return nil, false, fault.New(fault.Validation, cid, "session is required")
		}
		s, err := r.subs.Shells.Session(op.Session)
		if err != nil {
			return nil, false, err
		}
		if err := r.subs.Shells.CloseSession(s.ID); err != nil {
			return nil, false, err
		}
		return SessionPayload{Session: s.Stats(), Closed: true}, true, nil

	case FileRead:
		if r.subs.Files == nil {
			return nil, false, unavailable(SubsystemFiles, cid)
		}
		res, err := r.subs.Files.Read(ctx, fileops.ReadRequest{
			Path:          op.Path,
			Offset:        op.Offset,
			Limit:         op.Limit,
			SystemWide:    op.SystemWide,
			CorrelationID: cid,
		})
		if err != nil {
			return nil, false, err
		}
		return FilePayload{Read: &res}, true, nil
	case FileWrite:
		if r.subs.Files == nil {
			return nil, false, unavailable(SubsystemFiles, cid)
		}
		res, err := r.subs.Files.Write(ctx, fileops.WriteRequest{
			Path:          op.Path,
			Content:       op.Content,
			Append:        op.Append,
			CreateDirs:    op.CreateDirs,
			SystemWide:    op.SystemWide,
			CorrelationID: cid,
		})
		if err != nil {
			return nil, false, err
		}
		return FilePayload{Write: &res}, true, nil

	case ServerRegister, ServerConnect, ServerDisconnect, ServerList, ServerStatus:
		if r.subs.Servers == nil {
			return nil, false, unavailable(SubsystemServers, cid)
		}
		return r.manageServer(ctx, op, cid)
	case ToolCall:
		if r.subs.Servers == nil {
			return nil, false, unavailable(SubsystemServers, cid)
		}
		res, err := r.subs.Servers.ExecuteTool(ctx, op.Tool, op.Arguments, cid)
		if err != nil {
			return nil, false, err
		}
		return ToolPayload{res}, true, nil
	case ToolList:
		if r.subs.Servers == nil {
			return nil, false, unavailable(SubsystemServers, cid)
		}
		return ToolListPayload{Tools: r.subs.Servers.Tools()}, true, nil
	case ResourceRead:
		if r.subs.Servers == nil {
			return nil, false, unavailable(SubsystemServers, cid)
		}
		res, err := r.subs.Servers.ReadResource(ctx, op.URI, cid)
		if err != nil {
			return nil, false, err
		}
		return ResourcePayload{res}, true, nil

	case GrantList:
		if r.subs.Permissions == nil {
			return nil, false, unavailable(SubsystemPermissions, cid)
		}
		return GrantsPayload{Grants: r.subs.Permissions.Grants()}, true, nil
	case GrantRevokeAll:
		if r.subs.Permissions == nil {
			return nil, false, unavailable(SubsystemPermissions, cid)
		}
		return GrantsPayload{Revoked: r.subs.Permissions.RevokeAll()}, true, nil
	}
	return nil, false, fault.Newf(fault.UnknownOperation, cid, "unknown operation %T", op)
}

func (r *Registry) shellExec(ctx context.Context, op ShellExec, cid string) (Payload, bool, error) {
	if r.subs.Shells == nil {
		return nil, false, unavailable(SubsystemShell, cid)
	}
	if len(op.Command) == 0 {
		return nil, false, fault.New(fault.Validation, cid, "command cannot be empty")
	}
	if op.TimeoutSeconds < 0 {
		return nil, false, fault.New(fault.Validation, cid, "timeout_seconds must not be negative")
	}

	var (
		session *execsession.Session
		err     error
	)
	if op.Session == "" {
		session, err = r.subs.Shells.DefaultSession(ctx)
	} else {
		session, err = r.subs.Shells.Session(op.Session)
	}
	if err != nil {
		return nil, false, err
	}

	res, err := session.Execute(ctx, execsession.ExecRequest{
		Command:       op.Command,
		WorkingDir:    op.WorkingDir,
		Timeout:       time.Duration(op.TimeoutSeconds) * time.Second,
		CorrelationID: cid,
	})
	return ShellPayload{res}, res.Success, err
}

func (r *Registry) manageServer(ctx context.Context, op Operation, cid string) (Payload, bool, error) {
	servers := r.subs.Servers
	switch op := op.(type) {
	case ServerRegister:
		id, err := servers.RegisterServer(op.Spec)
		if err != nil {
			return nil, false, err
		}
		info, err := servers.Status(id)
		return ServerPayload{Server: info}, err == nil, err

	case ServerConnect:
		id := serverRef(servers, op.ServerID)
		ok, err := servers.ConnectServer(ctx, id, cid)
		info, statusErr := servers.Status(id)
		if statusErr != nil {
			return nil, false, statusErr
		}
		payload := ServerPayload{Server: info, Connected: ok}
		if err != nil {
			return payload, false, err
		}
		if !ok {
			return payload, false, fault.Newf(fault.ServerNotConnected, cid, "server %s is %s: %s", info.Name, info.State, info.LastError)
		}
		return payload, true, nil

	case ServerDisconnect:
		id := serverRef(servers, op.ServerID)
		err := servers.DisconnectServer(ctx, id)
		info, statusErr := servers.Status(id)
		if statusErr != nil {
			return nil, false, statusErr
		}
		return ServerPayload{Server: info}, err == nil, err

	case ServerList:
		return ServerListPayload{Servers: servers.List()}, true, nil

	case ServerStatus:
		info, err := servers.Status(serverRef(servers, op.ServerID))
		if err != nil {
			return nil, false, err
		}
		return ServerPayload{Server: info, Connected: info.State == mcp.StateConnected}, true, nil
	}
	return nil, false, fault.Newf(fault.UnknownOperation, cid, "unknown operation %T", op)
}

// serverRef accepts a server id or the name it was most recently registered
// under.
func serverRef(servers *mcp.Registry, ref string) string {
	if id, ok := servers.ServerID(ref); ok {
		return id
	}
	return ref
}
