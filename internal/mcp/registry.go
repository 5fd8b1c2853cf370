package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/oklog/ulid/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mfateev/gatekeeper/internal/fault"
	"github.com/mfateev/gatekeeper/internal/permission"
)

// DefaultConnectConcurrency bounds ConnectAll.
const DefaultConnectConcurrency = 4

// Options configures a Registry.
type Options struct {
	Authorizer Authorizer
	// Connector defaults to SDKConnector.
	Connector          Connector
	ConnectConcurrency int
	Logger             *zap.Logger
}

type server struct {
	id           string
	spec         ServerSpec
	registeredAt time.Time

	// lifecycle serializes connect and disconnect on this server.
	lifecycle sync.Mutex

	mu             sync.RWMutex
	state          State
	session        *gomcp.ClientSession
	tools          []ToolDescriptor
	resources      []ResourceDescriptor
	lastError      string
	connectedAt    time.Time
	disconnectedAt time.Time

	toolCalls     atomic.Int64
	toolErrors    atomic.Int64
	resourceReads atomic.Int64
}

func (s *server) current() (State, *gomcp.ClientSession) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state, s.session
}

func (s *server) info() ServerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ServerInfo{
		ID:             s.id,
		Name:           s.spec.Name,
		State:          s.state,
		Spec:           s.spec,
		Tools:          append([]ToolDescriptor{}, s.tools...),
		Resources:      append([]ResourceDescriptor{}, s.resources...),
		LastError:      s.lastError,
		RegisteredAt:   s.registeredAt,
		ConnectedAt:    s.connectedAt,
		DisconnectedAt: s.disconnectedAt,
		ToolCalls:      s.toolCalls.Load(),
		ToolErrors:     s.toolErrors.Load(),
		ResourceReads:  s.resourceReads.Load(),
	}
}

// leaveConnectedLocked moves a connected server to disconnected and keeps
// its descriptors as history.
func (s *server) leaveConnectedLocked(now time.Time) {
	s.state = StateDisconnected
	s.session = nil
	s.disconnectedAt = now
	for i := range s.tools {
		s.tools[i].Valid = false
	}
	for i := range s.resources {
		s.resources[i].Valid = false
	}
}

// Registry tracks tool servers through register, connect, discover, invoke
// and disconnect. The table lock only guards lookup and insert; each server
// carries its own locks.
type Registry struct {
	auth        Authorizer
	connector   Connector
	concurrency int
	logger      *zap.Logger

	mu      sync.RWMutex
	servers map[string]*server
	order   []string

	watchers sync.WaitGroup
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) (*Registry, error) {
	if opts.Authorizer == nil {
		return nil, fault.New(fault.Validation, "", "tool-server registry requires an authorizer")
	}
	connector := opts.Connector
	if connector == nil {
		connector = SDKConnector{}
	}
	concurrency := opts.ConnectConcurrency
	if concurrency <= 0 {
		concurrency = DefaultConnectConcurrency
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		auth:        opts.Authorizer,
		connector:   connector,
		concurrency: concurrency,
		logger:      logger.Named("mcp"),
		servers:     make(map[string]*server),
	}, nil
}

// RegisterServer records a server in the registered state. A name may be
// reused only once its previous record is terminal.
func (r *Registry) RegisterServer(spec ServerSpec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}

	s := &server{
		id:           "srv_" + ulid.Make().String(),
		spec:         spec,
		registeredAt: time.Now(),
		state:        StateRegistered,
	}

	r.mu.Lock()
	for _, id := range r.order {
		existing := r.servers[id]
		if existing.spec.Name != spec.Name {
			continue
		}
		if state, _ := existing.current(); !state.Terminal() {
			r.mu.Unlock()
			return "", fault.Newf(fault.InvalidSpec, "", "server %q is already registered as %s", spec.Name, id)
		}
	}
	r.servers[s.id] = s
	r.order = append(r.order, s.id)
	r.mu.Unlock()

	r.logger.Info("Tool server registered",
		zap.String("server_id", s.id),
		zap.String("name", spec.Name))
	return s.id, nil
}

func (r *Registry) lookup(id string) (*server, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.servers[id]; ok {
		return s, nil
	}
	return nil, fault.Newf(fault.UnknownServer, "", "unknown server %q", id)
}

func (r *Registry) snapshot() []*server {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*server, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.servers[id])
	}
	return out
}

// ServerID returns the id of the most recent server registered under name.
func (r *Registry) ServerID(name string) (string, bool) {
	servers := r.snapshot()
	for i := len(servers) - 1; i >= 0; i-- {
		if servers[i].spec.Name == name {
			return servers[i].id, true
		}
	}
	return "", false
}

// ConnectServer performs the handshake and discovery for a registered
// server. It reports whether the server ended up connected. A denied
// mcp_connect grant leaves the server registered and returns the denial;
// a failed handshake moves it to failed and returns false with no error.
// Calling it on a connected server returns true; on a terminal one, false.
func (r *Registry) ConnectServer(ctx context.Context, id, correlationID string) (bool, error) {
	s, err := r.lookup(id)
	if err != nil {
		return false, err
	}

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	switch state, _ := s.current(); state {
	case StateConnected:
		return true, nil
	case StateDisconnected, StateFailed:
		return false, nil
	}

	grant, err := r.auth.Evaluate(ctx, permission.Request{
		Type:          permission.McpConnect,
		Scope:         permission.SystemWide,
		Target:        s.spec.Name,
		Command:       strings.TrimSpace(s.spec.Command + " " + strings.Join(s.spec.Args, " ")),
		Description:   "connect to tool server " + s.spec.Name,
		CorrelationID: correlationID,
	})
	if err != nil {
		return false, err
	}
	if !grant.Granted() {
		r.logger.Info("Tool server connect denied",
			zap.String("server_id", s.id),
			zap.String("reason", grant.Reason),
			zap.String("correlation_id", grant.CorrelationID))
		return false, grant.DeniedError()
	}

	s.mu.Lock()
	s.state = StateConnecting
	s.mu.Unlock()

	connectCtx, cancel := context.WithTimeout(ctx, s.spec.StartupTimeout())
	session, err := r.connector.Connect(connectCtx, s.spec)
	var (
		tools     []ToolDescriptor
		resources []ResourceDescriptor
	)
	if err == nil {
		tools, resources, err = r.discover(connectCtx, s, session)
		if err != nil {
			_ = session.Close()
		}
	}
	cancel()

	now := time.Now()
	if err != nil {
		s.mu.Lock()
		s.state = StateFailed
		s.lastError = err.Error()
		s.disconnectedAt = now
		s.mu.Unlock()
		r.logger.Warn("Tool server connect failed",
			zap.String("server_id", s.id),
			zap.String("name", s.spec.Name),
			zap.String("correlation_id", grant.CorrelationID),
			zap.Error(err))
		return false, nil
	}

	s.mu.Lock()
	s.state = StateConnected
	s.session = session
	s.tools = tools
	s.resources = resources
	s.lastError = ""
	s.connectedAt = now
	s.mu.Unlock()

	r.watch(s, session)
	r.logger.Info("Tool server connected",
		zap.String("server_id", s.id),
		zap.String("name", s.spec.Name),
		zap.Int("tools", len(tools)),
		zap.Int("resources", len(resources)),
		zap.String("correlation_id", grant.CorrelationID))
	return true, nil
}

func (r *Registry) discover(ctx context.Context, s *server, session *gomcp.ClientSession) ([]ToolDescriptor, []ResourceDescriptor, error) {
	var tools []ToolDescriptor
	var cursor string
	for {
		res, err := session.ListTools(ctx, &gomcp.ListToolsParams{Cursor: cursor})
		if err != nil {
			return nil, nil, fmt.Errorf("list tools: %w", err)
		}
		for _, t := range res.Tools {
			tools = append(tools, toolDescriptor(s, t))
		}
		if res.NextCursor == "" {
			break
		}
		cursor = res.NextCursor
	}
	tools = qualifyTools(s.spec.Name, filterTools(tools, s.spec.Filter()), r.logger)

	// Servers without the resources capability reject the listing; that
	// only means there is nothing to read.
	var resources []ResourceDescriptor
	cursor = ""
	for {
		res, err := session.ListResources(ctx, &gomcp.ListResourcesParams{Cursor: cursor})
		if err != nil {
			r.logger.Debug("Resource listing unavailable",
				zap.String("server_id", s.id),
				zap.Error(err))
			break
		}
		for _, res := range res.Resources {
			resources = append(resources, ResourceDescriptor{
				ServerID:    s.id,
				URI:         res.URI,
				Name:        res.Name,
				MIMEType:    res.MIMEType,
				Description: res.Description,
				Valid:       true,
			})
		}
		if res.NextCursor == "" {
			break
		}
		cursor = res.NextCursor
	}
	return tools, resources, nil
}

func toolDescriptor(s *server, t *gomcp.Tool) ToolDescriptor {
	d := ToolDescriptor{
		ServerID:    s.id,
		ServerName:  s.spec.Name,
		Name:        t.Name,
		Description: t.Description,
		InputSchema: schemaMap(t.InputSchema),
		Valid:       true,
	}
	if t.Annotations != nil && t.Annotations.ReadOnlyHint {
		d.ReadOnly = true
	}
	return d
}

func schemaMap(schema any) map[string]any {
	if schema == nil {
		return nil
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

// watch moves the server to disconnected when its session ends without an
// explicit disconnect.
func (r *Registry) watch(s *server, session *gomcp.ClientSession) {
	r.watchers.Add(1)
	go func() {
		defer r.watchers.Done()
		waitErr := session.Wait()

		s.mu.Lock()
		if s.session != session || s.state != StateConnected {
			s.mu.Unlock()
			return
		}
		s.lastError = "connection lost"
		if waitErr != nil {
			s.lastError += ": " + waitErr.Error()
		}
		s.leaveConnectedLocked(time.Now())
		s.mu.Unlock()

		_ = session.Close()
		r.logger.Warn("Tool server connection lost",
			zap.String("server_id", s.id),
			zap.String("name", s.spec.Name),
			zap.Error(waitErr))
	}()
}

// DisconnectServer closes a connected server's session. It is a no-op for
// servers in any other state.
func (r *Registry) DisconnectServer(ctx context.Context, id string) error {
	s, err := r.lookup(id)
	if err != nil {
		return err
	}

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return nil
	}
	session := s.session
	s.leaveConnectedLocked(time.Now())
	s.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- session.Close() }()
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	r.logger.Info("Tool server disconnected", zap.String("server_id", id), zap.Error(err))
	if err != nil {
		return fault.Wrap(fault.Internal, "", err, "close session for "+id)
	}
	return nil
}

// ConnectAll connects every registered server in parallel. Each server is
// authorized under its own correlation id derived from correlationID, so one
// server's decision is never replayed for another. It returns the number of
// servers that ended up connected and the collected failures.
func (r *Registry) ConnectAll(ctx context.Context, correlationID string) (int, error) {
	var (
		g         errgroup.Group
		mu        sync.Mutex
		errs      error
		connected atomic.Int64
	)
	g.SetLimit(r.concurrency)

	for _, s := range r.snapshot() {
		if state, _ := s.current(); state != StateRegistered {
			continue
		}
		g.Go(func() error {
			ok, err := r.ConnectServer(ctx, s.id, childCorrelationID(correlationID, s.id))
			if ok {
				connected.Add(1)
				return nil
			}
			if err == nil {
				err = fmt.Errorf("server %s: %s", s.spec.Name, s.info().LastError)
			}
			mu.Lock()
			errs = multierr.Append(errs, err)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return int(connected.Load()), errs
}

// childCorrelationID scopes a batch correlation id to one server. An empty
// parent leaves the id to the authorizer.
func childCorrelationID(parent, serverID string) string {
	if parent == "" {
		return ""
	}
	return parent + "/" + serverID
}

// lookupTool finds the tool matching fn, preferring a valid descriptor over
// historical ones.
func (r *Registry) lookupTool(fn func(ToolDescriptor) bool) (*server, ToolDescriptor, bool) {
	var (
		historical *server
		hd         ToolDescriptor
	)
	for _, s := range r.snapshot() {
		s.mu.RLock()
		for _, d := range s.tools {
			if !fn(d) {
				continue
			}
			if d.Valid {
				s.mu.RUnlock()
				return s, d, true
			}
			if historical == nil {
				historical, hd = s, d
			}
		}
		s.mu.RUnlock()
	}
	return historical, hd, historical != nil
}

func (r *Registry) resolveTool(name string) (*server, ToolDescriptor, bool) {
	if s, d, ok := r.lookupTool(func(d ToolDescriptor) bool { return d.QualifiedName == name }); ok {
		return s, d, true
	}
	return r.lookupTool(func(d ToolDescriptor) bool { return d.Name == name })
}

// Tools lists the valid tool descriptors of every connected server.
func (r *Registry) Tools() []ToolDescriptor {
	var out []ToolDescriptor
	for _, s := range r.snapshot() {
		s.mu.RLock()
		for _, d := range s.tools {
			if d.Valid {
				out = append(out, d)
			}
		}
		s.mu.RUnlock()
	}
	return out
}

// ExecuteTool calls a tool by qualified or plain name. The owning server
// must be connected before any grant check or remote call happens.
func (r *Registry) ExecuteTool(ctx context.Context, name string, args map[string]any, correlationID string) (ToolResult, error) {
	s, tool, ok := r.resolveTool(name)
	if !ok {
		return ToolResult{}, fault.Newf(fault.ServerNotConnected, correlationID, "no connected server provides tool %q", name)
	}
	state, session := s.current()
	if state != StateConnected {
		return ToolResult{}, fault.Newf(fault.ServerNotConnected, correlationID, "server %s owning tool %q is %s", s.spec.Name, name, state)
	}

	grant, err := r.auth.Evaluate(ctx, permission.Request{
		Type:          permission.McpExecute,
		Scope:         permission.ProjectOnly,
		Target:        tool.QualifiedName,
		Description:   "call tool " + tool.Name + " on " + s.spec.Name,
		CorrelationID: correlationID,
	})
	if err != nil {
		return ToolResult{}, err
	}
	if !grant.Granted() {
		return ToolResult{}, grant.DeniedError()
	}
	correlationID = grant.CorrelationID

	s.toolCalls.Add(1)
	res, err := session.CallTool(ctx, &gomcp.CallToolParams{Name: tool.Name, Arguments: args})
	if err != nil {
		s.toolErrors.Add(1)
		r.logger.Warn("Tool call failed",
			zap.String("tool", tool.QualifiedName),
			zap.String("correlation_id", correlationID),
			zap.Error(err))
		return ToolResult{}, fault.Wrap(fault.RemoteToolError, correlationID, err, "call "+tool.QualifiedName)
	}

	text := contentText(res.Content)
	if res.IsError {
		s.toolErrors.Add(1)
		return ToolResult{}, fault.New(fault.RemoteToolError, correlationID, text)
	}

	r.logger.Debug("Tool call completed",
		zap.String("tool", tool.QualifiedName),
		zap.String("correlation_id", correlationID))
	return ToolResult{
		ServerID:      s.id,
		Tool:          tool.Name,
		QualifiedName: tool.QualifiedName,
		Content:       text,
		Structured:    res.StructuredContent,
		CorrelationID: correlationID,
	}, nil
}

func contentText(content []gomcp.Content) string {
	var sb strings.Builder
	for i, c := range content {
		if i > 0 {
			sb.WriteString("\n")
		}
		switch c := c.(type) {
		case *gomcp.TextContent:
			sb.WriteString(c.Text)
		case *gomcp.ImageContent:
			sb.WriteString("[image: ")
			sb.WriteString(c.MIMEType)
			sb.WriteString("]")
		default:
			sb.WriteString("[unsupported content type]")
		}
	}
	return sb.String()
}

func (r *Registry) resolveResource(uri string) (*server, bool) {
	var historical *server
	for _, s := range r.snapshot() {
		s.mu.RLock()
		for _, d := range s.resources {
			if d.URI != uri {
				continue
			}
			if d.Valid {
				s.mu.RUnlock()
				return s, true
			}
			if historical == nil {
				historical = s
			}
		}
		s.mu.RUnlock()
	}
	return historical, historical != nil
}

// ReadResource reads a resource from the connected server that lists it.
func (r *Registry) ReadResource(ctx context.Context, uri, correlationID string) (ResourceContent, error) {
	s, ok := r.resolveResource(uri)
	if !ok {
		return ResourceContent{}, fault.Newf(fault.ServerNotConnected, correlationID, "no connected server exposes resource %q", uri)
	}
	state, session := s.current()
	if state != StateConnected {
		return ResourceContent{}, fault.Newf(fault.ServerNotConnected, correlationID, "server %s owning resource %q is %s", s.spec.Name, uri, state)
	}

	grant, err := r.auth.Evaluate(ctx, permission.Request{
		Type:          permission.McpResourceRead,
		Scope:         permission.ProjectOnly,
		Target:        uri,
		Description:   "read resource from " + s.spec.Name,
		CorrelationID: correlationID,
	})
	if err != nil {
		return ResourceContent{}, err
	}
	if !grant.Granted() {
		return ResourceContent{}, grant.DeniedError()
	}
	correlationID = grant.CorrelationID

	s.resourceReads.Add(1)
	res, err := session.ReadResource(ctx, &gomcp.ReadResourceParams{URI: uri})
	if err != nil {
		return ResourceContent{}, fault.Wrap(fault.RemoteToolError, correlationID, err, "read "+uri)
	}

	out := ResourceContent{ServerID: s.id, URI: uri, CorrelationID: correlationID}
	var text []string
	for _, c := range res.Contents {
		if c == nil {
			continue
		}
		if out.MIMEType == "" {
			out.MIMEType = c.MIMEType
		}
		if c.Text != "" {
			text = append(text, c.Text)
		}
		out.Blob = append(out.Blob, c.Blob...)
	}
	out.Text = strings.Join(text, "\n")
	return out, nil
}

// List returns a snapshot of every server in registration order.
func (r *Registry) List() []ServerInfo {
	servers := r.snapshot()
	out := make([]ServerInfo, 0, len(servers))
	for _, s := range servers {
		out = append(out, s.info())
	}
	return out
}

// Status returns one server's snapshot.
func (r *Registry) Status(id string) (ServerInfo, error) {
	s, err := r.lookup(id)
	if err != nil {
		return ServerInfo{}, err
	}
	return s.info(), nil
}

// Stats aggregates every server's snapshot.
func (r *Registry) Stats() Stats {
	var st Stats
	for _, info := range r.List() {
		st.TotalServers++
		switch info.State {
		case StateConnected:
			st.ConnectedServers++
		case StateFailed:
			st.FailedServers++
		}
		for _, d := range info.Tools {
			if d.Valid {
				st.TotalTools++
			}
		}
		for _, d := range info.Resources {
			if d.Valid {
				st.TotalResources++
			}
		}
		st.ToolCalls += info.ToolCalls
		st.ToolErrors += info.ToolErrors
		st.ResourceReads += info.ResourceReads
	}
	return st
}

// Probe reports registry stats for health checks.
func (r *Registry) Probe() Stats {
	return r.Stats()
}

// Cleanup disconnects every server and waits for connection watchers to
// exit. Records stay in the table; a second call is a no-op.
func (r *Registry) Cleanup(ctx context.Context) error {
	var errs error
	for _, s := range r.snapshot() {
		errs = multierr.Append(errs, r.DisconnectServer(ctx, s.id))
	}
	r.watchers.Wait()
	return errs
}
