package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/mfateev/gatekeeper/internal/execpolicy"
	"github.com/mfateev/gatekeeper/internal/fault"
	"github.com/mfateev/gatekeeper/internal/permission"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// memConnector serves registered in-process servers over in-memory
// transports. Drop simulates the server going away.
type memConnector struct {
	servers map[string]*gomcp.Server

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	dials   int
}

func newMemConnector(servers map[string]*gomcp.Server) *memConnector {
	return &memConnector{servers: servers, cancels: make(map[string]context.CancelFunc)}
}

func (c *memConnector) Connect(ctx context.Context, spec ServerSpec) (*gomcp.ClientSession, error) {
	c.mu.Lock()
	c.dials++
	c.mu.Unlock()

	server, ok := c.servers[spec.Name]
	if !ok {
		return nil, fmt.Errorf("no in-memory server named %s", spec.Name)
	}
	serverTransport, clientTransport := gomcp.NewInMemoryTransports()

	runCtx, cancel := context.WithCancel(context.Background())
	go func() {
		_ = server.Run(runCtx, serverTransport)
	}()

	client := gomcp.NewClient(&gomcp.Implementation{Name: "test-client", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	c.mu.Lock()
	c.cancels[spec.Name] = cancel
	c.mu.Unlock()
	return session, nil
}

func (c *memConnector) Drop(name string) {
	c.mu.Lock()
	cancel := c.cancels[name]
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *memConnector) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cancel := range c.cancels {
		cancel()
	}
}

func demoServer() *gomcp.Server {
	server := gomcp.NewServer(&gomcp.Implementation{Name: "demo", Version: "1.0.0"}, nil)
	server.AddTool(&gomcp.Tool{
		Name:        "echo",
		Description: "Echo the text argument",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{"type": "string"},
			},
		},
		Annotations: &gomcp.ToolAnnotations{ReadOnlyHint: true},
	}, func(ctx context.Context, req *gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		var args struct {
			Text string `json:"text"`
		}
		_ = json.Unmarshal(req.Params.Arguments, &args)
		return &gomcp.CallToolResult{
			Content: []gomcp.Content{&gomcp.TextContent{Text: "echo: " + args.Text}},
		}, nil
	})
	server.AddTool(&gomcp.Tool{
		Name:        "explode",
		Description: "Always fails",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
	}, func(ctx context.Context, req *gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		return &gomcp.CallToolResult{
			IsError: true,
			Content: []gomcp.Content{&gomcp.TextContent{Text: "kaboom"}},
		}, nil
	})
	server.AddTool(&gomcp.Tool{
		Name:        "hidden",
		Description: "Filtered out by spec",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
	}, func(ctx context.Context, req *gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		return &gomcp.CallToolResult{}, nil
	})
	server.AddResource(&gomcp.Resource{
		URI:      "demo://readme",
		Name:     "readme",
		MIMEType: "text/plain",
	}, func(ctx context.Context, req *gomcp.ReadResourceRequest) (*gomcp.ReadResourceResult, error) {
		return &gomcp.ReadResourceResult{
			Contents: []*gomcp.ResourceContents{{URI: req.Params.URI, MIMEType: "text/plain", Text: "hello from demo"}},
		}, nil
	})
	return server
}

func newEngine(t *testing.T, rules string) *permission.Engine {
	t.Helper()
	policy, err := execpolicy.ParsePolicy("test.rules", rules)
	require.NoError(t, err)
	return permission.NewEngine(permission.Options{
		Policy:      execpolicy.NewStaticPolicyManager(policy, false),
		ProjectRoot: t.TempDir(),
		Logger:      zaptest.NewLogger(t),
	})
}

type fixture struct {
	reg       *Registry
	engine    *permission.Engine
	connector *memConnector
}

func newFixture(t *testing.T, rules string) *fixture {
	t.Helper()
	connector := newMemConnector(map[string]*gomcp.Server{"demo": demoServer()})
	engine := newEngine(t, rules)
	reg, err := NewRegistry(Options{
		Authorizer: engine,
		Connector:  connector,
		Logger:     zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = reg.Cleanup(context.Background())
		connector.Close()
	})
	return &fixture{reg: reg, engine: engine, connector: connector}
}

var demoSpec = ServerSpec{
	Name:          "demo",
	Command:       "node",
	Args:          []string{"demo.js"},
	DisabledTools: []string{"hidden"},
}

const allowDemo = `allow_system(permission="mcp_connect", target="demo")`

func waitForState(t *testing.T, reg *Registry, id string, want State) ServerInfo {
	t.Helper()
	var info ServerInfo
	require.Eventually(t, func() bool {
		var err error
		info, err = reg.Status(id)
		return err == nil && info.State == want
	}, 5*time.Second, 10*time.Millisecond)
	return info
}

func TestRegisterServer_Validation(t *testing.T) {
	f := newFixture(t, "")

	_, err := f.reg.RegisterServer(ServerSpec{Command: "node"})
	assert.True(t, fault.Is(err, fault.InvalidSpec))
	_, err = f.reg.RegisterServer(ServerSpec{Name: "x"})
	assert.True(t, fault.Is(err, fault.InvalidSpec))

	id, err := f.reg.RegisterServer(demoSpec)
	require.NoError(t, err)
	assert.Regexp(t, `^srv_[0-9A-Z]{26}$`, id)

	_, err = f.reg.RegisterServer(demoSpec)
	assert.True(t, fault.Is(err, fault.InvalidSpec), "live name cannot be reused")

	info, err := f.reg.Status(id)
	require.NoError(t, err)
	assert.Equal(t, StateRegistered, info.State)
	assert.Empty(t, info.Tools)

	got, ok := f.reg.ServerID("demo")
	assert.True(t, ok)
	assert.Equal(t, id, got)
}

func TestConnect_DemoScenario(t *testing.T) {
	f := newFixture(t, allowDemo)
	ctx := context.Background()

	id, err := f.reg.RegisterServer(demoSpec)
	require.NoError(t, err)

	ok, err := f.reg.ConnectServer(ctx, id, "c-connect")
	require.NoError(t, err)
	require.True(t, ok)

	info, err := f.reg.Status(id)
	require.NoError(t, err)
	assert.Equal(t, StateConnected, info.State)
	require.Len(t, info.Tools, 2, "hidden is filtered out")
	names := []string{info.Tools[0].QualifiedName, info.Tools[1].QualifiedName}
	assert.ElementsMatch(t, []string{"mcp__demo__echo", "mcp__demo__explode"}, names)
	for _, tool := range info.Tools {
		assert.True(t, tool.Valid)
		assert.Equal(t, id, tool.ServerID)
		if tool.Name == "echo" {
			assert.True(t, tool.ReadOnly)
			assert.Equal(t, "object", tool.InputSchema["type"])
		}
	}
	require.Len(t, info.Resources, 1)
	assert.Equal(t, "demo://readme", info.Resources[0].URI)

	res, err := f.reg.ExecuteTool(ctx, "mcp__demo__echo", map[string]any{"text": "hi"}, "c-call")
	require.NoError(t, err)
	assert.Equal(t, "echo: hi", res.Content)
	assert.Equal(t, "c-call", res.CorrelationID)

	// Plain names resolve among connected servers.
	res, err = f.reg.ExecuteTool(ctx, "echo", map[string]any{"text": "plain"}, "c-plain")
	require.NoError(t, err)
	assert.Equal(t, "echo: plain", res.Content)

	content, err := f.reg.ReadResource(ctx, "demo://readme", "c-read")
	require.NoError(t, err)
	assert.Equal(t, "hello from demo", content.Text)
	assert.Equal(t, "text/plain", content.MIMEType)

	// A second connect on a connected server is a no-op.
	ok, err = f.reg.ConnectServer(ctx, id, "c-connect-again")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, f.connector.dials)

	st := f.reg.Stats()
	assert.Equal(t, Stats{
		TotalServers: 1, ConnectedServers: 1, TotalTools: 2, TotalResources: 1,
		ToolCalls: 2, ResourceReads: 1,
	}, st)

	var types []permission.Type
	for _, g := range f.engine.Grants() {
		types = append(types, g.Request.Type)
	}
	assert.Contains(t, types, permission.McpConnect)
	assert.Contains(t, types, permission.McpExecute)
	assert.Contains(t, types, permission.McpResourceRead)
}

func TestConnect_DeniedStaysRegistered(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()

	id, err := f.reg.RegisterServer(demoSpec)
	require.NoError(t, err)

	ok, err := f.reg.ConnectServer(ctx, id, "c-deny")
	assert.False(t, ok)
	assert.True(t, fault.Is(err, fault.PermissionDenied))

	info, err := f.reg.Status(id)
	require.NoError(t, err)
	assert.Equal(t, StateRegistered, info.State)
	assert.Equal(t, 0, f.connector.dials)

	grants := f.engine.Grants()
	require.Len(t, grants, 1)
	assert.Equal(t, permission.Denied, grants[0].Decision)
}

func TestConnect_MissingCommandFails(t *testing.T) {
	engine := newEngine(t, `allow_system(permission="mcp_connect", target="*")`)
	reg, err := NewRegistry(Options{Authorizer: engine, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Cleanup(context.Background()) })
	ctx := context.Background()

	id, err := reg.RegisterServer(ServerSpec{
		Name:              "ghost",
		Command:           filepath.Join(t.TempDir(), "no-such-binary"),
		StartupTimeoutSec: 2,
	})
	require.NoError(t, err)

	ok, err := reg.ConnectServer(ctx, id, "c-1")
	require.NoError(t, err)
	assert.False(t, ok)

	info, err := reg.Status(id)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, info.State)
	assert.NotEmpty(t, info.LastError)

	ok, err = reg.ConnectServer(ctx, id, "c-2")
	require.NoError(t, err)
	assert.False(t, ok, "failed is terminal")

	// A failed name may be registered again.
	_, err = reg.RegisterServer(ServerSpec{Name: "ghost", Command: "other"})
	require.NoError(t, err)
}

func TestExecuteTool_ServerNotConnected(t *testing.T) {
	f := newFixture(t, allowDemo)
	ctx := context.Background()

	_, err := f.reg.ExecuteTool(ctx, "mcp__demo__echo", nil, "c-0")
	assert.True(t, fault.Is(err, fault.ServerNotConnected), "unknown tool")

	id, err := f.reg.RegisterServer(demoSpec)
	require.NoError(t, err)
	ok, err := f.reg.ConnectServer(ctx, id, "c-1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, f.reg.DisconnectServer(ctx, id))
	info, err := f.reg.Status(id)
	require.NoError(t, err)
	assert.Equal(t, StateDisconnected, info.State)
	require.NotEmpty(t, info.Tools)
	for _, tool := range info.Tools {
		assert.False(t, tool.Valid)
	}
	assert.Empty(t, f.reg.Tools())

	before := len(f.engine.Grants())
	_, err = f.reg.ExecuteTool(ctx, "mcp__demo__echo", nil, "c-2")
	assert.True(t, fault.Is(err, fault.ServerNotConnected))
	_, err = f.reg.ExecuteTool(ctx, "echo", nil, "c-3")
	assert.True(t, fault.Is(err, fault.ServerNotConnected))
	_, err = f.reg.ReadResource(ctx, "demo://readme", "c-4")
	assert.True(t, fault.Is(err, fault.ServerNotConnected))
	assert.Len(t, f.engine.Grants(), before, "no grant check for a disconnected owner")

	// Disconnected is terminal and disconnecting again is a no-op.
	require.NoError(t, f.reg.DisconnectServer(ctx, id))
	ok, err = f.reg.ConnectServer(ctx, id, "c-5")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExecuteTool_RemoteError(t *testing.T) {
	f := newFixture(t, allowDemo)
	ctx := context.Background()
	id, err := f.reg.RegisterServer(demoSpec)
	require.NoError(t, err)
	_, err = f.reg.ConnectServer(ctx, id, "c-1")
	require.NoError(t, err)

	_, err = f.reg.ExecuteTool(ctx, "mcp__demo__explode", nil, "c-2")
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.RemoteToolError))
	assert.Contains(t, err.Error(), "kaboom")

	info, err := f.reg.Status(id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.ToolCalls)
	assert.Equal(t, int64(1), info.ToolErrors)
}

func TestConnectionLoss_InvalidatesDescriptors(t *testing.T) {
	f := newFixture(t, allowDemo)
	ctx := context.Background()
	id, err := f.reg.RegisterServer(demoSpec)
	require.NoError(t, err)
	ok, err := f.reg.ConnectServer(ctx, id, "c-1")
	require.NoError(t, err)
	require.True(t, ok)

	f.connector.Drop("demo")

	info := waitForState(t, f.reg, id, StateDisconnected)
	assert.Contains(t, info.LastError, "connection lost")
	for _, tool := range info.Tools {
		assert.False(t, tool.Valid)
	}
	_, err = f.reg.ExecuteTool(ctx, "mcp__demo__echo", nil, "c-2")
	assert.True(t, fault.Is(err, fault.ServerNotConnected))
}

func TestConnectAll_CollectsFailures(t *testing.T) {
	f := newFixture(t, `allow_system(permission="mcp_connect", target="demo")
allow_system(permission="mcp_connect", target="missing")`)
	ctx := context.Background()

	_, err := f.reg.RegisterServer(demoSpec)
	require.NoError(t, err)
	_, err = f.reg.RegisterServer(ServerSpec{Name: "missing", URL: "http://127.0.0.1:1/mcp"})
	require.NoError(t, err)
	_, err = f.reg.RegisterServer(ServerSpec{Name: "unlisted", Command: "x"})
	require.NoError(t, err)

	connected, err := f.reg.ConnectAll(ctx, "c-all")
	assert.Equal(t, 1, connected)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")

	states := map[string]State{}
	for _, info := range f.reg.List() {
		states[info.Name] = info.State
	}
	assert.Equal(t, map[string]State{
		"demo":     StateConnected,
		"missing":  StateFailed,
		"unlisted": StateRegistered,
	}, states)
}

func TestConnectAll_DecidesEachServerSeparately(t *testing.T) {
	connector := newMemConnector(map[string]*gomcp.Server{
		"demo":  demoServer(),
		"rogue": demoServer(),
	})
	engine := newEngine(t, allowDemo)
	reg, err := NewRegistry(Options{Authorizer: engine, Connector: connector, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = reg.Cleanup(context.Background())
		connector.Close()
	})
	ctx := context.Background()

	demoID, err := reg.RegisterServer(demoSpec)
	require.NoError(t, err)
	rogueID, err := reg.RegisterServer(ServerSpec{Name: "rogue", Command: "node"})
	require.NoError(t, err)

	connected, err := reg.ConnectAll(ctx, "init-1")
	assert.Equal(t, 1, connected)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.PermissionDenied))

	waitForState(t, reg, demoID, StateConnected)
	info, err := reg.Status(rogueID)
	require.NoError(t, err)
	assert.Equal(t, StateRegistered, info.State)

	grants := map[string]permission.Grant{}
	for _, g := range engine.Grants() {
		grants[g.Request.Target] = g
	}
	require.Len(t, grants, 2)
	assert.Equal(t, permission.Granted, grants["demo"].Decision)
	assert.Equal(t, "init-1/"+demoID, grants["demo"].CorrelationID)
	assert.Equal(t, permission.Denied, grants["rogue"].Decision)
	assert.False(t, grants["rogue"].Replayed)
	assert.Equal(t, "init-1/"+rogueID, grants["rogue"].CorrelationID)
}

func TestUnknownServer(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()

	_, err := f.reg.ConnectServer(ctx, "srv_missing", "")
	assert.True(t, fault.Is(err, fault.UnknownServer))
	assert.True(t, fault.IsProgrammerError(err))
	assert.True(t, fault.Is(f.reg.DisconnectServer(ctx, "srv_missing"), fault.UnknownServer))
	_, err = f.reg.Status("srv_missing")
	assert.True(t, fault.Is(err, fault.UnknownServer))
}

func TestCleanup_Idempotent(t *testing.T) {
	f := newFixture(t, allowDemo)
	ctx := context.Background()
	id, err := f.reg.RegisterServer(demoSpec)
	require.NoError(t, err)
	_, err = f.reg.ConnectServer(ctx, id, "c-1")
	require.NoError(t, err)
	_, err = f.reg.RegisterServer(ServerSpec{Name: "idle", Command: "x"})
	require.NoError(t, err)

	require.NoError(t, f.reg.Cleanup(ctx))
	require.NoError(t, f.reg.Cleanup(ctx))

	st := f.reg.Probe()
	assert.Equal(t, 2, st.TotalServers)
	assert.Equal(t, 0, st.ConnectedServers)
	assert.Equal(t, 0, st.TotalTools)
}

func TestNewRegistry_RequiresAuthorizer(t *testing.T) {
	_, err := NewRegistry(Options{})
	assert.True(t, fault.Is(err, fault.Validation))
}
