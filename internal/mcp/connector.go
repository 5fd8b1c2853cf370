package mcp

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mfateev/gatekeeper/internal/version"
)

// Connector opens a client session to the server a spec describes. The
// returned session must outlive ctx, which only bounds the handshake.
type Connector interface {
	Connect(ctx context.Context, spec ServerSpec) (*gomcp.ClientSession, error)
}

// SDKConnector connects over stdio or streamable HTTP.
type SDKConnector struct {
	// ClientName is reported to servers during initialization.
	ClientName string
}

// Connect implements Connector.
func (c SDKConnector) Connect(ctx context.Context, spec ServerSpec) (*gomcp.ClientSession, error) {
	name := c.ClientName
	if name == "" {
		name = "gatekeeper"
	}
	client := gomcp.NewClient(&gomcp.Implementation{
		Name:    name,
		Version: version.Version,
	}, nil)

	if spec.IsStdio() {
		// Not CommandContext: the process lives as long as the session, not
		// the handshake.
		cmd := exec.Command(spec.Command, spec.Args...)
		cmd.Dir = spec.Cwd
		cmd.Env = os.Environ()
		for k, v := range spec.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		session, err := client.Connect(ctx, &gomcp.CommandTransport{Command: cmd}, nil)
		if err != nil {
			return nil, fmt.Errorf("connect to %s (stdio): %w", spec.Name, err)
		}
		return session, nil
	}

	if spec.URL != "" {
		session, err := client.Connect(ctx, &gomcp.StreamableClientTransport{Endpoint: spec.URL}, nil)
		if err != nil {
			return nil, fmt.Errorf("connect to %s (http): %w", spec.Name, err)
		}
		return session, nil
	}

	return nil, fmt.Errorf("server %s has neither command nor url", spec.Name)
}
