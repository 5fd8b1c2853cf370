package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mfateev/gatekeeper/internal/capability"
	"github.com/mfateev/gatekeeper/internal/cli"
	"github.com/mfateev/gatekeeper/internal/config"
	"github.com/mfateev/gatekeeper/internal/execpolicy"
	"github.com/mfateev/gatekeeper/internal/execsession"
	"github.com/mfateev/gatekeeper/internal/fileops"
	"github.com/mfateev/gatekeeper/internal/mcp"
	"github.com/mfateev/gatekeeper/internal/permission"
)

// core is one fully wired set of subsystems.
type core struct {
	engine   *permission.Engine
	shells   *execsession.Manager
	files    *fileops.Service
	servers  *mcp.Registry
	registry *capability.Registry
}

// newCore builds every subsystem from cfg. prompter may be nil, in which
// case anything that needs a human decision is denied.
func newCore(cfg *config.Config, prompter permission.Prompter, logger *zap.Logger) (*core, error) {
	extra, err := cfg.Permissions.ExtraPolicy()
	if err != nil {
		return nil, err
	}
	policy, err := execpolicy.NewPolicyManager(execpolicy.Options{
		RulesDir:      cfg.Permissions.RulesDir,
		Extra:         extra,
		DenyDangerous: !cfg.Permissions.AllowDangerous,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}

	engine := permission.NewEngine(permission.Options{
		Policy:      policy,
		ProjectRoot: cfg.ProjectRoot,
		Prompter:    prompter,
		PromptLimit: rate.Limit(cfg.Permissions.PromptRate),
		PromptBurst: cfg.Permissions.PromptBurst,
		Logger:      logger,
	})

	shells := execsession.NewManager(execsession.Options{
		Shell:          cfg.Shell.Path,
		Dir:            cfg.ProjectRoot,
		Env:            cfg.Shell.Env,
		DefaultTimeout: cfg.Shell.DefaultTimeout,
		MaxOutputBytes: cfg.Shell.MaxOutputBytes,
		HistorySize:    cfg.Shell.HistorySize,
		Authorizer:     engine,
		Logger:         logger,
	})

	files, err := fileops.New(fileops.Options{
		Root:       cfg.ProjectRoot,
		Authorizer: engine,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	servers, err := mcp.NewRegistry(mcp.Options{
		Authorizer: engine,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	registry := capability.New(capability.Subsystems{
		Permissions: engine,
		Shells:      shells,
		Files:       files,
		Servers:     servers,
	}, capability.Options{
		WarmDefaultSession: cfg.Shell.WarmDefaultSession,
		Servers:            cfg.ServerSpecs(),
		AutoConnect:        cfg.MCP.AutoConnect,
		Logger:             logger,
	})

	return &core{
		engine:   engine,
		shells:   shells,
		files:    files,
		servers:  servers,
		registry: registry,
	}, nil
}

// terminalApprovals parks prompted requests in an approval queue and answers
// them from the terminal. It returns nil when stdin is not a terminal.
func terminalApprovals(ctx context.Context, cfg *config.Config, r *cli.Renderer) permission.Prompter {
	terminal := cli.NewTerminalPrompter(os.Stdin, os.Stderr, r)
	if !terminal.Interactive() {
		return nil
	}
	timeout := cfg.Permissions.PromptTimeout

	var queue *permission.ApprovalQueue
	queue = permission.NewApprovalQueue(timeout, func(p permission.PendingApproval) {
		go func() {
			askCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			resp, err := terminal.Prompt(askCtx, p.Request)
			if err != nil {
				// The queue times the request out.
				return
			}
			_ = queue.Respond(p.ID, resp.Approved, resp.Always)
		}()
	})
	return queue
}
