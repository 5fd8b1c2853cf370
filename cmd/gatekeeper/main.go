// gatekeeper runs privileged operations (shell commands, file access and
// MCP tool calls) behind a permission engine.
//
// Usage:
//
//	gatekeeper health                         Probe every subsystem
//	gatekeeper exec -- git status             Run a command in the default session
//	gatekeeper files read README.md           Read a project file
//	gatekeeper servers call fs read_file '{"path":"a.txt"}'
//	gatekeeper run < ops.jsonl                Invoke a batch of operations
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mfateev/gatekeeper/internal/capability"
	"github.com/mfateev/gatekeeper/internal/cli"
	"github.com/mfateev/gatekeeper/internal/config"
	"github.com/mfateev/gatekeeper/internal/logging"
	"github.com/mfateev/gatekeeper/internal/mcp"
	"github.com/mfateev/gatekeeper/internal/version"
)

var (
	// Global flags
	configPath string
	verbose    bool
	noColor    bool
	jsonOutput bool
	showGrants bool

	// Shared state built in PersistentPreRunE
	cfg      *config.Config
	logger   *zap.Logger
	renderer *cli.Renderer
)

// exitError carries a process exit code without printing anything more.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

var rootCmd = &cobra.Command{
	Use:   "gatekeeper",
	Short: "Permission-gated shell, file and MCP tool access",
	Long: `gatekeeper runs privileged operations behind a permission engine.

Every shell command, file access and MCP server interaction is evaluated
against the project scope, the rules directory and the system allow-list.
Decisions are recorded in a grant ledger; requests that need a human are
asked on the terminal.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd == versionCmd {
			return nil
		}
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		level := cfg.LogLevel
		if verbose {
			level = "debug"
		}
		logger, err = logging.New(level, cfg.LogFormat)
		if err != nil {
			return err
		}
		renderer = cli.NewRenderer(0, noColor || os.Getenv("NO_COLOR") != "")
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "gatekeeper "+version.String())
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Probe every subsystem",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(cmd, func(ctx context.Context, c *core) error {
			report := c.registry.Health(ctx)
			if err := emit(cmd.OutOrStdout(), report, renderer.RenderHealth(report)); err != nil {
				return err
			}
			if !report.Healthy {
				return &exitError{code: 1}
			}
			return nil
		})
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show capability, session, server and grant counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(cmd, func(ctx context.Context, c *core) error {
			st := c.registry.Stats()
			return emit(cmd.OutOrStdout(), st, renderer.RenderStats(st))
		})
	},
}

var (
	execSession string
	execCwd     string
	execTimeout time.Duration
)

var execCmd = &cobra.Command{
	Use:   "exec [flags] -- command [args...]",
	Short: "Run a command in a persistent shell session",
	Long: `Runs a command through the permission engine in a shell session.
The process exits with the command's exit code.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(cmd, func(ctx context.Context, c *core) error {
			if execSession != "" {
				res := c.registry.Invoke(ctx, capability.ShellCreateSession{SessionName: execSession})
				if !res.Success {
					return report(cmd, res)
				}
			}
			res := c.registry.Invoke(ctx, capability.ShellExec{
				Command:        args,
				Session:        execSession,
				WorkingDir:     execCwd,
				TimeoutSeconds: int(execTimeout / time.Second),
			})
			if err := report(cmd, res); err != nil {
				if shell, ok := res.Data.(capability.ShellPayload); ok && res.Err == nil && shell.ExitCode > 0 {
					return &exitError{code: shell.ExitCode}
				}
				return err
			}
			return nil
		})
	},
}

var filesCmd = &cobra.Command{
	Use:   "files",
	Short: "Read and write files through the permission engine",
}

var (
	readOffset int
	readLimit  int
	fileSystem bool
)

var filesReadCmd = &cobra.Command{
	Use:   "read PATH",
	Short: "Read a file, optionally a line window",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(cmd, func(ctx context.Context, c *core) error {
			return report(cmd, c.registry.Invoke(ctx, capability.FileRead{
				Path:       args[0],
				Offset:     readOffset,
				Limit:      readLimit,
				SystemWide: fileSystem,
			}))
		})
	},
}

var (
	writeAppend     bool
	writeCreateDirs bool
)

var filesWriteCmd = &cobra.Command{
	Use:   "write PATH",
	Short: "Write stdin to a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		content, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("failed to read stdin: %w", err)
		}
		return withCore(cmd, func(ctx context.Context, c *core) error {
			return report(cmd, c.registry.Invoke(ctx, capability.FileWrite{
				Path:       args[0],
				Content:    string(content),
				Append:     writeAppend,
				CreateDirs: writeCreateDirs,
				SystemWide: fileSystem,
			}))
		})
	},
}

var serversCmd = &cobra.Command{
	Use:   "servers",
	Short: "Manage configured MCP servers",
}

var serversListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured servers and their tools",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(cmd, func(ctx context.Context, c *core) error {
			return report(cmd, c.registry.Invoke(ctx, capability.ServerList{}))
		})
	},
}

var serversConnectCmd = &cobra.Command{
	Use:   "connect NAME",
	Short: "Connect a server and list what it offers",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(cmd, func(ctx context.Context, c *core) error {
			return report(cmd, c.registry.Invoke(ctx, capability.ServerConnect{ServerID: args[0]}))
		})
	},
}

var serversToolsCmd = &cobra.Command{
	Use:   "tools NAME...",
	Short: "Connect servers and list their callable tools",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(cmd, func(ctx context.Context, c *core) error {
			for _, name := range args {
				res := c.registry.Invoke(ctx, capability.ServerConnect{ServerID: name})
				if !res.Success {
					return report(cmd, res)
				}
			}
			return report(cmd, c.registry.Invoke(ctx, capability.ToolList{}))
		})
	},
}

var serversCallCmd = &cobra.Command{
	Use:   "call SERVER TOOL [JSON-ARGS]",
	Short: "Call a tool on a server",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		var arguments map[string]any
		if len(args) == 3 {
			if err := json.Unmarshal([]byte(args[2]), &arguments); err != nil {
				return fmt.Errorf("tool arguments must be a JSON object: %w", err)
			}
		}
		return withCore(cmd, func(ctx context.Context, c *core) error {
			res := c.registry.Invoke(ctx, capability.ServerConnect{ServerID: args[0]})
			if !res.Success {
				return report(cmd, res)
			}
			return report(cmd, c.registry.Invoke(ctx, capability.ToolCall{
				Tool:      mcp.QualifyToolName(args[0], args[1]),
				Arguments: arguments,
			}))
		})
	},
}

var serversReadCmd = &cobra.Command{
	Use:   "read SERVER URI",
	Short: "Read a resource from a server",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(cmd, func(ctx context.Context, c *core) error {
			res := c.registry.Invoke(ctx, capability.ServerConnect{ServerID: args[0]})
			if !res.Success {
				return report(cmd, res)
			}
			return report(cmd, c.registry.Invoke(ctx, capability.ResourceRead{URI: args[1]}))
		})
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Invoke a batch of operations read from stdin",
	Long: `Reads one JSON request per line from stdin and writes one JSON result
per line to stdout. All requests share one set of sessions, servers and
grants. A request looks like:

  {"operation": "shell.exec", "params": {"command": ["ls", "-la"]}}

Operations: ` + strings.Join(capability.OperationNames(), ", "),
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(cmd, func(ctx context.Context, c *core) error {
			failed, err := runBatch(ctx, c.registry, cmd.InOrStdin(), cmd.OutOrStdout())
			if err != nil {
				return err
			}
			if failed > 0 {
				return &exitError{code: 1}
			}
			return nil
		})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: ./gatekeeper.yaml or ~/.gatekeeper/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print results as JSON")
	rootCmd.PersistentFlags().BoolVar(&showGrants, "grants", false, "Print the grant ledger before exiting")

	execCmd.Flags().StringVar(&execSession, "session", "", "Named session to create and run in (default: the default session)")
	execCmd.Flags().StringVar(&execCwd, "cwd", "", "Working directory for the command")
	execCmd.Flags().DurationVar(&execTimeout, "timeout", 0, "Command timeout (default from config)")

	filesReadCmd.Flags().IntVar(&readOffset, "offset", 0, "First line to return (1-based)")
	filesReadCmd.Flags().IntVar(&readLimit, "limit", 0, "Maximum lines to return")
	filesCmd.PersistentFlags().BoolVar(&fileSystem, "system", false, "Request system-wide scope for paths outside the project")
	filesWriteCmd.Flags().BoolVar(&writeAppend, "append", false, "Append instead of replacing")
	filesWriteCmd.Flags().BoolVar(&writeCreateDirs, "create-dirs", false, "Create missing parent directories")

	filesCmd.AddCommand(filesReadCmd, filesWriteCmd)
	serversCmd.AddCommand(serversListCmd, serversConnectCmd, serversToolsCmd, serversCallCmd, serversReadCmd)
	rootCmd.AddCommand(versionCmd, healthCmd, statsCmd, execCmd, filesCmd, serversCmd, runCmd)
}

// withCore builds the subsystems, initializes them, runs fn and tears
// everything down again.
func withCore(cmd *cobra.Command, fn func(ctx context.Context, c *core) error) error {
	ctx := cmd.Context()
	c, err := newCore(cfg, terminalApprovals(ctx, cfg, renderer), logger)
	if err != nil {
		return err
	}
	if err := c.registry.Initialize(ctx); err != nil {
		// Partial initialization still leaves the rest usable.
		logger.Warn("Initialization incomplete", zap.Error(err))
	}
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := c.registry.Cleanup(cleanupCtx); err != nil {
			logger.Warn("Cleanup incomplete", zap.Error(err))
		}
	}()

	runErr := fn(ctx, c)
	if showGrants {
		res := c.registry.Invoke(ctx, capability.GrantList{})
		if err := emit(cmd.ErrOrStderr(), res, renderer.RenderResult(res)); err != nil && runErr == nil {
			runErr = err
		}
	}
	return runErr
}

// report prints res and turns a failed result into a non-zero exit.
func report(cmd *cobra.Command, res capability.Result) error {
	if err := emit(cmd.OutOrStdout(), res, renderer.RenderResult(res)); err != nil {
		return err
	}
	if !res.Success {
		return &exitError{code: 1}
	}
	return nil
}

// emit writes v as JSON with --json, otherwise the rendered text.
func emit(w io.Writer, v any, text string) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	_, err := io.WriteString(w, text)
	return err
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err == nil {
		return
	}
	var exit *exitError
	if errors.As(err, &exit) {
		os.Exit(exit.code)
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
