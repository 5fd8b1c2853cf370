// Package execsession keeps persistent shell processes alive and runs
// commands in them with timeouts, output capping and usage accounting.
package execsession

import (
	"context"
	"time"

	"github.com/mfateev/gatekeeper/internal/permission"
)

// Status is the outcome of one Execute call.
type Status string

const (
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusTimedOut    Status = "timed_out"
	StatusDenied      Status = "denied"
	StatusSessionDead Status = "session_dead"
)

// Authorizer grants or denies shell_execute requests. *permission.Engine
// implements it.
type Authorizer interface {
	Evaluate(ctx context.Context, req permission.Request) (permission.Grant, error)
}

// ExecRequest is one command to run.
type ExecRequest struct {
	Command []string `json:"command"`
	// WorkingDir defaults to the session directory.
	WorkingDir string `json:"working_dir,omitempty"`
	// Timeout defaults to the session default when zero.
	Timeout       time.Duration `json:"timeout,omitempty"`
	CorrelationID string        `json:"correlation_id,omitempty"`
}

// ExecResult describes a finished (or refused) command.
type ExecResult struct {
	SessionID     string        `json:"session_id"`
	Output        string        `json:"output"`
	ExitCode      int           `json:"exit_code"`
	Success       bool          `json:"success"`
	Status        Status        `json:"status"`
	Truncated     bool          `json:"truncated,omitempty"`
	Duration      time.Duration `json:"-"`
	DurationMS    int64         `json:"duration_ms"`
	CorrelationID string        `json:"correlation_id"`
}

// CommandRecord is one entry of a session's command log.
type CommandRecord struct {
	Command       string        `json:"command"`
	ExitCode      int           `json:"exit_code"`
	Duration      time.Duration `json:"duration"`
	Success       bool          `json:"success"`
	Status        Status        `json:"status"`
	CorrelationID string        `json:"correlation_id"`
	At            time.Time     `json:"at"`
}

// Stats are the monotonic usage counters of a session.
type Stats struct {
	SessionID          string        `json:"session_id"`
	Name               string        `json:"name"`
	CreatedAt          time.Time     `json:"created_at"`
	TotalCommands      int           `json:"total_commands"`
	SuccessfulCommands int           `json:"successful_commands"`
	FailedCommands     int           `json:"failed_commands"`
	TimedOutCommands   int           `json:"timed_out_commands"`
	TotalDuration      time.Duration `json:"total_duration"`
	AverageDuration    time.Duration `json:"average_duration"`
	LastCommandAt      time.Time     `json:"last_command_at,omitempty"`
	Alive              bool          `json:"alive"`
}
