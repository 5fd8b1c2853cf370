package execsession

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	osexec "os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/mfateev/gatekeeper/internal/exec"
	"github.com/mfateev/gatekeeper/internal/execenv"
	"github.com/mfateev/gatekeeper/internal/fault"
	"github.com/mfateev/gatekeeper/internal/permission"
)

const (
	DefaultTimeout     = 30 * time.Second
	DefaultHistorySize = 100

	startupTimeout = 10 * time.Second
	// killGrace bounds the wait for the end marker after a timed-out job
	// was killed. Past it the shell is considered wedged.
	killGrace = 2 * time.Second
)

// Options configure the shell behind a session.
type Options struct {
	// Shell is the bash binary. Default: "bash" from PATH.
	Shell string
	// Dir is the shell's working directory. Default: the process cwd.
	Dir            string
	Env            execenv.Policy
	DefaultTimeout time.Duration
	MaxOutputBytes int
	HistorySize    int
	Authorizer     Authorizer
	Logger         *zap.Logger
}

// Session is one persistent shell. Commands run one at a time, each as a
// background job in its own process group so a timeout can kill the job
// without killing the shell. Sessions whose shell died stay dead.
type Session struct {
	ID        string
	Name      string
	CreatedAt time.Time

	dir            string
	defaultTimeout time.Duration
	maxOutput      int
	historySize    int
	auth           Authorizer
	logger         *zap.Logger

	cmd        *osexec.Cmd
	stdin      io.WriteCloser
	stdoutFile *os.File
	stdout     *bufio.Reader
	ctlFile    *os.File
	pids       chan int
	exitCh     chan struct{}
	dead       atomic.Bool
	jobPID     atomic.Int64
	seq        atomic.Uint64
	closeOnce  sync.Once

	// execMu serializes Execute; statsMu guards stats and history so
	// readers never wait for a running command.
	execMu  sync.Mutex
	statsMu sync.Mutex
	stats   Stats
	history []CommandRecord
}

// Start launches a shell and waits until it is ready.
func Start(ctx context.Context, name string, opts Options) (*Session, error) {
	if opts.Authorizer == nil {
		return nil, errors.New("execsession: authorizer is required")
	}
	shell := opts.Shell
	if shell == "" {
		shell = "bash"
	}
	dir := opts.Dir
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve working directory: %w", err)
		}
		dir = wd
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Session{
		ID:             "sess_" + ulid.Make().String(),
		Name:           name,
		CreatedAt:      time.Now(),
		dir:            dir,
		defaultTimeout: opts.DefaultTimeout,
		maxOutput:      opts.MaxOutputBytes,
		historySize:    opts.HistorySize,
		auth:           opts.Authorizer,
		pids:           make(chan int, 1),
		exitCh:         make(chan struct{}),
	}
	if s.defaultTimeout <= 0 {
		s.defaultTimeout = DefaultTimeout
	}
	if s.historySize <= 0 {
		s.historySize = DefaultHistorySize
	}
	s.logger = logger.With(zap.String("session_id", s.ID), zap.String("session_name", name))
	s.stats = Stats{SessionID: s.ID, Name: name, CreatedAt: s.CreatedAt}

	if err := s.spawn(shell, opts.Env); err != nil {
		return nil, err
	}
	if err := s.handshake(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	s.logger.Info("Shell session started", zap.String("dir", dir), zap.Int("pid", s.cmd.Process.Pid))
	return s, nil
}

func (s *Session) spawn(shell string, env execenv.Policy) error {
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return err
	}
	ctlR, ctlW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return err
	}

	cmd := osexec.Command(shell, "--noprofile", "--norc")
	cmd.Dir = s.dir
	cmd.Env = env.Environ()
	// Job output is redirected into stdout explicitly; bash's own
	// diagnostics (job notifications) are dropped.
	cmd.Stdout = stdoutW
	// fd 3 in the shell: the pid of every launched job.
	cmd.ExtraFiles = []*os.File{ctlW}
	configureProcess(cmd)

	stdin, err := cmd.StdinPipe()
	if err == nil {
		err = cmd.Start()
	}
	// The child holds its own copies of the write ends.
	stdoutW.Close()
	ctlW.Close()
	if err != nil {
		stdoutR.Close()
		ctlR.Close()
		return fmt.Errorf("start shell %s: %w", shell, err)
	}

	s.cmd = cmd
	s.stdin = stdin
	s.stdoutFile = stdoutR
	s.stdout = bufio.NewReader(stdoutR)
	s.ctlFile = ctlR

	go s.waitForExit()
	go s.readPIDs(bufio.NewReader(ctlR))
	return nil
}

func (s *Session) waitForExit() {
	err := s.cmd.Wait()
	if s.markDead() {
		s.logger.Warn("Shell exited unexpectedly", zap.Error(err))
	}
	close(s.exitCh)
}

func (s *Session) readPIDs(r *bufio.Reader) {
	defer close(s.pids)
	for {
		line, err := r.ReadString('\n')
		if pid, convErr := strconv.Atoi(strings.TrimSpace(line)); convErr == nil {
			select {
			case s.pids <- pid:
			default:
			}
		}
		if err != nil {
			return
		}
	}
}

// handshake enables job control and waits for the first marker, which also
// discards anything the shell printed on startup.
func (s *Session) handshake(ctx context.Context) error {
	marker := exec.Marker("ready_" + ulid.Make().String())
	if _, err := io.WriteString(s.stdin, "set -m\n"+exec.MarkerStatement(marker)+"\n"); err != nil {
		return fmt.Errorf("shell handshake: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := exec.ReadUntilMarker(s.stdout, marker, io.Discard)
		done <- err
	}()

	timer := time.NewTimer(startupTimeout)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("shell handshake: %w", err)
		}
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}
	_ = s.Close()
	<-done
	return errors.New("shell handshake: shell did not become ready")
}

// markDead flags the session dead and reports whether this call did it.
func (s *Session) markDead() bool {
	return s.dead.CompareAndSwap(false, true)
}

// Alive reports whether the shell is still usable.
func (s *Session) Alive() bool {
	return !s.dead.Load()
}

// Dir returns the shell's working directory.
func (s *Session) Dir() string {
	return s.dir
}

// Execute authorizes and runs one command. A non-zero exit is a normal
// result; denial, timeout and a dead shell return both a result and a
// *fault.Error. Only an empty command skips accounting.
func (s *Session) Execute(ctx context.Context, req ExecRequest) (ExecResult, error) {
	cid := req.CorrelationID
	if cid == "" {
		cid = uuid.NewString()
	}
	result := ExecResult{SessionID: s.ID, ExitCode: -1, CorrelationID: cid}
	if len(req.Command) == 0 || req.Command[0] == "" {
		return result, fault.New(fault.Validation, cid, "command must not be empty")
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}
	dir := req.WorkingDir
	if dir == "" {
		dir = s.dir
	} else if !filepath.IsAbs(dir) {
		dir = filepath.Join(s.dir, dir)
	}
	joined := strings.Join(req.Command, " ")

	s.execMu.Lock()
	defer s.execMu.Unlock()
	start := time.Now()

	finish := func(status Status, code int, err error) (ExecResult, error) {
		result.Duration = time.Since(start)
		result.DurationMS = result.Duration.Milliseconds()
		result.Status = status
		result.ExitCode = code
		result.Success = status == StatusCompleted
		s.record(CommandRecord{
			Command:       joined,
			ExitCode:      code,
			Duration:      result.Duration,
			Success:       result.Success,
			Status:        status,
			CorrelationID: cid,
			At:            start,
		})
		s.logger.Info("Command finished",
			zap.String("correlation_id", cid),
			zap.String("command", joined),
			zap.String("status", string(status)),
			zap.Int("exit_code", code),
			zap.Duration("duration", result.Duration))
		return result, err
	}

	if s.dead.Load() {
		return finish(StatusSessionDead, -1, fault.Newf(fault.SessionDead, cid, "session %s is dead", s.ID))
	}

	grant, err := s.auth.Evaluate(ctx, permission.Request{
		Type:          permission.ShellExecute,
		Scope:         permission.ProjectOnly,
		Target:        dir,
		Command:       joined,
		Argv:          req.Command,
		Description:   "execute in session " + s.Name,
		CorrelationID: cid,
	})
	if err != nil {
		return finish(StatusDenied, -1, fault.Normalize(err, cid))
	}
	if !grant.Granted() {
		return finish(StatusDenied, -1, grant.DeniedError())
	}

	out, code, status, err := s.run(ctx, req.Command, dir, timeout, cid)
	result.Output = out.String()
	result.Truncated = out.Truncated()
	return finish(status, code, err)
}

type frame struct {
	code int
	err  error
}

func (s *Session) run(ctx context.Context, argv []string, dir string, timeout time.Duration, cid string) (*exec.Collector, int, Status, error) {
	out := exec.NewCollector(s.maxOutput)
	marker := exec.Marker(strconv.FormatUint(s.seq.Add(1), 10) + "_" + ulid.Make().String())

	if _, err := io.WriteString(s.stdin, buildScript(argv, dir, marker)); err != nil {
		s.markDead()
		return out, -1, StatusSessionDead, fault.Wrap(fault.SessionDead, cid, err, "shell input closed")
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var pid int
	select {
	case p, ok := <-s.pids:
		if !ok {
			s.markDead()
			return out, -1, StatusSessionDead, fault.New(fault.SessionDead, cid, "shell exited")
		}
		pid = p
	case <-s.exitCh:
		return out, -1, StatusSessionDead, fault.New(fault.SessionDead, cid, "shell exited")
	case <-timer.C:
		_ = s.Close()
		return out, -1, StatusSessionDead, fault.New(fault.SessionDead, cid, "shell did not launch the command")
	case <-ctx.Done():
		_ = s.Close()
		return out, -1, StatusSessionDead, fault.Wrap(fault.SessionDead, cid, ctx.Err(), "cancelled while launching")
	}
	s.jobPID.Store(int64(pid))
	defer s.jobPID.Store(0)

	done := make(chan frame, 1)
	go func() {
		code, err := exec.ReadUntilMarker(s.stdout, marker, out)
		done <- frame{code, err}
	}()

	var cause error
	select {
	case f := <-done:
		if f.err != nil {
			s.markDead()
			return out, -1, StatusSessionDead, fault.Wrap(fault.SessionDead, cid, f.err, "shell output closed")
		}
		if f.code == 0 {
			return out, 0, StatusCompleted, nil
		}
		return out, f.code, StatusFailed, nil
	case <-timer.C:
		cause = fmt.Errorf("command exceeded %s", timeout)
	case <-ctx.Done():
		cause = ctx.Err()
	}

	if err := killGroup(pid); err != nil {
		s.logger.Warn("Failed to kill job", zap.String("correlation_id", cid), zap.Int("pid", pid), zap.Error(err))
	}
	grace := time.NewTimer(killGrace)
	defer grace.Stop()
	select {
	case f := <-done:
		if f.err != nil {
			s.markDead()
		}
	case <-grace.C:
		s.logger.Warn("Shell wedged after killing job", zap.String("correlation_id", cid))
		_ = s.Close()
		<-done
	}
	return out, -1, StatusTimedOut, fault.Wrap(fault.TimedOut, cid, cause, "command timed out")
}

// buildScript runs argv as a background job in dir, reports its pid on fd 3,
// waits for it and prints the end marker with its exit status.
func buildScript(argv []string, dir, marker string) string {
	var b strings.Builder
	b.WriteString("( ")
	if dir != "" {
		b.WriteString("cd -- ")
		b.WriteString(shellQuote(dir))
		b.WriteString(" && ")
	}
	for i, arg := range argv {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(shellQuote(arg))
	}
	b.WriteString(" ) </dev/null 2>&1 3>&- &\n")
	b.WriteString("echo $! >&3\n")
	b.WriteString("wait $!\n")
	b.WriteString(exec.MarkerStatement(marker))
	b.WriteString("\n")
	return b.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func (s *Session) record(rec CommandRecord) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()

	st := &s.stats
	st.TotalCommands++
	switch rec.Status {
	case StatusCompleted:
		st.SuccessfulCommands++
	case StatusTimedOut:
		st.TimedOutCommands++
		st.FailedCommands++
	default:
		st.FailedCommands++
	}
	st.TotalDuration += rec.Duration
	st.AverageDuration = st.TotalDuration / time.Duration(st.TotalCommands)
	st.LastCommandAt = rec.At

	s.history = append(s.history, rec)
	if over := len(s.history) - s.historySize; over > 0 {
		s.history = append(s.history[:0:0], s.history[over:]...)
	}
}

// Stats returns a snapshot of the session counters. TimedOutCommands is a
// subset of FailedCommands.
func (s *Session) Stats() Stats {
	s.statsMu.Lock()
	st := s.stats
	s.statsMu.Unlock()
	st.Alive = s.Alive()
	return st
}

// History returns the most recent command records, oldest first.
func (s *Session) History() []CommandRecord {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	out := make([]CommandRecord, len(s.history))
	copy(out, s.history)
	return out
}

// Close kills the running job and the shell. It is safe to call on a dead
// session and more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.markDead()
		_ = killGroup(int(s.jobPID.Load()))
		if s.cmd != nil && s.cmd.Process != nil {
			_ = killGroup(s.cmd.Process.Pid)
		}
		if s.stdin != nil {
			_ = s.stdin.Close()
		}
		select {
		case <-s.exitCh:
		case <-time.After(killGrace):
			s.logger.Warn("Shell did not exit after kill")
		}
		// Unblocks any reader still waiting on output.
		_ = s.stdoutFile.Close()
		_ = s.ctlFile.Close()
		s.logger.Info("Shell session closed")
	})
	return nil
}
