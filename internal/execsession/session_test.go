package execsession

import (
	"context"
	"os"
	osexec "os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/mfateev/gatekeeper/internal/execenv"
	"github.com/mfateev/gatekeeper/internal/execpolicy"
	"github.com/mfateev/gatekeeper/internal/fault"
	"github.com/mfateev/gatekeeper/internal/permission"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func requireBash(t *testing.T) {
	t.Helper()
	if _, err := osexec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
}

func testOptions(t *testing.T) Options {
	t.Helper()
	dir := t.TempDir()
	return Options{
		Dir:        dir,
		Authorizer: permission.NewEngine(permission.Options{ProjectRoot: dir}),
		Logger:     zaptest.NewLogger(t),
	}
}

func startSession(t *testing.T, opts Options) *Session {
	t.Helper()
	requireBash(t)
	s, err := Start(context.Background(), "test", opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestExecute_Echo(t *testing.T) {
	s := startSession(t, testOptions(t))

	res, err := s.Execute(context.Background(), ExecRequest{Command: []string{"echo", "hello world"}, CorrelationID: "c-1"})
	require.NoError(t, err)
	assert.Equal(t, "hello world\n", res.Output)
	assert.Equal(t, 0, res.ExitCode)
	assert.True(t, res.Success)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, "c-1", res.CorrelationID)
	assert.Equal(t, s.ID, res.SessionID)
}

func TestExecute_QuotingIsLiteral(t *testing.T) {
	s := startSession(t, testOptions(t))

	res, err := s.Execute(context.Background(), ExecRequest{Command: []string{"printf", "%s|", "it's", "$HOME", "a b"}})
	require.NoError(t, err)
	assert.Equal(t, "it's|$HOME|a b|", res.Output)
}

func TestExecute_NonZeroExitIsNormalResult(t *testing.T) {
	s := startSession(t, testOptions(t))

	res, err := s.Execute(context.Background(), ExecRequest{Command: []string{"bash", "-c", "echo oops >&2; exit 3"}})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.False(t, res.Success)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, "oops\n", res.Output, "stderr is merged into the output")
}

func TestExecute_WorkingDirectory(t *testing.T) {
	opts := testOptions(t)
	sub := filepath.Join(opts.Dir, "sub")
	require.NoError(t, os.Mkdir(sub, 0o755))
	s := startSession(t, opts)

	res, err := s.Execute(context.Background(), ExecRequest{Command: []string{"pwd"}, WorkingDir: "sub"})
	require.NoError(t, err)
	want, _ := filepath.EvalSymlinks(sub)
	got, _ := filepath.EvalSymlinks(strings.TrimSpace(res.Output))
	assert.Equal(t, want, got)

	// The shell's own directory is unchanged for the next command.
	res, err = s.Execute(context.Background(), ExecRequest{Command: []string{"pwd"}})
	require.NoError(t, err)
	want, _ = filepath.EvalSymlinks(opts.Dir)
	got, _ = filepath.EvalSymlinks(strings.TrimSpace(res.Output))
	assert.Equal(t, want, got)

	res, err = s.Execute(context.Background(), ExecRequest{Command: []string{"pwd"}, WorkingDir: "missing"})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
}

func TestExecute_EmptyCommandIsNotCounted(t *testing.T) {
	s := startSession(t, testOptions(t))

	_, err := s.Execute(context.Background(), ExecRequest{})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.Validation))
	assert.Equal(t, 0, s.Stats().TotalCommands)
}

func TestExecute_DeniedDoesNoProcessWork(t *testing.T) {
	opts := testOptions(t)
	policy, err := execpolicy.ParsePolicy("t", `prefix_rule(pattern=["touch"], decision="forbidden", justification="read-only")`)
	require.NoError(t, err)
	opts.Authorizer = permission.NewEngine(permission.Options{
		Policy:      execpolicy.NewStaticPolicyManager(policy, false),
		ProjectRoot: opts.Dir,
	})
	s := startSession(t, opts)

	res, err := s.Execute(context.Background(), ExecRequest{Command: []string{"touch", "marker"}, CorrelationID: "deny-1"})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.PermissionDenied))
	assert.Contains(t, err.Error(), "read-only")
	assert.Equal(t, StatusDenied, res.Status)
	assert.Equal(t, "deny-1", res.CorrelationID)
	assert.NoFileExists(t, filepath.Join(opts.Dir, "marker"))

	st := s.Stats()
	assert.Equal(t, 1, st.TotalCommands)
	assert.Equal(t, 1, st.FailedCommands)
}

func TestExecute_TimeoutKillsJobAndKeepsShell(t *testing.T) {
	s := startSession(t, testOptions(t))

	start := time.Now()
	res, err := s.Execute(context.Background(), ExecRequest{
		Command: []string{"bash", "-c", "echo started; sleep 30"},
		Timeout: 300 * time.Millisecond,
	})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.TimedOut))
	assert.Equal(t, StatusTimedOut, res.Status)
	assert.False(t, res.Success)
	assert.Less(t, elapsed, 3*time.Second)
	assert.Contains(t, res.Output, "started")

	res, err = s.Execute(context.Background(), ExecRequest{Command: []string{"echo", "still alive"}})
	require.NoError(t, err)
	assert.Equal(t, "still alive\n", res.Output)

	st := s.Stats()
	assert.Equal(t, 2, st.TotalCommands)
	assert.Equal(t, 1, st.SuccessfulCommands)
	assert.Equal(t, 1, st.TimedOutCommands)
	assert.True(t, st.Alive)
}

func TestExecute_ContextCancel(t *testing.T) {
	s := startSession(t, testOptions(t))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	res, err := s.Execute(ctx, ExecRequest{Command: []string{"sleep", "30"}, Timeout: time.Minute})
	assert.True(t, fault.Is(err, fault.TimedOut))
	assert.Equal(t, StatusTimedOut, res.Status)
	assert.True(t, s.Alive())
}

func TestExecute_DeadSessionIsNotResurrected(t *testing.T) {
	s := startSession(t, testOptions(t))

	require.NoError(t, s.cmd.Process.Kill())
	select {
	case <-s.exitCh:
	case <-time.After(5 * time.Second):
		t.Fatal("shell did not exit")
	}

	for i := 0; i < 2; i++ {
		res, err := s.Execute(context.Background(), ExecRequest{Command: []string{"echo", "hi"}})
		assert.True(t, fault.Is(err, fault.SessionDead))
		assert.Equal(t, StatusSessionDead, res.Status)
	}
	st := s.Stats()
	assert.False(t, st.Alive)
	assert.Equal(t, 2, st.TotalCommands)
	assert.Equal(t, 2, st.FailedCommands)
}

func TestExecute_OutputTruncated(t *testing.T) {
	opts := testOptions(t)
	opts.MaxOutputBytes = 64
	s := startSession(t, opts)

	res, err := s.Execute(context.Background(), ExecRequest{Command: []string{"seq", "1", "2000"}})
	require.NoError(t, err)
	assert.True(t, res.Truncated)
	assert.True(t, strings.HasPrefix(res.Output, "1\n2\n3\n"))
	assert.True(t, strings.HasSuffix(res.Output, "1999\n2000\n"))
	assert.Contains(t, res.Output, "bytes truncated")
}

func TestExecute_EnvironmentPolicy(t *testing.T) {
	t.Setenv("GK_SECRET_TOKEN", "hunter2")
	opts := testOptions(t)
	opts.Env = execenv.Policy{Set: map[string]string{"GK_MODE": "test"}}
	s := startSession(t, opts)

	res, err := s.Execute(context.Background(), ExecRequest{Command: []string{"bash", "-c", `echo "$GK_MODE:$GK_SECRET_TOKEN"`}})
	require.NoError(t, err)
	assert.Equal(t, "test:\n", res.Output)
}

func TestStats_ConcurrentExecutions(t *testing.T) {
	s := startSession(t, testOptions(t))

	const workers, perWorker = 4, 5
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				cmd := []string{"true"}
				if i%2 == 1 {
					cmd = []string{"false"}
				}
				_, _ = s.Execute(context.Background(), ExecRequest{Command: cmd})
			}
		}(w)
	}
	wg.Wait()

	st := s.Stats()
	assert.Equal(t, workers*perWorker, st.TotalCommands)
	assert.Equal(t, workers*3, st.SuccessfulCommands)
	assert.Equal(t, workers*2, st.FailedCommands)

	var sum time.Duration
	history := s.History()
	require.Len(t, history, workers*perWorker)
	for _, rec := range history {
		sum += rec.Duration
	}
	assert.Equal(t, sum, st.TotalDuration)
	assert.Equal(t, sum/time.Duration(len(history)), st.AverageDuration)
}

func TestHistory_Bounded(t *testing.T) {
	opts := testOptions(t)
	opts.HistorySize = 2
	s := startSession(t, opts)

	for _, word := range []string{"a", "b", "c"} {
		_, err := s.Execute(context.Background(), ExecRequest{Command: []string{"echo", word}})
		require.NoError(t, err)
	}
	history := s.History()
	require.Len(t, history, 2)
	assert.Equal(t, "echo b", history[0].Command)
	assert.Equal(t, "echo c", history[1].Command)
	assert.Equal(t, 3, s.Stats().TotalCommands)
}

func TestBuildScript(t *testing.T) {
	script := buildScript([]string{"echo", "it's"}, "/tmp/a b", "__GK_END_x")
	assert.Equal(t, "( cd -- '/tmp/a b' && 'echo' 'it'\\''s' ) </dev/null 2>&1 3>&- &\n"+
		"echo $! >&3\n"+
		"wait $!\n"+
		"printf '\\n__GK_END_x_%d\\n' \"$?\"\n", script)
}

func TestStart_RequiresAuthorizer(t *testing.T) {
	_, err := Start(context.Background(), "x", Options{})
	require.Error(t, err)
}

func TestStart_BadShell(t *testing.T) {
	opts := testOptions(t)
	opts.Shell = filepath.Join(t.TempDir(), "no-such-shell")
	_, err := Start(context.Background(), "x", opts)
	require.Error(t, err)
}
