package execsession

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mfateev/gatekeeper/internal/fault"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	requireBash(t)
	m := NewManager(testOptions(t))
	t.Cleanup(func() { _ = m.Cleanup() })
	return m
}

func TestDefaultSession_SameInstanceAndThreeCommands(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	first, err := m.DefaultSession(ctx)
	require.NoError(t, err)
	second, err := m.DefaultSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	for _, cmd := range [][]string{{"pwd"}, {"ls", "-la"}, {"echo", "hi"}} {
		res, err := first.Execute(ctx, ExecRequest{Command: cmd})
		require.NoError(t, err)
		assert.True(t, res.Success, "%v: %s", cmd, res.Output)
	}

	st := first.Stats()
	assert.Equal(t, 3, st.TotalCommands)
	assert.Equal(t, 3, st.SuccessfulCommands)
	assert.Equal(t, []string{first.ID}, m.SessionIDs())
}

func TestDefaultSession_ConcurrentFirstUse(t *testing.T) {
	m := newManager(t)

	var wg sync.WaitGroup
	ids := make([]string, 5)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if s, err := m.DefaultSession(context.Background()); err == nil {
				ids[i] = s.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Len(t, m.SessionIDs(), 1)
}

func TestCreateSession_NamesAndLookup(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	build, err := m.CreateSession(ctx, "build")
	require.NoError(t, err)
	assert.Equal(t, "build", build.Name)

	_, err = m.CreateSession(ctx, "build")
	assert.True(t, fault.Is(err, fault.Validation))
	_, err = m.CreateSession(ctx, DefaultSessionName)
	assert.True(t, fault.Is(err, fault.Validation))

	anon, err := m.CreateSession(ctx, "")
	require.NoError(t, err)
	assert.NotEmpty(t, anon.Name)

	byID, err := m.Session(build.ID)
	require.NoError(t, err)
	assert.Same(t, build, byID)
	byName, err := m.Session("build")
	require.NoError(t, err)
	assert.Same(t, build, byName)

	_, err = m.Session("sess_missing")
	assert.True(t, fault.Is(err, fault.UnknownSession))
	assert.True(t, fault.IsProgrammerError(err))

	assert.Equal(t, []string{build.ID, anon.ID}, m.SessionIDs())
	assert.Len(t, m.AllStats(), 2)
}

func TestSessions_RunConcurrently(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	a, err := m.CreateSession(ctx, "a")
	require.NoError(t, err)
	b, err := m.CreateSession(ctx, "b")
	require.NoError(t, err)

	start := time.Now()
	var wg sync.WaitGroup
	for _, s := range []*Session{a, b} {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			_, _ = s.Execute(ctx, ExecRequest{Command: []string{"sleep", "0.5"}})
		}(s)
	}
	wg.Wait()
	assert.Less(t, time.Since(start), 900*time.Millisecond)
}

func TestCloseSession(t *testing.T) {
	m := newManager(t)
	s, err := m.CreateSession(context.Background(), "tmp")
	require.NoError(t, err)

	require.NoError(t, m.CloseSession(s.ID))
	assert.False(t, s.Alive())
	assert.Empty(t, m.SessionIDs())

	err = m.CloseSession(s.ID)
	assert.True(t, fault.Is(err, fault.UnknownSession))

	// The name is free again.
	_, err = m.CreateSession(context.Background(), "tmp")
	require.NoError(t, err)
}

func TestCleanup_IdempotentAndToleratesDeadSessions(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	s, err := m.DefaultSession(ctx)
	require.NoError(t, err)
	other, err := m.CreateSession(ctx, "other")
	require.NoError(t, err)

	require.NoError(t, other.cmd.Process.Kill())
	<-other.exitCh

	require.NoError(t, m.Cleanup())
	require.NoError(t, m.Cleanup())
	assert.False(t, s.Alive())
	assert.Empty(t, m.SessionIDs())
	assert.Equal(t, ManagerStats{}, m.Probe())

	// A fresh default session is started after cleanup.
	fresh, err := m.DefaultSession(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, s.ID, fresh.ID)
}

func TestProbe(t *testing.T) {
	m := newManager(t)
	s, err := m.DefaultSession(context.Background())
	require.NoError(t, err)
	_, err = s.Execute(context.Background(), ExecRequest{Command: []string{"true"}})
	require.NoError(t, err)

	assert.Equal(t, ManagerStats{Sessions: 1, AliveSessions: 1, TotalCommands: 1}, m.Probe())
}
