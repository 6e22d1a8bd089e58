package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcperrors "github.com/WebSurfinMurf/mcp-sub001/pkg/errors"
	"github.com/WebSurfinMurf/mcp-sub001/pkg/registry"
)

func TestManager_GetChecksBackendAndPrincipal(t *testing.T) {
	a := &fakeAdapter{}
	m, _ := newTestManager(t, a, nil)

	s, err := m.Create(fakeDesc, "alice")
	require.NoError(t, err)

	got, err := m.Get(s.ID(), "fake", "alice")
	require.NoError(t, err)
	assert.Same(t, s, got)

	tests := []struct {
		name      string
		id        string
		backend   string
		principal string
	}{
		{"unknown id", "nope", "fake", "alice"},
		{"other backend", s.ID(), "other", "alice"},
		{"other principal", s.ID(), "fake", "mallory"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Get(tt.id, tt.backend, tt.principal)
			assert.True(t, mcperrors.IsCode(err, mcperrors.CodeSessionNotFound))
		})
	}
}

func TestManager_GetOrCreate(t *testing.T) {
	a := &fakeAdapter{}
	m, _ := newTestManager(t, a, nil)

	s, created, err := m.GetOrCreate("", fakeDesc, "alice")
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := m.GetOrCreate(s.ID(), fakeDesc, "alice")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, s, again)

	_, _, err = m.GetOrCreate("missing", fakeDesc, "alice")
	assert.True(t, mcperrors.IsCode(err, mcperrors.CodeSessionNotFound))
}

func TestManager_IdleSweepClosesQuietSessions(t *testing.T) {
	a := &fakeAdapter{}
	m, obs := newTestManager(t, a, func(o *Options) {
		o.IdleTimeout = 50 * time.Millisecond
		o.IdleSweepInterval = 10 * time.Millisecond
	})

	quiet, err := m.Create(fakeDesc, "alice")
	require.NoError(t, err)
	busy, err := m.Create(fakeDesc, "bob")
	require.NoError(t, err)

	stop := time.After(150 * time.Millisecond)
keepalive:
	for {
		select {
		case <-stop:
			break keepalive
		case <-time.After(10 * time.Millisecond):
			require.NoError(t, m.Keepalive(busy.ID()))
		}
	}

	waitClosed(t, quiet)
	assert.Equal(t, ReasonIdle, quiet.CloseReason())
	assert.NotEqual(t, StateClosed, busy.State())
	assert.Equal(t, 1, m.Len())

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Contains(t, obs.reasons, ReasonIdle)
}

func TestManager_SweepIdleDirect(t *testing.T) {
	a := &fakeAdapter{}
	m, _ := newTestManager(t, a, func(o *Options) { o.IdleTimeout = time.Minute })

	s, err := m.Create(fakeDesc, "alice")
	require.NoError(t, err)

	assert.Equal(t, 0, m.sweepIdle(time.Now()))
	assert.Equal(t, 1, m.sweepIdle(time.Now().Add(2*time.Minute)))
	waitClosed(t, s)
}

func TestManager_UnclaimedSessionsReclaimedSooner(t *testing.T) {
	a := &fakeAdapter{}
	m, obs := newTestManager(t, a, func(o *Options) {
		o.IdleTimeout = time.Hour
		o.UnclaimedTimeout = time.Minute
	})

	abandoned, err := m.Create(fakeDesc, "alice")
	require.NoError(t, err)
	held, err := m.Create(fakeDesc, "alice")
	require.NoError(t, err)
	_, err = m.Get(held.ID(), "fake", "alice")
	require.NoError(t, err)
	assert.False(t, abandoned.Claimed())
	assert.True(t, held.Claimed())

	assert.Equal(t, 0, m.sweepIdle(time.Now()))
	assert.Equal(t, 1, m.sweepIdle(time.Now().Add(2*time.Minute)))
	waitClosed(t, abandoned)
	assert.Equal(t, ReasonUnclaimed, abandoned.CloseReason())
	assert.NotEqual(t, StateClosed, held.State())

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Contains(t, obs.reasons, ReasonUnclaimed)
}

func TestManager_UnclaimedSessionWithRequestInFlightSurvives(t *testing.T) {
	a := &fakeAdapter{}
	m, _ := newTestManager(t, a, func(o *Options) {
		o.IdleTimeout = time.Hour
		o.UnclaimedTimeout = time.Minute
		o.RequestDeadline = time.Hour
	})

	s, err := m.Create(fakeDesc, "alice")
	require.NoError(t, err)
	_, err = s.Dispatch(context.Background(), msg(t, `{"jsonrpc":"2.0","id":1,"method":"tools/call"}`))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.Info().Pending == 1 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, 0, m.sweepIdle(time.Now().Add(2*time.Minute)))
	assert.NotEqual(t, StateClosed, s.State())
}

func TestManager_SessionCapPerBackend(t *testing.T) {
	a := &fakeAdapter{}
	m, _ := newTestManager(t, a, func(o *Options) { o.MaxSessionsPerBackend = 2 })

	first, err := m.Create(fakeDesc, "alice")
	require.NoError(t, err)
	_, err = m.Create(fakeDesc, "bob")
	require.NoError(t, err)

	_, err = m.Create(fakeDesc, "carol")
	require.Error(t, err)
	assert.Equal(t, mcperrors.ClassBackendUnavailable, mcperrors.ClassOf(err))

	other := fakeDesc
	other.Name = "other"
	_, err = m.Create(other, "carol")
	require.NoError(t, err)

	first.Close()
	waitClosed(t, first)
	require.Eventually(t, func() bool { return m.CountByBackend()["fake"] == 1 }, time.Second, 5*time.Millisecond)
	_, err = m.Create(fakeDesc, "carol")
	assert.NoError(t, err)
}

func TestManager_CloseDrainsGracefully(t *testing.T) {
	a := &fakeAdapter{}
	m, _ := newTestManager(t, a, nil)

	s, err := m.Create(fakeDesc, "alice")
	require.NoError(t, err)
	conv := waitConv(t, a, 0)

	p, err := s.Dispatch(context.Background(), msg(t, `{"id":1,"method":"a"}`))
	require.NoError(t, err)
	sentWithin(t, conv)

	reply := msg(t, `{"id":1,"result":true}`)
	go func() {
		time.Sleep(30 * time.Millisecond)
		conv.recv <- reply
	}()

	require.NoError(t, m.Close(context.Background(), s.ID()))
	got, err := p.Result()
	require.NoError(t, err)
	assert.JSONEq(t, `true`, string(got.Result))
	assert.Equal(t, 0, m.Len())

	err = m.Close(context.Background(), s.ID())
	assert.True(t, mcperrors.IsCode(err, mcperrors.CodeSessionNotFound))
}

func TestManager_CloseForcesAfterContext(t *testing.T) {
	a := &fakeAdapter{}
	m, _ := newTestManager(t, a, nil)

	s, err := m.Create(fakeDesc, "alice")
	require.NoError(t, err)
	conv := waitConv(t, a, 0)

	p, err := s.Dispatch(context.Background(), msg(t, `{"id":1,"method":"never"}`))
	require.NoError(t, err)
	sentWithin(t, conv)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.NoError(t, m.Close(ctx, s.ID()))

	_, err = p.Result()
	assert.Equal(t, mcperrors.ClassTransportFailure, mcperrors.ClassOf(err))
	assert.Equal(t, StateClosed, s.State())
}

func TestManager_CloseBackend(t *testing.T) {
	a := &fakeAdapter{}
	m, _ := newTestManager(t, a, nil)

	other := registry.Descriptor{Name: "other", Kind: registry.KindStream, Address: "ws://other"}
	s1, err := m.Create(fakeDesc, "alice")
	require.NoError(t, err)
	s2, err := m.Create(fakeDesc, "bob")
	require.NoError(t, err)
	keep, err := m.Create(other, "alice")
	require.NoError(t, err)

	assert.Equal(t, map[string]int{"fake": 2, "other": 1}, m.CountByBackend())
	assert.Equal(t, 2, m.CloseBackend("fake", ReasonRegistry))

	waitClosed(t, s1)
	waitClosed(t, s2)
	assert.Equal(t, ReasonRegistry, s1.CloseReason())
	assert.NotEqual(t, StateClosed, keep.State())
	assert.Equal(t, map[string]int{"other": 1}, m.CountByBackend())
}

func TestManager_ListIsOldestFirst(t *testing.T) {
	a := &fakeAdapter{}
	m, _ := newTestManager(t, a, nil)

	first, err := m.Create(fakeDesc, "alice")
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	second, err := m.Create(fakeDesc, "alice")
	require.NoError(t, err)

	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, first.ID(), list[0].ID)
	assert.Equal(t, second.ID(), list[1].ID)
	assert.Equal(t, "fake", list[0].Backend)
}

func TestManager_ShutdownRefusesNewSessions(t *testing.T) {
	a := &fakeAdapter{}
	m := NewManager(a, Options{SweepInterval: 5 * time.Millisecond})

	s, err := m.Create(fakeDesc, "alice")
	require.NoError(t, err)
	waitConv(t, a, 0)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, ReasonShutdown, s.CloseReason())

	_, err = m.Create(fakeDesc, "alice")
	assert.Equal(t, mcperrors.ClassBackendUnavailable, mcperrors.ClassOf(err))
}
