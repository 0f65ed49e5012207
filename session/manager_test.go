package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openuds/tunnelbroker/ticket"
)

func newTestSession(t *testing.T) *Session {
	t.Helper()
	id, err := ticket.NewSessionId()
	require.NoError(t, err)
	tk, err := ticket.New()
	require.NoError(t, err)
	return New(id, [32]byte{1, 2, 3}, tk, []string{"10.0.0.1:80"})
}

func TestAddAndGetSession(t *testing.T) {
	m := NewManager()
	s := newTestSession(t)
	m.AddSession(s)

	got, ok := m.GetSession(s.ID)
	require.True(t, ok)
	assert.Same(t, s, got)

	// AddSession also registers the canonical id as its own equivalent.
	equivSess, ok := m.GetEquivSession(s.ID)
	require.True(t, ok)
	assert.Same(t, s, equivSess)
}

func TestRemoveSessionFiresStopAndDropsEquivs(t *testing.T) {
	m := NewManager()
	s := newTestSession(t)
	m.AddSession(s)

	equivID, err := m.CreateEquivSession(s.ID)
	require.NoError(t, err)

	m.RemoveSession(s.ID)

	require.True(t, s.Stop.WaitTimeout(time.Second))
	_, ok := m.GetSession(s.ID)
	assert.False(t, ok)
	_, ok = m.GetEquivSession(s.ID)
	assert.False(t, ok)
	_, ok = m.GetEquivSession(equivID)
	assert.False(t, ok)
}

func TestSessionRemovedWhenStopFiresDirectly(t *testing.T) {
	m := NewManager()
	s := newTestSession(t)
	m.AddSession(s)

	s.Stop.Fire()

	assert.Eventually(t, func() bool {
		_, ok := m.GetSession(s.ID)
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestCreateEquivSessionRespectsCapacity(t *testing.T) {
	m := NewManager()
	s := newTestSession(t)
	m.AddSession(s)
	// AddSession already consumed one equivs slot (the canonical entry).

	for i := 0; i < MaxEquivEntries-1; i++ {
		_, err := m.CreateEquivSession(s.ID)
		require.NoError(t, err, "iteration %d", i)
	}

	_, err := m.CreateEquivSession(s.ID)
	assert.Error(t, err)
}

func TestGetEquivSessionUnknownID(t *testing.T) {
	m := NewManager()
	unknown, err := ticket.NewSessionId()
	require.NoError(t, err)
	_, ok := m.GetEquivSession(unknown)
	assert.False(t, ok)
}

func TestCleanupEquivSessionsDropsStaleEntries(t *testing.T) {
	m := NewManager()
	s := newTestSession(t)
	m.AddSession(s)

	equivID, err := m.CreateEquivSession(s.ID)
	require.NoError(t, err)

	m.CleanupEquivSessions(0) // everything is "stale" relative to a zero max age

	_, ok := m.GetEquivSession(equivID)
	assert.False(t, ok)
	// The session itself is untouched by equivs cleanup.
	_, ok = m.GetSession(s.ID)
	assert.True(t, ok)
}

func TestStartStopServerGrantsRecoveryGraceBeforeTeardown(t *testing.T) {
	m := NewManager()
	s := newTestSession(t)
	m.AddSession(s)

	m.StartServer(s.ID)
	assert.True(t, s.IsServerRunning())

	m.StopServer(s.ID)
	assert.False(t, s.IsServerRunning())

	// Immediately after StopServer the session must still exist: it is
	// eligible for recovery during the grace window.
	_, ok := m.GetSession(s.ID)
	assert.True(t, ok, "session removed before recovery grace elapsed")

	// Reattaching within the grace window cancels the teardown.
	m.StartServer(s.ID)

	time.Sleep(ServerRecoveryGrace + 200*time.Millisecond)
	_, ok = m.GetSession(s.ID)
	assert.True(t, ok, "session with a reattached server was torn down")
}

func TestStopServerWithoutReattachTearsDownAfterGrace(t *testing.T) {
	m := NewManager()
	s := newTestSession(t)
	m.AddSession(s)

	m.StartServer(s.ID)
	m.StopServer(s.ID)

	assert.Eventually(t, func() bool {
		_, ok := m.GetSession(s.ID)
		return !ok
	}, ServerRecoveryGrace+time.Second, 10*time.Millisecond)
}

func TestStopClientTracksLiveChannelCountAndIsNotTerminal(t *testing.T) {
	m := NewManager()
	s := newTestSession(t)
	m.AddSession(s)

	m.StartClient(s.ID) // channel 1
	assert.True(t, s.IsClientRunning())

	m.StartClient(s.ID) // channel 2
	m.StopClient(s.ID)  // channel 1 exits
	assert.True(t, s.IsClientRunning(), "channel 2 is still live")

	m.StopClient(s.ID) // channel 2 exits
	assert.False(t, s.IsClientRunning())

	// StopClient never tears the session down on its own: that is the
	// session proxy's job once it drains.
	_, ok := m.GetSession(s.ID)
	assert.True(t, ok)
}

func TestGetSessionManagerLazyInitAndOverride(t *testing.T) {
	original := GetSessionManager()
	require.NotNil(t, original)
	assert.Same(t, original, GetSessionManager())

	override := NewManager()
	SetSessionManagerForTest(override)
	assert.Same(t, override, GetSessionManager())

	SetSessionManagerForTest(nil)
	fresh := GetSessionManager()
	assert.NotSame(t, override, fresh)
}
