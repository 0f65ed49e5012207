// Package session owns the lifecycle of one authorized tunnel: the
// shared secret and remotes negotiated with the broker, the session
// proxy that fans frames in and out, and the bookkeeping needed to
// resume a session across a dropped front-side connection.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/openuds/tunnelbroker/proxy"
	"github.com/openuds/tunnelbroker/ticket"
	"github.com/openuds/tunnelbroker/trigger"
)

// ServerRecoveryGrace is how long a session stays eligible for recovery
// after its front-side connection detaches before the server gives up
// and tears it down.
const ServerRecoveryGrace = 3 * time.Second

// SeqSnapshot is the (inbound, outbound) sequence pair captured at the
// moment of a server-side detach, used only to resume the directional
// record.Crypt contexts on recovery.
type SeqSnapshot struct {
	In  uint64
	Out uint64
}

// Session is one authorized tunnel: its crypto material, its backend
// remotes, and the proxy fanning frames between the front-side stream
// and those remotes.
type Session struct {
	ID           ticket.SessionId
	SharedSecret [32]byte
	Ticket       ticket.Ticket
	Remotes      []string

	Stop        trigger.Trigger
	ProxyHandle *proxy.Handle

	isServerRunning atomic.Bool
	isClientRunning atomic.Bool
	expired         atomic.Bool

	clientMu    sync.Mutex
	liveClients int

	seqMu sync.RWMutex
	seq   SeqSnapshot

	createdAt time.Time
}

// New builds a Session with a freshly spawned proxy, owned by the
// returned Stop trigger.
func New(id ticket.SessionId, sharedSecret [32]byte, tk ticket.Ticket, remotes []string) *Session {
	stop := trigger.New()
	return &Session{
		ID:           id,
		SharedSecret: sharedSecret,
		Ticket:       tk,
		Remotes:      remotes,
		Stop:         stop,
		ProxyHandle:  proxy.Spawn(stop),
		createdAt:    time.Now(),
	}
}

// IsServerRunning reports whether the front-side stream is attached.
func (s *Session) IsServerRunning() bool { return s.isServerRunning.Load() }

// IsClientRunning reports whether at least one backend channel is live.
func (s *Session) IsClientRunning() bool { return s.isClientRunning.Load() }

// markExpired records that this session is being torn down because its
// front-side stream never reattached within ServerRecoveryGrace, rather
// than via an explicit removal. Read back by Manager.RemoveSession to
// label the session's lifetime metric.
func (s *Session) markExpired() { s.expired.Store(true) }

// startClientChannel records one more live backend channel. A session can
// have several channels open at once (one per dialed remote); the session
// itself only stops tracking "a client is running" once every channel has
// called stopClientChannel.
func (s *Session) startClientChannel() {
	s.clientMu.Lock()
	defer s.clientMu.Unlock()
	s.liveClients++
	s.isClientRunning.Store(true)
}

// stopClientChannel records one backend channel's exit. It never tears the
// session down by itself — that is the session proxy's job, once it drains
// with no server and no clients left attached — it only keeps
// IsClientRunning accurate when multiple channels are live at once.
func (s *Session) stopClientChannel() {
	s.clientMu.Lock()
	defer s.clientMu.Unlock()
	if s.liveClients > 0 {
		s.liveClients--
	}
	if s.liveClients == 0 {
		s.isClientRunning.Store(false)
	}
}

// SetInboundSeq stores the inbound sequence to resume from on recovery.
// Called only by the goroutine that owns the inbound Crypt, so it never
// races SetOutboundSeq's writer.
func (s *Session) SetInboundSeq(in uint64) {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	s.seq.In = in
}

// SetOutboundSeq stores the outbound sequence to resume from on recovery.
func (s *Session) SetOutboundSeq(out uint64) {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	s.seq.Out = out
}

// Seq returns the stored sequence snapshot.
func (s *Session) Seq() SeqSnapshot {
	s.seqMu.RLock()
	defer s.seqMu.RUnlock()
	return s.seq
}
