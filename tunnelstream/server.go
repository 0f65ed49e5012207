// Package tunnelstream bridges a tunnel session's proxy to the two real
// sockets it connects: the encrypted front-side client connection
// (TunnelServerStream) and each plaintext backend connection
// (TunnelClientStream).
package tunnelstream

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"github.com/openuds/tunnelbroker/internal/logger"
	"github.com/openuds/tunnelbroker/internal/metrics"
	"github.com/openuds/tunnelbroker/proxy"
	"github.com/openuds/tunnelbroker/record"
	"github.com/openuds/tunnelbroker/session"
	"github.com/openuds/tunnelbroker/ticket"
	"github.com/openuds/tunnelbroker/trigger"
)

// channelTagLength is the size of the big-endian channel id prefix on
// every plaintext frame carried over the front-side stream.
const channelTagLength = 2

// TunnelServerStream owns the front-facing encrypted connection: it
// decrypts inbound records into channel-tagged frames for the proxy, and
// encrypts proxy-sourced frames back out to the client.
type TunnelServerStream struct {
	sessionID ticket.SessionId
	conn      net.Conn
	manager   *session.Manager
	proxy     *proxy.Handle

	inbound  *record.Crypt
	outbound *record.Crypt

	endpoints proxy.ServerEndpoints
	stop      trigger.Trigger // session-wide
}

// NewServerStream builds a TunnelServerStream for an already-attached
// session. Run spawns its goroutines; it does not block.
func NewServerStream(sessionID ticket.SessionId, conn net.Conn, inbound, outbound *record.Crypt, endpoints proxy.ServerEndpoints, stop trigger.Trigger, manager *session.Manager, handle *proxy.Handle) *TunnelServerStream {
	return &TunnelServerStream{
		sessionID: sessionID,
		conn:      conn,
		manager:   manager,
		proxy:     handle,
		inbound:   inbound,
		outbound:  outbound,
		endpoints: endpoints,
		stop:      stop,
	}
}

// Run spawns the inbound and outbound goroutines plus the supervisor that
// marks the session's server side started/stopped around their joint
// lifetime. It returns immediately.
func (s *TunnelServerStream) Run() {
	localStop := trigger.New()

	go s.runInbound(localStop)
	go s.runOutbound(localStop)
	go s.supervise(localStop)
}

func (s *TunnelServerStream) runInbound(localStop trigger.Trigger) {
	defer localStop.Fire()
	defer s.snapshotInboundSeq()

	ctx, cancel := contextUntil(localStop)
	defer cancel()

	var scratch record.PacketBuffer
	for {
		plaintext, err := s.inbound.Read(ctx, s.conn, &scratch)
		if err != nil {
			if errors.Is(err, record.ErrReplay) {
				metrics.ReplayAttacksDetected.Inc()
			}
			logger.Warn("server stream inbound read failed",
				logger.String("session_id", s.sessionID.String()), logger.Error(err))
			return
		}
		if plaintext == nil {
			return // clean EOF
		}
		frame, err := DecodeFrame(plaintext)
		if err != nil {
			logger.Warn("server stream received malformed frame",
				logger.String("session_id", s.sessionID.String()), logger.Error(err))
			return
		}
		select {
		case s.endpoints.Inbound <- frame:
		case <-localStop.Done():
			return
		}
	}
}

func (s *TunnelServerStream) runOutbound(localStop trigger.Trigger) {
	defer localStop.Fire()
	defer s.snapshotOutboundSeq()

	for {
		select {
		case <-localStop.Done():
			return
		case frame := <-s.endpoints.Outbound:
			if err := s.outbound.Write(s.conn, EncodeFrame(frame)); err != nil {
				logger.Warn("server stream outbound write failed",
					logger.String("session_id", s.sessionID.String()), logger.Error(err))
				return
			}
		}
	}
}

// snapshotInboundSeq and snapshotOutboundSeq persist each direction's
// Crypt sequence into the Session so a later recovery can resume from
// it. Each is called only by the goroutine that exclusively owns that
// direction's Crypt, so the two never race each other.
func (s *TunnelServerStream) snapshotInboundSeq() {
	if sess, ok := s.manager.GetSession(s.sessionID); ok {
		sess.SetInboundSeq(s.inbound.CurrentSeq())
	}
}

func (s *TunnelServerStream) snapshotOutboundSeq() {
	if sess, ok := s.manager.GetSession(s.sessionID); ok {
		sess.SetOutboundSeq(s.outbound.CurrentSeq())
	}
}

// supervise marks the session's server side running until either the
// session-wide stop or this stream's own local stop fires, then marks it
// stopped — triggering SessionManager's recovery grace window.
func (s *TunnelServerStream) supervise(localStop trigger.Trigger) {
	s.manager.StartServer(s.sessionID)

	select {
	case <-s.stop.Done():
		localStop.Fire()
	case <-localStop.Done():
	}

	// Unlike the split-stream ownership the teardown reads were modeled on,
	// this stream owns conn outright: closing it here is what actually
	// unblocks a run goroutine parked in a blocking read or write.
	s.conn.Close()
	s.manager.StopServer(s.sessionID)
	if s.proxy != nil {
		s.proxy.DetachServer()
	}
}

// DecodeFrame splits a decrypted front-side payload into its channel id
// and data. Exported so the connection dispatcher can decode the
// post-handshake ticket echo using the same framing.
func DecodeFrame(plaintext []byte) (proxy.Frame, error) {
	if len(plaintext) < channelTagLength {
		return proxy.Frame{}, fmt.Errorf("tunnelstream: frame shorter than channel tag")
	}
	channelID := binary.BigEndian.Uint16(plaintext[:channelTagLength])
	data := make([]byte, len(plaintext)-channelTagLength)
	copy(data, plaintext[channelTagLength:])
	return proxy.Frame{ChannelID: channelID, Data: data}, nil
}

// EncodeFrame is DecodeFrame's inverse, exported for the same reason.
func EncodeFrame(frame proxy.Frame) []byte {
	out := make([]byte, channelTagLength+len(frame.Data))
	binary.BigEndian.PutUint16(out[:channelTagLength], frame.ChannelID)
	copy(out[channelTagLength:], frame.Data)
	return out
}

// contextUntil returns a context canceled when t fires, paired with a
// cancel func the caller must invoke to release the watcher goroutine.
func contextUntil(t trigger.Trigger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-t.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
