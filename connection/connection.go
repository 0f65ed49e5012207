// tunnelbroker - post-quantum secured TCP tunnel broker
// Copyright (C) 2026 tunnelbroker contributors
//
// This file is part of tunnelbroker.
//
// tunnelbroker is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// tunnelbroker is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with tunnelbroker. If not, see <https://www.gnu.org/licenses/>.

// Package connection is the top-level per-accept coordinator: it reads
// the handshake, dispatches to the Open, Recover, or Test path, and wires
// a successful Open or Recover into a running session.
package connection

import (
	"context"
	"encoding/binary"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/openuds/tunnelbroker/broker"
	"github.com/openuds/tunnelbroker/handshake"
	"github.com/openuds/tunnelbroker/internal/logger"
	"github.com/openuds/tunnelbroker/internal/metrics"
	"github.com/openuds/tunnelbroker/proxy"
	"github.com/openuds/tunnelbroker/record"
	"github.com/openuds/tunnelbroker/session"
	"github.com/openuds/tunnelbroker/ticket"
	"github.com/openuds/tunnelbroker/tunnelkey"
	"github.com/openuds/tunnelbroker/tunnelstream"
)

// openResponseLength is the fixed size of the post-handshake OpenResponse
// frame: session_id(48) || channel_count(2, BE) || reserved(6, zero).
const openResponseLength = ticket.Length + 2 + 6

// Broker is the narrow surface HandleConnection needs from an
// authorization broker client, letting tests substitute a fake.
type Broker interface {
	Start(ctx context.Context, tk ticket.Ticket, remoteIP net.IP) (broker.TicketResponse, error)
	Stop(ctx context.Context, tk ticket.Ticket, sent, recv uint64)
}

// HandleConnection dispatches one accepted connection through the
// handshake and, on success, into a newly created or recovered session.
// It wires everything up and returns once the session's streams are
// spawned (or immediately, on Test or any failure). On Test and on every
// failure path HandleConnection closes conn itself; along the
// Open/Recover success paths ownership passes to the spawned
// TunnelServerStream.
func HandleConnection(ctx context.Context, conn net.Conn, b Broker, manager *session.Manager) {
	connID := uuid.New().String()
	log := logger.GetDefaultLogger().WithFields(logger.String("conn_id", connID))

	req, err := handshake.Read(ctx, conn)
	if err != nil {
		log.Debug("handshake rejected", logger.Error(err))
		metrics.HandshakeFailuresByIP.WithLabelValues(sourceIPLabel(conn)).Inc()
		metrics.HandshakesFailed.WithLabelValues("malformed_handshake").Inc()
		conn.Close()
		return
	}

	switch req.Command {
	case handshake.CommandTest:
		metrics.HandshakesInitiated.WithLabelValues("test").Inc()
		metrics.HandshakesCompleted.WithLabelValues("success").Inc()
		conn.Close()

	case handshake.CommandOpen:
		metrics.HandshakesInitiated.WithLabelValues("open").Inc()
		handleOpen(ctx, conn, req.Ticket, connID, b, manager)

	case handshake.CommandRecover:
		metrics.HandshakesInitiated.WithLabelValues("recover").Inc()
		handleRecover(ctx, conn, req.Ticket, connID, manager)

	default:
		metrics.HandshakesInitiated.WithLabelValues("unknown").Inc()
		metrics.HandshakesFailed.WithLabelValues("unknown_command").Inc()
		conn.Close()
	}
}

func handleOpen(ctx context.Context, conn net.Conn, tk ticket.Ticket, connID string, b Broker, manager *session.Manager) {
	log := logger.GetDefaultLogger().WithFields(logger.String("conn_id", connID))
	started := time.Now()

	resp, err := b.Start(ctx, tk, remoteIP(conn))
	if err != nil {
		log.Warn("broker start failed", logger.Error(err))
		metrics.HandshakesFailed.WithLabelValues("broker_start_failure").Inc()
		conn.Close()
		return
	}

	sharedSecret, err := resp.SharedSecretBytes()
	if err != nil {
		log.Warn("broker returned malformed shared secret", logger.Error(err))
		metrics.HandshakesFailed.WithLabelValues("malformed_shared_secret").Inc()
		conn.Close()
		return
	}
	var secretArr [32]byte
	copy(secretArr[:], sharedSecret)

	remotes := make([]string, len(resp.Remotes))
	for i, r := range resp.Remotes {
		remotes[i] = net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
	}

	sessionID, err := ticket.NewSessionId()
	if err != nil {
		log.Warn("failed to generate session id", logger.Error(err))
		metrics.HandshakesFailed.WithLabelValues("session_id_generation").Inc()
		conn.Close()
		return
	}

	sess := session.New(sessionID, secretArr, tk, remotes)
	manager.AddSession(sess)
	log = log.WithFields(logger.String("session_id", sessionID.String()))
	go watchSessionStop(b, sess)

	material, err := tunnelkey.DeriveTunnelMaterial(sharedSecret, tk.Bytes())
	if err != nil {
		log.Warn("failed to derive tunnel material", logger.Error(err))
		metrics.HandshakesFailed.WithLabelValues("key_derivation_failure").Inc()
		manager.RemoveSession(sessionID)
		conn.Close()
		return
	}
	inbound, outbound, err := tunnelkey.GetTunnelCrypts(material)
	if err != nil {
		log.Warn("failed to build tunnel crypts", logger.Error(err))
		metrics.HandshakesFailed.WithLabelValues("crypt_init_failure").Inc()
		manager.RemoveSession(sessionID)
		conn.Close()
		return
	}

	echoChannel, ok := readTicketEcho(ctx, conn, inbound, tk.Bytes(), log)
	if !ok {
		manager.RemoveSession(sessionID)
		conn.Close()
		return
	}

	responsePayload := buildOpenResponse(sessionID, uint16(len(remotes)))
	if err := outbound.Write(conn, tunnelstream.EncodeFrame(proxy.Frame{ChannelID: echoChannel, Data: responsePayload})); err != nil {
		log.Warn("failed to write open response", logger.Error(err))
		metrics.HandshakesFailed.WithLabelValues("response_write_failure").Inc()
		manager.RemoveSession(sessionID)
		conn.Close()
		return
	}

	for i, remote := range remotes {
		channelID := uint16(i + 1)
		backendConn, err := net.Dial("tcp", remote)
		if err != nil {
			log.Warn("failed to dial backend remote", logger.String("remote", remote), logger.Error(err))
			continue
		}
		endpoints := sess.ProxyHandle.AttachClient(channelID)
		tunnelstream.NewClientStream(sessionID, channelID, backendConn, endpoints, sess.Stop, manager, sess.ProxyHandle).Run()
	}

	serverEndpoints := sess.ProxyHandle.AttachServer()
	tunnelstream.NewServerStream(sessionID, conn, inbound, outbound, serverEndpoints, sess.Stop, manager, sess.ProxyHandle).Run()

	metrics.HandshakesCompleted.WithLabelValues("success").Inc()
	metrics.HandshakeDuration.WithLabelValues("open").Observe(time.Since(started).Seconds())
}

func handleRecover(ctx context.Context, conn net.Conn, recoverTicket ticket.Ticket, connID string, manager *session.Manager) {
	log := logger.GetDefaultLogger().WithFields(logger.String("conn_id", connID))
	started := time.Now()

	recoverID := recoverTicket.AsSessionId()
	sess, ok := manager.GetEquivSession(recoverID)
	if !ok {
		log.Debug("recover requested unknown or expired session")
		metrics.HandshakesFailed.WithLabelValues("unknown_session").Inc()
		conn.Close()
		return
	}
	log = log.WithFields(logger.String("session_id", sess.ID.String()))

	material, err := tunnelkey.DeriveTunnelMaterial(sess.SharedSecret[:], sess.Ticket.Bytes())
	if err != nil {
		log.Warn("failed to derive tunnel material on recover", logger.Error(err))
		metrics.HandshakesFailed.WithLabelValues("key_derivation_failure").Inc()
		manager.RemoveSession(sess.ID)
		conn.Close()
		return
	}
	inbound, outbound, err := tunnelkey.GetTunnelCrypts(material)
	if err != nil {
		log.Warn("failed to build tunnel crypts on recover", logger.Error(err))
		metrics.HandshakesFailed.WithLabelValues("crypt_init_failure").Inc()
		manager.RemoveSession(sess.ID)
		conn.Close()
		return
	}

	snapshot := sess.Seq()
	inbound.SetSeq(snapshot.In)
	outbound.SetSeq(snapshot.Out)

	echoChannel, ok := readTicketEcho(ctx, conn, inbound, recoverTicket.Bytes(), log)
	if !ok {
		manager.RemoveSession(sess.ID)
		conn.Close()
		return
	}

	newEquivID, err := manager.CreateEquivSession(sess.ID)
	if err != nil {
		log.Warn("equivalent session table at capacity", logger.Error(err))
		metrics.HandshakesFailed.WithLabelValues("equiv_capacity_exceeded").Inc()
		manager.RemoveSession(sess.ID)
		conn.Close()
		return
	}

	responsePayload := buildOpenResponse(newEquivID, 0)
	if err := outbound.Write(conn, tunnelstream.EncodeFrame(proxy.Frame{ChannelID: echoChannel, Data: responsePayload})); err != nil {
		log.Warn("failed to write recover response", logger.Error(err))
		metrics.HandshakesFailed.WithLabelValues("response_write_failure").Inc()
		manager.RemoveSession(sess.ID)
		conn.Close()
		return
	}

	serverEndpoints := sess.ProxyHandle.AttachServer()
	tunnelstream.NewServerStream(sess.ID, conn, inbound, outbound, serverEndpoints, sess.Stop, manager, sess.ProxyHandle).Run()

	metrics.HandshakesCompleted.WithLabelValues("success").Inc()
	metrics.HandshakeDuration.WithLabelValues("recover").Observe(time.Since(started).Seconds())
}

// watchSessionStop reports the session's final sequence counters to the
// broker once the session tears down for any reason. It is spawned once
// per session, at Open time, and outlives the connection that created it —
// recovery reattaches a new front-side connection to the same session
// without spawning a second watcher.
func watchSessionStop(b Broker, sess *session.Session) {
	<-sess.Stop.Done()
	snapshot := sess.Seq()
	b.Stop(context.Background(), sess.Ticket, snapshot.Out, snapshot.In)
}

// readTicketEcho reads the first encrypted frame and validates it carries
// want verbatim, within handshake.TicketEchoTimeout. Returns the channel
// id the echo arrived on (used to reply on the same channel) and false
// on any timeout, transport, or mismatch failure — the caller is then
// responsible for tearing down whatever session state it has built.
func readTicketEcho(ctx context.Context, conn net.Conn, inbound *record.Crypt, want []byte, log logger.Logger) (uint16, bool) {
	ctx, cancel := context.WithTimeout(ctx, handshake.TicketEchoTimeout)
	defer cancel()

	type result struct {
		frame proxy.Frame
		err   error
	}
	done := make(chan result, 1)
	go func() {
		var scratch record.PacketBuffer
		plaintext, err := inbound.Read(ctx, conn, &scratch)
		if err != nil {
			done <- result{err: err}
			return
		}
		if plaintext == nil {
			done <- result{err: context.Canceled}
			return
		}
		frame, err := tunnelstream.DecodeFrame(plaintext)
		done <- result{frame: frame, err: err}
	}()

	select {
	case <-ctx.Done():
		log.Warn("timed out waiting for ticket echo")
		metrics.HandshakesFailed.WithLabelValues("echo_timeout").Inc()
		return 0, false
	case res := <-done:
		if res.err != nil {
			log.Warn("failed to read ticket echo", logger.Error(res.err))
			metrics.HandshakesFailed.WithLabelValues("echo_read_failure").Inc()
			return 0, false
		}
		if string(res.frame.Data) != string(want) {
			log.Warn("ticket echo mismatch")
			metrics.HandshakesFailed.WithLabelValues("echo_mismatch").Inc()
			return 0, false
		}
		return res.frame.ChannelID, true
	}
}

func buildOpenResponse(id ticket.SessionId, channelCount uint16) []byte {
	out := make([]byte, openResponseLength)
	copy(out[:ticket.Length], id.Bytes())
	binary.BigEndian.PutUint16(out[ticket.Length:ticket.Length+2], channelCount)
	return out
}

func remoteIP(conn net.Conn) net.IP {
	addr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return nil
	}
	return addr.IP
}

func sourceIPLabel(conn net.Conn) string {
	ip := remoteIP(conn)
	if ip == nil {
		return "unknown"
	}
	return ip.String()
}

