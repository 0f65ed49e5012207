// Package proxy implements the per-session fan-in/fan-out between one
// front-facing encrypted stream and many per-channel backend streams.
package proxy

import (
	"fmt"

	"github.com/openuds/tunnelbroker/internal/logger"
	"github.com/openuds/tunnelbroker/internal/metrics"
	"github.com/openuds/tunnelbroker/trigger"
)

// ChannelSize bounds every mailbox the proxy owns, imposing backpressure
// instead of unbounded buffering.
const ChannelSize = 2048

// Frame is a channel-tagged chunk of plaintext crossing the proxy in
// either direction.
type Frame struct {
	ChannelID uint16
	Data      []byte
}

// ServerEndpoints is handed to the front-facing stream on AttachServer.
// Outbound carries frames the proxy wants written to the client; Inbound
// is where the stream pushes frames it decrypted off the wire.
type ServerEndpoints struct {
	Outbound <-chan Frame
	Inbound  chan<- Frame
}

// ClientEndpoints is handed to one backend channel's stream on
// AttachClient. Outbound carries bytes the proxy wants written to that
// backend. Inbound is the shared fan-in channel used by every channel's
// reader goroutine — values are tagged with ChannelID so the proxy does
// not need a channel per backend for this direction.
type ClientEndpoints struct {
	ChannelID uint16
	Outbound  <-chan []byte
	Inbound   chan<- Frame
}

// ErrUnknownChannel names the condition of a channel id the proxy has no
// backend registered for. No function in this package returns it: the run
// loop handles such frames itself, by dropping them or by exiting.
var ErrUnknownChannel = fmt.Errorf("proxy: unknown channel id")

type attachServerCmd struct {
	reply chan ServerEndpoints
}

type detachServerCmd struct{}

type attachClientCmd struct {
	channelID uint16
	reply     chan ClientEndpoints
}

type detachClientCmd struct {
	channelID uint16
}

type clientChannel struct {
	outbound chan []byte
}

// Handle is the caller-facing control surface for a running session
// proxy. All methods are safe to call from any goroutine.
type Handle struct {
	ctrl chan interface{}
}

// AttachServer registers the front-facing stream, replacing any previous
// attachment (supporting recovery, where a new TCP connection takes over
// an existing session).
func (h *Handle) AttachServer() ServerEndpoints {
	reply := make(chan ServerEndpoints, 1)
	h.ctrl <- attachServerCmd{reply: reply}
	return <-reply
}

// DetachServer drops the current server attachment.
func (h *Handle) DetachServer() {
	h.ctrl <- detachServerCmd{}
}

// AttachClient registers a backend channel.
func (h *Handle) AttachClient(channelID uint16) ClientEndpoints {
	reply := make(chan ClientEndpoints, 1)
	h.ctrl <- attachClientCmd{channelID: channelID, reply: reply}
	return <-reply
}

// DetachClient deregisters a backend channel.
func (h *Handle) DetachClient(channelID uint16) {
	h.ctrl <- detachClientCmd{channelID: channelID}
}

// runner holds the proxy goroutine's private state; none of it is
// touched outside the run loop.
type runner struct {
	stop     trigger.Trigger
	ctrl     chan interface{}
	clientRx chan Frame

	serverAttached bool
	serverTx       chan Frame
	serverRx       <-chan Frame

	clients          map[uint16]*clientChannel
	everAttached     bool
	maxClientChannel uint16
}

// Spawn starts a session proxy goroutine and returns the handle used to
// attach and detach endpoints. stop is the session-wide cancellation
// trigger; the run loop fires it itself if the proxy drains (no server
// and no clients left attached) so the owning session tears down.
func Spawn(stop trigger.Trigger) *Handle {
	ctrl := make(chan interface{}, 1)
	r := &runner{
		stop:     stop,
		ctrl:     ctrl,
		clientRx: make(chan Frame, ChannelSize),
		clients:  make(map[uint16]*clientChannel),
	}
	go r.run()
	return &Handle{ctrl: ctrl}
}

func (r *runner) run() {
	for {
		select {
		case <-r.stop.Done():
			return

		case raw := <-r.ctrl:
			if r.handleCtrl(raw) {
				return
			}

		case frame, ok := <-r.serverRxOrNil():
			if !ok {
				continue
			}
			if r.routeServerToClient(frame) {
				return
			}

		case frame := <-r.clientRx:
			r.routeClientToServer(frame)
		}
	}
}

// serverRxOrNil returns the attached server's inbound channel, or a nil
// channel (which blocks forever in a select) when no server is attached.
func (r *runner) serverRxOrNil() <-chan Frame {
	if !r.serverAttached {
		return nil
	}
	return r.serverRx
}

func (r *runner) handleCtrl(raw interface{}) (exit bool) {
	switch cmd := raw.(type) {
	case attachServerCmd:
		outbound := make(chan Frame, ChannelSize)
		inbound := make(chan Frame, ChannelSize)
		r.serverTx = outbound
		r.serverRx = inbound
		r.serverAttached = true
		r.everAttached = true
		metrics.EndpointAttachments.WithLabelValues("server", "attach").Inc()
		cmd.reply <- ServerEndpoints{Outbound: outbound, Inbound: inbound}

	case detachServerCmd:
		r.serverAttached = false
		r.serverTx = nil
		r.serverRx = nil
		metrics.EndpointAttachments.WithLabelValues("server", "detach").Inc()
		return r.maybeDrain()

	case attachClientCmd:
		outbound := make(chan []byte, ChannelSize)
		r.clients[cmd.channelID] = &clientChannel{outbound: outbound}
		r.everAttached = true
		if cmd.channelID > r.maxClientChannel {
			r.maxClientChannel = cmd.channelID
		}
		metrics.EndpointAttachments.WithLabelValues("client", "attach").Inc()
		cmd.reply <- ClientEndpoints{ChannelID: cmd.channelID, Outbound: outbound, Inbound: r.clientRx}

	case detachClientCmd:
		delete(r.clients, cmd.channelID)
		metrics.EndpointAttachments.WithLabelValues("client", "detach").Inc()
		return r.maybeDrain()
	}
	return false
}

// maybeDrain reports whether the proxy should exit: it has been attached
// at least once and now holds neither a server nor any client channels.
func (r *runner) maybeDrain() bool {
	if !r.everAttached {
		return false
	}
	if r.serverAttached || len(r.clients) > 0 {
		return false
	}
	r.stop.Fire()
	return true
}

// routeServerToClient delivers a server-originated frame to its addressed
// backend channel. A channel id of 0, or one greater than any channel ever
// attached to this proxy, is not a detached-channel condition but a
// malformed peer: it is logged and terminates the proxy, reporting exit
// via its return value. A channel id within the ever-attached range but
// not currently live (already detached) is a normal drop.
func (r *runner) routeServerToClient(frame Frame) (exit bool) {
	if frame.ChannelID == 0 || frame.ChannelID > r.maxClientChannel {
		logger.GetDefaultLogger().Warn("invalid channel id in server frame, stopping proxy",
			logger.Int("channel_id", int(frame.ChannelID)))
		metrics.InvalidChannelFrames.Inc()
		r.stop.Fire()
		return true
	}

	client, ok := r.clients[frame.ChannelID]
	if !ok {
		metrics.FramesDropped.WithLabelValues("server_to_client").Inc()
		return false
	}
	select {
	case client.outbound <- frame.Data:
		metrics.FramesRouted.WithLabelValues("server_to_client").Inc()
		metrics.FrameSize.Observe(float64(len(frame.Data)))
	case <-r.stop.Done():
	}
	return false
}

func (r *runner) routeClientToServer(frame Frame) {
	if !r.serverAttached {
		metrics.FramesDropped.WithLabelValues("client_to_server").Inc()
		return
	}
	select {
	case r.serverTx <- frame:
		metrics.FramesRouted.WithLabelValues("client_to_server").Inc()
		metrics.FrameSize.Observe(float64(len(frame.Data)))
	case <-r.stop.Done():
	}
}
