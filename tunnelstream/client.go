package tunnelstream

import (
	"net"

	"github.com/openuds/tunnelbroker/internal/logger"
	"github.com/openuds/tunnelbroker/proxy"
	"github.com/openuds/tunnelbroker/session"
	"github.com/openuds/tunnelbroker/ticket"
	"github.com/openuds/tunnelbroker/trigger"
)

// readChunkSize bounds a single backend read; reads are forwarded to the
// proxy as-is without any framing (the backend speaks whatever raw
// protocol the tunnel was opened for).
const readChunkSize = record1200

// record1200 mirrors record.CryptPacketSize so a backend read never
// produces a chunk larger than what the front side can carry in one
// record without the proxy needing to fragment it further.
const record1200 = 1200

// TunnelClientStream owns one backend channel's raw TCP connection: its
// reader forwards bytes to the proxy tagged with this channel's id, its
// writer drains proxy-sourced bytes addressed to this channel back out to
// the backend.
type TunnelClientStream struct {
	sessionID ticket.SessionId
	channelID uint16
	conn      net.Conn
	manager   *session.Manager
	proxy     *proxy.Handle

	endpoints proxy.ClientEndpoints
	stop      trigger.Trigger // session-wide
}

// NewClientStream builds a TunnelClientStream for one backend channel.
// Run spawns its goroutines; it does not block.
func NewClientStream(sessionID ticket.SessionId, channelID uint16, conn net.Conn, endpoints proxy.ClientEndpoints, stop trigger.Trigger, manager *session.Manager, handle *proxy.Handle) *TunnelClientStream {
	return &TunnelClientStream{
		sessionID: sessionID,
		channelID: channelID,
		conn:      conn,
		manager:   manager,
		proxy:     handle,
		endpoints: endpoints,
		stop:      stop,
	}
}

// Run spawns the inbound and outbound goroutines plus the supervisor
// marking the session's client side started/stopped. It returns
// immediately.
func (c *TunnelClientStream) Run() {
	localStop := trigger.New()

	go c.runInbound(localStop)
	go c.runOutbound(localStop)
	go c.supervise(localStop)
}

func (c *TunnelClientStream) runInbound(localStop trigger.Trigger) {
	defer localStop.Fire()

	buf := make([]byte, readChunkSize)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case c.endpoints.Inbound <- proxy.Frame{ChannelID: c.channelID, Data: chunk}:
			case <-localStop.Done():
				return
			}
		}
		if err != nil {
			if err.Error() != "EOF" {
				logger.Warn("client stream inbound read failed",
					logger.String("session_id", c.sessionID.String()), logger.Error(err))
			}
			return
		}
	}
}

func (c *TunnelClientStream) runOutbound(localStop trigger.Trigger) {
	defer localStop.Fire()

	for {
		select {
		case <-localStop.Done():
			return
		case data := <-c.endpoints.Outbound:
			if _, err := c.conn.Write(data); err != nil {
				logger.Warn("client stream outbound write failed",
					logger.String("session_id", c.sessionID.String()), logger.Error(err))
				return
			}
		}
	}
}

// supervise marks the session's client side started for this channel's
// lifetime. On exit it detaches the channel from the proxy and reports
// the client side stopped. That does not end the session: the session
// ends through its Stop trigger, which the proxy fires once it drains
// with no server and no channel attached.
func (c *TunnelClientStream) supervise(localStop trigger.Trigger) {
	c.manager.StartClient(c.sessionID)

	select {
	case <-c.stop.Done():
		localStop.Fire()
	case <-localStop.Done():
	}

	c.conn.Close()
	if c.proxy != nil {
		c.proxy.DetachClient(c.channelID)
	}
	c.manager.StopClient(c.sessionID)
}
