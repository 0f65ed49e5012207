// Package proxyhdr narrowly validates and consumes a HAProxy PROXY protocol
// v2 header at the front of an accepted connection, rejecting anything this
// broker does not expect to see in front of a tunnel client.
package proxyhdr

import (
	"bufio"
	"errors"
	"fmt"
	"net"

	proxyproto "github.com/pires/go-proxyproto"
)

// ErrUnsupportedHeader is returned when the header parses but names a
// version, command, address family, or transport protocol this broker does
// not accept.
var ErrUnsupportedHeader = errors.New("proxyhdr: unsupported PROXY protocol header")

// validate enforces that header names only what this broker accepts: PROXY
// protocol v2, command PROXY, and a STREAM transport over INET or INET6.
func validate(header *proxyproto.Header) error {
	if header.Version != 2 {
		return fmt.Errorf("%w: version %d", ErrUnsupportedHeader, header.Version)
	}
	if header.Command != proxyproto.PROXY {
		return fmt.Errorf("%w: command %v", ErrUnsupportedHeader, header.Command)
	}
	switch header.TransportProtocol {
	case proxyproto.TCPv4, proxyproto.TCPv6:
	default:
		return fmt.Errorf("%w: transport protocol %v", ErrUnsupportedHeader, header.TransportProtocol)
	}
	return nil
}

// Conn wraps a net.Conn whose PROXY-v2 header has been consumed through a
// buffered reader, so any handshake bytes the kernel coalesced behind the
// header in the same read are preserved rather than dropped.
type Conn struct {
	net.Conn
	br         *bufio.Reader
	sourceAddr net.Addr
}

// WrapConn consumes the PROXY-v2 header at the front of conn (if
// useProxyProtocol is true) and returns a Conn whose Read calls resume
// exactly where the header parse left off, and whose RemoteAddr reports the
// original client address instead of the immediate peer. If
// useProxyProtocol is false, conn is returned unwrapped.
func WrapConn(conn net.Conn, useProxyProtocol bool) (net.Conn, error) {
	if !useProxyProtocol {
		return conn, nil
	}

	br := bufio.NewReader(conn)
	header, err := proxyproto.Read(br)
	if err != nil {
		return nil, fmt.Errorf("proxyhdr: read header: %w", err)
	}
	if err := validate(header); err != nil {
		return nil, err
	}

	return &Conn{Conn: conn, br: br, sourceAddr: header.SourceAddr}, nil
}

// Read satisfies net.Conn by reading through the buffered reader that
// consumed the PROXY-v2 header, so bytes read ahead during header parsing
// are not lost.
func (c *Conn) Read(p []byte) (int, error) {
	return c.br.Read(p)
}

// RemoteAddr returns the original client address carried by the PROXY-v2
// header rather than the immediate peer (the proxy) address.
func (c *Conn) RemoteAddr() net.Addr {
	if c.sourceAddr != nil {
		return c.sourceAddr
	}
	return c.Conn.RemoteAddr()
}
