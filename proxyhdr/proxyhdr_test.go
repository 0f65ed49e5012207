package proxyhdr

import (
	"io"
	"net"
	"testing"

	proxyproto "github.com/pires/go-proxyproto"
	"github.com/stretchr/testify/require"
)

func newPipe(t *testing.T) (client, server net.Conn) {
	t.Helper()
	c, s := net.Pipe()
	return c, s
}

func writeV2Header(t *testing.T, w io.Writer, cmd proxyproto.ProtocolVersionAndCommand, transport proxyproto.AddressFamilyAndProtocol, src, dst *net.TCPAddr) {
	t.Helper()
	h := &proxyproto.Header{
		Version:           2,
		Command:           cmd,
		TransportProtocol: transport,
		SourceAddr:        src,
		DestinationAddr:   dst,
	}
	_, err := h.WriteTo(w)
	require.NoError(t, err)
}

func TestWrapConnAcceptsV2TCP4Proxy(t *testing.T) {
	client, server := newPipe(t)
	defer client.Close()
	defer server.Close()

	src := &net.TCPAddr{IP: net.ParseIP("203.0.113.9"), Port: 51000}
	dst := &net.TCPAddr{IP: net.ParseIP("198.51.100.1"), Port: 443}

	done := make(chan error, 1)
	go func() {
		writeV2Header(t, client, proxyproto.PROXY, proxyproto.TCPv4, src, dst)
		_, err := client.Write([]byte("payload"))
		done <- err
	}()

	wrapped, err := WrapConn(server, true)
	require.NoError(t, err)
	require.NoError(t, <-done)

	require.Equal(t, "203.0.113.9:51000", wrapped.RemoteAddr().String())

	buf := make([]byte, len("payload"))
	_, err = io.ReadFull(wrapped, buf)
	require.NoError(t, err)
	require.Equal(t, "payload", string(buf))
}

func TestWrapConnPassthroughWhenDisabled(t *testing.T) {
	client, server := newPipe(t)
	defer client.Close()
	defer server.Close()

	go func() {
		_, _ = client.Write([]byte("raw"))
	}()

	wrapped, err := WrapConn(server, false)
	require.NoError(t, err)
	require.Same(t, server, wrapped)

	buf := make([]byte, len("raw"))
	_, err = io.ReadFull(wrapped, buf)
	require.NoError(t, err)
	require.Equal(t, "raw", string(buf))
}

func TestWrapConnRejectsLocalCommand(t *testing.T) {
	client, server := newPipe(t)
	defer client.Close()
	defer server.Close()

	src := &net.TCPAddr{IP: net.ParseIP("203.0.113.9"), Port: 51000}
	dst := &net.TCPAddr{IP: net.ParseIP("198.51.100.1"), Port: 443}

	go writeV2Header(t, client, proxyproto.LOCAL, proxyproto.TCPv4, src, dst)

	_, err := WrapConn(server, true)
	require.ErrorIs(t, err, ErrUnsupportedHeader)
}
