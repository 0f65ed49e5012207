package tunnelstream

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openuds/tunnelbroker/proxy"
	"github.com/openuds/tunnelbroker/record"
	"github.com/openuds/tunnelbroker/session"
	"github.com/openuds/tunnelbroker/ticket"
)

func testKey(b byte) []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = b
	}
	return key
}

func newTestSession(t *testing.T) *session.Session {
	t.Helper()
	id, err := ticket.NewSessionId()
	require.NoError(t, err)
	tk, err := ticket.New()
	require.NoError(t, err)
	return session.New(id, [32]byte{9}, tk, []string{"10.0.0.1:80"})
}

func TestServerStreamRoundTripsFramesThroughProxy(t *testing.T) {
	sess := newTestSession(t)
	endpoints := sess.ProxyHandle.AttachServer()

	clientConn, wireConn := net.Pipe()
	defer clientConn.Close()

	inbound, err := record.New(testKey(1))
	require.NoError(t, err)
	outbound, err := record.New(testKey(1))
	require.NoError(t, err)

	stream := NewServerStream(sess.ID, wireConn, inbound, outbound, endpoints, sess.Stop, session.NewManager(), sess.ProxyHandle)
	stream.Run()

	// Attach the backend channel before any frame arrives so the proxy
	// has somewhere to route it.
	clientEndpoints := sess.ProxyHandle.AttachClient(7)

	// Front side writes a record; the proxy should see a decoded frame
	// tagged with the channel id it carried.
	peerCrypt, err := record.New(testKey(1))
	require.NoError(t, err)
	require.NoError(t, peerCrypt.Write(clientConn, EncodeFrame(proxy.Frame{ChannelID: 7, Data: []byte("hi")})))

	select {
	case frame := <-clientEndpoints.Outbound:
		assert.Equal(t, []byte("hi"), frame)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame to reach attached client")
	}
}

func TestServerStreamSuperviseDetachesOnStop(t *testing.T) {
	sess := newTestSession(t)
	endpoints := sess.ProxyHandle.AttachServer()

	_, wireConn := net.Pipe()
	defer wireConn.Close()

	inbound, err := record.New(testKey(2))
	require.NoError(t, err)
	outbound, err := record.New(testKey(2))
	require.NoError(t, err)

	mgr := session.NewManager()
	mgr.AddSession(sess)

	stream := NewServerStream(sess.ID, wireConn, inbound, outbound, endpoints, sess.Stop, mgr, sess.ProxyHandle)
	stream.Run()

	require.Eventually(t, func() bool { return sess.IsServerRunning() }, time.Second, 5*time.Millisecond)

	sess.Stop.Fire()

	require.Eventually(t, func() bool { return !sess.IsServerRunning() }, time.Second, 5*time.Millisecond)
}

func TestDecodeFrameRejectsShortPlaintext(t *testing.T) {
	_, err := DecodeFrame([]byte{0x01})
	assert.Error(t, err)
}

func TestEncodeDecodeFrameRoundtrip(t *testing.T) {
	frame := proxy.Frame{ChannelID: 42, Data: []byte("payload")}
	decoded, err := DecodeFrame(EncodeFrame(frame))
	require.NoError(t, err)
	assert.Equal(t, frame, decoded)
}
