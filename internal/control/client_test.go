package control

import (
	"bufio"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingClientHandler struct {
	mu           sync.Mutex
	events       []string
	statuses     []string
	connected    chan string
	disconnected chan error
}

func newRecordingClientHandler() *recordingClientHandler {
	return &recordingClientHandler{
		connected:    make(chan string, 1),
		disconnected: make(chan error, 1),
	}
}

func (h *recordingClientHandler) Connected(addr string)  { h.connected <- addr }
func (h *recordingClientHandler) Disconnected(err error) { h.disconnected <- err }

func (h *recordingClientHandler) HandleEvent(line string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, line)
}

func (h *recordingClientHandler) Status(text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.statuses = append(h.statuses, text)
}

func (h *recordingClientHandler) allEvents() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.events...)
}

func acceptOne(t *testing.T, listener net.Listener) net.Conn {
	t.Helper()
	conn, err := listener.Accept()
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestClientConnectSendReceive(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	handler := newRecordingClientHandler()
	c := Dial(listener.Addr().String(), handler, testLog())
	defer c.Close()

	server := acceptOne(t, listener)

	select {
	case addr := <-handler.connected:
		assert.Equal(t, listener.Addr().String(), addr)
	case <-time.After(3 * time.Second):
		t.Fatal("connected callback never fired")
	}

	// host -> client events
	_, err = server.Write([]byte("RINGING:+15551234567|Alice\nCALL_IDLE\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(handler.allEvents()) == 2
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"RINGING:+15551234567|Alice", "CALL_IDLE"}, handler.allEvents())

	// client -> host commands, in order
	c.Send("ANSWER")
	c.Send("END_CALL")
	reader := bufio.NewReader(server)
	require.NoError(t, server.SetReadDeadline(time.Now().Add(3*time.Second)))
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "ANSWER\n", line)
	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "END_CALL\n", line)
}

func TestClientDisconnectNotifiesHandler(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	handler := newRecordingClientHandler()
	c := Dial(listener.Addr().String(), handler, testLog())
	defer c.Close()

	server := acceptOne(t, listener)
	<-handler.connected

	require.NoError(t, server.Close())

	select {
	case <-handler.disconnected:
	case <-time.After(3 * time.Second):
		t.Fatal("disconnected callback never fired")
	}

	// sending after disconnect degrades to a local status, never a panic
	c.Send("ANSWER")
	require.Eventually(t, func() bool {
		handler.mu.Lock()
		defer handler.mu.Unlock()
		return len(handler.statuses) > 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestCloseDuringDialClosesFreshConnection(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	handler := newRecordingClientHandler()
	c := Dial(listener.Addr().String(), handler, testLog())
	c.Close()

	// the TCP handshake completes in the kernel backlog regardless of the
	// close, so the accept succeeds; the connection must still die
	server := acceptOne(t, listener)
	require.NoError(t, server.SetReadDeadline(time.Now().Add(3*time.Second)))
	buf := make([]byte, 1)
	_, err = server.Read(buf)
	require.Error(t, err)
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		t.Fatal("connection established during Close was never torn down")
	}
}

func TestClientDialFailureReportsDisconnected(t *testing.T) {
	// grab a port and close it so the dial is refused
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())

	handler := newRecordingClientHandler()
	c := Dial(addr, handler, testLog())
	defer c.Close()

	select {
	case err := <-handler.disconnected:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("disconnected callback never fired")
	}
}
