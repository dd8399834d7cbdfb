package client

import (
	"bufio"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remotephone/internal/audio"
)

type recordingUI struct {
	mu            sync.Mutex
	incoming      []string
	started       []string
	ended         int
	otps          []string
	notifications []string
	statuses      []string
	connected     chan bool
}

func newRecordingUI() *recordingUI {
	return &recordingUI{connected: make(chan bool, 4)}
}

func (u *recordingUI) ConnectionChanged(connected bool, host string) {
	u.connected <- connected
}

func (u *recordingUI) IncomingCall(number, name string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.incoming = append(u.incoming, number+"|"+name)
}

func (u *recordingUI) CallStarted(number, name string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.started = append(u.started, number+"|"+name)
}

func (u *recordingUI) CallEnded() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.ended++
}

func (u *recordingUI) OTPReceived(code string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.otps = append(u.otps, code)
}

func (u *recordingUI) NotificationReceived(app, title, text string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.notifications = append(u.notifications, app+"|"+title+"|"+text)
}

func (u *recordingUI) Status(text string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.statuses = append(u.statuses, text)
}

func (u *recordingUI) snapshot() (incoming, started []string, ended int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.incoming...), append([]string(nil), u.started...), u.ended
}

func (u *recordingUI) hasStatus(text string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, s := range u.statuses {
		if s == text {
			return true
		}
	}
	return false
}

func testLog() *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(logger)
}

// fakeHost is a minimal host: one control listener and one audio listener.
type fakeHost struct {
	control net.Listener
	audio   net.Listener
}

func newFakeHost(t *testing.T) *fakeHost {
	t.Helper()
	control, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	audioListener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = control.Close()
		_ = audioListener.Close()
	})
	return &fakeHost{control: control, audio: audioListener}
}

func (h *fakeHost) audioPort(t *testing.T) string {
	t.Helper()
	_, port, err := net.SplitHostPort(h.audio.Addr().String())
	require.NoError(t, err)
	return port
}

func connectTestEngine(t *testing.T, h *fakeHost, ui UI) *Engine {
	t.Helper()
	log := testLog()
	e := Connect(Config{
		HostAddr:        h.control.Addr().String(),
		AudioPort:       h.audioPort(t),
		AudioRetryCount: 3,
		AudioRetryDelay: 20 * time.Millisecond,
		Audio:           audio.Config{FrameSize: 64, ReadTimeout: 100 * time.Millisecond},
		Devices: func() (audio.Source, audio.Sink, error) {
			return audio.NullSource{}, audio.Discard{}, nil
		},
		UI:         ui,
		Log:        log,
		ControlLog: log,
		AudioLog:   log,
	})
	t.Cleanup(e.Close)
	return e
}

func TestFullCallFlowWithAudioHandshake(t *testing.T) {
	h := newFakeHost(t)
	ui := newRecordingUI()
	connectTestEngine(t, h, ui)

	hostConn, err := h.control.Accept()
	require.NoError(t, err)
	defer hostConn.Close()
	hostReader := bufio.NewReader(hostConn)

	select {
	case up := <-ui.connected:
		assert.True(t, up)
	case <-time.After(3 * time.Second):
		t.Fatal("engine never connected")
	}

	// incoming call appears on the UI
	_, err = hostConn.Write([]byte("RINGING:+15551234567|Alice\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		incoming, _, _ := ui.snapshot()
		return len(incoming) == 1 && incoming[0] == "+15551234567|Alice"
	}, 3*time.Second, 10*time.Millisecond)

	// call start triggers the audio dial and the readiness confirmation
	_, err = hostConn.Write([]byte("CALL_STARTED:+15551234567|Alice\n"))
	require.NoError(t, err)

	audioConn, err := h.audio.Accept()
	require.NoError(t, err)
	defer audioConn.Close()

	require.NoError(t, hostConn.SetReadDeadline(time.Now().Add(3*time.Second)))
	line, err := hostReader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "AUDIO_READY\n", line)

	// no frames may flow before the host's half of the handshake
	require.NoError(t, audioConn.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	buf := make([]byte, 64)
	_, err = audioConn.Read(buf)
	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	require.True(t, netErr.Timeout(), "client must not stream before START_AUDIO_BRIDGE")

	// handshake completes, frames start flowing
	_, err = hostConn.Write([]byte("START_AUDIO_BRIDGE\n"))
	require.NoError(t, err)
	require.NoError(t, audioConn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, err = audioConn.Read(buf)
	require.NoError(t, err)

	// call end stops the pumps and closes the audio socket
	_, err = hostConn.Write([]byte("CALL_IDLE\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, _, ended := ui.snapshot()
		return ended == 1
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, audioConn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var readErr error
	for readErr == nil {
		_, readErr = audioConn.Read(buf)
	}
	if ne, ok := readErr.(net.Error); ok && ne.Timeout() {
		t.Fatal("audio socket should be closed, not silent")
	}
}

func TestDuplicateStartAudioBridgeKeepsStreaming(t *testing.T) {
	h := newFakeHost(t)
	ui := newRecordingUI()
	connectTestEngine(t, h, ui)

	hostConn, err := h.control.Accept()
	require.NoError(t, err)
	defer hostConn.Close()
	hostReader := bufio.NewReader(hostConn)
	<-ui.connected

	_, err = hostConn.Write([]byte("CALL_STARTED:+15551234567|Alice\n"))
	require.NoError(t, err)

	audioConn, err := h.audio.Accept()
	require.NoError(t, err)
	defer audioConn.Close()

	require.NoError(t, hostConn.SetReadDeadline(time.Now().Add(3*time.Second)))
	line, err := hostReader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "AUDIO_READY\n", line)

	_, err = hostConn.Write([]byte("START_AUDIO_BRIDGE\nSTART_AUDIO_BRIDGE\n"))
	require.NoError(t, err)

	// a repeated start must not tear down the shared socket
	buf := make([]byte, 64)
	require.NoError(t, audioConn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for i := 0; i < 20; i++ {
		_, err = audioConn.Read(buf)
		require.NoError(t, err, "stream broke after a duplicate bridge start")
	}
}

func TestEventsReachUI(t *testing.T) {
	h := newFakeHost(t)
	ui := newRecordingUI()
	connectTestEngine(t, h, ui)

	hostConn, err := h.control.Accept()
	require.NoError(t, err)
	defer hostConn.Close()
	<-ui.connected

	_, err = hostConn.Write([]byte("OTP:482913\nNOTIFICATION:Mail|New message|Hello\nSTATUS:Host: all good\nBOGUS:line\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		ui.mu.Lock()
		defer ui.mu.Unlock()
		return len(ui.otps) == 1 && len(ui.notifications) == 1 && len(ui.statuses) >= 1
	}, 3*time.Second, 10*time.Millisecond)

	ui.mu.Lock()
	defer ui.mu.Unlock()
	assert.Equal(t, []string{"482913"}, ui.otps)
	assert.Equal(t, []string{"Mail|New message|Hello"}, ui.notifications)
	assert.Contains(t, ui.statuses, "Host: all good")
}

func TestCommandsAreSerializedInOrder(t *testing.T) {
	h := newFakeHost(t)
	ui := newRecordingUI()
	engine := connectTestEngine(t, h, ui)

	hostConn, err := h.control.Accept()
	require.NoError(t, err)
	defer hostConn.Close()
	<-ui.connected

	engine.Answer()
	engine.SetMute(true)
	engine.SetHold(true)
	engine.SetHold(false)
	engine.SetSpeaker(true)
	engine.Dial("+15557654321")
	engine.EndCall()

	want := []string{"ANSWER", "MUTE", "HOLD", "UNHOLD", "SPEAKER_ON", "DIAL:+15557654321", "END_CALL"}
	reader := bufio.NewReader(hostConn)
	require.NoError(t, hostConn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for _, expected := range want {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		assert.Equal(t, expected+"\n", line)
	}
}

func TestAudioDialFailureReportsStatusOnly(t *testing.T) {
	h := newFakeHost(t)
	ui := newRecordingUI()
	connectTestEngine(t, h, ui)

	hostConn, err := h.control.Accept()
	require.NoError(t, err)
	defer hostConn.Close()
	<-ui.connected

	// audio listener is gone: the bounded retry must fail locally
	require.NoError(t, h.audio.Close())

	_, err = hostConn.Write([]byte("CALL_STARTED:+15551234567|Alice\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return ui.hasStatus("Client: audio connection failed after multiple attempts.")
	}, 5*time.Second, 20*time.Millisecond)

	// the control channel stays usable
	_, err = hostConn.Write([]byte("STATUS:still alive\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return ui.hasStatus("still alive")
	}, 3*time.Second, 10*time.Millisecond)
}

func TestDisconnectReportedToUI(t *testing.T) {
	h := newFakeHost(t)
	ui := newRecordingUI()
	connectTestEngine(t, h, ui)

	hostConn, err := h.control.Accept()
	require.NoError(t, err)
	<-ui.connected

	require.NoError(t, hostConn.Close())

	select {
	case up := <-ui.connected:
		assert.False(t, up)
	case <-time.After(3 * time.Second):
		t.Fatal("disconnect never reported")
	}
}
