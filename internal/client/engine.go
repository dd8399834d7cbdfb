// Package client implements the client-side engine: one control-channel
// connection to the host, command sending, inbound event handling and the
// client half of the audio bridge.
package client

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"remotephone/internal/audio"
	"remotephone/internal/control"
	"remotephone/internal/protocol"
)

// UI is the external collaborator that renders call state. On Android this
// would launch activities; the engine only invokes callbacks.
type UI interface {
	ConnectionChanged(connected bool, host string)
	IncomingCall(number, name string)
	CallStarted(number, name string)
	CallEnded()
	OTPReceived(code string)
	NotificationReceived(app, title, text string)
	Status(text string)
}

// Config assembles the collaborators and addresses for a client engine.
type Config struct {
	// HostAddr is the control-channel address, "host:port".
	HostAddr string
	// AudioPort is the host's audio-bridge port.
	AudioPort string

	AudioRetryCount int
	AudioRetryDelay time.Duration

	Audio   audio.Config
	Devices audio.DeviceFactory
	UI      UI

	Log        *logrus.Entry
	ControlLog *logrus.Entry
	AudioLog   *logrus.Entry
}

// Engine is the client-side engine. A dropped control connection is not
// retried; callers create a fresh engine to reconnect.
type Engine struct {
	cfg     Config
	log     *logrus.Entry
	ui      UI
	control *control.Client

	mu        sync.Mutex
	audioConn net.Conn
	bridge    *audio.Bridge
}

// Connect starts the control connection in the background and returns
// immediately; connection results arrive through the UI callbacks.
func Connect(cfg Config) *Engine {
	e := &Engine{
		cfg: cfg,
		log: cfg.Log,
		ui:  cfg.UI,
	}
	e.control = control.Dial(cfg.HostAddr, e, cfg.ControlLog)
	return e
}

// Close tears down the audio session and the control connection.
func (e *Engine) Close() {
	e.stopBridge()
	e.control.Close()
}

// Command senders. Each serializes through the control client's single
// writer, so lines are never interleaved.

func (e *Engine) Answer()  { e.send(protocol.Command{Verb: protocol.CmdAnswer}) }
func (e *Engine) EndCall() { e.send(protocol.Command{Verb: protocol.CmdEndCall}) }

func (e *Engine) SetMute(muted bool) {
	if muted {
		e.send(protocol.Command{Verb: protocol.CmdMute})
	} else {
		e.send(protocol.Command{Verb: protocol.CmdUnmute})
	}
}

func (e *Engine) SetHold(held bool) {
	if held {
		e.send(protocol.Command{Verb: protocol.CmdHold})
	} else {
		e.send(protocol.Command{Verb: protocol.CmdUnhold})
	}
}

func (e *Engine) SetSpeaker(enabled bool) {
	if enabled {
		e.send(protocol.Command{Verb: protocol.CmdSpeakerOn})
	} else {
		e.send(protocol.Command{Verb: protocol.CmdSpeakerOff})
	}
}

func (e *Engine) Dial(number string) {
	e.send(protocol.Command{Verb: protocol.CmdDial, Arg: number})
}

func (e *Engine) send(cmd protocol.Command) {
	e.control.Send(cmd.Encode())
}

// SendRaw forwards an already-encoded command line. The bundled CLI uses
// it to pass through typed input.
func (e *Engine) SendRaw(line string) {
	e.control.Send(line)
}

// control.Handler implementation.

func (e *Engine) Connected(addr string) {
	e.ui.ConnectionChanged(true, addr)
}

func (e *Engine) Disconnected(err error) {
	e.stopBridge()
	e.ui.ConnectionChanged(false, "")
}

func (e *Engine) Status(text string) {
	e.ui.Status(text)
}

// HandleEvent processes one inbound event line from the host. Malformed
// lines are logged and ignored; the connection stays open.
func (e *Engine) HandleEvent(line string) {
	event, err := protocol.ParseEvent(line)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownMessage) {
			e.log.Warnf("ignoring unknown event %q", line)
		} else {
			e.log.Warnf("malformed event %q: %v", line, err)
		}
		return
	}

	switch event := event.(type) {
	case protocol.Ringing:
		e.log.Infof("incoming call: %s (%s)", event.Number, event.Name)
		e.ui.IncomingCall(event.Number, event.Name)
	case protocol.CallStarted:
		e.log.Infof("call started: %s (%s)", event.Number, event.Name)
		e.ui.CallStarted(event.Number, event.Name)
		go e.connectAudio()
	case protocol.CallIdle:
		e.log.Info("call ended on host")
		e.stopBridge()
		e.ui.CallEnded()
	case protocol.StartAudioBridge:
		e.startBridge()
	case protocol.OTP:
		e.ui.OTPReceived(event.Code)
	case protocol.Notification:
		e.ui.NotificationReceived(event.App, event.Title, event.Text)
	case protocol.Status:
		e.ui.Status(event.Text)
	}
}

// connectAudio opens the audio socket with bounded retry and confirms
// readiness to the host. The host answers with START_AUDIO_BRIDGE, which
// is when streaming actually begins.
func (e *Engine) connectAudio() {
	host, _, err := net.SplitHostPort(e.cfg.HostAddr)
	if err != nil {
		e.log.Errorf("bad host address %q: %v", e.cfg.HostAddr, err)
		return
	}
	addr := net.JoinHostPort(host, e.cfg.AudioPort)

	conn, err := audio.Dial(addr, e.cfg.AudioRetryCount, e.cfg.AudioRetryDelay, e.cfg.AudioLog)
	if err != nil {
		e.log.Errorf("audio connection failed: %v", err)
		e.ui.Status("Client: audio connection failed after multiple attempts.")
		return
	}

	e.mu.Lock()
	if e.bridge != nil {
		e.bridge.Stop()
		e.bridge = nil
	}
	if e.audioConn != nil {
		_ = e.audioConn.Close()
	}
	e.audioConn = conn
	e.mu.Unlock()

	e.send(protocol.Command{Verb: protocol.CmdAudioReady})
}

func (e *Engine) startBridge() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.audioConn == nil {
		e.log.Error("cannot start audio bridge: audio socket is not connected")
		return
	}
	// A repeated start while pumps are live is a duplicate, not a restart;
	// stopping the old bridge would close the shared audio socket.
	if e.bridge != nil {
		e.log.Debug("audio bridge already running, ignoring duplicate start")
		return
	}

	source, sink, err := e.cfg.Devices()
	if err != nil {
		e.log.Errorf("open audio devices: %v", err)
		e.ui.Status("Client: audio devices unavailable.")
		return
	}

	e.bridge = audio.NewBridge(e.audioConn, source, sink, e.cfg.Audio, e.cfg.AudioLog)
	e.bridge.Start()
	e.ui.Status("Client: audio bridge started.")
}

func (e *Engine) stopBridge() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.bridge != nil {
		e.bridge.Stop()
		e.bridge = nil
	}
	if e.audioConn != nil {
		_ = e.audioConn.Close()
		e.audioConn = nil
	}
}
