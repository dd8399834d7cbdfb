// Package host wires the host-side engine: the control server, the audio
// server, the call-state correlator and the command dispatcher that maps
// inbound control lines onto telephony actions.
package host

import (
	"errors"
	"net"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"remotephone/internal/audio"
	"remotephone/internal/control"
	"remotephone/internal/correlator"
	"remotephone/internal/protocol"
	"remotephone/internal/sms"
	"remotephone/internal/telephony"
)

// Config assembles the collaborators and addresses for a host engine.
type Config struct {
	ControlAddr string
	AudioAddr   string

	Audio   audio.Config
	Devices audio.DeviceFactory
	Actions telephony.Actions
	Resolve correlator.Resolver

	// Registerer may be nil to skip metric registration.
	Registerer prometheus.Registerer

	Log        *logrus.Entry
	ControlLog *logrus.Entry
	AudioLog   *logrus.Entry
}

// Engine is the host-side signaling-and-audio relay.
type Engine struct {
	cfg     Config
	log     *logrus.Entry
	control *control.Server
	audio   *audio.Server
	calls   *correlator.Correlator
	actions telephony.Actions
}

// New builds an engine. Start must be called to bind the listeners.
func New(cfg Config) *Engine {
	e := &Engine{
		cfg:     cfg,
		log:     cfg.Log,
		actions: cfg.Actions,
	}
	e.control = control.NewServer(e, cfg.ControlLog, cfg.Registerer)
	e.control.OnClientCount = func(n int) {
		cfg.Log.Infof("connected clients: %d", n)
	}
	e.audio = audio.NewServer(cfg.Devices, cfg.Audio, cfg.AudioLog)
	e.calls = correlator.New(cfg.Resolve, e.control, e.audio, cfg.Log, cfg.Registerer)
	return e
}

// Start binds the control and audio listeners.
func (e *Engine) Start() error {
	if err := e.control.Start(e.cfg.ControlAddr); err != nil {
		return err
	}
	if err := e.audio.Start(e.cfg.AudioAddr); err != nil {
		e.control.Stop()
		return err
	}
	return nil
}

// Stop tears down both listeners, every client connection and any live
// audio session. Callable from any goroutine.
func (e *Engine) Stop() {
	e.audio.Stop()
	e.control.Stop()
}

// Calls exposes the correlator as the entry point for the telephony event
// source: Ring, OffHook and Idle transitions are fed here.
func (e *Engine) Calls() *correlator.Correlator {
	return e.calls
}

// ControlAddr returns the bound control listener address.
func (e *Engine) ControlAddr() net.Addr {
	return e.control.Addr()
}

// AudioAddr returns the bound audio listener address.
func (e *Engine) AudioAddr() net.Addr {
	return e.audio.Addr()
}

// HandleCommand dispatches one inbound control line. Unknown commands are
// logged and ignored; every failed action degrades to a STATUS event on
// the same channel the call events use.
func (e *Engine) HandleCommand(line string) {
	cmd, err := protocol.ParseCommand(line)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownMessage) {
			e.log.Warnf("ignoring unknown command %q", line)
			return
		}
		e.log.Warnf("malformed command %q: %v", line, err)
		return
	}
	e.log.Debugf("dispatching command %s", cmd.Verb)

	switch cmd.Verb {
	case protocol.CmdAnswer:
		e.invoke("answer call", e.actions.Answer)
	case protocol.CmdEndCall:
		e.invoke("end call", e.actions.End)
	case protocol.CmdMute:
		e.invoke("mute", func() error { return e.actions.SetMute(true) })
	case protocol.CmdUnmute:
		e.invoke("unmute", func() error { return e.actions.SetMute(false) })
	case protocol.CmdHold:
		e.invoke("hold", func() error { return e.actions.SetHold(true) })
	case protocol.CmdUnhold, protocol.CmdResume:
		e.invoke("unhold", func() error { return e.actions.SetHold(false) })
	case protocol.CmdSpeakerOn:
		e.invoke("speaker on", func() error { return e.actions.SetSpeaker(true) })
	case protocol.CmdSpeakerOff:
		e.invoke("speaker off", func() error { return e.actions.SetSpeaker(false) })
	case protocol.CmdDial, protocol.CmdRemoteCall:
		e.dial(cmd.Arg)
	case protocol.CmdAudioReady:
		e.audioReady()
	}
}

// invoke runs a fire-and-forget telephony action, converting a failure
// into a status event. The command is dropped, not retried.
func (e *Engine) invoke(what string, action func() error) {
	if err := action(); err != nil {
		e.log.Errorf("%s failed: %v", what, err)
		e.status("Host: could not " + what + ".")
	}
}

func (e *Engine) dial(number string) {
	name := e.calls.DialRequested(number)
	if err := e.actions.PlaceCall(number); err != nil {
		e.log.Errorf("place call to %s failed: %v", number, err)
		e.status("Host: error placing call.")
		return
	}
	e.status("Host: placing call for " + name)
}

// audioReady completes the handshake: the client's audio socket is open,
// so the host starts its side and tells the client to start pumping.
func (e *Engine) audioReady() {
	if err := e.audio.StartBridge(); err != nil {
		e.log.Errorf("audio bridge start failed: %v", err)
		e.status("Host: audio bridge failed to start.")
		return
	}
	e.control.Broadcast(protocol.StartAudioBridge{}.Encode())
}

// HandleSMS forwards a one-time passcode found in an SMS body to every
// client. Bodies without a code are ignored.
func (e *Engine) HandleSMS(sender, body string) {
	code := sms.ExtractOTP(body)
	if code == "" {
		return
	}
	e.log.Infof("forwarding OTP received from %s", sender)
	e.control.Broadcast(protocol.OTP{Code: code}.Encode())
	e.status("Host: OTP received from " + sender + " and forwarded.")
}

// MirrorNotification relays a notification posted on the host. Which
// notifications to mirror is the caller's policy.
func (e *Engine) MirrorNotification(app, title, text string) {
	e.control.Broadcast(protocol.Notification{App: app, Title: title, Text: text}.Encode())
}

func (e *Engine) status(text string) {
	e.control.Broadcast(protocol.Status{Text: text}.Encode())
}
