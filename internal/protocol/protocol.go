// Package protocol implements the line codec used on the control channel.
// Every message is a single UTF-8 line terminated by '\n'; fields within a
// message are separated by '|'.
package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// UnknownName is the sentinel used when a display name or number is
// unavailable.
const UnknownName = "Unknown"

// ErrUnknownMessage is returned for lines that match no known event or
// command. Callers log and ignore; the connection stays open.
var ErrUnknownMessage = errors.New("unknown message")

// Command verbs, client to host.
const (
	CmdAnswer     = "ANSWER"
	CmdEndCall    = "END_CALL"
	CmdMute       = "MUTE"
	CmdUnmute     = "UNMUTE"
	CmdHold       = "HOLD"
	CmdUnhold     = "UNHOLD"
	CmdResume     = "RESUME" // legacy alias for UNHOLD
	CmdSpeakerOn  = "SPEAKER_ON"
	CmdSpeakerOff = "SPEAKER_OFF"
	CmdDial       = "DIAL"
	CmdRemoteCall = "REMOTE_CALL" // legacy alias for DIAL
	CmdAudioReady = "AUDIO_READY"
)

// Command is a single client-to-host request. Only DIAL carries an argument.
type Command struct {
	Verb string
	Arg  string
}

func (c Command) Encode() string {
	if c.Arg != "" {
		return c.Verb + ":" + c.Arg
	}
	return c.Verb
}

// ParseCommand decodes one command line. Unknown verbs return the raw verb
// together with ErrUnknownMessage.
func ParseCommand(line string) (Command, error) {
	line = strings.TrimRight(line, "\r\n")
	verb, arg, _ := strings.Cut(line, ":")
	switch verb {
	case CmdAnswer, CmdEndCall, CmdMute, CmdUnmute, CmdHold, CmdUnhold,
		CmdResume, CmdSpeakerOn, CmdSpeakerOff, CmdAudioReady:
		return Command{Verb: verb}, nil
	case CmdDial, CmdRemoteCall:
		if arg == "" {
			return Command{Verb: verb}, fmt.Errorf("%w: %s without number", ErrUnknownMessage, verb)
		}
		return Command{Verb: verb, Arg: arg}, nil
	default:
		return Command{Verb: verb, Arg: arg}, fmt.Errorf("%w: %q", ErrUnknownMessage, line)
	}
}

// Event is a host-to-client message.
type Event interface {
	Encode() string
}

// Ringing reports an incoming call before it is answered.
type Ringing struct {
	Number string
	Name   string
}

func (e Ringing) Encode() string { return "RINGING:" + e.Number + "|" + e.Name }

// CallStarted reports a call becoming active, answered or connected outgoing.
type CallStarted struct {
	Number string
	Name   string
}

func (e CallStarted) Encode() string { return "CALL_STARTED:" + e.Number + "|" + e.Name }

// CallIdle reports the call ending.
type CallIdle struct{}

func (CallIdle) Encode() string { return "CALL_IDLE" }

// StartAudioBridge tells the client its audio pumps may start. Second half
// of the AUDIO_READY handshake.
type StartAudioBridge struct{}

func (StartAudioBridge) Encode() string { return "START_AUDIO_BRIDGE" }

// OTP forwards a one-time passcode extracted from an SMS on the host.
type OTP struct {
	Code string
}

func (e OTP) Encode() string { return "OTP:" + e.Code }

// Notification mirrors a notification posted on the host.
type Notification struct {
	App   string
	Title string
	Text  string
}

func (e Notification) Encode() string {
	return "NOTIFICATION:" + e.App + "|" + e.Title + "|" + e.Text
}

// Status carries free-form human-readable status text. All fault reporting
// goes through this event so the UI layer renders it uniformly.
type Status struct {
	Text string
}

func (e Status) Encode() string { return "STATUS:" + e.Text }

// numberName splits "<number>|<name>", defaulting a missing name to Unknown.
func numberName(payload string) (string, string) {
	number, name, ok := strings.Cut(payload, "|")
	if !ok || name == "" {
		name = UnknownName
	}
	return number, name
}

// ParseEvent decodes one event line.
func ParseEvent(line string) (Event, error) {
	line = strings.TrimRight(line, "\r\n")
	switch {
	case line == "CALL_IDLE":
		return CallIdle{}, nil
	case line == "START_AUDIO_BRIDGE":
		return StartAudioBridge{}, nil
	case strings.HasPrefix(line, "RINGING:"):
		number, name := numberName(line[len("RINGING:"):])
		return Ringing{Number: number, Name: name}, nil
	case strings.HasPrefix(line, "CALL_STARTED:"):
		number, name := numberName(line[len("CALL_STARTED:"):])
		return CallStarted{Number: number, Name: name}, nil
	case strings.HasPrefix(line, "OTP:"):
		return OTP{Code: line[len("OTP:"):]}, nil
	case strings.HasPrefix(line, "NOTIFICATION:"):
		// Title and text split at most twice so '|' inside the trailing
		// text field survives.
		parts := strings.SplitN(line[len("NOTIFICATION:"):], "|", 3)
		n := Notification{App: parts[0]}
		if len(parts) > 1 {
			n.Title = parts[1]
		}
		if len(parts) > 2 {
			n.Text = parts[2]
		}
		return n, nil
	case strings.HasPrefix(line, "STATUS:"):
		return Status{Text: line[len("STATUS:"):]}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, line)
	}
}
