// Package telephony defines the contract for the host-runtime call and
// audio-routing actions the engine invokes. Implementations live outside
// the core; how a call is actually answered (telecom API, accessibility
// automation) is not the engine's concern.
package telephony

import "github.com/sirupsen/logrus"

// Actions is the external telephony collaborator. All methods are
// fire-and-forget from the engine's point of view: state changes caused by
// Answer, End and PlaceCall arrive later as asynchronous call-state
// transitions. An error indicates the action could not even be attempted,
// typically a missing capability.
type Actions interface {
	Answer() error
	End() error
	SetMute(muted bool) error
	SetHold(held bool) error
	SetSpeaker(enabled bool) error
	PlaceCall(number string) error
}

// LogActions is an Actions implementation that only logs. The bundled
// binaries use it where no real telephony integration is wired.
type LogActions struct {
	Log *logrus.Entry
}

func (a LogActions) Answer() error {
	a.Log.Info("answer call requested")
	return nil
}

func (a LogActions) End() error {
	a.Log.Info("end call requested")
	return nil
}

func (a LogActions) SetMute(muted bool) error {
	a.Log.Infof("microphone mute set to %v", muted)
	return nil
}

func (a LogActions) SetHold(held bool) error {
	a.Log.Infof("hold set to %v", held)
	return nil
}

func (a LogActions) SetSpeaker(enabled bool) error {
	a.Log.Infof("speakerphone set to %v", enabled)
	return nil
}

func (a LogActions) PlaceCall(number string) error {
	a.Log.Infof("placing call to %s", number)
	return nil
}
