// Package correlator turns raw telephony call-state transitions into
// protocol events. It owns the single in-flight CallContext and resolves
// the ambiguity between an answered incoming call and a connecting
// outgoing call.
package correlator

import (
	"context"
	"sync"

	"github.com/looplab/fsm"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"remotephone/internal/protocol"
)

// Call states.
const (
	StateIdle      = "idle"
	StateRinging   = "ringing"
	StateConnected = "connected"
)

// Raw transition events driving the state machine.
const (
	eventRing    = "ring"
	eventOffHook = "offhook"
	eventIdle    = "idle"
)

// Direction of a call.
type Direction int

const (
	Incoming Direction = iota
	Outgoing
)

// Origin records which raw event created a CallContext.
type Origin int

const (
	OriginNone Origin = iota
	OriginRinging
	OriginDialing
)

// CallContext correlates a number and display name to the call currently
// in flight. At most one is live at a time.
type CallContext struct {
	Number      string
	DisplayName string
	Direction   Direction
	Origin      Origin
}

// Broadcaster delivers an encoded protocol line to every connected client.
type Broadcaster interface {
	Broadcast(line string)
}

// AudioStopper tears down a live audio session when the call ends.
type AudioStopper interface {
	StopBridge()
}

// Resolver maps a phone number to a display name, returning Unknown on
// failure. It is the external identity-resolver collaborator.
type Resolver func(number string) string

// Correlator is the host-side call-state machine. All methods are safe for
// concurrent use; the mutex is the single owner of the contexts. Pending
// dialing and ringing contexts live in separate slots so neither event can
// clobber the other before OFFHOOK picks the winner.
type Correlator struct {
	mu        sync.Mutex
	sm        *fsm.FSM
	dialing   *CallContext
	ringing   *CallContext
	current   *CallContext
	resolve   Resolver
	broadcast Broadcaster
	audio     AudioStopper
	log       *logrus.Entry

	replaced  prometheus.Counter
	fallbacks prometheus.Counter
}

// New creates a Correlator. audio may be nil when no audio bridge is wired;
// reg may be nil to skip metric registration.
func New(resolve Resolver, b Broadcaster, audio AudioStopper, log *logrus.Entry, reg prometheus.Registerer) *Correlator {
	factory := promauto.With(reg)
	return &Correlator{
		sm: fsm.NewFSM(
			StateIdle,
			fsm.Events{
				{Name: eventRing, Src: []string{StateIdle, StateRinging, StateConnected}, Dst: StateRinging},
				{Name: eventOffHook, Src: []string{StateIdle, StateRinging}, Dst: StateConnected},
				{Name: eventIdle, Src: []string{StateRinging, StateConnected}, Dst: StateIdle},
			}, nil,
		),
		resolve:   resolve,
		broadcast: b,
		audio:     audio,
		log:       log,
		replaced: factory.NewCounter(prometheus.CounterOpts{
			Name: "correlator_context_replaced_total",
			Help: "Call contexts silently replaced by a newer RING or DIAL before resolution.",
		}),
		fallbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "correlator_fallback_starts_total",
			Help: "CALL_STARTED events emitted without a stored call context.",
		}),
	}
}

// State reports the current call state.
func (c *Correlator) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sm.Current()
}

// Current returns a copy of the live call context, or nil when idle. Before
// OFFHOOK it reports the pending context, dialing ahead of ringing.
func (c *Correlator) Current() *CallContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ctx := range []*CallContext{c.current, c.dialing, c.ringing} {
		if ctx != nil {
			cp := *ctx
			return &cp
		}
	}
	return nil
}

// Ring handles an incoming-call transition. The resolved name and number
// are stored for the eventual OFFHOOK and broadcast immediately.
func (c *Correlator) Ring(number string) {
	if number == "" {
		number = protocol.UnknownName
	}
	name := c.resolveName(number)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ringing != nil {
		c.log.Warnf("ring from %s replaces pending ring context for %s", number, c.ringing.Number)
		c.replaced.Inc()
	}
	c.ringing = &CallContext{
		Number:      number,
		DisplayName: name,
		Direction:   Incoming,
		Origin:      OriginRinging,
	}
	c.fire(eventRing)

	c.log.Infof("incoming call from %s (%s)", number, name)
	c.broadcast.Broadcast(protocol.Ringing{Number: number, Name: name}.Encode())
}

// DialRequested primes the context for an outgoing call about to be placed.
// It is not a state transition; the matching OFFHOOK arrives later.
func (c *Correlator) DialRequested(number string) string {
	name := c.resolveName(number)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dialing != nil {
		c.log.Warnf("dial to %s replaces pending dial context for %s", number, c.dialing.Number)
		c.replaced.Inc()
	}
	c.dialing = &CallContext{
		Number:      number,
		DisplayName: name,
		Direction:   Outgoing,
		Origin:      OriginDialing,
	}

	c.log.Infof("outgoing call to %s (%s) requested", number, name)
	return name
}

// OffHook handles the call becoming active. A pending Dialing context takes
// precedence over a Ringing one regardless of arrival order, since it was
// created deliberately by a local command. With no stored context at all
// the event degrades to Unknown fields; that path is counted, not hidden.
func (c *Correlator) OffHook() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sm.Current() == StateConnected {
		c.log.Debug("duplicate offhook ignored")
		return
	}

	winner := c.dialing
	if winner == nil {
		winner = c.ringing
	}
	c.dialing, c.ringing = nil, nil

	number, name := protocol.UnknownName, protocol.UnknownName
	if winner != nil {
		number, name = winner.Number, winner.DisplayName
		winner.Origin = OriginNone
		c.current = winner
	} else {
		c.log.Warn("offhook with no stored call context")
		c.fallbacks.Inc()
	}
	c.fire(eventOffHook)

	c.log.Infof("call active: %s (%s)", number, name)
	c.broadcast.Broadcast(protocol.CallStarted{Number: number, Name: name}.Encode())
}

// Idle handles the call ending. A second Idle in a row is a no-op: no
// second CALL_IDLE and no second audio teardown.
func (c *Correlator) Idle() {
	c.mu.Lock()
	defer c.mu.Unlock()

	wasInCall := c.sm.Current() != StateIdle
	c.dialing, c.ringing, c.current = nil, nil, nil
	if !wasInCall {
		return
	}
	c.fire(eventIdle)

	c.log.Info("call ended")
	c.broadcast.Broadcast(protocol.CallIdle{}.Encode())
	if c.audio != nil {
		c.audio.StopBridge()
	}
}

func (c *Correlator) resolveName(number string) string {
	if c.resolve == nil {
		return protocol.UnknownName
	}
	if name := c.resolve(number); name != "" {
		return name
	}
	return protocol.UnknownName
}

// fire advances the state machine, tolerating transitions the raw event
// source should not produce. Caller holds the mutex.
func (c *Correlator) fire(event string) {
	if err := c.sm.Event(context.Background(), event); err != nil {
		c.log.Debugf("state machine ignored %s in %s: %v", event, c.sm.Current(), err)
	}
}
