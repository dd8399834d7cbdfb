// Package audio implements the raw-PCM audio bridge: a dedicated TCP
// connection carrying two independent stream directions between host and
// client. The format is a fixed out-of-band contract: mono, 16-bit PCM,
// 16 kHz; the bridge never negotiates.
package audio

import "time"

// Default frame size: 20 ms of mono 16-bit PCM at 16 kHz.
const DefaultFrameSize = 640

// DefaultReadTimeout bounds socket reads so the pumps can poll the stop
// flag. It is not a correctness mechanism.
const DefaultReadTimeout = 1500 * time.Millisecond

// ShutdownTimeout bounds how long Stop waits for both pumps to exit.
const ShutdownTimeout = 3 * time.Second

// Source is the local capture device, typically a microphone. Read must
// return within a bounded time so a cleared streaming flag is observed.
type Source interface {
	Read(p []byte) (int, error)
	Close() error
}

// Sink is the local playback device, typically the speaker.
type Sink interface {
	Write(p []byte) (int, error)
	Close() error
}

// Config carries the per-deployment audio parameters.
type Config struct {
	FrameSize   int
	ReadTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.FrameSize <= 0 {
		c.FrameSize = DefaultFrameSize
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	return c
}

// NullSource produces silence at the real-time pacing of the PCM contract.
// The bundled binaries use it where no capture hardware is wired.
type NullSource struct{}

func (NullSource) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	// one frame of 16-bit mono samples at 16 kHz
	time.Sleep(time.Duration(len(p)/2) * time.Second / 16000)
	return len(p), nil
}

func (NullSource) Close() error { return nil }

// Discard is a Sink that drops every frame.
type Discard struct{}

func (Discard) Write(p []byte) (int, error) { return len(p), nil }

func (Discard) Close() error { return nil }
