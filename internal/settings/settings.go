// Package settings loads configuration from settings.ini.
package settings

import (
	"fmt"
	"time"

	ini "gopkg.in/ini.v1"
)

// Settings holds application configuration for both the host and client
// binaries.
type Settings struct {
	controlPort int
	audioPort   int
	metricsAddr string

	clientHost        string
	audioRetryCount   int
	audioRetryDelayMS int

	frameSize     int
	readTimeoutMS int

	contacts map[string]string
}

// Load reads configuration from an ini file and validates required fields.
func Load(cfg *ini.File) (*Settings, error) {
	s := &Settings{}

	sec := cfg.Section("network")
	s.controlPort = sec.Key("control_port").MustInt(8080)
	s.audioPort = sec.Key("audio_port").MustInt(8081)
	s.metricsAddr = sec.Key("metrics_addr").String()

	sec = cfg.Section("client")
	s.clientHost = sec.Key("host").String()
	s.audioRetryCount = sec.Key("audio_retry_count").MustInt(5)
	s.audioRetryDelayMS = sec.Key("audio_retry_delay_ms").MustInt(1000)

	sec = cfg.Section("audio")
	s.frameSize = sec.Key("frame_size").MustInt(640)
	s.readTimeoutMS = sec.Key("read_timeout_ms").MustInt(1500)

	s.contacts = cfg.Section("contacts").KeysHash()

	if s.controlPort == s.audioPort {
		return nil, fmt.Errorf("control_port and audio_port must differ")
	}
	if s.frameSize <= 0 {
		return nil, fmt.Errorf("frame_size must be positive")
	}

	return s, nil
}

func (s *Settings) ControlPort() int     { return s.controlPort }
func (s *Settings) AudioPort() int       { return s.audioPort }
func (s *Settings) MetricsAddr() string  { return s.metricsAddr }
func (s *Settings) ClientHost() string   { return s.clientHost }
func (s *Settings) AudioRetryCount() int { return s.audioRetryCount }
func (s *Settings) FrameSize() int       { return s.frameSize }

// Contacts returns the static number-to-name pairs from the [contacts]
// section, used to seed the resolver in the bundled binaries.
func (s *Settings) Contacts() map[string]string { return s.contacts }

func (s *Settings) AudioRetryDelay() time.Duration {
	return time.Duration(s.audioRetryDelayMS) * time.Millisecond
}

func (s *Settings) AudioReadTimeout() time.Duration {
	return time.Duration(s.readTimeoutMS) * time.Millisecond
}
