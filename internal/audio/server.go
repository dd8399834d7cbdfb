package audio

import (
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/tevino/abool/v2"
)

// DeviceFactory opens a fresh capture source and playback sink for one
// audio session.
type DeviceFactory func() (Source, Sink, error)

// Server is the host side of the audio bridge: a dedicated listener that
// accepts exactly one audio peer per call. A new connection arriving while
// one is active replaces it; the old session is torn down first.
type Server struct {
	log     *logrus.Entry
	cfg     Config
	devices DeviceFactory

	listener net.Listener
	stopping *abool.AtomicBool

	mu        sync.Mutex
	peer      net.Conn
	bridge    *Bridge
	sessionID string
}

// NewServer creates an audio server using devices to open hardware handles
// per session.
func NewServer(devices DeviceFactory, cfg Config, log *logrus.Entry) *Server {
	return &Server{
		log:      log,
		cfg:      cfg.withDefaults(),
		devices:  devices,
		stopping: abool.New(),
	}
}

// Start binds the audio listener and accepts peers in the background.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("audio listen: %w", err)
	}
	s.listener = listener
	s.log.Infof("audio server listening on %s", listener.Addr())
	go s.acceptLoop()
	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Stop tears down the current session and closes the listener.
func (s *Server) Stop() {
	if !s.stopping.SetToIf(false, true) {
		return
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.StopBridge()
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !s.stopping.IsSet() {
				s.log.Errorf("audio accept failed: %v", err)
			}
			return
		}
		s.log.Infof("audio peer connected from %s", conn.RemoteAddr())

		s.mu.Lock()
		if s.peer != nil {
			s.log.Info("replacing existing audio peer")
			if s.bridge != nil {
				s.bridge.Stop()
				s.bridge = nil
			}
			_ = s.peer.Close()
		}
		s.peer = conn
		s.sessionID = uuid.NewString()
		s.mu.Unlock()
	}
}

// StartBridge begins streaming on the currently connected peer. Called
// once the AUDIO_READY / START_AUDIO_BRIDGE handshake completes.
func (s *Server) StartBridge() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.peer == nil {
		return fmt.Errorf("no audio peer connected")
	}
	if s.bridge != nil {
		s.bridge.Stop()
		s.bridge = nil
	}

	source, sink, err := s.devices()
	if err != nil {
		return fmt.Errorf("open audio devices: %w", err)
	}

	s.log.Infof("starting audio session %s", s.sessionID)
	s.bridge = NewBridge(s.peer, source, sink, s.cfg, s.log)
	s.bridge.Start()
	return nil
}

// StopBridge tears down the active session, if any. Idempotent; called on
// CALL_IDLE and on socket faults.
func (s *Server) StopBridge() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.bridge != nil {
		s.log.Infof("stopping audio session %s", s.sessionID)
		s.bridge.Stop()
		s.bridge = nil
	}
	if s.peer != nil {
		_ = s.peer.Close()
		s.peer = nil
	}
}
