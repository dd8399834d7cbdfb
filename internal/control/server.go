// Package control implements the line-delimited control channel: a
// one-to-many server on the host and a one-to-one client connection.
package control

import (
	"bufio"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
	"github.com/tevino/abool/v2"
)

// writeTimeout bounds how long a broadcast pass may stall on one peer
// before that peer is treated as errored and pruned.
const writeTimeout = 5 * time.Second

// maxLineSize caps a single control line well above any legitimate message,
// so a long notification body does not trip the scanner's default limit.
const maxLineSize = 1024 * 1024

// CommandHandler receives every full line read from any connected client.
type CommandHandler interface {
	HandleCommand(line string)
}

type registerOp struct {
	id   string
	conn net.Conn
}

type unregisterOp struct {
	id string
}

type broadcastOp struct {
	line string
}

// Server accepts control-channel connections and broadcasts events to all
// of them. The client registry is owned exclusively by the run goroutine;
// registration, removal and broadcasting are serialized through one
// channel, so no lock guards the registry.
type Server struct {
	log     *logrus.Entry
	handler CommandHandler

	// OnClientCount, when set, is invoked from the registry goroutine
	// after every membership change.
	OnClientCount func(n int)

	listener net.Listener
	ops      chan any
	quit     chan struct{}
	stopping *abool.AtomicBool

	connected  prometheus.Gauge
	broadcasts prometheus.Counter
}

// NewServer creates a control server. reg may be nil to skip metric
// registration.
func NewServer(handler CommandHandler, log *logrus.Entry, reg prometheus.Registerer) *Server {
	factory := promauto.With(reg)
	return &Server{
		log:      log,
		handler:  handler,
		ops:      make(chan any, 16),
		quit:     make(chan struct{}),
		stopping: abool.New(),
		connected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "control_connected_clients",
			Help: "Currently connected control-channel clients.",
		}),
		broadcasts: factory.NewCounter(prometheus.CounterOpts{
			Name: "control_broadcasts_total",
			Help: "Lines broadcast to control-channel clients.",
		}),
	}
}

// Start binds the listening socket and runs the accept loop and registry
// goroutine in the background.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("control listen: %w", err)
	}
	s.listener = listener
	s.log.Infof("control server listening on %s", listener.Addr())

	go s.run()
	go s.acceptLoop()
	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Stop closes the listener and every registered connection. Safe to call
// from any goroutine.
func (s *Server) Stop() {
	if !s.stopping.SetToIf(false, true) {
		return
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
	close(s.quit)
}

// Broadcast queues one line for delivery to every connected client. It
// never blocks on a slow peer and never reports an error to the caller;
// errored writers are pruned after the delivery pass.
func (s *Server) Broadcast(line string) {
	s.submit(broadcastOp{line: line})
}

func (s *Server) submit(op any) {
	select {
	case s.ops <- op:
	case <-s.quit:
	}
}

// run owns the registry.
func (s *Server) run() {
	clients := make(map[string]net.Conn)
	defer func() {
		for _, conn := range clients {
			_ = conn.Close()
		}
	}()

	for {
		select {
		case op := <-s.ops:
			switch op := op.(type) {
			case registerOp:
				clients[op.id] = op.conn
				s.countChanged(len(clients))
			case unregisterOp:
				if conn, ok := clients[op.id]; ok {
					_ = conn.Close()
					delete(clients, op.id)
					s.countChanged(len(clients))
				}
			case broadcastOp:
				s.broadcasts.Inc()
				var dead []string
				for id, conn := range clients {
					_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
					if _, err := conn.Write([]byte(op.line + "\n")); err != nil {
						s.log.Warnf("broadcast to %s failed: %v", id, err)
						dead = append(dead, id)
					}
				}
				for _, id := range dead {
					_ = clients[id].Close()
					delete(clients, id)
				}
				if len(dead) > 0 {
					s.countChanged(len(clients))
				}
			}
		case <-s.quit:
			return
		}
	}
}

func (s *Server) countChanged(n int) {
	s.connected.Set(float64(n))
	if s.OnClientCount != nil {
		s.OnClientCount(n)
	}
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !s.stopping.IsSet() {
				s.log.Errorf("control accept failed: %v", err)
			}
			return
		}
		id := uuid.NewString()
		s.log.Infof("client connected from %s", conn.RemoteAddr())
		s.submit(registerOp{id: id, conn: conn})
		go s.readLoop(id, conn)
	}
}

// readLoop reads full lines from one client until EOF or error, then
// deregisters that client. Other clients are unaffected.
func (s *Server) readLoop(id string, conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxLineSize)
	for scanner.Scan() {
		s.handler.HandleCommand(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		s.log.Infof("client %s disconnected: %v", conn.RemoteAddr(), err)
	} else {
		s.log.Infof("client %s disconnected cleanly", conn.RemoteAddr())
	}
	s.submit(unregisterOp{id: id})
}
