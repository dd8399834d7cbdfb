package control

import (
	"bufio"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const dialTimeout = 10 * time.Second

// Handler receives connection lifecycle callbacks and inbound event lines.
type Handler interface {
	Connected(addr string)
	Disconnected(err error)
	HandleEvent(line string)
	// Status reports a local, human-readable condition such as a failed
	// send. It mirrors the STATUS event channel used for remote faults.
	Status(text string)
}

// Client maintains exactly one control-channel connection to one host.
// There is no automatic reconnect; a dropped connection requires an
// explicit new Dial.
type Client struct {
	log     *logrus.Entry
	handler Handler

	mu     sync.Mutex
	conn   net.Conn
	closed bool

	sendCh    chan string
	done      chan struct{}
	closeOnce sync.Once
}

// Dial opens the connection in a background goroutine and returns
// immediately. Connection results arrive through the handler.
func Dial(addr string, handler Handler, log *logrus.Entry) *Client {
	c := &Client{
		log:     log,
		handler: handler,
		sendCh:  make(chan string, 16),
		done:    make(chan struct{}),
	}
	go c.run(addr)
	return c
}

func (c *Client) run(addr string) {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		c.log.Errorf("connect to %s failed: %v", addr, err)
		c.Close()
		c.handler.Status("connection to " + addr + " failed")
		c.handler.Disconnected(err)
		return
	}
	// Close may have won the race while the dial was in flight; the fresh
	// connection must not outlive it.
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.mu.Unlock()
	c.log.Infof("connected to %s", addr)
	c.handler.Connected(addr)

	go c.writeLoop()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxLineSize)
	for scanner.Scan() {
		c.handler.HandleEvent(scanner.Text())
	}
	err = scanner.Err()
	if err != nil {
		c.log.Errorf("control connection error: %v", err)
	} else {
		c.log.Info("disconnected cleanly from host")
	}
	c.Close()
	c.handler.Disconnected(err)
}

// writeLoop is the single writer for this connection, so queued commands
// are never interleaved into partial lines.
func (c *Client) writeLoop() {
	for {
		select {
		case line := <-c.sendCh:
			if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
				c.log.Errorf("send failed: %v", err)
				c.handler.Status("error sending command")
			}
		case <-c.done:
			return
		}
	}
}

// Send queues one command line. Sending while disconnected degrades to a
// local status report, never an error or crash.
func (c *Client) Send(line string) {
	select {
	case <-c.done:
		c.handler.Status("not connected to a host")
	case c.sendCh <- line:
	}
}

// Close tears down the connection. Idempotent, callable from any
// goroutine.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		c.closed = true
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.mu.Unlock()
	})
}
