package audio

import (
	"errors"
	"net"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tevino/abool/v2"
)

// halfCloser is the subset of *net.TCPConn used to nudge blocked pumps out
// of their reads and writes without killing their goroutines.
type halfCloser interface {
	CloseRead() error
	CloseWrite() error
}

// Bridge runs the two streaming pumps for one audio session: local source
// to peer, and peer to local sink. The directions are fully independent;
// blocking one never blocks the other.
type Bridge struct {
	conn   net.Conn
	source Source
	sink   Sink
	cfg    Config
	log    *logrus.Entry

	streaming *abool.AtomicBool
	wg        sync.WaitGroup
	stopOnce  sync.Once
}

// NewBridge wraps an established audio connection. Start must be called to
// begin pumping.
func NewBridge(conn net.Conn, source Source, sink Sink, cfg Config, log *logrus.Entry) *Bridge {
	return &Bridge{
		conn:      conn,
		source:    source,
		sink:      sink,
		cfg:       cfg.withDefaults(),
		log:       log,
		streaming: abool.New(),
	}
}

// Start launches both pumps.
func (b *Bridge) Start() {
	if tcp, ok := b.conn.(*net.TCPConn); ok {
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetNoDelay(true)
	}
	b.streaming.Set()
	b.log.Debug("starting bidirectional audio bridge")
	b.wg.Add(2)
	go b.pumpOut()
	go b.pumpIn()
}

// Stop clears the streaming flag, nudges both pumps out of blocking I/O
// via socket half-close, and waits for them within ShutdownTimeout. Device
// handles are released by the pumps themselves, so they are closed even if
// the wait times out.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.streaming.UnSet()
		b.log.Debug("stopping audio bridge")

		if hc, ok := b.conn.(halfCloser); ok {
			_ = hc.CloseRead()
			_ = hc.CloseWrite()
		}
		_ = b.conn.SetReadDeadline(time.Now())

		done := make(chan struct{})
		go func() {
			b.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(ShutdownTimeout):
			b.log.Warn("audio pumps did not exit within shutdown window")
		}
		_ = b.conn.Close()
	})
}

// Running reports whether the pumps are active.
func (b *Bridge) Running() bool {
	return b.streaming.IsSet()
}

// pumpOut reads fixed-size frames from the local source and writes them to
// the peer. No buffering beyond the OS socket buffer; a slow peer blocks
// this direction only.
func (b *Bridge) pumpOut() {
	defer b.wg.Done()
	defer func() { _ = b.source.Close() }()

	buf := make([]byte, b.cfg.FrameSize)
	b.log.Debug("source to peer pump started")
	for b.streaming.IsSet() {
		n, err := b.source.Read(buf)
		if err != nil {
			b.log.Debugf("audio source closed: %v", err)
			break
		}
		if n == 0 {
			continue
		}
		if _, err := b.conn.Write(buf[:n]); err != nil {
			if b.streaming.IsSet() {
				b.log.Warnf("audio write failed: %v", err)
			}
			break
		}
	}
	if hc, ok := b.conn.(halfCloser); ok {
		_ = hc.CloseWrite()
	}
	b.log.Debug("source to peer pump stopped")
}

// pumpIn reads from the peer and writes to the local sink. Socket reads
// carry a short deadline purely so the stop flag is polled.
func (b *Bridge) pumpIn() {
	defer b.wg.Done()
	defer func() { _ = b.sink.Close() }()

	buf := make([]byte, b.cfg.FrameSize)
	b.log.Debug("peer to sink pump started")
	for b.streaming.IsSet() {
		_ = b.conn.SetReadDeadline(time.Now().Add(b.cfg.ReadTimeout))
		n, err := b.conn.Read(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if b.streaming.IsSet() && !errors.Is(err, os.ErrDeadlineExceeded) {
				b.log.Debugf("audio read ended: %v", err)
			}
			break
		}
		if n > 0 {
			if _, err := b.sink.Write(buf[:n]); err != nil {
				b.log.Warnf("audio sink write failed: %v", err)
				break
			}
		}
	}
	b.log.Debug("peer to sink pump stopped")
}
