package audio

import (
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

const dialTimeout = 5 * time.Second

// Dial opens the client side of the audio socket, retrying a bounded
// number of times with a fixed delay. A failure here is reported locally
// and never disturbs the control channel.
func Dial(addr string, attempts int, delay time.Duration, log *logrus.Entry) (net.Conn, error) {
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		conn, err := net.DialTimeout("tcp", addr, dialTimeout)
		if err == nil {
			log.Infof("audio socket connected on attempt %d", i+1)
			return conn, nil
		}
		lastErr = err
		log.Warnf("audio connect attempt %d failed: %v", i+1, err)
		if i < attempts-1 {
			time.Sleep(delay)
		}
	}
	return nil, fmt.Errorf("audio connect after %d attempts: %w", attempts, lastErr)
}
