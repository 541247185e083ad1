package relay

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// client is one accepted connection: a reader goroutine feeding broadcast and
// a writer goroutine draining out.
type client struct {
	id   uint64
	conn net.Conn
	out  chan []byte
	done chan struct{}
	once sync.Once

	// logLimiter keeps a misbehaving client from flooding the relay log.
	logLimiter *rate.Limiter
}

func newClient(id uint64, conn net.Conn, depth int) *client {
	return &client{
		id:         id,
		conn:       conn,
		out:        make(chan []byte, depth),
		done:       make(chan struct{}),
		logLimiter: rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

// enqueue reports false when the client's queue is full or it is closing.
func (c *client) enqueue(msg []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.out <- msg:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
