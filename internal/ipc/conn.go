package ipc

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/danmuck/edgeipc/internal/protocol/frame"
)

// outbound is one queued frame. tracked frames are requests whose pending
// entry must fail if the write does not happen.
type outbound struct {
	frame   frame.Frame
	tracked bool
}

// conn is one authenticated session. Its fields are fixed at creation; a
// reconnect builds a new conn.
type conn struct {
	gen         uint64
	nc          net.Conn
	reader      *bufio.Reader
	serviceName string
	clientID    string

	writes   chan outbound
	done     chan struct{}
	loopDone chan struct{}

	closeOnce sync.Once
	closeErr  error
}

func newConn(gen uint64, nc net.Conn, reader *bufio.Reader, serviceName, clientID string, queueSize int) *conn {
	return &conn{
		gen:         gen,
		nc:          nc,
		reader:      reader,
		serviceName: serviceName,
		clientID:    clientID,
		writes:      make(chan outbound, queueSize),
		done:        make(chan struct{}),
		loopDone:    make(chan struct{}),
	}
}

func (s *conn) close(err error) {
	s.closeOnce.Do(func() {
		s.closeErr = err
		close(s.done)
		_ = s.nc.Close()
	})
}

func (s *conn) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// tryEnqueue never blocks.
func (s *conn) tryEnqueue(out outbound) error {
	if s.closed() {
		return ErrNotConnected
	}
	select {
	case s.writes <- out:
		return nil
	case <-s.done:
		return ErrNotConnected
	default:
		return ErrWriteQueueFull
	}
}

// enqueue waits for queue space until the session closes.
func (s *conn) enqueue(out outbound) error {
	select {
	case s.writes <- out:
		return nil
	case <-s.done:
		return ErrNotConnected
	}
}

// writeLoop is the only writer on nc.
func (c *Client) writeLoop(s *conn) {
	w := bufio.NewWriter(s.nc)
	for {
		select {
		case out := <-s.writes:
			if err := c.writeOne(s, w, out); err != nil {
				if out.tracked {
					c.table.Fail(out.frame.RequestID, fmt.Errorf("%w: %v", ErrWriteFailed, err))
				}
				c.log.Warnf("ipc.Client write gen=%d dest=%d request_id=%d err=%v", s.gen, out.frame.Destination, out.frame.RequestID, err)
				s.close(err)
				c.drainWrites(s)
				return
			}
		case <-s.done:
			c.drainWrites(s)
			return
		}
	}
}

func (c *Client) writeOne(s *conn, w *bufio.Writer, out outbound) error {
	if c.cfg.WriteTimeout > 0 {
		_ = s.nc.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	if err := frame.WriteFrame(w, out.frame); err != nil {
		return err
	}
	// batch frames already queued behind this one
	if len(s.writes) > 0 {
		return nil
	}
	return w.Flush()
}

func (c *Client) drainWrites(s *conn) {
	for {
		select {
		case out := <-s.writes:
			if out.tracked {
				c.table.Fail(out.frame.RequestID, ErrConnectionLost)
			}
		default:
			return
		}
	}
}
