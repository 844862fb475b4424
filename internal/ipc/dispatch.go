package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/danmuck/edgeipc/internal/protocol"
	"github.com/danmuck/edgeipc/internal/protocol/frame"
	"github.com/danmuck/edgeipc/internal/protocol/session"
	"github.com/danmuck/edgeipc/internal/workers"
)

// readLoop is the dispatch loop for one session. It never runs handlers
// itself and exits on the first fatal read error.
func (c *Client) readLoop(s *conn) {
	defer close(s.loopDone)
	for {
		fr, err := frame.ReadFrame(s.reader, c.limits)
		if err != nil {
			if frame.IsRecoverable(err) {
				c.dropMalformed(fr, err)
				continue
			}
			c.sessionLost(s, err)
			return
		}
		if fr.IsResponse() {
			c.deliverResponse(fr)
			continue
		}
		c.dispatchRequest(s, fr)
	}
}

// dropMalformed discards a frame that failed to decode. A response whose
// header was readable still fails its waiter.
func (c *Client) dropMalformed(fr frame.Frame, err error) {
	c.metrics.RecordDroppedFrame("decode")
	if fr.IsResponse() {
		if c.table.Fail(fr.RequestID, fmt.Errorf("ipc: malformed response: %w", err)) {
			c.log.Warnf("ipc.Client malformed response request_id=%d err=%v", fr.RequestID, err)
			return
		}
	}
	c.log.Warnf("ipc.Client dropped malformed frame dest=%d request_id=%d err=%v", fr.Destination, fr.RequestID, err)
}

func (c *Client) deliverResponse(fr frame.Frame) {
	var ok bool
	if fr.Destination == protocol.DestError {
		ok = c.table.Fail(fr.RequestID, &RemoteError{Message: string(fr.Payload)})
	} else {
		ok = c.table.Resolve(fr.RequestID, fr)
	}
	if !ok {
		c.metrics.RecordDroppedFrame("unknown_request_id")
		c.log.Debugf("ipc.Client response for unknown request_id=%d dest=%d", fr.RequestID, fr.Destination)
	}
}

func (c *Client) dispatchRequest(s *conn, fr frame.Frame) {
	h, ok := c.handler(fr.Destination)
	if !ok {
		c.metrics.RecordDroppedFrame("unknown_destination")
		c.log.Warnf("ipc.Client request for unknown destination dest=%d request_id=%d", fr.Destination, fr.RequestID)
		c.replyError(s, fr.RequestID, fmt.Sprintf("unknown destination %d", fr.Destination))
		return
	}
	err := c.pool.Go(fr.Destination, func(ctx context.Context) {
		c.invoke(ctx, s, h, fr)
	})
	if err != nil {
		c.metrics.RecordDroppedFrame("handler_unavailable")
		c.log.Warnf("ipc.Client handler not scheduled dest=%d request_id=%d err=%v", fr.Destination, fr.RequestID, err)
		c.replyError(s, fr.RequestID, fmt.Sprintf("destination %d unavailable: %v", fr.Destination, err))
	}
}

// replyError queues an Error-destination response. A full write queue moves
// the reply onto its own goroutine; the read loop never waits for space.
func (c *Client) replyError(s *conn, requestID uint32, msg string) {
	out := outbound{frame: frame.Response(protocol.DestError, requestID, errorPayload(msg))}
	err := s.tryEnqueue(out)
	if errors.Is(err, ErrWriteQueueFull) {
		go func() {
			if err := s.enqueue(out); err != nil {
				c.log.Debugf("ipc.Client error reply dropped request_id=%d err=%v", requestID, err)
			}
		}()
		return
	}
	if err != nil {
		c.log.Debugf("ipc.Client error reply dropped request_id=%d err=%v", requestID, err)
	}
}

// invoke runs h on a worker and queues its reply on the session that
// delivered the request.
func (c *Client) invoke(ctx context.Context, s *conn, h Handler, fr frame.Frame) {
	payload, err := callHandler(ctx, h, messageFromFrame(fr))
	c.metrics.RecordHandler(uint16(fr.Destination), err == nil)

	reply := frame.Response(fr.Destination, fr.RequestID, payload)
	if err == nil && len(payload) > frame.MaxPayloadLen {
		err = fmt.Errorf("%w: %d", frame.ErrPayloadTooLarge, len(payload))
	}
	if err != nil {
		c.log.Warnf("ipc.Client handler dest=%d request_id=%d err=%v", fr.Destination, fr.RequestID, err)
		reply = frame.Response(protocol.DestError, fr.RequestID, errorPayload(err.Error()))
	}
	if err := s.enqueue(outbound{frame: reply}); err != nil {
		c.log.Debugf("ipc.Client handler reply dropped dest=%d request_id=%d err=%v", fr.Destination, fr.RequestID, err)
	}
}

func callHandler(ctx context.Context, h Handler, msg Message) (payload []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			payload = nil
			err = &workers.PanicError{Value: r}
		}
	}()
	return h(ctx, msg)
}

func errorPayload(msg string) []byte {
	b := []byte(msg)
	if len(b) > frame.MaxPayloadLen {
		b = b[:frame.MaxPayloadLen]
	}
	return b
}

// sessionLost tears down s after a fatal read error and schedules a
// reconnect unless the client is shutting down.
func (c *Client) sessionLost(s *conn, cause error) {
	s.close(cause)
	// false when a newer session is already installed; its status stands
	current := c.sess.CompareAndSwap(s, nil)
	shutdown := c.Status() == session.StatusShutdown
	if current && !shutdown {
		c.setStatus(session.StatusDisconnected)
	}
	failErr := ErrShutdown
	if !shutdown {
		failErr = fmt.Errorf("%w: %v", ErrConnectionLost, cause)
	}
	n := c.table.FailGeneration(s.gen, failErr)
	if shutdown {
		return
	}
	if !current {
		c.log.Debugf("ipc.Client superseded session closed gen=%d failed_pending=%d err=%v", s.gen, n, cause)
		return
	}
	if errors.Is(cause, io.EOF) {
		c.log.Warnf("ipc.Client peer closed gen=%d failed_pending=%d", s.gen, n)
	} else {
		c.log.Warnf("ipc.Client connection lost gen=%d failed_pending=%d err=%v", s.gen, n, cause)
	}
	go c.reconnectAfterLoss()
}

func (c *Client) reconnectAfterLoss() {
	if err := c.Reconnect(c.lifeCtx); err != nil {
		if errors.Is(err, ErrShutdown) || c.lifeCtx.Err() != nil {
			return
		}
		c.log.Errorf("ipc.Client background reconnect gave up addr=%q err=%v", c.endpoint.String(), err)
	}
}
