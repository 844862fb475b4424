package ipc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/edgeipc/internal/observability"
	"github.com/danmuck/edgeipc/internal/protocol/envelope"
	"github.com/danmuck/edgeipc/internal/protocol/frame"
	"github.com/danmuck/edgeipc/internal/protocol/pending"
	"github.com/danmuck/edgeipc/internal/protocol/session"
)

// SendRequest queues a REQUEST frame and returns its future without
// blocking. While the client is not connected, or the write queue is full,
// the returned future is already failed.
func (c *Client) SendRequest(dest frame.Destination, payload []byte) *pending.Future {
	if c.Status() == session.StatusShutdown {
		return pending.Failed(ErrShutdown)
	}
	if len(payload) > frame.MaxPayloadLen {
		return pending.Failed(fmt.Errorf("%w: %d", frame.ErrPayloadTooLarge, len(payload)))
	}
	s := c.sess.Load()
	if s == nil || s.closed() {
		return pending.Failed(ErrNotConnected)
	}
	// Register before writing so a fast response always finds its entry.
	fut, err := c.table.Allocate(s.gen)
	if err != nil {
		return pending.Failed(err)
	}
	out := outbound{frame: frame.Request(dest, fut.ID(), payload), tracked: true}
	if err := s.tryEnqueue(out); err != nil {
		c.table.Fail(fut.ID(), err)
	}
	return fut
}

// Request sends payload to dest and waits for the response. When ctx ends
// first the pending entry is failed and evicted.
func (c *Client) Request(ctx context.Context, dest frame.Destination, payload []byte) (Message, error) {
	start := time.Now()
	fut := c.SendRequest(dest, payload)
	resp, err := fut.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		select {
		case <-fut.Done():
		default:
			c.table.Fail(fut.ID(), ctx.Err())
		}
		resp, err = fut.Result()
	}
	c.metrics.RecordRequest(uint16(dest), outcome(err), time.Since(start))
	if err != nil {
		return Message{}, err
	}
	return messageFromFrame(resp), nil
}

// SendAndReceive wraps payload in an application envelope, sends it, and
// checks that the response carries the same envelope version.
func (c *Client) SendAndReceive(ctx context.Context, dest frame.Destination, version, opCode uint8, payload []byte) (envelope.Message, error) {
	req := envelope.Message{Version: version, OpCode: opCode, Payload: payload}
	resp, err := c.Request(ctx, dest, envelope.Encode(req))
	if err != nil {
		return envelope.Message{}, err
	}
	msg, err := envelope.DecodeResponse(req, resp.Payload)
	if err != nil {
		c.log.Warnf("ipc.Client envelope dest=%d request_id=%d err=%v", dest, resp.RequestID, err)
		return envelope.Message{}, err
	}
	return msg, nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return observability.OutcomeOK
	case IsRemote(err):
		return observability.OutcomeRemoteError
	case errors.Is(err, pending.ErrRequestTimeout), errors.Is(err, context.DeadlineExceeded):
		return observability.OutcomeTimeout
	case errors.Is(err, context.Canceled):
		return observability.OutcomeCancelled
	case errors.Is(err, ErrConnectionLost), errors.Is(err, ErrShutdown):
		return observability.OutcomeConnLost
	case errors.Is(err, ErrWriteFailed):
		return observability.OutcomeWriteFailed
	default:
		return observability.OutcomeRejected
	}
}
