package kernel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/edgeipc/internal/observability"
	"github.com/danmuck/edgeipc/internal/protocol"
	"github.com/danmuck/edgeipc/internal/protocol/frame"
)

// Request sends a REQUEST to a client's registered handler and waits for the
// answer. Cancelling ctx evicts the pending entry.
func (s *Server) Request(ctx context.Context, clientID string, dest frame.Destination, payload []byte) ([]byte, error) {
	start := time.Now()
	resp, err := s.request(ctx, clientID, dest, payload)
	s.cfg.Metrics.RecordRequest(uint16(dest), requestOutcome(ctx, err), time.Since(start))
	return resp, err
}

func (s *Server) request(ctx context.Context, clientID string, dest frame.Destination, payload []byte) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrServerClosed
	}
	if len(payload) > frame.MaxPayloadLen {
		return nil, fmt.Errorf("%w: %d", frame.ErrPayloadTooLarge, len(payload))
	}
	cc, ok := s.client(clientID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownClient, clientID)
	}
	fut, err := s.table.Allocate(cc.gen)
	if err != nil {
		return nil, err
	}
	if err := cc.tryEnqueue(outbound{frame: frame.Request(dest, fut.ID(), payload), tracked: true}); err != nil {
		s.table.Fail(fut.ID(), err)
	}
	if ttl := s.cfg.Session.RequestTimeout; ttl > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ttl)
		defer cancel()
	}
	fr, err := fut.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		s.table.Fail(fut.ID(), ctx.Err())
		fr, err = fut.Result()
	}
	if err != nil {
		return nil, err
	}
	return fr.Payload, nil
}

func requestOutcome(ctx context.Context, err error) string {
	switch {
	case err == nil:
		return observability.OutcomeOK
	case protocol.IsRemote(err):
		return observability.OutcomeRemoteError
	case errors.Is(err, context.DeadlineExceeded):
		return observability.OutcomeTimeout
	case ctx.Err() != nil:
		return observability.OutcomeCancelled
	default:
		return observability.OutcomeConnLost
	}
}
