package pending

import (
	"context"
	"sync"

	"github.com/danmuck/edgeipc/internal/protocol/frame"
)

// Future is a single-assignment result slot for one outstanding request.
type Future struct {
	id   uint32
	once sync.Once
	done chan struct{}
	resp frame.Frame
	err  error
}

func newFuture(id uint32) *Future {
	return &Future{id: id, done: make(chan struct{})}
}

// Failed returns a future that is already completed with err.
func Failed(err error) *Future {
	f := newFuture(0)
	f.complete(frame.Frame{}, err)
	return f
}

func (f *Future) ID() uint32 {
	return f.id
}

// Done is closed once the future is resolved or failed.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future completes or ctx ends. A context error does not
// complete the future; the caller owns eviction.
func (f *Future) Wait(ctx context.Context) (frame.Frame, error) {
	select {
	case <-f.done:
		return f.resp, f.err
	case <-ctx.Done():
		return frame.Frame{}, ctx.Err()
	}
}

// Result blocks until completion.
func (f *Future) Result() (frame.Frame, error) {
	<-f.done
	return f.resp, f.err
}

func (f *Future) complete(resp frame.Frame, err error) bool {
	won := false
	f.once.Do(func() {
		f.resp = resp
		f.err = err
		won = true
		close(f.done)
	})
	return won
}
