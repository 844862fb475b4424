// Package workers runs message handlers off the connection read goroutine.
// Tasks are grouped into lanes by key (the destination); each lane has its
// own concurrency cap, so a stuck lane never takes another lane's slots.
package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

var (
	ErrPoolClosed = errors.New("workers: pool closed")
	ErrSaturated  = errors.New("workers: lane saturated")
)

type lane struct {
	sem         *semaphore.Weighted
	outstanding int
}

// Pool bounds task execution per key. Go never blocks the submitter: a task
// waits for a slot on its own goroutine, and at most size+backlog tasks per
// key are outstanding.
type Pool[K comparable] struct {
	size    int
	backlog int
	ctx     context.Context
	cancel  context.CancelFunc
	onPanic func(any)

	mu     sync.Mutex
	closed bool
	lanes  map[K]*lane
	wg     sync.WaitGroup
}

// New returns a pool running at most size tasks at once per key, with up to
// backlog more waiting. onPanic, when set, receives values recovered from
// tasks.
func New[K comparable](size, backlog int, onPanic func(any)) *Pool[K] {
	if size <= 0 {
		size = 1
	}
	if backlog < 0 {
		backlog = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool[K]{
		size:    size,
		backlog: backlog,
		ctx:     ctx,
		cancel:  cancel,
		onPanic: onPanic,
		lanes:   make(map[K]*lane),
	}
}

// Go schedules fn on the lane for key. The context passed to fn is cancelled
// by Stop and Close.
func (p *Pool[K]) Go(key K, fn func(ctx context.Context)) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	l := p.lanes[key]
	if l == nil {
		l = &lane{sem: semaphore.NewWeighted(int64(p.size))}
		p.lanes[key] = l
	}
	if l.outstanding >= p.size+p.backlog {
		p.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrSaturated, key)
	}
	l.outstanding++
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		defer p.release(key, l)
		if err := l.sem.Acquire(p.ctx, 1); err != nil {
			return
		}
		defer l.sem.Release(1)
		defer func() {
			if r := recover(); r != nil && p.onPanic != nil {
				p.onPanic(r)
			}
		}()
		fn(p.ctx)
	}()
	return nil
}

func (p *Pool[K]) release(key K, l *lane) {
	p.mu.Lock()
	l.outstanding--
	if l.outstanding == 0 && p.lanes[key] == l {
		delete(p.lanes, key)
	}
	p.mu.Unlock()
}

// Outstanding reports running plus waiting tasks for key.
func (p *Pool[K]) Outstanding(key K) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l := p.lanes[key]; l != nil {
		return l.outstanding
	}
	return 0
}

// Stop rejects new tasks and cancels the context of running ones without
// waiting for them.
func (p *Pool[K]) Stop() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cancel()
}

// Close is Stop followed by waiting for every task to return.
func (p *Pool[K]) Close() {
	p.Stop()
	p.wg.Wait()
}

// PanicError wraps a recovered task panic.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("workers: task panic: %v", e.Value)
}
