package pending

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/edgeipc/internal/protocol/frame"
)

var (
	ErrDuplicateID    = errors.New("pending: request id already outstanding")
	ErrTableFull      = errors.New("pending: no free request id")
	ErrRequestTimeout = errors.New("pending: request timed out")
)

const shardCount = 64

// maxAllocateProbes bounds the search for a free id after wraparound.
const maxAllocateProbes = 1 << 16

type entry struct {
	fut     *Future
	created time.Time
	gen     uint64
}

type shard struct {
	mu      sync.Mutex
	entries map[uint32]entry
}

// Table correlates outstanding request ids with their futures. Every
// completion path removes the entry under the shard lock before completing
// the future, so an id is resolved at most once.
type Table struct {
	shards [shardCount]shard
	nextID atomic.Uint32
	now    func() time.Time
}

func New() *Table {
	t := &Table{now: time.Now}
	for i := range t.shards {
		t.shards[i].entries = make(map[uint32]entry)
	}
	return t
}

func (t *Table) shard(id uint32) *shard {
	return &t.shards[id&(shardCount-1)]
}

// Register stores a future for id, tagged with the session generation that
// will carry the request.
func (t *Table) Register(id uint32, gen uint64) (*Future, error) {
	s := t.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; ok {
		return nil, fmt.Errorf("%w: %d", ErrDuplicateID, id)
	}
	fut := newFuture(id)
	s.entries[id] = entry{fut: fut, created: t.now(), gen: gen}
	return fut, nil
}

// Allocate picks the next free id from the table's counter and registers it.
// Ids still outstanding after wraparound are skipped.
func (t *Table) Allocate(gen uint64) (*Future, error) {
	for range maxAllocateProbes {
		fut, err := t.Register(t.nextID.Add(1), gen)
		if err == nil {
			return fut, nil
		}
	}
	return nil, ErrTableFull
}

func (t *Table) take(id uint32) (entry, bool) {
	s := t.shard(id)
	s.mu.Lock()
	e, ok := s.entries[id]
	if ok {
		delete(s.entries, id)
	}
	s.mu.Unlock()
	return e, ok
}

// Resolve completes id with resp. It reports false when id is not outstanding.
func (t *Table) Resolve(id uint32, resp frame.Frame) bool {
	e, ok := t.take(id)
	if !ok {
		return false
	}
	return e.fut.complete(resp, nil)
}

// Fail completes id with err. It reports false when id is not outstanding.
func (t *Table) Fail(id uint32, err error) bool {
	e, ok := t.take(id)
	if !ok {
		return false
	}
	return e.fut.complete(frame.Frame{}, err)
}

func (t *Table) failWhere(err error, match func(entry) bool) int {
	var victims []*Future
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for id, e := range s.entries {
			if match(e) {
				delete(s.entries, id)
				victims = append(victims, e.fut)
			}
		}
		s.mu.Unlock()
	}
	n := 0
	for _, fut := range victims {
		if fut.complete(frame.Frame{}, err) {
			n++
		}
	}
	return n
}

// FailAll fails and removes every outstanding request.
func (t *Table) FailAll(err error) int {
	return t.failWhere(err, func(entry) bool { return true })
}

// FailGeneration fails requests written on session generation gen.
func (t *Table) FailGeneration(gen uint64, err error) int {
	return t.failWhere(err, func(e entry) bool { return e.gen == gen })
}

// Expire fails requests registered more than ttl before now with
// ErrRequestTimeout. A non-positive ttl expires nothing.
func (t *Table) Expire(now time.Time, ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	cutoff := now.Add(-ttl)
	return t.failWhere(ErrRequestTimeout, func(e entry) bool { return e.created.Before(cutoff) })
}

func (t *Table) Len() int {
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}
