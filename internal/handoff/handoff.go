// Package handoff is the in-process FIFO between the gateway accept loop and
// the broker publish loop.
package handoff

import (
	"context"
	"errors"
	"sync"

	"nuha.dev/gpspipeline/internal/reading"
)

var ErrClosed = errors.New("handoff: buffer closed")

// Buffer is an unbounded blocking queue. Push never blocks and never drops,
// Pop blocks until an item is available.
type Buffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []reading.Reading
	head   int
	closed bool
}

func New() *Buffer {
	b := &Buffer{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Push appends r. Pushing to a closed buffer is a no-op that returns false.
func (b *Buffer) Push(r reading.Reading) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	b.items = append(b.items, r)
	b.mu.Unlock()
	b.cond.Signal()
	return true
}

// Pop removes and returns the oldest reading. It returns ctx.Err() when ctx
// is done first, and ErrClosed once the buffer is closed and drained.
func (b *Buffer) Pop(ctx context.Context) (reading.Reading, error) {
	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	})
	defer stop()

	b.mu.Lock()
	defer b.mu.Unlock()
	for b.head == len(b.items) {
		if b.closed {
			return reading.Reading{}, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return reading.Reading{}, err
		}
		b.cond.Wait()
	}
	r := b.items[b.head]
	b.items[b.head] = reading.Reading{}
	b.head++
	// reclaim the consumed prefix once it dominates the slice
	if b.head == len(b.items) {
		b.items = b.items[:0]
		b.head = 0
	} else if b.head > 1024 && b.head*2 > len(b.items) {
		n := copy(b.items, b.items[b.head:])
		b.items = b.items[:n]
		b.head = 0
	}
	return r, nil
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items) - b.head
}

// Close wakes every waiter. Items still queued can be popped, after which
// Pop returns ErrClosed.
func (b *Buffer) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.cond.Broadcast()
}
