// Package buffer provides a bounded generic FIFO that never blocks writers.
//
// When the buffer is full a write either evicts the oldest item (DropOldest,
// the default) or discards the new one (DropNewest). Consumers wait on
// Ready() instead of polling, and drain the buffer on each signal:
//
//	buf, _ := buffer.NewCircularBuffer[[]byte](64)
//	for {
//	    select {
//	    case <-buf.Ready():
//	        for batch := buf.ReadBatch(16); len(batch) > 0; batch = buf.ReadBatch(16) {
//	            send(batch)
//	        }
//	    case <-buf.Done():
//	        return
//	    }
//	}
package buffer

import (
	"sync"
	"sync/atomic"

	"github.com/c360/zonestream/errors"
)

// Buffer is a bounded FIFO of T
type Buffer[T any] interface {
	// Write appends item, applying the overflow policy when full.
	Write(item T) error
	// Read removes the oldest item.
	Read() (T, bool)
	// ReadBatch removes up to max items, oldest first.
	ReadBatch(max int) []T
	Size() int
	Capacity() int
	// Ready is signalled after a write. It may fire spuriously.
	Ready() <-chan struct{}
	// Done is closed by Close.
	Done() <-chan struct{}
	Stats() *Statistics
	Close() error
}

// OverflowPolicy selects what a write does when the buffer is full
type OverflowPolicy int

// Overflow policies
const (
	DropOldest OverflowPolicy = iota
	DropNewest
)

// String returns the policy name
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop_oldest"
	case DropNewest:
		return "drop_newest"
	default:
		return "unknown"
	}
}

// Statistics counts buffer activity
type Statistics struct {
	writes atomic.Int64
	reads  atomic.Int64
	drops  atomic.Int64
}

// Writes returns the number of accepted writes
func (s *Statistics) Writes() int64 { return s.writes.Load() }

// Reads returns the number of items read
func (s *Statistics) Reads() int64 { return s.reads.Load() }

// Drops returns the number of items discarded on overflow
func (s *Statistics) Drops() int64 { return s.drops.Load() }

// Option configures a buffer
type Option[T any] func(*circularBuffer[T])

// WithOverflowPolicy sets the overflow policy
func WithOverflowPolicy[T any](policy OverflowPolicy) Option[T] {
	return func(cb *circularBuffer[T]) {
		cb.policy = policy
	}
}

// WithDropCallback is called, outside the buffer lock, with each dropped item
func WithDropCallback[T any](fn func(item T)) Option[T] {
	return func(cb *circularBuffer[T]) {
		cb.onDrop = fn
	}
}

type circularBuffer[T any] struct {
	mu     sync.Mutex
	items  []T
	head   int // next write
	tail   int // next read
	size   int
	closed bool

	policy OverflowPolicy
	onDrop func(T)
	stats  Statistics
	ready  chan struct{}
	done   chan struct{}
}

// NewCircularBuffer creates a buffer holding at most capacity items
func NewCircularBuffer[T any](capacity int, opts ...Option[T]) (Buffer[T], error) {
	if capacity <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "buffer", "NewCircularBuffer",
			"capacity must be positive")
	}
	cb := &circularBuffer[T]{
		items: make([]T, capacity),
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cb)
		}
	}
	return cb, nil
}

func (cb *circularBuffer[T]) Write(item T) error {
	cb.mu.Lock()
	if cb.closed {
		cb.mu.Unlock()
		return errors.WrapInvalid(errors.ErrShuttingDown, "buffer", "Write", "buffer closed")
	}

	var (
		dropped T
		drop    bool
	)
	if cb.size == len(cb.items) {
		drop = true
		cb.stats.drops.Add(1)
		if cb.policy == DropNewest {
			cb.mu.Unlock()
			cb.dropped(item)
			return nil
		}
		dropped = cb.items[cb.tail]
		cb.tail = (cb.tail + 1) % len(cb.items)
		cb.size--
	}

	cb.items[cb.head] = item
	cb.head = (cb.head + 1) % len(cb.items)
	cb.size++
	cb.stats.writes.Add(1)
	cb.mu.Unlock()

	select {
	case cb.ready <- struct{}{}:
	default:
	}
	if drop {
		cb.dropped(dropped)
	}
	return nil
}

func (cb *circularBuffer[T]) dropped(item T) {
	if cb.onDrop != nil {
		cb.onDrop(item)
	}
}

func (cb *circularBuffer[T]) Read() (T, bool) {
	items := cb.ReadBatch(1)
	if len(items) == 0 {
		var zero T
		return zero, false
	}
	return items[0], true
}

func (cb *circularBuffer[T]) ReadBatch(max int) []T {
	if max <= 0 {
		return nil
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	n := min(max, cb.size)
	if n == 0 {
		return nil
	}
	var zero T
	out := make([]T, n)
	for i := range out {
		out[i] = cb.items[cb.tail]
		cb.items[cb.tail] = zero
		cb.tail = (cb.tail + 1) % len(cb.items)
	}
	cb.size -= n
	cb.stats.reads.Add(int64(n))
	return out
}

func (cb *circularBuffer[T]) Size() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.size
}

func (cb *circularBuffer[T]) Capacity() int {
	return len(cb.items)
}

func (cb *circularBuffer[T]) Ready() <-chan struct{} {
	return cb.ready
}

func (cb *circularBuffer[T]) Done() <-chan struct{} {
	return cb.done
}

func (cb *circularBuffer[T]) Stats() *Statistics {
	return &cb.stats
}

// Close rejects further writes. Buffered items can still be read.
func (cb *circularBuffer[T]) Close() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if !cb.closed {
		cb.closed = true
		close(cb.done)
	}
	return nil
}
