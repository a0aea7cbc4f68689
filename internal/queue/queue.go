// Package queue provides the bounded chunk queue that links the capture,
// processing and playback loops. Each queue has exactly one producer and
// one consumer.
package queue

import (
	"context"
	"errors"
	"time"

	"pipelined.dev/live/chunk"
)

var (
	// ErrTimeout is returned by Pop when no chunk arrived in time.
	ErrTimeout = errors.New("queue: timeout")
	// ErrClosed is returned by Pop when the producer closed the queue and
	// all chunks were consumed.
	ErrClosed = errors.New("queue: closed")
)

// Queue is a bounded FIFO of chunks.
type Queue struct {
	chunks chan *chunk.Chunk
}

// New returns a queue that holds up to limit chunks.
func New(limit int) *Queue {
	return &Queue{chunks: make(chan *chunk.Chunk, max(limit, 1))}
}

// Push adds the chunk, waiting up to wait for free space. If the queue is
// still full, the oldest chunk is dropped, the new one is flagged as
// overrun and dropped is true.
func (q *Queue) Push(ctx context.Context, c *chunk.Chunk, wait time.Duration) (dropped bool, err error) {
	select {
	case q.chunks <- c:
		return false, nil
	default:
	}
	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case q.chunks <- c:
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		case <-t.C:
		}
	}
	select {
	case old := <-q.chunks:
		chunk.Recycle(old)
	default:
		// consumer took one meanwhile
	}
	c.Overrun = true
	// single producer, so there's space now
	q.chunks <- c
	return true, nil
}

// PushWait adds the chunk, blocking until there is free space or the
// context is done.
func (q *Queue) PushWait(ctx context.Context, c *chunk.Chunk) error {
	select {
	case q.chunks <- c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pop takes the oldest chunk. Zero timeout blocks until a chunk is
// available.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (*chunk.Chunk, error) {
	select {
	case c, ok := <-q.chunks:
		return received(c, ok)
	default:
	}
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	select {
	case c, ok := <-q.chunks:
		return received(c, ok)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-deadline:
		return nil, ErrTimeout
	}
}

func received(c *chunk.Chunk, ok bool) (*chunk.Chunk, error) {
	if !ok {
		return nil, ErrClosed
	}
	return c, nil
}

// Close signals that no more chunks will be pushed. Only the producer
// can close the queue.
func (q *Queue) Close() {
	close(q.chunks)
}

// Len returns the number of queued chunks.
func (q *Queue) Len() int {
	return len(q.chunks)
}

// Cap returns the queue limit.
func (q *Queue) Cap() int {
	return cap(q.chunks)
}

// Level returns the fill fraction of the queue.
func (q *Queue) Level() float64 {
	return float64(len(q.chunks)) / float64(cap(q.chunks))
}

// Discard recycles all queued chunks. It must not race with Pop.
func (q *Queue) Discard() int {
	n := 0
	for {
		select {
		case c, ok := <-q.chunks:
			if !ok {
				return n
			}
			chunk.Recycle(c)
			n++
		default:
			return n
		}
	}
}
