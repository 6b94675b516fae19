// Package serializer enforces FIFO, non-overlapping execution of write
// operations keyed by document identity. Operations for distinct keys run
// concurrently with no ordering between them.
package serializer

import (
	"context"
	"sync"

	"docsync/internal/docstore"
	"docsync/internal/transport"
)

// Operation produces the write result once the queue reaches it.
type Operation func(ctx context.Context) (transport.RawDocument, error)

type queue struct {
	// tail closes when the most recently enqueued operation settles. Each
	// Do chains behind the previous tail, which is what serializes the key.
	tail  chan struct{}
	depth int
}

// Serializer is an arena of per-key queues, garbage-collected when idle so
// long-running processes do not retain a slot per document ever written.
type Serializer struct {
	mu     sync.Mutex
	queues map[docstore.Key]*queue
}

func New() *Serializer {
	return &Serializer{queues: make(map[docstore.Key]*queue)}
}

// Do runs op after every operation previously enqueued for key has settled,
// and before any operation enqueued later. A failed predecessor does not
// block the queue; its failure stays isolated to its own result. If ctx
// expires while waiting for a turn, op is skipped and ctx's error returned,
// but the slot still settles so successors proceed in order.
func (s *Serializer) Do(ctx context.Context, key docstore.Key, op Operation) (transport.RawDocument, error) {
	s.mu.Lock()
	q := s.queues[key]
	if q == nil {
		q = &queue{}
		s.queues[key] = q
	}
	prev := q.tail
	done := make(chan struct{})
	q.tail = done
	q.depth++
	s.mu.Unlock()

	defer func() {
		close(done)
		s.mu.Lock()
		q.depth--
		if q.depth == 0 && q.tail == done {
			delete(s.queues, key)
		}
		s.mu.Unlock()
	}()

	if prev != nil {
		// Wait unconditionally: releasing the slot before the predecessor
		// settles would let a successor overlap it.
		<-prev
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return op(ctx)
}

// Depth reports how many operations are queued or in flight for key.
func (s *Serializer) Depth(key docstore.Key) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q := s.queues[key]; q != nil {
		return q.depth
	}
	return 0
}

// Keys reports the number of keys with a live queue; idle keys are removed.
func (s *Serializer) Keys() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues)
}
