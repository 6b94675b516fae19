package repository

import (
	"context"
	"sync"

	"docsync/internal/docstore/gateway"
)

// Event is one typed delivery on a document watch. Decode failures surface
// as malformed-document error events without closing the stream.
type Event[T any] struct {
	Doc T
	Err error
}

// Subscription is one observer's typed watch stream.
type Subscription[T any] struct {
	docID  string
	watch  *gateway.Watch
	events chan Event[T]
	done   chan struct{}
	once   sync.Once
}

// Events yields typed watch events. The channel closes when the
// subscription stops or the upstream terminates.
func (s *Subscription[T]) Events() <-chan Event[T] { return s.events }

// DocID reports the observed document.
func (s *Subscription[T]) DocID() string { return s.docID }

// Stop detaches the observer. Idempotent; safe even with undrained events.
func (s *Subscription[T]) Stop() {
	s.once.Do(func() {
		close(s.done)
		s.watch.Stop()
	})
}

// Watch attaches a typed observer to the shared subscription for docID.
func (r *Repository[T]) Watch(ctx context.Context, docID string) (*Subscription[T], error) {
	w, err := r.gw.Watch(ctx, docID)
	if err != nil {
		return nil, err
	}

	sub := &Subscription[T]{
		docID:  docID,
		watch:  w,
		events: make(chan Event[T], 32),
		done:   make(chan struct{}),
	}

	go func() {
		defer close(sub.events)
		for ev := range w.Events() {
			out := Event[T]{Err: ev.Err}
			if ev.Err == nil {
				out.Doc, out.Err = r.decode(ev.Doc, docID)
			}
			select {
			case sub.events <- out:
			case <-sub.done:
				return
			}
		}
	}()
	return sub, nil
}
