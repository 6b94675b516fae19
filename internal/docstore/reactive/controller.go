// Package reactive holds the state machine UI-facing callers subscribe to:
// one mutable snapshot per controller, rebroadcast on every change. Failures
// never escape as errors to subscribers; they surface as the snapshot's Err
// field while the last good document stays visible.
package reactive

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"docsync/internal/docstore/repository"
	"docsync/internal/transport"
)

// Controller drives one document repository and aggregates results into a
// snapshot stream. A controller watches at most one document at a time;
// run several controllers for several documents.
type Controller[T any] struct {
	repo   *repository.Repository[T]
	logger *slog.Logger

	mu      sync.Mutex
	current Snapshot[T]
	subs    map[int]chan Snapshot[T]
	nextSub int

	watch    *repository.Subscription[T]
	watchGen int
}

// New builds a Controller over repo.
func New[T any](repo *repository.Repository[T], logger *slog.Logger) (*Controller[T], error) {
	if repo == nil {
		return nil, errors.New("reactive: repository is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller[T]{
		repo:   repo,
		logger: logger,
		subs:   make(map[int]chan Snapshot[T]),
	}, nil
}

// Snapshot returns the current aggregated state.
func (c *Controller[T]) Snapshot() Snapshot[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Subscribe registers a snapshot listener. Delivery is conflated: a slow
// listener always sees the latest snapshot, possibly skipping intermediate
// ones. The returned cancel func is idempotent.
func (c *Controller[T]) Subscribe() (<-chan Snapshot[T], func()) {
	ch := make(chan Snapshot[T], 1)

	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
		})
	}
	return ch, cancel
}

// Read loads the document, reflecting progress and outcome in the snapshot.
func (c *Controller[T]) Read(ctx context.Context, docID string) (T, error) {
	c.begin(docID)
	model, err := c.repo.Read(ctx, docID)
	c.finish(model, err)
	return model, err
}

// Write persists the model, reflecting progress and outcome in the snapshot.
func (c *Controller[T]) Write(ctx context.Context, docID string, model T) (T, error) {
	c.begin(docID)
	out, err := c.repo.Write(ctx, docID, model)
	c.finish(out, err)
	return out, err
}

// Delete removes the document. On success the snapshot's document clears.
func (c *Controller[T]) Delete(ctx context.Context, docID string) error {
	c.begin(docID)
	err := c.repo.Delete(ctx, docID)

	c.mu.Lock()
	c.current.Loading = false
	if err != nil {
		c.current.Err = err
	} else {
		c.current.Err = nil
		c.current.Doc = nil
	}
	snap := c.current
	subs := c.snapshotSubsLocked()
	c.mu.Unlock()

	broadcast(subs, snap)
	return err
}

// Ensure reads-or-creates the document through the repository composite.
func (c *Controller[T]) Ensure(ctx context.Context, docID string, create func() T, updateIfExists func(T) T) (T, error) {
	c.begin(docID)
	out, err := c.repo.Ensure(ctx, docID, create, updateIfExists)
	c.finish(out, err)
	return out, err
}

// Mutate rewrites the document through fn.
func (c *Controller[T]) Mutate(ctx context.Context, docID string, fn func(T) T) (T, error) {
	c.begin(docID)
	out, err := c.repo.Mutate(ctx, docID, fn)
	c.finish(out, err)
	return out, err
}

// Patch shallow-merges partial into the document.
func (c *Controller[T]) Patch(ctx context.Context, docID string, partial transport.RawDocument) (T, error) {
	c.begin(docID)
	out, err := c.repo.Patch(ctx, docID, partial)
	c.finish(out, err)
	return out, err
}

// StartWatch attaches to docID's shared watch. A watch on a different
// document is stopped first: one active watch per controller. Watch events
// update the snapshot exactly like operation completions, without touching
// the loading flag.
func (c *Controller[T]) StartWatch(ctx context.Context, docID string) error {
	c.mu.Lock()
	if c.watch != nil && c.watch.DocID() == docID {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.StopWatch()

	sub, err := c.repo.Watch(ctx, docID)
	if err != nil {
		c.mu.Lock()
		c.current.DocID = docID
		c.current.Err = err
		snap := c.current
		subs := c.snapshotSubsLocked()
		c.mu.Unlock()
		broadcast(subs, snap)
		return err
	}

	c.mu.Lock()
	if c.watch != nil {
		// A concurrent StartWatch installed its subscription while ours was
		// attaching. Ours loses and is released, not orphaned.
		c.mu.Unlock()
		sub.Stop()
		return nil
	}
	c.watch = sub
	c.watchGen++
	gen := c.watchGen
	c.current.DocID = docID
	c.current.Watching = true
	snap := c.current
	subs := c.snapshotSubsLocked()
	c.mu.Unlock()
	broadcast(subs, snap)

	go c.pump(sub, gen)
	return nil
}

// StopWatch detaches the active watch, if any. Idempotent.
func (c *Controller[T]) StopWatch() {
	c.mu.Lock()
	sub := c.watch
	c.watch = nil
	if sub == nil {
		c.mu.Unlock()
		return
	}
	c.current.Watching = false
	snap := c.current
	subs := c.snapshotSubsLocked()
	c.mu.Unlock()

	sub.Stop()
	c.repo.Gateway().ReleaseDoc(sub.DocID())
	broadcast(subs, snap)
}

func (c *Controller[T]) pump(sub *repository.Subscription[T], gen int) {
	for ev := range sub.Events() {
		c.mu.Lock()
		if c.watchGen != gen {
			c.mu.Unlock()
			return
		}
		if ev.Err != nil {
			c.logger.Warn("watch event error", "doc_id", sub.DocID(), "error", ev.Err)
			c.current = merge(c.current, nil, ev.Err)
		} else {
			doc := ev.Doc
			c.current = merge(c.current, &doc, nil)
		}
		snap := c.current
		subs := c.snapshotSubsLocked()
		c.mu.Unlock()
		broadcast(subs, snap)
	}

	// Upstream terminated (terminal stream error or cleanup); if this watch
	// is still the active one, reflect that it is gone.
	c.mu.Lock()
	if c.watch == sub {
		c.watch = nil
		c.current.Watching = false
		snap := c.current
		subs := c.snapshotSubsLocked()
		c.mu.Unlock()
		broadcast(subs, snap)
		return
	}
	c.mu.Unlock()
}

// begin marks an operation in flight for docID and broadcasts.
func (c *Controller[T]) begin(docID string) {
	c.mu.Lock()
	c.current.DocID = docID
	c.current.Loading = true
	snap := c.current
	subs := c.snapshotSubsLocked()
	c.mu.Unlock()
	broadcast(subs, snap)
}

// finish folds an operation result into the snapshot and broadcasts.
func (c *Controller[T]) finish(model T, err error) {
	c.mu.Lock()
	c.current.Loading = false
	if err != nil {
		c.current = merge(c.current, nil, err)
	} else {
		c.current = merge(c.current, &model, nil)
	}
	snap := c.current
	subs := c.snapshotSubsLocked()
	c.mu.Unlock()
	broadcast(subs, snap)
}

func (c *Controller[T]) snapshotSubsLocked() []chan Snapshot[T] {
	out := make([]chan Snapshot[T], 0, len(c.subs))
	for _, ch := range c.subs {
		out = append(out, ch)
	}
	return out
}

// broadcast delivers conflated: replace whatever the listener has not read
// yet with the newest snapshot.
func broadcast[T any](subs []chan Snapshot[T], snap Snapshot[T]) {
	for _, ch := range subs {
		for {
			select {
			case ch <- snap:
			default:
				select {
				case <-ch:
					continue
				default:
				}
			}
			break
		}
	}
}
