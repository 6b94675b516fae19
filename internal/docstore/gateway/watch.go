package gateway

import (
	"context"

	"docsync/internal/docstore"
	"docsync/internal/docstore/multiplexer"
	pkgerrors "docsync/pkg/errors"
)

// Watch is one observer's stream of normalized document events. Event-level
// failures (business errors, deletion tombstones) keep the stream open; a
// terminal multiplexer error closes it after being delivered.
type Watch struct {
	gw     *Gateway
	docID  string
	handle *multiplexer.Handle
	events chan docstore.Event
	stop   chan struct{}
}

// Events yields the mapped watch events. The channel closes when the watch
// is stopped or the upstream terminates.
func (w *Watch) Events() <-chan docstore.Event { return w.events }

// DocID reports the document this watch observes.
func (w *Watch) DocID() string { return w.docID }

// Stop detaches this observer. Idempotent.
func (w *Watch) Stop() { w.gw.DetachWatch(w) }

// Watch attaches an observer to the shared subscription for docID. Callers
// must Stop (or DetachWatch/ReleaseDoc) when done; an unreleased watch holds
// a multiplexer observer slot forever.
func (g *Gateway) Watch(ctx context.Context, docID string) (*Watch, error) {
	_, span := g.tracer.Start(ctx, "gateway.watch")
	defer span.End()

	handle, err := g.mux.Attach(g.key(docID))
	if err != nil {
		return nil, g.translate(err, docID)
	}

	w := &Watch{
		gw:     g,
		docID:  docID,
		handle: handle,
		events: make(chan docstore.Event, 32),
		stop:   make(chan struct{}),
	}

	g.mu.Lock()
	if g.watches[docID] == nil {
		g.watches[docID] = make(map[*Watch]struct{})
	}
	g.watches[docID][w] = struct{}{}
	g.mu.Unlock()
	g.metrics.AddActiveWatches(1)

	go g.forward(w)
	return w, nil
}

// DetachWatch releases one observer slot. Idempotent.
func (g *Gateway) DetachWatch(w *Watch) {
	if w == nil {
		return
	}

	g.mu.Lock()
	set := g.watches[w.docID]
	_, attached := set[w]
	if attached {
		delete(set, w)
		if len(set) == 0 {
			delete(g.watches, w.docID)
		}
	}
	g.mu.Unlock()

	if attached {
		g.metrics.AddActiveWatches(-1)
		close(w.stop)
	}
	g.mux.Detach(w.handle)
}

// ReleaseDoc detaches every watch this gateway opened for docID, letting the
// multiplexer's observer count reach zero.
func (g *Gateway) ReleaseDoc(docID string) {
	g.mu.Lock()
	set := g.watches[docID]
	watches := make([]*Watch, 0, len(set))
	for w := range set {
		watches = append(watches, w)
	}
	g.mu.Unlock()

	for _, w := range watches {
		g.DetachWatch(w)
	}
}

// forward maps raw multiplexer events onto the watch stream until the handle
// finishes, then drains whatever is buffered (the terminal error rides the
// same channel) and closes the stream. A received event is delivered
// unconditionally unless this observer itself detached; the handle's Done
// closes for terminal teardown too, so racing delivery against it would let
// the terminal error vanish.
func (g *Gateway) forward(w *Watch) {
	defer close(w.events)
	for {
		select {
		case ev := <-w.handle.Events():
			if !g.deliver(w, ev) {
				return
			}
		case <-w.stop:
			return
		case <-w.handle.Done():
			// Teardown buffers its terminal error on the handle before
			// closing Done, so everything left is drainable right now.
			for {
				select {
				case ev := <-w.handle.Events():
					if !g.deliver(w, ev) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// deliver blocks until the observer takes the event or detaches.
func (g *Gateway) deliver(w *Watch, ev docstore.Event) bool {
	select {
	case w.events <- g.mapEvent(ev, w.docID):
		g.metrics.IncWatchEvents()
		return true
	case <-w.stop:
		return false
	}
}

// mapEvent normalizes one raw event: tombstones and business-error payloads
// become error events, everything else gets the identifier injected.
func (g *Gateway) mapEvent(ev docstore.Event, docID string) docstore.Event {
	if ev.Err != nil {
		return docstore.Event{Err: g.translate(ev.Err, docID)}
	}
	if ev.Doc == nil {
		return docstore.Event{Err: notFound(docID)}
	}
	if g.errorField != "" {
		if detail, ok := ev.Doc[g.errorField]; ok {
			return docstore.Event{Err: pkgerrors.New(pkgerrors.CodeBusinessError, "document carries an error payload").
				WithMetadata(map[string]any{"doc_id": docID, g.errorField: detail})}
		}
	}
	return docstore.Event{Doc: g.normalize(ev.Doc, docID)}
}

// WatchAll streams collection-level changes. Unlike document watches it is
// not multiplexed: each call owns its upstream subscription, canceled via
// ctx. Used by collection observers outside the per-document core.
func (g *Gateway) WatchAll(ctx context.Context) (<-chan docstore.Event, error) {
	upstream, err := g.tr.WatchCollection(ctx, g.collection)
	if err != nil {
		return nil, g.translate(err, "")
	}

	out := make(chan docstore.Event, 32)
	go func() {
		defer close(out)
		for ev := range upstream {
			if ev.Err != nil {
				out <- docstore.Event{Err: g.translate(ev.Err, "")}
				return
			}
			for _, doc := range ev.Docs {
				normalized := doc
				if id, ok := doc[g.identifierField].(string); ok && id != "" {
					normalized = g.normalize(doc, id)
				}
				select {
				case out <- docstore.Event{Doc: normalized}:
					g.metrics.IncWatchEvents()
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
