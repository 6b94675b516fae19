// Package multiplexer shares one upstream transport watch per document among
// any number of observers. The upstream subscription is opened on the first
// attach and canceled synchronously when the last observer detaches.
package multiplexer

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"docsync/internal/docstore"
	"docsync/internal/transport"
	pkgerrors "docsync/pkg/errors"
)

// handleBuffer bounds how far an observer may lag before fan-out blocks on
// it. Delivery never reorders and never drops; a slow observer that also
// never detaches will stall the key's fan-out, which is the caller's bug.
const handleBuffer = 32

// Handle is one observer's view of a shared watch. Events() yields every
// upstream event from the moment of attach (no replay); Done() closes when
// the observer is detached or the upstream terminates.
type Handle struct {
	key    docstore.Key
	id     string
	events chan docstore.Event
	done   chan struct{}
	once   sync.Once
}

func (h *Handle) Events() <-chan docstore.Event { return h.events }
func (h *Handle) Done() <-chan struct{}         { return h.done }
func (h *Handle) Key() docstore.Key             { return h.key }

func (h *Handle) finish() {
	h.once.Do(func() { close(h.done) })
}

type entry struct {
	cancel    context.CancelFunc
	observers map[string]*Handle
}

// Multiplexer maintains the per-key registry of shared subscriptions.
// Attach and Detach are the only mutation entry points.
type Multiplexer struct {
	mu      sync.Mutex
	tr      transport.Transport
	logger  *slog.Logger
	entries map[docstore.Key]*entry
}

func New(tr transport.Transport, logger *slog.Logger) *Multiplexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Multiplexer{
		tr:      tr,
		logger:  logger,
		entries: make(map[docstore.Key]*entry),
	}
}

// Attach registers a new observer for key, opening the upstream subscription
// if none exists. The subscribe happens under the registry lock so two
// concurrent attaches can never open two upstreams for the same key.
func (m *Multiplexer) Attach(key docstore.Key) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.entries[key]
	if e == nil {
		ctx, cancel := context.WithCancel(context.Background())
		upstream, err := m.tr.WatchDocument(ctx, key.Collection, key.DocID)
		if err != nil {
			cancel()
			return nil, pkgerrors.Wrap(err, pkgerrors.CodeTransportFailure, "open document watch")
		}
		e = &entry{cancel: cancel, observers: make(map[string]*Handle)}
		m.entries[key] = e
		go m.pump(key, e, upstream)
	}

	h := &Handle{
		key:    key,
		id:     uuid.NewString(),
		events: make(chan docstore.Event, handleBuffer),
		done:   make(chan struct{}),
	}
	e.observers[h.id] = h
	return h, nil
}

// Detach removes the observer. When the observer set for its key becomes
// empty the upstream subscription is canceled before Detach returns.
// Safe to call more than once.
func (m *Multiplexer) Detach(h *Handle) {
	if h == nil {
		return
	}

	var cancel context.CancelFunc
	m.mu.Lock()
	if e := m.entries[h.key]; e != nil {
		if _, ok := e.observers[h.id]; ok {
			delete(e.observers, h.id)
			if len(e.observers) == 0 {
				delete(m.entries, h.key)
				cancel = e.cancel
			}
		}
	}
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	h.finish()
}

// Len reports the number of keys with an open upstream subscription.
func (m *Multiplexer) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Observers reports the current observer count for a key.
func (m *Multiplexer) Observers(key docstore.Key) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.entries[key]; e != nil {
		return len(e.observers)
	}
	return 0
}

// pump fans one upstream stream out to the key's observers. An upstream
// error is terminal for the key: it is re-broadcast to every observer and
// the entry is torn down; observers must re-attach to keep watching.
func (m *Multiplexer) pump(key docstore.Key, e *entry, upstream <-chan transport.WatchEvent) {
	for ev := range upstream {
		if ev.Err != nil {
			m.logger.Warn("document watch terminated",
				"collection", key.Collection,
				"doc_id", key.DocID,
				"error", ev.Err,
			)
			m.teardown(key, e, pkgerrors.Wrap(ev.Err, pkgerrors.CodeTransportFailure, "document watch stream failed"))
			return
		}
		m.deliver(e, docstore.Event{Doc: ev.Doc})
	}
	// Upstream closed without a terminal event: either we canceled it on the
	// last detach or the transport shut down cleanly. Finish any observers
	// that are still attached.
	m.teardown(key, e, nil)
}

func (m *Multiplexer) deliver(e *entry, ev docstore.Event) {
	for _, h := range m.snapshot(e) {
		select {
		case h.events <- ev:
		case <-h.done:
		}
	}
}

func (m *Multiplexer) teardown(key docstore.Key, e *entry, err error) {
	m.mu.Lock()
	if m.entries[key] == e {
		delete(m.entries, key)
	}
	observers := make([]*Handle, 0, len(e.observers))
	for _, h := range e.observers {
		observers = append(observers, h)
	}
	e.observers = make(map[string]*Handle)
	m.mu.Unlock()

	e.cancel()
	for _, h := range observers {
		if err != nil {
			select {
			case h.events <- docstore.Event{Err: err}:
			case <-h.done:
			}
		}
		h.finish()
	}
}

func (m *Multiplexer) snapshot(e *entry) []*Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Handle, 0, len(e.observers))
	for _, h := range e.observers {
		out = append(out, h)
	}
	return out
}
