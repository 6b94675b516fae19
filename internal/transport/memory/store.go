// Package memory is the in-memory Transport used by unit tests and the dev
// backend. It intentionally favors clarity over performance.
package memory

import (
	"context"
	"sync"

	"docsync/internal/transport"
)

// docWatcher owns one watch channel. All sends and the close go through the
// watcher's own mutex so a cancel can never race a concurrent notify.
type docWatcher struct {
	mu     sync.Mutex
	closed bool
	ch     chan transport.WatchEvent
}

func newDocWatcher() *docWatcher {
	return &docWatcher{ch: make(chan transport.WatchEvent, 64)}
}

// send drops the event when the buffer is full; a fake does not simulate
// backpressure, real backends carry their own delivery guarantees.
func (w *docWatcher) send(ev transport.WatchEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	select {
	case w.ch <- ev:
	default:
	}
}

func (w *docWatcher) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		w.closed = true
		close(w.ch)
	}
}

type colWatcher struct {
	mu     sync.Mutex
	closed bool
	ch     chan transport.CollectionEvent
}

func newColWatcher() *colWatcher {
	return &colWatcher{ch: make(chan transport.CollectionEvent, 64)}
}

func (w *colWatcher) send(ev transport.CollectionEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	select {
	case w.ch <- ev:
	default:
	}
}

func (w *colWatcher) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		w.closed = true
		close(w.ch)
	}
}

// Store keeps documents per collection and fans change notifications out to
// registered watchers. Watch streams close when their context is canceled or
// when FailWatches injects a terminal error.
type Store struct {
	mu          sync.Mutex
	docs        map[string]map[string]transport.RawDocument
	docWatchers map[string]map[int]*docWatcher
	colWatchers map[string]map[int]*colWatcher
	nextID      int

	// watchOpens counts WatchDocument calls per key so tests can assert the
	// multiplexer opens exactly one upstream subscription.
	watchOpens map[string]int
}

func NewStore() *Store {
	return &Store{
		docs:        make(map[string]map[string]transport.RawDocument),
		docWatchers: make(map[string]map[int]*docWatcher),
		colWatchers: make(map[string]map[int]*colWatcher),
		watchOpens:  make(map[string]int),
	}
}

func watchKey(collection, docID string) string { return collection + "/" + docID }

func cloneDoc(doc transport.RawDocument) transport.RawDocument {
	if doc == nil {
		return nil
	}
	out := make(transport.RawDocument, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}

func (s *Store) Read(_ context.Context, collection, docID string) (transport.RawDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[collection][docID]
	if !ok {
		return nil, transport.ErrNotFound
	}
	return cloneDoc(doc), nil
}

func (s *Store) Write(_ context.Context, collection, docID string, doc transport.RawDocument) (transport.RawDocument, error) {
	stored := cloneDoc(doc)

	s.mu.Lock()
	if s.docs[collection] == nil {
		s.docs[collection] = make(map[string]transport.RawDocument)
	}
	s.docs[collection][docID] = stored
	watchers, colWatchers := s.snapshotWatchersLocked(collection, docID)
	s.mu.Unlock()

	notify(watchers, colWatchers, stored)
	return cloneDoc(stored), nil
}

func (s *Store) Delete(_ context.Context, collection, docID string) error {
	s.mu.Lock()
	delete(s.docs[collection], docID)
	watchers, colWatchers := s.snapshotWatchersLocked(collection, docID)
	s.mu.Unlock()

	// nil doc is the deletion tombstone.
	notify(watchers, colWatchers, nil)
	return nil
}

func (s *Store) WatchDocument(ctx context.Context, collection, docID string) (<-chan transport.WatchEvent, error) {
	key := watchKey(collection, docID)
	w := newDocWatcher()

	s.mu.Lock()
	s.watchOpens[key]++
	id := s.nextID
	s.nextID++
	if s.docWatchers[key] == nil {
		s.docWatchers[key] = make(map[int]*docWatcher)
	}
	s.docWatchers[key][id] = w
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.removeDocWatcher(key, id, w)
	}()

	return w.ch, nil
}

func (s *Store) WatchCollection(ctx context.Context, collection string) (<-chan transport.CollectionEvent, error) {
	w := newColWatcher()

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	if s.colWatchers[collection] == nil {
		s.colWatchers[collection] = make(map[int]*colWatcher)
	}
	s.colWatchers[collection][id] = w
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		if cur, ok := s.colWatchers[collection][id]; ok && cur == w {
			delete(s.colWatchers[collection], id)
		}
		s.mu.Unlock()
		w.close()
	}()

	return w.ch, nil
}

// FailWatches injects a terminal error into every open watch stream for the
// document, then closes them. Tests use it to simulate upstream stream death.
func (s *Store) FailWatches(collection, docID string, err error) {
	key := watchKey(collection, docID)

	s.mu.Lock()
	watchers := s.docWatchers[key]
	delete(s.docWatchers, key)
	s.mu.Unlock()

	for _, w := range watchers {
		w.send(transport.WatchEvent{Err: err})
		w.close()
	}
}

// WatchOpens reports how many times WatchDocument was called for a document.
func (s *Store) WatchOpens(collection, docID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watchOpens[watchKey(collection, docID)]
}

// ActiveDocWatches reports the number of currently open document watchers.
func (s *Store) ActiveDocWatches(collection, docID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docWatchers[watchKey(collection, docID)])
}

func (s *Store) removeDocWatcher(key string, id int, w *docWatcher) {
	s.mu.Lock()
	if cur, ok := s.docWatchers[key][id]; ok && cur == w {
		delete(s.docWatchers[key], id)
		if len(s.docWatchers[key]) == 0 {
			delete(s.docWatchers, key)
		}
	}
	s.mu.Unlock()
	w.close()
}

// snapshotWatchersLocked copies the watcher sets so notification happens
// outside the store lock. Must be called while holding s.mu.
func (s *Store) snapshotWatchersLocked(collection, docID string) ([]*docWatcher, []*colWatcher) {
	var docs []*docWatcher
	for _, w := range s.docWatchers[watchKey(collection, docID)] {
		docs = append(docs, w)
	}
	var cols []*colWatcher
	for _, w := range s.colWatchers[collection] {
		cols = append(cols, w)
	}
	return docs, cols
}

func notify(watchers []*docWatcher, colWatchers []*colWatcher, doc transport.RawDocument) {
	for _, w := range watchers {
		w.send(transport.WatchEvent{Doc: cloneDoc(doc)})
	}
	for _, w := range colWatchers {
		ev := transport.CollectionEvent{}
		if doc != nil {
			ev.Docs = []transport.RawDocument{cloneDoc(doc)}
		}
		w.send(ev)
	}
}
