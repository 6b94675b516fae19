// Package resilient wraps any Transport with a circuit breaker so a dying
// backend fails fast instead of stacking up timeouts. Not-found and
// malformed-document results count as healthy responses; only transport-level
// failures trip the breaker.
package resilient

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"docsync/internal/transport"
	"docsync/pkg/circuit"
	pkgerrors "docsync/pkg/errors"
)

// ErrCircuitOpen is returned while the breaker is open.
var ErrCircuitOpen = pkgerrors.New(pkgerrors.CodeTransportFailure, "backend circuit open")

const defaultProbeInterval = 5 * time.Second

// Store decorates an inner Transport with a circuit breaker. While the
// breaker is open, one probe call per probe interval is let through so the
// circuit can close again once the backend recovers.
type Store struct {
	inner   transport.Transport
	breaker *circuit.Breaker
	logger  *slog.Logger

	probeInterval time.Duration
	mu            sync.Mutex
	lastProbe     time.Time
	now           func() time.Time
}

// New wraps inner. A nil breaker gets default thresholds.
func New(inner transport.Transport, breaker *circuit.Breaker, logger *slog.Logger) (*Store, error) {
	if inner == nil {
		return nil, errors.New("resilient: inner transport is required")
	}
	if breaker == nil {
		breaker = circuit.New("transport")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		inner:         inner,
		breaker:       breaker,
		logger:        logger.With("component", "resilient_transport", "breaker", breaker.Name()),
		probeInterval: defaultProbeInterval,
		lastProbe:     time.Now(),
		now:           time.Now,
	}, nil
}

// allow reports whether this call may reach the backend.
func (s *Store) allow() bool {
	if !s.breaker.IsOpen() {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.now().Sub(s.lastProbe) < s.probeInterval {
		return false
	}
	s.lastProbe = s.now()
	return true
}

func (s *Store) Read(ctx context.Context, collection, docID string) (transport.RawDocument, error) {
	if !s.allow() {
		return nil, ErrCircuitOpen
	}
	doc, err := s.inner.Read(ctx, collection, docID)
	s.record(err)
	return doc, err
}

func (s *Store) Write(ctx context.Context, collection, docID string, doc transport.RawDocument) (transport.RawDocument, error) {
	if !s.allow() {
		return nil, ErrCircuitOpen
	}
	out, err := s.inner.Write(ctx, collection, docID, doc)
	s.record(err)
	return out, err
}

func (s *Store) Delete(ctx context.Context, collection, docID string) error {
	if !s.allow() {
		return ErrCircuitOpen
	}
	err := s.inner.Delete(ctx, collection, docID)
	s.record(err)
	return err
}

func (s *Store) WatchDocument(ctx context.Context, collection, docID string) (<-chan transport.WatchEvent, error) {
	if !s.allow() {
		return nil, ErrCircuitOpen
	}
	ch, err := s.inner.WatchDocument(ctx, collection, docID)
	s.record(err)
	return ch, err
}

func (s *Store) WatchCollection(ctx context.Context, collection string) (<-chan transport.CollectionEvent, error) {
	if !s.allow() {
		return nil, ErrCircuitOpen
	}
	ch, err := s.inner.WatchCollection(ctx, collection)
	s.record(err)
	return ch, err
}

// record classifies the outcome. A clean miss still proves the backend is
// answering.
func (s *Store) record(err error) {
	if err == nil || errors.Is(err, transport.ErrNotFound) ||
		pkgerrors.CodeOf(err) == pkgerrors.CodeMalformedDocument {
		if _, change := s.breaker.RecordSuccess(); change.Closed {
			s.logger.Info("circuit closed")
		}
		return
	}
	if _, change := s.breaker.RecordFailure(); change.Opened {
		s.logger.Warn("circuit opened", "error", err)
	}
}
