// Package gateway wraps a transport and the watch multiplexer for one
// collection. It normalizes raw payloads (identifier injection, empty-as-
// missing detection) and translates every transport failure into a
// structured error; raw exceptions never escape past this boundary.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"docsync/internal/docstore"
	"docsync/internal/docstore/changefeed"
	"docsync/internal/docstore/multiplexer"
	"docsync/internal/platform/metrics"
	"docsync/internal/transport"
	pkgerrors "docsync/pkg/errors"
)

// ChangeFeed receives change events after successful writes and deletes.
type ChangeFeed interface {
	Publish(ctx context.Context, ev changefeed.ChangeEvent) error
}

// Gateway provides normalized document access for a single collection.
type Gateway struct {
	tr         transport.Transport
	mux        *multiplexer.Multiplexer
	collection string

	identifierField     string
	readAfterWrite      bool
	treatEmptyAsMissing bool
	errorField          string

	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	feed    ChangeFeed

	mu      sync.Mutex
	watches map[string]map[*Watch]struct{}
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithIdentifierField overrides the field injected into every normalized
// payload (default "id").
func WithIdentifierField(field string) Option {
	return func(g *Gateway) {
		if field != "" {
			g.identifierField = field
		}
	}
}

// WithReadAfterWrite makes Write re-read the document and return that as the
// authoritative payload, for backends that apply server-side defaults.
func WithReadAfterWrite(enabled bool) Option {
	return func(g *Gateway) { g.readAfterWrite = enabled }
}

// WithTreatEmptyAsMissing makes a present-but-empty document count as not
// found.
func WithTreatEmptyAsMissing(enabled bool) Option {
	return func(g *Gateway) { g.treatEmptyAsMissing = enabled }
}

// WithErrorField enables business-error detection: a payload carrying this
// field maps to a business error instead of a document.
func WithErrorField(field string) Option {
	return func(g *Gateway) { g.errorField = field }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithMetrics enables metric reporting.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithChangeFeed publishes change events after successful writes and deletes.
// Publish failures are logged, never returned to the writer.
func WithChangeFeed(feed ChangeFeed) Option {
	return func(g *Gateway) { g.feed = feed }
}

// New builds a Gateway for one collection.
func New(tr transport.Transport, mux *multiplexer.Multiplexer, collection string, opts ...Option) (*Gateway, error) {
	if tr == nil {
		return nil, errors.New("gateway: transport is required")
	}
	if mux == nil {
		return nil, errors.New("gateway: multiplexer is required")
	}
	if collection == "" {
		return nil, errors.New("gateway: collection is required")
	}

	g := &Gateway{
		tr:              tr,
		mux:             mux,
		collection:      collection,
		identifierField: "id",
		logger:          slog.Default(),
		tracer:          otel.Tracer("docsync.gateway"),
		watches:         make(map[string]map[*Watch]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g, nil
}

// Collection reports the collection this gateway is bound to.
func (g *Gateway) Collection() string { return g.collection }

func (g *Gateway) key(docID string) docstore.Key {
	return docstore.Key{Collection: g.collection, DocID: docID}
}

// Read loads and normalizes one document.
func (g *Gateway) Read(ctx context.Context, docID string) (transport.RawDocument, error) {
	ctx, span := g.tracer.Start(ctx, "gateway.read")
	defer span.End()
	start := time.Now()

	doc, err := g.tr.Read(ctx, g.collection, docID)
	if err != nil {
		err = g.translate(err, docID)
		g.metrics.ObserveOp("read", err, millisSince(start))
		return nil, err
	}
	if g.treatEmptyAsMissing && g.isEmpty(doc) {
		err = notFound(docID)
		g.metrics.ObserveOp("read", err, millisSince(start))
		return nil, err
	}

	g.metrics.ObserveOp("read", nil, millisSince(start))
	return g.normalize(doc, docID), nil
}

// Write persists a document. The identifier field is injected before the
// transport call. With read-after-write enabled the returned payload is a
// fresh read; otherwise it echoes the acknowledged payload.
func (g *Gateway) Write(ctx context.Context, docID string, doc transport.RawDocument) (transport.RawDocument, error) {
	ctx, span := g.tracer.Start(ctx, "gateway.write")
	defer span.End()
	start := time.Now()

	ack, err := g.tr.Write(ctx, g.collection, docID, g.normalize(doc, docID))
	if err != nil {
		err = g.translate(err, docID)
		g.metrics.ObserveOp("write", err, millisSince(start))
		return nil, err
	}

	result := g.normalize(ack, docID)
	if g.readAfterWrite {
		fresh, err := g.tr.Read(ctx, g.collection, docID)
		if err != nil {
			err = g.translate(err, docID)
			g.metrics.ObserveOp("write", err, millisSince(start))
			return nil, err
		}
		result = g.normalize(fresh, docID)
	}

	g.publishChange(ctx, changefeed.OpWrite, docID, result)
	g.metrics.ObserveOp("write", nil, millisSince(start))
	return result, nil
}

// Delete removes a document. Deleting an absent document succeeds.
func (g *Gateway) Delete(ctx context.Context, docID string) error {
	ctx, span := g.tracer.Start(ctx, "gateway.delete")
	defer span.End()
	start := time.Now()

	if err := g.tr.Delete(ctx, g.collection, docID); err != nil {
		if !errors.Is(err, transport.ErrNotFound) {
			err = g.translate(err, docID)
			g.metrics.ObserveOp("delete", err, millisSince(start))
			return err
		}
	}

	g.publishChange(ctx, changefeed.OpDelete, docID, nil)
	g.metrics.ObserveOp("delete", nil, millisSince(start))
	return nil
}

// normalize injects the identifier field. The input map is not mutated.
func (g *Gateway) normalize(doc transport.RawDocument, docID string) transport.RawDocument {
	out := make(transport.RawDocument, len(doc)+1)
	for k, v := range doc {
		out[k] = v
	}
	out[g.identifierField] = docID
	return out
}

// isEmpty reports whether the payload carries no fields beyond the
// identifier.
func (g *Gateway) isEmpty(doc transport.RawDocument) bool {
	for k := range doc {
		if k != g.identifierField {
			return false
		}
	}
	return true
}

// translate converts a transport failure into a structured error. Errors
// that are already structured pass through with metadata attached.
func (g *Gateway) translate(err error, docID string) error {
	meta := map[string]any{"collection": g.collection, "doc_id": docID}

	var gw pkgerrors.GatewayError
	if errors.As(err, &gw) {
		if gw.Metadata == nil {
			gw.Metadata = meta
		}
		return gw
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return pkgerrors.Wrap(err, pkgerrors.CodeTimeout, "operation abandoned").WithMetadata(meta)
	}
	return pkgerrors.Wrap(err, pkgerrors.CodeTransportFailure, "transport call failed").WithMetadata(meta)
}

func (g *Gateway) publishChange(ctx context.Context, op changefeed.Op, docID string, doc transport.RawDocument) {
	if g.feed == nil {
		return
	}
	ev := changefeed.ChangeEvent{
		Collection: g.collection,
		DocID:      docID,
		Op:         op,
		Doc:        doc,
	}
	if err := g.feed.Publish(ctx, ev); err != nil {
		g.logger.Warn("change event publish failed",
			"collection", g.collection,
			"doc_id", docID,
			"op", string(op),
			"error", err,
		)
	}
}

func notFound(docID string) error {
	return pkgerrors.New(pkgerrors.CodeNotFound, "document not found").
		WithMetadata(map[string]any{"doc_id": docID})
}

func millisSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
