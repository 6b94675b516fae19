// Package transport defines the contract every document backend implements.
// The layer above (multiplexer, gateway, repository) is written against this
// interface so in-memory, redis, and postgres backends can be swapped without
// rewiring business code.
package transport

//go:generate mockgen -source=transport.go -destination=mocks/mocks.go -package=mocks

import (
	"context"

	pkgerrors "docsync/pkg/errors"
)

// RawDocument is the wire payload: a string-keyed mapping to dynamically
// typed values. Field order is irrelevant.
type RawDocument = map[string]any

// WatchEvent is one delivery on a document watch stream. A terminal stream
// failure is signalled as a single event with Err set, followed by channel
// close. Cancellation via context closes the channel without an Err event.
// A nil Doc with a nil Err is a deletion tombstone.
type WatchEvent struct {
	Doc RawDocument
	Err error
}

// CollectionEvent is one delivery on a collection watch stream: the documents
// affected by a change, most backends emit exactly one per change.
type CollectionEvent struct {
	Docs []RawDocument
	Err  error
}

// ErrNotFound keeps backend-specific 404s consistent across in-memory and
// external implementations.
var ErrNotFound = pkgerrors.New(pkgerrors.CodeNotFound, "document not found")

// Transport is the external collaborator this layer wraps. Implementations
// guarantee at-least-once watch delivery and per-document event ordering, but
// no ordering across distinct documents. Retry and timeout policy live here,
// not in the callers.
type Transport interface {
	// Read loads one document. Fails with ErrNotFound when absent.
	Read(ctx context.Context, collection, docID string) (RawDocument, error)

	// Write persists a document and returns the acknowledged payload, which
	// may differ from the input (server-side defaults, timestamps).
	Write(ctx context.Context, collection, docID string, doc RawDocument) (RawDocument, error)

	// Delete removes a document. Succeeds even if it was already absent.
	Delete(ctx context.Context, collection, docID string) error

	// WatchDocument opens a long-lived change stream for one document,
	// starting from the next change after the call.
	WatchDocument(ctx context.Context, collection, docID string) (<-chan WatchEvent, error)

	// WatchCollection opens a change stream covering a whole collection.
	WatchCollection(ctx context.Context, collection string) (<-chan CollectionEvent, error)
}
