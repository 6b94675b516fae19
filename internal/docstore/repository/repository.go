// Package repository layers typed models over the gateway. It owns codec
// mapping, per-document write serialization, and the compound operations
// (exists, ensure, mutate, patch) built from read and write.
package repository

import (
	"context"
	"errors"

	"docsync/internal/docstore"
	"docsync/internal/docstore/gateway"
	"docsync/internal/docstore/serializer"
	"docsync/internal/transport"
	pkgerrors "docsync/pkg/errors"
)

// Repository provides model-typed document access for one collection.
type Repository[T any] struct {
	gw        *gateway.Gateway
	codec     Codec[T]
	ser       *serializer.Serializer
	serialize bool
}

// Option configures a Repository.
type Option[T any] func(*Repository[T])

// WithSerializedWrites toggles per-document FIFO write serialization
// (enabled by default). Disabling it lets writes race, which only makes
// sense for single-writer callers.
func WithSerializedWrites[T any](enabled bool) Option[T] {
	return func(r *Repository[T]) { r.serialize = enabled }
}

// WithSerializer shares one serializer across repositories so writes to the
// same document are serialized even when issued through different instances.
func WithSerializer[T any](ser *serializer.Serializer) Option[T] {
	return func(r *Repository[T]) {
		if ser != nil {
			r.ser = ser
		}
	}
}

// New builds a Repository over gw using codec for model mapping.
func New[T any](gw *gateway.Gateway, codec Codec[T], opts ...Option[T]) (*Repository[T], error) {
	if gw == nil {
		return nil, errors.New("repository: gateway is required")
	}
	if codec == nil {
		return nil, errors.New("repository: codec is required")
	}

	r := &Repository[T]{
		gw:        gw,
		codec:     codec,
		ser:       serializer.New(),
		serialize: true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Gateway exposes the underlying gateway for watch cleanup hooks.
func (r *Repository[T]) Gateway() *gateway.Gateway { return r.gw }

func (r *Repository[T]) key(docID string) docstore.Key {
	return docstore.Key{Collection: r.gw.Collection(), DocID: docID}
}

// Read loads and decodes one document. Decode failures surface as
// malformed-document errors, never as raw panics or decode errors.
func (r *Repository[T]) Read(ctx context.Context, docID string) (T, error) {
	var zero T
	doc, err := r.gw.Read(ctx, docID)
	if err != nil {
		return zero, err
	}
	return r.decode(doc, docID)
}

// Write encodes and persists a model. With serialization enabled (the
// default) writes to the same document complete in call order and never
// overlap.
func (r *Repository[T]) Write(ctx context.Context, docID string, model T) (T, error) {
	var zero T
	doc, err := r.codec.Encode(model)
	if err != nil {
		return zero, malformed(err, docID)
	}

	var result transport.RawDocument
	if r.serialize {
		result, err = r.ser.Do(ctx, r.key(docID), func(ctx context.Context) (transport.RawDocument, error) {
			return r.gw.Write(ctx, docID, doc)
		})
	} else {
		result, err = r.gw.Write(ctx, docID, doc)
	}
	if err != nil {
		return zero, err
	}
	return r.decode(result, docID)
}

// Delete removes a document; deleting an absent document succeeds.
func (r *Repository[T]) Delete(ctx context.Context, docID string) error {
	return r.gw.Delete(ctx, docID)
}

// Exists reports whether the document is present, treating not-found as a
// false result rather than an error.
func (r *Repository[T]) Exists(ctx context.Context, docID string) (bool, error) {
	_, err := r.gw.Read(ctx, docID)
	if err != nil {
		if errors.Is(err, transport.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Ensure reads the document, creating it with create when absent. When
// updateIfExists is non-nil an existing document is rewritten through it;
// otherwise it is returned unchanged. The composite is not atomic: two
// concurrent Ensure calls on a new document can both observe not-found and
// both create. Backends wanting atomicity must upsert server-side.
func (r *Repository[T]) Ensure(ctx context.Context, docID string, create func() T, updateIfExists func(T) T) (T, error) {
	var zero T
	if create == nil {
		return zero, errors.New("repository: create is required")
	}

	existing, err := r.Read(ctx, docID)
	if err != nil {
		if errors.Is(err, transport.ErrNotFound) {
			return r.Write(ctx, docID, create())
		}
		return zero, err
	}
	if updateIfExists == nil {
		return existing, nil
	}
	return r.Write(ctx, docID, updateIfExists(existing))
}

// Mutate rewrites the document through fn. Same non-atomicity caveat as
// Ensure.
func (r *Repository[T]) Mutate(ctx context.Context, docID string, fn func(T) T) (T, error) {
	var zero T
	if fn == nil {
		return zero, errors.New("repository: mutator is required")
	}

	current, err := r.Read(ctx, docID)
	if err != nil {
		return zero, err
	}
	return r.Write(ctx, docID, fn(current))
}

// Patch shallow-merges partial into the current raw payload and persists the
// result.
func (r *Repository[T]) Patch(ctx context.Context, docID string, partial transport.RawDocument) (T, error) {
	var zero T
	current, err := r.gw.Read(ctx, docID)
	if err != nil {
		return zero, err
	}

	merged := make(transport.RawDocument, len(current)+len(partial))
	for k, v := range current {
		merged[k] = v
	}
	for k, v := range partial {
		merged[k] = v
	}

	var result transport.RawDocument
	if r.serialize {
		result, err = r.ser.Do(ctx, r.key(docID), func(ctx context.Context) (transport.RawDocument, error) {
			return r.gw.Write(ctx, docID, merged)
		})
	} else {
		result, err = r.gw.Write(ctx, docID, merged)
	}
	if err != nil {
		return zero, err
	}
	return r.decode(result, docID)
}

func (r *Repository[T]) decode(doc transport.RawDocument, docID string) (T, error) {
	model, err := r.codec.Decode(doc)
	if err != nil {
		var zero T
		return zero, malformed(err, docID)
	}
	return model, nil
}

func malformed(err error, docID string) error {
	return pkgerrors.Wrap(err, pkgerrors.CodeMalformedDocument, "document does not match model").
		WithMetadata(map[string]any{"doc_id": docID})
}
