package repository

import (
	"encoding/json"

	"docsync/internal/transport"
)

// Codec converts between the wire payload and the caller's model type. The
// repository never inspects model fields itself, so implementations are free
// to use struct tags, hand-written mapping, or anything else.
type Codec[T any] interface {
	Encode(model T) (transport.RawDocument, error)
	Decode(doc transport.RawDocument) (T, error)
}

// JSONCodec maps models through encoding/json struct tags. It is the codec
// most callers want.
type JSONCodec[T any] struct{}

func (JSONCodec[T]) Encode(model T) (transport.RawDocument, error) {
	raw, err := json.Marshal(model)
	if err != nil {
		return nil, err
	}
	var doc transport.RawDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (JSONCodec[T]) Decode(doc transport.RawDocument) (T, error) {
	var model T
	raw, err := json.Marshal(doc)
	if err != nil {
		return model, err
	}
	if err := json.Unmarshal(raw, &model); err != nil {
		return model, err
	}
	return model, nil
}

// RawCodec is the identity codec for callers that work on raw payloads
// directly (the HTTP layer does).
type RawCodec struct{}

func (RawCodec) Encode(doc transport.RawDocument) (transport.RawDocument, error) { return doc, nil }

func (RawCodec) Decode(doc transport.RawDocument) (transport.RawDocument, error) { return doc, nil }
