// Package redis implements the Transport over a shared Redis instance.
// Documents live under doc:{collection}:{docID} keys; change notifications
// ride pub/sub channels watch:{collection}:{docID} and watch:{collection}.
// Pub/sub gives at-least-once delivery to connected subscribers only, which
// matches the stream contract: a watch starts from the next change after the
// call.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"docsync/internal/transport"
	pkgerrors "docsync/pkg/errors"
)

const (
	opWrite  = "write"
	opDelete = "delete"
)

// changeMessage is the pub/sub envelope. A delete carries no document.
type changeMessage struct {
	Op    string                `json:"op"`
	DocID string                `json:"docId"`
	Doc   transport.RawDocument `json:"doc,omitempty"`
}

// Store is a Redis-backed Transport. The client lifecycle is managed by the
// caller.
type Store struct {
	client *goredis.Client
	logger *slog.Logger
}

// New builds a Store over client.
func New(client *goredis.Client, logger *slog.Logger) (*Store, error) {
	if client == nil {
		return nil, errors.New("redis: client is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{client: client, logger: logger.With("component", "redis_transport")}, nil
}

func docKey(collection, docID string) string {
	return fmt.Sprintf("doc:%s:%s", collection, docID)
}

func docChannel(collection, docID string) string {
	return fmt.Sprintf("watch:%s:%s", collection, docID)
}

func collectionChannel(collection string) string {
	return fmt.Sprintf("watch:%s", collection)
}

func (s *Store) Read(ctx context.Context, collection, docID string) (transport.RawDocument, error) {
	raw, err := s.client.Get(ctx, docKey(collection, docID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, transport.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var doc transport.RawDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeMalformedDocument, "stored payload is not a JSON object")
	}
	return doc, nil
}

func (s *Store) Write(ctx context.Context, collection, docID string, doc transport.RawDocument) (transport.RawDocument, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeMalformedDocument, "document is not JSON-encodable")
	}
	msg, err := json.Marshal(changeMessage{Op: opWrite, DocID: docID, Doc: doc})
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeMalformedDocument, "document is not JSON-encodable")
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, docKey(collection, docID), raw, 0)
	pipe.Publish(ctx, docChannel(collection, docID), msg)
	pipe.Publish(ctx, collectionChannel(collection), msg)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis write: %w", err)
	}
	return doc, nil
}

func (s *Store) Delete(ctx context.Context, collection, docID string) error {
	msg, err := json.Marshal(changeMessage{Op: opDelete, DocID: docID})
	if err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Del(ctx, docKey(collection, docID))
	pipe.Publish(ctx, docChannel(collection, docID), msg)
	pipe.Publish(ctx, collectionChannel(collection), msg)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}

func (s *Store) WatchDocument(ctx context.Context, collection, docID string) (<-chan transport.WatchEvent, error) {
	sub := s.client.Subscribe(ctx, docChannel(collection, docID))

	// Confirm the subscription is live before reporting the stream open, so
	// a watch never silently misses the next change.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	out := make(chan transport.WatchEvent, 64)
	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()

		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					// Subscription died without cancellation: terminal.
					s.deliver(ctx, out, transport.WatchEvent{
						Err: pkgerrors.New(pkgerrors.CodeTransportFailure, "redis subscription closed"),
					})
					return
				}
				var msg changeMessage
				if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
					s.logger.Warn("bad watch payload", "channel", m.Channel, "error", err)
					continue
				}
				ev := transport.WatchEvent{}
				if msg.Op != opDelete {
					ev.Doc = msg.Doc
				}
				s.deliver(ctx, out, ev)
			}
		}
	}()
	return out, nil
}

func (s *Store) WatchCollection(ctx context.Context, collection string) (<-chan transport.CollectionEvent, error) {
	sub := s.client.Subscribe(ctx, collectionChannel(collection))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	out := make(chan transport.CollectionEvent, 64)
	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()

		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					select {
					case out <- transport.CollectionEvent{
						Err: pkgerrors.New(pkgerrors.CodeTransportFailure, "redis subscription closed"),
					}:
					case <-ctx.Done():
					}
					return
				}
				var msg changeMessage
				if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
					s.logger.Warn("bad watch payload", "channel", m.Channel, "error", err)
					continue
				}
				ev := transport.CollectionEvent{}
				if msg.Op != opDelete {
					ev.Docs = []transport.RawDocument{msg.Doc}
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// deliver blocks rather than drops: per-document ordering is part of the
// transport contract.
func (s *Store) deliver(ctx context.Context, out chan<- transport.WatchEvent, ev transport.WatchEvent) {
	select {
	case out <- ev:
	case <-ctx.Done():
	}
}
