// Package postgres implements the Transport over a Postgres database.
// Documents live as JSONB rows in a single documents table keyed by
// (collection, doc_id). Change notifications ride LISTEN/NOTIFY on one
// shared channel; the NOTIFY payload carries only the change envelope, the
// watcher re-reads the document, which keeps payloads well under the NOTIFY
// size limit.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"docsync/internal/transport"
	pkgerrors "docsync/pkg/errors"
)

const (
	notifyChannel = "docsync_changes"

	listenerMinReconnect = 10 * time.Second
	listenerMaxReconnect = time.Minute
	listenerPingInterval = 90 * time.Second
)

const (
	opWrite  = "write"
	opDelete = "delete"
)

// notification is the NOTIFY envelope. It intentionally omits the document
// body.
type notification struct {
	Op         string `json:"op"`
	Collection string `json:"collection"`
	DocID      string `json:"docId"`
}

// Store is a Postgres-backed Transport. The *sql.DB lifecycle is managed by
// the caller; the DSN is kept because each watch opens its own listener
// connection.
type Store struct {
	db     *sql.DB
	dsn    string
	logger *slog.Logger
}

// New builds a Store over db.
func New(db *sql.DB, dsn string, logger *slog.Logger) (*Store, error) {
	if db == nil {
		return nil, errors.New("postgres: db is required")
	}
	if dsn == "" {
		return nil, errors.New("postgres: dsn is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, dsn: dsn, logger: logger.With("component", "postgres_transport")}, nil
}

// EnsureSchema creates the documents table when absent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS documents (
			collection TEXT NOT NULL,
			doc_id     TEXT NOT NULL,
			payload    JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (collection, doc_id)
		)`)
	if err != nil {
		return fmt.Errorf("postgres ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Read(ctx context.Context, collection, docID string) (transport.RawDocument, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT payload FROM documents WHERE collection = $1 AND doc_id = $2",
		collection, docID,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, transport.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres read: %w", err)
	}

	var doc transport.RawDocument
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeMalformedDocument, "stored payload is not a JSON object")
	}
	return doc, nil
}

// Write upserts the document and emits the change notification in the same
// transaction, so a watcher never sees a notification for an uncommitted row.
func (s *Store) Write(ctx context.Context, collection, docID string, doc transport.RawDocument) (transport.RawDocument, error) {
	payload, err := json.Marshal(doc)
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeMalformedDocument, "document is not JSON-encodable")
	}

	if err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO documents (collection, doc_id, payload, updated_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (collection, doc_id)
			DO UPDATE SET payload = EXCLUDED.payload, updated_at = NOW()`,
			collection, docID, payload,
		); err != nil {
			return err
		}
		return s.notifyTx(ctx, tx, notification{Op: opWrite, Collection: collection, DocID: docID})
	}); err != nil {
		return nil, fmt.Errorf("postgres write: %w", err)
	}
	return doc, nil
}

func (s *Store) Delete(ctx context.Context, collection, docID string) error {
	if err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM documents WHERE collection = $1 AND doc_id = $2",
			collection, docID,
		); err != nil {
			return err
		}
		return s.notifyTx(ctx, tx, notification{Op: opDelete, Collection: collection, DocID: docID})
	}); err != nil {
		return fmt.Errorf("postgres delete: %w", err)
	}
	return nil
}

func (s *Store) WatchDocument(ctx context.Context, collection, docID string) (<-chan transport.WatchEvent, error) {
	listener, err := s.openListener()
	if err != nil {
		return nil, err
	}

	out := make(chan transport.WatchEvent, 64)
	go func() {
		defer close(out)
		defer func() { _ = listener.Close() }()

		ping := time.NewTicker(listenerPingInterval)
		defer ping.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				if err := listener.Ping(); err != nil {
					s.sendDocEvent(ctx, out, transport.WatchEvent{
						Err: pkgerrors.Wrap(err, pkgerrors.CodeTransportFailure, "postgres listener lost"),
					})
					return
				}
			case n, ok := <-listener.Notify:
				if !ok {
					s.sendDocEvent(ctx, out, transport.WatchEvent{
						Err: pkgerrors.New(pkgerrors.CodeTransportFailure, "postgres listener closed"),
					})
					return
				}
				if n != nil {
					msg, ok := s.decode(n.Extra)
					if !ok || msg.Collection != collection || msg.DocID != docID {
						continue
					}
				}
				// A nil notification is pq's reconnect marker; changes during
				// the outage are lost, re-read so the stream converges.
				ev := s.currentState(ctx, collection, docID)
				s.sendDocEvent(ctx, out, ev)
				if ev.Err != nil {
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *Store) WatchCollection(ctx context.Context, collection string) (<-chan transport.CollectionEvent, error) {
	listener, err := s.openListener()
	if err != nil {
		return nil, err
	}

	out := make(chan transport.CollectionEvent, 64)
	go func() {
		defer close(out)
		defer func() { _ = listener.Close() }()

		ping := time.NewTicker(listenerPingInterval)
		defer ping.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				if err := listener.Ping(); err != nil {
					s.sendColEvent(ctx, out, transport.CollectionEvent{
						Err: pkgerrors.Wrap(err, pkgerrors.CodeTransportFailure, "postgres listener lost"),
					})
					return
				}
			case n, ok := <-listener.Notify:
				if !ok {
					s.sendColEvent(ctx, out, transport.CollectionEvent{
						Err: pkgerrors.New(pkgerrors.CodeTransportFailure, "postgres listener closed"),
					})
					return
				}
				if n == nil {
					continue
				}
				msg, ok := s.decode(n.Extra)
				if !ok || msg.Collection != collection {
					continue
				}
				ev := transport.CollectionEvent{}
				if msg.Op != opDelete {
					state := s.currentState(ctx, collection, msg.DocID)
					if state.Err != nil {
						s.sendColEvent(ctx, out, transport.CollectionEvent{Err: state.Err})
						return
					}
					if state.Doc != nil {
						ev.Docs = []transport.RawDocument{state.Doc}
					}
				}
				s.sendColEvent(ctx, out, ev)
			}
		}
	}()
	return out, nil
}

// currentState re-reads the document after a notification. A not-found read
// means the document was deleted between notify and read, which is the same
// observable state as a tombstone.
func (s *Store) currentState(ctx context.Context, collection, docID string) transport.WatchEvent {
	doc, err := s.Read(ctx, collection, docID)
	if errors.Is(err, transport.ErrNotFound) {
		return transport.WatchEvent{}
	}
	if err != nil {
		return transport.WatchEvent{Err: pkgerrors.Wrap(err, pkgerrors.CodeTransportFailure, "re-read after notification failed")}
	}
	return transport.WatchEvent{Doc: doc}
}

func (s *Store) openListener() (*pq.Listener, error) {
	logger := s.logger
	listener := pq.NewListener(s.dsn, listenerMinReconnect, listenerMaxReconnect,
		func(event pq.ListenerEventType, err error) {
			if err != nil {
				logger.Warn("listener event", "event", int(event), "error", err)
			}
		})
	if err := listener.Listen(notifyChannel); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("postgres listen: %w", err)
	}
	return listener, nil
}

func (s *Store) notifyTx(ctx context.Context, tx *sql.Tx, msg notification) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", notifyChannel, string(payload))
	return err
}

func (s *Store) decode(payload string) (notification, bool) {
	var msg notification
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		s.logger.Warn("bad notification payload", "error", err)
		return notification{}, false
	}
	return msg, true
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) sendDocEvent(ctx context.Context, out chan<- transport.WatchEvent, ev transport.WatchEvent) {
	select {
	case out <- ev:
	case <-ctx.Done():
	}
}

func (s *Store) sendColEvent(ctx context.Context, out chan<- transport.CollectionEvent, ev transport.CollectionEvent) {
	select {
	case out <- ev:
	case <-ctx.Done():
	}
}
