//go:build integration

package postgres_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"docsync/internal/transport"
	pgstore "docsync/internal/transport/postgres"
	"docsync/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	pg    *containers.PostgresContainer
	store *pgstore.Store
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.pg = mgr.GetPostgres(s.T())

	store, err := pgstore.New(s.pg.DB, s.pg.DSN, nil)
	s.Require().NoError(err)
	s.Require().NoError(store.EnsureSchema(context.Background()))
	s.store = store
}

func (s *PostgresStoreSuite) SetupTest() {
	s.Require().NoError(s.pg.TruncateAll(context.Background()))
}

func (s *PostgresStoreSuite) TestWriteThenReadRoundTrips() {
	ctx := context.Background()
	doc := transport.RawDocument{"id": "u1", "name": "A", "level": float64(3)}

	echoed, err := s.store.Write(ctx, "users", "u1", doc)
	s.Require().NoError(err)
	s.Equal(doc, echoed)

	read, err := s.store.Read(ctx, "users", "u1")
	s.Require().NoError(err)
	s.Equal(doc, read)
}

func (s *PostgresStoreSuite) TestWriteIsUpsert() {
	ctx := context.Background()
	_, err := s.store.Write(ctx, "users", "u1", transport.RawDocument{"name": "first"})
	s.Require().NoError(err)
	_, err = s.store.Write(ctx, "users", "u1", transport.RawDocument{"name": "second"})
	s.Require().NoError(err)

	read, err := s.store.Read(ctx, "users", "u1")
	s.Require().NoError(err)
	s.Equal("second", read["name"])
}

func (s *PostgresStoreSuite) TestReadMissingReturnsNotFound() {
	_, err := s.store.Read(context.Background(), "users", "missing")
	s.True(errors.Is(err, transport.ErrNotFound))
}

func (s *PostgresStoreSuite) TestDeleteIsIdempotent() {
	ctx := context.Background()
	_, err := s.store.Write(ctx, "users", "u1", transport.RawDocument{"id": "u1"})
	s.Require().NoError(err)

	s.NoError(s.store.Delete(ctx, "users", "u1"))
	s.NoError(s.store.Delete(ctx, "users", "u1"))
}

func (s *PostgresStoreSuite) TestCollectionsAreIsolated() {
	ctx := context.Background()
	_, err := s.store.Write(ctx, "users", "x", transport.RawDocument{"kind": "user"})
	s.Require().NoError(err)
	_, err = s.store.Write(ctx, "rooms", "x", transport.RawDocument{"kind": "room"})
	s.Require().NoError(err)

	read, err := s.store.Read(ctx, "users", "x")
	s.Require().NoError(err)
	s.Equal("user", read["kind"])
}

func (s *PostgresStoreSuite) TestWatchDocumentSeesWriteAndTombstone() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := s.store.WatchDocument(ctx, "users", "u1")
	s.Require().NoError(err)

	// Give the listener connection a moment to be fully established.
	time.Sleep(200 * time.Millisecond)

	_, err = s.store.Write(ctx, "users", "u1", transport.RawDocument{"id": "u1", "name": "A"})
	s.Require().NoError(err)

	select {
	case ev := <-events:
		s.Require().NoError(ev.Err)
		s.Require().NotNil(ev.Doc)
		s.Equal("A", ev.Doc["name"])
	case <-time.After(10 * time.Second):
		s.FailNow("watch did not observe the write")
	}

	s.Require().NoError(s.store.Delete(ctx, "users", "u1"))

	select {
	case ev := <-events:
		s.Require().NoError(ev.Err)
		s.Nil(ev.Doc, "delete must arrive as a nil-document tombstone")
	case <-time.After(10 * time.Second):
		s.FailNow("watch did not observe the delete")
	}
}

func (s *PostgresStoreSuite) TestWatchScopedToDocument() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := s.store.WatchDocument(ctx, "users", "u1")
	s.Require().NoError(err)
	time.Sleep(200 * time.Millisecond)

	_, err = s.store.Write(ctx, "users", "u2", transport.RawDocument{"id": "u2"})
	s.Require().NoError(err)
	_, err = s.store.Write(ctx, "users", "u1", transport.RawDocument{"id": "u1"})
	s.Require().NoError(err)

	select {
	case ev := <-events:
		s.Require().NoError(ev.Err)
		s.Equal("u1", ev.Doc["id"], "events for other documents must not leak in")
	case <-time.After(10 * time.Second):
		s.FailNow("watch did not observe the write")
	}
}

func (s *PostgresStoreSuite) TestWatchCollectionSeesAllDocuments() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := s.store.WatchCollection(ctx, "users")
	s.Require().NoError(err)
	time.Sleep(200 * time.Millisecond)

	_, err = s.store.Write(ctx, "users", "u1", transport.RawDocument{"id": "u1"})
	s.Require().NoError(err)
	_, err = s.store.Write(ctx, "users", "u2", transport.RawDocument{"id": "u2"})
	s.Require().NoError(err)

	seen := map[string]bool{}
	for len(seen) < 2 {
		select {
		case ev := <-events:
			s.Require().NoError(ev.Err)
			for _, doc := range ev.Docs {
				seen[doc["id"].(string)] = true
			}
		case <-time.After(10 * time.Second):
			s.FailNow("collection watch did not observe both writes")
		}
	}
}

func (s *PostgresStoreSuite) TestCancelClosesStreamWithoutError() {
	ctx, cancel := context.WithCancel(context.Background())

	events, err := s.store.WatchDocument(ctx, "users", "u1")
	s.Require().NoError(err)

	cancel()

	select {
	case ev, ok := <-events:
		s.False(ok, "cancellation must close the stream without an error event, got %+v", ev)
	case <-time.After(10 * time.Second):
		s.FailNow("stream did not close after cancellation")
	}
}
