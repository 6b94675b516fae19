package multiplexer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docsync/internal/docstore"
	"docsync/internal/transport"
	"docsync/internal/transport/memory"
	pkgerrors "docsync/pkg/errors"
)

var userKey = docstore.Key{Collection: "users", DocID: "u1"}

func TestConcurrentAttachOpensOneUpstream(t *testing.T) {
	store := memory.NewStore()
	m := New(store, nil)

	const n = 16
	handles := make([]*Handle, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := m.Attach(userKey)
			assert.NoError(t, err)
			handles[i] = h
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, store.WatchOpens("users", "u1"))
	assert.Equal(t, n, m.Observers(userKey))

	for _, h := range handles {
		m.Detach(h)
	}
}

func TestLastDetachCancelsUpstreamAndReattachReopens(t *testing.T) {
	store := memory.NewStore()
	m := New(store, nil)

	h1, err := m.Attach(userKey)
	require.NoError(t, err)
	h2, err := m.Attach(userKey)
	require.NoError(t, err)
	require.Equal(t, 1, store.WatchOpens("users", "u1"))

	m.Detach(h1)
	assert.Equal(t, 1, m.Observers(userKey), "upstream must stay open while observers remain")

	m.Detach(h2)
	assert.Equal(t, 0, m.Len())
	require.Eventually(t, func() bool {
		return store.ActiveDocWatches("users", "u1") == 0
	}, time.Second, 5*time.Millisecond, "upstream not canceled after last detach")

	h3, err := m.Attach(userKey)
	require.NoError(t, err)
	defer m.Detach(h3)
	assert.Equal(t, 2, store.WatchOpens("users", "u1"), "re-attach must open a fresh upstream")
}

func TestDetachIsIdempotent(t *testing.T) {
	store := memory.NewStore()
	m := New(store, nil)

	h, err := m.Attach(userKey)
	require.NoError(t, err)

	m.Detach(h)
	m.Detach(h)
	m.Detach(nil)

	assert.Equal(t, 0, m.Len())
	select {
	case <-h.Done():
	default:
		t.Fatal("done channel not closed after detach")
	}
}

func TestEventsFanOutToAllObservers(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	m := New(store, nil)

	h1, err := m.Attach(userKey)
	require.NoError(t, err)
	defer m.Detach(h1)
	h2, err := m.Attach(userKey)
	require.NoError(t, err)
	defer m.Detach(h2)

	_, err = store.Write(ctx, "users", "u1", transport.RawDocument{"name": "B"})
	require.NoError(t, err)

	for _, h := range []*Handle{h1, h2} {
		select {
		case ev := <-h.Events():
			require.NoError(t, ev.Err)
			assert.Equal(t, "B", ev.Doc["name"])
		case <-time.After(time.Second):
			t.Fatal("observer did not receive the event")
		}
	}
}

func TestDetachedObserverStopsReceiving(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	m := New(store, nil)

	h1, err := m.Attach(userKey)
	require.NoError(t, err)
	h2, err := m.Attach(userKey)
	require.NoError(t, err)
	defer m.Detach(h2)

	m.Detach(h1)

	_, err = store.Write(ctx, "users", "u1", transport.RawDocument{"name": "C"})
	require.NoError(t, err)

	select {
	case ev := <-h2.Events():
		assert.Equal(t, "C", ev.Doc["name"])
	case <-time.After(time.Second):
		t.Fatal("remaining observer did not receive the event")
	}
	select {
	case ev, ok := <-h1.Events():
		if ok {
			t.Fatalf("detached observer received event %v", ev)
		}
	default:
	}
}

func TestUpstreamErrorIsTerminalForTheKey(t *testing.T) {
	store := memory.NewStore()
	m := New(store, nil)

	h, err := m.Attach(userKey)
	require.NoError(t, err)

	store.FailWatches("users", "u1", assert.AnError)

	select {
	case ev := <-h.Events():
		require.Error(t, ev.Err)
		assert.Equal(t, pkgerrors.CodeTransportFailure, pkgerrors.CodeOf(ev.Err))
	case <-time.After(time.Second):
		t.Fatal("terminal error not re-broadcast")
	}
	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("handle not finished after terminal error")
	}

	require.Eventually(t, func() bool { return m.Len() == 0 }, time.Second, 5*time.Millisecond)

	// Re-attach opens a fresh upstream subscription.
	h2, err := m.Attach(userKey)
	require.NoError(t, err)
	defer m.Detach(h2)
	assert.Equal(t, 2, store.WatchOpens("users", "u1"))
}

func TestNoReplayOfHistoricalEvents(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	m := New(store, nil)

	_, err := store.Write(ctx, "users", "u1", transport.RawDocument{"name": "old"})
	require.NoError(t, err)

	h, err := m.Attach(userKey)
	require.NoError(t, err)
	defer m.Detach(h)

	select {
	case ev := <-h.Events():
		t.Fatalf("unexpected replayed event %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}
