package changefeed

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docsync/internal/transport"
)

func TestChangeEventEncoding(t *testing.T) {
	ev := ChangeEvent{
		ID:         "ev-1",
		Collection: "users",
		DocID:      "u1",
		Op:         OpWrite,
		Doc:        transport.RawDocument{"id": "u1", "name": "A"},
		At:         time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}

	raw, err := json.Marshal(ev)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "users", decoded["collection"])
	assert.Equal(t, "u1", decoded["docId"])
	assert.Equal(t, "write", decoded["op"])
	assert.Contains(t, decoded, "doc")
}

func TestDeleteEventOmitsDoc(t *testing.T) {
	raw, err := json.Marshal(ChangeEvent{Collection: "users", DocID: "u1", Op: OpDelete})
	require.NoError(t, err)
	assert.NotContains(t, string(raw), `"doc":`)
}

func TestNewValidatesArguments(t *testing.T) {
	_, err := New(nil, "docsync.changes")
	assert.Error(t, err)

	_, err = New([]string{"localhost:9092"}, "")
	assert.Error(t, err)
}
