package reactive

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type doc struct {
	Name string
}

func TestMergeKeepsLastGoodDocumentOnFailure(t *testing.T) {
	good := doc{Name: "good"}
	snap := merge(Snapshot[doc]{}, &good, nil)
	assert.NoError(t, snap.Err)
	assert.Equal(t, "good", snap.Doc.Name)

	failed := merge(snap, nil, errors.New("backend down"))
	assert.Error(t, failed.Err)
	assert.NotNil(t, failed.Doc, "failure must not blank out the last good document")
	assert.Equal(t, "good", failed.Doc.Name)
}

func TestMergeSuccessClearsPriorError(t *testing.T) {
	snap := merge(Snapshot[doc]{Err: errors.New("stale")}, &doc{Name: "fresh"}, nil)
	assert.NoError(t, snap.Err)
	assert.Equal(t, "fresh", snap.Doc.Name)
}

func TestMergeSuccessReplacesDocumentWithNil(t *testing.T) {
	// A successful read of a tombstone carries no document.
	old := merge(Snapshot[doc]{}, &doc{Name: "old"}, nil)
	snap := merge(old, nil, nil)
	assert.NoError(t, snap.Err)
	assert.Nil(t, snap.Doc)
}
