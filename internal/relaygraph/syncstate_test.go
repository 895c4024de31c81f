package relaygraph

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerMarkEdited(t *testing.T) {
	t.Parallel()
	tracker := NewTracker(func() time.Time { return at(5) })
	commit := "abc123"
	syncedAt := at(1)
	node := Node{Sync: SyncState{Synced: true, GitHash: &commit, SyncedAt: &syncedAt, ContentHash: "old"}}

	t.Run("metadata only keeps hash but invalidates sync", func(t *testing.T) {
		t.Parallel()
		next := tracker.MarkEdited(node, "alice", nil)
		assert.False(t, next.Sync.Synced)
		assert.Equal(t, "old", next.Sync.ContentHash)
		assert.Equal(t, "alice", next.Sync.EditedBy)
		assert.Equal(t, at(5), next.Sync.EditedAt)
		assert.True(t, node.Sync.Synced, "input must not be mutated")
	})

	t.Run("content recomputes hash", func(t *testing.T) {
		t.Parallel()
		content := "new body"
		next := tracker.MarkEdited(node, "bob", &content)
		assert.Equal(t, HashContent(content), next.Sync.ContentHash)
		assert.False(t, next.Sync.Synced)
	})
}

func TestTrackerMarkSynced(t *testing.T) {
	t.Parallel()
	tracker := NewTracker(func() time.Time { return at(9) })

	next, err := tracker.MarkSynced(Node{}, "deadbeef", nil)
	require.NoError(t, err)
	assert.True(t, next.Sync.Synced)
	require.NotNil(t, next.Sync.GitHash)
	assert.Equal(t, "deadbeef", *next.Sync.GitHash)
	assert.Equal(t, at(9), *next.Sync.SyncedAt)

	explicit := at(3)
	next, err = tracker.MarkSynced(Node{}, "cafe", &explicit)
	require.NoError(t, err)
	assert.Equal(t, at(3), *next.Sync.SyncedAt)

	_, err = tracker.MarkSynced(Node{}, "  ", nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

// Every reachable sequence of transitions keeps synced backed by a commit.
func TestTrackerInvariantHoldsAcrossSequences(t *testing.T) {
	t.Parallel()
	tracker := NewTracker(nil)
	content := "x"
	steps := []func(Node) Node{
		func(n Node) Node { return tracker.MarkEdited(n, "a", nil) },
		func(n Node) Node { return tracker.MarkEdited(n, "b", &content) },
		func(n Node) Node {
			next, err := tracker.MarkSynced(n, "c0ffee", nil)
			require.NoError(t, err)
			return next
		},
	}
	var walk func(n Node, depth int)
	walk = func(n Node, depth int) {
		require.True(t, n.Sync.Valid(), "invalid sync state: %+v", n.Sync)
		if depth == 0 {
			return
		}
		for _, step := range steps {
			walk(step(n), depth-1)
		}
	}
	walk(Node{}, 5)
}
