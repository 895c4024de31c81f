package relaygraph

import (
	"strings"
	"time"
)

// Tracker owns the sync lifecycle transitions. It is the only code that
// writes synced, contentHash or gitHash.
type Tracker struct {
	now func() time.Time
}

func NewTracker(now func() time.Time) Tracker {
	if now == nil {
		now = time.Now
	}
	return Tracker{now: now}
}

// MarkEdited records an edit. Any edit invalidates sync status, including
// metadata-only edits; the content hash is recomputed only when new
// content is supplied.
func (t Tracker) MarkEdited(node Node, editor string, newContent *string) Node {
	next := node.Clone()
	next.Sync.EditedAt = t.clock().UTC()
	next.Sync.EditedBy = editor
	next.Sync.Synced = false
	if newContent != nil {
		next.Sync.ContentHash = HashContent(*newContent)
	}
	return next
}

// MarkSynced records a successful external commit. A nil syncedAt means now.
func (t Tracker) MarkSynced(node Node, commitID string, syncedAt *time.Time) (Node, error) {
	commitID = strings.TrimSpace(commitID)
	if commitID == "" {
		return Node{}, invalidf("commit id is required")
	}
	at := t.clock().UTC()
	if syncedAt != nil && !syncedAt.IsZero() {
		at = syncedAt.UTC()
	}
	next := node.Clone()
	next.Sync.Synced = true
	next.Sync.GitHash = &commitID
	next.Sync.SyncedAt = &at
	return next, nil
}

func (t Tracker) clock() time.Time {
	if t.now == nil {
		return time.Now()
	}
	return t.now()
}
