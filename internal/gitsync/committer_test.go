package gitsync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/relaygraph/internal/relaygraph"
	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

var testEpoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestCommitter(t *testing.T) (*Committer, string) {
	t.Helper()
	dir := t.TempDir()
	committer, err := NewCommitter(CommitterOptions{
		RepoPath:    dir,
		Subdir:      "knowledge",
		AuthorName:  "Sync Bot",
		AuthorEmail: "sync@example.com",
		Now:         func() time.Time { return testEpoch },
	})
	require.NoError(t, err)
	return committer, dir
}

func decisionNode(content string) relaygraph.Node {
	return relaygraph.Node{
		Type:    "Decision",
		GraphID: "acme",
		ID:      "ADR-001",
		Properties: map[string]any{
			"content": content,
			"title":   "Use Go",
		},
		Sync: relaygraph.SyncState{
			EditedBy:    "alice",
			EditedAt:    testEpoch,
			ContentHash: relaygraph.HashContent(content),
		},
	}
}

func commitCount(t *testing.T, dir string) int {
	t.Helper()
	repo, err := git.PlainOpen(dir)
	require.NoError(t, err)
	iter, err := repo.Log(&git.LogOptions{})
	require.NoError(t, err)
	count := 0
	require.NoError(t, iter.ForEach(func(*object.Commit) error {
		count++
		return nil
	}))
	return count
}

func TestCommitterWritesDocumentAndCommits(t *testing.T) {
	committer, dir := newTestCommitter(t)

	hash, err := committer.Sync(context.Background(), decisionNode("We use Go."))
	require.NoError(t, err)
	assert.Len(t, hash, 40)

	data, err := os.ReadFile(filepath.Join(dir, "knowledge", "acme", "Decision", "ADR-001.md"))
	require.NoError(t, err)
	meta, body, err := parseDocument(data)
	require.NoError(t, err)
	assert.Equal(t, "ADR-001", meta.ID)
	assert.Equal(t, "Decision", meta.Type)
	assert.Equal(t, "acme", meta.GraphID)
	assert.Equal(t, "alice", meta.EditedBy)
	assert.Equal(t, relaygraph.HashContent("We use Go."), meta.ContentHash)
	assert.Equal(t, "Use Go", meta.Fields["title"])
	assert.NotContains(t, meta.Fields, "content")
	assert.Equal(t, "We use Go.\n", body)

	repo, err := git.PlainOpen(dir)
	require.NoError(t, err)
	head, err := repo.Head()
	require.NoError(t, err)
	assert.Equal(t, hash, head.Hash().String())
	commit, err := repo.CommitObject(head.Hash())
	require.NoError(t, err)
	assert.Equal(t, "Sync Bot", commit.Author.Name)
	assert.Contains(t, commit.Message, "sync Decision ADR-001 (acme)")
}

func TestCommitterUnchangedSnapshotReturnsHead(t *testing.T) {
	committer, dir := newTestCommitter(t)
	first, err := committer.Sync(context.Background(), decisionNode("v1"))
	require.NoError(t, err)
	again, err := committer.Sync(context.Background(), decisionNode("v1"))
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.Equal(t, 1, commitCount(t, dir))

	next, err := committer.Sync(context.Background(), decisionNode("v2"))
	require.NoError(t, err)
	assert.NotEqual(t, first, next)
	assert.Equal(t, 2, commitCount(t, dir))
}

func TestCommitterReopensExistingRepository(t *testing.T) {
	committer, dir := newTestCommitter(t)
	first, err := committer.Sync(context.Background(), decisionNode("v1"))
	require.NoError(t, err)

	reopened, err := NewCommitter(CommitterOptions{RepoPath: dir, Subdir: "knowledge"})
	require.NoError(t, err)
	again, err := reopened.Sync(context.Background(), decisionNode("v1"))
	require.NoError(t, err)
	assert.Equal(t, first, again)
}

func TestCommitterRejectsInvalidInput(t *testing.T) {
	committer, _ := newTestCommitter(t)
	_, err := committer.Sync(context.Background(), relaygraph.Node{Type: "Decision"})
	require.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = committer.Sync(ctx, decisionNode("v1"))
	require.ErrorIs(t, err, context.Canceled)

	_, err = NewCommitter(CommitterOptions{})
	require.Error(t, err)
}

func TestDocumentPathStaysInsideTree(t *testing.T) {
	committer, _ := newTestCommitter(t)
	cases := map[string]relaygraph.Node{
		"knowledge/acme/Decision/ADR-001.md":   {GraphID: "acme", Type: "Decision", ID: "ADR-001"},
		"knowledge/_etc/Decision/_passwd.md":   {GraphID: "../etc", Type: "Decision", ID: "../passwd"},
		"knowledge/_unscoped/Task/T_1_x.md":    {Type: "Task", ID: "T 1/x"},
		"knowledge/acme/Session/session_42.md": {GraphID: "acme", Type: "Session", ID: "session:42"},
	}
	for want, node := range cases {
		assert.Equal(t, want, committer.documentPath(node))
	}
}

// parseDocument splits a committed document back into front matter and body.
func parseDocument(data []byte) (frontMatter, string, error) {
	text := string(data)
	if !strings.HasPrefix(text, frontMatterDelimiter) {
		return frontMatter{}, "", errors.New("gitsync: missing front matter")
	}
	rest := text[len(frontMatterDelimiter):]
	end := strings.Index(rest, "\n"+frontMatterDelimiter)
	if end < 0 {
		return frontMatter{}, "", errors.New("gitsync: unterminated front matter")
	}
	var meta frontMatter
	if err := yaml.Unmarshal([]byte(rest[:end+1]), &meta); err != nil {
		return frontMatter{}, "", fmt.Errorf("gitsync: decode front matter: %w", err)
	}
	body := strings.TrimPrefix(rest[end+1+len(frontMatterDelimiter):], "\n")
	return meta, body, nil
}
