package gitsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaygraph/internal/relaygraph"
	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const frontMatterDelimiter = "---\n"

var unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

type CommitterOptions struct {
	RepoPath    string
	Subdir      string
	AuthorName  string
	AuthorEmail string
	Logger      *zap.Logger
	Now         func() time.Time
}

// Committer writes node snapshots as markdown files with YAML front matter
// into a git working tree and commits each one. It implements
// relaygraph.SyncAdapter.
type Committer struct {
	mu       sync.Mutex
	repo     *git.Repository
	worktree *git.Worktree
	root     string
	subdir   string
	author   object.Signature
	logger   *zap.Logger
	now      func() time.Time
}

type frontMatter struct {
	ID          string         `yaml:"id"`
	Type        string         `yaml:"type"`
	GraphID     string         `yaml:"graph_id"`
	LegacyID    string         `yaml:"legacy_id,omitempty"`
	EditedBy    string         `yaml:"edited_by,omitempty"`
	EditedAt    time.Time      `yaml:"edited_at"`
	ContentHash string         `yaml:"content_hash"`
	Fields      map[string]any `yaml:"fields,omitempty"`
}

// NewCommitter opens the repository at RepoPath, initializing it when the
// directory is not a repository yet.
func NewCommitter(opts CommitterOptions) (*Committer, error) {
	root := strings.TrimSpace(opts.RepoPath)
	if root == "" {
		return nil, errors.New("gitsync: repo path is required")
	}
	root = filepath.Clean(root)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	repo, err := git.PlainOpen(root)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		repo, err = git.PlainInit(root, false)
	}
	if err != nil {
		return nil, fmt.Errorf("gitsync: open repository %s: %w", root, err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("gitsync: worktree: %w", err)
	}
	name := strings.TrimSpace(opts.AuthorName)
	if name == "" {
		name = "relaygraph"
	}
	email := strings.TrimSpace(opts.AuthorEmail)
	if email == "" {
		email = "relaygraph@localhost"
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Committer{
		repo:     repo,
		worktree: worktree,
		root:     root,
		subdir:   strings.Trim(filepath.ToSlash(strings.TrimSpace(opts.Subdir)), "/"),
		author:   object.Signature{Name: name, Email: email},
		logger:   logger.Named("gitsync"),
		now:      now,
	}, nil
}

// Sync commits the node snapshot and returns the commit hash. A snapshot that
// is identical to what is already committed returns the current HEAD.
func (c *Committer) Sync(ctx context.Context, node relaygraph.Node) (string, error) {
	if strings.TrimSpace(node.ID) == "" || strings.TrimSpace(node.Type) == "" {
		return "", errors.New("gitsync: node id and type are required")
	}
	document, err := renderDocument(node)
	if err != nil {
		return "", err
	}
	rel := c.documentPath(node)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}

	target := filepath.Join(c.root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", err
	}
	if err := writeFileAtomic(target, document, 0o644); err != nil {
		return "", fmt.Errorf("gitsync: write %s: %w", rel, err)
	}
	if _, err := c.worktree.Add(rel); err != nil {
		return "", fmt.Errorf("gitsync: stage %s: %w", rel, err)
	}
	author := c.author
	author.When = c.now()
	hash, err := c.worktree.Commit(commitMessage(node), &git.CommitOptions{Author: &author})
	if errors.Is(err, git.ErrEmptyCommit) {
		head, headErr := c.repo.Head()
		if headErr != nil {
			return "", fmt.Errorf("gitsync: resolve head: %w", headErr)
		}
		c.logger.Debug("snapshot unchanged", zap.String("path", rel), zap.String("commit", head.Hash().String()))
		return head.Hash().String(), nil
	}
	if err != nil {
		return "", fmt.Errorf("gitsync: commit %s: %w", rel, err)
	}
	c.logger.Info("node committed",
		zap.String("graph_id", node.GraphID),
		zap.String("node_id", node.ID),
		zap.String("commit", hash.String()),
	)
	return hash.String(), nil
}

// documentPath is <subdir>/<graph>/<Type>/<id>.md with path-unsafe characters
// replaced.
func (c *Committer) documentPath(node relaygraph.Node) string {
	graph := node.GraphID
	if graph == "" {
		graph = "_unscoped"
	}
	parts := []string{safeSegment(graph), safeSegment(node.Type), safeSegment(node.ID) + ".md"}
	if c.subdir != "" {
		parts = append([]string{c.subdir}, parts...)
	}
	return path.Join(parts...)
}

func safeSegment(value string) string {
	cleaned := unsafePathChars.ReplaceAllString(strings.TrimSpace(value), "_")
	cleaned = strings.TrimLeft(cleaned, ".")
	if cleaned == "" {
		return "_"
	}
	return cleaned
}

func commitMessage(node relaygraph.Node) string {
	editor := node.Sync.EditedBy
	if editor == "" {
		editor = "unknown"
	}
	return fmt.Sprintf("sync %s %s (%s)\n\nedited-by: %s\ncontent-hash: %s\n", node.Type, node.ID, node.GraphID, editor, node.Sync.ContentHash)
}

func renderDocument(node relaygraph.Node) ([]byte, error) {
	content, _ := node.Content()
	meta := frontMatter{
		ID:          node.ID,
		Type:        node.Type,
		GraphID:     node.GraphID,
		LegacyID:    node.LegacyID,
		EditedBy:    node.Sync.EditedBy,
		EditedAt:    node.Sync.EditedAt.UTC(),
		ContentHash: node.Sync.ContentHash,
	}
	for key, value := range node.Properties {
		if key == relaygraph.ContentField {
			continue
		}
		if meta.Fields == nil {
			meta.Fields = map[string]any{}
		}
		meta.Fields[key] = value
	}
	header, err := yaml.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("gitsync: encode front matter: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString(frontMatterDelimiter)
	buf.Write(header)
	buf.WriteString(frontMatterDelimiter)
	buf.WriteString("\n")
	buf.WriteString(content)
	if !strings.HasSuffix(content, "\n") {
		buf.WriteString("\n")
	}
	return buf.Bytes(), nil
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
