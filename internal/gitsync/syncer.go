package gitsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/agentworkforce/relaygraph/internal/relaygraph"
	"go.uber.org/zap"
)

type SyncerOptions struct {
	GraphID   string
	BatchSize int
	Logger    *zap.Logger
	Now       func() time.Time
}

// Syncer is the pull side of the version-control pipeline: it lists a
// tenant's unsynced nodes, commits each one, and reports the commit back.
type Syncer struct {
	client    RemoteClient
	adapter   relaygraph.SyncAdapter
	graphID   string
	batchSize int
	logger    *zap.Logger
	now       func() time.Time
}

// CycleStats counts one cycle's outcomes. Stale nodes were edited after
// their snapshot was committed and are picked up again next cycle.
type CycleStats struct {
	Listed    int
	Committed int
	Stale     int
	Failed    int
}

func NewSyncer(client RemoteClient, adapter relaygraph.SyncAdapter, opts SyncerOptions) (*Syncer, error) {
	if client == nil {
		return nil, errors.New("gitsync: client is required")
	}
	if adapter == nil {
		return nil, errors.New("gitsync: sync adapter is required")
	}
	graphID := strings.TrimSpace(opts.GraphID)
	if graphID == "" {
		return nil, errors.New("gitsync: graph id is required")
	}
	batch := opts.BatchSize
	if batch <= 0 {
		batch = relaygraph.DefaultUnsyncedLimit
	}
	if batch > relaygraph.MaxUnsyncedLimit {
		batch = relaygraph.MaxUnsyncedLimit
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Syncer{
		client:    client,
		adapter:   adapter,
		graphID:   graphID,
		batchSize: batch,
		logger:    logger.Named("syncer"),
		now:       now,
	}, nil
}

// SyncOnce runs one cycle. A node that fails to commit or to be marked is
// left unsynced for the next cycle; only listing failures abort the cycle.
func (s *Syncer) SyncOnce(ctx context.Context) (CycleStats, error) {
	nodes, err := s.client.ListUnsynced(ctx, s.graphID, s.batchSize)
	if err != nil {
		return CycleStats{}, fmt.Errorf("list unsynced nodes: %w", err)
	}
	stats := CycleStats{Listed: len(nodes)}
	for _, node := range nodes {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if node.GraphID == "" {
			node.GraphID = s.graphID
		}
		commit, err := s.adapter.Sync(ctx, node)
		if err != nil {
			stats.Failed++
			s.logger.Warn("commit failed", zap.String("node_id", node.ID), zap.Error(err))
			continue
		}
		if _, err := s.client.MarkSynced(ctx, node, commit, s.now()); err != nil {
			var apiErr *HTTPError
			if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
				stats.Stale++
				s.logger.Info("node edited after snapshot; leaving it for the next cycle",
					zap.String("node_id", node.ID), zap.String("commit", commit))
				continue
			}
			stats.Failed++
			s.logger.Warn("mark synced failed", zap.String("node_id", node.ID), zap.String("commit", commit), zap.Error(err))
			continue
		}
		stats.Committed++
	}
	return stats, nil
}
