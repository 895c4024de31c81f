package relaygraph

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	DefaultUnsyncedLimit = 100
	MaxUnsyncedLimit     = 500
	maxWriteAttempts     = 2
)

type MutationServiceOptions struct {
	Store         GraphStore
	MutableFields []string
	SyncableTypes []string
	// Adapter is optional; without it edited nodes stay unsynced until the
	// external pipeline reports a commit.
	Adapter SyncAdapter
	Events  Publisher
	Logger  *zap.Logger
	Now     func() time.Time
}

// MutationService is the single writer of node content and sync metadata.
type MutationService struct {
	store    GraphStore
	fields   FieldPolicy
	syncable map[string]struct{}
	types    []string
	adapter  SyncAdapter
	events   Publisher
	tracker  Tracker
	logger   *zap.Logger
}

type MutationRequest struct {
	Key          NodeKey
	Editor       string
	Patch        map[string]any
	BaselineHash string
	Strategy     Strategy
}

type MutationResult struct {
	Outcome       Outcome   `json:"outcome"`
	Node          Node      `json:"node"`
	SyncStatus    SyncState `json:"syncStatus"`
	DroppedFields []string  `json:"droppedFields,omitempty"`
}

func NewMutationService(opts MutationServiceOptions) (*MutationService, error) {
	if opts.Store == nil {
		return nil, invalidf("graph store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	events := opts.Events
	if events == nil {
		events = nopPublisher{}
	}
	types := opts.SyncableTypes
	if len(types) == 0 {
		types = DefaultSyncableTypes
	}
	return &MutationService{
		store:    opts.Store,
		fields:   NewFieldPolicy(opts.MutableFields),
		syncable: toSet(types),
		types:    append([]string(nil), types...),
		adapter:  opts.Adapter,
		events:   events,
		tracker:  NewTracker(opts.Now),
		logger:   logger.Named("mutation"),
	}, nil
}

func (s *MutationService) Get(ctx context.Context, key NodeKey) (Node, error) {
	if err := validateKey(key); err != nil {
		return Node{}, err
	}
	return s.load(ctx, key)
}

// Update applies a patch under optimistic concurrency. A conflict is
// returned as a *ConflictError; a skip returns the stored node untouched.
func (s *MutationService) Update(ctx context.Context, req MutationRequest) (result MutationResult, err error) {
	ctx, span := tracer.Start(ctx, "relaygraph.Update", trace.WithAttributes(
		attribute.String("graph.id", req.Key.GraphID),
		attribute.String("node.id", req.Key.ID),
	))
	defer func() { endSpan(span, err) }()

	if err := validateKey(req.Key); err != nil {
		return MutationResult{}, err
	}
	if strings.TrimSpace(req.Editor) == "" {
		return MutationResult{}, invalidf("editor is required")
	}
	clean, dropped := s.fields.Sanitize(req.Patch)
	if len(dropped) > 0 {
		s.logger.Debug("dropped patch fields", zap.String("node_id", req.Key.ID), zap.Strings("fields", dropped))
	}
	if len(clean) == 0 {
		return MutationResult{}, invalidf("patch contains no mutable fields")
	}
	var newContent *string
	if value, ok := clean[ContentField]; ok {
		content, _ := value.(string)
		newContent = &content
	}

	// Early attempts are conditional on the hash that Decide saw. The last
	// attempt re-decides against fresh state and then writes last-write-wins.
	for attempt := 1; ; attempt++ {
		current, err := s.load(ctx, req.Key)
		if err != nil {
			return MutationResult{}, err
		}
		if newContent != nil {
			incoming := HashContent(*newContent)
			switch Decide(req.BaselineHash, current.Sync.ContentHash, incoming, req.Strategy) {
			case OutcomeConflict:
				return MutationResult{}, conflictFor(current, req.BaselineHash, incoming)
			case OutcomeSkip:
				return MutationResult{
					Outcome:       OutcomeSkip,
					Node:          current,
					SyncStatus:    current.Sync,
					DroppedFields: dropped,
				}, nil
			}
		}

		edited := s.tracker.MarkEdited(current, req.Editor, newContent)
		write := NodeWrite{
			ElementID: current.ElementID,
			Set:       clean,
			Sync:      edited.Sync,
		}
		if attempt < maxWriteAttempts {
			expected := current.Sync.ContentHash
			write.ExpectedHash = &expected
		}
		stored, err := s.store.UpdateNode(ctx, write)
		if errors.Is(err, ErrStaleWrite) {
			s.logger.Info("concurrent write detected; re-evaluating",
				zap.String("graph_id", req.Key.GraphID),
				zap.String("node_id", req.Key.ID),
				zap.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return MutationResult{}, err
		}

		s.events.Publish(Event{
			Type:     EventNodeUpdated,
			GraphID:  stored.GraphID,
			NodeType: stored.Type,
			NodeID:   stored.ID,
			Actor:    req.Editor,
			At:       stored.Sync.EditedAt,
		})
		stored = s.syncBestEffort(ctx, stored)
		return MutationResult{
			Outcome:       OutcomeProceed,
			Node:          stored,
			SyncStatus:    stored.Sync,
			DroppedFields: dropped,
		}, nil
	}
}

// MarkSynced records a commit made by the external sync pipeline. Calling it
// again with the same commit is harmless. A mark whose ContentHash no longer
// matches the node is rejected with a *ConflictError and the node stays
// unsynced.
func (s *MutationService) MarkSynced(ctx context.Context, key NodeKey, mark SyncMark) (node Node, err error) {
	ctx, span := tracer.Start(ctx, "relaygraph.MarkSynced", trace.WithAttributes(
		attribute.String("graph.id", key.GraphID),
		attribute.String("node.id", key.ID),
	))
	defer func() { endSpan(span, err) }()

	if err := validateKey(key); err != nil {
		return Node{}, err
	}
	for attempt := 1; ; attempt++ {
		current, err := s.load(ctx, key)
		if err != nil {
			return Node{}, err
		}
		if mark.ContentHash != "" && mark.ContentHash != current.Sync.ContentHash {
			return Node{}, conflictFor(current, mark.ContentHash, mark.ContentHash)
		}
		synced, err := s.tracker.MarkSynced(current, mark.GitHash, mark.SyncedAt)
		if err != nil {
			return Node{}, err
		}
		write := NodeWrite{ElementID: current.ElementID, Sync: synced.Sync}
		if mark.ContentHash != "" || attempt < maxWriteAttempts {
			expected := current.Sync.ContentHash
			write.ExpectedHash = &expected
		}
		stored, err := s.store.UpdateNode(ctx, write)
		if errors.Is(err, ErrStaleWrite) {
			continue
		}
		if err != nil {
			return Node{}, err
		}
		s.publishSynced(stored)
		return stored, nil
	}
}

func (s *MutationService) ListUnsynced(ctx context.Context, graphID string, limit int) ([]Node, error) {
	if strings.TrimSpace(graphID) == "" {
		return nil, invalidf("graphId is required")
	}
	if limit <= 0 {
		limit = DefaultUnsyncedLimit
	}
	if limit > MaxUnsyncedLimit {
		limit = MaxUnsyncedLimit
	}
	return s.store.ListUnsynced(ctx, graphID, s.types, limit)
}

// syncBestEffort pushes the committed node to the sync adapter. Failures are
// logged and leave the node unsynced; they never fail the edit.
func (s *MutationService) syncBestEffort(ctx context.Context, node Node) Node {
	if s.adapter == nil {
		return node
	}
	if _, ok := s.syncable[node.Type]; !ok {
		return node
	}
	ctx = context.WithoutCancel(ctx)
	logger := s.logger.With(zap.String("graph_id", node.GraphID), zap.String("node_id", node.ID))

	commitID, err := s.adapter.Sync(ctx, node)
	if err != nil {
		logger.Warn("sync adapter failed; node left unsynced", zap.Error(err))
		return node
	}
	synced, err := s.tracker.MarkSynced(node, commitID, nil)
	if err != nil {
		logger.Warn("sync adapter returned an unusable commit id", zap.Error(err))
		return node
	}
	expected := node.Sync.ContentHash
	stored, err := s.store.UpdateNode(ctx, NodeWrite{
		ElementID:    node.ElementID,
		Sync:         synced.Sync,
		ExpectedHash: &expected,
	})
	if err != nil {
		logger.Warn("could not record sync state", zap.String("commit", commitID), zap.Error(err))
		return node
	}
	s.publishSynced(stored)
	return stored
}

func (s *MutationService) publishSynced(node Node) {
	at := time.Now().UTC()
	if node.Sync.SyncedAt != nil {
		at = *node.Sync.SyncedAt
	}
	s.events.Publish(Event{
		Type:     EventNodeSynced,
		GraphID:  node.GraphID,
		NodeType: node.Type,
		NodeID:   node.ID,
		At:       at,
	})
}

func (s *MutationService) load(ctx context.Context, key NodeKey) (Node, error) {
	nodes, err := s.store.FindNodes(ctx, key)
	if err != nil {
		return Node{}, err
	}
	if len(nodes) == 0 {
		return Node{}, ErrNotFound
	}
	for _, node := range nodes[1:] {
		if node.Type != nodes[0].Type {
			return Node{}, invalidf("id %q matches several node types; specify type", key.ID)
		}
	}
	return nodes[0], nil
}

func conflictFor(current Node, baseline, incoming string) *ConflictError {
	return &ConflictError{
		CurrentHash:    current.Sync.ContentHash,
		IncomingHash:   incoming,
		BaselineHash:   baseline,
		LastModifiedBy: current.Sync.EditedBy,
		LastModifiedAt: current.Sync.EditedAt,
	}
}

func validateKey(key NodeKey) error {
	if strings.TrimSpace(key.GraphID) == "" {
		return invalidf("graphId is required")
	}
	if strings.TrimSpace(key.ID) == "" {
		return invalidf("node id is required")
	}
	if key.Type != "" && !ValidLabel(key.Type) {
		return invalidf("invalid node type %q", key.Type)
	}
	return nil
}
