package relaygraph

import (
	"context"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Relationship struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	From       string         `json:"from"`
	To         string         `json:"to"`
	Properties map[string]any `json:"properties,omitempty"`
}

type MemoryStoreOptions struct {
	// DisableRelationshipTransfer emulates a store without the relationship
	// transfer procedure.
	DisableRelationshipTransfer bool
	Logger                      *zap.Logger
	Now                         func() time.Time
}

// MemoryStore is a process-local GraphStore used for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	nodes    map[string]*Node
	rels     map[string]*Relationship
	transfer bool
	logger   *zap.Logger
	now      func() time.Time
}

func NewMemoryStore(opts MemoryStoreOptions) *MemoryStore {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		nodes:    map[string]*Node{},
		rels:     map[string]*Relationship{},
		transfer: !opts.DisableRelationshipTransfer,
		logger:   logger.Named("memory_store"),
		now:      now,
	}
}

// CreateNode inserts a node and assigns its element id.
func (s *MemoryStore) CreateNode(_ context.Context, node Node) (Node, error) {
	if node.ID == "" {
		return Node{}, invalidf("node id is required")
	}
	if !ValidLabel(node.Type) {
		return Node{}, invalidf("invalid node type %q", node.Type)
	}
	stored := node.Clone()
	stored.ElementID = uuid.NewString()
	stored.Sync.ContentHash = contentHashFor(stored)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[stored.ElementID] = &stored
	return stored.Clone(), nil
}

func (s *MemoryStore) AddRelationship(_ context.Context, fromElementID, toElementID, relType string) (Relationship, error) {
	if !ValidLabel(relType) {
		return Relationship{}, invalidf("invalid relationship type %q", relType)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nodes[fromElementID] == nil || s.nodes[toElementID] == nil {
		return Relationship{}, ErrNotFound
	}
	rel := &Relationship{ID: uuid.NewString(), Type: relType, From: fromElementID, To: toElementID}
	s.rels[rel.ID] = rel
	return *rel, nil
}

// Relationships returns every relationship touching elementID.
func (s *MemoryStore) Relationships(elementID string) []Relationship {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Relationship
	for _, rel := range s.rels {
		if rel.From == elementID || rel.To == elementID {
			out = append(out, *rel)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *MemoryStore) FindNodes(_ context.Context, key NodeKey) ([]Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Node
	for _, node := range s.nodes {
		if node.GraphID != key.GraphID || node.ID != key.ID {
			continue
		}
		if key.Type != "" && node.Type != key.Type {
			continue
		}
		out = append(out, node.Clone())
	}
	sortNodes(out)
	return out, nil
}

func (s *MemoryStore) UpdateNode(_ context.Context, write NodeWrite) (Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	node := s.nodes[write.ElementID]
	if node == nil {
		return Node{}, ErrNotFound
	}
	if write.ExpectedHash != nil && node.Sync.ContentHash != *write.ExpectedHash {
		return Node{}, ErrStaleWrite
	}
	next := node.Clone()
	for key, value := range write.Set {
		if value == nil {
			delete(next.Properties, key)
			continue
		}
		next.Properties[key] = value
	}
	next.Sync = write.Sync
	s.nodes[write.ElementID] = &next
	return next.Clone(), nil
}

func (s *MemoryStore) ListUnsynced(_ context.Context, graphID string, types []string, limit int) ([]Node, error) {
	allowed := make(map[string]struct{}, len(types))
	for _, t := range types {
		allowed[t] = struct{}{}
	}
	s.mu.RLock()
	var out []Node
	for _, node := range s.nodes {
		if node.GraphID != graphID || node.Sync.Synced {
			continue
		}
		if len(allowed) > 0 {
			if _, ok := allowed[node.Type]; !ok {
				continue
			}
		}
		out = append(out, node.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Sync.EditedAt.Equal(out[j].Sync.EditedAt) {
			return out[i].Sync.EditedAt.After(out[j].Sync.EditedAt)
		}
		return out[i].ElementID < out[j].ElementID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) GroupByType(_ context.Context, sel Selector, sampleSize int) ([]TypeGroup, error) {
	if err := sel.validate(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	matched := s.selectLocked(sel)
	s.mu.RUnlock()

	byType := map[string][]string{}
	for _, node := range matched {
		byType[node.Type] = append(byType[node.Type], node.ID)
	}
	groups := make([]TypeGroup, 0, len(byType))
	for nodeType, ids := range byType {
		sort.Strings(ids)
		samples := ids
		if sampleSize > 0 && len(samples) > sampleSize {
			samples = samples[:sampleSize]
		}
		groups = append(groups, TypeGroup{Type: nodeType, Count: len(ids), Samples: append([]string(nil), samples...)})
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].Count != groups[j].Count {
			return groups[i].Count > groups[j].Count
		}
		return groups[i].Type < groups[j].Type
	})
	return groups, nil
}

func (s *MemoryStore) CountNodes(_ context.Context, sel Selector) (int, error) {
	if err := sel.validate(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.selectLocked(sel)), nil
}

func (s *MemoryStore) DeleteNodes(_ context.Context, sel Selector) (int, error) {
	if err := sel.validate(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	matched := s.selectLocked(sel)
	for _, node := range matched {
		s.deleteLocked(node.ElementID)
	}
	return len(matched), nil
}

func (s *MemoryStore) StalePartitions(_ context.Context, exclude []string, threshold, limit int) ([]PartitionCount, error) {
	s.mu.RLock()
	counts := s.partitionCountsLocked(exclude)
	s.mu.RUnlock()
	var out []PartitionCount
	for graphID, count := range counts {
		if count < threshold {
			out = append(out, PartitionCount{GraphID: graphID, Count: count})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].GraphID < out[j].GraphID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) CompositeDuplicates(_ context.Context, graphID string, rule CompositeRule) ([]DuplicatePair, error) {
	if err := rule.compile(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	var candidates []Node
	for _, node := range s.nodes {
		if node.GraphID == graphID && node.Type == rule.Type {
			candidates = append(candidates, *node)
		}
	}
	s.mu.RUnlock()

	var pairs []DuplicatePair
	for _, short := range candidates {
		if !rule.shortRe.MatchString(short.ID) {
			continue
		}
		for _, long := range candidates {
			if rule.Pairs(short.ID, long.ID) {
				pairs = append(pairs, DuplicatePair{Short: refOf(short), Long: refOf(long)})
			}
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Short.ID != pairs[j].Short.ID {
			return pairs[i].Short.ID < pairs[j].Short.ID
		}
		return pairs[i].Long.ID < pairs[j].Long.ID
	})
	return pairs, nil
}

func (s *MemoryStore) SimpleDuplicates(_ context.Context, graphID, nodeType string, limit int) ([]DuplicateGroup, error) {
	s.mu.RLock()
	byID := map[string][]NodeRef{}
	for _, node := range s.nodes {
		if node.GraphID == graphID && node.Type == nodeType {
			byID[node.ID] = append(byID[node.ID], refOf(*node))
		}
	}
	s.mu.RUnlock()

	var groups []DuplicateGroup
	for id, refs := range byID {
		if len(refs) < 2 {
			continue
		}
		sortRefs(refs)
		groups = append(groups, DuplicateGroup{ID: id, Count: len(refs), Nodes: refs})
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].Count != groups[j].Count {
			return groups[i].Count > groups[j].Count
		}
		return groups[i].ID < groups[j].ID
	})
	if limit > 0 && len(groups) > limit {
		groups = groups[:limit]
	}
	return groups, nil
}

func (s *MemoryStore) MatchIDs(_ context.Context, graphID, nodeType, pattern string) ([]NodeRef, error) {
	re, err := regexp.Compile(`^(?:` + pattern + `)$`)
	if err != nil {
		return nil, invalidf("id pattern: %v", err)
	}
	s.mu.RLock()
	var out []NodeRef
	for _, node := range s.nodes {
		if node.GraphID == graphID && node.Type == nodeType && re.MatchString(node.ID) {
			out = append(out, refOf(*node))
		}
	}
	s.mu.RUnlock()
	sortRefs(out)
	return out, nil
}

func (s *MemoryStore) SetLegacyID(_ context.Context, elementID, legacyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	node := s.nodes[elementID]
	if node == nil {
		return ErrNotFound
	}
	node.LegacyID = legacyID
	return nil
}

func (s *MemoryStore) Rename(_ context.Context, elementID, newID, legacyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	node := s.nodes[elementID]
	if node == nil {
		return ErrNotFound
	}
	node.ID = newID
	node.LegacyID = legacyID
	return nil
}

func (s *MemoryStore) DeleteNode(_ context.Context, elementID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nodes[elementID] == nil {
		return false, nil
	}
	s.deleteLocked(elementID)
	return true, nil
}

func (s *MemoryStore) SupportsRelationshipTransfer() bool {
	return s.transfer
}

func (s *MemoryStore) TransferRelationships(_ context.Context, fromElementID, toElementID string) (int, error) {
	if !s.transfer {
		return 0, invalidf("relationship transfer is not supported by this store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nodes[fromElementID] == nil || s.nodes[toElementID] == nil {
		return 0, ErrNotFound
	}
	moved := 0
	for id, rel := range s.rels {
		switch {
		case rel.From == fromElementID && rel.To != toElementID:
			rel.From = toElementID
			moved++
		case rel.To == fromElementID && rel.From != toElementID:
			rel.To = toElementID
			moved++
		case rel.From == fromElementID || rel.To == fromElementID:
			// Would become a self-loop on the target; dropped with the source.
			delete(s.rels, id)
		}
	}
	s.logger.Debug("transferred relationships",
		zap.String("from", fromElementID),
		zap.String("to", toElementID),
		zap.Int("moved", moved))
	return moved, nil
}

func (s *MemoryStore) Close(context.Context) error {
	return nil
}

func (s *MemoryStore) selectLocked(sel Selector) []Node {
	var counts map[string]int
	var excluded map[string]struct{}
	if sel.Kind == SelectStalePartitions {
		counts = s.partitionCountsLocked(sel.Exclude)
		excluded = toSet(sel.Exclude)
	}
	var out []Node
	for _, node := range s.nodes {
		switch sel.Kind {
		case SelectOrphans:
			if node.GraphID != "" || node.Type == TenantRootType {
				continue
			}
		case SelectDefaultPartition:
			if node.GraphID != DefaultGraphID {
				continue
			}
		case SelectTenant:
			if node.GraphID != sel.GraphID && !(node.Type == TenantRootType && node.ID == sel.GraphID) {
				continue
			}
		case SelectStalePartitions:
			if node.GraphID == "" {
				continue
			}
			if _, skip := excluded[node.GraphID]; skip {
				continue
			}
			if counts[node.GraphID] >= sel.Threshold {
				continue
			}
		}
		out = append(out, *node)
	}
	return out
}

func (s *MemoryStore) partitionCountsLocked(exclude []string) map[string]int {
	excluded := toSet(exclude)
	counts := map[string]int{}
	for _, node := range s.nodes {
		if node.GraphID == "" {
			continue
		}
		if _, skip := excluded[node.GraphID]; skip {
			continue
		}
		counts[node.GraphID]++
	}
	return counts
}

func (s *MemoryStore) deleteLocked(elementID string) {
	delete(s.nodes, elementID)
	for id, rel := range s.rels {
		if rel.From == elementID || rel.To == elementID {
			delete(s.rels, id)
		}
	}
}

func refOf(node Node) NodeRef {
	return NodeRef{
		ElementID: node.ElementID,
		Type:      node.Type,
		GraphID:   node.GraphID,
		ID:        node.ID,
		CreatedAt: node.CreatedAt,
	}
}

func sortNodes(nodes []Node) {
	sort.Slice(nodes, func(i, j int) bool {
		if !nodes[i].CreatedAt.Equal(nodes[j].CreatedAt) {
			return nodes[i].CreatedAt.Before(nodes[j].CreatedAt)
		}
		return nodes[i].ElementID < nodes[j].ElementID
	})
}

func sortRefs(refs []NodeRef) {
	sort.Slice(refs, func(i, j int) bool {
		if !refs[i].CreatedAt.Equal(refs[j].CreatedAt) {
			return refs[i].CreatedAt.Before(refs[j].CreatedAt)
		}
		return refs[i].ElementID < refs[j].ElementID
	})
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}
