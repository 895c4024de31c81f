package relaygraph

import (
	"time"
)

const (
	// DefaultGraphID is the reserved partition that unscoped writes used to land in.
	DefaultGraphID = "default"
	// TenantRootType labels the node that represents a tenant itself.
	TenantRootType = "Graph"
	// ContentField is the syncable content property.
	ContentField = "content"
)

// DefaultSyncableTypes are the node types mirrored into version control.
var DefaultSyncableTypes = []string{"Decision", "Requirement", "Pattern", "Pitfall", "Task", "Epic"}

type SyncState struct {
	Synced      bool       `json:"synced"`
	SyncedAt    *time.Time `json:"syncedAt"`
	EditedAt    time.Time  `json:"editedAt"`
	EditedBy    string     `json:"editedBy"`
	ContentHash string     `json:"contentHash"`
	GitHash     *string    `json:"gitHash"`
}

// Valid reports whether the synced flag is backed by a commit and timestamp.
func (s SyncState) Valid() bool {
	if !s.Synced {
		return true
	}
	return s.GitHash != nil && *s.GitHash != "" && s.SyncedAt != nil
}

// SyncMark is a commit reported by the external sync pipeline. ContentHash,
// when set, is the fingerprint of the snapshot that went into the commit.
type SyncMark struct {
	GitHash     string
	SyncedAt    *time.Time
	ContentHash string
}

type Node struct {
	ElementID  string         `json:"elementId"`
	Type       string         `json:"type"`
	GraphID    string         `json:"graphId,omitempty"`
	ID         string         `json:"id"`
	LegacyID   string         `json:"legacyId,omitempty"`
	Properties map[string]any `json:"properties"`
	Sync       SyncState      `json:"sync"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// Content returns the syncable content and whether the node has any.
func (n Node) Content() (string, bool) {
	value, ok := n.Properties[ContentField]
	if !ok {
		return "", false
	}
	content, ok := value.(string)
	return content, ok
}

func (n Node) Clone() Node {
	clone := n
	clone.Properties = make(map[string]any, len(n.Properties))
	for key, value := range n.Properties {
		if list, ok := value.([]any); ok {
			value = append([]any(nil), list...)
		}
		clone.Properties[key] = value
	}
	if n.Sync.SyncedAt != nil {
		at := *n.Sync.SyncedAt
		clone.Sync.SyncedAt = &at
	}
	if n.Sync.GitHash != nil {
		hash := *n.Sync.GitHash
		clone.Sync.GitHash = &hash
	}
	return clone
}

// NodeKey addresses a node by business identity. Type may be empty when the
// id is unambiguous within the tenant.
type NodeKey struct {
	GraphID string
	Type    string
	ID      string
}

// NodeRef is the lightweight projection returned by integrity queries.
type NodeRef struct {
	ElementID string    `json:"elementId"`
	Type      string    `json:"type"`
	GraphID   string    `json:"graphId,omitempty"`
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
}

type TypeGroup struct {
	Type    string   `json:"type"`
	Count   int      `json:"count"`
	Samples []string `json:"samples"`
}

type PartitionCount struct {
	GraphID string `json:"graphId"`
	Count   int    `json:"count"`
}

type DuplicatePair struct {
	Short NodeRef `json:"short"`
	Long  NodeRef `json:"long"`
}

type DuplicateGroup struct {
	ID    string    `json:"id"`
	Count int       `json:"count"`
	Nodes []NodeRef `json:"nodes"`
}

type SelectorKind string

const (
	SelectOrphans          SelectorKind = "orphans"
	SelectDefaultPartition SelectorKind = "default_partition"
	SelectStalePartitions  SelectorKind = "stale_partitions"
	SelectTenant           SelectorKind = "tenant"
)

// Selector names a bulk node predicate. Counting and deleting with the same
// selector evaluate the same predicate.
type Selector struct {
	Kind SelectorKind
	// GraphID scopes SelectTenant.
	GraphID string
	// Exclude and Threshold parameterize SelectStalePartitions.
	Exclude   []string
	Threshold int
}

func (s Selector) validate() error {
	switch s.Kind {
	case SelectOrphans, SelectDefaultPartition:
		return nil
	case SelectTenant:
		if s.GraphID == "" {
			return invalidf("tenant selector requires a graph id")
		}
		return nil
	case SelectStalePartitions:
		if s.Threshold <= 0 {
			return invalidf("stale partition selector requires a positive threshold")
		}
		return nil
	default:
		return invalidf("unknown selector %q", s.Kind)
	}
}

// NodeWrite is a single persisted node mutation. Set carries already
// sanitized user fields; Sync replaces the stored sync metadata.
type NodeWrite struct {
	ElementID string
	Set       map[string]any
	Sync      SyncState
	// ExpectedHash, when non-nil, makes the write conditional on the stored
	// content hash.
	ExpectedHash *string
}
