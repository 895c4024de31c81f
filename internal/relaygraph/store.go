package relaygraph

import (
	"context"
)

// GraphStore is the storage contract the engine runs against. Implementations
// execute parameterized queries only; they hold no business logic.
type GraphStore interface {
	FindNodes(ctx context.Context, key NodeKey) ([]Node, error)
	// UpdateNode applies a NodeWrite and returns the stored node. It returns
	// ErrNotFound when the node is gone and ErrStaleWrite when
	// ExpectedHash does not match.
	UpdateNode(ctx context.Context, write NodeWrite) (Node, error)
	// ListUnsynced returns nodes of the given types whose synced flag is not
	// true, most recently edited first.
	ListUnsynced(ctx context.Context, graphID string, types []string, limit int) ([]Node, error)

	GroupByType(ctx context.Context, sel Selector, sampleSize int) ([]TypeGroup, error)
	CountNodes(ctx context.Context, sel Selector) (int, error)
	// DeleteNodes removes every node matching sel together with its
	// relationships and returns the number of nodes removed.
	DeleteNodes(ctx context.Context, sel Selector) (int, error)
	// StalePartitions lists partitions outside exclude with fewer than
	// threshold nodes, largest first. A limit of zero means no cap.
	StalePartitions(ctx context.Context, exclude []string, threshold, limit int) ([]PartitionCount, error)
	CompositeDuplicates(ctx context.Context, graphID string, rule CompositeRule) ([]DuplicatePair, error)
	// SimpleDuplicates groups nodes of one type by id and returns groups with
	// more than one member, largest first. A limit of zero means no cap.
	SimpleDuplicates(ctx context.Context, graphID, nodeType string, limit int) ([]DuplicateGroup, error)
	// MatchIDs returns nodes of nodeType whose id matches pattern as a whole.
	MatchIDs(ctx context.Context, graphID, nodeType, pattern string) ([]NodeRef, error)

	SetLegacyID(ctx context.Context, elementID, legacyID string) error
	Rename(ctx context.Context, elementID, newID, legacyID string) error
	// DeleteNode removes a node and its relationships. Deleting a node that
	// is already gone reports false without error.
	DeleteNode(ctx context.Context, elementID string) (bool, error)
	SupportsRelationshipTransfer() bool
	// TransferRelationships re-points every relationship of from onto to,
	// skipping ones that would become self-loops on to.
	TransferRelationships(ctx context.Context, fromElementID, toElementID string) (int, error)

	Close(ctx context.Context) error
}

// SyncAdapter commits a node snapshot to an external version-control system
// and returns the commit identifier.
type SyncAdapter interface {
	Sync(ctx context.Context, node Node) (string, error)
}

// TenantRecordsRemover removes the records other subsystems keep for a
// tenant when the tenant's graph is deleted.
type TenantRecordsRemover interface {
	RemoveTenant(ctx context.Context, graphID string) error
}
