package relaygraph

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openNeo4jForTest(t *testing.T) (*Neo4jStore, string) {
	t.Helper()
	dsn := os.Getenv("RELAYGRAPH_NEO4J_URI")
	if dsn == "" {
		t.Skip("RELAYGRAPH_NEO4J_URI not set")
	}
	ctx := context.Background()
	store, err := BuildGraphStoreFromDSN(ctx, dsn, StoreOptions{
		Username:     os.Getenv("RELAYGRAPH_NEO4J_USER"),
		Password:     os.Getenv("RELAYGRAPH_NEO4J_PASSWORD"),
		QueryTimeout: 10 * time.Second,
	})
	require.NoError(t, err)
	neo, ok := store.(*Neo4jStore)
	require.True(t, ok, "dsn must name a neo4j server")

	graphID := "it-" + uuid.NewString()
	t.Cleanup(func() {
		_, _ = neo.DeleteNodes(ctx, Selector{Kind: SelectTenant, GraphID: graphID})
		_ = neo.Close(ctx)
	})
	return neo, graphID
}

func TestNeo4jStoreConditionalUpdate(t *testing.T) {
	store, graphID := openNeo4jForTest(t)
	ctx := context.Background()

	created, err := store.CreateNode(ctx, Node{
		Type:       "Decision",
		GraphID:    graphID,
		ID:         "ADR-001",
		Properties: map[string]any{ContentField: "v1"},
	})
	require.NoError(t, err)
	assert.Equal(t, HashContent("v1"), created.Sync.ContentHash)

	stale := HashContent("something else")
	_, err = store.UpdateNode(ctx, NodeWrite{
		ElementID:    created.ElementID,
		Set:          map[string]any{ContentField: "v2"},
		Sync:         SyncState{ContentHash: HashContent("v2")},
		ExpectedHash: &stale,
	})
	assert.ErrorIs(t, err, ErrStaleWrite)

	expected := HashContent("v1")
	updated, err := store.UpdateNode(ctx, NodeWrite{
		ElementID:    created.ElementID,
		Set:          map[string]any{ContentField: "v2"},
		Sync:         SyncState{ContentHash: HashContent("v2")},
		ExpectedHash: &expected,
	})
	require.NoError(t, err)
	content, _ := updated.Content()
	assert.Equal(t, "v2", content)
	assert.False(t, updated.Sync.Synced)
}

func TestNeo4jStoreRepairMatchesMemoryStore(t *testing.T) {
	store, graphID := openNeo4jForTest(t)
	ctx := context.Background()

	for _, node := range []Node{
		{Type: "Epic", GraphID: graphID, ID: "EPIC-7", CreatedAt: at(2)},
		{Type: "Epic", GraphID: graphID, ID: "EPIC-7-x", CreatedAt: at(1)},
		{Type: "Session", GraphID: graphID, ID: "S-1", CreatedAt: at(1)},
		{Type: "Session", GraphID: graphID, ID: "S-1", CreatedAt: at(2)},
		{Type: "Decision", GraphID: graphID, ID: "adr-4"},
	} {
		_, err := store.CreateNode(ctx, node)
		require.NoError(t, err)
	}

	gate := staticGate{roles: map[string]Role{"owner|" + graphID: RoleOwner}}
	authorizer, err := NewRepairAuthorizer(gate, testConfirm)
	require.NoError(t, err)
	engine, err := NewRepairEngine(RepairEngineOptions{Store: store, Rules: DefaultRules(), Authorizer: authorizer})
	require.NoError(t, err)

	for action, want := range map[string]int{"dedupe-epics": 1, "dedupe-sessions": 1, ActionCanonicalizeIDs: 1} {
		preview, err := engine.Execute(ctx, RepairRequest{GraphID: graphID, Action: action, Subject: "owner", DryRun: true})
		require.NoError(t, err)
		assert.Equal(t, want, preview.Affected, action)
		res, err := engine.Execute(ctx, RepairRequest{GraphID: graphID, Action: action, Subject: "owner", Confirm: testConfirm})
		require.NoError(t, err)
		assert.Equal(t, want, res.Affected, action)
	}

	nodes, err := store.FindNodes(ctx, NodeKey{GraphID: graphID, Type: "Decision", ID: "ADR-004"})
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "adr-4", nodes[0].LegacyID)
}
