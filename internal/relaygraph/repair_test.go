package relaygraph

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfirm = "CONFIRM_DELETE"

type recordingRemover struct {
	mu      sync.Mutex
	removed []string
	err     error
}

func (r *recordingRemover) RemoveTenant(_ context.Context, graphID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, graphID)
	return r.err
}

func newRepairFixture(t *testing.T, store GraphStore, remover TenantRecordsRemover) *RepairEngine {
	t.Helper()
	gate := staticGate{roles: map[string]Role{
		"owner|acme":  RoleOwner,
		"editor|acme": RoleEditor,
		"ops|*":       RoleAdmin,
	}}
	authorizer, err := NewRepairAuthorizer(gate, testConfirm)
	require.NoError(t, err)
	engine, err := NewRepairEngine(RepairEngineOptions{
		Store:         store,
		Rules:         DefaultRules(),
		Authorizer:    authorizer,
		TenantRecords: remover,
	})
	require.NoError(t, err)
	return engine
}

func run(t *testing.T, engine *RepairEngine, action string, dryRun bool) RepairResult {
	t.Helper()
	res, err := engine.Execute(context.Background(), RepairRequest{
		GraphID: "acme", Action: action, Subject: "owner", DryRun: dryRun, Confirm: testConfirm,
	})
	require.NoError(t, err)
	return res
}

func TestRepairDryRunMatchesCommittedCount(t *testing.T) {
	t.Parallel()
	actions := []string{
		ActionDeleteOrphans,
		ActionDeleteDefault,
		ActionDeleteStaleGraphs,
		"dedupe-epics",
		"dedupe-sessions",
		ActionCanonicalizeIDs,
		ActionDeleteGraph,
	}
	for _, action := range actions {
		action := action
		t.Run(action, func(t *testing.T) {
			t.Parallel()
			store := NewMemoryStore(MemoryStoreOptions{})
			seedIntegrityGraph(t, store)
			engine := newRepairFixture(t, store, nil)

			preview := run(t, engine, action, true)
			committed := run(t, engine, action, false)
			assert.Equal(t, preview.Affected, committed.Affected)
			assert.NotZero(t, committed.Affected)
			assert.True(t, preview.DryRun)
			assert.False(t, committed.DryRun)

			again := run(t, engine, action, true)
			assert.Zero(t, again.Affected, "a committed repair leaves nothing to repair")
		})
	}
}

func TestRepairDryRunDoesNotMutate(t *testing.T) {
	t.Parallel()
	store := NewMemoryStore(MemoryStoreOptions{})
	seedIntegrityGraph(t, store)
	engine := newRepairFixture(t, store, nil)
	ctx := context.Background()

	before, err := store.CountNodes(ctx, Selector{Kind: SelectTenant, GraphID: "acme"})
	require.NoError(t, err)
	for _, action := range engine.Actions() {
		run(t, engine, action, true)
	}
	after, err := store.CountNodes(ctx, Selector{Kind: SelectTenant, GraphID: "acme"})
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestRepairMergeCompositeKeepsLongIdentifier(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore(MemoryStoreOptions{})
	short := seed(t, store, Node{Type: "Epic", GraphID: "T", ID: "EPIC-7", CreatedAt: at(5)})
	long := seed(t, store, Node{Type: "Epic", GraphID: "T", ID: "EPIC-7-x", CreatedAt: at(1)})
	task := seed(t, store, Node{Type: "Task", GraphID: "T", ID: "TASK-1"})
	_, err := store.AddRelationship(ctx, task.ElementID, short.ElementID, "PART_OF")
	require.NoError(t, err)

	gate := staticGate{roles: map[string]Role{"owner|T": RoleOwner}}
	authorizer, err := NewRepairAuthorizer(gate, testConfirm)
	require.NoError(t, err)
	engine, err := NewRepairEngine(RepairEngineOptions{Store: store, Rules: DefaultRules(), Authorizer: authorizer})
	require.NoError(t, err)

	preview, err := engine.Execute(ctx, RepairRequest{GraphID: "T", Action: "dedupe-epics", Subject: "owner", DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 1, preview.Affected)

	res, err := engine.Execute(ctx, RepairRequest{GraphID: "T", Action: "dedupe-epics", Subject: "owner", Confirm: testConfirm})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Affected)

	gone, err := store.FindNodes(ctx, NodeKey{GraphID: "T", ID: "EPIC-7"})
	require.NoError(t, err)
	assert.Empty(t, gone)

	survivor, err := store.FindNodes(ctx, NodeKey{GraphID: "T", ID: "EPIC-7-x"})
	require.NoError(t, err)
	require.Len(t, survivor, 1)
	assert.Equal(t, long.ElementID, survivor[0].ElementID)
	assert.Equal(t, "EPIC-7", survivor[0].LegacyID)

	// The composite merge does not transfer relationships: the task's link
	// to the short epic is removed with it.
	assert.Empty(t, store.Relationships(task.ElementID))
}

func TestRepairDedupeSimpleKeepsEarliest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore(MemoryStoreOptions{})
	seed(t, store, Node{Type: "Session", GraphID: "acme", ID: "S-1", CreatedAt: at(3)})
	earliest := seed(t, store, Node{Type: "Session", GraphID: "acme", ID: "S-1", CreatedAt: at(1)})
	seed(t, store, Node{Type: "Session", GraphID: "acme", ID: "S-1", CreatedAt: at(2)})
	engine := newRepairFixture(t, store, nil)

	res := run(t, engine, "dedupe-sessions", false)
	assert.Equal(t, 2, res.Affected)

	left, err := store.FindNodes(ctx, NodeKey{GraphID: "acme", ID: "S-1"})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, earliest.ElementID, left[0].ElementID)
}

func TestPickSurvivorBreaksTiesByElementID(t *testing.T) {
	t.Parallel()
	refs := []NodeRef{
		{ElementID: "b", CreatedAt: at(1)},
		{ElementID: "a", CreatedAt: at(1)},
		{ElementID: "c", CreatedAt: at(2)},
	}
	assert.Equal(t, "a", pickSurvivor(refs).ElementID)
}

func TestRepairCanonicalizeRenamesAndMerges(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore(MemoryStoreOptions{})
	legacy := seed(t, store, Node{Type: "Decision", GraphID: "acme", ID: "adr-7"})
	canonical := seed(t, store, Node{Type: "Decision", GraphID: "acme", ID: "ADR-007"})
	renamed := seed(t, store, Node{Type: "Decision", GraphID: "acme", ID: "ADR 12"})
	req := seed(t, store, Node{Type: "Requirement", GraphID: "acme", ID: "REQ-1"})
	task := seed(t, store, Node{Type: "Task", GraphID: "acme", ID: "TASK-1"})

	_, err := store.AddRelationship(ctx, task.ElementID, legacy.ElementID, "IMPLEMENTS")
	require.NoError(t, err)
	_, err = store.AddRelationship(ctx, legacy.ElementID, req.ElementID, "SATISFIES")
	require.NoError(t, err)
	_, err = store.AddRelationship(ctx, legacy.ElementID, canonical.ElementID, "SUPERSEDES")
	require.NoError(t, err)

	engine := newRepairFixture(t, store, nil)
	res := run(t, engine, ActionCanonicalizeIDs, false)
	// adr-7 merges into ADR-007, ADR 12 renames, REQ-1 becomes REQ-001.
	assert.Equal(t, 3, res.Affected)
	assert.Empty(t, res.Warnings)

	nodes, err := store.FindNodes(ctx, NodeKey{GraphID: "acme", ID: "ADR-012"})
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, renamed.ElementID, nodes[0].ElementID)
	assert.Equal(t, "ADR 12", nodes[0].LegacyID)

	nodes, err = store.FindNodes(ctx, NodeKey{GraphID: "acme", ID: "ADR-007"})
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, canonical.ElementID, nodes[0].ElementID)
	assert.Equal(t, "adr-7", nodes[0].LegacyID)

	rels := store.Relationships(canonical.ElementID)
	require.Len(t, rels, 2, "incoming and outgoing links move; the self-loop is dropped")
	types := map[string]Relationship{}
	for _, rel := range rels {
		types[rel.Type] = rel
	}
	assert.Equal(t, task.ElementID, types["IMPLEMENTS"].From)
	assert.Equal(t, canonical.ElementID, types["IMPLEMENTS"].To)
	assert.Equal(t, canonical.ElementID, types["SATISFIES"].From)
	assert.Equal(t, req.ElementID, types["SATISFIES"].To)

	second := run(t, engine, ActionCanonicalizeIDs, false)
	assert.Zero(t, second.Affected, "canonicalization is idempotent")
}

func TestRepairCanonicalizeWithoutTransferDropsRelationships(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore(MemoryStoreOptions{DisableRelationshipTransfer: true})
	legacy := seed(t, store, Node{Type: "Decision", GraphID: "acme", ID: "ADR_7"})
	canonical := seed(t, store, Node{Type: "Decision", GraphID: "acme", ID: "ADR-007"})
	task := seed(t, store, Node{Type: "Task", GraphID: "acme", ID: "TASK-1"})
	_, err := store.AddRelationship(ctx, task.ElementID, legacy.ElementID, "IMPLEMENTS")
	require.NoError(t, err)

	engine := newRepairFixture(t, store, nil)
	res := run(t, engine, ActionCanonicalizeIDs, false)
	assert.Equal(t, 1, res.Affected)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "ADR_7")

	nodes, err := store.FindNodes(ctx, NodeKey{GraphID: "acme", ID: "ADR-007"})
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "ADR_7", nodes[0].LegacyID)
	assert.Empty(t, store.Relationships(canonical.ElementID))
	assert.Empty(t, store.Relationships(task.ElementID))
}

func TestRepairDeleteGraphSignalsTeamRecords(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore(MemoryStoreOptions{})
	seedIntegrityGraph(t, store)
	remover := &recordingRemover{}
	engine := newRepairFixture(t, store, remover)

	preview := run(t, engine, ActionDeleteGraph, true)
	assert.Empty(t, remover.removed, "dry run leaves team records alone")

	res := run(t, engine, ActionDeleteGraph, false)
	assert.Equal(t, preview.Affected, res.Affected)
	assert.Equal(t, []string{"acme"}, remover.removed)

	left, err := store.CountNodes(ctx, Selector{Kind: SelectTenant, GraphID: "acme"})
	require.NoError(t, err)
	assert.Zero(t, left)
	big, err := store.CountNodes(ctx, Selector{Kind: SelectTenant, GraphID: "big"})
	require.NoError(t, err)
	assert.Equal(t, 12, big, "other tenants are untouched")
}

func TestRepairDeleteGraphReportsTeamRecordFailure(t *testing.T) {
	t.Parallel()
	store := NewMemoryStore(MemoryStoreOptions{})
	seedIntegrityGraph(t, store)
	engine := newRepairFixture(t, store, &recordingRemover{err: errors.New("connection refused")})

	res := run(t, engine, ActionDeleteGraph, false)
	assert.Equal(t, 13, res.Affected)
	assert.Equal(t, []string{"team and billing records were not removed"}, res.Warnings)
}

func TestRepairAuthorization(t *testing.T) {
	t.Parallel()
	store := NewMemoryStore(MemoryStoreOptions{})
	seedIntegrityGraph(t, store)
	engine := newRepairFixture(t, store, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		req  RepairRequest
		want error
	}{
		{name: "editor lacks owner role", req: RepairRequest{Subject: "editor", DryRun: true}, want: ErrAccessDenied},
		{name: "stranger", req: RepairRequest{Subject: "mallory", DryRun: true}, want: ErrAccessDenied},
		{name: "missing confirmation", req: RepairRequest{Subject: "owner"}, want: ErrConfirmationRequired},
		{name: "wrong confirmation", req: RepairRequest{Subject: "owner", Confirm: "yes"}, want: ErrConfirmationRequired},
		{name: "admin role grant", req: RepairRequest{Subject: "ops", DryRun: true}},
		{name: "owner dry run needs no token", req: RepairRequest{Subject: "owner", DryRun: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.req.GraphID = "acme"
			tt.req.Action = ActionDeleteOrphans
			_, err := engine.Execute(ctx, tt.req)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := engine.Execute(ctx, RepairRequest{GraphID: "acme", Action: "drop-everything", Subject: "owner", DryRun: true})
	assert.ErrorIs(t, err, ErrUnknownAction)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestRepairConcurrentMergeIsSafe(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore(MemoryStoreOptions{})
	seed(t, store, Node{Type: "Epic", GraphID: "acme", ID: "EPIC-1"})
	seed(t, store, Node{Type: "Epic", GraphID: "acme", ID: "EPIC-1-full"})
	engine := newRepairFixture(t, store, nil)

	var wg sync.WaitGroup
	results := make([]RepairResult, 4)
	errs := make([]error, 4)
	for i := range results {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = engine.Execute(ctx, RepairRequest{
				GraphID: "acme", Action: "dedupe-epics", Subject: "owner", Confirm: testConfirm,
			})
		}()
	}
	wg.Wait()

	total := 0
	for i := range results {
		require.NoError(t, errs[i])
		total += results[i].Affected
	}
	assert.Equal(t, 1, total, "the short node is deleted exactly once")
}
