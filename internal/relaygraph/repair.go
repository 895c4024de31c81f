package relaygraph

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type RepairRequest struct {
	GraphID string
	Action  string
	Subject string
	DryRun  bool
	Confirm string
}

type RepairResult struct {
	Action   string   `json:"action"`
	DryRun   bool     `json:"dryRun"`
	Affected int      `json:"affected"`
	Details  string   `json:"details"`
	Warnings []string `json:"warnings,omitempty"`
}

type RepairEngineOptions struct {
	Store      GraphStore
	Rules      Rules
	Authorizer *RepairAuthorizer
	// TenantRecords is signalled after a whole graph is deleted. Optional.
	TenantRecords TenantRecordsRemover
	Events        Publisher
	Logger        *zap.Logger
}

// RepairEngine executes one catalog action per call. It is the only writer
// of identifier rewrites and bulk deletions. Every action's dry run uses the
// same query as its committed form.
type RepairEngine struct {
	store      GraphStore
	rules      Rules
	authorizer *RepairAuthorizer
	tenants    TenantRecordsRemover
	events     Publisher
	logger     *zap.Logger
}

func NewRepairEngine(opts RepairEngineOptions) (*RepairEngine, error) {
	if opts.Store == nil {
		return nil, invalidf("graph store is required")
	}
	if opts.Authorizer == nil {
		return nil, invalidf("repair authorizer is required")
	}
	rules, err := opts.Rules.Compile()
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	events := opts.Events
	if events == nil {
		events = nopPublisher{}
	}
	return &RepairEngine{
		store:      opts.Store,
		rules:      rules,
		authorizer: opts.Authorizer,
		tenants:    opts.TenantRecords,
		events:     events,
		logger:     logger.Named("repair"),
	}, nil
}

// Actions lists the catalog names accepted by Execute.
func (e *RepairEngine) Actions() []string {
	names := []string{ActionDeleteOrphans, ActionDeleteDefault, ActionDeleteStaleGraphs}
	for _, rule := range e.rules.Composite {
		names = append(names, rule.Action)
	}
	for _, rule := range e.rules.Simple {
		names = append(names, rule.Action)
	}
	return append(names, ActionCanonicalizeIDs, ActionDeleteGraph)
}

// Execute authorizes and runs one repair action. On a partial failure the
// returned result still reports the work completed before the error.
func (e *RepairEngine) Execute(ctx context.Context, req RepairRequest) (result RepairResult, err error) {
	ctx, span := tracer.Start(ctx, "relaygraph.Repair", trace.WithAttributes(
		attribute.String("graph.id", req.GraphID),
		attribute.String("repair.action", req.Action),
		attribute.Bool("repair.dry_run", req.DryRun),
	))
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(req.GraphID) == "" {
		return RepairResult{}, invalidf("graphId is required")
	}
	if strings.TrimSpace(req.Action) == "" {
		return RepairResult{}, invalidf("action is required")
	}
	run, err := e.lookup(req.Action)
	if err != nil {
		return RepairResult{}, err
	}
	if err := e.authorizer.Authorize(ctx, req.Subject, req.GraphID, req.DryRun, req.Confirm); err != nil {
		return RepairResult{}, err
	}

	result = RepairResult{Action: req.Action, DryRun: req.DryRun}
	err = run(ctx, req, &result)
	logger := e.logger.With(
		zap.String("graph_id", req.GraphID),
		zap.String("action", req.Action),
		zap.String("subject", req.Subject),
		zap.Bool("dry_run", req.DryRun),
		zap.Int("affected", result.Affected))
	if err != nil {
		logger.Error("repair failed", zap.Error(err))
		return result, err
	}
	logger.Info("repair complete", zap.Strings("warnings", result.Warnings))
	if !req.DryRun {
		e.events.Publish(Event{
			Type:     EventIntegrityRepaired,
			GraphID:  req.GraphID,
			Action:   req.Action,
			Affected: result.Affected,
			Actor:    req.Subject,
		})
	}
	return result, nil
}

type repairFunc func(ctx context.Context, req RepairRequest, result *RepairResult) error

func (e *RepairEngine) lookup(action string) (repairFunc, error) {
	switch action {
	case ActionDeleteOrphans:
		return e.bulk(func(RepairRequest) Selector { return Selector{Kind: SelectOrphans} }, "orphaned nodes"), nil
	case ActionDeleteDefault:
		return e.bulk(func(RepairRequest) Selector { return Selector{Kind: SelectDefaultPartition} }, "default-partition nodes"), nil
	case ActionDeleteStaleGraphs:
		return e.bulk(func(req RepairRequest) Selector {
			return Selector{Kind: SelectStalePartitions, Exclude: staleExclusions(req.GraphID), Threshold: e.rules.StaleThreshold}
		}, "nodes in stale partitions"), nil
	case ActionCanonicalizeIDs:
		return e.canonicalize, nil
	case ActionDeleteGraph:
		return e.deleteGraph, nil
	}
	for _, rule := range e.rules.Composite {
		if rule.Action == action {
			return func(ctx context.Context, req RepairRequest, result *RepairResult) error {
				return e.mergeComposite(ctx, req, rule, result)
			}, nil
		}
	}
	for _, rule := range e.rules.Simple {
		if rule.Action == action {
			return func(ctx context.Context, req RepairRequest, result *RepairResult) error {
				return e.dedupeSimple(ctx, req, rule, result)
			}, nil
		}
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownAction, action)
}

func (e *RepairEngine) bulk(selector func(RepairRequest) Selector, noun string) repairFunc {
	return func(ctx context.Context, req RepairRequest, result *RepairResult) error {
		sel := selector(req)
		if req.DryRun {
			count, err := e.store.CountNodes(ctx, sel)
			if err != nil {
				return err
			}
			result.Affected = count
			result.Details = fmt.Sprintf("would delete %d %s", count, noun)
			return nil
		}
		count, err := e.store.DeleteNodes(ctx, sel)
		if err != nil {
			return err
		}
		result.Affected = count
		result.Details = fmt.Sprintf("deleted %d %s", count, noun)
		return nil
	}
}

// mergeComposite keeps every long identifier, stamps it with the short id as
// legacy_id, and deletes the short node with its relationships.
func (e *RepairEngine) mergeComposite(ctx context.Context, req RepairRequest, rule CompositeRule, result *RepairResult) error {
	pairs, err := e.store.CompositeDuplicates(ctx, req.GraphID, rule)
	if err != nil {
		return err
	}
	shorts := distinctShorts(pairs)
	if req.DryRun {
		result.Affected = len(shorts)
		result.Details = fmt.Sprintf("would merge %d %s duplicates into their longer identifiers", len(shorts), rule.Type)
		return nil
	}
	survivors := map[string]int{}
	shortIDs := map[string]string{}
	for _, pair := range pairs {
		shortIDs[pair.Short.ElementID] = pair.Short.ID
		err := e.store.SetLegacyID(ctx, pair.Long.ElementID, pair.Short.ID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		survivors[pair.Short.ElementID]++
	}
	for _, short := range shorts {
		if survivors[short] == 0 {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("kept %s: every longer identifier disappeared before the merge", shortIDs[short]))
			continue
		}
		deleted, err := e.store.DeleteNode(ctx, short)
		if err != nil {
			return err
		}
		if deleted {
			result.Affected++
		}
	}
	result.Details = fmt.Sprintf("merged %d %s duplicates into their longer identifiers", result.Affected, rule.Type)
	return nil
}

// dedupeSimple keeps the earliest created node per identifier (ties broken
// by element id) and deletes the rest.
func (e *RepairEngine) dedupeSimple(ctx context.Context, req RepairRequest, rule SimpleRule, result *RepairResult) error {
	groups, err := e.store.SimpleDuplicates(ctx, req.GraphID, rule.Type, 0)
	if err != nil {
		return err
	}
	if req.DryRun {
		for _, group := range groups {
			result.Affected += group.Count - 1
		}
		result.Details = fmt.Sprintf("would delete %d duplicate %s nodes across %d identifiers", result.Affected, rule.Type, len(groups))
		return nil
	}
	for _, group := range groups {
		survivor := pickSurvivor(group.Nodes)
		for _, ref := range group.Nodes {
			if ref.ElementID == survivor.ElementID {
				continue
			}
			deleted, err := e.store.DeleteNode(ctx, ref.ElementID)
			if err != nil {
				return err
			}
			if deleted {
				result.Affected++
			}
		}
	}
	result.Details = fmt.Sprintf("deleted %d duplicate %s nodes across %d identifiers", result.Affected, rule.Type, len(groups))
	return nil
}

func pickSurvivor(refs []NodeRef) NodeRef {
	survivor := refs[0]
	for _, ref := range refs[1:] {
		if ref.CreatedAt.Before(survivor.CreatedAt) ||
			(ref.CreatedAt.Equal(survivor.CreatedAt) && ref.ElementID < survivor.ElementID) {
			survivor = ref
		}
	}
	return survivor
}

// canonicalize rewrites legacy identifiers node by node. It stops at the
// first unrecoverable error; each rewrite is independently safe to retry.
func (e *RepairEngine) canonicalize(ctx context.Context, req RepairRequest, result *RepairResult) error {
	var renamed, merged int
	for _, rule := range e.rules.Legacy {
		candidates, err := legacyCandidates(ctx, e.store, req.GraphID, rule)
		if err != nil {
			return err
		}
		if req.DryRun {
			result.Affected += len(candidates)
			continue
		}
		for _, c := range candidates {
			wasMerge, err := e.canonicalizeOne(ctx, req.GraphID, rule.Type, c, result)
			if err != nil {
				result.Details = fmt.Sprintf("stopped after %d renamed and %d merged: %v", renamed, merged, err)
				return err
			}
			if wasMerge {
				merged++
			} else {
				renamed++
			}
			result.Affected++
		}
	}
	if req.DryRun {
		result.Details = fmt.Sprintf("would canonicalize %d legacy identifiers", result.Affected)
		return nil
	}
	result.Details = fmt.Sprintf("canonicalized %d legacy identifiers (%d renamed, %d merged)", result.Affected, renamed, merged)
	return nil
}

func (e *RepairEngine) canonicalizeOne(ctx context.Context, graphID, nodeType string, c legacyCandidate, result *RepairResult) (bool, error) {
	holders, err := e.store.FindNodes(ctx, NodeKey{GraphID: graphID, Type: nodeType, ID: c.canonical})
	if err != nil {
		return false, err
	}
	var target *Node
	for i := range holders {
		if holders[i].ElementID != c.ref.ElementID {
			target = &holders[i]
			break
		}
	}
	if target == nil {
		if err := e.store.Rename(ctx, c.ref.ElementID, c.canonical, c.ref.ID); err != nil {
			if errors.Is(err, ErrNotFound) {
				return false, nil
			}
			return false, err
		}
		return false, nil
	}

	if e.store.SupportsRelationshipTransfer() {
		moved, err := e.store.TransferRelationships(ctx, c.ref.ElementID, target.ElementID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return true, err
		}
		e.logger.Debug("relationships transferred",
			zap.String("from", c.ref.ID), zap.String("to", c.canonical), zap.Int("moved", moved))
	} else {
		e.logger.Warn("relationship transfer unavailable; legacy node relationships dropped",
			zap.String("graph_id", graphID), zap.String("legacy_id", c.ref.ID), zap.String("canonical_id", c.canonical))
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("relationships of %s were not transferred to %s", c.ref.ID, c.canonical))
	}
	if err := e.store.SetLegacyID(ctx, target.ElementID, c.ref.ID); err != nil {
		return true, err
	}
	if _, err := e.store.DeleteNode(ctx, c.ref.ElementID); err != nil {
		return true, err
	}
	return true, nil
}

// deleteGraph removes the tenant from the graph store, then asks the team
// and billing store to do the same. The graph deletion is authoritative; a
// failure on the second store is reported as a warning.
func (e *RepairEngine) deleteGraph(ctx context.Context, req RepairRequest, result *RepairResult) error {
	sel := Selector{Kind: SelectTenant, GraphID: req.GraphID}
	if req.DryRun {
		count, err := e.store.CountNodes(ctx, sel)
		if err != nil {
			return err
		}
		result.Affected = count
		result.Details = fmt.Sprintf("would delete graph %s with %d nodes", req.GraphID, count)
		return nil
	}
	count, err := e.store.DeleteNodes(ctx, sel)
	if err != nil {
		return err
	}
	result.Affected = count
	result.Details = fmt.Sprintf("deleted graph %s with %d nodes", req.GraphID, count)
	if e.tenants == nil {
		return nil
	}
	if err := e.tenants.RemoveTenant(ctx, req.GraphID); err != nil {
		e.logger.Error("team records cleanup failed after graph deletion",
			zap.String("graph_id", req.GraphID), zap.Error(err))
		result.Warnings = append(result.Warnings, "team and billing records were not removed")
	}
	return nil
}
