package relaygraph

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const scanConcurrency = 4

type CompositeFinding struct {
	Type   string          `json:"type"`
	Action string          `json:"action"`
	Pairs  []DuplicatePair `json:"pairs"`
}

type SimpleFinding struct {
	Type   string           `json:"type"`
	Action string           `json:"action"`
	Groups []DuplicateGroup `json:"groups"`
}

type LegacyMapping struct {
	ID        string `json:"id"`
	Canonical string `json:"canonical"`
}

type LegacyFinding struct {
	Type    string          `json:"type"`
	Count   int             `json:"count"`
	Samples []LegacyMapping `json:"samples"`
}

// ActionEstimate is advisory: nothing is locked between scan and repair.
type ActionEstimate struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Estimated   int    `json:"estimated"`
}

type Report struct {
	GraphID             string             `json:"graphId"`
	Orphans             []TypeGroup        `json:"orphans"`
	OrphanTotal         int                `json:"orphanTotal"`
	DefaultPartition    []TypeGroup        `json:"defaultPartition"`
	DefaultTotal        int                `json:"defaultTotal"`
	CompositeDuplicates []CompositeFinding `json:"compositeDuplicates"`
	SimpleDuplicates    []SimpleFinding    `json:"simpleDuplicates"`
	LegacyIDs           []LegacyFinding    `json:"legacyIds"`
	StalePartitions     []PartitionCount   `json:"stalePartitions"`
	TenantNodes         int                `json:"tenantNodes"`
	Actions             []ActionEstimate   `json:"actions"`
	ScannedAt           time.Time          `json:"scannedAt"`
}

// Scanner produces read-only integrity reports. It is the only component
// allowed to look across tenant partitions.
type Scanner struct {
	store  GraphStore
	rules  Rules
	logger *zap.Logger
	now    func() time.Time
}

func NewScanner(store GraphStore, rules Rules, logger *zap.Logger) (*Scanner, error) {
	if store == nil {
		return nil, invalidf("graph store is required")
	}
	compiled, err := rules.Compile()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{store: store, rules: compiled, logger: logger.Named("scanner"), now: time.Now}, nil
}

// Scan runs every sub-scan concurrently for the caller's tenant.
func (s *Scanner) Scan(ctx context.Context, graphID string) (report Report, err error) {
	ctx, span := tracer.Start(ctx, "relaygraph.Scan", trace.WithAttributes(attribute.String("graph.id", graphID)))
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(graphID) == "" {
		return Report{}, invalidf("graphId is required")
	}
	report = Report{
		GraphID:             graphID,
		CompositeDuplicates: make([]CompositeFinding, len(s.rules.Composite)),
		SimpleDuplicates:    make([]SimpleFinding, len(s.rules.Simple)),
		LegacyIDs:           make([]LegacyFinding, len(s.rules.Legacy)),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(scanConcurrency)
	g.Go(func() error {
		groups, err := s.store.GroupByType(gctx, Selector{Kind: SelectOrphans}, s.rules.SampleSize)
		report.Orphans, report.OrphanTotal = groups, sumGroups(groups)
		return err
	})
	g.Go(func() error {
		groups, err := s.store.GroupByType(gctx, Selector{Kind: SelectDefaultPartition}, s.rules.SampleSize)
		report.DefaultPartition, report.DefaultTotal = groups, sumGroups(groups)
		return err
	})
	g.Go(func() error {
		partitions, err := s.store.StalePartitions(gctx, staleExclusions(graphID), s.rules.StaleThreshold, s.rules.ResultLimit)
		report.StalePartitions = partitions
		return err
	})
	g.Go(func() error {
		count, err := s.store.CountNodes(gctx, Selector{Kind: SelectTenant, GraphID: graphID})
		report.TenantNodes = count
		return err
	})
	for i, rule := range s.rules.Composite {
		i, rule := i, rule
		g.Go(func() error {
			pairs, err := s.store.CompositeDuplicates(gctx, graphID, rule)
			report.CompositeDuplicates[i] = CompositeFinding{Type: rule.Type, Action: rule.Action, Pairs: pairs}
			return err
		})
	}
	for i, rule := range s.rules.Simple {
		i, rule := i, rule
		g.Go(func() error {
			groups, err := s.store.SimpleDuplicates(gctx, graphID, rule.Type, s.rules.ResultLimit)
			report.SimpleDuplicates[i] = SimpleFinding{Type: rule.Type, Action: rule.Action, Groups: groups}
			return err
		})
	}
	for i, rule := range s.rules.Legacy {
		i, rule := i, rule
		g.Go(func() error {
			candidates, err := legacyCandidates(gctx, s.store, graphID, rule)
			if err != nil {
				return err
			}
			finding := LegacyFinding{Type: rule.Type, Count: len(candidates)}
			for _, c := range candidates {
				if len(finding.Samples) >= s.rules.SampleSize {
					break
				}
				finding.Samples = append(finding.Samples, LegacyMapping{ID: c.ref.ID, Canonical: c.canonical})
			}
			report.LegacyIDs[i] = finding
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, err
	}

	report.Actions = s.estimate(report)
	report.ScannedAt = s.now().UTC()
	s.logger.Info("integrity scan complete",
		zap.String("graph_id", graphID),
		zap.Int("orphans", report.OrphanTotal),
		zap.Int("default_partition", report.DefaultTotal),
		zap.Int("stale_partitions", len(report.StalePartitions)))
	return report, nil
}

func (s *Scanner) estimate(report Report) []ActionEstimate {
	stale := 0
	for _, p := range report.StalePartitions {
		stale += p.Count
	}
	legacy := 0
	for _, f := range report.LegacyIDs {
		legacy += f.Count
	}
	actions := []ActionEstimate{
		{Name: ActionDeleteOrphans, Description: "Delete nodes without a graphId", Estimated: report.OrphanTotal},
		{Name: ActionDeleteDefault, Description: "Delete nodes in the default partition", Estimated: report.DefaultTotal},
		{Name: ActionDeleteStaleGraphs, Description: "Delete partitions below the stale threshold", Estimated: stale},
	}
	for _, f := range report.CompositeDuplicates {
		actions = append(actions, ActionEstimate{
			Name:        f.Action,
			Description: "Merge " + f.Type + " duplicates into the longer identifier",
			Estimated:   len(distinctShorts(f.Pairs)),
		})
	}
	for _, f := range report.SimpleDuplicates {
		extra := 0
		for _, group := range f.Groups {
			extra += group.Count - 1
		}
		actions = append(actions, ActionEstimate{
			Name:        f.Action,
			Description: "Keep the earliest " + f.Type + " per identifier and delete the rest",
			Estimated:   extra,
		})
	}
	actions = append(actions,
		ActionEstimate{Name: ActionCanonicalizeIDs, Description: "Rewrite legacy identifiers to canonical form", Estimated: legacy},
		ActionEstimate{Name: ActionDeleteGraph, Description: "Delete the whole graph and its team records", Estimated: report.TenantNodes},
	)
	return actions
}

type legacyCandidate struct {
	ref       NodeRef
	canonical string
}

// legacyCandidates lists nodes matching the rule whose id is not canonical.
// Scan and repair share it so their counts agree.
func legacyCandidates(ctx context.Context, store GraphStore, graphID string, rule LegacyIDRule) ([]legacyCandidate, error) {
	refs, err := store.MatchIDs(ctx, graphID, rule.Type, rule.Match)
	if err != nil {
		return nil, err
	}
	var out []legacyCandidate
	for _, ref := range refs {
		if canonical, ok := rule.NeedsRewrite(ref.ID); ok {
			out = append(out, legacyCandidate{ref: ref, canonical: canonical})
		}
	}
	return out, nil
}

func staleExclusions(graphID string) []string {
	return []string{graphID, DefaultGraphID}
}

func sumGroups(groups []TypeGroup) int {
	total := 0
	for _, g := range groups {
		total += g.Count
	}
	return total
}

func distinctShorts(pairs []DuplicatePair) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, p := range pairs {
		if _, ok := seen[p.Short.ElementID]; ok {
			continue
		}
		seen[p.Short.ElementID] = struct{}{}
		out = append(out, p.Short.ElementID)
	}
	return out
}
