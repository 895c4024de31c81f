package relaygraph

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"
)

const (
	neo4jDefaultQueryTimeout = 30 * time.Second
	transferProcedure        = "apoc.create.relationship"
)

// Transfer capability modes for Neo4jConfig.RelationshipTransfer.
const (
	TransferAuto = "auto"
	TransferOn   = "on"
	TransferOff  = "off"
)

type Neo4jConfig struct {
	URI                  string
	Username             string
	Password             string
	Database             string
	RelationshipTransfer string
	QueryTimeout         time.Duration
	// MutableFields is the allow-list for property writes; nil means
	// DefaultMutableFields.
	MutableFields []string
}

// Neo4jStore is the GraphStore backed by a Neo4j database. Node types are
// labels; sync metadata and business identity are node properties.
type Neo4jStore struct {
	driver   neo4j.DriverWithContext
	database string
	timeout  time.Duration
	transfer bool
	fields   FieldPolicy
	logger   *zap.Logger
}

func NewNeo4jStore(ctx context.Context, cfg Neo4jConfig, logger *zap.Logger) (*Neo4jStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(cfg.URI) == "" {
		return nil, invalidf("neo4j uri is required")
	}
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	timeout := cfg.QueryTimeout
	if timeout <= 0 {
		timeout = neo4jDefaultQueryTimeout
	}
	store := &Neo4jStore{
		driver:   driver,
		database: cfg.Database,
		timeout:  timeout,
		fields:   NewFieldPolicy(cfg.MutableFields),
		logger:   logger.Named("neo4j_store"),
	}
	switch strings.ToLower(strings.TrimSpace(cfg.RelationshipTransfer)) {
	case TransferOn:
		store.transfer = true
	case TransferOff:
		store.transfer = false
	case "", TransferAuto:
		store.transfer = store.probeProcedure(ctx, transferProcedure)
	default:
		_ = driver.Close(ctx)
		return nil, invalidf("unknown relationship transfer mode %q", cfg.RelationshipTransfer)
	}
	store.logger.Info("neo4j store ready",
		zap.String("uri", cfg.URI),
		zap.String("database", cfg.Database),
		zap.Bool("relationship_transfer", store.transfer))
	return store, nil
}

func (s *Neo4jStore) probeProcedure(ctx context.Context, name string) bool {
	records, err := s.read(ctx, cypherQuery{
		text:   "SHOW PROCEDURES YIELD name WHERE name = $name RETURN count(name) AS found",
		params: map[string]any{"name": name},
	})
	if err != nil {
		s.logger.Warn("procedure probe failed; assuming unavailable", zap.String("procedure", name), zap.Error(err))
		return false
	}
	return len(records) == 1 && recordInt(records[0], "found") > 0
}

// CreateNode inserts a node; used for seeding and imports.
func (s *Neo4jStore) CreateNode(ctx context.Context, node Node) (Node, error) {
	label, err := quoteLabel(node.Type)
	if err != nil {
		return Node{}, err
	}
	if node.ID == "" {
		return Node{}, invalidf("node id is required")
	}
	props := make(map[string]any, len(node.Properties)+4)
	for key, value := range node.Properties {
		props[key] = value
	}
	props["id"] = node.ID
	if node.GraphID != "" {
		props["graphId"] = node.GraphID
	}
	if node.LegacyID != "" {
		props["legacy_id"] = node.LegacyID
	}
	createdAt := node.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	props["createdAt"] = createdAt
	node.Sync.ContentHash = contentHashFor(node)
	syncText, params := syncAssignments("n", node.Sync)
	params["props"] = props
	records, err := s.write(ctx, cypherQuery{
		text:   "CREATE (n:" + label + " $props) SET " + syncText + " RETURN n",
		params: params,
	})
	if err != nil {
		return Node{}, err
	}
	if len(records) == 0 {
		return Node{}, errors.New("neo4j: create returned no rows")
	}
	return nodeFromRecord(records[0], "n")
}

func (s *Neo4jStore) FindNodes(ctx context.Context, key NodeKey) ([]Node, error) {
	match, err := matchNode("n", key.Type)
	if err != nil {
		return nil, err
	}
	records, err := s.read(ctx, cypherQuery{
		text:   match + " WHERE n.graphId = $graphId AND n.id = $id RETURN n ORDER BY n.createdAt, elementId(n)",
		params: map[string]any{"graphId": key.GraphID, "id": key.ID},
	})
	if err != nil {
		return nil, err
	}
	return nodesFromRecords(records, "n")
}

func (s *Neo4jStore) UpdateNode(ctx context.Context, write NodeWrite) (Node, error) {
	setText, params, err := buildSetClause("n", write.Set, s.fields)
	if err != nil {
		return Node{}, err
	}
	syncText, syncParams := syncAssignments("n", write.Sync)
	for key, value := range syncParams {
		params[key] = value
	}
	params["eid"] = write.ElementID
	where := "WHERE elementId(n) = $eid"
	if write.ExpectedHash != nil {
		where += " AND coalesce(n.contentHash, '') = $expectedHash"
		params["expectedHash"] = *write.ExpectedHash
	}
	assignments := syncText
	if setText != "" {
		assignments = setText + ", " + syncText
	}
	query := "MATCH (n) " + where + " SET " + assignments + " RETURN n"

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite, DatabaseName: s.database})
	defer session.Close(ctx)

	out, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		records, err := result.Collect(ctx)
		if err != nil {
			return nil, err
		}
		if len(records) > 0 {
			return nodeFromRecord(records[0], "n")
		}
		exists, err := tx.Run(ctx, "MATCH (n) WHERE elementId(n) = $eid RETURN count(n) AS found", map[string]any{"eid": write.ElementID})
		if err != nil {
			return nil, err
		}
		record, err := exists.Single(ctx)
		if err != nil {
			return nil, err
		}
		if recordInt(record, "found") == 0 {
			return nil, ErrNotFound
		}
		return nil, ErrStaleWrite
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrStaleWrite) || errors.Is(err, ErrInvalidInput) {
			return Node{}, err
		}
		return Node{}, s.wrap(err)
	}
	return out.(Node), nil
}

func (s *Neo4jStore) ListUnsynced(ctx context.Context, graphID string, types []string, limit int) ([]Node, error) {
	if types == nil {
		types = []string{}
	}
	q := withLimit(cypherQuery{
		text: "MATCH (n) WHERE n.graphId = $graphId AND coalesce(n.synced, false) <> true" +
			" AND (size($types) = 0 OR any(l IN labels(n) WHERE l IN $types))" +
			" RETURN n ORDER BY n.editedAt DESC, elementId(n)",
		params: map[string]any{"graphId": graphID, "types": types},
	}, limit)
	records, err := s.read(ctx, q)
	if err != nil {
		return nil, err
	}
	return nodesFromRecords(records, "n")
}

func (s *Neo4jStore) GroupByType(ctx context.Context, sel Selector, sampleSize int) ([]TypeGroup, error) {
	q, err := groupQuery(sel, sampleSize)
	if err != nil {
		return nil, err
	}
	records, err := s.read(ctx, q)
	if err != nil {
		return nil, err
	}
	groups := make([]TypeGroup, 0, len(records))
	for _, record := range records {
		groups = append(groups, TypeGroup{
			Type:    recordString(record, "type"),
			Count:   recordInt(record, "count"),
			Samples: recordStrings(record, "samples"),
		})
	}
	return groups, nil
}

func (s *Neo4jStore) CountNodes(ctx context.Context, sel Selector) (int, error) {
	q, err := countQuery(sel)
	if err != nil {
		return 0, err
	}
	records, err := s.read(ctx, q)
	if err != nil {
		return 0, err
	}
	return firstInt(records, "affected"), nil
}

func (s *Neo4jStore) DeleteNodes(ctx context.Context, sel Selector) (int, error) {
	q, err := deleteQuery(sel)
	if err != nil {
		return 0, err
	}
	records, err := s.write(ctx, q)
	if err != nil {
		return 0, err
	}
	return firstInt(records, "affected"), nil
}

func (s *Neo4jStore) StalePartitions(ctx context.Context, exclude []string, threshold, limit int) ([]PartitionCount, error) {
	if exclude == nil {
		exclude = []string{}
	}
	q := withLimit(cypherQuery{
		text: "MATCH (n) WHERE n.graphId IS NOT NULL AND NOT n.graphId IN $exclude" +
			" WITH n.graphId AS graphId, count(n) AS count WHERE count < $threshold" +
			" RETURN graphId, count ORDER BY count DESC, graphId",
		params: map[string]any{"exclude": exclude, "threshold": int64(threshold)},
	}, limit)
	records, err := s.read(ctx, q)
	if err != nil {
		return nil, err
	}
	out := make([]PartitionCount, 0, len(records))
	for _, record := range records {
		out = append(out, PartitionCount{GraphID: recordString(record, "graphId"), Count: recordInt(record, "count")})
	}
	return out, nil
}

func (s *Neo4jStore) CompositeDuplicates(ctx context.Context, graphID string, rule CompositeRule) ([]DuplicatePair, error) {
	label, err := quoteLabel(rule.Type)
	if err != nil {
		return nil, err
	}
	records, err := s.read(ctx, cypherQuery{
		text: "MATCH (s:" + label + ") WHERE s.graphId = $graphId AND s.id =~ $shortPattern" +
			" MATCH (l:" + label + ") WHERE l.graphId = $graphId AND l.id =~ $longPattern AND l.id STARTS WITH s.id + '-'" +
			" RETURN elementId(s) AS shortEid, s.id AS shortId, s.createdAt AS shortCreated," +
			" elementId(l) AS longEid, l.id AS longId, l.createdAt AS longCreated" +
			" ORDER BY shortId, longId",
		params: map[string]any{
			"graphId":      graphID,
			"shortPattern": "(?:" + rule.ShortPattern + ")",
			"longPattern":  rule.LongPattern(),
		},
	})
	if err != nil {
		return nil, err
	}
	pairs := make([]DuplicatePair, 0, len(records))
	for _, record := range records {
		pairs = append(pairs, DuplicatePair{
			Short: NodeRef{
				ElementID: recordString(record, "shortEid"),
				Type:      rule.Type,
				GraphID:   graphID,
				ID:        recordString(record, "shortId"),
				CreatedAt: recordTime(record, "shortCreated"),
			},
			Long: NodeRef{
				ElementID: recordString(record, "longEid"),
				Type:      rule.Type,
				GraphID:   graphID,
				ID:        recordString(record, "longId"),
				CreatedAt: recordTime(record, "longCreated"),
			},
		})
	}
	return pairs, nil
}

func (s *Neo4jStore) SimpleDuplicates(ctx context.Context, graphID, nodeType string, limit int) ([]DuplicateGroup, error) {
	match, err := matchNode("n", nodeType)
	if err != nil {
		return nil, err
	}
	q := withLimit(cypherQuery{
		text: match + " WHERE n.graphId = $graphId AND n.id IS NOT NULL" +
			" WITH n ORDER BY n.createdAt, elementId(n)" +
			" WITH n.id AS id, collect({eid: elementId(n), createdAt: n.createdAt}) AS members" +
			" WHERE size(members) > 1" +
			" RETURN id, size(members) AS count, members ORDER BY count DESC, id",
		params: map[string]any{"graphId": graphID},
	}, limit)
	records, err := s.read(ctx, q)
	if err != nil {
		return nil, err
	}
	groups := make([]DuplicateGroup, 0, len(records))
	for _, record := range records {
		group := DuplicateGroup{ID: recordString(record, "id"), Count: recordInt(record, "count")}
		raw, _ := record.Get("members")
		members, _ := raw.([]any)
		for _, member := range members {
			m, _ := member.(map[string]any)
			eid, _ := m["eid"].(string)
			group.Nodes = append(group.Nodes, NodeRef{
				ElementID: eid,
				Type:      nodeType,
				GraphID:   graphID,
				ID:        group.ID,
				CreatedAt: asTime(m["createdAt"]),
			})
		}
		groups = append(groups, group)
	}
	return groups, nil
}

func (s *Neo4jStore) MatchIDs(ctx context.Context, graphID, nodeType, pattern string) ([]NodeRef, error) {
	match, err := matchNode("n", nodeType)
	if err != nil {
		return nil, err
	}
	records, err := s.read(ctx, cypherQuery{
		text: match + " WHERE n.graphId = $graphId AND n.id =~ $pattern" +
			" RETURN elementId(n) AS eid, n.id AS id, n.createdAt AS createdAt ORDER BY createdAt, eid",
		params: map[string]any{"graphId": graphID, "pattern": "(?:" + pattern + ")"},
	})
	if err != nil {
		return nil, err
	}
	out := make([]NodeRef, 0, len(records))
	for _, record := range records {
		out = append(out, NodeRef{
			ElementID: recordString(record, "eid"),
			Type:      nodeType,
			GraphID:   graphID,
			ID:        recordString(record, "id"),
			CreatedAt: recordTime(record, "createdAt"),
		})
	}
	return out, nil
}

func (s *Neo4jStore) SetLegacyID(ctx context.Context, elementID, legacyID string) error {
	records, err := s.write(ctx, cypherQuery{
		text:   "MATCH (n) WHERE elementId(n) = $eid SET n.legacy_id = $legacyId RETURN count(n) AS matched",
		params: map[string]any{"eid": elementID, "legacyId": legacyID},
	})
	if err != nil {
		return err
	}
	if firstInt(records, "matched") == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Neo4jStore) Rename(ctx context.Context, elementID, newID, legacyID string) error {
	records, err := s.write(ctx, cypherQuery{
		text:   "MATCH (n) WHERE elementId(n) = $eid SET n.id = $newId, n.legacy_id = $legacyId RETURN count(n) AS matched",
		params: map[string]any{"eid": elementID, "newId": newID, "legacyId": legacyID},
	})
	if err != nil {
		return err
	}
	if firstInt(records, "matched") == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Neo4jStore) DeleteNode(ctx context.Context, elementID string) (bool, error) {
	records, err := s.write(ctx, cypherQuery{
		text:   "MATCH (n) WHERE elementId(n) = $eid DETACH DELETE n RETURN count(*) AS deleted",
		params: map[string]any{"eid": elementID},
	})
	if err != nil {
		return false, err
	}
	return firstInt(records, "deleted") > 0, nil
}

func (s *Neo4jStore) SupportsRelationshipTransfer() bool {
	return s.transfer
}

const (
	transferOutgoing = "MATCH (src) WHERE elementId(src) = $from" +
		" MATCH (dst) WHERE elementId(dst) = $to" +
		" MATCH (src)-[r]->(t) WHERE t <> dst" +
		" CALL apoc.create.relationship(dst, type(r), properties(r), t) YIELD rel" +
		" DELETE r RETURN count(rel) AS moved"
	transferIncoming = "MATCH (src) WHERE elementId(src) = $from" +
		" MATCH (dst) WHERE elementId(dst) = $to" +
		" MATCH (t)-[r]->(src) WHERE t <> dst" +
		" CALL apoc.create.relationship(t, type(r), properties(r), dst) YIELD rel" +
		" DELETE r RETURN count(rel) AS moved"
)

// TransferRelationships moves outgoing then incoming relationships in one
// transaction using the APOC relationship procedure.
func (s *Neo4jStore) TransferRelationships(ctx context.Context, fromElementID, toElementID string) (int, error) {
	if !s.transfer {
		return 0, invalidf("relationship transfer is not supported by this store")
	}
	params := map[string]any{"from": fromElementID, "to": toElementID}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite, DatabaseName: s.database})
	defer session.Close(ctx)

	out, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		check, err := tx.Run(ctx, "MATCH (src) WHERE elementId(src) = $from MATCH (dst) WHERE elementId(dst) = $to RETURN count(*) AS found", params)
		if err != nil {
			return nil, err
		}
		record, err := check.Single(ctx)
		if err != nil {
			return nil, err
		}
		if recordInt(record, "found") == 0 {
			return nil, ErrNotFound
		}
		moved := 0
		for _, query := range []string{transferOutgoing, transferIncoming} {
			result, err := tx.Run(ctx, query, params)
			if err != nil {
				return nil, err
			}
			records, err := result.Collect(ctx)
			if err != nil {
				return nil, err
			}
			moved += firstInt(records, "moved")
		}
		return moved, nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, err
		}
		return 0, s.wrap(err)
	}
	return out.(int), nil
}

func (s *Neo4jStore) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

func (s *Neo4jStore) read(ctx context.Context, q cypherQuery) ([]*neo4j.Record, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead, DatabaseName: s.database})
	defer session.Close(ctx)

	result, err := session.Run(ctx, q.text, q.params)
	if err != nil {
		return nil, s.wrap(err)
	}
	records, err := result.Collect(ctx)
	if err != nil {
		return nil, s.wrap(err)
	}
	return records, nil
}

func (s *Neo4jStore) write(ctx context.Context, q cypherQuery) ([]*neo4j.Record, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite, DatabaseName: s.database})
	defer session.Close(ctx)

	out, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, q.text, q.params)
		if err != nil {
			return nil, err
		}
		return result.Collect(ctx)
	})
	if err != nil {
		return nil, s.wrap(err)
	}
	return out.([]*neo4j.Record), nil
}

func (s *Neo4jStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// wrap hides driver detail behind the store error taxonomy.
func (s *Neo4jStore) wrap(err error) error {
	if neo4j.IsConnectivityError(err) || errors.Is(err, context.DeadlineExceeded) {
		s.logger.Warn("neo4j unavailable", zap.Error(err))
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	s.logger.Error("neo4j query failed", zap.Error(err))
	return fmt.Errorf("neo4j query failed: %w", err)
}
