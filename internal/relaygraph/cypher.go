package relaygraph

import (
	"fmt"
	"sort"
	"strings"
)

// cypherQuery is query text plus its parameters. Caller-controlled values
// only ever travel in params.
type cypherQuery struct {
	text   string
	params map[string]any
}

// quoteLabel renders a validated node type as a backtick-quoted label.
func quoteLabel(nodeType string) (string, error) {
	if !ValidLabel(nodeType) {
		return "", invalidf("invalid node type %q", nodeType)
	}
	return "`" + nodeType + "`", nil
}

// matchNode renders MATCH (alias) or MATCH (alias:`Type`).
func matchNode(alias, nodeType string) (string, error) {
	if nodeType == "" {
		return fmt.Sprintf("MATCH (%s)", alias), nil
	}
	label, err := quoteLabel(nodeType)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("MATCH (%s:%s)", alias, label), nil
}

// buildSetClause renders "alias.`field` = $set0, ..." for fields, in key
// order. Every key must be on the policy's allow-list; parameters are
// named set0, set1 and so on.
//
//	buildSetClause("n", map[string]any{"title": "x"}, policy)
//	// "n.`title` = $set0", {"set0": "x"}
func buildSetClause(alias string, fields map[string]any, policy FieldPolicy) (string, map[string]any, error) {
	if len(fields) == 0 {
		return "", map[string]any{}, nil
	}
	keys := make([]string, 0, len(fields))
	for key := range fields {
		if !policy.Allowed(key) {
			return "", nil, invalidf("field %q is not mutable", key)
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	params := make(map[string]any, len(keys))
	assignments := make([]string, 0, len(keys))
	for i, key := range keys {
		name := fmt.Sprintf("set%d", i)
		assignments = append(assignments, fmt.Sprintf("%s.`%s` = $%s", alias, key, name))
		params[name] = fields[key]
	}
	return strings.Join(assignments, ", "), params, nil
}

// syncAssignments writes every sync metadata field from SyncState.
func syncAssignments(alias string, state SyncState) (string, map[string]any) {
	params := map[string]any{
		"syncSynced":      state.Synced,
		"syncEditedAt":    nilIfZero(state.EditedAt),
		"syncEditedBy":    state.EditedBy,
		"syncContentHash": state.ContentHash,
		"syncSyncedAt":    nil,
		"syncGitHash":     nil,
	}
	if state.SyncedAt != nil {
		params["syncSyncedAt"] = *state.SyncedAt
	}
	if state.GitHash != nil {
		params["syncGitHash"] = *state.GitHash
	}
	text := strings.Join([]string{
		alias + ".synced = $syncSynced",
		alias + ".syncedAt = $syncSyncedAt",
		alias + ".editedAt = $syncEditedAt",
		alias + ".editedBy = $syncEditedBy",
		alias + ".contentHash = $syncContentHash",
		alias + ".gitHash = $syncGitHash",
	}, ", ")
	return text, params
}

// selectorMatch renders the MATCH/WHERE prefix binding n for a Selector.
// The counting and deleting forms of every bulk action share it.
func selectorMatch(sel Selector) (cypherQuery, error) {
	if err := sel.validate(); err != nil {
		return cypherQuery{}, err
	}
	rootLabel, _ := quoteLabel(TenantRootType)
	switch sel.Kind {
	case SelectOrphans:
		return cypherQuery{
			text:   "MATCH (n) WHERE n.graphId IS NULL AND NOT n:" + rootLabel,
			params: map[string]any{},
		}, nil
	case SelectDefaultPartition:
		return cypherQuery{
			text:   "MATCH (n) WHERE n.graphId = $defaultGraphId",
			params: map[string]any{"defaultGraphId": DefaultGraphID},
		}, nil
	case SelectTenant:
		return cypherQuery{
			text:   "MATCH (n) WHERE n.graphId = $graphId OR (n:" + rootLabel + " AND n.id = $graphId)",
			params: map[string]any{"graphId": sel.GraphID},
		}, nil
	case SelectStalePartitions:
		exclude := sel.Exclude
		if exclude == nil {
			exclude = []string{}
		}
		return cypherQuery{
			text: "MATCH (p) WHERE p.graphId IS NOT NULL AND NOT p.graphId IN $exclude " +
				"WITH p.graphId AS g, count(p) AS c WHERE c < $threshold " +
				"WITH collect(g) AS stale " +
				"MATCH (n) WHERE n.graphId IN stale",
			params: map[string]any{"exclude": exclude, "threshold": int64(sel.Threshold)},
		}, nil
	}
	return cypherQuery{}, invalidf("unknown selector %q", sel.Kind)
}

func countQuery(sel Selector) (cypherQuery, error) {
	q, err := selectorMatch(sel)
	if err != nil {
		return cypherQuery{}, err
	}
	q.text += " RETURN count(n) AS affected"
	return q, nil
}

func deleteQuery(sel Selector) (cypherQuery, error) {
	q, err := selectorMatch(sel)
	if err != nil {
		return cypherQuery{}, err
	}
	q.text += " DETACH DELETE n RETURN count(*) AS affected"
	return q, nil
}

func groupQuery(sel Selector, sampleSize int) (cypherQuery, error) {
	q, err := selectorMatch(sel)
	if err != nil {
		return cypherQuery{}, err
	}
	q.text += " WITH labels(n)[0] AS type, n.id AS id ORDER BY id" +
		" WITH type, collect(id) AS ids" +
		" RETURN type, size(ids) AS count, ids[0..$sampleSize] AS samples" +
		" ORDER BY count DESC, type"
	q.params["sampleSize"] = int64(sampleSize)
	return q, nil
}

func withLimit(q cypherQuery, limit int) cypherQuery {
	if limit > 0 {
		q.text += " LIMIT $limit"
		q.params["limit"] = int64(limit)
	}
	return q
}

func nilIfZero(value any) any {
	if t, ok := value.(interface{ IsZero() bool }); ok && t.IsZero() {
		return nil
	}
	return value
}
