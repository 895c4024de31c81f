package relaygraph

import (
	"errors"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// reservedProperties are stored on graph nodes but surface as Node fields.
var reservedProperties = map[string]struct{}{
	"id": {}, "graphId": {}, "legacy_id": {}, "createdAt": {},
	"synced": {}, "syncedAt": {}, "editedAt": {}, "editedBy": {},
	"contentHash": {}, "gitHash": {},
}

func nodesFromRecords(records []*neo4j.Record, key string) ([]Node, error) {
	out := make([]Node, 0, len(records))
	for _, record := range records {
		node, err := nodeFromRecord(record, key)
		if err != nil {
			return nil, err
		}
		out = append(out, node)
	}
	return out, nil
}

func nodeFromRecord(record *neo4j.Record, key string) (Node, error) {
	raw, ok := record.Get(key)
	if !ok {
		return Node{}, errors.New("neo4j: record has no node column " + key)
	}
	dbNode, ok := raw.(neo4j.Node)
	if !ok {
		return Node{}, errors.New("neo4j: column " + key + " is not a node")
	}
	props := dbNode.Props
	node := Node{
		ElementID:  dbNode.ElementId,
		ID:         asString(props["id"]),
		GraphID:    asString(props["graphId"]),
		LegacyID:   asString(props["legacy_id"]),
		CreatedAt:  asTime(props["createdAt"]),
		Properties: map[string]any{},
		Sync: SyncState{
			EditedAt:    asTime(props["editedAt"]),
			EditedBy:    asString(props["editedBy"]),
			ContentHash: asString(props["contentHash"]),
		},
	}
	if len(dbNode.Labels) > 0 {
		node.Type = dbNode.Labels[0]
	}
	if synced, ok := props["synced"].(bool); ok {
		node.Sync.Synced = synced
	}
	if at := asTime(props["syncedAt"]); !at.IsZero() {
		node.Sync.SyncedAt = &at
	}
	if hash := asString(props["gitHash"]); hash != "" {
		node.Sync.GitHash = &hash
	}
	for name, value := range props {
		if _, reserved := reservedProperties[name]; reserved {
			continue
		}
		node.Properties[name] = value
	}
	return node, nil
}

func recordString(record *neo4j.Record, key string) string {
	raw, _ := record.Get(key)
	return asString(raw)
}

func recordInt(record *neo4j.Record, key string) int {
	raw, _ := record.Get(key)
	switch v := raw.(type) {
	case int64:
		return int(v)
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

func recordStrings(record *neo4j.Record, key string) []string {
	raw, _ := record.Get(key)
	items, _ := raw.([]any)
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func recordTime(record *neo4j.Record, key string) time.Time {
	raw, _ := record.Get(key)
	return asTime(raw)
}

func firstInt(records []*neo4j.Record, key string) int {
	if len(records) == 0 {
		return 0
	}
	return recordInt(records[0], key)
}

func asString(raw any) string {
	s, _ := raw.(string)
	return s
}

func asTime(raw any) time.Time {
	switch v := raw.(type) {
	case time.Time:
		return v.UTC()
	case neo4j.LocalDateTime:
		return time.Time(v).UTC()
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}
		}
		return parsed.UTC()
	default:
		return time.Time{}
	}
}
