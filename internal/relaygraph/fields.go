package relaygraph

import (
	"encoding/json"
	"math"
	"regexp"
	"sort"
)

var fieldNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// systemFields can never be set through a patch.
var systemFields = map[string]struct{}{
	"elementId":        {},
	"id":               {},
	"type":             {},
	"graphId":          {},
	"legacy_id":        {},
	"legacyId":         {},
	"synced":           {},
	"syncedAt":         {},
	"editedAt":         {},
	"editedBy":         {},
	"contentHash":      {},
	"gitHash":          {},
	"createdAt":        {},
	"updatedAt":        {},
	"baselineHash":     {},
	"conflictStrategy": {},
}

// DefaultMutableFields is the allow-list used when none is configured.
var DefaultMutableFields = []string{
	"title", "name", "content", "summary", "description", "status",
	"priority", "severity", "category", "tags", "labels", "owner",
	"context", "decision", "consequences", "rationale", "notes", "url",
}

// FieldPolicy is the allow-list of user-mutable field names.
type FieldPolicy struct {
	mutable map[string]struct{}
}

func NewFieldPolicy(names []string) FieldPolicy {
	if len(names) == 0 {
		names = DefaultMutableFields
	}
	mutable := make(map[string]struct{}, len(names))
	for _, name := range names {
		if _, system := systemFields[name]; system {
			continue
		}
		if !fieldNamePattern.MatchString(name) {
			continue
		}
		mutable[name] = struct{}{}
	}
	return FieldPolicy{mutable: mutable}
}

func (p FieldPolicy) Allowed(name string) bool {
	_, ok := p.mutable[name]
	return ok
}

// Sanitize returns the subset of patch that may be persisted plus the sorted
// names of dropped keys. System-owned and unknown fields are dropped, as are
// values that are not scalars or homogeneous scalar arrays. A nil value
// clears the field.
func (p FieldPolicy) Sanitize(patch map[string]any) (map[string]any, []string) {
	clean := make(map[string]any, len(patch))
	var dropped []string
	for key, value := range patch {
		if !p.Allowed(key) {
			dropped = append(dropped, key)
			continue
		}
		normalized, ok := normalizeValue(value)
		if !ok {
			dropped = append(dropped, key)
			continue
		}
		if key == ContentField && normalized != nil {
			if _, isString := normalized.(string); !isString {
				dropped = append(dropped, key)
				continue
			}
		}
		clean[key] = normalized
	}
	sort.Strings(dropped)
	return clean, dropped
}

func normalizeValue(value any) (any, bool) {
	switch v := value.(type) {
	case nil:
		return nil, true
	case []any:
		if len(v) == 0 {
			return []any{}, true
		}
		out := make([]any, 0, len(v))
		var kind string
		mixedNumbers := false
		for _, item := range v {
			scalar, ok := normalizeScalar(item)
			if !ok || scalar == nil {
				return nil, false
			}
			itemKind := scalarKind(scalar)
			switch {
			case kind == "":
				kind = itemKind
			case kind == itemKind:
			case isNumberKind(kind) && isNumberKind(itemKind):
				mixedNumbers = true
			default:
				return nil, false
			}
			out = append(out, scalar)
		}
		if mixedNumbers {
			// Stored arrays must be homogeneous; promote ints to floats.
			for i, item := range out {
				if n, ok := item.(int64); ok {
					out[i] = float64(n)
				}
			}
		}
		return out, true
	case []string:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = item
		}
		return out, true
	default:
		return normalizeScalar(value)
	}
}

func normalizeScalar(value any) (any, bool) {
	switch v := value.(type) {
	case string, bool, int64:
		return v, true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case float32:
		return normalizeFloat(float64(v))
	case float64:
		return normalizeFloat(v)
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, true
		}
		f, err := v.Float64()
		if err != nil {
			return nil, false
		}
		return normalizeFloat(f)
	default:
		return nil, false
	}
}

func normalizeFloat(f float64) (any, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, false
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return int64(f), true
	}
	return f, true
}

func scalarKind(value any) string {
	switch value.(type) {
	case string:
		return "string"
	case bool:
		return "bool"
	case int64:
		return "int"
	default:
		return "float"
	}
}

func isNumberKind(kind string) bool {
	return kind == "int" || kind == "float"
}
