package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/relaygraph/internal/relaygraph"
)

type nodeResponse struct {
	Node       relaygraph.Node      `json:"node"`
	SyncStatus relaygraph.SyncState `json:"syncStatus"`
}

func nodeKey(r *http.Request, rc requestContext, id string) relaygraph.NodeKey {
	return relaygraph.NodeKey{
		GraphID: rc.graphID,
		Type:    strings.TrimSpace(r.URL.Query().Get("type")),
		ID:      id,
	}
}

func setContentETag(w http.ResponseWriter, node relaygraph.Node) {
	if node.Sync.ContentHash != "" {
		w.Header().Set("ETag", strconv.Quote(node.Sync.ContentHash))
	}
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request, rc requestContext, id string) {
	if !s.authorize(w, r, rc, relaygraph.PermissionRead, relaygraph.RoleViewer) {
		return
	}
	node, err := s.deps.Nodes.Get(r.Context(), nodeKey(r, rc, id))
	if err != nil {
		s.writeServiceError(w, err, rc.correlationID)
		return
	}
	setContentETag(w, node)
	writeJSON(w, http.StatusOK, nodeResponse{Node: node, SyncStatus: node.Sync})
}

// handleUpdateNode accepts a flat body of node fields plus the optional
// baselineHash and conflictStrategy controls. If-Match is accepted as the
// baseline when the body does not carry one.
func (s *Server) handleUpdateNode(w http.ResponseWriter, r *http.Request, rc requestContext, id string) {
	if !s.authorize(w, r, rc, relaygraph.PermissionWrite, relaygraph.RoleEditor) {
		return
	}
	body, ok := s.readRequestBody(w, r, rc.correlationID)
	if !ok {
		return
	}
	if reason, valid := validateBody(s.schemas.patch, body); !valid {
		writeError(w, http.StatusBadRequest, "bad_request", reason, rc.correlationID)
		return
	}
	var patch map[string]any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", rc.correlationID)
		return
	}
	baseline, _ := patch["baselineHash"].(string)
	rawStrategy, _ := patch["conflictStrategy"].(string)
	delete(patch, "baselineHash")
	delete(patch, "conflictStrategy")
	if baseline == "" {
		baseline = normalizeIfMatchHeader(r.Header.Get("If-Match"))
	}
	strategy, err := relaygraph.ParseStrategy(rawStrategy)
	if err != nil {
		s.writeServiceError(w, err, rc.correlationID)
		return
	}

	result, err := s.deps.Nodes.Update(r.Context(), relaygraph.MutationRequest{
		Key:          nodeKey(r, rc, id),
		Editor:       rc.subject,
		Patch:        patch,
		BaselineHash: baseline,
		Strategy:     strategy,
	})
	if err != nil {
		s.writeServiceError(w, err, rc.correlationID)
		return
	}
	setContentETag(w, result.Node)
	writeJSON(w, http.StatusOK, result)
}

// handleMarkSynced is called by the external sync pipeline after it has
// committed a node. Repeating it with the same commit is harmless. A
// contentHash that no longer matches the node answers 409.
func (s *Server) handleMarkSynced(w http.ResponseWriter, r *http.Request, rc requestContext, id string) {
	if !s.authorize(w, r, rc, relaygraph.PermissionWrite, relaygraph.RoleEditor) {
		return
	}
	body, ok := s.readRequestBody(w, r, rc.correlationID)
	if !ok {
		return
	}
	if reason, valid := validateBody(s.schemas.sync, body); !valid {
		writeError(w, http.StatusBadRequest, "bad_request", reason, rc.correlationID)
		return
	}
	var req struct {
		GitHash     string `json:"gitHash"`
		SyncedAt    string `json:"syncedAt"`
		ContentHash string `json:"contentHash"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", rc.correlationID)
		return
	}
	mark := relaygraph.SyncMark{GitHash: req.GitHash, ContentHash: req.ContentHash}
	if req.SyncedAt != "" {
		parsed, err := time.Parse(time.RFC3339Nano, req.SyncedAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "syncedAt must be an RFC 3339 timestamp", rc.correlationID)
			return
		}
		mark.SyncedAt = &parsed
	}

	node, err := s.deps.Nodes.MarkSynced(r.Context(), nodeKey(r, rc, id), mark)
	if err != nil {
		s.writeServiceError(w, err, rc.correlationID)
		return
	}
	writeJSON(w, http.StatusOK, node.Sync)
}

func (s *Server) handleListUnsynced(w http.ResponseWriter, r *http.Request, rc requestContext) {
	if !s.authorize(w, r, rc, relaygraph.PermissionRead, relaygraph.RoleViewer) {
		return
	}
	limit := parseBoundedInt(r.URL.Query().Get("limit"), relaygraph.DefaultUnsyncedLimit, 1, relaygraph.MaxUnsyncedLimit)
	nodes, err := s.deps.Nodes.ListUnsynced(r.Context(), rc.graphID, limit)
	if err != nil {
		s.writeServiceError(w, err, rc.correlationID)
		return
	}
	if nodes == nil {
		nodes = []relaygraph.Node{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"nodes": nodes,
		"count": len(nodes),
		"limit": limit,
	})
}

func normalizeIfMatchHeader(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	if strings.HasPrefix(value, "W/") || strings.HasPrefix(value, "w/") {
		value = strings.TrimSpace(value[2:])
	}
	if len(value) >= 2 && strings.HasPrefix(value, "\"") && strings.HasSuffix(value, "\"") {
		value = strings.TrimSpace(value[1 : len(value)-1])
	}
	return value
}
