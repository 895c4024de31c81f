package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/relaygraph/internal/relaygraph"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const correlationHeader = "X-Correlation-Id"

type ServerConfig struct {
	JWTSecret       string
	Audience        string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	Logger          *zap.Logger
}

type NodeService interface {
	Get(ctx context.Context, key relaygraph.NodeKey) (relaygraph.Node, error)
	Update(ctx context.Context, req relaygraph.MutationRequest) (relaygraph.MutationResult, error)
	MarkSynced(ctx context.Context, key relaygraph.NodeKey, mark relaygraph.SyncMark) (relaygraph.Node, error)
	ListUnsynced(ctx context.Context, graphID string, limit int) ([]relaygraph.Node, error)
}

type IntegrityScanner interface {
	Scan(ctx context.Context, graphID string) (relaygraph.Report, error)
}

type RepairExecutor interface {
	Execute(ctx context.Context, req relaygraph.RepairRequest) (relaygraph.RepairResult, error)
}

type EventSource interface {
	Subscribe(graphID string) (<-chan relaygraph.Event, func())
}

// Dependencies are the engine components the server routes to. Events is
// optional; without it GET /events answers 404.
type Dependencies struct {
	Nodes   NodeService
	Scanner IntegrityScanner
	Repairs RepairExecutor
	Gate    relaygraph.AccessGate
	Events  EventSource
}

type Server struct {
	deps        Dependencies
	cfg         ServerConfig
	schemas     bodySchemas
	rateLimiter *rateLimiter
	logger      *zap.Logger
	now         func() time.Time
}

func NewServer(deps Dependencies, cfg ServerConfig) (*Server, error) {
	if deps.Nodes == nil || deps.Scanner == nil || deps.Repairs == nil || deps.Gate == nil {
		return nil, errors.New("httpapi: nodes, scanner, repairs and gate are required")
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return nil, errors.New("httpapi: jwt secret is required")
	}
	if cfg.Audience == "" {
		cfg.Audience = "relaygraph"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	schemas, err := compileBodySchemas()
	if err != nil {
		return nil, err
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = newRateLimiter(cfg.RateLimitMax, cfg.RateLimitWindow)
	}
	return &Server{
		deps:        deps,
		cfg:         cfg,
		schemas:     schemas,
		rateLimiter: limiter,
		logger:      logger.Named("httpapi"),
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

// requestContext is what every authenticated handler receives.
type requestContext struct {
	graphID       string
	subject       string
	correlationID string
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	correlationID := getCorrelationID(r)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	w.Header().Set(correlationHeader, correlationID)

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	var route string
	switch {
	case len(parts) == 1 && parts[0] == "cleanup" && r.Method == http.MethodGet:
		route = "scan"
	case len(parts) == 1 && parts[0] == "cleanup" && r.Method == http.MethodDelete:
		route = "repair"
	case len(parts) == 1 && parts[0] == "events" && r.Method == http.MethodGet:
		route = "events"
	case len(parts) == 2 && parts[0] == "nodes" && parts[1] == "unsynced" && r.Method == http.MethodGet:
		route = "unsynced"
	case len(parts) == 2 && parts[0] == "nodes" && r.Method == http.MethodGet:
		route = "get_node"
	case len(parts) == 2 && parts[0] == "nodes" && (r.Method == http.MethodPatch || r.Method == http.MethodPut):
		route = "update_node"
	case len(parts) == 3 && parts[0] == "nodes" && parts[2] == "sync" && r.Method == http.MethodPost:
		route = "mark_synced"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, s.cfg.Audience, s.now())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	graphID := strings.TrimSpace(r.URL.Query().Get("graphId"))
	if graphID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing graphId query", correlationID)
		return
	}
	if s.rateLimiter != nil {
		if ok, wait := s.rateLimiter.allow(graphID+"|"+claims.Subject, s.now()); !ok {
			retryAfter := int(math.Ceil(wait.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	rc := requestContext{graphID: graphID, subject: claims.Subject, correlationID: correlationID}
	switch route {
	case "scan":
		s.handleScan(w, r, rc)
	case "repair":
		s.handleRepair(w, r, rc)
	case "events":
		s.handleEvents(w, r, rc)
	case "unsynced":
		s.handleListUnsynced(w, r, rc)
	case "get_node":
		s.handleGetNode(w, r, rc, parts[1])
	case "update_node":
		s.handleUpdateNode(w, r, rc, parts[1])
	case "mark_synced":
		s.handleMarkSynced(w, r, rc, parts[1])
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

// authorize applies the access gate for routes that the engine does not
// authorize itself.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, rc requestContext, perm relaygraph.Permission, minRole relaygraph.Role) bool {
	if _, err := relaygraph.Require(r.Context(), s.deps.Gate, rc.subject, rc.graphID, perm, minRole); err != nil {
		s.writeServiceError(w, err, rc.correlationID)
		return false
	}
	return true
}

func getCorrelationID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(correlationHeader))
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

var statusByCode = map[string]int{
	"bad_request":           http.StatusBadRequest,
	"not_found":             http.StatusNotFound,
	"forbidden":             http.StatusForbidden,
	"conflict":              http.StatusConflict,
	"confirmation_required": http.StatusPreconditionRequired,
	"unavailable":           http.StatusServiceUnavailable,
	"internal_error":        http.StatusInternalServerError,
}

// writeServiceError maps engine errors onto the stable code taxonomy. Store
// failures are logged and answered with a generic message.
func (s *Server) writeServiceError(w http.ResponseWriter, err error, correlationID string) {
	var conflict *relaygraph.ConflictError
	if errors.As(err, &conflict) {
		payload := map[string]any{
			"code":           "conflict",
			"message":        "node changed since baseline; re-fetch and retry with a conflict strategy",
			"correlationId":  correlationID,
			"currentHash":    conflict.CurrentHash,
			"incomingHash":   conflict.IncomingHash,
			"baselineHash":   conflict.BaselineHash,
			"lastModifiedBy": conflict.LastModifiedBy,
			"lastModifiedAt": conflict.LastModifiedAt,
		}
		writeJSON(w, http.StatusConflict, payload)
		return
	}
	code := relaygraph.Code(err)
	message := err.Error()
	switch code {
	case "unavailable":
		s.logger.Warn("graph store unavailable", zap.String("correlation_id", correlationID), zap.Error(err))
		message = "graph store unavailable; retry later"
	case "internal_error":
		s.logger.Error("request failed", zap.String("correlation_id", correlationID), zap.Error(err))
		message = "internal error"
	}
	writeError(w, statusByCode[code], code, message, correlationID)
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}

func parseOptionalBool(raw string, fallback bool) (bool, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseBool(trimmed)
	if err != nil {
		return false, err
	}
	return parsed, nil
}
