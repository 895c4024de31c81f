package httpapi

import (
	"net/http"

	"github.com/agentworkforce/relaygraph/internal/relaygraph"
)

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request, rc requestContext) {
	if !s.authorize(w, r, rc, relaygraph.PermissionRead, relaygraph.RoleViewer) {
		return
	}
	report, err := s.deps.Scanner.Scan(r.Context(), rc.graphID)
	if err != nil {
		s.writeServiceError(w, err, rc.correlationID)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleRepair runs one catalog action. dryRun defaults to true; the repair
// engine checks the owner role and the confirmation token.
func (s *Server) handleRepair(w http.ResponseWriter, r *http.Request, rc requestContext) {
	query := r.URL.Query()
	dryRun, err := parseOptionalBool(query.Get("dryRun"), true)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "dryRun must be true or false", rc.correlationID)
		return
	}
	result, err := s.deps.Repairs.Execute(r.Context(), relaygraph.RepairRequest{
		GraphID: rc.graphID,
		Action:  query.Get("action"),
		Subject: rc.subject,
		DryRun:  dryRun,
		Confirm: query.Get("confirm"),
	})
	if err != nil {
		s.writeServiceError(w, err, rc.correlationID)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
