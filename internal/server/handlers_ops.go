package server

import (
	"net/http"
	"sort"

	"github.com/xela07ax/capgate/internal/domain"
)

func (s *Server) handleScorecard(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.scorecard.Latest(r.Context()))
}

// Префиксы привилегированных действий для /ops/audit.
var privilegedPrefixes = []string{
	"kill_switch", "exemption_created", "exemption_revoked",
	"quota_reset", "degraded_toggled", "drill_completed",
}

// handleOpsAudit — последние привилегированные действия одним списком.
func (s *Server) handleOpsAudit(w http.ResponseWriter, r *http.Request) {
	merged := make([]domain.AuditEvent, 0)
	for _, prefix := range privilegedPrefixes {
		rows, err := s.ledger.Fetch(r.Context(), domain.AuditFilter{ActionPrefix: prefix, Limit: 50})
		if err != nil {
			s.fail(w, domain.WrapError(domain.CodeExecutionFailed, "audit fetch failed", err))
			return
		}
		merged = append(merged, rows...)
	}

	sort.Slice(merged, func(i, j int) bool { return merged[i].At.After(merged[j].At) })
	if len(merged) > 100 {
		merged = merged[:100]
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"events": merged})
}

func (s *Server) handleDrillHistory(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{"drills": s.drills.History()})
}

func (s *Server) handleRunDrill(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	respondJSON(w, http.StatusCreated, s.drills.Run(r.Context(), id.UserID))
}

type degradedRequest struct {
	Enabled   bool   `json:"enabled"`
	Rationale string `json:"rationale"`
}

func (s *Server) handleDegraded(w http.ResponseWriter, r *http.Request) {
	var req degradedRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, err)
		return
	}

	id := identity(r)
	if err := s.store.SetDegraded(r.Context(), req.Enabled, id.UserID, req.Rationale); err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"degraded": s.store.Degraded()})
}
