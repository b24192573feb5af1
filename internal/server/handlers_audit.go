package server

import (
	"net/http"
	"strconv"

	"github.com/xela07ax/capgate/internal/domain"
	"github.com/xela07ax/capgate/internal/ledger"
)

func auditFilterFrom(r *http.Request) domain.AuditFilter {
	q := r.URL.Query()
	filter := domain.AuditFilter{
		ActionPrefix:  q.Get("actionPrefix"),
		ActorID:       q.Get("actorId"),
		ApprovalState: q.Get("approvalState"),
	}
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			filter.Limit = n
		}
	}
	return filter
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	rows, err := s.ledger.Fetch(r.Context(), auditFilterFrom(r))
	if err != nil {
		s.fail(w, domain.WrapError(domain.CodeExecutionFailed, "audit fetch failed", err))
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"events": rows})
}

// handleAuditExport — подписанный снимок журнала для внешней проверки.
func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	bundle, err := s.exporter.Export(r.Context(), auditFilterFrom(r))
	if err != nil {
		s.fail(w, domain.WrapError(domain.CodeExecutionFailed, "audit export failed", err))
		return
	}
	respondJSON(w, http.StatusOK, bundle)
}

// handleAuditVerify проверяет ранее выгруженный снимок тем же ключом.
func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	var bundle ledger.Bundle
	if err := decodeBody(r, &bundle); err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ledger.Verify(&bundle, []byte(s.cfg.Audit.SigningKey)))
}
