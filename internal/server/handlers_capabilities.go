package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/capgate/internal/domain"
)

// handleCapabilities отдает единый read-model документ: каталог с наложенным
// состоянием политики, коннекторы, exemption, открытые предложения.
// Клиенту не нужно мержить N вызовов.
func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshots.Current()
	if snap == nil {
		// Первая сборка еще не прошла — собираем на месте
		if err := s.snapshots.Rebuild(r.Context()); err != nil {
			s.fail(w, domain.WrapError(domain.CodeExecutionFailed, "read model unavailable", err))
			return
		}
		snap = s.snapshots.Current()
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleQuotas(w http.ResponseWriter, r *http.Request) {
	buckets, err := s.quotas.Snapshot(r.Context())
	if err != nil {
		s.fail(w, domain.WrapError(domain.CodeExecutionFailed, "quota snapshot failed", err))
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"buckets": buckets})
}

func (s *Server) handleQuotaReset(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, err)
		return
	}

	id := identity(r)
	if err := s.quotas.Reset(r.Context(), chi.URLParam(r, "bucket"), id.UserID, req.Reason); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
