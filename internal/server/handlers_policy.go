package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

type killSwitchRequest struct {
	Enabled   bool   `json:"enabled"`
	Rationale string `json:"rationale"`
}

func (s *Server) handleKillSwitch(w http.ResponseWriter, r *http.Request) {
	var req killSwitchRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, err)
		return
	}

	id := identity(r)
	if err := s.store.SetKillSwitch(r.Context(), req.Enabled, id.UserID, req.Rationale); err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.store.KillSwitch())
}

type createExemptionRequest struct {
	CapabilityID  string     `json:"capability_id"`
	OwnerUID      string     `json:"owner_uid"`
	Justification string     `json:"justification"`
	ExpiresAt     *time.Time `json:"expires_at"`
}

func (s *Server) handleCreateExemption(w http.ResponseWriter, r *http.Request) {
	var req createExemptionRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, err)
		return
	}

	id := identity(r)
	e, err := s.exemptions.Create(r.Context(), req.CapabilityID, req.OwnerUID, req.Justification, id.UserID, req.ExpiresAt)
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, e)
}

func (s *Server) handleListExemptions(w http.ResponseWriter, r *http.Request) {
	items, err := s.exemptions.List(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"exemptions": items})
}

func (s *Server) handleRevokeExemption(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, err)
		return
	}

	id := identity(r)
	if err := s.exemptions.Revoke(r.Context(), chi.URLParam(r, "id"), id.UserID, req.Reason); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePolicyLint — статический линт каталога против живых целей.
func (s *Server) handlePolicyLint(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.registry.Lint(s.resolver))
}
