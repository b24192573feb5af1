package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/capgate/internal/domain"
	"github.com/xela07ax/capgate/internal/infra/auth"
	"github.com/xela07ax/capgate/internal/proposal"
	"github.com/xela07ax/capgate/internal/runner"
)

// fail — единая точка отказа хендлеров: считает метрику и отвечает кодом.
func (s *Server) fail(w http.ResponseWriter, err error) {
	if code, ok := domain.CodeOf(err); ok && s.metrics != nil {
		s.metrics.DenyTotal.WithLabelValues(string(code)).Inc()
	}
	respondError(w, s.logger, err)
}

func identity(r *http.Request) *auth.Identity {
	id, ok := auth.IdentityFrom(r.Context())
	if !ok {
		// Недостижимо за bearer-middleware, но не паникуем
		return &auth.Identity{ActorType: domain.ActorHuman}
	}
	return id
}

type createProposalRequest struct {
	CapabilityID string          `json:"capability_id"`
	OwnerUID     string          `json:"owner_uid"`
	Rationale    string          `json:"rationale"`
	Input        json.RawMessage `json:"input"`
}

func (s *Server) handleCreateProposal(w http.ResponseWriter, r *http.Request) {
	var req createProposalRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, err)
		return
	}

	id := identity(r)
	ownerUID := req.OwnerUID
	if ownerUID == "" {
		ownerUID = id.UserID
	}

	p, err := s.proposals.Create(r.Context(), proposal.CreateInput{
		ActorType:    id.ActorType,
		ActorID:      id.UserID,
		OwnerUID:     ownerUID,
		TenantID:     id.TenantID,
		CapabilityID: req.CapabilityID,
		Rationale:    req.Rationale,
		Input:        req.Input,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, p)
}

func (s *Server) handleListProposals(w http.ResponseWriter, r *http.Request) {
	filter := proposal.ListFilter{TenantID: r.URL.Query().Get("tenantId")}
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, st := range strings.Split(raw, ",") {
			filter.Statuses = append(filter.Statuses, domain.ProposalStatus(st))
		}
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			filter.Limit = n
		}
	}

	items, err := s.proposals.List(r.Context(), filter)
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"proposals": items})
}

func (s *Server) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	p, err := s.proposals.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (s *Server) handleDryRun(w http.ResponseWriter, r *http.Request) {
	preview, err := s.proposals.DryRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, preview)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	p, err := s.proposals.Approve(r.Context(), chi.URLParam(r, "id"), id.UserID)
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	id := identity(r)
	p, err := s.proposals.Reject(r.Context(), chi.URLParam(r, "id"), id.UserID, req.Reason)
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (s *Server) handleReopen(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	id := identity(r)
	p, err := s.proposals.Reopen(r.Context(), chi.URLParam(r, "id"), id.UserID, req.Reason)
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

type executeRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, err)
		return
	}

	id := identity(r)
	result, err := s.runner.Execute(r.Context(), runner.ExecuteInput{
		ProposalID:     chi.URLParam(r, "id"),
		IdempotencyKey: req.IdempotencyKey,
		TenantID:       id.TenantID,
		ActorID:        id.UserID,
		ActorType:      id.ActorType,
	})
	if err != nil {
		if s.metrics != nil {
			s.metrics.ExecutionsTotal.WithLabelValues("failed").Inc()
		}
		s.fail(w, err)
		return
	}

	if s.metrics != nil {
		outcome := "executed"
		if result.Replayed {
			outcome = "replayed"
		}
		s.metrics.ExecutionsTotal.WithLabelValues(outcome).Inc()
	}
	respondJSON(w, http.StatusOK, result)
}

type rollbackRequest struct {
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	var req rollbackRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, err)
		return
	}

	id := identity(r)
	p, err := s.runner.Rollback(r.Context(), runner.RollbackInput{
		ProposalID:     chi.URLParam(r, "id"),
		Reason:         req.Reason,
		IdempotencyKey: req.IdempotencyKey,
		TenantID:       id.TenantID,
		ActorID:        id.UserID,
		ActorType:      id.ActorType,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.ExecutionsTotal.WithLabelValues("rolled_back").Inc()
	}
	respondJSON(w, http.StatusOK, p)
}
