package server

import (
	"net/http"

	"github.com/xela07ax/capgate/internal/domain"
)

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req domain.LoginRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, err)
		return
	}

	resp, err := s.authSvc.GenerateToken(r.Context(), req.Username, req.Password)
	if err != nil {
		// Не уточняем, что именно неверно (логин или пароль) для защиты от перебора
		s.fail(w, domain.NewError(domain.CodeUnauthorized, "invalid credentials"))
		return
	}
	respondJSON(w, http.StatusOK, resp)
}
