package web

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/promethea-labs/promethea/pkg/models"
)

type registerRequest struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	AgentName string `json:"agent_name"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, models.E(models.KindInvalidArguments, "invalid JSON body"))
		return
	}

	user, token, err := s.rt.Auth.Register(r.Context(), req.Username, req.Password, req.AgentName)
	if err != nil {
		writeError(w, err)
		return
	}
	s.rt.Logger.Info(r.Context(), "user registered", "user_id", user.ID, "username", user.Username)
	writeJSON(w, http.StatusOK, map[string]string{
		"user_id": user.ID,
		"token":   token,
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, models.E(models.KindInvalidArguments, "invalid JSON body"))
		return
	}

	user, token, err := s.rt.Auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"access_token": token,
		"user_id":      user.ID,
		"agent_name":   user.AgentName,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(header), "bearer ") {
		s.rt.Auth.Revoke(strings.TrimSpace(header[7:]))
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
