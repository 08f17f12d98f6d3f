package web

import (
	"net/http"

	"github.com/promethea-labs/promethea/internal/auth"
	"github.com/promethea-labs/promethea/pkg/models"
)

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	sessions, err := s.rt.Store.ListSessions(r.Context(), user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	if sessions == nil {
		sessions = []*models.SessionSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	sessionID := r.PathValue("id")

	history, err := s.rt.Store.GetHistory(r.Context(), user.ID, sessionID, 0)
	if err != nil {
		// Cross-tenant access lands here as NotFound; log both sides.
		s.rt.Logger.Warn(r.Context(), "session detail denied",
			"user_id", user.ID, "session_id", sessionID)
		writeError(w, err)
		return
	}

	type messageView struct {
		Role    models.Role `json:"role"`
		Content string      `json:"content"`
	}
	messages := make([]messageView, 0, len(history))
	for _, m := range history {
		messages = append(messages, messageView{Role: m.Role, Content: m.Content})
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	sessionID := r.PathValue("id")

	if err := s.rt.Store.DeleteSession(r.Context(), user.ID, sessionID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
