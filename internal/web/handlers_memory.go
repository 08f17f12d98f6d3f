package web

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/promethea-labs/promethea/internal/auth"
	"github.com/promethea-labs/promethea/pkg/models"
)

type graphNode struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Layer string `json:"layer"`
}

type graphEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// handleMemoryGraph renders the session-centric recall view: what the
// memory store would surface for this session's recent conversation.
func (s *Server) handleMemoryGraph(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	sessionID := r.PathValue("sid")

	if _, err := s.rt.Store.GetSession(r.Context(), user.ID, sessionID); err != nil {
		writeError(w, err)
		return
	}

	// The recall query is the session's recent user text.
	history, err := s.rt.Store.GetHistory(r.Context(), user.ID, sessionID, 10)
	if err != nil {
		writeError(w, err)
		return
	}
	var queryParts []string
	for _, m := range history {
		if m.Role == models.RoleUser {
			queryParts = append(queryParts, m.Content)
		}
	}

	snippets, err := s.rt.Memory.Snippets(r.Context(), user.ID, strings.Join(queryParts, " "), 50)
	if err != nil {
		writeError(w, err)
		return
	}

	sessionNode := "session_" + sessionID
	nodes := []graphNode{{ID: sessionNode, Label: "current session", Layer: "session"}}
	var edges []graphEdge
	layerCounts := map[string]int{}
	for i, sn := range snippets {
		id := fmt.Sprintf("fact_%d", i)
		nodes = append(nodes, graphNode{ID: id, Label: sn.Content, Layer: sn.Layer})
		edges = append(edges, graphEdge{From: sessionNode, To: id})
		layerCounts[sn.Layer]++
	}
	if edges == nil {
		edges = []graphEdge{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"nodes": nodes,
		"edges": edges,
		"stats": map[string]any{
			"facts":  len(snippets),
			"layers": layerCounts,
		},
	})
}

// handleMemoryMaintenance triggers one maintenance pass for the caller.
func (s *Server) handleMemoryMaintenance(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	op := r.PathValue("op")
	sessionID := r.PathValue("sid")

	if _, err := s.rt.Store.GetSession(r.Context(), user.ID, sessionID); err != nil {
		writeError(w, err)
		return
	}

	touched, err := s.rt.Memory.RunPass(r.Context(), user.ID, op)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "op": op, "touched": touched})
}
