package web

import (
	"encoding/json"
	"net/http"

	"github.com/promethea-labs/promethea/internal/auth"
	"github.com/promethea-labs/promethea/internal/config"
	"github.com/promethea-labs/promethea/pkg/models"
)

// configView is the snapshot minus secret-typed fields.
type configView struct {
	API struct {
		BaseURL     string  `json:"base_url"`
		Model       string  `json:"model"`
		Temperature float64 `json:"temperature"`
		MaxTokens   int     `json:"max_tokens"`
		HasAPIKey   bool    `json:"has_api_key"`
	} `json:"api"`
	Agent  config.AgentConfig `json:"agent"`
	Chat   config.ChatConfig  `json:"chat"`
	Tools  config.ToolsConfig `json:"tools"`
	Memory struct {
		Enabled       bool `json:"enabled"`
		RecallEnabled bool `json:"recall_enabled"`
		Neo4jEnabled  bool `json:"neo4j_enabled"`
	} `json:"memory"`
}

func viewOf(snapshot *config.Config) configView {
	var v configView
	v.API.BaseURL = snapshot.API.BaseURL
	v.API.Model = snapshot.API.Model
	v.API.Temperature = snapshot.API.Temperature
	v.API.MaxTokens = snapshot.API.MaxTokens
	v.API.HasAPIKey = snapshot.API.APIKey != ""
	v.Agent = snapshot.Agent
	v.Chat = snapshot.Chat
	v.Tools = snapshot.Tools
	v.Memory.Enabled = snapshot.Memory.Enabled
	v.Memory.RecallEnabled = snapshot.Memory.RecallEnabled
	v.Memory.Neo4jEnabled = snapshot.Memory.Neo4j.Enabled
	return v
}

func (s *Server) handleConfigGet(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"config": viewOf(s.rt.Config.ForUser(user.ID)),
	})
}

func (s *Server) handleConfigUpdate(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	var patch map[string]any
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, models.E(models.KindInvalidArguments, "invalid JSON body"))
		return
	}

	snapshot, err := s.rt.Config.UpdateUserConfig(user.ID, patch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"config": viewOf(snapshot)})
}

func (s *Server) handleConfigReset(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	if err := s.rt.Config.ResetUser(user.ID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
