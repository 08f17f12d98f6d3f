package web

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/promethea-labs/promethea/internal/agent"
	"github.com/promethea-labs/promethea/internal/auth"
	"github.com/promethea-labs/promethea/internal/observability"
	"github.com/promethea-labs/promethea/internal/scheduler"
	"github.com/promethea-labs/promethea/pkg/models"
)

type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
	Stream    *bool  `json:"stream"`
}

// handleChat starts or continues a turn. With streaming on, the response is
// a line-delimited SSE stream of frames; otherwise a single JSON object with
// the normalized reply.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
		writeError(w, models.E(models.KindInvalidArguments, "message is required"))
		return
	}

	// Resolve or create the session, always ownership-checked.
	sessionID := req.SessionID
	if sessionID == "" {
		sess, err := s.rt.Store.CreateSession(r.Context(), user.ID, "")
		if err != nil {
			writeError(w, err)
			return
		}
		sessionID = sess.ID
	} else if _, err := s.rt.Store.GetSession(r.Context(), user.ID, sessionID); err != nil {
		writeError(w, err)
		return
	}

	snapshot := s.rt.Config.ForUser(user.ID)
	streaming := snapshot.Chat.Streaming
	if req.Stream != nil {
		streaming = *req.Stream
	}

	ctx := observability.WithSessionID(r.Context(), sessionID)

	// Frames flow through a buffered channel; the turn runs detached from
	// this request, so a disconnect never tears the turn down.
	frames := make(chan models.Frame, 128)
	emit := func(frame models.Frame) {
		select {
		case frames <- frame:
		default:
		}
	}
	connID := s.rt.Connections.Bind(user.ID, sessionID, "web", func(frame models.Frame) error {
		emit(frame)
		return nil
	})
	defer s.rt.Connections.Remove(connID)

	s.rt.Bus.Emit(models.EventChannelMessage, map[string]any{
		"channel":    string(models.ChannelWeb),
		"user_id":    user.ID,
		"session_id": sessionID,
		"content":    req.Message,
	})

	item := &scheduler.WorkItem{
		UserID:      user.ID,
		SessionID:   sessionID,
		UserMessage: req.Message,
		Emit:        emit,
	}
	if err := s.rt.Scheduler.Enqueue(ctx, item); err != nil {
		writeError(w, err)
		return
	}

	if streaming {
		s.streamFrames(w, r, frames)
		return
	}
	s.collectResponse(w, r, sessionID, frames)
}

// streamFrames relays frames until the turn reaches a terminal frame, the
// stream suspends for a confirmation, or the client goes away.
func (s *Server) streamFrames(w http.ResponseWriter, r *http.Request, frames <-chan models.Frame) {
	sse, ok := newSSEWriter(w)
	if !ok {
		writeError(w, models.E(models.KindInternal, "streaming unsupported by connection"))
		return
	}

	for {
		select {
		case <-r.Context().Done():
			// Client went away; the turn finishes server-side.
			return
		case frame := <-frames:
			if err := sse.write(frame); err != nil {
				return
			}
			if terminalFrame(frame) {
				return
			}
		}
	}
}

// collectResponse accumulates the turn and answers with one JSON object.
func (s *Server) collectResponse(w http.ResponseWriter, r *http.Request, sessionID string, frames <-chan models.Frame) {
	timeout := time.NewTimer(5 * time.Minute)
	defer timeout.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-timeout.C:
			writeError(w, models.E(models.KindUpstreamUnavailable, "the reply took too long"))
			return
		case frame := <-frames:
			switch frame.Type {
			case models.FrameDone:
				writeJSON(w, http.StatusOK, map[string]string{
					"content":    frame.Content,
					"session_id": sessionID,
				})
				return
			case models.FrameError:
				writeJSON(w, http.StatusOK, map[string]string{
					"error":      frame.Content,
					"session_id": sessionID,
				})
				return
			case models.FrameToolStart:
				if frame.Status == string(models.ToolAwaitingConfirm) {
					writeJSON(w, http.StatusOK, map[string]any{
						"status":       "needs_confirmation",
						"session_id":   sessionID,
						"tool_call_id": frame.CallID,
						"tool_name":    frame.ToolName,
						"args":         frame.Args,
					})
					return
				}
			}
		}
	}
}

// terminalFrame reports whether the stream ends after this frame: the done
// or error frame, or a tool call suspended on user confirmation.
func terminalFrame(frame models.Frame) bool {
	switch frame.Type {
	case models.FrameDone, models.FrameError:
		return true
	case models.FrameToolStart:
		return frame.Status == string(models.ToolAwaitingConfirm)
	}
	return false
}

type confirmRequest struct {
	SessionID  string `json:"session_id"`
	ToolCallID string `json:"tool_call_id"`
	Action     string `json:"action"`
}

// handleChatConfirm resolves a pending tool confirmation and resumes the
// suspended turn. The response carries the turn's final content when it
// completes within the wait window.
func (s *Server) handleChatConfirm(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, models.E(models.KindInvalidArguments, "invalid JSON body"))
		return
	}
	var action agent.ConfirmAction
	switch req.Action {
	case "approve":
		action = agent.ActionApprove
	case "reject":
		action = agent.ActionReject
	default:
		writeError(w, models.E(models.KindInvalidArguments, `action must be "approve" or "reject"`))
		return
	}

	state, err := s.rt.Engine.Confirms().Take(user.ID, req.SessionID, req.ToolCallID)
	if err != nil {
		writeError(w, err)
		return
	}

	info := models.PendingConfirmation{
		CallID:    req.ToolCallID,
		SessionID: req.SessionID,
		UserID:    user.ID,
	}
	item := s.rt.ResumeItem(info, state, action)

	// Tee frames so this request can report the outcome while live
	// connections keep receiving the stream.
	terminal := make(chan models.Frame, 1)
	broadcast := item.Emit
	item.Emit = func(frame models.Frame) {
		broadcast(frame)
		if terminalFrame(frame) {
			select {
			case terminal <- frame:
			default:
			}
		}
	}

	if err := s.rt.Scheduler.EnqueueResume(r.Context(), item); err != nil {
		writeError(w, err)
		return
	}

	wait := time.NewTimer(2 * time.Minute)
	defer wait.Stop()
	select {
	case frame := <-terminal:
		switch frame.Type {
		case models.FrameDone:
			writeJSON(w, http.StatusOK, map[string]string{
				"status":     "success",
				"content":    frame.Content,
				"session_id": req.SessionID,
			})
		case models.FrameError:
			writeJSON(w, http.StatusOK, map[string]string{
				"status":     "error",
				"error":      frame.Content,
				"session_id": req.SessionID,
			})
		case models.FrameToolStart:
			// Chained confirmation: the next gated call is now pending.
			writeJSON(w, http.StatusOK, map[string]any{
				"status":       "needs_confirmation",
				"session_id":   req.SessionID,
				"tool_call_id": frame.CallID,
				"tool_name":    frame.ToolName,
				"args":         frame.Args,
			})
		}
	case <-wait.C:
		writeJSON(w, http.StatusAccepted, map[string]string{
			"status":     "accepted",
			"session_id": req.SessionID,
		})
	case <-r.Context().Done():
	}
}
