// Package agent implements the turn engine: prompt assembly, the streamed
// LLM call, mid-stream tool interleave with confirmation gating, output
// normalization, and frame emission.
package agent

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/promethea-labs/promethea/internal/config"
	"github.com/promethea-labs/promethea/internal/observability"
	"github.com/promethea-labs/promethea/internal/scheduler"
	"github.com/promethea-labs/promethea/internal/store"
	"github.com/promethea-labs/promethea/internal/tools"
	"github.com/promethea-labs/promethea/pkg/models"
)

// Recaller is the slice of the memory service the engine needs.
type Recaller interface {
	Recall(ctx context.Context, userID, sessionID, query string) string
}

// Emitter is the slice of the event bus the engine needs.
type Emitter interface {
	Emit(eventType models.EventType, payload any)
}

// ResumeRequest is the payload attached to a resume work item.
type ResumeRequest struct {
	State  *SuspendedTurn
	Action ConfirmAction
}

// Engine executes turns. It implements scheduler.Runner.
type Engine struct {
	provider Provider
	invoker  *tools.Invoker
	store    store.Store
	memory   Recaller
	confirms *ConfirmManager
	cfgFor   func(userID string) *config.Config
	emitter  Emitter
	logger   *observability.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
}

// NewEngine wires the turn engine.
func NewEngine(
	provider Provider,
	invoker *tools.Invoker,
	st store.Store,
	memory Recaller,
	confirms *ConfirmManager,
	cfgFor func(userID string) *config.Config,
	emitter Emitter,
	logger *observability.Logger,
	metrics *observability.Metrics,
	tracer *observability.Tracer,
) *Engine {
	return &Engine{
		provider: provider,
		invoker:  invoker,
		store:    st,
		memory:   memory,
		confirms: confirms,
		cfgFor:   cfgFor,
		emitter:  emitter,
		logger:   logger,
		metrics:  metrics,
		tracer:   tracer,
	}
}

// Confirms exposes the pending-confirmation map to the HTTP surface.
func (e *Engine) Confirms() *ConfirmManager { return e.confirms }

// turnState is the engine's working set for one turn.
type turnState struct {
	snapshot *config.Config
	item     *scheduler.WorkItem
	turn     *store.Turn

	messages    []ChatMessage
	commitQueue []*models.Message
	hops        int
	emitted     bool
}

// RunTurn executes one turn to completion or suspension. Frames reach the
// client through item.Emit; durable messages go through the turn handle and
// are committed by the scheduler.
func (e *Engine) RunTurn(ctx context.Context, item *scheduler.WorkItem, turn *store.Turn) (bool, error) {
	ctx, span := e.tracer.Start(ctx, "turn.run",
		attribute.String("session_id", item.SessionID))
	defer span.End()

	if req, ok := item.Resume.(*ResumeRequest); ok {
		return e.resume(ctx, item, turn, req)
	}

	snapshot := e.cfgFor(item.UserID)
	st := &turnState{
		snapshot: snapshot,
		item:     item,
		turn:     turn,
	}

	e.emitter.Emit(models.EventConversationStart, map[string]any{
		"user_id":    item.UserID,
		"session_id": item.SessionID,
	})

	if err := e.assemblePrompt(ctx, st); err != nil {
		return false, err
	}

	userMsg := &models.Message{Role: models.RoleUser, Content: item.UserMessage}
	st.commitQueue = append(st.commitQueue, userMsg)

	return e.streamLoop(ctx, st)
}

// assemblePrompt builds: persona system prompt, optional recall block, the
// bounded history tail, and the current user message. The recall block is
// regenerated every turn, never cached across turns.
func (e *Engine) assemblePrompt(ctx context.Context, st *turnState) error {
	persona := strings.TrimSpace(st.snapshot.Agent.SystemPrompt)
	if persona == "" {
		name := st.snapshot.Agent.Name
		if name == "" {
			name = "Promethea"
		}
		persona = "You are " + name + ", a helpful personal assistant."
	}
	st.messages = append(st.messages, ChatMessage{Role: models.RoleSystem, Content: persona})

	if e.memory != nil {
		if block := e.memory.Recall(ctx, st.item.UserID, st.item.SessionID, st.item.UserMessage); block != "" {
			st.messages = append(st.messages, ChatMessage{Role: models.RoleSystem, Content: block})
		}
	}

	rounds := st.snapshot.Chat.HistoryRounds
	if rounds > 0 {
		history, err := e.store.GetHistory(ctx, st.item.UserID, st.item.SessionID, rounds*2)
		if err != nil {
			return err
		}
		for _, m := range history {
			switch m.Role {
			case models.RoleUser, models.RoleAssistant:
				st.messages = append(st.messages, ChatMessage{Role: m.Role, Content: m.Content})
			}
		}
	}

	st.messages = append(st.messages, ChatMessage{Role: models.RoleUser, Content: st.item.UserMessage})
	return nil
}

// streamLoop drives (LLM -> tools)* until a reply with no tool calls, the
// hop limit, or a suspension.
func (e *Engine) streamLoop(ctx context.Context, st *turnState) (bool, error) {
	for {
		if st.hops >= st.snapshot.Chat.ToolHopsMax {
			return false, models.E(models.KindToolLoopLimit,
				"the conversation needed more tool calls than allowed in a single turn")
		}

		text, calls, err := e.streamOnce(ctx, st)
		if err != nil {
			return false, err
		}

		if len(calls) == 0 {
			return false, e.finalize(st, text)
		}

		assistant := ChatMessage{Role: models.RoleAssistant, Content: text}
		for _, c := range calls {
			assistant.ToolCalls = append(assistant.ToolCalls, *c)
		}
		st.messages = append(st.messages, assistant)
		// Intermediate assistant output is part of the committed turn too.
		st.commitQueue = append(st.commitQueue, &models.Message{
			Role:      models.RoleAssistant,
			Content:   text,
			ToolCalls: assistant.ToolCalls,
		})

		suspended, err := e.processToolCalls(ctx, st, text, calls)
		if suspended || err != nil {
			return suspended, err
		}
		st.hops++
	}
}

// streamOnce performs a single provider call and collects its output.
func (e *Engine) streamOnce(ctx context.Context, st *turnState) (string, []*models.ToolCall, error) {
	ctx, span := e.tracer.Start(ctx, "llm.stream",
		attribute.String("model", st.snapshot.API.Model))
	defer span.End()

	req := Request{
		Model:       st.snapshot.API.Model,
		Temperature: st.snapshot.API.Temperature,
		MaxTokens:   st.snapshot.API.MaxTokens,
		Messages:    st.messages,
		Tools:       e.allowedTools(st.snapshot),
	}

	start := time.Now()
	deltas, errCh, err := e.provider.Stream(ctx, st.snapshot.API, req)
	if err != nil {
		e.metrics.LLMRequestDuration.WithLabelValues(req.Model, "error").Observe(time.Since(start).Seconds())
		observability.RecordError(span, err)
		return "", nil, err
	}

	var text strings.Builder
	var calls []*models.ToolCall
	for delta := range deltas {
		if delta.Text != "" {
			text.WriteString(delta.Text)
			st.emitted = true
			e.emitFrame(st, models.TextFrame(delta.Text))
			e.emitter.Emit(models.EventStreamText, map[string]any{
				"session_id": st.item.SessionID,
				"content":    delta.Text,
			})
		}
		if delta.ToolCall != nil {
			calls = append(calls, delta.ToolCall)
		}
	}
	if streamErr := <-errCh; streamErr != nil {
		e.metrics.LLMRequestDuration.WithLabelValues(req.Model, "error").Observe(time.Since(start).Seconds())
		observability.RecordError(span, streamErr)
		if st.emitted {
			// Frames already reached the client; a silent retry would
			// duplicate them.
			return "", nil, models.Wrap(models.KindInternal, "the reply was interrupted", streamErr)
		}
		return "", nil, streamErr
	}

	e.metrics.LLMRequestDuration.WithLabelValues(req.Model, "success").Observe(time.Since(start).Seconds())
	return text.String(), calls, nil
}

// processToolCalls handles one batch of completed tool calls. Returning
// suspended=true means a confirmation-gated call parked the turn.
func (e *Engine) processToolCalls(ctx context.Context, st *turnState, buffer string, calls []*models.ToolCall) (bool, error) {
	for i, call := range calls {
		e.emitFrame(st, models.Frame{Type: models.FrameToolDetected, Content: call.Name})
		e.emitter.Emit(models.EventStreamToolDetected, map[string]any{
			"session_id": st.item.SessionID,
			"tool_name":  call.Name,
		})

		if e.invoker.RequiresConfirmation(st.snapshot, call.Name) {
			e.suspend(st, buffer, call, calls[i+1:])
			return true, nil
		}

		e.runToolCall(ctx, st, call)
	}
	return false, nil
}

// suspend parks the turn in the confirmation map and emits the
// awaiting_confirm frame that tells the client to stop reading.
func (e *Engine) suspend(st *turnState, buffer string, call *models.ToolCall, remaining []*models.ToolCall) {
	call.Status = models.ToolAwaitingConfirm
	e.emitFrame(st, models.Frame{
		Type:     models.FrameToolStart,
		CallID:   call.ID,
		ToolName: call.Name,
		Args:     call.Arguments,
		Status:   string(models.ToolAwaitingConfirm),
	})
	e.emitter.Emit(models.EventStreamToolStart, map[string]any{
		"session_id": st.item.SessionID,
		"tool_name":  call.Name,
		"status":     string(models.ToolAwaitingConfirm),
	})

	info := models.PendingConfirmation{
		CallID:    call.ID,
		SessionID: st.item.SessionID,
		UserID:    st.item.UserID,
		ToolName:  call.Name,
		Arguments: call.Arguments,
		CreatedAt: time.Now(),
	}
	state := &SuspendedTurn{
		Snapshot:     st.snapshot,
		Turn:         st.turn,
		Messages:     st.messages,
		Buffer:       buffer,
		ToolMessages: st.commitQueue,
		Pending:      *call,
		Remaining:    remaining,
		Hops:         st.hops,
	}
	e.confirms.Put(info, state, st.snapshot.Tools.ConfirmTTL())
}

// resume continues a suspended turn after the user's decision (or its TTL
// expiry, which arrives here as a reject).
func (e *Engine) resume(ctx context.Context, item *scheduler.WorkItem, turn *store.Turn, req *ResumeRequest) (bool, error) {
	state := req.State
	st := &turnState{
		snapshot:    state.Snapshot,
		item:        item,
		turn:        turn,
		messages:    state.Messages,
		commitQueue: state.ToolMessages,
		hops:        state.Hops,
		emitted:     true,
	}

	call := state.Pending
	if req.Action == ActionApprove {
		call.Status = models.ToolRunning
		e.emitFrame(st, models.Frame{
			Type:     models.FrameToolStart,
			CallID:   call.ID,
			ToolName: call.Name,
			Args:     call.Arguments,
			Status:   string(models.ToolRunning),
		})
		e.runToolCall(ctx, st, &call)
	} else {
		e.rejectToolCall(st, &call)
		if st.snapshot.Tools.RejectEndsTurn {
			return false, e.finalize(st, "Okay, I won't run that. Let me know if you'd like anything else.")
		}
	}

	// The rest of the batch proceeds normally; a gated call suspends again.
	if suspended, err := e.processToolCalls(ctx, st, state.Buffer, state.Remaining); suspended || err != nil {
		return suspended, err
	}

	st.hops++
	return e.streamLoop(ctx, st)
}

// runToolCall invokes one tool and threads its result into both the prompt
// and the commit queue.
func (e *Engine) runToolCall(ctx context.Context, st *turnState, call *models.ToolCall) {
	ctx, span := e.tracer.Start(ctx, "tool.invoke", attribute.String("tool", call.Name))
	defer span.End()

	if call.Status != models.ToolRunning {
		call.Status = models.ToolRunning
		e.emitFrame(st, models.Frame{
			Type:     models.FrameToolStart,
			CallID:   call.ID,
			ToolName: call.Name,
			Args:     call.Arguments,
			Status:   string(models.ToolRunning),
		})
		e.emitter.Emit(models.EventStreamToolStart, map[string]any{
			"session_id": st.item.SessionID,
			"tool_name":  call.Name,
			"status":     string(models.ToolRunning),
		})
	}

	result, err := e.invoker.Invoke(ctx, st.snapshot, *call)
	if err != nil {
		observability.RecordError(span, err)
		call.Status = models.ToolErrored
		call.Error = result.Content
		e.emitFrame(st, models.Frame{
			Type:    models.FrameToolError,
			CallID:  call.ID,
			Content: result.Content,
		})
		e.emitter.Emit(models.EventStreamToolError, map[string]any{
			"session_id": st.item.SessionID,
			"tool_name":  call.Name,
			"error":      result.Content,
		})
	} else {
		call.Status = models.ToolDone
		call.Result = result.Content
		e.emitFrame(st, models.Frame{
			Type:     models.FrameToolResult,
			CallID:   call.ID,
			ToolName: call.Name,
			Result:   result.Content,
		})
		e.emitter.Emit(models.EventStreamToolResult, map[string]any{
			"session_id": st.item.SessionID,
			"tool_name":  call.Name,
		})
	}

	e.appendToolOutcome(st, call, result.Content)
}

// rejectToolCall records a user rejection as the tool's result so the model
// can react to it.
func (e *Engine) rejectToolCall(st *turnState, call *models.ToolCall) {
	const rejected = "rejected by user"
	call.Status = models.ToolRejected
	call.Result = rejected
	e.emitFrame(st, models.Frame{
		Type:     models.FrameToolResult,
		CallID:   call.ID,
		ToolName: call.Name,
		Result:   rejected,
	})
	e.emitter.Emit(models.EventStreamToolResult, map[string]any{
		"session_id": st.item.SessionID,
		"tool_name":  call.Name,
		"status":     string(models.ToolRejected),
	})
	e.appendToolOutcome(st, call, rejected)
}

func (e *Engine) appendToolOutcome(st *turnState, call *models.ToolCall, content string) {
	st.messages = append(st.messages, ChatMessage{
		Role:       models.RoleTool,
		Content:    content,
		ToolCallID: call.ID,
	})
	st.commitQueue = append(st.commitQueue, &models.Message{
		Role:      models.RoleTool,
		Content:   content,
		ToolCalls: []models.ToolCall{*call},
	})
}

// finalize normalizes the reply and buffers the turn's durable messages.
// The committed text is the normalized form, not the raw stream; the done
// frame is sent by the scheduler once the commit lands.
func (e *Engine) finalize(st *turnState, text string) error {
	final := NormalizeReply(text)
	if final == "" {
		final = "(no reply)"
	}

	for _, msg := range st.commitQueue {
		st.turn.Append(msg)
	}
	st.turn.Append(&models.Message{Role: models.RoleAssistant, Content: final})
	return nil
}

func (e *Engine) emitFrame(st *turnState, frame models.Frame) {
	if st.item.Emit != nil {
		st.item.Emit(frame)
	}
}

func (e *Engine) allowedTools(snapshot *config.Config) []tools.Tool {
	var out []tools.Tool
	for _, t := range e.invoker.Registry().List() {
		if tools.MatchAny(snapshot.Tools.Allow, t.Name()) {
			out = append(out, t)
		}
	}
	return out
}
