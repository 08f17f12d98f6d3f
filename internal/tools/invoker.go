package tools

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/promethea-labs/promethea/internal/config"
	"github.com/promethea-labs/promethea/internal/observability"
	"github.com/promethea-labs/promethea/pkg/models"
)

// Emitter is the slice of the event bus the invoker needs.
type Emitter interface {
	Emit(eventType models.EventType, payload any)
}

// Invoker resolves, gates, and executes tool calls, producing the structured
// envelope the turn engine feeds back to the model.
type Invoker struct {
	registry *Registry
	emitter  Emitter
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// NewInvoker wires the invoker.
func NewInvoker(registry *Registry, emitter Emitter, logger *observability.Logger, metrics *observability.Metrics) *Invoker {
	return &Invoker{registry: registry, emitter: emitter, logger: logger, metrics: metrics}
}

// Registry exposes the underlying registry for tool declarations.
func (inv *Invoker) Registry() *Registry { return inv.registry }

// RequiresConfirmation reports whether policy demands a user decision before
// this tool may run.
func (inv *Invoker) RequiresConfirmation(snapshot *config.Config, toolName string) bool {
	return MatchAny(snapshot.Tools.ConfirmRequired, toolName)
}

// CallEvent is the payload of tool.call.* events.
type CallEvent struct {
	CallID   string          `json:"call_id"`
	ToolName string          `json:"tool_name"`
	Args     json.RawMessage `json:"args,omitempty"`
	Result   string          `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
	Kind     models.Kind     `json:"kind,omitempty"`
}

// Invoke executes one tool call under the current snapshot's policy. The
// returned envelope always carries the call ID; classification of failures
// travels in err. Exactly one of tool.call.result / tool.call.error is
// emitted per invocation.
func (inv *Invoker) Invoke(ctx context.Context, snapshot *config.Config, call models.ToolCall) (models.ToolResult, error) {
	inv.emitter.Emit(models.EventToolCallStart, CallEvent{
		CallID: call.ID, ToolName: call.Name, Args: call.Arguments,
	})

	result, err := inv.invoke(ctx, snapshot, call)
	if err != nil {
		kind := models.KindOf(err)
		inv.metrics.ToolExecutionCounter.WithLabelValues(call.Name, statusLabel(kind)).Inc()
		inv.emitter.Emit(models.EventToolCallError, CallEvent{
			CallID: call.ID, ToolName: call.Name, Error: models.UserMessage(err), Kind: kind,
		})
		inv.logger.Warn(ctx, "tool call failed",
			"tool_name", call.Name, "call_id", call.ID, "kind", string(kind), "error", err)
		return models.ToolResult{ToolCallID: call.ID, Content: models.UserMessage(err), IsError: true}, err
	}

	inv.metrics.ToolExecutionCounter.WithLabelValues(call.Name, "success").Inc()
	inv.emitter.Emit(models.EventToolCallResult, CallEvent{
		CallID: call.ID, ToolName: call.Name, Result: result.Content,
	})
	return result, nil
}

func (inv *Invoker) invoke(ctx context.Context, snapshot *config.Config, call models.ToolCall) (models.ToolResult, error) {
	tool, ok := inv.registry.Get(call.Name)
	if !ok {
		return models.ToolResult{}, models.Ef(models.KindNotFound, "unknown tool %q", call.Name)
	}
	if !MatchAny(snapshot.Tools.Allow, call.Name) {
		return models.ToolResult{}, models.Ef(models.KindToolDenied, "tool %q is not allowed", call.Name)
	}

	args := call.Arguments
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	if schema := inv.registry.schema(call.Name); schema != nil {
		var decoded any
		if err := json.Unmarshal(args, &decoded); err != nil {
			return models.ToolResult{}, models.Wrap(models.KindInvalidArguments, "arguments are not valid JSON", err)
		}
		if err := schema.Validate(decoded); err != nil {
			return models.ToolResult{}, models.Wrap(models.KindInvalidArguments, "arguments do not match the tool schema", err)
		}
	}

	timeout := snapshot.Tools.Timeout()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	content, err := tool.Execute(execCtx, args)
	inv.metrics.ToolExecutionDuration.WithLabelValues(call.Name).Observe(time.Since(start).Seconds())

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return models.ToolResult{}, models.Ef(models.KindToolTimeout, "tool %q timed out", call.Name)
		}
		if errors.Is(err, context.Canceled) {
			return models.ToolResult{}, models.Wrap(models.KindCancelled, "tool cancelled", err)
		}
		var typed *models.Error
		if errors.As(err, &typed) {
			return models.ToolResult{}, err
		}
		return models.ToolResult{}, models.Wrap(models.KindToolRuntime, "tool failed", err)
	}

	return models.ToolResult{ToolCallID: call.ID, Content: content}, nil
}

func statusLabel(kind models.Kind) string {
	switch kind {
	case models.KindToolDenied, models.KindNotFound:
		return "denied"
	case models.KindToolTimeout:
		return "timeout"
	default:
		return "error"
	}
}
