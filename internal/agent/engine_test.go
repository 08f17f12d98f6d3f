package agent

import (
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promethea-labs/promethea/internal/config"
	"github.com/promethea-labs/promethea/internal/observability"
	"github.com/promethea-labs/promethea/internal/scheduler"
	"github.com/promethea-labs/promethea/internal/store"
	"github.com/promethea-labs/promethea/internal/tools"
	"github.com/promethea-labs/promethea/pkg/models"
)

// scriptedProvider replays canned responses, one per Stream call.
type scriptedProvider struct {
	mu      sync.Mutex
	script  []scriptedResponse
	callNum int
}

type scriptedResponse struct {
	text  string
	calls []models.ToolCall
	err   error
}

func (p *scriptedProvider) Stream(ctx context.Context, api config.APIConfig, req Request) (<-chan Delta, <-chan error, error) {
	p.mu.Lock()
	idx := p.callNum
	p.callNum++
	p.mu.Unlock()

	if idx >= len(p.script) {
		idx = len(p.script) - 1
	}
	resp := p.script[idx]
	if resp.err != nil {
		return nil, nil, resp.err
	}

	deltas := make(chan Delta, 16)
	errCh := make(chan error, 1)
	go func() {
		defer close(deltas)
		defer close(errCh)
		// Split the text into two fragments to exercise buffering.
		if resp.text != "" {
			half := len(resp.text) / 2
			if half > 0 {
				deltas <- Delta{Text: resp.text[:half]}
			}
			deltas <- Delta{Text: resp.text[half:]}
		}
		for i := range resp.calls {
			call := resp.calls[i]
			deltas <- Delta{ToolCall: &call}
		}
	}()
	return deltas, errCh, nil
}

func (p *scriptedProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.callNum
}

type nullEmitter struct{}

func (nullEmitter) Emit(models.EventType, any) {}

// sideEffectTool records whether it ever executed.
type sideEffectTool struct {
	name string
	ran  chan struct{}
	once sync.Once
}

func (t *sideEffectTool) Name() string            { return t.name }
func (t *sideEffectTool) Description() string     { return "test tool" }
func (t *sideEffectTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (t *sideEffectTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	t.once.Do(func() { close(t.ran) })
	return "tool output", nil
}

func (t *sideEffectTool) executed() bool {
	select {
	case <-t.ran:
		return true
	default:
		return false
	}
}

type engineHarness struct {
	engine *Engine
	store  *store.SQLiteStore
	cfg    *config.Config
	tool   *sideEffectTool
	shell  *sideEffectTool
}

func newEngineHarness(t *testing.T, provider Provider) *engineHarness {
	t.Helper()
	cfg := config.Default()
	cfg.Memory.Enabled = false

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := observability.NewLogger(observability.LogConfig{Output: io.Discard})
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	tracer, shutdown := observability.NewTracer(observability.TraceConfig{})
	t.Cleanup(func() { shutdown(context.Background()) })

	registry := tools.NewRegistry()
	tool := &sideEffectTool{name: "echo", ran: make(chan struct{})}
	shell := &sideEffectTool{name: "shell.exec", ran: make(chan struct{})}
	require.NoError(t, registry.Register(tool))
	require.NoError(t, registry.Register(shell))
	invoker := tools.NewInvoker(registry, nullEmitter{}, logger, metrics)

	confirms := NewConfirmManager(logger)
	t.Cleanup(confirms.Close)

	engine := NewEngine(provider, invoker, st, nil, confirms,
		func(string) *config.Config { return &cfg },
		nullEmitter{}, logger, metrics, tracer)
	return &engineHarness{engine: engine, store: st, cfg: &cfg, tool: tool, shell: shell}
}

func (h *engineHarness) newTurn(t *testing.T) (*scheduler.WorkItem, *store.Turn, *frameLog) {
	t.Helper()
	ctx := context.Background()
	u := &models.User{Username: "u-" + time.Now().Format("150405.000000000"), PasswordHash: "x"}
	require.NoError(t, h.store.CreateUser(ctx, u))
	sess, err := h.store.CreateSession(ctx, u.ID, "")
	require.NoError(t, err)
	turn, err := h.store.BeginTurn(ctx, u.ID, sess.ID)
	require.NoError(t, err)

	frames := &frameLog{}
	item := &scheduler.WorkItem{
		UserID:      u.ID,
		SessionID:   sess.ID,
		UserMessage: "hello",
		Emit:        frames.add,
	}
	return item, turn, frames
}

type frameLog struct {
	mu     sync.Mutex
	frames []models.Frame
}

func (l *frameLog) add(f models.Frame) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frames = append(l.frames, f)
}

func (l *frameLog) types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.frames))
	for i, f := range l.frames {
		out[i] = f.Type
	}
	return out
}

func (l *frameLog) last() models.Frame {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.frames) == 0 {
		return models.Frame{}
	}
	return l.frames[len(l.frames)-1]
}

func TestPlainTextTurn(t *testing.T) {
	provider := &scriptedProvider{script: []scriptedResponse{{text: "Hi there!"}}}
	h := newEngineHarness(t, provider)
	item, turn, frames := h.newTurn(t)

	suspended, err := h.engine.RunTurn(context.Background(), item, turn)
	require.NoError(t, err)
	assert.False(t, suspended)

	types := frames.types()
	require.NotEmpty(t, types)
	assert.Equal(t, models.FrameText, types[0])

	msgs := turn.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, models.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hi there!", msgs[1].Content)
}

func TestDuplicateFinalTextIsNormalized(t *testing.T) {
	provider := &scriptedProvider{script: []scriptedResponse{
		{text: "Hello.\n\nWorld.\n\nHello.\n\nWorld."},
	}}
	h := newEngineHarness(t, provider)
	item, turn, _ := h.newTurn(t)

	_, err := h.engine.RunTurn(context.Background(), item, turn)
	require.NoError(t, err)

	msgs := turn.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hello.\n\nWorld.", msgs[1].Content)
}

func TestToolInterleaveRunsAndContinues(t *testing.T) {
	provider := &scriptedProvider{script: []scriptedResponse{
		{calls: []models.ToolCall{{ID: "c1", Name: "echo", Arguments: json.RawMessage(`{}`)}}},
		{text: "Done with the tool."},
	}}
	h := newEngineHarness(t, provider)
	item, turn, frames := h.newTurn(t)

	suspended, err := h.engine.RunTurn(context.Background(), item, turn)
	require.NoError(t, err)
	assert.False(t, suspended)
	assert.True(t, h.tool.executed())
	assert.Equal(t, 2, provider.calls())

	types := frames.types()
	assert.Contains(t, types, models.FrameToolDetected)
	assert.Contains(t, types, models.FrameToolStart)
	assert.Contains(t, types, models.FrameToolResult)

	// Transcript: user, assistant(tool_calls), tool, assistant(final).
	msgs := turn.Messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, models.RoleTool, msgs[2].Role)
	assert.Equal(t, "Done with the tool.", msgs[3].Content)
}

func TestConfirmationSuspendsWithoutSideEffect(t *testing.T) {
	provider := &scriptedProvider{script: []scriptedResponse{
		{calls: []models.ToolCall{{ID: "c1", Name: "shell.exec", Arguments: json.RawMessage(`{"command":"rm -rf /"}`)}}},
		{text: "As you wish."},
	}}
	h := newEngineHarness(t, provider)
	item, turn, frames := h.newTurn(t)

	suspended, err := h.engine.RunTurn(context.Background(), item, turn)
	require.NoError(t, err)
	assert.True(t, suspended)
	assert.False(t, h.shell.executed())

	last := frames.last()
	assert.Equal(t, models.FrameToolStart, last.Type)
	assert.Equal(t, string(models.ToolAwaitingConfirm), last.Status)

	// The pending entry is owner-scoped.
	_, ok := h.engine.Confirms().PendingForSession(item.UserID, item.SessionID)
	assert.True(t, ok)
	_, err = h.engine.Confirms().Take("someone-else", item.SessionID, "c1")
	assert.Equal(t, models.KindNotFound, models.KindOf(err))
}

func TestRejectedConfirmationResumesWithoutSideEffect(t *testing.T) {
	provider := &scriptedProvider{script: []scriptedResponse{
		{calls: []models.ToolCall{{ID: "c1", Name: "shell.exec", Arguments: json.RawMessage(`{"command":"ls"}`)}}},
		{text: "Understood, I did not run the command."},
	}}
	h := newEngineHarness(t, provider)
	item, turn, frames := h.newTurn(t)

	suspended, err := h.engine.RunTurn(context.Background(), item, turn)
	require.NoError(t, err)
	require.True(t, suspended)

	state, err := h.engine.Confirms().Take(item.UserID, item.SessionID, "c1")
	require.NoError(t, err)

	resumeItem := &scheduler.WorkItem{
		UserID:    item.UserID,
		SessionID: item.SessionID,
		Emit:      frames.add,
		Turn:      turn,
		Resume:    &ResumeRequest{State: state, Action: ActionReject},
	}
	suspended, err = h.engine.RunTurn(context.Background(), resumeItem, turn)
	require.NoError(t, err)
	assert.False(t, suspended)
	assert.False(t, h.shell.executed())

	// The rejection reached the model as a tool result and the turn ended
	// with the follow-up reply.
	found := false
	for _, f := range frames.types() {
		if f == models.FrameToolResult {
			found = true
		}
	}
	assert.True(t, found)
	msgs := turn.Messages()
	last := msgs[len(msgs)-1]
	assert.Equal(t, models.RoleAssistant, last.Role)
	assert.Equal(t, "Understood, I did not run the command.", last.Content)

	var rejectedMsg *models.Message
	for _, m := range msgs {
		if m.Role == models.RoleTool {
			rejectedMsg = m
		}
	}
	require.NotNil(t, rejectedMsg)
	assert.Equal(t, "rejected by user", rejectedMsg.Content)
}

func TestApprovedConfirmationExecutesTool(t *testing.T) {
	provider := &scriptedProvider{script: []scriptedResponse{
		{calls: []models.ToolCall{{ID: "c1", Name: "shell.exec", Arguments: json.RawMessage(`{"command":"date"}`)}}},
		{text: "The command ran."},
	}}
	h := newEngineHarness(t, provider)
	item, turn, frames := h.newTurn(t)

	suspended, err := h.engine.RunTurn(context.Background(), item, turn)
	require.NoError(t, err)
	require.True(t, suspended)

	state, err := h.engine.Confirms().Take(item.UserID, item.SessionID, "c1")
	require.NoError(t, err)

	resumeItem := &scheduler.WorkItem{
		UserID:    item.UserID,
		SessionID: item.SessionID,
		Emit:      frames.add,
		Turn:      turn,
		Resume:    &ResumeRequest{State: state, Action: ActionApprove},
	}
	suspended, err = h.engine.RunTurn(context.Background(), resumeItem, turn)
	require.NoError(t, err)
	assert.False(t, suspended)
	assert.True(t, h.shell.executed())
}

func TestToolHopLimitTerminatesTurn(t *testing.T) {
	provider := &scriptedProvider{script: []scriptedResponse{
		{calls: []models.ToolCall{{ID: "loop", Name: "echo", Arguments: json.RawMessage(`{}`)}}},
	}}
	h := newEngineHarness(t, provider)
	h.cfg.Chat.ToolHopsMax = 3
	item, turn, _ := h.newTurn(t)

	_, err := h.engine.RunTurn(context.Background(), item, turn)
	require.Error(t, err)
	assert.Equal(t, models.KindToolLoopLimit, models.KindOf(err))
	// Nothing was buffered into the turn on failure paths beyond drafts;
	// the scheduler aborts the turn so none of it becomes durable.
	assert.Equal(t, models.TurnOpen, turn.State())
}

func TestProviderErrorBeforeFramesIsRetriable(t *testing.T) {
	rateLimited := &rateLimitError{
		inner:      models.E(models.KindRateLimited, "busy"),
		retryAfter: time.Second,
	}
	provider := &scriptedProvider{script: []scriptedResponse{{err: rateLimited}}}
	h := newEngineHarness(t, provider)
	item, turn, frames := h.newTurn(t)

	_, err := h.engine.RunTurn(context.Background(), item, turn)
	require.Error(t, err)
	assert.True(t, models.IsRetriable(err))
	assert.Empty(t, frames.types(), "no frames may be sent before a successful stream start")
}
