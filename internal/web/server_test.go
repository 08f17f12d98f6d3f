package web

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promethea-labs/promethea/internal/agent"
	"github.com/promethea-labs/promethea/internal/config"
	"github.com/promethea-labs/promethea/internal/gateway"
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

func (p *scriptedProvider) Stream(ctx context.Context, api config.APIConfig, req agent.Request) (<-chan agent.Delta, <-chan error, error) {
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

	deltas := make(chan agent.Delta, 16)
	errCh := make(chan error, 1)
	go func() {
		defer close(deltas)
		defer close(errCh)
		if resp.text != "" {
			deltas <- agent.Delta{Text: resp.text}
		}
		for i := range resp.calls {
			call := resp.calls[i]
			deltas <- agent.Delta{ToolCall: &call}
		}
	}()
	return deltas, errCh, nil
}

func (p *scriptedProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.callNum
}

type webHarness struct {
	ts *httptest.Server
	rt *gateway.Runtime
}

func newWebHarness(t *testing.T, provider agent.Provider) *webHarness {
	t.Helper()
	dir := t.TempDir()

	system := map[string]any{
		"server": map[string]any{
			"data_dir":   filepath.Join(dir, "data"),
			"config_dir": dir,
		},
		"logging":   map[string]any{"level": "error", "user_log_dir": filepath.Join(dir, "logs")},
		"scheduler": map[string]any{"retry_base_ms": 1, "idle_reap_seconds": 1, "acquire_wait_seconds": 1},
		"memory":    map[string]any{"enabled": true, "maintain_minutes": 0},
	}
	data, err := json.Marshal(system)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "default.json"), data, 0o644))

	t.Setenv("AUTH__JWT_SECRET", "test-secret")
	t.Setenv("API__API_KEY", "sk-test-0000000000000000")

	rt, err := gateway.NewWithProvider(dir, provider)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rt.Shutdown(ctx)
	})

	server := NewServer(rt, dir)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return &webHarness{ts: ts, rt: rt}
}

func (h *webHarness) post(t *testing.T, path, token string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, h.ts.URL+path, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func (h *webHarness) get(t *testing.T, path, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, h.ts.URL+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (h *webHarness) register(t *testing.T, username string) (userID, token string) {
	t.Helper()
	resp := h.post(t, "/api/auth/register", "", map[string]string{
		"username": username, "password": "hunter22", "agent_name": "Promethea",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	return body["user_id"].(string), body["token"].(string)
}

// readFrames consumes an SSE response until a terminal frame or EOF.
func readFrames(t *testing.T, resp *http.Response) []models.Frame {
	t.Helper()
	defer resp.Body.Close()
	var frames []models.Frame
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 1<<20), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var frame models.Frame
		require.NoError(t, json.Unmarshal(line, &frame))
		frames = append(frames, frame)
	}
	return frames
}

func TestRegisterLoginRoundTrip(t *testing.T) {
	h := newWebHarness(t, &scriptedProvider{script: []scriptedResponse{{text: "hi"}}})

	userID, _ := h.register(t, "wang")

	resp := h.post(t, "/api/auth/login", "", map[string]string{
		"username": "wang", "password": "hunter22",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, userID, body["user_id"])
	assert.NotEmpty(t, body["access_token"])
	assert.Equal(t, "Promethea", body["agent_name"])
}

func TestChatRequiresAuth(t *testing.T) {
	h := newWebHarness(t, &scriptedProvider{script: []scriptedResponse{{text: "hi"}}})
	resp := h.post(t, "/api/chat", "", map[string]string{"message": "hello"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestChatStreamsFramesAndCommits(t *testing.T) {
	h := newWebHarness(t, &scriptedProvider{script: []scriptedResponse{{text: "Hello from the model."}}})
	_, token := h.register(t, "wang")

	resp := h.post(t, "/api/chat", token, map[string]any{"message": "hello", "stream": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	frames := readFrames(t, resp)
	require.NotEmpty(t, frames)
	assert.Equal(t, models.FrameText, frames[0].Type)
	last := frames[len(frames)-1]
	require.Equal(t, models.FrameDone, last.Type)
	sessionID := last.SessionID
	require.NotEmpty(t, sessionID)

	// The transcript is durable and readable by its owner.
	detail := h.get(t, "/api/sessions/"+sessionID, token)
	require.Equal(t, http.StatusOK, detail.StatusCode)
	body := decodeBody(t, detail)
	messages := body["messages"].([]any)
	require.Len(t, messages, 2)
}

func TestStreamingDisabledReturnsSingleJSON(t *testing.T) {
	h := newWebHarness(t, &scriptedProvider{script: []scriptedResponse{
		{text: "Hello.\n\nWorld.\n\nHello.\n\nWorld."},
	}})
	_, token := h.register(t, "wang")

	resp := h.post(t, "/api/chat", token, map[string]any{"message": "hello", "stream": false})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "application/json")

	body := decodeBody(t, resp)
	// Duplicate halves are normalized before the single JSON reply.
	assert.Equal(t, "Hello.\n\nWorld.", body["content"])
	assert.NotEmpty(t, body["session_id"])
}

func TestSessionIsolationReturns404(t *testing.T) {
	h := newWebHarness(t, &scriptedProvider{script: []scriptedResponse{{text: "hi"}}})
	_, token1 := h.register(t, "u1")
	_, token2 := h.register(t, "u2")

	// u1 creates a session by chatting.
	resp := h.post(t, "/api/chat", token1, map[string]any{"message": "mine", "stream": false})
	sessionID := decodeBody(t, resp)["session_id"].(string)

	// u2 cannot see it: detail, delete, and chat-continue all 404.
	detail := h.get(t, "/api/sessions/"+sessionID, token2)
	defer detail.Body.Close()
	assert.Equal(t, http.StatusNotFound, detail.StatusCode)

	chat := h.post(t, "/api/chat", token2, map[string]any{"message": "steal", "session_id": sessionID, "stream": false})
	defer chat.Body.Close()
	assert.Equal(t, http.StatusNotFound, chat.StatusCode)

	del, err := http.NewRequest(http.MethodDelete, h.ts.URL+"/api/sessions/"+sessionID, nil)
	require.NoError(t, err)
	del.Header.Set("Authorization", "Bearer "+token2)
	delResp, err := http.DefaultClient.Do(del)
	require.NoError(t, err)
	defer delResp.Body.Close()
	assert.Equal(t, http.StatusNotFound, delResp.StatusCode)
}

func TestCrossSessionRecallAndUserIsolation(t *testing.T) {
	provider := &scriptedProvider{script: []scriptedResponse{{text: "Nice to meet you, Wang Er."}}}
	h := newWebHarness(t, provider)
	_, token1 := h.register(t, "u1")
	_, token2 := h.register(t, "u2")

	resp := h.post(t, "/api/chat", token1, map[string]any{
		"message": "My name is Wang Er, I am 26 years old.", "stream": false,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// Wait until ingest has landed the fact.
	require.Eventually(t, func() bool {
		return h.rt.Memory.Recall(context.Background(), firstUserID(t, h, token1), "other", "How old am I? Remember.") != ""
	}, 5*time.Second, 50*time.Millisecond)

	// A new session for the same user recalls the fact...
	block := h.rt.Memory.Recall(context.Background(), firstUserID(t, h, token1), "new-session", "How old am I? Remember.")
	assert.Contains(t, block, "26")

	// ...while the other user gets nothing.
	assert.Empty(t, h.rt.Memory.Recall(context.Background(), firstUserID(t, h, token2), "any", "How old am I? Remember."))
}

func firstUserID(t *testing.T, h *webHarness, token string) string {
	t.Helper()
	user, err := h.rt.Auth.Resolve(context.Background(), token)
	require.NoError(t, err)
	return user.ID
}

func TestToolConfirmationRejectFlow(t *testing.T) {
	provider := &scriptedProvider{script: []scriptedResponse{
		{calls: []models.ToolCall{{ID: "call-1", Name: "shell.exec", Arguments: json.RawMessage(`{"command":"ls"}`)}}},
		{text: "Understood, I did not run it."},
	}}
	h := newWebHarness(t, provider)
	_, token := h.register(t, "wang")

	resp := h.post(t, "/api/chat", token, map[string]any{"message": "list my files", "stream": true})
	frames := readFrames(t, resp)
	require.NotEmpty(t, frames)

	var sawDetected bool
	last := frames[len(frames)-1]
	for _, f := range frames {
		if f.Type == models.FrameToolDetected {
			sawDetected = true
		}
	}
	assert.True(t, sawDetected)
	require.Equal(t, models.FrameToolStart, last.Type)
	require.Equal(t, string(models.ToolAwaitingConfirm), last.Status)
	sessionID := lastSessionID(t, h, token)

	confirm := h.post(t, "/api/chat/confirm", token, map[string]string{
		"session_id":   sessionID,
		"tool_call_id": last.CallID,
		"action":       "reject",
	})
	require.Equal(t, http.StatusOK, confirm.StatusCode)
	body := decodeBody(t, confirm)
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, "Understood, I did not run it.", body["content"])
}

func lastSessionID(t *testing.T, h *webHarness, token string) string {
	t.Helper()
	resp := h.get(t, "/api/sessions", token)
	body := decodeBody(t, resp)
	sessions := body["sessions"].([]any)
	require.NotEmpty(t, sessions)
	return sessions[0].(map[string]any)["session_id"].(string)
}

func TestProviderRateLimitIsRetriedSilently(t *testing.T) {
	rateLimited := models.MarkRetriable(models.E(models.KindRateLimited, "429"))
	provider := &scriptedProvider{script: []scriptedResponse{
		{err: rateLimited},
		{text: "Recovered."},
	}}
	h := newWebHarness(t, provider)
	_, token := h.register(t, "wang")

	resp := h.post(t, "/api/chat", token, map[string]any{"message": "hello", "stream": true})
	frames := readFrames(t, resp)

	for _, f := range frames {
		assert.NotEqual(t, models.FrameError, f.Type, "retries must be invisible to the client")
	}
	require.NotEmpty(t, frames)
	assert.Equal(t, models.FrameDone, frames[len(frames)-1].Type)
	assert.GreaterOrEqual(t, provider.calls(), 2)
}

func TestConfigUpdateRoundTrip(t *testing.T) {
	h := newWebHarness(t, &scriptedProvider{script: []scriptedResponse{{text: "hi"}}})
	_, token := h.register(t, "wang")

	patch := map[string]any{"agent": map[string]any{"name": "Hermes"}}
	first := decodeBody(t, h.post(t, "/api/config/update", token, patch))
	second := decodeBody(t, h.post(t, "/api/config/update", token, patch))
	assert.Equal(t, first, second, "same patch twice yields the same snapshot")

	got := decodeBody(t, h.get(t, "/api/config", token))
	cfg := got["config"].(map[string]any)
	persona := cfg["agent"].(map[string]any)
	assert.Equal(t, "Hermes", persona["name"])

	// Secrets are rejected without effect.
	bad := h.post(t, "/api/config/update", token, map[string]any{
		"api": map[string]any{"api_key": "sk-injected"},
	})
	defer bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)

	reset := h.post(t, "/api/config/reset", token, map[string]any{})
	require.Equal(t, http.StatusOK, reset.StatusCode)
	reset.Body.Close()
}

func TestStatusAndDoctor(t *testing.T) {
	h := newWebHarness(t, &scriptedProvider{script: []scriptedResponse{{text: "hi"}}})

	status := decodeBody(t, h.get(t, "/api/status", ""))
	assert.Equal(t, true, status["ok"])

	_, token := h.register(t, "wang")
	doctorResp := decodeBody(t, h.get(t, "/api/doctor", token))
	checks := doctorResp["checks"].(map[string]any)
	for _, name := range []string{"config", "provider", "store", "memory", "event_bus"} {
		require.Contains(t, checks, name)
	}
	provider := checks["provider"].(map[string]any)
	assert.Equal(t, true, provider["ok"])
}

func TestMemoryMaintenanceEndpoint(t *testing.T) {
	h := newWebHarness(t, &scriptedProvider{script: []scriptedResponse{{text: "hi"}}})
	_, token := h.register(t, "wang")

	resp := h.post(t, "/api/chat", token, map[string]any{"message": "seed", "stream": false})
	sessionID := decodeBody(t, resp)["session_id"].(string)

	for _, op := range []string{"cluster", "summarize", "decay", "cleanup"} {
		r := h.post(t, fmt.Sprintf("/api/memory/%s/%s", op, sessionID), token, map[string]any{})
		body := decodeBody(t, r)
		require.Equal(t, http.StatusOK, r.StatusCode, "op %s", op)
		assert.Equal(t, true, body["ok"])
	}

	bad := h.post(t, "/api/memory/explode/"+sessionID, token, map[string]any{})
	defer bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestMemoryGraphOwnershipEnforced(t *testing.T) {
	h := newWebHarness(t, &scriptedProvider{script: []scriptedResponse{{text: "hi"}}})
	_, token1 := h.register(t, "u1")
	_, token2 := h.register(t, "u2")

	resp := h.post(t, "/api/chat", token1, map[string]any{"message": "seed", "stream": false})
	sessionID := decodeBody(t, resp)["session_id"].(string)

	ok := h.get(t, "/api/memory/graph/"+sessionID, token1)
	body := decodeBody(t, ok)
	require.Equal(t, http.StatusOK, ok.StatusCode)
	assert.Contains(t, body, "nodes")
	assert.Contains(t, body, "stats")

	denied := h.get(t, "/api/memory/graph/"+sessionID, token2)
	defer denied.Body.Close()
	assert.Equal(t, http.StatusNotFound, denied.StatusCode)
}
