package config

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promethea-labs/promethea/internal/observability"
	"github.com/promethea-labs/promethea/pkg/models"
)

type captureEmitter struct {
	mu     sync.Mutex
	events []models.EventType
	last   any
}

func (c *captureEmitter) Emit(eventType models.EventType, payload any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, eventType)
	c.last = payload
}

func newTestService(t *testing.T) (*Service, *captureEmitter) {
	t.Helper()
	emitter := &captureEmitter{}
	logger := observability.NewLogger(observability.LogConfig{Output: io.Discard})
	svc, err := NewService(t.TempDir(), logger, emitter)
	require.NoError(t, err)
	return svc, emitter
}

func TestDefaultsApplyWhenNoFiles(t *testing.T) {
	svc, _ := newTestService(t)
	snap := svc.Snapshot()
	assert.Equal(t, 8, snap.Scheduler.Workers)
	assert.Equal(t, 10, snap.Chat.HistoryRounds)
	assert.Contains(t, snap.Tools.ConfirmRequired, "shell.exec")
}

func TestUserPatchOverridesSystem(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.UpdateUserConfig("u1", map[string]any{
		"agent": map[string]any{"name": "Hermes"},
		"chat":  map[string]any{"history_rounds": 4},
	})
	require.NoError(t, err)

	u1 := svc.ForUser("u1")
	assert.Equal(t, "Hermes", u1.Agent.Name)
	assert.Equal(t, 4, u1.Chat.HistoryRounds)

	// Unrelated user sees defaults.
	u2 := svc.ForUser("u2")
	assert.Equal(t, "Promethea", u2.Agent.Name)
	assert.Equal(t, 10, u2.Chat.HistoryRounds)
}

func TestSecretPatchRejectedWithoutWrite(t *testing.T) {
	svc, emitter := newTestService(t)

	_, err := svc.UpdateUserConfig("u1", map[string]any{
		"api": map[string]any{"api_key": "sk-should-never-land"},
	})
	require.Error(t, err)
	assert.Equal(t, models.KindInvalidArguments, models.KindOf(err))

	// No event, no file.
	assert.Empty(t, emitter.events)
	_, statErr := os.Stat(svc.userConfigPath("u1"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestUpdateEmitsConfigChanged(t *testing.T) {
	svc, emitter := newTestService(t)

	_, err := svc.UpdateUserConfig("u1", map[string]any{
		"chat": map[string]any{"streaming": false},
	})
	require.NoError(t, err)

	require.Len(t, emitter.events, 1)
	assert.Equal(t, models.EventConfigChanged, emitter.events[0])
	summary := emitter.last.(ChangeSummary)
	assert.Equal(t, "u1", summary.UserID)
	assert.Equal(t, []string{"chat.streaming"}, summary.Paths)
}

func TestUpdateIsIdempotent(t *testing.T) {
	svc, _ := newTestService(t)

	patch := map[string]any{"chat": map[string]any{"history_rounds": 7}}
	first, err := svc.UpdateUserConfig("u1", patch)
	require.NoError(t, err)
	second, err := svc.UpdateUserConfig("u1", patch)
	require.NoError(t, err)
	assert.Equal(t, first.Chat, second.Chat)
}

func TestUserPatchSurvivesReload(t *testing.T) {
	emitter := &captureEmitter{}
	logger := observability.NewLogger(observability.LogConfig{Output: io.Discard})
	dir := t.TempDir()

	svc, err := NewService(dir, logger, emitter)
	require.NoError(t, err)
	_, err = svc.UpdateUserConfig("u1", map[string]any{
		"agent": map[string]any{"system_prompt": "be brief"},
	})
	require.NoError(t, err)

	reloaded, err := NewService(dir, logger, emitter)
	require.NoError(t, err)
	assert.Equal(t, "be brief", reloaded.ForUser("u1").Agent.SystemPrompt)
}

func TestResetUserRestoresDefaults(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.UpdateUserConfig("u1", map[string]any{
		"agent": map[string]any{"name": "Hermes"},
	})
	require.NoError(t, err)
	require.NoError(t, svc.ResetUser("u1"))
	assert.Equal(t, "Promethea", svc.ForUser("u1").Agent.Name)
}

func TestEnvOverlayHasHighestPrecedence(t *testing.T) {
	environ := []string{
		"API__MODEL=gpt-4o",
		"API__API_KEY=sk-env-only",
		"MEMORY__NEO4J__ENABLED=true",
		"SCHEDULER__WORKERS=2",
		"PATH=/usr/bin",
	}
	overlay := envOverlay(environ)

	merged := mergeMaps(rawFromConfig(Default()), overlay)
	cfg, err := decode(Default(), merged)
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o", cfg.API.Model)
	assert.Equal(t, "sk-env-only", cfg.API.APIKey)
	assert.True(t, cfg.Memory.Neo4j.Enabled)
	assert.Equal(t, 2, cfg.Scheduler.Workers)
}

func TestSystemFileLoads(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "default.json"),
		[]byte(`{"chat": {"history_rounds": 3}, "server": {"port": 9000}}`), 0o644))

	logger := observability.NewLogger(observability.LogConfig{Output: io.Discard})
	svc, err := NewService(dir, logger, &captureEmitter{})
	require.NoError(t, err)
	assert.Equal(t, 3, svc.Snapshot().Chat.HistoryRounds)
	assert.Equal(t, 9000, svc.Snapshot().Server.Port)
}

func TestSnapshotNotTornDuringUpdate(t *testing.T) {
	svc, _ := newTestService(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			_, _ = svc.UpdateUserConfig("u1", map[string]any{
				"agent": map[string]any{"name": "Hermes", "system_prompt": "x"},
			})
		}
	}()

	for i := 0; i < 500; i++ {
		cfg := svc.ForUser("u1")
		// Either fully-old or fully-new: system_prompt set implies name set.
		if cfg.Agent.SystemPrompt == "x" {
			assert.Equal(t, "Hermes", cfg.Agent.Name)
		}
	}
	<-done
}
