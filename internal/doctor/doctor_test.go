package doctor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promethea-labs/promethea/internal/config"
)

func healthyDeps() Deps {
	cfg := config.Default()
	cfg.API.APIKey = "sk-test"
	return Deps{
		Snapshot:       func() *config.Config { return &cfg },
		StorePing:      func(ctx context.Context) error { return nil },
		MemoryPing:     func(ctx context.Context) error { return nil },
		MemoryEnabled:  func() bool { return true },
		BusDropped:     func() uint64 { return 0 },
		PendingConfirm: func() int { return 0 },
		Connections:    func() int { return 3 },
	}
}

func TestRunAllHealthy(t *testing.T) {
	checks := Run(context.Background(), healthyDeps())
	for name, check := range checks {
		assert.True(t, check.OK, "check %s: %s", name, check.Detail)
	}
}

func TestRunReportsFailures(t *testing.T) {
	deps := healthyDeps()
	deps.StorePing = func(ctx context.Context) error { return errors.New("locked") }
	deps.BusDropped = func() uint64 { return 7 }
	cfg := config.Default() // no API key
	deps.Snapshot = func() *config.Config { return &cfg }

	checks := Run(context.Background(), deps)
	assert.False(t, checks["store"].OK)
	assert.False(t, checks["event_bus"].OK)
	assert.False(t, checks["provider"].OK)
	assert.True(t, checks["config"].OK)
}

func TestMigrateConfigMovesLegacyFile(t *testing.T) {
	root := t.TempDir()
	configDir := filepath.Join(root, "config")
	legacy := filepath.Join(root, "config.json")
	require.NoError(t, os.WriteFile(legacy, []byte(`{"chat":{"history_rounds":5}}`), 0o644))

	result, err := MigrateConfig(configDir)
	require.NoError(t, err)
	assert.Equal(t, "migrated", result.Status)
	assert.NotEmpty(t, result.Backup)

	// The legacy file moved and its content survived.
	_, statErr := os.Stat(legacy)
	assert.True(t, os.IsNotExist(statErr))
	migrated, err := os.ReadFile(filepath.Join(configDir, "default.json"))
	require.NoError(t, err)
	assert.Contains(t, string(migrated), "history_rounds")

	// Idempotent: a second run has nothing to do.
	again, err := MigrateConfig(configDir)
	require.NoError(t, err)
	assert.Equal(t, "nothing_to_migrate", again.Status)
}

func TestMigrateConfigNoLegacy(t *testing.T) {
	result, err := MigrateConfig(filepath.Join(t.TempDir(), "config"))
	require.NoError(t, err)
	assert.Equal(t, "nothing_to_migrate", result.Status)
}
