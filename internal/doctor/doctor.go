// Package doctor runs structured self-diagnostics and small self-repairs:
// is the config readable, is the store reachable, is the provider
// configured, is memory healthy, and are subsystems dropping work.
package doctor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/promethea-labs/promethea/internal/config"
)

// Check is one diagnostic result.
type Check struct {
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// Deps are the narrow probes the doctor needs; the runtime supplies them.
type Deps struct {
	Snapshot       func() *config.Config
	StorePing      func(ctx context.Context) error
	MemoryPing     func(ctx context.Context) error
	MemoryEnabled  func() bool
	BusDropped     func() uint64
	PendingConfirm func() int
	Connections    func() int
}

// Run executes every check. Failures are reported, never raised.
func Run(ctx context.Context, deps Deps) map[string]Check {
	checks := map[string]Check{}

	snapshot := deps.Snapshot()
	if snapshot == nil {
		checks["config"] = Check{OK: false, Detail: "no configuration snapshot"}
	} else {
		checks["config"] = Check{OK: true}
		if snapshot.API.APIKey == "" {
			checks["provider"] = Check{OK: false, Detail: "API__API_KEY is not set"}
		} else if snapshot.API.Model == "" {
			checks["provider"] = Check{OK: false, Detail: "no model configured"}
		} else {
			checks["provider"] = Check{OK: true, Detail: snapshot.API.Model}
		}
	}

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := deps.StorePing(probeCtx); err != nil {
		checks["store"] = Check{OK: false, Detail: err.Error()}
	} else {
		checks["store"] = Check{OK: true}
	}

	if !deps.MemoryEnabled() {
		checks["memory"] = Check{OK: true, Detail: "disabled"}
	} else if err := deps.MemoryPing(probeCtx); err != nil {
		checks["memory"] = Check{OK: false, Detail: err.Error()}
	} else {
		checks["memory"] = Check{OK: true}
	}

	drops := deps.BusDropped()
	checks["event_bus"] = Check{
		OK:     drops == 0,
		Detail: fmt.Sprintf("%d dropped events", drops),
	}
	checks["pending_confirmations"] = Check{
		OK:     true,
		Detail: fmt.Sprintf("%d outstanding", deps.PendingConfirm()),
	}
	checks["connections"] = Check{
		OK:     true,
		Detail: fmt.Sprintf("%d live", deps.Connections()),
	}

	return checks
}

// MigrationResult reports a config self-repair attempt.
type MigrationResult struct {
	Status string `json:"status"`
	Backup string `json:"backup,omitempty"`
}

// MigrateConfig moves a legacy flat config file into the layered layout: a
// root-level config.json becomes config/default.json, with a timestamped
// backup of the original left behind.
func MigrateConfig(configDir string) (*MigrationResult, error) {
	legacy := filepath.Join(filepath.Dir(configDir), "config.json")
	if _, err := os.Stat(legacy); os.IsNotExist(err) {
		return &MigrationResult{Status: "nothing_to_migrate"}, nil
	}

	target := filepath.Join(configDir, "default.json")
	if _, err := os.Stat(target); err == nil {
		return &MigrationResult{Status: "already_migrated"}, nil
	}

	data, err := os.ReadFile(legacy)
	if err != nil {
		return nil, fmt.Errorf("read legacy config: %w", err)
	}

	backup := legacy + ".bak." + time.Now().Format("20060102-150405")
	if err := os.WriteFile(backup, data, 0o644); err != nil {
		return nil, fmt.Errorf("write backup: %w", err)
	}
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return nil, fmt.Errorf("write migrated config: %w", err)
	}
	if err := os.Remove(legacy); err != nil {
		return nil, fmt.Errorf("remove legacy config: %w", err)
	}

	return &MigrationResult{Status: "migrated", Backup: backup}, nil
}
