package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/promethea-labs/promethea/internal/observability"
	"github.com/promethea-labs/promethea/pkg/models"
)

// Emitter is the slice of the event bus the config service needs.
type Emitter interface {
	Emit(eventType models.EventType, payload any)
}

// ChangeSummary is the payload of config.changed events.
type ChangeSummary struct {
	UserID string   `json:"user_id,omitempty"`
	Paths  []string `json:"paths"`
}

// secretPaths are fields accepted only from the environment. A patch that
// names one of these is rejected without any write.
var secretPaths = map[string]bool{
	"api.api_key":           true,
	"auth.jwt_secret":       true,
	"memory.neo4j.password": true,
}

// Service computes and publishes configuration snapshots. Writers serialize
// on an internal mutex; readers load a published pointer and never block.
type Service struct {
	logger  *observability.Logger
	emitter Emitter

	configDir string

	mu        sync.Mutex
	systemRaw map[string]any
	userRaw   map[string]map[string]any
	envRaw    map[string]any

	system atomic.Pointer[Config]
	users  atomic.Pointer[map[string]*Config]
}

// NewService builds the service from the system file (optional), previously
// saved per-user files under <configDir>/users, and the process environment.
func NewService(configDir string, logger *observability.Logger, emitter Emitter) (*Service, error) {
	s := &Service{
		logger:    logger,
		emitter:   emitter,
		configDir: configDir,
		systemRaw: map[string]any{},
		userRaw:   map[string]map[string]any{},
		envRaw:    envOverlay(os.Environ()),
	}

	systemPath := filepath.Join(configDir, "default.json")
	if raw, err := LoadFile(systemPath); err == nil {
		// Secrets live in the environment only; scrub any that leaked
		// into files.
		stripSecrets(raw)
		s.systemRaw = raw
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("load system config: %w", err)
	}

	if err := s.loadUserFiles(); err != nil {
		return nil, err
	}

	if err := s.republish(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) loadUserFiles() error {
	usersDir := filepath.Join(s.configDir, "users")
	entries, err := os.ReadDir(usersDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("scan user configs: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(usersDir, entry.Name(), "config.json")
		raw, err := LoadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			s.logger.Warn(context.Background(), "skipping unreadable user config",
				"user_id", entry.Name(), "error", err)
			continue
		}
		stripSecrets(raw)
		s.userRaw[entry.Name()] = raw
	}
	return nil
}

// republish rebuilds the system snapshot and invalidates user snapshots.
// Callers must hold s.mu or be in the constructor.
func (s *Service) republish() error {
	merged := mergeMaps(rawFromConfig(Default()), s.systemRaw)
	merged = mergeMaps(merged, s.envRaw)
	cfg, err := decode(Default(), merged)
	if err != nil {
		return err
	}
	s.system.Store(&cfg)
	empty := map[string]*Config{}
	s.users.Store(&empty)
	return nil
}

// Snapshot returns the current system-level snapshot. The returned value is
// shared and must not be mutated.
func (s *Service) Snapshot() *Config {
	return s.system.Load()
}

// ForUser returns the effective snapshot for one user: system layers with the
// user's saved patch applied below environment overrides.
func (s *Service) ForUser(userID string) *Config {
	cache := *s.users.Load()
	if cfg, ok := cache[userID]; ok {
		return cfg
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Re-check under the lock; another writer may have filled the cache.
	cache = *s.users.Load()
	if cfg, ok := cache[userID]; ok {
		return cfg
	}

	cfg := s.computeUser(userID)
	next := make(map[string]*Config, len(cache)+1)
	for k, v := range cache {
		next[k] = v
	}
	next[userID] = cfg
	s.users.Store(&next)
	return cfg
}

func (s *Service) computeUser(userID string) *Config {
	merged := mergeMaps(rawFromConfig(Default()), s.systemRaw)
	if patch, ok := s.userRaw[userID]; ok {
		merged = mergeMaps(merged, patch)
	}
	merged = mergeMaps(merged, s.envRaw)
	cfg, err := decode(Default(), merged)
	if err != nil {
		s.logger.Error(context.Background(), "user config decode failed; using system snapshot",
			"user_id", userID, "error", err)
		return s.system.Load()
	}
	return &cfg
}

// UpdateUserConfig validates and persists a per-user patch, then publishes
// fresh snapshots and emits config.changed. The returned snapshot reflects
// the merged result.
func (s *Service) UpdateUserConfig(userID string, patch map[string]any) (*Config, error) {
	if userID == "" {
		return nil, models.E(models.KindInvalidArguments, "user id is required")
	}
	paths := flattenPaths(patch, "")
	for _, p := range paths {
		if isSecretPath(p) {
			return nil, models.Ef(models.KindInvalidArguments,
				"field %q is secret-typed and only accepted from the environment", p)
		}
	}

	s.mu.Lock()
	existing := s.userRaw[userID]
	if existing == nil {
		existing = map[string]any{}
	}
	updated := mergeMaps(existing, patch)
	if err := s.persistUserRaw(userID, updated); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.userRaw[userID] = updated
	s.invalidateUserLocked(userID)
	s.mu.Unlock()

	s.emitChange(userID, paths)
	return s.ForUser(userID), nil
}

// ResetUser removes the user's saved patch entirely.
func (s *Service) ResetUser(userID string) error {
	s.mu.Lock()
	delete(s.userRaw, userID)
	err := os.Remove(s.userConfigPath(userID))
	s.invalidateUserLocked(userID)
	s.mu.Unlock()

	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove user config: %w", err)
	}
	s.emitChange(userID, []string{"*"})
	return nil
}

// UpdateSystemConfig merges a patch into the system layer and persists it.
// Secret-typed fields are rejected here too.
func (s *Service) UpdateSystemConfig(patch map[string]any) (*Config, error) {
	paths := flattenPaths(patch, "")
	for _, p := range paths {
		if isSecretPath(p) {
			return nil, models.Ef(models.KindInvalidArguments,
				"field %q is secret-typed and only accepted from the environment", p)
		}
	}

	s.mu.Lock()
	s.systemRaw = mergeMaps(s.systemRaw, patch)
	if err := s.persistSystemRaw(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if err := s.republish(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()

	s.emitChange("", paths)
	return s.Snapshot(), nil
}

func (s *Service) invalidateUserLocked(userID string) {
	cache := *s.users.Load()
	next := make(map[string]*Config, len(cache))
	for k, v := range cache {
		if k != userID {
			next[k] = v
		}
	}
	s.users.Store(&next)
}

func (s *Service) emitChange(userID string, paths []string) {
	sort.Strings(paths)
	if s.emitter != nil {
		s.emitter.Emit(models.EventConfigChanged, ChangeSummary{UserID: userID, Paths: paths})
	}
	s.logger.Info(context.Background(), "config changed",
		"user_id", userID, "paths", strings.Join(paths, ","))
}

func (s *Service) userConfigPath(userID string) string {
	return filepath.Join(s.configDir, "users", userID, "config.json")
}

// persistUserRaw writes the patch with an atomic rename so a concurrent
// reader never observes a partial file.
func (s *Service) persistUserRaw(userID string, raw map[string]any) error {
	path := s.userConfigPath(userID)
	return writeFileAtomic(path, raw)
}

func (s *Service) persistSystemRaw() error {
	return writeFileAtomic(filepath.Join(s.configDir, "default.json"), s.systemRaw)
}

func writeFileAtomic(path string, raw map[string]any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := marshalIndent(raw)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("publish config: %w", err)
	}
	return nil
}

// flattenPaths lists dotted leaf paths present in a patch.
func flattenPaths(m map[string]any, prefix string) []string {
	var out []string
	for k, v := range m {
		p := k
		if prefix != "" {
			p = prefix + "." + k
		}
		if nested, ok := toStringMap(v); ok {
			out = append(out, flattenPaths(nested, p)...)
			continue
		}
		out = append(out, p)
	}
	return out
}

// stripSecrets removes secret-typed leaves from a raw tree in place.
func stripSecrets(m map[string]any) {
	for k, v := range m {
		if nested, ok := toStringMap(v); ok {
			stripSecrets(nested)
			m[k] = nested
			continue
		}
		switch k {
		case "api_key", "jwt_secret", "password":
			delete(m, k)
		}
	}
}

func isSecretPath(path string) bool {
	if secretPaths[path] {
		return true
	}
	leaf := path
	if i := strings.LastIndexByte(path, '.'); i >= 0 {
		leaf = path[i+1:]
	}
	switch leaf {
	case "api_key", "jwt_secret", "password":
		return true
	}
	return false
}
