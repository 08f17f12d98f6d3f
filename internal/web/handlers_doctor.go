package web

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/promethea-labs/promethea/internal/doctor"
)

// handleStatus is the unauthenticated liveness probe.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var memoryActive bool
	if s.rt.Memory.Enabled() {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		memoryActive = s.rt.Memory.Ping(ctx) == nil
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":             true,
		"memory_active":  memoryActive,
		"uptime_seconds": int(time.Since(s.rt.StartedAt()).Seconds()),
		"goroutines":     runtime.NumGoroutine(),
	})
}

func (s *Server) handleDoctor(w http.ResponseWriter, r *http.Request) {
	checks := doctor.Run(r.Context(), doctor.Deps{
		Snapshot:       s.rt.Config.Snapshot,
		StorePing:      s.storePing,
		MemoryPing:     s.rt.Memory.Ping,
		MemoryEnabled:  s.rt.Memory.Enabled,
		BusDropped:     s.rt.BusDropped,
		PendingConfirm: s.rt.Engine.Confirms().Len,
		Connections:    s.rt.Connections.Count,
	})
	writeJSON(w, http.StatusOK, map[string]any{"checks": checks})
}

func (s *Server) storePing(ctx context.Context) error {
	// A cheap scoped read doubles as a connectivity probe.
	_, err := s.rt.Store.ListSessions(ctx, "doctor-probe")
	return err
}

func (s *Server) handleDoctorMigrate(w http.ResponseWriter, r *http.Request) {
	result, err := doctor.MigrateConfig(s.configDir)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
