// Package gateway composes the runtime: the event bus, config service,
// stores, scheduler, turn engine, and services are constructed once at
// startup and threaded into handlers explicitly. There are no package-level
// singletons.
package gateway

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/promethea-labs/promethea/internal/agent"
	"github.com/promethea-labs/promethea/internal/auth"
	"github.com/promethea-labs/promethea/internal/bus"
	"github.com/promethea-labs/promethea/internal/config"
	"github.com/promethea-labs/promethea/internal/memory"
	"github.com/promethea-labs/promethea/internal/observability"
	"github.com/promethea-labs/promethea/internal/scheduler"
	"github.com/promethea-labs/promethea/internal/store"
	"github.com/promethea-labs/promethea/internal/tools"
	"github.com/promethea-labs/promethea/pkg/models"
)

// Runtime owns every long-lived component of the gateway.
type Runtime struct {
	Logger      *observability.Logger
	Metrics     *observability.Metrics
	Registry    *prometheus.Registry
	Tracer      *observability.Tracer
	Bus         *bus.Bus
	Config      *config.Service
	Store       store.Store
	Auth        *auth.Service
	Connections *ConnectionRegistry
	Tools       *tools.Invoker
	Memory      *memory.Service
	Engine      *agent.Engine
	Scheduler   *scheduler.Scheduler

	tracerShutdown func(context.Context) error
	startedAt      time.Time
}

// New builds and wires the full runtime from a config directory and the
// process environment.
func New(configDir string) (*Runtime, error) {
	return NewWithProvider(configDir, agent.NewOpenAIProvider())
}

// NewWithProvider is New with an injected LLM provider; tests use it to
// substitute a scripted one.
func NewWithProvider(configDir string, provider agent.Provider) (*Runtime, error) {
	bootstrapLogger := observability.NewLogger(observability.LogConfig{})
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	eventBus := bus.New(bootstrapLogger, bus.WithDropHook(func() { metrics.BusDropped.Inc() }))
	cfgService, err := config.NewService(configDir, bootstrapLogger, eventBus)
	if err != nil {
		return nil, fmt.Errorf("config service: %w", err)
	}
	snapshot := cfgService.Snapshot()

	logger := observability.NewLogger(observability.LogConfig{
		Level:      snapshot.Logging.Level,
		Format:     snapshot.Logging.Format,
		UserLogDir: snapshot.Logging.UserLogDir,
	})
	tracer, tracerShutdown := observability.NewTracer(observability.TraceConfig{
		ServiceName:  "promethea",
		Endpoint:     snapshot.Tracing.Endpoint,
		SamplingRate: snapshot.Tracing.SamplingRate,
		Insecure:     snapshot.Tracing.Insecure,
	})

	if err := os.MkdirAll(snapshot.Server.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewSQLiteStore(filepath.Join(snapshot.Server.DataDir, "promethea.db"))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	authService := auth.NewService(st, snapshot.Auth.JWTSecret, snapshot.Auth.TokenExpiry())
	connections := NewConnectionRegistry(eventBus)

	toolReg := tools.NewRegistry()
	if err := tools.RegisterBuiltins(toolReg); err != nil {
		return nil, fmt.Errorf("register tools: %w", err)
	}
	invoker := tools.NewInvoker(toolReg, eventBus, logger, metrics)

	memStore, err := openMemoryStore(snapshot)
	if err != nil {
		// Memory is optional: a missing graph store degrades to the
		// embedded one rather than failing startup.
		logger.Warn(context.Background(), "graph memory store unavailable, using embedded store", "error", err)
		memStore = memory.NewMemStore()
	}
	memService := memory.NewService(memStore, cfgService.Snapshot, eventBus, logger, metrics)

	confirms := agent.NewConfirmManager(logger)
	engine := agent.NewEngine(
		provider,
		invoker,
		st,
		memService,
		confirms,
		cfgService.ForUser,
		eventBus,
		logger,
		metrics,
		tracer,
	)

	sched := scheduler.New(cfgService.Snapshot, engine, st, eventBus, logger, metrics)

	rt := &Runtime{
		Logger:         logger,
		Metrics:        metrics,
		Registry:       registry,
		Tracer:         tracer,
		Bus:            eventBus,
		Config:         cfgService,
		Store:          st,
		Auth:           authService,
		Connections:    connections,
		Tools:          invoker,
		Memory:         memService,
		Engine:         engine,
		Scheduler:      sched,
		tracerShutdown: tracerShutdown,
		startedAt:      time.Now(),
	}
	rt.wire()
	return rt, nil
}

func openMemoryStore(snapshot *config.Config) (memory.Store, error) {
	if !snapshot.Memory.Enabled || !snapshot.Memory.Neo4j.Enabled {
		return memory.NewMemStore(), nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return memory.NewNeo4jStore(ctx, snapshot.Memory.Neo4j)
}

// wire connects the cross-component event paths: committed turns feed the
// memory ingest, and expired confirmations resume as rejects. Bus drops reach
// the metrics through the drop hook given to bus.New.
func (rt *Runtime) wire() {
	rt.Bus.Subscribe(models.EventConversationDone, "memory-ingest", func(ctx context.Context, ev models.Event) error {
		done, ok := ev.Payload.(scheduler.DoneEvent)
		if !ok {
			return nil
		}
		rt.Memory.Ingest(models.MemoryCandidate{
			UserID:        done.UserID,
			SessionID:     done.SessionID,
			UserText:      done.UserText,
			AssistantText: done.AssistantText,
			Timestamp:     ev.Timestamp,
		})
		return nil
	})

	rt.Engine.Confirms().OnExpire(func(info models.PendingConfirmation, state *agent.SuspendedTurn) {
		item := rt.ResumeItem(info, state, agent.ActionReject)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rt.Scheduler.EnqueueResume(ctx, item); err != nil {
			rt.Logger.Warn(ctx, "could not resume expired confirmation",
				"session_id", info.SessionID, "error", err)
		}
	})
}

// ResumeItem builds the scheduler work item that continues a suspended turn.
// Frames reach whichever of the user's connections still follow the session.
func (rt *Runtime) ResumeItem(info models.PendingConfirmation, state *agent.SuspendedTurn, action agent.ConfirmAction) *scheduler.WorkItem {
	return &scheduler.WorkItem{
		UserID:    info.UserID,
		SessionID: info.SessionID,
		Turn:      state.Turn,
		Resume:    &agent.ResumeRequest{State: state, Action: action},
		Emit: func(frame models.Frame) {
			rt.Connections.BroadcastSession(info.UserID, info.SessionID, frame)
		},
	}
}

// StartedAt reports process start for the status endpoint.
func (rt *Runtime) StartedAt() time.Time { return rt.startedAt }

// BusDropped surfaces the event-bus overflow counter for diagnostics.
func (rt *Runtime) BusDropped() uint64 { return rt.Bus.Dropped() }

// Shutdown drains the scheduler, then stops the services in dependency
// order.
func (rt *Runtime) Shutdown(ctx context.Context) {
	rt.Scheduler.Shutdown(ctx)
	rt.Engine.Confirms().Close()
	rt.Memory.Close()
	rt.Bus.Close()
	if err := rt.Store.Close(); err != nil {
		rt.Logger.Warn(context.Background(), "store close failed", "error", err)
	}
	if rt.tracerShutdown != nil {
		_ = rt.tracerShutdown(ctx)
	}
}
