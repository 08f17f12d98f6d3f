package agent

import (
	"context"
	"sync"
	"time"

	"github.com/promethea-labs/promethea/internal/config"
	"github.com/promethea-labs/promethea/internal/observability"
	"github.com/promethea-labs/promethea/internal/store"
	"github.com/promethea-labs/promethea/pkg/models"
)

// SuspendedTurn is the serialized partial state of a turn parked on a tool
// confirmation. No goroutine waits on the user; resuming rebuilds a worker
// task from this value.
type SuspendedTurn struct {
	Snapshot *config.Config
	Turn     *store.Turn

	Messages     []ChatMessage     // prompt prefix including the pending assistant msg
	Buffer       string            // assistant text streamed before suspension
	ToolMessages []*models.Message // messages queued for the commit so far (user, assistant and tool)
	Pending      models.ToolCall   // the call awaiting the decision
	Remaining    []*models.ToolCall
	Hops         int
}

// ConfirmAction is the user's decision.
type ConfirmAction string

const (
	ActionApprove ConfirmAction = "approve"
	ActionReject  ConfirmAction = "reject"
)

type pendingEntry struct {
	info      models.PendingConfirmation
	state     *SuspendedTurn
	expiresAt time.Time
}

// ConfirmManager holds pending confirmations keyed by call_id. Entries are
// TTL-bounded; an expired entry is resolved as a reject through the
// registered expiry callback.
type ConfirmManager struct {
	logger *observability.Logger

	mu      sync.Mutex
	pending map[string]*pendingEntry

	onExpire func(info models.PendingConfirmation, state *SuspendedTurn)

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewConfirmManager starts the TTL sweep.
func NewConfirmManager(logger *observability.Logger) *ConfirmManager {
	m := &ConfirmManager{
		logger:  logger,
		pending: map[string]*pendingEntry{},
		stopCh:  make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// OnExpire registers the callback invoked when an entry times out.
func (m *ConfirmManager) OnExpire(fn func(info models.PendingConfirmation, state *SuspendedTurn)) {
	m.mu.Lock()
	m.onExpire = fn
	m.mu.Unlock()
}

// Put parks a suspended turn.
func (m *ConfirmManager) Put(info models.PendingConfirmation, state *SuspendedTurn, ttl time.Duration) {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	m.mu.Lock()
	m.pending[info.CallID] = &pendingEntry{
		info:      info,
		state:     state,
		expiresAt: time.Now().Add(ttl),
	}
	m.mu.Unlock()
}

// Take resolves a pending confirmation, scoped to its owner. A call owned by
// another user is indistinguishable from an unknown one.
func (m *ConfirmManager) Take(userID, sessionID, callID string) (*SuspendedTurn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.pending[callID]
	if !ok || entry.info.UserID != userID || entry.info.SessionID != sessionID {
		return nil, models.E(models.KindNotFound, "no such pending tool call")
	}
	delete(m.pending, callID)
	return entry.state, nil
}

// PendingForSession reports the call awaiting confirmation in a session, if
// any (doctor and UI surface).
func (m *ConfirmManager) PendingForSession(userID, sessionID string) (models.PendingConfirmation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, entry := range m.pending {
		if entry.info.UserID == userID && entry.info.SessionID == sessionID {
			return entry.info, true
		}
	}
	return models.PendingConfirmation{}, false
}

// Len reports outstanding confirmations (diagnostics).
func (m *ConfirmManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *ConfirmManager) sweepLoop() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *ConfirmManager) sweep() {
	now := time.Now()
	var expired []*pendingEntry

	m.mu.Lock()
	onExpire := m.onExpire
	for id, entry := range m.pending {
		if entry.expiresAt.Before(now) {
			expired = append(expired, entry)
			delete(m.pending, id)
		}
	}
	m.mu.Unlock()

	for _, entry := range expired {
		m.logger.Info(context.Background(), "pending confirmation expired, treating as reject",
			"user_id", entry.info.UserID,
			"session_id", entry.info.SessionID,
			"tool_name", entry.info.ToolName,
		)
		if onExpire != nil {
			onExpire(entry.info, entry.state)
		}
	}
}

// Close stops the sweep loop.
func (m *ConfirmManager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}
