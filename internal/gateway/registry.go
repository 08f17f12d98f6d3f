package gateway

import (
	"sync"

	"github.com/google/uuid"

	"github.com/promethea-labs/promethea/pkg/models"
)

// Emitter is the slice of the event bus the registry needs.
type Emitter interface {
	Emit(eventType models.EventType, payload any)
}

// ConnectionRegistry tracks live transport connections and the identity they
// are bound to, and dispatches outbound frames. Sends serialize per
// connection; removal is idempotent.
type ConnectionRegistry struct {
	emitter Emitter

	mu    sync.RWMutex
	conns map[string]*binding
}

type binding struct {
	info models.ConnectionBinding
	mu   sync.Mutex // serializes outbound sends
	send func(frame models.Frame) error
}

// NewConnectionRegistry creates an empty registry.
func NewConnectionRegistry(emitter Emitter) *ConnectionRegistry {
	return &ConnectionRegistry{emitter: emitter, conns: map[string]*binding{}}
}

// Bind registers a connection under the authenticated user (and session, for
// chat streams). The returned ID is used for Send and Remove.
func (r *ConnectionRegistry) Bind(userID, sessionID, transport string, send func(frame models.Frame) error) string {
	id := uuid.NewString()
	b := &binding{
		info: models.ConnectionBinding{
			ConnectionID:  id,
			UserID:        userID,
			SessionID:     sessionID,
			TransportKind: transport,
		},
		send: send,
	}
	r.mu.Lock()
	r.conns[id] = b
	r.mu.Unlock()

	r.emitter.Emit(models.EventConnectionBound, b.info)
	return id
}

// Remove unregisters a connection. Removing an unknown ID is a no-op.
func (r *ConnectionRegistry) Remove(connectionID string) {
	r.mu.Lock()
	b, ok := r.conns[connectionID]
	delete(r.conns, connectionID)
	r.mu.Unlock()

	if ok {
		r.emitter.Emit(models.EventConnectionClosed, b.info)
	}
}

// Send dispatches one frame to one connection.
func (r *ConnectionRegistry) Send(connectionID string, frame models.Frame) error {
	r.mu.RLock()
	b := r.conns[connectionID]
	r.mu.RUnlock()
	if b == nil {
		return models.E(models.KindNotFound, "connection not found")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.send(frame)
}

// Broadcast sends a frame to every connection bound to the user. Dead
// connections are pruned as they fail.
func (r *ConnectionRegistry) Broadcast(userID string, frame models.Frame) {
	r.dispatch(frame, func(info models.ConnectionBinding) bool {
		return info.UserID == userID
	})
}

// BroadcastSession sends a frame to the user's connections following one
// session (a reconnecting client picks the stream back up here).
func (r *ConnectionRegistry) BroadcastSession(userID, sessionID string, frame models.Frame) {
	r.dispatch(frame, func(info models.ConnectionBinding) bool {
		return info.UserID == userID && info.SessionID == sessionID
	})
}

func (r *ConnectionRegistry) dispatch(frame models.Frame, match func(models.ConnectionBinding) bool) {
	r.mu.RLock()
	var targets []*binding
	for _, b := range r.conns {
		if match(b.info) {
			targets = append(targets, b)
		}
	}
	r.mu.RUnlock()

	for _, b := range targets {
		b.mu.Lock()
		err := b.send(frame)
		b.mu.Unlock()
		if err != nil {
			r.Remove(b.info.ConnectionID)
		}
	}
}

// Count reports live connections (diagnostics).
func (r *ConnectionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
