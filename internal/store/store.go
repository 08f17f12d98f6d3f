// Package store owns users, sessions, and turn-indexed messages. Every
// public operation takes the calling user's ID and scopes reads and writes to
// it; a session owned by another user is indistinguishable from a session
// that does not exist.
package store

import (
	"context"
	"sync"

	"github.com/promethea-labs/promethea/pkg/models"
)

// Store is the persistence contract for users, sessions, and messages.
type Store interface {
	// CreateUser inserts a new user. Usernames are unique.
	CreateUser(ctx context.Context, user *models.User) error

	// GetUserByUsername looks a user up for login.
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)

	// GetUser fetches a user by ID.
	GetUser(ctx context.Context, userID string) (*models.User, error)

	// CreateSession opens a new session owned by userID.
	CreateSession(ctx context.Context, userID, title string) (*models.Session, error)

	// GetSession returns the session only if owned by userID; otherwise
	// NotFound, whether the session is absent or owned by someone else.
	GetSession(ctx context.Context, userID, sessionID string) (*models.Session, error)

	// ListSessions returns the user's sessions ordered by updated_at
	// descending, with last-message preview and counts.
	ListSessions(ctx context.Context, userID string) ([]*models.SessionSummary, error)

	// DeleteSession removes a session and its messages, ownership-checked.
	DeleteSession(ctx context.Context, userID, sessionID string) error

	// GetHistory returns the session transcript in turn order, limited to
	// the most recent limit messages (0 means all), ownership-checked.
	GetHistory(ctx context.Context, userID, sessionID string, limit int) ([]*models.Message, error)

	// BeginTurn opens the turn transaction for a session. At most one open
	// turn may exist per session; a second begin fails with Busy.
	BeginTurn(ctx context.Context, userID, sessionID string) (*Turn, error)

	// CommitTurn atomically appends all buffered messages of the turn.
	// Either every message appears or none does.
	CommitTurn(ctx context.Context, turn *Turn) error

	// AbortTurn discards the turn's buffered messages.
	AbortTurn(ctx context.Context, turn *Turn) error

	Close() error
}

// Turn is the transient transaction grouping one user message, the assistant
// reply, and any tool messages produced along the way. Exactly one of
// CommitTurn or AbortTurn must be reached for every BeginTurn.
type Turn struct {
	UserID    string
	SessionID string
	Index     int

	mu       sync.Mutex
	state    models.TurnState
	messages []*models.Message
}

// Append buffers a message for the commit. Messages appended after commit or
// abort are silently discarded.
func (t *Turn) Append(msg *models.Message) {
	if msg == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != models.TurnOpen {
		return
	}
	msg.SessionID = t.SessionID
	msg.TurnIndex = t.Index
	t.messages = append(t.messages, msg)
}

// Messages returns the buffered messages in append order.
func (t *Turn) Messages() []*models.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*models.Message, len(t.messages))
	copy(out, t.messages)
	return out
}

// State reports the turn's lifecycle state.
func (t *Turn) State() models.TurnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Turn) settle(next models.TurnState) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != models.TurnOpen {
		return false
	}
	t.state = next
	return true
}
