package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/promethea-labs/promethea/pkg/models"
)

// SQLiteStore implements Store on an embedded SQLite database. All writes of
// a committed turn happen inside one SQL transaction, so readers observe
// either the pre- or post-commit transcript, never a partial one.
type SQLiteStore struct {
	db *sql.DB

	openMu    sync.Mutex
	openTurns map[string]*Turn
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	username      TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	agent_name    TEXT NOT NULL DEFAULT '',
	system_prompt TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	title      TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id, updated_at DESC);

CREATE TABLE IF NOT EXISTS messages (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	role       TEXT NOT NULL,
	content    TEXT NOT NULL DEFAULT '',
	tool_calls TEXT,
	turn_index INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, turn_index, created_at);
`

// NewSQLiteStore opens (or creates) the database at path and applies the
// schema. Use ":memory:" for tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// The sqlite driver serializes writes; a single connection avoids
	// SQLITE_BUSY churn under concurrent turns.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteStore{db: db, openTurns: map[string]*Turn{}}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// DB exposes the handle for doctor probes.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) CreateUser(ctx context.Context, user *models.User) error {
	if user == nil || strings.TrimSpace(user.Username) == "" {
		return models.E(models.KindInvalidArguments, "username is required")
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, password_hash, agent_name, system_prompt, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		user.ID, user.Username, user.PasswordHash, user.AgentName, user.SystemPrompt, user.CreatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return models.E(models.KindInvalidArguments, "username already taken")
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, agent_name, system_prompt, created_at
		 FROM users WHERE username = ?`, username))
}

func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*models.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, agent_name, system_prompt, created_at
		 FROM users WHERE id = ?`, userID))
}

func (s *SQLiteStore) scanUser(row *sql.Row) (*models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.AgentName, &u.SystemPrompt, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.E(models.KindNotFound, "user not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

func (s *SQLiteStore) CreateSession(ctx context.Context, userID, title string) (*models.Session, error) {
	if userID == "" {
		return nil, models.E(models.KindInvalidArguments, "user id is required")
	}
	now := time.Now().UTC()
	session := &models.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		session.ID, session.UserID, session.Title, session.CreatedAt, session.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return session, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, userID, sessionID string) (*models.Session, error) {
	var sess models.Session
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, created_at, updated_at
		 FROM sessions WHERE id = ? AND user_id = ?`, sessionID, userID,
	).Scan(&sess.ID, &sess.UserID, &sess.Title, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		// Absent and foreign-owned sessions are indistinguishable here.
		return nil, models.E(models.KindNotFound, "session not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &sess, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, userID string) ([]*models.SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.id, s.title, s.created_at, s.updated_at,
		        COALESCE((SELECT m.content FROM messages m
		                  WHERE m.session_id = s.id AND m.role IN ('user','assistant')
		                  ORDER BY m.turn_index DESC, m.created_at DESC, m.rowid DESC LIMIT 1), ''),
		        (SELECT COUNT(*) FROM messages m WHERE m.session_id = s.id)
		 FROM sessions s WHERE s.user_id = ?
		 ORDER BY s.updated_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.SessionSummary
	for rows.Next() {
		var sum models.SessionSummary
		if err := rows.Scan(&sum.ID, &sum.Title, &sum.CreatedAt, &sum.UpdatedAt, &sum.LastMessage, &sum.MessageCount); err != nil {
			return nil, fmt.Errorf("scan session summary: %w", err)
		}
		out = append(out, &sum)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, userID, sessionID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE id = ? AND user_id = ?`, sessionID, userID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.E(models.KindNotFound, "session not found")
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("delete session messages: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetHistory(ctx context.Context, userID, sessionID string, limit int) ([]*models.Message, error) {
	if _, err := s.GetSession(ctx, userID, sessionID); err != nil {
		return nil, err
	}

	query := `SELECT id, session_id, role, content, tool_calls, turn_index, created_at
	          FROM messages WHERE session_id = ? ORDER BY turn_index, created_at, rowid`
	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		var m models.Message
		var toolCalls sql.NullString
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &toolCalls, &m.TurnIndex, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("decode tool calls: %w", err)
			}
		}
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *SQLiteStore) BeginTurn(ctx context.Context, userID, sessionID string) (*Turn, error) {
	if _, err := s.GetSession(ctx, userID, sessionID); err != nil {
		return nil, err
	}

	s.openMu.Lock()
	defer s.openMu.Unlock()
	if _, exists := s.openTurns[sessionID]; exists {
		return nil, models.E(models.KindBusy, "a turn is already open for this session")
	}

	var maxIndex sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(turn_index) FROM messages WHERE session_id = ?`, sessionID,
	).Scan(&maxIndex)
	if err != nil {
		return nil, fmt.Errorf("next turn index: %w", err)
	}
	index := 0
	if maxIndex.Valid {
		index = int(maxIndex.Int64) + 1
	}

	turn := &Turn{UserID: userID, SessionID: sessionID, Index: index, state: models.TurnOpen}
	s.openTurns[sessionID] = turn
	return turn, nil
}

func (s *SQLiteStore) CommitTurn(ctx context.Context, turn *Turn) error {
	if turn == nil {
		return models.E(models.KindInvalidArguments, "turn is nil")
	}
	if !turn.settle(models.TurnCommitted) {
		return models.Ef(models.KindInternal, "turn for session %s already settled", turn.SessionID)
	}
	defer s.release(turn.SessionID)

	msgs := turn.Messages()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, m := range msgs {
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		var toolCalls any
		if len(m.ToolCalls) > 0 {
			data, err := json.Marshal(m.ToolCalls)
			if err != nil {
				return fmt.Errorf("encode tool calls: %w", err)
			}
			toolCalls = string(data)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (id, session_id, role, content, tool_calls, turn_index, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.SessionID, m.Role, m.Content, toolCalls, m.TurnIndex, m.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}

	// First committed user message titles the session.
	title := firstUserLine(msgs)
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ?,
		        title = CASE WHEN title = '' AND ? != '' THEN ? ELSE title END
		 WHERE id = ?`,
		now, title, title, turn.SessionID,
	); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit turn: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AbortTurn(ctx context.Context, turn *Turn) error {
	if turn == nil {
		return models.E(models.KindInvalidArguments, "turn is nil")
	}
	if !turn.settle(models.TurnAborted) {
		return models.Ef(models.KindInternal, "turn for session %s already settled", turn.SessionID)
	}
	s.release(turn.SessionID)
	return nil
}

func (s *SQLiteStore) release(sessionID string) {
	s.openMu.Lock()
	delete(s.openTurns, sessionID)
	s.openMu.Unlock()
}

const maxTitleLen = 60

func firstUserLine(msgs []*models.Message) string {
	for _, m := range msgs {
		if m.Role != models.RoleUser {
			continue
		}
		title := strings.TrimSpace(m.Content)
		if i := strings.IndexByte(title, '\n'); i >= 0 {
			title = title[:i]
		}
		if len(title) > maxTitleLen {
			title = title[:maxTitleLen]
		}
		return title
	}
	return ""
}
