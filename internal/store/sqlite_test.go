package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promethea-labs/promethea/pkg/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "promethea.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedUser(t *testing.T, s *SQLiteStore, username string) *models.User {
	t.Helper()
	u := &models.User{Username: username, PasswordHash: "x"}
	require.NoError(t, s.CreateUser(context.Background(), u))
	return u
}

func TestCreateUserEnforcesUniqueUsername(t *testing.T) {
	s := newTestStore(t)
	seedUser(t, s, "wang")

	err := s.CreateUser(context.Background(), &models.User{Username: "wang", PasswordHash: "y"})
	require.Error(t, err)
	assert.Equal(t, models.KindInvalidArguments, models.KindOf(err))
}

func TestGetSessionCrossTenantIsNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u1 := seedUser(t, s, "u1")
	u2 := seedUser(t, s, "u2")

	sess, err := s.CreateSession(ctx, u1.ID, "")
	require.NoError(t, err)

	// Owner sees it.
	_, err = s.GetSession(ctx, u1.ID, sess.ID)
	require.NoError(t, err)

	// Another user gets the same NotFound as for a nonexistent session.
	_, errForeign := s.GetSession(ctx, u2.ID, sess.ID)
	_, errAbsent := s.GetSession(ctx, u2.ID, "no-such-session")
	require.Error(t, errForeign)
	require.Error(t, errAbsent)
	assert.Equal(t, models.KindNotFound, models.KindOf(errForeign))
	assert.Equal(t, models.KindOf(errAbsent), models.KindOf(errForeign))
	assert.Equal(t, errAbsent.Error(), errForeign.Error())
}

func TestTurnCommitIsAtomicAndOrdered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s, "u1")
	sess, err := s.CreateSession(ctx, u.ID, "")
	require.NoError(t, err)

	turn, err := s.BeginTurn(ctx, u.ID, sess.ID)
	require.NoError(t, err)
	turn.Append(&models.Message{Role: models.RoleUser, Content: "My name is Wang Er, I am 26."})
	turn.Append(&models.Message{Role: models.RoleAssistant, Content: "Nice to meet you, Wang Er."})

	// Nothing visible before commit.
	history, err := s.GetHistory(ctx, u.ID, sess.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, history)

	require.NoError(t, s.CommitTurn(ctx, turn))

	history, err = s.GetHistory(ctx, u.ID, sess.ID, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, models.RoleUser, history[0].Role)
	assert.Equal(t, models.RoleAssistant, history[1].Role)
	assert.Equal(t, 0, history[0].TurnIndex)
	assert.Equal(t, 0, history[1].TurnIndex)
}

func TestAtMostOneOpenTurnPerSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s, "u1")
	sess, err := s.CreateSession(ctx, u.ID, "")
	require.NoError(t, err)

	turn, err := s.BeginTurn(ctx, u.ID, sess.ID)
	require.NoError(t, err)

	_, err = s.BeginTurn(ctx, u.ID, sess.ID)
	require.Error(t, err)
	assert.Equal(t, models.KindBusy, models.KindOf(err))

	require.NoError(t, s.AbortTurn(ctx, turn))

	// Released after abort.
	next, err := s.BeginTurn(ctx, u.ID, sess.ID)
	require.NoError(t, err)
	require.NoError(t, s.AbortTurn(ctx, next))
}

func TestAbortedTurnLeavesNoMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s, "u1")
	sess, err := s.CreateSession(ctx, u.ID, "")
	require.NoError(t, err)

	turn, err := s.BeginTurn(ctx, u.ID, sess.ID)
	require.NoError(t, err)
	turn.Append(&models.Message{Role: models.RoleUser, Content: "draft"})
	require.NoError(t, s.AbortTurn(ctx, turn))

	history, err := s.GetHistory(ctx, u.ID, sess.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestTurnIndexIsMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s, "u1")
	sess, err := s.CreateSession(ctx, u.ID, "")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		turn, err := s.BeginTurn(ctx, u.ID, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, i, turn.Index)
		turn.Append(&models.Message{Role: models.RoleUser, Content: "hi"})
		turn.Append(&models.Message{Role: models.RoleAssistant, Content: "hello"})
		require.NoError(t, s.CommitTurn(ctx, turn))
	}
}

func TestListSessionsOrderAndCounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s, "u1")

	first, err := s.CreateSession(ctx, u.ID, "")
	require.NoError(t, err)
	second, err := s.CreateSession(ctx, u.ID, "")
	require.NoError(t, err)

	turn, err := s.BeginTurn(ctx, u.ID, first.ID)
	require.NoError(t, err)
	turn.Append(&models.Message{Role: models.RoleUser, Content: "hello there"})
	turn.Append(&models.Message{Role: models.RoleAssistant, Content: "hi!"})
	require.NoError(t, s.CommitTurn(ctx, turn))

	list, err := s.ListSessions(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)

	// The committed turn touched first, so it now sorts before second.
	assert.Equal(t, first.ID, list[0].ID)
	assert.Equal(t, second.ID, list[1].ID)
	assert.Equal(t, 2, list[0].MessageCount)
	assert.Equal(t, "hi!", list[0].LastMessage)
	assert.Equal(t, "hello there", list[0].Title)
}

func TestDeleteSessionScopedToOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u1 := seedUser(t, s, "u1")
	u2 := seedUser(t, s, "u2")
	sess, err := s.CreateSession(ctx, u1.ID, "")
	require.NoError(t, err)

	err = s.DeleteSession(ctx, u2.ID, sess.ID)
	require.Error(t, err)
	assert.Equal(t, models.KindNotFound, models.KindOf(err))

	require.NoError(t, s.DeleteSession(ctx, u1.ID, sess.ID))
	_, err = s.GetSession(ctx, u1.ID, sess.ID)
	assert.Equal(t, models.KindNotFound, models.KindOf(err))
}

func TestHistoryLimitKeepsTail(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s, "u1")
	sess, err := s.CreateSession(ctx, u.ID, "")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		turn, err := s.BeginTurn(ctx, u.ID, sess.ID)
		require.NoError(t, err)
		turn.Append(&models.Message{Role: models.RoleUser, Content: "q"})
		turn.Append(&models.Message{Role: models.RoleAssistant, Content: "a"})
		require.NoError(t, s.CommitTurn(ctx, turn))
	}

	history, err := s.GetHistory(ctx, u.ID, sess.ID, 4)
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Equal(t, 3, history[0].TurnIndex)
	assert.Equal(t, 4, history[3].TurnIndex)
}
