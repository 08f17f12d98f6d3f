package auth

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promethea-labs/promethea/internal/store"
	"github.com/promethea-labs/promethea/pkg/models"
)

func newTestAuth(t *testing.T) *Service {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "auth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewService(st, "test-secret", time.Hour)
}

func TestRegisterThenLoginResolvesSameUser(t *testing.T) {
	svc := newTestAuth(t)
	ctx := context.Background()

	user, regToken, err := svc.Register(ctx, "wang", "hunter22", "Promethea")
	require.NoError(t, err)
	require.NotEmpty(t, regToken)

	resolved, err := svc.Resolve(ctx, regToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, resolved.ID)

	_, loginToken, err := svc.Login(ctx, "wang", "hunter22")
	require.NoError(t, err)
	resolved, err = svc.Resolve(ctx, loginToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, resolved.ID)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	svc := newTestAuth(t)
	ctx := context.Background()
	_, _, err := svc.Register(ctx, "wang", "hunter22", "")
	require.NoError(t, err)

	_, _, wrongPass := svc.Login(ctx, "wang", "wrong-password")
	_, _, wrongUser := svc.Login(ctx, "nobody", "hunter22")
	require.Error(t, wrongPass)
	require.Error(t, wrongUser)
	assert.Equal(t, models.KindUnauthorized, models.KindOf(wrongPass))
	// Unknown user and wrong password are indistinguishable.
	assert.Equal(t, wrongPass.Error(), wrongUser.Error())
}

func TestResolveRejectsGarbageToken(t *testing.T) {
	svc := newTestAuth(t)
	_, err := svc.Resolve(context.Background(), "not-a-token")
	require.Error(t, err)
	assert.Equal(t, models.KindUnauthorized, models.KindOf(err))
}

func TestRevokeInvalidatesToken(t *testing.T) {
	svc := newTestAuth(t)
	ctx := context.Background()
	_, token, err := svc.Register(ctx, "wang", "hunter22", "")
	require.NoError(t, err)

	svc.Revoke(token)
	_, err = svc.Resolve(ctx, token)
	require.Error(t, err)
	assert.Equal(t, models.KindUnauthorized, models.KindOf(err))
}

func TestRegisterValidatesInput(t *testing.T) {
	svc := newTestAuth(t)
	ctx := context.Background()

	_, _, err := svc.Register(ctx, "", "hunter22", "")
	assert.Equal(t, models.KindInvalidArguments, models.KindOf(err))

	_, _, err = svc.Register(ctx, "wang", "short", "")
	assert.Equal(t, models.KindInvalidArguments, models.KindOf(err))
}

func TestTokensAreBearerOpaqueToCaller(t *testing.T) {
	svc := newTestAuth(t)
	ctx := context.Background()
	user, token, err := svc.Register(ctx, "wang", "hunter22", "")
	require.NoError(t, err)

	// A token from a different secret must not resolve.
	other := NewService(nil, "other-secret", time.Hour)
	_, err = other.jwt.Validate(token)
	require.Error(t, err)

	claims, err := svc.jwt.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.Subject)
}
