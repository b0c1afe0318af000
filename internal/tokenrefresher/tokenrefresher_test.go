package tokenrefresher

import (
	"context"
	"fmt"
	"testing"

	"github.com/SwissDataScienceCenter/renku-tokenrelay/internal/models"
	"github.com/SwissDataScienceCenter/renku-tokenrelay/internal/refresh"
	"github.com/SwissDataScienceCenter/renku-tokenrelay/internal/tokenstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRefresher(t *testing.T, store models.TokensStorage, refreshFunc refresh.RefreshFunc) TokenRefresher {
	coordinator, err := refresh.NewCoordinator(refresh.WithTokensStorage(store), refresh.WithRefreshFunc(refreshFunc))
	require.NoError(t, err)
	tr, err := NewTokenRefresher(WithIntervalMinutes(5), WithCoordinator(coordinator))
	require.NoError(t, err)
	return tr
}

func TestKeepAliveRefreshes(t *testing.T) {
	ctx := context.Background()
	store := tokenstore.NewMemoryStore(models.AuthTokenPair{AccessToken: "A1", RefreshToken: "R1"})
	var received string
	tr := newTestRefresher(t, store, func(_ context.Context, refreshToken string) (models.AuthTokenPair, error) {
		received = refreshToken
		return models.AuthTokenPair{AccessToken: "A2", RefreshToken: "R2"}, nil
	})

	err := tr.keepAlive(ctx)

	require.NoError(t, err)
	assert.Equal(t, "R1", received)
	accessToken, err := store.GetAccessToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "A2", accessToken)
}

func TestKeepAliveSkipsWithoutRefreshToken(t *testing.T) {
	store := tokenstore.NewMemoryStore(models.AuthTokenPair{AccessToken: "A1"})
	called := false
	tr := newTestRefresher(t, store, func(context.Context, string) (models.AuthTokenPair, error) {
		called = true
		return models.AuthTokenPair{}, nil
	})

	err := tr.keepAlive(context.Background())

	require.NoError(t, err)
	assert.False(t, called)
	accessToken, err := store.GetAccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "A1", accessToken)
}

func TestKeepAliveFailure(t *testing.T) {
	store := tokenstore.NewMemoryStore(models.AuthTokenPair{AccessToken: "A1", RefreshToken: "R1"})
	tr := newTestRefresher(t, store, func(context.Context, string) (models.AuthTokenPair, error) {
		return models.AuthTokenPair{}, fmt.Errorf("invalid_grant")
	})

	err := tr.keepAlive(context.Background())

	assert.ErrorContains(t, err, "invalid_grant")
}

func TestGetScheduler(t *testing.T) {
	store := tokenstore.NewMemoryStore(models.AuthTokenPair{})
	tr := newTestRefresher(t, store, func(context.Context, string) (models.AuthTokenPair, error) {
		return models.AuthTokenPair{}, nil
	})

	s, err := tr.GetScheduler()

	require.NoError(t, err)
	assert.Len(t, s.Jobs(), 1)
}

func TestNewTokenRefresherValidation(t *testing.T) {
	_, err := NewTokenRefresher(WithIntervalMinutes(0))
	assert.ErrorContains(t, err, "invalid value for IntervalMinutes")

	_, err = NewTokenRefresher(WithIntervalMinutes(1))
	assert.ErrorContains(t, err, "refresh coordinator not initialized")
}
