package store

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fuomag9/indieauth/internal/config"
	"github.com/fuomag9/indieauth/internal/database"
	"github.com/fuomag9/indieauth/internal/models"
)

func newSQLiteStore(t *testing.T) Store {
	t.Helper()

	db, err := database.Connect(config.DatabaseConfig{
		Type:         "sqlite",
		DSN:          filepath.Join(t.TempDir(), "indieauth.db"),
		MaxOpenConns: 1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })

	require.NoError(t, database.RunMigrations(db, "sqlite"))
	// A second run is a no-op
	require.NoError(t, database.RunMigrations(db, "sqlite"))

	return NewGormStore(db)
}

func newMemoryStore(*testing.T) Store {
	return NewMemoryStore()
}

var backends = map[string]func(t *testing.T) Store{
	"memory": newMemoryStore,
	"sqlite": newSQLiteStore,
}

var baseTime = time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

func testSession(id string) *models.PendingSession {
	return &models.PendingSession{
		ID:                  id,
		ClientID:            "https://app.example.com/",
		RedirectURI:         "https://app.example.com/callback",
		State:               "client-state",
		CodeChallenge:       "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM",
		CodeChallengeMethod: "S256",
		Scopes:              []string{"profile", "create"},
		ProfileURL:          "https://alice.example.com/",
		Providers: []models.DiscoveredProvider{
			{Type: "github", DisplayName: "GitHub", ProviderProfileURL: "https://github.com/alice"},
		},
		Status:    models.SessionCreated,
		CreatedAt: baseTime,
		ExpiresAt: baseTime.Add(15 * time.Minute),
	}
}

func testCode(code string) *models.AuthorizationCode {
	return &models.AuthorizationCode{
		Code:                code,
		ClientID:            "https://app.example.com/",
		RedirectURI:         "https://app.example.com/callback",
		ProfileURL:          "https://alice.example.com/",
		Scopes:              []string{"profile"},
		CodeChallenge:       "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM",
		CodeChallengeMethod: "S256",
		CreatedAt:           baseTime,
		ExpiresAt:           baseTime.Add(10 * time.Minute),
	}
}

func testRefresh(token, clientID string) *models.RefreshToken {
	return &models.RefreshToken{
		Token:      token,
		ProfileURL: "https://alice.example.com/",
		ClientID:   clientID,
		Scopes:     []string{"profile", "create"},
		CreatedAt:  baseTime,
		ExpiresAt:  baseTime.Add(30 * 24 * time.Hour),
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()
	for name, newStore := range backends {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			fn(t, newStore(t))
		})
	}
}

func TestSessionLifecycle(t *testing.T) {
	t.Parallel()

	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateSession(ctx, testSession("s1")))

		got, err := s.GetSession(ctx, "s1", baseTime)
		require.NoError(t, err)
		assert.Equal(t, models.SessionCreated, got.Status)
		assert.Equal(t, []string{"profile", "create"}, got.Scopes)
		require.Len(t, got.Providers, 1)
		assert.Equal(t, "https://github.com/alice", got.Providers[0].ProviderProfileURL)

		got.Status = models.SessionProviderSelected
		got.SelectedProviderURL = "https://github.com/alice"
		got.ProviderState = "provider-state"
		require.NoError(t, s.UpdateSession(ctx, got, models.SessionCreated, baseTime))

		// Stale expected status loses the compare-and-set
		assert.ErrorIs(t, s.UpdateSession(ctx, got, models.SessionCreated, baseTime), ErrNotFound)

		found, err := s.FindSessionByProviderState(ctx, "provider-state", baseTime)
		require.NoError(t, err)
		assert.Equal(t, "s1", found.ID)
		assert.Equal(t, "https://github.com/alice", found.SelectedProviderURL)

		_, err = s.FindSessionByProviderState(ctx, "other", baseTime)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.FindSessionByProviderState(ctx, "", baseTime)
		assert.ErrorIs(t, err, ErrNotFound)

		// Clearing the provider state is persisted
		found.Status = models.SessionAuthenticated
		found.ProviderState = ""
		require.NoError(t, s.UpdateSession(ctx, found, models.SessionProviderSelected, baseTime))
		_, err = s.FindSessionByProviderState(ctx, "provider-state", baseTime)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestSessionExpiry(t *testing.T) {
	t.Parallel()

	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		session := testSession("s1")
		session.ProviderState = "provider-state"
		require.NoError(t, s.CreateSession(ctx, session))

		later := session.ExpiresAt
		_, err := s.GetSession(ctx, "s1", later)
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = s.FindSessionByProviderState(ctx, "provider-state", later)
		assert.ErrorIs(t, err, ErrNotFound)

		session.Status = models.SessionProviderSelected
		assert.ErrorIs(t, s.UpdateSession(ctx, session, models.SessionCreated, later), ErrNotFound)

		_, err = s.GetSession(ctx, "missing", baseTime)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestConsumeSession(t *testing.T) {
	t.Parallel()

	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		session := testSession("s1")
		require.NoError(t, s.CreateSession(ctx, session))

		// Only consented sessions can be consumed
		assert.ErrorIs(t, s.ConsumeSession(ctx, "s1", testCode("c1"), baseTime), ErrNotFound)
		_, err := s.GetAuthorizationCode(ctx, "c1", baseTime)
		assert.ErrorIs(t, err, ErrNotFound)

		session.Status = models.SessionConsentGiven
		require.NoError(t, s.UpdateSession(ctx, session, models.SessionCreated, baseTime))
		require.NoError(t, s.ConsumeSession(ctx, "s1", testCode("c1"), baseTime))

		_, err = s.GetSession(ctx, "s1", baseTime)
		assert.ErrorIs(t, err, ErrNotFound)

		code, err := s.GetAuthorizationCode(ctx, "c1", baseTime)
		require.NoError(t, err)
		assert.Equal(t, "https://alice.example.com/", code.ProfileURL)
		assert.Equal(t, []string{"profile"}, code.Scopes)
		assert.False(t, code.IsUsed)

		// A consumed session cannot mint a second code
		assert.ErrorIs(t, s.ConsumeSession(ctx, "s1", testCode("c2"), baseTime), ErrNotFound)
	})
}

func TestAuthorizationCodeSingleUse(t *testing.T) {
	t.Parallel()

	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		session := testSession("s1")
		session.Status = models.SessionConsentGiven
		require.NoError(t, s.CreateSession(ctx, session))
		require.NoError(t, s.ConsumeSession(ctx, "s1", testCode("c1"), baseTime))

		var wins atomic.Int32
		var wg sync.WaitGroup
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if s.RedeemAuthorizationCode(ctx, "c1", nil, baseTime) == nil {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), wins.Load())
		_, err := s.GetAuthorizationCode(ctx, "c1", baseTime)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestAuthorizationCodeExpiry(t *testing.T) {
	t.Parallel()

	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		session := testSession("s1")
		session.Status = models.SessionConsentGiven
		require.NoError(t, s.CreateSession(ctx, session))
		code := testCode("c1")
		require.NoError(t, s.ConsumeSession(ctx, "s1", code, baseTime))

		_, err := s.GetAuthorizationCode(ctx, "c1", code.ExpiresAt)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.RedeemAuthorizationCode(ctx, "c1", nil, code.ExpiresAt.Add(time.Second)), ErrNotFound)
	})
}

func TestScopelessSessionAndCode(t *testing.T) {
	t.Parallel()

	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		session := testSession("s1")
		session.Scopes = nil
		session.Providers = nil
		require.NoError(t, s.CreateSession(ctx, session))

		got, err := s.GetSession(ctx, "s1", baseTime)
		require.NoError(t, err)
		assert.Empty(t, got.Scopes)
		assert.Empty(t, got.Providers)

		got.Status = models.SessionConsentGiven
		require.NoError(t, s.UpdateSession(ctx, got, models.SessionCreated, baseTime))

		code := testCode("c1")
		code.Scopes = nil
		require.NoError(t, s.ConsumeSession(ctx, "s1", code, baseTime))

		stored, err := s.GetAuthorizationCode(ctx, "c1", baseTime)
		require.NoError(t, err)
		assert.False(t, stored.HasScopes())

		require.NoError(t, s.RedeemAuthorizationCode(ctx, "c1", nil, baseTime))
		assert.ErrorIs(t, s.RedeemAuthorizationCode(ctx, "c1", nil, baseTime), ErrNotFound)
	})
}

func TestRedeemAuthorizationCodeStoresRefreshToken(t *testing.T) {
	t.Parallel()

	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		clientID := "https://app.example.com/"
		session := testSession("s1")
		session.Status = models.SessionConsentGiven
		require.NoError(t, s.CreateSession(ctx, session))
		require.NoError(t, s.ConsumeSession(ctx, "s1", testCode("c1"), baseTime))

		require.NoError(t, s.RedeemAuthorizationCode(ctx, "c1", testRefresh("r1", clientID), baseTime))

		stored, err := s.GetRefreshToken(ctx, "r1", baseTime)
		require.NoError(t, err)
		assert.Equal(t, clientID, stored.ClientID)

		// A spent code does not mint another refresh token
		assert.ErrorIs(t, s.RedeemAuthorizationCode(ctx, "c1", testRefresh("r2", clientID), baseTime), ErrNotFound)
		_, err = s.GetRefreshToken(ctx, "r2", baseTime)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestRedeemAuthorizationCodeRollsBack(t *testing.T) {
	t.Parallel()

	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		clientID := "https://app.example.com/"
		require.NoError(t, s.CreateRefreshToken(ctx, testRefresh("r1", clientID)))

		session := testSession("s1")
		session.Status = models.SessionConsentGiven
		require.NoError(t, s.CreateSession(ctx, session))
		require.NoError(t, s.ConsumeSession(ctx, "s1", testCode("c1"), baseTime))

		// The refresh token insert fails, so the code stays redeemable
		err := s.RedeemAuthorizationCode(ctx, "c1", testRefresh("r1", clientID), baseTime)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrNotFound)

		code, err := s.GetAuthorizationCode(ctx, "c1", baseTime)
		require.NoError(t, err)
		assert.False(t, code.IsUsed)

		require.NoError(t, s.RedeemAuthorizationCode(ctx, "c1", testRefresh("r2", clientID), baseTime))
	})
}

func TestRefreshTokenRotation(t *testing.T) {
	t.Parallel()

	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		clientID := "https://app.example.com/"
		require.NoError(t, s.CreateRefreshToken(ctx, testRefresh("r1", clientID)))

		got, err := s.GetRefreshToken(ctx, "r1", baseTime)
		require.NoError(t, err)
		assert.Equal(t, []string{"profile", "create"}, got.Scopes)

		// Wrong client leaves the token untouched
		assert.ErrorIs(t, s.RotateRefreshToken(ctx, "r1", testRefresh("r2", "https://evil.example/"), baseTime), ErrNotFound)
		_, err = s.GetRefreshToken(ctx, "r2", baseTime)
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.RotateRefreshToken(ctx, "r1", testRefresh("r2", clientID), baseTime))

		_, err = s.GetRefreshToken(ctx, "r1", baseTime)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetRefreshToken(ctx, "r2", baseTime)
		require.NoError(t, err)

		// The old token cannot start a second chain
		assert.ErrorIs(t, s.RotateRefreshToken(ctx, "r1", testRefresh("r3", clientID), baseTime), ErrNotFound)
		_, err = s.GetRefreshToken(ctx, "r3", baseTime)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestRefreshTokenRevocation(t *testing.T) {
	t.Parallel()

	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateRefreshToken(ctx, testRefresh("r1", "https://app.example.com/")))

		revoked, err := s.RevokeRefreshToken(ctx, "r1")
		require.NoError(t, err)
		assert.True(t, revoked)

		revoked, err = s.RevokeRefreshToken(ctx, "r1")
		require.NoError(t, err)
		assert.False(t, revoked)

		revoked, err = s.RevokeRefreshToken(ctx, "unknown")
		require.NoError(t, err)
		assert.False(t, revoked)

		_, err = s.GetRefreshToken(ctx, "r1", baseTime)
		assert.ErrorIs(t, err, ErrNotFound)

		assert.NoError(t, s.Ping(ctx))
	})
}

func TestRefreshTokenExpiry(t *testing.T) {
	t.Parallel()

	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		token := testRefresh("r1", "https://app.example.com/")
		require.NoError(t, s.CreateRefreshToken(ctx, token))

		_, err := s.GetRefreshToken(ctx, "r1", token.ExpiresAt)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.RotateRefreshToken(ctx, "r1", testRefresh("r2", token.ClientID), token.ExpiresAt), ErrNotFound)
	})
}
