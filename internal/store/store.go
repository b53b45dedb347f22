// Package store persists pending sessions, authorization codes and refresh tokens.
//
// Every read is scoped to rows whose expires_at lies after the supplied time, so
// expired rows behave exactly like missing ones. Operations that must not race
// (code redemption, session consumption, refresh rotation) are single atomic
// compare-and-set updates or transactions.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/fuomag9/indieauth/internal/models"
)

// ErrNotFound is returned when a row is missing, expired, or no longer in the expected state
var ErrNotFound = errors.New("not found or expired")

// Store is the persistence contract of the authorization server
type Store interface {
	CreateSession(ctx context.Context, session *models.PendingSession) error
	GetSession(ctx context.Context, id string, now time.Time) (*models.PendingSession, error)
	FindSessionByProviderState(ctx context.Context, providerState string, now time.Time) (*models.PendingSession, error)
	// UpdateSession writes the mutable fields of session only if the stored row still has status expected
	UpdateSession(ctx context.Context, session *models.PendingSession, expected models.SessionStatus, now time.Time) error
	// ConsumeSession deletes a consented session and inserts its authorization code in one unit of work
	ConsumeSession(ctx context.Context, sessionID string, code *models.AuthorizationCode, now time.Time) error

	GetAuthorizationCode(ctx context.Context, code string, now time.Time) (*models.AuthorizationCode, error)
	// RedeemAuthorizationCode flips an unused, unexpired code to used and, when refresh is
	// non-nil, inserts it in the same unit of work. ErrNotFound means it was redeemed already.
	RedeemAuthorizationCode(ctx context.Context, code string, refresh *models.RefreshToken, now time.Time) error

	CreateRefreshToken(ctx context.Context, token *models.RefreshToken) error
	GetRefreshToken(ctx context.Context, token string, now time.Time) (*models.RefreshToken, error)
	// RotateRefreshToken revokes oldToken, which must be active and bound to next.ClientID, and inserts next
	RotateRefreshToken(ctx context.Context, oldToken string, next *models.RefreshToken, now time.Time) error
	// RevokeRefreshToken reports whether an unrevoked token was revoked
	RevokeRefreshToken(ctx context.Context, token string) (bool, error)

	Ping(ctx context.Context) error
}
