package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/fuomag9/indieauth/internal/models"
)

// GormStore implements Store on a relational database
type GormStore struct {
	db *gorm.DB
}

var _ Store = (*GormStore)(nil)

// NewGormStore creates a store backed by db
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) CreateSession(ctx context.Context, session *models.PendingSession) error {
	if err := s.db.WithContext(ctx).Create(session).Error; err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (s *GormStore) GetSession(ctx context.Context, id string, now time.Time) (*models.PendingSession, error) {
	var session models.PendingSession
	err := s.db.WithContext(ctx).
		Where("id = ? AND expires_at > ?", id, now).
		First(&session).Error
	if err != nil {
		return nil, notFound(err, "session")
	}
	return &session, nil
}

func (s *GormStore) FindSessionByProviderState(ctx context.Context, providerState string, now time.Time) (*models.PendingSession, error) {
	if providerState == "" {
		return nil, ErrNotFound
	}

	var session models.PendingSession
	err := s.db.WithContext(ctx).
		Where("provider_state = ? AND expires_at > ?", providerState, now).
		First(&session).Error
	if err != nil {
		return nil, notFound(err, "session")
	}
	return &session, nil
}

func (s *GormStore) UpdateSession(ctx context.Context, session *models.PendingSession, expected models.SessionStatus, now time.Time) error {
	result := s.db.WithContext(ctx).
		Model(&models.PendingSession{}).
		Where("id = ? AND status = ? AND expires_at > ?", session.ID, expected, now).
		Updates(map[string]interface{}{
			"status":                session.Status,
			"selected_provider_url": session.SelectedProviderURL,
			"provider_state":        session.ProviderState,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update session: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) ConsumeSession(ctx context.Context, sessionID string, code *models.AuthorizationCode, now time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.
			Where("id = ? AND status = ? AND expires_at > ?", sessionID, models.SessionConsentGiven, now).
			Delete(&models.PendingSession{})
		if result.Error != nil {
			return fmt.Errorf("failed to delete session: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}

		if err := tx.Create(code).Error; err != nil {
			return fmt.Errorf("failed to create authorization code: %w", err)
		}
		return nil
	})
}

func (s *GormStore) GetAuthorizationCode(ctx context.Context, code string, now time.Time) (*models.AuthorizationCode, error) {
	var authCode models.AuthorizationCode
	err := s.db.WithContext(ctx).
		Where("code = ? AND is_used = ? AND expires_at > ?", code, false, now).
		First(&authCode).Error
	if err != nil {
		return nil, notFound(err, "authorization code")
	}
	return &authCode, nil
}

func (s *GormStore) RedeemAuthorizationCode(ctx context.Context, code string, refresh *models.RefreshToken, now time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.
			Model(&models.AuthorizationCode{}).
			Where("code = ? AND is_used = ? AND expires_at > ?", code, false, now).
			Update("is_used", true)
		if result.Error != nil {
			return fmt.Errorf("failed to mark authorization code used: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}

		if refresh == nil {
			return nil
		}
		if err := tx.Create(refresh).Error; err != nil {
			return fmt.Errorf("failed to create refresh token: %w", err)
		}
		return nil
	})
}

func (s *GormStore) CreateRefreshToken(ctx context.Context, token *models.RefreshToken) error {
	if err := s.db.WithContext(ctx).Create(token).Error; err != nil {
		return fmt.Errorf("failed to create refresh token: %w", err)
	}
	return nil
}

func (s *GormStore) GetRefreshToken(ctx context.Context, token string, now time.Time) (*models.RefreshToken, error) {
	var refresh models.RefreshToken
	err := s.db.WithContext(ctx).
		Where("token = ? AND is_revoked = ? AND expires_at > ?", token, false, now).
		First(&refresh).Error
	if err != nil {
		return nil, notFound(err, "refresh token")
	}
	return &refresh, nil
}

func (s *GormStore) RotateRefreshToken(ctx context.Context, oldToken string, next *models.RefreshToken, now time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.
			Model(&models.RefreshToken{}).
			Where("token = ? AND client_id = ? AND is_revoked = ? AND expires_at > ?", oldToken, next.ClientID, false, now).
			Update("is_revoked", true)
		if result.Error != nil {
			return fmt.Errorf("failed to revoke refresh token: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}

		if err := tx.Create(next).Error; err != nil {
			return fmt.Errorf("failed to create refresh token: %w", err)
		}
		return nil
	})
}

func (s *GormStore) RevokeRefreshToken(ctx context.Context, token string) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&models.RefreshToken{}).
		Where("token = ? AND is_revoked = ?", token, false).
		Update("is_revoked", true)
	if result.Error != nil {
		return false, fmt.Errorf("failed to revoke refresh token: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return fmt.Errorf("failed to load %s: %w", what, err)
}
