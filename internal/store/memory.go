package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fuomag9/indieauth/internal/models"
)

// MemoryStore implements Store in process memory. It suits tests and single-instance deployments.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*models.PendingSession
	codes    map[string]*models.AuthorizationCode
	refresh  map[string]*models.RefreshToken
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*models.PendingSession),
		codes:    make(map[string]*models.AuthorizationCode),
		refresh:  make(map[string]*models.RefreshToken),
	}
}

func (s *MemoryStore) CreateSession(_ context.Context, session *models.PendingSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.ID]; exists {
		return fmt.Errorf("session %s already exists", session.ID)
	}
	s.sessions[session.ID] = session.Clone()
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, id string, now time.Time) (*models.PendingSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok || session.IsExpired(now) {
		return nil, ErrNotFound
	}
	return session.Clone(), nil
}

func (s *MemoryStore) FindSessionByProviderState(_ context.Context, providerState string, now time.Time) (*models.PendingSession, error) {
	if providerState == "" {
		return nil, ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, session := range s.sessions {
		if session.ProviderState == providerState && !session.IsExpired(now) {
			return session.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) UpdateSession(_ context.Context, session *models.PendingSession, expected models.SessionStatus, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.sessions[session.ID]
	if !ok || stored.IsExpired(now) || stored.Status != expected {
		return ErrNotFound
	}
	stored.Status = session.Status
	stored.SelectedProviderURL = session.SelectedProviderURL
	stored.ProviderState = session.ProviderState
	return nil
}

func (s *MemoryStore) ConsumeSession(_ context.Context, sessionID string, code *models.AuthorizationCode, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.sessions[sessionID]
	if !ok || stored.IsExpired(now) || stored.Status != models.SessionConsentGiven {
		return ErrNotFound
	}
	if _, exists := s.codes[code.Code]; exists {
		return fmt.Errorf("authorization code already exists")
	}

	delete(s.sessions, sessionID)
	s.codes[code.Code] = code.Clone()
	return nil
}

func (s *MemoryStore) GetAuthorizationCode(_ context.Context, code string, now time.Time) (*models.AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.codes[code]
	if !ok || stored.IsUsed || stored.IsExpired(now) {
		return nil, ErrNotFound
	}
	return stored.Clone(), nil
}

func (s *MemoryStore) RedeemAuthorizationCode(_ context.Context, code string, refresh *models.RefreshToken, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.codes[code]
	if !ok || stored.IsUsed || stored.IsExpired(now) {
		return ErrNotFound
	}
	if refresh != nil {
		if _, exists := s.refresh[refresh.Token]; exists {
			return fmt.Errorf("refresh token already exists")
		}
		s.refresh[refresh.Token] = refresh.Clone()
	}
	stored.IsUsed = true
	return nil
}

func (s *MemoryStore) CreateRefreshToken(_ context.Context, token *models.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.refresh[token.Token]; exists {
		return fmt.Errorf("refresh token already exists")
	}
	s.refresh[token.Token] = token.Clone()
	return nil
}

func (s *MemoryStore) GetRefreshToken(_ context.Context, token string, now time.Time) (*models.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.refresh[token]
	if !ok || !stored.IsActive(now) {
		return nil, ErrNotFound
	}
	return stored.Clone(), nil
}

func (s *MemoryStore) RotateRefreshToken(_ context.Context, oldToken string, next *models.RefreshToken, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.refresh[oldToken]
	if !ok || !stored.IsActive(now) || stored.ClientID != next.ClientID {
		return ErrNotFound
	}
	if _, exists := s.refresh[next.Token]; exists {
		return fmt.Errorf("refresh token already exists")
	}

	stored.IsRevoked = true
	s.refresh[next.Token] = next.Clone()
	return nil
}

func (s *MemoryStore) RevokeRefreshToken(_ context.Context, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.refresh[token]
	if !ok || stored.IsRevoked {
		return false, nil
	}
	stored.IsRevoked = true
	return true, nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}
