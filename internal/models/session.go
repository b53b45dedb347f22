package models

import (
	"slices"
	"time"

	"gorm.io/gorm"
)

// SessionStatus is the position of a pending authentication in the authorization flow
type SessionStatus string

const (
	// SessionCreated means the request was validated and providers were discovered
	SessionCreated SessionStatus = "created"
	// SessionProviderSelected means an identity provider was chosen and the user was sent to it
	SessionProviderSelected SessionStatus = "provider_selected"
	// SessionAuthenticated means the provider confirmed the user owns the profile
	SessionAuthenticated SessionStatus = "authenticated"
	// SessionConsentGiven means the user approved the client
	SessionConsentGiven SessionStatus = "consent_given"
)

// DiscoveredProvider is an identity provider account found through rel="me" links
type DiscoveredProvider struct {
	Type               string `json:"type"`
	DisplayName        string `json:"display_name"`
	ProviderProfileURL string `json:"provider_profile_url"`
	IconURL            string `json:"icon_url,omitempty"`
}

// PendingSession tracks an authorization request between validation and code issuance
type PendingSession struct {
	ID                  string               `json:"id" gorm:"primaryKey;size:64"`
	ClientID            string               `json:"client_id" gorm:"not null"`
	RedirectURI         string               `json:"redirect_uri" gorm:"not null"`
	State               string               `json:"state" gorm:"not null"`
	CodeChallenge       string               `json:"-" gorm:"not null"`
	CodeChallengeMethod string               `json:"-" gorm:"not null"`
	Scopes              []string             `json:"scopes" gorm:"serializer:json;type:text;not null"`
	ProfileURL          string               `json:"profile_url" gorm:"not null"`
	Providers           []DiscoveredProvider `json:"providers" gorm:"serializer:json;type:text;not null"`
	SelectedProviderURL string               `json:"selected_provider_url"`
	ProviderState       string               `json:"-" gorm:"index"`
	Status              SessionStatus        `json:"status" gorm:"not null"`
	ClientName          string               `json:"client_name"`
	ClientLogoURI       string               `json:"client_logo_uri"`
	CreatedAt           time.Time            `json:"created_at"`
	ExpiresAt           time.Time            `json:"expires_at" gorm:"not null;index"`
}

// TableName specifies the table name for PendingSession
func (PendingSession) TableName() string {
	return "pending_sessions"
}

// IsAuthenticated reports whether the identity provider step has completed
func (s *PendingSession) IsAuthenticated() bool {
	return s.Status == SessionAuthenticated || s.Status == SessionConsentGiven
}

// IsConsentGiven reports whether the user approved the client
func (s *PendingSession) IsConsentGiven() bool {
	return s.Status == SessionConsentGiven
}

// IsExpired checks if the session has expired
func (s *PendingSession) IsExpired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// BeforeSave stores empty lists as [] rather than NULL (GORM hook)
func (s *PendingSession) BeforeSave(*gorm.DB) error {
	if s.Scopes == nil {
		s.Scopes = []string{}
	}
	if s.Providers == nil {
		s.Providers = []DiscoveredProvider{}
	}
	return nil
}

// AfterFind restores empty lists for rows written as NULL or "" (GORM hook)
func (s *PendingSession) AfterFind(*gorm.DB) error {
	if s.Scopes == nil {
		s.Scopes = []string{}
	}
	if s.Providers == nil {
		s.Providers = []DiscoveredProvider{}
	}
	return nil
}

// SelectedProvider returns the discovered provider the user chose
func (s *PendingSession) SelectedProvider() (DiscoveredProvider, bool) {
	return s.Provider(s.SelectedProviderURL)
}

// Provider returns the discovered provider with the given provider profile URL.
// A profile may link several accounts on one provider, so the type alone is ambiguous.
func (s *PendingSession) Provider(providerProfileURL string) (DiscoveredProvider, bool) {
	if providerProfileURL == "" {
		return DiscoveredProvider{}, false
	}
	i := slices.IndexFunc(s.Providers, func(p DiscoveredProvider) bool {
		return p.ProviderProfileURL == providerProfileURL
	})
	if i < 0 {
		return DiscoveredProvider{}, false
	}
	return s.Providers[i], true
}

// Clone returns a deep copy so callers can mutate without touching stored state
func (s *PendingSession) Clone() *PendingSession {
	c := *s
	c.Scopes = slices.Clone(s.Scopes)
	c.Providers = slices.Clone(s.Providers)
	return &c
}
