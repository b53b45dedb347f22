package models

import (
	"slices"
	"time"

	"gorm.io/gorm"
)

// RefreshToken is an opaque long-lived token. Each use revokes it and issues a successor.
type RefreshToken struct {
	Token      string    `json:"-" gorm:"primaryKey;size:128"`
	ProfileURL string    `json:"profile_url" gorm:"not null"`
	ClientID   string    `json:"client_id" gorm:"not null;index"`
	Scopes     []string  `json:"scopes" gorm:"serializer:json;type:text;not null"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at" gorm:"not null;index"`
	IsRevoked  bool      `json:"is_revoked" gorm:"not null;default:false"`
}

// TableName specifies the table name for RefreshToken
func (RefreshToken) TableName() string {
	return "refresh_tokens"
}

// IsActive reports whether the token can still be exchanged
func (t *RefreshToken) IsActive(now time.Time) bool {
	return !t.IsRevoked && t.ExpiresAt.After(now)
}

// Clone returns a copy safe to mutate
func (t *RefreshToken) Clone() *RefreshToken {
	cp := *t
	cp.Scopes = slices.Clone(t.Scopes)
	return &cp
}

// BeforeSave stores an empty scope list as [] rather than NULL (GORM hook)
func (t *RefreshToken) BeforeSave(*gorm.DB) error {
	if t.Scopes == nil {
		t.Scopes = []string{}
	}
	return nil
}

// AfterFind restores an empty scope list for rows written without one (GORM hook)
func (t *RefreshToken) AfterFind(*gorm.DB) error {
	if t.Scopes == nil {
		t.Scopes = []string{}
	}
	return nil
}
