package models

import (
	"slices"
	"time"

	"gorm.io/gorm"
)

// AuthorizationCode is a single-use code issued after consent
type AuthorizationCode struct {
	Code                string    `json:"-" gorm:"primaryKey;size:128"`
	ClientID            string    `json:"client_id" gorm:"not null"`
	RedirectURI         string    `json:"redirect_uri" gorm:"not null"`
	ProfileURL          string    `json:"profile_url" gorm:"not null"`
	Scopes              []string  `json:"scopes" gorm:"serializer:json;type:text;not null"`
	CodeChallenge       string    `json:"-" gorm:"not null"`
	CodeChallengeMethod string    `json:"-" gorm:"not null"`
	CreatedAt           time.Time `json:"created_at"`
	ExpiresAt           time.Time `json:"expires_at" gorm:"not null;index"`
	IsUsed              bool      `json:"is_used" gorm:"not null;default:false"`
}

// TableName specifies the table name for AuthorizationCode
func (AuthorizationCode) TableName() string {
	return "authorization_codes"
}

// IsExpired checks if the code has expired
func (c *AuthorizationCode) IsExpired(now time.Time) bool {
	return !c.ExpiresAt.After(now)
}

// HasScopes reports whether the code grants anything beyond identity
func (c *AuthorizationCode) HasScopes() bool {
	return len(c.Scopes) > 0
}

// Clone returns a copy safe to mutate
func (c *AuthorizationCode) Clone() *AuthorizationCode {
	cp := *c
	cp.Scopes = slices.Clone(c.Scopes)
	return &cp
}

// BeforeSave stores an empty scope list as [] rather than NULL (GORM hook)
func (c *AuthorizationCode) BeforeSave(*gorm.DB) error {
	if c.Scopes == nil {
		c.Scopes = []string{}
	}
	return nil
}

// AfterFind restores an empty scope list for rows written without one (GORM hook)
func (c *AuthorizationCode) AfterFind(*gorm.DB) error {
	if c.Scopes == nil {
		c.Scopes = []string{}
	}
	return nil
}
