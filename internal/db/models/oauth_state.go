package models

import "time"

// OAuthState is a single-use CSRF token issued by the authorize endpoint
// and consumed (read + deleted) exactly once by the callback.
type OAuthState struct {
	Token     string `gorm:"primaryKey"` // high-entropy, URL-safe
	Flow      string // "install" or "login"
	CreatedAt time.Time
	ExpiresAt time.Time `gorm:"index"`
}
