package models

import "time"

// Merchant stores a connected provider account and its OAuth credentials.
// (Provider, ProviderMerchantID) is the natural key: the composite unique
// index is what keeps concurrent installs from creating two records for
// the same provider account.
type Merchant struct {
	ID                  string `gorm:"primaryKey"`                        // UUID
	Provider            string `gorm:"uniqueIndex:idx_provider_merchant"` // e.g., "square"
	ProviderMerchantID  string `gorm:"uniqueIndex:idx_provider_merchant"`
	AccessToken         string
	RefreshToken        string
	TokenExpiresAt      time.Time
	Scopes              string `gorm:"type:text"` // JSON array of granted scopes
	Locations           string `gorm:"type:text"` // JSON array, replaced wholesale on every update
	ConnectedAt         time.Time
	LastRefreshedAt     time.Time
	AppVersion          string
	Revoked             bool `gorm:"default:false"`
	OnboardingCompleted bool `gorm:"default:false"`
	ScopesMismatch      bool `gorm:"default:false"`
	CreatedAt           time.Time
	UpdatedAt           time.Time
}
