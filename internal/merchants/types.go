// Package merchants persists connected merchant accounts and their
// append-only audit trail.
package merchants

import (
	"encoding/json"
	"time"

	"github.com/orderflow/merchant-connect/internal/db/models"
)

// ProviderSquare is the only supported provider today.
const ProviderSquare = "square"

// TokenData is an OAuth credential set. It is owned by exactly one
// merchant and replaced wholesale on refresh or re-auth, never merged.
type TokenData struct {
	Access    string    `json:"access"`
	Refresh   string    `json:"refresh"`
	ExpiresAt time.Time `json:"expires_at"`
	Scopes    []string  `json:"scopes"`
}

// Location is a snapshot of a provider location at fetch time.
type Location struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Address      string   `json:"address,omitempty"`
	Timezone     string   `json:"timezone,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Metadata is the merchant lifecycle bookkeeping.
type Metadata struct {
	ConnectedAt         time.Time `json:"connected_at"`
	LastRefreshedAt     time.Time `json:"last_refreshed_at"`
	AppVersion          string    `json:"app_version,omitempty"`
	Revoked             bool      `json:"revoked"`
	OnboardingCompleted bool      `json:"onboarding_completed"`
	ScopesMismatch      bool      `json:"scopes_mismatch,omitempty"`
}

// Merchant is the domain view of a connected account.
type Merchant struct {
	ID                 string     `json:"id"`
	Provider           string     `json:"provider"`
	ProviderMerchantID string     `json:"provider_merchant_id"`
	Tokens             TokenData  `json:"tokens"`
	Locations          []Location `json:"locations"`
	Metadata           Metadata   `json:"metadata"`
}

// UpsertInput carries everything a connect callback knows about a merchant.
type UpsertInput struct {
	Provider           string
	ProviderMerchantID string
	Tokens             TokenData
	Locations          []Location
	AppVersion         string
	IP                 string
	UserAgent          string
}

// fromModel maps a stored row to the domain view.
func fromModel(m *models.Merchant) (*Merchant, error) {
	var scopes []string
	if m.Scopes != "" {
		if err := json.Unmarshal([]byte(m.Scopes), &scopes); err != nil {
			return nil, err
		}
	}
	var locations []Location
	if m.Locations != "" {
		if err := json.Unmarshal([]byte(m.Locations), &locations); err != nil {
			return nil, err
		}
	}
	return &Merchant{
		ID:                 m.ID,
		Provider:           m.Provider,
		ProviderMerchantID: m.ProviderMerchantID,
		Tokens: TokenData{
			Access:    m.AccessToken,
			Refresh:   m.RefreshToken,
			ExpiresAt: m.TokenExpiresAt,
			Scopes:    scopes,
		},
		Locations: locations,
		Metadata: Metadata{
			ConnectedAt:         m.ConnectedAt,
			LastRefreshedAt:     m.LastRefreshedAt,
			AppVersion:          m.AppVersion,
			Revoked:             m.Revoked,
			OnboardingCompleted: m.OnboardingCompleted,
			ScopesMismatch:      m.ScopesMismatch,
		},
	}, nil
}

func marshalJSON(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}
