// Package token keeps merchant access tokens fresh in the background.
package token

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/orderflow/merchant-connect/internal/auth/square"
	"github.com/orderflow/merchant-connect/internal/merchants"
	"go.uber.org/zap"
)

const (
	// Square access tokens last 30 days; a generous sweep cadence and
	// refresh window keep plenty of margin without hammering the
	// provider.
	refreshInterval = 6 * time.Hour
	refreshWindow   = 7 * 24 * time.Hour
)

// Refresher obtains a fresh token pair from the provider.
type Refresher interface {
	RefreshAccessToken(ctx context.Context, refreshToken string) (*square.TokenResponse, error)
}

// Manager refreshes merchant tokens before they expire. Permanent
// refresh failures (revoked or invalid grants) revoke the merchant so
// the operator can see it needs a re-install; transient failures are
// retried on the next sweep.
type Manager struct {
	repo   *merchants.Repository
	client Refresher
	log    *zap.Logger
}

// NewManager creates a token manager.
func NewManager(repo *merchants.Repository, client Refresher, log *zap.Logger) *Manager {
	return &Manager{repo: repo, client: client, log: log}
}

// StartRefreshLoop sweeps for expiring tokens on an interval until ctx
// is done.
func (m *Manager) StartRefreshLoop(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.refreshExpiring(ctx)
			}
		}
	}()
	m.log.Info("token refresh loop started", zap.Duration("interval", refreshInterval))
}

// refreshExpiring refreshes every non-revoked merchant whose token
// expires within the refresh window.
func (m *Manager) refreshExpiring(ctx context.Context) {
	expiring, err := m.repo.ListExpiringTokens(ctx, time.Now().Add(refreshWindow))
	if err != nil {
		m.log.Error("expiring token scan failed", zap.Error(err))
		return
	}
	for _, merchant := range expiring {
		if err := m.RefreshMerchant(ctx, merchant.ID); err != nil {
			m.log.Warn("token refresh failed",
				zap.String("merchant_id", merchant.ID), zap.Error(err))
		}
	}
}

// RefreshMerchant refreshes one merchant's tokens immediately and stores
// the replacement wholesale.
func (m *Manager) RefreshMerchant(ctx context.Context, id string) error {
	merchant, err := m.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if merchant.Metadata.Revoked {
		return fmt.Errorf("%w: %s is revoked", merchants.ErrNotFound, id)
	}

	fresh, err := m.client.RefreshAccessToken(ctx, merchant.Tokens.Refresh)
	if err != nil {
		if isPermanentRefreshError(err) {
			m.log.Warn("permanent refresh failure, revoking merchant",
				zap.String("merchant_id", id), zap.Error(err))
			if revokeErr := m.repo.Revoke(ctx, id); revokeErr != nil {
				m.log.Error("revoke after refresh failure", zap.Error(revokeErr))
			}
		}
		return err
	}

	if err := m.repo.UpdateTokens(ctx, id, merchants.TokenData{
		Access:    fresh.AccessToken,
		Refresh:   fresh.RefreshToken,
		ExpiresAt: fresh.ExpiresAt,
		Scopes:    fresh.Scopes,
	}); err != nil {
		return err
	}

	m.log.Info("refreshed merchant token",
		zap.String("merchant_id", id),
		zap.Time("expires_at", fresh.ExpiresAt),
	)
	return nil
}

// IsRefreshError reports whether err came from the provider refresh call
// rather than from storage.
func IsRefreshError(err error) bool {
	return errors.Is(err, square.ErrRefreshFailed)
}

func isPermanentRefreshError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	permanentMarkers := []string{
		"invalid_grant",
		"invalid_client",
		"unauthorized_client",
		"token has been expired or revoked",
		"revoked",
	}
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
