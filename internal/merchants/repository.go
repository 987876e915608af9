package merchants

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/orderflow/merchant-connect/internal/db/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrNotFound is returned when no merchant matches the given id or
// natural key.
var ErrNotFound = errors.New("merchant not found")

// Repository persists merchants and their audit trail.
type Repository struct {
	db  *gorm.DB
	log *zap.Logger
}

// NewRepository creates a merchant repository.
func NewRepository(db *gorm.DB, log *zap.Logger) *Repository {
	return &Repository{db: db, log: log}
}

// Upsert creates or updates the merchant identified by
// (input.Provider, input.ProviderMerchantID).
//
// An existing record keeps its id; tokens and locations are replaced
// wholesale, revoked and scopesMismatch reset to false. A new record
// gets a generated id and onboardingCompleted=false. The composite
// unique index on the natural key backs the find-or-create: if a
// concurrent install wins the insert, this call retries once as an
// update, so the same key never yields two records.
func (r *Repository) Upsert(ctx context.Context, input UpsertInput) (*Merchant, error) {
	merchant, created, err := r.upsertOnce(ctx, input)
	if err != nil && isDuplicateKey(err) {
		merchant, created, err = r.upsertOnce(ctx, input)
	}
	if err != nil {
		return nil, err
	}

	event := models.EventMerchantUpdated
	if created {
		event = models.EventMerchantCreated
	}
	r.appendAudit(ctx, merchant.ID, event, input.AppVersion, input.IP, input.UserAgent)
	return merchant, nil
}

func (r *Repository) upsertOnce(ctx context.Context, input UpsertInput) (*Merchant, bool, error) {
	now := time.Now().UTC()
	var record models.Merchant
	var created bool

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("provider = ? AND provider_merchant_id = ?", input.Provider, input.ProviderMerchantID).
			First(&record).Error
		switch {
		case err == nil:
			record.AccessToken = input.Tokens.Access
			record.RefreshToken = input.Tokens.Refresh
			record.TokenExpiresAt = input.Tokens.ExpiresAt
			record.Scopes = marshalJSON(input.Tokens.Scopes)
			record.Locations = marshalJSON(input.Locations)
			record.LastRefreshedAt = now
			record.AppVersion = input.AppVersion
			record.Revoked = false
			record.ScopesMismatch = false
			return tx.Save(&record).Error
		case errors.Is(err, gorm.ErrRecordNotFound):
			created = true
			record = models.Merchant{
				ID:                 uuid.New().String(),
				Provider:           input.Provider,
				ProviderMerchantID: input.ProviderMerchantID,
				AccessToken:        input.Tokens.Access,
				RefreshToken:       input.Tokens.Refresh,
				TokenExpiresAt:     input.Tokens.ExpiresAt,
				Scopes:             marshalJSON(input.Tokens.Scopes),
				Locations:          marshalJSON(input.Locations),
				ConnectedAt:        now,
				LastRefreshedAt:    now,
				AppVersion:         input.AppVersion,
			}
			return tx.Create(&record).Error
		default:
			return fmt.Errorf("query merchant: %w", err)
		}
	})
	if err != nil {
		return nil, false, err
	}

	merchant, err := fromModel(&record)
	if err != nil {
		return nil, false, fmt.Errorf("decode merchant %s: %w", record.ID, err)
	}
	return merchant, created, nil
}

// Get returns the merchant with the given id, or ErrNotFound.
func (r *Repository) Get(ctx context.Context, id string) (*Merchant, error) {
	var record models.Merchant
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("get merchant: %w", err)
	}
	return fromModel(&record)
}

// GetByProviderID returns the merchant with the given natural key, or
// ErrNotFound.
func (r *Repository) GetByProviderID(ctx context.Context, provider, providerMerchantID string) (*Merchant, error) {
	var record models.Merchant
	err := r.db.WithContext(ctx).
		Where("provider = ? AND provider_merchant_id = ?", provider, providerMerchantID).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, provider, providerMerchantID)
		}
		return nil, fmt.Errorf("get merchant by provider id: %w", err)
	}
	return fromModel(&record)
}

// List returns all merchants.
func (r *Repository) List(ctx context.Context) ([]*Merchant, error) {
	var records []models.Merchant
	if err := r.db.WithContext(ctx).Order("connected_at").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("list merchants: %w", err)
	}
	out := make([]*Merchant, 0, len(records))
	for i := range records {
		m, err := fromModel(&records[i])
		if err != nil {
			return nil, fmt.Errorf("decode merchant %s: %w", records[i].ID, err)
		}
		out = append(out, m)
	}
	return out, nil
}

// ListExpiringTokens returns non-revoked merchants whose access token
// expires before the given deadline.
func (r *Repository) ListExpiringTokens(ctx context.Context, deadline time.Time) ([]*Merchant, error) {
	var records []models.Merchant
	err := r.db.WithContext(ctx).
		Where("revoked = ? AND token_expires_at < ?", false, deadline).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("list expiring tokens: %w", err)
	}
	out := make([]*Merchant, 0, len(records))
	for i := range records {
		m, err := fromModel(&records[i])
		if err != nil {
			return nil, fmt.Errorf("decode merchant %s: %w", records[i].ID, err)
		}
		out = append(out, m)
	}
	return out, nil
}

// UpdateTokens replaces the merchant's token set without touching
// locations or onboarding state. Used by the login flow and the
// background refresher.
func (r *Repository) UpdateTokens(ctx context.Context, id string, tokens TokenData) error {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&models.Merchant{}).Where("id = ?", id).Updates(map[string]any{
		"access_token":      tokens.Access,
		"refresh_token":     tokens.Refresh,
		"token_expires_at":  tokens.ExpiresAt,
		"scopes":            marshalJSON(tokens.Scopes),
		"last_refreshed_at": now,
		"revoked":           false,
	})
	if res.Error != nil {
		return fmt.Errorf("update tokens: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	r.appendAudit(ctx, id, models.EventMerchantUpdated, "", "", "")
	return nil
}

// Revoke soft-deletes the merchant: the record stays for history with
// revoked=true. Revoking twice is harmless but each call appends its own
// audit entry.
func (r *Repository) Revoke(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Model(&models.Merchant{}).Where("id = ?", id).Updates(map[string]any{
		"revoked":           true,
		"last_refreshed_at": time.Now().UTC(),
	})
	if res.Error != nil {
		return fmt.Errorf("revoke merchant: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	r.appendAudit(ctx, id, models.EventMerchantRevoked, "", "", "")
	return nil
}

// SetOnboardingCompleted flips the onboarding flag, which selects the
// post-login redirect destination.
func (r *Repository) SetOnboardingCompleted(ctx context.Context, id string, completed bool) error {
	res := r.db.WithContext(ctx).Model(&models.Merchant{}).Where("id = ?", id).
		Update("onboarding_completed", completed)
	if res.Error != nil {
		return fmt.Errorf("set onboarding: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// AuditTrail returns the audit entries for a merchant, oldest first.
func (r *Repository) AuditTrail(ctx context.Context, merchantID string) ([]models.AuditLog, error) {
	var entries []models.AuditLog
	err := r.db.WithContext(ctx).Where("merchant_id = ?", merchantID).Order("timestamp").Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("audit trail: %w", err)
	}
	return entries, nil
}

// appendAudit writes one audit entry after the primary mutation has
// committed. Best-effort: a failed append is logged and never surfaced,
// so an audit outage cannot abort a successful upsert.
func (r *Repository) appendAudit(ctx context.Context, merchantID, event, appVersion, ip, userAgent string) {
	entry := models.AuditLog{
		ID:         uuid.New().String(),
		MerchantID: merchantID,
		Event:      event,
		Timestamp:  time.Now().UTC(),
		AppVersion: appVersion,
		IP:         ip,
		UserAgent:  userAgent,
	}
	if err := r.db.WithContext(ctx).Create(&entry).Error; err != nil {
		r.log.Error("audit log append failed",
			zap.String("merchant_id", merchantID),
			zap.String("event", event),
			zap.Error(err),
		)
	}
}

func isDuplicateKey(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey) ||
		strings.Contains(err.Error(), "UNIQUE constraint failed")
}
