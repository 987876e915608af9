// Package state issues and consumes the single-use CSRF tokens that
// protect the OAuth flow.
package state

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/orderflow/merchant-connect/internal/db/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OAuth flow discriminators carried inside a state token.
const (
	FlowInstall = "install"
	FlowLogin   = "login"
)

const (
	tokenBytes = 32
	stateTTL   = 10 * time.Minute
)

var (
	ErrMissingState  = errors.New("missing state")
	ErrStateNotFound = errors.New("state not found")
	ErrStateExpired  = errors.New("state expired")
)

// Store persists state tokens in the oauth_states table.
type Store struct {
	db  *gorm.DB
	log *zap.Logger
}

// NewStore creates a state store.
func NewStore(db *gorm.DB, log *zap.Logger) *Store {
	return &Store{db: db, log: log}
}

// generateToken returns 32 bytes of entropy in URL-safe base64.
func generateToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate state token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Create persists a new state token for the given flow and returns it.
// Unrecognized flows are treated as install rather than rejected.
func (s *Store) Create(ctx context.Context, flow string) (string, error) {
	if flow != FlowLogin {
		flow = FlowInstall
	}

	token, err := generateToken()
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	record := models.OAuthState{
		Token:     token,
		Flow:      flow,
		CreatedAt: now,
		ExpiresAt: now.Add(stateTTL),
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return "", fmt.Errorf("store state: %w", err)
	}
	return token, nil
}

// ValidateAndConsume looks up the token, deletes it, and returns its flow.
// The delete happens before the expiry check so a state can never be
// consumed twice: a second attempt on the same token, expired or not,
// gets ErrStateNotFound.
func (s *Store) ValidateAndConsume(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrMissingState
	}

	var record models.OAuthState
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("token = ?", token).First(&record).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrStateNotFound
			}
			return fmt.Errorf("read state: %w", err)
		}
		res := tx.Where("token = ?", token).Delete(&models.OAuthState{})
		if res.Error != nil {
			return fmt.Errorf("consume state: %w", res.Error)
		}
		// Another request consumed it between the read and the delete.
		if res.RowsAffected == 0 {
			return ErrStateNotFound
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	if time.Now().After(record.ExpiresAt) {
		return "", fmt.Errorf("%w: created %s", ErrStateExpired, record.CreatedAt.Format(time.RFC3339))
	}
	return record.Flow, nil
}

// CleanupExpired deletes every state whose deadline has passed and
// returns the number removed. Safe to run alongside in-flight flows: it
// only ever touches records that can no longer validate.
func (s *Store) CleanupExpired(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Where("expires_at < ?", time.Now().UTC()).Delete(&models.OAuthState{})
	if res.Error != nil {
		return 0, fmt.Errorf("cleanup states: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// StartCleanupLoop sweeps expired states on an interval until ctx is done.
func (s *Store) StartCleanupLoop(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				count, err := s.CleanupExpired(ctx)
				if err != nil {
					s.log.Error("state cleanup failed", zap.Error(err))
					continue
				}
				if count > 0 {
					s.log.Info("removed expired oauth states", zap.Int64("count", count))
				}
			}
		}
	}()
}
