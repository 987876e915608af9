// Package handlers exposes the JSON admin API for connected merchants.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/orderflow/merchant-connect/internal/auth/token"
	"github.com/orderflow/merchant-connect/internal/logging"
	"github.com/orderflow/merchant-connect/internal/merchants"
	"go.uber.org/zap"
)

// merchantView is the API shape of a merchant. Token material never
// leaves the service.
type merchantView struct {
	ID                 string               `json:"id"`
	Provider           string               `json:"provider"`
	ProviderMerchantID string               `json:"provider_merchant_id"`
	Locations          []merchants.Location `json:"locations"`
	Metadata           merchants.Metadata   `json:"metadata"`
	TokenExpiresAt     string               `json:"token_expires_at"`
}

func redact(m *merchants.Merchant) merchantView {
	return merchantView{
		ID:                 m.ID,
		Provider:           m.Provider,
		ProviderMerchantID: m.ProviderMerchantID,
		Locations:          m.Locations,
		Metadata:           m.Metadata,
		TokenExpiresAt:     m.Tokens.ExpiresAt.UTC().Format(time.RFC3339),
	}
}

// MerchantsListHandler returns all merchants with tokens redacted.
func MerchantsListHandler(repo *merchants.Repository, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := repo.List(r.Context())
		if err != nil {
			logging.FromContext(r.Context(), log).Error("list merchants", zap.Error(err))
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		views := make([]merchantView, 0, len(list))
		for _, m := range list {
			views = append(views, redact(m))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"merchants": views})
	}
}

// MerchantGetHandler returns one merchant by id.
func MerchantGetHandler(repo *merchants.Repository, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		m, err := repo.Get(r.Context(), id)
		if err != nil {
			if errors.Is(err, merchants.ErrNotFound) {
				http.Error(w, "Merchant not found", http.StatusNotFound)
				return
			}
			logging.FromContext(r.Context(), log).Error("get merchant", zap.Error(err))
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(redact(m))
	}
}

// MerchantAuditHandler returns the append-only audit trail for a merchant.
func MerchantAuditHandler(repo *merchants.Repository, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := repo.Get(r.Context(), id); err != nil {
			if errors.Is(err, merchants.ErrNotFound) {
				http.Error(w, "Merchant not found", http.StatusNotFound)
				return
			}
			logging.FromContext(r.Context(), log).Error("get merchant", zap.Error(err))
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		trail, err := repo.AuditTrail(r.Context(), id)
		if err != nil {
			logging.FromContext(r.Context(), log).Error("audit trail", zap.Error(err))
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"entries": trail})
	}
}

// MerchantRefreshHandler forces an immediate token refresh for one merchant.
func MerchantRefreshHandler(mgr *token.Manager, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := mgr.RefreshMerchant(r.Context(), id); err != nil {
			switch {
			case errors.Is(err, merchants.ErrNotFound):
				http.Error(w, "Merchant not found", http.StatusNotFound)
			case token.IsRefreshError(err):
				logging.FromContext(r.Context(), log).Warn("manual refresh failed",
					zap.String("merchant_id", id), zap.Error(err))
				http.Error(w, "Token refresh failed", http.StatusBadGateway)
			default:
				logging.FromContext(r.Context(), log).Error("manual refresh failed",
					zap.String("merchant_id", id), zap.Error(err))
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status":      "ok",
			"merchant_id": id,
		})
	}
}

// MerchantRevokeHandler soft-deletes a merchant. The record and its
// audit trail remain.
func MerchantRevokeHandler(repo *merchants.Repository, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := repo.Revoke(r.Context(), id); err != nil {
			if errors.Is(err, merchants.ErrNotFound) {
				http.Error(w, "Merchant not found", http.StatusNotFound)
				return
			}
			logging.FromContext(r.Context(), log).Error("revoke merchant",
				zap.String("merchant_id", id), zap.Error(err))
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
