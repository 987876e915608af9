package square

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"github.com/orderflow/merchant-connect/internal/auth/state"
	"github.com/orderflow/merchant-connect/internal/config"
	"github.com/orderflow/merchant-connect/internal/logging"
	"github.com/orderflow/merchant-connect/internal/merchants"
	"github.com/orderflow/merchant-connect/internal/providers/squareapi"
	"go.uber.org/zap"
)

// Failure reason codes carried on the error page redirect. These are the
// only OAuth failure details an end user ever sees; everything else goes
// to the server log.
const (
	reasonOAuthFailed      = "oauth_failed"
	reasonInvalidState     = "invalid_state"
	reasonMissingCode      = "missing_code"
	reasonExchangeFailed   = "token_exchange_failed"
	reasonMerchantNotFound = "merchant_not_found"
	reasonFetchFailed      = "fetch_failed"
	reasonInternal         = "internal"
)

// HandleCallback processes the redirect back from Square. It consumes
// the CSRF state, exchanges the code, and either updates an existing
// merchant (login flow) or fetches the profile and upserts (install
// flow). Provider-side failures redirect to the error page with a short
// reason code rather than rendering a 5xx.
func HandleCallback(states *state.Store, client *OAuthClient, profile *squareapi.Client, repo *merchants.Repository, cfg *config.Config, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		rlog := logging.FromContext(ctx, log)
		q := r.URL.Query()

		fail := func(reason string) {
			http.Redirect(w, r, failureURL(cfg.ErrorPageURL, reason), http.StatusFound)
		}

		flow, err := states.ValidateAndConsume(ctx, q.Get("state"))
		if err != nil {
			switch {
			case errors.Is(err, state.ErrMissingState),
				errors.Is(err, state.ErrStateNotFound),
				errors.Is(err, state.ErrStateExpired):
				rlog.Warn("state validation failed", zap.Error(err))
				fail(reasonInvalidState)
			default:
				rlog.Error("state store failure", zap.Error(err))
				fail(reasonInternal)
			}
			return
		}

		// State is consumed even when Square reports a denial, so the
		// callback can never be replayed.
		if oauthErr := q.Get("error"); oauthErr != "" {
			rlog.Warn("provider returned oauth error",
				zap.String("error", oauthErr),
				zap.String("description", q.Get("error_description")),
			)
			fail(reasonOAuthFailed)
			return
		}

		code := q.Get("code")
		if code == "" {
			rlog.Warn("callback missing authorization code", zap.String("flow", flow))
			fail(reasonMissingCode)
			return
		}

		tokens, err := client.ExchangeCode(ctx, code)
		if err != nil {
			rlog.Warn("code exchange failed", zap.String("flow", flow), zap.Error(err))
			fail(reasonExchangeFailed)
			return
		}

		tokenData := merchants.TokenData{
			Access:    tokens.AccessToken,
			Refresh:   tokens.RefreshToken,
			ExpiresAt: tokens.ExpiresAt,
			Scopes:    tokens.Scopes,
		}

		if flow == state.FlowLogin {
			merchant, err := repo.GetByProviderID(ctx, merchants.ProviderSquare, tokens.MerchantID)
			if err != nil {
				if errors.Is(err, merchants.ErrNotFound) {
					rlog.Warn("login for unknown merchant",
						zap.String("provider_merchant_id", tokens.MerchantID))
					fail(reasonMerchantNotFound)
				} else {
					rlog.Error("merchant lookup failed", zap.Error(err))
					fail(reasonInternal)
				}
				return
			}

			if err := repo.UpdateTokens(ctx, merchant.ID, tokenData); err != nil {
				rlog.Error("token update failed", zap.String("merchant_id", merchant.ID), zap.Error(err))
				fail(reasonInternal)
				return
			}

			rlog.Info("merchant logged in", zap.String("merchant_id", merchant.ID))
			http.Redirect(w, r, successURL(cfg.OnboardingURL, merchant), http.StatusFound)
			return
		}

		info, err := profile.FetchMerchantInfo(ctx, tokens.AccessToken)
		if err != nil {
			rlog.Warn("merchant profile fetch failed", zap.Error(err))
			fail(reasonFetchFailed)
			return
		}

		merchant, err := repo.Upsert(ctx, merchants.UpsertInput{
			Provider:           merchants.ProviderSquare,
			ProviderMerchantID: info.ID,
			Tokens:             tokenData,
			Locations:          info.Locations,
			AppVersion:         r.UserAgent(),
			IP:                 remoteIP(r),
			UserAgent:          r.UserAgent(),
		})
		if err != nil {
			rlog.Error("merchant upsert failed",
				zap.String("provider_merchant_id", info.ID), zap.Error(err))
			fail(reasonInternal)
			return
		}

		rlog.Info("merchant connected",
			zap.String("merchant_id", merchant.ID),
			zap.String("provider_merchant_id", merchant.ProviderMerchantID),
			zap.Int("locations", len(merchant.Locations)),
		)
		http.Redirect(w, r, successURL(cfg.OnboardingURL, merchant), http.StatusFound)
	}
}

func successURL(onboardingURL string, m *merchants.Merchant) string {
	page := "welcome"
	if m.Metadata.OnboardingCompleted {
		page = "settings"
	}
	return fmt.Sprintf("%s/%s?merchant_id=%s", onboardingURL, page, url.QueryEscape(m.ID))
}

func failureURL(errorPageURL, reason string) string {
	return fmt.Sprintf("%s?error=%s", errorPageURL, url.QueryEscape(reason))
}

func remoteIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
