package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/orderflow/merchant-connect/internal/auth/square"
	"github.com/orderflow/merchant-connect/internal/auth/state"
	"github.com/orderflow/merchant-connect/internal/auth/token"
	"github.com/orderflow/merchant-connect/internal/config"
	"github.com/orderflow/merchant-connect/internal/db"
	"github.com/orderflow/merchant-connect/internal/handlers"
	"github.com/orderflow/merchant-connect/internal/logging"
	"github.com/orderflow/merchant-connect/internal/merchants"
	"github.com/orderflow/merchant-connect/internal/providers/squareapi"
	"github.com/orderflow/merchant-connect/internal/version"
)

const stateCleanupInterval = 10 * time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.Debug)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer log.Sync()

	database, err := db.Init(cfg.DBPath)
	if err != nil {
		log.Fatal("failed to initialize database", zap.Error(err))
	}

	states := state.NewStore(database, log)
	oauthClient := square.NewOAuthClient(cfg.Square)
	profileClient := squareapi.New(cfg.Square, log)
	repo := merchants.NewRepository(database, log)
	tokenManager := token.NewManager(repo, oauthClient, log)

	ctx := context.Background()
	states.StartCleanupLoop(ctx, stateCleanupInterval)
	tokenManager.StartRefreshLoop(ctx)

	r := chi.NewRouter()
	r.Use(logging.RequestID)
	r.Use(logging.RequestLogger(log))
	r.Use(chimiddleware.Recoverer)

	// Optional admin auth middleware
	adminAuth := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.AdminPassword == "" {
				next.ServeHTTP(w, r)
				return
			}
			_, pass, ok := r.BasicAuth()
			if !ok || pass != cfg.AdminPassword {
				w.Header().Set("WWW-Authenticate", `Basic realm="Merchant Connect Admin"`)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}

	r.Get("/healthz", handlers.HealthHandler())

	// OAuth flow
	r.Get("/auth/square/authorize", square.HandleAuthorize(states, oauthClient, log))
	r.Get("/auth/square/callback", square.HandleCallback(states, oauthClient, profileClient, repo, cfg, log))

	// Admin API (protected if CONNECT_ADMIN_PASSWORD is set)
	r.Route("/api", func(r chi.Router) {
		r.Use(adminAuth)
		r.Get("/merchants", handlers.MerchantsListHandler(repo, log))
		r.Get("/merchants/{id}", handlers.MerchantGetHandler(repo, log))
		r.Get("/merchants/{id}/audit", handlers.MerchantAuditHandler(repo, log))
		r.Post("/merchants/{id}/refresh", handlers.MerchantRefreshHandler(tokenManager, log))
		r.Post("/merchants/{id}/revoke", handlers.MerchantRevokeHandler(repo, log))
	})

	log.Info("merchant connect listening",
		zap.String("addr", cfg.Listen),
		zap.String("environment", cfg.Square.Environment),
		zap.String("version", version.Version),
	)
	if err := http.ListenAndServe(cfg.Listen, r); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}
