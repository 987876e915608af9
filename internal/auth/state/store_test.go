package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/orderflow/merchant-connect/internal/db/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) (*Store, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	if err := db.AutoMigrate(&models.OAuthState{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return NewStore(db, zap.NewNop()), db
}

const urlSafeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"

func TestGenerateToken_URLSafeAndUnique(t *testing.T) {
	seen := make(map[string]bool, 10000)
	for i := 0; i < 10000; i++ {
		token, err := generateToken()
		if err != nil {
			t.Fatalf("generate token: %v", err)
		}
		if token == "" {
			t.Fatal("generated empty token")
		}
		for _, c := range token {
			if !strings.ContainsRune(urlSafeAlphabet, c) {
				t.Fatalf("token %q contains non-URL-safe character %q", token, c)
			}
		}
		if seen[token] {
			t.Fatalf("duplicate token after %d generations: %s", i, token)
		}
		seen[token] = true
	}
}

func TestCreate_PersistsStateWithTTL(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	token, err := store.Create(ctx, FlowLogin)
	if err != nil {
		t.Fatalf("create state: %v", err)
	}

	var record models.OAuthState
	if err := db.Where("token = ?", token).First(&record).Error; err != nil {
		t.Fatalf("state not persisted: %v", err)
	}
	if record.Flow != FlowLogin {
		t.Errorf("flow = %q, want %q", record.Flow, FlowLogin)
	}
	ttl := record.ExpiresAt.Sub(record.CreatedAt)
	if ttl != 10*time.Minute {
		t.Errorf("ttl = %v, want 10m", ttl)
	}
}

func TestCreate_UnrecognizedFlowDefaultsToInstall(t *testing.T) {
	store, db := newTestStore(t)

	for _, flow := range []string{"", "bogus", "INSTALL"} {
		token, err := store.Create(context.Background(), flow)
		if err != nil {
			t.Fatalf("create state with flow %q: %v", flow, err)
		}
		var record models.OAuthState
		if err := db.Where("token = ?", token).First(&record).Error; err != nil {
			t.Fatalf("state not persisted: %v", err)
		}
		if record.Flow != FlowInstall {
			t.Errorf("flow %q stored as %q, want %q", flow, record.Flow, FlowInstall)
		}
	}
}

func TestValidateAndConsume_SingleUse(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	token, err := store.Create(ctx, FlowInstall)
	if err != nil {
		t.Fatalf("create state: %v", err)
	}

	flow, err := store.ValidateAndConsume(ctx, token)
	if err != nil {
		t.Fatalf("first consume: %v", err)
	}
	if flow != FlowInstall {
		t.Errorf("flow = %q, want %q", flow, FlowInstall)
	}

	if _, err := store.ValidateAndConsume(ctx, token); !errors.Is(err, ErrStateNotFound) {
		t.Errorf("second consume error = %v, want ErrStateNotFound", err)
	}
}

func TestValidateAndConsume_MissingToken(t *testing.T) {
	store, _ := newTestStore(t)
	if _, err := store.ValidateAndConsume(context.Background(), ""); !errors.Is(err, ErrMissingState) {
		t.Errorf("error = %v, want ErrMissingState", err)
	}
}

func TestValidateAndConsume_UnknownToken(t *testing.T) {
	store, _ := newTestStore(t)
	if _, err := store.ValidateAndConsume(context.Background(), "never-issued"); !errors.Is(err, ErrStateNotFound) {
		t.Errorf("error = %v, want ErrStateNotFound", err)
	}
}

func TestValidateAndConsume_ExpiredStateIsDeleted(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	expired := models.OAuthState{
		Token:     "expired-token",
		Flow:      FlowInstall,
		CreatedAt: now.Add(-11 * time.Minute),
		ExpiresAt: now.Add(-time.Second),
	}
	if err := db.Create(&expired).Error; err != nil {
		t.Fatalf("seed expired state: %v", err)
	}

	if _, err := store.ValidateAndConsume(ctx, expired.Token); !errors.Is(err, ErrStateExpired) {
		t.Fatalf("error = %v, want ErrStateExpired", err)
	}

	// The failed attempt must still have consumed the record.
	var count int64
	db.Model(&models.OAuthState{}).Where("token = ?", expired.Token).Count(&count)
	if count != 0 {
		t.Error("expired state left in storage after failed validation")
	}

	// A replay sees "not found", never "expired" again.
	if _, err := store.ValidateAndConsume(ctx, expired.Token); !errors.Is(err, ErrStateNotFound) {
		t.Errorf("replay error = %v, want ErrStateNotFound", err)
	}
}

func TestCleanupExpired(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	seed := []models.OAuthState{
		{Token: "old-1", Flow: FlowInstall, CreatedAt: now.Add(-time.Hour), ExpiresAt: now.Add(-50 * time.Minute)},
		{Token: "old-2", Flow: FlowLogin, CreatedAt: now.Add(-20 * time.Minute), ExpiresAt: now.Add(-10 * time.Minute)},
		{Token: "live", Flow: FlowInstall, CreatedAt: now, ExpiresAt: now.Add(10 * time.Minute)},
	}
	for i := range seed {
		if err := db.Create(&seed[i]).Error; err != nil {
			t.Fatalf("seed state: %v", err)
		}
	}

	count, err := store.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if count != 2 {
		t.Errorf("removed %d states, want 2", count)
	}

	var remaining int64
	db.Model(&models.OAuthState{}).Count(&remaining)
	if remaining != 1 {
		t.Errorf("%d states remain, want 1", remaining)
	}

	// Second run has nothing left to remove.
	count, err = store.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("second cleanup: %v", err)
	}
	if count != 0 {
		t.Errorf("second cleanup removed %d, want 0", count)
	}
}
