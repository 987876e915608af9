package merchants

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/orderflow/merchant-connect/internal/db/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestRepo(t *testing.T) (*Repository, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	if err := db.AutoMigrate(&models.Merchant{}, &models.AuditLog{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return NewRepository(db, zap.NewNop()), db
}

func testInput(pmid string, access string, locations []Location) UpsertInput {
	return UpsertInput{
		Provider:           ProviderSquare,
		ProviderMerchantID: pmid,
		Tokens: TokenData{
			Access:    access,
			Refresh:   "refresh-" + access,
			ExpiresAt: time.Now().Add(30 * 24 * time.Hour).UTC().Truncate(time.Second),
			Scopes:    []string{"MERCHANT_PROFILE_READ", "ORDERS_READ"},
		},
		Locations:  locations,
		AppVersion: "connect-test/1.0",
		IP:         "203.0.113.7",
		UserAgent:  "connect-test/1.0",
	}
}

func auditEvents(t *testing.T, db *gorm.DB, merchantID string) []string {
	t.Helper()
	var entries []models.AuditLog
	if err := db.Where("merchant_id = ?", merchantID).Order("timestamp").Find(&entries).Error; err != nil {
		t.Fatalf("load audit entries: %v", err)
	}
	events := make([]string, 0, len(entries))
	for _, e := range entries {
		events = append(events, e.Event)
	}
	return events
}

func TestUpsert_CreatesThenUpdatesInPlace(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()

	first := testInput("SQ-M1", "token-a", []Location{
		{ID: "L1", Name: "Downtown", Address: "1 Main St, Springfield"},
		{ID: "L2", Name: "Uptown"},
	})
	created, err := repo.Upsert(ctx, first)
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if created.ID == "" {
		t.Fatal("created merchant has empty id")
	}
	if created.Metadata.Revoked || created.Metadata.OnboardingCompleted {
		t.Errorf("new merchant metadata = %+v, want revoked=false onboarding=false", created.Metadata)
	}

	second := testInput("SQ-M1", "token-b", []Location{
		{ID: "L3", Name: "Airport", Timezone: "America/Chicago"},
	})
	updated, err := repo.Upsert(ctx, second)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	if updated.ID != created.ID {
		t.Errorf("update changed id: %s -> %s", created.ID, updated.ID)
	}
	if updated.Tokens.Access != "token-b" {
		t.Errorf("access token = %q, want token-b", updated.Tokens.Access)
	}
	// Locations are replaced wholesale, never merged.
	if !reflect.DeepEqual(updated.Locations, second.Locations) {
		t.Errorf("locations = %+v, want exactly %+v", updated.Locations, second.Locations)
	}
	if d := updated.Metadata.ConnectedAt.Sub(created.Metadata.ConnectedAt); d < -time.Second || d > time.Second {
		t.Errorf("connectedAt changed on update: %v -> %v", created.Metadata.ConnectedAt, updated.Metadata.ConnectedAt)
	}

	var count int64
	db.Model(&models.Merchant{}).Count(&count)
	if count != 1 {
		t.Errorf("%d merchant rows, want 1", count)
	}

	events := auditEvents(t, db, created.ID)
	want := []string{models.EventMerchantCreated, models.EventMerchantUpdated}
	if !reflect.DeepEqual(events, want) {
		t.Errorf("audit events = %v, want %v", events, want)
	}
}

func TestUpsert_ReconnectResetsRevoked(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	created, err := repo.Upsert(ctx, testInput("SQ-M2", "token-a", nil))
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := repo.Revoke(ctx, created.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	reconnected, err := repo.Upsert(ctx, testInput("SQ-M2", "token-b", nil))
	if err != nil {
		t.Fatalf("reconnect upsert: %v", err)
	}
	if reconnected.ID != created.ID {
		t.Errorf("reconnect created new record %s, want %s", reconnected.ID, created.ID)
	}
	if reconnected.Metadata.Revoked {
		t.Error("reconnect left merchant revoked")
	}
}

func TestGetByProviderID(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	if _, err := repo.GetByProviderID(ctx, ProviderSquare, "SQ-UNKNOWN"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown pair error = %v, want ErrNotFound", err)
	}

	created, err := repo.Upsert(ctx, testInput("SQ-M3", "token-a", []Location{{ID: "L1", Name: "Main"}}))
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := repo.GetByProviderID(ctx, ProviderSquare, "SQ-M3")
	if err != nil {
		t.Fatalf("get by provider id: %v", err)
	}
	if got.ID != created.ID || got.ProviderMerchantID != "SQ-M3" {
		t.Errorf("got %+v, want id %s", got, created.ID)
	}
	if !reflect.DeepEqual(got.Locations, created.Locations) {
		t.Errorf("locations = %+v, want %+v", got.Locations, created.Locations)
	}
}

func TestGet(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	if _, err := repo.Get(ctx, "no-such-id"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown id error = %v, want ErrNotFound", err)
	}

	created, err := repo.Upsert(ctx, testInput("SQ-M4", "token-a", nil))
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := repo.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Tokens.Access != "token-a" {
		t.Errorf("access token = %q, want token-a", got.Tokens.Access)
	}
}

func TestUpdateTokens_ReplacesTokensOnly(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()

	created, err := repo.Upsert(ctx, testInput("SQ-M5", "token-a", []Location{{ID: "L1", Name: "Main"}}))
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	fresh := TokenData{
		Access:    "token-fresh",
		Refresh:   "refresh-fresh",
		ExpiresAt: time.Now().Add(30 * 24 * time.Hour).UTC().Truncate(time.Second),
		Scopes:    []string{"MERCHANT_PROFILE_READ"},
	}
	if err := repo.UpdateTokens(ctx, created.ID, fresh); err != nil {
		t.Fatalf("update tokens: %v", err)
	}

	got, err := repo.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Tokens.Access != "token-fresh" || got.Tokens.Refresh != "refresh-fresh" {
		t.Errorf("tokens = %+v, want replaced wholesale", got.Tokens)
	}
	if !reflect.DeepEqual(got.Locations, created.Locations) {
		t.Errorf("update tokens touched locations: %+v", got.Locations)
	}
	if got.Metadata.LastRefreshedAt.Before(created.Metadata.LastRefreshedAt.Add(-time.Second)) {
		t.Error("lastRefreshedAt not stamped")
	}

	events := auditEvents(t, db, created.ID)
	want := []string{models.EventMerchantCreated, models.EventMerchantUpdated}
	if !reflect.DeepEqual(events, want) {
		t.Errorf("audit events = %v, want %v", events, want)
	}

	if err := repo.UpdateTokens(ctx, "no-such-id", fresh); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown id error = %v, want ErrNotFound", err)
	}
}

func TestRevoke(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()

	if err := repo.Revoke(ctx, "no-such-id"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown id error = %v, want ErrNotFound", err)
	}

	created, err := repo.Upsert(ctx, testInput("SQ-M6", "token-a", nil))
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if err := repo.Revoke(ctx, created.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	got, err := repo.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("get after revoke: %v", err)
	}
	if !got.Metadata.Revoked {
		t.Error("merchant not marked revoked")
	}

	// Revoking twice is harmless but each call appends its own entry.
	if err := repo.Revoke(ctx, created.ID); err != nil {
		t.Fatalf("second revoke: %v", err)
	}
	events := auditEvents(t, db, created.ID)
	want := []string{models.EventMerchantCreated, models.EventMerchantRevoked, models.EventMerchantRevoked}
	if !reflect.DeepEqual(events, want) {
		t.Errorf("audit events = %v, want %v", events, want)
	}
}

func TestListExpiringTokens(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	soon := testInput("SQ-SOON", "token-a", nil)
	soon.Tokens.ExpiresAt = time.Now().Add(time.Hour).UTC()
	if _, err := repo.Upsert(ctx, soon); err != nil {
		t.Fatalf("upsert soon: %v", err)
	}

	later := testInput("SQ-LATER", "token-b", nil)
	later.Tokens.ExpiresAt = time.Now().Add(29 * 24 * time.Hour).UTC()
	if _, err := repo.Upsert(ctx, later); err != nil {
		t.Fatalf("upsert later: %v", err)
	}

	revoked := testInput("SQ-REVOKED", "token-c", nil)
	revoked.Tokens.ExpiresAt = time.Now().Add(time.Hour).UTC()
	rm, err := repo.Upsert(ctx, revoked)
	if err != nil {
		t.Fatalf("upsert revoked: %v", err)
	}
	if err := repo.Revoke(ctx, rm.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	expiring, err := repo.ListExpiringTokens(ctx, time.Now().Add(7*24*time.Hour))
	if err != nil {
		t.Fatalf("list expiring: %v", err)
	}
	if len(expiring) != 1 || expiring[0].ProviderMerchantID != "SQ-SOON" {
		t.Errorf("expiring = %+v, want only SQ-SOON", expiring)
	}
}

func TestAuditTrail_FiltersByMerchant(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	a, err := repo.Upsert(ctx, testInput("SQ-A", "token-a", nil))
	if err != nil {
		t.Fatalf("upsert a: %v", err)
	}
	b, err := repo.Upsert(ctx, testInput("SQ-B", "token-b", nil))
	if err != nil {
		t.Fatalf("upsert b: %v", err)
	}
	if err := repo.Revoke(ctx, b.ID); err != nil {
		t.Fatalf("revoke b: %v", err)
	}

	trail, err := repo.AuditTrail(ctx, a.ID)
	if err != nil {
		t.Fatalf("audit trail: %v", err)
	}
	if len(trail) != 1 || trail[0].Event != models.EventMerchantCreated {
		t.Errorf("trail for a = %+v, want single created entry", trail)
	}
	for _, e := range trail {
		if e.MerchantID != a.ID {
			t.Errorf("trail contains foreign entry %+v", e)
		}
	}
}
