//go:build integration
// +build integration

package storage

import (
	"context"
	"os"
	"testing"
)

// These tests require a running PostgreSQL instance
// Run with: go test -tags=integration ./internal/storage/...

func getTestDB(t *testing.T) *ConsentStore {
	t.Helper()
	host := os.Getenv("TEST_DB_HOST")
	if host == "" {
		host = "localhost"
	}
	db, err := NewDBConnection(host, "5499", "test", "test", "ladbid_test", "disable")
	if err != nil {
		t.Skipf("Skipping integration test: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewConsentStore(db)
}

func TestConsentStore_Integration(t *testing.T) {
	store := getTestDB(t)
	ctx := context.Background()

	if err := store.CreateTables(ctx); err != nil {
		t.Fatalf("Failed to create tables: %v", err)
	}

	vc := &VendorConsent{UserID: "integration-user", GDPRApplies: true, ConsentString: "COzTVhaOzTVhaGvAAAENAiCIAP_AAH_AAAAAAEEUACCKAAA"}
	if err := store.Upsert(ctx, vc); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	defer store.Delete(ctx, vc.UserID)

	got, err := store.Get(ctx, vc.UserID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil || got.ConsentString != vc.ConsentString || !got.GDPRApplies {
		t.Errorf("unexpected record %+v", got)
	}

	vc.GDPRApplies = false
	if err := store.Upsert(ctx, vc); err != nil {
		t.Fatalf("second Upsert failed: %v", err)
	}
	got, _ = store.Get(ctx, vc.UserID)
	if got.GDPRApplies {
		t.Error("expected upsert to replace gdpr_applies")
	}
}
