package ratelimit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nero-labs/kiro-relay/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := store.New(dbPath)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedIdentity(t *testing.T, s *store.SQLiteStore, id string, fields map[string]string) {
	t.Helper()
	base := map[string]string{
		"name":        "test",
		"status":      "active",
		"schedulable": "true",
		"createdAt":   time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range fields {
		base[k] = v
	}
	if err := s.SetIdentity(context.Background(), id, base); err != nil {
		t.Fatalf("seed identity: %v", err)
	}
}

func TestAllowedWarningDoesNotAutoStop(t *testing.T) {
	s := newTestStore(t)
	mgr := NewManager(s, 20, 3*time.Second)
	identityID := "id-warning"

	seedIdentity(t, s, identityID, map[string]string{"schedulable": "true"})
	mgr.updateFiveHourStatus(context.Background(), identityID, "allowed_warning")

	data, err := s.GetIdentity(context.Background(), identityID)
	if err != nil {
		t.Fatalf("get identity: %v", err)
	}
	if got := data["schedulable"]; got != "true" {
		t.Fatalf("schedulable should stay true on warning without autoStopOnWarning, got %q", got)
	}
}

func TestRejectedSetsUnschedulable(t *testing.T) {
	s := newTestStore(t)
	mgr := NewManager(s, 20, 3*time.Second)
	identityID := "id-rejected"

	seedIdentity(t, s, identityID, map[string]string{"schedulable": "true"})
	mgr.updateFiveHourStatus(context.Background(), identityID, "rejected")

	data, err := s.GetIdentity(context.Background(), identityID)
	if err != nil {
		t.Fatalf("get identity: %v", err)
	}
	if got := data["schedulable"]; got != "false" {
		t.Fatalf("schedulable should be false after rejected, got %q", got)
	}
	if got := data["fiveHourStatus"]; got != "rejected" {
		t.Fatalf("fiveHourStatus should be rejected, got %q", got)
	}
}

func TestSweepRestoresOverloadedIdentity(t *testing.T) {
	s := newTestStore(t)
	mgr := NewManager(s, 20, 3*time.Second)
	identityID := "id-recover"

	seedIdentity(t, s, identityID, map[string]string{
		"schedulable":     "true",
		"overloadedAt":    time.Now().Add(-1 * time.Hour).UTC().Format(time.RFC3339),
		"overloadedUntil": time.Now().Add(-1 * time.Minute).UTC().Format(time.RFC3339),
	})

	mgr.Sweep(context.Background())

	data, err := s.GetIdentity(context.Background(), identityID)
	if err != nil {
		t.Fatalf("get identity: %v", err)
	}
	if got := data["overloadedUntil"]; got != "" {
		t.Fatalf("overloadedUntil should be cleared, got %q", got)
	}
}

func TestCanRequestThrottlesAfterBucketExhausted(t *testing.T) {
	s := newTestStore(t)
	mgr := NewManager(s, 2, time.Hour)

	for i := 0; i < 2; i++ {
		ok, _ := mgr.CanRequest("id-a")
		if !ok {
			t.Fatalf("expected token available on request %d", i)
		}
	}
	ok, wait := mgr.CanRequest("id-a")
	if ok {
		t.Fatal("expected bucket to be exhausted")
	}
	if wait <= 0 {
		t.Fatal("expected a positive wait duration")
	}
}

func TestCanRequestIsolatedPerIdentity(t *testing.T) {
	mgr := NewManager(newTestStore(t), 1, time.Hour)
	ok1, _ := mgr.CanRequest("id-a")
	ok2, _ := mgr.CanRequest("id-b")
	if !ok1 || !ok2 {
		t.Fatal("expected each identity to have its own bucket")
	}
}
