package cooldown

import (
	"testing"
	"time"
)

func TestMarkAndAvailable(t *testing.T) {
	tbl := New()
	if !tbl.Available("id-1") {
		t.Fatal("expected fresh identity to be available")
	}

	tbl.Mark("id-1", ReasonOverloaded, 50*time.Millisecond)
	if tbl.Available("id-1") {
		t.Fatal("expected identity on cooldown to be unavailable")
	}
	reason, ok := tbl.Reason("id-1")
	if !ok || reason != ReasonOverloaded {
		t.Fatalf("expected reason overloaded, got %q ok=%v", reason, ok)
	}

	time.Sleep(70 * time.Millisecond)
	if !tbl.Available("id-1") {
		t.Fatal("expected cooldown to have expired")
	}
}

func TestMarkDoesNotShortenExistingCooldown(t *testing.T) {
	tbl := New()
	tbl.Mark("id-1", ReasonOverloaded, 200*time.Millisecond)
	tbl.Mark("id-1", ReasonRateLimit, 10*time.Millisecond)

	if tbl.Remaining("id-1") < 100*time.Millisecond {
		t.Fatal("a shorter mark should not shorten an existing longer cooldown")
	}
}

func TestRestoreClearsCooldown(t *testing.T) {
	tbl := New()
	tbl.Mark("id-1", ReasonBanned, time.Hour)
	tbl.Restore("id-1")
	if !tbl.Available("id-1") {
		t.Fatal("expected Restore to clear the cooldown mark")
	}
}
