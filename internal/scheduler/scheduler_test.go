package scheduler

import "testing"

func TestComputeSessionHashPriority(t *testing.T) {
	bySession := ComputeSessionHash("abc-123", "sys prompt", "first msg")
	bySystem := ComputeSessionHash("", "sys prompt", "first msg")
	byMessage := ComputeSessionHash("", "", "first msg")

	if bySession == "" || bySystem == "" || byMessage == "" {
		t.Fatal("expected non-empty hashes")
	}
	if bySession == bySystem || bySystem == byMessage {
		t.Fatal("expected distinct hashes across priority tiers")
	}
	if ComputeSessionHash("", "", "") != "" {
		t.Fatal("expected empty hash with no signal")
	}
}

func TestExtractSessionUUID(t *testing.T) {
	if got := ExtractSessionUUID("user_abc-session_xyz-789"); got != "session_xyz-789" {
		t.Fatalf("got %q", got)
	}
	if got := ExtractSessionUUID("no-session-here"); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
}
