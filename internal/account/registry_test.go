package account

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/nero-labs/kiro-relay/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func writeRegistry(t *testing.T, yamlBody string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "identities.yaml")
	if err := os.WriteFile(path, []byte(yamlBody), 0o600); err != nil {
		t.Fatalf("write registry: %v", err)
	}
	return path
}

func TestLoadRegistryRegistersNewIdentities(t *testing.T) {
	s := newTestStore(t)
	as := NewStore(s, NewCrypto("test-encryption-key-0123456789ab"))

	path := writeRegistry(t, `
identities:
  - id: id-1
    name: Primary
    authMethod: device
    refreshToken: refresh-token-1
    priority: 10
  - id: id-2
    name: Secondary
    authMethod: idc
    refreshToken: refresh-token-2
    ext:
      region: us-east-1
`)

	n, err := LoadRegistry(context.Background(), as, path)
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 identities registered, got %d", n)
	}

	got, err := as.Get(context.Background(), "id-1")
	if err != nil || got == nil {
		t.Fatalf("get id-1: %v, %v", got, err)
	}
	if got.Priority != 10 {
		t.Errorf("priority = %d, want 10", got.Priority)
	}

	second, err := as.Get(context.Background(), "id-2")
	if err != nil || second == nil {
		t.Fatalf("get id-2: %v, %v", second, err)
	}
	if second.Priority != 50 {
		t.Errorf("default priority = %d, want 50", second.Priority)
	}
}

func TestLoadRegistrySkipsExisting(t *testing.T) {
	s := newTestStore(t)
	as := NewStore(s, NewCrypto("test-encryption-key-0123456789ab"))

	if _, err := as.Register(context.Background(), "id-1", "Already Here", AuthDevice, "original-token", 5, nil); err != nil {
		t.Fatalf("seed identity: %v", err)
	}

	path := writeRegistry(t, `
identities:
  - id: id-1
    name: Overwritten
    authMethod: device
    refreshToken: new-token
    priority: 99
`)

	n, err := LoadRegistry(context.Background(), as, path)
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 newly registered, got %d", n)
	}

	got, err := as.Get(context.Background(), "id-1")
	if err != nil || got == nil {
		t.Fatalf("get id-1: %v, %v", got, err)
	}
	if got.Name != "Already Here" {
		t.Errorf("registry load overwrote existing identity, name = %q", got.Name)
	}
}

func TestLoadRegistryMissingFileIsNotError(t *testing.T) {
	s := newTestStore(t)
	as := NewStore(s, NewCrypto("test-encryption-key-0123456789ab"))

	n, err := LoadRegistry(context.Background(), as, filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("missing registry should not error, got: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 registered, got %d", n)
	}
}
