package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nero-labs/kiro-relay/internal/account"
	"github.com/nero-labs/kiro-relay/internal/auth"
	"github.com/nero-labs/kiro-relay/internal/config"
	"github.com/nero-labs/kiro-relay/internal/cooldown"
	"github.com/nero-labs/kiro-relay/internal/dialect"
	"github.com/nero-labs/kiro-relay/internal/history"
	"github.com/nero-labs/kiro-relay/internal/identity"
	"github.com/nero-labs/kiro-relay/internal/ratelimit"
	"github.com/nero-labs/kiro-relay/internal/scheduler"
	"github.com/nero-labs/kiro-relay/internal/store"
)

// fakeTransport hands every identity the same client, pointed at the test
// server by cfg.UpstreamURL — there's no real proxy/utls concern to fake.
type fakeTransport struct{ client *http.Client }

func (f *fakeTransport) GetClient(ident *account.Identity) *http.Client { return f.client }

func testConfig() *config.Config {
	return &config.Config{
		MaxRequestBodyMB:    10,
		MaxRetryAccounts:    1,
		MaxCacheControls:    4,
		TokenRefreshAdvance: time.Second,
		SessionBindingTTL:   time.Hour,
		ErrorPause401:       time.Minute,
		ErrorPause403:       time.Minute,
		ErrorPause429:       time.Minute,
		ErrorPause529:       time.Minute,
		HistoryMaxChars:     180_000,
		HistoryMaxTurns:     200,
		RateLimitBucketSize: 20,
		RateLimitRefillPer:  time.Second,
		QuotaMarkers:        []string{"usage limit"},
		LengthErrorMarkers:  []string{"too long"},
	}
}

// newTestEngine builds a fully wired Engine against a real SQLite store and
// an httptest.Server standing in for the upstream vendor.
func newTestEngine(t *testing.T, cfg *config.Config, handler http.HandlerFunc) (*Engine, *account.Store, *cooldown.Table) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg.UpstreamURL = srv.URL

	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	crypto := account.NewCrypto("test-encryption-key-0123456789ab")
	identities := account.NewStore(s, crypto)
	tokens := account.NewTokenManager(s, identities, cfg, nil)
	cd := cooldown.New()
	sched := scheduler.New(s, identities, cd, cfg)
	transformer := identity.NewTransformer(identity.NewSignatureCache(), cfg)
	rl := ratelimit.NewManager(s, cfg.RateLimitBucketSize, cfg.RateLimitRefillPer)
	hist := history.New(cfg.HistoryMaxChars, cfg.HistoryMaxTurns)

	e := New(s, identities, tokens, sched, transformer, rl, cd, hist, cfg, &fakeTransport{client: srv.Client()}, nil, nil)
	return e, identities, cd
}

// registerIdentity adds a pool identity with a token that's already valid
// far into the future, so EnsureValidToken never needs a real OAuth call.
func registerIdentity(t *testing.T, identities *account.Store, id string, priority int) *account.Identity {
	t.Helper()
	ctx := context.Background()
	ident, err := identities.Register(ctx, id, id, account.AuthDevice, "refresh-"+id, priority, nil)
	if err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
	if err := identities.StoreTokens(ctx, id, "access-"+id, "refresh-"+id, 3600); err != nil {
		t.Fatalf("store tokens %s: %v", id, err)
	}
	return ident
}

func newMessagesRequest(t *testing.T) *http.Request {
	t.Helper()
	body := `{"model":"claude-3-5-sonnet-20241022","max_tokens":100,"messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	ctx := context.WithValue(req.Context(), auth.KeyInfoKey, &auth.KeyInfo{})
	return req.WithContext(ctx)
}

func identityForAccessToken(authHeader string) string {
	return strings.TrimPrefix(authHeader, "Bearer access-")
}

// TestHandleRetriesAuthExpiredOnSameIdentityWithinBudget covers the
// refresh-then-retry contract for a 401: the same identity is tried again
// (not switched away on the very first failure) and the total number of
// dispatches never exceeds MaxRetryAccounts+1.
func TestHandleRetriesAuthExpiredOnSameIdentityWithinBudget(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetryAccounts = 1 // budget: 2 attempts total

	var dispatched []string
	handler := func(w http.ResponseWriter, r *http.Request) {
		dispatched = append(dispatched, identityForAccessToken(r.Header.Get("Authorization")))
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"unauthorized, token invalid"}}`))
	}

	e, identities, _ := newTestEngine(t, cfg, handler)
	registerIdentity(t, identities, "id-a", 10)

	w := httptest.NewRecorder()
	e.Handle(dialect.NewAnthropic())(w, newMessagesRequest(t))

	if len(dispatched) != 2 {
		t.Fatalf("expected exactly 2 dispatches (budget = MaxRetryAccounts+1), got %d: %v", len(dispatched), dispatched)
	}
	if dispatched[0] != "id-a" || dispatched[1] != "id-a" {
		t.Fatalf("expected both attempts on id-a (retry-same-identity on first 401), got %v", dispatched)
	}
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 once the identity pool is exhausted, got %d", w.Code)
	}
}

// TestHandleSwitchesIdentityOnSecondConsecutiveAuthExpired covers the other
// half of the contract: a second 401 in a row on the same identity must
// switch to another identity rather than retrying indefinitely.
func TestHandleSwitchesIdentityOnSecondConsecutiveAuthExpired(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetryAccounts = 2 // budget: 3 attempts total

	var dispatched []string
	handler := func(w http.ResponseWriter, r *http.Request) {
		dispatched = append(dispatched, identityForAccessToken(r.Header.Get("Authorization")))
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"unauthorized"}}`))
	}

	e, identities, _ := newTestEngine(t, cfg, handler)
	registerIdentity(t, identities, "id-a", 10) // higher priority, selected first
	registerIdentity(t, identities, "id-b", 5)

	w := httptest.NewRecorder()
	e.Handle(dialect.NewAnthropic())(w, newMessagesRequest(t))

	want := []string{"id-a", "id-a", "id-b"}
	if len(dispatched) != len(want) {
		t.Fatalf("expected dispatch sequence %v, got %v", want, dispatched)
	}
	for i := range want {
		if dispatched[i] != want[i] {
			t.Fatalf("expected dispatch sequence %v, got %v", want, dispatched)
		}
	}
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 once the identity pool is exhausted, got %d", w.Code)
	}
}

// TestHandleMarksCooldownAndSwitchesOnForbidden covers the 403 (auth_invalid)
// policy row: unlike a 401, it must not retry the same identity and must
// leave it on cooldown afterward.
func TestHandleMarksCooldownAndSwitchesOnForbidden(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetryAccounts = 2

	var dispatchCount int
	handler := func(w http.ResponseWriter, r *http.Request) {
		dispatchCount++
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":{"message":"forbidden, access denied"}}`))
	}

	e, identities, cd := newTestEngine(t, cfg, handler)
	ident := registerIdentity(t, identities, "id-a", 10)

	w := httptest.NewRecorder()
	e.Handle(dialect.NewAnthropic())(w, newMessagesRequest(t))

	if dispatchCount != 1 {
		t.Fatalf("expected exactly 1 dispatch (no same-identity retry on 403), got %d", dispatchCount)
	}
	if cd.Available(ident.ID) {
		t.Error("expected identity to be on cooldown after a 403 auth_invalid response")
	}
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 once the only identity is excluded, got %d", w.Code)
	}
}

// TestHandleMarksCooldownOnQuotaExhaustion covers the quota-marker path of
// the classifier, which DisableIdentity's (and thus cooldowns) regardless of
// the raw HTTP status code.
func TestHandleMarksCooldownOnQuotaExhaustion(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetryAccounts = 0

	handler := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"daily usage limit reached"}}`))
	}

	e, identities, cd := newTestEngine(t, cfg, handler)
	ident := registerIdentity(t, identities, "id-a", 10)

	w := httptest.NewRecorder()
	e.Handle(dialect.NewAnthropic())(w, newMessagesRequest(t))

	if cd.Available(ident.ID) {
		t.Error("expected identity to be on cooldown after quota exhaustion")
	}
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 once the only identity is excluded, got %d", w.Code)
	}
}
