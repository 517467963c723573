package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strconv"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// bindingEntry holds session binding data in memory.
type bindingEntry struct {
	IdentityID string
	CreatedAt  string
	LastUsedAt string
}

// SQLiteStore implements Store using SQLite for durable identity and log
// records, and in-memory maps for ephemeral data (sticky sessions, session
// bindings, refresh locks).
type SQLiteStore struct {
	db            *sql.DB
	sticky        *TTLMap[string]
	bindings      *TTLMap[bindingEntry]
	refreshLocks  sync.Map // identityID → *sync.Mutex
	cleanupCancel context.CancelFunc
}

// New creates a SQLiteStore, initializes the schema, and starts background
// TTL-map cleanup.
func New(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &SQLiteStore{
		db:            db,
		sticky:        NewTTLMap[string](),
		bindings:      NewTTLMap[bindingEntry](),
		cleanupCancel: cancel,
	}
	go s.runCleanup(ctx)
	return s, nil
}

func (s *SQLiteStore) runCleanup(ctx context.Context) {
	t := time.NewTicker(30 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.sticky.Cleanup()
			s.bindings.Cleanup()
		}
	}
}

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteStore) Close() error {
	s.cleanupCancel()
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// Field conversion table: Redis-style camelCase keys <-> sql columns.
// ---------------------------------------------------------------------------

type colInfo struct {
	col  string
	conv func(string) interface{}
}

var fieldMap = map[string]colInfo{
	"id":                  {"id", sqlStr},
	"name":                {"name", sqlStr},
	"status":              {"status", sqlStr},
	"schedulable":         {"schedulable", sqlBool},
	"priority":            {"priority", sqlInt},
	"errorMessage":        {"error_message", sqlStr},
	"refreshToken":        {"refresh_token_enc", sqlStr},
	"accessToken":         {"access_token_enc", sqlStr},
	"expiresAt":           {"expires_at", sqlInt64},
	"createdAt":           {"created_at", sqlTime},
	"lastUsedAt":          {"last_used_at", sqlTimeNullable},
	"lastRefreshAt":       {"last_refresh_at", sqlTimeNullable},
	"proxy":               {"proxy_json", sqlStr},
	"extInfo":             {"ext_info_json", sqlStr},
	"fiveHourStatus":      {"five_hour_status", sqlStr},
	"fiveHourAutoStopped": {"five_hour_auto_stopped", sqlBool},
	"fiveHourStoppedAt":   {"five_hour_stopped_at", sqlTimeNullable},
	"sessionWindowStart":  {"session_window_start", sqlTimeNullable},
	"sessionWindowEnd":    {"session_window_end", sqlTimeNullable},
	"autoStopOnWarning":   {"auto_stop_on_warning", sqlBool},
	"opusRateLimitEndAt":  {"opus_rate_limit_end_at", sqlTimeNullable},
	"overloadedAt":        {"overloaded_at", sqlTimeNullable},
	"overloadedUntil":     {"overloaded_until", sqlTimeNullable},
	"rateLimitedAt":       {"rate_limited_at", sqlTimeNullable},
}

func sqlStr(s string) interface{}  { return s }
func sqlBool(s string) interface{} { return boolInt(s == "true") }
func sqlInt(s string) interface{}  { n, _ := strconv.Atoi(s); return n }
func sqlInt64(s string) interface{} {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
func sqlTime(s string) interface{} {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Now().Unix()
	}
	return t.Unix()
}
func sqlTimeNullable(s string) interface{} {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	return t.Unix()
}
func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
func boolStr(v int) string {
	if v != 0 {
		return "true"
	}
	return "false"
}

// ---------------------------------------------------------------------------
// Sticky session (in-memory with TTL)
// ---------------------------------------------------------------------------

func (s *SQLiteStore) GetStickySession(_ context.Context, hash string) (string, error) {
	v, _ := s.sticky.Get(hash)
	return v, nil
}

func (s *SQLiteStore) SetStickySession(_ context.Context, hash, identityID string, ttl time.Duration) error {
	s.sticky.Set(hash, identityID, ttl)
	return nil
}

// ---------------------------------------------------------------------------
// Session binding (in-memory with TTL)
// ---------------------------------------------------------------------------

func (s *SQLiteStore) GetSessionBinding(_ context.Context, sessionUUID string) (map[string]string, error) {
	e, ok := s.bindings.Get(sessionUUID)
	if !ok {
		return map[string]string{}, nil
	}
	return map[string]string{
		"identityId": e.IdentityID,
		"createdAt":  e.CreatedAt,
		"lastUsedAt": e.LastUsedAt,
	}, nil
}

func (s *SQLiteStore) SetSessionBinding(_ context.Context, sessionUUID, identityID string, ttl time.Duration) error {
	now := time.Now().UTC().Format(time.RFC3339)
	s.bindings.Set(sessionUUID, bindingEntry{IdentityID: identityID, CreatedAt: now, LastUsedAt: now}, ttl)
	return nil
}

func (s *SQLiteStore) RenewSessionBinding(_ context.Context, sessionUUID string, ttl time.Duration) error {
	s.bindings.Update(sessionUUID, func(e *bindingEntry) {
		e.LastUsedAt = time.Now().UTC().Format(time.RFC3339)
	}, ttl)
	return nil
}

// ---------------------------------------------------------------------------
// Token refresh lock (in-memory mutex) — ensures only one refresh call
// is in flight per identity at a time.
// ---------------------------------------------------------------------------

func (s *SQLiteStore) AcquireRefreshLock(_ context.Context, identityID, _ string) (bool, error) {
	mu, _ := s.refreshLocks.LoadOrStore(identityID, &sync.Mutex{})
	return mu.(*sync.Mutex).TryLock(), nil
}

func (s *SQLiteStore) ReleaseRefreshLock(_ context.Context, identityID, _ string) error {
	mu, ok := s.refreshLocks.Load(identityID)
	if ok {
		mu.(*sync.Mutex).Unlock()
	}
	return nil
}
