// Package store is the persistence layer for the relay: identity records,
// ephemeral session/sticky state, and the request log the flow monitor
// writes to. Trimmed of the admin/user-management surface that is out of
// scope for this core (see DESIGN.md).
package store

import (
	"context"
	"time"
)

// Store is the persistence interface for the relay core.
type Store interface {
	Ping(ctx context.Context) error
	Close() error

	// Identity operations. Map keys use camelCase names matching the
	// fieldMap conversion table's hash field names.
	GetIdentity(ctx context.Context, id string) (map[string]string, error)
	SetIdentity(ctx context.Context, id string, fields map[string]string) error
	SetIdentityField(ctx context.Context, id, field, value string) error
	SetIdentityFields(ctx context.Context, id string, fields map[string]string) error
	DeleteIdentity(ctx context.Context, id string) error
	ListIdentityIDs(ctx context.Context) ([]string, error)

	// Sticky session / session binding (in-memory with TTL).
	GetStickySession(ctx context.Context, hash string) (string, error)
	SetStickySession(ctx context.Context, hash, identityID string, ttl time.Duration) error
	GetSessionBinding(ctx context.Context, sessionUUID string) (map[string]string, error)
	SetSessionBinding(ctx context.Context, sessionUUID, identityID string, ttl time.Duration) error
	RenewSessionBinding(ctx context.Context, sessionUUID string, ttl time.Duration) error

	// Token refresh lock (in-memory mutex, single process).
	AcquireRefreshLock(ctx context.Context, identityID, lockID string) (bool, error)
	ReleaseRefreshLock(ctx context.Context, identityID, lockID string) error

	// Request log (flow monitor sink).
	InsertRequestLog(ctx context.Context, log *RequestLog) error
	QueryRequestLogs(ctx context.Context, opts RequestLogQuery) ([]*RequestLog, int, error)
	PurgeOldLogs(ctx context.Context, before time.Time) (int64, error)
	QueryUsagePeriods(ctx context.Context) ([]UsagePeriod, error)
}

// RequestLog represents a single relayed-request log entry.
type RequestLog struct {
	ID                int64
	IdentityID        string
	Dialect           string
	Model             string
	InputTokens       int
	OutputTokens      int
	CacheReadTokens   int
	CacheCreateTokens int
	CostUSD           float64
	Status            string
	DurationMs        int64
	ArchiveKey        string // set when the body was archived to object storage
	CreatedAt         time.Time
}

// RequestLogQuery is a paginated request log query.
type RequestLogQuery struct {
	IdentityID string
	Limit      int
	Offset     int
}

// UsagePeriod represents request/token/cost totals for a named window.
type UsagePeriod struct {
	Label           string  `json:"label"`
	Requests        int     `json:"requests"`
	InputTokens     int64   `json:"input_tokens"`
	OutputTokens    int64   `json:"output_tokens"`
	CacheReadTokens int64   `json:"cache_read_tokens"`
	CostUSD         float64 `json:"cost_usd"`
}
