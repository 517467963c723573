// Package flowmonitor records every relayed request as one flow,
// persisting a summary row to SQLite and replaying the same event onto a
// ring-buffer event bus for live observers. Grounded
// on original_source/kiro_proxy/core/flow_monitor.py's
// LLMFlow/FlowRequest/FlowResponse/FlowTiming dataclasses and FlowState
// enum — the Python version keeps flows in an in-memory deque for an
// admin UI to browse; this repo has no admin UI, so the sink writes
// straight to the request_log table that already persists usage/cost.
package flowmonitor

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/nero-labs/kiro-relay/internal/events"
	"github.com/nero-labs/kiro-relay/internal/store"
)

// State mirrors the Python FlowState enum.
type State string

const (
	StatePending   State = "pending"
	StateStreaming State = "streaming"
	StateCompleted State = "completed"
	StateError     State = "error"
)

// Flow is one relayed request/response pair, reduced to the fields worth
// persisting — the full FlowRequest/FlowResponse dataclasses also carried
// headers and raw bodies for UI replay, which has no home here.
type Flow struct {
	IdentityID string
	Dialect    string
	Model      string
	State      State

	InputTokens       int
	OutputTokens      int
	CacheReadTokens   int
	CacheCreateTokens int
	CostUSD           float64

	StatusCode int
	Duration   time.Duration

	// RawBody is archived to object storage when it exceeds the sink's
	// threshold and an Archiver is configured; otherwise it is dropped.
	// The request log itself never stores a body, only the archive key.
	RawBody []byte
}

// Archiver stores oversized flow bodies out of band, returning an object
// key to persist in place of the body itself.
type Archiver interface {
	Store(ctx context.Context, key string, data []byte) (string, error)
}

// Sink records flows into the request log and publishes them to the event
// bus. Safe for concurrent use.
type Sink struct {
	store     store.Store
	bus       *events.Bus
	archiver  Archiver
	threshold int64
}

func NewSink(s store.Store, bus *events.Bus, archiver Archiver, threshold int64) *Sink {
	return &Sink{store: s, bus: bus, archiver: archiver, threshold: threshold}
}

// Record persists one completed flow and publishes it to the bus.
func (s *Sink) Record(ctx context.Context, f Flow) {
	log := &store.RequestLog{
		IdentityID:        f.IdentityID,
		Dialect:           f.Dialect,
		Model:             f.Model,
		InputTokens:       f.InputTokens,
		OutputTokens:      f.OutputTokens,
		CacheReadTokens:   f.CacheReadTokens,
		CacheCreateTokens: f.CacheCreateTokens,
		CostUSD:           f.CostUSD,
		Status:            string(f.State),
		DurationMs:        f.Duration.Milliseconds(),
		CreatedAt:         time.Now().UTC(),
	}

	if s.archiver != nil && int64(len(f.RawBody)) > s.threshold {
		key := archiveKey(f.IdentityID, log.CreatedAt)
		if objKey, err := s.archiver.Store(ctx, key, f.RawBody); err != nil {
			slog.Warn("flow archive failed, dropping body", "error", err, "identityId", f.IdentityID)
		} else {
			log.ArchiveKey = objKey
		}
	}

	if err := s.store.InsertRequestLog(ctx, log); err != nil {
		slog.Error("insert request log failed", "error", err)
	}

	if s.bus != nil {
		s.bus.Publish(events.Event{
			Type:       events.EventRequest,
			IdentityID: f.IdentityID,
			Message:    flowSummary(f),
		})
	}
}

func flowSummary(f Flow) string {
	if f.State == StateError {
		return f.Dialect + " " + f.Model + " failed (status " + strconv.Itoa(f.StatusCode) + ")"
	}
	return f.Dialect + " " + f.Model + " completed in " + f.Duration.Round(time.Millisecond).String()
}

func archiveKey(identityID string, t time.Time) string {
	return "flows/" + identityID + "/" + t.Format("20060102T150405.000000000Z07")
}
