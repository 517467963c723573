// Package ratelimit has two responsibilities: capturing upstream-reported
// rate-limit state into the identity record (generalized from
// Anthropic-specific header names to dialect-reported equivalents) and a
// local, pre-dispatch token bucket per identity so the engine doesn't
// even attempt a request it already knows will be rejected, rather than
// only reacting to upstream headers after the fact.
package ratelimit

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/nero-labs/kiro-relay/internal/store"
)

// Manager tracks upstream-reported rate-limit state and paces local
// dispatch with a per-identity token bucket.
type Manager struct {
	store   store.Store
	mu      sync.Mutex
	buckets map[string]*bucket
	size    int
	refill  time.Duration
}

func NewManager(s store.Store, bucketSize int, refillPeriod time.Duration) *Manager {
	return &Manager{
		store:   s,
		buckets: make(map[string]*bucket),
		size:    bucketSize,
		refill:  refillPeriod,
	}
}

// bucket is a simple fixed-capacity token bucket refilled by one token
// every refill period, capped at size.
type bucket struct {
	mu       sync.Mutex
	tokens   int
	lastFill time.Time
}

// CanRequest reports whether identityID has a token available right now.
// If not, it returns the wait duration until the next refill.
func (m *Manager) CanRequest(identityID string) (ok bool, wait time.Duration) {
	m.mu.Lock()
	b, found := m.buckets[identityID]
	if !found {
		b = &bucket{tokens: m.size, lastFill: time.Now()}
		m.buckets[identityID] = b
	}
	m.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	elapsed := time.Since(b.lastFill)
	if refills := int(elapsed / m.refill); refills > 0 {
		b.tokens = min(m.size, b.tokens+refills)
		b.lastFill = b.lastFill.Add(time.Duration(refills) * m.refill)
	}

	if b.tokens > 0 {
		b.tokens--
		return true, 0
	}
	return false, m.refill - (time.Since(b.lastFill) % m.refill)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// CaptureHeaders processes upstream rate-limit headers into durable
// identity fields (five-hour window status/reset). Only the
// x-relay-window-status and x-relay-window-reset headers are read;
// nothing in the relay renames other upstream headers to these names.
func (m *Manager) CaptureHeaders(ctx context.Context, identityID string, headers http.Header) {
	if status := headers.Get("x-relay-window-status"); status != "" {
		m.updateFiveHourStatus(ctx, identityID, status)
	}
	if resetStr := headers.Get("x-relay-window-reset"); resetStr != "" {
		m.updateResetTime(ctx, identityID, resetStr)
	}
}

func (m *Manager) updateFiveHourStatus(ctx context.Context, identityID, status string) {
	fields := map[string]string{"fiveHourStatus": status}
	now := time.Now().UTC()

	switch status {
	case "allowed":
		fields["fiveHourAutoStopped"] = "false"

	case "allowed_warning":
		data, err := m.store.GetIdentity(ctx, identityID)
		if err != nil {
			return
		}
		if data["autoStopOnWarning"] == "true" {
			fields["schedulable"] = "false"
			fields["fiveHourAutoStopped"] = "true"
			fields["fiveHourStoppedAt"] = now.Format(time.RFC3339)
			windowStart := now.Truncate(time.Hour)
			fields["sessionWindowStart"] = windowStart.Format(time.RFC3339)
			fields["sessionWindowEnd"] = windowStart.Add(5 * time.Hour).Format(time.RFC3339)
			slog.Info("identity auto-stopped on warning", "identityId", identityID)
		}

	case "rejected":
		fields["schedulable"] = "false"
		fields["fiveHourAutoStopped"] = "true"
		fields["fiveHourStoppedAt"] = now.Format(time.RFC3339)
		slog.Warn("identity 5h window rejected", "identityId", identityID)
	}

	_ = m.store.SetIdentityFields(ctx, identityID, fields)
}

func (m *Manager) updateResetTime(ctx context.Context, identityID, resetStr string) {
	resetTime, err := time.Parse(time.RFC3339, resetStr)
	if err != nil {
		slog.Warn("parse reset time", "error", err, "value", resetStr)
		return
	}
	_ = m.store.SetIdentityFields(ctx, identityID, map[string]string{
		"sessionWindowStart": resetTime.Add(-5 * time.Hour).Format(time.RFC3339),
		"sessionWindowEnd":   resetTime.Format(time.RFC3339),
		"rateLimitedAt":      time.Now().UTC().Format(time.RFC3339),
	})
}

// MarkOpusRateLimited records premium-tier-model-specific rate limiting.
func (m *Manager) MarkOpusRateLimited(ctx context.Context, identityID string, resetTime time.Time) {
	_ = m.store.SetIdentityField(ctx, identityID, "opusRateLimitEndAt", resetTime.Format(time.RFC3339))
	slog.Info("identity premium-tier rate limited", "identityId", identityID, "until", resetTime)
}

// Sweep restores identities whose cooldown windows have elapsed. Invoked
// on a cron schedule (see internal/server) rather than a bare ticker.
func (m *Manager) Sweep(ctx context.Context) {
	ids, err := m.store.ListIdentityIDs(ctx)
	if err != nil {
		slog.Error("ratelimit sweep list identities", "error", err)
		return
	}

	now := time.Now()
	for _, id := range ids {
		data, err := m.store.GetIdentity(ctx, id)
		if err != nil {
			continue
		}

		if data["fiveHourAutoStopped"] == "true" {
			restored := false
			if windowEnd, err := time.Parse(time.RFC3339, data["sessionWindowEnd"]); err == nil {
				restored = now.After(windowEnd.Add(time.Minute))
			} else if stoppedAt, err := time.Parse(time.RFC3339, data["fiveHourStoppedAt"]); err == nil {
				restored = now.After(stoppedAt.Add(5*time.Hour + time.Minute))
			}
			if restored {
				_ = m.store.SetIdentityFields(ctx, id, map[string]string{
					"schedulable":         "true",
					"fiveHourAutoStopped": "false",
					"fiveHourStatus":      "",
				})
				slog.Info("identity restored from 5h auto-stop", "identityId", id)
			}
		}

		if overloadedUntil, err := time.Parse(time.RFC3339, data["overloadedUntil"]); err == nil && now.After(overloadedUntil) {
			_ = m.store.SetIdentityFields(ctx, id, map[string]string{"overloadedAt": "", "overloadedUntil": ""})
			slog.Info("identity recovered from overload", "identityId", id)
		}

		if opusEnd, err := time.Parse(time.RFC3339, data["opusRateLimitEndAt"]); err == nil && now.After(opusEnd) {
			_ = m.store.SetIdentityField(ctx, id, "opusRateLimitEndAt", "")
			slog.Info("identity premium-tier rate limit cleared", "identityId", id)
		}
	}
}
