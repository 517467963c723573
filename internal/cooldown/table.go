// Package cooldown implements the quota/cool-down table. It tracks, per
// identity, transient reasons an identity should be skipped by the
// scheduler (upstream overload, rate-limit, 5-hour auto-stop window).
// Consolidates the original inline cooldown fields
// (OverloadedUntil/OpusRateLimitEndAt/FiveHourAutoStopped on Account) and
// the rate-limit manager's restoration logic into one small table.
// Requires no persistence and no background sweeper: availability is
// computed lazily against the stored deadline on every read.
package cooldown

import (
	"sync"
	"time"
)

// Reason names why an identity is on cooldown.
type Reason string

const (
	ReasonOverloaded Reason = "overloaded" // 529
	ReasonRateLimit  Reason = "rate_limit" // 429
	ReasonBanned     Reason = "banned"     // 403 ban signal
	ReasonFiveHour   Reason = "five_hour"  // 5h window auto-stop
)

type mark struct {
	reason Reason
	until  time.Time
}

// Table is a process-local map from identity ID to its current cooldown
// mark, if any. Safe for concurrent use.
type Table struct {
	mu    sync.RWMutex
	marks map[string]mark
}

func New() *Table {
	return &Table{marks: make(map[string]mark)}
}

// Mark puts an identity on cooldown for the given reason and duration.
// A later call with a later deadline overwrites an earlier one; a call
// with an earlier deadline than the current mark is a no-op, so a 529
// pause can't be shortened by a stale retry marking the same reason.
func (t *Table) Mark(identityID string, reason Reason, d time.Duration) {
	until := time.Now().Add(d)
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.marks[identityID]; ok && existing.until.After(until) {
		return
	}
	t.marks[identityID] = mark{reason: reason, until: until}
}

// Available reports whether the identity is currently free of any active
// cooldown mark. Expired marks are treated as absent (and lazily evicted).
func (t *Table) Available(identityID string) bool {
	t.mu.RLock()
	m, ok := t.marks[identityID]
	t.mu.RUnlock()
	if !ok {
		return true
	}
	if time.Now().After(m.until) {
		t.mu.Lock()
		delete(t.marks, identityID)
		t.mu.Unlock()
		return true
	}
	return false
}

// Restore clears any cooldown mark on the identity immediately.
func (t *Table) Restore(identityID string) {
	t.mu.Lock()
	delete(t.marks, identityID)
	t.mu.Unlock()
}

// Remaining returns how long the identity's cooldown has left, or zero if
// it is available.
func (t *Table) Remaining(identityID string) time.Duration {
	t.mu.RLock()
	m, ok := t.marks[identityID]
	t.mu.RUnlock()
	if !ok {
		return 0
	}
	if d := time.Until(m.until); d > 0 {
		return d
	}
	return 0
}

// Reason returns the active cooldown reason for the identity, if any.
func (t *Table) Reason(identityID string) (Reason, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.marks[identityID]
	if !ok || time.Now().After(m.until) {
		return "", false
	}
	return m.reason, true
}
