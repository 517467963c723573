// Package scheduler picks which identity serves a given request.
// Generalized from one dialect's session-affinity heuristic to the
// dialect-agnostic session hash the request engine computes up front, and
// from inline cooldown fields to a consulted cooldown.Table.
package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/nero-labs/kiro-relay/internal/account"
	"github.com/nero-labs/kiro-relay/internal/config"
	"github.com/nero-labs/kiro-relay/internal/cooldown"
	"github.com/nero-labs/kiro-relay/internal/store"
)

// Scheduler selects identities for requests.
type Scheduler struct {
	store     store.Store
	identites *account.Store
	cooldown  *cooldown.Table
	cfg       *config.Config
}

func New(s store.Store, as *account.Store, cd *cooldown.Table, cfg *config.Config) *Scheduler {
	return &Scheduler{store: s, identites: as, cooldown: cd, cfg: cfg}
}

// SelectOptions provides context for identity selection.
type SelectOptions struct {
	BoundIdentityID string   // API-key-level binding, if any
	SessionHash     string   // sticky-session lookup key
	IsOpusRequest   bool     // whether this request targets a premium/Opus-tier model
	ExcludeIDs      []string // identities already tried and failed on this request
}

// Select picks the best available identity for a request.
func (s *Scheduler) Select(ctx context.Context, opts SelectOptions) (*account.Identity, error) {
	// 1. Bound identity — highest priority, no fallthrough on unavailability
	// (a session pinned to one identity must not silently fail over, which
	// would leak the multi-identity nature of the proxy into the model's
	// context).
	if opts.BoundIdentityID != "" {
		ident, err := s.identites.Get(ctx, opts.BoundIdentityID)
		if err == nil && ident != nil && s.isAvailable(ident, opts) {
			return ident, nil
		}
		if ident != nil {
			return nil, fmt.Errorf("bound identity %s is %s", opts.BoundIdentityID, ident.Status)
		}
	}

	// 2. Sticky session — soft affinity by session fingerprint.
	if opts.SessionHash != "" {
		identityID, err := s.store.GetStickySession(ctx, opts.SessionHash)
		if err == nil && identityID != "" && !contains(opts.ExcludeIDs, identityID) {
			ident, err := s.identites.Get(ctx, identityID)
			if err == nil && ident != nil && s.isAvailable(ident, opts) {
				_ = s.store.SetStickySession(ctx, opts.SessionHash, identityID, s.cfg.SessionBindingTTL)
				return ident, nil
			}
		}
	}

	// 3. Pool selection — filter, rank, pick best.
	all, err := s.identites.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}

	var candidates []*account.Identity
	for _, ident := range all {
		if contains(opts.ExcludeIDs, ident.ID) {
			continue
		}
		if !s.isAvailable(ident, opts) {
			continue
		}
		candidates = append(candidates, ident)
	}

	if len(candidates) == 0 {
		return nil, fmt.Errorf("no available identities")
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		ti, tj := timeOrZero(candidates[i].LastUsedAt), timeOrZero(candidates[j].LastUsedAt)
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return candidates[i].RequestCount < candidates[j].RequestCount
	})

	selected := candidates[0]

	if opts.SessionHash != "" {
		_ = s.store.SetStickySession(ctx, opts.SessionHash, selected.ID, s.cfg.SessionBindingTTL)
	}

	slog.Debug("identity selected", "identityId", selected.ID, "name", selected.Name, "priority", selected.Priority)
	return selected, nil
}

// NextOtherThan re-selects excluding a specific identity, for the failover
// leg of the request engine's retry loop.
func (s *Scheduler) NextOtherThan(ctx context.Context, opts SelectOptions, identityID string) (*account.Identity, error) {
	opts.ExcludeIDs = append(append([]string{}, opts.ExcludeIDs...), identityID)
	opts.BoundIdentityID = "" // a failover never re-consults the hard binding
	return s.Select(ctx, opts)
}

func (s *Scheduler) isAvailable(ident *account.Identity, opts SelectOptions) bool {
	if ident.Status == "disabled" {
		return false
	}
	if !ident.Schedulable {
		return false
	}
	if !s.cooldown.Available(ident.ID) {
		return false
	}
	if ident.OverloadedUntil != nil && time.Now().Before(*ident.OverloadedUntil) {
		return false
	}
	if ident.FiveHourAutoStopped && ident.SessionWindowEnd != nil && time.Now().Before(ident.SessionWindowEnd.Add(time.Minute)) {
		return false
	}
	if opts.IsOpusRequest && ident.OpusRateLimitEndAt != nil && time.Now().Before(*ident.OpusRateLimitEndAt) {
		return false
	}
	return true
}

// ComputeSessionHash derives a stable fingerprint for soft session
// affinity. Priority: explicit session UUID > system-prompt prefix >
// first-message prefix.
func ComputeSessionHash(sessionUUID, systemPrompt, firstMessage string) string {
	if sessionUUID != "" {
		return hashStr("session:" + sessionUUID)
	}
	if systemPrompt != "" {
		return hashStr("system:" + systemPrompt[:min(len(systemPrompt), 200)])
	}
	if firstMessage != "" {
		return hashStr("msg:" + firstMessage[:min(len(firstMessage), 200)])
	}
	return ""
}

// ExtractSessionUUID pulls a "session_<uuid>"-shaped token out of an
// arbitrary metadata string (e.g. a client's user_id field).
func ExtractSessionUUID(raw string) string {
	if idx := strings.LastIndex(raw, "session_"); idx >= 0 {
		return raw[idx:]
	}
	return ""
}

func hashStr(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:8]) // 16 hex chars
}

func contains(list []string, item string) bool {
	for _, v := range list {
		if v == item {
			return true
		}
	}
	return false
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
