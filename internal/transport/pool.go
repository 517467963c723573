// Package transport pools per-identity HTTP transports: each identity
// (potentially proxied through its own upstream egress) gets a utls
// Chrome-fingerprinted TLS connection, pooled and idle-evicted like the
// teacher's account-keyed transport pool, renamed onto this core's
// Identity type.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/nero-labs/kiro-relay/internal/account"
)

type poolEntry struct {
	transport *http.Transport
	lastUsed  time.Time
}

// Pool manages per-identity HTTP transports with idle cleanup.
type Pool struct {
	mu      sync.Mutex
	entries map[string]*poolEntry
}

func newPool() *Pool {
	return &Pool{entries: make(map[string]*poolEntry)}
}

// Get returns or creates an HTTP transport for the given identity.
func (p *Pool) Get(ident *account.Identity) *http.Transport {
	key := transportKey(ident)

	p.mu.Lock()
	defer p.mu.Unlock()

	if entry, ok := p.entries[key]; ok {
		entry.lastUsed = time.Now()
		return entry.transport
	}

	t := buildTransport(ident)
	p.entries[key] = &poolEntry{transport: t, lastUsed: time.Now()}
	return t
}

// RunCleanup periodically removes transports idle longer than idleTimeout.
func (p *Pool) RunCleanup(ctx context.Context, interval, idleTimeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Cleanup(idleTimeout)
		}
	}
}

// Cleanup removes transports idle longer than idleTimeout. Exported so a
// cron job (see internal/server) can invoke it directly instead of the
// pool owning its own ticker.
func (p *Pool) Cleanup(idleTimeout time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := time.Now().Add(-idleTimeout)
	for key, entry := range p.entries {
		if entry.lastUsed.Before(cutoff) {
			entry.transport.CloseIdleConnections()
			delete(p.entries, key)
		}
	}
}

// Close closes all transports in the pool.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for key, entry := range p.entries {
		entry.transport.CloseIdleConnections()
		delete(p.entries, key)
	}
}

func transportKey(ident *account.Identity) string {
	if ident.Proxy == nil {
		return "direct"
	}
	return fmt.Sprintf("%s://%s:%d", ident.Proxy.Type, ident.Proxy.Host, ident.Proxy.Port)
}

// buildTransport constructs the *http.Transport for an identity: a
// utls-dialing DialTLSContext, direct or tunneled through the identity's
// configured proxy.
func buildTransport(ident *account.Identity) *http.Transport {
	t := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}
	if ident.Proxy == nil {
		t.DialTLSContext = dialUTLS
	} else {
		t.DialTLSContext = proxyDialer(ident.Proxy)
	}
	return t
}

// Manager wraps Pool behind the relay engine's TransportProvider
// interface, which operates on *http.Client rather than *http.Transport.
type Manager struct {
	pool *Pool
}

func NewManager() *Manager {
	return &Manager{pool: newPool()}
}

// GetClient returns a pooled HTTP client dedicated to the identity's
// transport configuration (proxy + TLS fingerprint), with no client-level
// timeout — the engine bounds upstream calls with context instead, so a
// long-lived stream isn't cut off by a blanket Client.Timeout.
func (m *Manager) GetClient(ident *account.Identity) *http.Client {
	return &http.Client{Transport: m.pool.Get(ident)}
}

func (m *Manager) RunCleanup(ctx context.Context, interval, idleTimeout time.Duration) {
	m.pool.RunCleanup(ctx, interval, idleTimeout)
}

func (m *Manager) Cleanup(idleTimeout time.Duration) { m.pool.Cleanup(idleTimeout) }

func (m *Manager) Close() { m.pool.Close() }
