// Package server is the HTTP composition layer: it wires the request
// engine, auth middleware, and the minimal read-only admin surface
// together behind one mux. Trimmed of any admin/login/users/dashboard
// and embedded web-UI surface (see DESIGN.md), which is out of scope here
// (only GET /admin/identities and GET /admin/health survive).
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/cors"

	"github.com/nero-labs/kiro-relay/internal/account"
	"github.com/nero-labs/kiro-relay/internal/auth"
	"github.com/nero-labs/kiro-relay/internal/config"
	"github.com/nero-labs/kiro-relay/internal/cooldown"
	"github.com/nero-labs/kiro-relay/internal/dialect"
	"github.com/nero-labs/kiro-relay/internal/events"
	"github.com/nero-labs/kiro-relay/internal/flowmonitor"
	"github.com/nero-labs/kiro-relay/internal/history"
	"github.com/nero-labs/kiro-relay/internal/identity"
	"github.com/nero-labs/kiro-relay/internal/metrics"
	"github.com/nero-labs/kiro-relay/internal/ratelimit"
	"github.com/nero-labs/kiro-relay/internal/relay"
	"github.com/nero-labs/kiro-relay/internal/scheduler"
	"github.com/nero-labs/kiro-relay/internal/store"
	"github.com/nero-labs/kiro-relay/internal/transport"
)

// Server is the main HTTP server.
type Server struct {
	cfg          *config.Config
	store        store.Store
	identities   *account.Store
	authMw       *auth.Middleware
	cooldown     *cooldown.Table
	rateLimit    *ratelimit.Manager
	engine       *relay.Engine
	transportMgr *transport.Manager
	bus          *events.Bus
	cron         *cron.Cron
	httpServer   *http.Server
	version      string
	startTime    time.Time
}

// New wires every component into one Engine and builds the mux.
// The identity registry (a read-only YAML bootstrap file) is loaded here,
// once, before the server starts accepting requests.
func New(cfg *config.Config, s store.Store, bus *events.Bus, version string) (*Server, error) {
	crypto := account.NewCrypto(cfg.EncryptionKey)
	identities := account.NewStore(s, crypto)

	if n, err := account.LoadRegistry(context.Background(), identities, cfg.IdentityRegistryPath); err != nil {
		slog.Warn("identity registry load failed", "path", cfg.IdentityRegistryPath, "error", err)
	} else if n > 0 {
		slog.Info("identity registry loaded", "added", n)
	}

	transportMgr := transport.NewManager()
	tokens := account.NewTokenManager(s, identities, cfg, transportMgr)
	cooldownTable := cooldown.New()
	sched := scheduler.New(s, identities, cooldownTable, cfg)
	sigCache := identity.NewSignatureCache()
	transformer := identity.NewTransformer(sigCache, cfg)
	rateLimit := ratelimit.NewManager(s, cfg.RateLimitBucketSize, cfg.RateLimitRefillPer)
	historyMgr := history.New(cfg.HistoryMaxChars, cfg.HistoryMaxTurns)

	var archiver flowmonitor.Archiver
	if cfg.ArchiveBucket != "" {
		a, err := flowmonitor.NewMinioArchiver(context.Background(), cfg.ArchiveEndpoint, cfg.ArchiveAccessKey, cfg.ArchiveSecretKey, cfg.ArchiveBucket, false)
		if err != nil {
			slog.Warn("flow archive disabled, body archiving off", "error", err)
		} else {
			archiver = a
		}
	}
	flow := flowmonitor.NewSink(s, bus, archiver, cfg.ArchiveThresholdByte)

	engine := relay.New(s, identities, tokens, sched, transformer, rateLimit, cooldownTable, historyMgr, cfg, transportMgr, bus, flow)
	authMw := auth.NewMiddleware(cfg.StaticToken)

	srv := &Server{
		cfg:          cfg,
		store:        s,
		identities:   identities,
		authMw:       authMw,
		cooldown:     cooldownTable,
		rateLimit:    rateLimit,
		engine:       engine,
		transportMgr: transportMgr,
		bus:          bus,
		cron:         cron.New(),
		version:      version,
		startTime:    time.Now(),
	}

	mux := http.NewServeMux()
	srv.registerRoutes(mux)

	corsMw := cors.New(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Authorization", "x-api-key", "Content-Type", "anthropic-version"},
	})

	srv.httpServer = &http.Server{
		Addr:           fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:        corsMw.Handler(requestLogger(mux)),
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   cfg.StreamTimeout + 30*time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	if err := srv.scheduleMaintenance(); err != nil {
		return nil, fmt.Errorf("server: schedule maintenance: %w", err)
	}

	return srv, nil
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	authd := s.authMw.Authenticate

	mux.Handle("POST /v1/messages", authd(s.engine.Handle(dialect.NewAnthropic())))
	mux.Handle("POST /v1/messages/count_tokens", authd(http.HandlerFunc(s.engine.HandleCountTokens)))
	mux.Handle("POST /v1/chat/completions", authd(s.engine.Handle(dialect.NewOpenAIChat())))
	mux.Handle("POST /v1/responses", authd(s.engine.Handle(dialect.NewOpenAIResponses())))
	mux.Handle("POST /v1beta/models/{model}:generateContent", authd(s.engine.Handle(dialect.NewGemini())))
	mux.Handle("POST /v1beta/models/{model}:streamGenerateContent", authd(s.engine.Handle(dialect.NewGemini())))
	mux.Handle("GET /v1/models", authd(http.HandlerFunc(s.handleListModels)))

	// Minimal read-only admin surface: the operator CLI's only server
	// dependency, not a mutation API (no login/users/config-persistence).
	mux.Handle("GET /admin/identities", authd(http.HandlerFunc(s.handleListIdentities)))
	mux.Handle("GET /admin/health", authd(http.HandlerFunc(s.handleHealth)))

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if err := s.store.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, `{"status":"error","store":"%s"}`, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	mux.Handle("GET /metrics", metrics.Handler())
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	names := dialect.ListModels()
	data := make([]map[string]string, 0, len(names))
	for _, n := range names {
		data = append(data, map[string]string{"id": n, "object": "model"})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": data})
}

// identitySummary is the read-only projection of an identity the admin
// surface and the operator CLI are allowed to see — no credentials.
type identitySummary struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Status       string `json:"status"`
	Schedulable  bool   `json:"schedulable"`
	Priority     int    `json:"priority"`
	OnCooldown   bool   `json:"onCooldown"`
	CooldownLeft string `json:"cooldownRemaining,omitempty"`
}

func (s *Server) handleListIdentities(w http.ResponseWriter, r *http.Request) {
	ids, err := s.identities.List(r.Context())
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	out := make([]identitySummary, 0, len(ids))
	s.refreshIdentityGauges(ids)
	for _, id := range ids {
		sum := identitySummary{
			ID:          id.ID,
			Name:        id.Name,
			Status:      id.Status,
			Schedulable: id.Schedulable,
			Priority:    id.Priority,
		}
		if remaining := s.cooldown.Remaining(id.ID); remaining > 0 {
			sum.OnCooldown = true
			sum.CooldownLeft = remaining.Round(time.Second).String()
		}
		out = append(out, sum)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"identities": out})
}

// refreshIdentityGauges recomputes the pool-wide availability gauges against
// the cooldown table's current state. Called from handleListIdentities and
// the cooldown-sweep cron job, the two points where the full identity set is
// already in hand.
func (s *Server) refreshIdentityGauges(ids []*account.Identity) {
	byReason := map[cooldown.Reason]float64{
		cooldown.ReasonOverloaded: 0,
		cooldown.ReasonRateLimit:  0,
		cooldown.ReasonBanned:     0,
		cooldown.ReasonFiveHour:   0,
	}
	available := 0
	for _, id := range ids {
		if reason, onCooldown := s.cooldown.Reason(id.ID); onCooldown {
			byReason[reason]++
			continue
		}
		if id.Schedulable {
			available++
		}
	}
	metrics.IdentitiesAvailable.Set(float64(available))
	for reason, n := range byReason {
		metrics.IdentitiesOnCooldown.WithLabelValues(string(reason)).Set(n)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.startTime).Round(time.Second).String(),
	})
}

// scheduleMaintenance registers the cron jobs that replace bare
// time.Ticker goroutines: cooldown/rate-limit sweep, transport idle
// eviction, and request-log purge.
func (s *Server) scheduleMaintenance() error {
	if _, err := s.cron.AddFunc(s.cfg.CooldownCron, func() {
		s.rateLimit.Sweep(context.Background())
		if ids, err := s.identities.List(context.Background()); err == nil {
			s.refreshIdentityGauges(ids)
		}
	}); err != nil {
		return fmt.Errorf("cooldown sweep cron: %w", err)
	}

	if _, err := s.cron.AddFunc(s.cfg.TransportClean, func() {
		s.transportMgr.Cleanup(15 * time.Minute)
	}); err != nil {
		return fmt.Errorf("transport cleanup cron: %w", err)
	}

	if _, err := s.cron.AddFunc(s.cfg.LogPurgeCron, func() {
		before := time.Now().Add(-30 * 24 * time.Hour)
		n, err := s.store.PurgeOldLogs(context.Background(), before)
		if err != nil {
			slog.Error("purge old logs failed", "error", err)
		} else if n > 0 {
			slog.Info("purged old request logs", "count", n)
		}
	}); err != nil {
		return fmt.Errorf("log purge cron: %w", err)
	}

	return nil
}

// Run starts the server and blocks until shutdown.
func (s *Server) Run() error {
	s.cron.Start()
	defer s.cron.Stop()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", s.httpServer.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		s.transportMgr.Close()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}
