// Package relay implements the request engine: one dialect-parametrized
// handler that relays each client dialect's request to a single upstream
// vendor. It decodes each client dialect into an internal shape,
// translates it into the upstream vendor's request envelope, dispatches
// over its AWS event-stream wire format, and re-encodes the reply into
// the calling dialect.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

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
	"github.com/nero-labs/kiro-relay/internal/scheduler"
	"github.com/nero-labs/kiro-relay/internal/store"
)

// Ban signal patterns in 403 response bodies.
var banSignalPattern = regexp.MustCompile(`(?i)(organization has been disabled|account has been disabled|too many active sessions|only authorized for use with)`)

// TransportProvider supplies per-identity HTTP clients (utls + proxy).
// Implemented by internal/transport.Manager.
type TransportProvider interface {
	GetClient(ident *account.Identity) *http.Client
}

// Engine orchestrates the request forwarding pipeline for every dialect.
type Engine struct {
	store       store.Store
	identities  *account.Store
	tokens      *account.TokenManager
	scheduler   *scheduler.Scheduler
	transformer *identity.Transformer
	rateLimit   *ratelimit.Manager
	cooldown    *cooldown.Table
	history     *history.Manager
	classifier  *Classifier
	cfg         *config.Config
	transport   TransportProvider
	tracer      trace.Tracer
	bus         *events.Bus
	flow        *flowmonitor.Sink
}

func New(
	s store.Store,
	as *account.Store,
	tm *account.TokenManager,
	sched *scheduler.Scheduler,
	trans *identity.Transformer,
	rl *ratelimit.Manager,
	cd *cooldown.Table,
	hist *history.Manager,
	cfg *config.Config,
	tp TransportProvider,
	bus *events.Bus,
	flow *flowmonitor.Sink,
) *Engine {
	return &Engine{
		store:       s,
		identities:  as,
		tokens:      tm,
		scheduler:   sched,
		transformer: trans,
		rateLimit:   rl,
		cooldown:    cd,
		history:     hist,
		classifier:  NewClassifier(cfg),
		cfg:         cfg,
		transport:   tp,
		tracer:      otel.Tracer("kiro-relay/relay"),
		bus:         bus,
		flow:        flow,
	}
}

// Handle returns an http.HandlerFunc bound to one client dialect. The same
// engine logic (selection, dispatch, retry, streaming) serves /v1/messages,
// /v1/chat/completions, /v1/responses, and the Gemini generateContent
// endpoints — only the adapter passed in differs.
func (e *Engine) Handle(ad dialect.Adapter) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ctx, span := e.tracer.Start(req.Context(), "relay.handle",
			trace.WithAttributes(attribute.String("dialect", ad.Name())))
		defer span.End()

		keyInfo := auth.GetKeyInfo(ctx)
		if keyInfo == nil {
			writeError(w, http.StatusUnauthorized, "authentication_error", "not authenticated")
			return
		}

		req.Body = http.MaxBytesReader(w, req.Body, int64(e.cfg.MaxRequestBodyMB)<<20)
		rawBody, body, err := parseBody(req)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body")
			return
		}

		firstPass, err := ad.Decode(body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_error", "unable to decode request")
			return
		}

		if ad.Name() == "anthropic" && firstPass.IsWarmup {
			e.serveWarmup(w, firstPass.Model)
			return
		}

		isOpus := dialect.IsPremiumTier(firstPass.Model)
		span.SetAttributes(attribute.String("model", firstPass.Model))

		sessionUUID := extractSessionUUIDFromBody(body)
		boundIdentityID, pollutionErr := e.resolveSessionBinding(ctx, sessionUUID, isOldSession(body))
		if pollutionErr != nil {
			writeError(w, http.StatusBadRequest, "session_binding_error", pollutionErr.Error())
			return
		}

		requestStart := time.Now()
		var excludeIDs []string
		var lastErr error
		var forbiddenRetries int
		var authExpiredRetries int
		var lengthRetries int
		maxAttempts := e.cfg.MaxRetryAccounts + 1

		for attempt := 0; attempt < maxAttempts; attempt++ {
			if ctx.Err() != nil {
				return
			}

			selectOpts := scheduler.SelectOptions{
				IsOpusRequest: isOpus,
				ExcludeIDs:    excludeIDs,
				SessionHash:   firstPass.SessionHash,
			}
			if keyInfo.BoundIdentityID != "" {
				selectOpts.BoundIdentityID = keyInfo.BoundIdentityID
			} else if attempt == 0 && boundIdentityID != "" {
				selectOpts.BoundIdentityID = boundIdentityID
			}

			ident, err := e.scheduler.Select(ctx, selectOpts)
			if err != nil {
				lastErr = err
				break
			}

			if ok, wait := e.rateLimit.CanRequest(ident.ID); !ok {
				slog.Debug("identity paced, excluding this attempt", "identityId", ident.ID, "wait", wait)
				excludeIDs = append(excludeIDs, ident.ID)
				lastErr = fmt.Errorf("identity %s rate-paced", ident.ID)
				continue
			}

			accessToken, err := e.tokens.EnsureValidToken(ctx, ident.ID)
			if err != nil {
				slog.Warn("token invalid, excluding identity", "identityId", ident.ID, "error", err)
				excludeIDs = append(excludeIDs, ident.ID)
				lastErr = err
				continue
			}

			ureq, toolNameMap, err := e.decodeForAttempt(ctx, ad, rawBody, ident)
			if err != nil {
				lastErr = err
				break
			}
			e.applyHistoryBudget(ureq, 0)
			if lengthRetries > 0 {
				// ureq was re-decoded from the raw body, so re-apply the
				// shrink earned by each earlier length error.
				shrunk, _ := e.history.HandleLengthError(toTurns(ureq.Messages), lengthRetries-1)
				ureq.Messages = fromTurns(shrunk, ureq.Messages)
			}

			profileArn, _ := ident.ExtInfo["profileArn"].(string)
			if profileArn == "" {
				profileArn = e.cfg.UpstreamProfile
			}
			conversationID := firstPass.SessionHash
			if conversationID == "" {
				conversationID = sessionUUID
			}
			upstreamBody, err := buildUpstreamBody(ureq, conversationID, profileArn)
			if err != nil {
				lastErr = err
				break
			}

			upReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.UpstreamURL, bytes.NewReader(upstreamBody))
			if err != nil {
				lastErr = err
				break
			}
			identity.SetUpstreamHeaders(upReq.Header, accessToken, profileArn, identity.ResolveUserAgent(req.Header.Get("User-Agent")))

			client := e.transport.GetClient(ident)
			span.AddEvent("dispatch", trace.WithAttributes(attribute.String("identityId", ident.ID), attribute.Int("attempt", attempt)))

			dispatchCtx := ctx
			var cancel context.CancelFunc
			if ureq.Stream {
				dispatchCtx, cancel = context.WithTimeout(ctx, 300*time.Second)
			} else {
				dispatchCtx, cancel = context.WithTimeout(ctx, 120*time.Second)
			}
			upReq = upReq.WithContext(dispatchCtx)
			dispatchStart := time.Now()
			resp, err := client.Do(upReq)
			metrics.ObserveLatency(ad.Name(), time.Since(dispatchStart))
			if err != nil {
				cancel()
				slog.Error("upstream dispatch failed", "identityId", ident.ID, "error", err)
				excludeIDs = append(excludeIDs, ident.ID)
				lastErr = err
				continue
			}

			if resp.StatusCode != http.StatusOK {
				errBody, _ := io.ReadAll(resp.Body)
				resp.Body.Close()
				cancel()

				metrics.RequestsTotal.WithLabelValues(ad.Name(), "upstream_error").Inc()
				policy, sanitized := e.classifier.Classify(resp.StatusCode, errBody)
				e.handleUpstreamError(ctx, ident, resp.StatusCode, errBody, policy, isOpus)

				if policy.DisableIdentity {
					e.cooldown.Mark(ident.ID, cooldown.Reason(policy.Kind), e.cooldownDuration(policy))
				}

				if resp.StatusCode == http.StatusForbidden && !policy.DisableIdentity {
					forbiddenRetries++
					if forbiddenRetries <= 2 {
						lastErr = fmt.Errorf("upstream 403 (retry %d)", forbiddenRetries)
						continue
					}
				}

				if policy.Kind == KindAuthExpired {
					authExpiredRetries++
					if authExpiredRetries > 1 {
						// Refresh didn't fix it — switch identity rather than
						// retrying the same one indefinitely.
						excludeIDs = append(excludeIDs, ident.ID)
					}
					lastErr = fmt.Errorf("upstream 401 (retry %d)", authExpiredRetries)
					continue
				}

				if policy.IsLengthError && attempt < maxAttempts-1 && lengthRetries < 2 {
					lengthRetries++
					lastErr = fmt.Errorf("content too long, retrying with shrunk history")
					continue
				}

				if !policy.RetrySame && !policy.SwitchIdentity {
					span.SetStatus(codes.Error, policy.Message)
					writeDialectError(w, ad, resp.StatusCode, sanitized, ureq.Stream)
					return
				}

				if policy.SwitchIdentity {
					excludeIDs = append(excludeIDs, ident.ID)
				}
				lastErr = fmt.Errorf("upstream %d: %s", resp.StatusCode, policy.Message)
				continue
			}

			e.rateLimit.CaptureHeaders(ctx, ident.ID, resp.Header)
			if firstPass.SessionHash != "" && sessionUUID != "" {
				_ = e.store.SetSessionBinding(ctx, sessionUUID, ident.ID, e.cfg.SessionBindingTTL)
			}

			completed, usage := e.relayResponse(dispatchCtx, w, resp, ad, ureq, toolNameMap)
			cancel()
			state := flowmonitor.StateCompleted
			outcome := "ok"
			if !completed {
				state = flowmonitor.StateError
				outcome = "stream_error"
			} else {
				now := time.Now().UTC().Format(time.RFC3339)
				_ = e.identities.Update(context.Background(), ident.ID, map[string]string{"lastUsedAt": now})
			}
			metrics.RequestsTotal.WithLabelValues(ad.Name(), outcome).Inc()
			if e.flow != nil {
				e.flow.Record(context.Background(), flowmonitor.Flow{
					IdentityID: ident.ID, Dialect: ad.Name(), Model: usage.Model, State: state,
					InputTokens: usage.InputTokens, OutputTokens: usage.OutputTokens,
					CostUSD:    calcCost(usage.Model, usage.InputTokens, usage.OutputTokens, 0, 0),
					StatusCode: http.StatusOK, Duration: time.Since(requestStart),
				})
			}
			return
		}

		if lastErr != nil {
			slog.Error("all relay attempts failed", "error", lastErr, "dialect", ad.Name())
			span.SetStatus(codes.Error, lastErr.Error())
		}
		writeError(w, http.StatusServiceUnavailable, "overloaded_error", "no available identities")
	}
}

// decodeForAttempt re-parses the raw body and, for the Anthropic dialect,
// re-applies the Claude-Code-specific transforms per identity (the user-id
// rewrite is identity-scoped, so this must not be computed once and
// reused across attempts).
func (e *Engine) decodeForAttempt(ctx context.Context, ad dialect.Adapter, rawBody []byte, ident *account.Identity) (*dialect.UpstreamRequest, map[string]string, error) {
	var body map[string]any
	if err := json.Unmarshal(rawBody, &body); err != nil {
		return nil, nil, err
	}

	var toolNameMap map[string]string
	if ad.Name() == "anthropic" {
		result := e.transformer.Transform(ctx, body, ident)
		body = result.Body
		toolNameMap = result.ToolNameMap
	}

	ureq, err := ad.Decode(body)
	if err != nil {
		return nil, nil, err
	}
	return ureq, toolNameMap, nil
}

func (e *Engine) applyHistoryBudget(ureq *dialect.UpstreamRequest, attempt int) {
	turns := toTurns(ureq.Messages)
	processed := e.history.PreProcess(turns)
	ureq.Messages = fromTurns(processed, ureq.Messages)
}

// toTurns flattens each dialect message's blocks into a single history.Turn,
// concatenating text/thinking content and carrying the first tool_use or
// tool_result ID so alignToPairBoundary can keep tool pairs intact.
func toTurns(msgs []dialect.Message) []history.Turn {
	turns := make([]history.Turn, len(msgs))
	for i, m := range msgs {
		var content []byte
		var toolUseID string
		for _, b := range m.Blocks {
			switch b.Kind {
			case dialect.BlockText, dialect.BlockThinking:
				content = append(content, []byte(b.Text)...)
			case dialect.BlockToolUse:
				content = append(content, []byte(b.ToolInput)...)
				if toolUseID == "" {
					toolUseID = b.ToolUseID
				}
			case dialect.BlockToolResult:
				content = append(content, []byte(b.ToolResult)...)
				if toolUseID == "" {
					toolUseID = b.ToolUseID
				}
			}
		}
		turns[i] = history.Turn{Role: m.Role, Content: string(content), ToolUseID: toolUseID}
	}
	return turns
}

// fromTurns reconstructs the surviving messages after history truncation.
// PreProcess and HandleLengthError only ever drop turns from the front, so
// the kept turns are always a suffix of the original slice — no content
// rewriting is needed, just slicing the untouched dialect.Message values.
func fromTurns(kept []history.Turn, original []dialect.Message) []dialect.Message {
	if len(kept) >= len(original) {
		return original
	}
	return original[len(original)-len(kept):]
}

func (e *Engine) serveWarmup(w http.ResponseWriter, model string) {
	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	for _, event := range dialect.WarmupEvents(model) {
		w.Write([]byte(event))
		if flusher != nil {
			flusher.Flush()
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// resolveSessionBinding looks up a prior identity binding for this
// session. If the bound identity is unhealthy and this is a continuation
// of an existing conversation, it returns an error rather than letting
// the caller silently fail over (the session-binding pollution guard).
func (e *Engine) resolveSessionBinding(ctx context.Context, sessionUUID string, oldSession bool) (string, error) {
	if sessionUUID == "" {
		return "", nil
	}
	binding, err := e.store.GetSessionBinding(ctx, sessionUUID)
	if err != nil {
		return "", nil
	}
	boundID := binding["identityId"]
	if boundID == "" {
		return "", nil
	}
	ident, err := e.identities.Get(ctx, boundID)
	if err == nil && ident != nil && ident.Status == "active" && ident.Schedulable {
		_ = e.store.RenewSessionBinding(ctx, sessionUUID, e.cfg.SessionBindingTTL)
		return boundID, nil
	}
	if oldSession {
		slog.Warn("session pollution detected", "sessionUUID", sessionUUID, "boundIdentityId", boundID)
		return "", fmt.Errorf("bound identity unavailable, please start a new session")
	}
	return "", nil
}

func (e *Engine) cooldownDuration(p Policy) time.Duration {
	switch p.Kind {
	case KindRateLimit:
		return e.cfg.ErrorPause429
	case KindAuthInvalid:
		return e.cfg.ErrorPause401
	default:
		return e.cfg.ErrorPause403
	}
}

func (e *Engine) handleUpstreamError(ctx context.Context, ident *account.Identity, status int, errBody []byte, policy Policy, isOpus bool) {
	bodyStr := string(errBody)
	switch {
	case status == http.StatusServiceUnavailable || policy.Kind == KindTransient:
		until := time.Now().Add(e.cfg.ErrorPause529).UTC().Format(time.RFC3339)
		_ = e.identities.Update(ctx, ident.ID, map[string]string{"overloadedUntil": until})
		slog.Warn("identity overloaded", "identityId", ident.ID, "status", status)
		e.publish(events.EventOverload, ident.ID, fmt.Sprintf("overloaded (status %d), paused", status))

	case policy.Kind == KindRateLimit:
		e.rateLimit.CaptureHeaders(ctx, ident.ID, nil)
		if isOpus {
			e.rateLimit.MarkOpusRateLimited(ctx, ident.ID, time.Now().Add(e.cfg.ErrorPause429))
		}
		slog.Warn("identity rate limited", "identityId", ident.ID)
		e.publish(events.EventRateLimit, ident.ID, "rate limited by upstream")

	case status == http.StatusForbidden:
		if banSignalPattern.MatchString(bodyStr) {
			until := time.Now().Add(e.cfg.ErrorPause401).UTC().Format(time.RFC3339)
			_ = e.identities.Update(ctx, ident.ID, map[string]string{
				"status": "disabled", "errorMessage": "ban signal: " + truncate(bodyStr, 200),
				"schedulable": "false", "overloadedUntil": until,
			})
			slog.Error("ban signal detected", "identityId", ident.ID)
			e.publish(events.EventBan, ident.ID, "ban signal: "+truncate(bodyStr, 200))
		} else {
			until := time.Now().Add(e.cfg.ErrorPause403).UTC().Format(time.RFC3339)
			_ = e.identities.Update(ctx, ident.ID, map[string]string{"overloadedUntil": until})
		}

	case policy.RefreshToken:
		// Auth-expired: refresh and retry the same identity, so no
		// overloadedUntil/cooldown mark here — that would make the
		// identity unschedulable for the very retry this is meant to
		// enable.
		e.publish(events.EventRefresh, ident.ID, "upstream auth expired, forcing refresh")
		go func() {
			bgCtx := context.Background()
			_, _ = e.tokens.ForceRefresh(bgCtx, ident.ID)
		}()
	}
}

func (e *Engine) publish(t events.EventType, identityID, msg string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.Event{Type: t, IdentityID: identityID, Message: msg})
}

func parseBody(req *http.Request) ([]byte, map[string]any, error) {
	rawBody, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, nil, err
	}
	var body map[string]any
	if err := json.Unmarshal(rawBody, &body); err != nil {
		return nil, nil, err
	}
	return rawBody, body, nil
}

func extractSessionUUIDFromBody(body map[string]any) string {
	if metadata, ok := body["metadata"].(map[string]any); ok {
		if uid, ok := metadata["user_id"].(string); ok {
			return identity.ExtractSessionUUID(uid)
		}
	}
	return ""
}

// isOldSession detects requests that are continuations of existing
// sessions — it must not be silently routed to a different identity.
func isOldSession(body map[string]any) bool {
	messages, _ := body["messages"].([]any)
	if len(messages) > 1 {
		return true
	}
	if len(messages) == 1 {
		if m, ok := messages[0].(map[string]any); ok {
			if content, ok := m["content"].([]any); ok {
				userTexts := 0
				for _, block := range content {
					if b, ok := block.(map[string]any); ok && b["type"] == "text" {
						userTexts++
					}
				}
				if userTexts > 1 {
					return true
				}
			}
		}
	}
	tools, _ := body["tools"].([]any)
	return len(tools) == 0
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func writeError(w http.ResponseWriter, status int, errType, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"type":"error","error":{"type":"%s","message":"%s"}}`, errType, msg)
}

func writeDialectError(w http.ResponseWriter, ad dialect.Adapter, status int, body []byte, stream bool) {
	if stream {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(status)
		enc := ad.EncodeStream(w, nil)
		_ = enc.Error(status, body)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}
