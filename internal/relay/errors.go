package relay

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/nero-labs/kiro-relay/internal/config"
)

// routeTagPattern strips internal route tags like [relay/dialect] from error messages.
var routeTagPattern = regexp.MustCompile(`\[relay/[^\]]+\]\s*`)

// Kind classifies an upstream failure into a dispatch policy, replacing a
// flat errorCodes/SanitizeError pattern table with the kind/policy shape
// the engine's retry loop consults directly.
type Kind string

const (
	KindTransient     Kind = "transient"
	KindRateLimit     Kind = "rate_limit"
	KindAuthExpired   Kind = "auth_expired"
	KindAuthInvalid   Kind = "auth_invalid"
	KindContentTooLong Kind = "content_too_long"
	KindBadRequest    Kind = "bad_request"
	KindServerError   Kind = "server_error"
	KindUnknown       Kind = "unknown"
)

// Policy tells the engine how to react to a classified failure.
type Policy struct {
	Kind           Kind
	Status         int
	Type           string
	Message        string
	RetrySame      bool // retry the same identity (e.g. transient 5xx)
	SwitchIdentity bool // fail over to another identity
	DisableIdentity bool // mark identity unhealthy/cooled-down
	RefreshToken   bool // force a credential refresh before retrying
	IsLengthError  bool // history manager should shrink and retry
}

var policyTable = []struct {
	kind    Kind
	status  int
	typ     string
	message string
	pattern *regexp.Regexp
}{
	{KindBadRequest, 400, "invalid_request_error", "bad request format", regexp.MustCompile(`(?i)invalid.?request|bad request|malformed`)},
	{KindAuthExpired, 401, "authentication_error", "authentication failed", regexp.MustCompile(`(?i)unauthorized|invalid.*key|auth.*fail|invalid.*token`)},
	{KindAuthInvalid, 403, "permission_error", "access denied", regexp.MustCompile(`(?i)forbidden|permission|access.?denied`)},
	{KindBadRequest, 404, "not_found_error", "resource not found", regexp.MustCompile(`(?i)not.?found`)},
	{KindContentTooLong, 413, "request_too_large", "request payload too large", regexp.MustCompile(`(?i)too.?large|payload|content.?length`)},
	{KindRateLimit, 429, "rate_limit_error", "rate limited, please retry later", regexp.MustCompile(`(?i)rate.?limit|too.?many|throttl`)},
	{KindServerError, 500, "api_error", "internal server error", regexp.MustCompile(`(?i)internal.?server`)},
	{KindTransient, 502, "api_error", "bad gateway", regexp.MustCompile(`(?i)bad.?gateway`)},
	{KindTransient, 503, "overloaded_error", "service temporarily overloaded", regexp.MustCompile(`(?i)overloaded|unavailable`)},
	{KindTransient, 529, "overloaded_error", "upstream overloaded, please retry later", regexp.MustCompile(`(?i)529|overloaded`)},
	{KindBadRequest, 400, "invalid_request_error", "model not available", regexp.MustCompile(`(?i)model.*not.*available|unsupported.*model|does not support`)},
	{KindContentTooLong, 400, "invalid_request_error", "context window exceeded", regexp.MustCompile(`(?i)context.?window|token.?limit.*exceed|too.?long|max.*tokens.*input`)},
	{KindBadRequest, 400, "invalid_request_error", "output token limit exceeded", regexp.MustCompile(`(?i)max.*output|output.*token.*limit`)},
	{KindBadRequest, 400, "invalid_request_error", "content policy violation", regexp.MustCompile(`(?i)content.?policy|safety|moderation|harmful`)},
}

var statusDirectKind = map[int]Kind{
	401: KindAuthExpired,
	403: KindAuthInvalid,
	404: KindBadRequest,
	413: KindContentTooLong,
	429: KindRateLimit,
	502: KindTransient,
	503: KindTransient,
	529: KindTransient,
}

// Classifier turns an upstream status/body pair into a dispatch Policy,
// using cfg.QuotaMarkers/cfg.LengthErrorMarkers for substring detection
// the static pattern table can't express on its own (vendor error bodies
// vary too much to hardcode every phrasing).
type Classifier struct {
	cfg *config.Config
}

func NewClassifier(cfg *config.Config) *Classifier {
	return &Classifier{cfg: cfg}
}

// Classify maps an upstream error response to a Policy and a sanitized,
// client-facing error body.
func (c *Classifier) Classify(statusCode int, body []byte) (Policy, []byte) {
	bodyStr := stripRouteTags(string(body))
	lower := strings.ToLower(bodyStr)

	for _, marker := range c.cfg.LengthErrorMarkers {
		if strings.Contains(lower, strings.ToLower(marker)) {
			p := Policy{Kind: KindContentTooLong, Status: 400, Type: "invalid_request_error",
				Message: "context window exceeded", IsLengthError: true}
			return p, buildErrorJSON(p.Type, p.Message)
		}
	}
	for _, marker := range c.cfg.QuotaMarkers {
		if strings.Contains(lower, strings.ToLower(marker)) {
			p := Policy{Kind: KindRateLimit, Status: 429, Type: "rate_limit_error",
				Message: "quota exhausted, please retry later", SwitchIdentity: true, DisableIdentity: true}
			return p, buildErrorJSON(p.Type, p.Message)
		}
	}

	if kind, ok := statusDirectKind[statusCode]; ok {
		for _, row := range policyTable {
			if row.kind == kind && row.status == statusCode {
				return c.policyFor(row.kind, row.status, row.typ, row.message), buildErrorJSON(row.typ, row.message)
			}
		}
	}

	for _, row := range policyTable {
		if row.pattern != nil && row.pattern.MatchString(bodyStr) {
			return c.policyFor(row.kind, row.status, row.typ, row.message), buildErrorJSON(row.typ, row.message)
		}
	}

	var parsed struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal([]byte(bodyStr), &parsed) == nil && parsed.Error.Type != "" {
		msg := stripRouteTags(parsed.Error.Message)
		return c.policyFor(KindUnknown, statusCode, parsed.Error.Type, msg), buildErrorJSON(parsed.Error.Type, msg)
	}

	p := c.policyFor(KindServerError, 500, "api_error", "unexpected upstream error")
	return p, buildErrorJSON(p.Type, p.Message)
}

func (c *Classifier) policyFor(kind Kind, status int, typ, message string) Policy {
	p := Policy{Kind: kind, Status: status, Type: typ, Message: message}
	switch kind {
	case KindTransient:
		p.RetrySame = true
	case KindRateLimit:
		p.SwitchIdentity = true
		p.DisableIdentity = true
	case KindAuthExpired:
		p.RefreshToken = true
		p.RetrySame = true
	case KindAuthInvalid:
		p.SwitchIdentity = true
		p.DisableIdentity = true
	case KindContentTooLong:
		p.IsLengthError = true
	case KindServerError:
		p.RetrySame = true
	}
	return p
}

// SanitizeSSEError wraps a sanitized error as an SSE event.
func (c *Classifier) SanitizeSSEError(statusCode int, body []byte) string {
	_, sanitized := c.Classify(statusCode, body)
	return "event: error\ndata: " + string(sanitized) + "\n\n"
}

func stripRouteTags(s string) string {
	return strings.TrimSpace(routeTagPattern.ReplaceAllString(s, ""))
}

func buildErrorJSON(errType, msg string) []byte {
	resp := map[string]interface{}{
		"type": "error",
		"error": map[string]interface{}{
			"type":    errType,
			"message": msg,
		},
	}
	data, _ := json.Marshal(resp)
	return data
}
