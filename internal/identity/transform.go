// Package identity carries the Claude-Code-client-specific request
// transforms the engine applies only on the Anthropic dialect path:
// billing-header stripping, cache_control compliance, tool-name
// normalization for non-native clients, and thinking-signature
// restoration. Trimmed of the warmup/session-hash logic that now lives
// in internal/dialect (shared across all four client dialects, not just
// Anthropic).
package identity

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/nero-labs/kiro-relay/internal/account"
	"github.com/nero-labs/kiro-relay/internal/config"
)

var billingHeaderPattern = regexp.MustCompile(`(?i)x-billing-header`)

// Transformer applies Claude-Code-specific transforms to a request body
// before it's decoded into the dialect-neutral shape.
type Transformer struct {
	sigCache *SignatureCache
	cfg      *config.Config
}

func NewTransformer(sc *SignatureCache, cfg *config.Config) *Transformer {
	return &Transformer{sigCache: sc, cfg: cfg}
}

// TransformResult holds the results of a transformation.
type TransformResult struct {
	Body        map[string]interface{}
	IsRealCC    bool
	ToolNameMap map[string]string // transformed -> original (for response restoration)
}

// Transform applies all identity transformations to a request.
func (t *Transformer) Transform(
	ctx context.Context,
	body map[string]interface{},
	ident *account.Identity,
) *TransformResult {
	result := &TransformResult{Body: body}

	t.stripBillingHeaders(body)
	t.enforceCacheControl(body)

	result.IsRealCC = IsClaudeCodeRequest(body["system"])
	if !result.IsRealCC {
		body["system"] = InjectClaudeCodePrompt(body["system"])
	}

	identityUUID := GetAccountUUID(ident.ExtInfo)
	if metadata, ok := body["metadata"].(map[string]interface{}); ok {
		if origUserID, ok := metadata["user_id"].(string); ok {
			if !HasValidUserIDFormat(origUserID) {
				slog.Debug("user_id not in Claude Code format, synthesizing one", "identityId", ident.ID)
			}
			metadata["user_id"] = RewriteUserID(origUserID, ident.ID, identityUUID)
		}
	}

	t.restoreSignatures(body, ident.ID)

	if !result.IsRealCC {
		result.ToolNameMap = t.normalizeToolNames(body)
	}

	return result
}

// RestoreToolNamesInResponse reverses tool name transformation in response data.
func (t *Transformer) RestoreToolNamesInResponse(data []byte, nameMap map[string]string) []byte {
	if len(nameMap) == 0 {
		return data
	}
	s := string(data)
	for transformed, original := range nameMap {
		s = strings.ReplaceAll(s, `"`+transformed+`"`, `"`+original+`"`)
	}
	return []byte(s)
}

// CaptureSignatures extracts and caches thinking signatures from a response event.
func (t *Transformer) CaptureSignatures(sessionID string, event map[string]interface{}) {
	if event["type"] != "content_block_stop" {
		return
	}
	contentBlock, ok := event["content_block"].(map[string]interface{})
	if !ok || contentBlock["type"] != "thinking" {
		return
	}
	sig, _ := contentBlock["signature"].(string)
	text, _ := contentBlock["thinking"].(string)
	if sig != "" && text != "" {
		t.sigCache.Store(sessionID, text, sig)
	}
}

func (t *Transformer) stripBillingHeaders(body map[string]interface{}) {
	system, ok := body["system"]
	if !ok {
		return
	}
	if s, ok := system.([]interface{}); ok {
		filtered := make([]interface{}, 0, len(s))
		for _, entry := range s {
			if m, ok := entry.(map[string]interface{}); ok {
				if text, ok := m["text"].(string); ok && billingHeaderPattern.MatchString(text) {
					continue
				}
			}
			filtered = append(filtered, entry)
		}
		body["system"] = filtered
	}
}

func (t *Transformer) enforceCacheControl(body map[string]interface{}) {
	maxBlocks := t.cfg.MaxCacheControls

	total := 0
	total += stripAndCountCacheControl(body, "system")
	total += stripAndCountCacheControl(body, "messages")
	if total <= maxBlocks {
		return
	}

	excess := total - maxBlocks
	excess = removeCacheControls(body, "messages", excess)
	if excess > 0 {
		removeCacheControls(body, "system", excess)
	}
}

func stripAndCountCacheControl(body map[string]interface{}, field string) int {
	count := 0
	walkContentBlocks(body[field], func(block map[string]interface{}) {
		if cc, ok := block["cache_control"]; ok {
			count++
			if ccMap, ok := cc.(map[string]interface{}); ok {
				delete(ccMap, "ttl")
			}
		}
	})
	return count
}

func removeCacheControls(body map[string]interface{}, field string, toRemove int) int {
	if toRemove <= 0 {
		return 0
	}
	removed := 0
	walkContentBlocks(body[field], func(block map[string]interface{}) {
		if removed >= toRemove {
			return
		}
		if _, ok := block["cache_control"]; ok {
			delete(block, "cache_control")
			removed++
		}
	})
	return toRemove - removed
}

func walkContentBlocks(v interface{}, fn func(map[string]interface{})) {
	switch s := v.(type) {
	case []interface{}:
		for _, item := range s {
			if m, ok := item.(map[string]interface{}); ok {
				fn(m)
				if content, ok := m["content"]; ok {
					walkContentBlocks(content, fn)
				}
			}
		}
	}
}

func (t *Transformer) restoreSignatures(body map[string]interface{}, identityID string) {
	messages, ok := body["messages"].([]interface{})
	if !ok {
		return
	}

	sessionID := ""
	if metadata, ok := body["metadata"].(map[string]interface{}); ok {
		if uid, ok := metadata["user_id"].(string); ok {
			sessionID = ExtractSessionUUID(uid)
		}
	}
	if sessionID == "" {
		return
	}

	for _, msg := range messages {
		m, ok := msg.(map[string]interface{})
		if !ok {
			continue
		}
		content, ok := m["content"].([]interface{})
		if !ok {
			continue
		}
		for _, block := range content {
			b, ok := block.(map[string]interface{})
			if !ok || b["type"] != "thinking" {
				continue
			}
			if _, hasSig := b["signature"]; hasSig {
				continue
			}
			text, _ := b["thinking"].(string)
			if text == "" {
				continue
			}
			if sig := t.sigCache.Lookup(sessionID, text); sig != "" {
				b["signature"] = sig
				slog.Debug("restored thinking signature", "sessionId", sessionID)
			}
		}
	}
}

func (t *Transformer) normalizeToolNames(body map[string]interface{}) map[string]string {
	nameMap := make(map[string]string)

	if tools, ok := body["tools"].([]interface{}); ok {
		for _, tool := range tools {
			if m, ok := tool.(map[string]interface{}); ok {
				if name, ok := m["name"].(string); ok {
					newName := toPascalCase(name)
					if newName != name {
						nameMap[newName] = name
						m["name"] = newName
					}
				}
			}
		}
	}

	if tc, ok := body["tool_choice"].(map[string]interface{}); ok {
		if name, ok := tc["name"].(string); ok {
			if newName, exists := findTransformed(nameMap, name); exists {
				tc["name"] = newName
			}
		}
	}

	if messages, ok := body["messages"].([]interface{}); ok {
		for _, msg := range messages {
			m, ok := msg.(map[string]interface{})
			if !ok {
				continue
			}
			content, ok := m["content"].([]interface{})
			if !ok {
				continue
			}
			for _, block := range content {
				b, ok := block.(map[string]interface{})
				if !ok || b["type"] != "tool_use" {
					continue
				}
				if name, ok := b["name"].(string); ok {
					if newName, exists := findTransformed(nameMap, name); exists {
						b["name"] = newName
					}
				}
			}
		}
	}

	return nameMap
}

func toPascalCase(name string) string {
	parts := strings.FieldsFunc(name, func(r rune) bool { return r == '_' || r == '-' })
	if len(parts) == 0 {
		return name
	}
	var b strings.Builder
	for _, part := range parts {
		if len(part) > 0 {
			b.WriteByte(byte(strings.ToUpper(string(part[0]))[0]))
			b.WriteString(strings.ToLower(part[1:]))
		}
	}
	b.WriteString("_tool")
	return b.String()
}

func findTransformed(nameMap map[string]string, original string) (string, bool) {
	for transformed, orig := range nameMap {
		if orig == original {
			return transformed, true
		}
	}
	return "", false
}
