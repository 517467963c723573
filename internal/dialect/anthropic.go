package dialect

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Anthropic adapts the Anthropic Messages API (/v1/messages).
type Anthropic struct{}

func NewAnthropic() *Anthropic { return &Anthropic{} }

func (a *Anthropic) Name() string { return "anthropic" }

func (a *Anthropic) Decode(body map[string]any) (*UpstreamRequest, error) {
	req := &UpstreamRequest{}

	if model, ok := body["model"].(string); ok {
		req.Model = MapModel(model)
	}
	if stream, ok := body["stream"].(bool); ok {
		req.Stream = stream
	}
	if maxTokens, ok := body["max_tokens"].(float64); ok {
		req.MaxTokens = int(maxTokens)
	}
	if temp, ok := body["temperature"].(float64); ok {
		req.Temperature = &temp
	}
	req.System = extractAnthropicSystem(body["system"])

	msgs, _ := body["messages"].([]any)
	for _, raw := range msgs {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		role, _ := m["role"].(string)
		req.Messages = append(req.Messages, Message{Role: role, Blocks: anthropicContentToBlocks(m["content"])})
	}

	if tools, ok := body["tools"].([]any); ok {
		for _, raw := range tools {
			t, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			name, _ := t["name"].(string)
			desc, _ := t["description"].(string)
			schema, _ := t["input_schema"].(map[string]any)
			req.Tools = append(req.Tools, ToolDef{Name: name, Description: desc, InputSchema: schema})
		}
	}
	if tc, ok := body["tool_choice"].(map[string]any); ok {
		req.ToolChoice = tc
	}

	req.SessionHash = anthropicSessionHash(body)
	req.IsWarmup = isWarmupBody(body)
	return req, nil
}

func extractAnthropicSystem(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []any:
		var parts []string
		for _, entry := range s {
			if m, ok := entry.(map[string]any); ok {
				if text, ok := m["text"].(string); ok {
					parts = append(parts, text)
				}
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

func anthropicContentToBlocks(v any) []Block {
	switch c := v.(type) {
	case string:
		return []Block{{Kind: BlockText, Text: c}}
	case []any:
		var blocks []Block
		for _, raw := range c {
			m, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			switch m["type"] {
			case "text":
				text, _ := m["text"].(string)
				blocks = append(blocks, Block{Kind: BlockText, Text: text})
			case "thinking":
				text, _ := m["thinking"].(string)
				sig, _ := m["signature"].(string)
				blocks = append(blocks, Block{Kind: BlockThinking, Text: text, ThinkingSignature: sig})
			case "image":
				source, _ := m["source"].(map[string]any)
				mediaType, _ := source["media_type"].(string)
				data, _ := source["data"].(string)
				blocks = append(blocks, Block{Kind: BlockImage, ImageFormat: imageFormatFromMediaType(mediaType), ImageBase64: data})
			case "tool_use":
				name, _ := m["name"].(string)
				toolID, _ := m["id"].(string)
				input, _ := json.Marshal(m["input"])
				blocks = append(blocks, Block{Kind: BlockToolUse, ToolUseID: toolID, ToolName: name, ToolInput: input})
			case "tool_result":
				toolID, _ := m["tool_use_id"].(string)
				isErr, _ := m["is_error"].(bool)
				text, _ := extractTextFromAnthropicToolResult(m["content"])
				blocks = append(blocks, Block{Kind: BlockToolResult, ToolUseID: toolID, ToolResult: text, ToolIsError: isErr})
			}
		}
		return blocks
	}
	return nil
}

func extractTextFromAnthropicToolResult(v any) (string, bool) {
	switch c := v.(type) {
	case string:
		return c, true
	case []any:
		var parts []string
		for _, raw := range c {
			if m, ok := raw.(map[string]any); ok {
				if text, ok := m["text"].(string); ok {
					parts = append(parts, text)
				}
			}
		}
		return strings.Join(parts, "\n"), true
	}
	return "", false
}

func imageFormatFromMediaType(mediaType string) string {
	switch {
	case strings.Contains(mediaType, "png"):
		return "png"
	case strings.Contains(mediaType, "gif"):
		return "gif"
	case strings.Contains(mediaType, "webp"):
		return "webp"
	default:
		return "jpeg"
	}
}

func anthropicSessionHash(body map[string]any) string {
	var userID, systemPrompt, firstMsg string
	if metadata, ok := body["metadata"].(map[string]any); ok {
		userID, _ = metadata["user_id"].(string)
	}
	systemPrompt = extractAnthropicSystem(body["system"])
	if msgs, ok := body["messages"].([]any); ok && len(msgs) > 0 {
		if m, ok := msgs[0].(map[string]any); ok {
			if s, ok := m["content"].(string); ok {
				firstMsg = s
			}
		}
	}
	return computeSessionHash(userID, systemPrompt, firstMsg)
}

func computeSessionHash(userID, systemPrompt, firstMessage string) string {
	if idx := strings.LastIndex(userID, "session_"); idx >= 0 {
		h := sha256.Sum256([]byte("session:" + userID[idx:]))
		return hex.EncodeToString(h[:8])
	}
	if systemPrompt != "" {
		end := min(len(systemPrompt), 200)
		h := sha256.Sum256([]byte("system:" + systemPrompt[:end]))
		return hex.EncodeToString(h[:8])
	}
	if firstMessage != "" {
		end := min(len(firstMessage), 200)
		h := sha256.Sum256([]byte("msg:" + firstMessage[:end]))
		return hex.EncodeToString(h[:8])
	}
	return ""
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func isWarmupBody(body map[string]any) bool {
	if msgs, ok := body["messages"].([]any); ok && len(msgs) == 1 {
		if m, ok := msgs[0].(map[string]any); ok {
			if content, ok := m["content"].(string); ok && content == "Warmup" {
				return true
			}
			if content, ok := m["content"].([]any); ok && len(content) == 1 {
				if block, ok := content[0].(map[string]any); ok {
					if text, ok := block["text"].(string); ok && text == "Warmup" {
						return true
					}
				}
			}
		}
	}
	return false
}

func (a *Anthropic) EncodeNonStream(resp *InternalResponse, model string) []byte {
	content := make([]map[string]any, 0, 1+len(resp.ToolUses))
	if resp.Text != "" {
		content = append(content, map[string]any{"type": "text", "text": resp.Text})
	}
	for _, tu := range resp.ToolUses {
		var input any
		_ = json.Unmarshal(tu.ToolInput, &input)
		content = append(content, map[string]any{
			"type":  "tool_use",
			"id":    tu.ToolUseID,
			"name":  tu.ToolName,
			"input": input,
		})
	}
	out := map[string]any{
		"id":            "msg_" + shortID(),
		"type":          "message",
		"role":          "assistant",
		"model":         model,
		"content":       content,
		"stop_reason":   stopReasonOr(resp.StopReason, "end_turn"),
		"stop_sequence": nil,
		"usage": map[string]any{
			"input_tokens":  resp.InputTokens,
			"output_tokens": resp.OutputTokens,
		},
	}
	data, _ := json.Marshal(out)
	return data
}

func stopReasonOr(reason, fallback string) string {
	if reason == "" {
		return fallback
	}
	return reason
}

func shortID() string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%p", &struct{}{})))
	return hex.EncodeToString(h[:8])
}

// anthropicStreamEncoder writes native Anthropic SSE events.
type anthropicStreamEncoder struct {
	w       io.Writer
	fl      http.Flusher
	index   int
	started bool
	open    bool // a content_block_start is currently open
}

func (a *Anthropic) EncodeStream(w io.Writer, fl http.Flusher) StreamEncoder {
	return &anthropicStreamEncoder{w: w, fl: fl}
}

func (e *anthropicStreamEncoder) write(event, data string) error {
	if _, err := io.WriteString(e.w, "event: "+event+"\ndata: "+data+"\n\n"); err != nil {
		return err
	}
	if e.fl != nil {
		e.fl.Flush()
	}
	return nil
}

func (e *anthropicStreamEncoder) Start(model string) error {
	e.started = true
	payload, _ := json.Marshal(map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id": "msg_" + shortID(), "type": "message", "role": "assistant",
			"content": []any{}, "model": model, "stop_reason": nil, "stop_sequence": nil,
			"usage": map[string]any{"input_tokens": 0, "output_tokens": 0},
		},
	})
	return e.write("message_start", string(payload))
}

func (e *anthropicStreamEncoder) openTextBlock() error {
	if e.open {
		return nil
	}
	e.open = true
	payload, _ := json.Marshal(map[string]any{
		"type": "content_block_start", "index": e.index,
		"content_block": map[string]any{"type": "text", "text": ""},
	})
	return e.write("content_block_start", string(payload))
}

func (e *anthropicStreamEncoder) closeBlock() error {
	if !e.open {
		return nil
	}
	e.open = false
	payload, _ := json.Marshal(map[string]any{"type": "content_block_stop", "index": e.index})
	e.index++
	return e.write("content_block_stop", string(payload))
}

func (e *anthropicStreamEncoder) TextDelta(text string) error {
	if err := e.openTextBlock(); err != nil {
		return err
	}
	payload, _ := json.Marshal(map[string]any{
		"type": "content_block_delta", "index": e.index,
		"delta": map[string]any{"type": "text_delta", "text": text},
	})
	return e.write("content_block_delta", string(payload))
}

func (e *anthropicStreamEncoder) ThinkingDelta(text, signature string) error {
	payload, _ := json.Marshal(map[string]any{
		"type": "content_block_delta", "index": e.index,
		"delta": map[string]any{"type": "thinking_delta", "thinking": text, "signature": signature},
	})
	return e.write("content_block_delta", string(payload))
}

func (e *anthropicStreamEncoder) ToolUseDelta(tu Block) error {
	if err := e.closeBlock(); err != nil {
		return err
	}
	startPayload, _ := json.Marshal(map[string]any{
		"type": "content_block_start", "index": e.index,
		"content_block": map[string]any{"type": "tool_use", "id": tu.ToolUseID, "name": tu.ToolName, "input": map[string]any{}},
	})
	if err := e.write("content_block_start", string(startPayload)); err != nil {
		return err
	}
	deltaPayload, _ := json.Marshal(map[string]any{
		"type": "content_block_delta", "index": e.index,
		"delta": map[string]any{"type": "input_json_delta", "partial_json": string(tu.ToolInput)},
	})
	if err := e.write("content_block_delta", string(deltaPayload)); err != nil {
		return err
	}
	stopPayload, _ := json.Marshal(map[string]any{"type": "content_block_stop", "index": e.index})
	e.index++
	return e.write("content_block_stop", string(stopPayload))
}

func (e *anthropicStreamEncoder) Finish(resp InternalResponse) error {
	if err := e.closeBlock(); err != nil {
		return err
	}
	deltaPayload, _ := json.Marshal(map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": stopReasonOr(resp.StopReason, "end_turn"), "stop_sequence": nil},
		"usage": map[string]any{"output_tokens": resp.OutputTokens},
	})
	if err := e.write("message_delta", string(deltaPayload)); err != nil {
		return err
	}
	return e.write("message_stop", `{"type":"message_stop"}`)
}

func (e *anthropicStreamEncoder) Error(statusCode int, body []byte) error {
	payload := map[string]any{
		"type":  "error",
		"error": map[string]any{"type": "api_error", "message": string(body), "status": statusCode},
	}
	data, _ := json.Marshal(payload)
	return e.write("error", string(data))
}

// WarmupEvents returns the synthetic SSE events for a warmup ping, so it
// never consumes an identity's quota. Anthropic dialect only.
func WarmupEvents(model string) []string {
	id := "msg_warmup_" + shortID()
	return []string{
		"event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"id\":\"" + id + "\",\"type\":\"message\",\"role\":\"assistant\",\"content\":[],\"model\":\"" + model + "\",\"stop_reason\":null,\"stop_sequence\":null,\"usage\":{\"input_tokens\":5,\"output_tokens\":1}}}\n\n",
		"event: content_block_start\ndata: {\"type\":\"content_block_start\",\"index\":0,\"content_block\":{\"type\":\"text\",\"text\":\"\"}}\n\n",
		"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"OK\"}}\n\n",
		"event: content_block_stop\ndata: {\"type\":\"content_block_stop\",\"index\":0}\n\n",
		"event: message_delta\ndata: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\",\"stop_sequence\":null},\"usage\":{\"output_tokens\":1}}\n\n",
		"event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n",
	}
}

// IsWarmupRequest reports whether a decoded Anthropic request is a
// warmup/non-productive ping (short-circuited before identity dispatch).
func IsWarmupRequest(body map[string]any) bool {
	if isWarmupBody(body) {
		return true
	}
	systemText := extractAnthropicSystem(body["system"])
	if strings.Contains(systemText, "Please write a 5-10 word title") {
		return true
	}
	if strings.Contains(systemText, "nalyze if this message indicates a new conversation topic") {
		return true
	}
	return false
}
