package dialect

import (
	"encoding/json"
	"io"
	"net/http"
	"regexp"
	"strings"
)

// OpenAIChat adapts OpenAI's Chat Completions API (/v1/chat/completions).
// Content/image extraction follows
// original_source/kiro_proxy/converters.py's image_url handling.
type OpenAIChat struct{}

func NewOpenAIChat() *OpenAIChat { return &OpenAIChat{} }

func (a *OpenAIChat) Name() string { return "openai-chat" }

var dataURLPattern = regexp.MustCompile(`^data:image/(\w+);base64,(.+)$`)

func (a *OpenAIChat) Decode(body map[string]any) (*UpstreamRequest, error) {
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
	if maxTokens, ok := body["max_completion_tokens"].(float64); ok {
		req.MaxTokens = int(maxTokens)
	}
	if temp, ok := body["temperature"].(float64); ok {
		req.Temperature = &temp
	}

	var systemParts []string
	msgs, _ := body["messages"].([]any)
	var firstUserMsg string
	toolCallNames := map[string]string{} // tool_call_id -> name, for tool-result blocks

	for _, raw := range msgs {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		role, _ := m["role"].(string)

		if role == "system" || role == "developer" {
			if text, ok := m["content"].(string); ok {
				systemParts = append(systemParts, text)
			}
			continue
		}

		if role == "tool" {
			toolCallID, _ := m["tool_call_id"].(string)
			content, _ := m["content"].(string)
			req.Messages = append(req.Messages, Message{Role: "user", Blocks: []Block{
				{Kind: BlockToolResult, ToolUseID: toolCallID, ToolResult: content},
			}})
			continue
		}

		blocks := openaiChatContentToBlocks(m["content"])

		if calls, ok := m["tool_calls"].([]any); ok {
			for _, rawCall := range calls {
				c, ok := rawCall.(map[string]any)
				if !ok {
					continue
				}
				id, _ := c["id"].(string)
				fn, _ := c["function"].(map[string]any)
				name, _ := fn["name"].(string)
				args, _ := fn["arguments"].(string)
				toolCallNames[id] = name
				blocks = append(blocks, Block{Kind: BlockToolUse, ToolUseID: id, ToolName: name, ToolInput: []byte(args)})
			}
		}

		if role == "user" && firstUserMsg == "" {
			for _, b := range blocks {
				if b.Kind == BlockText {
					firstUserMsg = b.Text
					break
				}
			}
		}

		req.Messages = append(req.Messages, Message{Role: role, Blocks: blocks})
	}
	req.System = strings.Join(systemParts, "\n")

	if tools, ok := body["tools"].([]any); ok {
		for _, raw := range tools {
			t, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			fn, _ := t["function"].(map[string]any)
			name, _ := fn["name"].(string)
			desc, _ := fn["description"].(string)
			schema, _ := fn["parameters"].(map[string]any)
			req.Tools = append(req.Tools, ToolDef{Name: name, Description: desc, InputSchema: schema})
		}
	}

	req.SessionHash = computeSessionHash("", req.System, firstUserMsg)
	return req, nil
}

func openaiChatContentToBlocks(v any) []Block {
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
			case "image_url":
				imageURL, _ := m["image_url"].(map[string]any)
				url, _ := imageURL["url"].(string)
				if match := dataURLPattern.FindStringSubmatch(url); match != nil {
					blocks = append(blocks, Block{Kind: BlockImage, ImageFormat: match[1], ImageBase64: match[2]})
				}
			}
		}
		return blocks
	}
	return nil
}

func (a *OpenAIChat) EncodeNonStream(resp *InternalResponse, model string) []byte {
	msg := map[string]any{"role": "assistant", "content": nilIfEmpty(resp.Text)}
	if len(resp.ToolUses) > 0 {
		var calls []map[string]any
		for _, tu := range resp.ToolUses {
			calls = append(calls, map[string]any{
				"id": tu.ToolUseID, "type": "function",
				"function": map[string]any{"name": tu.ToolName, "arguments": string(tu.ToolInput)},
			})
		}
		msg["tool_calls"] = calls
	}
	out := map[string]any{
		"id": "chatcmpl-" + shortID(), "object": "chat.completion", "model": model,
		"choices": []map[string]any{{
			"index": 0, "message": msg, "finish_reason": openAIFinishReason(resp.StopReason),
		}},
		"usage": map[string]any{
			"prompt_tokens": resp.InputTokens, "completion_tokens": resp.OutputTokens,
			"total_tokens": resp.InputTokens + resp.OutputTokens,
		},
	}
	data, _ := json.Marshal(out)
	return data
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func openAIFinishReason(stopReason string) string {
	switch stopReason {
	case "tool_use":
		return "tool_calls"
	case "max_tokens":
		return "length"
	case "content_filter":
		return "content_filter"
	default:
		return "stop"
	}
}

type openaiChatStreamEncoder struct {
	w         io.Writer
	fl        http.Flusher
	id        string
	toolIndex int
}

func (a *OpenAIChat) EncodeStream(w io.Writer, fl http.Flusher) StreamEncoder {
	return &openaiChatStreamEncoder{w: w, fl: fl, id: "chatcmpl-" + shortID()}
}

func (e *openaiChatStreamEncoder) writeChunk(delta map[string]any, finishReason any) error {
	chunk := map[string]any{
		"id": e.id, "object": "chat.completion.chunk",
		"choices": []map[string]any{{"index": 0, "delta": delta, "finish_reason": finishReason}},
	}
	data, _ := json.Marshal(chunk)
	if _, err := io.WriteString(e.w, "data: "+string(data)+"\n\n"); err != nil {
		return err
	}
	if e.fl != nil {
		e.fl.Flush()
	}
	return nil
}

func (e *openaiChatStreamEncoder) Start(model string) error {
	return e.writeChunk(map[string]any{"role": "assistant", "content": ""}, nil)
}

func (e *openaiChatStreamEncoder) TextDelta(text string) error {
	return e.writeChunk(map[string]any{"content": text}, nil)
}

func (e *openaiChatStreamEncoder) ThinkingDelta(text, signature string) error {
	return nil // Chat Completions has no reasoning-stream surface in this dialect
}

func (e *openaiChatStreamEncoder) ToolUseDelta(tu Block) error {
	delta := map[string]any{"tool_calls": []map[string]any{{
		"index": e.toolIndex, "id": tu.ToolUseID, "type": "function",
		"function": map[string]any{"name": tu.ToolName, "arguments": string(tu.ToolInput)},
	}}}
	e.toolIndex++
	return e.writeChunk(delta, nil)
}

func (e *openaiChatStreamEncoder) Finish(resp InternalResponse) error {
	if err := e.writeChunk(map[string]any{}, openAIFinishReason(resp.StopReason)); err != nil {
		return err
	}
	_, err := io.WriteString(e.w, "data: [DONE]\n\n")
	if e.fl != nil {
		e.fl.Flush()
	}
	return err
}

func (e *openaiChatStreamEncoder) Error(statusCode int, body []byte) error {
	payload := map[string]any{"error": map[string]any{"message": string(body), "code": statusCode}}
	data, _ := json.Marshal(payload)
	_, err := io.WriteString(e.w, "data: "+string(data)+"\n\n")
	if e.fl != nil {
		e.fl.Flush()
	}
	return err
}
