package dialect

import (
	"encoding/json"
	"io"
	"net/http"
)

// OpenAIResponses adapts OpenAI's newer Responses API (/v1/responses),
// used by recent Codex CLI versions. Grounded on
// original_source/kiro_proxy/handlers/responses.py's
// _convert_responses_input_to_kiro/_convert_kiro_response_to_responses.
type OpenAIResponses struct{}

func NewOpenAIResponses() *OpenAIResponses { return &OpenAIResponses{} }

func (a *OpenAIResponses) Name() string { return "openai-responses" }

func (a *OpenAIResponses) Decode(body map[string]any) (*UpstreamRequest, error) {
	req := &UpstreamRequest{}
	if model, ok := body["model"].(string); ok {
		req.Model = MapModel(model)
	}
	if stream, ok := body["stream"].(bool); ok {
		req.Stream = stream
	}
	if instructions, ok := body["instructions"].(string); ok {
		req.System = instructions
	}

	var firstUserMsg string
	switch in := body["input"].(type) {
	case string:
		req.Messages = append(req.Messages, Message{Role: "user", Blocks: []Block{{Kind: BlockText, Text: in}}})
		firstUserMsg = in

	case []any:
		for _, raw := range in {
			item, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			switch item["type"] {
			case "message", "":
				role, _ := item["role"].(string)
				if role == "" {
					role = "user"
				}
				text := extractResponsesText(item["content"])
				if role == "user" && firstUserMsg == "" {
					firstUserMsg = text
				}
				req.Messages = append(req.Messages, Message{Role: role, Blocks: []Block{{Kind: BlockText, Text: text}}})

			case "function_call_output":
				callID, _ := item["call_id"].(string)
				output, _ := item["output"].(string)
				req.Messages = append(req.Messages, Message{Role: "user", Blocks: []Block{
					{Kind: BlockToolResult, ToolUseID: callID, ToolResult: output},
				}})
			}
		}
	}

	if tools, ok := body["tools"].([]any); ok {
		for _, raw := range tools {
			t, ok := raw.(map[string]any)
			if !ok || t["type"] != "function" {
				continue
			}
			fn, ok := t["function"].(map[string]any)
			if !ok {
				fn = t
			}
			name, _ := fn["name"].(string)
			desc, _ := fn["description"].(string)
			schema, _ := fn["parameters"].(map[string]any)
			req.Tools = append(req.Tools, ToolDef{Name: name, Description: desc, InputSchema: schema})
		}
	}

	req.SessionHash = computeSessionHash("", req.System, firstUserMsg)
	return req, nil
}

func extractResponsesText(content any) string {
	switch c := content.(type) {
	case string:
		return c
	case []any:
		var parts []string
		for _, raw := range c {
			m, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			switch m["type"] {
			case "input_text", "output_text", "text":
				if text, ok := m["text"].(string); ok {
					parts = append(parts, text)
				}
			}
		}
		out := ""
		for i, p := range parts {
			if i > 0 {
				out += "\n"
			}
			out += p
		}
		return out
	}
	return ""
}

func (a *OpenAIResponses) EncodeNonStream(resp *InternalResponse, model string) []byte {
	id := shortID()
	var output []map[string]any
	if resp.Text != "" {
		output = append(output, map[string]any{
			"type": "message", "id": "msg_" + id, "status": "completed", "role": "assistant",
			"content": []map[string]any{{"type": "output_text", "text": resp.Text, "annotations": []any{}}},
		})
	}
	for _, tu := range resp.ToolUses {
		output = append(output, map[string]any{
			"type": "function_call", "id": "call_" + tu.ToolUseID, "call_id": tu.ToolUseID,
			"name": tu.ToolName, "arguments": string(tu.ToolInput),
		})
	}
	out := map[string]any{
		"id": "resp_" + id, "object": "response", "status": "completed", "model": model,
		"output": output,
		"usage": map[string]any{
			"input_tokens": resp.InputTokens, "output_tokens": resp.OutputTokens,
			"total_tokens": resp.InputTokens + resp.OutputTokens,
		},
	}
	data, _ := json.Marshal(out)
	return data
}

// responsesStreamEncoder emits the Responses API's event set
// (response.created, response.output_text.delta, response.completed).
// Nothing is buffered: each text delta is written and flushed as one
// response.output_text.delta event as soon as it arrives.
type responsesStreamEncoder struct {
	w    io.Writer
	fl   http.Flusher
	id   string
	text string
}

func (a *OpenAIResponses) EncodeStream(w io.Writer, fl http.Flusher) StreamEncoder {
	return &responsesStreamEncoder{w: w, fl: fl, id: "resp_" + shortID()}
}

func (e *responsesStreamEncoder) writeEvent(eventType string, payload map[string]any) error {
	payload["type"] = eventType
	data, _ := json.Marshal(payload)
	if _, err := io.WriteString(e.w, "event: "+eventType+"\ndata: "+string(data)+"\n\n"); err != nil {
		return err
	}
	if e.fl != nil {
		e.fl.Flush()
	}
	return nil
}

func (e *responsesStreamEncoder) Start(model string) error {
	return e.writeEvent("response.created", map[string]any{"response": map[string]any{"id": e.id, "model": model, "status": "in_progress"}})
}

func (e *responsesStreamEncoder) TextDelta(text string) error {
	e.text += text
	return e.writeEvent("response.output_text.delta", map[string]any{"delta": text})
}

func (e *responsesStreamEncoder) ThinkingDelta(text, signature string) error { return nil }

func (e *responsesStreamEncoder) ToolUseDelta(tu Block) error {
	return e.writeEvent("response.function_call_arguments.delta", map[string]any{
		"call_id": tu.ToolUseID, "name": tu.ToolName, "delta": string(tu.ToolInput),
	})
}

func (e *responsesStreamEncoder) Finish(resp InternalResponse) error {
	return e.writeEvent("response.completed", map[string]any{
		"response": map[string]any{
			"id": e.id, "status": "completed",
			"usage": map[string]any{"input_tokens": resp.InputTokens, "output_tokens": resp.OutputTokens},
		},
	})
}

func (e *responsesStreamEncoder) Error(statusCode int, body []byte) error {
	return e.writeEvent("response.failed", map[string]any{"error": map[string]any{"message": string(body), "code": statusCode}})
}
