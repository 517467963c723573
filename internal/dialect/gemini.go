package dialect

import (
	"encoding/json"
	"io"
	"net/http"
)

// Gemini adapts Google's generateContent API
// (/v1beta/models/{model}:generateContent and :streamGenerateContent).
// The stream pipeline is grounded on
// other_examples/d2d2778a_dvcrn-gemini-code-assist-proxy's
// streamSSEResponse, but its output is a JSON array of chunks, not SSE
// lines (see geminiStreamEncoder); the request/response field names come from
// Gemini's own generateContent contract, which this proxy fronts the same
// way that example repo fronts Google's Code Assist backend.
type Gemini struct{}

func NewGemini() *Gemini { return &Gemini{} }

func (a *Gemini) Name() string { return "gemini" }

func (a *Gemini) Decode(body map[string]any) (*UpstreamRequest, error) {
	req := &UpstreamRequest{}

	if sysInstr, ok := body["systemInstruction"].(map[string]any); ok {
		req.System = extractGeminiPartsText(sysInstr["parts"])
	}

	var firstUserMsg string
	if contents, ok := body["contents"].([]any); ok {
		for _, raw := range contents {
			c, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			role, _ := c["role"].(string)
			if role == "model" {
				role = "assistant"
			} else if role == "" {
				role = "user"
			}
			blocks := geminiPartsToBlocks(c["parts"])
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
	}

	if genConfig, ok := body["generationConfig"].(map[string]any); ok {
		if maxTokens, ok := genConfig["maxOutputTokens"].(float64); ok {
			req.MaxTokens = int(maxTokens)
		}
		if temp, ok := genConfig["temperature"].(float64); ok {
			req.Temperature = &temp
		}
	}

	if tools, ok := body["tools"].([]any); ok {
		for _, raw := range tools {
			t, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			decls, ok := t["functionDeclarations"].([]any)
			if !ok {
				continue
			}
			for _, rawDecl := range decls {
				d, ok := rawDecl.(map[string]any)
				if !ok {
					continue
				}
				name, _ := d["name"].(string)
				desc, _ := d["description"].(string)
				schema, _ := d["parameters"].(map[string]any)
				req.Tools = append(req.Tools, ToolDef{Name: name, Description: desc, InputSchema: schema})
			}
		}
	}

	req.SessionHash = computeSessionHash("", req.System, firstUserMsg)
	return req, nil
}

func extractGeminiPartsText(v any) string {
	parts, ok := v.([]any)
	if !ok {
		return ""
	}
	out := ""
	for i, raw := range parts {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if text, ok := m["text"].(string); ok {
			if i > 0 {
				out += "\n"
			}
			out += text
		}
	}
	return out
}

func geminiPartsToBlocks(v any) []Block {
	parts, ok := v.([]any)
	if !ok {
		return nil
	}
	var blocks []Block
	for _, raw := range parts {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if text, ok := m["text"].(string); ok {
			blocks = append(blocks, Block{Kind: BlockText, Text: text})
			continue
		}
		if inline, ok := m["inlineData"].(map[string]any); ok {
			mimeType, _ := inline["mimeType"].(string)
			data, _ := inline["data"].(string)
			blocks = append(blocks, Block{Kind: BlockImage, ImageFormat: imageFormatFromMediaType(mimeType), ImageBase64: data})
			continue
		}
		if call, ok := m["functionCall"].(map[string]any); ok {
			name, _ := call["name"].(string)
			args, _ := json.Marshal(call["args"])
			blocks = append(blocks, Block{Kind: BlockToolUse, ToolName: name, ToolInput: args})
			continue
		}
		if resp, ok := m["functionResponse"].(map[string]any); ok {
			name, _ := resp["name"].(string)
			out, _ := json.Marshal(resp["response"])
			blocks = append(blocks, Block{Kind: BlockToolResult, ToolUseID: name, ToolResult: string(out)})
		}
	}
	return blocks
}

func (a *Gemini) EncodeNonStream(resp *InternalResponse, model string) []byte {
	var parts []map[string]any
	if resp.Text != "" {
		parts = append(parts, map[string]any{"text": resp.Text})
	}
	for _, tu := range resp.ToolUses {
		var args any
		_ = json.Unmarshal(tu.ToolInput, &args)
		parts = append(parts, map[string]any{"functionCall": map[string]any{"name": tu.ToolName, "args": args}})
	}
	out := map[string]any{
		"candidates": []map[string]any{{
			"content":      map[string]any{"role": "model", "parts": parts},
			"finishReason": geminiFinishReason(resp.StopReason),
			"index":        0,
		}},
		"usageMetadata": map[string]any{
			"promptTokenCount":     resp.InputTokens,
			"candidatesTokenCount": resp.OutputTokens,
			"totalTokenCount":      resp.InputTokens + resp.OutputTokens,
		},
		"modelVersion": model,
	}
	data, _ := json.Marshal(out)
	return data
}

func geminiFinishReason(stopReason string) string {
	switch stopReason {
	case "max_tokens":
		return "MAX_TOKENS"
	case "content_filter":
		return "SAFETY"
	default:
		return "STOP"
	}
}

// geminiStreamEncoder emits one JSON candidate chunk per delta, matching
// Gemini's streamGenerateContent newline-delimited JSON array framing
// (each chunk is itself a complete candidates[] object, not an SSE
// "data:" line, per Gemini's contract).
type geminiStreamEncoder struct {
	w     io.Writer
	fl    http.Flusher
	model string
	first bool
}

func (a *Gemini) EncodeStream(w io.Writer, fl http.Flusher) StreamEncoder {
	return &geminiStreamEncoder{w: w, fl: fl, first: true}
}

func (e *geminiStreamEncoder) writeChunk(parts []map[string]any, finishReason string, usage map[string]any) error {
	chunk := map[string]any{
		"candidates": []map[string]any{{
			"content": map[string]any{"role": "model", "parts": parts}, "index": 0,
		}},
	}
	if finishReason != "" {
		chunk["candidates"].([]map[string]any)[0]["finishReason"] = finishReason
	}
	if usage != nil {
		chunk["usageMetadata"] = usage
	}
	prefix := ",\n"
	if e.first {
		prefix = "[\n"
		e.first = false
	}
	data, _ := json.Marshal(chunk)
	if _, err := io.WriteString(e.w, prefix+string(data)); err != nil {
		return err
	}
	if e.fl != nil {
		e.fl.Flush()
	}
	return nil
}

func (e *geminiStreamEncoder) Start(model string) error {
	e.model = model
	return nil
}

func (e *geminiStreamEncoder) TextDelta(text string) error {
	return e.writeChunk([]map[string]any{{"text": text}}, "", nil)
}

func (e *geminiStreamEncoder) ThinkingDelta(text, signature string) error { return nil }

func (e *geminiStreamEncoder) ToolUseDelta(tu Block) error {
	var args any
	_ = json.Unmarshal(tu.ToolInput, &args)
	return e.writeChunk([]map[string]any{{"functionCall": map[string]any{"name": tu.ToolName, "args": args}}}, "", nil)
}

func (e *geminiStreamEncoder) Finish(resp InternalResponse) error {
	usage := map[string]any{
		"promptTokenCount": resp.InputTokens, "candidatesTokenCount": resp.OutputTokens,
		"totalTokenCount": resp.InputTokens + resp.OutputTokens,
	}
	if err := e.writeChunk(nil, geminiFinishReason(resp.StopReason), usage); err != nil {
		return err
	}
	_, err := io.WriteString(e.w, "\n]\n")
	if e.fl != nil {
		e.fl.Flush()
	}
	return err
}

func (e *geminiStreamEncoder) Error(statusCode int, body []byte) error {
	payload := map[string]any{"error": map[string]any{"code": statusCode, "message": string(body), "status": "INTERNAL"}}
	prefix := ",\n"
	if e.first {
		prefix = "[\n"
		e.first = false
	}
	data, _ := json.Marshal(payload)
	_, err := io.WriteString(e.w, prefix+string(data)+"\n]\n")
	if e.fl != nil {
		e.fl.Flush()
	}
	return err
}
