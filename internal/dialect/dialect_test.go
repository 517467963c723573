package dialect

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestAnthropicDecodeBasic(t *testing.T) {
	body := map[string]any{
		"model":      "claude-opus-4-6",
		"max_tokens": float64(1024),
		"system":     "be helpful",
		"messages": []any{
			map[string]any{"role": "user", "content": "hello"},
		},
	}
	req, err := NewAnthropic().Decode(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if req.Model != MapModel("claude-opus-4-6") {
		t.Fatalf("expected mapped model, got %q", req.Model)
	}
	if req.System != "be helpful" || len(req.Messages) != 1 {
		t.Fatalf("unexpected decode result: %+v", req)
	}
}

func TestAnthropicIsWarmupRequest(t *testing.T) {
	body := map[string]any{"messages": []any{map[string]any{"role": "user", "content": "Warmup"}}}
	if !IsWarmupRequest(body) {
		t.Fatal("expected warmup ping to be detected")
	}
}

func TestAnthropicEncodeNonStream(t *testing.T) {
	resp := &InternalResponse{Text: "hi there", StopReason: "end_turn", OutputTokens: 2}
	data := NewAnthropic().EncodeNonStream(resp, "claude-opus-4-6-20260115")
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["role"] != "assistant" {
		t.Fatalf("expected assistant role, got %+v", decoded)
	}
}

func TestAnthropicStreamEncoderSequence(t *testing.T) {
	var buf bytes.Buffer
	enc := NewAnthropic().EncodeStream(&buf, nil)
	if err := enc.Start("claude-opus-4-6-20260115"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := enc.TextDelta("hello"); err != nil {
		t.Fatalf("text delta: %v", err)
	}
	if err := enc.Finish(InternalResponse{StopReason: "end_turn"}); err != nil {
		t.Fatalf("finish: %v", err)
	}
	out := buf.String()
	if !bytes.Contains([]byte(out), []byte("message_start")) || !bytes.Contains([]byte(out), []byte("message_stop")) {
		t.Fatalf("missing expected SSE events: %s", out)
	}
}

func TestOpenAIChatDecodeExtractsSystemAndTools(t *testing.T) {
	body := map[string]any{
		"model": "gpt-5",
		"messages": []any{
			map[string]any{"role": "system", "content": "sys prompt"},
			map[string]any{"role": "user", "content": "hi"},
		},
		"tools": []any{
			map[string]any{"type": "function", "function": map[string]any{"name": "search", "description": "d", "parameters": map[string]any{}}},
		},
	}
	req, err := NewOpenAIChat().Decode(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if req.System != "sys prompt" {
		t.Fatalf("expected system prompt extracted, got %q", req.System)
	}
	if len(req.Tools) != 1 || req.Tools[0].Name != "search" {
		t.Fatalf("expected tool decoded, got %+v", req.Tools)
	}
}

func TestOpenAIResponsesDecodeStringInput(t *testing.T) {
	body := map[string]any{"model": "gpt-5", "input": "hello there", "instructions": "be nice"}
	req, err := NewOpenAIResponses().Decode(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if req.System != "be nice" || len(req.Messages) != 1 || req.Messages[0].Blocks[0].Text != "hello there" {
		t.Fatalf("unexpected decode: %+v", req)
	}
}

func TestGeminiDecodeContentsAndTools(t *testing.T) {
	body := map[string]any{
		"systemInstruction": map[string]any{"parts": []any{map[string]any{"text": "sys"}}},
		"contents": []any{
			map[string]any{"role": "user", "parts": []any{map[string]any{"text": "hi"}}},
		},
		"tools": []any{
			map[string]any{"functionDeclarations": []any{
				map[string]any{"name": "lookup", "description": "d"},
			}},
		},
	}
	req, err := NewGemini().Decode(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if req.System != "sys" || len(req.Messages) != 1 || len(req.Tools) != 1 {
		t.Fatalf("unexpected decode: %+v", req)
	}
}

func TestGeminiEncodeNonStream(t *testing.T) {
	resp := &InternalResponse{Text: "answer", StopReason: "end_turn"}
	data := NewGemini().EncodeNonStream(resp, "gemini-2.5-pro")
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := decoded["candidates"]; !ok {
		t.Fatalf("expected candidates field, got %+v", decoded)
	}
}
