// Package dialect implements adapters between the public client wire
// formats (Anthropic Messages, OpenAI Chat Completions, OpenAI
// Responses, Gemini generateContent) and one dialect-neutral internal
// shape that the request engine and event-stream codec operate on.
// Grounded on original_source/kiro_proxy/converters.py (text/image content
// extraction shared across dialects) and
// original_source/kiro_proxy/handlers/responses.py (Responses API
// decode/encode), with the tagged-content-block walk style carried over
// from internal/identity/transform.go's walkContentBlocks.
package dialect

import (
	"io"
	"net/http"
)

// BlockKind discriminates an internal content block.
type BlockKind string

const (
	BlockText     BlockKind = "text"
	BlockImage    BlockKind = "image"
	BlockToolUse  BlockKind = "tool_use"
	BlockToolResult BlockKind = "tool_result"
	BlockThinking BlockKind = "thinking"
)

// Block is one piece of message content, dialect-neutral.
type Block struct {
	Kind BlockKind

	Text string // BlockText, BlockThinking

	ImageFormat string // BlockImage: "png"|"jpeg"|"gif"|"webp"
	ImageBase64 string // BlockImage: raw base64 payload, no data: prefix

	ToolUseID   string // BlockToolUse, BlockToolResult
	ToolName    string // BlockToolUse
	ToolInput   []byte // BlockToolUse: raw JSON object
	ToolResult  string // BlockToolResult
	ToolIsError bool   // BlockToolResult

	ThinkingSignature string // BlockThinking
}

// Message is one role-tagged turn with zero or more content blocks.
type Message struct {
	Role    string // "system" | "user" | "assistant"
	Blocks  []Block
}

// ToolDef is a callable tool definition the client offered the model.
type ToolDef struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// UpstreamRequest is the dialect-neutral shape handed to the upstream
// transport, built by an Adapter's Decode.
type UpstreamRequest struct {
	Model       string
	System      string
	Messages    []Message
	Tools       []ToolDef
	ToolChoice  map[string]any
	MaxTokens   int
	Temperature *float64
	Stream      bool

	// SessionHash and IsWarmup are computed during decode so the engine
	// doesn't need dialect-specific knowledge of either.
	SessionHash string
	IsWarmup    bool
}

// InternalResponse is the dialect-neutral shape an Adapter's
// EncodeNonStream/EncodeStream consumes, assembled by the engine from
// event-stream frames.
type InternalResponse struct {
	Text       string
	ToolUses   []Block // BlockToolUse entries
	StopReason string  // "end_turn" | "tool_use" | "max_tokens" | "content_filter"
	InputTokens  int
	OutputTokens int
}

// StreamEncoder incrementally re-encodes internal deltas into a client
// dialect's wire format, tracking the Pending -> Streaming ->
// Completed|Errored state machine per response.
type StreamEncoder interface {
	// Start writes whatever preamble the dialect needs before the first
	// content delta (e.g. Anthropic's message_start event).
	Start(model string) error
	TextDelta(text string) error
	ToolUseDelta(tu Block) error
	ThinkingDelta(text, signature string) error
	// Finish writes the terminal event(s) and transitions to Completed.
	Finish(resp InternalResponse) error
	// Error transitions to Errored and writes a dialect-shaped error event.
	Error(statusCode int, body []byte) error
}

// Adapter translates between one client dialect and the internal shape.
type Adapter interface {
	Name() string
	Decode(body map[string]any) (*UpstreamRequest, error)
	EncodeNonStream(resp *InternalResponse, model string) []byte
	EncodeStream(w io.Writer, fl http.Flusher) StreamEncoder
}
