package relay

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/nero-labs/kiro-relay/internal/dialect"
	"github.com/nero-labs/kiro-relay/internal/eventstream"
)

// relayResponse reads the upstream's event-stream body, re-encodes it into
// the calling dialect, and writes it to the client — either incrementally
// (stream) or as one assembled response (non-stream). Returns whether the
// response completed without client disconnect, plus its token usage.
func (e *Engine) relayResponse(ctx context.Context, w http.ResponseWriter, resp *http.Response, ad dialect.Adapter, ureq *dialect.UpstreamRequest, toolNameMap map[string]string) (bool, Usage) {
	defer resp.Body.Close()

	dec := eventstream.NewDecoder()
	asm := eventstream.NewToolUseAssembler()

	if ureq.Stream {
		return e.streamDialect(ctx, w, resp.Body, dec, asm, ad, ureq, toolNameMap)
	}
	return e.bufferDialect(ctx, w, resp.Body, dec, asm, ad, ureq, toolNameMap)
}

func (e *Engine) streamDialect(ctx context.Context, w http.ResponseWriter, body io.Reader, dec *eventstream.Decoder, asm *eventstream.ToolUseAssembler, ad dialect.Adapter, ureq *dialect.UpstreamRequest, toolNameMap map[string]string) (bool, Usage) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
		return false, Usage{}
	}

	enc := ad.EncodeStream(w, flusher)
	if err := enc.Start(ureq.Model); err != nil {
		return false, Usage{}
	}

	var full InternalAccumulator
	chunk := make([]byte, 32*1024)
	for {
		if ctx.Err() != nil {
			return false, Usage{}
		}
		n, readErr := body.Read(chunk)
		if n > 0 {
			dec.Feed(chunk[:n])
			for {
				frame, ok, err := dec.Next()
				if err != nil || !ok {
					break
				}
				if text, ok := eventstream.ExtractContent(frame); ok {
					full.Text += text
					if err := enc.TextDelta(text); err != nil {
						return false, Usage{}
					}
				}
				if tu, ok := eventstream.ExtractToolUse(frame); ok {
					if assembled, done := asm.Feed(tu); done {
						block := dialect.Block{
							Kind: dialect.BlockToolUse, ToolUseID: assembled.ToolUseID,
							ToolName: restoreToolName(assembled.Name, toolNameMap), ToolInput: assembled.Input,
						}
						full.ToolUses = append(full.ToolUses, block)
						if err := enc.ToolUseDelta(block); err != nil {
							return false, Usage{}
						}
					}
				}
			}
		}
		if readErr != nil {
			break
		}
	}

	stopReason := "end_turn"
	if len(full.ToolUses) > 0 {
		stopReason = "tool_use"
	}
	usage := summarize(ureq.Model, ureq.System, full.Text)
	resp := dialect.InternalResponse{
		Text: full.Text, ToolUses: full.ToolUses, StopReason: stopReason,
		InputTokens: usage.InputTokens, OutputTokens: usage.OutputTokens,
	}
	if err := enc.Finish(resp); err != nil {
		slog.Debug("stream finish write failed, client likely disconnected", "error", err)
		return false, usage
	}
	return true, usage
}

func (e *Engine) bufferDialect(ctx context.Context, w http.ResponseWriter, body io.Reader, dec *eventstream.Decoder, asm *eventstream.ToolUseAssembler, ad dialect.Adapter, ureq *dialect.UpstreamRequest, toolNameMap map[string]string) (bool, Usage) {
	var full InternalAccumulator
	chunk := make([]byte, 32*1024)
	for {
		if ctx.Err() != nil {
			return false, Usage{}
		}
		n, readErr := body.Read(chunk)
		if n > 0 {
			dec.Feed(chunk[:n])
			for {
				frame, ok, err := dec.Next()
				if err != nil || !ok {
					break
				}
				if text, ok := eventstream.ExtractContent(frame); ok {
					full.Text += text
				}
				if tu, ok := eventstream.ExtractToolUse(frame); ok {
					if assembled, done := asm.Feed(tu); done {
						full.ToolUses = append(full.ToolUses, dialect.Block{
							Kind: dialect.BlockToolUse, ToolUseID: assembled.ToolUseID,
							ToolName: restoreToolName(assembled.Name, toolNameMap), ToolInput: assembled.Input,
						})
					}
				}
			}
		}
		if readErr != nil {
			break
		}
	}

	stopReason := "end_turn"
	if len(full.ToolUses) > 0 {
		stopReason = "tool_use"
	}
	usage := summarize(ureq.Model, ureq.System, full.Text)
	resp := &dialect.InternalResponse{
		Text: full.Text, ToolUses: full.ToolUses, StopReason: stopReason,
		InputTokens: usage.InputTokens, OutputTokens: usage.OutputTokens,
	}
	data := ad.EncodeNonStream(resp, ureq.Model)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
	return true, usage
}

// InternalAccumulator collects streamed deltas into a complete response
// while also feeding the client incrementally.
type InternalAccumulator struct {
	Text     string
	ToolUses []dialect.Block
}

func restoreToolName(name string, nameMap map[string]string) string {
	if orig, ok := nameMap[name]; ok {
		return orig
	}
	return name
}
