package relay

// Usage tracks token consumption for a completed relay response. Unlike the
// teacher, which parsed usage straight out of Anthropic's native SSE
// message_start/message_delta events, the upstream event-stream carries no
// token counts at all (see internal/eventstream), so both fields here are
// derived from estimateTokens once the full response has been assembled.
type Usage struct {
	InputTokens  int
	OutputTokens int
	Model        string
}

// summarize builds a Usage from an assembled response, estimating token
// counts from the request's system prompt and the generated text.
func summarize(model, systemPrompt, outputText string) Usage {
	return Usage{
		InputTokens:  estimateTokens(systemPrompt),
		OutputTokens: estimateTokens(outputText),
		Model:        model,
	}
}
