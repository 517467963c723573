// Package history bounds how much conversation history is forwarded
// upstream and recovers from upstream "too long" rejections by
// truncating and retrying. Grounded on
// original_source/kiro_proxy/handlers/responses.py, whose
// handle_responses() calls a history_manager.pre_process()/
// handle_length_error() pair that the retrieval pack filtered out of
// original_source (only the call sites survived) — the truncation policy
// here is authored from those call sites.
package history

// Turn is one role-tagged message in a conversation, independent of any
// client dialect's wire shape.
type Turn struct {
	Role    string // "user" | "assistant" | "tool"
	Content string
	// ToolUseID links a tool role turn to the assistant turn that
	// requested it, so a truncation pass never separates the two.
	ToolUseID string
}

// Manager bounds history length by character budget and turn count.
type Manager struct {
	MaxChars int
	MaxTurns int
}

func New(maxChars, maxTurns int) *Manager {
	return &Manager{MaxChars: maxChars, MaxTurns: maxTurns}
}

// PreProcess drops the oldest turns until the remaining history fits
// within MaxChars/MaxTurns, always preserving: the final user turn, and
// any tool-use/tool-result pair as a unit (dropping one half of a pair
// without the other would corrupt the upstream request shape).
func (m *Manager) PreProcess(turns []Turn) []Turn {
	if len(turns) == 0 {
		return turns
	}

	kept := m.truncateToTurnBudget(turns)
	return m.truncateToCharBudget(kept)
}

func (m *Manager) truncateToTurnBudget(turns []Turn) []Turn {
	if m.MaxTurns <= 0 || len(turns) <= m.MaxTurns {
		return turns
	}
	start := len(turns) - m.MaxTurns
	start = m.alignToPairBoundary(turns, start)
	return turns[start:]
}

func (m *Manager) truncateToCharBudget(turns []Turn) []Turn {
	if m.MaxChars <= 0 {
		return turns
	}
	total := 0
	for _, t := range turns {
		total += len(t.Content)
	}
	if total <= m.MaxChars {
		return turns
	}

	// Drop oldest turns first, keeping the final user turn no matter what.
	start := 0
	for start < len(turns)-1 && total > m.MaxChars {
		total -= len(turns[start].Content)
		start++
	}
	start = m.alignToPairBoundary(turns, start)
	return turns[start:]
}

// alignToPairBoundary nudges a truncation start index forward so it never
// begins mid tool-use/tool-result pair.
func (m *Manager) alignToPairBoundary(turns []Turn, start int) int {
	for start > 0 && start < len(turns) && turns[start].ToolUseID != "" &&
		turns[start-1].ToolUseID == turns[start].ToolUseID {
		start++
	}
	if start >= len(turns) && len(turns) > 0 {
		// Moving forward would drop the final turn; keep its whole pair
		// instead.
		start = len(turns) - 1
		for start > 0 && turns[start].ToolUseID != "" &&
			turns[start-1].ToolUseID == turns[start].ToolUseID {
			start--
		}
	}
	return start
}

// HandleLengthError is called after upstream rejects a request as too
// long. It halves the effective character budget and re-applies
// PreProcess, up to two retries, matching the retry contract the original
// Python handler builds around its history manager.
func (m *Manager) HandleLengthError(turns []Turn, attempt int) ([]Turn, bool) {
	if attempt >= 2 {
		return turns, false
	}
	shrunk := &Manager{MaxChars: m.MaxChars / (2 << attempt), MaxTurns: m.MaxTurns}
	if shrunk.MaxChars < 1000 {
		shrunk.MaxChars = 1000
	}
	return shrunk.PreProcess(turns), true
}
