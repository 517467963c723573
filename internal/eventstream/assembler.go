package eventstream

import (
	"encoding/json"
	"log/slog"
)

// ToolUseAssembler accumulates streamed tool-use JSON fragments (upstream
// emits a tool call's input as a sequence of partial-JSON chunks rather
// than one shot) keyed by tool-use ID, until a fragment arrives with
// Stop set.
type ToolUseAssembler struct {
	pending map[string]*pendingToolUse
}

type pendingToolUse struct {
	name  string
	input string
}

func NewToolUseAssembler() *ToolUseAssembler {
	return &ToolUseAssembler{pending: make(map[string]*pendingToolUse)}
}

// AssembledToolUse is a completed tool call ready to hand to a dialect
// encoder.
type AssembledToolUse struct {
	ToolUseID string
	Name      string
	Input     json.RawMessage
}

// Feed processes one tool-use event fragment. It returns a completed
// AssembledToolUse once the fragment carrying Stop arrives; otherwise ok
// is false and the fragment is buffered. An assembled input that is empty
// or not valid JSON is returned as {} (the latter with a logged warning).
func (a *ToolUseAssembler) Feed(ev ToolUseEvent) (AssembledToolUse, bool) {
	p, found := a.pending[ev.ToolUseID]
	if !found {
		p = &pendingToolUse{name: ev.Name}
		a.pending[ev.ToolUseID] = p
	}
	p.input += ev.Input
	if ev.Name != "" {
		p.name = ev.Name
	}

	if !ev.Stop {
		return AssembledToolUse{}, false
	}

	delete(a.pending, ev.ToolUseID)
	raw := []byte(p.input)
	if len(raw) == 0 {
		raw = []byte("{}")
	} else if !json.Valid(raw) {
		slog.Warn("tool-use input is not valid JSON, replaced with {}", "toolUseId", ev.ToolUseID, "name", p.name)
		raw = []byte("{}")
	}
	return AssembledToolUse{ToolUseID: ev.ToolUseID, Name: p.name, Input: raw}, true
}

// Reset discards all buffered, incomplete tool-use fragments — called
// when a stream ends abnormally so a retry doesn't inherit stale state.
func (a *ToolUseAssembler) Reset() {
	a.pending = make(map[string]*pendingToolUse)
}
