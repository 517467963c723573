package history

import "testing"

func TestPreProcessKeepsFinalUserTurn(t *testing.T) {
	m := New(10, 100)
	turns := []Turn{
		{Role: "user", Content: "aaaaaaaaaa"},
		{Role: "assistant", Content: "bbbbbbbbbb"},
		{Role: "user", Content: "final"},
	}
	out := m.PreProcess(turns)
	if len(out) == 0 || out[len(out)-1].Content != "final" {
		t.Fatalf("expected final user turn preserved, got %+v", out)
	}
}

func TestPreProcessRespectsTurnBudget(t *testing.T) {
	m := New(100_000, 2)
	turns := []Turn{
		{Role: "user", Content: "1"},
		{Role: "assistant", Content: "2"},
		{Role: "user", Content: "3"},
	}
	out := m.PreProcess(turns)
	if len(out) > 2 {
		t.Fatalf("expected at most 2 turns, got %d", len(out))
	}
}

func TestPreProcessNeverSplitsToolPair(t *testing.T) {
	m := New(1, 100) // aggressive char budget forces truncation
	turns := []Turn{
		{Role: "user", Content: "padding-one"},
		{Role: "assistant", Content: "call", ToolUseID: "tu1"},
		{Role: "tool", Content: "result", ToolUseID: "tu1"},
		{Role: "user", Content: "final"},
	}
	out := m.PreProcess(turns)
	for i, t2 := range out {
		if t2.ToolUseID != "" && i == 0 {
			// if the pair survives it must survive as a pair
			if len(out) < 2 || out[1].ToolUseID != t2.ToolUseID {
				t.Fatalf("tool pair split: %+v", out)
			}
		}
	}
}

func TestHandleLengthErrorStopsAfterTwoAttempts(t *testing.T) {
	m := New(10_000, 100)
	turns := []Turn{{Role: "user", Content: "hello"}}

	if _, ok := m.HandleLengthError(turns, 0); !ok {
		t.Fatal("expected first retry to be allowed")
	}
	if _, ok := m.HandleLengthError(turns, 1); !ok {
		t.Fatal("expected second retry to be allowed")
	}
	if _, ok := m.HandleLengthError(turns, 2); ok {
		t.Fatal("expected no retry after budget exhausted")
	}
}
