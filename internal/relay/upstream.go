package relay

import (
	"encoding/json"

	"github.com/nero-labs/kiro-relay/internal/dialect"
)

// The AWS event-stream vendor's wire schema (generateAssistantResponse)
// itself was filtered out of the retrieval pack along with kiro_api.py's
// build_kiro_request/build_headers — only the endpoint name and the
// event-stream framing survived into original_source. This shape is
// authored from that remaining evidence: a conversationState envelope
// carrying one currentMessage plus a flattened history, matching the
// publicly documented generateAssistantResponse contract the endpoint
// name implies. See DESIGN.md.

type kiroToolResult struct {
	ToolUseID string `json:"toolUseId"`
	Content   []kiroToolResultContent `json:"content"`
	Status    string `json:"status"`
}

type kiroToolResultContent struct {
	Text string `json:"text"`
}

type kiroTool struct {
	ToolSpecification kiroToolSpec `json:"toolSpecification"`
}

type kiroToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

type kiroUserInputMessageContext struct {
	ToolResults []kiroToolResult `json:"toolResults,omitempty"`
	Tools       []kiroTool       `json:"tools,omitempty"`
}

type kiroUserInputMessage struct {
	Content                string                       `json:"content"`
	ModelID                string                       `json:"modelId"`
	Origin                 string                       `json:"origin"`
	UserInputMessageContext *kiroUserInputMessageContext `json:"userInputMessageContext,omitempty"`
}

type kiroCurrentMessage struct {
	UserInputMessage kiroUserInputMessage `json:"userInputMessage"`
}

type kiroAssistantResponseMessage struct {
	Content   string           `json:"content"`
	ToolUses  []kiroToolUseRef `json:"toolUses,omitempty"`
}

type kiroToolUseRef struct {
	ToolUseID string          `json:"toolUseId"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
}

type kiroHistoryTurn struct {
	UserInputMessage      *kiroUserInputMessage         `json:"userInputMessage,omitempty"`
	AssistantResponseMessage *kiroAssistantResponseMessage `json:"assistantResponseMessage,omitempty"`
}

type kiroConversationState struct {
	ChatTriggerType string            `json:"chatTriggerType"`
	ConversationID  string            `json:"conversationId"`
	CurrentMessage  kiroCurrentMessage `json:"currentMessage"`
	History         []kiroHistoryTurn  `json:"history,omitempty"`
}

type kiroRequestBody struct {
	ConversationState kiroConversationState `json:"conversationState"`
	ProfileArn        string                `json:"profileArn,omitempty"`
}

// buildUpstreamBody translates a dialect-neutral UpstreamRequest into the
// AWS event-stream vendor's request envelope.
func buildUpstreamBody(ureq *dialect.UpstreamRequest, conversationID, profileArn string) ([]byte, error) {
	cs := kiroConversationState{
		ChatTriggerType: "MANUAL",
		ConversationID:  conversationID,
	}

	var tools []kiroTool
	for _, t := range ureq.Tools {
		tools = append(tools, kiroTool{ToolSpecification: kiroToolSpec{
			Name: t.Name, Description: t.Description, InputSchema: t.InputSchema,
		}})
	}

	n := len(ureq.Messages)
	systemPending := ureq.System != ""
	for i, msg := range ureq.Messages {
		isLast := i == n-1
		switch msg.Role {
		case "user":
			uim := blocksToUserInputMessage(msg.Blocks, ureq.Model)
			if systemPending {
				uim.Content = ureq.System + "\n\n" + uim.Content
				systemPending = false
			}
			if isLast {
				if len(tools) > 0 {
					if uim.UserInputMessageContext == nil {
						uim.UserInputMessageContext = &kiroUserInputMessageContext{}
					}
					uim.UserInputMessageContext.Tools = tools
				}
				cs.CurrentMessage = kiroCurrentMessage{UserInputMessage: uim}
			} else {
				cs.History = append(cs.History, kiroHistoryTurn{UserInputMessage: &uim})
			}
		case "assistant":
			arm := blocksToAssistantMessage(msg.Blocks)
			cs.History = append(cs.History, kiroHistoryTurn{AssistantResponseMessage: &arm})
		}
	}

	// No user turn carried the system prompt (no messages, or a
	// tool/assistant-only conversation) — surface it as the current
	// message on its own rather than silently dropping it.
	if systemPending {
		uim := kiroUserInputMessage{Content: ureq.System, ModelID: ureq.Model, Origin: "AI_EDITOR"}
		if len(tools) > 0 {
			uim.UserInputMessageContext = &kiroUserInputMessageContext{Tools: tools}
		}
		cs.CurrentMessage = kiroCurrentMessage{UserInputMessage: uim}
	}

	return json.Marshal(kiroRequestBody{ConversationState: cs, ProfileArn: profileArn})
}

func blocksToUserInputMessage(blocks []dialect.Block, model string) kiroUserInputMessage {
	uim := kiroUserInputMessage{ModelID: model, Origin: "AI_EDITOR"}

	var text []byte
	var toolResults []kiroToolResult
	for _, b := range blocks {
		switch b.Kind {
		case dialect.BlockText, dialect.BlockThinking:
			text = append(text, []byte(b.Text)...)
		case dialect.BlockToolResult:
			status := "success"
			if b.ToolIsError {
				status = "error"
			}
			toolResults = append(toolResults, kiroToolResult{
				ToolUseID: b.ToolUseID,
				Content:   []kiroToolResultContent{{Text: b.ToolResult}},
				Status:    status,
			})
		}
	}
	uim.Content = string(text)
	if len(toolResults) > 0 {
		uim.UserInputMessageContext = &kiroUserInputMessageContext{ToolResults: toolResults}
	}
	return uim
}

func blocksToAssistantMessage(blocks []dialect.Block) kiroAssistantResponseMessage {
	arm := kiroAssistantResponseMessage{}
	var text []byte
	for _, b := range blocks {
		switch b.Kind {
		case dialect.BlockText, dialect.BlockThinking:
			text = append(text, []byte(b.Text)...)
		case dialect.BlockToolUse:
			arm.ToolUses = append(arm.ToolUses, kiroToolUseRef{
				ToolUseID: b.ToolUseID, Name: b.ToolName, Input: b.ToolInput,
			})
		}
	}
	arm.Content = string(text)
	return arm
}

// estimateTokens is a heuristic character-based token estimate used for
// the /v1/messages/count_tokens endpoint, since the upstream vendor
// exposes no equivalent — see DESIGN.md.
func estimateTokens(text string) int {
	return (len(text) + 3) / 4
}
