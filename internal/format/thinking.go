package format

import "github.com/poemonsense/antigravity-hub/pkg/anthropic"

// Thinking models reject a tool_result turn whose preceding assistant turn
// carries no signed thinking block (the client dropped it). Recovery closes
// the tool loop with a synthetic exchange so the model starts a fresh turn.

// NeedsThinkingRecovery reports whether the conversation ends in a tool
// loop whose assistant turn lost its thinking block.
func NeedsThinkingRecovery(messages []anthropic.Message) bool {
	if len(messages) == 0 {
		return false
	}

	last := messages[len(messages)-1]
	if last.Role != "user" || !hasBlockType(last, "tool_result") {
		return false
	}

	for i := len(messages) - 2; i >= 0; i-- {
		if messages[i].Role != "assistant" {
			continue
		}
		return !hasSignedThinking(messages[i])
	}
	return false
}

// CloseToolLoop appends the synthetic assistant acknowledgment and user
// continuation that let the model open a fresh thinking turn.
func CloseToolLoop(messages []anthropic.Message) []anthropic.Message {
	closed := make([]anthropic.Message, 0, len(messages)+2)
	closed = append(closed, messages...)
	closed = append(closed,
		anthropic.Message{
			Role: "assistant",
			Content: []anthropic.ContentBlock{
				{Type: "text", Text: "[Tool execution completed. Please proceed.]"},
			},
		},
		anthropic.Message{
			Role: "user",
			Content: []anthropic.ContentBlock{
				{Type: "text", Text: "Proceed."},
			},
		},
	)
	return closed
}

func hasBlockType(msg anthropic.Message, blockType string) bool {
	for _, block := range msg.ContentBlocks() {
		if block.Type == blockType {
			return true
		}
	}
	return false
}

func hasSignedThinking(msg anthropic.Message) bool {
	for _, block := range msg.ContentBlocks() {
		if block.Type == "thinking" && block.Signature != "" {
			return true
		}
	}
	return false
}
