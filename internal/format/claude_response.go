package format

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/poemonsense/antigravity-hub/pkg/anthropic"
)

// ParseClaudeResponse converts a unary upstream reply into an Anthropic
// Messages response.
func ParseClaudeResponse(body []byte, requestedModel string) *anthropic.MessagesResponse {
	root := gjson.ParseBytes(UnwrapGeminiResponse(body))
	cache := GetSignatureCache()

	var blocks []anthropic.ContentBlock
	hasToolUse := false

	for _, part := range root.Get("candidates.0.content.parts").Array() {
		if fc := part.Get("functionCall"); fc.Exists() {
			hasToolUse = true
			id := fc.Get("id").String()
			if id == "" {
				id = anthropic.GenerateToolUseID()
			}
			if sig := part.Get("thoughtSignature").String(); sig != "" {
				cache.PutToolSignature(id, sig)
			}
			args := fc.Get("args").Raw
			if args == "" {
				args = "{}"
			}
			blocks = append(blocks, anthropic.ContentBlock{
				Type:  "tool_use",
				ID:    id,
				Name:  fc.Get("name").String(),
				Input: json.RawMessage(args),
			})
			continue
		}

		if part.Get("thought").Bool() {
			blocks = append(blocks, anthropic.ContentBlock{
				Type:      "thinking",
				Thinking:  part.Get("text").String(),
				Signature: part.Get("thoughtSignature").String(),
			})
			continue
		}

		if text := part.Get("text"); text.Exists() && text.String() != "" {
			blocks = append(blocks, anthropic.ContentBlock{Type: "text", Text: text.String()})
			continue
		}

		if inline := part.Get("inlineData"); inline.Exists() {
			blocks = append(blocks, anthropic.ContentBlock{
				Type: "text",
				Text: fmt.Sprintf("![image](data:%s;base64,%s)",
					inline.Get("mimeType").String(), inline.Get("data").String()),
			})
		}
	}

	model := root.Get("modelVersion").String()
	if model == "" {
		model = requestedModel
	}

	stopReason := MapClaudeStopReason(root.Get("candidates.0.finishReason").String(), hasToolUse)

	var usage *anthropic.Usage
	if meta := root.Get("usageMetadata"); meta.Exists() {
		usage = &anthropic.Usage{
			InputTokens:          int(meta.Get("promptTokenCount").Int()),
			OutputTokens:         int(meta.Get("candidatesTokenCount").Int()),
			CacheReadInputTokens: int(meta.Get("cachedContentTokenCount").Int()),
		}
	}

	return anthropic.NewMessagesResponse(
		anthropic.GenerateMessageID(), model, blocks, stopReason, usage)
}

// MapClaudeStopReason maps upstream finish reasons onto Anthropic's values.
// A turn containing tool calls always reports tool_use.
func MapClaudeStopReason(reason string, hasToolUse bool) string {
	if hasToolUse {
		return "tool_use"
	}
	switch reason {
	case "MAX_TOKENS":
		return "max_tokens"
	case "STOP", "":
		return "end_turn"
	default:
		return "end_turn"
	}
}
