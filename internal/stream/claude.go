package stream

import (
	"io"

	"github.com/tidwall/gjson"

	"github.com/poemonsense/antigravity-hub/internal/format"
	"github.com/poemonsense/antigravity-hub/pkg/anthropic"
)

// Event is one Anthropic SSE event ready for the wire.
type Event struct {
	Type         string                      `json:"type"`
	Index        int                         `json:"index,omitempty"`
	Message      *anthropic.MessagesResponse `json:"message,omitempty"`
	ContentBlock *anthropic.ContentBlock     `json:"content_block,omitempty"`
	Delta        map[string]interface{}      `json:"delta,omitempty"`
	Usage        *anthropic.Usage            `json:"usage,omitempty"`
}

// StreamClaude converts the upstream SSE body into the Anthropic Messages
// event sequence: message_start, content_block_start/delta/stop per block,
// message_delta with the stop reason and usage, then message_stop.
func StreamClaude(reader io.Reader, model string) (<-chan *Event, <-chan error) {
	events := make(chan *Event, 100)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		s := &claudeState{events: events, model: model}

		err := Events(reader, func(event gjson.Result) error {
			s.consume(event)
			return nil
		})
		if err != nil {
			errs <- err
			return
		}
		s.finish()
	}()

	return events, errs
}

type claudeState struct {
	events chan *Event
	model  string

	started      bool
	blockIndex   int
	blockType    string // "", "thinking", "text", "tool_use"
	thinkSig     string
	stopReason   string
	inputTokens  int
	outputTokens int
	cacheTokens  int
}

func (s *claudeState) consume(event gjson.Result) {
	if meta := event.Get("usageMetadata"); meta.Exists() {
		s.inputTokens = maxInt(s.inputTokens, int(meta.Get("promptTokenCount").Int()))
		s.outputTokens = maxInt(s.outputTokens, int(meta.Get("candidatesTokenCount").Int()))
		s.cacheTokens = maxInt(s.cacheTokens, int(meta.Get("cachedContentTokenCount").Int()))
	}

	candidate := event.Get("candidates.0")
	if !candidate.Exists() {
		return
	}

	parts := candidate.Get("content.parts").Array()
	if len(parts) > 0 {
		s.ensureStarted()
	}

	for _, part := range parts {
		switch {
		case part.Get("thought").Bool():
			s.onThinking(part)
		case part.Get("functionCall").Exists():
			s.onToolUse(part)
		case part.Get("inlineData").Exists():
			s.onImage(part)
		case part.Get("text").Exists() && part.Get("text").String() != "":
			s.onText(part.Get("text").String())
		}
	}

	if reason := candidate.Get("finishReason").String(); reason != "" && s.stopReason == "" {
		s.stopReason = format.MapClaudeStopReason(reason, s.blockType == "tool_use")
	}
}

func (s *claudeState) ensureStarted() {
	if s.started {
		return
	}
	s.started = true
	s.events <- &Event{
		Type: "message_start",
		Message: &anthropic.MessagesResponse{
			ID:      anthropic.GenerateMessageID(),
			Type:    "message",
			Role:    "assistant",
			Content: []anthropic.ContentBlock{},
			Model:   s.model,
			Usage: &anthropic.Usage{
				InputTokens:          s.inputTokens - s.cacheTokens,
				CacheReadInputTokens: s.cacheTokens,
			},
		},
	}
}

// closeBlock flushes a pending signature delta and emits the stop event
// for the open block.
func (s *claudeState) closeBlock() {
	if s.blockType == "" {
		return
	}
	if s.blockType == "thinking" && s.thinkSig != "" {
		s.events <- &Event{
			Type:  "content_block_delta",
			Index: s.blockIndex,
			Delta: map[string]interface{}{
				"type":      "signature_delta",
				"signature": s.thinkSig,
			},
		}
		s.thinkSig = ""
	}
	s.events <- &Event{Type: "content_block_stop", Index: s.blockIndex}
	s.blockIndex++
	s.blockType = ""
}

func (s *claudeState) onThinking(part gjson.Result) {
	if s.blockType != "thinking" {
		s.closeBlock()
		s.blockType = "thinking"
		s.events <- &Event{
			Type:         "content_block_start",
			Index:        s.blockIndex,
			ContentBlock: &anthropic.ContentBlock{Type: "thinking"},
		}
	}
	if sig := part.Get("thoughtSignature").String(); sig != "" {
		s.thinkSig = sig
	}
	s.events <- &Event{
		Type:  "content_block_delta",
		Index: s.blockIndex,
		Delta: map[string]interface{}{
			"type":     "thinking_delta",
			"thinking": part.Get("text").String(),
		},
	}
}

func (s *claudeState) onText(text string) {
	if s.blockType != "text" {
		s.closeBlock()
		s.blockType = "text"
		s.events <- &Event{
			Type:         "content_block_start",
			Index:        s.blockIndex,
			ContentBlock: &anthropic.ContentBlock{Type: "text"},
		}
	}
	s.events <- &Event{
		Type:  "content_block_delta",
		Index: s.blockIndex,
		Delta: map[string]interface{}{
			"type": "text_delta",
			"text": text,
		},
	}
}

func (s *claudeState) onToolUse(part gjson.Result) {
	s.closeBlock()
	s.blockType = "tool_use"
	s.stopReason = "tool_use"

	fc := part.Get("functionCall")
	toolID := fc.Get("id").String()
	if toolID == "" {
		toolID = anthropic.GenerateToolUseID()
	}

	block := &anthropic.ContentBlock{
		Type: "tool_use",
		ID:   toolID,
		Name: fc.Get("name").String(),
	}
	if sig := part.Get("thoughtSignature").String(); sig != "" {
		block.ThoughtSignature = sig
		format.GetSignatureCache().PutToolSignature(toolID, sig)
	}

	s.events <- &Event{
		Type:         "content_block_start",
		Index:        s.blockIndex,
		ContentBlock: block,
	}

	args := fc.Get("args").Raw
	if args == "" {
		args = "{}"
	}
	s.events <- &Event{
		Type:  "content_block_delta",
		Index: s.blockIndex,
		Delta: map[string]interface{}{
			"type":         "input_json_delta",
			"partial_json": args,
		},
	}
}

func (s *claudeState) onImage(part gjson.Result) {
	s.closeBlock()
	inline := part.Get("inlineData")

	s.events <- &Event{
		Type:  "content_block_start",
		Index: s.blockIndex,
		ContentBlock: &anthropic.ContentBlock{
			Type: "image",
			Source: &anthropic.ImageSource{
				Type:      "base64",
				MediaType: inline.Get("mimeType").String(),
				Data:      inline.Get("data").String(),
			},
		},
	}
	s.events <- &Event{Type: "content_block_stop", Index: s.blockIndex}
	s.blockIndex++
	s.blockType = ""
}

func (s *claudeState) finish() {
	s.ensureStarted()
	s.closeBlock()

	if s.stopReason == "" {
		s.stopReason = "end_turn"
	}
	s.events <- &Event{
		Type:  "message_delta",
		Delta: map[string]interface{}{"stop_reason": s.stopReason, "stop_sequence": nil},
		Usage: &anthropic.Usage{OutputTokens: s.outputTokens},
	}
	s.events <- &Event{Type: "message_stop"}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
