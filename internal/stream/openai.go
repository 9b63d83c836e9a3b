package stream

import (
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/poemonsense/antigravity-hub/internal/format"
	"github.com/poemonsense/antigravity-hub/pkg/openai"
)

// StreamOpenAI converts the upstream SSE body into OpenAI chat completion
// chunks. The returned channels follow the upstream reader: chunks closes
// when the stream ends, errs delivers at most one mid-stream failure.
func StreamOpenAI(reader io.Reader, model string) (<-chan *openai.ChatCompletionChunk, <-chan error) {
	chunks := make(chan *openai.ChatCompletionChunk, 100)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		streamID := "chatcmpl-" + uuid.NewString()
		created := time.Now().Unix()
		finished := false

		emit := func(content string, finishReason *string) {
			choice := openai.Choice{Index: 0, FinishReason: finishReason}
			if content != "" || finishReason == nil {
				choice.Delta = &openai.ChoiceDelta{Content: content}
			} else {
				choice.Delta = &openai.ChoiceDelta{}
			}
			chunks <- &openai.ChatCompletionChunk{
				ID:      streamID,
				Object:  "chat.completion.chunk",
				Created: created,
				Model:   model,
				Choices: []openai.Choice{choice},
			}
		}

		err := Events(reader, func(event gjson.Result) error {
			content := ""
			for _, part := range event.Get("candidates.0.content.parts").Array() {
				if part.Get("thought").Bool() {
					continue
				}
				if text := part.Get("text"); text.Exists() {
					content += text.String()
					continue
				}
				if inline := part.Get("inlineData"); inline.Exists() {
					content += fmt.Sprintf("![image](data:%s;base64,%s)",
						inline.Get("mimeType").String(), inline.Get("data").String())
				}
			}

			finishRaw := event.Get("candidates.0.finishReason").String()

			// Keep-alive chunks with neither content nor a finish reason
			// are dropped.
			if content == "" && finishRaw == "" {
				return nil
			}

			var finishReason *string
			if finishRaw != "" {
				mapped := format.MapOpenAIFinishReason(finishRaw)
				finishReason = &mapped
				finished = true
			}
			emit(content, finishReason)
			return nil
		})
		if err != nil {
			errs <- err
			return
		}

		if !finished {
			stop := "stop"
			emit("", &stop)
		}
	}()

	return chunks, errs
}
