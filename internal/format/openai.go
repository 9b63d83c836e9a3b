package format

import (
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"github.com/poemonsense/antigravity-hub/pkg/openai"
)

const openAIDefaultMaxTokens = 65535

// BuildOpenAIEnvelope converts an OpenAI chat completion request into the
// wrapped upstream request. The OpenAI surface flattens message content to
// text parts; sampling parameters default to the vendor's values when the
// client omits them.
func BuildOpenAIEnvelope(project string, req *openai.ChatCompletionRequest) map[string]interface{} {
	features := ResolveRequestFeatures(req.Model)

	contents := make([]GoogleContent, 0, len(req.Messages))
	var systemParts []GooglePart
	for _, msg := range req.Messages {
		text := msg.TextContent()
		if text == "" {
			continue
		}
		if msg.Role == "system" || msg.Role == "developer" {
			systemParts = append(systemParts, GooglePart{Text: text})
			continue
		}
		contents = append(contents, GoogleContent{
			Role:  ConvertRole(msg.Role),
			Parts: []GooglePart{{Text: text}},
		})
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = openAIDefaultMaxTokens
	}
	temperature, topP := 1.0, 1.0
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	if req.TopP != nil {
		topP = *req.TopP
	}

	inner := &GoogleRequest{
		Contents: contents,
		GenerationConfig: &GenerationConfig{
			MaxOutputTokens: maxTokens,
			Temperature:     &temperature,
			TopP:            &topP,
		},
		SafetySettings: AllSafetyOff(),
	}
	if len(systemParts) > 0 {
		inner.SystemInstruction = &GoogleContent{Parts: systemParts}
	}

	innerMap, _ := DeepCleanUndefined(structToMap(inner)).(map[string]interface{})
	if features.InjectSearch {
		InjectGoogleSearch(innerMap)
	}
	if features.ImageGen {
		ApplyImageMode(innerMap)
	}

	return BuildEnvelope(project, features, innerMap, true)
}

// ParseOpenAIResponse converts a unary upstream reply into an OpenAI chat
// completion. Text parts are concatenated; inline image data becomes a
// markdown data URI so OpenAI-only clients can render it.
func ParseOpenAIResponse(body []byte, requestedModel string) *openai.ChatCompletionResponse {
	root := gjson.ParseBytes(UnwrapGeminiResponse(body))

	content := ""
	for _, part := range root.Get("candidates.0.content.parts").Array() {
		if text := part.Get("text"); text.Exists() {
			content += text.String()
			continue
		}
		if inline := part.Get("inlineData"); inline.Exists() {
			content += fmt.Sprintf("![image](data:%s;base64,%s)",
				inline.Get("mimeType").String(), inline.Get("data").String())
		}
	}

	id := root.Get("responseId").String()
	if id == "" {
		id = "resp_unknown"
	}
	model := root.Get("modelVersion").String()
	if model == "" {
		model = requestedModel
	}

	finish := MapOpenAIFinishReason(root.Get("candidates.0.finishReason").String())
	resp := &openai.ChatCompletionResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []openai.Choice{{
			Index:        0,
			Message:      &openai.ChoiceMsg{Role: "assistant", Content: content},
			FinishReason: &finish,
		}},
	}

	if usage := root.Get("usageMetadata"); usage.Exists() {
		resp.Usage = &openai.Usage{
			PromptTokens:     int(usage.Get("promptTokenCount").Int()),
			CompletionTokens: int(usage.Get("candidatesTokenCount").Int()),
			TotalTokens:      int(usage.Get("totalTokenCount").Int()),
		}
	}
	return resp
}

// MapOpenAIFinishReason maps upstream finish reasons onto OpenAI's values.
func MapOpenAIFinishReason(reason string) string {
	switch reason {
	case "MAX_TOKENS":
		return "length"
	case "SAFETY":
		return "content_filter"
	default:
		return "stop"
	}
}
