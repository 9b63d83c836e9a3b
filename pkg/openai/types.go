// Package openai provides type definitions for the OpenAI-compatible API
// surface exposed by the relay.
package openai

// ChatMessage is one message of a chat completion request. Content is a
// string or an array of content parts.
type ChatMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
	Name    string      `json:"name,omitempty"`
}

// ChatCompletionRequest represents a request to POST /v1/chat/completions
type ChatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
	Stop        interface{}   `json:"stop,omitempty"`
	User        string        `json:"user,omitempty"`
}

// TextContent flattens a message's content to plain text. Array content
// concatenates the text parts.
func (m *ChatMessage) TextContent() string {
	switch c := m.Content.(type) {
	case string:
		return c
	case []interface{}:
		text := ""
		for _, item := range c {
			part, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			if part["type"] == "text" {
				if t, ok := part["text"].(string); ok {
					text += t
				}
			}
		}
		return text
	default:
		return ""
	}
}

// CompletionRequest represents a request to POST /v1/completions
type CompletionRequest struct {
	Model       string      `json:"model"`
	Prompt      interface{} `json:"prompt"` // string or []string
	MaxTokens   int         `json:"max_tokens,omitempty"`
	Temperature *float64    `json:"temperature,omitempty"`
	TopP        *float64    `json:"top_p,omitempty"`
	Stream      bool        `json:"stream,omitempty"`
}

// ChatCompletionResponse represents a non-streaming chat completion.
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// Choice is one completion choice.
type Choice struct {
	Index        int          `json:"index"`
	Message      *ChoiceMsg   `json:"message,omitempty"`
	Delta        *ChoiceDelta `json:"delta,omitempty"`
	FinishReason *string      `json:"finish_reason"`
}

// ChoiceMsg is the assistant message of a non-streaming choice.
type ChoiceMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChoiceDelta is the incremental payload of a streaming chunk.
type ChoiceDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// ChatCompletionChunk is one streaming SSE chunk.
type ChatCompletionChunk struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
}

// Usage reports token accounting.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Model is one entry of the /v1/models listing.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelsResponse represents a response from GET /v1/models
type ModelsResponse struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

// ErrorResponse is the OpenAI error envelope.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// NewErrorResponse creates an OpenAI-shaped error body.
func NewErrorResponse(errType, message string) *ErrorResponse {
	return &ErrorResponse{Error: ErrorDetail{Message: message, Type: errType}}
}
