package handlers

import (
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	"github.com/poemonsense/antigravity-hub/internal/format"
	"github.com/poemonsense/antigravity-hub/internal/server/sse"
	"github.com/poemonsense/antigravity-hub/internal/store"
	"github.com/poemonsense/antigravity-hub/internal/stream"
	"github.com/poemonsense/antigravity-hub/internal/utils"
	"github.com/poemonsense/antigravity-hub/pkg/openai"
)

// defaultImageModel serves image endpoints when the client names none.
const defaultImageModel = "gemini-3-pro-image"

// OpenAIHandler serves the OpenAI-compatible surface.
type OpenAIHandler struct {
	dispatcher *Dispatcher
}

// NewOpenAIHandler creates the OpenAI surface handler.
func NewOpenAIHandler(d *Dispatcher) *OpenAIHandler {
	return &OpenAIHandler{dispatcher: d}
}

// ChatCompletions handles POST /v1/chat/completions.
func (h *OpenAIHandler) ChatCompletions(c *gin.Context) {
	var req openai.ChatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, openai.NewErrorResponse("invalid_request_error",
			"Invalid request body: "+err.Error()))
		return
	}
	h.complete(c, &req)
}

// Completions handles POST /v1/completions by lifting the legacy prompt
// into a single user message.
func (h *OpenAIHandler) Completions(c *gin.Context) {
	var req openai.CompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, openai.NewErrorResponse("invalid_request_error",
			"Invalid request body: "+err.Error()))
		return
	}

	prompt := ""
	switch p := req.Prompt.(type) {
	case string:
		prompt = p
	case []interface{}:
		for _, item := range p {
			if s, ok := item.(string); ok {
				prompt += s
			}
		}
	}
	if prompt == "" {
		c.JSON(http.StatusBadRequest, openai.NewErrorResponse("invalid_request_error",
			"prompt is required"))
		return
	}

	h.complete(c, &openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    []openai.ChatMessage{{Role: "user", Content: prompt}},
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
	})
}

// Responses handles POST /v1/responses. The responses-style input is
// lowered onto the chat completion path.
func (h *OpenAIHandler) Responses(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, openai.NewErrorResponse("invalid_request_error",
			"Failed to read request body"))
		return
	}

	root := gjson.ParseBytes(body)
	req := &openai.ChatCompletionRequest{
		Model:     root.Get("model").String(),
		MaxTokens: int(root.Get("max_output_tokens").Int()),
		Stream:    root.Get("stream").Bool(),
	}

	input := root.Get("input")
	switch {
	case input.Type == gjson.String:
		req.Messages = []openai.ChatMessage{{Role: "user", Content: input.String()}}
	case input.IsArray():
		for _, item := range input.Array() {
			role := item.Get("role").String()
			if role == "" {
				role = "user"
			}
			content := item.Get("content").String()
			if content == "" {
				// Structured content: concatenate input_text parts.
				for _, part := range item.Get("content").Array() {
					content += part.Get("text").String()
				}
			}
			req.Messages = append(req.Messages, openai.ChatMessage{Role: role, Content: content})
		}
	}
	if len(req.Messages) == 0 {
		c.JSON(http.StatusBadRequest, openai.NewErrorResponse("invalid_request_error",
			"input is required"))
		return
	}

	h.complete(c, req)
}

// complete runs the shared chat completion path for all three entry points.
func (h *OpenAIHandler) complete(c *gin.Context, req *openai.ChatCompletionRequest) {
	if len(req.Messages) == 0 {
		c.JSON(http.StatusBadRequest, openai.NewErrorResponse("invalid_request_error",
			"messages is required and must be a non-empty array"))
		return
	}

	requested := req.Model
	if requested == "" {
		c.JSON(http.StatusBadRequest, openai.NewErrorResponse("invalid_request_error",
			"model is required"))
		return
	}

	resolved := h.dispatcher.ResolveModel(requested, h.dispatcher.Config.Get().Proxy.OpenAIMapping)
	req.Model = resolved

	sessionID := ""
	for _, msg := range req.Messages {
		if msg.Role == "user" {
			sessionID = deriveSessionID(msg.TextContent())
			break
		}
	}

	call := Call{
		Model:      resolved,
		SessionID:  sessionID,
		QuotaGroup: format.QuotaGroupForModel(resolved),
		Build: func(project string) map[string]interface{} {
			return format.BuildOpenAIEnvelope(project, req)
		},
	}

	utils.Info("[API] OpenAI request for model %s (stream=%t)", resolved, req.Stream)

	if req.Stream {
		h.streamCompletion(c, call, requested)
		return
	}

	start := time.Now()
	resp, grant, err := h.dispatcher.Do(c.Request.Context(), call)
	entry := store.ProxyLogEntry{
		Method:    c.Request.Method,
		URL:       c.Request.URL.Path,
		Model:     resolved,
		LatencyMs: time.Since(start).Milliseconds(),
	}
	if grant != nil {
		entry.AccountEmail = grant.Email
	}
	if err != nil {
		entry.StatusCode = statusOf(err)
		entry.Error = err.Error()
		h.dispatcher.Record(entry)
		writeRelayError(c, err)
		return
	}
	entry.LatencyMs = time.Since(start).Milliseconds()
	entry.StatusCode = resp.StatusCode
	if !resp.OK() {
		entry.Error = truncate(resp.Body, logBodyLimit)
		h.dispatcher.Record(entry)
		c.Data(resp.StatusCode, "application/json", resp.Body)
		return
	}

	parsed := format.ParseOpenAIResponse(resp.Body, requested)
	if parsed.Usage != nil {
		entry.TokensIn = int64(parsed.Usage.PromptTokens)
		entry.TokensOut = int64(parsed.Usage.CompletionTokens)
	}
	h.dispatcher.Record(entry)
	c.JSON(http.StatusOK, parsed)
}

func (h *OpenAIHandler) streamCompletion(c *gin.Context, call Call, requested string) {
	ctx := c.Request.Context()
	start := time.Now()

	resp, grant, err := h.dispatcher.DoStream(ctx, call)
	if err != nil {
		h.dispatcher.Record(store.ProxyLogEntry{
			Method:     c.Request.Method,
			URL:        c.Request.URL.Path,
			Model:      call.Model,
			StatusCode: statusOf(err),
			LatencyMs:  time.Since(start).Milliseconds(),
			Error:      err.Error(),
		})
		writeRelayError(c, err)
		return
	}
	defer resp.Body.Close()

	writer, err := sse.NewWriter(c.Writer)
	if err != nil {
		writeRelayError(c, err)
		return
	}
	c.Status(http.StatusOK)
	writer.SetHeaders()
	writer.Flush()

	chunks, errs := stream.StreamOpenAI(resp.Body, requested)

	streamErr := ""
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				writer.WriteDone()
				h.dispatcher.Record(store.ProxyLogEntry{
					Method:       c.Request.Method,
					URL:          c.Request.URL.Path,
					AccountEmail: grant.Email,
					Model:        call.Model,
					StatusCode:   http.StatusOK,
					LatencyMs:    time.Since(start).Milliseconds(),
					Error:        streamErr,
				})
				return
			}
			if err := writer.WriteData(chunk); err != nil {
				return
			}
		case err, ok := <-errs:
			if ok && err != nil {
				class := stream.Classify(err)
				utils.Error("[API] Mid-stream failure: %v", err)
				writer.WriteData(map[string]interface{}{
					"error": map[string]string{
						"message": class.Message,
						"type":    class.Kind,
						"code":    class.I18nKey,
					},
				})
				writer.WriteDone()
				h.dispatcher.Record(store.ProxyLogEntry{
					Method:       c.Request.Method,
					URL:          c.Request.URL.Path,
					AccountEmail: grant.Email,
					Model:        call.Model,
					StatusCode:   http.StatusOK,
					LatencyMs:    time.Since(start).Milliseconds(),
					Error:        class.I18nKey,
				})
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// ImagesGenerations handles POST /v1/images/generations.
func (h *OpenAIHandler) ImagesGenerations(c *gin.Context) {
	var req struct {
		Model  string `json:"model"`
		Prompt string `json:"prompt"`
		N      int    `json:"n"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Prompt == "" {
		c.JSON(http.StatusBadRequest, openai.NewErrorResponse("invalid_request_error",
			"prompt is required"))
		return
	}
	h.generateImage(c, req.Model, []format.GooglePart{{Text: req.Prompt}})
}

// ImagesEdits handles POST /v1/images/edits (multipart: prompt + image).
func (h *OpenAIHandler) ImagesEdits(c *gin.Context) {
	prompt := c.PostForm("prompt")
	if prompt == "" {
		c.JSON(http.StatusBadRequest, openai.NewErrorResponse("invalid_request_error",
			"prompt is required"))
		return
	}

	fileHeader, err := c.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, openai.NewErrorResponse("invalid_request_error",
			"image file is required"))
		return
	}
	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, openai.NewErrorResponse("invalid_request_error",
			"failed to read image file"))
		return
	}
	defer file.Close()
	raw, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, openai.NewErrorResponse("invalid_request_error",
			"failed to read image file"))
		return
	}

	mimeType := fileHeader.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "image/png"
	}

	h.generateImage(c, c.PostForm("model"), []format.GooglePart{
		{Text: prompt},
		{InlineData: &format.InlineData{
			MimeType: mimeType,
			Data:     base64.StdEncoding.EncodeToString(raw),
		}},
	})
}

func (h *OpenAIHandler) generateImage(c *gin.Context, model string, parts []format.GooglePart) {
	if model == "" {
		model = defaultImageModel
	}
	resolved := h.dispatcher.ResolveModel(model, h.dispatcher.Config.Get().Proxy.OpenAIMapping)

	inner := map[string]interface{}{
		"contents": []interface{}{
			map[string]interface{}{
				"role":  "user",
				"parts": partsToMaps(parts),
			},
		},
	}

	call := Call{
		Model:      resolved,
		QuotaGroup: format.QuotaGroupForModel(resolved),
		Build: func(project string) map[string]interface{} {
			return format.WrapGeminiRequest(project, resolved, inner)
		},
	}

	start := time.Now()
	resp, grant, err := h.dispatcher.Do(c.Request.Context(), call)
	entry := store.ProxyLogEntry{
		Method:    c.Request.Method,
		URL:       c.Request.URL.Path,
		Model:     resolved,
		LatencyMs: time.Since(start).Milliseconds(),
	}
	if grant != nil {
		entry.AccountEmail = grant.Email
	}
	if err != nil {
		entry.StatusCode = statusOf(err)
		entry.Error = err.Error()
		h.dispatcher.Record(entry)
		writeRelayError(c, err)
		return
	}
	entry.LatencyMs = time.Since(start).Milliseconds()
	entry.StatusCode = resp.StatusCode
	if !resp.OK() {
		entry.Error = truncate(resp.Body, logBodyLimit)
		h.dispatcher.Record(entry)
		c.Data(resp.StatusCode, "application/json", resp.Body)
		return
	}
	h.dispatcher.Record(entry)

	root := gjson.ParseBytes(format.UnwrapGeminiResponse(resp.Body))
	images := make([]gin.H, 0, 1)
	for _, part := range root.Get("candidates.0.content.parts").Array() {
		if inline := part.Get("inlineData"); inline.Exists() {
			images = append(images, gin.H{"b64_json": inline.Get("data").String()})
		}
	}
	if len(images) == 0 {
		c.JSON(http.StatusBadGateway, openai.NewErrorResponse("api_error",
			fmt.Sprintf("Model %s returned no image data", resolved)))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"created": time.Now().Unix(),
		"data":    images,
	})
}

func partsToMaps(parts []format.GooglePart) []interface{} {
	out := make([]interface{}, 0, len(parts))
	for _, p := range parts {
		m := map[string]interface{}{}
		if p.Text != "" {
			m["text"] = p.Text
		}
		if p.InlineData != nil {
			m["inlineData"] = map[string]interface{}{
				"mimeType": p.InlineData.MimeType,
				"data":     p.InlineData.Data,
			}
		}
		out = append(out, m)
	}
	return out
}
