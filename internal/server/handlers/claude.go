package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/poemonsense/antigravity-hub/internal/format"
	"github.com/poemonsense/antigravity-hub/internal/server/sse"
	"github.com/poemonsense/antigravity-hub/internal/store"
	"github.com/poemonsense/antigravity-hub/internal/stream"
	"github.com/poemonsense/antigravity-hub/internal/utils"
	"github.com/poemonsense/antigravity-hub/pkg/anthropic"
)

// ClaudeHandler serves the Anthropic Messages surface.
type ClaudeHandler struct {
	dispatcher *Dispatcher
}

// NewClaudeHandler creates the Claude surface handler.
func NewClaudeHandler(d *Dispatcher) *ClaudeHandler {
	return &ClaudeHandler{dispatcher: d}
}

// Messages handles POST /v1/messages.
func (h *ClaudeHandler) Messages(c *gin.Context) {
	var req anthropic.MessagesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.sendError(c, http.StatusBadRequest, "invalid_request_error",
			"Invalid request body: "+err.Error())
		return
	}
	if len(req.Messages) == 0 {
		h.sendError(c, http.StatusBadRequest, "invalid_request_error",
			"messages is required and must be a non-empty array")
		return
	}
	if req.Model == "" {
		h.sendError(c, http.StatusBadRequest, "invalid_request_error",
			"model is required")
		return
	}

	requested := req.Model
	resolved := h.dispatcher.ResolveModel(requested, h.dispatcher.Config.Get().Proxy.AnthropicMapping)
	req.Model = resolved

	call := Call{
		Model:      resolved,
		SessionID:  claudeSessionID(req.Messages),
		QuotaGroup: format.QuotaGroupForModel(resolved),
		Build: func(project string) map[string]interface{} {
			return format.BuildClaudeEnvelope(project, &req)
		},
	}

	utils.Info("[API] Claude request for model %s (stream=%t)", resolved, req.Stream)

	if req.Stream {
		h.streamMessages(c, call, requested)
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

	parsed := format.ParseClaudeResponse(resp.Body, requested)
	if parsed.Usage != nil {
		entry.TokensIn = int64(parsed.Usage.InputTokens)
		entry.TokensOut = int64(parsed.Usage.OutputTokens)
	}
	h.dispatcher.Record(entry)
	c.JSON(http.StatusOK, parsed)
}

func (h *ClaudeHandler) streamMessages(c *gin.Context, call Call, requested string) {
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

	events, errs := stream.StreamClaude(resp.Body, requested)

	streamErr := ""
	for {
		select {
		case event, ok := <-events:
			if !ok {
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
			if err := writer.WriteEvent(event.Type, event); err != nil {
				return
			}
		case err, ok := <-errs:
			if ok && err != nil {
				class := stream.Classify(err)
				utils.Error("[API] Mid-stream failure: %v", err)
				writer.WriteError(class.Kind, class.Message)
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

// CountTokens handles POST /v1/messages/count_tokens.
func (h *ClaudeHandler) CountTokens(c *gin.Context) {
	c.JSON(http.StatusNotImplemented, gin.H{
		"type": "error",
		"error": gin.H{
			"type":    "not_implemented",
			"message": "Token counting is not implemented. Configure your client to skip token counting.",
		},
	})
}

func (h *ClaudeHandler) sendError(c *gin.Context, statusCode int, errorType, message string) {
	c.JSON(statusCode, gin.H{
		"type": "error",
		"error": gin.H{
			"type":    errorType,
			"message": message,
		},
	})
}

// claudeSessionID keys the sticky session on the first user text block.
func claudeSessionID(messages []anthropic.Message) string {
	for _, msg := range messages {
		if msg.Role != "user" {
			continue
		}
		for _, block := range msg.ContentBlocks() {
			if block.Type == "text" && block.Text != "" {
				return deriveSessionID(block.Text)
			}
		}
	}
	return ""
}
