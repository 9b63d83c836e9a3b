package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	"github.com/poemonsense/antigravity-hub/internal/format"
	"github.com/poemonsense/antigravity-hub/internal/server/sse"
	"github.com/poemonsense/antigravity-hub/internal/store"
	"github.com/poemonsense/antigravity-hub/internal/stream"
	"github.com/poemonsense/antigravity-hub/internal/utils"
)

// GeminiHandler serves the native Gemini surface. The request body is
// already in upstream shape; only cleaning and envelope wrapping applies.
type GeminiHandler struct {
	dispatcher *Dispatcher
}

// NewGeminiHandler creates the Gemini surface handler.
func NewGeminiHandler(d *Dispatcher) *GeminiHandler {
	return &GeminiHandler{dispatcher: d}
}

// Generate handles POST /v1beta/models/{model}:{action}. The action is
// part of the final path segment, Gemini style.
func (h *GeminiHandler) Generate(c *gin.Context) {
	model, action := splitModelAction(c.Param("model"))
	if model == "" {
		h.sendError(c, http.StatusBadRequest, "model is required")
		return
	}
	// A bare POST without an action behaves like generateContent.
	streaming := action == "streamGenerateContent"
	if !streaming && action != "generateContent" && action != "" {
		h.sendError(c, http.StatusNotFound, "Unsupported action: "+action)
		return
	}

	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.sendError(c, http.StatusBadRequest, "Failed to read request body")
		return
	}
	var body map[string]interface{}
	if err := json.Unmarshal(raw, &body); err != nil {
		h.sendError(c, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	resolved := h.dispatcher.ResolveModel(model, nil)

	sessionID := gjson.GetBytes(raw, "session_id").String()
	if sessionID == "" {
		sessionID = deriveSessionID(gjson.GetBytes(raw, "contents.0.parts.0.text").String())
	}

	call := Call{
		Model:      resolved,
		SessionID:  sessionID,
		QuotaGroup: format.QuotaGroupForModel(resolved),
		Build: func(project string) map[string]interface{} {
			return format.WrapGeminiRequest(project, resolved, body)
		},
	}

	utils.Info("[API] Gemini request for model %s (stream=%t)", resolved, streaming)

	if streaming {
		h.streamGenerate(c, call)
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

	unwrapped := format.UnwrapGeminiResponse(resp.Body)
	if usage := gjson.GetBytes(unwrapped, "usageMetadata"); usage.Exists() {
		entry.TokensIn = usage.Get("promptTokenCount").Int()
		entry.TokensOut = usage.Get("candidatesTokenCount").Int()
	}
	h.dispatcher.Record(entry)
	c.Data(http.StatusOK, "application/json", unwrapped)
}

func (h *GeminiHandler) streamGenerate(c *gin.Context, call Call) {
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

	lines, errs := stream.StreamGemini(resp.Body)

	streamErr := ""
	for {
		select {
		case line, ok := <-lines:
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
			if err := writer.WriteDataRaw(line); err != nil {
				return
			}
		case err, ok := <-errs:
			if ok && err != nil {
				class := stream.Classify(err)
				utils.Error("[API] Mid-stream failure: %v", err)
				writer.WriteData(map[string]interface{}{
					"error": map[string]interface{}{
						"code":    http.StatusBadGateway,
						"message": class.Message,
						"status":  class.I18nKey,
					},
				})
				streamErr = class.I18nKey
			}
		case <-ctx.Done():
			return
		}
	}
}

// Describe handles GET /v1beta/models/{model}.
func (h *GeminiHandler) Describe(c *gin.Context) {
	model, _ := splitModelAction(c.Param("model"))
	if model == "" {
		h.sendError(c, http.StatusBadRequest, "model is required")
		return
	}

	for _, m := range ModelCatalog {
		if m == model {
			c.JSON(http.StatusOK, geminiModelInfo(m))
			return
		}
	}
	h.sendError(c, http.StatusNotFound, "Model not found: "+model)
}

// ListModels handles GET /v1beta/models.
func (h *GeminiHandler) ListModels(c *gin.Context) {
	models := make([]gin.H, 0, len(ModelCatalog))
	for _, m := range ModelCatalog {
		models = append(models, geminiModelInfo(m))
	}
	c.JSON(http.StatusOK, gin.H{"models": models})
}

func geminiModelInfo(model string) gin.H {
	return gin.H{
		"name":                       "models/" + model,
		"displayName":                model,
		"supportedGenerationMethods": []string{"generateContent", "streamGenerateContent"},
	}
}

// splitModelAction splits "gemini-3-flash:streamGenerateContent" into its
// model and action halves.
func splitModelAction(param string) (string, string) {
	param = strings.TrimPrefix(param, "/")
	if idx := strings.IndexByte(param, ':'); idx >= 0 {
		return param[:idx], param[idx+1:]
	}
	return param, ""
}

func (h *GeminiHandler) sendError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{
		"error": gin.H{
			"code":    status,
			"message": message,
			"status":  http.StatusText(status),
		},
	})
}
