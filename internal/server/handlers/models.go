package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/poemonsense/antigravity-hub/pkg/openai"
)

// ModelCatalog is the static list of model names exposed by the relay.
// A "-search" suffix on any of these requests grounded generation.
var ModelCatalog = []string{
	"gemini-3-flash",
	"gemini-3-pro-low",
	"gemini-3-pro-high",
	"gemini-3-pro-image",
	"gemini-2.5-flash",
	"gemini-2.5-pro",
	"claude-sonnet-4-5",
	"claude-sonnet-4-5-thinking",
}

// ModelsHandler serves the static model catalog.
type ModelsHandler struct{}

// NewModelsHandler creates a new ModelsHandler.
func NewModelsHandler() *ModelsHandler {
	return &ModelsHandler{}
}

// ListModels handles GET /v1/models in OpenAI listing shape.
func (h *ModelsHandler) ListModels(c *gin.Context) {
	created := time.Now().Unix()
	data := make([]openai.Model, 0, len(ModelCatalog))
	for _, id := range ModelCatalog {
		data = append(data, openai.Model{
			ID:      id,
			Object:  "model",
			Created: created,
			OwnedBy: "antigravity",
		})
	}
	c.JSON(http.StatusOK, openai.ModelsResponse{Object: "list", Data: data})
}
