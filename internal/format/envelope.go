package format

import (
	"strings"

	"github.com/google/uuid"

	"github.com/poemonsense/antigravity-hub/internal/config"
)

// Request type markers sent in the upstream envelope.
const (
	RequestTypeAgent    = "agent"
	RequestTypeGrounded = "web_search"
	RequestTypeImageGen = "image_gen"
)

// RequestFeatures describes what the resolved model needs from the
// envelope: the upstream model name after suffix stripping, whether the
// vendor-native search tool must be injected, and whether the request is
// image generation.
type RequestFeatures struct {
	Model        string
	RequestType  string
	InjectSearch bool
	ImageGen     bool
}

// ResolveRequestFeatures derives envelope features from the client model
// name. A "-search" suffix requests grounding and is stripped before the
// name goes upstream. Image models are detected by name.
func ResolveRequestFeatures(model string) RequestFeatures {
	f := RequestFeatures{Model: model, RequestType: RequestTypeAgent}

	if strings.HasSuffix(model, "-search") {
		f.Model = strings.TrimSuffix(model, "-search")
		f.RequestType = RequestTypeGrounded
		f.InjectSearch = true
	}

	if strings.Contains(f.Model, "image") {
		f.RequestType = RequestTypeImageGen
		f.ImageGen = true
		f.InjectSearch = false
	}
	return f
}

// QuotaGroupForModel maps a model to its scheduling quota group.
func QuotaGroupForModel(model string) config.QuotaGroup {
	if ResolveRequestFeatures(model).ImageGen {
		return config.QuotaGroupImageGen
	}
	return config.QuotaGroupChat
}

// BuildEnvelope wraps an inner request into the Cloud Code envelope. The
// OpenAI surface announces its own user agent; request ids always carry
// the agent prefix.
func BuildEnvelope(project string, features RequestFeatures, inner interface{}, openaiSurface bool) map[string]interface{} {
	userAgent := config.EnvelopeUserAgent
	if openaiSurface {
		userAgent = config.EnvelopeOpenAIUserAgent
	}
	return map[string]interface{}{
		"project":     project,
		"requestId":   "agent-" + uuid.NewString(),
		"request":     inner,
		"model":       features.Model,
		"userAgent":   userAgent,
		"requestType": features.RequestType,
	}
}
