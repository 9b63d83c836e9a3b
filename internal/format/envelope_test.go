package format

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poemonsense/antigravity-hub/internal/config"
)

func TestResolveRequestFeatures(t *testing.T) {
	f := ResolveRequestFeatures("gemini-3-pro-high")
	assert.Equal(t, "gemini-3-pro-high", f.Model)
	assert.Equal(t, RequestTypeAgent, f.RequestType)
	assert.False(t, f.InjectSearch)
	assert.False(t, f.ImageGen)

	f = ResolveRequestFeatures("gemini-3-flash-search")
	assert.Equal(t, "gemini-3-flash", f.Model)
	assert.Equal(t, RequestTypeGrounded, f.RequestType)
	assert.True(t, f.InjectSearch)

	f = ResolveRequestFeatures("gemini-3-pro-image")
	assert.Equal(t, "gemini-3-pro-image", f.Model)
	assert.Equal(t, RequestTypeImageGen, f.RequestType)
	assert.True(t, f.ImageGen)
	assert.False(t, f.InjectSearch)
}

func TestQuotaGroupForModel(t *testing.T) {
	assert.Equal(t, config.QuotaGroupChat, QuotaGroupForModel("claude-sonnet-4-5"))
	assert.Equal(t, config.QuotaGroupImageGen, QuotaGroupForModel("gemini-3-pro-image"))
}

func TestBuildEnvelopeShape(t *testing.T) {
	features := ResolveRequestFeatures("gemini-3-flash")
	envelope := BuildEnvelope("projects/p-1", features, map[string]interface{}{"contents": []interface{}{}}, false)

	assert.Equal(t, "projects/p-1", envelope["project"])
	assert.Equal(t, "gemini-3-flash", envelope["model"])
	assert.Equal(t, config.EnvelopeUserAgent, envelope["userAgent"])
	assert.Equal(t, RequestTypeAgent, envelope["requestType"])

	requestID, ok := envelope["requestId"].(string)
	require.True(t, ok)
	require.True(t, strings.HasPrefix(requestID, "agent-"))
	_, err := uuid.Parse(strings.TrimPrefix(requestID, "agent-"))
	assert.NoError(t, err)
}

func TestBuildEnvelopeOpenAISurface(t *testing.T) {
	features := ResolveRequestFeatures("gemini-3-flash")
	envelope := BuildEnvelope("projects/p-1", features, nil, true)

	assert.Equal(t, config.EnvelopeOpenAIUserAgent, envelope["userAgent"])
	requestID := envelope["requestId"].(string)
	require.True(t, strings.HasPrefix(requestID, "agent-"))
	_, err := uuid.Parse(strings.TrimPrefix(requestID, "agent-"))
	assert.NoError(t, err)
}
