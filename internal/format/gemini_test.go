package format

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poemonsense/antigravity-hub/internal/config"
)

func TestDeepCleanUndefined(t *testing.T) {
	tree := map[string]interface{}{
		"keep": "value",
		"drop": "[undefined]",
		"nested": map[string]interface{}{
			"drop": "[undefined]",
			"list": []interface{}{"a", "[undefined]", "b"},
		},
	}

	cleaned := DeepCleanUndefined(tree).(map[string]interface{})

	assert.Equal(t, "value", cleaned["keep"])
	assert.NotContains(t, cleaned, "drop")
	nested := cleaned["nested"].(map[string]interface{})
	assert.NotContains(t, nested, "drop")
	assert.Equal(t, []interface{}{"a", "b"}, nested["list"])
}

func TestSanitizeGeminiToolsRemovesSearchDecls(t *testing.T) {
	request := map[string]interface{}{
		"tools": []interface{}{
			map[string]interface{}{
				"functionDeclarations": []interface{}{
					map[string]interface{}{"name": "web_search"},
					map[string]interface{}{
						"name": "lookup",
						"parameters": map[string]interface{}{
							"type":                 "object",
							"additionalProperties": false,
						},
					},
				},
			},
		},
	}

	SanitizeGeminiTools(request)

	tools := request["tools"].([]interface{})
	require.Len(t, tools, 1)
	decls := tools[0].(map[string]interface{})["functionDeclarations"].([]interface{})
	require.Len(t, decls, 1)
	decl := decls[0].(map[string]interface{})
	assert.Equal(t, "lookup", decl["name"])
	params := decl["parameters"].(map[string]interface{})
	assert.Equal(t, "OBJECT", params["type"])
	assert.NotContains(t, params, "additionalProperties")
}

func TestSanitizeGeminiToolsDropsEmptyTools(t *testing.T) {
	request := map[string]interface{}{
		"tools": []interface{}{
			map[string]interface{}{
				"functionDeclarations": []interface{}{
					map[string]interface{}{"name": "google_search"},
				},
			},
		},
	}

	SanitizeGeminiTools(request)

	assert.NotContains(t, request, "tools")
}

func TestInjectGoogleSearchIdempotent(t *testing.T) {
	request := map[string]interface{}{}

	InjectGoogleSearch(request)
	InjectGoogleSearch(request)

	tools := request["tools"].([]interface{})
	require.Len(t, tools, 1)
	assert.Contains(t, tools[0].(map[string]interface{}), "googleSearch")
}

func TestEnsureIdentityInstruction(t *testing.T) {
	request := map[string]interface{}{
		"systemInstruction": map[string]interface{}{
			"parts": []interface{}{
				map[string]interface{}{"text": "Be helpful."},
			},
		},
	}

	EnsureIdentityInstruction(request)

	si := request["systemInstruction"].(map[string]interface{})
	assert.Equal(t, "user", si["role"])
	parts := si["parts"].([]interface{})
	require.Len(t, parts, 2)
	first := parts[0].(map[string]interface{})["text"].(string)
	assert.Contains(t, first, config.IdentityProbe)
	assert.Equal(t, "Be helpful.", parts[1].(map[string]interface{})["text"])

	// A second pass must not stack another copy.
	EnsureIdentityInstruction(request)
	parts = request["systemInstruction"].(map[string]interface{})["parts"].([]interface{})
	assert.Len(t, parts, 2)
}

func TestApplyImageMode(t *testing.T) {
	request := map[string]interface{}{
		"tools":             []interface{}{map[string]interface{}{}},
		"toolConfig":        map[string]interface{}{},
		"systemInstruction": map[string]interface{}{},
		"generationConfig": map[string]interface{}{
			"thinkingConfig":   map[string]interface{}{},
			"responseMimeType": "text/plain",
			"maxOutputTokens":  100,
		},
	}

	ApplyImageMode(request)

	assert.NotContains(t, request, "tools")
	assert.NotContains(t, request, "toolConfig")
	assert.NotContains(t, request, "systemInstruction")
	gc := request["generationConfig"].(map[string]interface{})
	assert.NotContains(t, gc, "thinkingConfig")
	assert.NotContains(t, gc, "responseMimeType")
	assert.Contains(t, gc, "imageConfig")
	assert.Equal(t, 100, gc["maxOutputTokens"])
}

func TestWrapGeminiRequest(t *testing.T) {
	body := map[string]interface{}{
		"contents": []interface{}{
			map[string]interface{}{
				"role":  "user",
				"parts": []interface{}{map[string]interface{}{"text": "Hi"}},
			},
		},
	}

	envelope := WrapGeminiRequest("projects/p-1", "gemini-3-flash-search", body)

	assert.Equal(t, "gemini-3-flash", envelope["model"])
	assert.Equal(t, RequestTypeGrounded, envelope["requestType"])

	inner := envelope["request"].(map[string]interface{})
	tools := inner["tools"].([]interface{})
	require.Len(t, tools, 1)
	assert.Contains(t, tools[0].(map[string]interface{}), "googleSearch")

	si := inner["systemInstruction"].(map[string]interface{})
	parts := si["parts"].([]interface{})
	require.NotEmpty(t, parts)
	assert.Contains(t, parts[0].(map[string]interface{})["text"].(string), config.IdentityProbe)
}

func TestUnwrapGeminiResponse(t *testing.T) {
	wrapped := []byte(`{"response":{"candidates":[]}}`)
	assert.JSONEq(t, `{"candidates":[]}`, string(UnwrapGeminiResponse(wrapped)))

	bare := []byte(`{"candidates":[]}`)
	assert.Equal(t, bare, UnwrapGeminiResponse(bare))
}
