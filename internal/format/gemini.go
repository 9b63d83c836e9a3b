package format

import (
	"strings"

	"github.com/tidwall/gjson"

	"github.com/poemonsense/antigravity-hub/internal/config"
)

// undefinedLiteral is garbage some clients serialize into requests.
const undefinedLiteral = "[undefined]"

// DeepCleanUndefined walks a decoded JSON tree and removes map entries and
// array elements whose value is the literal "[undefined]".
func DeepCleanUndefined(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		cleaned := make(map[string]interface{}, len(val))
		for k, item := range val {
			if s, ok := item.(string); ok && s == undefinedLiteral {
				continue
			}
			cleaned[k] = DeepCleanUndefined(item)
		}
		return cleaned
	case []interface{}:
		cleaned := make([]interface{}, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok && s == undefinedLiteral {
				continue
			}
			cleaned = append(cleaned, DeepCleanUndefined(item))
		}
		return cleaned
	default:
		return v
	}
}

// searchToolNames are client-declared search tools that conflict with the
// vendor's native grounding.
var searchToolNames = map[string]bool{
	"web_search":    true,
	"google_search": true,
}

// SanitizeGeminiTools removes redundant search tool declarations and cleans
// the parameter schema of every remaining function declaration.
func SanitizeGeminiTools(request map[string]interface{}) {
	tools, ok := request["tools"].([]interface{})
	if !ok {
		return
	}

	keptTools := make([]interface{}, 0, len(tools))
	for _, t := range tools {
		tool, ok := t.(map[string]interface{})
		if !ok {
			keptTools = append(keptTools, t)
			continue
		}

		decls, ok := tool["functionDeclarations"].([]interface{})
		if !ok {
			keptTools = append(keptTools, tool)
			continue
		}

		keptDecls := make([]interface{}, 0, len(decls))
		for _, d := range decls {
			decl, ok := d.(map[string]interface{})
			if !ok {
				keptDecls = append(keptDecls, d)
				continue
			}
			name, _ := decl["name"].(string)
			if searchToolNames[name] {
				continue
			}
			if params, ok := decl["parameters"].(map[string]interface{}); ok {
				decl["parameters"] = CleanJSONSchema(params)
			}
			keptDecls = append(keptDecls, decl)
		}

		if len(keptDecls) > 0 {
			tool["functionDeclarations"] = keptDecls
			keptTools = append(keptTools, tool)
		}
	}

	if len(keptTools) > 0 {
		request["tools"] = keptTools
	} else {
		delete(request, "tools")
	}
}

// InjectGoogleSearch adds the vendor-native grounding tool.
func InjectGoogleSearch(request map[string]interface{}) {
	tools, _ := request["tools"].([]interface{})
	for _, t := range tools {
		if tool, ok := t.(map[string]interface{}); ok {
			if _, has := tool["googleSearch"]; has {
				return
			}
		}
	}
	request["tools"] = append(tools, map[string]interface{}{
		"googleSearch": map[string]interface{}{},
	})
}

// ApplyImageMode reshapes a request for an image-generation model: tools
// and system instructions are not accepted, and generationConfig carries
// an imageConfig instead of text-generation fields.
func ApplyImageMode(request map[string]interface{}) {
	delete(request, "tools")
	delete(request, "toolConfig")
	delete(request, "systemInstruction")

	gc, ok := request["generationConfig"].(map[string]interface{})
	if !ok {
		gc = map[string]interface{}{}
	}
	delete(gc, "thinkingConfig")
	delete(gc, "responseMimeType")
	delete(gc, "responseModalities")
	if _, has := gc["imageConfig"]; !has {
		gc["imageConfig"] = map[string]interface{}{}
	}
	request["generationConfig"] = gc
}

// EnsureIdentityInstruction injects the fixed identity system instruction
// as the first part unless a part already carries it.
func EnsureIdentityInstruction(request map[string]interface{}) {
	si, _ := request["systemInstruction"].(map[string]interface{})
	var parts []interface{}
	if si != nil {
		parts, _ = si["parts"].([]interface{})
	}

	for _, p := range parts {
		if part, ok := p.(map[string]interface{}); ok {
			if text, ok := part["text"].(string); ok && strings.Contains(text, config.IdentityProbe) {
				return
			}
		}
	}

	identity := map[string]interface{}{"text": config.AntigravitySystemInstruction}
	request["systemInstruction"] = map[string]interface{}{
		"role":  "user",
		"parts": append([]interface{}{identity}, parts...),
	}
}

// WrapGeminiRequest applies the common cleaning steps to a native Gemini
// request body and wraps it in the upstream envelope.
func WrapGeminiRequest(project, model string, body map[string]interface{}) map[string]interface{} {
	features := ResolveRequestFeatures(model)

	inner, _ := DeepCleanUndefined(body).(map[string]interface{})
	if inner == nil {
		inner = map[string]interface{}{}
	}

	SanitizeGeminiTools(inner)
	if features.InjectSearch {
		InjectGoogleSearch(inner)
	}

	if features.ImageGen {
		ApplyImageMode(inner)
	} else {
		EnsureIdentityInstruction(inner)
	}

	return BuildEnvelope(project, features, inner, false)
}

// UnwrapGeminiResponse strips the upstream envelope from a unary reply.
// The upstream wraps the generateContent body in {"response": ...}; pass
// through bodies that are already bare.
func UnwrapGeminiResponse(body []byte) []byte {
	if inner := gjson.GetBytes(body, "response"); inner.Exists() {
		return []byte(inner.Raw)
	}
	return body
}
