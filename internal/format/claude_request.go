package format

import (
	"encoding/json"

	"github.com/poemonsense/antigravity-hub/internal/utils"
	"github.com/poemonsense/antigravity-hub/pkg/anthropic"
)

// BuildClaudeEnvelope converts an Anthropic Messages request into the
// wrapped upstream request.
func BuildClaudeEnvelope(project string, req *anthropic.MessagesRequest) map[string]interface{} {
	features := ResolveRequestFeatures(req.Model)

	inner := ConvertClaudeToGoogle(req)
	innerMap, _ := DeepCleanUndefined(structToMap(inner)).(map[string]interface{})
	if innerMap == nil {
		innerMap = map[string]interface{}{}
	}

	if features.InjectSearch {
		InjectGoogleSearch(innerMap)
	}
	if features.ImageGen {
		ApplyImageMode(innerMap)
	} else {
		EnsureIdentityInstruction(innerMap)
	}

	return BuildEnvelope(project, features, innerMap, false)
}

// ConvertClaudeToGoogle converts an Anthropic Messages request body to the
// inner generateContent request.
func ConvertClaudeToGoogle(req *anthropic.MessagesRequest) *GoogleRequest {
	google := &GoogleRequest{
		Contents:         make([]GoogleContent, 0, len(req.Messages)),
		GenerationConfig: &GenerationConfig{},
	}

	if parts := systemPromptParts(req.System); len(parts) > 0 {
		google.SystemInstruction = &GoogleContent{Parts: parts}
	}

	messages := req.Messages
	if NeedsThinkingRecovery(messages) {
		utils.Debug("[Format] Closing interrupted tool loop before conversion")
		messages = CloseToolLoop(messages)
	}

	for _, msg := range messages {
		parts := convertClaudeBlocks(msg.ContentBlocks())
		// Upstream rejects turns with no parts.
		if len(parts) == 0 {
			parts = []GooglePart{{Text: "."}}
		}
		google.Contents = append(google.Contents, GoogleContent{
			Role:  ConvertRole(msg.Role),
			Parts: parts,
		})
	}

	if req.MaxTokens > 0 {
		google.GenerationConfig.MaxOutputTokens = req.MaxTokens
	}
	google.GenerationConfig.Temperature = req.Temperature
	google.GenerationConfig.TopP = req.TopP
	google.GenerationConfig.TopK = req.TopK
	google.GenerationConfig.StopSequences = req.StopSequences

	if req.Thinking != nil && req.Thinking.Type == "enabled" {
		thinking := map[string]interface{}{"includeThoughts": true}
		if req.Thinking.BudgetTokens > 0 {
			thinking["thinkingBudget"] = req.Thinking.BudgetTokens
		}
		google.GenerationConfig.ThinkingConfig = thinking
	}

	if len(req.Tools) > 0 {
		decls := make([]FunctionDeclaration, 0, len(req.Tools))
		for _, tool := range req.Tools {
			var schema map[string]interface{}
			if len(tool.InputSchema) > 0 {
				if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
					utils.Warn("[Format] Tool %s schema parse failed: %v", tool.Name, err)
				}
			}
			if schema == nil {
				schema = map[string]interface{}{"type": "object"}
			}
			decls = append(decls, FunctionDeclaration{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  CleanJSONSchema(schema),
			})
		}
		google.Tools = []GoogleTool{{FunctionDeclarations: decls}}
		google.ToolConfig = &ToolConfig{
			FunctionCallingConfig: &FunctionCallingConfig{Mode: "VALIDATED"},
		}
	}

	return google
}

// systemPromptParts normalizes the system field, which clients send as a
// string or as an array of text blocks.
func systemPromptParts(system interface{}) []GooglePart {
	switch s := system.(type) {
	case string:
		if s == "" {
			return nil
		}
		return []GooglePart{{Text: s}}
	case []interface{}:
		parts := make([]GooglePart, 0, len(s))
		for _, block := range s {
			blockMap, ok := block.(map[string]interface{})
			if !ok {
				continue
			}
			if blockMap["type"] == "text" {
				if text, ok := blockMap["text"].(string); ok && text != "" {
					parts = append(parts, GooglePart{Text: text})
				}
			}
		}
		return parts
	default:
		return nil
	}
}

// convertClaudeBlocks maps Anthropic content blocks onto Google parts.
// Images inside tool results are deferred to the end of the part list.
func convertClaudeBlocks(blocks []anthropic.ContentBlock) []GooglePart {
	parts := make([]GooglePart, 0, len(blocks))
	var deferredImages []GooglePart
	cache := GetSignatureCache()

	for _, block := range blocks {
		switch block.Type {
		case "text":
			if block.Text != "" {
				parts = append(parts, GooglePart{Text: block.Text})
			}

		case "image", "document":
			if block.Source == nil {
				continue
			}
			if block.Source.Type == "base64" {
				parts = append(parts, GooglePart{InlineData: &InlineData{
					MimeType: block.Source.MediaType,
					Data:     block.Source.Data,
				}})
			} else if block.Source.Type == "url" {
				parts = append(parts, GooglePart{FileData: &FileData{
					MimeType: block.Source.MediaType,
					FileURI:  block.Source.URL,
				}})
			}

		case "tool_use":
			var args map[string]interface{}
			if len(block.Input) > 0 {
				_ = json.Unmarshal(block.Input, &args)
			}
			part := GooglePart{FunctionCall: &FunctionCall{
				Name: block.Name,
				Args: args,
				ID:   block.ID,
			}}
			signature := block.ThoughtSignature
			if signature == "" && block.ID != "" {
				signature = cache.GetToolSignature(block.ID)
			}
			part.ThoughtSignature = signature
			parts = append(parts, part)

		case "tool_result":
			response, images := toolResultResponse(block.Content)
			name := block.ToolUseID
			if name == "" {
				name = "unknown"
			}
			parts = append(parts, GooglePart{FunctionResponse: &FunctionResponse{
				Name:     name,
				Response: response,
				ID:       block.ToolUseID,
			}})
			deferredImages = append(deferredImages, images...)

		case "thinking":
			if block.Signature == "" {
				// Unsigned thinking cannot be replayed upstream.
				continue
			}
			parts = append(parts, GooglePart{
				Text:             block.Thinking,
				Thought:          true,
				ThoughtSignature: block.Signature,
			})
		}
	}

	return append(parts, deferredImages...)
}

// toolResultResponse flattens a tool result's content into the function
// response map, extracting embedded base64 images as separate parts.
func toolResultResponse(content any) (map[string]interface{}, []GooglePart) {
	response := map[string]interface{}{}
	var images []GooglePart

	switch c := content.(type) {
	case string:
		response["result"] = c
	case []interface{}:
		text := ""
		for _, item := range c {
			itemMap, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			switch itemMap["type"] {
			case "text":
				if t, ok := itemMap["text"].(string); ok {
					if text != "" {
						text += "\n"
					}
					text += t
				}
			case "image":
				if source, ok := itemMap["source"].(map[string]interface{}); ok && source["type"] == "base64" {
					mimeType, _ := source["media_type"].(string)
					data, _ := source["data"].(string)
					images = append(images, GooglePart{InlineData: &InlineData{
						MimeType: mimeType,
						Data:     data,
					}})
				}
			}
		}
		if text == "" && len(images) > 0 {
			text = "Image attached"
		}
		response["result"] = text
	default:
		response["result"] = ""
	}

	return response, images
}

// structToMap round-trips a typed request through JSON so the common
// map-based cleaning steps can apply.
func structToMap(v interface{}) map[string]interface{} {
	data, err := json.Marshal(v)
	if err != nil {
		return map[string]interface{}{}
	}
	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		return map[string]interface{}{}
	}
	return result
}
