package format

import "strings"

// Keys the Cloud Code schema validator rejects on tool declarations.
var unsupportedSchemaKeys = []string{
	"additionalProperties", "multipleOf", "default", "$schema", "$defs",
	"definitions", "$ref", "$id", "$comment", "exclusiveMinimum",
	"exclusiveMaximum", "minLength", "maxLength", "pattern", "format",
	"minItems", "maxItems", "uniqueItems", "examples",
}

// CleanJSONSchema strips forbidden keywords from a tool parameter schema
// and converts type names to Google's uppercase form. The input map is not
// mutated.
func CleanJSONSchema(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return nil
	}

	result := make(map[string]interface{}, len(schema))
	for k, v := range schema {
		result[k] = v
	}

	for _, key := range unsupportedSchemaKeys {
		delete(result, key)
	}

	if t, ok := result["type"].(string); ok {
		result["type"] = toGoogleType(t)
	}

	if props, ok := result["properties"].(map[string]interface{}); ok {
		cleaned := make(map[string]interface{}, len(props))
		for name, sub := range props {
			if subMap, ok := sub.(map[string]interface{}); ok {
				cleaned[name] = CleanJSONSchema(subMap)
			} else {
				cleaned[name] = sub
			}
		}
		result["properties"] = cleaned
	}

	switch items := result["items"].(type) {
	case map[string]interface{}:
		result["items"] = CleanJSONSchema(items)
	case []interface{}:
		cleaned := make([]interface{}, 0, len(items))
		for _, item := range items {
			if itemMap, ok := item.(map[string]interface{}); ok {
				cleaned = append(cleaned, CleanJSONSchema(itemMap))
			} else {
				cleaned = append(cleaned, item)
			}
		}
		result["items"] = cleaned
	}

	for _, unionKey := range []string{"anyOf", "oneOf", "allOf"} {
		if arr, ok := result[unionKey].([]interface{}); ok {
			cleaned := make([]interface{}, 0, len(arr))
			for _, item := range arr {
				if itemMap, ok := item.(map[string]interface{}); ok {
					cleaned = append(cleaned, CleanJSONSchema(itemMap))
				} else {
					cleaned = append(cleaned, item)
				}
			}
			result[unionKey] = cleaned
		}
	}

	return result
}

// toGoogleType converts JSON Schema type names to Google's Protobuf-style
// uppercase names.
func toGoogleType(typeName string) string {
	switch strings.ToLower(typeName) {
	case "string":
		return "STRING"
	case "number":
		return "NUMBER"
	case "integer":
		return "INTEGER"
	case "boolean":
		return "BOOLEAN"
	case "array":
		return "ARRAY"
	case "object":
		return "OBJECT"
	case "null":
		return "STRING"
	default:
		return strings.ToUpper(typeName)
	}
}
