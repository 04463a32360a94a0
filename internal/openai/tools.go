package openai

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jwadow/kiro-gateway/internal/kiro"
)

const (
	// DefaultMaxToolDescription is the default length threshold past
	// which tool descriptions are moved into the system prompt.
	DefaultMaxToolDescription = 10240

	emptyObjectSchema = `{"type":"object","properties":{}}`
)

// ConvertTools maps OpenAI tool definitions to Kiro tool specifications.
// Schemas are sanitized, missing schemas become an empty object schema,
// and empty or whitespace-only descriptions get a generated placeholder.
//
// Descriptions longer than maxDescription are truncated in the tool
// specification; the full text is returned as an overflow entry for the
// caller to append to the system prompt, so nothing is lost on the
// wire. A maxDescription of zero disables the rewriting.
func ConvertTools(tools []Tool, maxDescription int) ([]kiro.Tool, []string, error) {
	if len(tools) == 0 {
		return nil, nil, nil
	}

	var overflow []string
	out := make([]kiro.Tool, 0, len(tools))
	for _, t := range tools {
		if t.Type != "" && t.Type != "function" {
			continue
		}
		if t.Function.Name == "" {
			return nil, nil, fmt.Errorf("tool definition is missing a function name")
		}

		desc := t.Function.Description
		if strings.TrimSpace(desc) == "" {
			desc = "Tool: " + t.Function.Name
		} else if maxDescription > 0 && len(desc) > maxDescription {
			overflow = append(overflow, fmt.Sprintf(
				"Full description of tool %q:\n%s", t.Function.Name, desc))
			desc = desc[:maxDescription]
		}

		schema := SanitizeSchema(t.Function.Parameters)

		out = append(out, kiro.Tool{
			ToolSpecification: kiro.ToolSpecification{
				Name:        t.Function.Name,
				Description: desc,
				InputSchema: kiro.InputSchema{JSON: schema},
			},
		})
	}
	return out, overflow, nil
}

// SanitizeSchema strips JSON Schema constructs the backend rejects:
// "additionalProperties" and "$schema" everywhere, and "required" arrays
// that are empty. The walk descends into properties, items, $defs, and
// the anyOf/oneOf/allOf combinators. Absent or unparseable schemas
// collapse to an empty object schema.
func SanitizeSchema(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(emptyObjectSchema)
	}

	var schema map[string]interface{}
	if err := json.Unmarshal(raw, &schema); err != nil {
		return json.RawMessage(emptyObjectSchema)
	}

	sanitizeNode(schema)

	cleaned, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(emptyObjectSchema)
	}
	return cleaned
}

func sanitizeNode(node map[string]interface{}) {
	delete(node, "additionalProperties")
	delete(node, "$schema")

	if req, ok := node["required"].([]interface{}); ok && len(req) == 0 {
		delete(node, "required")
	}

	if props, ok := node["properties"].(map[string]interface{}); ok {
		for _, v := range props {
			if child, ok := v.(map[string]interface{}); ok {
				sanitizeNode(child)
			}
		}
	}

	for _, key := range []string{"items", "$defs", "definitions"} {
		switch child := node[key].(type) {
		case map[string]interface{}:
			if key == "items" {
				sanitizeNode(child)
			} else {
				for _, v := range child {
					if def, ok := v.(map[string]interface{}); ok {
						sanitizeNode(def)
					}
				}
			}
		case []interface{}:
			for _, v := range child {
				if item, ok := v.(map[string]interface{}); ok {
					sanitizeNode(item)
				}
			}
		}
	}

	for _, key := range []string{"anyOf", "oneOf", "allOf"} {
		if variants, ok := node[key].([]interface{}); ok {
			for _, v := range variants {
				if variant, ok := v.(map[string]interface{}); ok {
					sanitizeNode(variant)
				}
			}
		}
	}
}
