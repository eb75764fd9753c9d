package mcp

import (
	"encoding/json"
)

// ToolBuilder declares a Tool and its JSON Schema input description.
//
//	tool := mcp.NewTool("echo").
//		WithDescription("Echoes back the input").
//		WithString("text", "Text to echo", true).
//		WithBoolean("uppercase", "Upper-case the text", false).
//		Build()
type ToolBuilder struct {
	name        string
	description string
	properties  map[string]map[string]any
	required    []string
}

// NewTool starts a tool declaration with the given name.
func NewTool(name string) *ToolBuilder {
	return &ToolBuilder{
		name:       name,
		properties: make(map[string]map[string]any),
	}
}

// WithDescription sets the tool description.
func (b *ToolBuilder) WithDescription(description string) *ToolBuilder {
	b.description = description
	return b
}

// WithString declares a string argument.
func (b *ToolBuilder) WithString(name, description string, required bool) *ToolBuilder {
	return b.property(name, map[string]any{"type": "string", "description": description}, required)
}

// WithNumber declares a numeric argument.
func (b *ToolBuilder) WithNumber(name, description string, required bool) *ToolBuilder {
	return b.property(name, map[string]any{"type": "number", "description": description}, required)
}

// WithBoolean declares a boolean argument.
func (b *ToolBuilder) WithBoolean(name, description string, required bool) *ToolBuilder {
	return b.property(name, map[string]any{"type": "boolean", "description": description}, required)
}

// WithEnum declares a string argument restricted to values.
func (b *ToolBuilder) WithEnum(name, description string, values []string, required bool) *ToolBuilder {
	return b.property(name, map[string]any{"type": "string", "description": description, "enum": values}, required)
}

// WithDefault sets the default value of an already declared argument.
func (b *ToolBuilder) WithDefault(name string, value any) *ToolBuilder {
	if prop, ok := b.properties[name]; ok {
		prop["default"] = value
	}
	return b
}

// Build returns the declared tool.
func (b *ToolBuilder) Build() Tool {
	schema := map[string]any{
		"type":       "object",
		"properties": b.properties,
	}
	if len(b.required) > 0 {
		schema["required"] = b.required
	}
	bs, _ := json.Marshal(schema)

	return Tool{
		Name:        b.name,
		Description: b.description,
		InputSchema: bs,
	}
}

func (b *ToolBuilder) property(name string, schema map[string]any, required bool) *ToolBuilder {
	if schema["description"] == "" {
		delete(schema, "description")
	}
	b.properties[name] = schema
	if required {
		b.required = append(b.required, name)
	}
	return b
}
