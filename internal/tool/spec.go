package tool

import "brokerbot/internal/domain"

// ParamType is the semantic type of a tool parameter.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeNumber  ParamType = "number"
	TypeBoolean ParamType = "boolean"
	TypeEnum    ParamType = "enum"
)

// Param declares one parameter of a tool.
type Param struct {
	Name        string
	Type        ParamType
	Description string
	Required    bool
	Enum        []string // allowed values when Type == TypeEnum
	Default     any      // filled in by the resolver when absent
}

// Spec describes one invocable operation: its name, ordered parameters, a
// description used for model-side discovery, and whether executing it has an
// external side effect. Specs are immutable once registered.
type Spec struct {
	Name        string
	Description string
	Params      []Param
	Mutating    bool

	// Check holds cross-field sanity bounds for mutating tools, applied by
	// the resolver after per-parameter coercion. Args are already typed.
	Check func(args map[string]any) error
}

// Param returns the declared parameter with the given name, or nil.
func (s *Spec) Param(name string) *Param {
	for i := range s.Params {
		if s.Params[i].Name == name {
			return &s.Params[i]
		}
	}
	return nil
}

// Definition renders the spec as a JSON-Schema tool definition for the model.
// It is recomputed on every call; the registry holds no derived state.
func (s *Spec) Definition() domain.ToolDefinition {
	props := make(map[string]any, len(s.Params))
	var required []string
	for _, p := range s.Params {
		prop := map[string]any{"description": p.Description}
		switch p.Type {
		case TypeEnum:
			prop["type"] = "string"
			prop["enum"] = p.Enum
		default:
			prop["type"] = string(p.Type)
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	params := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		params["required"] = required
	}
	return domain.ToolDefinition{
		Name:        s.Name,
		Description: s.Description,
		Parameters:  params,
	}
}
