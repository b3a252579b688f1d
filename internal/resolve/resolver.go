// Package resolve turns untrusted model tool-call intents into validated,
// typed invocations. Resolution is pure: no external call ever happens here.
package resolve

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"brokerbot/internal/domain"
	"brokerbot/internal/tool"
)

// Invocation is a tool name bound to its spec plus fully typed arguments.
// Every required parameter is present and type-correct; no unknown argument
// names survive resolution. Consumed immediately by the dispatch engine.
type Invocation struct {
	Spec *tool.Spec
	Args map[string]any
}

type Resolver struct {
	registry *tool.Registry
}

func NewResolver(registry *tool.Registry) *Resolver {
	return &Resolver{registry: registry}
}

// Resolve validates a model-proposed tool call against the registry.
// Failure order: unknown tool, then per-parameter missing/type errors in
// declaration order, then undeclared arguments, then mutating sanity bounds.
func (r *Resolver) Resolve(tc domain.ToolCall) (*Invocation, error) {
	spec, err := r.registry.Lookup(tc.Name)
	if err != nil {
		return nil, err
	}

	args := make(map[string]any, len(spec.Params))
	for i := range spec.Params {
		p := &spec.Params[i]
		raw, present := tc.Arguments[p.Name]
		if !present || raw == nil {
			if p.Required {
				return nil, &MissingArgumentError{Param: p.Name}
			}
			if p.Default != nil {
				args[p.Name] = p.Default
			}
			continue
		}
		typed, err := coerce(p, raw)
		if err != nil {
			return nil, err
		}
		args[p.Name] = typed
	}

	for name := range tc.Arguments {
		if spec.Param(name) == nil {
			return nil, &UnexpectedArgumentError{Name: name}
		}
	}

	if spec.Mutating && spec.Check != nil {
		if err := spec.Check(args); err != nil {
			return nil, &ValidationError{Reason: err.Error()}
		}
	}

	return &Invocation{Spec: spec, Args: args}, nil
}

// coerce converts a raw argument value to the declared semantic type.
// Numeric strings become numbers; enum values are matched case-insensitively
// and stored in canonical form.
func coerce(p *tool.Param, raw any) (any, error) {
	switch p.Type {
	case tool.TypeString:
		s, ok := raw.(string)
		if !ok {
			return nil, mismatch(p, "string", raw)
		}
		return s, nil

	case tool.TypeNumber:
		switch v := raw.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		case json.Number:
			f, err := v.Float64()
			if err != nil {
				return nil, mismatch(p, "number", raw)
			}
			return f, nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return nil, mismatch(p, "number", raw)
			}
			return f, nil
		default:
			return nil, mismatch(p, "number", raw)
		}

	case tool.TypeBoolean:
		switch v := raw.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(strings.ToLower(v))
			if err != nil {
				return nil, mismatch(p, "boolean", raw)
			}
			return b, nil
		default:
			return nil, mismatch(p, "boolean", raw)
		}

	case tool.TypeEnum:
		s, ok := raw.(string)
		if !ok {
			return nil, mismatch(p, enumExpected(p), raw)
		}
		for _, allowed := range p.Enum {
			if strings.EqualFold(s, allowed) {
				return allowed, nil
			}
		}
		return nil, mismatch(p, enumExpected(p), raw)

	default:
		return nil, mismatch(p, string(p.Type), raw)
	}
}

func enumExpected(p *tool.Param) string {
	return "one of " + strings.Join(p.Enum, "|")
}

func mismatch(p *tool.Param, expected string, raw any) error {
	return &TypeMismatchError{
		Param:    p.Name,
		Expected: expected,
		Got:      fmt.Sprintf("%v (%T)", raw, raw),
	}
}
