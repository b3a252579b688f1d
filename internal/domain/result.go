package domain

import "encoding/json"

// FailureKind classifies why an invocation did not produce a payload.
// Resolution-time kinds are recoverable: the model sees them and can retry
// with corrected arguments. Session failures on mutating tools are terminal
// for the turn.
type FailureKind string

const (
	FailUnknownTool        FailureKind = "unknown_tool"
	FailMissingArgument    FailureKind = "missing_argument"
	FailTypeMismatch       FailureKind = "type_mismatch"
	FailUnexpectedArgument FailureKind = "unexpected_argument"
	FailValidation         FailureKind = "validation"
	FailUnauthorized       FailureKind = "unauthorized"
	FailSession            FailureKind = "session"
)

// Failure describes a failed invocation in terms the model can act on.
type Failure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

// InvocationResult is what the dispatch engine hands back to the
// conversation loop: either a tool-specific success payload or a failure
// descriptor. It is serialized as JSON into a tool message; it is never
// raised to the end user as a crash.
type InvocationResult struct {
	OK      bool     `json:"ok"`
	Tool    string   `json:"tool,omitempty"`
	Payload any      `json:"payload,omitempty"`
	Failure *Failure `json:"failure,omitempty"`
}

func SuccessResult(tool string, payload any) InvocationResult {
	return InvocationResult{OK: true, Tool: tool, Payload: payload}
}

func FailureResult(tool string, kind FailureKind, message string) InvocationResult {
	return InvocationResult{OK: false, Tool: tool, Failure: &Failure{Kind: kind, Message: message}}
}

// ModelText renders the result as the structured text fed back to the model.
func (r InvocationResult) ModelText() string {
	data, err := json.Marshal(r)
	if err != nil {
		return `{"ok":false,"failure":{"kind":"session","message":"result serialization failed"}}`
	}
	return string(data)
}
