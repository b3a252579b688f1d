package tool

import "fmt"

// DuplicateToolError reports a Register call with a name that already
// exists. It can only happen at startup and indicates a configuration bug.
type DuplicateToolError struct {
	Name string
}

func (e *DuplicateToolError) Error() string {
	return fmt.Sprintf("tool %q already registered", e.Name)
}

// UnknownToolError reports a lookup of a name no spec was registered under,
// typically a tool name the model hallucinated.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool %q", e.Name)
}
