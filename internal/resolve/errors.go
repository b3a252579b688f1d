package resolve

import "fmt"

// MissingArgumentError reports a required parameter absent from the intent.
type MissingArgumentError struct {
	Param string
}

func (e *MissingArgumentError) Error() string {
	return fmt.Sprintf("missing required argument %q", e.Param)
}

// TypeMismatchError reports an argument that could not be coerced to the
// declared semantic type.
type TypeMismatchError struct {
	Param    string
	Expected string
	Got      string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("argument %q: expected %s, got %s", e.Param, e.Expected, e.Got)
}

// UnexpectedArgumentError reports an argument name not declared on the
// tool spec. Undeclared fields never reach the brokerage call.
type UnexpectedArgumentError struct {
	Name string
}

func (e *UnexpectedArgumentError) Error() string {
	return fmt.Sprintf("unexpected argument %q", e.Name)
}

// ValidationError reports a violated domain-level sanity bound on a
// mutating tool.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}
