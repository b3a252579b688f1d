package broker

import "fmt"

// SessionError reports a network-level failure: disconnect, write failure,
// or timeout waiting for the correlated acknowledgment. For mutating calls
// the outcome is uncertain and must never be silently retried.
type SessionError struct {
	Op      string
	Timeout bool
	Err     error
}

func (e *SessionError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("session: %s timed out awaiting acknowledgment", e.Op)
	}
	return fmt.Sprintf("session: %s failed: %v", e.Op, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

// GatewayError is a definitive application-level rejection from the
// gateway (e.g. order rejected). Unlike SessionError the outcome is known.
type GatewayError struct {
	Op      string
	Message string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway rejected %s: %s", e.Op, e.Message)
}
