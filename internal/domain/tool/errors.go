package tool

import "fmt"

// RateLimitError reports that a tool's upstream API rejected the call for
// quota reasons. The orchestrator reports it to the model as a tool result,
// it never aborts the exchange.
type RateLimitError struct {
	Tool  string
	Cause error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("tool %s rate limited: %v", e.Tool, e.Cause)
}

func (e *RateLimitError) Unwrap() error { return e.Cause }

// ServerError reports an upstream 5xx or connectivity failure inside a tool.
type ServerError struct {
	Tool  string
	Cause error
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("tool %s upstream error: %v", e.Tool, e.Cause)
}

func (e *ServerError) Unwrap() error { return e.Cause }

// InvocationError reports invalid arguments or other expected failures of a
// tool call.
type InvocationError struct {
	Tool    string
	Message string
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("tool %s: %s", e.Tool, e.Message)
}
