package tools

import "fmt"

// ErrToolUnavailable is returned when a tool call names a tool outside
// the registry's closed set. The call is skipped.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available in this context", e.ToolName)
}

// ArgumentError reports tool arguments that could not be decoded or
// validated. The call produces no output and no acknowledgment.
type ArgumentError struct {
	Tool   string
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *ArgumentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: invalid arguments: %s: %v", e.Tool, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: invalid arguments: %s", e.Tool, e.Reason)
}

func (e *ArgumentError) Unwrap() error { return e.Err }

func argErr(tool, reason string, err error) *ArgumentError {
	return &ArgumentError{Tool: tool, Reason: reason, Err: err}
}
