package tools

import (
	"errors"
	"fmt"
	"strings"
)

// ErrValidation marks a tool call whose arguments were rejected before
// anything executed.
var ErrValidation = errors.New("invalid tool arguments")

// ErrUnknownTool is returned when the model names a tool that does not
// exist.
var ErrUnknownTool = errors.New("unknown tool")

// ValidationError describes rejected arguments. It wraps ErrValidation.
type ValidationError struct {
	Tool     string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Tool, strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// ErrToolUnavailable is returned when a call targets a tool outside the
// caller's allowed set, such as a mutating tool requested by the
// read-only delegate. Callers should not retry.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available in this context", e.ToolName)
}
