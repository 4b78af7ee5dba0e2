package tools

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrToolUnavailable_Error(t *testing.T) {
	err := &ErrToolUnavailable{ToolName: "call_service"}
	want := `tool "call_service" is not available in this context`
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrToolUnavailable_WrappedErrorsAs(t *testing.T) {
	orig := &ErrToolUnavailable{ToolName: "write_self"}
	wrapped := fmt.Errorf("tool execution: %w", orig)

	var target *ErrToolUnavailable
	if !errors.As(wrapped, &target) {
		t.Fatal("errors.As failed to match wrapped *ErrToolUnavailable")
	}
	if target.ToolName != "write_self" {
		t.Errorf("ToolName = %q, want %q", target.ToolName, "write_self")
	}
}

func TestValidationError_Is(t *testing.T) {
	err := fmt.Errorf("decode: %w", &ValidationError{Tool: "get_state", Problems: []string{"entity_id is required"}})
	if !errors.Is(err, ErrValidation) {
		t.Error("ValidationError should match ErrValidation")
	}
	if got, want := err.Error(), "decode: get_state: entity_id is required"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
