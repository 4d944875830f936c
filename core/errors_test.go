package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestCoreError_Error(t *testing.T) {
	err := NewError(ErrConcurrencyConflict, "expected version 3")
	expected := "[CONCURRENCY_CONFLICT] expected version 3"
	if err.Error() != expected {
		t.Errorf("Expected %q, got %q", expected, err.Error())
	}
}

func TestCoreError_Is(t *testing.T) {
	err := NewError(ErrCircuitOpen, "breaker rejected call")
	if !errors.Is(err, NewError(ErrCircuitOpen, "other message")) {
		t.Error("Expected errors with same code to match")
	}
	if errors.Is(err, NewError(ErrSagaTimeout, "")) {
		t.Error("Expected errors with different codes not to match")
	}
}

func TestWrap_PreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(cause, ErrStepExecutionFailed, "step reserve_funds")

	if !errors.Is(err, cause) {
		t.Error("Expected wrapped error to match cause")
	}
	if err.Unwrap() != cause {
		t.Errorf("Expected cause, got %v", err.Unwrap())
	}
}

func TestWrap_NilError(t *testing.T) {
	if Wrap(nil, ErrNotFound, "ignored") != nil {
		t.Error("Expected nil for nil cause")
	}
	if WrapWithCode(nil, ErrNotFound) != nil {
		t.Error("Expected nil for nil cause")
	}
}

func TestCodeOf_WrappedChain(t *testing.T) {
	inner := NewError(ErrConcurrencyConflict, "version mismatch")
	outer := fmt.Errorf("save failed: %w", inner)

	if CodeOf(outer) != ErrConcurrencyConflict {
		t.Errorf("Expected CONCURRENCY_CONFLICT, got %q", CodeOf(outer))
	}
	if CodeOf(errors.New("plain")) != "" {
		t.Error("Expected empty code for plain error")
	}
	if !HasCode(outer, ErrConcurrencyConflict) {
		t.Error("Expected HasCode to match through wrapping")
	}
}

func TestWithContext(t *testing.T) {
	err := NewError(ErrCompensationFailed, "release_funds raised").WithContext("saga abc-123")
	expected := "[COMPENSATION_FAILED] saga abc-123: release_funds raised"
	if err.Error() != expected {
		t.Errorf("Expected %q, got %q", expected, err.Error())
	}
}
