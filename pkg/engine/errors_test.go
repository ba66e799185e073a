package engine

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
		throttled bool
		conflict  bool
		permanent bool
		retryable bool
		code      string
	}{
		{name: "transient", err: NewTransientError("x", nil), transient: true, retryable: true, code: ErrCodeInternal},
		{name: "throttled", err: NewThrottledError("x", nil), throttled: true, retryable: true, code: ErrCodeRateLimited},
		{name: "conflict", err: NewConflictError("x", nil), conflict: true, code: ErrCodeConflict},
		{name: "checkpoint conflict", err: NewCheckpointConflictError("e", 1, 2), conflict: true, code: ErrCodeCheckpointConflict},
		{name: "validation", err: NewValidationError("x"), permanent: true, code: ErrCodeValidation},
		{name: "configuration", err: NewConfigurationError("x"), permanent: true, code: ErrCodeConfiguration},
		{name: "wrapped transient", err: fmt.Errorf("apply: %w", NewTransientError("x", nil)), transient: true, retryable: true, code: ErrCodeInternal},
		{name: "plain", err: errors.New("x"), code: ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if IsTransient(tt.err) != tt.transient {
				t.Errorf("IsTransient: expected %t", tt.transient)
			}
			if IsThrottled(tt.err) != tt.throttled {
				t.Errorf("IsThrottled: expected %t", tt.throttled)
			}
			if IsConflict(tt.err) != tt.conflict {
				t.Errorf("IsConflict: expected %t", tt.conflict)
			}
			if IsPermanent(tt.err) != tt.permanent {
				t.Errorf("IsPermanent: expected %t", tt.permanent)
			}
			if IsRetryable(tt.err) != tt.retryable {
				t.Errorf("IsRetryable: expected %t", tt.retryable)
			}
			if got := ErrorCode(tt.err); got != tt.code {
				t.Errorf("ErrorCode: expected %s, got %s", tt.code, got)
			}
		})
	}
}

func TestEngineError_Error(t *testing.T) {
	err := NewPermanentError("apply failed", errors.New("forbidden")).
		WithCode(ErrCodeApplyFailed).
		WithResource("vm-1").
		WithOperation("apply")

	want := "[permanent] APPLY_FAILED: apply failed (resource=vm-1, operation=apply): forbidden"
	if err.Error() != want {
		t.Errorf("Expected %q, got %q", want, err.Error())
	}
	if !errors.Is(err, NewPermanentError("other", nil).WithCode(ErrCodeApplyFailed)) {
		t.Error("Expected errors with the same class and code to match")
	}
	if errors.Unwrap(err).Error() != "forbidden" {
		t.Error("Expected Unwrap to return the cause")
	}
}

func TestNewExecutionError(t *testing.T) {
	if NewExecutionError(nil) != nil {
		t.Error("Expected nil for nil error")
	}

	got := NewExecutionError(NewTransientError("api down", errors.New("503")).WithCode(ErrCodeTimeout))
	if got.Code != ErrCodeTimeout || got.Class != ErrorClassTransient {
		t.Errorf("Unexpected execution error: %+v", got)
	}
	if got.Message != "api down: 503" {
		t.Errorf("Expected message with cause, got %q", got.Message)
	}

	plain := NewExecutionError(errors.New("boom"))
	if plain.Code != ErrCodeInternal || plain.Message != "boom" {
		t.Errorf("Unexpected execution error for plain error: %+v", plain)
	}
	if !strings.HasPrefix(plain.Error(), ErrCodeInternal) {
		t.Errorf("Expected Error() to start with the code, got %q", plain.Error())
	}
}
