package shared

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"deadline", context.DeadlineExceeded, CodeBackendUnavailable},
		{"wrapped deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), CodeBackendUnavailable},
		{"cancelled", context.Canceled, CodeStreamCancelled},
		{"circuit", fmt.Errorf("sidecar: %w", ErrCircuitOpen), CodeBackendUnavailable},
		{"net timeout", timeoutErr{}, CodeBackendUnavailable},
		{"op error", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, CodeBackendUnavailable},
		{"plain", errors.New("exit status 1"), CodeToolExecutionFailed},
		{"passthrough", NewError(CodeGatingBlocked, "blocked"), CodeGatingBlocked},
		{"wrapped passthrough", fmt.Errorf("x: %w", NewError(CodeSessionNotFound, "gone")), CodeSessionNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(tt.err)
			if got.Code != tt.want {
				t.Fatalf("Normalize(%v) code = %s, want %s", tt.err, got.Code, tt.want)
			}
			if got.UserMessage == "" {
				t.Fatalf("Normalize(%v) has empty user message", tt.err)
			}
		})
	}

	if Normalize(nil) != nil {
		t.Fatal("Normalize(nil) should be nil")
	}
}

func TestNormalizeKeepsCause(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")
	err := Normalize(fmt.Errorf("run: %w", cause))
	if !errors.Is(err, cause) {
		t.Fatal("normalized error lost its cause")
	}
}

func TestHTTPStatus(t *testing.T) {
	t.Parallel()

	if got := NewError(CodeApprovalRequired, "x").HTTPStatus(); got != http.StatusConflict {
		t.Fatalf("approval status = %d", got)
	}
	if got := NewError(CodeSessionNotFound, "x").HTTPStatus(); got != http.StatusNotFound {
		t.Fatalf("not found status = %d", got)
	}
	if !NewError(CodeBackendUnavailable, "x").Retryable() {
		t.Fatal("backend unavailable should be retryable")
	}
	if NewError(CodeToolExecutionFailed, "x").Retryable() {
		t.Fatal("tool failure should not be retryable")
	}
}

func TestIsSQLiteConflictError(t *testing.T) {
	t.Parallel()

	if !IsSQLiteConflictError(errors.New("SQLITE_BUSY: database busy")) {
		t.Fatal("busy not detected")
	}
	if !IsSQLiteConflictError(errors.New("database is locked (5)")) {
		t.Fatal("locked not detected")
	}
	if IsSQLiteConflictError(errors.New("no such table")) || IsSQLiteConflictError(nil) {
		t.Fatal("false positive")
	}
}
