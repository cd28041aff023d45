package faults

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorIs(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
		want   bool
	}{
		{"configuration matches", Configuration("load", "missing key", nil), ErrConfiguration, true},
		{"generation matches", Generation("generate", "empty", nil), ErrGeneration, true},
		{"generation is not execution", Generation("generate", "empty", nil), ErrExecution, false},
		{"timeout tagged", ExecutionTimeout("execute", "deadline", nil), ErrTimeout, true},
		{"timeout is execution", ExecutionTimeout("execute", "deadline", nil), ErrExecution, true},
		{"plain execution not timeout", Execution("execute", "spawn", nil), ErrTimeout, false},
		{"report matches", Report("export", "bad row", nil), ErrReport, true},
		{"wrapped still matches", fmt.Errorf("outer: %w", Generation("generate", "x", nil)), ErrGeneration, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errors.Is(tt.err, tt.target); got != tt.want {
				t.Errorf("errors.Is = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorMessage(t *testing.T) {
	cause := errors.New("signal: killed")
	err := ExecutionTimeout("sandbox.execute", "exceeded 1s", cause)

	msg := err.Error()
	for _, part := range []string{"execution error", "sandbox.execute", "timeout", "exceeded 1s", "signal: killed"} {
		if !strings.Contains(msg, part) {
			t.Errorf("message %q missing %q", msg, part)
		}
	}

	if !errors.Is(err, cause) {
		t.Error("expected cause to be reachable through Unwrap")
	}
}

func TestKindOf(t *testing.T) {
	if got := KindOf(fmt.Errorf("wrap: %w", Report("x", "y", nil))); got != KindReport {
		t.Errorf("KindOf = %q, want %q", got, KindReport)
	}
	if got := KindOf(errors.New("plain")); got != "" {
		t.Errorf("KindOf(plain) = %q, want empty", got)
	}
}
