package flow

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestFlowError_Error(t *testing.T) {
	err := &FlowError{Code: CodeValidation, Message: "bad graph"}
	if got := err.Error(); got != "VALIDATION: bad graph" {
		t.Errorf("expected 'VALIDATION: bad graph', got %q", got)
	}

	bare := &FlowError{Message: "no code"}
	if got := bare.Error(); got != "no code" {
		t.Errorf("expected bare message, got %q", got)
	}
}

func TestNewValidationError(t *testing.T) {
	err := NewValidationError("three problems found")
	if err.Code != CodeValidation {
		t.Errorf("expected VALIDATION code, got %s", err.Code)
	}
	if err.Message != "three problems found" {
		t.Errorf("expected message preserved, got %q", err.Message)
	}
}

func TestNodeError_ErrorAndUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := &NodeError{
		Message: "request failed",
		Code:    CodeNodeExecution,
		NodeID:  "fetch-1",
		Cause:   cause,
	}

	if got := err.Error(); got != "node fetch-1: request failed" {
		t.Errorf("expected node-prefixed message, got %q", got)
	}
	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to reach the cause through Unwrap")
	}

	anonymous := &NodeError{Message: "no node"}
	if got := anonymous.Error(); got != "no node" {
		t.Errorf("expected bare message without node id, got %q", got)
	}
}

func TestErrorCode(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"flow error", &FlowError{Code: CodeRetrievalBudget, Message: "x"}, CodeRetrievalBudget},
		{"node error", &NodeError{Code: CodeNodeExecution, Message: "x"}, CodeNodeExecution},
		{"wrapped flow error", fmt.Errorf("outer: %w", &FlowError{Code: CodeControlViolation, Message: "x"}), CodeControlViolation},
		{"provider key sentinel", fmt.Errorf("llm: %w", ErrNoProviderKey), CodeProviderKeyMissing},
		{"plain error", errors.New("anything"), CodeUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ErrorCode(tc.err); got != tc.want {
				t.Errorf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestSanitizeErrorMessage(t *testing.T) {
	t.Run("nil", func(t *testing.T) {
		if got := sanitizeErrorMessage(nil); got != "" {
			t.Errorf("expected empty string, got %q", got)
		}
	})

	t.Run("flattens newlines", func(t *testing.T) {
		err := errors.New("line one\nline two\r\nline three")
		got := sanitizeErrorMessage(err)
		if strings.ContainsAny(got, "\n\r") {
			t.Errorf("expected single line, got %q", got)
		}
		if got != "line one line two line three" {
			t.Errorf("expected collapsed whitespace, got %q", got)
		}
	})

	t.Run("collapses runs of spaces", func(t *testing.T) {
		err := errors.New("a    b\t\tc")
		if got := sanitizeErrorMessage(err); got != "a b c" {
			t.Errorf("expected 'a b c', got %q", got)
		}
	})

	t.Run("truncates long messages", func(t *testing.T) {
		err := errors.New(strings.Repeat("x", 1000))
		got := sanitizeErrorMessage(err)
		if len([]rune(got)) != maxErrorMessageLen+3 {
			t.Errorf("expected %d runes plus ellipsis, got %d", maxErrorMessageLen, len([]rune(got)))
		}
		if !strings.HasSuffix(got, "...") {
			t.Errorf("expected ellipsis suffix, got %q", got[len(got)-10:])
		}
	})

	t.Run("multibyte safe truncation", func(t *testing.T) {
		err := errors.New(strings.Repeat("é", 600))
		got := sanitizeErrorMessage(err)
		if !strings.HasSuffix(got, "...") {
			t.Error("expected truncation of long multibyte message")
		}
		for _, r := range got {
			if r != 'é' && r != '.' {
				t.Fatalf("expected no mangled runes, found %q", r)
			}
		}
	})

	t.Run("short message unchanged", func(t *testing.T) {
		err := errors.New("short")
		if got := sanitizeErrorMessage(err); got != "short" {
			t.Errorf("expected unchanged message, got %q", got)
		}
	})
}
