// Package flow provides the workflow execution engine: DAG validation,
// wave planning, per-node retry and branching semantics, retrieval
// orchestration, and the versioned execution context shared by nodes.
package flow

import (
	"errors"
	"strings"
)

// Error codes carried by FlowError. Codes are stable contract surface;
// messages are not.
const (
	CodeValidation         = "VALIDATION"
	CodeUnknownNodeType    = "UNKNOWN_NODE_TYPE"
	CodeNodeExecution      = "NODE_EXECUTION"
	CodeRetrievalBudget    = "RETRIEVAL_BUDGET"
	CodeProviderKeyMissing = "PROVIDER_KEY_MISSING"
	CodeControlViolation   = "CONTROL_VIOLATION"
	CodeUnknown            = "UNKNOWN"
)

// ErrDuplicateNodeType indicates a second registration under an already
// registered node-type tag.
var ErrDuplicateNodeType = errors.New("node type already registered")

// ErrInvalidRetryPolicy indicates a retry policy whose fields are outside
// the allowed ranges after clamping could not produce a usable policy.
var ErrInvalidRetryPolicy = errors.New("invalid retry policy")

// ErrWorkflowNotFound indicates the persistence port has no workflow row
// for the requested ID.
var ErrWorkflowNotFound = errors.New("workflow not found")

// ErrNoProviderKey indicates no API key could be resolved for the requested
// LLM provider or any fallback provider.
var ErrNoProviderKey = errors.New("no API key available for any provider")

// FlowError is a coded error from engine operations.
type FlowError struct {
	Message string
	Code    string
}

func (e *FlowError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// NewValidationError builds a FlowError with the VALIDATION code.
func NewValidationError(message string) *FlowError {
	return &FlowError{Message: message, Code: CodeValidation}
}

// NodeError is an error produced while executing a specific node.
// It wraps the underlying cause so callers can errors.Is/As through it.
type NodeError struct {
	// Message is the human-readable error description.
	Message string

	// Code is a machine-readable error code for programmatic handling.
	Code string

	// NodeID identifies which node produced this error.
	NodeID string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *NodeError) Error() string {
	if e.NodeID != "" {
		return "node " + e.NodeID + ": " + e.Message
	}
	return e.Message
}

// Unwrap returns the underlying cause for error wrapping support.
func (e *NodeError) Unwrap() error {
	return e.Cause
}

// ErrorCode extracts the FlowError/NodeError code from an error chain,
// defaulting to UNKNOWN.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var fe *FlowError
	if errors.As(err, &fe) && fe.Code != "" {
		return fe.Code
	}
	var ne *NodeError
	if errors.As(err, &ne) && ne.Code != "" {
		return ne.Code
	}
	if errors.Is(err, ErrNoProviderKey) {
		return CodeProviderKeyMissing
	}
	return CodeUnknown
}

const maxErrorMessageLen = 500

// sanitizeErrorMessage flattens an error to a single line of bounded length
// so it can be stored and surfaced without leaking stack traces.
func sanitizeErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	msg = strings.ReplaceAll(msg, "\n", " ")
	msg = strings.ReplaceAll(msg, "\r", " ")
	msg = strings.Join(strings.Fields(msg), " ")
	runes := []rune(msg)
	if len(runes) > maxErrorMessageLen {
		msg = string(runes[:maxErrorMessageLen]) + "..."
	}
	return msg
}
