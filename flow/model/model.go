// Package model provides LLM integration adapters.
package model

import (
	"context"
	"errors"
	"time"
)

// Provider identifiers accepted by node configs and the key resolver.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGoogle    = "google"
)

// ErrNoProviderKey is returned when no configured provider has an API key
// available for the requesting user. Callers treat it as a node execution
// failure rather than an infrastructure error.
var ErrNoProviderKey = errors.New("no API key available for any configured provider")

// Request carries a single generation call to an adapter.
//
// The zero value of each optional field means "let the provider decide":
// MaxTokens 0 uses the adapter default, Temperature 0 is passed through,
// and Timeout 0 adds no deadline beyond the caller's context.
type Request struct {
	// Prompt is the user-facing input text.
	Prompt string

	// System is an optional system instruction prepended to the call.
	System string

	// MaxTokens caps the completion length. 0 uses the adapter default.
	MaxTokens int

	// Temperature controls sampling randomness.
	Temperature float64

	// Timeout bounds this call. 0 means no additional deadline.
	Timeout time.Duration
}

// Usage reports token consumption for one call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Response is the normalized result of a generation call.
type Response struct {
	// Content is the generated text, concatenated across blocks.
	Content string

	// Model is the model identifier the provider actually served.
	Model string

	// Provider names the adapter that produced the response.
	Provider string

	// Usage is the provider-reported token accounting.
	Usage Usage

	// DurationMs is the wall-clock duration of the call.
	DurationMs int64
}

// Client is the interface every provider adapter implements.
//
// Implementations handle provider-specific authentication, convert Request
// into the provider's call shape, parse the response back into the
// normalized Response, retry transient failures, and respect context
// cancellation and Request.Timeout.
type Client interface {
	// Provider returns the adapter's provider identifier.
	Provider() string

	// Generate performs a single completion call.
	Generate(ctx context.Context, req Request) (*Response, error)
}
