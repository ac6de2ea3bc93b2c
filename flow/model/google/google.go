// Package google adapts Google's Gemini API to the model.Client interface
// using the generative-ai-go SDK.
package google

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/dshills/flowrun-go/flow/model"
)

// DefaultModel is used when the node config names no model.
const DefaultModel = "gemini-1.5-flash"

const (
	maxRetries = 3
	retryDelay = time.Second
)

// Client implements model.Client for Google Gemini.
//
// The underlying genai client holds a connection; call Close when the
// client is no longer needed.
type Client struct {
	client    *genai.Client
	modelName string
}

// New creates a Gemini-backed model client. Unlike the other adapters the
// SDK requires a context at construction time.
func New(ctx context.Context, apiKey, modelName string) (model.Client, error) {
	if apiKey == "" {
		return nil, errors.New("Google API key is required")
	}
	if modelName == "" {
		modelName = DefaultModel
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Google client: %w", err)
	}
	return &Client{client: client, modelName: modelName}, nil
}

// Provider implements model.Client.
func (c *Client) Provider() string { return model.ProviderGoogle }

// Close releases the underlying genai client's resources.
func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// Generate implements model.Client. Transient errors are retried up to
// 3 times; quota exhaustion backs off progressively.
func (c *Client) Generate(ctx context.Context, req model.Request) (*model.Response, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	start := time.Now()

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		resp, err := c.call(ctx, req)
		if err == nil {
			resp.DurationMs = time.Since(start).Milliseconds()
			return resp, nil
		}

		lastErr = err

		if !isTransientError(err) {
			return nil, err
		}
		if attempt >= maxRetries {
			break
		}

		delay := retryDelay
		if isRateLimitError(err) {
			delay = retryDelay * time.Duration(attempt+1)
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("Google API failed after %d retries: %w", maxRetries, lastErr)
}

func (c *Client) call(ctx context.Context, req model.Request) (*model.Response, error) {
	gm := c.client.GenerativeModel(c.modelName)
	if req.System != "" {
		gm.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(req.System)},
		}
	}
	if req.Temperature > 0 {
		gm.SetTemperature(float32(req.Temperature))
	}
	if req.MaxTokens > 0 {
		gm.SetMaxOutputTokens(int32(req.MaxTokens))
	}

	resp, err := gm.GenerateContent(ctx, genai.Text(req.Prompt))
	if err != nil {
		return nil, err
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, errors.New("no content in Google response")
	}

	var content strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			content.WriteString(string(text))
		}
	}
	if content.Len() == 0 {
		return nil, errors.New("no text content in Google response")
	}

	var usage model.Usage
	if resp.UsageMetadata != nil {
		usage.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
		usage.CompletionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		usage.TotalTokens = int(resp.UsageMetadata.TotalTokenCount)
	}

	return &model.Response{
		Content:  content.String(),
		Model:    c.modelName,
		Provider: model.ProviderGoogle,
		Usage:    usage,
	}, nil
}

// isTransientError determines if an error should trigger a retry.
// Gemini reports capacity problems via gRPC Unavailable and quota errors
// via ResourceExhausted.
func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if isRateLimitError(err) {
		return true
	}

	msgLower := strings.ToLower(err.Error())
	transientPatterns := []string{
		"unavailable",
		"internal",
		"timeout",
		"network",
		"connection",
		"temporary",
		"503",
		"500",
	}
	for _, pattern := range transientPatterns {
		if strings.Contains(msgLower, pattern) {
			return true
		}
	}
	return false
}

// isRateLimitError checks if the error is a quota or rate limit response.
func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	msgLower := strings.ToLower(err.Error())
	return strings.Contains(msgLower, "resource exhausted") ||
		strings.Contains(msgLower, "resource_exhausted") ||
		strings.Contains(msgLower, "quota") ||
		strings.Contains(msgLower, "rate limit") ||
		strings.Contains(msgLower, "429")
}
