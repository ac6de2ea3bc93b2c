// Package anthropic adapts Anthropic's Messages API to the model.Client
// interface using the official anthropic-sdk-go.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/dshills/flowrun-go/flow/model"
)

// DefaultModel is used when the node config names no model.
const DefaultModel = "claude-3-5-sonnet-20241022"

// defaultMaxTokens caps completions when the request leaves MaxTokens
// unset. The Messages API requires an explicit limit.
const defaultMaxTokens = 4096

const (
	maxRetries = 3
	retryDelay = time.Second
)

// Client implements model.Client for Anthropic's Claude models.
type Client struct {
	client    *anthropic.Client
	modelName string
}

// New creates an Anthropic-backed model client. The context is unused; it
// is accepted so New satisfies model.Factory.
func New(_ context.Context, apiKey, modelName string) (model.Client, error) {
	if apiKey == "" {
		return nil, errors.New("Anthropic API key is required")
	}
	if modelName == "" {
		modelName = DefaultModel
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &Client{client: &client, modelName: modelName}, nil
}

// Provider implements model.Client.
func (c *Client) Provider() string { return model.ProviderAnthropic }

// Generate implements model.Client. Transient errors (rate limits,
// overloaded, 5xx, network) are retried up to 3 times with backoff.
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

	return nil, fmt.Errorf("Anthropic API failed after %d retries: %w", maxRetries, lastErr)
}

func (c *Client) call(ctx context.Context, req model.Request) (*model.Response, error) {
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.modelName),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	message, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, err
	}

	var content strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}
	if content.Len() == 0 {
		return nil, errors.New("no text content in Anthropic response")
	}

	prompt := int(message.Usage.InputTokens)
	completion := int(message.Usage.OutputTokens)

	return &model.Response{
		Content:  content.String(),
		Model:    string(message.Model),
		Provider: model.ProviderAnthropic,
		Usage: model.Usage{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      prompt + completion,
		},
	}, nil
}

// isTransientError determines if an error should trigger a retry.
// Anthropic reports transient capacity problems as "overloaded".
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
		"overloaded",
		"timeout",
		"network",
		"connection",
		"temporary",
		"503",
		"529",
		"500",
	}
	for _, pattern := range transientPatterns {
		if strings.Contains(msgLower, pattern) {
			return true
		}
	}
	return false
}

// isRateLimitError checks if the error is a rate limit response.
func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	msgLower := strings.ToLower(err.Error())
	return strings.Contains(msgLower, "rate limit") ||
		strings.Contains(msgLower, "429") ||
		strings.Contains(msgLower, "too many requests")
}
