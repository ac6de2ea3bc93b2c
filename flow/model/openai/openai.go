// Package openai adapts OpenAI's Chat Completions API to the model.Client
// interface using the official openai-go SDK.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/dshills/flowrun-go/flow/model"
)

// DefaultModel is used when the node config names no model.
const DefaultModel = "gpt-4"

const (
	maxRetries = 3
	retryDelay = time.Second
)

// Client implements model.Client for OpenAI.
//
// Provides:
//   - Automatic retry for transient errors (network issues, 5xx)
//   - Progressive backoff for rate limits
//   - Context cancellation and per-request timeouts
type Client struct {
	client    *openai.Client
	modelName string
}

// New creates an OpenAI-backed model client. The context is unused; it is
// accepted so New satisfies model.Factory.
func New(_ context.Context, apiKey, modelName string) (model.Client, error) {
	if apiKey == "" {
		return nil, errors.New("OpenAI API key is required")
	}
	if modelName == "" {
		modelName = DefaultModel
	}
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &Client{client: &client, modelName: modelName}, nil
}

// Provider implements model.Client.
func (c *Client) Provider() string { return model.ProviderOpenAI }

// Generate implements model.Client.
//
// Sends the prompt to OpenAI and returns the normalized response.
// Transient errors are retried up to 3 times; rate limits back off
// progressively.
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

	return nil, fmt.Errorf("OpenAI API failed after %d retries: %w", maxRetries, lastErr)
}

func (c *Client) call(ctx context.Context, req model.Request) (*model.Response, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessageParamUnion{
			OfSystem: &openai.ChatCompletionSystemMessageParam{
				Content: openai.ChatCompletionSystemMessageParamContentUnion{
					OfString: openai.String(req.System),
				},
			},
		})
	}
	messages = append(messages, openai.ChatCompletionMessageParamUnion{
		OfUser: &openai.ChatCompletionUserMessageParam{
			Content: openai.ChatCompletionUserMessageParamContentUnion{
				OfString: openai.String(req.Prompt),
			},
		},
	})

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(c.modelName),
		Messages: messages,
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, err
	}
	if len(completion.Choices) == 0 {
		return nil, errors.New("no response from OpenAI API")
	}

	return &model.Response{
		Content:  completion.Choices[0].Message.Content,
		Model:    completion.Model,
		Provider: model.ProviderOpenAI,
		Usage: model.Usage{
			PromptTokens:     int(completion.Usage.PromptTokens),
			CompletionTokens: int(completion.Usage.CompletionTokens),
			TotalTokens:      int(completion.Usage.TotalTokens),
		},
	}, nil
}

// isTransientError determines if an error should trigger a retry.
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
		"timeout",
		"network",
		"connection",
		"temporary",
		"503",
		"502",
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
