package model

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
)

// KeyResolver resolves the API key to use for a provider on behalf of a
// user. Returning an empty key with a nil error means "no key configured";
// a non-nil error aborts client selection entirely.
type KeyResolver interface {
	ResolveKey(ctx context.Context, userID, provider string) (string, error)
}

// EnvKeyResolver resolves keys from the process environment, ignoring the
// user ID. It looks up OPENAI_API_KEY, ANTHROPIC_API_KEY, or GOOGLE_API_KEY
// depending on the provider.
type EnvKeyResolver struct{}

// ResolveKey implements KeyResolver.
func (EnvKeyResolver) ResolveKey(_ context.Context, _ string, provider string) (string, error) {
	switch provider {
	case ProviderOpenAI:
		return os.Getenv("OPENAI_API_KEY"), nil
	case ProviderAnthropic:
		return os.Getenv("ANTHROPIC_API_KEY"), nil
	case ProviderGoogle:
		return os.Getenv("GOOGLE_API_KEY"), nil
	default:
		return "", fmt.Errorf("unknown provider %q", provider)
	}
}

// Factory builds a provider client from a resolved API key and model name.
// Adapters in the provider subpackages export a compatible constructor.
type Factory func(ctx context.Context, apiKey, model string) (Client, error)

// Selector picks a provider client for each call, falling back to other
// configured providers when the requested one has no key.
type Selector struct {
	resolver  KeyResolver
	factories map[string]Factory
	order     []string
	logger    zerolog.Logger
}

// SelectorOption configures a Selector.
type SelectorOption func(*Selector)

// WithFactory registers the client constructor for a provider. Providers
// without a factory are skipped during selection.
func WithFactory(provider string, factory Factory) SelectorOption {
	return func(s *Selector) {
		s.factories[provider] = factory
	}
}

// WithFallbackOrder overrides the provider order tried when the requested
// provider has no key. The default is openai, anthropic, google.
func WithFallbackOrder(providers ...string) SelectorOption {
	return func(s *Selector) {
		s.order = providers
	}
}

// WithFallbackLogger sets the logger used to note provider fallbacks.
func WithFallbackLogger(logger zerolog.Logger) SelectorOption {
	return func(s *Selector) {
		s.logger = logger
	}
}

// NewSelector creates a Selector over the given resolver. Without
// WithFactory options the selector has no providers and every ClientFor
// call returns ErrNoProviderKey.
func NewSelector(resolver KeyResolver, opts ...SelectorOption) *Selector {
	s := &Selector{
		resolver:  resolver,
		factories: make(map[string]Factory),
		order:     []string{ProviderOpenAI, ProviderAnthropic, ProviderGoogle},
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ClientFor returns a client for the requested provider, or for the first
// fallback provider with a usable key when the requested one has none.
// Selection is deterministic: the requested provider is always tried first,
// then the fallback order with the requested provider removed. When no
// provider yields a key, ClientFor returns ErrNoProviderKey.
func (s *Selector) ClientFor(ctx context.Context, userID, provider, model string) (Client, error) {
	candidates := make([]string, 0, len(s.order)+1)
	if provider != "" {
		candidates = append(candidates, provider)
	}
	for _, p := range s.order {
		if p != provider {
			candidates = append(candidates, p)
		}
	}

	for _, candidate := range candidates {
		factory, ok := s.factories[candidate]
		if !ok {
			continue
		}
		key, err := s.resolver.ResolveKey(ctx, userID, candidate)
		if err != nil {
			// A resolver failure for one provider should not mask a
			// usable key on the next candidate.
			s.logger.Warn().
				Str("provider", candidate).
				Err(err).
				Msg("key resolution failed")
			continue
		}
		if key == "" {
			continue
		}
		if candidate != provider && provider != "" {
			s.logger.Info().
				Str("requested", provider).
				Str("using", candidate).
				Msg("provider fallback")
		}
		client, err := factory(ctx, key, model)
		if err != nil {
			return nil, fmt.Errorf("failed to build %s client: %w", candidate, err)
		}
		return client, nil
	}

	return nil, ErrNoProviderKey
}
