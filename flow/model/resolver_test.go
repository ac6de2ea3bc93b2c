package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

// mapResolver resolves keys from a fixed map; providers absent from the
// map have no key. errOn simulates a resolver outage for one provider.
type mapResolver struct {
	keys  map[string]string
	errOn string
}

func (r mapResolver) ResolveKey(_ context.Context, _ string, provider string) (string, error) {
	if provider == r.errOn {
		return "", fmt.Errorf("resolver outage for %s", provider)
	}
	return r.keys[provider], nil
}

// recordingFactory builds MockClients tagged with the provider and records
// the keys it saw.
func recordingFactory(provider string, seen *[]string) Factory {
	return func(_ context.Context, apiKey, _ string) (Client, error) {
		*seen = append(*seen, provider+":"+apiKey)
		return &MockClient{Name: provider}, nil
	}
}

func TestSelector_RequestedProviderWithKey(t *testing.T) {
	var seen []string
	s := NewSelector(mapResolver{keys: map[string]string{
		ProviderOpenAI:    "sk-openai",
		ProviderAnthropic: "sk-anthropic",
	}},
		WithFactory(ProviderOpenAI, recordingFactory(ProviderOpenAI, &seen)),
		WithFactory(ProviderAnthropic, recordingFactory(ProviderAnthropic, &seen)),
	)

	client, err := s.ClientFor(context.Background(), "u1", ProviderAnthropic, "claude-x")
	if err != nil {
		t.Fatalf("ClientFor failed: %v", err)
	}
	if client.Provider() != ProviderAnthropic {
		t.Errorf("Provider() = %q, want requested provider", client.Provider())
	}
	if len(seen) != 1 || seen[0] != "anthropic:sk-anthropic" {
		t.Errorf("factory calls = %v, want only the requested provider", seen)
	}
}

func TestSelector_FallsBackInOrder(t *testing.T) {
	var seen []string
	s := NewSelector(mapResolver{keys: map[string]string{
		ProviderGoogle: "gk",
	}},
		WithFactory(ProviderOpenAI, recordingFactory(ProviderOpenAI, &seen)),
		WithFactory(ProviderAnthropic, recordingFactory(ProviderAnthropic, &seen)),
		WithFactory(ProviderGoogle, recordingFactory(ProviderGoogle, &seen)),
	)

	client, err := s.ClientFor(context.Background(), "u1", ProviderOpenAI, "gpt-x")
	if err != nil {
		t.Fatalf("ClientFor failed: %v", err)
	}
	if client.Provider() != ProviderGoogle {
		t.Errorf("Provider() = %q, want google as the only keyed fallback", client.Provider())
	}
}

func TestSelector_FallbackOrderOverride(t *testing.T) {
	var seen []string
	keys := map[string]string{
		ProviderAnthropic: "ak",
		ProviderGoogle:    "gk",
	}
	s := NewSelector(mapResolver{keys: keys},
		WithFactory(ProviderAnthropic, recordingFactory(ProviderAnthropic, &seen)),
		WithFactory(ProviderGoogle, recordingFactory(ProviderGoogle, &seen)),
		WithFallbackOrder(ProviderGoogle, ProviderAnthropic),
	)

	client, err := s.ClientFor(context.Background(), "u1", "", "")
	if err != nil {
		t.Fatalf("ClientFor failed: %v", err)
	}
	if client.Provider() != ProviderGoogle {
		t.Errorf("Provider() = %q, want google per the override order", client.Provider())
	}
}

func TestSelector_SkipsProvidersWithoutFactory(t *testing.T) {
	var seen []string
	s := NewSelector(mapResolver{keys: map[string]string{
		ProviderOpenAI:    "ok",
		ProviderAnthropic: "ak",
	}},
		// openai has a key but no factory; anthropic has both.
		WithFactory(ProviderAnthropic, recordingFactory(ProviderAnthropic, &seen)),
	)

	client, err := s.ClientFor(context.Background(), "u1", ProviderOpenAI, "")
	if err != nil {
		t.Fatalf("ClientFor failed: %v", err)
	}
	if client.Provider() != ProviderAnthropic {
		t.Errorf("Provider() = %q, want the factory-backed provider", client.Provider())
	}
}

func TestSelector_ResolverErrorDoesNotMaskFallback(t *testing.T) {
	var seen []string
	s := NewSelector(mapResolver{
		keys:  map[string]string{ProviderAnthropic: "ak"},
		errOn: ProviderOpenAI,
	},
		WithFactory(ProviderOpenAI, recordingFactory(ProviderOpenAI, &seen)),
		WithFactory(ProviderAnthropic, recordingFactory(ProviderAnthropic, &seen)),
	)

	client, err := s.ClientFor(context.Background(), "u1", ProviderOpenAI, "")
	if err != nil {
		t.Fatalf("ClientFor failed: %v", err)
	}
	if client.Provider() != ProviderAnthropic {
		t.Errorf("Provider() = %q, want fallback past the resolver outage", client.Provider())
	}
}

func TestSelector_FactoryErrorAborts(t *testing.T) {
	buildErr := errors.New("bad credentials")
	s := NewSelector(mapResolver{keys: map[string]string{ProviderOpenAI: "ok"}},
		WithFactory(ProviderOpenAI, func(context.Context, string, string) (Client, error) {
			return nil, buildErr
		}),
	)

	_, err := s.ClientFor(context.Background(), "u1", ProviderOpenAI, "")
	if err == nil {
		t.Fatal("expected a build error")
	}
	if !errors.Is(err, buildErr) {
		t.Errorf("error = %v, want wrapped factory error", err)
	}
	if !strings.Contains(err.Error(), "failed to build openai client") {
		t.Errorf("error message = %q, want provider named", err.Error())
	}
}

func TestSelector_NoKeysAnywhere(t *testing.T) {
	var seen []string
	s := NewSelector(mapResolver{},
		WithFactory(ProviderOpenAI, recordingFactory(ProviderOpenAI, &seen)),
		WithFactory(ProviderAnthropic, recordingFactory(ProviderAnthropic, &seen)),
	)

	_, err := s.ClientFor(context.Background(), "u1", ProviderOpenAI, "")
	if !errors.Is(err, ErrNoProviderKey) {
		t.Errorf("error = %v, want ErrNoProviderKey", err)
	}
	if len(seen) != 0 {
		t.Errorf("factory calls = %v, want none without keys", seen)
	}
}

func TestSelector_NoFactoriesAtAll(t *testing.T) {
	s := NewSelector(mapResolver{keys: map[string]string{ProviderOpenAI: "ok"}})
	_, err := s.ClientFor(context.Background(), "u1", "", "")
	if !errors.Is(err, ErrNoProviderKey) {
		t.Errorf("error = %v, want ErrNoProviderKey", err)
	}
}

func TestEnvKeyResolver(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "env-openai")
	t.Setenv("ANTHROPIC_API_KEY", "env-anthropic")
	t.Setenv("GOOGLE_API_KEY", "")

	r := EnvKeyResolver{}
	ctx := context.Background()

	tests := []struct {
		provider string
		want     string
	}{
		{ProviderOpenAI, "env-openai"},
		{ProviderAnthropic, "env-anthropic"},
		{ProviderGoogle, ""},
	}
	for _, tt := range tests {
		got, err := r.ResolveKey(ctx, "ignored-user", tt.provider)
		if err != nil {
			t.Errorf("ResolveKey(%s) error = %v", tt.provider, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ResolveKey(%s) = %q, want %q", tt.provider, got, tt.want)
		}
	}

	if _, err := r.ResolveKey(ctx, "u", "cohere"); err == nil {
		t.Error("unknown provider should error")
	}
}
