package model

import (
	"context"
	"errors"
	"testing"
)

func TestMockClient_ScriptedResponsesInOrder(t *testing.T) {
	mock := &MockClient{
		Responses: []Response{
			{Content: "first"},
			{Content: "second"},
		},
	}
	ctx := context.Background()

	for i, want := range []string{"first", "second", "second", "second"} {
		resp, err := mock.Generate(ctx, Request{Prompt: "p"})
		if err != nil {
			t.Fatalf("call %d failed: %v", i, err)
		}
		if resp.Content != want {
			t.Errorf("call %d content = %q, want %q (last response repeats)", i, resp.Content, want)
		}
	}
	if mock.CallCount() != 4 {
		t.Errorf("CallCount = %d, want 4", mock.CallCount())
	}
}

func TestMockClient_DefaultResponse(t *testing.T) {
	mock := &MockClient{}
	resp, err := mock.Generate(context.Background(), Request{Prompt: "p"})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if resp.Content != "mock response" {
		t.Errorf("Content = %q, want default", resp.Content)
	}
	if resp.Provider != "mock" {
		t.Errorf("Provider = %q, want %q", resp.Provider, "mock")
	}
}

func TestMockClient_ErrorInjection(t *testing.T) {
	boom := errors.New("boom")
	mock := &MockClient{Err: boom}

	_, err := mock.Generate(context.Background(), Request{Prompt: "p"})
	if !errors.Is(err, boom) {
		t.Errorf("error = %v, want injected error", err)
	}
	if mock.CallCount() != 1 {
		t.Errorf("CallCount = %d, failing calls should still be recorded", mock.CallCount())
	}
}

func TestMockClient_RecordsRequests(t *testing.T) {
	mock := &MockClient{}
	_, _ = mock.Generate(context.Background(), Request{Prompt: "alpha", MaxTokens: 10})
	_, _ = mock.Generate(context.Background(), Request{Prompt: "beta"})

	if len(mock.Calls) != 2 {
		t.Fatalf("len(Calls) = %d, want 2", len(mock.Calls))
	}
	if mock.Calls[0].Prompt != "alpha" || mock.Calls[0].MaxTokens != 10 {
		t.Errorf("Calls[0] = %+v, want recorded request", mock.Calls[0])
	}
	if mock.Calls[1].Prompt != "beta" {
		t.Errorf("Calls[1].Prompt = %q, want %q", mock.Calls[1].Prompt, "beta")
	}
}

func TestMockClient_CanceledContext(t *testing.T) {
	mock := &MockClient{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := mock.Generate(ctx, Request{Prompt: "p"})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	if mock.CallCount() != 0 {
		t.Errorf("CallCount = %d, canceled calls should not be recorded", mock.CallCount())
	}
}

func TestMockClient_ProviderName(t *testing.T) {
	if got := (&MockClient{}).Provider(); got != "mock" {
		t.Errorf("Provider() = %q, want %q", got, "mock")
	}
	if got := (&MockClient{Name: "fake-openai"}).Provider(); got != "fake-openai" {
		t.Errorf("Provider() = %q, want %q", got, "fake-openai")
	}
}

func TestMockClient_FillsResponseProvider(t *testing.T) {
	mock := &MockClient{
		Name:      "scripted",
		Responses: []Response{{Content: "x"}},
	}
	resp, err := mock.Generate(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if resp.Provider != "scripted" {
		t.Errorf("Provider = %q, want filled from the client name", resp.Provider)
	}
}
