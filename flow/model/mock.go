package model

import (
	"context"
	"sync"
)

// MockClient is a test implementation of Client.
//
// Use MockClient in tests to verify node and engine behavior without
// making actual LLM API calls. It provides:
//   - Configurable responses, returned in order
//   - Call history tracking
//   - Error injection
//   - Thread-safe operation
//
// Example usage:
//
//	mock := &MockClient{
//	    Responses: []Response{
//	        {Content: "First response"},
//	        {Content: "Second response"},
//	    },
//	}
//	resp, err := mock.Generate(ctx, Request{Prompt: "hello"})
//	// Returns "First response", then "Second response" on subsequent calls.
type MockClient struct {
	// Name is the provider identifier to report. Defaults to "mock".
	Name string

	// Responses contains the sequence of responses to return.
	// Each call to Generate returns the next response in order.
	// If all responses are consumed, the last response repeats.
	Responses []Response

	// Err, if set, is returned by Generate instead of a response.
	Err error

	// Calls tracks the history of all Generate invocations.
	Calls []Request

	mu        sync.Mutex
	callIndex int
}

// Provider implements Client.
func (m *MockClient) Provider() string {
	if m.Name == "" {
		return "mock"
	}
	return m.Name
}

// Generate implements Client. It records the call, then returns the next
// scripted response or the configured error.
func (m *MockClient) Generate(ctx context.Context, req Request) (*Response, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, req)

	if m.Err != nil {
		return nil, m.Err
	}
	if len(m.Responses) == 0 {
		resp := Response{Content: "mock response", Provider: m.Provider()}
		return &resp, nil
	}

	idx := m.callIndex
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	}
	m.callIndex++

	resp := m.Responses[idx]
	if resp.Provider == "" {
		resp.Provider = m.Provider()
	}
	return &resp, nil
}

// CallCount returns how many times Generate has been invoked.
func (m *MockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}
