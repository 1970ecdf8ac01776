package llm

import (
	"context"
	"sync"
)

// MockClient is a test double for the LLM Client interface.
// Responses are consumed in order; once exhausted the last one repeats.
// It is safe for concurrent use.
type MockClient struct {
	Responses []*Response
	Err       error

	mu    sync.Mutex
	Calls []Request // records requests sent
}

// Complete records the call and returns the next mock response.
func (m *MockClient) Complete(ctx context.Context, req Request) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, req)
	if m.Err != nil {
		return nil, m.Err
	}
	if len(m.Responses) == 0 {
		return &Response{Provider: "mock"}, nil
	}
	idx := len(m.Calls) - 1
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	}
	return m.Responses[idx], nil
}

// CallCount returns the number of recorded calls.
func (m *MockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}
