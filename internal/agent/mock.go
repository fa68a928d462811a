package agent

import (
	"context"
	"sync"
)

// MockCall records one invocation made against a MockProvider.
type MockCall struct {
	Kind string // "analyze" or "chat"
	Invocation
}

type scripted struct {
	result Result
	err    error
}

// MockProvider returns scripted results in order and records every
// invocation. It backs tests and the "mock" provider mode, which lets the
// service run without model credentials.
type MockProvider struct {
	mu    sync.Mutex
	queue []scripted
	calls []MockCall
}

// NewMockProvider creates a MockProvider preloaded with results.
func NewMockProvider(results ...Result) *MockProvider {
	m := &MockProvider{}
	for _, r := range results {
		m.queue = append(m.queue, scripted{result: r})
	}
	return m
}

// Enqueue appends a scripted result.
func (m *MockProvider) Enqueue(r Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, scripted{result: r})
}

// EnqueueError appends a scripted failure.
func (m *MockProvider) EnqueueError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, scripted{err: err})
}

// Analyze pops the next scripted result.
func (m *MockProvider) Analyze(_ context.Context, inv Invocation) (Result, error) {
	return m.next("analyze", inv)
}

// Chat pops the next scripted result.
func (m *MockProvider) Chat(_ context.Context, inv Invocation) (Result, error) {
	return m.next("chat", inv)
}

// Calls returns a copy of the recorded invocations.
func (m *MockProvider) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// LastCall returns the most recent invocation, or a zero MockCall.
func (m *MockProvider) LastCall() MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) == 0 {
		return MockCall{}
	}
	return m.calls[len(m.calls)-1]
}

func (m *MockProvider) next(kind string, inv Invocation) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, MockCall{Kind: kind, Invocation: inv})

	if len(m.queue) == 0 {
		return Result{Text: "mock response"}, nil
	}
	s := m.queue[0]
	m.queue = m.queue[1:]
	if s.err != nil {
		return Result{}, s.err
	}
	return s.result, nil
}
