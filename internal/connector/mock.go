package connector

import (
	"context"
	"fmt"
	"sync"
)

// MockDispatcher provides deterministic local results when no gateway is
// configured. Tests override Err or Results to script outcomes.
type MockDispatcher struct {
	mu      sync.Mutex
	calls   []Invocation
	Err     error
	Results map[Tool]string
}

func NewMockDispatcher() *MockDispatcher {
	return &MockDispatcher{}
}

func (m *MockDispatcher) Dispatch(ctx context.Context, inv Invocation) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	default:
	}

	m.mu.Lock()
	m.calls = append(m.calls, inv)
	err := m.Err
	canned, ok := m.Results[inv.Tool]
	m.mu.Unlock()

	if err != nil {
		return Result{}, err
	}
	if ok {
		return Result{Content: canned}, nil
	}
	return Result{Content: fmt.Sprintf("done: %s", inv.Tool)}, nil
}

// Calls returns a copy of every invocation seen so far.
func (m *MockDispatcher) Calls() []Invocation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Invocation, len(m.calls))
	copy(out, m.calls)
	return out
}
