package monday

import (
	"context"
	"strings"
	"sync"

	"github.com/goccy/go-json"
)

type call struct {
	query string
	vars  map[string]any
}

// stubExecutor answers GraphQL operations from a handler and records calls.
type stubExecutor struct {
	mu      sync.Mutex
	calls   []call
	handler func(query string, vars map[string]any) (string, error)
}

func (s *stubExecutor) ExecuteQuery(_ context.Context, query string, vars map[string]any) (json.RawMessage, error) {
	s.mu.Lock()
	s.calls = append(s.calls, call{query: query, vars: vars})
	h := s.handler
	s.mu.Unlock()

	out, err := h(query, vars)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(out), nil
}

func (s *stubExecutor) count(substr string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if strings.Contains(c.query, substr) {
			n++
		}
	}
	return n
}
