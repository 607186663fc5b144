package mock

import (
	"context"
	"strings"
	"sync"
)

// MockNotifier records every notification
type MockNotifier struct {
	mu       sync.Mutex
	messages []string
	err      error
}

func NewMockNotifier() *MockNotifier {
	return &MockNotifier{}
}

// SetError makes Notify fail with err after recording the message
func (n *MockNotifier) SetError(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.err = err
}

func (n *MockNotifier) Notify(ctx context.Context, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, text)
	return n.err
}

func (n *MockNotifier) Messages() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.messages))
	copy(out, n.messages)
	return out
}

// Joined returns every message concatenated, for substring assertions
func (n *MockNotifier) Joined() string {
	return strings.Join(n.Messages(), "\n")
}

// InlineRunner runs submitted tasks on the caller's goroutine
type InlineRunner struct{}

func (InlineRunner) Submit(task func()) error {
	task()
	return nil
}
