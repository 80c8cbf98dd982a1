package notify

import (
	"context"
	"fmt"
	"sync"
)

// Memory records published events for development mode and tests.
type Memory struct {
	mu       sync.RWMutex
	messages []Message
}

// Message captures one publish call.
type Message struct {
	Topic   string
	Payload any
}

// NewMemory returns an empty recorder.
func NewMemory() *Memory {
	return &Memory{}
}

// Publish records the message and returns a pseudo id.
func (m *Memory) Publish(_ context.Context, topic string, payload any) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, Message{Topic: topic, Payload: payload})
	return fmt.Sprintf("memory-%d", len(m.messages)), nil
}

// Messages returns the recorded publishes.
func (m *Memory) Messages() []Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Message, len(m.messages))
	copy(out, m.messages)
	return out
}
