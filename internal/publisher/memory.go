package publisher

import (
	"context"
	"fmt"
	"sync"
)

// Message is one record captured by the in-memory publisher.
type Message struct {
	Topic   string
	Payload any
}

// Memory collects published messages in process. Used in tests and when no
// notification backend is configured.
type Memory struct {
	mu       sync.Mutex
	messages []Message
}

// NewMemory returns an empty in-memory publisher.
func NewMemory() *Memory {
	return &Memory{}
}

// Publish records the message and returns a sequential ID.
func (m *Memory) Publish(ctx context.Context, topic string, payload any) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, Message{Topic: topic, Payload: payload})
	return fmt.Sprintf("mem-%d", len(m.messages)), nil
}

// Messages returns a copy of everything published so far.
func (m *Memory) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.messages))
	copy(out, m.messages)
	return out
}

// Close is a no-op.
func (m *Memory) Close() error {
	return nil
}
