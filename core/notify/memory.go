package notify

import (
	"context"
	"fmt"
	"sync"
)

// MemorySender keeps messages in memory. Fail makes every send report failure.
type MemorySender struct {
	mu   sync.Mutex
	Sent []Message
	Fail bool
}

func (m *MemorySender) Send(ctx context.Context, msg Message) Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail {
		return Result{Error: "smtp unavailable"}
	}
	m.Sent = append(m.Sent, msg)
	return Result{Success: true, MessageID: fmt.Sprintf("<mem-%d@local>", len(m.Sent))}
}

func (m *MemorySender) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.Sent...)
}
