package service

import (
	"context"
	"sync"
)

// ─────────────────────────────────────────────────────────────
// EventEmitter: decouples services from whoever listens
// ─────────────────────────────────────────────────────────────

// Event names published by the services.
const (
	EventQueryLifecycle    = "query:lifecycle"
	EventConnectionChanged = "connection:changed"
	EventConnectionTested  = "connection:tested"
	EventSavedQueryChanged = "saved_query:changed"
)

// EventEmitter receives notifications from the services. The MCP server
// forwards them as logging notifications; tests record them.
type EventEmitter interface {
	Emit(ctx context.Context, event string, data any)
}

type nopEmitter struct{}

func (nopEmitter) Emit(context.Context, string, any) {}

// MockEmitter is a test-friendly EventEmitter that records all calls.
type MockEmitter struct {
	mu     sync.Mutex
	Events []EmittedEvent
}

// EmittedEvent holds a single recorded emission for test assertions.
type EmittedEvent struct {
	Event string
	Data  any
}

func (m *MockEmitter) Emit(_ context.Context, event string, data any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, EmittedEvent{Event: event, Data: data})
}

// Named returns the recorded payloads for event, in emission order.
func (m *MockEmitter) Named(event string) []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []any
	for _, e := range m.Events {
		if e.Event == event {
			out = append(out, e.Data)
		}
	}
	return out
}

// ChangeEvent is the payload of the *:changed events.
type ChangeEvent struct {
	ID     string `json:"id"`
	Action string `json:"action"` // created | updated | deleted
}
