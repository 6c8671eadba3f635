// Package lifecycle provides event hooks for the proxy and its client connections.
package lifecycle

import (
	"sync"

	"github.com/neboloop/cdpproxy/internal/logging"
)

// Event types for lifecycle hooks
type Event string

const (
	// Proxy lifecycle events
	EventProxyStarted Event = "proxy_started"
	EventProxyStopped Event = "proxy_stopped"

	// Client connection events
	EventClientConnected    Event = "client_connected"
	EventClientDisconnected Event = "client_disconnected"

	// Target registration events
	EventTargetRegistered Event = "target_registered"
	EventTargetNotFound   Event = "target_not_found"
)

// Handler is a function that handles a lifecycle event
type Handler func(event Event, data any)

// Manager manages lifecycle event subscriptions and dispatching
type Manager struct {
	mu       sync.RWMutex
	handlers map[Event][]Handler
}

// NewManager returns an empty manager. Most callers use the global one.
func NewManager() *Manager {
	return &Manager{handlers: make(map[Event][]Handler)}
}

// Global lifecycle manager
var global = NewManager()

// Global returns the process-wide manager used by On and Emit.
func Global() *Manager {
	return global
}

// On registers a handler for a lifecycle event
func On(event Event, handler Handler) {
	global.On(event, handler)
}

// Emit dispatches an event to all registered handlers
func Emit(event Event, data any) {
	global.Emit(event, data)
}

// On registers a handler for a lifecycle event
func (m *Manager) On(event Event, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[event] = append(m.handlers[event], handler)
}

// Emit dispatches an event to all registered handlers
func (m *Manager) Emit(event Event, data any) {
	m.mu.RLock()
	handlers := m.handlers[event]
	m.mu.RUnlock()

	logging.Debugf("[lifecycle] Emitting event: %s", event)
	for _, h := range handlers {
		// Run handlers synchronously (they can spawn goroutines if needed)
		h(event, data)
	}
}

// ProxyEventData contains data for proxy start and stop events
type ProxyEventData struct {
	Port        int
	UpstreamURL string
}

// ClientEventData contains data for client connection events
type ClientEventData struct {
	ConnectionID string
	ProjectID    string
}

// TargetEventData contains data for target registration events.
// TargetID is empty for EventTargetNotFound.
type TargetEventData struct {
	ProjectID string
	TargetID  string
	ViewURL   string
}

// OnProxyStarted registers a handler for proxy started events
func (m *Manager) OnProxyStarted(handler func(data ProxyEventData)) {
	m.On(EventProxyStarted, func(e Event, data any) {
		if d, ok := data.(ProxyEventData); ok {
			handler(d)
		}
	})
}

// OnClientConnected registers a handler for client connected events
func (m *Manager) OnClientConnected(handler func(data ClientEventData)) {
	m.On(EventClientConnected, func(e Event, data any) {
		if d, ok := data.(ClientEventData); ok {
			handler(d)
		}
	})
}

// OnClientDisconnected registers a handler for client disconnected events
func (m *Manager) OnClientDisconnected(handler func(data ClientEventData)) {
	m.On(EventClientDisconnected, func(e Event, data any) {
		if d, ok := data.(ClientEventData); ok {
			handler(d)
		}
	})
}

// OnTargetRegistered registers a handler for target registered events
func (m *Manager) OnTargetRegistered(handler func(data TargetEventData)) {
	m.On(EventTargetRegistered, func(e Event, data any) {
		if d, ok := data.(TargetEventData); ok {
			handler(d)
		}
	})
}

// OnTargetNotFound registers a handler for failed registrations
func (m *Manager) OnTargetNotFound(handler func(data TargetEventData)) {
	m.On(EventTargetNotFound, func(e Event, data any) {
		if d, ok := data.(TargetEventData); ok {
			handler(d)
		}
	})
}

// EmitAsync dispatches an event asynchronously
func (m *Manager) EmitAsync(event Event, data any) {
	go m.Emit(event, data)
}
