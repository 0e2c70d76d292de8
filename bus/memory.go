package bus

import (
	"context"
	"sync"
	"time"
)

// MemoryBus is an in-process Bus used by session/ems tests in place of a
// real S2 runtime, the way scheduler_test.go substitutes an httptest
// server for the real ENTSO-E endpoint and miners_test.go substitutes
// minerDiscoveryFunc for real network discovery.
type MemoryBus struct {
	mu       sync.Mutex
	connects map[string]bool // clientID -> accept Connect()
	signals  chan Signal

	ConnectCalls   []string
	KeepAliveCalls []string
	MessagesSent   []SentMessage
}

// SentMessage records one outbound Message() call, for test assertions.
type SentMessage struct {
	ClientID string
	Payload  string
}

// NewMemoryBus constructs a MemoryBus that accepts Connect() for every
// client id by default.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		connects: make(map[string]bool),
		signals:  make(chan Signal, 256),
	}
}

// SetAccept controls whether Connect(clientID, ...) succeeds.
func (m *MemoryBus) SetAccept(clientID string, accept bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connects[clientID] = accept
}

func (m *MemoryBus) Connect(ctx context.Context, clientID string, keepAliveInterval time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ConnectCalls = append(m.ConnectCalls, clientID)
	accept, seen := m.connects[clientID]
	if !seen {
		return true, nil
	}
	return accept, nil
}

func (m *MemoryBus) KeepAlive(ctx context.Context, clientID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.KeepAliveCalls = append(m.KeepAliveCalls, clientID)
	accept, seen := m.connects[clientID]
	if !seen {
		return true, nil
	}
	return accept, nil
}

func (m *MemoryBus) Message(ctx context.Context, clientID string, payload string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MessagesSent = append(m.MessagesSent, SentMessage{ClientID: clientID, Payload: payload})
	return nil
}

func (m *MemoryBus) Signals() <-chan Signal { return m.signals }

// Emit injects a broadcast signal as if it came from the remote runtime.
func (m *MemoryBus) Emit(sig Signal) { m.signals <- sig }

func (m *MemoryBus) Close() error {
	close(m.signals)
	return nil
}
