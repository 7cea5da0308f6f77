package listener

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/wudi/runtime-gateway/internal/logging"
)

// Listener represents a network listener that can accept connections
type Listener interface {
	// ID returns the unique identifier for this listener
	ID() string

	// Start binds the address and begins serving. Bind errors are returned
	// synchronously.
	Start(ctx context.Context) error

	// Stop gracefully stops the listener
	Stop(ctx context.Context) error

	// Addr returns the bound address, or the configured one before Start
	Addr() string
}

// Manager manages the gateway's listeners
type Manager struct {
	mu        sync.RWMutex
	listeners map[string]Listener
	order     []string
	started   []string
}

// NewManager creates a new listener manager
func NewManager() *Manager {
	return &Manager{
		listeners: make(map[string]Listener),
	}
}

// Add adds a listener to the manager
func (m *Manager) Add(l Listener) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.listeners[l.ID()]; exists {
		return fmt.Errorf("listener with id %s already exists", l.ID())
	}

	m.listeners[l.ID()] = l
	m.order = append(m.order, l.ID())
	return nil
}

// Get returns a listener by ID
func (m *Manager) Get(id string) (Listener, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.listeners[id]
	return l, ok
}

// StartAll starts listeners in the order they were added. If one fails to
// bind, the ones already started are stopped again.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range m.order {
		l := m.listeners[id]
		if err := l.Start(ctx); err != nil {
			for _, sid := range m.started {
				m.listeners[sid].Stop(ctx)
			}
			m.started = nil
			return fmt.Errorf("listener %s: %w", id, err)
		}
		m.started = append(m.started, id)
		logging.Info("Listener started", zap.String("id", id), zap.String("address", l.Addr()))
	}
	return nil
}

// StopAll gracefully stops all started listeners concurrently
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	started := make([]Listener, 0, len(m.started))
	for _, id := range m.started {
		started = append(started, m.listeners[id])
	}
	m.started = nil
	m.mu.Unlock()

	var wg sync.WaitGroup
	errCh := make(chan error, len(started))

	for _, l := range started {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logging.Info("Stopping listener", zap.String("id", l.ID()))
			if err := l.Stop(ctx); err != nil {
				errCh <- fmt.Errorf("listener %s: %w", l.ID(), err)
			}
		}()
	}

	wg.Wait()
	close(errCh)

	// Collect any errors
	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors stopping listeners: %v", errs)
	}

	return nil
}

// Count returns the number of registered listeners
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.listeners)
}

// List returns all listener IDs in start order
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}
