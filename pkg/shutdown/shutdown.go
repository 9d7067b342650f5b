package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/psantana5/qrbatch/pkg/logging"
)

type hook struct {
	name string
	fn   func(context.Context) error
}

// Manager runs registered shutdown hooks in reverse order (LIFO)
type Manager struct {
	hooks    []hook
	mu       sync.Mutex
	timeout  time.Duration
	doneChan chan struct{}
	once     sync.Once
	logger   *logging.Logger
}

// New creates a new shutdown manager
func New(timeout time.Duration, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Manager{
		timeout:  timeout,
		doneChan: make(chan struct{}),
		logger:   logger.WithComponent("shutdown"),
	}
}

// Register adds a named shutdown function
func (m *Manager) Register(name string, fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, hook{name: name, fn: fn})
}

// Trigger starts shutdown without a signal
func (m *Manager) Trigger() {
	m.once.Do(func() { close(m.doneChan) })
}

// Done returns a channel that is closed when shutdown is initiated
func (m *Manager) Done() <-chan struct{} {
	return m.doneChan
}

// Wait blocks until SIGINT/SIGTERM, Trigger, or ctx is done
func (m *Manager) Wait(ctx context.Context) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		m.logger.Info("Received signal, initiating graceful shutdown", logging.Fields{"signal": sig.String()})
	case <-m.doneChan:
		m.logger.Info("Shutdown triggered")
	case <-ctx.Done():
		m.logger.Info("Context done, initiating graceful shutdown")
	}
	m.Trigger()
}

// Shutdown executes all registered hooks and returns the first error
func (m *Manager) Shutdown() error {
	m.Trigger()

	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	var firstErr error
	for i := len(m.hooks) - 1; i >= 0; i-- {
		h := m.hooks[i]
		if err := h.fn(ctx); err != nil {
			m.logger.Error("Shutdown hook failed", logging.Fields{"hook": h.name, "error": err.Error()})
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", h.name, err)
			}
			continue
		}
		m.logger.Debug("Shutdown hook done", logging.Fields{"hook": h.name})
	}
	m.hooks = nil

	m.logger.Info("Graceful shutdown complete")
	return firstErr
}

// StopHTTPServer creates a shutdown function for http.Server
func StopHTTPServer(server interface{ Shutdown(context.Context) error }) func(context.Context) error {
	return func(ctx context.Context) error {
		return server.Shutdown(ctx)
	}
}

// CloseResource creates a shutdown function for io.Closer
func CloseResource(closer interface{ Close() error }) func(context.Context) error {
	return func(ctx context.Context) error {
		return closer.Close()
	}
}
