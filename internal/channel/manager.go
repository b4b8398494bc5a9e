package channel

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Manager owns the lifecycle of every registered Receiver: it connects each
// one with exponential backoff and reconnects on failure until the run context
// is cancelled.
type Manager struct {
	logger   *slog.Logger
	registry *Registry
	handler  EventHandler

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a Manager dispatching inbound events to handler.
func NewManager(log *slog.Logger, registry *Registry, handler EventHandler) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		logger:   log.With(slog.String("component", "channel_manager")),
		registry: registry,
		handler:  handler,
	}
}

// Start connects all receivers in the background and returns immediately.
func (m *Manager) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	m.mu.Lock()
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()

	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for _, adapter := range m.registry.List() {
			receiver, ok := adapter.(Receiver)
			if !ok {
				continue
			}
			wg.Add(1)
			go func(platform Platform, receiver Receiver) {
				defer wg.Done()
				m.runReceiver(runCtx, platform, receiver)
			}(adapter.Platform(), receiver)
		}
		wg.Wait()
	}()
}

// runReceiver keeps one receiver connected, backing off between attempts.
func (m *Manager) runReceiver(ctx context.Context, platform Platform, receiver Receiver) {
	backoff := NewBackoff(0)
	for {
		if ctx.Err() != nil {
			return
		}
		err := receiver.Connect(ctx, m.handler)
		if err == nil {
			backoff.Reset()
			// Connected; wait for cancellation before tearing down.
			<-ctx.Done()
			return
		}

		delay, ok := backoff.Next()
		if !ok {
			m.logger.Error("giving up on receiver",
				slog.String("platform", platform.String()),
				slog.Any("error", err),
			)
			return
		}
		m.logger.Warn("connect failed, retrying",
			slog.String("platform", platform.String()),
			slog.Duration("delay", delay),
			slog.Any("error", err),
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// Shutdown cancels the run context and disconnects all receivers.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.cancel = nil
	m.done = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, adapter := range m.registry.List() {
		receiver, ok := adapter.(Receiver)
		if !ok {
			continue
		}
		g.Go(func() error {
			return receiver.Disconnect(gctx)
		})
	}
	return g.Wait()
}
