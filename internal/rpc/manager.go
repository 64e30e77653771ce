package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// healthFanoutTimeout bounds the whole parallel health sweep.
const healthFanoutTimeout = 10 * time.Second

// Client is one managed daemon connection.
type Client interface {
	Name() string
	HealthCheck(ctx context.Context) error
	Close() error
}

// ServiceHealth is one daemon's probe outcome. The struct marshals into
// the heartbeat row's details column.
type ServiceHealth struct {
	Service   string `json:"service"`
	Healthy   bool   `json:"healthy"`
	Detail    string `json:"detail,omitempty"`
	ElapsedMs int64  `json:"elapsed_ms"`
}

// Manager keeps the daemon clients and sweeps their health in parallel.
type Manager struct {
	mu      sync.RWMutex
	clients []Client
}

// NewManager creates an empty client registry.
func NewManager() *Manager {
	return &Manager{}
}

// Register adds a client. Registration order is preserved in health output.
func (m *Manager) Register(c Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients = append(m.clients, c)
}

// HealthCheckAll probes every client in parallel under one deadline. A
// probe that panics or outlives the deadline marks its service unhealthy;
// it never fails the sweep or the other probes.
func (m *Manager) HealthCheckAll(ctx context.Context) []ServiceHealth {
	m.mu.RLock()
	clients := make([]Client, len(m.clients))
	copy(clients, m.clients)
	m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, healthFanoutTimeout)
	defer cancel()

	results := make([]ServiceHealth, len(clients))
	var wg sync.WaitGroup
	for i, c := range clients {
		wg.Add(1)
		go func(i int, c Client) {
			defer wg.Done()

			start := time.Now()
			done := make(chan error, 1)
			go func() {
				done <- probe(ctx, c)
			}()

			var err error
			select {
			case err = <-done:
			case <-ctx.Done():
				err = fmt.Errorf("health probe timed out: %w", ctx.Err())
			}

			health := ServiceHealth{
				Service:   c.Name(),
				Healthy:   err == nil,
				ElapsedMs: time.Since(start).Milliseconds(),
			}
			if err != nil {
				health.Detail = err.Error()
			}
			results[i] = health
		}(i, c)
	}
	wg.Wait()

	return results
}

// probe shields the sweep from a panicking health check.
func probe(ctx context.Context, c Client) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("health probe panic: %v", r)
		}
	}()
	return c.HealthCheck(ctx)
}

// CloseAll closes every client and joins their errors.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, c := range m.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", c.Name(), err))
		}
	}
	m.clients = nil
	return errors.Join(errs...)
}
