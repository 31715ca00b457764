package config

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Manager hands out immutable config snapshots and applies validated
// updates atomically. Readers never block writers.
type Manager struct {
	current atomic.Pointer[Config]

	mu          sync.Mutex
	subscribers []func(*Config)
}

// NewManager wraps an already-validated configuration.
func NewManager(cfg *Config) *Manager {
	m := &Manager{}
	m.current.Store(cfg)
	return m
}

// Snapshot returns the current configuration. The returned value must
// be treated as read-only.
func (m *Manager) Snapshot() *Config {
	return m.current.Load()
}

// Update validates and installs a new configuration, then notifies
// subscribers. A failed validation leaves the current config in
// place.
func (m *Manager) Update(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config update rejected: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.current.Store(cfg)
	for _, fn := range m.subscribers {
		fn(cfg)
	}
	return nil
}

// Subscribe registers a callback invoked after every successful
// Update.
func (m *Manager) Subscribe(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}
