package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const DefaultTTL = 30 * time.Minute

// Manager owns one Controller per device and drops those left idle longer
// than the TTL.
type Manager struct {
	analyzer  analyzer
	maxImages int
	ttl       time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	sessions map[string]*Controller
}

func NewManager(analyzer analyzer, maxImages int, ttl time.Duration, logger *slog.Logger) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		analyzer:  analyzer,
		maxImages: maxImages,
		ttl:       ttl,
		logger:    logger,
		now:       time.Now,
		sessions:  make(map[string]*Controller),
	}
}

// Get returns the device's controller, creating it on first use.
func (m *Manager) Get(device string) *Controller {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.sessions[device]
	if !ok {
		c = NewController(device, m.analyzer, m.maxImages)
		c.now = m.now
		c.touched = m.now()
		m.sessions[device] = c
	}
	return c
}

// Delete resets and forgets the device's controller.
func (m *Manager) Delete(device string) {
	m.mu.Lock()
	c, ok := m.sessions[device]
	delete(m.sessions, device)
	m.mu.Unlock()
	if ok {
		c.Reset()
	}
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sweep removes controllers idle for longer than the TTL and returns how
// many were removed. Running controllers are never removed.
func (m *Manager) Sweep() int {
	cutoff := m.now().Add(-m.ttl)

	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for device, c := range m.sessions {
		since, idle := c.idleSince()
		if idle && since.Before(cutoff) {
			delete(m.sessions, device)
			removed++
		}
	}
	return removed
}

// Run sweeps periodically until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	interval := m.ttl / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				m.logger.Debug("swept idle sessions", "removed", n, "remaining", m.Len())
			}
		}
	}
}
