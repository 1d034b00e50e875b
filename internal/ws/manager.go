package ws

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/dkrall/relaycore/internal/breaker"
	"github.com/dkrall/relaycore/internal/config"
)

// Manager owns the WebSocket connection pools for all upstreams that
// declare a ws_url. Each upstream gets its own breaker (named
// "<upstream>-ws") so cable flapping is tracked separately from HTTP
// failures.
type Manager struct {
	mu      sync.RWMutex
	pools   map[string][]*Conn
	handler MessageHandler
	logger  *slog.Logger
	started bool
}

// NewManager builds connections for every upstream with a ws_url. The
// handler receives all inbound channel messages; pass nil to discard them.
func NewManager(cfg *config.Config, reg *breaker.Registry, handler MessageHandler, logger *slog.Logger) *Manager {
	m := &Manager{
		pools:   make(map[string][]*Conn),
		handler: handler,
		logger:  logger,
	}

	for _, uc := range cfg.Upstreams {
		if uc.WSURL == "" {
			continue
		}
		b := reg.Add(uc.Name+"-ws", uc.BreakerConfig(cfg.Breaker))

		pool := make([]*Conn, 0, cfg.WS.PoolSize)
		for i := 0; i < cfg.WS.PoolSize; i++ {
			pool = append(pool, newConn(uc.Name, uc.WSURL, uc.Channels, cfg.WS, b, handler, logger))
		}
		m.pools[uc.Name] = pool
	}

	return m
}

// Start launches all connection loops. Safe to call once.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	for name, pool := range m.pools {
		m.logger.Info("starting websocket pool", "upstream", name, "size", len(pool))
		for _, c := range pool {
			c.Start()
		}
	}
}

// Stop closes all connections and waits for their loops to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return
	}
	for _, pool := range m.pools {
		for _, c := range pool {
			c.Stop()
		}
	}
	m.started = false
}

// Subscribe adds a channel subscription on the named upstream's pool.
func (m *Manager) Subscribe(upstream, channel string) error {
	pool, err := m.pool(upstream)
	if err != nil {
		return err
	}
	for _, c := range pool {
		c.Subscribe(channel)
	}
	return nil
}

// Unsubscribe removes a channel subscription on the named upstream's pool.
func (m *Manager) Unsubscribe(upstream, channel string) error {
	pool, err := m.pool(upstream)
	if err != nil {
		return err
	}
	for _, c := range pool {
		c.Unsubscribe(channel)
	}
	return nil
}

// Send publishes a message to a channel through the first connected member
// of the upstream's pool.
func (m *Manager) Send(upstream, channel string, data []byte) error {
	pool, err := m.pool(upstream)
	if err != nil {
		return err
	}
	var lastErr error
	for _, c := range pool {
		if lastErr = c.Send(channel, data); lastErr == nil {
			return nil
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("upstream %q has no websocket connections", upstream)
	}
	return lastErr
}

// Reconnect drops and re-establishes all connections in the upstream's
// pool. Suspended connections resume their reconnect loop.
func (m *Manager) Reconnect(upstream string) error {
	pool, err := m.pool(upstream)
	if err != nil {
		return err
	}
	for _, c := range pool {
		c.Kick()
	}
	return nil
}

// Status returns snapshots of every connection, sorted by upstream name.
func (m *Manager) Status() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Status
	for _, pool := range m.pools {
		for _, c := range pool {
			out = append(out, c.Status())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Upstream < out[j].Upstream })
	return out
}

func (m *Manager) pool(upstream string) ([]*Conn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pool, ok := m.pools[upstream]
	if !ok {
		return nil, fmt.Errorf("upstream %q has no websocket endpoint", upstream)
	}
	return pool, nil
}
