package feed

import (
	"context"
	"sync"
	"time"
)

// MonitorConfig holds tunable parameters for the Monitor.
type MonitorConfig struct {
	// StaleThreshold is the maximum age of the last event before a market
	// is considered stale.
	StaleThreshold time.Duration

	// CoolOff is the duration of continuous data required after a
	// disconnect before a market is reported healthy again.
	CoolOff time.Duration
}

// DefaultMonitorConfig returns production-tuned defaults.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		StaleThreshold: 10 * time.Second,
		CoolOff:        2 * time.Second,
	}
}

// marketState tracks health for a single (exchange, symbol) pair.
type marketState struct {
	LastEvent time.Time
	// RecoveredAt is set when a market transitions disconnected→live.
	// Healthy reports false until CoolOff has elapsed past it.
	RecoveredAt time.Time
	Live        bool
}

// Monitor consumes a broadcast event stream and tracks per-market data
// freshness. Disconnect events mark a market down; fresh data after a
// disconnect starts a cool-off window. Consumers use Healthy to gate logic
// that must not act on stale order book state.
type Monitor struct {
	cfg  MonitorConfig
	feed <-chan Event

	mu      sync.RWMutex
	markets map[streamKey]*marketState

	nowFunc func() time.Time // injectable clock for testing
}

// NewMonitor creates a Monitor over the given event feed, typically a
// Broadcaster's SubscribeAll channel.
func NewMonitor(cfg MonitorConfig, feed <-chan Event) *Monitor {
	return &Monitor{
		cfg:     cfg,
		feed:    feed,
		markets: make(map[streamKey]*marketState),
		nowFunc: time.Now,
	}
}

// Healthy reports whether the market has fresh data: at least one event
// seen, the last event within StaleThreshold, no unresolved disconnect,
// and the post-reconnect cool-off elapsed.
func (m *Monitor) Healthy(exchange Exchange, symbol string) bool {
	key := streamKey{Exchange: exchange, Symbol: symbol}
	now := m.nowFunc()

	m.mu.RLock()
	ms, ok := m.markets[key]
	m.mu.RUnlock()

	if !ok || !ms.Live {
		return false
	}
	if now.Sub(ms.LastEvent) > m.cfg.StaleThreshold {
		return false
	}
	if !ms.RecoveredAt.IsZero() && now.Sub(ms.RecoveredAt) < m.cfg.CoolOff {
		return false
	}
	return true
}

// Run consumes the feed, updating per-market state. It blocks until ctx is
// cancelled or the feed is closed.
func (m *Monitor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-m.feed:
			if !ok {
				return
			}
			m.record(ev)
		}
	}
}

func (m *Monitor) record(ev Event) {
	meta := ev.Meta()
	key := streamKey{Exchange: meta.Exchange, Symbol: meta.Symbol}
	now := m.nowFunc()

	m.mu.Lock()
	ms, ok := m.markets[key]
	if !ok {
		ms = &marketState{}
		m.markets[key] = ms
	}

	if _, isDisconnect := ev.(Disconnect); isDisconnect {
		ms.Live = false
		m.mu.Unlock()
		return
	}

	if !ms.Live {
		ms.RecoveredAt = now
	}
	ms.Live = true
	ms.LastEvent = now
	m.mu.Unlock()
}
