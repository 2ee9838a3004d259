package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// SessionTransport is the surface the lifecycle manager administers. The
// connection manager implements it; tests substitute fakes.
type SessionTransport interface {
	ReportedCount() int
	Sessions() ([]SessionInfo, error)
	CloseSession(path string) bool
	CloseAll() int
}

// LifecycleConfig holds the idle thresholds, the reap cadence, and the
// refresh settle-delay schedule.
type LifecycleConfig struct {
	RecentThreshold time.Duration // sessions idle below this are "recent"
	MediumThreshold time.Duration // below this, "medium"; above, "old"
	ReapThreshold   time.Duration // hard idle cutoff; the reaper closes these
	ReapInterval    time.Duration

	SettleBase time.Duration
	SettleStep time.Duration
	SettleCap  time.Duration
}

// DefaultLifecycleConfig returns the documented defaults: 5/15 minute idle
// buckets, 20 minute reap on a 1 minute cadence, settle delays escalating
// 2s, 3s, 4s ... capped at 10s.
func DefaultLifecycleConfig() LifecycleConfig {
	return LifecycleConfig{
		RecentThreshold: 5 * time.Minute,
		MediumThreshold: 15 * time.Minute,
		ReapThreshold:   20 * time.Minute,
		ReapInterval:    time.Minute,
		SettleBase:      2 * time.Second,
		SettleStep:      time.Second,
		SettleCap:       10 * time.Second,
	}
}

// normalize fills zero fields with the defaults.
func (c LifecycleConfig) normalize() LifecycleConfig {
	d := DefaultLifecycleConfig()
	if c.RecentThreshold <= 0 {
		c.RecentThreshold = d.RecentThreshold
	}
	if c.MediumThreshold <= 0 {
		c.MediumThreshold = d.MediumThreshold
	}
	if c.ReapThreshold <= 0 {
		c.ReapThreshold = d.ReapThreshold
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = d.ReapInterval
	}
	if c.SettleBase <= 0 {
		c.SettleBase = d.SettleBase
	}
	if c.SettleStep <= 0 {
		c.SettleStep = d.SettleStep
	}
	if c.SettleCap <= 0 {
		c.SettleCap = d.SettleCap
	}
	return c
}

// LifecycleStats is a point-in-time report over the transport's sessions.
type LifecycleStats struct {
	ReportedCount   int  `json:"reported_count"`
	EnumeratedCount int  `json:"enumerated_count"`
	Recent          int  `json:"recent"`
	Medium          int  `json:"medium"`
	Old             int  `json:"old"`
	Discrepancy     bool `json:"discrepancy"`
}

// LifecycleManager periodically reaps idle sessions and answers admin
// queries about the transport's population. Enumeration results are cached
// between refreshes so repeated stat reads do not hammer the transport.
type LifecycleManager struct {
	transport SessionTransport
	clock     clockwork.Clock
	config    LifecycleConfig

	mu          sync.Mutex
	cached      []SessionInfo
	cachedAt    time.Time
	haveCache   bool
	settleDelay time.Duration
}

// NewLifecycleManager creates a manager over the given transport. Zero
// config fields fall back to the defaults.
func NewLifecycleManager(transport SessionTransport, clock clockwork.Clock, config LifecycleConfig) *LifecycleManager {
	config = config.normalize()
	return &LifecycleManager{
		transport:   transport,
		clock:       clock,
		config:      config,
		settleDelay: config.SettleBase,
	}
}

// Run reaps idle sessions on the configured cadence until the context is
// done.
func (m *LifecycleManager) Run(ctx context.Context) {
	ticker := m.clock.NewTicker(m.config.ReapInterval)
	defer ticker.Stop()

	log.Info().Msg("lifecycle manager started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("lifecycle manager shutting down")
			return
		case <-ticker.Chan():
			m.reapIdle()
		}
	}
}

func (m *LifecycleManager) reapIdle() {
	sessions := m.enumerate(true)
	now := m.clock.Now()

	reaped := 0
	for _, s := range sessions {
		if now.Sub(s.LastActivity) < m.config.ReapThreshold {
			continue
		}
		if m.transport.CloseSession(s.Path) {
			reaped++
			log.Info().
				Str("path", s.Path).
				Dur("idle", now.Sub(s.LastActivity)).
				Msg("reaped idle session")
		}
	}
	if reaped > 0 {
		m.invalidate()
	}
}

// Stats buckets the sessions by idle time and flags any mismatch between
// the transport's reported count and what enumeration actually found.
func (m *LifecycleManager) Stats() LifecycleStats {
	sessions := m.enumerate(false)
	reported := m.transport.ReportedCount()
	now := m.clock.Now()

	stats := LifecycleStats{
		ReportedCount:   reported,
		EnumeratedCount: len(sessions),
		Discrepancy:     reported != len(sessions),
	}
	for _, s := range sessions {
		idle := now.Sub(s.LastActivity)
		switch {
		case idle < m.config.RecentThreshold:
			stats.Recent++
		case idle < m.config.MediumThreshold:
			stats.Medium++
		default:
			stats.Old++
		}
	}
	return stats
}

// Snapshot returns the cached session list, refreshing it when stale.
func (m *LifecycleManager) Snapshot() []SessionInfo {
	return m.enumerate(false)
}

// ClearAll force-closes every session. It returns the paths that were open
// beforehand and the count the transport still reports afterwards, which
// should be zero.
func (m *LifecycleManager) ClearAll() (closedPaths []string, remaining int) {
	sessions := m.enumerate(true)
	for _, s := range sessions {
		closedPaths = append(closedPaths, s.Path)
	}

	closed := m.transport.CloseAll()
	m.invalidate()

	remaining = m.transport.ReportedCount()
	log.Info().
		Int("closed", closed).
		Int("remaining", remaining).
		Msg("cleared all sessions")
	return closedPaths, remaining
}

// ForceFullRefresh drops the cache, waits for the transport to settle, and
// re-enumerates. Each consecutive refresh waits a little longer, up to a
// cap; a settled read resets the escalation.
func (m *LifecycleManager) ForceFullRefresh(ctx context.Context) LifecycleStats {
	m.mu.Lock()
	delay := m.settleDelay
	if m.settleDelay < m.config.SettleCap {
		m.settleDelay += m.config.SettleStep
		if m.settleDelay > m.config.SettleCap {
			m.settleDelay = m.config.SettleCap
		}
	}
	m.haveCache = false
	m.mu.Unlock()

	select {
	case <-ctx.Done():
	case <-m.clock.After(delay):
	}

	before := m.transport.ReportedCount()
	stats := m.Stats()
	if stats.ReportedCount == before && !stats.Discrepancy {
		m.mu.Lock()
		m.settleDelay = m.config.SettleBase
		m.mu.Unlock()
	}
	return stats
}

// enumerate returns the session list, consulting the cache unless force is
// set. Enumeration failures are logged and reported as an empty population.
func (m *LifecycleManager) enumerate(force bool) []SessionInfo {
	m.mu.Lock()
	if !force && m.haveCache && m.clock.Now().Sub(m.cachedAt) < m.config.ReapInterval {
		cached := m.cached
		m.mu.Unlock()
		return cached
	}
	m.mu.Unlock()

	sessions, err := m.transport.Sessions()
	if err != nil {
		log.Error().Err(err).Msg("session enumeration failed")
		return nil
	}

	m.mu.Lock()
	m.cached = sessions
	m.cachedAt = m.clock.Now()
	m.haveCache = true
	m.mu.Unlock()
	return sessions
}

func (m *LifecycleManager) invalidate() {
	m.mu.Lock()
	m.haveCache = false
	m.mu.Unlock()
}
