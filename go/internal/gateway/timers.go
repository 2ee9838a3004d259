package gateway

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/feltlabs/felt/go/internal/models"
	"github.com/feltlabs/felt/go/internal/turntimer"
)

// ExpireFunc is invoked once per elapsed turn deadline, typically to drive
// a forced fold through a rules-engine collaborator.
type ExpireFunc func(tableID uuid.UUID)

// TurnTimers runs one countdown per observed table, fed by the bridge's
// snapshot stream. Timers appear with a table's first observer and vanish
// with its last.
type TurnTimers struct {
	clock    clockwork.Clock
	ctx      context.Context
	onExpire ExpireFunc

	mu      sync.Mutex
	entries map[uuid.UUID]*timerEntry
}

type timerEntry struct {
	ticker *turntimer.Ticker
	cancel context.CancelFunc
}

// NewTurnTimers creates the timer pool. onExpire may be nil.
func NewTurnTimers(ctx context.Context, clock clockwork.Clock, onExpire ExpireFunc) *TurnTimers {
	return &TurnTimers{
		clock:    clock,
		ctx:      ctx,
		onExpire: onExpire,
		entries:  make(map[uuid.UUID]*timerEntry),
	}
}

// Observe feeds a snapshot into the table's ticker, creating it on first
// sight.
func (tt *TurnTimers) Observe(tableID uuid.UUID, table *models.Table) {
	tt.mu.Lock()
	entry, exists := tt.entries[tableID]
	if !exists {
		ctx, cancel := context.WithCancel(tt.ctx)
		entry = &timerEntry{
			ticker: turntimer.NewTicker(tt.clock, turntimer.DefaultTickInterval),
			cancel: cancel,
		}
		tt.entries[tableID] = entry
		go entry.ticker.Run(ctx, nil, func() {
			log.Info().Str("table_id", tableID.String()).Msg("turn deadline elapsed")
			if tt.onExpire != nil {
				tt.onExpire(tableID)
			}
		})
	}
	tt.mu.Unlock()

	entry.ticker.Observe(table)
}

// Stop tears down the table's ticker, if any.
func (tt *TurnTimers) Stop(tableID uuid.UUID) {
	tt.mu.Lock()
	entry, exists := tt.entries[tableID]
	delete(tt.entries, tableID)
	tt.mu.Unlock()

	if exists {
		entry.cancel()
	}
}

// StopAll tears down every ticker.
func (tt *TurnTimers) StopAll() {
	tt.mu.Lock()
	entries := tt.entries
	tt.entries = make(map[uuid.UUID]*timerEntry)
	tt.mu.Unlock()

	for _, entry := range entries {
		entry.cancel()
	}
}
