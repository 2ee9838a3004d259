package gateway

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/feltlabs/felt/go/internal/models"
	"github.com/feltlabs/felt/go/internal/tablestore"
)

// bridgeConsumerID identifies the gateway's subscriptions at the store so
// they never collide with other consumers of the same table.
const bridgeConsumerID = "gateway"

// SubscriptionBridge holds exactly one store subscription per table that
// has live websocket observers. The connection manager's pool hooks drive
// the refcounting: the first session on a table opens the subscription,
// the last one closing tears it down.
type SubscriptionBridge struct {
	stores  *tablestore.Factory
	manager *ConnectionManager
	timers  *TurnTimers
	ctx     context.Context

	mu      sync.Mutex
	cancels map[uuid.UUID]tablestore.CancelFunc
	prev    map[uuid.UUID]*models.Table
}

// NewSubscriptionBridge wires the bridge into the connection manager's
// pool hooks. The context bounds the lifetime of all subscriptions.
// timers may be nil when no countdown is wanted.
func NewSubscriptionBridge(ctx context.Context, stores *tablestore.Factory, manager *ConnectionManager, timers *TurnTimers) *SubscriptionBridge {
	b := &SubscriptionBridge{
		stores:  stores,
		manager: manager,
		timers:  timers,
		ctx:     ctx,
		cancels: make(map[uuid.UUID]tablestore.CancelFunc),
		prev:    make(map[uuid.UUID]*models.Table),
	}
	manager.SetPoolHooks(b.tableObserved, b.tableAbandoned)
	return b
}

func (b *SubscriptionBridge) tableObserved(tableID uuid.UUID) {
	b.mu.Lock()
	if _, exists := b.cancels[tableID]; exists {
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	cancel, err := b.stores.StoreFor(tableID).Subscribe(b.ctx, tableID, bridgeConsumerID, func(table *models.Table) {
		b.onSnapshot(tableID, table)
	})
	if err != nil {
		log.Error().Err(err).Str("table_id", tableID.String()).Msg("failed to subscribe to table updates")
		return
	}

	b.mu.Lock()
	b.cancels[tableID] = cancel
	b.mu.Unlock()

	log.Debug().Str("table_id", tableID.String()).Msg("opened table subscription")
}

func (b *SubscriptionBridge) tableAbandoned(tableID uuid.UUID) {
	b.mu.Lock()
	cancel, exists := b.cancels[tableID]
	delete(b.cancels, tableID)
	delete(b.prev, tableID)
	b.mu.Unlock()

	if exists {
		cancel()
		log.Debug().Str("table_id", tableID.String()).Msg("closed table subscription")
	}
	if b.timers != nil {
		b.timers.Stop(tableID)
	}
}

// onSnapshot converts a store snapshot into an event for the table's pool.
// A nil snapshot means the table was deleted and the stream is over.
func (b *SubscriptionBridge) onSnapshot(tableID uuid.UUID, table *models.Table) {
	if table == nil {
		b.manager.BroadcastToTable(tableID, newRemovedEvent(tableID))
		return
	}

	b.mu.Lock()
	prev := b.prev[tableID]
	b.prev[tableID] = table
	b.mu.Unlock()

	if b.timers != nil {
		b.timers.Observe(tableID, table)
	}

	event, err := newSnapshotEvent(classifyChange(prev, table), table)
	if err != nil {
		log.Error().Err(err).Str("table_id", tableID.String()).Msg("failed to build snapshot event")
		return
	}
	b.manager.BroadcastToTable(tableID, event)
}

// Close tears down every open subscription.
func (b *SubscriptionBridge) Close() {
	b.mu.Lock()
	cancels := b.cancels
	b.cancels = make(map[uuid.UUID]tablestore.CancelFunc)
	b.prev = make(map[uuid.UUID]*models.Table)
	b.mu.Unlock()

	for id, cancel := range cancels {
		cancel()
		log.Debug().Str("table_id", id.String()).Msg("closed table subscription")
	}
	if b.timers != nil {
		b.timers.StopAll()
	}
}
