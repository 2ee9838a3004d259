package gateway

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/feltlabs/felt/go/internal/models"
)

// TableEvent is the envelope every websocket client receives. Data always
// carries a full table snapshot (or nothing for TableRemoved); clients
// replace their local copy wholesale, never merge.
type TableEvent struct {
	ID        string          `json:"id"`
	TableID   string          `json:"table_id"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// EventType classifies a table change for clients.
type EventType string

const (
	EventTypeTableUpdated  EventType = "TableUpdated"
	EventTypePhaseChanged  EventType = "PhaseChanged"
	EventTypePlayerJoined  EventType = "PlayerJoined"
	EventTypePlayerLeft    EventType = "PlayerLeft"
	EventTypeTableRemoved  EventType = "TableRemoved"
	EventTypePrivateUpdate EventType = "PrivateDataUpdated"
)

// newSnapshotEvent wraps a snapshot in an envelope of the given type.
func newSnapshotEvent(eventType EventType, table *models.Table) (*TableEvent, error) {
	data, err := json.Marshal(table)
	if err != nil {
		return nil, err
	}
	return &TableEvent{
		ID:        uuid.New().String(),
		TableID:   table.ID.String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}, nil
}

// newPrivateDataEvent wraps a per-player record. It is only ever delivered
// to the owning subject's sessions.
func newPrivateDataEvent(data *models.PrivatePlayerData) (*TableEvent, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &TableEvent{
		ID:        uuid.New().String(),
		TableID:   data.TableID.String(),
		Type:      EventTypePrivateUpdate,
		Timestamp: time.Now().UTC(),
		Data:      payload,
	}, nil
}

// newRemovedEvent signals that the table no longer exists; terminal for
// every subscriber of that id.
func newRemovedEvent(tableID uuid.UUID) *TableEvent {
	return &TableEvent{
		ID:        uuid.New().String(),
		TableID:   tableID.String(),
		Type:      EventTypeTableRemoved,
		Timestamp: time.Now().UTC(),
	}
}

// classifyChange picks the event type by comparing consecutive snapshots.
func classifyChange(prev, next *models.Table) EventType {
	if prev == nil {
		return EventTypeTableUpdated
	}
	if next.Phase != prev.Phase {
		return EventTypePhaseChanged
	}
	if len(next.Players) > len(prev.Players) {
		return EventTypePlayerJoined
	}
	if len(next.Players) < len(prev.Players) {
		return EventTypePlayerLeft
	}
	return EventTypeTableUpdated
}
