package models

import (
	"time"

	"github.com/google/uuid"
)

// Player is one seat at a table. The ID is the subject identifier the
// identity oracle returned at admission time, so ownership checks for
// private data work without a second lookup.
type Player struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Chips       int64  `json:"chips"`
	Seat        int    `json:"seat"`
	IsActive    bool   `json:"is_active"`
	HasFolded   bool   `json:"has_folded"`
	IsReady     bool   `json:"is_ready"`
}

// PrivatePlayerData holds the per-(table, player) record that is never
// embedded in the shared Table document. Readable only by its owner.
type PrivatePlayerData struct {
	TableID   uuid.UUID `json:"table_id"`
	PlayerID  string    `json:"player_id"`
	HoleCards []Card    `json:"hole_cards"`
	UpdatedAt time.Time `json:"updated_at"`
}
