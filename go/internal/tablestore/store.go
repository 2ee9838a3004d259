package tablestore

import (
	"context"

	"github.com/google/uuid"

	"github.com/feltlabs/felt/go/internal/models"
)

// FieldSet names the table document fields a merge-update touches, keyed by
// JSON field name. Fields not present are left untouched by the store.
type FieldSet map[string]any

// TransformFunc computes the fields to write from the latest committed
// table value. It MUST be pure: on contention the store re-invokes it with
// a newer snapshot, so side effects would be applied more than once.
type TransformFunc func(t *models.Table) (FieldSet, error)

// SnapshotFunc receives full-table snapshots on change. Consumers replace
// their local copy wholesale; snapshots are never diffs.
type SnapshotFunc func(t *models.Table)

// CancelFunc unregisters a subscription. Idempotent: calling it twice, or
// after the transport dropped, is a no-op.
type CancelFunc func()

// Store is the capability contract shared by every table backend. Consumers
// depend only on this interface; the factory decides which backend serves a
// given table id.
type Store interface {
	// GetTable returns the current snapshot, or (nil, nil) when the table
	// does not exist. Absence is not an error.
	GetTable(ctx context.Context, id uuid.UUID) (*models.Table, error)

	// UpdateTable merges the named fields into the stored document. Last
	// write wins per field set; use UpdateTableTransactional for anything
	// that depends on the table's current value.
	UpdateTable(ctx context.Context, id uuid.UUID, fields FieldSet) error

	// ForceOverwriteTable replaces the whole record. Used only for initial
	// creation and explicit resync.
	ForceOverwriteTable(ctx context.Context, table *models.Table) error

	// UpdateTableTransactional applies transform atomically with bounded
	// retry, surfacing ErrTransactionConflict once the budget is spent.
	UpdateTableTransactional(ctx context.Context, id uuid.UUID, transform TransformFunc) error

	// GetPrivatePlayerData returns the per-(table, player) record, or
	// (nil, nil) when none exists yet.
	GetPrivatePlayerData(ctx context.Context, id uuid.UUID, playerID string) (*models.PrivatePlayerData, error)

	// SetPrivatePlayerData upserts the per-(table, player) record.
	SetPrivatePlayerData(ctx context.Context, data *models.PrivatePlayerData) error

	// Subscribe registers a push listener for the table. At most one live
	// subscription exists per (consumer, table): installing a new one
	// cancels any prior handle for the same key first.
	Subscribe(ctx context.Context, id uuid.UUID, consumerID string, fn SnapshotFunc) (CancelFunc, error)

	// Close releases backend resources.
	Close() error
}
