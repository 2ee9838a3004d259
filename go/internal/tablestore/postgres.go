package tablestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"

	"github.com/feltlabs/felt/go/internal/models"
	"github.com/feltlabs/felt/go/internal/sqlutil"
)

// maxTxnAttempts bounds the optimistic-concurrency retry loop before the
// store surfaces ErrTransactionConflict to the caller.
const maxTxnAttempts = 5

// PostgresStore is the direct backend: it talks straight to the
// authoritative store, supports true transactional transforms, and pushes
// committed snapshots onto the change feed.
//
// One row per table: (id, version, doc jsonb, updated_at). The version
// column is the optimistic-concurrency token; doc holds the whole Table.
type PostgresStore struct {
	db       *sql.DB
	notifier *Notifier
	subs     *subRegistry
}

// NewPostgresStore wraps an open database handle. The notifier may be nil
// when running without a change feed; Subscribe then fails fast.
func NewPostgresStore(db *sql.DB, notifier *Notifier) *PostgresStore {
	return &PostgresStore{
		db:       db,
		notifier: notifier,
		subs:     newSubRegistry(),
	}
}

// EnsureSchema creates the table and private-data relations if absent.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS tables (
    id         uuid PRIMARY KEY,
    version    bigint NOT NULL DEFAULT 1,
    doc        jsonb NOT NULL,
    updated_at timestamptz NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS table_private (
    table_id   uuid NOT NULL,
    player_id  text NOT NULL,
    doc        jsonb,
    updated_at timestamptz NOT NULL DEFAULT now(),
    PRIMARY KEY (table_id, player_id)
);`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return unavailable("ensure schema", err)
	}
	return nil
}

// GetTable returns the current snapshot, or (nil, nil) when absent.
func (s *PostgresStore) GetTable(ctx context.Context, id uuid.UUID) (*models.Table, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM tables WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get table", err)
	}
	var t models.Table
	if err := json.Unmarshal(doc, &t); err != nil {
		return nil, fmt.Errorf("decode table %s: %w", id, err)
	}
	return &t, nil
}

// UpdateTable merges the named fields into the stored document in one
// statement (`doc || fields`), bumping the version. Unspecified fields are
// untouched.
func (s *PostgresStore) UpdateTable(ctx context.Context, id uuid.UUID, fields FieldSet) error {
	patch, err := marshalFields(fields)
	if err != nil {
		return err
	}
	var (
		doc     []byte
		version int64
	)
	err = s.db.QueryRowContext(ctx, `
UPDATE tables
SET doc = doc || $2::jsonb, version = version + 1, updated_at = now()
WHERE id = $1
RETURNING doc, version`, id, patch).Scan(&doc, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("update table %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return unavailable("update table", err)
	}
	s.publish(doc, version)
	return nil
}

// ForceOverwriteTable replaces the whole record, creating it if needed.
func (s *PostgresStore) ForceOverwriteTable(ctx context.Context, table *models.Table) error {
	table.UpdatedAt = time.Now().UTC()
	doc, err := json.Marshal(table)
	if err != nil {
		return fmt.Errorf("marshal table %s: %w", table.ID, err)
	}
	var version int64
	err = s.db.QueryRowContext(ctx, `
INSERT INTO tables (id, doc) VALUES ($1, $2)
ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc, version = tables.version + 1, updated_at = now()
RETURNING version`, table.ID, doc).Scan(&version)
	if err != nil {
		return unavailable("overwrite table", err)
	}
	s.publish(doc, version)
	return nil
}

// UpdateTableTransactional applies transform against the latest committed
// value with a compare-and-swap on the version column. On contention the
// transform is re-invoked with the fresh row, up to maxTxnAttempts.
func (s *PostgresStore) UpdateTableTransactional(ctx context.Context, id uuid.UUID, transform TransformFunc) error {
	// Sentinel for a lost version race; triggers a retry instead of
	// bubbling out of the transaction helper.
	errVersionRace := errors.New("version race")

	for attempt := 0; attempt < maxTxnAttempts; attempt++ {
		var (
			newDoc     []byte
			newVersion int64
		)
		err := sqlutil.Run(ctx, s.db, func(tx *sql.Tx) error {
			var (
				doc     []byte
				version int64
			)
			err := tx.QueryRowContext(ctx, `SELECT doc, version FROM tables WHERE id = $1`, id).Scan(&doc, &version)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("transactional update %s: %w", id, ErrNotFound)
			}
			if err != nil {
				return unavailable("transactional read", err)
			}

			var current models.Table
			if err := json.Unmarshal(doc, &current); err != nil {
				return fmt.Errorf("decode table %s: %w", id, err)
			}

			fields, err := transform(&current)
			if err != nil {
				return err
			}
			patch, err := marshalFields(fields)
			if err != nil {
				return err
			}

			err = tx.QueryRowContext(ctx, `
UPDATE tables
SET doc = doc || $2::jsonb, version = version + 1, updated_at = now()
WHERE id = $1 AND version = $3
RETURNING doc, version`, id, patch, version).Scan(&newDoc, &newVersion)
			if errors.Is(err, sql.ErrNoRows) {
				// Someone else committed between our read and write (or
				// the table was deleted; the next read detects that).
				return errVersionRace
			}
			if err != nil {
				return unavailable("transactional write", err)
			}
			return nil
		})
		if errors.Is(err, errVersionRace) {
			continue
		}
		if err != nil {
			return err
		}
		s.publish(newDoc, newVersion)
		return nil
	}
	return fmt.Errorf("transactional update %s after %d attempts: %w", id, maxTxnAttempts, ErrTransactionConflict)
}

// GetPrivatePlayerData returns the owner-only record, or (nil, nil).
func (s *PostgresStore) GetPrivatePlayerData(ctx context.Context, id uuid.UUID, playerID string) (*models.PrivatePlayerData, error) {
	var (
		doc       pqtype.NullRawMessage
		updatedAt time.Time
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT doc, updated_at FROM table_private WHERE table_id = $1 AND player_id = $2`,
		id, playerID).Scan(&doc, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get private data", err)
	}
	data := &models.PrivatePlayerData{
		TableID:   id,
		PlayerID:  playerID,
		UpdatedAt: updatedAt,
	}
	if doc.Valid {
		var payload struct {
			HoleCards []models.Card `json:"hole_cards"`
		}
		if err := json.Unmarshal(doc.RawMessage, &payload); err != nil {
			return nil, fmt.Errorf("decode private data for %s/%s: %w", id, playerID, err)
		}
		data.HoleCards = payload.HoleCards
	}
	return data, nil
}

// SetPrivatePlayerData upserts the owner-only record.
func (s *PostgresStore) SetPrivatePlayerData(ctx context.Context, data *models.PrivatePlayerData) error {
	doc, err := json.Marshal(map[string]any{"hole_cards": data.HoleCards})
	if err != nil {
		return fmt.Errorf("marshal private data: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO table_private (table_id, player_id, doc) VALUES ($1, $2, $3)
ON CONFLICT (table_id, player_id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = now()`,
		data.TableID, data.PlayerID, doc)
	if err != nil {
		return unavailable("set private data", err)
	}
	return nil
}

// Subscribe registers a push listener on the change feed.
func (s *PostgresStore) Subscribe(ctx context.Context, id uuid.UUID, consumerID string, fn SnapshotFunc) (CancelFunc, error) {
	if s.notifier == nil {
		return nil, fmt.Errorf("subscribe table %s: no change feed configured", id)
	}
	stop, err := s.notifier.Subscribe(id, fn)
	if err != nil {
		return nil, err
	}
	return s.subs.install(subKey{consumer: consumerID, table: id}, stop), nil
}

// Close cancels live subscriptions. The database handle and notifier are
// owned by the caller that opened them.
func (s *PostgresStore) Close() error {
	s.subs.cancelAll()
	return nil
}

func (s *PostgresStore) publish(doc []byte, version int64) {
	if s.notifier == nil {
		return
	}
	var t models.Table
	if err := json.Unmarshal(doc, &t); err != nil {
		return
	}
	s.notifier.Publish(&t, version)
}

// marshalFields stamps the write time and encodes a FieldSet as a JSONB
// patch document.
func marshalFields(fields FieldSet) ([]byte, error) {
	stamped := make(FieldSet, len(fields)+1)
	for k, v := range fields {
		stamped[k] = v
	}
	stamped["updated_at"] = time.Now().UTC()
	patch, err := json.Marshal(stamped)
	if err != nil {
		return nil, fmt.Errorf("marshal field set: %w", err)
	}
	return patch, nil
}
