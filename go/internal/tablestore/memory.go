package tablestore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/feltlabs/felt/go/internal/models"
)

// MemoryStore implements the full contract in process: real optimistic
// concurrency over a version counter, in-process push delivery. It backs
// standalone deployments and every backend-agnostic test.
type MemoryStore struct {
	mu       sync.Mutex
	tables   map[uuid.UUID]*memRecord
	private  map[uuid.UUID]map[string]*models.PrivatePlayerData
	watchers map[uuid.UUID]map[*memWatcher]struct{}
	subs     *subRegistry
	closed   bool
}

type memRecord struct {
	table   *models.Table
	version int64
}

type memWatcher struct {
	ch   chan *models.Table
	done chan struct{}
}

// NewMemoryStore returns an empty in-memory backend.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tables:   make(map[uuid.UUID]*memRecord),
		private:  make(map[uuid.UUID]map[string]*models.PrivatePlayerData),
		watchers: make(map[uuid.UUID]map[*memWatcher]struct{}),
		subs:     newSubRegistry(),
	}
}

// GetTable returns a deep copy of the current snapshot, or (nil, nil).
func (s *MemoryStore) GetTable(ctx context.Context, id uuid.UUID) (*models.Table, error) {
	s.mu.Lock()
	rec, ok := s.tables[id]
	s.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return cloneTable(rec.table)
}

// UpdateTable merges the named fields, last write wins per field set.
func (s *MemoryStore) UpdateTable(ctx context.Context, id uuid.UUID, fields FieldSet) error {
	s.mu.Lock()
	rec, ok := s.tables[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("update table %s: %w", id, ErrNotFound)
	}
	merged, err := applyFields(rec.table, fields)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	merged.UpdatedAt = time.Now().UTC()
	rec.table = merged
	rec.version++
	snapshot, _ := cloneTable(merged)
	s.mu.Unlock()

	s.deliver(id, snapshot)
	return nil
}

// ForceOverwriteTable replaces the whole record, creating it if needed.
func (s *MemoryStore) ForceOverwriteTable(ctx context.Context, table *models.Table) error {
	copied, err := cloneTable(table)
	if err != nil {
		return err
	}
	copied.UpdatedAt = time.Now().UTC()

	s.mu.Lock()
	rec, ok := s.tables[table.ID]
	if !ok {
		rec = &memRecord{}
		s.tables[table.ID] = rec
	}
	rec.table = copied
	rec.version++
	snapshot, _ := cloneTable(copied)
	s.mu.Unlock()

	s.deliver(table.ID, snapshot)
	return nil
}

// UpdateTableTransactional runs read-transform-CAS without holding the lock
// across the transform, so contending writers genuinely re-invoke transform
// on a fresh value exactly as the direct backend does.
func (s *MemoryStore) UpdateTableTransactional(ctx context.Context, id uuid.UUID, transform TransformFunc) error {
	for attempt := 0; attempt < maxTxnAttempts; attempt++ {
		s.mu.Lock()
		rec, ok := s.tables[id]
		if !ok {
			s.mu.Unlock()
			return fmt.Errorf("transactional update %s: %w", id, ErrNotFound)
		}
		readVersion := rec.version
		current, err := cloneTable(rec.table)
		s.mu.Unlock()
		if err != nil {
			return err
		}

		fields, err := transform(current)
		if err != nil {
			return err
		}

		s.mu.Lock()
		rec, ok = s.tables[id]
		if !ok {
			s.mu.Unlock()
			return fmt.Errorf("transactional update %s: %w", id, ErrNotFound)
		}
		if rec.version != readVersion {
			s.mu.Unlock()
			continue
		}
		merged, err := applyFields(rec.table, fields)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		merged.UpdatedAt = time.Now().UTC()
		rec.table = merged
		rec.version++
		snapshot, _ := cloneTable(merged)
		s.mu.Unlock()

		s.deliver(id, snapshot)
		return nil
	}
	return fmt.Errorf("transactional update %s after %d attempts: %w", id, maxTxnAttempts, ErrTransactionConflict)
}

// GetPrivatePlayerData returns the owner-only record, or (nil, nil).
func (s *MemoryStore) GetPrivatePlayerData(ctx context.Context, id uuid.UUID, playerID string) (*models.PrivatePlayerData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byPlayer, ok := s.private[id]
	if !ok {
		return nil, nil
	}
	data, ok := byPlayer[playerID]
	if !ok {
		return nil, nil
	}
	out := *data
	out.HoleCards = append([]models.Card(nil), data.HoleCards...)
	return &out, nil
}

// SetPrivatePlayerData upserts the owner-only record.
func (s *MemoryStore) SetPrivatePlayerData(ctx context.Context, data *models.PrivatePlayerData) error {
	copied := *data
	copied.HoleCards = append([]models.Card(nil), data.HoleCards...)
	copied.UpdatedAt = time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	byPlayer, ok := s.private[data.TableID]
	if !ok {
		byPlayer = make(map[string]*models.PrivatePlayerData)
		s.private[data.TableID] = byPlayer
	}
	byPlayer[data.PlayerID] = &copied
	return nil
}

// Subscribe registers an in-process push listener. Delivery runs on a
// dedicated goroutine per subscription so a slow consumer cannot stall
// writers; a full buffer drops the oldest pending snapshot, which is safe
// because snapshots are full values.
func (s *MemoryStore) Subscribe(ctx context.Context, id uuid.UUID, consumerID string, fn SnapshotFunc) (CancelFunc, error) {
	w := &memWatcher{
		ch:   make(chan *models.Table, 16),
		done: make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("subscribe table %s: store closed", id)
	}
	if s.watchers[id] == nil {
		s.watchers[id] = make(map[*memWatcher]struct{})
	}
	s.watchers[id][w] = struct{}{}
	s.mu.Unlock()

	go func() {
		for {
			select {
			case <-w.done:
				return
			case t := <-w.ch:
				// Re-check cancellation so a buffered snapshot cannot be
				// delivered after cancel returned.
				select {
				case <-w.done:
					return
				default:
				}
				fn(t)
			}
		}
	}()

	stop := func() {
		s.mu.Lock()
		if set, ok := s.watchers[id]; ok {
			delete(set, w)
			if len(set) == 0 {
				delete(s.watchers, id)
			}
		}
		s.mu.Unlock()
		close(w.done)
	}
	return s.subs.install(subKey{consumer: consumerID, table: id}, stop), nil
}

// Close tears down every subscription.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.subs.cancelAll()
	return nil
}

func (s *MemoryStore) deliver(id uuid.UUID, snapshot *models.Table) {
	if snapshot == nil {
		return
	}
	s.mu.Lock()
	targets := make([]*memWatcher, 0, len(s.watchers[id]))
	for w := range s.watchers[id] {
		targets = append(targets, w)
	}
	s.mu.Unlock()

	for _, w := range targets {
		select {
		case w.ch <- snapshot:
		default:
			select {
			case <-w.ch:
			default:
			}
			select {
			case w.ch <- snapshot:
			default:
				log.Warn().Str("table_id", id.String()).Msg("subscriber buffer full, dropping snapshot")
			}
		}
	}
}
