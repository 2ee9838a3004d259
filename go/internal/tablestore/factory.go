package tablestore

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Mode selects which backend implementation serves a table.
type Mode string

const (
	// ModePostgres is the direct transactional backend.
	ModePostgres Mode = "postgres"
	// ModeRemote goes through the REST boundary with caching and polling.
	ModeRemote Mode = "remote"
	// ModeMemory keeps everything in process; standalone runs and tests.
	ModeMemory Mode = "memory"
)

// Factory hands a Store to consumers by table id. Consumers depend only on
// the contract, so deployment mode is swappable without touching game
// logic.
type Factory struct {
	defaultMode Mode
	backends    map[Mode]Store

	mu        sync.RWMutex
	overrides map[uuid.UUID]Mode
}

// NewFactory registers the available backends. Only the default mode must
// be present; overrides pointing at an unregistered backend fall back to
// the default.
func NewFactory(defaultMode Mode, backends map[Mode]Store) (*Factory, error) {
	if _, ok := backends[defaultMode]; !ok {
		return nil, fmt.Errorf("factory: no backend registered for default mode %q", defaultMode)
	}
	return &Factory{
		defaultMode: defaultMode,
		backends:    backends,
		overrides:   make(map[uuid.UUID]Mode),
	}, nil
}

// StoreFor returns the backend serving the given table id.
func (f *Factory) StoreFor(id uuid.UUID) Store {
	f.mu.RLock()
	mode, ok := f.overrides[id]
	f.mu.RUnlock()
	if !ok {
		mode = f.defaultMode
	}
	if s, ok := f.backends[mode]; ok {
		return s
	}
	return f.backends[f.defaultMode]
}

// SetOverride pins one table to a specific backend mode.
func (f *Factory) SetOverride(id uuid.UUID, mode Mode) {
	f.mu.Lock()
	f.overrides[id] = mode
	f.mu.Unlock()
}

// Close closes every registered backend.
func (f *Factory) Close() error {
	var firstErr error
	for _, s := range f.backends {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
