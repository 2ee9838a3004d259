package tablestore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog/log"

	"github.com/feltlabs/felt/go/internal/models"
)

// RemoteConfig holds settings for the indirect backend.
type RemoteConfig struct {
	BaseURL      string
	AuthToken    string // service credential forwarded as a bearer token
	Timeout      time.Duration
	CacheTTL     time.Duration
	CacheSize    int
	PollInterval time.Duration
}

// DefaultRemoteConfig returns the documented defaults: 5 minute read-through
// cache, 2 second polling fallback.
func DefaultRemoteConfig(baseURL string) RemoteConfig {
	return RemoteConfig{
		BaseURL:      baseURL,
		Timeout:      30 * time.Second,
		CacheTTL:     5 * time.Minute,
		CacheSize:    1024,
		PollInterval: 2 * time.Second,
	}
}

// RemoteStore is the indirect backend: it reaches the authoritative store
// through the REST boundary. Reads go through a short-TTL cache, mutations
// are forwarded synchronously (the boundary performs the transaction on the
// caller's behalf), and Subscribe prefers the push feed with a polling
// fallback of bounded staleness.
type RemoteStore struct {
	config   RemoteConfig
	client   *http.Client
	notifier *Notifier // nil means polling fallback
	cache    *lru.LRU[uuid.UUID, []byte]
	subs     *subRegistry
}

// NewRemoteStore builds the indirect backend. notifier may be nil; Subscribe
// then polls the boundary instead.
func NewRemoteStore(config RemoteConfig, notifier *Notifier) *RemoteStore {
	return &RemoteStore{
		config:   config,
		client:   &http.Client{Timeout: config.Timeout},
		notifier: notifier,
		cache:    lru.NewLRU[uuid.UUID, []byte](config.CacheSize, nil, config.CacheTTL),
		subs:     newSubRegistry(),
	}
}

// GetTable is read-through the TTL cache.
func (s *RemoteStore) GetTable(ctx context.Context, id uuid.UUID) (*models.Table, error) {
	if raw, ok := s.cache.Get(id); ok {
		return decodeTable(raw)
	}
	raw, err := s.fetchRaw(ctx, id)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	s.cache.Add(id, raw)
	return decodeTable(raw)
}

// UpdateTable forwards the field merge and invalidates the cached snapshot.
func (s *RemoteStore) UpdateTable(ctx context.Context, id uuid.UUID, fields FieldSet) error {
	body, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshal field set: %w", err)
	}
	if _, err := s.makeRequest(ctx, http.MethodPatch, "/tables/"+id.String(), body); err != nil {
		return err
	}
	s.cache.Remove(id)
	return nil
}

// ForceOverwriteTable forwards a full replace.
func (s *RemoteStore) ForceOverwriteTable(ctx context.Context, table *models.Table) error {
	body, err := json.Marshal(table)
	if err != nil {
		return fmt.Errorf("marshal table %s: %w", table.ID, err)
	}
	if _, err := s.makeRequest(ctx, http.MethodPut, "/tables/"+table.ID.String(), body); err != nil {
		return err
	}
	s.cache.Remove(table.ID)
	return nil
}

// UpdateTableTransactional has no local transaction semantics: it reads the
// freshest boundary value, runs transform once, and forwards the resulting
// field merge. The boundary applies each field set atomically; true
// read-contention retry only exists on the direct backend.
func (s *RemoteStore) UpdateTableTransactional(ctx context.Context, id uuid.UUID, transform TransformFunc) error {
	raw, err := s.fetchRaw(ctx, id)
	if err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("transactional update %s: %w", id, ErrNotFound)
	}
	current, err := decodeTable(raw)
	if err != nil {
		return err
	}
	fields, err := transform(current)
	if err != nil {
		return err
	}
	return s.UpdateTable(ctx, id, fields)
}

// GetPrivatePlayerData fetches the caller-owned record via the boundary.
func (s *RemoteStore) GetPrivatePlayerData(ctx context.Context, id uuid.UUID, playerID string) (*models.PrivatePlayerData, error) {
	raw, err := s.makeRequest(ctx, http.MethodGet, fmt.Sprintf("/tables/%s/players/%s/private", id, playerID), nil)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	var data models.PrivatePlayerData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode private data: %w", err)
	}
	return &data, nil
}

// SetPrivatePlayerData forwards the upsert.
func (s *RemoteStore) SetPrivatePlayerData(ctx context.Context, data *models.PrivatePlayerData) error {
	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal private data: %w", err)
	}
	path := fmt.Sprintf("/tables/%s/players/%s/private", data.TableID, data.PlayerID)
	_, err = s.makeRequest(ctx, http.MethodPut, path, body)
	return err
}

// Subscribe prefers the push feed. Without one it polls the boundary every
// PollInterval, suppressing duplicate deliveries of an unchanged snapshot
// by comparing raw bodies; a 404 delivers one nil snapshot (table gone) and
// ends the loop.
func (s *RemoteStore) Subscribe(ctx context.Context, id uuid.UUID, consumerID string, fn SnapshotFunc) (CancelFunc, error) {
	key := subKey{consumer: consumerID, table: id}
	if s.notifier != nil {
		stop, err := s.notifier.Subscribe(id, fn)
		if err != nil {
			return nil, err
		}
		return s.subs.install(key, stop), nil
	}

	pollCtx, stopPoll := context.WithCancel(ctx)
	go s.pollLoop(pollCtx, id, fn)
	return s.subs.install(key, stopPoll), nil
}

func (s *RemoteStore) pollLoop(ctx context.Context, id uuid.UUID, fn SnapshotFunc) {
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	var last []byte
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			raw, err := s.fetchRaw(ctx, id)
			if err != nil {
				log.Warn().Err(err).Str("table_id", id.String()).Msg("poll fetch failed")
				continue
			}
			if ctx.Err() != nil {
				return
			}
			if raw == nil {
				// Terminal for this table id; tell the subscriber once.
				fn(nil)
				return
			}
			if bytes.Equal(raw, last) {
				continue
			}
			last = raw
			t, err := decodeTable(raw)
			if err != nil {
				log.Error().Err(err).Str("table_id", id.String()).Msg("poll decode failed")
				continue
			}
			fn(t)
		}
	}
}

// Close cancels live subscriptions and drops the cache.
func (s *RemoteStore) Close() error {
	s.subs.cancelAll()
	s.cache.Purge()
	return nil
}

// fetchRaw GETs the boundary snapshot, returning (nil, nil) on 404.
func (s *RemoteStore) fetchRaw(ctx context.Context, id uuid.UUID) ([]byte, error) {
	raw, err := s.makeRequest(ctx, http.MethodGet, "/tables/"+id.String(), nil)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return raw, nil
}

// statusError keeps the boundary status code classifiable.
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("boundary returned status %d: %s", e.status, e.body)
}

func isNotFound(err error) bool {
	var se *statusError
	return errors.As(err, &se) && se.status == http.StatusNotFound
}

// makeRequest issues one boundary request, mapping transport failures and
// 5xx responses to ErrStoreUnavailable.
func (s *RemoteStore) makeRequest(ctx context.Context, method, endpoint string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.config.BaseURL+endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.config.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.config.AuthToken)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, unavailable("boundary request", err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, unavailable("read boundary response", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return responseBody, nil
	case resp.StatusCode >= 500:
		return nil, unavailable("boundary request", &statusError{status: resp.StatusCode, body: string(responseBody)})
	case resp.StatusCode == http.StatusConflict:
		return nil, fmt.Errorf("boundary request: %w", ErrTransactionConflict)
	default:
		return nil, &statusError{status: resp.StatusCode, body: string(responseBody)}
	}
}

func decodeTable(raw []byte) (*models.Table, error) {
	var t models.Table
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("decode table snapshot: %w", err)
	}
	return &t, nil
}
