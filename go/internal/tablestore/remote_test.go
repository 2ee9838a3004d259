package tablestore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/feltlabs/felt/go/internal/models"
)

// boundary is a minimal fake of the REST boundary the indirect backend
// forwards to.
type boundary struct {
	mu     sync.Mutex
	tables map[string][]byte
	gets   int64
}

func newBoundary() *boundary {
	return &boundary{tables: make(map[string][]byte)}
}

func (b *boundary) put(t *models.Table) {
	raw, _ := json.Marshal(t)
	b.mu.Lock()
	b.tables[t.ID.String()] = raw
	b.mu.Unlock()
}

func (b *boundary) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Path[len("/tables/"):]
		switch r.Method {
		case http.MethodGet:
			atomic.AddInt64(&b.gets, 1)
			b.mu.Lock()
			raw, ok := b.tables[id]
			b.mu.Unlock()
			if !ok {
				http.Error(w, `{"code":"not_found"}`, http.StatusNotFound)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Write(raw)
		case http.MethodPatch:
			var fields FieldSet
			if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			b.mu.Lock()
			defer b.mu.Unlock()
			raw, ok := b.tables[id]
			if !ok {
				http.Error(w, `{"code":"not_found"}`, http.StatusNotFound)
				return
			}
			var t models.Table
			json.Unmarshal(raw, &t)
			merged, err := applyFields(&t, fields)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			out, _ := json.Marshal(merged)
			b.tables[id] = out
			w.WriteHeader(http.StatusOK)
		case http.MethodPut:
			body := mustReadAll(r)
			b.mu.Lock()
			b.tables[id] = body
			b.mu.Unlock()
			w.WriteHeader(http.StatusOK)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
}

func mustReadAll(r *http.Request) []byte {
	buf := make([]byte, 0, 1024)
	tmp := make([]byte, 512)
	for {
		n, err := r.Body.Read(tmp)
		buf = append(buf, tmp[:n]...)
		if err != nil {
			return buf
		}
	}
}

func newRemoteForTest(t *testing.T, b *boundary) (*RemoteStore, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(b.handler())
	cfg := DefaultRemoteConfig(srv.URL)
	cfg.PollInterval = 10 * time.Millisecond
	s := NewRemoteStore(cfg, nil)
	t.Cleanup(func() {
		s.Close()
		srv.Close()
	})
	return s, srv
}

func TestRemoteGetTableReadThroughCache(t *testing.T) {
	b := newBoundary()
	table := makeTable(makePlayer("u1", 0))
	b.put(table)
	s, _ := newRemoteForTest(t, b)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		got, err := s.GetTable(ctx, table.ID)
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
		if got.ID != table.ID {
			t.Fatalf("wrong table: %s", got.ID)
		}
	}
	if n := atomic.LoadInt64(&b.gets); n != 1 {
		t.Errorf("boundary GETs = %d, want 1 (cache should absorb repeats)", n)
	}
}

func TestRemoteMutationInvalidatesCache(t *testing.T) {
	b := newBoundary()
	table := makeTable(makePlayer("u1", 0))
	b.put(table)
	s, _ := newRemoteForTest(t, b)
	ctx := context.Background()

	if _, err := s.GetTable(ctx, table.ID); err != nil {
		t.Fatalf("warm cache: %v", err)
	}
	if err := s.UpdateTable(ctx, table.ID, FieldSet{"pot": 500}); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := s.GetTable(ctx, table.ID)
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}
	if got.Pot != 500 {
		t.Errorf("pot = %d, want 500 (stale cache served after mutation)", got.Pot)
	}
}

func TestRemoteGetAbsentTable(t *testing.T) {
	b := newBoundary()
	s, _ := newRemoteForTest(t, b)

	got, err := s.GetTable(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("expected absent result, got error %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil table, got %+v", got)
	}
}

func TestRemotePollingFallbackSuppressesDuplicates(t *testing.T) {
	b := newBoundary()
	table := makeTable(makePlayer("u1", 0))
	b.put(table)
	s, _ := newRemoteForTest(t, b)
	ctx := context.Background()

	var mu sync.Mutex
	var pots []int64
	cancel, err := s.Subscribe(ctx, table.ID, "poller", func(t *models.Table) {
		mu.Lock()
		pots = append(pots, t.Pot)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	// Let several poll intervals pass on an unchanged snapshot, then
	// change it once.
	time.Sleep(60 * time.Millisecond)
	table.Pot = 321
	b.put(table)
	time.Sleep(60 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	// First delivery for the initial snapshot, one more for the change;
	// unchanged polls must not re-deliver.
	if len(pots) != 2 {
		t.Fatalf("deliveries = %d (%v), want 2", len(pots), pots)
	}
	if pots[1] != 321 {
		t.Errorf("second delivery pot = %d, want 321", pots[1])
	}
}

func TestRemotePollingSurfacesDeletion(t *testing.T) {
	b := newBoundary()
	table := makeTable(makePlayer("u1", 0))
	b.put(table)
	s, _ := newRemoteForTest(t, b)
	ctx := context.Background()

	sawNil := make(chan struct{}, 1)
	cancel, err := s.Subscribe(ctx, table.ID, "poller", func(t *models.Table) {
		if t == nil {
			select {
			case sawNil <- struct{}{}:
			default:
			}
		}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	time.Sleep(30 * time.Millisecond)
	b.mu.Lock()
	delete(b.tables, table.ID.String())
	b.mu.Unlock()

	select {
	case <-sawNil:
	case <-time.After(2 * time.Second):
		t.Fatal("deletion never surfaced to subscriber")
	}
}

func TestRemoteTransactionalForwardsMerge(t *testing.T) {
	b := newBoundary()
	table := makeTable(makePlayer("u1", 0))
	table.Pot = 10
	b.put(table)
	s, _ := newRemoteForTest(t, b)
	ctx := context.Background()

	err := s.UpdateTableTransactional(ctx, table.ID, func(cur *models.Table) (FieldSet, error) {
		return FieldSet{"pot": cur.Pot + 15}, nil
	})
	if err != nil {
		t.Fatalf("transactional: %v", err)
	}
	got, err := s.GetTable(ctx, table.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Pot != 25 {
		t.Errorf("pot = %d, want 25", got.Pot)
	}
}
