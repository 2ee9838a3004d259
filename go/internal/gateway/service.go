package gateway

import (
	"context"
	"net/http"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/feltlabs/felt/go/internal/admission"
	"github.com/feltlabs/felt/go/internal/tablestore"
)

// Service bundles the gateway's moving parts behind one Start/Stop
// lifecycle: session transport, lifecycle reaper, store bridge, turn
// timers, and the HTTP handlers.
type Service struct {
	manager     *ConnectionManager
	lifecycle   *LifecycleManager
	bridge      *SubscriptionBridge
	timers      *TurnTimers
	tables      *TablesHandler
	connections *ConnectionsHandler
	ws          *WebSocketHandler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ServiceConfig carries gateway construction inputs.
type ServiceConfig struct {
	Stores     *tablestore.Factory
	Gate       *admission.Middleware
	Clock      clockwork.Clock
	Connection ConnectionConfig
	Lifecycle  LifecycleConfig

	// OnTurnExpire is invoked once per elapsed turn deadline. Optional.
	OnTurnExpire ExpireFunc

	// DefaultTurnLimitMs backfills overwrites that omit a turn limit.
	DefaultTurnLimitMs int64
}

// NewService assembles the gateway. Call Start before serving traffic.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	ctx, cancel := context.WithCancel(context.Background())

	manager := NewConnectionManager(cfg.Connection)
	timers := NewTurnTimers(ctx, cfg.Clock, cfg.OnTurnExpire)
	bridge := NewSubscriptionBridge(ctx, cfg.Stores, manager, timers)
	lifecycle := NewLifecycleManager(manager, cfg.Clock, cfg.Lifecycle)

	return &Service{
		manager:     manager,
		lifecycle:   lifecycle,
		bridge:      bridge,
		timers:      timers,
		tables:      NewTablesHandler(cfg.Stores, cfg.Gate, manager, cfg.DefaultTurnLimitMs),
		connections: NewConnectionsHandler(lifecycle, cfg.Gate, cfg.Clock),
		ws:          NewWebSocketHandler(manager, cfg.Stores, cfg.Gate),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// RegisterRoutes installs every gateway route plus the health check.
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	s.tables.Register(mux)
	s.connections.Register(mux)
	s.ws.Register(mux)

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			log.Error().Err(err).Msg("failed to write health check response")
		}
	})
}

// Start launches the broadcast loop and the idle-session reaper. Both run
// until Stop is called.
func (s *Service) Start() {
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.manager.Start(s.ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.lifecycle.Run(s.ctx)
	}()
	log.Info().Msg("gateway service started")
}

// Stop tears down subscriptions, timers, and every open session, then
// waits for the background loops to exit.
func (s *Service) Stop() {
	s.cancel()
	s.bridge.Close()
	closed := s.manager.CloseAll()
	s.wg.Wait()
	log.Info().Int("closed_sessions", closed).Msg("gateway service stopped")
}
