package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/feltlabs/felt/go/internal/admission"
	"github.com/feltlabs/felt/go/internal/gateway"
	"github.com/feltlabs/felt/go/internal/tablestore"
)

// Services holds everything the server wires together.
type Services struct {
	Stores  *tablestore.Factory
	Gateway *gateway.Service
}

func setupServices(ctx context.Context, config *Config) (*Services, error) {
	notifier, err := setupNotifier(config)
	if err != nil {
		return nil, err
	}

	stores, err := setupStores(ctx, config, notifier)
	if err != nil {
		return nil, err
	}

	gate := admission.NewMiddleware(
		setupVerifier(config),
		admission.NewRateLimiter(config.rateLimitConfig(), clockwork.NewRealClock()),
		config.Admission.AdminAllowlist,
	)

	gw := gateway.NewService(gateway.ServiceConfig{
		Stores:             stores,
		Gate:               gate,
		Clock:              clockwork.NewRealClock(),
		Connection:         gateway.DefaultConnectionConfig(),
		Lifecycle:          config.lifecycleConfig(),
		DefaultTurnLimitMs: config.Game.DefaultTurnLimitMs,
	})

	return &Services{Stores: stores, Gateway: gw}, nil
}

// setupNotifier connects the change feed. A missing NATS endpoint degrades
// to polling, it never blocks startup.
func setupNotifier(config *Config) (*tablestore.Notifier, error) {
	nc := tablestore.DefaultNotifierConfig()
	nc.URL = config.Nats.URL

	notifier, err := tablestore.NewNotifier(nc)
	if err != nil {
		log.Warn().Err(err).Str("url", nc.URL).Msg("change feed unavailable, falling back to polling")
		return nil, nil
	}
	return notifier, nil
}

func setupStores(ctx context.Context, config *Config, notifier *tablestore.Notifier) (*tablestore.Factory, error) {
	backends := make(map[tablestore.Mode]tablestore.Store)

	mode := tablestore.Mode(config.Store.Mode)
	switch mode {
	case tablestore.ModePostgres:
		database, err := setupDatabase()
		if err != nil {
			return nil, err
		}
		store := tablestore.NewPostgresStore(database, notifier)
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("failed to ensure schema: %w", err)
		}
		backends[tablestore.ModePostgres] = store

	case tablestore.ModeRemote:
		if config.Store.RemoteBaseURL == "" {
			return nil, fmt.Errorf("store mode %q requires remote_base_url", mode)
		}
		rc := tablestore.DefaultRemoteConfig(config.Store.RemoteBaseURL)
		rc.AuthToken = config.Store.RemoteToken
		if config.Store.CacheTTLSec > 0 {
			rc.CacheTTL = time.Duration(config.Store.CacheTTLSec) * time.Second
		}
		backends[tablestore.ModeRemote] = tablestore.NewRemoteStore(rc, notifier)

	case tablestore.ModeMemory:
		backends[tablestore.ModeMemory] = tablestore.NewMemoryStore()

	default:
		return nil, fmt.Errorf("unknown store mode %q", config.Store.Mode)
	}

	return tablestore.NewFactory(mode, backends)
}

func setupVerifier(config *Config) admission.Verifier {
	if config.Admission.OracleURL == "" {
		log.Warn().Msg("no identity oracle configured, all credentials will be rejected")
		return admission.StaticVerifier{}
	}
	return admission.NewOracleVerifier(config.Admission.OracleURL)
}
