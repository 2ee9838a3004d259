package tablestore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/feltlabs/felt/go/internal/models"
)

// NotifierConfig holds NATS connection settings for the change feed.
type NotifierConfig struct {
	URL           string
	SubjectPrefix string // e.g. "felt.table.updated"
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultNotifierConfig returns default change-feed configuration.
func DefaultNotifierConfig() NotifierConfig {
	return NotifierConfig{
		URL:           nats.DefaultURL,
		SubjectPrefix: "felt.table.updated",
		MaxReconnects: -1, // Infinite
		ReconnectWait: 2 * time.Second,
	}
}

// changeEnvelope is the wire format published on every committed write.
// Snapshots are full tables, never diffs.
type changeEnvelope struct {
	EventID   string       `json:"event_id"`
	TableID   string       `json:"table_id"`
	Version   int64        `json:"version"`
	Timestamp time.Time    `json:"timestamp"`
	Table     models.Table `json:"table"`
}

// Notifier publishes committed table snapshots to NATS and hands push
// subscriptions to consumers. Both store backends share one change feed so
// a client does not care which backend produced an update.
type Notifier struct {
	nc     *nats.Conn
	config NotifierConfig
}

// NewNotifier connects to NATS with infinite reconnects and logged
// disconnect/reconnect transitions.
func NewNotifier(config NotifierConfig) (*Notifier, error) {
	opts := []nats.Option{
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	return &Notifier{nc: nc, config: config}, nil
}

func (n *Notifier) subject(id uuid.UUID) string {
	return fmt.Sprintf("%s.%s", n.config.SubjectPrefix, id)
}

// Publish broadcasts a committed snapshot. Failures are logged, not
// propagated: the write already committed and polling consumers converge
// on their own.
func (n *Notifier) Publish(table *models.Table, version int64) {
	env := changeEnvelope{
		EventID:   uuid.New().String(),
		TableID:   table.ID.String(),
		Version:   version,
		Timestamp: time.Now().UTC(),
		Table:     *table,
	}
	data, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("table_id", env.TableID).Msg("failed to marshal change envelope")
		return
	}
	if err := n.nc.Publish(n.subject(table.ID), data); err != nil {
		log.Error().Err(err).Str("table_id", env.TableID).Msg("failed to publish table change")
	}
}

// Subscribe delivers every published snapshot for the table to fn. The
// returned stop function is safe to call after the connection dropped.
func (n *Notifier) Subscribe(id uuid.UUID, fn SnapshotFunc) (func(), error) {
	sub, err := n.nc.Subscribe(n.subject(id), func(msg *nats.Msg) {
		var env changeEnvelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			log.Error().Err(err).Str("subject", msg.Subject).Msg("failed to unmarshal change envelope")
			return
		}
		table := env.Table
		fn(&table)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", n.subject(id), err)
	}
	return func() {
		// Unsubscribe on a closed connection returns an error we do not
		// care about; cancellation must stay idempotent and quiet.
		_ = sub.Unsubscribe()
	}, nil
}

// Close drains the NATS connection.
func (n *Notifier) Close() {
	if n.nc != nil {
		n.nc.Close()
	}
}
