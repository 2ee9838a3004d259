package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ConnectionManager owns the realtime sessions observing tables. It is the
// transport the lifecycle manager enumerates: every connection carries a
// path and an idle clock.
type ConnectionManager struct {
	// Connection pools organized by table ID
	tableConnections map[uuid.UUID]map[*Connection]bool
	mu               sync.RWMutex

	// reportedCount is the transport's own session accounting. It is
	// incremented on register and decremented on unregister, and MAY lag
	// behind the enumerated pools when a socket dies between the two; the
	// lifecycle manager surfaces that as a discrepancy instead of
	// reconciling it.
	reportedCount int

	upgrader websocket.Upgrader
	config   ConnectionConfig

	broadcastCh chan BroadcastMessage

	// Pool-transition hooks; the subscription bridge uses these to hold
	// exactly one store subscription per table with live observers.
	onFirst func(tableID uuid.UUID)
	onEmpty func(tableID uuid.UUID)
}

// Connection is one realtime session observing a table.
type Connection struct {
	ID      string
	Path    string // subscription endpoint, e.g. /ws/<table>/<conn>
	Subject string // verified caller identity, "" when anonymous
	TableID uuid.UUID
	Conn    *websocket.Conn
	Send    chan []byte
	Manager *ConnectionManager

	ConnectedAt time.Time

	activityMu   sync.Mutex
	lastActivity time.Time
}

// ConnectionConfig holds websocket tuning.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// BroadcastMessage carries an event to every session of one table, or to
// one subject when Subject is set.
type BroadcastMessage struct {
	TableID uuid.UUID
	Event   *TableEvent
	Subject string
}

// DefaultConnectionConfig returns default websocket configuration.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// Allow all origins in development - restrict in production
			return true
		},
	}
}

// NewConnectionManager creates the session transport.
func NewConnectionManager(config ConnectionConfig) *ConnectionManager {
	return &ConnectionManager{
		tableConnections: make(map[uuid.UUID]map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		broadcastCh: make(chan BroadcastMessage, 1000),
	}
}

// SetPoolHooks installs the first-observer / last-observer callbacks.
// Must be called before any connection registers.
func (cm *ConnectionManager) SetPoolHooks(onFirst, onEmpty func(tableID uuid.UUID)) {
	cm.onFirst = onFirst
	cm.onEmpty = onEmpty
}

// Start begins processing broadcast messages.
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("connection manager started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			return
		case message := <-cm.broadcastCh:
			cm.handleBroadcast(message)
		}
	}
}

// UpgradeConnection upgrades an HTTP request to a websocket session.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, subject string, tableID uuid.UUID) error {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade WebSocket connection")
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	now := time.Now()
	connID := uuid.New().String()
	connection := &Connection{
		ID:           connID,
		Path:         fmt.Sprintf("/ws/%s/%s", tableID, connID),
		Subject:      subject,
		TableID:      tableID,
		Conn:         conn,
		Send:         make(chan []byte, 256),
		Manager:      cm,
		ConnectedAt:  now,
		lastActivity: now,
	}

	cm.registerConnection(connection)

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("connection_id", connection.ID).
		Str("subject", subject).
		Str("table_id", tableID.String()).
		Msg("WebSocket connection established")

	return nil
}

func (cm *ConnectionManager) registerConnection(conn *Connection) {
	cm.mu.Lock()
	first := cm.tableConnections[conn.TableID] == nil
	if first {
		cm.tableConnections[conn.TableID] = make(map[*Connection]bool)
	}
	cm.tableConnections[conn.TableID][conn] = true
	cm.reportedCount++
	total := len(cm.tableConnections[conn.TableID])
	cm.mu.Unlock()

	if first && cm.onFirst != nil {
		cm.onFirst(conn.TableID)
	}

	log.Debug().
		Str("connection_id", conn.ID).
		Str("table_id", conn.TableID.String()).
		Int("total_connections", total).
		Msg("connection registered")
}

func (cm *ConnectionManager) unregisterConnection(conn *Connection) {
	cm.mu.Lock()
	connections, exists := cm.tableConnections[conn.TableID]
	removed := false
	empty := false
	if exists {
		if _, ok := connections[conn]; ok {
			delete(connections, conn)
			close(conn.Send)
			removed = true
			cm.reportedCount--
			if len(connections) == 0 {
				delete(cm.tableConnections, conn.TableID)
				empty = true
			}
		}
	}
	cm.mu.Unlock()

	if !removed {
		return
	}
	if empty && cm.onEmpty != nil {
		cm.onEmpty(conn.TableID)
	}

	log.Info().
		Str("connection_id", conn.ID).
		Str("subject", conn.Subject).
		Str("table_id", conn.TableID.String()).
		Msg("connection unregistered")
}

// BroadcastToTable sends an event to every session observing the table.
func (cm *ConnectionManager) BroadcastToTable(tableID uuid.UUID, event *TableEvent) {
	select {
	case cm.broadcastCh <- BroadcastMessage{TableID: tableID, Event: event}:
	default:
		log.Warn().Str("table_id", tableID.String()).Msg("broadcast channel full, dropping message")
	}
}

// BroadcastToSubject sends an event only to one caller's sessions.
func (cm *ConnectionManager) BroadcastToSubject(tableID uuid.UUID, subject string, event *TableEvent) {
	select {
	case cm.broadcastCh <- BroadcastMessage{TableID: tableID, Event: event, Subject: subject}:
	default:
		log.Warn().
			Str("table_id", tableID.String()).
			Str("subject", subject).
			Msg("broadcast channel full, dropping subject message")
	}
}

func (cm *ConnectionManager) handleBroadcast(message BroadcastMessage) {
	cm.mu.RLock()
	connections, exists := cm.tableConnections[message.TableID]
	if !exists {
		cm.mu.RUnlock()
		return
	}

	var targets []*Connection
	for conn := range connections {
		if message.Subject != "" && conn.Subject != message.Subject {
			continue
		}
		targets = append(targets, conn)
	}
	cm.mu.RUnlock()

	eventData, err := json.Marshal(message.Event)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal event for broadcast")
		return
	}

	for _, conn := range targets {
		select {
		case conn.Send <- eventData:
		default:
			// Connection is slow/dead, close it
			log.Warn().
				Str("connection_id", conn.ID).
				Str("subject", conn.Subject).
				Msg("connection send buffer full, closing connection")
			cm.unregisterConnection(conn)
			conn.Conn.Close()
		}
	}

	log.Debug().
		Str("event_type", string(message.Event.Type)).
		Str("table_id", message.TableID.String()).
		Int("connections", len(targets)).
		Msg("event broadcasted")
}

// SessionInfo is what the lifecycle manager sees of one session.
type SessionInfo struct {
	Path         string
	TableID      uuid.UUID
	LastActivity time.Time
}

// ReportedCount returns the transport's own session count. It may diverge
// from the enumerated sessions.
func (cm *ConnectionManager) ReportedCount() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.reportedCount
}

// Sessions enumerates the live sessions.
func (cm *ConnectionManager) Sessions() ([]SessionInfo, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	out := make([]SessionInfo, 0, cm.reportedCount)
	for _, pool := range cm.tableConnections {
		for conn := range pool {
			out = append(out, SessionInfo{
				Path:         conn.Path,
				TableID:      conn.TableID,
				LastActivity: conn.LastActivity(),
			})
		}
	}
	return out, nil
}

// CloseSession forcibly closes the session with the given path.
func (cm *ConnectionManager) CloseSession(path string) bool {
	cm.mu.RLock()
	var target *Connection
	for _, pool := range cm.tableConnections {
		for conn := range pool {
			if conn.Path == path {
				target = conn
				break
			}
		}
		if target != nil {
			break
		}
	}
	cm.mu.RUnlock()

	if target == nil {
		return false
	}
	cm.unregisterConnection(target)
	target.Conn.Close()
	return true
}

// CloseAll forcibly closes every session and returns how many.
func (cm *ConnectionManager) CloseAll() int {
	cm.mu.RLock()
	var targets []*Connection
	for _, pool := range cm.tableConnections {
		for conn := range pool {
			targets = append(targets, conn)
		}
	}
	cm.mu.RUnlock()

	for _, conn := range targets {
		cm.unregisterConnection(conn)
		conn.Conn.Close()
	}
	return len(targets)
}

// LastActivity returns the session's idle anchor.
func (c *Connection) LastActivity() time.Time {
	c.activityMu.Lock()
	defer c.activityMu.Unlock()
	return c.lastActivity
}

func (c *Connection) touch() {
	c.activityMu.Lock()
	c.lastActivity = time.Now()
	c.activityMu.Unlock()
}

// writePump handles sending messages to the websocket connection.
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.Manager.unregisterConnection(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if !ok {
				// Channel was closed
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to WebSocket")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to send ping")
				return
			}
		}
	}
}

// readPump handles reading messages from the websocket connection.
func (c *Connection) readPump() {
	defer func() {
		c.Manager.unregisterConnection(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		c.touch()
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected WebSocket close error")
			}
			break
		}

		c.touch()
		c.handleClientMessage(message)
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}

// handleClientMessage processes messages received from the client. The
// protocol is server-push only; client frames just refresh the idle clock.
func (c *Connection) handleClientMessage(message []byte) {
	log.Debug().
		Str("connection_id", c.ID).
		Str("subject", c.Subject).
		RawJSON("message", message).
		Msg("received client message")
}
