package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// catchupLimit caps one catchup response. A client further behind than this
// receives a catchup.overflow marker and should reload through the REST API
// instead of paginating.
const catchupLimit = 200

// listenTimeout bounds the LISTEN statement run when a channel gains its
// first subscriber. A stalled connection must not wedge the client's read
// loop forever.
const listenTimeout = 10 * time.Second

// CatchupEvent is one stored event row replayed during catchup.
type CatchupEvent struct {
	ID      int64
	Payload map[string]any
}

// CatchupQuerier loads stored events after a cursor. Implemented by
// services.EventService.
type CatchupQuerier interface {
	GetEventsSince(ctx context.Context, channel string, sinceID int64, limit int) ([]CatchupEvent, error)
}

// ConnectionManager owns this process's WebSocket connections and their
// channel subscriptions. It receives NOTIFY payloads from the NotifyListener
// and fans them out to subscribers.
type ConnectionManager struct {
	mu          sync.RWMutex
	connections map[string]*Connection

	channelMu sync.RWMutex
	channels  map[string]map[string]bool // channel -> subscriber connection ids

	catchup CatchupQuerier

	listenerMu sync.RWMutex
	listener   *NotifyListener

	writeTimeout time.Duration
}

// Connection is one WebSocket client.
//
// subscriptions is only touched by the goroutine running HandleConnection
// (its read loop and deferred cleanup), so it needs no lock. That invariant
// breaks the moment another goroutine mutates a Connection.
type Connection struct {
	ID            string
	Conn          *websocket.Conn
	subscriptions map[string]bool
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewConnectionManager creates a manager. catchup may be nil, which disables
// event replay.
func NewConnectionManager(catchup CatchupQuerier, writeTimeout time.Duration) *ConnectionManager {
	return &ConnectionManager{
		connections:  make(map[string]*Connection),
		channels:     make(map[string]map[string]bool),
		catchup:      catchup,
		writeTimeout: writeTimeout,
	}
}

// SetListener attaches the NotifyListener once both sides exist. Subscribing
// before this is wired only reaches in-process broadcasts.
func (m *ConnectionManager) SetListener(l *NotifyListener) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.listener = l
}

// HandleConnection runs one client's session: greeting, then the read loop
// until the socket closes. Called by the HTTP handler after the upgrade.
func (m *ConnectionManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &Connection{
		ID:            uuid.NewString(),
		Conn:          conn,
		subscriptions: make(map[string]bool),
		ctx:           ctx,
		cancel:        cancel,
	}

	m.registerConnection(c)
	defer m.unregisterConnection(c)

	m.sendJSON(c, map[string]string{
		"type":          "connection.established",
		"connection_id": c.ID,
	})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid WebSocket message", "connection_id", c.ID, "error", err)
			continue
		}
		m.handleClientMessage(ctx, c, &msg)
	}
}

// Broadcast fans an event payload out to every subscriber of a channel.
func (m *ConnectionManager) Broadcast(channel string, event []byte) {
	m.channelMu.RLock()
	subs, ok := m.channels[channel]
	if !ok {
		m.channelMu.RUnlock()
		return
	}
	ids := make([]string, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	m.channelMu.RUnlock()

	// Resolve pointers under the lock, send outside it: a slow client may
	// hold its write for up to writeTimeout and must not block connection
	// registration.
	m.mu.RLock()
	conns := make([]*Connection, 0, len(ids))
	for _, id := range ids {
		if c, ok := m.connections[id]; ok {
			conns = append(conns, c)
		}
	}
	m.mu.RUnlock()

	for _, c := range conns {
		if err := m.sendRaw(c, event); err != nil {
			slog.Warn("WebSocket send failed", "connection_id", c.ID, "error", err)
		}
	}
}

// ActiveConnections returns the number of open WebSocket connections.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// subscriberCount lets tests poll subscription state instead of sleeping.
func (m *ConnectionManager) subscriberCount(channel string) int {
	m.channelMu.RLock()
	defer m.channelMu.RUnlock()
	return len(m.channels[channel])
}

func (m *ConnectionManager) handleClientMessage(ctx context.Context, c *Connection, msg *ClientMessage) {
	switch msg.Action {
	case "subscribe":
		if !validChannel(msg.Channel) {
			m.sendJSON(c, map[string]string{"type": "error", "message": "channel must be run:<id> or collection:<id>"})
			return
		}
		if err := m.subscribe(c, msg.Channel); err != nil {
			m.sendJSON(c, map[string]string{
				"type":    "subscription.error",
				"channel": msg.Channel,
				"message": "failed to subscribe to channel",
			})
			return
		}
		m.sendJSON(c, map[string]string{
			"type":    "subscription.confirmed",
			"channel": msg.Channel,
		})
		// Replay everything already stored so a late subscriber starts
		// complete. LISTEN is active by now, so nothing can fall between
		// the replay and live delivery.
		m.sendCatchup(ctx, c, msg.Channel, 0)

	case "unsubscribe":
		if msg.Channel == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "channel is required for unsubscribe"})
			return
		}
		m.unsubscribe(c, msg.Channel)

	case "catchup":
		if !validChannel(msg.Channel) {
			m.sendJSON(c, map[string]string{"type": "error", "message": "channel must be run:<id> or collection:<id>"})
			return
		}
		if msg.LastEventID != nil {
			m.sendCatchup(ctx, c, msg.Channel, *msg.LastEventID)
		}

	case "ping":
		m.sendJSON(c, map[string]string{"type": "pong"})
	}
}

// subscribe records the subscription and, for a channel's first subscriber,
// runs LISTEN synchronously. Completing LISTEN before returning is what lets
// the auto-replay above guarantee gap-free delivery; a LISTEN failure is
// returned so the caller reports an error instead of a false confirmation.
func (m *ConnectionManager) subscribe(c *Connection, channel string) error {
	m.channelMu.Lock()
	first := false
	if _, ok := m.channels[channel]; !ok {
		m.channels[channel] = make(map[string]bool)
		first = true
	}
	m.channels[channel][c.ID] = true
	m.channelMu.Unlock()

	if first {
		m.listenerMu.RLock()
		l := m.listener
		m.listenerMu.RUnlock()
		if l != nil {
			listenCtx, cancel := context.WithTimeout(context.Background(), listenTimeout)
			defer cancel()
			if err := l.Subscribe(listenCtx, channel); err != nil {
				slog.Error("LISTEN failed", "channel", channel, "error", err)
				m.dropChannel(c, channel)
				return fmt.Errorf("LISTEN on channel %s: %w", channel, err)
			}
		}
	}

	c.subscriptions[channel] = true
	return nil
}

// dropChannel removes a channel whose LISTEN failed and tells every
// subscriber that raced in behind the failing one. Those connections were
// confirmed on the assumption the LISTEN would succeed; subscription.error
// is authoritative and clients must discard the channel and re-subscribe or
// fall back to polling.
func (m *ConnectionManager) dropChannel(triggering *Connection, channel string) {
	m.channelMu.Lock()
	affected := make([]string, 0, len(m.channels[channel]))
	for id := range m.channels[channel] {
		if id != triggering.ID {
			affected = append(affected, id)
		}
	}
	delete(m.channels, channel)
	m.channelMu.Unlock()

	if len(affected) == 0 {
		return
	}

	m.mu.RLock()
	conns := make([]*Connection, 0, len(affected))
	for _, id := range affected {
		if c, ok := m.connections[id]; ok {
			conns = append(conns, c)
		}
	}
	m.mu.RUnlock()

	for _, c := range conns {
		slog.Warn("Dropping subscriber after LISTEN failure", "connection_id", c.ID, "channel", channel)
		m.sendJSON(c, map[string]string{
			"type":    "subscription.error",
			"channel": channel,
			"message": "channel listen failed; subscription removed",
		})
	}
}

// unsubscribe removes the subscription and schedules UNLISTEN when the last
// subscriber leaves.
func (m *ConnectionManager) unsubscribe(c *Connection, channel string) {
	m.channelMu.Lock()
	if subs, ok := m.channels[channel]; ok {
		delete(subs, c.ID)
		if len(subs) == 0 {
			delete(m.channels, channel)
			m.listenerMu.RLock()
			l := m.listener
			m.listenerMu.RUnlock()
			if l != nil {
				// UNLISTEN runs async and re-checks the map first: a
				// rapid unsubscribe/resubscribe cycle must not tear down
				// a LISTEN the new subscriber depends on.
				go func() {
					m.channelMu.RLock()
					_, resubscribed := m.channels[channel]
					m.channelMu.RUnlock()
					if resubscribed {
						return
					}
					if err := l.Unsubscribe(context.Background(), channel); err != nil {
						slog.Error("UNLISTEN failed", "channel", channel, "error", err)
					}
				}()
			}
		}
	}
	m.channelMu.Unlock()

	delete(c.subscriptions, channel)
}

// sendCatchup replays stored events after sinceID to one client, oldest
// first, re-attaching each row's id as db_event_id. Stored payloads do not
// contain the id; it is only injected at delivery time.
func (m *ConnectionManager) sendCatchup(ctx context.Context, c *Connection, channel string, sinceID int64) {
	if m.catchup == nil {
		return
	}

	events, err := m.catchup.GetEventsSince(ctx, channel, sinceID, catchupLimit+1)
	if err != nil {
		slog.Error("Catchup query failed", "channel", channel, "error", err)
		return
	}

	overflow := len(events) > catchupLimit
	if overflow {
		events = events[:catchupLimit]
	}

	for _, evt := range events {
		evt.Payload["db_event_id"] = evt.ID
		payload, err := json.Marshal(evt.Payload)
		if err != nil {
			continue
		}
		if err := m.sendRaw(c, payload); err != nil {
			slog.Warn("Catchup send failed", "connection_id", c.ID, "error", err)
			return
		}
	}

	if overflow {
		m.sendJSON(c, map[string]any{
			"type":     "catchup.overflow",
			"channel":  channel,
			"has_more": true,
		})
	}
}

func (m *ConnectionManager) registerConnection(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[c.ID] = c
}

func (m *ConnectionManager) unregisterConnection(c *Connection) {
	for ch := range c.subscriptions {
		m.unsubscribe(c, ch)
	}

	m.mu.Lock()
	delete(m.connections, c.ID)
	m.mu.Unlock()

	c.cancel()
	_ = c.Conn.Close(websocket.StatusNormalClosure, "")
}

func (m *ConnectionManager) sendJSON(c *Connection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Marshaling WebSocket message failed", "connection_id", c.ID, "error", err)
		return
	}
	if err := m.sendRaw(c, data); err != nil {
		slog.Warn("WebSocket send failed", "connection_id", c.ID, "error", err)
	}
}

func (m *ConnectionManager) sendRaw(c *Connection, data []byte) error {
	writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	return c.Conn.Write(writeCtx, websocket.MessageText, data)
}
