package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
)

const (
	// waitSlice bounds WaitForNotification so the receive loop periodically
	// returns to drain pending LISTEN/UNLISTEN commands.
	waitSlice = 100 * time.Millisecond

	reconnectBase = time.Second
	reconnectCap  = 30 * time.Second
)

// listenCmd is a LISTEN or UNLISTEN statement queued for the receive loop,
// which is the only goroutine allowed to touch the pgx connection.
type listenCmd struct {
	sql    string
	result chan error
}

// NotifyListener holds the dedicated LISTEN connection and forwards every
// notification to the ConnectionManager. A lost connection is re-established
// with exponential backoff and all registered channels are re-LISTENed, so
// subscribers survive a database restart (events published during the gap
// are recovered through catchup).
type NotifyListener struct {
	dsn     string
	manager *ConnectionManager

	mu   sync.Mutex
	conn *pgx.Conn

	channelsMu sync.RWMutex
	channels   map[string]bool

	// cmdCh serializes LISTEN/UNLISTEN through the receive loop. Running
	// them from caller goroutines would race WaitForNotification on the
	// shared connection.
	cmdCh   chan listenCmd
	started atomic.Bool

	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

// NewNotifyListener creates a listener. Start must be called before
// Subscribe has any effect.
func NewNotifyListener(dsn string, manager *ConnectionManager) *NotifyListener {
	return &NotifyListener{
		dsn:      dsn,
		manager:  manager,
		channels: make(map[string]bool),
		cmdCh:    make(chan listenCmd, 16),
	}
}

// Start opens the dedicated connection and launches the receive loop.
func (l *NotifyListener) Start(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.dsn)
	if err != nil {
		return fmt.Errorf("connecting for LISTEN: %w", err)
	}

	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
	l.started.Store(true)

	loopCtx, cancel := context.WithCancel(ctx)
	l.loopCancel = cancel
	l.loopDone = make(chan struct{})
	go func() {
		defer close(l.loopDone)
		l.receiveLoop(loopCtx)
	}()

	slog.Info("Event listener started")
	return nil
}

// Subscribe issues LISTEN for a channel. Idempotent per channel. Returns
// once the statement has run, so callers know notifications will arrive from
// this point on.
func (l *NotifyListener) Subscribe(ctx context.Context, channel string) error {
	l.channelsMu.Lock()
	if l.channels[channel] {
		l.channelsMu.Unlock()
		return nil
	}
	l.channelsMu.Unlock()

	if !l.started.Load() {
		return fmt.Errorf("LISTEN connection not established")
	}

	sanitized := pgx.Identifier{channel}.Sanitize()
	if err := l.runCmd(ctx, "LISTEN "+sanitized); err != nil {
		return fmt.Errorf("LISTEN %s: %w", sanitized, err)
	}

	l.channelsMu.Lock()
	l.channels[channel] = true
	l.channelsMu.Unlock()
	slog.Debug("Listening on channel", "channel", channel)
	return nil
}

// Unsubscribe issues UNLISTEN for a channel. A channel that was never
// subscribed is a no-op.
func (l *NotifyListener) Unsubscribe(ctx context.Context, channel string) error {
	l.channelsMu.Lock()
	if !l.channels[channel] {
		l.channelsMu.Unlock()
		return nil
	}
	l.channelsMu.Unlock()

	if !l.started.Load() {
		return nil
	}

	sanitized := pgx.Identifier{channel}.Sanitize()
	if err := l.runCmd(ctx, "UNLISTEN "+sanitized); err != nil {
		return fmt.Errorf("UNLISTEN %s: %w", sanitized, err)
	}

	l.channelsMu.Lock()
	delete(l.channels, channel)
	l.channelsMu.Unlock()
	return nil
}

// runCmd hands one statement to the receive loop and waits for its result.
func (l *NotifyListener) runCmd(ctx context.Context, sql string) error {
	cmd := listenCmd{sql: sql, result: make(chan error, 1)}
	select {
	case l.cmdCh <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// receiveLoop drains commands, waits for notifications, and hands each one
// to the manager. All connection access happens here.
func (l *NotifyListener) receiveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		l.drainCmds(ctx)

		l.mu.Lock()
		conn := l.conn
		l.mu.Unlock()
		if conn == nil {
			l.reconnect(ctx)
			continue
		}

		waitCtx, cancel := context.WithTimeout(ctx, waitSlice)
		notification, err := conn.WaitForNotification(waitCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if waitCtx.Err() != nil {
				continue // wait slice elapsed, go check for commands
			}
			slog.Error("LISTEN connection lost", "error", err)
			l.reconnect(ctx)
			continue
		}

		l.manager.Broadcast(notification.Channel, []byte(notification.Payload))
	}
}

// drainCmds executes every queued LISTEN/UNLISTEN statement.
func (l *NotifyListener) drainCmds(ctx context.Context) {
	for {
		select {
		case cmd := <-l.cmdCh:
			l.mu.Lock()
			conn := l.conn
			l.mu.Unlock()
			if conn == nil {
				cmd.result <- fmt.Errorf("LISTEN connection not established")
				continue
			}
			_, err := conn.Exec(ctx, cmd.sql)
			cmd.result <- err
		default:
			return
		}
	}
}

// reconnect re-establishes the connection with backoff and re-LISTENs every
// registered channel.
func (l *NotifyListener) reconnect(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn != nil {
		_ = l.conn.Close(ctx)
		l.conn = nil
	}

	backoff := reconnectBase
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		conn, err := pgx.Connect(ctx, l.dsn)
		if err != nil {
			slog.Error("LISTEN reconnect failed", "error", err, "backoff", backoff)
			backoff = min(backoff*2, reconnectCap)
			continue
		}
		l.conn = conn

		l.channelsMu.RLock()
		for ch := range l.channels {
			if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ch}.Sanitize()); err != nil {
				slog.Error("Re-LISTEN after reconnect failed", "channel", ch, "error", err)
			}
		}
		l.channelsMu.RUnlock()

		slog.Info("Event listener reconnected")
		return
	}
}

// Stop shuts down the receive loop, then closes the connection. Waiting for
// the loop first keeps WaitForNotification and Close off the connection at
// the same time.
func (l *NotifyListener) Stop(ctx context.Context) {
	l.started.Store(false)

	if l.loopCancel != nil {
		l.loopCancel()
	}
	if l.loopDone != nil {
		<-l.loopDone
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		_ = l.conn.Close(ctx)
		l.conn = nil
	}
}
