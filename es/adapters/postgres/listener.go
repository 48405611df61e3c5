package postgres

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/lib/pq"

	"github.com/Wet-Ink-Corporation/praecepta-sub002/es"
)

// Notifier receives committed global positions. *notify.Feed implements it.
type Notifier interface {
	Notify(position int64)
}

// ListenerConfig configures a Listener.
type ListenerConfig struct {
	// Logger is an optional logger. If nil, logging is disabled.
	Logger es.Logger

	// Channel is the LISTEN/NOTIFY channel, matching StoreConfig.NotifyChannel.
	Channel string

	// MinReconnectInterval is the first delay after a lost connection.
	MinReconnectInterval time.Duration

	// MaxReconnectInterval caps the reconnect delay.
	MaxReconnectInterval time.Duration

	// PingInterval is how often an idle connection is checked.
	PingInterval time.Duration
}

// DefaultListenerConfig returns the default configuration.
func DefaultListenerConfig() ListenerConfig {
	return ListenerConfig{
		Channel:              DefaultNotifyChannel,
		MinReconnectInterval: 100 * time.Millisecond,
		MaxReconnectInterval: 10 * time.Second,
		PingInterval:         90 * time.Second,
	}
}

// Listener relays Postgres notifications published by Store.Append into a
// Notifier. It holds one dedicated connection of its own, which callers
// register with the budget manager as a pool of size 1.
type Listener struct {
	target Notifier
	dsn    string
	config ListenerConfig
}

// NewListener creates a listener for the database at dsn.
func NewListener(dsn string, target Notifier, config ListenerConfig) *Listener {
	return &Listener{
		dsn:    dsn,
		target: target,
		config: config,
	}
}

// Run listens until ctx is canceled.
func (l *Listener) Run(ctx context.Context) error {
	listener := pq.NewListener(l.dsn, l.config.MinReconnectInterval, l.config.MaxReconnectInterval,
		func(event pq.ListenerEventType, err error) {
			l.logEvent(ctx, event, err)
		})
	defer listener.Close()

	if err := listener.Listen(l.config.Channel); err != nil {
		return fmt.Errorf("listen on %s: %w", l.config.Channel, err)
	}

	if l.config.Logger != nil {
		l.config.Logger.Info(ctx, "notification listener started", "channel", l.config.Channel)
	}

	pingInterval := l.config.PingInterval
	if pingInterval <= 0 {
		pingInterval = DefaultListenerConfig().PingInterval
	}
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if l.config.Logger != nil {
				l.config.Logger.Info(ctx, "notification listener stopped", "channel", l.config.Channel)
			}
			return ctx.Err()
		case n := <-listener.Notify:
			l.handle(ctx, n)
		case <-ticker.C:
			if err := listener.Ping(); err != nil && l.config.Logger != nil {
				l.config.Logger.Warn(ctx, "notification listener ping failed", "error", err)
			}
		}
	}
}

// handle forwards one notification. pq delivers nil after a reconnect; since
// notifications sent while disconnected are lost, subscribers get a bare
// wakeup and catch up by polling.
func (l *Listener) handle(ctx context.Context, n *pq.Notification) {
	if n == nil {
		l.target.Notify(0)
		return
	}

	position, err := strconv.ParseInt(n.Extra, 10, 64)
	if err != nil {
		if l.config.Logger != nil {
			l.config.Logger.Warn(ctx, "malformed notification payload",
				"channel", n.Channel,
				"payload", n.Extra)
		}
		l.target.Notify(0)
		return
	}
	l.target.Notify(position)
}

func (l *Listener) logEvent(ctx context.Context, event pq.ListenerEventType, err error) {
	if l.config.Logger == nil {
		return
	}
	switch event {
	case pq.ListenerEventConnected:
		l.config.Logger.Debug(ctx, "notification listener connected")
	case pq.ListenerEventDisconnected:
		l.config.Logger.Warn(ctx, "notification listener disconnected", "error", err)
	case pq.ListenerEventReconnected:
		l.config.Logger.Info(ctx, "notification listener reconnected")
	case pq.ListenerEventConnectionAttemptFailed:
		l.config.Logger.Error(ctx, "notification listener reconnect failed", "error", err)
	}
}
