package feed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"
)

// ErrNoNotification is returned by Listener.Wait when nothing arrived and the
// state of the connection is unknown. Callers wait again.
var ErrNoNotification = errors.New("no notification available")

// Notification is one raw message from the database publish mechanism
type Notification struct {
	Channel string
	Payload string
}

// Listener waits for notifications on a set of channels
type Listener interface {
	Wait(ctx context.Context) (*Notification, error)
	Close(ctx context.Context) error
}

// PGListener holds a dedicated connection subscribed with LISTEN.
// It is not safe for concurrent use.
type PGListener struct {
	config       *pgx.ConnConfig
	channels     []string
	pollInterval time.Duration
	conn         *pgx.Conn
	logger       *logrus.Logger
}

// NewPGListener connects and subscribes to channels. An error here means the
// database is unreachable and is fatal to the caller.
func NewPGListener(ctx context.Context, config *pgx.ConnConfig, channels []string, pollInterval time.Duration, logger *logrus.Logger) (*PGListener, error) {
	if len(channels) == 0 {
		return nil, fmt.Errorf("no channels to listen on")
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}

	l := &PGListener{
		config:       config,
		channels:     channels,
		pollInterval: pollInterval,
		logger:       logger,
	}

	logger.Debugf("Setting up DB listeners on channels %v", channels)
	if err := l.connect(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *PGListener) connect(ctx context.Context) error {
	conn, err := pgx.ConnectConfig(ctx, l.config.Copy())
	if err != nil {
		return fmt.Errorf("failed to connect listener: %w", err)
	}

	for _, channel := range l.channels {
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
			conn.Close(ctx)
			return fmt.Errorf("failed to listen on %s: %w", channel, err)
		}
	}

	l.conn = conn
	return nil
}

// Wait blocks for at most the poll interval. A lost connection is dropped and
// reported as ErrNoNotification; the next call reconnects and listens again.
// Notifications sent while disconnected are lost.
func (l *PGListener) Wait(ctx context.Context) (*Notification, error) {
	if l.conn == nil {
		if err := l.connect(ctx); err != nil {
			return nil, err
		}
		l.logger.Info("Notification listener reconnected")
	}

	waitCtx, cancel := context.WithTimeout(ctx, l.pollInterval)
	n, err := l.conn.WaitForNotification(waitCtx)
	cancel()

	if err == nil {
		return &Notification{Channel: n.Channel, Payload: n.Payload}, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if l.conn.IsClosed() {
		l.logger.Warnf("Notification listener lost database connection, some notifications may be lost: %v", err)
		l.conn = nil
		return nil, ErrNoNotification
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, ErrNoNotification
	}
	return nil, fmt.Errorf("failed to wait for notification: %w", err)
}

// Close releases the listen connection
func (l *PGListener) Close(ctx context.Context) error {
	if l.conn == nil {
		return nil
	}
	err := l.conn.Close(ctx)
	l.conn = nil
	return err
}
