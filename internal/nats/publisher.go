package nats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// Conn is the part of *nats.Conn the mirror uses
type Conn interface {
	Publish(subject string, data []byte) error
	IsClosed() bool
}

// Mirror is a subscriber that republishes every broadcast message to a NATS
// subject, so consumers outside this process see the same feed.
type Mirror struct {
	conn    Conn
	subject string
	logger  *logrus.Logger
}

// Connect dials NATS and returns a mirror publishing on subject. The
// connection is shared with the transformer bindings and belongs to the
// caller, who closes it after the router.
func Connect(url, subject string, maxReconnect int, reconnectWait time.Duration, logger *logrus.Logger) (*Mirror, *nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("cdc-fanout"),
		nats.MaxReconnects(maxReconnect),
		nats.ReconnectWait(reconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warnf("NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Infof("NATS reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Warn("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	logger.Infof("Connected to NATS at %s", url)

	return NewMirror(conn, subject, logger), conn, nil
}

// NewMirror wraps an open connection. The mirror never closes it.
func NewMirror(conn Conn, subject string, logger *logrus.Logger) *Mirror {
	return &Mirror{
		conn:    conn,
		subject: subject,
		logger:  logger,
	}
}

// ID names the mirror in the subscriber registry
func (m *Mirror) ID() string {
	return "nats:" + m.subject
}

// Send publishes msg. Publishing is buffered by the client, so ctx is not
// consulted beyond an early cancellation check. Only a closed connection is
// reported; a message the server rejects (too large, bad subject) is logged
// and dropped so the mirror stays registered.
func (m *Mirror) Send(ctx context.Context, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.conn.Publish(m.subject, msg); err != nil {
		if errors.Is(err, nats.ErrConnectionClosed) || m.conn.IsClosed() {
			return fmt.Errorf("failed to publish to NATS: %w", err)
		}
		m.logger.Warnf("Dropped %d byte message for %s: %v", len(msg), m.subject, err)
		return nil
	}

	m.logger.Debugf("Published %d bytes to %s", len(msg), m.subject)
	return nil
}

// Close detaches the mirror. The connection stays open for its owner.
func (m *Mirror) Close() error {
	m.logger.Debugf("NATS mirror on %s closed", m.subject)
	return nil
}
