package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"cdc-fanout/internal/fanout"
)

const closeGracePeriod = time.Second

// Subscriber is the write half of an upgraded websocket. The router is its
// only writer.
type Subscriber struct {
	conn      *websocket.Conn
	id        string
	logger    *logrus.Entry
	closeOnce sync.Once
	closeErr  error
}

// NewSubscriber names the subscriber after the peer address
func NewSubscriber(conn *websocket.Conn, logger *logrus.Logger) *Subscriber {
	id := conn.RemoteAddr().String()
	return &Subscriber{
		conn:   conn,
		id:     id,
		logger: logger.WithField("subscriber", id),
	}
}

// ID is the peer address
func (s *Subscriber) ID() string {
	return s.id
}

// Send writes msg as one text frame. A deadline on ctx bounds the write.
func (s *Subscriber) Send(ctx context.Context, msg []byte) error {
	deadline, _ := ctx.Deadline()
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, msg)
}

// Close says goodbye to the peer and closes the socket. Only the first call
// does anything.
func (s *Subscriber) Close() error {
	s.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

// Watch reads from the peer until it closes or the connection fails, then
// removes this subscriber. Another connection from the same address keeps its
// route. Inbound messages are only logged.
func (s *Subscriber) Watch(ctx context.Context, remove func(sub fanout.Subscriber) bool) {
	stop := context.AfterFunc(ctx, func() {
		s.conn.Close()
	})
	defer stop()

	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			switch {
			case errors.As(err, &closeErr) && closeErr.Code == websocket.CloseNoStatusReceived:
				s.logger.Debug("Client sent close without a status code")
			case errors.As(err, &closeErr):
				s.logger.Debugf("Client sent close with code %d and reason %q", closeErr.Code, closeErr.Text)
			default:
				s.logger.Debugf("Stopped reading from client: %v", err)
			}
			break
		}
		s.logger.Debugf("Client sent unsolicited %s message: %q", messageKind(kind), data)
	}

	if remove(s) {
		s.logger.Debug("Removed route after client went away")
	}
}

func messageKind(kind int) string {
	switch kind {
	case websocket.TextMessage:
		return "text"
	case websocket.BinaryMessage:
		return "binary"
	}
	return "unknown"
}
