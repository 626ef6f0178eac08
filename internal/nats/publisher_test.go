package nats

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdc-fanout/internal/fanout"
	"cdc-fanout/internal/models"
)

var _ fanout.Subscriber = (*Mirror)(nil)

var _ Conn = (*nats.Conn)(nil)

type recordingConn struct {
	mu       sync.Mutex
	subjects []string
	payloads []string
	// errs are returned by successive publishes before they start succeeding
	errs   []error
	closed bool
}

func (c *recordingConn) Publish(subject string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.errs) > 0 {
		err := c.errs[0]
		c.errs = c.errs[1:]
		return err
	}
	c.subjects = append(c.subjects, subject)
	c.payloads = append(c.payloads, string(data))
	return nil
}

func (c *recordingConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *recordingConn) published() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.payloads...)
}

func TestMirrorPublishes(t *testing.T) {
	logger, _ := test.NewNullLogger()
	conn := &recordingConn{}
	m := NewMirror(conn, "cdc.table_update", logger)

	require.NoError(t, m.Send(context.Background(), []byte(`{"id":"1"}`)))
	require.NoError(t, m.Send(context.Background(), []byte(`{"id":"2"}`)))

	assert.Equal(t, "nats:cdc.table_update", m.ID())
	assert.Equal(t, []string{"cdc.table_update", "cdc.table_update"}, conn.subjects)
	assert.Equal(t, []string{`{"id":"1"}`, `{"id":"2"}`}, conn.payloads)
}

func TestMirrorSendFailsWhenConnectionClosed(t *testing.T) {
	logger, _ := test.NewNullLogger()
	conn := &recordingConn{errs: []error{nats.ErrConnectionClosed}}
	m := NewMirror(conn, "s", logger)

	err := m.Send(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, nats.ErrConnectionClosed)

	conn.closed = true
	conn.errs = []error{errors.New("nats: connection draining")}
	assert.Error(t, m.Send(context.Background(), []byte("x")))
}

func TestMirrorDropsRejectedMessages(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "payload too large", err: nats.ErrMaxPayload},
		{name: "bad subject", err: nats.ErrBadSubject},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, hook := test.NewNullLogger()
			conn := &recordingConn{errs: []error{tt.err}}
			m := NewMirror(conn, "s", logger)

			assert.NoError(t, m.Send(context.Background(), []byte("x")))
			require.NotNil(t, hook.LastEntry())
			assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)

			assert.NoError(t, m.Send(context.Background(), []byte("y")))
			assert.Equal(t, []string{"y"}, conn.published())
		})
	}
}

func TestMirrorCloseLeavesConnectionOpen(t *testing.T) {
	logger, _ := test.NewNullLogger()
	conn := &recordingConn{}
	m := NewMirror(conn, "s", logger)

	require.NoError(t, m.Close())
	assert.False(t, conn.IsClosed())
}

func TestMirrorRespectsCancelledContext(t *testing.T) {
	logger, _ := test.NewNullLogger()
	conn := &recordingConn{}
	m := NewMirror(conn, "s", logger)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.True(t, errors.Is(m.Send(ctx, []byte("x")), context.Canceled))
	assert.Empty(t, conn.payloads)
}

var errSourceDone = errors.New("source done")

type sliceSource struct {
	ids []string
}

func (s *sliceSource) Next(context.Context) (*models.ChangeEvent, error) {
	if len(s.ids) == 0 {
		return nil, errSourceDone
	}
	id := s.ids[0]
	s.ids = s.ids[1:]
	return &models.ChangeEvent{Table: "tasks", Action: models.ActionInsert, ID: id}, nil
}

func TestMirrorSurvivesOversizedEventOnRouter(t *testing.T) {
	logger, _ := test.NewNullLogger()
	conn := &recordingConn{errs: []error{nats.ErrMaxPayload}}
	m := NewMirror(conn, "cdc.table_update", logger)

	registry := fanout.NewRegistry(logger)
	router := fanout.NewRouter(registry, logger)
	router.Register(m)

	err := router.Run(context.Background(), &sliceSource{ids: []string{"1", "2"}})
	require.ErrorIs(t, err, errSourceDone)

	assert.Equal(t, []string{m.ID()}, registry.IDs())
	published := conn.published()
	require.Len(t, published, 1)
	assert.Contains(t, published[0], `"id":"2"`)
	assert.False(t, conn.IsClosed())

	router.Close()
	assert.False(t, conn.IsClosed())
}
