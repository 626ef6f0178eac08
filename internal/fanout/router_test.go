package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"pgregory.net/rapid"

	"cdc-fanout/internal/models"
)

const waitTimeout = 2 * time.Second

var errEndOfScript = errors.New("end of script")

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSub struct {
	id     string
	failOn int // 1-based send that fails; 0 never fails

	// When block is set, every send waits for it (or for ctx) after
	// signalling entered.
	block   chan struct{}
	entered chan struct{}

	mu     sync.Mutex
	sends  int
	got    []string
	closed int
	recv   chan string
}

func newFakeSub(id string) *fakeSub {
	return &fakeSub{id: id, recv: make(chan string, 100)}
}

func (s *fakeSub) ID() string { return s.id }

func (s *fakeSub) Send(ctx context.Context, msg []byte) error {
	if s.block != nil {
		if s.entered != nil {
			select {
			case s.entered <- struct{}{}:
			default:
			}
		}
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends++
	if s.failOn > 0 && s.sends == s.failOn {
		return errors.New("broken pipe")
	}
	ev, err := models.Parse(msg)
	if err != nil {
		return err
	}
	s.got = append(s.got, ev.ID)
	s.recv <- ev.ID
	return nil
}

func (s *fakeSub) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return errors.New("already closed")
}

func (s *fakeSub) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.got...)
}

func (s *fakeSub) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSub) await(t *testing.T, id string) {
	t.Helper()
	select {
	case got := <-s.recv:
		require.Equal(t, id, got)
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %s to receive %s", s.id, id)
	}
}

// scriptSource returns its items in order, then errEndOfScript.
type scriptSource struct {
	items []item
	calls int
}

type item struct {
	event *models.ChangeEvent
	err   error
}

func (s *scriptSource) Next(ctx context.Context) (*models.ChangeEvent, error) {
	s.calls++
	if len(s.items) == 0 {
		return nil, errEndOfScript
	}
	it := s.items[0]
	s.items = s.items[1:]
	return it.event, it.err
}

// chanSource hands out items as the test pushes them.
type chanSource struct {
	items chan item
}

func newChanSource() *chanSource {
	return &chanSource{items: make(chan item)}
}

func (s *chanSource) Next(ctx context.Context) (*models.ChangeEvent, error) {
	select {
	case it := <-s.items:
		return it.event, it.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *chanSource) push(t *testing.T, it item) {
	t.Helper()
	select {
	case s.items <- it:
	case <-time.After(waitTimeout):
		t.Fatal("timed out pushing to source")
	}
}

func changeEvent(id string) *models.ChangeEvent {
	return &models.ChangeEvent{
		Timestamp: "2024-01-01 00:00:00+00",
		Table:     "tasks",
		Action:    models.ActionInsert,
		ID:        id,
		Record:    fmt.Sprintf(`{"id":%q}`, id),
	}
}

func events(ids ...string) []item {
	items := make([]item, len(ids))
	for i, id := range ids {
		items[i] = item{event: changeEvent(id)}
	}
	return items
}

func newTestRouter(opts ...Option) (*Router, *Registry) {
	logger, _ := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	registry := NewRegistry(logger)
	return NewRouter(registry, logger, opts...), registry
}

func TestEveryEventReachesEverySubscriberInOrder(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		numEvents := rapid.IntRange(1, 30).Draw(rt, "events")
		numSubs := rapid.IntRange(1, 6).Draw(rt, "subscribers")
		concurrency := rapid.IntRange(1, 4).Draw(rt, "concurrency")

		router, _ := newTestRouter(WithSendConcurrency(concurrency))

		subs := make([]*fakeSub, numSubs)
		for i := range subs {
			subs[i] = newFakeSub(fmt.Sprintf("sub-%d", i))
			router.Register(subs[i])
		}

		ids := make([]string, numEvents)
		for i := range ids {
			ids[i] = fmt.Sprintf("ev-%d", i)
		}

		err := router.Run(context.Background(), &scriptSource{items: events(ids...)})
		if !errors.Is(err, errEndOfScript) {
			rt.Fatalf("unexpected error: %v", err)
		}

		for _, sub := range subs {
			got := sub.received()
			if len(got) != len(ids) {
				rt.Fatalf("%s received %d events, want %d", sub.id, len(got), len(ids))
			}
			for i := range ids {
				if got[i] != ids[i] {
					rt.Fatalf("%s received %v, want %v", sub.id, got, ids)
				}
			}
		}
	})
}

func TestFailedSubscriberIsEvicted(t *testing.T) {
	for _, concurrency := range []int{1, 4} {
		t.Run(fmt.Sprintf("concurrency=%d", concurrency), func(t *testing.T) {
			router, registry := newTestRouter(WithSendConcurrency(concurrency))

			a := newFakeSub("a")
			b := newFakeSub("b")
			b.failOn = 2
			router.Register(a)
			router.Register(b)

			err := router.Run(context.Background(), &scriptSource{items: events("1", "2", "3")})
			require.ErrorIs(t, err, errEndOfScript)

			assert.Equal(t, []string{"1", "2", "3"}, a.received())
			assert.Equal(t, []string{"1"}, b.received())
			assert.Equal(t, 1, b.closeCount())
			assert.Zero(t, a.closeCount())
			assert.Equal(t, []string{"a"}, registry.IDs())
		})
	}
}

func TestEvictionKeepsNeighbourInPlace(t *testing.T) {
	router, registry := newTestRouter()

	a, b, c, d := newFakeSub("a"), newFakeSub("b"), newFakeSub("c"), newFakeSub("d")
	b.failOn = 1
	c.failOn = 1
	for _, s := range []*fakeSub{a, b, c, d} {
		router.Register(s)
	}

	err := router.Run(context.Background(), &scriptSource{items: events("1", "2")})
	require.ErrorIs(t, err, errEndOfScript)

	assert.Equal(t, []string{"1", "2"}, d.received(), "subscriber after two evictions must not be skipped")
	assert.Equal(t, []string{"a", "d"}, registry.IDs())
}

func TestRegistrationDuringDelivery(t *testing.T) {
	router, _ := newTestRouter()

	a := newFakeSub("a")
	a.block = make(chan struct{})
	a.entered = make(chan struct{}, 1)
	router.Register(a)

	src := newChanSource()
	handle := router.Start(context.Background(), src)
	defer handle.Stop()

	src.push(t, item{event: changeEvent("1")})
	select {
	case <-a.entered:
	case <-time.After(waitTimeout):
		t.Fatal("delivery of event 1 never started")
	}

	late := newFakeSub("late")
	registered := make(chan struct{})
	go func() {
		router.Register(late)
		close(registered)
	}()
	select {
	case <-registered:
	case <-time.After(waitTimeout):
		t.Fatal("Register blocked on a delivery in progress")
	}

	close(a.block)
	a.await(t, "1")

	src.push(t, item{event: changeEvent("2")})
	a.await(t, "2")
	late.await(t, "2")

	assert.Equal(t, []string{"2"}, late.received())
}

func TestEmptyResultIsSkipped(t *testing.T) {
	router, _ := newTestRouter()
	a := newFakeSub("a")
	router.Register(a)

	src := &scriptSource{items: []item{{}, {}, {event: changeEvent("1")}, {}, {event: changeEvent("2")}}}
	err := router.Run(context.Background(), src)
	require.ErrorIs(t, err, errEndOfScript)

	assert.Equal(t, []string{"1", "2"}, a.received())
}

func TestSourceErrorStopsDelivery(t *testing.T) {
	router, registry := newTestRouter()
	a := newFakeSub("a")
	router.Register(a)

	boom := errors.New("connection closed")
	src := &scriptSource{items: []item{
		{event: changeEvent("1")},
		{err: boom},
		{event: changeEvent("2")},
	}}

	handle := router.Start(context.Background(), src)
	select {
	case <-handle.Done():
	case <-time.After(waitTimeout):
		t.Fatal("router kept running after a source error")
	}

	require.ErrorIs(t, handle.Wait(), boom)
	assert.Equal(t, 2, src.calls, "source must not be read after its error")
	assert.Equal(t, []string{"1"}, a.received())
	assert.Equal(t, []string{"a"}, registry.IDs(), "subscribers stay registered")
	assert.Zero(t, a.closeCount())
}

func TestSendTimeoutEvictsStalledSubscriber(t *testing.T) {
	router, registry := newTestRouter(WithSendConcurrency(2), WithSendTimeout(20*time.Millisecond))

	fast := newFakeSub("fast")
	stalled := newFakeSub("stalled")
	stalled.block = make(chan struct{})
	router.Register(stalled)
	router.Register(fast)

	err := router.Run(context.Background(), &scriptSource{items: events("1", "2")})
	require.ErrorIs(t, err, errEndOfScript)

	assert.Equal(t, []string{"1", "2"}, fast.received())
	assert.Empty(t, stalled.received())
	assert.Equal(t, 1, stalled.closeCount())
	assert.Equal(t, []string{"fast"}, registry.IDs())
}

func TestStopDoesNotEvict(t *testing.T) {
	router, registry := newTestRouter()

	a := newFakeSub("a")
	a.block = make(chan struct{})
	a.entered = make(chan struct{}, 1)
	router.Register(a)

	src := newChanSource()
	handle := router.Start(context.Background(), src)
	src.push(t, item{event: changeEvent("1")})
	<-a.entered

	require.NoError(t, handle.Stop())
	assert.Equal(t, []string{"a"}, registry.IDs())
	assert.Zero(t, a.closeCount())
}

func TestUnregister(t *testing.T) {
	router, registry := newTestRouter()

	a := newFakeSub("a")
	dupe1 := newFakeSub("dupe")
	dupe2 := newFakeSub("dupe")
	router.Register(a)
	router.Register(dupe1)

	// Move the first two to the active set.
	err := router.Run(context.Background(), &scriptSource{items: events("1")})
	require.ErrorIs(t, err, errEndOfScript)
	router.Register(dupe2)
	require.Equal(t, 3, registry.Len())

	assert.Equal(t, 2, router.Unregister("dupe"))
	assert.Equal(t, 1, dupe1.closeCount())
	assert.Equal(t, 1, dupe2.closeCount())
	assert.Equal(t, []string{"a"}, registry.IDs())
	assert.Equal(t, 1, registry.Len())

	assert.Zero(t, router.Unregister("missing"))
}

func TestRemoveTakesOnlyThatSubscriber(t *testing.T) {
	router, registry := newTestRouter()

	stale := newFakeSub("10.0.0.1:5000")
	router.Register(stale)
	err := router.Run(context.Background(), &scriptSource{items: events("1")})
	require.ErrorIs(t, err, errEndOfScript)

	// A new connection reuses the address before the old one is removed.
	fresh := newFakeSub("10.0.0.1:5000")
	router.Register(fresh)

	assert.True(t, router.Remove(stale))
	assert.Equal(t, 1, stale.closeCount())
	assert.Zero(t, fresh.closeCount())
	assert.Equal(t, []string{"10.0.0.1:5000"}, registry.IDs())

	assert.False(t, router.Remove(stale), "second removal finds nothing")
	assert.Equal(t, 1, stale.closeCount())

	err = router.Run(context.Background(), &scriptSource{items: events("2")})
	require.ErrorIs(t, err, errEndOfScript)
	assert.Equal(t, []string{"1"}, stale.received())
	assert.Equal(t, []string{"2"}, fresh.received())

	assert.True(t, router.Remove(fresh))
	assert.Zero(t, registry.Len())
}

func TestCloseClosesEverySubscriber(t *testing.T) {
	router, registry := newTestRouter()
	a, b := newFakeSub("a"), newFakeSub("b")
	router.Register(a)
	router.Register(b)

	router.Close()

	assert.Equal(t, 1, a.closeCount())
	assert.Equal(t, 1, b.closeCount())
	assert.Zero(t, registry.Len())
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	require.NoError(t, err)

	router, _ := newTestRouter(WithMetrics(metrics))
	a, b := newFakeSub("a"), newFakeSub("b")
	b.failOn = 1
	router.Register(a)
	router.Register(b)

	err = router.Run(context.Background(), &scriptSource{items: events("1", "2")})
	require.ErrorIs(t, err, errEndOfScript)

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.events))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.deliveries))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.evictions))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.subscribers))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.feedErrors))

	_, err = NewMetrics(reg)
	assert.Error(t, err, "registering twice must fail")
}
