package fanout

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"cdc-fanout/internal/models"
)

// Source produces change events one at a time. A nil event with a nil error
// means nothing was available this time; any error ends delivery.
type Source interface {
	Next(ctx context.Context) (*models.ChangeEvent, error)
}

// Router broadcasts every event from a Source to the registered subscribers.
type Router struct {
	registry    *Registry
	logger      *logrus.Logger
	metrics     *Metrics
	concurrency int
	sendTimeout time.Duration
}

// Option configures a Router
type Option func(*Router)

// WithSendConcurrency bounds the sends in flight for one event. 1 sends to
// subscribers one after another.
func WithSendConcurrency(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithSendTimeout evicts a subscriber whose send takes longer than d.
// Zero waits forever.
func WithSendTimeout(d time.Duration) Option {
	return func(r *Router) {
		r.sendTimeout = d
	}
}

// WithMetrics records router activity in m.
func WithMetrics(m *Metrics) Option {
	return func(r *Router) {
		r.metrics = m
	}
}

// NewRouter builds a router over registry. Sends are sequential and
// unbounded in time unless options say otherwise.
func NewRouter(registry *Registry, logger *logrus.Logger, opts ...Option) *Router {
	r := &Router{
		registry:    registry,
		logger:      logger,
		concurrency: 1,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a subscriber; it receives events from the next one on.
func (r *Router) Register(sub Subscriber) {
	r.registry.Register(sub)
}

// Unregister removes and closes the subscribers with the given id.
func (r *Router) Unregister(id string) int {
	return r.registry.Unregister(id)
}

// Remove removes and closes sub alone, leaving other entries with its id.
func (r *Router) Remove(sub Subscriber) bool {
	return r.registry.Remove(sub)
}

// Close closes every registered subscriber.
func (r *Router) Close() {
	r.registry.closeAll()
}

// Run delivers events from src until src fails or ctx is cancelled. The
// source's error is returned; cancellation returns nil. Subscribers stay
// registered either way.
func (r *Router) Run(ctx context.Context, src Source) error {
	r.logger.Info("Starting change router...")

	for {
		event, err := src.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				r.logger.Info("Context cancelled, stopping change router")
				return nil
			}
			r.metrics.feedFailed()
			r.logger.Errorf("Finishing change router with error: %v", err)
			return fmt.Errorf("change source failed: %w", err)
		}
		if event == nil {
			r.logger.Debug("Got no event from change source; continuing")
			continue
		}

		r.deliver(ctx, event)
	}
}

func (r *Router) deliver(ctx context.Context, event *models.ChangeEvent) {
	if n := r.registry.drain(); n > 0 {
		r.logger.Debugf("Activated %d new route(s)", n)
	}

	msg, err := event.Encode()
	if err != nil {
		r.logger.Errorf("Dropping event %s: %v", event, err)
		return
	}

	sent, evicted := r.registry.broadcast(ctx, msg, r.concurrency, r.sendTimeout)
	r.metrics.delivered(sent, len(evicted))
	r.logger.Debugf("Notified %d client(s), evicted %d, with %s", sent, len(evicted), event)
}

// Handle is a running delivery loop.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Start runs Run in a new goroutine.
func (r *Router) Start(ctx context.Context, src Source) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(h.done)
		h.err = r.Run(ctx, src)
	}()
	return h
}

// Done is closed when the loop has returned.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the loop returns and reports its error.
func (h *Handle) Wait() error {
	<-h.done
	return h.err
}

// Stop cancels the loop and waits for it.
func (h *Handle) Stop() error {
	h.cancel()
	return h.Wait()
}
