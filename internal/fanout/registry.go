package fanout

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Subscriber is one live outbound connection. Send must return an error
// once the connection is unusable.
type Subscriber interface {
	ID() string
	Send(ctx context.Context, msg []byte) error
	Close() error
}

// Registry holds the active subscribers and the ones registered since the
// last delivery. Lock order is active before pending.
type Registry struct {
	activeMu sync.Mutex
	active   []Subscriber

	pendingMu sync.Mutex
	pending   []Subscriber

	logger *logrus.Logger
}

// NewRegistry returns an empty registry
func NewRegistry(logger *logrus.Logger) *Registry {
	return &Registry{logger: logger}
}

// Register queues sub for the next delivery. It never waits on a delivery in
// progress. Registering the same id twice creates two entries.
func (r *Registry) Register(sub Subscriber) {
	r.pendingMu.Lock()
	r.pending = append(r.pending, sub)
	r.pendingMu.Unlock()

	r.logger.WithField("subscriber", sub.ID()).Debug("Adding route for client")
}

// Unregister removes every entry with the given id, active or pending, and
// closes them. It waits for a delivery in progress to finish.
func (r *Registry) Unregister(id string) int {
	var removed []Subscriber

	r.activeMu.Lock()
	r.active, removed = removeID(r.active, id, removed)
	r.pendingMu.Lock()
	r.pending, removed = removeID(r.pending, id, removed)
	r.pendingMu.Unlock()
	r.activeMu.Unlock()

	for _, sub := range removed {
		r.closeSub(sub)
	}
	if len(removed) > 0 {
		r.logger.WithField("subscriber", id).Debugf("Removed %d route(s)", len(removed))
	}
	return len(removed)
}

// Remove drops sub itself, active or pending, and closes it. Other entries
// with the same id stay registered. sub must be comparable; every subscriber
// in this module is a pointer.
func (r *Registry) Remove(sub Subscriber) bool {
	same := func(s Subscriber) bool { return s == sub }
	var removed []Subscriber

	r.activeMu.Lock()
	r.active, removed = removeFunc(r.active, same, removed)
	r.pendingMu.Lock()
	r.pending, removed = removeFunc(r.pending, same, removed)
	r.pendingMu.Unlock()
	r.activeMu.Unlock()

	if len(removed) == 0 {
		return false
	}
	for _, s := range removed {
		r.closeSub(s)
	}
	r.logger.WithField("subscriber", sub.ID()).Debug("Removed route")
	return true
}

func removeID(subs []Subscriber, id string, removed []Subscriber) ([]Subscriber, []Subscriber) {
	return removeFunc(subs, func(s Subscriber) bool { return s.ID() == id }, removed)
}

func removeFunc(subs []Subscriber, match func(Subscriber) bool, removed []Subscriber) ([]Subscriber, []Subscriber) {
	kept := subs[:0]
	for _, sub := range subs {
		if match(sub) {
			removed = append(removed, sub)
			continue
		}
		kept = append(kept, sub)
	}
	clear(subs[len(kept):])
	return kept, removed
}

// Len counts active and pending subscribers.
func (r *Registry) Len() int {
	r.activeMu.Lock()
	defer r.activeMu.Unlock()
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	return len(r.active) + len(r.pending)
}

// IDs returns the ids of active subscribers in delivery order.
func (r *Registry) IDs() []string {
	r.activeMu.Lock()
	defer r.activeMu.Unlock()

	ids := make([]string, len(r.active))
	for i, sub := range r.active {
		ids[i] = sub.ID()
	}
	return ids
}

// drain moves pending subscribers to the end of the active set and returns
// how many were moved.
func (r *Registry) drain() int {
	r.activeMu.Lock()
	defer r.activeMu.Unlock()
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()

	n := len(r.pending)
	r.active = append(r.active, r.pending...)
	clear(r.pending)
	r.pending = r.pending[:0]
	return n
}

// broadcast sends msg to every active subscriber with at most concurrency
// sends in flight, then evicts the ones that failed. The active set is
// locked for the whole pass. It returns the number of successful sends and
// the evicted subscribers, already closed.
func (r *Registry) broadcast(ctx context.Context, msg []byte, concurrency int, timeout time.Duration) (int, []Subscriber) {
	r.activeMu.Lock()

	results := make([]error, len(r.active))
	var g errgroup.Group
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}
	for i, sub := range r.active {
		g.Go(func() error {
			results[i] = send(ctx, sub, msg, timeout)
			return nil
		})
	}
	g.Wait()

	// Sends cut short by shutdown say nothing about the subscriber.
	if ctx.Err() != nil {
		r.activeMu.Unlock()
		return 0, nil
	}

	var evicted []Subscriber
	kept := r.active[:0]
	for i, sub := range r.active {
		if err := results[i]; err != nil {
			r.logger.WithField("subscriber", sub.ID()).Infof("Failed to send, removing route: %v", err)
			evicted = append(evicted, sub)
			continue
		}
		kept = append(kept, sub)
	}
	clear(r.active[len(kept):])
	r.active = kept

	r.activeMu.Unlock()

	for _, sub := range evicted {
		r.closeSub(sub)
	}
	return len(kept), evicted
}

func send(ctx context.Context, sub Subscriber, msg []byte, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return sub.Send(ctx, msg)
}

func (r *Registry) closeSub(sub Subscriber) {
	if err := sub.Close(); err != nil {
		r.logger.WithField("subscriber", sub.ID()).Debugf("Error closing sink: %v", err)
	}
}

// closeAll closes and forgets every subscriber.
func (r *Registry) closeAll() {
	r.activeMu.Lock()
	r.pendingMu.Lock()
	subs := append(r.active, r.pending...)
	r.active, r.pending = nil, nil
	r.pendingMu.Unlock()
	r.activeMu.Unlock()

	for _, sub := range subs {
		r.closeSub(sub)
	}
}
