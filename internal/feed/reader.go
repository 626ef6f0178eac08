package feed

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"cdc-fanout/internal/models"
)

// FeedError is the terminal error of a feed. Once returned the reader
// yields nothing else.
type FeedError struct {
	Err error
}

func (e *FeedError) Error() string {
	return fmt.Sprintf("change feed failed: %v", e.Err)
}

func (e *FeedError) Unwrap() error {
	return e.Err
}

// Options for Open
type Options struct {
	Channel      string
	PollInterval time.Duration
}

// Reader turns raw notifications into change events
type Reader struct {
	listener Listener
	logger   *logrus.Logger
	err      *FeedError
}

// Open starts listening on a dedicated connection derived from the pool
// configuration.
func Open(ctx context.Context, pool *pgxpool.Pool, opts Options, logger *logrus.Logger) (*Reader, error) {
	listener, err := NewPGListener(ctx, pool.Config().ConnConfig, []string{opts.Channel}, opts.PollInterval, logger)
	if err != nil {
		return nil, err
	}
	return NewReader(listener, logger), nil
}

// NewReader reads change events from an already subscribed listener.
// The reader owns the listener and closes it.
func NewReader(listener Listener, logger *logrus.Logger) *Reader {
	return &Reader{
		listener: listener,
		logger:   logger,
	}
}

// Next blocks until the next well-formed event. Malformed payloads and
// transient gaps are absorbed here. A listener failure is returned as a
// *FeedError and ends the feed.
func (r *Reader) Next(ctx context.Context) (*models.ChangeEvent, error) {
	if r.err != nil {
		return nil, r.err
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		n, err := r.listener.Wait(ctx)
		switch {
		case err == nil:
		case errors.Is(err, ErrNoNotification):
			continue
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			r.err = &FeedError{Err: err}
			r.logger.Errorf("Change feed terminated: %v", err)
			return nil, r.err
		}

		r.logger.Debugf("Received notification on %s: %s", n.Channel, n.Payload)
		event, err := models.Parse([]byte(n.Payload))
		if err != nil {
			r.logger.WithField("channel", n.Channel).Warnf("Discarding unparseable notification (%q): %v", n.Payload, err)
			continue
		}
		return event, nil
	}
}

// All is the feed as a lazy sequence. It ends after yielding the terminal
// error, or when ctx is cancelled.
func (r *Reader) All(ctx context.Context) iter.Seq2[*models.ChangeEvent, error] {
	return func(yield func(*models.ChangeEvent, error) bool) {
		for {
			event, err := r.Next(ctx)
			if err != nil {
				if ctx.Err() == nil {
					yield(nil, err)
				}
				return
			}
			if !yield(event, nil) {
				return
			}
		}
	}
}

// Close closes the underlying listener
func (r *Reader) Close(ctx context.Context) error {
	return r.listener.Close(ctx)
}
