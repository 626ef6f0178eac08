package processor

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"cdc-fanout/internal/models"
)

// Source produces change events; (nil, nil) means nothing is ready yet
type Source interface {
	Next(ctx context.Context) (*models.ChangeEvent, error)
}

// Filter runs every event of a source through a transformer. It is itself a
// source, so it slots in front of the router unchanged.
type Filter struct {
	src         Source
	transformer *Transformer
	logger      *logrus.Logger
}

// NewFilter runs every event from src through transformer
func NewFilter(src Source, transformer *Transformer, logger *logrus.Logger) *Filter {
	return &Filter{
		src:         src,
		transformer: transformer,
		logger:      logger,
	}
}

// Next returns the next event that passes the transformer. Rejected events
// and script failures come back as nil, nil so delivery carries on.
func (f *Filter) Next(ctx context.Context) (*models.ChangeEvent, error) {
	event, err := f.src.Next(ctx)
	if err != nil || event == nil {
		return nil, err
	}

	out, err := f.transformer.Transform(event)
	switch {
	case errors.Is(err, ErrEventRejected):
		f.logger.WithFields(logrus.Fields{
			"table":  event.Table,
			"action": event.Action,
		}).Debug("Event rejected by filter")
		return nil, nil
	case err != nil:
		f.logger.WithFields(logrus.Fields{
			"table":  event.Table,
			"action": event.Action,
		}).Errorf("Error filtering event: %v", err)
		return nil, nil
	}
	return out, nil
}
