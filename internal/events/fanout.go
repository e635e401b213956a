package events

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// Fanout delivers every event to a set of publishers. A failing publisher
// does not prevent delivery to the others.
type Fanout struct {
	mu         sync.RWMutex
	publishers []Publisher
	logger     *zap.Logger
}

// NewFanout creates a Fanout over publishers.
func NewFanout(logger *zap.Logger, publishers ...Publisher) *Fanout {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fanout{publishers: publishers, logger: logger}
}

// Add registers another publisher.
func (f *Fanout) Add(p Publisher) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishers = append(f.publishers, p)
}

// Len returns the number of publishers.
func (f *Fanout) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.publishers)
}

// Publish implements Publisher. It returns the joined errors of all
// failing publishers.
func (f *Fanout) Publish(ctx context.Context, event *Event) error {
	if err := event.Validate(); err != nil {
		return err
	}

	f.mu.RLock()
	publishers := append([]Publisher(nil), f.publishers...)
	f.mu.RUnlock()

	var errs []error
	for _, p := range publishers {
		if err := p.Publish(ctx, event); err != nil {
			f.logger.Warn("event publisher failed",
				zap.String("event_id", event.ID),
				zap.String("event_type", string(event.Type)),
				zap.Error(err),
			)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close implements Publisher and closes every publisher.
func (f *Fanout) Close() error {
	f.mu.Lock()
	publishers := f.publishers
	f.publishers = nil
	f.mu.Unlock()

	var errs []error
	for _, p := range publishers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
