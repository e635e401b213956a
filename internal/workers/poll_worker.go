// Package workers provides the background loop that long-polls a polling
// channel, dispatches each notification and acknowledges it.
package workers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/piwi3910/trafficweave/internal/onem2m"
)

// DefaultPollDelay is the pause between two poll cycles.
const DefaultPollDelay = 50 * time.Millisecond

// State is the state of a PollWorker.
type State int

// Worker states.
const (
	StateIdle State = iota
	StatePolling
)

// String returns the state name.
func (s State) String() string {
	if s == StatePolling {
		return "polling"
	}
	return "idle"
}

// Poller performs the polling channel exchange. *onem2m.Connection
// implements it.
type Poller interface {
	Poll(ctx context.Context, pch *onem2m.PollingChannel) (*onem2m.Notification, error)
	Acknowledge(ctx context.Context, pch *onem2m.PollingChannel, n *onem2m.Notification) error
}

// Handler dispatches one notification. It runs before the acknowledgement.
type Handler func(ctx context.Context, n *onem2m.Notification) error

// PollConfig holds configuration for creating a PollWorker.
type PollConfig struct {
	// Poller performs the poll and acknowledge requests.
	Poller Poller

	// Logger is the logger to use.
	Logger *zap.Logger

	// Delay is the pause between poll cycles (default: 50ms).
	Delay time.Duration

	// OnError is called when the loop stops on a failure (optional).
	OnError func(error)
}

// PollWorker runs at most one poll loop at a time. A failed poll or
// acknowledgement stops the loop; it is never restarted automatically.
type PollWorker struct {
	poller  Poller
	logger  *zap.Logger
	delay   time.Duration
	onError func(error)

	mu         sync.Mutex
	state      State
	generation uint64
	channel    *onem2m.PollingChannel

	// done is closed when the most recently started loop returns.
	done chan struct{}

	// wg tracks running loops.
	wg sync.WaitGroup
}

// NewPollWorker creates a new PollWorker.
func NewPollWorker(cfg *PollConfig) (*PollWorker, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Poller == nil {
		return nil, fmt.Errorf("poller cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	delay := cfg.Delay
	if delay == 0 {
		delay = DefaultPollDelay
	}

	return &PollWorker{
		poller:  cfg.Poller,
		logger:  cfg.Logger,
		delay:   delay,
		onError: cfg.OnError,
	}, nil
}

// Start begins polling pch and dispatching to handler. It is a no-op when
// the worker is already polling. After a Stop the new loop issues its first
// poll only once the previous loop has returned. The loop ends when ctx is
// cancelled, when Stop is called, or on the first hard failure.
func (w *PollWorker) Start(ctx context.Context, pch *onem2m.PollingChannel, handler Handler) error {
	if pch == nil || pch.ID == "" {
		return fmt.Errorf("polling channel cannot be empty")
	}
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == StatePolling {
		return nil
	}
	w.state = StatePolling
	w.generation++
	w.channel = pch
	gen := w.generation
	prev := w.done
	done := make(chan struct{})
	w.done = done

	w.wg.Add(1)
	go w.run(ctx, gen, pch, handler, prev, done)

	w.logger.Info("polling channel started", zap.String("pch_id", pch.ID))
	return nil
}

// Stop switches the worker to idle. A poll in flight completes and a
// notification it returns is still dispatched and acknowledged; no further
// poll is issued.
func (w *PollWorker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != StatePolling {
		return
	}
	w.state = StateIdle
	w.generation++
	w.logger.Info("polling channel stopped")
}

// Wait blocks until every loop has returned.
func (w *PollWorker) Wait() {
	w.wg.Wait()
}

// State returns the current state.
func (w *PollWorker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Channel returns the channel of the current or last loop.
func (w *PollWorker) Channel() *onem2m.PollingChannel {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.channel
}

func (w *PollWorker) run(ctx context.Context, gen uint64, pch *onem2m.PollingChannel, handler Handler, prev <-chan struct{}, done chan<- struct{}) {
	defer w.wg.Done()
	defer close(done)

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			w.idle(gen)
			return
		}
	}

	ActivePollersGauge.Inc()
	defer ActivePollersGauge.Dec()

	for w.current(gen) {
		n, err := w.poller.Poll(ctx, pch)
		switch {
		case err == nil:
			PollsTotal.WithLabelValues("notification").Inc()
			w.dispatch(ctx, handler, n)

			if err := w.poller.Acknowledge(ctx, pch, n); err != nil {
				AcknowledgementsTotal.WithLabelValues("error").Inc()
				w.fail(gen, fmt.Errorf("failed to acknowledge notification %s: %w", n.RequestID, err))
				return
			}
			AcknowledgementsTotal.WithLabelValues("success").Inc()

		case onem2m.IsPollTimeout(err):
			PollsTotal.WithLabelValues("timeout").Inc()

		case ctx.Err() != nil:
			w.idle(gen)
			return

		default:
			PollsTotal.WithLabelValues("error").Inc()
			w.fail(gen, fmt.Errorf("failed to poll channel %s: %w", pch.ID, err))
			return
		}

		if !w.current(gen) {
			return
		}
		select {
		case <-ctx.Done():
			w.idle(gen)
			return
		case <-time.After(w.delay):
		}
	}
}

func (w *PollWorker) dispatch(ctx context.Context, handler Handler, n *onem2m.Notification) {
	start := time.Now()
	err := handler(ctx, n)
	DispatchLatency.Observe(time.Since(start).Seconds())

	eventType := n.EventType.String()
	if n.VerificationRequest {
		eventType = "verification"
	}
	if err != nil {
		NotificationsTotal.WithLabelValues(eventType, "error").Inc()
		w.logger.Error("notification dispatch failed",
			zap.String("request_id", n.RequestID),
			zap.String("event_type", eventType),
			zap.String("subscription", n.SubscriptionRef),
			zap.Error(err),
		)
		return
	}
	NotificationsTotal.WithLabelValues(eventType, "success").Inc()
	w.logger.Debug("notification dispatched",
		zap.String("request_id", n.RequestID),
		zap.String("event_type", eventType),
		zap.String("resource_id", n.ResourceID()),
	)
}

func (w *PollWorker) current(gen uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.generation == gen && w.state == StatePolling
}

// idle ends loop gen without reporting an error.
func (w *PollWorker) idle(gen uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.generation != gen {
		return false
	}
	w.state = StateIdle
	return true
}

func (w *PollWorker) fail(gen uint64, err error) {
	if !w.idle(gen) {
		return
	}
	w.logger.Error("polling channel stopped on error", zap.Error(err))
	if w.onError != nil {
		w.onError(err)
	}
}
