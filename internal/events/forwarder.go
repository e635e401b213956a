package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/piwi3910/trafficweave/internal/intersection"
)

const (
	// Default timeout for bridge requests.
	defaultHTTPTimeout = 5 * time.Second

	// Default maximum attempts per forwarded state.
	defaultMaxRetries = 3

	// Initial retry backoff.
	initialBackoff = 200 * time.Millisecond

	// Maximum retry backoff.
	maxBackoff = 5 * time.Second

	// Backoff multiplier.
	backoffMultiplier = 2
)

// LightPayload is the body posted to a device bridge.
type LightPayload struct {
	Light1 string `json:"light1"`
	Light2 string `json:"light2"`
}

// ForwarderConfig holds configuration for the BridgeForwarder.
type ForwarderConfig struct {
	// Targets maps an intersection name or resource ID to its bridge URL.
	Targets map[string]string

	// DefaultURL receives states of intersections without a target (optional).
	DefaultURL string

	// HTTPTimeout is the timeout for a single request
	HTTPTimeout time.Duration

	// MaxRetries is the maximum number of delivery attempts
	MaxRetries int

	// InitialBackoff is the wait before the first retry
	InitialBackoff time.Duration
}

// BridgeForwarder pushes light states to the HTTP bridges that drive the
// physical lights. Only created and updated intersections are forwarded.
type BridgeForwarder struct {
	config     ForwarderConfig
	httpClient *http.Client
	logger     *zap.Logger

	mu              sync.Mutex
	circuitBreakers map[string]*gobreaker.CircuitBreaker
}

// NewBridgeForwarder creates a BridgeForwarder.
func NewBridgeForwarder(config *ForwarderConfig, logger *zap.Logger) (*BridgeForwarder, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	cfg := *config
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = defaultHTTPTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = initialBackoff
	}

	return &BridgeForwarder{
		config:          cfg,
		httpClient:      &http.Client{Timeout: cfg.HTTPTimeout},
		logger:          logger,
		circuitBreakers: make(map[string]*gobreaker.CircuitBreaker),
	}, nil
}

// Target returns the bridge URL for an intersection, or "" if none.
func (f *BridgeForwarder) Target(state *intersection.State) string {
	if u, ok := f.config.Targets[state.Name]; ok {
		return u
	}
	if u, ok := f.config.Targets[state.ID]; ok {
		return u
	}
	return f.config.DefaultURL
}

// Publish implements Publisher.
func (f *BridgeForwarder) Publish(ctx context.Context, event *Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	if event.Type != EventIntersectionCreated && event.Type != EventIntersectionUpdated {
		return nil
	}
	err := f.Forward(ctx, event.Intersection)
	RecordEventPublished("bridge", publishStatus(err))
	return err
}

// Forward posts the light pair of one intersection to its bridge, retrying
// with exponential backoff.
func (f *BridgeForwarder) Forward(ctx context.Context, state *intersection.State) error {
	target := f.Target(state)
	if target == "" {
		return nil
	}

	payload := &LightPayload{Light1: string(state.Light1), Light2: string(state.Light2)}
	cb := f.getCircuitBreaker(target)
	start := time.Now()

	backoff := f.config.InitialBackoff
	var err error
	for attempt := 1; attempt <= f.config.MaxRetries; attempt++ {
		err = f.executeWithCircuitBreaker(ctx, cb, target, payload)
		if err == nil {
			RecordBridgeWrite(state.ID, "success", time.Since(start).Seconds())
			f.logger.Debug("light state forwarded",
				zap.String("intersection", state.ID),
				zap.String("target", target),
				zap.Int("attempts", attempt),
			)
			return nil
		}
		if attempt >= f.config.MaxRetries || errors.Is(err, gobreaker.ErrOpenState) {
			break
		}

		f.logger.Warn("light state forwarding failed",
			zap.String("intersection", state.ID),
			zap.String("target", target),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", f.config.MaxRetries),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			RecordBridgeWrite(state.ID, "failed", time.Since(start).Seconds())
			return fmt.Errorf("light state forwarding canceled: %w", ctx.Err())
		case <-time.After(backoff):
		}

		backoff *= backoffMultiplier
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}

	RecordBridgeWrite(state.ID, "failed", time.Since(start).Seconds())
	f.logger.Error("light state forwarding failed after all retries",
		zap.String("intersection", state.ID),
		zap.String("target", target),
		zap.Error(err),
	)
	return fmt.Errorf("forwarding to %s failed: %w", target, err)
}

func (f *BridgeForwarder) send(ctx context.Context, target string, payload *LightPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal light payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "trafficweave/1.0")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			f.logger.Warn("failed to close response body", zap.Error(closeErr))
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return fmt.Errorf("bridge returned non-2xx status: %d, failed to read body: %w", resp.StatusCode, readErr)
		}
		return fmt.Errorf("bridge returned non-2xx status: %d, body: %s", resp.StatusCode, string(msg))
	}
	return nil
}

func (f *BridgeForwarder) executeWithCircuitBreaker(
	ctx context.Context,
	cb *gobreaker.CircuitBreaker,
	target string,
	payload *LightPayload,
) error {
	_, err := cb.Execute(func() (interface{}, error) {
		return nil, f.send(ctx, target, payload)
	})
	return err
}

// getCircuitBreaker gets or creates the circuit breaker for a bridge URL.
func (f *BridgeForwarder) getCircuitBreaker(target string) *gobreaker.CircuitBreaker {
	f.mu.Lock()
	defer f.mu.Unlock()

	if cb, ok := f.circuitBreakers[target]; ok {
		return cb
	}

	settings := gobreaker.Settings{
		Name:        target,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			f.logger.Info("circuit breaker state changed",
				zap.String("target", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			// 0=closed, 1=half-open, 2=open
			var state float64
			switch to {
			case gobreaker.StateClosed:
				state = 0
			case gobreaker.StateHalfOpen:
				state = 1
			case gobreaker.StateOpen:
				state = 2
			}
			RecordCircuitBreakerState(name, state)
		},
	}

	cb := gobreaker.NewCircuitBreaker(settings)
	f.circuitBreakers[target] = cb
	return cb
}

// Close implements Publisher.
func (f *BridgeForwarder) Close() error {
	f.httpClient.CloseIdleConnections()
	return nil
}
