// Package dashboard ties the broker connection, provisioning, the polling
// channel and the intersection list together behind the operations the
// rendering layer uses.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/piwi3910/trafficweave/internal/events"
	"github.com/piwi3910/trafficweave/internal/intersection"
	"github.com/piwi3910/trafficweave/internal/observability"
	"github.com/piwi3910/trafficweave/internal/onem2m"
	"github.com/piwi3910/trafficweave/internal/provision"
	"github.com/piwi3910/trafficweave/internal/workers"
)

// ErrNotConnected is returned by operations that need a provisioned
// connection.
var ErrNotConnected = errors.New("dashboard is not connected")

// Default publish timeout for state change events.
const defaultPublishTimeout = 5 * time.Second

// Config holds configuration for a Dashboard.
type Config struct {
	// CSE configures the broker connection.
	CSE onem2m.Config

	// DashboardID prefixes the names of provisioned resources (optional).
	DashboardID string

	// PeerOriginators are granted access through the dashboard's ACP.
	PeerOriginators []string

	// AppID is the app id of the dashboard AE.
	AppID string

	// DeviceAPI is the app id registered by intersection devices.
	DeviceAPI string

	// IntersectionTag is the flex container tag of intersections.
	IntersectionTag string

	// ContainerDefinition is the schema id of intersections.
	ContainerDefinition string

	// Concurrency bounds provisioning fan-out.
	Concurrency int

	// PollDelay is the pause between poll cycles.
	PollDelay time.Duration

	// Publisher receives state change events (optional).
	Publisher events.Publisher

	// Metrics records dashboard metrics (optional).
	Metrics *observability.Metrics

	// Logger provides structured logging.
	Logger *zap.Logger
}

// Overrides replace parts of the broker identity on Connect. Empty fields
// keep the current value.
type Overrides struct {
	URL        string `json:"url,omitempty"`
	Originator string `json:"originator,omitempty"`
	RootID     string `json:"base_ri,omitempty"`
}

// Status describes the dashboard for the rendering layer.
type Status struct {
	Connected     bool   `json:"connected"`
	URL           string `json:"url"`
	Originator    string `json:"originator"`
	RootID        string `json:"base_ri"`
	DashboardID   string `json:"dashboard_id"`
	Polling       string `json:"polling"`
	Intersections int    `json:"intersections"`
	LastError     string `json:"last_error,omitempty"`
}

// Dashboard owns the connection, the provisioning workflow, the polling
// worker and the intersection list.
type Dashboard struct {
	conn      *onem2m.Connection
	workflow  *provision.Workflow
	sync      *intersection.Synchronizer
	worker    *workers.PollWorker
	publisher events.Publisher
	metrics   *observability.Metrics
	logger    *zap.Logger

	// mu serializes Connect, Disconnect and Close.
	mu         sync.Mutex
	cancelPoll context.CancelFunc

	errMu   sync.RWMutex
	lastErr string
}

// New creates a disconnected Dashboard.
func New(cfg *Config) (*Dashboard, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	d := &Dashboard{
		publisher: cfg.Publisher,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger.With(zap.String("component", "dashboard")),
	}

	cseCfg := cfg.CSE
	if cseCfg.Logger == nil {
		cseCfg.Logger = cfg.Logger
	}
	if cseCfg.Recorder == nil && cfg.Metrics != nil {
		cseCfg.Recorder = cfg.Metrics
	}
	conn, err := onem2m.NewConnection(&cseCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection: %w", err)
	}
	d.conn = conn

	wcfg := &provision.Config{
		Client:              conn,
		DashboardID:         cfg.DashboardID,
		PeerOriginators:     cfg.PeerOriginators,
		AppID:               cfg.AppID,
		DeviceAPI:           cfg.DeviceAPI,
		IntersectionTag:     cfg.IntersectionTag,
		ContainerDefinition: cfg.ContainerDefinition,
		Concurrency:         cfg.Concurrency,
		Logger:              cfg.Logger,
	}
	if cfg.Metrics != nil {
		wcfg.Recorder = cfg.Metrics
	}
	d.workflow, err = provision.NewWorkflow(wcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create provisioning workflow: %w", err)
	}

	deviceAPI := cfg.DeviceAPI
	if deviceAPI == "" {
		deviceAPI = provision.DefaultDeviceAPI
	}
	definition := cfg.ContainerDefinition
	if definition == "" {
		definition = intersection.DefaultContainerDefinition
	}
	d.sync, err = intersection.NewSynchronizer(&intersection.SyncConfig{
		Tag:                 cfg.IntersectionTag,
		ContainerDefinition: definition,
		DeviceAPI:           deviceAPI,
		Updater:             conn,
		Subscriber:          d.workflow,
		OnChange:            d.onChange,
		Logger:              cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create synchronizer: %w", err)
	}

	d.worker, err = workers.NewPollWorker(&workers.PollConfig{
		Poller:  conn,
		Logger:  cfg.Logger,
		Delay:   cfg.PollDelay,
		OnError: d.onPollError,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create poll worker: %w", err)
	}

	return d, nil
}

// Connect applies overrides, provisions against the broker and starts
// polling. A previous session is stopped first. On failure the dashboard is
// left disconnected with an empty list.
func (d *Dashboard) Connect(ctx context.Context, overrides Overrides) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopPolling()

	id := d.conn.Identity()
	if overrides.URL != "" {
		id.URL = overrides.URL
	}
	if overrides.Originator != "" {
		id.Originator = overrides.Originator
	}
	if overrides.RootID != "" {
		id.RootID = overrides.RootID
	}
	d.conn.Reconfigure(id)

	result, err := d.workflow.Run(ctx)
	if err != nil {
		d.sync.Clear()
		d.setLastError(err)
		d.setConnected(false)
		d.publishConnection(err)
		return fmt.Errorf("failed to provision dashboard: %w", err)
	}

	d.setLastError(nil)
	d.sync.Replace(result.Intersections)

	pollCtx, cancel := context.WithCancel(context.Background())
	if err := d.worker.Start(pollCtx, result.PollingChannel, d.sync.HandleNotification); err != nil {
		cancel()
		d.conn.Disconnect()
		d.sync.Clear()
		d.setLastError(err)
		d.setConnected(false)
		d.publishConnection(err)
		return fmt.Errorf("failed to start polling: %w", err)
	}
	d.cancelPoll = cancel

	d.setConnected(true)
	d.publishConnection(nil)

	d.logger.Info("dashboard connected",
		zap.String("url", id.URL),
		zap.String("originator", id.Originator),
		zap.Int("intersections", len(result.Intersections)),
		zap.Strings("created", result.Created),
	)
	return nil
}

// Disconnect stops polling and clears the list. It does not contact the
// broker.
func (d *Dashboard) Disconnect() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disconnect()
}

func (d *Dashboard) disconnect() {
	d.stopPolling()
	wasConnected := d.conn.Connected()
	d.conn.Disconnect()
	d.sync.Clear()
	d.setConnected(false)
	if wasConnected {
		d.publishConnection(nil)
		d.logger.Info("dashboard disconnected")
	}
}

// stopPolling ends the current loop and waits for it. Callers hold d.mu.
func (d *Dashboard) stopPolling() {
	d.worker.Stop()
	if d.cancelPoll != nil {
		d.cancelPoll()
		d.cancelPoll = nil
	}
	d.worker.Wait()
}

// onPollError runs on the poll goroutine when the loop stops on a failure.
// The list is cleared so a disconnected dashboard never shows stale
// intersections.
func (d *Dashboard) onPollError(err error) {
	d.conn.Disconnect()
	d.sync.Clear()
	d.setLastError(err)
	d.setConnected(false)
	d.publishConnection(err)
	d.logger.Error("notification channel failed, dashboard disconnected", zap.Error(err))
}

// Connected reports whether the dashboard is provisioned and connected.
func (d *Dashboard) Connected() bool {
	return d.conn.Connected()
}

// Status returns the current connection status.
func (d *Dashboard) Status() Status {
	id := d.conn.Identity()
	d.errMu.RLock()
	lastErr := d.lastErr
	d.errMu.RUnlock()

	return Status{
		Connected:     d.conn.Connected(),
		URL:           id.URL,
		Originator:    id.Originator,
		RootID:        id.RootID,
		DashboardID:   d.workflow.DashboardID(),
		Polling:       d.worker.State().String(),
		Intersections: d.sync.Len(),
		LastError:     lastErr,
	}
}

// Intersections returns the current intersection states.
func (d *Dashboard) Intersections() []intersection.State {
	return d.sync.List()
}

// SelectLight applies an operator's light choice to the intersection at
// index and writes it to the broker.
func (d *Dashboard) SelectLight(ctx context.Context, index, light int, color string) (intersection.State, error) {
	if !d.conn.Connected() {
		return intersection.State{}, ErrNotConnected
	}
	l, err := intersection.ParseLight(light)
	if err != nil {
		return intersection.State{}, err
	}
	c, err := intersection.ParseColor(color)
	if err != nil {
		return intersection.State{}, err
	}

	state, err := d.sync.SelectLight(ctx, index, l, c)
	if d.metrics != nil {
		d.metrics.RecordLightChange(color, err)
	}
	return state, err
}

// Unsubscribe deletes the dashboard's subscription on the intersection at
// index. The intersection stays in the list but no longer receives updates.
func (d *Dashboard) Unsubscribe(ctx context.Context, index int) error {
	if !d.conn.Connected() {
		return ErrNotConnected
	}
	in, err := d.sync.Get(index)
	if err != nil {
		return err
	}
	return d.workflow.UnsubscribeDevice(ctx, in.ID)
}

// Close disconnects and releases the publisher and the connection.
func (d *Dashboard) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.disconnect()

	var errs []error
	if d.publisher != nil {
		if err := d.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close publisher: %w", err))
		}
	}
	if err := d.conn.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close connection: %w", err))
	}
	return errors.Join(errs...)
}

func (d *Dashboard) onChange(change intersection.Change) {
	if d.metrics != nil {
		d.metrics.SetIntersectionCount(d.sync.Len())
	}
	d.publish(events.FromChange(change))
}

func (d *Dashboard) publishConnection(err error) {
	id := d.conn.Identity()
	state := events.ConnectionState{
		Connected:  d.conn.Connected(),
		URL:        id.URL,
		Originator: id.Originator,
		RootID:     id.RootID,
	}
	if err != nil {
		state.Error = err.Error()
	}
	d.publish(events.NewConnectionEvent(state))
}

func (d *Dashboard) publish(event *events.Event) {
	if d.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultPublishTimeout)
	defer cancel()
	if err := d.publisher.Publish(ctx, event); err != nil {
		d.logger.Warn("failed to publish event",
			zap.String("event_type", string(event.Type)),
			zap.Error(err),
		)
	}
}

func (d *Dashboard) setConnected(connected bool) {
	if d.metrics != nil {
		d.metrics.SetConnected(connected)
	}
}

func (d *Dashboard) setLastError(err error) {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	if err == nil {
		d.lastErr = ""
		return
	}
	d.lastErr = err.Error()
}
