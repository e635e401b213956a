// Package provision establishes a dashboard's identity on the broker and
// collects the intersections it should mirror. Every step discovers before
// it creates, so a run against an already provisioned broker creates
// nothing.
package provision

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/piwi3910/trafficweave/internal/intersection"
	"github.com/piwi3910/trafficweave/internal/onem2m"
)

const (
	// DefaultAppID is the app id of the dashboard's own AE.
	DefaultAppID = "Ntrafficdashboard"

	// DefaultDeviceAPI is the app id registered by intersection devices.
	DefaultDeviceAPI = "NtrafficAPI"

	// DefaultConcurrency bounds the parallel retrievals and subscriptions.
	DefaultConcurrency = 8
)

// Name suffixes of the provisioned resources.
const (
	suffixACP       = "ACP"
	suffixPCH       = "PCH"
	suffixSub       = "SUB"
	suffixCreateSub = "CreateSUB"
)

// ErrNotProvisioned is returned by the subscribe operations before Run
// has completed.
var ErrNotProvisioned = errors.New("dashboard is not provisioned")

// Client is the broker surface used by the workflow.
type Client interface {
	Resolver
	Update(ctx context.Context, k onem2m.Kind, partial map[string]any) error
	Delete(ctx context.Context, k onem2m.Kind) error
	Connect(ctx context.Context) error
	Disconnect()
	Identity() onem2m.Identity
}

// Recorder receives provisioning metrics.
type Recorder interface {
	RecordProvisioning(duration time.Duration, err error)
	RecordResourceCreated(resourceType string)
}

// Config configures a Workflow.
type Config struct {
	// Client talks to the broker.
	Client Client

	// DashboardID prefixes the names of provisioned resources. Empty
	// derives it from the originator without its leading "C".
	DashboardID string

	// PeerOriginators are also granted access through the ACP.
	PeerOriginators []string

	// AppID is the app id of the dashboard AE (default: DefaultAppID).
	AppID string

	// DeviceAPI is the app id of device AEs (default: DefaultDeviceAPI).
	DeviceAPI string

	// IntersectionTag is the flex container tag of intersections.
	IntersectionTag string

	// ContainerDefinition is the schema id of intersections.
	ContainerDefinition string

	// Concurrency bounds fan-out steps (default: DefaultConcurrency).
	Concurrency int

	// Recorder receives metrics (optional).
	Recorder Recorder

	// Logger provides structured logging.
	Logger *zap.Logger
}

// Result is the outcome of a successful run.
type Result struct {
	ACP                   *onem2m.AccessControlPolicy
	AE                    *onem2m.ApplicationEntity
	PollingChannel        *onem2m.PollingChannel
	Intersections         []*intersection.Intersection
	DeviceSubscriptions   []*onem2m.Subscription
	CreationSubscriptions []*onem2m.Subscription

	// Created lists the names of resources created by this run.
	Created []string
}

// Workflow runs the discover-or-create sequence and afterwards extends
// monitoring to devices that appear later.
type Workflow struct {
	client      Client
	cfg         Config
	concurrency int
	recorder    Recorder
	logger      *zap.Logger

	mu      sync.RWMutex
	acpID   string
	created []string
}

// NewWorkflow creates a Workflow.
func NewWorkflow(cfg *Config) (*Workflow, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("client cannot be nil")
	}

	c := *cfg
	if c.AppID == "" {
		c.AppID = DefaultAppID
	}
	if c.DeviceAPI == "" {
		c.DeviceAPI = DefaultDeviceAPI
	}
	if c.AppID == c.DeviceAPI {
		return nil, fmt.Errorf("dashboard app id must differ from device api %q", c.DeviceAPI)
	}

	concurrency := c.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Workflow{
		client:      c.Client,
		cfg:         c,
		concurrency: concurrency,
		recorder:    c.Recorder,
		logger:      logger.With(zap.String("component", "provision")),
	}, nil
}

// DashboardID returns the name prefix for the current originator.
func (w *Workflow) DashboardID() string {
	if w.cfg.DashboardID != "" {
		return w.cfg.DashboardID
	}
	return DashboardID(w.client.Identity().Originator)
}

// DashboardID derives a dashboard id from an originator ("Cdash1" -> "dash1").
func DashboardID(originator string) string {
	if len(originator) > 1 && (originator[0] == 'C' || originator[0] == 'S') {
		return originator[1:]
	}
	return originator
}

// Run connects and provisions. Any failing step aborts the run and leaves
// the client disconnected.
func (w *Workflow) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	w.mu.Lock()
	w.acpID = ""
	w.created = nil
	w.mu.Unlock()

	result, err := w.run(ctx)
	if err != nil {
		w.client.Disconnect()
		w.mu.Lock()
		w.acpID = ""
		w.mu.Unlock()
	}

	if w.recorder != nil {
		w.recorder.RecordProvisioning(time.Since(start), err)
	}
	if err != nil {
		w.logger.Error("provisioning failed", zap.Error(err), zap.Duration("duration", time.Since(start)))
		return nil, err
	}

	w.logger.Info("provisioning completed",
		zap.Int("intersections", len(result.Intersections)),
		zap.Int("created", len(result.Created)),
		zap.Duration("duration", time.Since(start)),
	)
	return result, nil
}

func (w *Workflow) run(ctx context.Context) (*Result, error) {
	if err := w.client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	id := w.client.Identity()
	dashboardID := w.DashboardID()

	acp, err := w.ensureACP(ctx, id, dashboardID)
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	w.acpID = acp.ID
	w.mu.Unlock()

	ae, err := w.ensureAE(ctx, id, acp.ID)
	if err != nil {
		return nil, err
	}

	pch, err := w.ensurePollingChannel(ctx, ae.ID, dashboardID)
	if err != nil {
		return nil, err
	}

	intersections, err := w.collectIntersections(ctx, id.RootID)
	if err != nil {
		return nil, err
	}

	deviceSubs, creationSubs, err := w.subscribeAll(ctx, id.RootID, intersections)
	if err != nil {
		return nil, err
	}

	w.mu.RLock()
	created := append([]string(nil), w.created...)
	w.mu.RUnlock()

	return &Result{
		ACP:                   acp,
		AE:                    ae,
		PollingChannel:        pch,
		Intersections:         intersections,
		DeviceSubscriptions:   deviceSubs,
		CreationSubscriptions: creationSubs,
		Created:               created,
	}, nil
}

func (w *Workflow) ensureACP(ctx context.Context, id onem2m.Identity, dashboardID string) (*onem2m.AccessControlPolicy, error) {
	name := dashboardID + suffixACP
	acp, created, err := Ensure(ctx, w.client,
		onem2m.Filters{Type: onem2m.TypeAccessControlPolicy, Name: name, ParentID: id.RootID},
		func() *onem2m.AccessControlPolicy {
			return onem2m.NewAccessControlPolicy(name, id.RootID, id.Originator, w.cfg.PeerOriginators...)
		})
	if err != nil {
		return nil, err
	}
	w.recordCreated(acp, created)

	if !acp.Grants(id.Originator, onem2m.OpAll) {
		w.logger.Warn("access control policy does not grant self privileges to the dashboard",
			zap.String("acp_id", acp.ID),
			zap.String("originator", id.Originator),
		)
	}
	return acp, nil
}

// ensureAE looks the AE up by its resource name, which is the originator.
// Discovery has no aei filter, so the aei of a match is checked afterwards.
func (w *Workflow) ensureAE(ctx context.Context, id onem2m.Identity, acpID string) (*onem2m.ApplicationEntity, error) {
	ae, created, err := Ensure(ctx, w.client,
		onem2m.Filters{Type: onem2m.TypeApplicationEntity, Name: id.Originator},
		func() *onem2m.ApplicationEntity {
			return onem2m.NewApplicationEntity(id.Originator, id.RootID, w.cfg.AppID, acpID)
		})
	if err != nil {
		return nil, err
	}
	if ae.AEID != "" && strings.TrimPrefix(ae.AEID, "/") != id.Originator {
		return nil, fmt.Errorf("application entity %s belongs to %q, not %q", ae.ID, ae.AEID, id.Originator)
	}
	w.recordCreated(ae, created)
	return ae, nil
}

func (w *Workflow) ensurePollingChannel(ctx context.Context, aeID, dashboardID string) (*onem2m.PollingChannel, error) {
	name := dashboardID + suffixPCH
	pch, created, err := Ensure(ctx, w.client,
		onem2m.Filters{Type: onem2m.TypePollingChannel, Name: name, ParentID: aeID},
		func() *onem2m.PollingChannel {
			return onem2m.NewPollingChannel(name, aeID)
		})
	if err != nil {
		return nil, err
	}
	w.recordCreated(pch, created)
	return pch, nil
}

// collectIntersections discovers flex containers under the root and
// retrieves them concurrently. Containers of another tag are skipped.
func (w *Workflow) collectIntersections(ctx context.Context, rootID string) ([]*intersection.Intersection, error) {
	ids, err := w.client.Discover(ctx, onem2m.Filters{Type: onem2m.TypeFlexContainer})
	if err != nil {
		return nil, fmt.Errorf("failed to discover intersections under %s: %w", rootID, err)
	}

	found := make([]*intersection.Intersection, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)
	for i, fcID := range ids {
		g.Go(func() error {
			in := intersection.New(w.cfg.IntersectionTag, w.cfg.ContainerDefinition, "", "")
			in.ID = fcID
			if err := w.client.Retrieve(gctx, in); err != nil {
				if errors.Is(err, onem2m.ErrKindMismatch) {
					return nil
				}
				return fmt.Errorf("failed to retrieve intersection %s: %w", fcID, err)
			}
			found[i] = in
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	intersections := make([]*intersection.Intersection, 0, len(found))
	for _, in := range found {
		if in != nil {
			intersections = append(intersections, in)
		}
	}
	return intersections, nil
}

// subscribeAll ensures the per-device subscriptions, the root creation
// subscription and the creation subscriptions on existing device AEs.
func (w *Workflow) subscribeAll(ctx context.Context, rootID string, intersections []*intersection.Intersection) ([]*onem2m.Subscription, []*onem2m.Subscription, error) {
	var (
		mu           sync.Mutex
		deviceSubs   = make([]*onem2m.Subscription, len(intersections))
		creationSubs []*onem2m.Subscription
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)

	for i, in := range intersections {
		g.Go(func() error {
			sub, err := w.ensureDeviceSubscription(gctx, in.ID)
			if err != nil {
				return err
			}
			deviceSubs[i] = sub
			return nil
		})
	}

	g.Go(func() error {
		sub, err := w.ensureCreationSubscription(gctx, rootID, onem2m.TypeFlexContainer, onem2m.TypeApplicationEntity)
		if err != nil {
			return err
		}
		mu.Lock()
		creationSubs = append(creationSubs, sub)
		mu.Unlock()
		return nil
	})

	g.Go(func() error {
		devices, err := w.client.Discover(gctx, onem2m.Filters{Type: onem2m.TypeApplicationEntity, AppID: w.cfg.DeviceAPI})
		if err != nil {
			return fmt.Errorf("failed to discover device application entities: %w", err)
		}
		for _, aeID := range devices {
			sub, err := w.ensureCreationSubscription(gctx, aeID, onem2m.TypeFlexContainer)
			if err != nil {
				return err
			}
			mu.Lock()
			creationSubs = append(creationSubs, sub)
			mu.Unlock()
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return deviceSubs, creationSubs, nil
}

// SubscribeDevice ensures the update/delete subscription on an
// intersection. It implements intersection.Subscriber.
func (w *Workflow) SubscribeDevice(ctx context.Context, intersectionID string) error {
	_, err := w.ensureDeviceSubscription(ctx, intersectionID)
	return err
}

// SubscribeCreations ensures a child-creation subscription on parentID. It
// implements intersection.Subscriber.
func (w *Workflow) SubscribeCreations(ctx context.Context, parentID string, childTypes ...onem2m.ResourceType) error {
	if len(childTypes) == 0 {
		childTypes = []onem2m.ResourceType{onem2m.TypeFlexContainer}
	}
	_, err := w.ensureCreationSubscription(ctx, parentID, childTypes...)
	return err
}

// UnsubscribeDevice deletes the dashboard's subscription on an
// intersection. A missing subscription is not an error.
func (w *Workflow) UnsubscribeDevice(ctx context.Context, intersectionID string) error {
	name := w.DashboardID() + suffixSub
	ids, err := w.client.Discover(ctx, onem2m.Filters{Type: onem2m.TypeSubscription, Name: name, ParentID: intersectionID})
	if err != nil {
		return fmt.Errorf("failed to discover subscription %q: %w", name, err)
	}

	for _, id := range ids {
		sub := &onem2m.Subscription{Resource: onem2m.Resource{Type: onem2m.TypeSubscription, ID: id}}
		if err := w.client.Delete(ctx, sub); err != nil && !onem2m.IsNotFound(err) {
			return fmt.Errorf("failed to delete subscription %s: %w", id, err)
		}
		w.logger.Info("subscription deleted", zap.String("subscription_id", id), zap.String("intersection", intersectionID))
	}
	return nil
}

func (w *Workflow) ensureDeviceSubscription(ctx context.Context, intersectionID string) (*onem2m.Subscription, error) {
	return w.ensureSubscription(ctx, intersectionID, w.DashboardID()+suffixSub, onem2m.EventNotificationCriteria{
		EventTypes: []onem2m.NotificationEventType{onem2m.EventUpdate, onem2m.EventDelete},
	})
}

func (w *Workflow) ensureCreationSubscription(ctx context.Context, parentID string, childTypes ...onem2m.ResourceType) (*onem2m.Subscription, error) {
	return w.ensureSubscription(ctx, parentID, w.DashboardID()+suffixCreateSub, onem2m.EventNotificationCriteria{
		EventTypes:         []onem2m.NotificationEventType{onem2m.EventCreateChild},
		ChildResourceTypes: childTypes,
	})
}

// ensureSubscription discovers or creates a subscription and corrects its
// notification target when it points at someone else.
func (w *Workflow) ensureSubscription(ctx context.Context, parentID, name string, criteria onem2m.EventNotificationCriteria) (*onem2m.Subscription, error) {
	w.mu.RLock()
	acpID := w.acpID
	w.mu.RUnlock()
	if acpID == "" {
		return nil, ErrNotProvisioned
	}

	originator := w.client.Identity().Originator
	sub, created, err := Ensure(ctx, w.client,
		onem2m.Filters{Type: onem2m.TypeSubscription, Name: name, ParentID: parentID},
		func() *onem2m.Subscription {
			return onem2m.NewSubscription(name, parentID, originator, criteria, acpID)
		})
	if err != nil {
		return nil, err
	}
	w.recordCreated(sub, created)

	if !sub.Notifies(originator) {
		w.logger.Info("correcting stale subscription target",
			zap.String("subscription_id", sub.ID),
			zap.Strings("notification_uris", sub.NotificationURIs),
			zap.String("originator", originator),
		)
		if err := w.client.Update(ctx, sub, map[string]any{"nu": []string{originator}}); err != nil {
			return nil, fmt.Errorf("failed to correct subscription %s: %w", sub.ID, err)
		}
	}
	return sub, nil
}

func (w *Workflow) recordCreated(k onem2m.Kind, created bool) {
	if !created {
		return
	}
	w.mu.Lock()
	w.created = append(w.created, k.Meta().Name)
	w.mu.Unlock()

	if w.recorder != nil {
		w.recorder.RecordResourceCreated(k.ResourceType().String())
	}
	w.logger.Info("resource created",
		zap.String("type", k.ResourceType().String()),
		zap.String("name", k.Meta().Name),
		zap.String("resource_id", k.Meta().ID),
	)
}
