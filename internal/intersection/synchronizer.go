package intersection

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/piwi3910/trafficweave/internal/onem2m"
)

// Updater pushes a partial representation of a resource to the broker.
// *onem2m.Connection implements it.
type Updater interface {
	Update(ctx context.Context, k onem2m.Kind, partial map[string]any) error
}

// Subscriber extends monitoring to resources that appear after provisioning.
type Subscriber interface {
	// SubscribeDevice ensures an update/delete subscription on an intersection.
	SubscribeDevice(ctx context.Context, intersectionID string) error

	// SubscribeCreations ensures a child-creation subscription on parentID.
	SubscribeCreations(ctx context.Context, parentID string, childTypes ...onem2m.ResourceType) error
}

// ChangeType classifies a change to the intersection list.
type ChangeType string

// Change types.
const (
	ChangeCreated  ChangeType = "created"
	ChangeUpdated  ChangeType = "updated"
	ChangeDeleted  ChangeType = "deleted"
	ChangeReplaced ChangeType = "replaced"
)

// Change describes one mutation of the list. Intersection is set for
// single-entity changes and Intersections for ChangeReplaced.
type Change struct {
	Type          ChangeType
	Intersection  State
	Intersections []State
}

// SyncConfig configures a Synchronizer.
type SyncConfig struct {
	// Tag is the flex container type tag of intersections (default: DefaultTag).
	Tag string

	// ContainerDefinition is the schema id of intersections.
	ContainerDefinition string

	// DeviceAPI is the app id of device AEs whose creations are followed.
	DeviceAPI string

	// Updater writes light changes back to the broker.
	Updater Updater

	// Subscriber is called for newly created devices (optional).
	Subscriber Subscriber

	// OnChange is called after every list mutation, outside the lock (optional).
	OnChange func(Change)

	// Logger provides structured logging.
	Logger *zap.Logger
}

// Synchronizer holds the live intersection list. The list is copy-on-write:
// every mutation installs a new slice, and entries in the slice are never
// modified in place, so snapshots taken under the lock stay consistent.
type Synchronizer struct {
	mu    sync.Mutex
	items []*Intersection

	tag        string
	definition string
	deviceAPI  string
	updater    Updater
	subscriber Subscriber
	onChange   func(Change)
	logger     *zap.Logger
}

// NewSynchronizer creates an empty Synchronizer.
func NewSynchronizer(cfg *SyncConfig) (*Synchronizer, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Updater == nil {
		return nil, fmt.Errorf("updater cannot be nil")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tag := cfg.Tag
	if tag == "" {
		tag = DefaultTag
	}

	return &Synchronizer{
		tag:        tag,
		definition: cfg.ContainerDefinition,
		deviceAPI:  cfg.DeviceAPI,
		updater:    cfg.Updater,
		subscriber: cfg.Subscriber,
		onChange:   cfg.OnChange,
		logger:     logger.With(zap.String("component", "synchronizer")),
	}, nil
}

// SetSubscriber installs the subscriber used for newly created devices.
func (s *Synchronizer) SetSubscriber(sub Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriber = sub
}

// Tag returns the intersection type tag.
func (s *Synchronizer) Tag() string {
	return s.tag
}

// NewIntersection returns an empty intersection of the configured kind.
func (s *Synchronizer) NewIntersection() *Intersection {
	return New(s.tag, s.definition, "", "")
}

// Replace installs a freshly provisioned list.
func (s *Synchronizer) Replace(items []*Intersection) {
	s.mu.Lock()
	s.items = slices.Clone(items)
	states := snapshot(s.items)
	s.mu.Unlock()

	s.emit(Change{Type: ChangeReplaced, Intersections: states})
}

// Clear empties the list.
func (s *Synchronizer) Clear() {
	s.Replace(nil)
}

// List returns the current states in list order.
func (s *Synchronizer) List() []State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return snapshot(s.items)
}

// Len returns the number of intersections.
func (s *Synchronizer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Get returns a copy of the intersection at index.
func (s *Synchronizer) Get(index int) (*Intersection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.items) {
		return nil, fmt.Errorf("%w: %d", ErrIndexOutOfRange, index)
	}
	return s.items[index].Clone(), nil
}

// SelectLight applies a user intent to the intersection at index. The
// corrected pair is applied locally before the broker update; if the update
// fails and no notification has replaced the entry meanwhile, the last
// confirmed state is restored and the error is returned.
func (s *Synchronizer) SelectLight(ctx context.Context, index int, light Light, color Color) (State, error) {
	if _, err := ParseLight(int(light)); err != nil {
		return State{}, err
	}
	if _, err := ParseColor(string(color)); err != nil {
		return State{}, err
	}

	s.mu.Lock()
	if index < 0 || index >= len(s.items) {
		s.mu.Unlock()
		return State{}, fmt.Errorf("%w: %d", ErrIndexOutOfRange, index)
	}
	prev := s.items[index]
	optimistic := prev.Clone()
	optimistic.Light1, optimistic.Light2 = ApplyIntent(prev.Light1, prev.Light2, light, color)
	s.items = replaceAt(s.items, index, optimistic)
	s.mu.Unlock()

	s.emit(Change{Type: ChangeUpdated, Intersection: optimistic.Snapshot(index)})

	confirmed := optimistic.Clone()
	err := s.updater.Update(ctx, confirmed, optimistic.LightPatch())

	s.mu.Lock()
	pos := slices.Index(s.items, optimistic)
	switch {
	case pos < 0:
		// Replaced by a notification or removed; the broker state wins.
		s.mu.Unlock()
		if err != nil {
			return State{}, fmt.Errorf("failed to update intersection %s: %w", prev.ID, err)
		}
		return confirmed.Snapshot(index), nil
	case err != nil:
		s.items = replaceAt(s.items, pos, prev)
		s.mu.Unlock()

		s.logger.Error("light update failed, restored last confirmed state",
			zap.String("intersection_id", prev.ID),
			zap.Int("light", int(light)),
			zap.String("color", string(color)),
			zap.Error(err),
		)
		s.emit(Change{Type: ChangeUpdated, Intersection: prev.Snapshot(pos)})
		return State{}, fmt.Errorf("failed to update intersection %s: %w", prev.ID, err)
	default:
		s.items = replaceAt(s.items, pos, confirmed)
		s.mu.Unlock()

		state := confirmed.Snapshot(pos)
		s.logger.Info("light state updated",
			zap.String("intersection_id", state.ID),
			zap.String("light1", string(state.Light1)),
			zap.String("light2", string(state.Light2)),
		)
		s.emit(Change{Type: ChangeUpdated, Intersection: state})
		return state, nil
	}
}

// HandleNotification dispatches one polled notification onto the list.
func (s *Synchronizer) HandleNotification(ctx context.Context, n *onem2m.Notification) error {
	if n == nil {
		return nil
	}
	if n.VerificationRequest {
		s.logger.Debug("subscription verification request", zap.String("subscription", n.SubscriptionRef))
		return nil
	}
	if n.SubscriptionDeletion {
		s.logger.Info("subscription deleted", zap.String("subscription", n.SubscriptionRef))
		return nil
	}

	switch n.EventType {
	case onem2m.EventUpdate:
		return s.applyUpdate(n)
	case onem2m.EventDelete, onem2m.EventDeleteChild:
		s.remove(n.ResourceID())
		return nil
	case onem2m.EventCreateChild:
		return s.applyCreate(ctx, n)
	default:
		s.logger.Warn("ignoring notification with unknown event type",
			zap.Int("event_type", int(n.EventType)),
			zap.String("subscription", n.SubscriptionRef),
		)
		return nil
	}
}

func (s *Synchronizer) applyUpdate(n *onem2m.Notification) error {
	id := n.ResourceID()

	s.mu.Lock()
	pos := s.indexOf(id)
	if pos < 0 {
		s.mu.Unlock()
		s.logger.Debug("dropping update for unknown intersection", zap.String("intersection_id", id))
		return nil
	}
	next := s.items[pos].Clone()
	if err := onem2m.ApplyNotification(next, n.Representation); err != nil {
		s.mu.Unlock()
		if errors.Is(err, onem2m.ErrKindMismatch) {
			s.logger.Debug("ignoring update of a different kind", zap.String("resource_id", id))
			return nil
		}
		return fmt.Errorf("failed to apply update to %s: %w", id, err)
	}
	s.items = replaceAt(s.items, pos, next)
	s.mu.Unlock()

	s.emit(Change{Type: ChangeUpdated, Intersection: next.Snapshot(pos)})
	return nil
}

func (s *Synchronizer) remove(id string) {
	s.mu.Lock()
	pos := s.indexOf(id)
	if pos < 0 {
		s.mu.Unlock()
		return
	}
	removed := s.items[pos]
	s.items = slices.Delete(slices.Clone(s.items), pos, pos+1)
	s.mu.Unlock()

	s.logger.Info("intersection removed", zap.String("intersection_id", id))
	s.emit(Change{Type: ChangeDeleted, Intersection: removed.Snapshot(pos)})
}

func (s *Synchronizer) applyCreate(ctx context.Context, n *onem2m.Notification) error {
	switch key := n.RepresentationKey(); key {
	case onem2m.KeyApplicationEntity:
		ae := &onem2m.ApplicationEntity{}
		if err := onem2m.ApplyNotification(ae, n.Representation); err != nil {
			return fmt.Errorf("failed to decode created application entity: %w", err)
		}
		if s.deviceAPI == "" || ae.AppID != s.deviceAPI {
			return nil
		}
		s.logger.Info("device registered", zap.String("ae_id", ae.ID), zap.String("app_id", ae.AppID))
		if sub := s.currentSubscriber(); sub != nil {
			return sub.SubscribeCreations(ctx, ae.ID, onem2m.TypeFlexContainer)
		}
		return nil

	case s.tag:
		created := s.NewIntersection()
		if err := onem2m.ApplyNotification(created, n.Representation); err != nil {
			return fmt.Errorf("failed to decode created intersection: %w", err)
		}
		if created.ID == "" {
			return fmt.Errorf("created intersection has no resource id")
		}

		s.mu.Lock()
		change := ChangeCreated
		pos := s.indexOf(created.ID)
		if pos >= 0 {
			change = ChangeUpdated
			s.items = replaceAt(s.items, pos, created)
		} else {
			pos = len(s.items)
			s.items = append(slices.Clone(s.items), created)
		}
		s.mu.Unlock()

		s.logger.Info("intersection discovered",
			zap.String("intersection_id", created.ID),
			zap.String("name", created.Name),
		)
		s.emit(Change{Type: change, Intersection: created.Snapshot(pos)})

		if sub := s.currentSubscriber(); sub != nil {
			return sub.SubscribeDevice(ctx, created.ID)
		}
		return nil

	default:
		s.logger.Debug("ignoring created resource", zap.String("type", key))
		return nil
	}
}

func (s *Synchronizer) currentSubscriber() Subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscriber
}

// indexOf must be called with s.mu held.
func (s *Synchronizer) indexOf(id string) int {
	if id == "" {
		return -1
	}
	return slices.IndexFunc(s.items, func(i *Intersection) bool { return i.ID == id })
}

func (s *Synchronizer) emit(change Change) {
	if s.onChange != nil {
		s.onChange(change)
	}
}

func replaceAt(items []*Intersection, pos int, item *Intersection) []*Intersection {
	next := slices.Clone(items)
	next[pos] = item
	return next
}

func snapshot(items []*Intersection) []State {
	states := make([]State, len(items))
	for i, item := range items {
		states[i] = item.Snapshot(i)
	}
	return states
}
