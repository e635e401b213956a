// Package events publishes dashboard state changes to the rendering layer
// and to downstream systems: Redis, MQTT and the device light bridges.
package events

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/piwi3910/trafficweave/internal/intersection"
)

// ErrNilEvent is returned when a nil event is published.
var ErrNilEvent = errors.New("event cannot be nil")

// EventType identifies what changed.
type EventType string

const (
	// EventIntersectionCreated is emitted when a device appears.
	EventIntersectionCreated EventType = "intersection.created"

	// EventIntersectionUpdated is emitted when a light or BLE state changes.
	EventIntersectionUpdated EventType = "intersection.updated"

	// EventIntersectionDeleted is emitted when a device disappears.
	EventIntersectionDeleted EventType = "intersection.deleted"

	// EventIntersectionsReplaced carries the full list after provisioning.
	EventIntersectionsReplaced EventType = "intersections.replaced"

	// EventConnectionChanged is emitted on connect and disconnect.
	EventConnectionChanged EventType = "dashboard.connection"
)

// ConnectionState describes the dashboard's broker connection.
type ConnectionState struct {
	Connected  bool   `json:"connected"`
	URL        string `json:"url,omitempty"`
	Originator string `json:"originator,omitempty"`
	RootID     string `json:"root_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Event is one state change.
type Event struct {
	// ID is the unique event identifier (UUID v4)
	ID string `json:"id"`

	// Type is the event type
	Type EventType `json:"type"`

	// Timestamp is when the event occurred
	Timestamp time.Time `json:"timestamp"`

	// Intersection is set for single-intersection events
	Intersection *intersection.State `json:"intersection,omitempty"`

	// Intersections is set for EventIntersectionsReplaced
	Intersections []intersection.State `json:"intersections,omitempty"`

	// Connection is set for EventConnectionChanged
	Connection *ConnectionState `json:"connection,omitempty"`
}

func newEvent(t EventType) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      t,
		Timestamp: time.Now().UTC(),
	}
}

// FromChange converts a synchronizer change into an event.
func FromChange(c intersection.Change) *Event {
	switch c.Type {
	case intersection.ChangeReplaced:
		e := newEvent(EventIntersectionsReplaced)
		e.Intersections = c.Intersections
		if e.Intersections == nil {
			e.Intersections = []intersection.State{}
		}
		return e
	case intersection.ChangeCreated:
		return intersectionEvent(EventIntersectionCreated, c.Intersection)
	case intersection.ChangeDeleted:
		return intersectionEvent(EventIntersectionDeleted, c.Intersection)
	default:
		return intersectionEvent(EventIntersectionUpdated, c.Intersection)
	}
}

func intersectionEvent(t EventType, state intersection.State) *Event {
	e := newEvent(t)
	e.Intersection = &state
	return e
}

// NewConnectionEvent returns an EventConnectionChanged event.
func NewConnectionEvent(state ConnectionState) *Event {
	e := newEvent(EventConnectionChanged)
	e.Connection = &state
	return e
}

// Validate checks that the event can be published.
func (e *Event) Validate() error {
	if e == nil {
		return ErrNilEvent
	}
	if e.ID == "" {
		return errors.New("event ID cannot be empty")
	}
	switch e.Type {
	case EventIntersectionCreated, EventIntersectionUpdated, EventIntersectionDeleted:
		if e.Intersection == nil {
			return errors.New("intersection event has no intersection")
		}
	case EventConnectionChanged:
		if e.Connection == nil {
			return errors.New("connection event has no connection state")
		}
	case EventIntersectionsReplaced:
	default:
		return errors.New("unknown event type " + string(e.Type))
	}
	return nil
}
