package events

import (
	"context"
)

// Publisher defines the interface for delivering state change events.
// Implementations push events to a transport (Redis, MQTT, websocket
// clients, device bridges).
type Publisher interface {
	// Publish delivers an event. The context is used for timeout control.
	Publish(ctx context.Context, event *Event) error

	// Close releases the publisher's resources.
	Close() error
}
