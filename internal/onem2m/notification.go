package onem2m

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Notification is one event delivered through a polling channel.
type Notification struct {
	// RequestID is the broker's request identifier, echoed in the ack.
	RequestID string

	// SubscriptionRef identifies the subscription that produced the event.
	SubscriptionRef string

	// EventType is the net code of the event.
	EventType NotificationEventType

	// Representation is the wrapped resource ({"<key>": {...}}), if any.
	Representation json.RawMessage

	// VerificationRequest marks the probe sent when a subscription is created.
	VerificationRequest bool

	// SubscriptionDeletion marks the final notice of a deleted subscription.
	SubscriptionDeletion bool

	// Raw is the undecoded request primitive.
	Raw json.RawMessage
}

// ResourceID returns the ri of the carried representation, or "" when the
// notification has no representation.
func (n *Notification) ResourceID() string {
	if len(n.Representation) == 0 {
		return ""
	}
	_, raw, err := EnvelopeKey(n.Representation)
	if err != nil {
		return ""
	}
	var meta Resource
	if err := json.Unmarshal(raw, &meta); err != nil {
		return ""
	}
	return meta.ID
}

// RepresentationKey returns the envelope key of the carried representation.
func (n *Notification) RepresentationKey() string {
	if len(n.Representation) == 0 {
		return ""
	}
	key, _, err := EnvelopeKey(n.Representation)
	if err != nil {
		return ""
	}
	return key
}

// wire shape of a polled request primitive.
type requestPrimitive struct {
	RequestID string `json:"rqi"`
	Content   struct {
		Notification *struct {
			Event *struct {
				Representation json.RawMessage       `json:"rep"`
				Type           NotificationEventType `json:"net"`
			} `json:"nev"`
			SubscriptionRef      string `json:"sur"`
			VerificationRequest  bool   `json:"vrq"`
			SubscriptionDeletion bool   `json:"sud"`
		} `json:"m2m:sgn"`
	} `json:"pc"`
}

// Poll long-polls the pickup endpoint of pch and returns the next queued
// notification. It returns ErrPollTimeout when the window elapses empty.
//
// Poll bypasses the circuit breaker: an idle window is expected and a
// hanging request must not block other operations.
func (c *Connection) Poll(ctx context.Context, pch *PollingChannel) (*Notification, error) {
	if !c.Connected() {
		return nil, ErrNotConnected
	}
	if pch == nil || pch.ID == "" {
		return nil, fmt.Errorf("poll: polling channel id is empty")
	}

	req := &request{
		op:      opPoll,
		method:  http.MethodGet,
		target:  pch.PickupPath(),
		timeout: c.pollTimeout,
	}

	start := time.Now()
	resp, err := c.roundTrip(ctx, req)
	c.observe(req, start, err)
	if err != nil {
		return nil, err
	}

	return decodeNotification(req.target, resp)
}

func decodeNotification(target string, resp *response) (*Notification, error) {
	if len(resp.body) == 0 {
		return nil, &TransportError{Op: opPoll, URL: target, StatusCode: resp.status, Err: fmt.Errorf("empty notification body")}
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(resp.body, &envelope); err != nil {
		return nil, &TransportError{Op: opPoll, URL: target, StatusCode: resp.status, Err: fmt.Errorf("malformed notification: %w", err)}
	}
	raw, ok := envelope[KeyRequestPrimitive]
	if !ok {
		return nil, &TransportError{Op: opPoll, URL: target, StatusCode: resp.status, Err: fmt.Errorf("notification has no %q key", KeyRequestPrimitive)}
	}

	var rqp requestPrimitive
	if err := json.Unmarshal(raw, &rqp); err != nil {
		return nil, &TransportError{Op: opPoll, URL: target, StatusCode: resp.status, Err: fmt.Errorf("malformed request primitive: %w", err)}
	}

	n := &Notification{RequestID: rqp.RequestID, Raw: raw}
	if sgn := rqp.Content.Notification; sgn != nil {
		n.SubscriptionRef = sgn.SubscriptionRef
		n.VerificationRequest = sgn.VerificationRequest
		n.SubscriptionDeletion = sgn.SubscriptionDeletion
		if sgn.Event != nil {
			n.EventType = sgn.Event.Type
			n.Representation = sgn.Event.Representation
		}
	}
	return n, nil
}

// Acknowledge posts the response primitive for n back to the pickup
// endpoint of pch. The broker keeps redelivering until it is acknowledged.
func (c *Connection) Acknowledge(ctx context.Context, pch *PollingChannel, n *Notification) error {
	if !c.Connected() {
		return ErrNotConnected
	}
	if pch == nil || pch.ID == "" {
		return fmt.Errorf("acknowledge: polling channel id is empty")
	}
	if n == nil {
		return fmt.Errorf("acknowledge: notification cannot be nil")
	}

	_, err := c.execute(ctx, &request{
		op:        opAcknowledge,
		method:    http.MethodPost,
		target:    pch.PickupPath(),
		requestID: n.RequestID,
		body: map[string]any{
			KeyResponsePrimitive: map[string]any{
				"rqi": n.RequestID,
				"rsc": RSCOK,
				"rvi": ReleaseVersion,
			},
		},
	})
	return err
}
