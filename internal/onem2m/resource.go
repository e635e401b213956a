// Package onem2m implements the client side of the oneM2M HTTP binding used
// to talk to a CSE broker: typed resource kinds, the discover, retrieve,
// create, update and delete operations, and the polling-channel
// notification exchange.
package onem2m

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
)

// Resource holds the universal attributes shared by every resource kind.
// The broker is the system of record; a Resource is a cache refreshed on
// every retrieve, update and notification.
type Resource struct {
	Type             ResourceType `json:"ty,omitempty"`
	ID               string       `json:"ri,omitempty"`
	Name             string       `json:"rn,omitempty"`
	ParentID         string       `json:"pi,omitempty"`
	CreationTime     string       `json:"ct,omitempty"`
	LastModifiedTime string       `json:"lt,omitempty"`
	ExpirationTime   string       `json:"et,omitempty"`
}

// Meta returns the universal attributes. Kinds embed Resource and inherit it.
func (r *Resource) Meta() *Resource {
	return r
}

// Kind is implemented by every typed resource. The generic operations on
// Connection only need to know how a kind serializes its typed attributes
// into the envelope and how it extracts them back.
type Kind interface {
	// Meta returns the universal attributes of the resource.
	Meta() *Resource

	// WireKey returns the envelope key, e.g. "m2m:ae" or "traffic:trfint".
	WireKey() string

	// ResourceType returns the numeric type code sent on create.
	ResourceType() ResourceType

	// MarshalAttributes returns the typed attribute set sent on create.
	// The resource name is added by the caller.
	MarshalAttributes() (any, error)

	// UnmarshalAttributes refreshes typed fields from a representation.
	// Attributes absent from raw must be left untouched.
	UnmarshalAttributes(raw json.RawMessage) error
}

// Filters narrows a discovery request. Zero values are omitted.
type Filters struct {
	Type     ResourceType
	Name     string
	ParentID string
	AppID    string

	// Level limits the discovery depth below the root (0 = unlimited).
	Level int

	// Extra holds additional query keys; they override the defaults.
	Extra map[string]string
}

// values merges the filters over the mandatory discovery defaults.
func (f Filters) values() url.Values {
	v := url.Values{}
	v.Set("fu", strconv.Itoa(FilterUsageDiscovery))
	v.Set("drt", strconv.Itoa(DesiredIDStructured))

	if f.Type != 0 {
		v.Set("ty", strconv.Itoa(int(f.Type)))
	}
	if f.Name != "" {
		v.Set("rn", f.Name)
	}
	if f.ParentID != "" {
		v.Set("pi", f.ParentID)
	}
	if f.AppID != "" {
		v.Set("api", f.AppID)
	}
	if f.Level > 0 {
		v.Set("lvl", strconv.Itoa(f.Level))
	}
	for key, value := range f.Extra {
		v.Set(key, value)
	}

	return v
}

// createBody builds the wrapped create payload for k, adding its name.
func createBody(k Kind) (map[string]any, error) {
	attrs, err := k.MarshalAttributes()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s attributes: %w", k.WireKey(), err)
	}

	fields, err := toFields(attrs)
	if err != nil {
		return nil, err
	}
	if name := k.Meta().Name; name != "" {
		fields["rn"] = name
	}

	return map[string]any{k.WireKey(): fields}, nil
}

// updateBody builds the wrapped update payload. Names are immutable after
// creation, so "rn" and the other read-only universal attributes are dropped.
func updateBody(k Kind, partial map[string]any) map[string]any {
	fields := make(map[string]any, len(partial))
	for key, value := range partial {
		switch key {
		case "rn", "ri", "pi", "ty", "ct", "lt":
			continue
		}
		fields[key] = value
	}
	return map[string]any{k.WireKey(): fields}
}

// toFields converts a typed attribute struct into a mutable field map.
func toFields(attrs any) (map[string]any, error) {
	if attrs == nil {
		return map[string]any{}, nil
	}
	if fields, ok := attrs.(map[string]any); ok {
		out := make(map[string]any, len(fields)+1)
		for key, value := range fields {
			out[key] = value
		}
		return out, nil
	}

	raw, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal attributes: %w", err)
	}
	fields := map[string]any{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("failed to convert attributes: %w", err)
	}
	return fields, nil
}

// unwrap extracts the attribute set stored under key in a response envelope.
func unwrap(body []byte, key string) (json.RawMessage, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("malformed response envelope: %w", err)
	}

	raw, ok := envelope[key]
	if !ok {
		return nil, fmt.Errorf("%w: response has no %q key", ErrKindMismatch, key)
	}
	return raw, nil
}

// refresh applies a representation to the universal and typed attributes.
func refresh(k Kind, raw json.RawMessage) error {
	if err := json.Unmarshal(raw, k.Meta()); err != nil {
		return fmt.Errorf("failed to decode universal attributes: %w", err)
	}
	if err := k.UnmarshalAttributes(raw); err != nil {
		return fmt.Errorf("failed to decode %s attributes: %w", k.WireKey(), err)
	}
	return nil
}

// ApplyNotification refreshes k from a pushed representation without a
// round trip to the broker. rep is the wrapped representation carried in a
// notification ({"<key>": {...}}).
func ApplyNotification(k Kind, rep json.RawMessage) error {
	raw, err := unwrap(rep, k.WireKey())
	if err != nil {
		return err
	}
	return refresh(k, raw)
}

// EnvelopeKey returns the single key of a wrapped representation together
// with its attribute set.
func EnvelopeKey(rep json.RawMessage) (string, json.RawMessage, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(rep, &envelope); err != nil {
		return "", nil, fmt.Errorf("malformed representation: %w", err)
	}
	if len(envelope) != 1 {
		return "", nil, fmt.Errorf("representation has %d keys, expected 1", len(envelope))
	}
	for key, raw := range envelope {
		return key, raw, nil
	}
	return "", nil, nil
}
