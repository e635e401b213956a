// Package intersection models traffic-light intersection devices stored on
// the broker as flex containers, and keeps the dashboard's live list of them
// in sync with notifications and user intents.
package intersection

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/piwi3910/trafficweave/internal/onem2m"
)

const (
	// DefaultTag is the namespaced flex container type of an intersection.
	DefaultTag = "traffic:trfint"

	// DefaultContainerDefinition is the schema id carried in cnd.
	DefaultContainerDefinition = "edu.psu.cse.traffic.trafficLightIntersection"

	attrLight1 = "l1s"
	attrLight2 = "l2s"
	attrBLE    = "bts"
)

// Errors returned for invalid user intents.
var (
	ErrInvalidLight    = errors.New("invalid light number")
	ErrInvalidColor    = errors.New("invalid light color")
	ErrIndexOutOfRange = errors.New("intersection index out of range")
)

// Color is the state of one traffic light.
type Color string

// Light colors.
const (
	ColorRed    Color = "red"
	ColorYellow Color = "yellow"
	ColorGreen  Color = "green"
	ColorOff    Color = "off"
)

// ParseColor validates a color name.
func ParseColor(s string) (Color, error) {
	switch c := Color(strings.ToLower(strings.TrimSpace(s))); c {
	case ColorRed, ColorYellow, ColorGreen, ColorOff:
		return c, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidColor, s)
	}
}

// BLEState is the Bluetooth link state reported by the device.
type BLEState string

// Known BLE states. Devices may report others; they are kept verbatim.
const (
	BLEConnected    BLEState = "connected"
	BLEDisconnected BLEState = "disconnected"
)

// Light selects one of the two lights of an intersection.
type Light int

// The two lights.
const (
	Light1 Light = 1
	Light2 Light = 2
)

// ParseLight validates a light number.
func ParseLight(n int) (Light, error) {
	switch Light(n) {
	case Light1, Light2:
		return Light(n), nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrInvalidLight, n)
	}
}

// ApplyIntent sets light to color and returns the corrected pair. Setting
// either light to anything but red forces the other one to red, so at most
// one light is ever non-red.
func ApplyIntent(light1, light2 Color, light Light, color Color) (Color, Color) {
	switch light {
	case Light1:
		light1 = color
		if color != ColorRed {
			light2 = ColorRed
		}
	case Light2:
		light2 = color
		if color != ColorRed {
			light1 = ColorRed
		}
	}
	return light1, light2
}

// Intersection is a flex container carrying the state of two paired lights
// and the device's BLE link.
type Intersection struct {
	onem2m.FlexContainer

	Light1 Color
	Light2 Color
	BLE    BLEState
}

// New returns an intersection of the given tag with both lights red. An
// empty tag selects DefaultTag.
func New(tag, definition, name, parentID string) *Intersection {
	if tag == "" {
		tag = DefaultTag
	}
	if definition == "" {
		definition = DefaultContainerDefinition
	}
	return &Intersection{
		FlexContainer: *onem2m.NewFlexContainer(tag, definition, name, parentID),
		Light1:        ColorRed,
		Light2:        ColorRed,
		BLE:           BLEDisconnected,
	}
}

// MarshalAttributes implements onem2m.Kind.
func (i *Intersection) MarshalAttributes() (any, error) {
	attrs := i.FlexContainer.Attributes()
	attrs[attrLight1] = i.Light1
	attrs[attrLight2] = i.Light2
	attrs[attrBLE] = i.BLE
	return attrs, nil
}

// UnmarshalAttributes implements onem2m.Kind. The light and BLE attributes
// are lifted out of the custom attribute set.
func (i *Intersection) UnmarshalAttributes(raw json.RawMessage) error {
	if err := i.FlexContainer.UnmarshalAttributes(raw); err != nil {
		return err
	}

	for key, target := range map[string]*string{
		attrLight1: (*string)(&i.Light1),
		attrLight2: (*string)(&i.Light2),
		attrBLE:    (*string)(&i.BLE),
	} {
		value, ok := i.Custom[key]
		if !ok {
			continue
		}
		if err := json.Unmarshal(value, target); err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		delete(i.Custom, key)
	}
	return nil
}

// Clone returns a deep copy.
func (i *Intersection) Clone() *Intersection {
	return &Intersection{
		FlexContainer: *i.FlexContainer.Clone(),
		Light1:        i.Light1,
		Light2:        i.Light2,
		BLE:           i.BLE,
	}
}

// LightPatch returns the partial update that writes exactly the two lights.
func (i *Intersection) LightPatch() map[string]any {
	return map[string]any{
		attrLight1: i.Light1,
		attrLight2: i.Light2,
	}
}

// State is the read-only view of an intersection handed to the rendering
// layer and event publishers.
type State struct {
	Index        int      `json:"index"`
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	ParentID     string   `json:"parent_id"`
	Light1       Color    `json:"light1"`
	Light2       Color    `json:"light2"`
	BLE          BLEState `json:"ble"`
	LastModified string   `json:"last_modified,omitempty"`
}

// Snapshot returns the state of i at position index.
func (i *Intersection) Snapshot(index int) State {
	return State{
		Index:        index,
		ID:           i.ID,
		Name:         i.Name,
		ParentID:     i.ParentID,
		Light1:       i.Light1,
		Light2:       i.Light2,
		BLE:          i.BLE,
		LastModified: i.LastModifiedTime,
	}
}
