package onem2m

import (
	"encoding/json"
	"slices"
)

// CSEBase is the root resource of a broker.
type CSEBase struct {
	Resource

	CSEID          string   `json:"csi,omitempty"`
	CSEType        int      `json:"cst,omitempty"`
	SupportedTypes []int    `json:"srt,omitempty"`
	PointOfAccess  []string `json:"poa,omitempty"`
}

// WireKey implements Kind.
func (*CSEBase) WireKey() string { return KeyCSEBase }

// ResourceType implements Kind.
func (*CSEBase) ResourceType() ResourceType { return TypeCSEBase }

// MarshalAttributes implements Kind. A CSE base is never created by a client.
func (*CSEBase) MarshalAttributes() (any, error) { return map[string]any{}, nil }

// UnmarshalAttributes implements Kind.
func (b *CSEBase) UnmarshalAttributes(raw json.RawMessage) error {
	var attrs struct {
		CSEID          *string  `json:"csi"`
		CSEType        *int     `json:"cst"`
		SupportedTypes []int    `json:"srt"`
		PointOfAccess  []string `json:"poa"`
	}
	if err := json.Unmarshal(raw, &attrs); err != nil {
		return err
	}
	if attrs.CSEID != nil {
		b.CSEID = *attrs.CSEID
	}
	if attrs.CSEType != nil {
		b.CSEType = *attrs.CSEType
	}
	if attrs.SupportedTypes != nil {
		b.SupportedTypes = attrs.SupportedTypes
	}
	if attrs.PointOfAccess != nil {
		b.PointOfAccess = attrs.PointOfAccess
	}
	return nil
}

// AccessControlRule grants an operation mask to a set of originators.
type AccessControlRule struct {
	Originators []string        `json:"acor"`
	Operations  AccessOperation `json:"acop"`
}

// accessControlRules is the wire shape of pv and pvs.
type accessControlRules struct {
	Rules []AccessControlRule `json:"acr"`
}

// AccessControlPolicy grants operations on the resources that reference it.
type AccessControlPolicy struct {
	Resource

	Privileges     []AccessControlRule
	SelfPrivileges []AccessControlRule
}

// NewAccessControlPolicy builds a policy named name under parentID that
// grants every operation to owner and peers, and lets owner manage the
// policy itself.
func NewAccessControlPolicy(name, parentID, owner string, peers ...string) *AccessControlPolicy {
	originators := append([]string{owner}, peers...)
	return &AccessControlPolicy{
		Resource: Resource{Type: TypeAccessControlPolicy, Name: name, ParentID: parentID},
		Privileges: []AccessControlRule{
			{Originators: originators, Operations: OpAll},
		},
		SelfPrivileges: []AccessControlRule{
			{Originators: []string{owner}, Operations: OpAll},
		},
	}
}

// WireKey implements Kind.
func (*AccessControlPolicy) WireKey() string { return KeyAccessControlPolicy }

// ResourceType implements Kind.
func (*AccessControlPolicy) ResourceType() ResourceType { return TypeAccessControlPolicy }

// MarshalAttributes implements Kind.
func (p *AccessControlPolicy) MarshalAttributes() (any, error) {
	return struct {
		Privileges     accessControlRules `json:"pv"`
		SelfPrivileges accessControlRules `json:"pvs"`
	}{
		Privileges:     accessControlRules{Rules: p.Privileges},
		SelfPrivileges: accessControlRules{Rules: p.SelfPrivileges},
	}, nil
}

// UnmarshalAttributes implements Kind.
func (p *AccessControlPolicy) UnmarshalAttributes(raw json.RawMessage) error {
	var attrs struct {
		Privileges     *accessControlRules `json:"pv"`
		SelfPrivileges *accessControlRules `json:"pvs"`
	}
	if err := json.Unmarshal(raw, &attrs); err != nil {
		return err
	}
	if attrs.Privileges != nil {
		p.Privileges = attrs.Privileges.Rules
	}
	if attrs.SelfPrivileges != nil {
		p.SelfPrivileges = attrs.SelfPrivileges.Rules
	}
	return nil
}

// Grants reports whether the self privileges give originator every
// operation in mask.
func (p *AccessControlPolicy) Grants(originator string, mask AccessOperation) bool {
	for _, rule := range p.SelfPrivileges {
		if rule.Operations&mask == mask && slices.Contains(rule.Originators, originator) {
			return true
		}
	}
	return false
}

// ApplicationEntity is a registered client application.
type ApplicationEntity struct {
	Resource

	AEID                     string
	AppID                    string
	AppName                  string
	ACPIDs                   []string
	RequestReachability      bool
	SupportedReleaseVersions []string
	PointOfAccess            []string
}

// NewApplicationEntity builds an AE registration for originator.
func NewApplicationEntity(originator, parentID, appID string, acpIDs ...string) *ApplicationEntity {
	return &ApplicationEntity{
		Resource:                 Resource{Type: TypeApplicationEntity, Name: originator, ParentID: parentID},
		AppID:                    appID,
		ACPIDs:                   acpIDs,
		RequestReachability:      false,
		SupportedReleaseVersions: []string{ReleaseVersion},
	}
}

// WireKey implements Kind.
func (*ApplicationEntity) WireKey() string { return KeyApplicationEntity }

// ResourceType implements Kind.
func (*ApplicationEntity) ResourceType() ResourceType { return TypeApplicationEntity }

// MarshalAttributes implements Kind.
func (a *ApplicationEntity) MarshalAttributes() (any, error) {
	return struct {
		AppID                    string   `json:"api"`
		AppName                  string   `json:"apn,omitempty"`
		ACPIDs                   []string `json:"acpi,omitempty"`
		RequestReachability      bool     `json:"rr"`
		SupportedReleaseVersions []string `json:"srv"`
		PointOfAccess            []string `json:"poa,omitempty"`
	}{
		AppID:                    a.AppID,
		AppName:                  a.AppName,
		ACPIDs:                   a.ACPIDs,
		RequestReachability:      a.RequestReachability,
		SupportedReleaseVersions: a.SupportedReleaseVersions,
		PointOfAccess:            a.PointOfAccess,
	}, nil
}

// UnmarshalAttributes implements Kind.
func (a *ApplicationEntity) UnmarshalAttributes(raw json.RawMessage) error {
	var attrs struct {
		AEID                     *string  `json:"aei"`
		AppID                    *string  `json:"api"`
		AppName                  *string  `json:"apn"`
		ACPIDs                   []string `json:"acpi"`
		RequestReachability      *bool    `json:"rr"`
		SupportedReleaseVersions []string `json:"srv"`
		PointOfAccess            []string `json:"poa"`
	}
	if err := json.Unmarshal(raw, &attrs); err != nil {
		return err
	}
	if attrs.AEID != nil {
		a.AEID = *attrs.AEID
	}
	if attrs.AppID != nil {
		a.AppID = *attrs.AppID
	}
	if attrs.AppName != nil {
		a.AppName = *attrs.AppName
	}
	if attrs.ACPIDs != nil {
		a.ACPIDs = attrs.ACPIDs
	}
	if attrs.RequestReachability != nil {
		a.RequestReachability = *attrs.RequestReachability
	}
	if attrs.SupportedReleaseVersions != nil {
		a.SupportedReleaseVersions = attrs.SupportedReleaseVersions
	}
	if attrs.PointOfAccess != nil {
		a.PointOfAccess = attrs.PointOfAccess
	}
	return nil
}

// EventNotificationCriteria selects the events a subscription reports.
type EventNotificationCriteria struct {
	EventTypes         []NotificationEventType `json:"net"`
	ChildResourceTypes []ResourceType          `json:"chty,omitempty"`
}

// Subscription makes the broker notify a list of originators about events
// on its parent resource.
type Subscription struct {
	Resource

	ACPIDs                  []string
	NotificationURIs        []string
	NotificationContentType int
	Criteria                EventNotificationCriteria
}

// NewSubscription builds a subscription under parentID that notifies target.
func NewSubscription(name, parentID, target string, criteria EventNotificationCriteria, acpIDs ...string) *Subscription {
	return &Subscription{
		Resource:                Resource{Type: TypeSubscription, Name: name, ParentID: parentID},
		ACPIDs:                  acpIDs,
		NotificationURIs:        []string{target},
		NotificationContentType: NotificationContentAll,
		Criteria:                criteria,
	}
}

// WireKey implements Kind.
func (*Subscription) WireKey() string { return KeySubscription }

// ResourceType implements Kind.
func (*Subscription) ResourceType() ResourceType { return TypeSubscription }

// MarshalAttributes implements Kind.
func (s *Subscription) MarshalAttributes() (any, error) {
	return struct {
		ACPIDs                  []string                  `json:"acpi,omitempty"`
		NotificationURIs        []string                  `json:"nu"`
		NotificationContentType int                       `json:"nct"`
		Criteria                EventNotificationCriteria `json:"enc"`
	}{
		ACPIDs:                  s.ACPIDs,
		NotificationURIs:        s.NotificationURIs,
		NotificationContentType: s.NotificationContentType,
		Criteria:                s.Criteria,
	}, nil
}

// UnmarshalAttributes implements Kind.
func (s *Subscription) UnmarshalAttributes(raw json.RawMessage) error {
	var attrs struct {
		ACPIDs                  []string                   `json:"acpi"`
		NotificationURIs        []string                   `json:"nu"`
		NotificationContentType *int                       `json:"nct"`
		Criteria                *EventNotificationCriteria `json:"enc"`
	}
	if err := json.Unmarshal(raw, &attrs); err != nil {
		return err
	}
	if attrs.ACPIDs != nil {
		s.ACPIDs = attrs.ACPIDs
	}
	if attrs.NotificationURIs != nil {
		s.NotificationURIs = attrs.NotificationURIs
	}
	if attrs.NotificationContentType != nil {
		s.NotificationContentType = *attrs.NotificationContentType
	}
	if attrs.Criteria != nil {
		s.Criteria = *attrs.Criteria
	}
	return nil
}

// Notifies reports whether target is in the notification URI list.
func (s *Subscription) Notifies(target string) bool {
	return slices.Contains(s.NotificationURIs, target)
}

// PollingChannel is the resource whose pickup endpoint a non-reachable
// client long-polls for queued notifications.
type PollingChannel struct {
	Resource
}

// NewPollingChannel builds a polling channel named name under parentID.
func NewPollingChannel(name, parentID string) *PollingChannel {
	return &PollingChannel{Resource: Resource{Type: TypePollingChannel, Name: name, ParentID: parentID}}
}

// WireKey implements Kind.
func (*PollingChannel) WireKey() string { return KeyPollingChannel }

// ResourceType implements Kind.
func (*PollingChannel) ResourceType() ResourceType { return TypePollingChannel }

// MarshalAttributes implements Kind.
func (*PollingChannel) MarshalAttributes() (any, error) { return map[string]any{}, nil }

// UnmarshalAttributes implements Kind.
func (*PollingChannel) UnmarshalAttributes(json.RawMessage) error { return nil }

// PickupPath returns the long-poll path of the channel.
func (p *PollingChannel) PickupPath() string {
	return p.ID + "/" + pollingChannelURI
}

// universalKeys are the attribute names owned by Resource.
var universalKeys = map[string]bool{
	"ty": true, "ri": true, "rn": true, "pi": true, "ct": true, "lt": true, "et": true,
	"st": true, "lbl": true, "cr": true,
}

// FlexContainer is a schema-tagged container. The envelope key is the
// namespaced type tag (e.g. "traffic:trfint") and the application payload
// is kept as opaque custom attributes.
type FlexContainer struct {
	Resource

	Tag                 string
	ContainerDefinition string
	ACPIDs              []string
	Custom              map[string]json.RawMessage
}

// NewFlexContainer builds a container of the given tag and definition.
func NewFlexContainer(tag, definition, name, parentID string) *FlexContainer {
	return &FlexContainer{
		Resource:            Resource{Type: TypeFlexContainer, Name: name, ParentID: parentID},
		Tag:                 tag,
		ContainerDefinition: definition,
		Custom:              map[string]json.RawMessage{},
	}
}

// WireKey implements Kind.
func (f *FlexContainer) WireKey() string { return f.Tag }

// ResourceType implements Kind.
func (*FlexContainer) ResourceType() ResourceType { return TypeFlexContainer }

// MarshalAttributes implements Kind.
func (f *FlexContainer) MarshalAttributes() (any, error) {
	return f.Attributes(), nil
}

// Attributes returns the create payload as a mutable map so specialized
// containers can add their own fields.
func (f *FlexContainer) Attributes() map[string]any {
	attrs := make(map[string]any, len(f.Custom)+2)
	for key, value := range f.Custom {
		attrs[key] = value
	}
	attrs["cnd"] = f.ContainerDefinition
	if len(f.ACPIDs) > 0 {
		attrs["acpi"] = f.ACPIDs
	}
	return attrs
}

// UnmarshalAttributes implements Kind.
func (f *FlexContainer) UnmarshalAttributes(raw json.RawMessage) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return err
	}

	if f.Custom == nil {
		f.Custom = map[string]json.RawMessage{}
	}
	for key, value := range fields {
		switch {
		case key == "cnd":
			if err := json.Unmarshal(value, &f.ContainerDefinition); err != nil {
				return err
			}
		case key == "acpi":
			if err := json.Unmarshal(value, &f.ACPIDs); err != nil {
				return err
			}
		case universalKeys[key]:
		default:
			f.Custom[key] = value
		}
	}
	return nil
}

// Clone returns a deep copy of the container.
func (f *FlexContainer) Clone() *FlexContainer {
	clone := *f
	clone.ACPIDs = slices.Clone(f.ACPIDs)
	clone.Custom = make(map[string]json.RawMessage, len(f.Custom))
	for key, value := range f.Custom {
		clone.Custom[key] = slices.Clone(value)
	}
	return &clone
}
