package onem2m

// ResourceType is the numeric resource type code carried in the "ty"
// attribute and in the Content-Type header of create requests.
type ResourceType int

// Resource type codes (TS-0004 m2m:resourceType).
const (
	TypeAccessControlPolicy ResourceType = 1
	TypeApplicationEntity   ResourceType = 2
	TypeContainer           ResourceType = 3
	TypeContentInstance     ResourceType = 4
	TypeCSEBase             ResourceType = 5
	TypeGroup               ResourceType = 9
	TypeNode                ResourceType = 14
	TypePollingChannel      ResourceType = 15
	TypeSubscription        ResourceType = 23
	TypeFlexContainer       ResourceType = 28
)

// String returns the short name used in logs and metric labels.
func (t ResourceType) String() string {
	switch t {
	case TypeAccessControlPolicy:
		return "acp"
	case TypeApplicationEntity:
		return "ae"
	case TypeContainer:
		return "cnt"
	case TypeContentInstance:
		return "cin"
	case TypeCSEBase:
		return "cb"
	case TypeGroup:
		return "grp"
	case TypeNode:
		return "nod"
	case TypePollingChannel:
		return "pch"
	case TypeSubscription:
		return "sub"
	case TypeFlexContainer:
		return "fcnt"
	default:
		return "unknown"
	}
}

// AccessOperation is a bit in an access-control operation mask.
type AccessOperation int

// Access control operation bits (TS-0004 m2m:accessControlOperations).
const (
	OpCreate    AccessOperation = 1
	OpRetrieve  AccessOperation = 2
	OpUpdate    AccessOperation = 4
	OpDelete    AccessOperation = 8
	OpNotify    AccessOperation = 16
	OpDiscovery AccessOperation = 32

	// OpAll grants every operation.
	OpAll = OpCreate | OpRetrieve | OpUpdate | OpDelete | OpNotify | OpDiscovery
)

// NotificationEventType is the "net" code of a notification event.
type NotificationEventType int

// Notification event types (TS-0004 m2m:notificationEventType).
const (
	EventUpdate      NotificationEventType = 1
	EventDelete      NotificationEventType = 2
	EventCreateChild NotificationEventType = 3
	EventDeleteChild NotificationEventType = 4
)

// String returns the label used in logs and metrics.
func (e NotificationEventType) String() string {
	switch e {
	case EventUpdate:
		return "update"
	case EventDelete:
		return "delete"
	case EventCreateChild:
		return "create_child"
	case EventDeleteChild:
		return "delete_child"
	default:
		return "unknown"
	}
}

// Discovery query values.
const (
	FilterUsageDiscovery = 1

	DesiredIDStructured   = 1
	DesiredIDUnstructured = 2

	// NotificationContentAll sends the full resource representation.
	NotificationContentAll = 1
)

// ResponseStatusCode is the oneM2M response status code (X-M2M-RSC).
type ResponseStatusCode int

// Response status codes used by the client.
const (
	RSCOK                     ResponseStatusCode = 2000
	RSCCreated                ResponseStatusCode = 2001
	RSCDeleted                ResponseStatusCode = 2002
	RSCUpdated                ResponseStatusCode = 2004
	RSCBadRequest             ResponseStatusCode = 4000
	RSCNotFound               ResponseStatusCode = 4004
	RSCRequestTimeout         ResponseStatusCode = 4008
	RSCOriginatorNoPrivilege  ResponseStatusCode = 4103
	RSCConflict               ResponseStatusCode = 4105
	RSCInternalServerError    ResponseStatusCode = 5000
	RSCTargetNotReachable     ResponseStatusCode = 5103
	RSCNotificationNoResponse ResponseStatusCode = 5106
)

// ReleaseVersion is the protocol revision sent in X-M2M-RVI.
const ReleaseVersion = "3"

// HTTP binding headers.
const (
	HeaderOrigin         = "X-M2M-Origin"
	HeaderRequestID      = "X-M2M-RI"
	HeaderReleaseVersion = "X-M2M-RVI"
	HeaderResponseStatus = "X-M2M-RSC"
)

// Envelope keys.
const (
	KeyCSEBase             = "m2m:cb"
	KeyAccessControlPolicy = "m2m:acp"
	KeyApplicationEntity   = "m2m:ae"
	KeySubscription        = "m2m:sub"
	KeyPollingChannel      = "m2m:pch"
	KeyURIList             = "m2m:uril"
	KeyNotification        = "m2m:sgn"
	KeyRequestPrimitive    = "m2m:rqp"
	KeyResponsePrimitive   = "m2m:rsp"
)

// pollingChannelURI is the virtual child of a polling channel that clients
// long-poll and acknowledge against.
const pollingChannelURI = "pcu"
