package meshportal

// ResourceOpKind enumerates the resource CRUD verbs.
type ResourceOpKind int

const (
	ResourceCreate ResourceOpKind = iota
	ResourceSelect
	ResourceGet
	ResourceSet
	ResourceDelete
)

// ResourceOp is a CRUD operation against the resource namespace.
// Set carries the new state as an opaque byte payload; the schema of that
// payload is outside this package's concern.
type ResourceOp struct {
	Kind  ResourceOpKind
	State []byte
}

// HTTPRequest is the opaque HTTP request envelope carried by Ext(Http(...)).
type HTTPRequest struct {
	Method  string
	Path    string
	Headers map[string][]string
	Body    []byte
}

// HTTPResponse is the opaque HTTP response envelope carried by Entity.
type HTTPResponse struct {
	Status  int
	Headers map[string][]string
	Body    []byte
}

// ExtOpKind enumerates the non-resource operation kinds.
type ExtOpKind int

const (
	ExtHTTP ExtOpKind = iota
	ExtPort
)

// ExtOp is an HTTP call or a named-port invocation.
type ExtOp struct {
	Kind    ExtOpKind
	HTTP    HTTPRequest
	Port    string
	Payload Entity
}

// OperationKind distinguishes a resource operation from an extension operation.
type OperationKind int

const (
	OpResource OperationKind = iota
	OpExt
)

// Operation is `Resource(ResourceOp) | Ext(ExtOp)`. Guest-
// originated frames may carry either; host-delivered frames to guests
// carry only Ext. The host portal does not check this; a guest's
// dispatcher rejects a non-Ext operation with an Error signal.
type Operation struct {
	Kind     OperationKind
	Resource ResourceOp
	Ext      ExtOp
}

// EntityKind enumerates the payload domains an Entity can carry.
type EntityKind int

const (
	EntityEmpty EntityKind = iota
	EntityResourceStub
	EntityResourceStubs
	EntityResourceState
	EntityText
	EntityBin
	EntityBins
	EntityHTTPResponse
)

// ResourceStub is a lightweight, addressable reference to a resource,
// returned by Select/Get and enumerated by the muxer's Select primitive.
type ResourceStub struct {
	Key     string
	Address string
}

// Entity is the payload domain carried by a request or a successful
// response: `Empty | Resource(stub|stubs|state) | Payload(text|bin|bins) |
// HttpResponse`.
type Entity struct {
	Kind         EntityKind
	Stub         ResourceStub
	Stubs        []ResourceStub
	State        []byte
	Text         string
	Bin          []byte
	Bins         [][]byte
	HTTPResponse HTTPResponse
}

// EmptyEntity is the zero-payload Entity.
var EmptyEntity = Entity{Kind: EntityEmpty}

// TextEntity builds a Payload(text) Entity.
func TextEntity(s string) Entity { return Entity{Kind: EntityText, Text: s} }

// BinEntity builds a Payload(bin) Entity.
func BinEntity(b []byte) Entity { return Entity{Kind: EntityBin, Bin: b} }

// StubsEntity builds a Resource(stubs) Entity, the shape the muxer's Select
// primitive answers with.
func StubsEntity(stubs []ResourceStub) Entity { return Entity{Kind: EntityResourceStubs, Stubs: stubs} }

// HTTPResponseEntity builds an HttpResponse Entity.
func HTTPResponseEntity(r HTTPResponse) Entity { return Entity{Kind: EntityHTTPResponse, HTTPResponse: r} }

// ResponseKind distinguishes a successful response from an error signal.
type ResponseKind int

const (
	SignalOk ResponseKind = iota
	SignalError
)

// ResponseEntity is `Ok(Entity) | Error(string)`, the
// `signal` field of a Response frame.
type ResponseEntity struct {
	Kind  ResponseKind
	Ok    Entity
	Error string
}

// Ok builds a successful ResponseEntity.
func Ok(e Entity) ResponseEntity { return ResponseEntity{Kind: SignalOk, Ok: e} }

// Err builds an error ResponseEntity.
func Err(message string) ResponseEntity { return ResponseEntity{Kind: SignalError, Error: message} }

// IsError reports whether this ResponseEntity carries an error signal.
func (r ResponseEntity) IsError() bool { return r.Kind == SignalError }

// PortalStatus is the state machine for one portal: `None → Initializing →
// Ready → (Done | Panic(msg))`. Terminal states are absorbing.
type PortalStatus struct {
	State   PortalState
	Message string
}

// PortalState enumerates the values PortalStatus.State can take.
type PortalState int

const (
	StatusNone PortalState = iota
	StatusInitializing
	StatusReady
	StatusDone
	StatusPanic
)

func (s PortalState) String() string {
	switch s {
	case StatusNone:
		return "None"
	case StatusInitializing:
		return "Initializing"
	case StatusReady:
		return "Ready"
	case StatusDone:
		return "Done"
	case StatusPanic:
		return "Panic"
	default:
		return "Unknown"
	}
}

// IsTerminal reports whether this status is absorbing (Done or Panic).
func (s PortalStatus) IsTerminal() bool {
	return s.State == StatusDone || s.State == StatusPanic
}

// CloseReason is `Done | Error(msg)`, the payload of a Close frame.
type CloseReason struct {
	IsError bool
	Message string
}

// CloseDone is the clean-shutdown CloseReason.
var CloseDone = CloseReason{}

// CloseError builds an error CloseReason.
func CloseError(message string) CloseReason { return CloseReason{IsError: true, Message: message} }
