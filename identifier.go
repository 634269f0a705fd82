// Package meshportal implements the resource-mesh portal: a framed, typed
// duplex protocol connecting an untrusted guest (Portal/Mechtron) to a
// trusted host (the Mesh), plus the host-side muxer that fans many such
// portals into a single routing fabric.
//
// The whole protocol core lives in one flat package, each file owning
// one responsibility (wire codec, exchange table, guest portal, host
// portal, muxer, handshake), with concrete byte-transports supplied by the
// sibling transport package rather than built into the core.
package meshportal

import "fmt"

// IdentifierKind distinguishes the two ways a participant can be addressed.
type IdentifierKind int

const (
	// IdentifierKey addresses a specific portal by its unique key.
	IdentifierKey IdentifierKind = iota
	// IdentifierAddress addresses a portal (or its parent) by dotted path.
	IdentifierAddress
)

// Identifier is the tagged union `{ Key(string), Address(dotted-segments) }`.
// Every portal has both a Key and an Address; the
// muxer maintains bidirectional maps between them.
type Identifier struct {
	Kind    IdentifierKind
	Key     string
	Address string
}

// Key builds a Key-kind Identifier.
func Key(key string) Identifier {
	return Identifier{Kind: IdentifierKey, Key: key}
}

// Address builds an Address-kind Identifier.
func Address(address string) Identifier {
	return Identifier{Kind: IdentifierAddress, Address: address}
}

// String renders the identifier for logging.
func (id Identifier) String() string {
	switch id.Kind {
	case IdentifierKey:
		return fmt.Sprintf("key:%s", id.Key)
	case IdentifierAddress:
		return fmt.Sprintf("address:%s", id.Address)
	default:
		return "identifier:invalid"
	}
}

// IsZero reports whether the identifier was never assigned.
func (id Identifier) IsZero() bool {
	return id.Kind == IdentifierKey && id.Key == "" && id.Address == ""
}

// PortalKind distinguishes an untrusted guest from a trusted host-side peer.
type PortalKind int

const (
	// PortalKindGuest is an untrusted guest process (Portal or Mechtron).
	PortalKindGuest PortalKind = iota
	// PortalKindHostPeer is a trusted peer on the host side of the mesh.
	PortalKindHostPeer
)

func (k PortalKind) String() string {
	switch k {
	case PortalKindGuest:
		return "Guest"
	case PortalKindHostPeer:
		return "Host-peer"
	default:
		return "Unknown"
	}
}

// Archetype describes what kind of guest this portal runs.
type Archetype struct {
	Kind      string
	Specific  string
	ConfigSrc string
}

// Info is the immutable descriptor handed to a guest in the first outlet
// frame (Init) and read thereafter by the muxer and by logging. It must
// never be mutated after a portal finishes its handshake.
type Info struct {
	Key       string
	AddressID string
	Owner     string
	Parent    Identifier
	Archetype Archetype
	Config    Config
	Kind      PortalKind
}

// KeyIdentifier returns this Info's identity as a Key-kind Identifier.
func (i Info) KeyIdentifier() Identifier { return Key(i.Key) }

// AddressIdentifier returns this Info's identity as an Address-kind Identifier.
func (i Info) AddressIdentifier() Identifier { return Address(i.AddressID) }
