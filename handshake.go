package meshportal

import (
	"context"
	"fmt"
	"net"
	"sync"
)

// HandshakeEventKind enumerates the event stream a HandshakeServer
// broadcasts to observers.
type HandshakeEventKind int

const (
	EventClientConnected HandshakeEventKind = iota
	EventFlavorNegotiation
	EventAuthorization
	EventInfo
	EventShutdown
)

// HandshakeEvent is one entry in the server's broadcast event stream.
// Only the fields relevant to Kind are populated.
type HandshakeEvent struct {
	Kind       HandshakeEventKind
	RemoteAddr string
	FlavorOk   bool
	FlavorErr  string
	AuthOk     bool
	AuthUser   string
	AuthErr    string
	Info       Info
	InfoErr    string
}

// AuthFunc is the server's authentication hook: given the raw, already
// flavor-negotiated connection, read/write whatever opaque handshake
// bytes it needs and return the authenticated user.
type AuthFunc func(ctx context.Context, conn net.Conn) (user string, err error)

// AuthClientFunc is the client-side mirror of AuthFunc: participate in
// whatever exchange the server's AuthFunc expects.
type AuthClientFunc func(ctx context.Context, conn net.Conn) error

// InfoBuilder constructs the Info for an authenticated user, once the
// handshake has otherwise succeeded.
type InfoBuilder func(user string, conn net.Conn) (Info, error)

// HandshakeServer drives the per-accepted-connection handshake and hands
// the resulting HostPortal to a Muxer.
type HandshakeServer struct {
	Flavor    string
	Auth      AuthFunc
	BuildInfo InfoBuilder
	Muxer     *Muxer
	Metrics   Metrics
	Log       Logger

	// MetricsFor, when set, builds the Metrics instance for each accepted
	// portal from its key, so implementations like PrometheusMetrics can
	// expose per-portal series. When nil every portal shares Metrics.
	MetricsFor func(portalKey string) Metrics

	subMu sync.Mutex
	subs  []chan HandshakeEvent
}

// NewHandshakeServer builds a HandshakeServer. metrics may be nil.
func NewHandshakeServer(flavor string, auth AuthFunc, buildInfo InfoBuilder, mux *Muxer, metrics Metrics, log Logger) *HandshakeServer {
	if metrics == nil {
		metrics = NewDefaultMetrics()
	}
	return &HandshakeServer{Flavor: flavor, Auth: auth, BuildInfo: buildInfo, Muxer: mux, Metrics: metrics, Log: log}
}

// Subscribe returns a lossy channel of this server's handshake events.
func (s *HandshakeServer) Subscribe() <-chan HandshakeEvent {
	ch := make(chan HandshakeEvent, 16)
	s.subMu.Lock()
	s.subs = append(s.subs, ch)
	s.subMu.Unlock()
	return ch
}

func (s *HandshakeServer) broadcast(ev HandshakeEvent) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, sub := range s.subs {
		select {
		case sub <- ev:
		default:
		}
	}
}

// Accept drives the handshake over an already-accepted conn: flavor
// negotiation, authentication, Info construction, HostPortal creation,
// Add to the muxer, and the init sequence — it returns once the guest has
// reported Ready, so the portal it hands back is usable immediately. On
// any failure it closes conn and returns an error. A rejected flavor, a
// failed authorization or a failed Info build is also broadcast on the
// event stream; connection read/write errors and an init failure are not.
func (s *HandshakeServer) Accept(ctx context.Context, conn net.Conn) (*HostPortal, error) {
	s.broadcast(HandshakeEvent{Kind: EventClientConnected, RemoteAddr: conn.RemoteAddr().String()})

	flavor, err := ReadString(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if flavor != s.Flavor {
		msg := fmt.Sprintf("ERROR: flavor does not match. expected '%s'", s.Flavor)
		_ = WriteString(conn, msg)
		conn.Close()
		s.broadcast(HandshakeEvent{Kind: EventFlavorNegotiation, FlavorOk: false, FlavorErr: msg})
		return nil, fmt.Errorf("%w: %s", ErrFlavorMismatch, msg)
	}
	if err := WriteString(conn, "Ok"); err != nil {
		conn.Close()
		return nil, err
	}
	s.broadcast(HandshakeEvent{Kind: EventFlavorNegotiation, FlavorOk: true})

	user, err := s.Auth(ctx, conn)
	if err != nil {
		_ = WriteString(conn, fmt.Sprintf("ERROR: %v: %v", ErrAuthFailed, err))
		conn.Close()
		s.broadcast(HandshakeEvent{Kind: EventAuthorization, AuthOk: false, AuthErr: err.Error()})
		return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	if err := WriteString(conn, "Ok"); err != nil {
		conn.Close()
		return nil, err
	}
	s.broadcast(HandshakeEvent{Kind: EventAuthorization, AuthOk: true, AuthUser: user})

	info, err := s.BuildInfo(user, conn)
	if err != nil {
		conn.Close()
		s.broadcast(HandshakeEvent{Kind: EventInfo, InfoErr: err.Error()})
		return nil, err
	}
	metrics := s.Metrics
	if s.MetricsFor != nil {
		metrics = s.MetricsFor(info.Key)
	}
	portal := NewHostPortal(conn, info, s.Muxer, metrics, s.Log.With("portal_key", info.Key))
	s.broadcast(HandshakeEvent{Kind: EventInfo, Info: info})
	s.Muxer.Add(portal)
	portal.Start(ctx)
	if err := portal.Init(ctx); err != nil {
		return nil, err
	}
	return portal, nil
}

// HandshakeClient drives the client side of the handshake: flavor
// negotiation, authentication, then awaiting the first outlet frame,
// which must be Init(Info).
type HandshakeClient struct {
	Flavor string
	Auth   AuthClientFunc
}

// NewHandshakeClient builds a HandshakeClient. auth may be nil if the
// server's flavor requires no further authentication step.
func NewHandshakeClient(flavor string, auth AuthClientFunc) *HandshakeClient {
	return &HandshakeClient{Flavor: flavor, Auth: auth}
}

// Dial drives the handshake over an already-connected conn and returns a
// started GuestPortal once Init(Info) has been observed.
func (c *HandshakeClient) Dial(ctx context.Context, conn net.Conn, cfg Config, metrics Metrics, log Logger) (*GuestPortal, error) {
	if err := WriteString(conn, c.Flavor); err != nil {
		conn.Close()
		return nil, err
	}
	reply, err := ReadString(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if reply != "Ok" {
		conn.Close()
		return nil, fmt.Errorf("%w: %s", ErrFlavorMismatch, reply)
	}

	if c.Auth != nil {
		if err := c.Auth(ctx, conn); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
		}
	}
	reply, err = ReadString(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if reply != "Ok" {
		conn.Close()
		return nil, fmt.Errorf("%w: %s", ErrAuthFailed, reply)
	}

	guest := NewGuestPortal(conn, cfg, metrics, log)
	guest.Start(ctx)
	if _, err := guest.Info(ctx); err != nil {
		return nil, err
	}
	return guest, nil
}
