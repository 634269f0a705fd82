package meshportal

import (
	"bytes"
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These tests exercise the portal protocol end to end, over real net.Pipe
// connections and the actual Muxer/HostPortal/GuestPortal wiring, rather
// than mocking any of the three engines.

func testConfig(extra ...Option) Config {
	opts := append([]Option{
		WithInitTimeout(2 * time.Second),
		WithFrameTimeout(2 * time.Second),
		WithResponseTimeout(2 * time.Second),
	}, extra...)
	cfg, err := NewConfig(opts...)
	if err != nil {
		panic(err)
	}
	return cfg
}

func discardLogger() Logger { return NewLogger(io.Discard, "test") }

// syncBuffer is a mutex-guarded byte sink so multiple portals' loggers can
// safely share one capture buffer across goroutines in a test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

// newReadyPair wires a HostPortal/GuestPortal across a net.Pipe, drives the
// init sequence to completion (Init -> guest observes it -> guest reports
// Ready -> host.Init returns), and hands back both ends already Ready.
func newReadyPair(t *testing.T, ctx context.Context, mux MuxerSink, key, address string, cfgOpts ...Option) (*HostPortal, *GuestPortal) {
	t.Helper()
	conn1, conn2 := net.Pipe()
	cfg := testConfig(cfgOpts...)
	info := Info{Key: key, AddressID: address, Config: cfg, Kind: PortalKindGuest}

	host := NewHostPortal(conn1, info, mux, nil, discardLogger())
	guest := NewGuestPortal(conn2, cfg, nil, discardLogger())
	host.Start(ctx)
	guest.Start(ctx)

	initErrCh := make(chan error, 1)
	go func() { initErrCh <- host.Init(ctx) }()

	_, err := guest.Info(ctx)
	require.NoError(t, err)
	require.NoError(t, guest.SetStatus(PortalStatus{State: StatusReady}))

	require.NoError(t, <-initErrCh)
	return host, guest
}

// forwardingRouter forwards every Request-kind message to its addressed
// recipient and answers Resource(Select) from the muxer's own Select
// primitive.
type forwardingRouter struct {
	mux *Muxer

	mu       sync.Mutex
	messages []Message
}

func (r *forwardingRouter) Route(msg Message) {
	r.mu.Lock()
	r.messages = append(r.messages, msg)
	r.mu.Unlock()

	if msg.Op.Kind == OpResource && msg.Op.Resource.Kind == ResourceSelect && msg.Kind.IsRequestResponse {
		// Route runs on the muxer's own event loop; Select waits on a reply
		// that loop must produce, so the enumeration has to be spawned.
		go func() {
			infos := r.mux.Select(func(info Info) bool { return info.Kind == PortalKindGuest })
			stubs := make([]ResourceStub, 0, len(infos))
			for _, info := range infos {
				stubs = append(stubs, ResourceStub{Key: info.Key, Address: info.AddressID})
			}
			r.mux.MessageOut(Message{
				Type: MessageResponse, From: Key("mesh"), To: msg.From,
				ExchangeID: msg.Kind.ExchangeID, Signal: Ok(StubsEntity(stubs)),
			})
		}()
		return
	}
	r.mux.MessageOut(msg)
}

func (r *forwardingRouter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

// TestScenarioHappyPortExchange: guest A exchanges with
// guest B's "greet" port handler and observes the handler's answer.
func TestScenarioHappyPortExchange(t *testing.T) {
	router := &forwardingRouter{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mux := NewMuxer(router, 2*time.Second, nil, discardLogger())
	router.mux = mux
	mux.Start(ctx)

	hostA, guestA := newReadyPair(t, ctx, mux, "(0)", "portal-0")
	hostB, guestB := newReadyPair(t, ctx, mux, "(1)", "portal-1")
	mux.Add(hostA)
	mux.Add(hostB)

	guestB.RegisterPort("greet", func(from Identifier, payload Entity) ResponseEntity {
		return Ok(TextEntity("Hello, " + payload.Text))
	})

	resp, err := guestA.Exchange(ctx, []Identifier{Key("(1)")},
		Operation{Kind: OpExt, Ext: ExtOp{Kind: ExtPort, Port: "greet", Payload: TextEntity("username")}})
	require.NoError(t, err)
	assert.Equal(t, Ok(TextEntity("Hello, username")), resp)
}

// TestScenarioSelectEnumeration: two guests are attached; the guest that
// asks receives a Select enumeration holding stubs for both of them.
func TestScenarioSelectEnumeration(t *testing.T) {
	router := &forwardingRouter{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mux := NewMuxer(router, 2*time.Second, nil, discardLogger())
	router.mux = mux
	mux.Start(ctx)

	hostA, guestA := newReadyPair(t, ctx, mux, "(0)", "portal-0")
	hostB, _ := newReadyPair(t, ctx, mux, "(1)", "portal-1")
	mux.Add(hostA)
	mux.Add(hostB)

	resp, err := guestA.Exchange(ctx, []Identifier{Address("mesh")}, Operation{Kind: OpResource, Resource: ResourceOp{Kind: ResourceSelect}})
	require.NoError(t, err)
	require.False(t, resp.IsError())
	require.Equal(t, EntityResourceStubs, resp.Ok.Kind)

	keys := map[string]bool{}
	for _, s := range resp.Ok.Stubs {
		keys[s.Key] = true
	}
	assert.True(t, keys["(0)"])
	assert.True(t, keys["(1)"])
}

// TestScenarioSingularRecipientProtocolError: a
// RequestResponse with two recipients is answered directly by the host with
// exactly one Error response, and the router never observes a MessageIn.
func TestScenarioSingularRecipientProtocolError(t *testing.T) {
	router := &forwardingRouter{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mux := NewMuxer(router, 2*time.Second, nil, discardLogger())
	router.mux = mux
	mux.Start(ctx)

	host, guest := newReadyPair(t, ctx, mux, "(0)", "portal-0")
	mux.Add(host)

	resp, err := guest.Exchange(ctx, []Identifier{Key("X"), Key("Y")}, Operation{Kind: OpExt, Ext: ExtOp{Kind: ExtPort, Port: "x", Payload: EmptyEntity}})
	require.NoError(t, err)
	require.True(t, resp.IsError())
	assert.Equal(t, "a RequestResponse message must have one and only one to recipient.", resp.Error)
	assert.Equal(t, 0, router.count())
}

// TestScenarioNotificationFanout: an
// inlet Notification with N recipients produces exactly N MessageIn events.
func TestScenarioNotificationFanout(t *testing.T) {
	router := &forwardingRouter{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mux := NewMuxer(router, 2*time.Second, nil, discardLogger())
	router.mux = mux
	mux.Start(ctx)

	host, guest := newReadyPair(t, ctx, mux, "(0)", "portal-0")
	mux.Add(host)

	err := guest.Notify([]Identifier{Key("a"), Key("b"), Key("c")}, Operation{Kind: OpExt, Ext: ExtOp{Kind: ExtPort, Port: "noop", Payload: EmptyEntity}})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return router.count() == 3 }, time.Second, 10*time.Millisecond)
	seen := map[string]bool{}
	router.mu.Lock()
	for _, m := range router.messages {
		assert.Equal(t, Key("(0)"), m.From)
		seen[m.To.Key] = true
	}
	router.mu.Unlock()
	assert.Equal(t, map[string]bool{"a": true, "b": true, "c": true}, seen)
}

// TestScenarioLargePayloadParcels: a request whose encoding exceeds the
// parcel size is split into BinParcel frames and reassembled transparently
// on every hop, including the oversized Init frame the tiny parcel size
// forces during the handshake.
func TestScenarioLargePayloadParcels(t *testing.T) {
	router := &forwardingRouter{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mux := NewMuxer(router, 2*time.Second, nil, discardLogger())
	router.mux = mux
	mux.Start(ctx)

	hostA, guestA := newReadyPair(t, ctx, mux, "(0)", "portal-0", WithBinParcelSize(64))
	hostB, guestB := newReadyPair(t, ctx, mux, "(1)", "portal-1", WithBinParcelSize(64))
	mux.Add(hostA)
	mux.Add(hostB)

	big := strings.Repeat("x", 4096)
	guestB.RegisterPort("blob", func(from Identifier, payload Entity) ResponseEntity {
		return Ok(TextEntity(payload.Text))
	})

	resp, err := guestA.Exchange(ctx, []Identifier{Key("(1)")},
		Operation{Kind: OpExt, Ext: ExtOp{Kind: ExtPort, Port: "blob", Payload: TextEntity(big)}})
	require.NoError(t, err)
	assert.Equal(t, Ok(TextEntity(big)), resp)
}

// TestScenarioInitTimeout: a host portal whose guest never
// reports Ready PANICs after init_timeout and emits Close(Error) outbound.
func TestScenarioInitTimeout(t *testing.T) {
	conn1, conn2 := net.Pipe()
	defer conn2.Close()
	cfg := testConfig(WithInitTimeout(100 * time.Millisecond))
	info := Info{Key: "(0)", AddressID: "portal-0", Config: cfg, Kind: PortalKindGuest}

	host := NewHostPortal(conn1, info, noopSink{}, nil, discardLogger())

	// Drain frames off conn2 without ever reporting Ready, so the host's
	// Init(info) write does not block forever on the unbuffered pipe.
	framesCh := make(chan OutletFrame, 8)
	go func() {
		for {
			data, err := ReadPrimitive(conn2, 0)
			if err != nil {
				return
			}
			frame, err := DecodeOutlet(data, 0)
			if err == nil {
				framesCh <- frame
			}
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	host.Start(ctx)

	err := host.Init(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PANIC")
	assert.Equal(t, StatusPanic, host.Status().State)

	require.Eventually(t, func() bool {
		select {
		case f := <-framesCh:
			return f.Kind == OutletClose && f.Close.IsError
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}

type noopSink struct{}

func (noopSink) MessageIn(Message)  {}
func (noopSink) MessageOut(Message) {}

// TestScenarioUnknownExchangeResponse: a Response for an
// exchange id nobody registered logs SEVERE and leaves the portal Ready.
func TestScenarioUnknownExchangeResponse(t *testing.T) {
	buf := &syncBuffer{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mux := NewMuxer(&forwardingRouter{}, 2*time.Second, nil, NewLogger(buf, "muxer"))
	mux.Start(ctx)

	conn1, conn2 := net.Pipe()
	cfg := testConfig()
	info := Info{Key: "(0)", AddressID: "portal-0", Config: cfg, Kind: PortalKindGuest}
	host := NewHostPortal(conn1, info, mux, nil, NewLogger(buf, "host"))
	guest := NewGuestPortal(conn2, cfg, nil, discardLogger())
	host.Start(ctx)
	guest.Start(ctx)

	initErrCh := make(chan error, 1)
	go func() { initErrCh <- host.Init(ctx) }()
	_, err := guest.Info(ctx)
	require.NoError(t, err)
	require.NoError(t, guest.SetStatus(PortalStatus{State: StatusReady}))
	require.NoError(t, <-initErrCh)
	mux.Add(host)

	require.NoError(t, guest.Respond(host.Info().KeyIdentifier(), "ghost", Ok(EmptyEntity)))

	require.Eventually(t, func() bool {
		return strings.Contains(buf.String(), "missing request/response exchange id 'ghost'")
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, StatusReady, host.Status().State)
}

// TestScenarioShutdownDrain: shutting down a portal with
// outstanding exchanges resolves every one of them with an error, and the
// muxer no longer holds the portal afterward.
func TestScenarioShutdownDrain(t *testing.T) {
	router := &forwardingRouter{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mux := NewMuxer(router, 2*time.Second, nil, discardLogger())
	router.mux = mux
	mux.Start(ctx)

	host, _ := newReadyPair(t, ctx, mux, "(0)", "portal-0", WithResponseTimeout(10*time.Second))
	mux.Add(host)

	type exchangeResult struct {
		resp ResponseEntity
		err  error
	}
	results := make(chan exchangeResult, 2)
	for i := 0; i < 2; i++ {
		go func() {
			resp, err := host.Exchange(ctx, Operation{Kind: OpExt, Ext: ExtOp{Kind: ExtPort, Port: "never-answers", Payload: EmptyEntity}})
			results <- exchangeResult{resp: resp, err: err}
		}()
	}
	// Give both Exchange calls a moment to register before shutdown.
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, host.Shutdown(CloseDone))

	// Drain resolves a waiter with an Error signal; a racing observer of the
	// portal's own teardown sees ErrPortalClosed instead. Either way the
	// exchange resolved with an error, which is what the drain property asks.
	for i := 0; i < 2; i++ {
		select {
		case r := <-results:
			require.True(t, r.err != nil || r.resp.IsError())
		case <-time.After(2 * time.Second):
			t.Fatal("exchange did not resolve after shutdown")
		}
	}

	require.Eventually(t, func() bool {
		return len(mux.Select(func(Info) bool { return true })) == 0
	}, time.Second, 10*time.Millisecond)
}
