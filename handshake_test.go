package meshportal

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These tests drive HandshakeServer.Accept and HandshakeClient.Dial
// against each other over a net.Pipe — the same full handshake sequence
// (flavor, auth, Info, Init, Ready) a guest dialing a running host goes
// through, with no portal plumbing done by hand.

func readStringAuth(ctx context.Context, conn net.Conn) (string, error) {
	return ReadString(conn)
}

func testInfoBuilder(cfg Config) InfoBuilder {
	return func(user string, conn net.Conn) (Info, error) {
		return Info{
			Key:       "guest-" + user,
			AddressID: "mesh:guests:" + user,
			Owner:     user,
			Parent:    Address("mesh"),
			Config:    cfg,
			Kind:      PortalKindGuest,
		}, nil
	}
}

func TestHandshakeAcceptDial(t *testing.T) {
	router := &forwardingRouter{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mux := NewMuxer(router, 2*time.Second, nil, discardLogger())
	router.mux = mux
	mux.Start(ctx)

	cfg := testConfig()
	server := NewHandshakeServer("mesh-test", readStringAuth, testInfoBuilder(cfg), mux, nil, discardLogger())

	serverConn, clientConn := net.Pipe()

	type acceptResult struct {
		portal *HostPortal
		err    error
	}
	acceptCh := make(chan acceptResult, 1)
	go func() {
		portal, err := server.Accept(ctx, serverConn)
		acceptCh <- acceptResult{portal: portal, err: err}
	}()

	client := NewHandshakeClient("mesh-test", func(ctx context.Context, conn net.Conn) error {
		return WriteString(conn, "tester")
	})
	guest, err := client.Dial(ctx, clientConn, cfg, nil, discardLogger())
	require.NoError(t, err)

	// Dial already blocked until Init(Info) arrived, which only Accept's
	// init sequence sends: the descriptor must be the one the server built.
	info, err := guest.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, "guest-tester", info.Key)
	assert.Equal(t, "mesh:guests:tester", info.AddressID)

	require.NoError(t, guest.SetStatus(PortalStatus{State: StatusReady}))

	var res acceptResult
	select {
	case res = <-acceptCh:
	case <-time.After(2 * time.Second):
		t.Fatal("Accept did not return after guest readiness")
	}
	require.NoError(t, res.err)
	assert.Equal(t, StatusReady, res.portal.Status().State)

	// The portal is attached and routable without any further setup.
	infos := mux.Select(func(Info) bool { return true })
	require.Len(t, infos, 1)
	assert.Equal(t, "guest-tester", infos[0].Key)
}

func TestHandshakeFlavorMismatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mux := NewMuxer(&forwardingRouter{}, 2*time.Second, nil, discardLogger())
	mux.Start(ctx)

	cfg := testConfig()
	server := NewHandshakeServer("mesh-test", readStringAuth, testInfoBuilder(cfg), mux, nil, discardLogger())

	serverConn, clientConn := net.Pipe()
	acceptErrCh := make(chan error, 1)
	go func() {
		_, err := server.Accept(ctx, serverConn)
		acceptErrCh <- err
	}()

	client := NewHandshakeClient("some-other-flavor", nil)
	_, err := client.Dial(ctx, clientConn, cfg, nil, discardLogger())
	require.ErrorIs(t, err, ErrFlavorMismatch)
	require.ErrorIs(t, <-acceptErrCh, ErrFlavorMismatch)
}

func TestHandshakeAcceptInitTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mux := NewMuxer(&forwardingRouter{}, 2*time.Second, nil, discardLogger())
	mux.Start(ctx)

	cfg := testConfig(WithInitTimeout(100 * time.Millisecond))
	server := NewHandshakeServer("mesh-test", readStringAuth, testInfoBuilder(cfg), mux, nil, discardLogger())

	serverConn, clientConn := net.Pipe()
	acceptErrCh := make(chan error, 1)
	go func() {
		_, err := server.Accept(ctx, serverConn)
		acceptErrCh <- err
	}()

	client := NewHandshakeClient("mesh-test", func(ctx context.Context, conn net.Conn) error {
		return WriteString(conn, "tester")
	})
	_, err := client.Dial(ctx, clientConn, cfg, nil, discardLogger())
	require.NoError(t, err)
	// Never report Ready: Accept must fail with the init timeout and leave
	// the muxer empty.
	err = <-acceptErrCh
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PANIC")
	require.Eventually(t, func() bool {
		return len(mux.Select(func(Info) bool { return true })) == 0
	}, time.Second, 10*time.Millisecond)
}
