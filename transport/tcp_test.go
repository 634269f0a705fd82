package transport

import (
	"bytes"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// freeAddr reserves a loopback port for a test listener. The port is
// released before the transport binds it, so a parallel process could in
// principle steal it; serial test runs never observe that.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestTCPChunkRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		_ = writeTCPChunk(client, []byte("hello"))
	}()
	data, err := readTCPChunk(server)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
}

func TestTCPChunkRejectsOversize(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		_, _ = client.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	}()
	_, err := readTCPChunk(server)
	require.Error(t, err)
}

// TestTCPDialListen drives the full bootstrap over a real loopback socket:
// Noise handshake through the tcp driver's rendezvous, then encrypted
// stream frames both ways.
func TestTCPDialListen(t *testing.T) {
	addr := freeAddr(t)

	ln, err := Listen("tcp", "tcp://"+addr,
		WithAcceptPoll(50*time.Millisecond),
		WithPing(0),
	)
	require.NoError(t, err)
	defer ln.Close()

	type acceptResult struct {
		conn net.Conn
		err  error
	}
	acceptCh := make(chan acceptResult, 1)
	go func() {
		conn, err := ln.Accept()
		acceptCh <- acceptResult{conn: conn, err: err}
	}()

	client, err := Dial("tcp", "tcp://"+addr,
		WithConnectTimeout(5*time.Second),
		WithPing(0),
	)
	require.NoError(t, err)
	defer client.Close()

	var res acceptResult
	select {
	case res = <-acceptCh:
	case <-time.After(5 * time.Second):
		t.Fatal("listener never accepted")
	}
	require.NoError(t, res.err)
	server := res.conn
	defer server.Close()

	payload := []byte("over the noise channel")
	_, err = client.Write(payload)
	require.NoError(t, err)

	buf := make([]byte, len(payload))
	_, err = io.ReadFull(server, buf)
	require.NoError(t, err)
	assert.Equal(t, payload, buf)

	reply := []byte("and back again")
	_, err = server.Write(reply)
	require.NoError(t, err)

	buf = make([]byte, len(reply))
	_, err = io.ReadFull(client, buf)
	require.NoError(t, err)
	assert.Equal(t, reply, buf)
}

// wireRecorder captures every byte a sniffing proxy forwards in either
// direction, so a test can assert what actually crossed the socket.
type wireRecorder struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (r *wireRecorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.Write(p)
}

func (r *wireRecorder) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.buf.Bytes()...)
}

// TestTCPWireIsEncrypted routes a connection through a sniffing proxy and
// asserts the application payload never crosses the socket in the clear.
func TestTCPWireIsEncrypted(t *testing.T) {
	addr := freeAddr(t)

	ln, err := Listen("tcp", "tcp://"+addr,
		WithAcceptPoll(50*time.Millisecond),
		WithPing(0),
	)
	require.NoError(t, err)
	defer ln.Close()

	acceptCh := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			acceptCh <- conn
		}
	}()

	recorder := &wireRecorder{}
	proxyLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer proxyLn.Close()
	go func() {
		inbound, err := proxyLn.Accept()
		if err != nil {
			return
		}
		outbound, err := net.Dial("tcp", addr)
		if err != nil {
			inbound.Close()
			return
		}
		go func() { _, _ = io.Copy(outbound, io.TeeReader(inbound, recorder)) }()
		go func() { _, _ = io.Copy(inbound, io.TeeReader(outbound, recorder)) }()
	}()

	client, err := Dial("tcp", "tcp://"+proxyLn.Addr().String(),
		WithConnectTimeout(5*time.Second),
		WithPing(0),
	)
	require.NoError(t, err)
	defer client.Close()

	var server net.Conn
	select {
	case server = <-acceptCh:
	case <-time.After(5 * time.Second):
		t.Fatal("listener never accepted")
	}
	defer server.Close()

	secret := []byte("plaintext-must-not-leak")
	_, err = client.Write(secret)
	require.NoError(t, err)

	buf := make([]byte, len(secret))
	_, err = io.ReadFull(server, buf)
	require.NoError(t, err)
	require.Equal(t, secret, buf)

	assert.NotContains(t, string(recorder.Bytes()), string(secret))
}
