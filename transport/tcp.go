package transport

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

const tcpDriverName = "tcp"

// tcpMaxRawSize is the largest raw chunk the tcp transport moves at once.
// Sealed Noise messages must stay under the protocol's 64 KiB ceiling, so
// the chunk size is kept well clear of it.
const tcpMaxRawSize = 32 * 1024

func init() {
	RegisterFactory(tcpDriverName, &tcpFactory{})
}

type tcpFactory struct{}

func (d *tcpFactory) NewDriver(ep *Endpoint, cfg *Config) (Driver, error) {
	if ep.URL.Host == "" {
		return nil, fmt.Errorf("%w: tcp address missing host", ErrInvalidConfig)
	}
	return &tcpDriver{
		ep:       ep,
		cfg:      cfg,
		pending:  make(map[string]net.Conn),
		sessions: make(map[string]net.Conn),
	}, nil
}

// tcpDriver maps the store-and-forward bootstrap contract onto a plain
// socket: the socket itself is the rendezvous. PostHandshake dials the
// address and writes the first Noise message as a length-prefixed chunk;
// GetHandshakes accepts a socket and reads that chunk; PostToken answers
// on the same socket; NewTransport then hands the socket over as the
// session transport. The Noise layering above the driver is exactly the
// one the store-and-forward drivers get.
type tcpDriver struct {
	ep  *Endpoint
	cfg *Config

	mu     sync.Mutex
	ln     net.Listener
	dialed net.Conn // client side: socket opened by PostHandshake

	// server side: handshake id → socket awaiting tokens, then
	// conn id → socket claimed by CreateSession.
	pending  map[string]net.Conn
	sessions map[string]net.Conn
	lastHS   string
}

func writeTCPChunk(conn net.Conn, data []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := conn.Write(data)
	return err
}

func readTCPChunk(conn net.Conn) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(lenBuf[:])
	if int(size) > tcpMaxRawSize {
		return nil, fmt.Errorf("tcp chunk of %d bytes exceeds %d", size, tcpMaxRawSize)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(conn, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (d *tcpDriver) PostHandshake(ctx context.Context, connID string, data []byte) error {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", d.ep.URL.Host)
	if err != nil {
		return err
	}
	if err := writeTCPChunk(conn, data); err != nil {
		conn.Close()
		return err
	}
	d.mu.Lock()
	d.dialed = conn
	d.mu.Unlock()
	return nil
}

func (d *tcpDriver) GetHandshakes(ctx context.Context) ([]BootstrapHandshake, error) {
	d.mu.Lock()
	if d.ln == nil {
		ln, err := net.Listen("tcp", d.ep.URL.Host)
		if err != nil {
			d.mu.Unlock()
			return nil, err
		}
		d.ln = ln
	}
	ln := d.ln
	// Sweep sockets whose handshake never completed in the previous round.
	for id, c := range d.pending {
		c.Close()
		delete(d.pending, id)
	}
	d.mu.Unlock()

	if tl, ok := ln.(*net.TCPListener); ok {
		_ = tl.SetDeadline(time.Now().Add(d.cfg.acceptPoll))
	}
	conn, err := ln.Accept()
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, nil
		}
		return nil, err
	}
	msg1, err := readTCPChunk(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	id := uuid.New().String()
	d.mu.Lock()
	d.pending[id] = conn
	d.lastHS = id
	d.mu.Unlock()
	return []BootstrapHandshake{{ID: id, Payload: msg1}}, nil
}

func (d *tcpDriver) DeleteHandshake(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.pending[id]; ok {
		c.Close()
		delete(d.pending, id)
	}
	return nil
}

func (d *tcpDriver) PostToken(ctx context.Context, connID string, data []byte) error {
	d.mu.Lock()
	conn := d.sessions[connID]
	d.mu.Unlock()
	if conn == nil {
		return ErrNoData
	}
	if err := writeTCPChunk(conn, data); err != nil {
		d.mu.Lock()
		delete(d.sessions, connID)
		d.mu.Unlock()
		conn.Close()
		return err
	}
	return nil
}

func (d *tcpDriver) GetToken(ctx context.Context, connID string) ([]byte, error) {
	d.mu.Lock()
	conn := d.dialed
	d.mu.Unlock()
	if conn == nil {
		return nil, ErrNoData
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	data, err := readTCPChunk(conn)
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (d *tcpDriver) DeleteToken(ctx context.Context, connID string) error { return nil }

func (d *tcpDriver) CreateSession(ctx context.Context, connID string) (SessionTokens, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	conn := d.pending[d.lastHS]
	if conn == nil {
		return SessionTokens{}, ErrNoData
	}
	delete(d.pending, d.lastHS)
	d.sessions[connID] = conn
	return SessionTokens{
		Req: d.cfg.reqPrefix + "-" + connID,
		Res: d.cfg.resPrefix + "-" + connID,
	}, nil
}

// CreateBootstrapTokens is part of the Driver contract but tcp needs no
// shared-access tokens: the dial address alone is the connection string.
func (d *tcpDriver) CreateBootstrapTokens() (string, string, error) {
	return "", "", nil
}

func (d *tcpDriver) NewTransport(ctx context.Context, connID string, tokens SessionTokens, isInitiator bool) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var conn net.Conn
	if isInitiator {
		conn = d.dialed
	} else {
		conn = d.sessions[connID]
		delete(d.sessions, connID)
	}
	if conn == nil {
		return nil, ErrNoData
	}
	return &tcpTransport{conn: conn}, nil
}

func (d *tcpDriver) CleanupBootstrap(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, c := range d.pending {
		c.Close()
		delete(d.pending, id)
	}
	if d.ln != nil {
		err := d.ln.Close()
		d.ln = nil
		return err
	}
	return nil
}

func (d *tcpDriver) CleanupSession(ctx context.Context, connID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.sessions[connID]; ok {
		c.Close()
		delete(d.sessions, connID)
	}
	return nil
}

// tcpTransport moves sealed chunks over an established socket, each one
// framed with a u32 big-endian length.
type tcpTransport struct {
	conn net.Conn
}

func (t *tcpTransport) WriteRaw(ctx context.Context, data io.ReadSeeker) error {
	pos, _ := data.Seek(0, io.SeekCurrent)
	end, _ := data.Seek(0, io.SeekEnd)
	_, _ = data.Seek(pos, io.SeekStart)

	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(end-pos))
	if _, err := t.conn.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := io.Copy(t.conn, data)
	return err
}

func (t *tcpTransport) ReadRaw(ctx context.Context) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := readTCPChunk(t.conn)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (t *tcpTransport) Close() error         { return t.conn.Close() }
func (t *tcpTransport) LocalAddr() net.Addr  { return t.conn.LocalAddr() }
func (t *tcpTransport) RemoteAddr() net.Addr { return t.conn.RemoteAddr() }
func (t *tcpTransport) MaxRawSize() int      { return tcpMaxRawSize }
