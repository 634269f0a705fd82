package meshportal

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// PortHandler answers a named-port invocation. The returned ResponseEntity
// is sent back only if the caller used RequestResponse; for a Notification
// it is invoked and its result discarded.
type PortHandler func(from Identifier, payload Entity) ResponseEntity

// HTTPHandler answers an Ext(Http) invocation. An error is treated as a
// handler failure and turned into HttpResponse(500) by the dispatcher.
type HTTPHandler func(req HTTPRequest) (HTTPResponse, error)

// guest command envelopes. GuestPortal's run loop is the sole goroutine
// that touches its exchange table and writes to its connection; every
// other goroutine — including controller callers and exchange timers —
// communicates with it by posting one of these onto cmdCh, so the table
// stays owned by exactly one task and reached only via channels.
type guestCmdEmit struct {
	frame InletFrame
	done  chan error
}

type guestCmdRegister struct {
	to    []Identifier
	op    Operation
	reply chan<- guestRegisterResult
}

type guestRegisterResult struct {
	id   string
	wait <-chan ResponseEntity
	err  error
}

type guestCmdExpire struct{ id string }

type guestCmdSetStatus struct {
	status PortalStatus
	done   chan error
}

type guestCmdShutdown struct {
	reason CloseReason
	done   chan error
}

// GuestPortal owns one connection's guest end: the status
// machine, the inlet sender, the outlet dispatcher, the exchange table,
// and the port/HTTP handler registry. It is the client side of a
// resource-mesh portal connection; HostPortal is the server side.
type GuestPortal struct {
	conn    net.Conn
	cfg     Config
	log     Logger
	metrics Metrics

	ports       map[string]PortHandler
	httpHandler HTTPHandler
	sem         *semaphore.Weighted

	cmdCh     chan interface{}
	frameCh   chan OutletFrame
	readErrCh chan error
	doneCh    chan struct{}
	closeOnce sync.Once

	table *Table

	statusMu sync.RWMutex
	status   PortalStatus

	subMu sync.Mutex
	subs  []chan PortalStatus

	infoMu sync.RWMutex
	info   Info
	infoCh chan struct{}

	parcels       *parcelAssembler
	commandEvents chan []byte
}

// NewGuestPortal wires a GuestPortal around an already-connected conn
// (typically one returned by transport.Dial). metrics may be nil.
func NewGuestPortal(conn net.Conn, cfg Config, metrics Metrics, log Logger) *GuestPortal {
	if metrics == nil {
		metrics = NewDefaultMetrics()
	}
	g := &GuestPortal{
		conn:          conn,
		cfg:           cfg,
		log:           log,
		metrics:       metrics,
		ports:         make(map[string]PortHandler),
		sem:           semaphore.NewWeighted(maxInflightRequests),
		cmdCh:         make(chan interface{}, 32),
		frameCh:       make(chan OutletFrame, 32),
		readErrCh:     make(chan error, 1),
		doneCh:        make(chan struct{}),
		table:         NewTable(metrics),
		status:        PortalStatus{State: StatusNone},
		infoCh:        make(chan struct{}),
		parcels:       newParcelAssembler(cfg.MaxBinSize),
		commandEvents: make(chan []byte, 8),
	}
	return g
}

// maxInflightRequests bounds how many host-delivered requests a guest
// portal will handle concurrently. One goroutine per inbound request
// is unbounded in principle; a weighted semaphore caps it
// so a request storm cannot outrun the process's goroutine budget.
const maxInflightRequests = 256

// RegisterPort binds name to h. Registering before Start is called avoids
// a race against the first inbound request for that port.
func (g *GuestPortal) RegisterPort(name string, h PortHandler) {
	g.ports[name] = h
}

// SetHTTPHandler installs the handler used for Ext(Http) requests.
func (g *GuestPortal) SetHTTPHandler(h HTTPHandler) {
	g.httpHandler = h
}

// Start launches the reader goroutine and the command/dispatch loop. It
// returns immediately; call Wait or watch Done to observe termination.
func (g *GuestPortal) Start(ctx context.Context) {
	go g.readLoop()
	go g.run(ctx)
}

// Done is closed once the portal's run loop has exited.
func (g *GuestPortal) Done() <-chan struct{} { return g.doneCh }

// CommandEvents delivers raw, opaque CommandEvent payloads sent by the
// host. The core does not interpret CLI framing; callers that care about
// it decode the bytes themselves.
func (g *GuestPortal) CommandEvents() <-chan []byte { return g.commandEvents }

// Info blocks until the host's Init frame has been received, then returns
// it. It is the guest's one authoritative copy of its own descriptor.
func (g *GuestPortal) Info(ctx context.Context) (Info, error) {
	select {
	case <-g.infoCh:
		g.infoMu.RLock()
		defer g.infoMu.RUnlock()
		return g.info, nil
	case <-ctx.Done():
		return Info{}, ctx.Err()
	case <-g.doneCh:
		return Info{}, ErrPortalClosed
	}
}

// Status returns the current PortalStatus.
func (g *GuestPortal) Status() PortalStatus {
	g.statusMu.RLock()
	defer g.statusMu.RUnlock()
	return g.status
}

// Subscribe returns a channel that observes this portal's status
// transitions in order. Delivery is lossy: a slow subscriber can miss
// transitions rather than stall the broadcaster.
func (g *GuestPortal) Subscribe() <-chan PortalStatus {
	ch := make(chan PortalStatus, 4)
	g.subMu.Lock()
	g.subs = append(g.subs, ch)
	g.subMu.Unlock()
	return ch
}

func (g *GuestPortal) broadcastStatus(s PortalStatus) {
	g.subMu.Lock()
	defer g.subMu.Unlock()
	for _, sub := range g.subs {
		select {
		case sub <- s:
		default:
		}
	}
}

// SetStatus updates the shared status cell and emits Status(status) on
// the inlet.
func (g *GuestPortal) SetStatus(status PortalStatus) error {
	done := make(chan error, 1)
	select {
	case g.cmdCh <- guestCmdSetStatus{status: status, done: done}:
	case <-g.doneCh:
		return ErrPortalClosed
	}
	select {
	case err := <-done:
		return err
	case <-g.doneCh:
		return ErrPortalClosed
	}
}

// Notify sends a fire-and-forget request to one or more recipients,
// rewriting kind to Notification before the frame reaches the wire.
func (g *GuestPortal) Notify(to []Identifier, op Operation) error {
	return g.emit(InletFrame{Kind: InletRequest, Request: InletRequestFrame{To: to, Op: op, Kind: KindNotification}})
}

// Respond sends a response frame directly, bypassing the exchange table.
// Used by inbound request handlers to answer a host-delivered request.
func (g *GuestPortal) Respond(to Identifier, exchangeID string, signal ResponseEntity) error {
	return g.emit(InletFrame{Kind: InletResponse, Response: InletResponseFrame{To: to, ExchangeID: exchangeID, Signal: signal}})
}

// Log sends a Log frame upstream.
func (g *GuestPortal) Log(message string) error {
	return g.emit(InletFrame{Kind: InletLog, Log: message})
}

// Exchange assigns a fresh exchange id, emits a RequestResponse request,
// and blocks until the matching Response arrives, ctx is cancelled, or
// the response timeout elapses.
func (g *GuestPortal) Exchange(ctx context.Context, to []Identifier, op Operation) (ResponseEntity, error) {
	reply := make(chan guestRegisterResult, 1)
	select {
	case g.cmdCh <- guestCmdRegister{to: to, op: op, reply: reply}:
	case <-g.doneCh:
		return ResponseEntity{}, ErrPortalClosed
	}

	var result guestRegisterResult
	select {
	case result = <-reply:
	case <-g.doneCh:
		return ResponseEntity{}, ErrPortalClosed
	}
	if result.err != nil {
		return ResponseEntity{}, result.err
	}

	timeout := time.NewTimer(g.cfg.ResponseTimeout)
	defer timeout.Stop()
	select {
	case resp := <-result.wait:
		return resp, nil
	case <-ctx.Done():
		return ResponseEntity{}, ctx.Err()
	case <-timeout.C:
		return ResponseEntity{}, ErrExchangeTimeout
	case <-g.doneCh:
		return ResponseEntity{}, ErrPortalClosed
	}
}

// Shutdown best-effort writes Close(reason), drains the exchange table,
// and tears down the connection.
func (g *GuestPortal) Shutdown(reason CloseReason) error {
	done := make(chan error, 1)
	select {
	case g.cmdCh <- guestCmdShutdown{reason: reason, done: done}:
	case <-g.doneCh:
		return nil
	}
	select {
	case err := <-done:
		return err
	case <-g.doneCh:
		return nil
	}
}

func (g *GuestPortal) emit(f InletFrame) error {
	done := make(chan error, 1)
	select {
	case g.cmdCh <- guestCmdEmit{frame: f, done: done}:
	case <-g.doneCh:
		return ErrPortalClosed
	}
	select {
	case err := <-done:
		return err
	case <-g.doneCh:
		return ErrPortalClosed
	}
}

// emitInlet writes f to the wire, splitting it into BinParcel frames if
// its encoding exceeds the parcel size. It must only ever be called from
// run(), the portal's single writer goroutine.
func (g *GuestPortal) emitInlet(f InletFrame) error {
	data, err := EncodeInlet(f)
	if err != nil {
		return err
	}
	if f.Kind != InletBinParcel && g.cfg.BinParcelSize > 0 && len(data) > g.cfg.BinParcelSize {
		for _, p := range splitParcels(data, g.cfg.BinParcelSize) {
			if err := g.emitInlet(InletFrame{Kind: InletBinParcel, BinParcel: p}); err != nil {
				return err
			}
		}
		return nil
	}
	if g.cfg.FrameTimeout > 0 {
		_ = g.conn.SetWriteDeadline(time.Now().Add(g.cfg.FrameTimeout))
	}
	if err := WritePrimitive(g.conn, data); err != nil {
		return err
	}
	g.metrics.IncrementFramesOut()
	return nil
}

func (g *GuestPortal) postExpire(id string) {
	select {
	case g.cmdCh <- guestCmdExpire{id: id}:
	case <-g.doneCh:
	}
}

// readLoop is the only goroutine that reads from conn. Decoded frames are
// handed to run() over frameCh; a read error (including a disconnect)
// ends the loop and is handed over readErrCh.
func (g *GuestPortal) readLoop() {
	for {
		data, err := ReadPrimitive(g.conn, g.cfg.MaxBinSize)
		if err != nil {
			select {
			case g.readErrCh <- err:
			case <-g.doneCh:
			}
			return
		}
		frame, err := DecodeOutlet(data, g.cfg.MaxBinSize)
		if err != nil {
			g.log.Fatal(fmt.Sprintf("bad outlet frame: %v", err))
			continue
		}
		g.metrics.IncrementFramesIn()
		select {
		case g.frameCh <- frame:
		case <-g.doneCh:
			return
		}
	}
}

// run is the portal's command task: the only goroutine that touches the
// exchange table or writes to conn.
func (g *GuestPortal) run(ctx context.Context) {
	defer g.closeOnce.Do(func() { close(g.doneCh) })
	for {
		select {
		case <-ctx.Done():
			g.doShutdown(CloseDone)
			return
		case err := <-g.readErrCh:
			g.log.Err(err, "guest portal connection lost")
			g.doShutdown(CloseError(err.Error()))
			return
		case frame := <-g.frameCh:
			if g.handleOutlet(frame) {
				g.doShutdown(CloseDone)
				return
			}
		case cmd := <-g.cmdCh:
			if sd, ok := cmd.(guestCmdShutdown); ok {
				g.doShutdown(sd.reason)
				sd.done <- nil
				return
			}
			g.handleCmd(cmd)
		}
	}
}

func (g *GuestPortal) handleCmd(cmd interface{}) {
	switch c := cmd.(type) {
	case guestCmdEmit:
		c.done <- g.emitInlet(c.frame)
	case guestCmdRegister:
		id := NewExchangeID()
		wait := g.table.Register(id, g.cfg.ResponseTimeout, g.postExpire)
		req := InletRequestFrame{To: c.to, Op: c.op, Kind: KindRequestResponse(id)}
		err := g.emitInlet(InletFrame{Kind: InletRequest, Request: req})
		if err != nil {
			g.table.Expire(id)
		}
		c.reply <- guestRegisterResult{id: id, wait: wait, err: err}
	case guestCmdExpire:
		g.table.Expire(c.id)
	case guestCmdSetStatus:
		g.statusMu.Lock()
		g.status = c.status
		g.statusMu.Unlock()
		g.broadcastStatus(c.status)
		c.done <- g.emitInlet(InletFrame{Kind: InletStatus, Status: c.status})
	}
}

// handleOutlet dispatches one decoded OutletFrame. It returns true if the
// connection should be torn down (a Close frame arrived).
func (g *GuestPortal) handleOutlet(frame OutletFrame) bool {
	switch frame.Kind {
	case OutletInit:
		g.infoMu.Lock()
		g.info = frame.Init
		g.infoMu.Unlock()
		select {
		case <-g.infoCh:
		default:
			close(g.infoCh)
		}
	case OutletCommandEvent:
		select {
		case g.commandEvents <- frame.CommandEvent:
		default:
			g.log.Warn("dropped command event, subscriber channel full")
		}
	case OutletRequest:
		g.dispatchRequest(frame.Request)
	case OutletResponse:
		resp := frame.Response
		if !g.table.Complete(resp.ExchangeID, resp.Signal) {
			g.log.Severe(fmt.Sprintf("missing request/response exchange id '%s'", resp.ExchangeID))
		}
	case OutletBinParcel:
		payload, err := g.parcels.Feed(frame.BinParcel)
		if err != nil {
			g.log.Fatal(fmt.Sprintf("bad bin parcel: %v", err))
			return false
		}
		if payload == nil {
			return false
		}
		inner, err := DecodeOutlet(payload, g.cfg.MaxBinSize)
		if err != nil || inner.Kind == OutletBinParcel {
			g.log.Fatal(fmt.Sprintf("bad reassembled frame from %s: %v", frame.BinParcel.SourceID, err))
			return false
		}
		return g.handleOutlet(inner)
	case OutletClose:
		return true
	}
	return false
}

func (g *GuestPortal) dispatchRequest(req OutletRequestFrame) {
	if err := g.sem.Acquire(context.Background(), 1); err != nil {
		return
	}
	go func() {
		defer g.sem.Release(1)
		g.handleRequest(req)
	}()
}

func (g *GuestPortal) handleRequest(req OutletRequestFrame) {
	respondsRequired := req.Kind.IsRequestResponse
	exchangeID := req.Kind.ExchangeID

	signal := func() (result ResponseEntity) {
		defer func() {
			if r := recover(); r != nil {
				g.log.Severe(fmt.Sprintf("guest handler panic: %v", r))
				result = Err(fmt.Sprintf("handler panic: %v", r))
			}
		}()
		return g.invoke(req)
	}()

	if respondsRequired {
		if err := g.Respond(req.From, exchangeID, signal); err != nil {
			g.log.Err(err, "failed to send response")
		}
	}
}

func (g *GuestPortal) invoke(req OutletRequestFrame) ResponseEntity {
	if req.Op.Kind != OpExt {
		g.log.Fatal("protocol violation: non-Ext operation delivered to guest")
		return Err("non-Ext operation delivered to guest")
	}
	switch req.Op.Ext.Kind {
	case ExtPort:
		handler, ok := g.ports[req.Op.Ext.Port]
		if !ok {
			return Err(fmt.Sprintf("message port '%s' not defined", req.Op.Ext.Port))
		}
		return handler(req.From, req.Op.Ext.Payload)
	case ExtHTTP:
		if g.httpHandler == nil {
			return Ok(HTTPResponseEntity(HTTPResponse{Status: 500}))
		}
		resp, err := g.httpHandler(req.Op.Ext.HTTP)
		if err != nil {
			g.log.Err(err, "http handler failed")
			resp = HTTPResponse{Status: 500}
		}
		return Ok(HTTPResponseEntity(resp))
	default:
		return Err("unknown ext operation")
	}
}

func (g *GuestPortal) doShutdown(reason CloseReason) {
	_ = g.emitInlet(InletFrame{Kind: InletClose, Close: reason})
	g.table.Drain(reason.Message)
	_ = g.conn.Close()
	state := StatusDone
	if reason.IsError {
		state = StatusPanic
	}
	g.statusMu.Lock()
	g.status = PortalStatus{State: state, Message: reason.Message}
	g.statusMu.Unlock()
	g.broadcastStatus(g.status)
}
