package meshportal

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// MuxerSink is the narrow interface a HostPortal uses to hand messages to
// the muxer, without depending on the muxer's internal state.
type MuxerSink interface {
	MessageIn(msg Message)
	MessageOut(msg Message)
}

type hostCmdEmit struct {
	frame OutletFrame
	done  chan error
}

type hostCmdRegister struct {
	from  Identifier
	op    Operation
	reply chan<- guestRegisterResult
}

type hostCmdExpire struct{ id string }

type hostCmdShutdown struct {
	reason CloseReason
	done   chan error
}

// HostPortal owns one connection's host end: the init
// handshake, the inlet receiver, the outlet sender, its own exchange
// table (used only for host-initiated requests to the guest; inter-guest
// correlation lives entirely on the originating GuestPortal), and status
// tracking.
type HostPortal struct {
	conn    net.Conn
	cfg     Config
	info    Info
	log     Logger
	metrics Metrics
	mux     MuxerSink

	onRemoveRequest func()

	cmdCh     chan interface{}
	frameCh   chan InletFrame
	readErrCh chan error
	doneCh    chan struct{}
	closeOnce sync.Once

	table   *Table
	parcels *parcelAssembler

	statusMu sync.RWMutex
	status   PortalStatus

	subMu sync.Mutex
	subs  []chan PortalStatus

	initOnce sync.Once
	initErr  error
}

// NewHostPortal wires a HostPortal around an accepted conn. info must
// already be fully built by the handshake driver — it is
// read-only for the lifetime of the portal. mux is the sink this portal
// posts routed messages to.
func NewHostPortal(conn net.Conn, info Info, mux MuxerSink, metrics Metrics, log Logger) *HostPortal {
	if metrics == nil {
		metrics = NewDefaultMetrics()
	}
	return &HostPortal{
		conn:      conn,
		cfg:       info.Config,
		info:      info,
		log:       log,
		metrics:   metrics,
		mux:       mux,
		cmdCh:     make(chan interface{}, 256),
		frameCh:   make(chan InletFrame, 256),
		readErrCh: make(chan error, 1),
		doneCh:    make(chan struct{}),
		table:     NewTable(metrics),
		parcels:   newParcelAssembler(info.Config.MaxBinSize),
		status:    PortalStatus{State: StatusNone},
	}
}

// Info returns this portal's immutable descriptor.
func (h *HostPortal) Info() Info { return h.info }

// Status returns the current PortalStatus.
func (h *HostPortal) Status() PortalStatus {
	h.statusMu.RLock()
	defer h.statusMu.RUnlock()
	return h.status
}

// Subscribe returns a lossy channel of this portal's status transitions.
func (h *HostPortal) Subscribe() <-chan PortalStatus {
	ch := make(chan PortalStatus, 4)
	h.subMu.Lock()
	h.subs = append(h.subs, ch)
	h.subMu.Unlock()
	return ch
}

func (h *HostPortal) broadcastStatus(s PortalStatus) {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	for _, sub := range h.subs {
		select {
		case sub <- s:
		default:
		}
	}
}

func (h *HostPortal) setStatus(s PortalStatus) {
	h.statusMu.Lock()
	h.status = s
	h.statusMu.Unlock()
	h.broadcastStatus(s)
}

// Done is closed once the portal's run loop has exited.
func (h *HostPortal) Done() <-chan struct{} { return h.doneCh }

// Start launches the reader goroutine and the command/dispatch loop.
func (h *HostPortal) Start(ctx context.Context) {
	go h.readLoop()
	go h.run(ctx)
}

// Init performs the init sequence: transition
// None→Initializing, push Init(info), then wait until the guest reports
// Ready (bounded by init_timeout) or Panic. A second call is an error.
func (h *HostPortal) Init(ctx context.Context) error {
	first := false
	h.initOnce.Do(func() {
		first = true
		h.initErr = h.doInit(ctx)
	})
	if !first {
		return ErrAlreadyInitializing
	}
	return h.initErr
}

func (h *HostPortal) doInit(ctx context.Context) error {
	if h.Status().State != StatusNone {
		return ErrAlreadyInitializing
	}
	sub := h.Subscribe()
	h.setStatus(PortalStatus{State: StatusInitializing})
	if err := h.emit(OutletFrame{Kind: OutletInit, Init: h.info}); err != nil {
		msg := fmt.Sprintf("PANIC: failed to send init: %v", err)
		h.setStatus(PortalStatus{State: StatusPanic, Message: msg})
		_ = h.Shutdown(CloseError(msg))
		return fmt.Errorf("%s", msg)
	}

	timeout := time.NewTimer(h.cfg.InitTimeout)
	defer timeout.Stop()
	for {
		select {
		case s := <-sub:
			switch s.State {
			case StatusReady:
				return nil
			case StatusPanic:
				_ = h.Shutdown(CloseError(s.Message))
				return fmt.Errorf("PANIC: %s", s.Message)
			}
		case <-timeout.C:
			msg := "PANIC: init_timeout exceeded waiting for guest readiness"
			h.setStatus(PortalStatus{State: StatusPanic, Message: msg})
			_ = h.Shutdown(CloseError(msg))
			return fmt.Errorf("%s", msg)
		case <-ctx.Done():
			return ctx.Err()
		case <-h.doneCh:
			return ErrPortalClosed
		}
	}
}

// Exchange performs a host-initiated request to the guest and waits for
// its response — the symmetric counterpart of GuestPortal.Exchange, used
// when the mesh itself (not another guest) needs an answer from this
// portal's guest.
func (h *HostPortal) Exchange(ctx context.Context, op Operation) (ResponseEntity, error) {
	reply := make(chan guestRegisterResult, 1)
	select {
	case h.cmdCh <- hostCmdRegister{from: h.info.KeyIdentifier(), op: op, reply: reply}:
	case <-h.doneCh:
		return ResponseEntity{}, ErrPortalClosed
	}
	var result guestRegisterResult
	select {
	case result = <-reply:
	case <-h.doneCh:
		return ResponseEntity{}, ErrPortalClosed
	}
	if result.err != nil {
		return ResponseEntity{}, result.err
	}

	timeout := time.NewTimer(h.cfg.ResponseTimeout)
	defer timeout.Stop()
	select {
	case resp := <-result.wait:
		return resp, nil
	case <-ctx.Done():
		return ResponseEntity{}, ctx.Err()
	case <-timeout.C:
		return ResponseEntity{}, ErrExchangeTimeout
	case <-h.doneCh:
		return ResponseEntity{}, ErrPortalClosed
	}
}

// enqueueFrameOut is the muxer's path for handing this portal a frame to
// deliver to its guest. It is bounded by frame_timeout.
func (h *HostPortal) enqueueFrameOut(frame OutletFrame) error {
	done := make(chan error, 1)
	select {
	case h.cmdCh <- hostCmdEmit{frame: frame, done: done}:
	case <-time.After(h.cfg.FrameTimeout):
		h.log.Fatal("frame timeout enqueuing outbound frame")
		return ErrPortalClosed
	case <-h.doneCh:
		return ErrPortalClosed
	}
	select {
	case err := <-done:
		return err
	case <-h.doneCh:
		return ErrPortalClosed
	}
}

func (h *HostPortal) emit(f OutletFrame) error {
	done := make(chan error, 1)
	select {
	case h.cmdCh <- hostCmdEmit{frame: f, done: done}:
	case <-h.doneCh:
		return ErrPortalClosed
	}
	select {
	case err := <-done:
		return err
	case <-h.doneCh:
		return ErrPortalClosed
	}
}

// emitOutlet writes f to the wire, splitting it into BinParcel frames if
// its encoding exceeds the parcel size. It must only ever be called from
// run(), the portal's single writer goroutine.
func (h *HostPortal) emitOutlet(f OutletFrame) error {
	data, err := EncodeOutlet(f)
	if err != nil {
		return err
	}
	if f.Kind != OutletBinParcel && h.cfg.BinParcelSize > 0 && len(data) > h.cfg.BinParcelSize {
		for _, p := range splitParcels(data, h.cfg.BinParcelSize) {
			if err := h.emitOutlet(OutletFrame{Kind: OutletBinParcel, BinParcel: p}); err != nil {
				return err
			}
		}
		return nil
	}
	if h.cfg.FrameTimeout > 0 {
		_ = h.conn.SetWriteDeadline(time.Now().Add(h.cfg.FrameTimeout))
	}
	if err := WritePrimitive(h.conn, data); err != nil {
		return err
	}
	h.metrics.IncrementFramesOut()
	return nil
}

func (h *HostPortal) postExpire(id string) {
	select {
	case h.cmdCh <- hostCmdExpire{id: id}:
	case <-h.doneCh:
	}
}

// Shutdown best-effort writes Close(reason), drains the exchange table,
// and requests the muxer remove this portal.
func (h *HostPortal) Shutdown(reason CloseReason) error {
	done := make(chan error, 1)
	select {
	case h.cmdCh <- hostCmdShutdown{reason: reason, done: done}:
	case <-h.doneCh:
		return nil
	}
	select {
	case err := <-done:
		return err
	case <-h.doneCh:
		return nil
	}
}

func (h *HostPortal) readLoop() {
	for {
		data, err := ReadPrimitive(h.conn, h.cfg.MaxBinSize)
		if err != nil {
			select {
			case h.readErrCh <- err:
			case <-h.doneCh:
			}
			return
		}
		frame, err := DecodeInlet(data, h.cfg.MaxBinSize)
		if err != nil {
			h.log.Fatal(fmt.Sprintf("bad inlet frame: %v", err))
			continue
		}
		h.metrics.IncrementFramesIn()
		select {
		case h.frameCh <- frame:
		case <-h.doneCh:
			return
		}
	}
}

func (h *HostPortal) run(ctx context.Context) {
	defer h.closeOnce.Do(func() { close(h.doneCh) })
	for {
		select {
		case <-ctx.Done():
			h.doShutdown(CloseDone)
			return
		case err := <-h.readErrCh:
			h.log.Err(err, "host portal connection lost")
			h.setStatus(PortalStatus{State: StatusPanic, Message: err.Error()})
			h.doShutdown(CloseError(err.Error()))
			return
		case frame := <-h.frameCh:
			if h.handleInlet(frame) {
				h.doShutdown(CloseDone)
				return
			}
		case cmd := <-h.cmdCh:
			if sd, ok := cmd.(hostCmdShutdown); ok {
				h.doShutdown(sd.reason)
				sd.done <- nil
				return
			}
			h.handleCmd(cmd)
		}
	}
}

func (h *HostPortal) handleCmd(cmd interface{}) {
	switch c := cmd.(type) {
	case hostCmdEmit:
		err := h.emitOutlet(c.frame)
		if err != nil {
			h.log.Fatal(fmt.Sprintf("write error on outlet: %v", err))
			h.setStatus(PortalStatus{State: StatusPanic, Message: err.Error()})
			if h.onRemoveRequest != nil {
				h.onRemoveRequest()
			}
		}
		if c.done != nil {
			c.done <- err
		}
	case hostCmdRegister:
		id := NewExchangeID()
		wait := h.table.Register(id, h.cfg.ResponseTimeout, h.postExpire)
		req := OutletRequestFrame{From: c.from, Op: c.op, Kind: KindRequestResponse(id)}
		err := h.emitOutlet(OutletFrame{Kind: OutletRequest, Request: req})
		if err != nil {
			h.table.Expire(id)
		}
		c.reply <- guestRegisterResult{id: id, wait: wait, err: err}
	case hostCmdExpire:
		h.table.Expire(c.id)
	}
}

func (h *HostPortal) identifiesSelf(id Identifier) bool {
	switch id.Kind {
	case IdentifierKey:
		return id.Key == h.info.Key
	case IdentifierAddress:
		return id.Address == h.info.AddressID
	default:
		return false
	}
}

// handleInlet dispatches one decoded InletFrame from the guest. It
// returns true if the connection should be torn down.
func (h *HostPortal) handleInlet(frame InletFrame) bool {
	if frame.Kind == InletClose {
		return true
	}
	if frame.Kind == InletStatus {
		h.setStatus(frame.Status)
		return false
	}
	// Non-Status/Close frames are only processed once the portal has
	// reached Ready.
	if h.Status().State != StatusReady {
		h.log.Warn(fmt.Sprintf("dropped inlet frame kind %d, portal not Ready", frame.Kind))
		return false
	}

	switch frame.Kind {
	case InletLog:
		h.log.Info(frame.Log)
	case InletCommand:
		// Guest-originated CLI commands are opaque to the core layer
		// and intentionally unhandled here.
	case InletRequest:
		h.handleInletRequest(frame.Request)
	case InletResponse:
		h.handleInletResponse(frame.Response)
	case InletBinParcel:
		payload, err := h.parcels.Feed(frame.BinParcel)
		if err != nil {
			h.log.Fatal(fmt.Sprintf("bad bin parcel: %v", err))
			return false
		}
		if payload == nil {
			return false
		}
		inner, err := DecodeInlet(payload, h.cfg.MaxBinSize)
		if err != nil || inner.Kind == InletBinParcel {
			h.log.Fatal(fmt.Sprintf("bad reassembled frame from %s: %v", frame.BinParcel.SourceID, err))
			return false
		}
		return h.handleInlet(inner)
	}
	return false
}

func (h *HostPortal) handleInletRequest(req InletRequestFrame) {
	self := h.info.KeyIdentifier()
	switch {
	case req.Kind == KindNone:
		h.log.Fatal("received request with invalid ExchangeKind::None")
	case req.Kind.IsNotification:
		for _, to := range req.To {
			h.mux.MessageIn(Message{Type: MessageRequest, From: self, To: to, Op: req.Op, Kind: KindNotification})
		}
	case req.Kind.IsRequestResponse:
		if len(req.To) != 1 {
			resp := OutletResponseFrame{
				From:       self,
				ExchangeID: req.Kind.ExchangeID,
				Signal:     Err("a RequestResponse message must have one and only one to recipient."),
			}
			if err := h.emitOutlet(OutletFrame{Kind: OutletResponse, Response: resp}); err != nil {
				h.log.Fatal(fmt.Sprintf("frame timeout replying to bad recipient count: %v", err))
			}
			return
		}
		h.mux.MessageIn(Message{Type: MessageRequest, From: self, To: req.To[0], Op: req.Op, Kind: req.Kind})
	}
}

func (h *HostPortal) handleInletResponse(resp InletResponseFrame) {
	if h.identifiesSelf(resp.To) {
		if !h.table.Complete(resp.ExchangeID, resp.Signal) {
			h.log.Severe(fmt.Sprintf("missing request/response exchange id '%s'", resp.ExchangeID))
		}
		return
	}
	h.mux.MessageOut(Message{
		Type:       MessageResponse,
		From:       h.info.KeyIdentifier(),
		To:         resp.To,
		ExchangeID: resp.ExchangeID,
		Signal:     resp.Signal,
	})
}

func (h *HostPortal) doShutdown(reason CloseReason) {
	_ = h.emitOutlet(OutletFrame{Kind: OutletClose, Close: reason})
	h.table.Drain(reason.Message)
	_ = h.conn.Close()
	state := StatusDone
	if reason.IsError {
		state = StatusPanic
	}
	h.setStatus(PortalStatus{State: state, Message: reason.Message})
	if h.onRemoveRequest != nil {
		h.onRemoveRequest()
	}
}
