package meshportal

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MessageKind distinguishes a routed request from a routed response.
type MessageKind int

const (
	MessageRequest MessageKind = iota
	MessageResponse
)

// Message is the envelope the muxer and a Router exchange.
// A Request-kind Message carries Op and the ExchangeKind it should be
// delivered with; a Response-kind Message carries the already-assigned
// ExchangeID and Signal it should be delivered with.
type Message struct {
	Type       MessageKind
	From       Identifier
	To         Identifier
	Op         Operation
	Kind       ExchangeKind
	ExchangeID string
	Signal     ResponseEntity
}

// Recipient returns the identifier this message should be routed to.
func (m Message) Recipient() Identifier { return m.To }

// Router decides what to do with an inbound Message.
// Route must not block: synchronous enqueueing is fine, but any blocking
// work (an HTTP call, a slow resource lookup) must be spawned by the
// implementor on its own goroutine.
type Router interface {
	Route(msg Message)
}

type muxCmdAdd struct{ portal *HostPortal }
type muxCmdRemove struct{ id Identifier }
type muxCmdMessageIn struct{ msg Message }
type muxCmdMessageOut struct{ msg Message }
type muxCmdSelect struct {
	selector func(Info) bool
	reply    chan<- []Info
}

// Muxer fans many HostPortals into a single routing fabric. It keeps
// bidirectional key↔address maps and runs one event loop; every producer
// — Add/Remove callers, a HostPortal forwarding a request or relaying a
// response, a Select query — posts to the same shared command channel.
// Go cannot select over a dynamic slice of channels, so instead of the
// loop fanning in over per-portal streams, every HostPortal is handed a
// reference to this single fan-in channel (via the MuxerSink interface)
// and posts directly onto it.
type Muxer struct {
	router       Router
	log          Logger
	metrics      Metrics
	frameTimeout time.Duration

	cmdCh     chan interface{}
	doneCh    chan struct{}
	closeOnce sync.Once

	// Owned exclusively by run(); no other goroutine touches these maps.
	byKey        map[string]*HostPortal
	keyToAddress map[string]string
	addressToKey map[string]string
}

// NewMuxer creates a Muxer dispatching routed requests to router.
// frameTimeout bounds MessageIn/MessageOut sends made by portals whose own
// Config is not directly visible to the muxer; pass 0 to use
// DefaultFrameTimeout.
func NewMuxer(router Router, frameTimeout time.Duration, metrics Metrics, log Logger) *Muxer {
	if frameTimeout <= 0 {
		frameTimeout = DefaultFrameTimeout
	}
	if metrics == nil {
		metrics = NewDefaultMetrics()
	}
	return &Muxer{
		router:       router,
		log:          log,
		metrics:      metrics,
		frameTimeout: frameTimeout,
		cmdCh:        make(chan interface{}, 1024),
		doneCh:       make(chan struct{}),
		byKey:        make(map[string]*HostPortal),
		keyToAddress: make(map[string]string),
		addressToKey: make(map[string]string),
	}
}

// Start launches the muxer's single event loop. It runs until ctx is
// cancelled, at which point every attached portal is shut down.
func (m *Muxer) Start(ctx context.Context) {
	go m.run(ctx)
}

// Done is closed once the muxer's event loop has exited.
func (m *Muxer) Done() <-chan struct{} { return m.doneCh }

// Add inserts portal into both the key and address maps. A key already
// present is overwritten with a warning rather than rejected; a hard
// rejection would leave the newer connection dangling with no portal.
func (m *Muxer) Add(portal *HostPortal) {
	select {
	case m.cmdCh <- muxCmdAdd{portal: portal}:
	case <-m.doneCh:
	}
}

// Remove resolves id to a key (via the address map if necessary), drops
// both map entries, and shuts the portal down.
func (m *Muxer) Remove(id Identifier) {
	select {
	case m.cmdCh <- muxCmdRemove{id: id}:
	case <-m.doneCh:
	}
}

// MessageIn hands msg to the Router without inspection.
// Implements MuxerSink for use by HostPortal.
func (m *Muxer) MessageIn(msg Message) {
	select {
	case m.cmdCh <- muxCmdMessageIn{msg: msg}:
	case <-time.After(m.frameTimeout):
		m.log.Fatal("frame timeout sending MessageIn to muxer")
	case <-m.doneCh:
	}
}

// MessageOut resolves msg.To to a portal and enqueues a FrameOut on it;
// an unresolved recipient is dropped after logging.
// Implements MuxerSink for use by HostPortal and by Router implementations
// answering a routed request directly.
func (m *Muxer) MessageOut(msg Message) {
	select {
	case m.cmdCh <- muxCmdMessageOut{msg: msg}:
	case <-time.After(m.frameTimeout):
		m.log.Fatal("frame timeout sending MessageOut to muxer")
	case <-m.doneCh:
	}
}

// Select iterates every attached portal's Info through selector and
// returns the matches. This is the primitive a Router implementation
// builds resource enumeration (Resource(Select)) on top of.
func (m *Muxer) Select(selector func(Info) bool) []Info {
	reply := make(chan []Info, 1)
	select {
	case m.cmdCh <- muxCmdSelect{selector: selector, reply: reply}:
	case <-m.doneCh:
		return nil
	}
	select {
	case infos := <-reply:
		return infos
	case <-m.doneCh:
		return nil
	}
}

func (m *Muxer) requestRemove(id Identifier) {
	select {
	case m.cmdCh <- muxCmdRemove{id: id}:
	case <-m.doneCh:
	}
}

func (m *Muxer) resolveKey(id Identifier) string {
	switch id.Kind {
	case IdentifierKey:
		if _, ok := m.byKey[id.Key]; ok {
			return id.Key
		}
		return ""
	case IdentifierAddress:
		if key, ok := m.addressToKey[id.Address]; ok {
			return key
		}
		return ""
	default:
		return ""
	}
}

func (m *Muxer) run(ctx context.Context) {
	defer m.closeOnce.Do(func() { close(m.doneCh) })
	for {
		select {
		case <-ctx.Done():
			for _, p := range m.byKey {
				go p.Shutdown(CloseDone)
			}
			return
		case cmd := <-m.cmdCh:
			m.handleCmd(cmd)
		}
	}
}

func (m *Muxer) handleCmd(cmd interface{}) {
	switch c := cmd.(type) {
	case muxCmdAdd:
		m.handleAdd(c.portal)
	case muxCmdRemove:
		m.handleRemove(c.id)
	case muxCmdMessageIn:
		m.router.Route(c.msg)
	case muxCmdMessageOut:
		m.handleMessageOut(c.msg)
	case muxCmdSelect:
		var infos []Info
		for _, p := range m.byKey {
			info := p.Info()
			if c.selector(info) {
				infos = append(infos, info)
			}
		}
		c.reply <- infos
	}
}

func (m *Muxer) handleAdd(portal *HostPortal) {
	info := portal.Info()
	key := info.Key
	if _, exists := m.byKey[key]; exists {
		m.log.Warn(fmt.Sprintf("overwriting existing portal for key '%s'", key))
	}
	m.byKey[key] = portal
	m.keyToAddress[key] = info.AddressID
	m.addressToKey[info.AddressID] = key
	portal.onRemoveRequest = func() { m.requestRemove(Key(key)) }
	m.log.Info(fmt.Sprintf("added portal kind=%s address=%s key=%s", info.Kind, info.AddressID, key))
}

func (m *Muxer) handleRemove(id Identifier) {
	key := m.resolveKey(id)
	if key == "" {
		return
	}
	portal := m.byKey[key]
	addr := m.keyToAddress[key]
	delete(m.byKey, key)
	delete(m.keyToAddress, key)
	delete(m.addressToKey, addr)
	if portal != nil {
		go portal.Shutdown(CloseDone)
	}
}

func (m *Muxer) handleMessageOut(msg Message) {
	key := m.resolveKey(msg.To)
	if key == "" {
		m.log.Warn(fmt.Sprintf("%v: to=%s", ErrUnknownRecipient, msg.To))
		return
	}
	portal := m.byKey[key]
	frame := messageToOutletFrame(msg)
	go func() {
		if err := portal.enqueueFrameOut(frame); err != nil {
			m.log.Err(err, "failed to enqueue outbound frame")
		}
	}()
}

func messageToOutletFrame(msg Message) OutletFrame {
	if msg.Type == MessageRequest {
		return OutletFrame{Kind: OutletRequest, Request: OutletRequestFrame{From: msg.From, Op: msg.Op, Kind: msg.Kind}}
	}
	return OutletFrame{Kind: OutletResponse, Response: OutletResponseFrame{From: msg.From, ExchangeID: msg.ExchangeID, Signal: msg.Signal}}
}
