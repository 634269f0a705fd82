package meshportal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// WritePrimitive writes a primitive frame: a u32 big-endian length
// followed by that many bytes. It is total — it never fails except on a
// short write to w.
func WritePrimitive(w io.Writer, data []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// ReadPrimitive reads one primitive frame from r. maxSize caps the payload
// before any allocation happens, so a hostile length prefix cannot be used
// to force a large allocation.
func ReadPrimitive(r io.Reader, maxSize int) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(lenBuf[:])
	if maxSize > 0 && int(size) > maxSize {
		return nil, fmt.Errorf("%w: primitive frame of %d bytes exceeds %d", ErrFrameTooLarge, size, maxSize)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

// WriteString writes s as a primitive frame. Used only during the
// handshake phase, before frames are typed.
func WriteString(w io.Writer, s string) error {
	return WritePrimitive(w, []byte(s))
}

// ReadString reads a primitive frame and returns it as a UTF-8 string.
func ReadString(r io.Reader) (string, error) {
	data, err := ReadPrimitive(r, 0)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// wireWriter is a small hand-rolled binary tagged-union encoder: numeric
// ids big-endian, strings UTF-8 prefixed with a u32 length.
type wireWriter struct {
	buf bytes.Buffer
}

func (w *wireWriter) tag(b byte) { w.buf.WriteByte(b) }

func (w *wireWriter) u32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
}

func (w *wireWriter) bool(v bool) {
	if v {
		w.buf.WriteByte(1)
	} else {
		w.buf.WriteByte(0)
	}
}

func (w *wireWriter) str(s string) {
	w.u32(uint32(len(s)))
	w.buf.WriteString(s)
}

func (w *wireWriter) bytesField(b []byte) {
	w.u32(uint32(len(b)))
	w.buf.Write(b)
}

func (w *wireWriter) strSlice(ss []string) {
	w.u32(uint32(len(ss)))
	for _, s := range ss {
		w.str(s)
	}
}

// wireReader walks a decode buffer, failing with ErrBadFrame on any
// structural error and ErrFrameTooLarge before allocating an oversized
// binary field.
type wireReader struct {
	data    []byte
	pos     int
	maxBin  int
}

func newWireReader(data []byte, maxBin int) *wireReader {
	return &wireReader{data: data, maxBin: maxBin}
}

func (r *wireReader) fail(what string) error {
	return fmt.Errorf("%w: %s at offset %d", ErrBadFrame, what, r.pos)
}

func (r *wireReader) tag() (byte, error) {
	if r.pos >= len(r.data) {
		return 0, r.fail("truncated tag")
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

func (r *wireReader) u32() (uint32, error) {
	if r.pos+4 > len(r.data) {
		return 0, r.fail("truncated u32")
	}
	v := binary.BigEndian.Uint32(r.data[r.pos : r.pos+4])
	r.pos += 4
	return v, nil
}

func (r *wireReader) boolean() (bool, error) {
	b, err := r.tag()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

func (r *wireReader) str() (string, error) {
	n, err := r.u32()
	if err != nil {
		return "", err
	}
	if r.pos+int(n) > len(r.data) {
		return "", r.fail("truncated string")
	}
	s := string(r.data[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}

func (r *wireReader) bytesField() ([]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	if r.maxBin > 0 && int(n) > r.maxBin {
		return nil, fmt.Errorf("%w: binary field of %d bytes exceeds %d", ErrFrameTooLarge, n, r.maxBin)
	}
	if r.pos+int(n) > len(r.data) {
		return nil, r.fail("truncated bytes field")
	}
	b := make([]byte, n)
	copy(b, r.data[r.pos:r.pos+int(n)])
	r.pos += int(n)
	return b, nil
}

func (r *wireReader) strSlice() ([]string, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		s, err := r.str()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (r *wireReader) done() error {
	if r.pos != len(r.data) {
		return r.fail("trailing bytes")
	}
	return nil
}

// --- Identifier ---

const (
	idTagKey     = 0
	idTagAddress = 1
)

func (w *wireWriter) identifier(id Identifier) {
	if id.Kind == IdentifierKey {
		w.tag(idTagKey)
		w.str(id.Key)
	} else {
		w.tag(idTagAddress)
		w.str(id.Address)
	}
}

func (r *wireReader) identifier() (Identifier, error) {
	tag, err := r.tag()
	if err != nil {
		return Identifier{}, err
	}
	switch tag {
	case idTagKey:
		s, err := r.str()
		if err != nil {
			return Identifier{}, err
		}
		return Key(s), nil
	case idTagAddress:
		s, err := r.str()
		if err != nil {
			return Identifier{}, err
		}
		return Address(s), nil
	default:
		return Identifier{}, r.fail("unknown identifier tag")
	}
}

func (w *wireWriter) identifierSlice(ids []Identifier) {
	w.u32(uint32(len(ids)))
	for _, id := range ids {
		w.identifier(id)
	}
}

func (r *wireReader) identifierSlice() ([]Identifier, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	out := make([]Identifier, 0, n)
	for i := uint32(0); i < n; i++ {
		id, err := r.identifier()
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

// --- ExchangeKind ---

const (
	exTagNone             = 0
	exTagNotification     = 1
	exTagRequestResponse  = 2
)

func (w *wireWriter) exchangeKind(k ExchangeKind) {
	switch {
	case k.IsRequestResponse:
		w.tag(exTagRequestResponse)
		w.str(k.ExchangeID)
	case k.IsNotification:
		w.tag(exTagNotification)
	default:
		w.tag(exTagNone)
	}
}

func (r *wireReader) exchangeKind() (ExchangeKind, error) {
	tag, err := r.tag()
	if err != nil {
		return ExchangeKind{}, err
	}
	switch tag {
	case exTagNone:
		return KindNone, nil
	case exTagNotification:
		return KindNotification, nil
	case exTagRequestResponse:
		id, err := r.str()
		if err != nil {
			return ExchangeKind{}, err
		}
		return KindRequestResponse(id), nil
	default:
		return ExchangeKind{}, r.fail("unknown exchange kind tag")
	}
}

// --- ResourceOp / HTTPRequest / ExtOp / Operation ---

const (
	resTagCreate = 0
	resTagSelect = 1
	resTagGet    = 2
	resTagSet    = 3
	resTagDelete = 4
)

func (w *wireWriter) resourceOp(op ResourceOp) {
	switch op.Kind {
	case ResourceCreate:
		w.tag(resTagCreate)
	case ResourceSelect:
		w.tag(resTagSelect)
	case ResourceGet:
		w.tag(resTagGet)
	case ResourceSet:
		w.tag(resTagSet)
		w.bytesField(op.State)
	case ResourceDelete:
		w.tag(resTagDelete)
	}
}

func (r *wireReader) resourceOp() (ResourceOp, error) {
	tag, err := r.tag()
	if err != nil {
		return ResourceOp{}, err
	}
	switch tag {
	case resTagCreate:
		return ResourceOp{Kind: ResourceCreate}, nil
	case resTagSelect:
		return ResourceOp{Kind: ResourceSelect}, nil
	case resTagGet:
		return ResourceOp{Kind: ResourceGet}, nil
	case resTagSet:
		state, err := r.bytesField()
		if err != nil {
			return ResourceOp{}, err
		}
		return ResourceOp{Kind: ResourceSet, State: state}, nil
	case resTagDelete:
		return ResourceOp{Kind: ResourceDelete}, nil
	default:
		return ResourceOp{}, r.fail("unknown resource op tag")
	}
}

func (w *wireWriter) headerMap(h map[string][]string) {
	w.u32(uint32(len(h)))
	for k, vs := range h {
		w.str(k)
		w.strSlice(vs)
	}
}

func (r *wireReader) headerMap() (map[string][]string, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]string, n)
	for i := uint32(0); i < n; i++ {
		k, err := r.str()
		if err != nil {
			return nil, err
		}
		vs, err := r.strSlice()
		if err != nil {
			return nil, err
		}
		out[k] = vs
	}
	return out, nil
}

func (w *wireWriter) httpRequest(h HTTPRequest) {
	w.str(h.Method)
	w.str(h.Path)
	w.headerMap(h.Headers)
	w.bytesField(h.Body)
}

func (r *wireReader) httpRequest() (HTTPRequest, error) {
	method, err := r.str()
	if err != nil {
		return HTTPRequest{}, err
	}
	path, err := r.str()
	if err != nil {
		return HTTPRequest{}, err
	}
	headers, err := r.headerMap()
	if err != nil {
		return HTTPRequest{}, err
	}
	body, err := r.bytesField()
	if err != nil {
		return HTTPRequest{}, err
	}
	return HTTPRequest{Method: method, Path: path, Headers: headers, Body: body}, nil
}

func (w *wireWriter) httpResponse(h HTTPResponse) {
	w.u32(uint32(h.Status))
	w.headerMap(h.Headers)
	w.bytesField(h.Body)
}

func (r *wireReader) httpResponse() (HTTPResponse, error) {
	status, err := r.u32()
	if err != nil {
		return HTTPResponse{}, err
	}
	headers, err := r.headerMap()
	if err != nil {
		return HTTPResponse{}, err
	}
	body, err := r.bytesField()
	if err != nil {
		return HTTPResponse{}, err
	}
	return HTTPResponse{Status: int(status), Headers: headers, Body: body}, nil
}

const (
	extTagHTTP = 0
	extTagPort = 1
)

func (w *wireWriter) extOp(op ExtOp) {
	switch op.Kind {
	case ExtHTTP:
		w.tag(extTagHTTP)
		w.httpRequest(op.HTTP)
	case ExtPort:
		w.tag(extTagPort)
		w.str(op.Port)
		w.entity(op.Payload)
	}
}

func (r *wireReader) extOp() (ExtOp, error) {
	tag, err := r.tag()
	if err != nil {
		return ExtOp{}, err
	}
	switch tag {
	case extTagHTTP:
		h, err := r.httpRequest()
		if err != nil {
			return ExtOp{}, err
		}
		return ExtOp{Kind: ExtHTTP, HTTP: h}, nil
	case extTagPort:
		name, err := r.str()
		if err != nil {
			return ExtOp{}, err
		}
		payload, err := r.entity()
		if err != nil {
			return ExtOp{}, err
		}
		return ExtOp{Kind: ExtPort, Port: name, Payload: payload}, nil
	default:
		return ExtOp{}, r.fail("unknown ext op tag")
	}
}

const (
	opTagResource = 0
	opTagExt      = 1
)

func (w *wireWriter) operation(op Operation) {
	switch op.Kind {
	case OpResource:
		w.tag(opTagResource)
		w.resourceOp(op.Resource)
	case OpExt:
		w.tag(opTagExt)
		w.extOp(op.Ext)
	}
}

func (r *wireReader) operation() (Operation, error) {
	tag, err := r.tag()
	if err != nil {
		return Operation{}, err
	}
	switch tag {
	case opTagResource:
		op, err := r.resourceOp()
		if err != nil {
			return Operation{}, err
		}
		return Operation{Kind: OpResource, Resource: op}, nil
	case opTagExt:
		op, err := r.extOp()
		if err != nil {
			return Operation{}, err
		}
		return Operation{Kind: OpExt, Ext: op}, nil
	default:
		return Operation{}, r.fail("unknown operation tag")
	}
}

// --- ResourceStub / Entity / ResponseEntity ---

func (w *wireWriter) resourceStub(s ResourceStub) {
	w.str(s.Key)
	w.str(s.Address)
}

func (r *wireReader) resourceStub() (ResourceStub, error) {
	key, err := r.str()
	if err != nil {
		return ResourceStub{}, err
	}
	addr, err := r.str()
	if err != nil {
		return ResourceStub{}, err
	}
	return ResourceStub{Key: key, Address: addr}, nil
}

func (w *wireWriter) entity(e Entity) {
	w.tag(byte(e.Kind))
	switch e.Kind {
	case EntityEmpty:
	case EntityResourceStub:
		w.resourceStub(e.Stub)
	case EntityResourceStubs:
		w.u32(uint32(len(e.Stubs)))
		for _, s := range e.Stubs {
			w.resourceStub(s)
		}
	case EntityResourceState:
		w.bytesField(e.State)
	case EntityText:
		w.str(e.Text)
	case EntityBin:
		w.bytesField(e.Bin)
	case EntityBins:
		w.u32(uint32(len(e.Bins)))
		for _, b := range e.Bins {
			w.bytesField(b)
		}
	case EntityHTTPResponse:
		w.httpResponse(e.HTTPResponse)
	}
}

func (r *wireReader) entity() (Entity, error) {
	tag, err := r.tag()
	if err != nil {
		return Entity{}, err
	}
	kind := EntityKind(tag)
	switch kind {
	case EntityEmpty:
		return Entity{Kind: EntityEmpty}, nil
	case EntityResourceStub:
		s, err := r.resourceStub()
		if err != nil {
			return Entity{}, err
		}
		return Entity{Kind: kind, Stub: s}, nil
	case EntityResourceStubs:
		n, err := r.u32()
		if err != nil {
			return Entity{}, err
		}
		stubs := make([]ResourceStub, 0, n)
		for i := uint32(0); i < n; i++ {
			s, err := r.resourceStub()
			if err != nil {
				return Entity{}, err
			}
			stubs = append(stubs, s)
		}
		return Entity{Kind: kind, Stubs: stubs}, nil
	case EntityResourceState:
		state, err := r.bytesField()
		if err != nil {
			return Entity{}, err
		}
		return Entity{Kind: kind, State: state}, nil
	case EntityText:
		s, err := r.str()
		if err != nil {
			return Entity{}, err
		}
		return Entity{Kind: kind, Text: s}, nil
	case EntityBin:
		b, err := r.bytesField()
		if err != nil {
			return Entity{}, err
		}
		return Entity{Kind: kind, Bin: b}, nil
	case EntityBins:
		n, err := r.u32()
		if err != nil {
			return Entity{}, err
		}
		bins := make([][]byte, 0, n)
		for i := uint32(0); i < n; i++ {
			b, err := r.bytesField()
			if err != nil {
				return Entity{}, err
			}
			bins = append(bins, b)
		}
		return Entity{Kind: kind, Bins: bins}, nil
	case EntityHTTPResponse:
		h, err := r.httpResponse()
		if err != nil {
			return Entity{}, err
		}
		return Entity{Kind: kind, HTTPResponse: h}, nil
	default:
		return Entity{}, r.fail("unknown entity tag")
	}
}

const (
	sigTagOk    = 0
	sigTagError = 1
)

func (w *wireWriter) responseEntity(s ResponseEntity) {
	if s.Kind == SignalOk {
		w.tag(sigTagOk)
		w.entity(s.Ok)
	} else {
		w.tag(sigTagError)
		w.str(s.Error)
	}
}

func (r *wireReader) responseEntity() (ResponseEntity, error) {
	tag, err := r.tag()
	if err != nil {
		return ResponseEntity{}, err
	}
	switch tag {
	case sigTagOk:
		e, err := r.entity()
		if err != nil {
			return ResponseEntity{}, err
		}
		return Ok(e), nil
	case sigTagError:
		s, err := r.str()
		if err != nil {
			return ResponseEntity{}, err
		}
		return Err(s), nil
	default:
		return ResponseEntity{}, r.fail("unknown signal tag")
	}
}

// --- PortalStatus / CloseReason / BinParcel ---

func (w *wireWriter) portalStatus(s PortalStatus) {
	w.tag(byte(s.State))
	if s.State == StatusPanic {
		w.str(s.Message)
	}
}

func (r *wireReader) portalStatus() (PortalStatus, error) {
	tag, err := r.tag()
	if err != nil {
		return PortalStatus{}, err
	}
	state := PortalState(tag)
	if state == StatusPanic {
		msg, err := r.str()
		if err != nil {
			return PortalStatus{}, err
		}
		return PortalStatus{State: state, Message: msg}, nil
	}
	return PortalStatus{State: state}, nil
}

func (w *wireWriter) closeReason(c CloseReason) {
	w.bool(c.IsError)
	w.str(c.Message)
}

func (r *wireReader) closeReason() (CloseReason, error) {
	isErr, err := r.boolean()
	if err != nil {
		return CloseReason{}, err
	}
	msg, err := r.str()
	if err != nil {
		return CloseReason{}, err
	}
	return CloseReason{IsError: isErr, Message: msg}, nil
}

func (w *wireWriter) binParcel(b BinParcel) {
	w.str(b.SourceID)
	w.u32(uint32(b.Index))
	w.bool(b.Final)
	w.bytesField(b.Data)
}

func (r *wireReader) binParcelField() (BinParcel, error) {
	src, err := r.str()
	if err != nil {
		return BinParcel{}, err
	}
	idx, err := r.u32()
	if err != nil {
		return BinParcel{}, err
	}
	final, err := r.boolean()
	if err != nil {
		return BinParcel{}, err
	}
	data, err := r.bytesField()
	if err != nil {
		return BinParcel{}, err
	}
	return BinParcel{SourceID: src, Index: int(idx), Final: final, Data: data}, nil
}

// --- Info / Config / Archetype ---

func (w *wireWriter) archetype(a Archetype) {
	w.str(a.Kind)
	w.str(a.Specific)
	w.str(a.ConfigSrc)
}

func (r *wireReader) archetype() (Archetype, error) {
	kind, err := r.str()
	if err != nil {
		return Archetype{}, err
	}
	specific, err := r.str()
	if err != nil {
		return Archetype{}, err
	}
	configSrc, err := r.str()
	if err != nil {
		return Archetype{}, err
	}
	return Archetype{Kind: kind, Specific: specific, ConfigSrc: configSrc}, nil
}

func (w *wireWriter) bindConfig(b BindConfig) {
	w.u32(uint32(len(b.Ports)))
	for name := range b.Ports {
		w.str(name)
	}
}

func (r *wireReader) bindConfig() (BindConfig, error) {
	n, err := r.u32()
	if err != nil {
		return BindConfig{}, err
	}
	ports := make(map[string]PortConfig, n)
	for i := uint32(0); i < n; i++ {
		name, err := r.str()
		if err != nil {
			return BindConfig{}, err
		}
		ports[name] = PortConfig{Name: name}
	}
	return BindConfig{Ports: ports}, nil
}

func (w *wireWriter) config(c Config) {
	w.u32(uint32(c.MaxBinSize))
	w.u32(uint32(c.BinParcelSize))
	w.u32(uint32(c.InitTimeout.Seconds()))
	w.u32(uint32(c.FrameTimeout.Seconds()))
	w.u32(uint32(c.ResponseTimeout.Seconds()))
	w.bindConfig(c.Bind)
}

func (r *wireReader) config() (Config, error) {
	maxBin, err := r.u32()
	if err != nil {
		return Config{}, err
	}
	parcel, err := r.u32()
	if err != nil {
		return Config{}, err
	}
	initT, err := r.u32()
	if err != nil {
		return Config{}, err
	}
	frameT, err := r.u32()
	if err != nil {
		return Config{}, err
	}
	respT, err := r.u32()
	if err != nil {
		return Config{}, err
	}
	bind, err := r.bindConfig()
	if err != nil {
		return Config{}, err
	}
	return Config{
		MaxBinSize:      int(maxBin),
		BinParcelSize:   int(parcel),
		InitTimeout:     time.Duration(initT) * time.Second,
		FrameTimeout:    time.Duration(frameT) * time.Second,
		ResponseTimeout: time.Duration(respT) * time.Second,
		Bind:            bind,
	}, nil
}

func (w *wireWriter) info(i Info) {
	w.str(i.Key)
	w.str(i.AddressID)
	w.str(i.Owner)
	w.identifier(i.Parent)
	w.archetype(i.Archetype)
	w.config(i.Config)
	w.tag(byte(i.Kind))
}

func (r *wireReader) info() (Info, error) {
	key, err := r.str()
	if err != nil {
		return Info{}, err
	}
	addr, err := r.str()
	if err != nil {
		return Info{}, err
	}
	owner, err := r.str()
	if err != nil {
		return Info{}, err
	}
	parent, err := r.identifier()
	if err != nil {
		return Info{}, err
	}
	arch, err := r.archetype()
	if err != nil {
		return Info{}, err
	}
	cfg, err := r.config()
	if err != nil {
		return Info{}, err
	}
	kindTag, err := r.tag()
	if err != nil {
		return Info{}, err
	}
	return Info{
		Key:       key,
		AddressID: addr,
		Owner:     owner,
		Parent:    parent,
		Archetype: arch,
		Config:    cfg,
		Kind:      PortalKind(kindTag),
	}, nil
}

// --- InletFrame ---

const (
	inletTagLog       = 0
	inletTagCommand   = 1
	inletTagRequest   = 2
	inletTagResponse  = 3
	inletTagStatus    = 4
	inletTagBinParcel = 5
	inletTagClose     = 6
)

// EncodeInlet encodes a guest→host frame. It is total except when kind is
// KindNone on a Request, which is a protocol violation that must never
// reach the wire.
func EncodeInlet(f InletFrame) ([]byte, error) {
	w := &wireWriter{}
	switch f.Kind {
	case InletLog:
		w.tag(inletTagLog)
		w.str(f.Log)
	case InletCommand:
		w.tag(inletTagCommand)
		w.bytesField(f.Command)
	case InletRequest:
		if f.Request.Kind == KindNone {
			return nil, fmt.Errorf("%w: ExchangeKind::None must never appear on the wire", ErrBadFrame)
		}
		w.tag(inletTagRequest)
		w.identifierSlice(f.Request.To)
		w.operation(f.Request.Op)
		w.exchangeKind(f.Request.Kind)
	case InletResponse:
		w.tag(inletTagResponse)
		w.identifier(f.Response.To)
		w.str(f.Response.ExchangeID)
		w.responseEntity(f.Response.Signal)
	case InletStatus:
		w.tag(inletTagStatus)
		w.portalStatus(f.Status)
	case InletBinParcel:
		w.tag(inletTagBinParcel)
		w.binParcel(f.BinParcel)
	case InletClose:
		w.tag(inletTagClose)
		w.closeReason(f.Close)
	default:
		return nil, fmt.Errorf("%w: unknown inlet frame kind %d", ErrBadFrame, f.Kind)
	}
	return w.buf.Bytes(), nil
}

// DecodeInlet decodes a guest→host frame, enforcing maxBinSize on any
// binary field before allocating it.
func DecodeInlet(data []byte, maxBinSize int) (InletFrame, error) {
	r := newWireReader(data, maxBinSize)
	tag, err := r.tag()
	if err != nil {
		return InletFrame{}, err
	}
	var f InletFrame
	switch tag {
	case inletTagLog:
		f.Kind = InletLog
		f.Log, err = r.str()
	case inletTagCommand:
		f.Kind = InletCommand
		f.Command, err = r.bytesField()
	case inletTagRequest:
		f.Kind = InletRequest
		f.Request.To, err = r.identifierSlice()
		if err == nil {
			f.Request.Op, err = r.operation()
		}
		if err == nil {
			f.Request.Kind, err = r.exchangeKind()
		}
	case inletTagResponse:
		f.Kind = InletResponse
		f.Response.To, err = r.identifier()
		if err == nil {
			f.Response.ExchangeID, err = r.str()
		}
		if err == nil {
			f.Response.Signal, err = r.responseEntity()
		}
	case inletTagStatus:
		f.Kind = InletStatus
		f.Status, err = r.portalStatus()
	case inletTagBinParcel:
		f.Kind = InletBinParcel
		f.BinParcel, err = r.binParcelField()
	case inletTagClose:
		f.Kind = InletClose
		f.Close, err = r.closeReason()
	default:
		return InletFrame{}, fmt.Errorf("%w: unknown inlet frame tag %d", ErrBadFrame, tag)
	}
	if err != nil {
		return InletFrame{}, err
	}
	if err := r.done(); err != nil {
		return InletFrame{}, err
	}
	return f, nil
}

// --- OutletFrame ---

const (
	outletTagInit         = 0
	outletTagCommandEvent = 1
	outletTagRequest      = 2
	outletTagResponse     = 3
	outletTagBinParcel    = 4
	outletTagClose        = 5
)

// EncodeOutlet encodes a host→guest frame.
func EncodeOutlet(f OutletFrame) ([]byte, error) {
	w := &wireWriter{}
	switch f.Kind {
	case OutletInit:
		w.tag(outletTagInit)
		w.info(f.Init)
	case OutletCommandEvent:
		w.tag(outletTagCommandEvent)
		w.bytesField(f.CommandEvent)
	case OutletRequest:
		if f.Request.Op.Kind != OpExt {
			return nil, fmt.Errorf("%w: host-delivered requests must carry Ext operations only", ErrBadFrame)
		}
		if f.Request.Kind == KindNone {
			return nil, fmt.Errorf("%w: ExchangeKind::None must never appear on the wire", ErrBadFrame)
		}
		w.tag(outletTagRequest)
		w.identifier(f.Request.From)
		w.operation(f.Request.Op)
		w.exchangeKind(f.Request.Kind)
	case OutletResponse:
		w.tag(outletTagResponse)
		w.identifier(f.Response.From)
		w.str(f.Response.ExchangeID)
		w.responseEntity(f.Response.Signal)
	case OutletBinParcel:
		w.tag(outletTagBinParcel)
		w.binParcel(f.BinParcel)
	case OutletClose:
		w.tag(outletTagClose)
		w.closeReason(f.Close)
	default:
		return nil, fmt.Errorf("%w: unknown outlet frame kind %d", ErrBadFrame, f.Kind)
	}
	return w.buf.Bytes(), nil
}

// DecodeOutlet decodes a host→guest frame.
func DecodeOutlet(data []byte, maxBinSize int) (OutletFrame, error) {
	r := newWireReader(data, maxBinSize)
	tag, err := r.tag()
	if err != nil {
		return OutletFrame{}, err
	}
	var f OutletFrame
	switch tag {
	case outletTagInit:
		f.Kind = OutletInit
		f.Init, err = r.info()
	case outletTagCommandEvent:
		f.Kind = OutletCommandEvent
		f.CommandEvent, err = r.bytesField()
	case outletTagRequest:
		f.Kind = OutletRequest
		f.Request.From, err = r.identifier()
		if err == nil {
			f.Request.Op, err = r.operation()
		}
		if err == nil {
			f.Request.Kind, err = r.exchangeKind()
		}
	case outletTagResponse:
		f.Kind = OutletResponse
		f.Response.From, err = r.identifier()
		if err == nil {
			f.Response.ExchangeID, err = r.str()
		}
		if err == nil {
			f.Response.Signal, err = r.responseEntity()
		}
	case outletTagBinParcel:
		f.Kind = OutletBinParcel
		f.BinParcel, err = r.binParcelField()
	case outletTagClose:
		f.Kind = OutletClose
		f.Close, err = r.closeReason()
	default:
		return OutletFrame{}, fmt.Errorf("%w: unknown outlet frame tag %d", ErrBadFrame, tag)
	}
	if err != nil {
		return OutletFrame{}, err
	}
	if err := r.done(); err != nil {
		return OutletFrame{}, err
	}
	return f, nil
}
