package meshportal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInletFrameRoundTrip(t *testing.T) {
	cases := []InletFrame{
		{Kind: InletLog, Log: "hello"},
		{Kind: InletCommand, Command: []byte{1, 2, 3}},
		{
			Kind: InletRequest,
			Request: InletRequestFrame{
				To:   []Identifier{Key("k1"), Address("a.b.c")},
				Op:   Operation{Kind: OpResource, Resource: ResourceOp{Kind: ResourceSet, State: []byte("state")}},
				Kind: KindRequestResponse("ex-1"),
			},
		},
		{
			Kind:     InletResponse,
			Response: InletResponseFrame{To: Key("k1"), ExchangeID: "ex-1", Signal: Ok(TextEntity("hi"))},
		},
		{Kind: InletStatus, Status: PortalStatus{State: StatusPanic, Message: "boom"}},
		{Kind: InletBinParcel, BinParcel: BinParcel{SourceID: "s1", Index: 2, Final: true, Data: []byte{9, 9}}},
		{Kind: InletClose, Close: CloseError("bye")},
	}
	for _, f := range cases {
		data, err := EncodeInlet(f)
		require.NoError(t, err)
		decoded, err := DecodeInlet(data, 0)
		require.NoError(t, err)
		assert.Equal(t, f, decoded)
	}
}

func TestEncodeInletRejectsKindNoneRequest(t *testing.T) {
	_, err := EncodeInlet(InletFrame{Kind: InletRequest, Request: InletRequestFrame{To: []Identifier{Key("k")}, Kind: KindNone}})
	require.ErrorIs(t, err, ErrBadFrame)
}

func TestOutletFrameRoundTrip(t *testing.T) {
	info := Info{
		Key:       "host-1",
		AddressID: "mesh:host-1",
		Owner:     "owner",
		Parent:    Address("mesh:parent"),
		Archetype: Archetype{Kind: "mechtron", Specific: "demo", ConfigSrc: "inline"},
		Config: Config{
			MaxBinSize:      DefaultMaxBinSize,
			BinParcelSize:   DefaultBinParcelSize,
			InitTimeout:     DefaultInitTimeout,
			FrameTimeout:    DefaultFrameTimeout,
			ResponseTimeout: DefaultResponseTimeout,
			Bind:            BindConfig{Ports: map[string]PortConfig{"echo": {Name: "echo"}}},
		},
		Kind: PortalKindGuest,
	}
	cases := []OutletFrame{
		{Kind: OutletInit, Init: info},
		{Kind: OutletCommandEvent, CommandEvent: []byte("cli-event")},
		{
			Kind: OutletRequest,
			Request: OutletRequestFrame{
				From: Key("host-1"),
				Op:   Operation{Kind: OpExt, Ext: ExtOp{Kind: ExtPort, Port: "echo", Payload: TextEntity("ping")}},
				Kind: KindRequestResponse("ex-2"),
			},
		},
		{
			Kind:     OutletResponse,
			Response: OutletResponseFrame{From: Key("host-1"), ExchangeID: "ex-2", Signal: Err("nope")},
		},
		{Kind: OutletBinParcel, BinParcel: BinParcel{SourceID: "s2", Index: 0, Final: false, Data: []byte{1}}},
		{Kind: OutletClose, Close: CloseDone},
	}
	for _, f := range cases {
		data, err := EncodeOutlet(f)
		require.NoError(t, err)
		decoded, err := DecodeOutlet(data, 0)
		require.NoError(t, err)
		assert.Equal(t, f, decoded)
	}
}

func TestOutletConfigRoundTripTruncatesSubSecondDurations(t *testing.T) {
	info := Info{Config: Config{
		MaxBinSize: 1, BinParcelSize: 1,
		InitTimeout: 3*time.Second + 500*time.Millisecond, FrameTimeout: 4 * time.Second, ResponseTimeout: 5 * time.Second,
		Bind: BindConfig{Ports: map[string]PortConfig{}},
	}}
	data, err := EncodeOutlet(OutletFrame{Kind: OutletInit, Init: info})
	require.NoError(t, err)
	decoded, err := DecodeOutlet(data, 0)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, decoded.Init.Config.InitTimeout)
}

func TestEncodeOutletRejectsNonExtRequest(t *testing.T) {
	_, err := EncodeOutlet(OutletFrame{Kind: OutletRequest, Request: OutletRequestFrame{
		Op: Operation{Kind: OpResource, Resource: ResourceOp{Kind: ResourceGet}},
	}})
	require.ErrorIs(t, err, ErrBadFrame)
}

func TestDecodeInletUnknownTag(t *testing.T) {
	_, err := DecodeInlet([]byte{255}, 0)
	require.ErrorIs(t, err, ErrBadFrame)
}

func TestDecodeInletTrailingBytes(t *testing.T) {
	data, err := EncodeInlet(InletFrame{Kind: InletLog, Log: "x"})
	require.NoError(t, err)
	data = append(data, 0xFF)
	_, err = DecodeInlet(data, 0)
	require.ErrorIs(t, err, ErrBadFrame)
}

func TestWirePrimitiveEnforcesMaxSize(t *testing.T) {
	var buf fakeBuffer
	require.NoError(t, WritePrimitive(&buf, make([]byte, 100)))
	_, err := ReadPrimitive(&buf, 10)
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestBytesFieldEnforcesMaxBin(t *testing.T) {
	data, err := EncodeInlet(InletFrame{Kind: InletBinParcel, BinParcel: BinParcel{Data: make([]byte, 100)}})
	require.NoError(t, err)
	_, err = DecodeInlet(data, 10)
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

// fakeBuffer is a minimal io.ReadWriter over an in-memory slice, used where
// a bytes.Buffer would do but this file already avoids importing "bytes".
type fakeBuffer struct {
	data []byte
	pos  int
}

func (b *fakeBuffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

func (b *fakeBuffer) Read(p []byte) (int, error) {
	n := copy(p, b.data[b.pos:])
	b.pos += n
	return n, nil
}
