package meshportal

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitParcelsReassemble(t *testing.T) {
	data := bytes.Repeat([]byte{0xAB}, 1000)
	parcels := splitParcels(data, 128)
	require.Len(t, parcels, 8)
	assert.True(t, parcels[len(parcels)-1].Final)

	asm := newParcelAssembler(0)
	var out []byte
	for _, p := range parcels {
		payload, err := asm.Feed(p)
		require.NoError(t, err)
		if payload != nil {
			out = payload
		}
	}
	assert.Equal(t, data, out)
}

func TestParcelAssemblerRejectsGap(t *testing.T) {
	asm := newParcelAssembler(0)
	_, err := asm.Feed(BinParcel{SourceID: "s", Index: 0, Data: []byte{1}})
	require.NoError(t, err)
	_, err = asm.Feed(BinParcel{SourceID: "s", Index: 2, Data: []byte{2}})
	require.ErrorIs(t, err, ErrBadFrame)
	// The source was abandoned; a restart from index 0 begins a new buffer.
	_, err = asm.Feed(BinParcel{SourceID: "s", Index: 0, Data: []byte{3}})
	require.NoError(t, err)
}

func TestParcelAssemblerEnforcesMaxSize(t *testing.T) {
	asm := newParcelAssembler(10)
	_, err := asm.Feed(BinParcel{SourceID: "s", Index: 0, Final: true, Data: make([]byte, 11)})
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestParcelAssemblerInterleavedSources(t *testing.T) {
	asm := newParcelAssembler(0)
	_, err := asm.Feed(BinParcel{SourceID: "a", Index: 0, Data: []byte("aa")})
	require.NoError(t, err)
	_, err = asm.Feed(BinParcel{SourceID: "b", Index: 0, Data: []byte("bb")})
	require.NoError(t, err)
	payload, err := asm.Feed(BinParcel{SourceID: "a", Index: 1, Final: true, Data: []byte("aa")})
	require.NoError(t, err)
	assert.Equal(t, []byte("aaaa"), payload)
	payload, err = asm.Feed(BinParcel{SourceID: "b", Index: 1, Final: true, Data: []byte("bb")})
	require.NoError(t, err)
	assert.Equal(t, []byte("bbbb"), payload)
}
