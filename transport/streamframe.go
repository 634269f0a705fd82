package transport

import (
	"bytes"
	"encoding/binary"
)

const StreamFrameHeaderSize = 4 + 1 // 4 bytes length + 1 byte type

// StreamFrame is a single unit of the raw keep-alive/rotation byte stream
// that a Conn multiplexes beneath whatever protocol rides on top of it. It
// is deliberately dumber than the mesh's typed Frame alphabet: it only
// knows how to carry opaque application bytes plus three control signals
// (ping, fin, rotate) needed to keep a store-and-forward transport alive.
type StreamFrame struct {
	Payload []byte
	Length  uint32
	Type    byte
}

// BuildStreamFrame writes a framed message to the write buffer.
// Frame format: [4 bytes: length][1 byte: type][N bytes: payload]
// Caller must ensure writeBuf is protected from concurrent access.
func BuildStreamFrame(writeBuf *bytes.Buffer, f StreamFrame) {
	writeBuf.Grow(StreamFrameHeaderSize + len(f.Payload))
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(f.Payload)))
	writeBuf.Write(lenBuf[:])
	writeBuf.WriteByte(f.Type)
	writeBuf.Write(f.Payload)
}
