package meshportal

import "fmt"

// splitParcels splits an encoded frame that exceeds the parcel size into
// BinParcel chunks sharing a fresh source id. The receiver reassembles
// the chunks in index order and decodes the result as the frame it was
// split from.
func splitParcels(data []byte, parcelSize int) []BinParcel {
	src := NewExchangeID()
	var parcels []BinParcel
	for i, off := 0, 0; off < len(data); i++ {
		end := off + parcelSize
		if end > len(data) {
			end = len(data)
		}
		parcels = append(parcels, BinParcel{SourceID: src, Index: i, Final: end == len(data), Data: data[off:end]})
		off = end
	}
	return parcels
}

// parcelAssembler reassembles BinParcel chunks back into the encoded
// frames they were split from. Like Table, it is owned by a portal's run
// goroutine and is not safe for concurrent use.
type parcelAssembler struct {
	maxSize int
	buffers map[string]*parcelBuffer
}

type parcelBuffer struct {
	next int
	data []byte
}

func newParcelAssembler(maxSize int) *parcelAssembler {
	return &parcelAssembler{maxSize: maxSize, buffers: make(map[string]*parcelBuffer)}
}

// Feed accepts one chunk and returns the reassembled payload once the
// final in-order chunk has arrived. A gap in the index sequence, or a
// payload growing past the size cap, abandons the source entirely.
func (a *parcelAssembler) Feed(p BinParcel) ([]byte, error) {
	buf := a.buffers[p.SourceID]
	if buf == nil {
		buf = &parcelBuffer{}
		a.buffers[p.SourceID] = buf
	}
	if p.Index != buf.next {
		delete(a.buffers, p.SourceID)
		return nil, fmt.Errorf("%w: bin parcel '%s' index %d, want %d", ErrBadFrame, p.SourceID, p.Index, buf.next)
	}
	if a.maxSize > 0 && len(buf.data)+len(p.Data) > a.maxSize {
		delete(a.buffers, p.SourceID)
		return nil, fmt.Errorf("%w: reassembled bin parcel '%s' exceeds %d bytes", ErrFrameTooLarge, p.SourceID, a.maxSize)
	}
	buf.data = append(buf.data, p.Data...)
	buf.next++
	if !p.Final {
		return nil, nil
	}
	delete(a.buffers, p.SourceID)
	return buf.data, nil
}
