package unreliable

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Wire limits for fragment packets.
const (
	// MaxDatagramSize is the largest UDP payload over IPv4.
	MaxDatagramSize = 65507

	// HeaderSize is the fixed fragment header: frameID, fragment index and
	// fragment count as big-endian uint32.
	HeaderSize = 12

	// MaxChunkSize is the largest fragment body that keeps a packet within
	// MaxDatagramSize.
	MaxChunkSize = MaxDatagramSize - HeaderSize
)

// ErrShortPacket is returned by ParseFragment for packets smaller than the
// header.
var ErrShortPacket = errors.New("unreliable: packet shorter than fragment header")

// Fragment is one bounded slice of an encoded frame, tagged with the
// metadata a receiver needs to reassemble it. Body aliases the payload it
// was split from.
type Fragment struct {
	FrameID uint32
	Index   uint32
	Total   uint32
	Body    []byte
}

// FragmentCount returns ceil(n/chunk), the number of fragments needed for a
// payload of n bytes. An empty payload has no fragments.
func FragmentCount(n, chunk int) int {
	if n <= 0 {
		return 0
	}
	return (n + chunk - 1) / chunk
}

// Split cuts payload into fragments of at most chunk bytes, in index order.
// chunk values outside (0, MaxChunkSize] fall back to MaxChunkSize.
func Split(payload []byte, frameID uint16, chunk int) []Fragment {
	if chunk <= 0 || chunk > MaxChunkSize {
		chunk = MaxChunkSize
	}
	total := FragmentCount(len(payload), chunk)
	frags := make([]Fragment, total)
	for i := range total {
		start := i * chunk
		end := min(start+chunk, len(payload))
		frags[i] = Fragment{
			FrameID: uint32(frameID),
			Index:   uint32(i),
			Total:   uint32(total),
			Body:    payload[start:end],
		}
	}
	return frags
}

// AppendPacket appends the wire form of f (header followed by body) to dst.
func (f Fragment) AppendPacket(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, f.FrameID)
	dst = binary.BigEndian.AppendUint32(dst, f.Index)
	dst = binary.BigEndian.AppendUint32(dst, f.Total)
	return append(dst, f.Body...)
}

// ParseFragment decodes a fragment packet. Body aliases pkt.
func ParseFragment(pkt []byte) (Fragment, error) {
	if len(pkt) < HeaderSize {
		return Fragment{}, ErrShortPacket
	}
	f := Fragment{
		FrameID: binary.BigEndian.Uint32(pkt[0:4]),
		Index:   binary.BigEndian.Uint32(pkt[4:8]),
		Total:   binary.BigEndian.Uint32(pkt[8:12]),
		Body:    pkt[HeaderSize:],
	}
	if f.Total == 0 || f.Index >= f.Total {
		return Fragment{}, fmt.Errorf("unreliable: fragment %d of %d out of range", f.Index, f.Total)
	}
	return f, nil
}

// Reassemble concatenates the bodies of a complete, index-ordered fragment
// set. It fails if any fragment is missing or belongs to another frame.
func Reassemble(frags []Fragment) ([]byte, error) {
	if len(frags) == 0 {
		return nil, errors.New("unreliable: no fragments")
	}
	id, total := frags[0].FrameID, frags[0].Total
	if int(total) != len(frags) {
		return nil, fmt.Errorf("unreliable: have %d of %d fragments", len(frags), total)
	}
	size := 0
	for i, f := range frags {
		if f.FrameID != id || f.Total != total || f.Index != uint32(i) {
			return nil, fmt.Errorf("unreliable: fragment %d out of order (frame %d, index %d)", i, f.FrameID, f.Index)
		}
		size += len(f.Body)
	}
	out := make([]byte, 0, size)
	for _, f := range frags {
		out = append(out, f.Body...)
	}
	return out, nil
}
