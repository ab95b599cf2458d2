package ctcp

import (
	"encoding/binary"
	"fmt"

	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// Flags that may be set in a cTCP segment. Bit layout is the cTCP wire
// convention, not the real TCP header's.
const (
	flagFIN uint32 = 1 << 0
	flagACK uint32 = 1 << 1
)

// segmentHeaderLen is the fixed on-wire header size: seqno(4) + ackno(4) +
// len(2) + cksum(2) + flags(4) + window(2).
const segmentHeaderLen = 4 + 4 + 2 + 2 + 4 + 2

// MaxSegDataSize bounds the payload of a single data segment.
const MaxSegDataSize = 1000

// segment is the decoded, host-byte-order representation of a cTCP wire
// segment. It is never aliased to the bytes it was decoded from.
type segment struct {
	seqno   uint32
	ackno   uint32
	flags   uint32
	window  uint16
	payload []byte
}

func (s segment) isFIN() bool { return s.flags&flagFIN != 0 }
func (s segment) isACK() bool { return s.flags&flagACK != 0 }

// totalLen is the on-wire length of this segment, header plus payload.
func (s segment) totalLen() int { return segmentHeaderLen + len(s.payload) }

// encodeSegment serialises a segment to its wire form, computing and
// inserting the checksum over the full header+payload with the checksum
// field zeroed.
func encodeSegment(s segment) ([]byte, error) {
	if len(s.payload) > MaxSegDataSize {
		return nil, fmt.Errorf("ctcp: payload of %d bytes exceeds MaxSegDataSize %d", len(s.payload), MaxSegDataSize)
	}

	buf := make([]byte, segmentHeaderLen+len(s.payload))
	binary.BigEndian.PutUint32(buf[0:4], s.seqno)
	binary.BigEndian.PutUint32(buf[4:8], s.ackno)
	binary.BigEndian.PutUint16(buf[8:10], uint16(len(buf)))
	// buf[10:12] (checksum) left zero for the checksum pass below.
	binary.BigEndian.PutUint32(buf[12:16], s.flags)
	binary.BigEndian.PutUint16(buf[16:18], s.window)
	copy(buf[segmentHeaderLen:], s.payload)

	cksum := header.Checksum(buf, 0)
	binary.BigEndian.PutUint16(buf[10:12], cksum)
	return buf, nil
}

// decodeSegment validates and parses a wire segment: the
// declared length must match the received byte count, and the checksum
// (recomputed with the checksum field zeroed) must match what was sent.
// Either mismatch is a silent TransientDrop, reported as a plain error the
// engine discards without altering any state.
func decodeSegment(raw []byte) (segment, error) {
	if len(raw) < segmentHeaderLen {
		return segment{}, fmt.Errorf("ctcp: segment shorter than header (%d bytes)", len(raw))
	}

	declaredLen := binary.BigEndian.Uint16(raw[8:10])
	if int(declaredLen) != len(raw) {
		return segment{}, fmt.Errorf("ctcp: declared length %d does not match received %d bytes", declaredLen, len(raw))
	}

	buf := append([]byte(nil), raw...)
	sent := binary.BigEndian.Uint16(buf[10:12])
	binary.BigEndian.PutUint16(buf[10:12], 0)
	if got := header.Checksum(buf, 0); got != sent {
		return segment{}, fmt.Errorf("ctcp: checksum mismatch: got %#04x, segment carried %#04x", got, sent)
	}

	return segment{
		seqno:   binary.BigEndian.Uint32(raw[0:4]),
		ackno:   binary.BigEndian.Uint32(raw[4:8]),
		flags:   binary.BigEndian.Uint32(raw[12:16]),
		window:  binary.BigEndian.Uint16(raw[16:18]),
		payload: append([]byte(nil), raw[segmentHeaderLen:]...),
	}, nil
}
