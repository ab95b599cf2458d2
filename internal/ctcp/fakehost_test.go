package ctcp

import "bytes"

// fakeSource feeds pre-chunked reads followed by an end-of-source signal,
// standing in for the host's non-blocking stdin capability.
type fakeSource struct {
	chunks [][]byte
	next   int
	eof    bool
	eofed  bool
}

func (s *fakeSource) ReadSource(buf []byte) (int, bool, error) {
	if s.next < len(s.chunks) {
		n := copy(buf, s.chunks[s.next])
		s.next++
		return n, false, nil
	}
	if s.eof && !s.eofed {
		s.eofed = true
		return 0, true, nil
	}
	return 0, false, nil
}

// fakeSink accumulates delivered bytes, standing in for the host's stdout.
type fakeSink struct {
	buf       bytes.Buffer
	freeSpace int
	sawEOF    bool
}

func newFakeSink() *fakeSink {
	return &fakeSink{freeSpace: 1 << 20}
}

func (s *fakeSink) WriteSink(p []byte) (int, error) {
	return s.buf.Write(p)
}

func (s *fakeSink) SinkFreeSpace() int { return s.freeSpace }
func (s *fakeSink) SinkEOF()           { s.sawEOF = true }

// recordingCarrier appends every sent datagram to a log a test driver can
// pump across to a peer engine; the wire below can drop or corrupt
// individual datagrams by send index, for loss/corruption scenarios.
type recordingCarrier struct {
	out    [][]byte
	closed bool
}

func (c *recordingCarrier) SendDatagram(p []byte) (int, error) {
	c.out = append(c.out, append([]byte(nil), p...))
	return len(p), nil
}

func (c *recordingCarrier) CloseCarrier() { c.closed = true }

// wire pumps datagrams sent by one carrier into a peer engine's OnDatagram,
// applying optional per-index drop/corrupt filters, and tracks how far it
// has drained each carrier's log.
type wire struct {
	cursor  map[*recordingCarrier]int
	drop    func(idx int) bool
	corrupt func(idx int) bool
}

func newWire() *wire {
	return &wire{cursor: make(map[*recordingCarrier]int)}
}

// pump delivers every undelivered datagram from "from" to "to".
func (w *wire) pump(from *recordingCarrier, to *Engine) {
	start := w.cursor[from]
	for i := start; i < len(from.out); i++ {
		idx := i
		raw := from.out[i]
		if w.drop != nil && w.drop(idx) {
			continue
		}
		if w.corrupt != nil && w.corrupt(idx) {
			raw = append([]byte(nil), raw...)
			raw[len(raw)-1] ^= 0xff
		}
		to.OnDatagram(raw)
	}
	w.cursor[from] = len(from.out)
}
