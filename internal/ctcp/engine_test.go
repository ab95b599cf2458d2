package ctcp

import "testing"

// twoEngines wires up an A/B pair of engines, each with its own registry
// (as two separate host processes would have), connected by a wire that
// test cases can use to drop or corrupt individual datagrams.
type twoEngines struct {
	regA, regB   *Registry
	a, b         *Engine
	srcA, srcB   *fakeSource
	sinkA, sinkB *fakeSink
	carA, carB   *recordingCarrier
	wire         *wire
}

func newTwoEngines(t *testing.T) *twoEngines {
	t.Helper()
	regA, regB := NewRegistry(), NewRegistry()
	a, srcA, sinkA, carA := newTestEngine(t, regA)
	b, srcB, sinkB, carB := newTestEngine(t, regB)
	return &twoEngines{
		regA: regA, regB: regB,
		a: a, b: b,
		srcA: srcA, srcB: srcB,
		sinkA: sinkA, sinkB: sinkB,
		carA: carA, carB: carB,
		wire: newWire(),
	}
}

func (te *twoEngines) pumpAtoB() { te.wire.pump(te.carA, te.b) }
func (te *twoEngines) pumpBtoA() { te.wire.pump(te.carB, te.a) }

func assertDestroyed(t *testing.T, name string, e *Engine) {
	t.Helper()
	if !e.Destroyed() {
		t.Fatalf("%s: expected engine to be destroyed", name)
	}
}

// Scenario 1: A single small payload sent end-to-end, followed by a clean
// active-close from the sender.
func TestSingleSmallPayloadCleanTeardown(t *testing.T) {
	te := newTwoEngines(t)
	te.srcA.chunks = [][]byte{[]byte("hello")}
	te.srcA.eof = true

	te.a.OnSourceReadable() // queues "hello", flushes it, then emits FIN
	te.pumpAtoB()           // B: DATA -> ack+deliver; FIN -> EOF, ack, own FIN
	te.pumpBtoA()           // A: ack(data), ack(fin-ack), peer FIN -> destroy
	te.pumpAtoB()           // B: A's final ack -> destroy

	if got := te.sinkB.buf.String(); got != "hello" {
		t.Fatalf("sinkB got %q, want %q", got, "hello")
	}
	if !te.sinkB.sawEOF {
		t.Fatalf("sinkB never saw EOF")
	}
	assertDestroyed(t, "A", te.a)
	assertDestroyed(t, "B", te.b)
}

// Scenario 2: two data segments that exactly fill the 2000-byte send
// window (MaxSegDataSize=1000 each), followed by teardown.
func TestTwoSegmentWindowFillingTransfer(t *testing.T) {
	te := newTwoEngines(t)
	chunk1 := make([]byte, MaxSegDataSize)
	chunk2 := make([]byte, MaxSegDataSize)
	for i := range chunk1 {
		chunk1[i] = 'a'
	}
	for i := range chunk2 {
		chunk2[i] = 'b'
	}
	te.srcA.chunks = [][]byte{chunk1, chunk2}
	te.srcA.eof = true

	te.a.OnSourceReadable()
	if len(te.carA.out) != 3 {
		t.Fatalf("expected 3 outbound segments (2 data + fin), got %d", len(te.carA.out))
	}

	te.pumpAtoB()
	te.pumpBtoA()
	te.pumpAtoB()

	want := string(chunk1) + string(chunk2)
	if got := te.sinkB.buf.String(); got != want {
		t.Fatalf("sinkB got %d bytes, want %d", len(got), len(want))
	}
	assertDestroyed(t, "A", te.a)
	assertDestroyed(t, "B", te.b)
}

// Scenario 3: the first data segment is lost on the wire; A must retransmit
// it once its retransmit timer fires (timerOverflow=5 ticks at
// RTTimeout=200ms/Timer=40ms), and only the retransmission reaches B.
func TestSingleSegmentLossTriggersRetransmit(t *testing.T) {
	te := newTwoEngines(t)
	te.srcA.chunks = [][]byte{[]byte("hello")}

	te.a.OnSourceReadable()
	if len(te.carA.out) != 1 {
		t.Fatalf("expected exactly one initial send, got %d", len(te.carA.out))
	}

	te.wire.drop = func(idx int) bool { return idx == 0 }
	te.pumpAtoB()
	if te.sinkB.buf.Len() != 0 {
		t.Fatalf("expected the dropped segment to never reach B")
	}

	overflow := testConfig().timerOverflow()
	for i := 0; i < overflow-1; i++ {
		TimerTick(te.regA)
		if len(te.carA.out) != 1 {
			t.Fatalf("retransmit fired too early, at tick %d", i)
		}
	}
	TimerTick(te.regA) // the timerOverflow-th tick: fires the retransmit
	if len(te.carA.out) != 2 {
		t.Fatalf("expected a retransmission after %d ticks, got %d sends", overflow, len(te.carA.out))
	}
	if te.a.Retransmits() != 1 {
		t.Fatalf("Retransmits() = %d, want 1", te.a.Retransmits())
	}

	te.wire.drop = nil
	te.pumpAtoB()
	if got := te.sinkB.buf.String(); got != "hello" {
		t.Fatalf("sinkB got %q after retransmit, want %q", got, "hello")
	}
}

// Scenario 4: the first data segment arrives corrupted; its checksum fails
// and it is silently dropped by the receiver (no ack is ever produced for
// it), so the sender's retransmit timer behaves exactly as in the pure-loss
// case above.
func TestChecksumCorruptionTriggersRetransmit(t *testing.T) {
	te := newTwoEngines(t)
	te.srcA.chunks = [][]byte{[]byte("hello")}

	te.a.OnSourceReadable()
	te.wire.corrupt = func(idx int) bool { return idx == 0 }
	te.pumpAtoB()
	if te.sinkB.buf.Len() != 0 {
		t.Fatalf("a corrupted segment must never be delivered")
	}
	if len(te.carB.out) != 0 {
		t.Fatalf("B must not ack a segment that failed its checksum")
	}

	overflow := testConfig().timerOverflow()
	for i := 0; i < overflow; i++ {
		TimerTick(te.regA)
	}
	if len(te.carA.out) != 2 {
		t.Fatalf("expected a retransmission, got %d sends", len(te.carA.out))
	}

	te.wire.corrupt = nil
	te.pumpAtoB()
	if got := te.sinkB.buf.String(); got != "hello" {
		t.Fatalf("sinkB got %q after retransmit, want %q", got, "hello")
	}
}

// Scenario 5: the roles are reversed from scenario 1 — B is the endpoint
// whose source closes first, and A is the passive closer.
func TestPeerClosesFirst(t *testing.T) {
	te := newTwoEngines(t)
	te.srcB.chunks = [][]byte{[]byte("bye")}
	te.srcB.eof = true

	te.b.OnSourceReadable()
	te.pumpBtoA()
	te.pumpAtoB()
	te.pumpBtoA()

	if got := te.sinkA.buf.String(); got != "bye" {
		t.Fatalf("sinkA got %q, want %q", got, "bye")
	}
	if !te.sinkA.sawEOF {
		t.Fatalf("sinkA never saw EOF")
	}
	assertDestroyed(t, "A", te.a)
	assertDestroyed(t, "B", te.b)
}

// Scenario 6: six consecutive retransmit timeouts with no response from the
// peer at all force an unclean teardown rather than leaking the connection
// forever.
func TestSixConsecutiveTimeoutsForceTeardown(t *testing.T) {
	te := newTwoEngines(t)
	te.srcA.chunks = [][]byte{[]byte("hello")}

	te.a.OnSourceReadable()
	te.wire.drop = func(idx int) bool { return true } // the peer never hears anything

	overflow := testConfig().timerOverflow()
	for round := 0; round < maxRetransmitTimeouts; round++ {
		for i := 0; i < overflow; i++ {
			if te.a.Destroyed() {
				break
			}
			TimerTick(te.regA)
		}
	}

	assertDestroyed(t, "A", te.a)
	if te.regA.Len() != 0 {
		t.Fatalf("registry still holds %d engines after forced teardown", te.regA.Len())
	}

	if len(te.carA.out) == 0 {
		t.Fatalf("expected a final FIN on the wire before forced teardown, got nothing sent")
	}
	last, err := decodeSegment(te.carA.out[len(te.carA.out)-1])
	if err != nil {
		t.Fatalf("decode final segment: %v", err)
	}
	if !last.isFIN() {
		t.Fatalf("expected the final segment before forced teardown to carry FIN, got flags=%d", last.flags)
	}
}

// A round trip through a lossless wire always reproduces the byte stream
// exactly, regardless of how it's chunked on the way in.
func TestRoundTripPreservesByteStream(t *testing.T) {
	te := newTwoEngines(t)
	chunks := [][]byte{[]byte("the quick "), []byte("brown fox "), []byte("jumps")}
	te.srcA.chunks = chunks
	te.srcA.eof = true

	te.a.OnSourceReadable()
	te.pumpAtoB()
	te.pumpBtoA()
	te.pumpAtoB()

	var want string
	for _, c := range chunks {
		want += string(c)
	}
	if got := te.sinkB.buf.String(); got != want {
		t.Fatalf("sinkB got %q, want %q", got, want)
	}
}
