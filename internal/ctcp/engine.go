// Package ctcp implements the core of a simplified reliable transport
// protocol: the per-connection segment state machine, sliding-window flow
// control, cumulative acknowledgement, retransmission timer and FIN
// teardown handshake described by the cTCP specification. It deliberately
// knows nothing about sockets, stdin/stdout, or timers; those are supplied
// by the host through the Source, Sink and Carrier interfaces below.
package ctcp

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rs/xid"
)

// Source is the host's byte-source capability. ReadSource returns n>0 and
// eof=false for a normal read, n==0 and eof=false when nothing is available
// right now, and eof=true once the source is exhausted.
type Source interface {
	ReadSource(buf []byte) (n int, eof bool, err error)
}

// Sink is the host's byte-sink capability. WriteSink may legally return
// fewer bytes than len(p); the engine retries within the same handler.
type Sink interface {
	WriteSink(p []byte) (n int, err error)
	SinkFreeSpace() int
	// SinkEOF signals that no further bytes will ever be delivered (the
	// peer has sent its FIN). Hosts that can meaningfully half-close their
	// sink (e.g. a pipe) do so here; a process's real stdout typically
	// no-ops, treating the sink as an external collaborator the core only
	// ever writes to or queries for space.
	SinkEOF()
}

// Carrier is the host's datagram transport. SendDatagram may legally
// short-send; the engine retries within the same handler.
type Carrier interface {
	SendDatagram(p []byte) (n int, err error)
	CloseCarrier()
}

// teardownState is the connection's FIN teardown phase.
type teardownState int

const (
	teardownNone teardownState = iota
	teardownActiveClosing
	teardownPassiveClosing
)

func (t teardownState) String() string {
	switch t {
	case teardownActiveClosing:
		return "active-closing"
	case teardownPassiveClosing:
		return "passive-closing"
	default:
		return "none"
	}
}

// maxRetransmitTimeouts is the number of consecutive full timer timeouts
// that force teardown: six, not configurable.
const maxRetransmitTimeouts = 6

// truncateSentinel, if it appears as the start of a chunk read from the
// source, stops the current read loop and that chunk is dropped rather than
// queued: a debugging aid. It does not signal end-of-source.
const truncateSentinel = "###truncate###"

// Config holds the per-connection parameters supplied at creation time.
type Config struct {
	SendWindow uint32        // max outstanding sent bytes
	RecvWindow uint32        // max outstanding received bytes
	RTTimeout  time.Duration // retransmission timeout
	Timer      time.Duration // tick period
}

// timerOverflow is ⌈RTTimeout / Timer⌉.
func (c Config) timerOverflow() int {
	ticks := int(c.RTTimeout / c.Timer)
	if c.RTTimeout%c.Timer != 0 {
		ticks++
	}
	return ticks
}

func (c Config) validate() error {
	if c.Timer <= 0 {
		return fmt.Errorf("ctcp: timer period must be positive, got %s", c.Timer)
	}
	if c.RTTimeout < c.Timer {
		return fmt.Errorf("ctcp: rt_timeout (%s) must be >= timer (%s)", c.RTTimeout, c.Timer)
	}
	if c.SendWindow == 0 || c.RecvWindow == 0 {
		return fmt.Errorf("ctcp: send/recv window must be positive")
	}
	return nil
}

// Engine is a single live connection's protocol state machine. It is driven
// exclusively by OnSourceReadable, OnDatagram and the registry-wide timer
// tick, all from a single cooperative driver goroutine; mu exists so the
// metrics Collector (running on the HTTP server's own goroutine) can read a
// consistent snapshot of the counters below while those handlers, which
// take mu themselves, mutate them.
type Engine struct {
	ID xid.ID

	// mu guards every field below against the metrics snapshot reader.
	// OnSourceReadable, OnDatagram and onTimerTickOne each hold it for
	// their entire body; destroy assumes the caller already holds it and
	// never acquires it itself, since it's always invoked from inside one
	// of those three.
	mu sync.Mutex

	cfg      Config
	source   Source
	sink     Sink
	carrier  Carrier
	registry *Registry
	log      *slog.Logger
	debug    bool

	// Connection counters.
	seqno          uint32
	nextSeqno      uint32
	ackno          uint32
	lastAckno      uint32
	sendWindowUsed uint32
	rcvWindowUsed  uint32

	sendQ sendQueue
	recvQ recvQueue

	teardown teardownState

	// Retransmit-timer state.
	armed         bool
	counter       int
	timeoutNum    int
	timerOverflow int

	destroyed bool

	// retransmits counts every retransmission pass, for observability only.
	retransmits int
}

// New creates and registers a new connection engine. The initial counters
// are seqno=1, nextSeqno=1, ackno=1, lastAckno=1.
func New(reg *Registry, source Source, sink Sink, carrier Carrier, cfg Config, log *slog.Logger) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}

	e := &Engine{
		ID:            xid.New(),
		cfg:           cfg,
		source:        source,
		sink:          sink,
		carrier:       carrier,
		registry:      reg,
		log:           log,
		seqno:         1,
		nextSeqno:     1,
		ackno:         1,
		lastAckno:     1,
		timerOverflow: cfg.timerOverflow(),
	}
	reg.insert(e)
	e.log.Info("ctcp: connection opened", "conn", e.ID, "send_window", cfg.SendWindow, "recv_window", cfg.RecvWindow)
	return e, nil
}

// SetDebug toggles per-segment trace logging.
func (e *Engine) SetDebug(on bool) { e.debug = on }

// Snapshot fields, read by internal/metrics from a different goroutine than
// the driver loop; each takes mu so it never observes a torn update.
func (e *Engine) SeqNo() uint32 { e.mu.Lock(); defer e.mu.Unlock(); return e.seqno }
func (e *Engine) AckNo() uint32 { e.mu.Lock(); defer e.mu.Unlock(); return e.ackno }
func (e *Engine) SendWindowUsed() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sendWindowUsed
}
func (e *Engine) RecvWindowUsed() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rcvWindowUsed
}
func (e *Engine) SendQueueLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sendQ.length()
}
func (e *Engine) RecvQueueLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recvQ.length()
}
func (e *Engine) Retransmits() int { e.mu.Lock(); defer e.mu.Unlock(); return e.retransmits }
func (e *Engine) TeardownState() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.teardown.String()
}
func (e *Engine) Destroyed() bool { e.mu.Lock(); defer e.mu.Unlock(); return e.destroyed }

// destroy unregisters the engine and releases both queues. It is safe to
// call re-entrantly (e.g. from inside handleAck), and every handler must
// stop touching engine state as soon as it returns. The caller must already
// hold mu — destroy never acquires it itself, since it's only ever called
// from inside OnSourceReadable, OnDatagram or onTimerTickOne.
func (e *Engine) destroy(reason string) {
	if e.destroyed {
		return
	}
	e.destroyed = true
	e.sendQ = sendQueue{}
	e.recvQ = recvQueue{}
	e.registry.remove(e)
	e.carrier.CloseCarrier()
	e.log.Info("ctcp: connection closed", "conn", e.ID, "reason", reason)
}

// ---------------------------------------------------------------------
// on_source_readable
// ---------------------------------------------------------------------

// OnSourceReadable drains the source into fixed-size payloads appended to
// the send queue, then ships as much as the send window allows.
func (e *Engine) OnSourceReadable() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return
	}
	eofSeen := false
	for {
		buf := make([]byte, MaxSegDataSize)
		n, eof, err := e.source.ReadSource(buf)
		if err != nil {
			e.log.Warn("ctcp: source read error", "conn", e.ID, "error", err)
			return
		}
		if eof {
			eofSeen = true
			break
		}
		if n == 0 {
			break
		}
		chunk := buf[:n]
		if len(chunk) >= len(truncateSentinel) && string(chunk[:len(truncateSentinel)]) == truncateSentinel {
			break
		}
		e.sendQ.push(append([]byte(nil), chunk...))
	}
	// Flush whatever the window allows before announcing end-of-source, so
	// the FIN's sequence number sits one past the last byte this side ever
	// queues rather than racing it onto the wire first (mirrors how a FIN
	// consumes the send pointer's current position, not the unacked floor).
	e.sendAsMuchAsWindowAllows()
	if eofSeen {
		e.beginActiveClose()
	}
}

func (e *Engine) beginActiveClose() {
	e.teardown = teardownActiveClosing
	e.emitFIN(e.ackno)
	e.armTimer()
}

// ---------------------------------------------------------------------
// on_datagram
// ---------------------------------------------------------------------

// OnDatagram validates and classifies one received datagram.
func (e *Engine) OnDatagram(raw []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return
	}
	seg, err := decodeSegment(raw)
	if err != nil {
		if e.debug {
			e.log.Debug("ctcp: dropping malformed segment", "conn", e.ID, "error", err)
		}
		return
	}
	if e.debug {
		e.log.Debug("ctcp: segment received", "conn", e.ID, "seq", seg.seqno, "ack", seg.ackno, "flags", seg.flags, "len", len(seg.payload))
	}

	if seg.seqno == e.lastAckno && seg.seqno != e.ackno && !seg.isACK() {
		e.emitAck(e.lastAckno, flagACK)
		return
	}

	// Classification: a segment with the ACK bit set but carrying a
	// payload is DATA, not ACK — any segment with FIN clear and a
	// nonempty payload counts as DATA regardless of the ACK bit.
	switch {
	case seg.isFIN() && seg.isACK():
		e.ackno = seg.seqno + 1
		e.emitAck(e.ackno, flagACK)
		e.destroy("received FIN+ACK")
	case seg.isFIN():
		e.handleFIN(seg)
	case len(seg.payload) > 0:
		e.handleData(seg)
	case seg.isACK():
		e.handleAck(seg)
	default:
		e.handleData(seg)
	}
}

// DATA handling.
func (e *Engine) handleData(seg segment) {
	dataLen := uint32(len(seg.payload))
	if e.rcvWindowUsed+dataLen <= e.cfg.RecvWindow {
		e.lastAckno = e.ackno
		e.ackno = seg.seqno + dataLen
		e.recvQ.push(seg.payload)
		e.rcvWindowUsed += dataLen
	}
	e.deliverToSink()
}

// ACK handling (cumulative).
func (e *Engine) handleAck(seg segment) {
	if e.teardown == teardownPassiveClosing {
		e.destroy("received final ACK of our FIN")
		return
	}

	a := seg.ackno
	for {
		head := e.sendQ.front()
		if head == nil || head.segmentNextSeqno == 0 || a < head.segmentNextSeqno {
			break
		}
		e.seqno = head.segmentNextSeqno
		e.sendWindowUsed -= uint32(len(head.payload))
		e.sendQ.dropFront()
	}
	if a == e.nextSeqno {
		e.disarmTimer()
	}
	e.counter = 0
	e.timeoutNum = 0
}

// peer FIN handling.
func (e *Engine) handleFIN(seg segment) {
	e.lastAckno = e.ackno
	e.ackno = seg.seqno + 1

	if e.teardown != teardownActiveClosing {
		e.deliverEOFToSink()
		e.emitAck(e.ackno, flagACK)
		e.emitFIN(e.ackno)
		e.armTimer()
		e.teardown = teardownPassiveClosing
		return
	}
	e.emitAck(e.ackno, flagACK)
	e.destroy("received peer FIN after our own FIN")
}

// ---------------------------------------------------------------------
// send as much as the window allows (also used for retransmission)
// ---------------------------------------------------------------------

func (e *Engine) sendAsMuchAsWindowAllows() {
	e.sendWindowUsed = 0
	e.nextSeqno = e.seqno

	sentAny := false
	e.sendQ.iterate(func(el *sendElement) bool {
		if e.sendWindowUsed+uint32(len(el.payload)) > e.cfg.SendWindow {
			return false
		}
		seg := segment{
			seqno:   e.nextSeqno,
			ackno:   e.ackno,
			flags:   0,
			window:  e.advertisedWindow(),
			payload: el.payload,
		}
		e.transmit(seg)
		e.nextSeqno += uint32(len(el.payload))
		el.segmentNextSeqno = e.nextSeqno
		e.sendWindowUsed += uint32(len(el.payload))
		sentAny = true
		return true
	})

	// Armed only if something was actually put on the wire this pass: the
	// timer is armed once after the pass, and not at all when no segment
	// fit in the window or the send queue was empty.
	if sentAny {
		e.armTimer()
	}
}

// advertisedWindow advertises only whole-segment capacity, rounding the
// free receive window down to a multiple of MaxSegDataSize.
func (e *Engine) advertisedWindow() uint16 {
	free := e.cfg.RecvWindow - e.rcvWindowUsed
	segs := free / MaxSegDataSize
	w := MaxSegDataSize * segs
	if w > 0xffff {
		w = 0xffff
	}
	return uint16(w)
}

// ---------------------------------------------------------------------
// delivery to sink
// ---------------------------------------------------------------------

func (e *Engine) deliverToSink() {
	for {
		head := e.recvQ.front()
		if head == nil {
			return
		}
		free := e.sink.SinkFreeSpace()
		if free == 0 || free < head.byteLeft {
			return
		}
		n, err := e.writeAllToSink(head.payload[head.byteUsed:])
		if err != nil {
			e.log.Warn("ctcp: sink write error", "conn", e.ID, "error", err)
			return
		}
		head.byteUsed += n
		head.byteLeft -= n
		e.rcvWindowUsed -= uint32(n)

		if head.byteLeft == 0 {
			e.emitAck(e.ackno, flagACK)
			e.recvQ.dropFront()
		}
	}
}

// deliverEOFToSink signals end-of-stream once, for the peer-FIN handler.
func (e *Engine) deliverEOFToSink() { e.sink.SinkEOF() }

// writeAllToSink retries a short write within the same handler, bounded so
// a persistently stuck sink can't spin forever.
func (e *Engine) writeAllToSink(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := e.sink.WriteSink(p[written:])
		if err != nil {
			return written, err
		}
		if n == 0 {
			break
		}
		written += n
	}
	return written, nil
}

// ---------------------------------------------------------------------
// on_timer_tick
// ---------------------------------------------------------------------

// TimerTick walks the registry and advances every engine's retransmit
// countdown.
func TimerTick(reg *Registry) {
	reg.Walk(func(e *Engine) {
		e.onTimerTickOne()
	})
}

func (e *Engine) onTimerTickOne() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return
	}
	if e.armed {
		e.counter++
		if e.counter != e.timerOverflow {
			return
		}
		e.counter = 0
		e.timeoutNum++
		if e.timeoutNum == maxRetransmitTimeouts {
			// The peer hasn't acked anything across six full retransmit
			// windows. Attempt a FIN on the wire regardless, but don't wait
			// around for a handshake reply that six straight timeouts
			// already show won't come.
			e.emitFIN(e.lastAckno)
			e.teardown = teardownActiveClosing
			e.destroy("forced teardown after six consecutive retransmit timeouts")
			return
		}
		if e.teardown == teardownActiveClosing || e.teardown == teardownPassiveClosing {
			e.emitFIN(e.lastAckno)
			return
		}
		e.retransmits++
		e.sendAsMuchAsWindowAllows()
		return
	}

	e.sendAsMuchAsWindowAllows()
	if e.recvQ.length() > 0 {
		e.deliverToSink()
	}
}

// ---------------------------------------------------------------------
// ACK emission and low-level send
// ---------------------------------------------------------------------

// emitAck sends a pure control segment: header only, seq=seqno,
// ack=the given value, the given flags.
func (e *Engine) emitAck(ackno uint32, flags uint32) {
	e.transmit(segment{
		seqno:  e.seqno,
		ackno:  ackno,
		flags:  flags,
		window: e.advertisedWindow(),
	})
}

// emitFIN sends a bare FIN segment at the send pointer's current position
// (e.nextSeqno), the byte slot immediately following the last one this side
// has ever queued for transmission — not the unacked floor (e.seqno), which
// a FIN would otherwise collide with whenever data precedes it on the same
// connection. As in real TCP, the FIN takes the sequence slot after the
// data and the peer acknowledges it with that slot plus one; emitFIN does
// not advance e.nextSeqno itself.
func (e *Engine) emitFIN(ackno uint32) {
	e.transmit(segment{
		seqno:  e.nextSeqno,
		ackno:  ackno,
		flags:  flagFIN,
		window: e.advertisedWindow(),
	})
}

func (e *Engine) transmit(seg segment) {
	raw, err := encodeSegment(seg)
	if err != nil {
		e.log.Error("ctcp: failed to encode segment", "conn", e.ID, "error", err)
		return
	}
	if e.debug {
		e.log.Debug("ctcp: segment sent", "conn", e.ID, "seq", seg.seqno, "ack", seg.ackno, "flags", seg.flags, "len", len(seg.payload))
	}
	written := 0
	for written < len(raw) {
		n, err := e.carrier.SendDatagram(raw[written:])
		if err != nil {
			e.log.Warn("ctcp: send_datagram error", "conn", e.ID, "error", err)
			return
		}
		if n == 0 {
			break
		}
		written += n
	}
}

func (e *Engine) armTimer()    { e.armed = true }
func (e *Engine) disarmTimer() { e.armed = false }
