package host

import (
	"log/slog"
	"time"

	"github.com/cs144net/ctcp/internal/ctcp"
)

// Driver runs the single cooperative event loop that feeds one Engine:
// stdin-readable, UDP-readable and timer-tick are each detected by a
// background goroutine and handed to the engine from this loop alone, so
// nothing ever calls into the engine from two goroutines at once.
type Driver struct {
	engine     *ctcp.Engine
	registry   *ctcp.Registry
	carrier    *Carrier
	stdinReady <-chan struct{}
	timer      time.Duration
	log        *slog.Logger
}

// NewDriver assembles a Driver around an already-constructed engine.
// stdinReady is the ready channel NewStdinSource returned when the source
// was created.
func NewDriver(engine *ctcp.Engine, registry *ctcp.Registry, carrier *Carrier, stdinReady <-chan struct{}, timer time.Duration, log *slog.Logger) *Driver {
	if log == nil {
		log = slog.Default()
	}
	return &Driver{
		engine:     engine,
		registry:   registry,
		carrier:    carrier,
		stdinReady: stdinReady,
		timer:      timer,
		log:        log,
	}
}

// udpChunk is one datagram handed from the background UDP reader goroutine
// to the driver loop.
type udpChunk struct {
	data []byte
}

// Run blocks until the engine destroys itself or the UDP socket errors
// out, bridging background reads and the ticker into the engine's three
// event handlers.
func (d *Driver) Run() error {
	udpCh, udpErrCh := d.startUDPReader()
	ticker := time.NewTicker(d.timer)
	defer ticker.Stop()

	for {
		if d.engine.Destroyed() {
			return nil
		}
		select {
		case <-d.stdinReady:
			d.engine.OnSourceReadable()
		case chunk := <-udpCh:
			d.engine.OnDatagram(chunk.data)
		case err := <-udpErrCh:
			return err
		case <-ticker.C:
			ctcp.TimerTick(d.registry)
		}
	}
}

func (d *Driver) startUDPReader() (<-chan udpChunk, <-chan error) {
	udpCh := make(chan udpChunk, 64)
	errCh := make(chan error, 1)
	go func() {
		for {
			buf := make([]byte, ctcp.MaxSegDataSize+64)
			n, err := d.carrier.ReadFrom(buf)
			if err != nil {
				errCh <- err
				return
			}
			udpCh <- udpChunk{data: buf[:n]}
		}
	}()
	return udpCh, errCh
}
