package host

import (
	"io"
	"log/slog"

	"github.com/cs144net/ctcp/internal/ctcp"
)

// stdinChunk is one result from the background stdin-reading goroutine.
type stdinChunk struct {
	data []byte
	eof  bool
	err  error
}

// StdinSource adapts a blocking io.Reader (stdin has no non-blocking
// readiness primitive in Go) into ctcp.Source's poll style: a background
// goroutine does the blocking Read calls and forwards chunks over a
// channel; ReadSource drains whatever is already buffered without ever
// blocking the driver goroutine.
type StdinSource struct {
	ch  <-chan stdinChunk
	log *slog.Logger
}

// NewStdinSource starts the background reader and returns the Source plus
// a channel the driver's select loop watches to know when to call
// OnSourceReadable.
func NewStdinSource(r io.Reader, log *slog.Logger) (*StdinSource, <-chan struct{}) {
	if log == nil {
		log = slog.Default()
	}
	ch := make(chan stdinChunk, 64)
	ready := make(chan struct{}, 1)

	go func() {
		defer close(ch)
		for {
			buf := make([]byte, ctcp.MaxSegDataSize)
			n, err := r.Read(buf)
			if n > 0 {
				ch <- stdinChunk{data: buf[:n]}
				signal(ready)
			}
			if err != nil {
				if err == io.EOF {
					ch <- stdinChunk{eof: true}
				} else {
					ch <- stdinChunk{err: err}
				}
				signal(ready)
				return
			}
		}
	}()

	return &StdinSource{ch: ch, log: log}, ready
}

// ReadSource implements ctcp.Source.
func (s *StdinSource) ReadSource(buf []byte) (int, bool, error) {
	select {
	case chunk, ok := <-s.ch:
		if !ok {
			return 0, true, nil
		}
		if chunk.err != nil {
			return 0, false, chunk.err
		}
		if chunk.eof {
			return 0, true, nil
		}
		return copy(buf, chunk.data), false, nil
	default:
		return 0, false, nil
	}
}

// StdoutSink adapts os.Stdout (or any io.Writer) to ctcp.Sink. A process's
// real stdout has no meaningful half-close and effectively unlimited free
// space, so SinkFreeSpace reports a large constant and SinkEOF only logs,
// matching how the core treats the sink as an external collaborator it
// only ever writes to or queries for space.
type StdoutSink struct {
	w   io.Writer
	log *slog.Logger
}

// NewStdoutSink wraps w as a ctcp.Sink.
func NewStdoutSink(w io.Writer, log *slog.Logger) *StdoutSink {
	if log == nil {
		log = slog.Default()
	}
	return &StdoutSink{w: w, log: log}
}

// WriteSink implements ctcp.Sink.
func (s *StdoutSink) WriteSink(p []byte) (int, error) { return s.w.Write(p) }

// SinkFreeSpace implements ctcp.Sink.
func (s *StdoutSink) SinkFreeSpace() int { return 1 << 20 }

// SinkEOF implements ctcp.Sink.
func (s *StdoutSink) SinkEOF() { s.log.Info("ctcp: peer closed, no more bytes will arrive") }

func signal(ready chan<- struct{}) {
	select {
	case ready <- struct{}{}:
	default:
	}
}
