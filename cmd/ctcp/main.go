// ctcp bridges stdin and stdout across a point-to-point connection running
// the cTCP reliable transport protocol over UDP. Run two instances,
// pointed at each other's UDP port, to form one connection — one side's
// stdin becomes the other side's stdout.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/cs144net/ctcp/internal/ctcp"
	"github.com/cs144net/ctcp/internal/host"
	"github.com/cs144net/ctcp/internal/hostconfig"
	"github.com/cs144net/ctcp/internal/metrics"
)

func main() {
	port := flag.Int("port", 0, "local UDP port to listen on")
	remote := flag.String("remote", "", "remote host:port to send to")
	sendWindow := flag.Uint("send-window", 2000, "send window size in bytes")
	recvWindow := flag.Uint("recv-window", 2000, "receive window size in bytes")
	rtTimeout := flag.Duration("rt-timeout", 200*time.Millisecond, "retransmission timeout")
	timer := flag.Duration("timer", 40*time.Millisecond, "timer tick period")
	debug := flag.Bool("debug", false, "log every segment sent and received")
	configPath := flag.String("config", "", "optional YAML file with connection parameters")
	metricsAddr := flag.String("metrics-addr", "", "if set, serve Prometheus metrics on this address")
	sizeHint := flag.Int64("size", -1, "expected input size in bytes, for the progress bar")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: levelFor(*debug),
	}))
	slog.SetDefault(log)

	if err := run(runConfig{
		port:        *port,
		remote:      *remote,
		sendWindow:  uint32(*sendWindow),
		recvWindow:  uint32(*recvWindow),
		rtTimeout:   *rtTimeout,
		timer:       *timer,
		debug:       *debug,
		configPath:  *configPath,
		metricsAddr: *metricsAddr,
		sizeHint:    *sizeHint,
	}, log); err != nil {
		fmt.Fprintf(os.Stderr, "ctcp: %v\n", err)
		os.Exit(1)
	}
}

func levelFor(debug bool) slog.Level {
	if debug {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

type runConfig struct {
	port        int
	remote      string
	sendWindow  uint32
	recvWindow  uint32
	rtTimeout   time.Duration
	timer       time.Duration
	debug       bool
	configPath  string
	metricsAddr string
	sizeHint    int64
}

func run(rc runConfig, log *slog.Logger) error {
	if rc.remote == "" {
		return fmt.Errorf("-remote host:port is required")
	}

	if rc.configPath != "" {
		file, err := hostconfig.Load(rc.configPath, log)
		if err != nil {
			return err
		}
		applyFileOverrides(&rc, file)
	}

	// A timer period longer than the retransmission timeout would make
	// timerOverflow() (a ceiling) come out as a single tick and the
	// connection would retransmit on every tick, so fail fast before opening
	// a socket.
	if rc.rtTimeout < rc.timer {
		return fmt.Errorf("rt-timeout (%s) must be >= timer (%s)", rc.rtTimeout, rc.timer)
	}

	carrier, err := host.NewCarrier(host.CarrierConfig{
		LocalPort:  rc.port,
		RemoteAddr: rc.remote,
		SendBuf:    int(rc.sendWindow),
		RecvBuf:    int(rc.recvWindow),
	}, log)
	if err != nil {
		return fmt.Errorf("open carrier: %w", err)
	}
	defer carrier.CloseCarrier()

	registry := ctcp.NewRegistry()

	var out = os.Stdout
	sink := host.NewStdoutSink(progressWriter(out, rc.sizeHint), log)

	stdin, stdinReady := host.NewStdinSource(os.Stdin, log)

	engine, err := ctcp.New(registry, stdin, sink, carrier, ctcp.Config{
		SendWindow: rc.sendWindow,
		RecvWindow: rc.recvWindow,
		RTTimeout:  rc.rtTimeout,
		Timer:      rc.timer,
	}, log)
	if err != nil {
		return fmt.Errorf("create connection: %w", err)
	}
	engine.SetDebug(rc.debug)

	if rc.metricsAddr != "" {
		if err := serveMetrics(rc.metricsAddr, registry, carrier.Conn(), log); err != nil {
			return fmt.Errorf("start metrics listener: %w", err)
		}
	}

	driver := host.NewDriver(engine, registry, carrier, stdinReady, rc.timer, log)
	return driver.Run()
}

func applyFileOverrides(rc *runConfig, file hostconfig.File) {
	if file.Port != nil && rc.port == 0 {
		rc.port = *file.Port
	}
	if file.Remote != nil && rc.remote == "" {
		rc.remote = *file.Remote
	}
	if file.SendWindow != nil {
		rc.sendWindow = *file.SendWindow
	}
	if file.RecvWindow != nil {
		rc.recvWindow = *file.RecvWindow
	}
	if d, ok := file.RTTimeout(); ok {
		rc.rtTimeout = d
	}
	if d, ok := file.Timer(); ok {
		rc.timer = d
	}
	if file.Debug != nil {
		rc.debug = *file.Debug
	}
	if file.MetricsAddr != nil && rc.metricsAddr == "" {
		rc.metricsAddr = *file.MetricsAddr
	}
}

// progressWriter wraps out with a transfer progress bar when stdout is a
// terminal and a size hint was given; otherwise the returned adapter has no
// bar and writes straight through to out.
func progressWriter(out *os.File, sizeHint int64) *progressWriterAdapter {
	if !term.IsTerminal(int(out.Fd())) || sizeHint <= 0 {
		return &progressWriterAdapter{w: out}
	}
	bar := progressbar.DefaultBytes(sizeHint, "receiving")
	return &progressWriterAdapter{w: out, bar: bar}
}

// progressWriterAdapter writes to the real sink and, if a bar is attached,
// advances it by the same byte count.
type progressWriterAdapter struct {
	w   *os.File
	bar *progressbar.ProgressBar
}

func (p *progressWriterAdapter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	if p.bar != nil && n > 0 {
		_, _ = p.bar.Write(b[:n])
	}
	return n, err
}

func serveMetrics(addr string, reg *ctcp.Registry, carrierConn net.Conn, log *slog.Logger) error {
	collector := metrics.NewCollector(reg, carrierConn)
	prometheus.MustRegister(collector)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	go func() {
		log.Info("ctcp: serving metrics", "addr", addr)
		if err := http.Serve(listener, mux); err != nil {
			log.Warn("ctcp: metrics listener stopped", "error", err)
		}
	}()
	return nil
}
