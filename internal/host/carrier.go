// Package host wires the protocol core in internal/ctcp to a real UDP
// socket, stdin/stdout, and a wall-clock ticker — the external
// collaborators the core deliberately knows nothing about.
package host

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"syscall"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

// Carrier is a UDP-backed ctcp.Carrier: one socket, one fixed peer address,
// one connection per process.
type Carrier struct {
	conn   *net.UDPConn
	peer   *net.UDPAddr
	log    *slog.Logger
	closed bool
}

// CarrierConfig controls the socket this Carrier opens.
type CarrierConfig struct {
	LocalPort  int
	RemoteAddr string // host:port
	SendBuf    int    // SO_SNDBUF hint, bytes; 0 leaves the OS default
	RecvBuf    int    // SO_RCVBUF hint, bytes; 0 leaves the OS default
	TOS        int    // DSCP/TOS byte for outgoing datagrams; 0 leaves it unset
}

// NewCarrier opens a UDP socket on LocalPort, sized per SendBuf/RecvBuf via
// SO_SNDBUF/SO_RCVBUF, and resolves RemoteAddr as the single peer every
// datagram is sent to.
func NewCarrier(cfg CarrierConfig, log *slog.Logger) (*Carrier, error) {
	if log == nil {
		log = slog.Default()
	}

	peer, err := net.ResolveUDPAddr("udp", cfg.RemoteAddr)
	if err != nil {
		return nil, fmt.Errorf("host: resolve remote %s: %w", cfg.RemoteAddr, err)
	}

	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var controlErr error
			err := c.Control(func(fd uintptr) {
				if cfg.SendBuf > 0 {
					if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, cfg.SendBuf); err != nil {
						controlErr = fmt.Errorf("set SO_SNDBUF: %w", err)
					}
				}
				if cfg.RecvBuf > 0 {
					if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, cfg.RecvBuf); err != nil {
						controlErr = fmt.Errorf("set SO_RCVBUF: %w", err)
					}
				}
			})
			if err != nil {
				return err
			}
			return controlErr
		},
	}

	pc, err := lc.ListenPacket(context.Background(), "udp", fmt.Sprintf(":%d", cfg.LocalPort))
	if err != nil {
		return nil, fmt.Errorf("host: listen udp :%d: %w", cfg.LocalPort, err)
	}
	conn := pc.(*net.UDPConn)

	if cfg.TOS != 0 {
		p4 := ipv4.NewPacketConn(conn)
		if err := p4.SetTOS(cfg.TOS); err != nil {
			log.Warn("host: failed to set TOS on carrier socket", "error", err)
		}
	}

	log.Info("ctcp: carrier socket opened", "local", conn.LocalAddr(), "remote", peer)
	return &Carrier{conn: conn, peer: peer, log: log}, nil
}

// SendDatagram implements ctcp.Carrier.
func (c *Carrier) SendDatagram(p []byte) (int, error) {
	return c.conn.WriteToUDP(p, c.peer)
}

// CloseCarrier implements ctcp.Carrier.
func (c *Carrier) CloseCarrier() {
	if c.closed {
		return
	}
	c.closed = true
	if err := c.conn.Close(); err != nil {
		c.log.Warn("ctcp: error closing carrier socket", "error", err)
	}
}

// ReadFrom blocks for the next datagram, discarding any not sent by the
// configured peer. Intended to run on its own background goroutine, per
// the driver's single-threaded engine contract.
func (c *Carrier) ReadFrom(buf []byte) (int, error) {
	for {
		n, addr, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			return 0, err
		}
		if !addr.IP.Equal(c.peer.IP) || addr.Port != c.peer.Port {
			c.log.Debug("ctcp: dropping datagram from unexpected sender", "from", addr)
			continue
		}
		return n, nil
	}
}

// Conn exposes the underlying socket for fd introspection (internal/metrics).
func (c *Carrier) Conn() net.Conn { return c.conn }
