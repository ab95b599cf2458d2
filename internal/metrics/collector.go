// Package metrics exposes the live Connection Registry as Prometheus
// metrics: one gauge set per connection, refreshed on every scrape by
// walking the registry the same way the timer dispatcher does. Collect runs
// on the HTTP server's own goroutine, concurrently with the driver
// goroutine mutating engines, so it only ever reads through Registry.Walk
// and the Engine snapshot getters — both take their own locks rather than
// exposing the underlying fields directly.
package metrics

import (
	"net"

	"github.com/higebu/netfd"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/xid"

	"github.com/cs144net/ctcp/internal/ctcp"
)

// Collector is a prometheus.Collector that reports one snapshot per live
// engine in a Registry, plus the carrier socket's raw file descriptor.
type Collector struct {
	registry    *ctcp.Registry
	carrierConn net.Conn

	seqno       *prometheus.Desc
	ackno       *prometheus.Desc
	sendWinUsed *prometheus.Desc
	recvWinUsed *prometheus.Desc
	sendQueue   *prometheus.Desc
	recvQueue   *prometheus.Desc
	retransmits *prometheus.Desc
	teardown    *prometheus.Desc
	carrierFD   *prometheus.Desc
}

// NewCollector builds a Collector over reg. carrierConn, if non-nil, backs
// the ctcp_carrier_fd gauge; pass nil when fd introspection isn't
// available (e.g. in tests).
func NewCollector(reg *ctcp.Registry, carrierConn net.Conn) *Collector {
	labels := []string{"conn"}
	return &Collector{
		registry:    reg,
		carrierConn: carrierConn,
		seqno:       prometheus.NewDesc("ctcp_seqno", "Lowest unacknowledged send sequence number.", labels, nil),
		ackno:       prometheus.NewDesc("ctcp_ackno", "Next expected receive sequence number.", labels, nil),
		sendWinUsed: prometheus.NewDesc("ctcp_send_window_used_bytes", "Outstanding unacknowledged send bytes.", labels, nil),
		recvWinUsed: prometheus.NewDesc("ctcp_recv_window_used_bytes", "Buffered undelivered receive bytes.", labels, nil),
		sendQueue:   prometheus.NewDesc("ctcp_send_queue_length", "Outstanding send-queue elements.", labels, nil),
		recvQueue:   prometheus.NewDesc("ctcp_recv_queue_length", "Outstanding receive-queue elements.", labels, nil),
		retransmits: prometheus.NewDesc("ctcp_retransmits_total", "Retransmission passes performed.", labels, nil),
		teardown:    prometheus.NewDesc("ctcp_teardown_state", "1 if the connection is in the named teardown phase.", []string{"conn", "state"}, nil),
		carrierFD:   prometheus.NewDesc("ctcp_carrier_fd", "Raw file descriptor backing the carrier socket.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.seqno
	ch <- c.ackno
	ch <- c.sendWinUsed
	ch <- c.recvWinUsed
	ch <- c.sendQueue
	ch <- c.recvQueue
	ch <- c.retransmits
	ch <- c.teardown
	ch <- c.carrierFD
}

// Collect implements prometheus.Collector, walking the registry the same
// way the timer dispatcher's TimerTick does. Every value read here comes
// through a locked getter, safe to call from this goroutine while the
// driver goroutine is concurrently mutating the same engines.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.registry.Walk(func(e *ctcp.Engine) {
		label := connLabel(e.ID)
		ch <- prometheus.MustNewConstMetric(c.seqno, prometheus.GaugeValue, float64(e.SeqNo()), label)
		ch <- prometheus.MustNewConstMetric(c.ackno, prometheus.GaugeValue, float64(e.AckNo()), label)
		ch <- prometheus.MustNewConstMetric(c.sendWinUsed, prometheus.GaugeValue, float64(e.SendWindowUsed()), label)
		ch <- prometheus.MustNewConstMetric(c.recvWinUsed, prometheus.GaugeValue, float64(e.RecvWindowUsed()), label)
		ch <- prometheus.MustNewConstMetric(c.sendQueue, prometheus.GaugeValue, float64(e.SendQueueLen()), label)
		ch <- prometheus.MustNewConstMetric(c.recvQueue, prometheus.GaugeValue, float64(e.RecvQueueLen()), label)
		ch <- prometheus.MustNewConstMetric(c.retransmits, prometheus.CounterValue, float64(e.Retransmits()), label)
		ch <- prometheus.MustNewConstMetric(c.teardown, prometheus.GaugeValue, 1, label, e.TeardownState())
	})

	if c.carrierConn != nil {
		ch <- prometheus.MustNewConstMetric(c.carrierFD, prometheus.GaugeValue, float64(netfd.GetFdFromConn(c.carrierConn)))
	}
}

func connLabel(id xid.ID) string { return id.String() }
