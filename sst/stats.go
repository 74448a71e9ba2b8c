/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package sst

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// ConnStats are the plain-atomic counters every Connection maintains
// (§4.6/4.7 FULL). They're cheap to update on the strand goroutine and
// are mirrored into Prometheus via ConnCollector when a caller wants
// process-wide visibility instead of per-connection polling.
type ConnStats struct {
	BytesSent      atomic.Int64
	BytesRecv      atomic.Int64
	SegmentsSent   atomic.Int64
	SegmentsRecv   atomic.Int64
	SegmentsDropped atomic.Int64
	AcksRecv       atomic.Int64
	Retransmits    atomic.Int64
	CWnd           atomic.Int64
	RTOMicros      atomic.Int64
}

// promLabels identifies a Connection for Prometheus export.
type promLabels struct {
	local, remote string
}

// ConnCollector implements prometheus.Collector over a dynamic set of
// live Connections, mirroring the teacher's stats-tracker registration
// pattern (cos.StatsUpdater) without requiring each Connection to own a
// registered metric (which would leak on teardown).
type ConnCollector struct {
	bytesSent       *prometheus.Desc
	bytesRecv       *prometheus.Desc
	segmentsSent    *prometheus.Desc
	segmentsRecv    *prometheus.Desc
	segmentsDropped *prometheus.Desc
	retransmits     *prometheus.Desc
	cwnd            *prometheus.Desc
	rto             *prometheus.Desc

	list func() map[promLabels]*ConnStats
}

func NewConnCollector(list func() map[promLabels]*ConnStats) *ConnCollector {
	labels := []string{"local_endpoint", "remote_endpoint"}
	mk := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("sst_conn_"+name, help, labels, nil)
	}
	return &ConnCollector{
		bytesSent:       mk("bytes_sent_total", "bytes sent on this connection"),
		bytesRecv:       mk("bytes_recv_total", "bytes received on this connection"),
		segmentsSent:    mk("segments_sent_total", "channel segments sent"),
		segmentsRecv:    mk("segments_recv_total", "channel segments received"),
		segmentsDropped: mk("segments_dropped_total", "channel segments dropped (flow control or malformed)"),
		retransmits:     mk("retransmits_total", "stream/channel retransmissions"),
		cwnd:            mk("cwnd", "current congestion window, in packets"),
		rto:             mk("rto_micros", "current retransmission timeout estimate, in microseconds"),
		list:            list,
	}
}

func (c *ConnCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.bytesSent
	ch <- c.bytesRecv
	ch <- c.segmentsSent
	ch <- c.segmentsRecv
	ch <- c.segmentsDropped
	ch <- c.retransmits
	ch <- c.cwnd
	ch <- c.rto
}

func (c *ConnCollector) Collect(ch chan<- prometheus.Metric) {
	for lbl, s := range c.list() {
		lvs := []string{lbl.local, lbl.remote}
		ch <- prometheus.MustNewConstMetric(c.bytesSent, prometheus.CounterValue, float64(s.BytesSent.Load()), lvs...)
		ch <- prometheus.MustNewConstMetric(c.bytesRecv, prometheus.CounterValue, float64(s.BytesRecv.Load()), lvs...)
		ch <- prometheus.MustNewConstMetric(c.segmentsSent, prometheus.CounterValue, float64(s.SegmentsSent.Load()), lvs...)
		ch <- prometheus.MustNewConstMetric(c.segmentsRecv, prometheus.CounterValue, float64(s.SegmentsRecv.Load()), lvs...)
		ch <- prometheus.MustNewConstMetric(c.segmentsDropped, prometheus.CounterValue, float64(s.SegmentsDropped.Load()), lvs...)
		ch <- prometheus.MustNewConstMetric(c.retransmits, prometheus.CounterValue, float64(s.Retransmits.Load()), lvs...)
		ch <- prometheus.MustNewConstMetric(c.cwnd, prometheus.GaugeValue, float64(s.CWnd.Load()), lvs...)
		ch <- prometheus.MustNewConstMetric(c.rto, prometheus.GaugeValue, float64(s.RTOMicros.Load()), lvs...)
	}
}
