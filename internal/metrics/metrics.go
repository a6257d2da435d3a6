// Package metrics exposes the router's counters and gauges via
// github.com/prometheus/client_golang, standing in for the external
// statistics recorder spec.md §1 places out of scope and spec.md §4.7
// step 5 calls into on its 300 ms stats tick. Modeled after moby-moby's
// daemon/metricdriver registration pattern: one Recorder owns a private
// registry. The router bumps the received/sent/dropped counters per
// packet through RecordReceived, RecordSent and RecordDropped; Tick sets
// the gauges once per stats interval.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder holds the router's metric instruments.
type Recorder struct {
	registry *prometheus.Registry

	packetsReceived prometheus.Counter
	packetsSent     prometheus.Counter
	packetsDropped  *prometheus.CounterVec
	linkInBytes     *prometheus.GaugeVec
	linkOutBytes    *prometheus.GaugeVec
	queueDepth      *prometheus.GaugeVec
	activeLinks     prometheus.Gauge
}

// New creates a Recorder with its own registry, so multiple router
// instances in the same process (as in tests) do not collide on the
// default global registry.
func New() *Recorder {
	r := &Recorder{registry: prometheus.NewRegistry()}

	r.packetsReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "forest_router_packets_received_total",
		Help: "Total packets received across all interfaces.",
	})
	r.packetsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "forest_router_packets_sent_total",
		Help: "Total packets sent across all interfaces.",
	})
	r.packetsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "forest_router_packets_dropped_total",
		Help: "Total packets dropped, by reason.",
	}, []string{"reason"})
	r.linkInBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "forest_router_link_in_bytes",
		Help: "Cumulative bytes received per link.",
	}, []string{"link"})
	r.linkOutBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "forest_router_link_out_bytes",
		Help: "Cumulative bytes sent per link.",
	}, []string{"link"})
	r.queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "forest_router_queue_depth_packets",
		Help: "Current packet depth per (link, queue).",
	}, []string{"link", "queue"})
	r.activeLinks = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "forest_router_active_links",
		Help: "Number of links currently in the WDRR active heap.",
	})

	r.registry.MustRegister(
		r.packetsReceived, r.packetsSent, r.packetsDropped,
		r.linkInBytes, r.linkOutBytes, r.queueDepth, r.activeLinks,
	)
	return r
}

// Handler returns an http.Handler serving this Recorder's metrics in
// the Prometheus text exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// RecordReceived increments the total-received counter.
func (r *Recorder) RecordReceived() { r.packetsReceived.Inc() }

// RecordSent increments the total-sent counter.
func (r *Recorder) RecordSent() { r.packetsSent.Inc() }

// RecordDropped increments the dropped-packet counter for reason.
func (r *Recorder) RecordDropped(reason string) {
	r.packetsDropped.WithLabelValues(reason).Inc()
}

// LinkSnapshot is one link's counters and queue depths as of a stats
// tick, reported by the caller (internal/router owns the tables).
type LinkSnapshot struct {
	Link        string
	InBytes     uint64
	OutBytes    uint64
	QueueDepths map[string]int
}

// Tick updates the gauges from a full snapshot of link state, called
// once per spec.md §4.7 step 5's 300 ms stats interval.
func (r *Recorder) Tick(snapshots []LinkSnapshot, activeLinkCount int) {
	for _, s := range snapshots {
		r.linkInBytes.WithLabelValues(s.Link).Set(float64(s.InBytes))
		r.linkOutBytes.WithLabelValues(s.Link).Set(float64(s.OutBytes))
		for q, depth := range s.QueueDepths {
			r.queueDepth.WithLabelValues(s.Link, q).Set(float64(depth))
		}
	}
	r.activeLinks.Set(float64(activeLinkCount))
}
