// Package metrics exports reader and track counters to Prometheus.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zsiec/reel/internal/track"
)

// ReaderStats is a point-in-time view of one open reader.
type ReaderStats struct {
	Reader    string
	Source    string
	BytesRead int64
	Packets   int64 // packets routed to tracks
	Tracks    []track.Stats
}

// Snapshotter supplies the stats of every open reader.
type Snapshotter interface {
	Snapshot() []ReaderStats
}

type descs struct {
	bytesRead, packets *prometheus.Desc

	sent, received, errors, discarded, dropped, switches *prometheus.Desc
	queued, unsupported                                  *prometheus.Desc
}

// Collector reports the counters of a Snapshotter each time it is
// scraped.
type Collector struct {
	src Snapshotter
	d   descs
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector returns a collector over src.
func NewCollector(src Snapshotter) *Collector {
	reader := []string{"reader", "source"}
	tr := []string{"reader", "track", "kind", "decoder"}
	return &Collector{
		src: src,
		d: descs{
			bytesRead:   prometheus.NewDesc("reel_reader_bytes_read_total", "Bytes read from the primary resource.", reader, nil),
			packets:     prometheus.NewDesc("reel_reader_packets_routed_total", "Packets routed to selected tracks.", reader, nil),
			sent:        prometheus.NewDesc("reel_track_packets_sent_total", "Packets sent to the decoder.", tr, nil),
			received:    prometheus.NewDesc("reel_track_frames_received_total", "Frames received from the decoder.", tr, nil),
			errors:      prometheus.NewDesc("reel_track_decode_errors_total", "Decoder send and receive failures.", tr, nil),
			discarded:   prometheus.NewDesc("reel_track_frames_discarded_total", "Frames outside the playback interval.", tr, nil),
			dropped:     prometheus.NewDesc("reel_track_frames_dropped_total", "Frames dropped for not matching the output traits.", tr, nil),
			switches:    prometheus.NewDesc("reel_track_decoder_switches_total", "Decoder failovers.", tr, nil),
			queued:      prometheus.NewDesc("reel_track_queued_packets", "Packets waiting for the decoder.", tr, nil),
			unsupported: prometheus.NewDesc("reel_track_unsupported", "1 when no decoder could handle the track.", tr, nil),
		},
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	d := c.d
	for _, desc := range []*prometheus.Desc{
		d.bytesRead, d.packets, d.sent, d.received, d.errors,
		d.discarded, d.dropped, d.switches, d.queued, d.unsupported,
	} {
		ch <- desc
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	d := c.d
	for _, r := range c.src.Snapshot() {
		ch <- prometheus.MustNewConstMetric(d.bytesRead, prometheus.CounterValue, float64(r.BytesRead), r.Reader, r.Source)
		ch <- prometheus.MustNewConstMetric(d.packets, prometheus.CounterValue, float64(r.Packets), r.Reader, r.Source)
		for _, s := range r.Tracks {
			labels := []string{r.Reader, strconv.Itoa(s.ID), s.Kind.String(), s.Decoder}
			counter := func(desc *prometheus.Desc, v int64) {
				ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v), labels...)
			}
			counter(d.sent, s.Sent)
			counter(d.received, s.Received)
			counter(d.errors, s.Errors)
			counter(d.discarded, s.Discarded)
			counter(d.dropped, s.Dropped)
			counter(d.switches, s.Switches)
			ch <- prometheus.MustNewConstMetric(d.queued, prometheus.GaugeValue, float64(s.Queued), labels...)
			unsupported := 0.0
			if s.Unsupported {
				unsupported = 1
			}
			ch <- prometheus.MustNewConstMetric(d.unsupported, prometheus.GaugeValue, unsupported, labels...)
		}
	}
}

// Handler serves the collector, plus the Go runtime collectors, in the
// Prometheus text format.
func Handler(c *Collector) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(c, collectors.NewGoCollector())
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
