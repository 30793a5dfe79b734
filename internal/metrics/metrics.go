// Package metrics exposes the daemon's Prometheus collectors: ingest
// sample/overrange/power gauges and per-channel counters, mirroring
// the status fields already tracked internally but in a form a
// scrape target can consume directly.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every collector this daemon registers.
type Metrics struct {
	IngestSamples    prometheus.Counter
	IngestOverranges prometheus.Counter
	IngestIFPower    prometheus.Gauge

	ChannelCount   prometheus.Gauge
	ChannelPackets *prometheus.GaugeVec
	ChannelBytes   *prometheus.GaugeVec
	ChannelErrors  *prometheus.GaugeVec
}

// New builds and registers the daemon's collectors against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		IngestSamples: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "radiod", Subsystem: "ingest", Name: "samples_total",
			Help: "Cumulative IQ samples received from the front end.",
		}),
		IngestOverranges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "radiod", Subsystem: "ingest", Name: "overranges_total",
			Help: "Cumulative A/D overrange (clip) events.",
		}),
		IngestIFPower: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "radiod", Subsystem: "ingest", Name: "if_power_dbfs",
			Help: "Current EWMA of IF power in dBFS.",
		}),
		ChannelCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "radiod", Subsystem: "channel", Name: "count",
			Help: "Number of live channels in the store.",
		}),
		ChannelPackets: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "radiod", Subsystem: "channel", Name: "output_packets",
			Help: "Output RTP packets sent, by SSRC.",
		}, []string{"ssrc"}),
		ChannelBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "radiod", Subsystem: "channel", Name: "output_bytes",
			Help: "Output bytes sent, by SSRC.",
		}, []string{"ssrc"}),
		ChannelErrors: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "radiod", Subsystem: "channel", Name: "output_errors",
			Help: "Output send errors, by SSRC.",
		}, []string{"ssrc"}),
	}

	reg.MustRegister(
		m.IngestSamples, m.IngestOverranges, m.IngestIFPower,
		m.ChannelCount, m.ChannelPackets, m.ChannelBytes, m.ChannelErrors,
	)
	return m
}

// SampleFrontend updates the ingest gauges/counters from a frontend
// snapshot. Counters only move forward, so callers pass deltas.
func (m *Metrics) SampleFrontend(sampleDelta, overrangeDelta uint64, ifPowerDB float64) {
	m.IngestSamples.Add(float64(sampleDelta))
	m.IngestOverranges.Add(float64(overrangeDelta))
	m.IngestIFPower.Set(ifPowerDB)
}

// SampleChannel republishes one channel's cumulative output counters.
// They're exported as gauges set from the internal counters, which are
// the authoritative values — scrapes between updates just see the last
// published snapshot.
func (m *Metrics) SampleChannel(ssrc string, packets, bytes, errors uint64) {
	m.ChannelPackets.WithLabelValues(ssrc).Set(float64(packets))
	m.ChannelBytes.WithLabelValues(ssrc).Set(float64(bytes))
	m.ChannelErrors.WithLabelValues(ssrc).Set(float64(errors))
}

// RemoveChannel drops an expired channel's per-SSRC series.
func (m *Metrics) RemoveChannel(ssrc string) {
	m.ChannelPackets.DeleteLabelValues(ssrc)
	m.ChannelBytes.DeleteLabelValues(ssrc)
	m.ChannelErrors.DeleteLabelValues(ssrc)
}
