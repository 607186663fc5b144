package events

import "github.com/prometheus/client_golang/prometheus"

var (
	streamClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "copytrade_stream_clients",
		Help: "Current number of connected event stream clients",
	})

	streamDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "copytrade_stream_dropped_total",
		Help: "Events dropped because the broadcast queue was full",
	})

	// StreamRejected counts refused stream upgrades by reason
	StreamRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "copytrade_stream_rejected_total",
		Help: "Total number of rejected event stream connections",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(streamClients, streamDropped, StreamRejected)
}
