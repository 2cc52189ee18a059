package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ChannelConnected is 1 while the command channel holds a live broker session.
	ChannelConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pumpd_channel_connected",
		Help: "Whether the command channel is connected to the broker (0/1)",
	})

	// ChannelDials counts broker connection attempts by outcome.
	ChannelDials = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pumpd_channel_dials_total",
		Help: "Broker connection attempts",
	}, []string{"result"}) // ok, error

	// ChannelPublishes counts outbound publishes by outcome.
	ChannelPublishes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pumpd_channel_publishes_total",
		Help: "Outbound publishes on the command channel",
	}, []string{"result"}) // ok, not_connected, error

	// HandlerFailures counts inbound handlers that returned an error or panicked.
	HandlerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pumpd_channel_handler_failures_total",
		Help: "Inbound message handlers that failed",
	}, []string{"kind"}) // error, panic

	// CommandAcks counts resolved device commands by ack status.
	CommandAcks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pumpd_command_acks_total",
		Help: "Device command acknowledgements by status",
	}, []string{"status"})

	// TriggerFires counts schedule activations by result.
	TriggerFires = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pumpd_trigger_fires_total",
		Help: "Schedule activations by result",
	}, []string{"result"}) // published, skipped, failed

	// LiveTriggers is the number of armed schedule timers.
	LiveTriggers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pumpd_live_triggers",
		Help: "Number of schedules with an armed timer",
	})

	// ProbeLatency tracks health probe round-trip time per dependency.
	ProbeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pumpd_health_probe_seconds",
		Help:    "Health probe latency",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"dependency"})

	// DependencyUp is 1 when the last probe of a dependency succeeded.
	DependencyUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pumpd_dependency_up",
		Help: "Last observed health of a dependency (0/1)",
	}, []string{"dependency"})

	// Recoveries counts recovery actions started by the health monitor.
	Recoveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pumpd_health_recoveries_total",
		Help: "Recovery actions started by the health monitor",
	}, []string{"dependency", "result"}) // ok, error, limited
)

// Bool converts a flag to a gauge value.
func Bool(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
