package transport

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this package.
	MetricsSubsystem = "transport"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Commands executed by transport queues, labeled by method.
	Commands metrics.Counter
	// Commands that returned an error, labeled by method.
	CommandFailures metrics.Counter
	// Connection state transitions, labeled by state.
	ConnectionStates metrics.Counter
	Senders          metrics.Gauge
	Receivers        metrics.Gauge
	DataProducers    metrics.Gauge
}

// PrometheusMetrics returns Metrics build using Prometheus client library.
// Optionally, labels can be provided along with their values ("foo",
// "fooValue").
func PrometheusMetrics(namespace string, labelsAndValues ...string) *Metrics {
	labels := []string{}
	for i := 0; i < len(labelsAndValues); i += 2 {
		labels = append(labels, labelsAndValues[i])
	}
	return &Metrics{
		Commands: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "commands_total",
			Help:      "Number of commands executed by transport queues.",
		}, withLabel(labels, "method")).With(labelsAndValues...),
		CommandFailures: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "command_failures_total",
			Help:      "Number of transport commands that failed.",
		}, withLabel(labels, "method")).With(labelsAndValues...),
		ConnectionStates: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "connection_states_total",
			Help:      "Number of connection state changes, by new state.",
		}, withLabel(labels, "state")).With(labelsAndValues...),
		Senders: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "senders",
			Help:      "Number of registered senders.",
		}, labels).With(labelsAndValues...),
		Receivers: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "receivers",
			Help:      "Number of registered receivers.",
		}, labels).With(labelsAndValues...),
		DataProducers: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "data_producers",
			Help:      "Number of registered data producers.",
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Commands:         discard.NewCounter(),
		CommandFailures:  discard.NewCounter(),
		ConnectionStates: discard.NewCounter(),
		Senders:          discard.NewGauge(),
		Receivers:        discard.NewGauge(),
		DataProducers:    discard.NewGauge(),
	}
}

func withLabel(labels []string, name string) []string {
	return append(append(make([]string, 0, len(labels)+1), labels...), name)
}
