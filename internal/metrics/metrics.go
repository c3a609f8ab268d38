package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
)

const (
	//prometheus default namespace
	namespace = "respwire"

	//prometheus label keys
	command = "command"
	outcome = "outcome"
)

// Outcomes recorded against each command.
const (
	OutcomeOK          = "ok"
	OutcomeServerError = "server_error"
	OutcomeProtocol    = "protocol_error"
	OutcomeTimeout     = "timeout"
	OutcomeClosed      = "closed"
	OutcomeCanceled    = "canceled"
	OutcomeError       = "error"
)

var (
	//Label value slices when creating prometheus objects
	commandLabel = []string{command}
	multiLabel   = []string{command, outcome}
)

// Metrics holds the collectors for both sides of a connection. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	//client
	CommandDurationHistogramVec *prometheus.HistogramVec
	ReplyBytesHistogram         prometheus.Histogram

	//server
	ConnectionsGauge        prometheus.Gauge
	ServerCommandCounterVec *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. When reg is nil the
// collectors are created but not registered.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		CommandDurationHistogramVec: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "client",
				Name:      "command_duration_seconds",
				Help:      "Time from writing a command to framing its reply",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
			}, multiLabel),
		ReplyBytesHistogram: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "client",
				Name:      "reply_bytes",
				Help:      "Size of framed replies",
				Buckets:   prometheus.ExponentialBuckets(8, 4, 12),
			}),
		ConnectionsGauge: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "server",
				Name:      "connections",
				Help:      "Number of open client connections",
			}),
		ServerCommandCounterVec: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "server",
				Name:      "commands_total",
				Help:      "Commands handled by the server",
			}, commandLabel),
	}

	if reg == nil {
		return m, nil
	}

	var err error
	for _, c := range []prometheus.Collector{
		m.CommandDurationHistogramVec,
		m.ReplyBytesHistogram,
		m.ConnectionsGauge,
		m.ServerCommandCounterVec,
	} {
		err = multierr.Append(err, reg.Register(c))
	}

	if err != nil {
		return nil, err
	}

	return m, nil
}

// ObserveCommand records one client exchange.
func (m *Metrics) ObserveCommand(cmd, result string, d time.Duration, replyBytes int) {
	if m == nil {
		return
	}

	m.CommandDurationHistogramVec.WithLabelValues(cmd, result).Observe(d.Seconds())
	if result == OutcomeOK || result == OutcomeServerError {
		m.ReplyBytesHistogram.Observe(float64(replyBytes))
	}
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ConnectionsGauge.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ConnectionsGauge.Dec()
}

func (m *Metrics) ServerCommand(cmd string) {
	if m == nil {
		return
	}
	m.ServerCommandCounterVec.WithLabelValues(cmd).Inc()
}
