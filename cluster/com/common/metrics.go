package common

import (
	"github.com/prometheus/client_golang/prometheus"
)

const DefaultNamespace = "cluster_com"

// Drop reasons.
const (
	DropUnreachable = "unreachable"
	DropMalformed   = "malformed_address"
	DropShutdown    = "shutdown"
	DropNoProcessor = "no_processor"
)

// Metrics exposes the transport counters:
//
//	cluster_com_channels_opened_total{direction}
//	cluster_com_channels_closed_total{direction}
//	cluster_com_connect_attempts_total{result}
//	cluster_com_messages_sent_total
//	cluster_com_messages_received_total
//	cluster_com_messages_dropped_total{reason}
//	cluster_com_write_failures_total
//	cluster_com_processor_results_total{outcome}
//	cluster_com_open_channels{direction}
//	cluster_com_destination_queues
type Metrics struct {
	channelsOpened    *prometheus.CounterVec
	channelsClosed    *prometheus.CounterVec
	connectAttempts   *prometheus.CounterVec
	messagesSent      prometheus.Counter
	messagesReceived  prometheus.Counter
	messagesDropped   *prometheus.CounterVec
	writeFailures     prometheus.Counter
	processorResults  *prometheus.CounterVec
	openChannels      *prometheus.GaugeVec
	destinationQueues prometheus.Gauge
}

// NewMetrics builds the collectors and registers them with registerer.
// A nil registerer leaves them unregistered. An empty namespace means
// DefaultNamespace. Registration conflicts panic.
func NewMetrics(namespace string, registerer prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	counterVec := func(name, help string, label string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, []string{label})
	}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		})
	}

	m := &Metrics{
		channelsOpened:   counterVec("channels_opened_total", "Total number of channels opened", "direction"),
		channelsClosed:   counterVec("channels_closed_total", "Total number of channels closed", "direction"),
		connectAttempts:  counterVec("connect_attempts_total", "Total number of outbound connect attempts by result", "result"),
		messagesSent:     counter("messages_sent_total", "Total number of messages written to a peer"),
		messagesReceived: counter("messages_received_total", "Total number of messages read from peers"),
		messagesDropped:  counterVec("messages_dropped_total", "Total number of messages dropped by reason", "reason"),
		writeFailures:    counter("write_failures_total", "Total number of failed channel writes"),
		processorResults: counterVec("processor_results_total", "Total number of processor invocations by outcome", "outcome"),
		openChannels: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_channels",
			Help:      "Number of currently open channels",
		}, []string{"direction"}),
		destinationQueues: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "destination_queues",
			Help:      "Number of destinations with pending sends",
		}),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.channelsOpened,
			m.channelsClosed,
			m.connectAttempts,
			m.messagesSent,
			m.messagesReceived,
			m.messagesDropped,
			m.writeFailures,
			m.processorResults,
			m.openChannels,
			m.destinationQueues,
		)
	}

	return m
}

func (m *Metrics) ChannelOpened(d Direction) {
	m.channelsOpened.WithLabelValues(d.String()).Inc()
	m.openChannels.WithLabelValues(d.String()).Inc()
}

func (m *Metrics) ChannelClosed(d Direction) {
	m.channelsClosed.WithLabelValues(d.String()).Inc()
	m.openChannels.WithLabelValues(d.String()).Dec()
}

func (m *Metrics) ConnectAttempt(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	m.connectAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) MessageSent()                 { m.messagesSent.Inc() }
func (m *Metrics) MessageReceived()             { m.messagesReceived.Inc() }
func (m *Metrics) MessageDropped(reason string) { m.messagesDropped.WithLabelValues(reason).Inc() }
func (m *Metrics) WriteFailed()                 { m.writeFailures.Inc() }

func (m *Metrics) ProcessorResult(o Outcome) {
	m.processorResults.WithLabelValues(o.String()).Inc()
}

func (m *Metrics) SetDestinationQueues(n int) {
	m.destinationQueues.Set(float64(n))
}
