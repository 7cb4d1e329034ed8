// Package observability exposes the prometheus metrics of an instance.
// Every method is safe on a nil *Metrics so components can run without metrics.
package observability

import (
	"chat-relay/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "chat"
	subsystem = "relay"
)

type Metrics struct {
	sessions              prometheus.Gauge
	malformedFrames       prometheus.Counter
	abuseDisconnects      prometheus.Counter
	slowConsumers         prometheus.Counter
	messagesAccepted      prometheus.Counter
	messagesDeduplicated  prometheus.Counter
	persistenceFailures   prometheus.Counter
	messagesCensored      prometheus.Counter
	statusTransitions     *prometheus.CounterVec
	brokerConnected       prometheus.Gauge
	brokerPublishFailures prometheus.Counter
	workerRestarts        *prometheus.CounterVec
	processRSS            prometheus.Gauge
	processCPU            prometheus.Gauge
	runtimeGauges         *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return factory.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help})
	}
	return &Metrics{
		sessions:             gauge("sessions", "Connected sessions"),
		malformedFrames:      counter("malformed_frames_total", "Inbound frames rejected as malformed"),
		abuseDisconnects:     counter("abuse_disconnects_total", "Sessions closed for too many malformed frames"),
		slowConsumers:        counter("slow_consumers_total", "Sessions closed because their outbound buffer was full"),
		messagesAccepted:     counter("messages_accepted_total", "Messages persisted and fanned out"),
		messagesDeduplicated: counter("messages_deduplicated_total", "Sends resolved to an existing message by idempotency key"),
		persistenceFailures:  counter("persistence_failures_total", "Sends that failed to persist"),
		messagesCensored:     counter("messages_censored_total", "Messages whose body was censored"),
		statusTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "status_transitions_total",
			Help:      "Aggregate delivery status transitions",
		}, []string{"status"}),
		brokerConnected:       gauge("broker_connected", "1 when the broker subscription is active"),
		brokerPublishFailures: counter("broker_publish_failures_total", "Events that could not be published to the broker"),
		workerRestarts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "worker_restarts_total",
			Help:      "Background workers restarted after a failure",
		}, []string{"worker"}),
		processRSS: gauge("process_rss_bytes", "Resident memory of the process"),
		processCPU: gauge("process_cpu_percent", "CPU usage of the process"),
		runtimeGauges: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "runtime_size",
			Help:      "Sampled sizes of in-memory structures",
		}, []string{"name"}),
	}
}

func (m *Metrics) SessionOpened() {
	if m != nil {
		m.sessions.Inc()
	}
}

func (m *Metrics) SessionClosed() {
	if m != nil {
		m.sessions.Dec()
	}
}

func (m *Metrics) MalformedFrame() {
	if m != nil {
		m.malformedFrames.Inc()
	}
}

func (m *Metrics) AbuseDisconnect() {
	if m != nil {
		m.abuseDisconnects.Inc()
	}
}

func (m *Metrics) SlowConsumer() {
	if m != nil {
		m.slowConsumers.Inc()
	}
}

func (m *Metrics) MessageAccepted() {
	if m != nil {
		m.messagesAccepted.Inc()
	}
}

func (m *Metrics) MessageDeduplicated() {
	if m != nil {
		m.messagesDeduplicated.Inc()
	}
}

func (m *Metrics) PersistenceFailure() {
	if m != nil {
		m.persistenceFailures.Inc()
	}
}

func (m *Metrics) MessageCensored() {
	if m != nil {
		m.messagesCensored.Inc()
	}
}

func (m *Metrics) StatusTransition(status domain.DeliveryStatus) {
	if m != nil {
		m.statusTransitions.WithLabelValues(status.String()).Inc()
	}
}

func (m *Metrics) BrokerState(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.brokerConnected.Set(1)
		return
	}
	m.brokerConnected.Set(0)
}

func (m *Metrics) BrokerPublishFailure() {
	if m != nil {
		m.brokerPublishFailures.Inc()
	}
}

func (m *Metrics) WorkerRestarted(name string, _ error) {
	if m != nil {
		m.workerRestarts.WithLabelValues(name).Inc()
	}
}

func (m *Metrics) ProcessStats(rss uint64, cpu float64) {
	if m != nil {
		m.processRSS.Set(float64(rss))
		m.processCPU.Set(cpu)
	}
}

func (m *Metrics) RuntimeGauge(name string, value float64) {
	if m != nil {
		m.runtimeGauges.WithLabelValues(name).Set(value)
	}
}
