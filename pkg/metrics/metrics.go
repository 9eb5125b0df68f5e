package metrics

import (
	"net/http"

	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "branchchat"

// Metrics groups the service's collectors on a private registry. All methods
// are safe on a nil receiver, so components can run without metrics.
type Metrics struct {
	Registry          *prometheus.Registry
	Mutations         *prometheus.CounterVec
	Generations       *prometheus.CounterVec
	ActiveGenerations prometheus.Gauge
	PushBatches       prometheus.Counter
	SSEClients        prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_total",
			Help:      "Branch mutation operations by operation and result kind.",
		}, []string{"op", "result"}),
		Generations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generations_total",
			Help:      "Finished generations by terminal status.",
		}, []string{"status"}),
		ActiveGenerations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "generations_active",
			Help:      "Generations requested and not yet terminal.",
		}),
		PushBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_batches_total",
			Help:      "Messages events published to conversation subscribers.",
		}),
		SSEClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sse_clients",
			Help:      "Connected server-sent event streams.",
		}),
	}
	m.Registry.MustRegister(
		m.Mutations,
		m.Generations,
		m.ActiveGenerations,
		m.PushBatches,
		m.SSEClients,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// ObserveMutation counts one mutation; result is "ok" or the error kind.
func (m *Metrics) ObserveMutation(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = conversation.ErrorKind(err)
	}
	m.Mutations.WithLabelValues(op, result).Inc()
}

func (m *Metrics) GenerationStarted() {
	if m == nil {
		return
	}
	m.ActiveGenerations.Inc()
}

func (m *Metrics) GenerationFinished(status conversation.Status) {
	if m == nil {
		return
	}
	m.ActiveGenerations.Dec()
	m.Generations.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) PushBatchPublished() {
	if m == nil {
		return
	}
	m.PushBatches.Inc()
}

func (m *Metrics) SSEClientConnected() {
	if m == nil {
		return
	}
	m.SSEClients.Inc()
}

func (m *Metrics) SSEClientDisconnected() {
	if m == nil {
		return
	}
	m.SSEClients.Dec()
}
