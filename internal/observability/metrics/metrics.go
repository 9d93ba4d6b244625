package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"apqueue/internal"
	"apqueue/internal/events"
)

// Metrics is safe to use through a nil pointer; every method is then a no-op.
type Metrics struct {
	registry *prometheus.Registry

	triageTotal     *prometheus.CounterVec
	pushTotal       *prometheus.CounterVec
	pushDuration    *prometheus.HistogramVec
	coalescedTotal  prometheus.Counter
	pullTotal       *prometheus.CounterVec
	scanTotal       *prometheus.CounterVec
	queueItems      *prometheus.GaugeVec
	eventsPublished *prometheus.CounterVec
}

func New(service string) *Metrics {
	registry := prometheus.NewRegistry()
	constLabels := prometheus.Labels{"service": service}

	triageTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   "apqueue",
			Subsystem:   "triage",
			Name:        "total",
			Help:        "Classified emails by confidence tier.",
			ConstLabels: constLabels,
		},
		[]string{"tier"},
	)
	pushTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   "apqueue",
			Subsystem:   "sync",
			Name:        "push_total",
			Help:        "Backend pushes by outcome.",
			ConstLabels: constLabels,
		},
		[]string{"outcome"},
	)
	pushDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   "apqueue",
			Subsystem:   "sync",
			Name:        "push_duration_seconds",
			Help:        "Backend push duration including retries.",
			Buckets:     []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			ConstLabels: constLabels,
		},
		[]string{"outcome"},
	)
	coalescedTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace:   "apqueue",
			Subsystem:   "sync",
			Name:        "coalesced_total",
			Help:        "Push requests dropped because one was already in flight.",
			ConstLabels: constLabels,
		},
	)
	pullTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   "apqueue",
			Subsystem:   "sync",
			Name:        "pull_total",
			Help:        "Backend status pulls by outcome.",
			ConstLabels: constLabels,
		},
		[]string{"outcome"},
	)
	scanTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   "apqueue",
			Subsystem:   "scan",
			Name:        "total",
			Help:        "Inbox scan requests by result.",
			ConstLabels: constLabels,
		},
		[]string{"result"},
	)
	queueItems := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   "apqueue",
			Subsystem:   "queue",
			Name:        "items",
			Help:        "Queue items by status.",
			ConstLabels: constLabels,
		},
		[]string{"status"},
	)
	eventsPublished := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   "apqueue",
			Subsystem:   "bus",
			Name:        "events_total",
			Help:        "Events observed on the bus by type.",
			ConstLabels: constLabels,
		},
		[]string{"type"},
	)

	registry.MustRegister(triageTotal, pushTotal, pushDuration, coalescedTotal, pullTotal, scanTotal, queueItems, eventsPublished)

	return &Metrics{
		registry:        registry,
		triageTotal:     triageTotal,
		pushTotal:       pushTotal,
		pushDuration:    pushDuration,
		coalescedTotal:  coalescedTotal,
		pullTotal:       pullTotal,
		scanTotal:       scanTotal,
		queueItems:      queueItems,
		eventsPublished: eventsPublished,
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveTriage(tier internal.Tier) {
	if m == nil {
		return
	}
	m.triageTotal.WithLabelValues(string(tier)).Inc()
}

func (m *Metrics) ObservePush(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.pushTotal.WithLabelValues(outcome).Inc()
	m.pushDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (m *Metrics) ObserveCoalesced() {
	if m == nil {
		return
	}
	m.coalescedTotal.Inc()
}

func (m *Metrics) ObservePull(err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.pullTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveScan(result string) {
	if m == nil {
		return
	}
	m.scanTotal.WithLabelValues(result).Inc()
}

// Track refreshes the per-status gauge from every store event snapshot.
func (m *Metrics) Track(evt events.Event) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(string(evt.Type)).Inc()

	switch evt.Type {
	case events.ItemAdded, events.ItemUpdated, events.ItemRemoved, events.StatusChanged, events.DataCleared:
	default:
		return
	}
	counts := make(map[internal.Status]int, len(internal.AllStatuses))
	for _, item := range evt.Snapshot {
		counts[item.Status]++
	}
	for _, status := range internal.AllStatuses {
		m.queueItems.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
