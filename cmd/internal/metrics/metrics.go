// Package metrics exposes the guard's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"shield/cmd/internal/blacklist"
	"shield/cmd/internal/domain"
	"shield/cmd/internal/guard"
)

const namespace = "shield"

// Metrics implements the observer hooks of guard, classifier, store and
// blacklist. Each instance owns its registry so tests do not collide.
type Metrics struct {
	reg *prometheus.Registry

	decisions       *prometheus.CounterVec
	verdicts        *prometheus.CounterVec
	escalations     *prometheus.CounterVec
	blacklistOps    *prometheus.CounterVec
	classifyLatency prometheus.Histogram
	classifyErrors  prometheus.Counter
	evicted         prometheus.Counter
	persistOps      *prometheus.CounterVec
	persistDropped  *prometheus.CounterVec
	streamClients   prometheus.Gauge
	streamDropped   prometheus.Counter
}

// New registers every collector on a fresh registry, plus Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Admission decisions by outcome and reason.",
		}, []string{"decision", "reason"}),
		verdicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_verdicts_total",
			Help:      "Rate limiter verdicts of the deciding identity by key class.",
		}, []string{"key_class", "verdict"}),
		escalations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Automatic blacklist insertions by reason.",
		}, []string{"reason"}),
		blacklistOps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blacklist_changes_total",
			Help:      "Blacklist changes by operation and source.",
		}, []string{"op", "source"}),
		classifyLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "classifier_duration_seconds",
			Help:      "Latency of threat classification including timeouts.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		}),
		classifyErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classifier_failures_total",
			Help:      "Classifier errors and timeouts that failed open.",
		}),
		evicted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "eventlog_evicted_total",
			Help:      "Events evicted from the bounded log.",
		}),
		persistOps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_ops_total",
			Help:      "Write-behind operations by kind and result.",
		}, []string{"op", "result"}),
		persistDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_dropped_total",
			Help:      "Write-behind operations dropped because the queue was full.",
		}, []string{"op"}),
		streamClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_clients",
			Help:      "Connected dashboard stream clients.",
		}),
		streamDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_dropped_total",
			Help:      "Stream messages dropped for slow consumers.",
		}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// TrackBlacklistSize exports the current number of stored entries.
func (m *Metrics) TrackBlacklistSize(bl *blacklist.Manager) {
	promauto.With(m.reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "blacklist_entries",
		Help:      "Blacklist entries currently stored, including unswept expired ones.",
	}, func() float64 { return float64(bl.Len()) })
}

// ObserveDecision implements guard.Observer.
func (m *Metrics) ObserveDecision(o guard.Outcome) {
	reason := string(o.Event.Reason)
	if reason == "" {
		reason = "none"
	}
	m.decisions.WithLabelValues(string(o.Event.Decision), reason).Inc()
	if o.Event.Verdict != "" {
		m.verdicts.WithLabelValues(string(o.Identity.Class), string(o.Event.Verdict)).Inc()
	}
	if o.Escalated {
		m.escalations.WithLabelValues(reason).Inc()
	}
}

// ObserveClassification implements classifier.Observer.
func (m *Metrics) ObserveClassification(_ domain.Reason, d time.Duration, err error) {
	m.classifyLatency.Observe(d.Seconds())
	if err != nil {
		m.classifyErrors.Inc()
	}
}

// OnBlacklistChange is a blacklist.Listener.
func (m *Metrics) OnBlacklistChange(c blacklist.Change) {
	src := string(c.Entry.Source)
	if src == "" {
		src = "none"
	}
	m.blacklistOps.WithLabelValues(string(c.Op), src).Inc()
}

// OnEvict is an eventlog eviction hook.
func (m *Metrics) OnEvict(domain.RequestEvent) { m.evicted.Inc() }

// ObservePersist implements store.PersistObserver.
func (m *Metrics) ObservePersist(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.persistOps.WithLabelValues(op, result).Inc()
}

// ObservePersistDropped implements store.PersistObserver.
func (m *Metrics) ObservePersistDropped(op string) { m.persistDropped.WithLabelValues(op).Inc() }

// StreamClients sets the connected client gauge.
func (m *Metrics) StreamClients(n int) { m.streamClients.Set(float64(n)) }

// StreamDropped counts one dropped stream message.
func (m *Metrics) StreamDropped() { m.streamDropped.Inc() }
