// Package metrics exposes the controller's Prometheus collectors.
//
// A nil *Collectors is valid and records nothing, so components can take
// one unconditionally and tests can pass nil.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "greenhouse"

// Collectors holds every metric the controller exports.
type Collectors struct {
	registry *prometheus.Registry

	evaluations    *prometheus.CounterVec
	triggers       *prometheus.CounterVec
	skips          *prometheus.CounterVec
	relayWrites    *prometheus.CounterVec
	rateRejections *prometheus.CounterVec
	connections    *prometheus.GaugeVec
	readings       prometheus.Counter
	pruned         *prometheus.CounterVec
}

// New creates the collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Collectors {
	c := &Collectors{
		registry: prometheus.NewRegistry(),

		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "automation",
			Name:      "evaluations_total",
			Help:      "Rule evaluations by rule type and result",
		}, []string{"rule_type", "result"}),

		triggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "automation",
			Name:      "triggers_total",
			Help:      "Rules whose condition matched and whose action was executed",
		}, []string{"rule_type"}),

		skips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "automation",
			Name:      "skips_total",
			Help:      "Rules skipped during a pass, by reason",
		}, []string{"reason"}),

		relayWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "writes_total",
			Help:      "Relay state records appended, by writer",
		}, []string{"origin"}),

		rateRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "rejections_total",
			Help:      "Inbound events rejected by the connection rate guard",
		}, []string{"event"}),

		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "connections",
			Help:      "Open real-time connections by audience",
		}, []string{"audience"}),

		readings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sensor",
			Name:      "readings_total",
			Help:      "Sensor readings persisted",
		}),

		pruned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "pruned_rows_total",
			Help:      "Rows deleted by the retention sweep, by table",
		}, []string{"table"}),
	}

	c.registry.MustRegister(
		c.evaluations,
		c.triggers,
		c.skips,
		c.relayWrites,
		c.rateRejections,
		c.connections,
		c.readings,
		c.pruned,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return c
}

// Registry returns the underlying Prometheus registry.
func (c *Collectors) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collectors) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RuleEvaluated counts one evaluated rule.
func (c *Collectors) RuleEvaluated(ruleType string, matched bool) {
	if c == nil {
		return
	}
	result := "no_match"
	if matched {
		result = "match"
	}
	c.evaluations.WithLabelValues(ruleType, result).Inc()
}

// RuleTriggered counts one executed rule action.
func (c *Collectors) RuleTriggered(ruleType string) {
	if c == nil {
		return
	}
	c.triggers.WithLabelValues(ruleType).Inc()
}

// RuleSkipped counts one rule skipped without evaluation.
func (c *Collectors) RuleSkipped(reason string) {
	if c == nil {
		return
	}
	c.skips.WithLabelValues(reason).Inc()
}

// RelayWrite counts one appended relay state record.
func (c *Collectors) RelayWrite(origin string) {
	if c == nil {
		return
	}
	c.relayWrites.WithLabelValues(origin).Inc()
}

// RateLimited counts one rejected inbound event.
func (c *Collectors) RateLimited(event string) {
	if c == nil {
		return
	}
	c.rateRejections.WithLabelValues(event).Inc()
}

// ConnectionOpened increments the open connection gauge for audience.
func (c *Collectors) ConnectionOpened(audience string) {
	if c == nil {
		return
	}
	c.connections.WithLabelValues(audience).Inc()
}

// ConnectionClosed decrements the open connection gauge for audience.
func (c *Collectors) ConnectionClosed(audience string) {
	if c == nil {
		return
	}
	c.connections.WithLabelValues(audience).Dec()
}

// ReadingIngested counts one persisted sensor reading.
func (c *Collectors) ReadingIngested() {
	if c == nil {
		return
	}
	c.readings.Inc()
}

// RowsPruned counts rows deleted from table by a retention sweep.
func (c *Collectors) RowsPruned(table string, n int64) {
	if c == nil || n <= 0 {
		return
	}
	c.pruned.WithLabelValues(table).Add(float64(n))
}
