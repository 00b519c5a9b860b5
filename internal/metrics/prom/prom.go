package prom

import (
	"github.com/hanpama/gqlcache/internal/cache"
	"github.com/prometheus/client_golang/prometheus"
)

// Adapter implements cache.Metrics and exports Prometheus counters/gauges.
// Safe for concurrent use; all Prometheus metric types are goroutine-safe.
type Adapter struct {
	hits       prometheus.Counter
	misses     prometheus.Counter
	writes     prometheus.Counter
	changed    prometheus.Counter
	evicts     *prometheus.CounterVec
	collected  prometheus.Counter
	broadcasts *prometheus.CounterVec
	records    prometheus.Gauge
}

// New constructs a Prometheus metrics adapter.
//   - reg:          registry to register metrics with (nil => prometheus.DefaultRegisterer)
//   - ns, sub:      Prometheus namespace and subsystem
//   - constLabels:  static labels applied to all metrics (may be nil)
func New(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *Adapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        name,
			Help:        help,
			ConstLabels: constLabels,
		})
	}
	a := &Adapter{
		hits:      counter("hits_total", "Complete cache reads"),
		misses:    counter("misses_total", "Incomplete cache reads"),
		writes:    counter("writes_total", "Committed write batches"),
		changed:   counter("changed_records_total", "Records changed by committed writes"),
		collected: counter("gc_collected_total", "Records removed by garbage collection"),
		evicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "evictions_total",
				Help:        "Eviction requests by outcome",
				ConstLabels: constLabels,
			},
			[]string{"outcome"},
		),
		broadcasts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "watch_evaluations_total",
				Help:        "Watch re-evaluations by outcome",
				ConstLabels: constLabels,
			},
			[]string{"outcome"},
		),
		records: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "size_records",
			Help:        "Number of normalized records",
			ConstLabels: constLabels,
		}),
	}
	reg.MustRegister(a.hits, a.misses, a.writes, a.changed, a.evicts, a.collected, a.broadcasts, a.records)
	return a
}

// Hit increments the hit counter.
func (a *Adapter) Hit() { a.hits.Inc() }

// Miss increments the miss counter.
func (a *Adapter) Miss() { a.misses.Inc() }

func (a *Adapter) Write(changed int) {
	a.writes.Inc()
	a.changed.Add(float64(changed))
}

func (a *Adapter) Evict(removed bool) {
	outcome := "noop"
	if removed {
		outcome = "removed"
	}
	a.evicts.WithLabelValues(outcome).Inc()
}

func (a *Adapter) Collect(removed int) { a.collected.Add(float64(removed)) }

// Broadcast splits re-evaluated watchers into delivered and deduplicated.
func (a *Adapter) Broadcast(watchers, delivered int) {
	a.broadcasts.WithLabelValues("delivered").Add(float64(delivered))
	a.broadcasts.WithLabelValues("unchanged").Add(float64(watchers - delivered))
}

// Size updates the record gauge.
func (a *Adapter) Size(records int) { a.records.Set(float64(records)) }

// Compile-time check: ensure Adapter implements cache.Metrics.
var _ cache.Metrics = (*Adapter)(nil)
