package sandbox

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels of wasmbox_executions_total
const (
	OutcomeCompleted          = "completed"
	OutcomeTrapped            = "trapped"
	OutcomeOutOfGas           = "out_of_gas"
	OutcomeCompileError       = "compile_error"
	OutcomeInstantiationError = "instantiation_error"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	ExecutionsTotal  *prometheus.CounterVec
	ExecutionSeconds *prometheus.HistogramVec
	GasUsed          prometheus.Histogram
	CompileSeconds   prometheus.Histogram
	CompileErrors    prometheus.Counter
	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter
	CachedModules    prometheus.Gauge
}

// NewMetrics registers the engine collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ExecutionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wasmbox_executions_total",
				Help: "Total number of executions by outcome",
			},
			[]string{"outcome"},
		),
		ExecutionSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "wasmbox_execution_duration_seconds",
				Help:    "Execution duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
			},
			[]string{"outcome"},
		),
		GasUsed: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "wasmbox_gas_used",
				Help:    "Gas consumed by completed executions",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
		),
		CompileSeconds: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "wasmbox_compile_duration_seconds",
				Help:    "Module compilation duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
			},
		),
		CompileErrors: f.NewCounter(
			prometheus.CounterOpts{
				Name: "wasmbox_compile_errors_total",
				Help: "Total number of rejected modules",
			},
		),
		CacheHits: f.NewCounter(
			prometheus.CounterOpts{
				Name: "wasmbox_module_cache_hits_total",
				Help: "Module cache hits",
			},
		),
		CacheMisses: f.NewCounter(
			prometheus.CounterOpts{
				Name: "wasmbox_module_cache_misses_total",
				Help: "Module cache misses",
			},
		),
		CachedModules: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "wasmbox_cached_modules",
				Help: "Number of modules held by the cache",
			},
		),
	}
}

func (m *Metrics) observeExecution(outcome string, d time.Duration, gasUsed uint64) {
	if m == nil {
		return
	}
	m.ExecutionsTotal.WithLabelValues(outcome).Inc()
	m.ExecutionSeconds.WithLabelValues(outcome).Observe(d.Seconds())
	if outcome == OutcomeCompleted {
		m.GasUsed.Observe(float64(gasUsed))
	}
}

func (m *Metrics) observeCompile(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.CompileSeconds.Observe(d.Seconds())
	if err != nil {
		m.CompileErrors.Inc()
	}
}

func (m *Metrics) cacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHits.Inc()
	} else {
		m.CacheMisses.Inc()
	}
}

func (m *Metrics) setCached(n int) {
	if m == nil {
		return
	}
	m.CachedModules.Set(float64(n))
}
