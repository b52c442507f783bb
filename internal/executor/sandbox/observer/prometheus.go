package observer

import (
	"context"
	"strconv"

	"runbox/internal/executor/sandbox/result"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "runbox"

// PrometheusRecorder exports sandbox metrics to a Prometheus registry.
type PrometheusRecorder struct {
	steps     *prometheus.CounterVec
	wallTime  *prometheus.HistogramVec
	cpuTime   *prometheus.HistogramVec
	memory    *prometheus.HistogramVec
	truncated *prometheus.CounterVec
	rejected  *prometheus.CounterVec
	inFlight  prometheus.Gauge
	states    *prometheus.CounterVec
}

// NewPrometheusRecorder creates the collectors and registers them with reg.
func NewPrometheusRecorder(reg prometheus.Registerer) (*PrometheusRecorder, error) {
	r := &PrometheusRecorder{
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Sandbox steps by language, kind and outcome.",
		}, []string{"language", "kind", "outcome"}),
		wallTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_wall_seconds",
			Help:      "Wall-clock duration of sandbox steps.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 20},
		}, []string{"language", "kind"}),
		cpuTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_cpu_seconds",
			Help:      "CPU time consumed by sandbox steps.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"language", "kind"}),
		memory: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_memory_bytes",
			Help:      "Peak memory of sandbox steps.",
			Buckets:   prometheus.ExponentialBuckets(1<<20, 2, 10),
		}, []string{"language", "kind"}),
		truncated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "output_truncated_total",
			Help:      "Steps whose stdout or stderr hit the output cap.",
		}, []string{"language"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_rejected_total",
			Help:      "Requests rejected because all execution slots were busy.",
		}, []string{"language"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "executions_in_flight",
			Help:      "Requests currently holding an execution slot.",
		}),
		states: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "run_transitions_total",
			Help:      "Run state machine transitions.",
		}, []string{"from", "to"}),
	}
	for _, c := range []prometheus.Collector{r.steps, r.wallTime, r.cpuTime, r.memory, r.truncated, r.rejected, r.inFlight, r.states} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *PrometheusRecorder) ObserveCompile(ctx context.Context, languageID string, ok bool, res result.ExecutionResult) {
	r.observeStep(languageID, "compile", strconv.FormatBool(ok), res)
}

func (r *PrometheusRecorder) ObserveRun(ctx context.Context, languageID string, state string, res result.ExecutionResult) {
	r.observeStep(languageID, "execute", state, res)
}

func (r *PrometheusRecorder) ObserveRejected(ctx context.Context, languageID string) {
	r.rejected.WithLabelValues(languageID).Inc()
}

func (r *PrometheusRecorder) ObserveInFlight(delta int) {
	r.inFlight.Add(float64(delta))
}

// ObserveTransition counts one state change of a run.
func (r *PrometheusRecorder) ObserveTransition(from, to string) {
	r.states.WithLabelValues(from, to).Inc()
}

func (r *PrometheusRecorder) observeStep(languageID, kind, outcome string, res result.ExecutionResult) {
	r.steps.WithLabelValues(languageID, kind, outcome).Inc()
	r.wallTime.WithLabelValues(languageID, kind).Observe(float64(res.WallTimeMs) / 1000)
	r.cpuTime.WithLabelValues(languageID, kind).Observe(float64(res.CPUTimeMs) / 1000)
	r.memory.WithLabelValues(languageID, kind).Observe(float64(res.MemoryKB) * 1024)
	if res.OutputTruncated() {
		r.truncated.WithLabelValues(languageID).Inc()
	}
}
