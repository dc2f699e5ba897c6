package observer

import (
	"context"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusRecorder exports sandbox metrics through client_golang.
type PrometheusRecorder struct {
	compiles       *prometheus.CounterVec
	compileSeconds *prometheus.HistogramVec
	runs           *prometheus.CounterVec
	runDuration    *prometheus.HistogramVec
	runMemory      *prometheus.HistogramVec
	verdicts       *prometheus.CounterVec
	verdictLatency *prometheus.HistogramVec
	rejected       *prometheus.CounterVec
	workspaces     prometheus.Gauge
}

// NewPrometheusRecorder registers the sandbox collectors on reg.
func NewPrometheusRecorder(reg prometheus.Registerer, namespace string) *PrometheusRecorder {
	if namespace == "" {
		namespace = "codesandbox"
	}
	f := promauto.With(reg)
	return &PrometheusRecorder{
		compiles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compiles_total",
			Help:      "Compilations by language and outcome.",
		}, []string{"language", "ok"}),
		compileSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "compile_duration_ms",
			Help:      "Compilation wall time in milliseconds.",
			Buckets:   []float64{100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		}, []string{"language"}),
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Test case executions by language and status.",
		}, []string{"language", "status"}),
		runDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_ms",
			Help:      "Test case wall time in milliseconds.",
			Buckets:   []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}, []string{"language"}),
		runMemory: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_memory_kb",
			Help:      "Peak resident memory per test case in KB.",
			Buckets:   []float64{1024, 4096, 16384, 65536, 131072, 262144, 524288},
		}, []string{"language"}),
		verdicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verdicts_total",
			Help:      "Submission verdicts by language and status.",
		}, []string{"language", "status"}),
		verdictLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "submission_duration_ms",
			Help:      "End to end submission time in milliseconds.",
			Buckets:   []float64{100, 500, 1000, 2500, 5000, 10000, 30000, 60000},
		}, []string{"language"}),
		rejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_total",
			Help:      "Requests rejected before execution.",
		}, []string{"reason"}),
		workspaces: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_workspaces",
			Help:      "Workspaces currently on disk.",
		}),
	}
}

func (p *PrometheusRecorder) ObserveCompile(_ context.Context, languageID string, ok bool, durationMs int64) {
	p.compiles.WithLabelValues(languageID, strconv.FormatBool(ok)).Inc()
	p.compileSeconds.WithLabelValues(languageID).Observe(float64(durationMs))
}

func (p *PrometheusRecorder) ObserveRun(_ context.Context, languageID string, status string, timeMs int64, memoryKB int64) {
	p.runs.WithLabelValues(languageID, status).Inc()
	p.runDuration.WithLabelValues(languageID).Observe(float64(timeMs))
	if memoryKB > 0 {
		p.runMemory.WithLabelValues(languageID).Observe(float64(memoryKB))
	}
}

func (p *PrometheusRecorder) ObserveVerdict(_ context.Context, languageID string, status string, durationMs int64) {
	p.verdicts.WithLabelValues(languageID, status).Inc()
	p.verdictLatency.WithLabelValues(languageID).Observe(float64(durationMs))
}

func (p *PrometheusRecorder) ObserveRejected(_ context.Context, reason string) {
	p.rejected.WithLabelValues(reason).Inc()
}

func (p *PrometheusRecorder) WorkspaceOpened() { p.workspaces.Inc() }

func (p *PrometheusRecorder) WorkspaceClosed() { p.workspaces.Dec() }
