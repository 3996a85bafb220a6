// Package telemetry exposes a run as Prometheus metrics. A Recorder folds
// run events and ring-buffer reader state into gauges and counters on its
// own registry, served by Handler.
package telemetry

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hashlab/digestbench/bench"
)

const namespace = "digestbench"

// Result status label values.
const (
	StatusStable   = "stable"
	StatusUnstable = "unstable"
	StatusError    = "error"
)

// Recorder holds all run metrics.
type Recorder struct {
	registry *prometheus.Registry

	// Per-cell metrics
	OpsPerSec *prometheus.GaugeVec
	MoMMs     *prometheus.GaugeVec
	CoV       *prometheus.GaugeVec
	Results   *prometheus.CounterVec

	// Run metrics
	Remediations     prometheus.Counter
	Runs             prometheus.Counter
	TimerGranularity prometheus.Gauge
	TransportCost    prometheus.Gauge

	// Transport metrics
	SamplesCommitted prometheus.Gauge
	SamplesDropped   prometheus.Gauge
	SamplesLagged    prometheus.Gauge
	SamplesObserved  prometheus.Counter
	LastSampleMs     prometheus.Gauge
}

// NewRecorder creates a Recorder on a fresh registry.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	cell := []string{"algorithm", "size_bytes"}
	return &Recorder{
		registry: reg,

		OpsPerSec: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cell_ops_per_second",
			Help:      "Digest throughput per cell from the median-of-means center",
		}, cell),
		MoMMs: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cell_mom_milliseconds",
			Help:      "Median-of-means per-operation latency per cell",
		}, cell),
		CoV: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cell_coefficient_of_variation",
			Help:      "Coefficient of variation of per-iteration samples per cell",
		}, cell),
		Results: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cell_results_total",
			Help:      "Cell results by status",
		}, []string{"status"}),

		Remediations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remediation_attempts_total",
			Help:      "Re-measurements of unstable cells",
		}),
		Runs: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_completed_total",
			Help:      "Runs that reached the done event",
		}),
		TimerGranularity: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "timer_granularity_milliseconds",
			Help:      "Smallest observed clock increment",
		}),
		TransportCost: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transport_overhead_milliseconds",
			Help:      "Measured cost of one ring-buffer push",
		}),

		SamplesCommitted: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transport_committed_samples",
			Help:      "Committed counter of the sample ring",
		}),
		SamplesDropped: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transport_dropped_samples",
			Help:      "Samples the writer dropped because the ring was full",
		}),
		SamplesLagged: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transport_lagged_samples",
			Help:      "Samples overwritten before the observer read them",
		}),
		SamplesObserved: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_observed_samples_total",
			Help:      "Samples read by the observer",
		}),
		LastSampleMs: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transport_last_sample_milliseconds",
			Help:      "Most recent per-iteration sample read from the ring",
		}),
	}
}

// Observe folds one run event into the metrics.
func (r *Recorder) Observe(e bench.Event) {
	switch ev := e.(type) {
	case bench.ProgressEvent:
		if ev.TimerGranularityMs > 0 {
			r.TimerGranularity.Set(ev.TimerGranularityMs)
		}
	case bench.ResultEvent:
		s := ev.Summary
		if s.Failed() {
			r.Results.WithLabelValues(StatusError).Inc()
			return
		}
		labels := []string{s.Algorithm, strconv.Itoa(s.SizeBytes)}
		r.OpsPerSec.WithLabelValues(labels...).Set(s.OpsPerSec)
		r.MoMMs.WithLabelValues(labels...).Set(s.MoMMs)
		r.CoV.WithLabelValues(labels...).Set(s.CoefficientOfVariation)
		r.Remediations.Add(float64(s.RemediationAttempts))
		if s.IsStable {
			r.Results.WithLabelValues(StatusStable).Inc()
		} else {
			r.Results.WithLabelValues(StatusUnstable).Inc()
		}
	case bench.DoneEvent:
		r.Runs.Inc()
		r.TimerGranularity.Set(ev.Meta.TimerGranularityMs)
		r.TransportCost.Set(ev.Meta.TransportOverheadMs)
		r.SamplesDropped.Set(float64(ev.Meta.SamplesDropped))
	}
}

// TransportState is a point-in-time view of the sample ring as seen by its
// reader.
type TransportState struct {
	Committed uint32
	Dropped   uint32
	Lagged    uint64
}

// ObserveTransport records the ring counters and the samples drained since
// the last call.
func (r *Recorder) ObserveTransport(st TransportState, drained []float64) {
	r.SamplesCommitted.Set(float64(st.Committed))
	r.SamplesDropped.Set(float64(st.Dropped))
	r.SamplesLagged.Set(float64(st.Lagged))
	if n := len(drained); n > 0 {
		r.SamplesObserved.Add(float64(n))
		r.LastSampleMs.Set(drained[n-1])
	}
}

// Registry returns the registry holding the run metrics.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the metrics in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
