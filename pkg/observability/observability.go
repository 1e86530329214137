// Package observability exposes the sampling loop's Prometheus metrics.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ResultOK labels a successful write. Failed writes are labelled with
// their tsdb.Kind.
const ResultOK = "ok"

// Recorder holds the counters and histogram of one process. It registers on
// its own registry so tests and multiple instances do not collide.
type Recorder struct {
	reg *prometheus.Registry

	cycles       prometheus.Counter
	skipped      prometheus.Counter
	sensorErrors prometheus.Counter
	overruns     prometheus.Counter
	writes       *prometheus.CounterVec
	dispatchTime prometheus.Histogram
	lastReading  *prometheus.GaugeVec
}

func NewRecorder() *Recorder {
	r := &Recorder{
		reg: prometheus.NewRegistry(),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bme680_cycles_total",
			Help: "Sampling cycles started.",
		}),
		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bme680_cycles_skipped_total",
			Help: "Cycles whose reading the dispatch policy did not send.",
		}),
		sensorErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bme680_sensor_errors_total",
			Help: "Measurements that failed.",
		}),
		overruns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bme680_cycle_overruns_total",
			Help: "Cycles that took longer than the sampling interval.",
		}),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bme680_writes_total",
			Help: "Database writes by metric and result.",
		}, []string{"metric", "result"}),
		dispatchTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bme680_dispatch_duration_seconds",
			Help:    "Time to complete the four concurrent writes of a cycle.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		lastReading: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bme680_last_value",
			Help: "Last measured value per metric.",
		}, []string{"metric"}),
	}
	r.reg.MustRegister(r.cycles, r.skipped, r.sensorErrors, r.overruns, r.writes, r.dispatchTime, r.lastReading)
	return r
}

func (r *Recorder) CycleStarted() { r.cycles.Inc() }
func (r *Recorder) CycleSkipped() { r.skipped.Inc() }
func (r *Recorder) SensorError() { r.sensorErrors.Inc() }
func (r *Recorder) Overrun() { r.overruns.Inc() }

// Write counts one write of metric. result is ResultOK or a failure kind.
func (r *Recorder) Write(metric, result string) {
	r.writes.WithLabelValues(metric, result).Inc()
}

func (r *Recorder) DispatchDuration(d time.Duration) {
	r.dispatchTime.Observe(d.Seconds())
}

func (r *Recorder) LastValue(metric string, v float64) {
	r.lastReading.WithLabelValues(metric).Set(v)
}

// Handler serves the recorder's registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
