// Package scheduler runs the sampling loop: measure, print, extract and
// dispatch once per tick.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ericogr/bme680-to-influx/pkg/dispatch"
	"github.com/ericogr/bme680-to-influx/pkg/metric"
	"github.com/ericogr/bme680-to-influx/pkg/observability"
	"github.com/ericogr/bme680-to-influx/pkg/output"
	"github.com/ericogr/bme680-to-influx/pkg/sensor"
	"github.com/ericogr/bme680-to-influx/pkg/tsdb"
)

// Measurer takes one reading. sensor.Session satisfies it.
type Measurer interface {
	Measure(ctx context.Context) (sensor.Reading, sensor.Readiness, error)
}

// Dispatcher sends the four metrics of a reading.
type Dispatcher interface {
	Dispatch(ctx context.Context, metrics [4]metric.NamedMetric) error
}

// Recorder receives loop events. *observability.Recorder satisfies it.
type Recorder interface {
	CycleStarted()
	CycleSkipped()
	SensorError()
	Overrun()
	Write(metric, result string)
	DispatchDuration(d time.Duration)
	LastValue(metric string, v float64)
}

// Ticker is the part of time.Ticker the loop needs.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct{ t *time.Ticker }

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop() { t.t.Stop() }

func NewTimeTicker(d time.Duration) Ticker { return timeTicker{t: time.NewTicker(d)} }

type Options struct {
	Interval time.Duration

	// MeasureTimeout bounds each measurement. Zero means no bound.
	MeasureTimeout time.Duration

	// ExitOnSensorError makes Run return the first measurement error.
	ExitOnSensorError bool

	Extractor metric.Extractor
	Outputs   []output.Output
	Recorder  Recorder
	Logger    *slog.Logger
	NewTicker func(time.Duration) Ticker
}

type Scheduler struct {
	sensor     Measurer
	dispatcher Dispatcher
	opts       Options
	log        *slog.Logger
	rec        Recorder
}

func New(m Measurer, d Dispatcher, opts Options) (*Scheduler, error) {
	if opts.Interval <= 0 {
		return nil, errors.New("scheduler: interval must be > 0")
	}
	if opts.NewTicker == nil {
		opts.NewTicker = NewTimeTicker
	}
	s := &Scheduler{sensor: m, dispatcher: d, opts: opts, log: opts.Logger, rec: opts.Recorder}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.rec == nil {
		s.rec = nopRecorder{}
	}
	return s, nil
}

// Run blocks until ctx is done or, with ExitOnSensorError, a measurement
// fails. The first cycle starts one interval after Run is called. A cycle in
// progress when ctx is cancelled is completed before Run returns nil.
func (s *Scheduler) Run(ctx context.Context) error {
	t := s.opts.NewTicker(s.opts.Interval)
	defer t.Stop()

	onError := "continue"
	if s.opts.ExitOnSensorError {
		onError = "exit"
	}
	s.log.Info("sampling started",
		"interval", s.opts.Interval,
		"dispatch_on", s.opts.Extractor.Policy,
		"on_sensor_error", onError)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("sampling stopped")
			return nil
		case <-t.C():
			start := time.Now()
			if err := s.cycle(ctx); err != nil {
				return err
			}
			if elapsed := time.Since(start); elapsed > s.opts.Interval {
				dropped := int(elapsed / s.opts.Interval)
				s.rec.Overrun()
				s.log.Warn("cycle overran interval",
					"elapsed", elapsed,
					"interval", s.opts.Interval,
					"ticks_dropped", dropped)
			}
		}
	}
}

func (s *Scheduler) cycle(ctx context.Context) error {
	log := s.log.With("cycle", uuid.NewString())
	s.rec.CycleStarted()

	r, state, err := s.measure(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		s.rec.SensorError()
		log.Error("measurement failed", "stage", "measure", "err", err)
		if s.opts.ExitOnSensorError {
			return fmt.Errorf("measure: %w", err)
		}
		return nil
	}

	for _, o := range s.opts.Outputs {
		if err := o.Publish(r, state); err != nil {
			log.Warn("output publish failed", "stage", "output", "err", err)
		}
	}

	metrics, ok := s.opts.Extractor.Extract(r, state)
	if !ok {
		s.rec.CycleSkipped()
		log.Debug("reading not dispatched", "state", state, "dispatch_on", s.opts.Extractor.Policy)
		return nil
	}
	for _, m := range metrics {
		s.rec.LastValue(m.Name, m.Value)
	}

	// writes are bounded by their own timeout and finish even during shutdown
	start := time.Now()
	err = s.dispatcher.Dispatch(context.WithoutCancel(ctx), metrics)
	s.rec.DispatchDuration(time.Since(start))
	s.recordWrites(metrics, err)
	if err != nil {
		s.logDispatchError(log, err)
		return nil
	}
	log.Debug("reading dispatched", "state", state, "duration", time.Since(start))
	return nil
}

func (s *Scheduler) measure(ctx context.Context) (sensor.Reading, sensor.Readiness, error) {
	if s.opts.MeasureTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.MeasureTimeout)
		defer cancel()
	}
	return s.sensor.Measure(ctx)
}

func (s *Scheduler) recordWrites(metrics [4]metric.NamedMetric, err error) {
	if err == nil {
		for _, m := range metrics {
			s.rec.Write(m.Name, observability.ResultOK)
		}
		return
	}
	var agg *dispatch.AggregateError
	if !errors.As(err, &agg) {
		for _, m := range metrics {
			s.rec.Write(m.Name, tsdb.KindOf(err).String())
		}
		return
	}
	for _, o := range agg.Outcomes {
		result := observability.ResultOK
		if o.Err != nil {
			result = tsdb.KindOf(o.Err).String()
		}
		s.rec.Write(o.Metric, result)
	}
}

func (s *Scheduler) logDispatchError(log *slog.Logger, err error) {
	var agg *dispatch.AggregateError
	if !errors.As(err, &agg) {
		log.Error("dispatch failed", "stage", "dispatch", "err", err)
		return
	}
	failed := agg.Failed()
	log.Error("dispatch failed",
		"stage", "dispatch",
		"failed", len(failed),
		"kind", agg.Kind(),
		"err", agg.First)
	for _, o := range failed {
		log.Warn("write failed", "stage", "dispatch", "metric", o.Metric, "kind", tsdb.KindOf(o.Err), "err", o.Err)
	}
}

type nopRecorder struct{}

func (nopRecorder) CycleStarted() {}
func (nopRecorder) CycleSkipped() {}
func (nopRecorder) SensorError() {}
func (nopRecorder) Overrun() {}
func (nopRecorder) Write(string, string) {}
func (nopRecorder) DispatchDuration(time.Duration) {}
func (nopRecorder) LastValue(string, float64) {}

var _ Recorder = (*observability.Recorder)(nil)
