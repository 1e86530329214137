// Package dispatch writes the metrics of one reading concurrently and joins
// on every outcome.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ericogr/bme680-to-influx/pkg/metric"
	"github.com/ericogr/bme680-to-influx/pkg/tsdb"
)

// MeasurementName is the point name every metric is written under.
const MeasurementName = "sensor"

// Outcome is the result of writing one metric. Err is nil on success and a
// *tsdb.WriteError otherwise.
type Outcome struct {
	Metric string
	Err    error
}

// AggregateError reports a dispatch where at least one write failed.
type AggregateError struct {
	// Outcomes are in metric order and include the successful writes.
	Outcomes [4]Outcome
	// First is the earliest failure to complete.
	First error
}

func (e *AggregateError) Error() string {
	failed := e.Failed()
	names := make([]string, len(failed))
	for i, o := range failed {
		names[i] = o.Metric
	}
	return fmt.Sprintf("%d of %d writes failed (%s): %v", len(failed), len(e.Outcomes), strings.Join(names, ","), e.First)
}

func (e *AggregateError) Unwrap() error { return e.First }

// Kind is the classification of the first failure.
func (e *AggregateError) Kind() tsdb.Kind { return tsdb.KindOf(e.First) }

func (e *AggregateError) Failed() []Outcome {
	var out []Outcome
	for _, o := range e.Outcomes {
		if o.Err != nil {
			out = append(out, o)
		}
	}
	return out
}

type Dispatcher struct {
	writer  tsdb.Writer
	timeout time.Duration
}

// New returns a dispatcher writing through w. A positive timeout bounds each
// write individually.
func New(w tsdb.Writer, timeout time.Duration) *Dispatcher {
	return &Dispatcher{writer: w, timeout: timeout}
}

// Dispatch issues one write per metric, all at once, and returns after every
// write has finished. A failing write does not cancel the others.
func (d *Dispatcher) Dispatch(ctx context.Context, metrics [4]metric.NamedMetric) error {
	var (
		g        errgroup.Group
		outcomes [4]Outcome
	)
	for i, m := range metrics {
		g.Go(func() error {
			err := d.write(ctx, m)
			outcomes[i] = Outcome{Metric: m.Name, Err: err}
			return err
		})
	}
	if first := g.Wait(); first != nil {
		return &AggregateError{Outcomes: outcomes, First: first}
	}
	return nil
}

func (d *Dispatcher) write(ctx context.Context, m metric.NamedMetric) error {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	err := d.writer.Write(ctx, Measurement(m))
	if err == nil {
		return nil
	}
	kind := tsdb.KindOf(err)
	if kind == tsdb.KindUnknown && ctx.Err() != nil {
		kind = tsdb.KindTimeout
	}
	var we *tsdb.WriteError
	if errors.As(err, &we) {
		err = we.Err
	}
	return &tsdb.WriteError{Kind: kind, Metric: m.Name, Err: err}
}

// Measurement builds the database point for m: one "value" field plus the
// metric's tags.
func Measurement(m metric.NamedMetric) tsdb.Measurement {
	tags := make(map[string]string, len(m.Tags))
	for k, v := range m.Tags {
		tags[k] = v
	}
	return tsdb.Measurement{
		Name:   MeasurementName,
		Fields: map[string]any{"value": m.Value},
		Tags:   tags,
		Time:   m.Time,
	}
}
