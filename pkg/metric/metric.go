// Package metric turns sensor readings into the named values written to the
// time-series database.
package metric

import (
	"fmt"
	"time"

	"github.com/ericogr/bme680-to-influx/pkg/sensor"
)

// Metric names as stored in the database. "gasresistence" is the historical
// spelling and existing dashboards query it.
const (
	Temperature   = "temperature"
	Pressure      = "pressure"
	Humidity      = "humidity"
	GasResistance = "gasresistence"
)

// Names lists the metrics in dispatch order.
var Names = [4]string{Temperature, Pressure, Humidity, GasResistance}

const (
	TagID   = "id"
	TagName = "name"
	TagType = "type"
)

// NamedMetric is one value of a reading plus its descriptive tags.
type NamedMetric struct {
	Name  string
	Value float64
	Tags  map[string]string
	Time  time.Time
}

// DispatchPolicy decides which readiness states are worth sending.
type DispatchPolicy int

const (
	// DispatchFresh sends only readings from a completed measurement.
	DispatchFresh DispatchPolicy = iota
	// DispatchStale sends readings whose readiness is not fresh.
	DispatchStale
	// DispatchAlways sends every reading.
	DispatchAlways
)

func ParsePolicy(s string) (DispatchPolicy, error) {
	switch s {
	case "fresh":
		return DispatchFresh, nil
	case "stale":
		return DispatchStale, nil
	case "always":
		return DispatchAlways, nil
	}
	return 0, fmt.Errorf("unknown dispatch policy %q", s)
}

func (p DispatchPolicy) String() string {
	switch p {
	case DispatchFresh:
		return "fresh"
	case DispatchStale:
		return "stale"
	case DispatchAlways:
		return "always"
	}
	return "unknown"
}

// Allows reports whether a reading in state r should be dispatched.
func (p DispatchPolicy) Allows(r sensor.Readiness) bool {
	switch p {
	case DispatchFresh:
		return r == sensor.Fresh
	case DispatchStale:
		return r != sensor.Fresh
	case DispatchAlways:
		return true
	}
	return false
}

// Extractor maps readings to metrics for one device.
type Extractor struct {
	DeviceID string
	Model    string
	Policy   DispatchPolicy
}

// Extract returns the four metrics of r, or false when the policy skips
// readings in state.
func (e Extractor) Extract(r sensor.Reading, state sensor.Readiness) ([4]NamedMetric, bool) {
	var out [4]NamedMetric
	if !e.Policy.Allows(state) {
		return out, false
	}
	values := [4]float64{r.Temperature, r.Pressure, r.Humidity, r.GasResistance}
	for i, name := range Names {
		out[i] = NamedMetric{
			Name:  name,
			Value: values[i],
			Tags: map[string]string{
				TagID:   e.DeviceID,
				TagName: e.Model,
				TagType: name,
			},
			Time: r.Timestamp,
		}
	}
	return out, true
}
