package output

import "github.com/ericogr/bme680-to-influx/pkg/sensor"

// Output receives every reading the sensor produces, before the dispatch
// policy is applied.
type Output interface {
	Publish(r sensor.Reading, state sensor.Readiness) error
	Close() error
}

// helper constructors are in subpackages
