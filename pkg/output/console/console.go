package console

import (
	"fmt"
	"strconv"

	"github.com/ericogr/bme680-to-influx/pkg/output"
	"github.com/ericogr/bme680-to-influx/pkg/sensor"
)

type ConsoleOutput struct{}

func NewConsole() output.Output { return &ConsoleOutput{} }

func (c *ConsoleOutput) Publish(r sensor.Reading, state sensor.Readiness) error {
	fmt.Printf("State %s\n", state)
	fmt.Printf("Temperature %s°C\n", formatValue(r.Temperature))
	fmt.Printf("Pressure %shPa\n", formatValue(r.Pressure))
	fmt.Printf("Humidity %s%%\n", formatValue(r.Humidity))
	fmt.Printf("Gas Resistence %sΩ\n", formatValue(r.GasResistance))
	return nil
}

func (c *ConsoleOutput) Close() error { return nil }

// shortest decimal form, never exponent notation
func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
