package sensor

import (
	"fmt"
	"time"

	"github.com/ericogr/bme680-to-influx/pkg/config"
)

// Oversampling is the number of samples averaged per channel. Zero skips the
// channel.
type Oversampling int

var oversamplingCodes = map[Oversampling]byte{0: 0, 1: 1, 2: 2, 4: 3, 8: 4, 16: 5}

func (o Oversampling) code() (byte, error) {
	c, ok := oversamplingCodes[o]
	if !ok {
		return 0, fmt.Errorf("invalid oversampling %dx", int(o))
	}
	return c, nil
}

// cycles is the number of conversion cycles the channel costs.
func (o Oversampling) cycles() int {
	return int(o)
}

// FilterSize is the IIR filter coefficient.
type FilterSize int

var filterCodes = map[FilterSize]byte{0: 0, 1: 1, 3: 2, 7: 3, 15: 4, 31: 5, 63: 6, 127: 7}

func (f FilterSize) code() (byte, error) {
	c, ok := filterCodes[f]
	if !ok {
		return 0, fmt.Errorf("invalid filter size %d", int(f))
	}
	return c, nil
}

// Heater target range accepted by the sensor.
const (
	MinHeaterTemp = 200
	MaxHeaterTemp = 400
)

// GasSettings is the gas heater profile.
type GasSettings struct {
	Enabled     bool
	HeaterTemp  int // target °C
	Duration    time.Duration
	AmbientTemp int // °C, used for the heater resistance estimate
}

// Settings is applied once, before the sensor is armed.
type Settings struct {
	Temperature Oversampling
	Pressure    Oversampling
	Humidity    Oversampling
	Filter      FilterSize
	Gas         GasSettings
}

// DefaultSettings mirrors the profile the device has historically run with.
func DefaultSettings() Settings {
	return Settings{
		Temperature: 8,
		Pressure:    4,
		Humidity:    2,
		Filter:      3,
		Gas: GasSettings{
			Enabled:     true,
			HeaterTemp:  320,
			Duration:    1500 * time.Millisecond,
			AmbientTemp: 25,
		},
	}
}

// SettingsFromConfig builds and validates Settings from the sensor section.
func SettingsFromConfig(cfg config.SensorConfig) (Settings, error) {
	s := Settings{
		Temperature: Oversampling(cfg.Oversampling.Temperature),
		Pressure:    Oversampling(cfg.Oversampling.Pressure),
		Humidity:    Oversampling(cfg.Oversampling.Humidity),
		Filter:      FilterSize(cfg.Filter),
		Gas: GasSettings{
			Enabled:     cfg.Gas.Enabled,
			HeaterTemp:  cfg.Gas.HeaterTemp,
			Duration:    cfg.Gas.HeaterDuration,
			AmbientTemp: cfg.Gas.AmbientTemp,
		},
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (s Settings) Validate() error {
	for name, o := range map[string]Oversampling{"temperature": s.Temperature, "pressure": s.Pressure, "humidity": s.Humidity} {
		if _, err := o.code(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if _, err := s.Filter.code(); err != nil {
		return err
	}
	if s.Gas.Enabled {
		if s.Gas.HeaterTemp < MinHeaterTemp || s.Gas.HeaterTemp > MaxHeaterTemp {
			return fmt.Errorf("gas heater temperature %d°C outside %d..%d", s.Gas.HeaterTemp, MinHeaterTemp, MaxHeaterTemp)
		}
		if s.Gas.Duration <= 0 {
			return fmt.Errorf("gas heater duration must be > 0")
		}
	}
	return nil
}

// ProfileDuration is how long one forced measurement takes with these
// settings, heater time included.
func (s Settings) ProfileDuration() time.Duration {
	cycles := s.Temperature.cycles() + s.Pressure.cycles() + s.Humidity.cycles()
	us := cycles * 1963
	us += 477 * 4 // TPH switching
	us += 477 * 5 // gas measurement
	ms := (us+500)/1000 + 1
	d := time.Duration(ms) * time.Millisecond
	if s.Gas.Enabled {
		d += s.Gas.Duration
	}
	return d
}
