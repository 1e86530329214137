package sensor

import (
	"context"
	"errors"
	"time"
)

// Reading is one compensated BME680 measurement.
type Reading struct {
	Temperature   float64   `json:"temperature"`    // °C
	Pressure      float64   `json:"pressure"`       // hPa
	Humidity      float64   `json:"humidity"`       // %RH
	GasResistance float64   `json:"gas_resistance"` // Ω
	Timestamp     time.Time `json:"timestamp"`
}

// Readiness tells whether a Reading comes from a freshly completed
// measurement.
type Readiness int

const (
	Stale Readiness = iota
	Fresh
)

func (r Readiness) String() string {
	if r == Fresh {
		return "fresh"
	}
	return "stale"
}

// PowerMode is the sensor operating mode.
type PowerMode byte

const (
	SleepMode  PowerMode = 0x00
	ForcedMode PowerMode = 0x01
)

func (m PowerMode) String() string {
	switch m {
	case SleepMode:
		return "sleep"
	case ForcedMode:
		return "forced"
	}
	return "unknown"
}

var (
	// ErrNotArmed is returned by Measure before SetPowerMode(ForcedMode).
	ErrNotArmed = errors.New("sensor not armed for forced mode")
	// ErrChipID is returned when the device at the address is not a BME680.
	ErrChipID = errors.New("unexpected chip id")
)

// Session is an open sensor. ApplySettings and SetPowerMode are called once
// before the first Measure.
type Session interface {
	ApplySettings(Settings) error
	SetPowerMode(PowerMode) error
	// Measure triggers one measurement and reads it back.
	Measure(ctx context.Context) (Reading, Readiness, error)
	Close() error
}
