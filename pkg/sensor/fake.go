package sensor

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/ericogr/bme680-to-influx/pkg/config"
)

// FakeSensor simulates a BME680 for running without hardware.
type FakeSensor struct {
	mu       sync.Mutex
	rnd      *rand.Rand
	settings Settings
	mode     PowerMode
}

func NewFakeSensor(cfg config.Config) (Session, error) {
	return &FakeSensor{rnd: rand.New(rand.NewSource(time.Now().UnixNano())), settings: DefaultSettings()}, nil
}

func (f *FakeSensor) ApplySettings(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings = s
	return nil
}

func (f *FakeSensor) SetPowerMode(m PowerMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mode = m
	return nil
}

func (f *FakeSensor) Measure(ctx context.Context) (Reading, Readiness, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mode != ForcedMode {
		return Reading{}, Stale, ErrNotArmed
	}
	if err := ctx.Err(); err != nil {
		return Reading{}, Stale, err
	}
	r := Reading{
		Temperature: 18 + f.rnd.Float64()*8,
		Pressure:    990 + f.rnd.Float64()*40,
		Humidity:    35 + f.rnd.Float64()*30,
		Timestamp:   time.Now(),
	}
	if f.settings.Gas.Enabled {
		r.GasResistance = 5e3 + f.rnd.Float64()*45e3
	}
	return r, Fresh, nil
}

func (f *FakeSensor) Close() error { return nil }
