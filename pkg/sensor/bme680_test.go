package sensor

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/ericogr/bme680-to-influx/pkg/config"
	"periph.io/x/conn/v3"
)

// fakeRegs emulates the BME680 register file behind conn.Conn.
type fakeRegs struct {
	regs    [256]byte
	writes  map[byte][]byte
	onWrite func(f *fakeRegs, reg, val byte)
	err     error
}

func newFakeRegs() *fakeRegs {
	f := &fakeRegs{writes: map[byte][]byte{}}
	f.regs[regChipID] = chipID
	return f
}

func (f *fakeRegs) String() string      { return "fake-bme680" }
func (f *fakeRegs) Duplex() conn.Duplex { return conn.Half }

func (f *fakeRegs) Tx(w, r []byte) error {
	if f.err != nil {
		return f.err
	}
	if len(r) > 0 {
		copy(r, f.regs[w[0]:])
		return nil
	}
	for i := 0; i+1 < len(w); i += 2 {
		f.regs[w[i]] = w[i+1]
		f.writes[w[i]] = append(f.writes[w[i]], w[i+1])
		if f.onWrite != nil {
			f.onWrite(f, w[i], w[i+1])
		}
	}
	return nil
}

// loadCalibration programs coefficients that make the compensation easy to
// check by hand:
//
//	temperature = t2 * adc/16384 / 5120
//	pressure    = (1048576 - adc) * 6250 / p1
//	humidity    = adc * h2 / 262144
func (f *fakeRegs) loadCalibration() {
	c1 := f.regs[regCoeff1 : regCoeff1+coeff1Len]
	c1[1], c1[2] = 0x80, 0x70 // t2 = 28800
	c1[5], c1[6] = 0x24, 0xf4 // p1 = 62500
	c2 := f.regs[regCoeff2 : regCoeff2+coeff2Len]
	c2[0] = 0x40 // h2 = 1024
}

// loadField programs adc values for 22.5°C, 1013.25hPa, 45%RH and 8MΩ.
func (f *fakeRegs) loadField(status byte) {
	b := f.regs[regField0 : regField0+fieldLen]
	b[0] = status
	b[2], b[3], b[4] = 0x08, 0x9f, 0xe0 // pressure 35326
	b[5], b[6], b[7] = 0x10, 0x00, 0x00 // temperature 65536
	b[8], b[9] = 0x2d, 0x00             // humidity 11520
	b[13], b[14] = 0x80, 0x30           // gas 512, range 0
}

func newTestDevice(t *testing.T, f *fakeRegs) *BME680 {
	t.Helper()
	d, err := newBME680(f)
	if err != nil {
		t.Fatalf("newBME680: %v", err)
	}
	d.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	d.now = func() time.Time { return time.Unix(1700000000, 0) }
	return d
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-6*math.Max(1, math.Abs(b)) }

func TestOpenResetsAndChecksChipID(t *testing.T) {
	f := newFakeRegs()
	if _, err := newBME680(f); err != nil {
		t.Fatalf("newBME680: %v", err)
	}
	if got := f.writes[regSoftReset]; len(got) != 1 || got[0] != softResetCmd {
		t.Fatalf("soft reset writes = %v", got)
	}

	f = newFakeRegs()
	f.regs[regChipID] = 0x60
	if _, err := newBME680(f); !errors.Is(err, ErrChipID) {
		t.Fatalf("expected ErrChipID, got %v", err)
	}

	f = newFakeRegs()
	f.err = errors.New("nack")
	if _, err := newBME680(f); err == nil {
		t.Fatalf("expected bus error")
	}
}

func TestParseCalibration(t *testing.T) {
	c := make([]byte, coeff1Len+coeff2Len)
	c[33], c[34] = 0x34, 0x12 // t1
	c[1], c[2] = 0xff, 0xff   // t2 = -1
	c[25], c[26], c[27] = 0xab, 0xcd, 0xef
	c[37] = 0x80 // gh1 = -128
	cal := parseCalibration(c, 0x30, 0xfe, 0xf0)
	if cal.t1 != 0x1234 || cal.t2 != -1 {
		t.Fatalf("t1/t2 = %#x/%d", cal.t1, cal.t2)
	}
	if cal.h1 != 0xefd || cal.h2 != 0xabc {
		t.Fatalf("h1/h2 = %#x/%#x", cal.h1, cal.h2)
	}
	if cal.gh1 != -128 || cal.resHeatRange != 3 || cal.resHeatVal != -2 || cal.rangeSwErr != -1 {
		t.Fatalf("heater calibration = %+v", cal)
	}
}

func TestApplySettingsRegisters(t *testing.T) {
	f := newFakeRegs()
	d := newTestDevice(t, f)
	f.regs[regCtrlMeas] = byte(ForcedMode)
	f.regs[regCtrlGas0] = heatOffMask

	if err := d.ApplySettings(DefaultSettings()); err != nil {
		t.Fatalf("ApplySettings: %v", err)
	}
	checks := []struct {
		name string
		reg  byte
		want byte
	}{
		{"ctrl_hum", regCtrlHum, 0x02},
		{"ctrl_meas", regCtrlMeas, 0x8d}, // osrs_t 8x, osrs_p 4x, forced mode kept
		{"config", regConfig, 0x08},
		{"gas_wait_0", regGasWait0, 0xd7},
		{"res_heat_0", regResHeat0, 206},
		{"ctrl_gas_1", regCtrlGas1, 0x10},
		{"ctrl_gas_0", regCtrlGas0, 0x00},
	}
	for _, c := range checks {
		if got := f.regs[c.reg]; got != c.want {
			t.Fatalf("%s = %#02x; want %#02x", c.name, got, c.want)
		}
	}

	s := DefaultSettings()
	s.Gas.Enabled = false
	if err := d.ApplySettings(s); err != nil {
		t.Fatalf("ApplySettings: %v", err)
	}
	if f.regs[regCtrlGas1]&runGasMask != 0 || f.regs[regCtrlGas0]&heatOffMask == 0 {
		t.Fatalf("gas not disabled: ctrl_gas_1=%#02x ctrl_gas_0=%#02x", f.regs[regCtrlGas1], f.regs[regCtrlGas0])
	}

	s.Pressure = 3
	if err := d.ApplySettings(s); err == nil {
		t.Fatalf("expected invalid oversampling error")
	}
}

func TestMeasureFresh(t *testing.T) {
	f := newFakeRegs()
	f.loadCalibration()
	f.loadField(0)
	triggers := 0
	f.onWrite = func(f *fakeRegs, reg, val byte) {
		if reg == regCtrlMeas && val&modeMask == byte(ForcedMode) {
			triggers++
			f.regs[regField0] |= newDataMask
		}
	}
	d := newTestDevice(t, f)
	if err := d.ApplySettings(DefaultSettings()); err != nil {
		t.Fatalf("ApplySettings: %v", err)
	}
	if err := d.SetPowerMode(ForcedMode); err != nil {
		t.Fatalf("SetPowerMode: %v", err)
	}
	armed := triggers

	r, state, err := d.Measure(context.Background())
	if err != nil {
		t.Fatalf("Measure: %v", err)
	}
	if triggers != armed+1 {
		t.Fatalf("Measure did not trigger a conversion")
	}
	if state != Fresh {
		t.Fatalf("state = %v; want fresh", state)
	}
	if !near(r.Temperature, 22.5) || !near(r.Pressure, 1013.25) || !near(r.Humidity, 45) || !near(r.GasResistance, 8e6) {
		t.Fatalf("reading = %+v", r)
	}
	if !r.Timestamp.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("timestamp = %v", r.Timestamp)
	}
}

func TestMeasureStaleAfterPolling(t *testing.T) {
	f := newFakeRegs()
	f.loadCalibration()
	f.loadField(0)
	d := newTestDevice(t, f)
	polls := 0
	d.sleep = func(ctx context.Context, dur time.Duration) error {
		if dur == pollDelay {
			polls++
		}
		return nil
	}
	if err := d.SetPowerMode(ForcedMode); err != nil {
		t.Fatalf("SetPowerMode: %v", err)
	}
	r, state, err := d.Measure(context.Background())
	if err != nil {
		t.Fatalf("Measure: %v", err)
	}
	if state != Stale {
		t.Fatalf("state = %v; want stale", state)
	}
	if polls != pollAttempts {
		t.Fatalf("polls = %d; want %d", polls, pollAttempts)
	}
	if !near(r.Temperature, 22.5) {
		t.Fatalf("stale reading not returned: %+v", r)
	}
}

func TestMeasureRequiresForcedMode(t *testing.T) {
	d := newTestDevice(t, newFakeRegs())
	if _, _, err := d.Measure(context.Background()); !errors.Is(err, ErrNotArmed) {
		t.Fatalf("expected ErrNotArmed, got %v", err)
	}
}

func TestMeasureHonorsContext(t *testing.T) {
	d := newTestDevice(t, newFakeRegs())
	d.sleep = sleepContext
	if err := d.SetPowerMode(ForcedMode); err != nil {
		t.Fatalf("SetPowerMode: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := d.Measure(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestGasWait(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want byte
	}{
		{20 * time.Millisecond, 20},
		{100 * time.Millisecond, 89},
		{1500 * time.Millisecond, 0xd7},
		{5 * time.Second, 0xff},
	}
	for _, tt := range tests {
		if got := gasWait(tt.in); got != tt.want {
			t.Fatalf("gasWait(%v) = %#02x; want %#02x", tt.in, got, tt.want)
		}
	}
}

func TestProfileDuration(t *testing.T) {
	if got := DefaultSettings().ProfileDuration(); got != 1533*time.Millisecond {
		t.Fatalf("default profile = %v; want 1.533s", got)
	}
	s := DefaultSettings()
	s.Gas.Enabled = false
	if got := s.ProfileDuration(); got != 33*time.Millisecond {
		t.Fatalf("profile without gas = %v; want 33ms", got)
	}
}

func TestSettingsFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	s, err := SettingsFromConfig(cfg.Sensor)
	if err != nil {
		t.Fatalf("SettingsFromConfig: %v", err)
	}
	if s != DefaultSettings() {
		t.Fatalf("settings = %+v; want defaults", s)
	}
	cfg.Sensor.Filter = 5
	if _, err := SettingsFromConfig(cfg.Sensor); err == nil {
		t.Fatalf("expected filter error")
	}
}

func TestSettingsHeaterTempRange(t *testing.T) {
	tests := []struct {
		temp    int
		enabled bool
		ok      bool
	}{
		{200, true, true},
		{400, true, true},
		{199, true, false},
		{401, true, false},
		{0, true, false},
		{0, false, true},
	}
	for _, tt := range tests {
		s := DefaultSettings()
		s.Gas.Enabled = tt.enabled
		s.Gas.HeaterTemp = tt.temp
		if err := s.Validate(); (err == nil) != tt.ok {
			t.Fatalf("Validate heater %d enabled=%v: err=%v, want ok=%v", tt.temp, tt.enabled, err, tt.ok)
		}
	}
}

func TestFakeSensor(t *testing.T) {
	s, err := NewFakeSensor(config.DefaultConfig())
	if err != nil {
		t.Fatalf("NewFakeSensor: %v", err)
	}
	if _, _, err := s.Measure(context.Background()); !errors.Is(err, ErrNotArmed) {
		t.Fatalf("expected ErrNotArmed, got %v", err)
	}
	_ = s.SetPowerMode(ForcedMode)
	r, state, err := s.Measure(context.Background())
	if err != nil || state != Fresh {
		t.Fatalf("Measure: %v %v", state, err)
	}
	if r.Temperature < 18 || r.Temperature > 26 || r.GasResistance == 0 {
		t.Fatalf("implausible reading %+v", r)
	}
}
