package sensor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/ericogr/bme680-to-influx/pkg/config"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"
)

// Datasheet:
// https://www.bosch-sensortec.com/media/boschsensortec/downloads/datasheets/bst-bme680-ds001.pdf

const (
	PrimaryAddress   = 0x76
	SecondaryAddress = 0x77

	chipID = 0x61

	regResHeatVal   = 0x00
	regResHeatRange = 0x02
	regRangeSwErr   = 0x04
	regField0       = 0x1d
	regResHeat0     = 0x5a
	regGasWait0     = 0x64
	regCtrlGas0     = 0x70
	regCtrlGas1     = 0x71
	regCtrlHum      = 0x72
	regCtrlMeas     = 0x74
	regConfig       = 0x75
	regCoeff1       = 0x89
	regChipID       = 0xd0
	regSoftReset    = 0xe0
	regCoeff2       = 0xe1

	coeff1Len = 25
	coeff2Len = 16
	fieldLen  = 15

	softResetCmd = 0xb6

	newDataMask  = 0x80
	gasRangeMask = 0x0f
	modeMask     = 0x03
	osrsHMask    = 0x07
	filterMask   = 0x1c
	runGasMask   = 0x10
	nbConvMask   = 0x0f
	heatOffMask  = 0x08

	pollAttempts = 10
	pollDelay    = 10 * time.Millisecond
)

// Range switching error lookups for gas resistance.
var (
	gasRangeK1 = [16]float64{0, 0, 0, 0, 0, -1, 0, -0.8, 0, 0, -0.2, -0.5, 0, -1, 0, 0}
	gasRangeK2 = [16]float64{0, 0, 0, 0, 0.1, 0.7, 0, -0.8, -0.1, 0, 0, 0, 0, 0, 0, 0}
)

type calibration struct {
	t1 uint16
	t2 int16
	t3 int8

	p1  uint16
	p2  int16
	p3  int8
	p4  int16
	p5  int16
	p6  int8
	p7  int8
	p8  int16
	p9  int16
	p10 uint8

	h1 uint16
	h2 uint16
	h3 int8
	h4 int8
	h5 int8
	h6 uint8
	h7 int8

	gh1 int8
	gh2 int16
	gh3 int8

	resHeatRange uint8
	resHeatVal   int8
	rangeSwErr   int8
}

type fieldData struct {
	status   byte
	adcTemp  uint32
	adcPres  uint32
	adcHum   uint16
	adcGas   uint16
	gasRange uint8
}

// BME680 is a handle to a Bosch BME680 over I²C.
type BME680 struct {
	mu       sync.Mutex
	c        conn.Conn
	bus      i2c.BusCloser
	calib    calibration
	settings Settings
	mode     PowerMode

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// NewBME680Sensor initializes the host drivers, opens the configured bus and
// returns the sensor found at the configured address.
func NewBME680Sensor(cfg config.Config) (Session, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("host init: %w", err)
	}
	bus, err := i2creg.Open(cfg.Sensor.I2CBus)
	if err != nil {
		return nil, fmt.Errorf("open i2c: %w", err)
	}
	if err := bus.SetSpeed(400 * physic.KiloHertz); err != nil {
		slog.Debug("i2c bus speed left unchanged", "bus", cfg.Sensor.I2CBus, "error", err)
	}
	d, err := OpenBME680(bus, uint16(cfg.Sensor.I2CAddress))
	if err != nil {
		_ = bus.Close()
		return nil, err
	}
	d.bus = bus
	return d, nil
}

// OpenBME680 resets the device at addr, checks its identity and loads its
// calibration.
func OpenBME680(bus i2c.Bus, addr uint16) (*BME680, error) {
	return newBME680(&i2c.Dev{Addr: addr, Bus: bus})
}

func newBME680(c conn.Conn) (*BME680, error) {
	d := &BME680{c: c, settings: DefaultSettings(), sleep: sleepContext, now: time.Now}
	if err := d.writeReg(regSoftReset, softResetCmd); err != nil {
		return nil, fmt.Errorf("soft reset: %w", err)
	}
	// start-up time after reset is 2ms
	time.Sleep(5 * time.Millisecond)

	id, err := d.readReg(regChipID)
	if err != nil {
		return nil, fmt.Errorf("read chip id: %w", err)
	}
	if id != chipID {
		return nil, fmt.Errorf("%w: 0x%02x", ErrChipID, id)
	}
	if err := d.readCalibration(); err != nil {
		return nil, fmt.Errorf("read calibration: %w", err)
	}
	return d, nil
}

func (d *BME680) Close() error {
	if d.bus != nil {
		return d.bus.Close()
	}
	return nil
}

// ApplySettings writes oversampling, filter and heater configuration. The
// current power mode is preserved.
func (d *BME680) ApplySettings(s Settings) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := s.Validate(); err != nil {
		return err
	}
	osrsT, _ := s.Temperature.code()
	osrsP, _ := s.Pressure.code()
	osrsH, _ := s.Humidity.code()
	filter, _ := s.Filter.code()

	if err := d.updateReg(regCtrlHum, osrsHMask, osrsH); err != nil {
		return fmt.Errorf("ctrl_hum: %w", err)
	}
	if err := d.updateReg(regCtrlMeas, ^byte(modeMask), osrsT<<5|osrsP<<2); err != nil {
		return fmt.Errorf("ctrl_meas: %w", err)
	}
	if err := d.updateReg(regConfig, filterMask, filter<<2); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	if s.Gas.Enabled {
		if err := d.writeReg(regResHeat0, d.calib.heaterResistance(s.Gas.HeaterTemp, s.Gas.AmbientTemp)); err != nil {
			return fmt.Errorf("res_heat_0: %w", err)
		}
		if err := d.writeReg(regGasWait0, gasWait(s.Gas.Duration)); err != nil {
			return fmt.Errorf("gas_wait_0: %w", err)
		}
		// heater profile 0, gas conversion on
		if err := d.updateReg(regCtrlGas1, runGasMask|nbConvMask, runGasMask); err != nil {
			return fmt.Errorf("ctrl_gas_1: %w", err)
		}
		if err := d.updateReg(regCtrlGas0, heatOffMask, 0); err != nil {
			return fmt.Errorf("ctrl_gas_0: %w", err)
		}
	} else {
		if err := d.updateReg(regCtrlGas1, runGasMask, 0); err != nil {
			return fmt.Errorf("ctrl_gas_1: %w", err)
		}
		if err := d.updateReg(regCtrlGas0, heatOffMask, heatOffMask); err != nil {
			return fmt.Errorf("ctrl_gas_0: %w", err)
		}
	}
	d.settings = s
	return nil
}

// SetPowerMode writes the mode bits. Entering ForcedMode arms the sensor;
// every Measure re-triggers it.
func (d *BME680) SetPowerMode(m PowerMode) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if m != SleepMode && m != ForcedMode {
		return fmt.Errorf("unsupported power mode 0x%02x", byte(m))
	}
	if err := d.updateReg(regCtrlMeas, modeMask, byte(m)); err != nil {
		return fmt.Errorf("ctrl_meas: %w", err)
	}
	d.mode = m
	return nil
}

// Measure triggers a forced measurement, waits for the configured profile and
// polls for the new-data flag. When the flag never shows up the last field
// read is returned as Stale.
func (d *BME680) Measure(ctx context.Context) (Reading, Readiness, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.mode != ForcedMode {
		return Reading{}, Stale, ErrNotArmed
	}
	if err := d.updateReg(regCtrlMeas, modeMask, byte(ForcedMode)); err != nil {
		return Reading{}, Stale, fmt.Errorf("trigger: %w", err)
	}
	if err := d.sleep(ctx, d.settings.ProfileDuration()); err != nil {
		return Reading{}, Stale, err
	}

	var f fieldData
	for i := 0; i < pollAttempts; i++ {
		var err error
		f, err = d.readField()
		if err != nil {
			return Reading{}, Stale, fmt.Errorf("read field: %w", err)
		}
		if f.status&newDataMask != 0 {
			return d.compensate(f), Fresh, nil
		}
		if err := d.sleep(ctx, pollDelay); err != nil {
			return Reading{}, Stale, err
		}
	}
	return d.compensate(f), Stale, nil
}

func (d *BME680) compensate(f fieldData) Reading {
	tFine := d.calib.tFine(f.adcTemp)
	r := Reading{
		Temperature: tFine / 5120.0,
		Pressure:    d.calib.pressure(f.adcPres, tFine) / 100.0,
		Humidity:    d.calib.humidity(f.adcHum, tFine),
		Timestamp:   d.now(),
	}
	if d.settings.Gas.Enabled {
		r.GasResistance = d.calib.gasResistance(f.adcGas, f.gasRange)
	}
	return r
}

func (d *BME680) readField() (fieldData, error) {
	b, err := d.readRegs(regField0, fieldLen)
	if err != nil {
		return fieldData{}, err
	}
	return fieldData{
		status:   b[0],
		adcPres:  uint32(b[2])<<12 | uint32(b[3])<<4 | uint32(b[4])>>4,
		adcTemp:  uint32(b[5])<<12 | uint32(b[6])<<4 | uint32(b[7])>>4,
		adcHum:   uint16(b[8])<<8 | uint16(b[9]),
		adcGas:   uint16(b[13])<<2 | uint16(b[14])>>6,
		gasRange: b[14] & gasRangeMask,
	}, nil
}

func (d *BME680) readCalibration() error {
	c1, err := d.readRegs(regCoeff1, coeff1Len)
	if err != nil {
		return err
	}
	c2, err := d.readRegs(regCoeff2, coeff2Len)
	if err != nil {
		return err
	}
	heatRange, err := d.readReg(regResHeatRange)
	if err != nil {
		return err
	}
	heatVal, err := d.readReg(regResHeatVal)
	if err != nil {
		return err
	}
	swErr, err := d.readReg(regRangeSwErr)
	if err != nil {
		return err
	}
	d.calib = parseCalibration(append(c1, c2...), heatRange, heatVal, swErr)
	return nil
}

func parseCalibration(c []byte, heatRange, heatVal, swErr byte) calibration {
	u16 := func(msb, lsb int) uint16 { return uint16(c[msb])<<8 | uint16(c[lsb]) }
	return calibration{
		t1: u16(34, 33),
		t2: int16(u16(2, 1)),
		t3: int8(c[3]),

		p1:  u16(6, 5),
		p2:  int16(u16(8, 7)),
		p3:  int8(c[9]),
		p4:  int16(u16(12, 11)),
		p5:  int16(u16(14, 13)),
		p6:  int8(c[16]),
		p7:  int8(c[15]),
		p8:  int16(u16(20, 19)),
		p9:  int16(u16(22, 21)),
		p10: c[23],

		h1: uint16(c[27])<<4 | uint16(c[26]&0x0f),
		h2: uint16(c[25])<<4 | uint16(c[26]>>4),
		h3: int8(c[28]),
		h4: int8(c[29]),
		h5: int8(c[30]),
		h6: c[31],
		h7: int8(c[32]),

		gh1: int8(c[37]),
		gh2: int16(u16(36, 35)),
		gh3: int8(c[38]),

		resHeatRange: (heatRange & 0x30) >> 4,
		resHeatVal:   int8(heatVal),
		rangeSwErr:   int8(swErr&0xf0) >> 4,
	}
}

func (c calibration) tFine(adc uint32) float64 {
	a := float64(adc)
	v1 := (a/16384.0 - float64(c.t1)/1024.0) * float64(c.t2)
	x := a/131072.0 - float64(c.t1)/8192.0
	v2 := x * x * float64(c.t3) * 16.0
	return v1 + v2
}

// pressure returns Pa.
func (c calibration) pressure(adc uint32, tFine float64) float64 {
	v1 := tFine/2.0 - 64000.0
	v2 := v1 * v1 * (float64(c.p6) / 131072.0)
	v2 += v1 * float64(c.p5) * 2.0
	v2 = v2/4.0 + float64(c.p4)*65536.0
	v1 = (float64(c.p3)*v1*v1/16384.0 + float64(c.p2)*v1) / 524288.0
	v1 = (1.0 + v1/32768.0) * float64(c.p1)
	if v1 == 0 {
		return 0
	}
	p := 1048576.0 - float64(adc)
	p = (p - v2/4096.0) * 6250.0 / v1
	v1 = float64(c.p9) * p * p / 2147483648.0
	v2 = p * (float64(c.p8) / 32768.0)
	v3 := math.Pow(p/256.0, 3) * (float64(c.p10) / 131072.0)
	return p + (v1+v2+v3+float64(c.p7)*128.0)/16.0
}

func (c calibration) humidity(adc uint16, tFine float64) float64 {
	t := tFine / 5120.0
	v1 := float64(adc) - (float64(c.h1)*16.0 + float64(c.h3)/2.0*t)
	v2 := v1 * (float64(c.h2) / 262144.0 * (1.0 + float64(c.h4)/16384.0*t + float64(c.h5)/1048576.0*t*t))
	v3 := float64(c.h6) / 16384.0
	v4 := float64(c.h7) / 2097152.0
	h := v2 + (v3+v4*t)*v2*v2
	return math.Max(0, math.Min(100, h))
}

func (c calibration) gasResistance(adc uint16, gasRange uint8) float64 {
	r := gasRange & gasRangeMask
	v1 := 1340.0 + 5.0*float64(c.rangeSwErr)
	v2 := v1 * (1.0 + gasRangeK1[r]/100.0)
	v3 := 1.0 + gasRangeK2[r]/100.0
	return 1.0 / (v3 * 0.000000125 * float64(uint32(1)<<r) * ((float64(adc)-512.0)/v2 + 1.0))
}

// heaterResistance encodes a target heater temperature for res_heat_x.
func (c calibration) heaterResistance(target, ambient int) byte {
	if target > 400 {
		target = 400
	}
	v1 := float64(c.gh1)/16.0 + 49.0
	v2 := float64(c.gh2)/32768.0*0.0005 + 0.00235
	v3 := float64(c.gh3) / 1024.0
	v4 := v1 * (1.0 + v2*float64(target))
	v5 := v4 + v3*float64(ambient)
	res := 3.4 * (v5*(4.0/(4.0+float64(c.resHeatRange)))*(1.0/(1.0+float64(c.resHeatVal)*0.002)) - 25)
	return byte(math.Max(0, math.Min(255, res)))
}

// gasWait encodes a heater duration for gas_wait_x: six bits of value and a
// two bit multiplier of 1, 4, 16 or 64.
func gasWait(d time.Duration) byte {
	ms := d.Milliseconds()
	if ms >= 0xfc0 {
		return 0xff
	}
	var factor byte
	for ms > 0x3f {
		ms /= 4
		factor++
	}
	return byte(ms) + factor*64
}

func (d *BME680) readReg(reg byte) (byte, error) {
	r := make([]byte, 1)
	if err := d.c.Tx([]byte{reg}, r); err != nil {
		return 0, err
	}
	return r[0], nil
}

func (d *BME680) readRegs(reg byte, n int) ([]byte, error) {
	r := make([]byte, n)
	if err := d.c.Tx([]byte{reg}, r); err != nil {
		return nil, err
	}
	return r, nil
}

func (d *BME680) writeReg(reg, val byte) error {
	return d.c.Tx([]byte{reg, val}, nil)
}

// updateReg replaces the bits selected by mask with val.
func (d *BME680) updateReg(reg, mask, val byte) error {
	cur, err := d.readReg(reg)
	if err != nil {
		return err
	}
	return d.writeReg(reg, cur&^mask|val&mask)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var _ Session = (*BME680)(nil)
