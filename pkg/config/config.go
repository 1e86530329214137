package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

type MQTTConfig struct {
	Server            string `yaml:"server"`
	Username          string `yaml:"username"`
	Password          string `yaml:"password"`
	ClientID          string `yaml:"client_id"`
	StateTopic        string `yaml:"state_topic"`
	DiscoveryTopic    string `yaml:"discovery_topic"`
	DiscoveryName     string `yaml:"discovery_name"`
	DiscoveryUniqueID string `yaml:"discovery_unique_id"`
}

type OutputConfig struct {
	Type string      `yaml:"type"`
	MQTT *MQTTConfig `yaml:"mqtt,omitempty"`
}

type DeviceConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

type OversamplingConfig struct {
	Temperature int `yaml:"temperature"`
	Pressure    int `yaml:"pressure"`
	Humidity    int `yaml:"humidity"`
}

type GasConfig struct {
	Enabled        bool          `yaml:"enabled"`
	HeaterTemp     int           `yaml:"heater_temp"`
	HeaterDuration time.Duration `yaml:"heater_duration"`
	AmbientTemp    int           `yaml:"ambient_temp"`
}

type SensorConfig struct {
	Type           string             `yaml:"type"`
	I2CBus         string             `yaml:"i2c_bus"`
	I2CAddress     int                `yaml:"i2c_address"`
	Oversampling   OversamplingConfig `yaml:"oversampling"`
	Filter         int                `yaml:"filter"`
	Gas            GasConfig          `yaml:"gas"`
	MeasureTimeout time.Duration      `yaml:"measure_timeout"`
}

type DatabaseConfig struct {
	Backend         string        `yaml:"backend"`
	Address         string        `yaml:"address"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	RetentionPolicy string        `yaml:"retention_policy"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Config is built once at startup and passed by value afterwards.
type Config struct {
	Interval      time.Duration  `yaml:"interval"`
	DispatchOn    string         `yaml:"dispatch_on"`
	OnSensorError string         `yaml:"on_sensor_error"`
	LogLevel      string         `yaml:"log_level"`
	Device        DeviceConfig   `yaml:"device"`
	Sensor        SensorConfig   `yaml:"sensor"`
	Database      DatabaseConfig `yaml:"database"`
	Outputs       []OutputConfig `yaml:"outputs"`
	Metrics       MetricsConfig  `yaml:"metrics"`
}

const (
	EnvAddress  = "INFLUX_ADDRESS"
	EnvUser     = "INFLUX_USER"
	EnvPassword = "INFLUX_PASSWORD"
	EnvDatabase = "INFLUX_DATABASE"

	EnvInterval   = "BME680_INTERVAL"
	EnvDispatchOn = "BME680_DISPATCH_ON"
	EnvLogLevel   = "BME680_LOG_LEVEL"
)

func DefaultConfig() Config {
	return Config{
		Interval:      60 * time.Second,
		DispatchOn:    "fresh",
		OnSensorError: "continue",
		LogLevel:      "info",
		Device:        DeviceConfig{ID: "MAC", Name: "bme680"},
		Sensor: SensorConfig{
			Type:         "real",
			I2CBus:       "1",
			I2CAddress:   0x76,
			Oversampling: OversamplingConfig{Temperature: 8, Pressure: 4, Humidity: 2},
			Filter:       3,
			Gas: GasConfig{
				Enabled:        true,
				HeaterTemp:     320,
				HeaterDuration: 1500 * time.Millisecond,
				AmbientTemp:    25,
			},
		},
		Database: DatabaseConfig{
			Backend:      "influxdb",
			WriteTimeout: 10 * time.Second,
		},
		Outputs: []OutputConfig{{Type: "console"}},
	}
}

// ReadFile returns the defaults overlaid with the YAML (or JSON) file at path.
// The file is checked against the embedded schema first. An empty path
// returns the defaults.
func ReadFile(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := ValidateWithCue(path, b); err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overlays values found through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		EnvAddress:    &c.Database.Address,
		EnvUser:       &c.Database.Username,
		EnvPassword:   &c.Database.Password,
		EnvDatabase:   &c.Database.Database,
		EnvDispatchOn: &c.DispatchOn,
		EnvLogLevel:   &c.LogLevel,
	}
	for key, dst := range str {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	if v, ok := lookup(EnvInterval); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvInterval, err)
		}
		c.Interval = d
	}
	return nil
}

func (c Config) Validate() error {
	required := []struct{ env, val string }{
		{EnvAddress, c.Database.Address},
		{EnvUser, c.Database.Username},
		{EnvPassword, c.Database.Password},
		{EnvDatabase, c.Database.Database},
	}
	for _, r := range required {
		if r.val == "" {
			return fmt.Errorf("%s is required", r.env)
		}
	}
	if c.Interval <= 0 {
		return errors.New("interval must be > 0")
	}
	switch c.DispatchOn {
	case "fresh", "stale", "always":
	default:
		return fmt.Errorf("dispatch_on: unknown policy %q", c.DispatchOn)
	}
	switch c.OnSensorError {
	case "continue", "exit":
	default:
		return fmt.Errorf("on_sensor_error: unknown policy %q", c.OnSensorError)
	}
	switch c.Database.Backend {
	case "influxdb", "greptimedb":
	default:
		return fmt.Errorf("database.backend: unknown backend %q", c.Database.Backend)
	}
	switch c.Sensor.Type {
	case "real", "simulation":
	default:
		return fmt.Errorf("sensor.type: unknown type %q", c.Sensor.Type)
	}
	if c.Sensor.I2CAddress <= 0 || c.Sensor.I2CAddress > 0x7f {
		return fmt.Errorf("sensor.i2c_address: 0x%x out of range", c.Sensor.I2CAddress)
	}
	for i, o := range c.Outputs {
		switch strings.ToLower(o.Type) {
		case "console":
		case "mqtt":
			if o.MQTT == nil || o.MQTT.Server == "" {
				return fmt.Errorf("outputs[%d]: mqtt server is required", i)
			}
		default:
			return fmt.Errorf("outputs[%d]: unknown output type %q", i, o.Type)
		}
	}
	return nil
}

// Overrides are command-line values. Only flags the user actually set are
// applied on top of the file and environment.
type Overrides struct {
	fs *pflag.FlagSet

	ConfigPath string
	EnvFile    string

	sensorType    string
	i2cBus        string
	i2cAddress    string
	interval      time.Duration
	dispatchOn    string
	onSensorError string
	backend       string
	address       string
	user          string
	password      string
	database      string
	outputs       string
	metricsAddr   string
	logLevel      string
}

func BindFlags(fs *pflag.FlagSet) *Overrides {
	o := &Overrides{fs: fs}
	fs.StringVar(&o.ConfigPath, "config", "", "Path to YAML or JSON config file")
	fs.StringVar(&o.EnvFile, "env-file", ".env", "Path to a dotenv file loaded before reading the environment")
	fs.StringVar(&o.sensorType, "sensor-type", "", "sensor type: real|simulation")
	fs.StringVar(&o.i2cBus, "i2c-bus", "", "I2C bus (e.g., '1' -> /dev/i2c-1)")
	fs.StringVar(&o.i2cAddress, "i2c-address", "", "I2C address (decimal or 0x hex)")
	fs.DurationVar(&o.interval, "interval", 0, "Sampling interval (e.g. 60s)")
	fs.StringVar(&o.dispatchOn, "dispatch-on", "", "Dispatch policy: fresh|stale|always")
	fs.StringVar(&o.onSensorError, "on-sensor-error", "", "Per-cycle sensor error policy: continue|exit")
	fs.StringVar(&o.backend, "backend", "", "Database backend: influxdb|greptimedb")
	fs.StringVar(&o.address, "db-address", "", "Database address (overrides "+EnvAddress+")")
	fs.StringVar(&o.user, "db-user", "", "Database user (overrides "+EnvUser+")")
	fs.StringVar(&o.password, "db-password", "", "Database password (overrides "+EnvPassword+")")
	fs.StringVar(&o.database, "db-name", "", "Database name (overrides "+EnvDatabase+")")
	fs.StringVar(&o.outputs, "outputs", "", "Comma-separated outputs (console,mqtt)")
	fs.StringVar(&o.metricsAddr, "metrics-addr", "", "Prometheus listen address, empty disables")
	fs.StringVar(&o.logLevel, "log-level", "", "Log level: debug|info|warn|error")
	return o
}

func (o *Overrides) changed(name string) bool {
	return o.fs != nil && o.fs.Changed(name)
}

func (o *Overrides) Apply(cfg *Config) error {
	if o.changed("sensor-type") {
		cfg.Sensor.Type = o.sensorType
	}
	if o.changed("i2c-bus") {
		cfg.Sensor.I2CBus = o.i2cBus
	}
	if o.changed("i2c-address") {
		v, err := parseIntOrHex(o.i2cAddress)
		if err != nil {
			return fmt.Errorf("i2c-address: %w", err)
		}
		cfg.Sensor.I2CAddress = v
	}
	if o.changed("interval") {
		cfg.Interval = o.interval
	}
	if o.changed("dispatch-on") {
		cfg.DispatchOn = o.dispatchOn
	}
	if o.changed("on-sensor-error") {
		cfg.OnSensorError = o.onSensorError
	}
	if o.changed("backend") {
		cfg.Database.Backend = o.backend
	}
	if o.changed("db-address") {
		cfg.Database.Address = o.address
	}
	if o.changed("db-user") {
		cfg.Database.Username = o.user
	}
	if o.changed("db-password") {
		cfg.Database.Password = o.password
	}
	if o.changed("db-name") {
		cfg.Database.Database = o.database
	}
	if o.changed("outputs") {
		// keep mqtt settings from the file for outputs that are still listed
		mqttByType := map[string]*MQTTConfig{}
		for _, out := range cfg.Outputs {
			if out.MQTT != nil {
				mqttByType[strings.ToLower(out.Type)] = out.MQTT
			}
		}
		parts := parseCSV(o.outputs)
		outs := make([]OutputConfig, 0, len(parts))
		for _, p := range parts {
			outs = append(outs, OutputConfig{Type: p, MQTT: mqttByType[strings.ToLower(p)]})
		}
		cfg.Outputs = outs
	}
	if o.changed("metrics-addr") {
		cfg.Metrics.Addr = o.metricsAddr
	}
	if o.changed("log-level") {
		cfg.LogLevel = o.logLevel
	}
	return nil
}

// Load resolves the configuration in order: file, dotenv, environment, flags.
func Load(o *Overrides) (Config, error) {
	if o.EnvFile != "" {
		// godotenv never overrides variables already present in the environment
		if err := godotenv.Load(o.EnvFile); err != nil && !(errors.Is(err, fs.ErrNotExist) && !o.changed("env-file")) {
			return Config{}, fmt.Errorf("load env file: %w", err)
		}
	}
	cfg, err := ReadFile(o.ConfigPath)
	if err != nil {
		return cfg, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	if err := o.Apply(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func parseIntOrHex(s string) (int, error) {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err := strconv.ParseInt(s[2:], 16, 0)
		return int(v), err
	}
	v, err := strconv.Atoi(s)
	return v, err
}

func parseCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
