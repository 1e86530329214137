package main

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ericogr/bme680-to-influx/pkg/config"
	"github.com/ericogr/bme680-to-influx/pkg/observability"
	"github.com/ericogr/bme680-to-influx/pkg/output"
	"github.com/ericogr/bme680-to-influx/pkg/output/console"
	"github.com/ericogr/bme680-to-influx/pkg/output/mqtt"
	"github.com/ericogr/bme680-to-influx/pkg/sensor"
	"github.com/ericogr/bme680-to-influx/pkg/tsdb"
	"github.com/ericogr/bme680-to-influx/pkg/tsdb/greptime"
	"github.com/ericogr/bme680-to-influx/pkg/tsdb/influx"
)

// sensor constructors by sensor.type
var sessionFactories = map[string]func(config.Config) (sensor.Session, error){
	"real":       sensor.NewBME680Sensor,
	"simulation": sensor.NewFakeSensor,
}

func newSession(cfg config.Config) (sensor.Session, error) {
	f, ok := sessionFactories[cfg.Sensor.Type]
	if !ok {
		return nil, fmt.Errorf("unknown sensor type %q", cfg.Sensor.Type)
	}
	return f(cfg)
}

// newWriter returns the database writer for cfg.Backend and a function that
// releases it.
func newWriter(cfg config.DatabaseConfig) (tsdb.Writer, func(), error) {
	switch cfg.Backend {
	case "influxdb":
		w, err := influx.New(cfg)
		if err != nil {
			return nil, nil, err
		}
		return w, func() { _ = w.Close() }, nil
	case "greptimedb":
		w, err := greptime.New(cfg)
		if err != nil {
			return nil, nil, err
		}
		return w, func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown database backend %q", cfg.Backend)
}

func initOutputs(cfg config.Config) ([]output.Output, error) {
	var outs []output.Output
	for _, oc := range cfg.Outputs {
		switch strings.ToLower(oc.Type) {
		case "console":
			outs = append(outs, console.NewConsole())
		case "mqtt":
			if oc.MQTT == nil {
				closeAll(outs)
				return nil, fmt.Errorf("mqtt output requires mqtt settings")
			}
			o, err := mqtt.NewMQTT(*oc.MQTT)
			if err != nil {
				closeAll(outs)
				return nil, err
			}
			outs = append(outs, o)
		default:
			closeAll(outs)
			return nil, fmt.Errorf("unknown output type %q", oc.Type)
		}
	}
	return outs, nil
}

func closeAll(outs []output.Output) {
	for _, o := range outs {
		_ = o.Close()
	}
}

// measureTimeout is the configured bound, or the heater and conversion
// profile plus one second of polling and bus slack.
func measureTimeout(cfg config.SensorConfig, s sensor.Settings) time.Duration {
	if cfg.MeasureTimeout > 0 {
		return cfg.MeasureTimeout
	}
	return s.ProfileDuration() + time.Second
}

func newLogger(level string, w io.Writer) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}

func newMetricsServer(addr string, rec *observability.Recorder) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", rec.Handler())
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}
