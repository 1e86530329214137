package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ericogr/bme680-to-influx/pkg/config"
	"github.com/ericogr/bme680-to-influx/pkg/dispatch"
	"github.com/ericogr/bme680-to-influx/pkg/metric"
	"github.com/ericogr/bme680-to-influx/pkg/observability"
	"github.com/ericogr/bme680-to-influx/pkg/scheduler"
	"github.com/ericogr/bme680-to-influx/pkg/sensor"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var overrides *config.Overrides

	runE := func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(overrides)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return run(ctx, cfg)
	}

	root := &cobra.Command{
		Use:           "bme680-to-influx",
		Short:         "Sample a BME680 sensor and write its readings to a time-series database",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runE,
	}
	overrides = config.BindFlags(root.PersistentFlags())

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the sampling loop (default)",
		RunE:  runE,
	})
	root.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Resolve and check the configuration without touching the sensor",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(overrides)
			if err != nil {
				return err
			}
			if _, err := sensor.SettingsFromConfig(cfg.Sensor); err != nil {
				return err
			}
			if _, err := newLogger(cfg.LogLevel, cmd.ErrOrStderr()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration OK: backend=%s address=%s database=%s interval=%s dispatch_on=%s sensor=%s\n",
				cfg.Database.Backend, cfg.Database.Address, cfg.Database.Database, cfg.Interval, cfg.DispatchOn, cfg.Sensor.Type)
			return nil
		},
	})
	return root
}

// run wires the sensor, database and outputs, then blocks in the sampling
// loop until ctx is done. Any setup failure is returned and ends the process.
func run(ctx context.Context, cfg config.Config) error {
	logger, err := newLogger(cfg.LogLevel, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	settings, err := sensor.SettingsFromConfig(cfg.Sensor)
	if err != nil {
		return fmt.Errorf("sensor settings: %w", err)
	}
	sess, err := newSession(cfg)
	if err != nil {
		return fmt.Errorf("sensor init: %w", err)
	}
	defer sess.Close()
	if err := sess.ApplySettings(settings); err != nil {
		return fmt.Errorf("apply sensor settings: %w", err)
	}
	if err := sess.SetPowerMode(sensor.ForcedMode); err != nil {
		return fmt.Errorf("set power mode: %w", err)
	}
	logger.Info("sensor ready",
		"type", cfg.Sensor.Type,
		"bus", cfg.Sensor.I2CBus,
		"address", fmt.Sprintf("0x%02x", cfg.Sensor.I2CAddress),
		"profile", settings.ProfileDuration())

	writer, closeWriter, err := newWriter(cfg.Database)
	if err != nil {
		return fmt.Errorf("database client: %w", err)
	}
	defer closeWriter()

	outs, err := initOutputs(cfg)
	if err != nil {
		return err
	}
	defer closeAll(outs)

	policy, err := metric.ParsePolicy(cfg.DispatchOn)
	if err != nil {
		return err
	}

	rec := observability.NewRecorder()
	if cfg.Metrics.Addr != "" {
		srv := newMetricsServer(cfg.Metrics.Addr, rec)
		go func() {
			logger.Info("metrics listening", "addr", cfg.Metrics.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "err", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	sched, err := scheduler.New(sess, dispatch.New(writer, cfg.Database.WriteTimeout), scheduler.Options{
		Interval:          cfg.Interval,
		MeasureTimeout:    measureTimeout(cfg.Sensor, settings),
		ExitOnSensorError: cfg.OnSensorError == "exit",
		Extractor:         metric.Extractor{DeviceID: cfg.Device.ID, Model: cfg.Device.Name, Policy: policy},
		Outputs:           outs,
		Recorder:          rec,
		Logger:            logger,
	})
	if err != nil {
		return err
	}
	return sched.Run(ctx)
}
