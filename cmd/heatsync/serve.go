package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nugget/heatsync/internal/buildinfo"
	"github.com/nugget/heatsync/internal/device"
	"github.com/nugget/heatsync/internal/opstate"
	"github.com/nugget/heatsync/internal/payload"
	"github.com/nugget/heatsync/internal/sampler"
	"github.com/nugget/heatsync/internal/sensor"
	"github.com/nugget/heatsync/internal/status"
	"github.com/nugget/heatsync/internal/supervisor"
	"github.com/nugget/heatsync/internal/timesync"
)

const (
	// shutdownTimeout bounds the offline announcement, transport close,
	// and HTTP drain together.
	shutdownTimeout = 5 * time.Second

	syncPoll = 500 * time.Millisecond
)

// runServe is the primary operating mode. It wires the stack, waits
// for the clock, runs the sampling loop until ctx ends, then shuts
// down:
//  1. SIGINT or SIGTERM cancels the context
//  2. The transport announces offline and closes
//  3. The status server drains in-flight requests
//  4. The sensor and state store are closed via defers
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stdout, cfg)
	logger.Info("starting HeatSync",
		"version", buildinfo.Version,
		"commit", buildinfo.Commit(),
		"built", buildinfo.Built(),
		"config", cfgPath,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	// --- Operational state ---
	store, err := opstate.NewStore(cfg.State.Driver, cfg.State.Path)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer store.Close()

	boots, err := store.Incr(opstate.NamespaceDevice, "boot_count")
	if err != nil {
		return fmt.Errorf("record boot: %w", err)
	}

	// --- Identity and drivers ---
	lnk, hwAddr := buildLink(cfg, logger)
	ident, err := device.Resolve(cfg.Device.ID, hwAddr, cfg.DataDir)
	if err != nil {
		return fmt.Errorf("resolve device id: %w", err)
	}
	logger.Info("device identity resolved", "device_id", ident.ID, "source", ident.Source, "boot", boots)

	sen, sensorCloser, err := buildSensor(cfg)
	if err != nil {
		return err
	}
	defer sensorCloser.Close()

	format, err := payload.ParseFormat(cfg.Payload.Format)
	if err != nil {
		return err
	}

	tr := buildTransport(cfg, ident, format, logger)
	sup := supervisor.New(supervisor.Config{
		Link:           lnk,
		Transport:      tr,
		LinkRetry:      retryPolicy(cfg.Link.Retry),
		TransportRetry: retryPolicy(cfg.Transport.Retry),
		Logger:         logger,
	})

	// --- Clock ---
	clock := buildClock(cfg)
	if cfg.TimeSync.Enabled {
		if timesync.WaitSynced(ctx, clock, syncPoll, cfg.TimeSync.Wait) {
			logger.Info("system clock synchronized")
		} else {
			logger.Warn("system clock not synchronized, payloads omit timestamp until it is", "waited", cfg.TimeSync.Wait)
		}
	} else {
		logger.Info("time sync disabled, payloads carry no timestamp")
	}

	// --- Sampling loop and status server ---
	var srv *status.Server
	smp := sampler.New(sampler.Config{
		Supervisor: sup,
		Sensor:     sen,
		Clock:      clock,
		DeviceID:   ident.ID,
		Topic:      cfg.Transport.Topic,
		Format:     format,
		Interval:   cfg.Sampling.Interval,
		Logger:     logger,
		OnReading: func(_ sensor.Reading, p payload.Payload) {
			if srv == nil {
				return
			}
			if data, err := p.MarshalJSON(); err == nil {
				srv.Hub().Broadcast(data)
			}
		},
	})

	srvErr := make(chan error, 1)
	if cfg.HTTP.Enabled {
		statusLED, err := buildLED(cfg, store)
		if err != nil {
			return fmt.Errorf("status led: %w", err)
		}
		srv, err = status.New(status.Config{
			Address:    cfg.HTTP.Address,
			Port:       cfg.HTTP.Port,
			MaxConns:   cfg.HTTP.MaxConns,
			DeviceID:   ident.ID,
			DeviceName: cfg.Device.Name,
			LED:        statusLED,
			Health:     sup,
			Readings:   smp,
			Logger:     logger,
		})
		if err != nil {
			return err
		}
		go func() {
			if err := srv.ListenAndServe(ctx); err != nil {
				srvErr <- err
				cancel()
			}
		}()
	}

	logger.Info("HeatSync running",
		"device_id", ident.ID,
		"transport", cfg.Transport.Kind,
		"sensor", cfg.Sensor.Kind,
		"http", cfg.HTTP.Enabled,
	)

	loopErr := smp.Run(ctx)

	shutdown(logger, sup, srv)

	select {
	case err := <-srvErr:
		return fmt.Errorf("status server failed: %w", err)
	default:
	}
	if loopErr != nil {
		return loopErr
	}

	st := smp.Stats()
	logger.Info("HeatSync stopped", "cycles", st.Cycles, "published", st.Published)
	return nil
}

func shutdown(logger *slog.Logger, sup *supervisor.Supervisor, srv *status.Server) {
	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := sup.Shutdown(ctx); err != nil {
		logger.Warn("transport shutdown failed", "error", err)
	}
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("status server shutdown failed", "error", err)
		}
	}
}
