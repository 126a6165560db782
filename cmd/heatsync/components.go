package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/nugget/heatsync/internal/config"
	"github.com/nugget/heatsync/internal/device"
	"github.com/nugget/heatsync/internal/kafka"
	"github.com/nugget/heatsync/internal/led"
	"github.com/nugget/heatsync/internal/link"
	"github.com/nugget/heatsync/internal/mqtt"
	"github.com/nugget/heatsync/internal/opstate"
	"github.com/nugget/heatsync/internal/payload"
	"github.com/nugget/heatsync/internal/retry"
	"github.com/nugget/heatsync/internal/sensor"
	"github.com/nugget/heatsync/internal/supervisor"
	"github.com/nugget/heatsync/internal/timesync"
)

func retryPolicy(rc config.RetryConfig) retry.Policy {
	return retry.Policy{
		MaxAttempts: rc.MaxAttempts,
		Delay:       rc.Delay,
		MaxDelay:    rc.MaxDelay,
		Multiplier:  rc.Multiplier,
	}
}

// buildLink returns the link driver and, when the driver knows it, the
// interface's hardware address.
func buildLink(cfg *config.Config, logger *slog.Logger) (supervisor.Link, string) {
	if cfg.Link.Kind == "static" {
		return link.Static{}, ""
	}
	l := link.NewInterface(link.InterfaceConfig{
		Name:          cfg.Link.Interface,
		ProbeURL:      cfg.Link.ProbeURL,
		ProbeTimeout:  cfg.Link.ProbeTimeout,
		InsecureProbe: cfg.Link.InsecureProbe,
		Logger:        logger,
	})
	return l, l.HardwareAddr()
}

// buildSensor opens the configured sensor. The returned closer releases
// the device and is never nil.
func buildSensor(cfg *config.Config) (sensor.Sensor, io.Closer, error) {
	sen, closer, err := openSensor(cfg)
	if err != nil {
		return nil, nil, err
	}
	if !cfg.Sensor.ReportsHumidity() {
		sen = sensor.TemperatureOnly(sen)
	}
	return sen, closer, nil
}

func openSensor(cfg *config.Config) (sensor.Sensor, io.Closer, error) {
	switch cfg.Sensor.Kind {
	case "serial":
		s, err := sensor.OpenSerial(sensor.SerialConfig{
			Port:        cfg.Sensor.Serial.Port,
			Baud:        cfg.Sensor.Serial.Baud,
			ReadTimeout: cfg.Sensor.Serial.ReadTimeout,
			Request:     cfg.Sensor.Serial.Request,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case "iio":
		return sensor.NewIIO(cfg.Sensor.IIO.Device), nopCloser{}, nil
	case "sim":
		return sensor.NewSim(sensor.SimConfig{
			Seed:        cfg.Sensor.Sim.Seed,
			InvalidRate: cfg.Sensor.Sim.InvalidRate,
			NoHumidity:  cfg.Sensor.Sim.NoHumidity,
		}), nopCloser{}, nil
	default:
		return nil, nil, fmt.Errorf("unknown sensor kind %q", cfg.Sensor.Kind)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func buildClock(cfg *config.Config) timesync.Clock {
	if !cfg.TimeSync.Enabled {
		return timesync.Disabled{}
	}
	return timesync.NewSystem()
}

// buildTransport returns nil when the device only serves HTTP.
func buildTransport(cfg *config.Config, id device.Identity, format payload.Format, logger *slog.Logger) supervisor.Transport {
	switch cfg.Transport.Kind {
	case "mqtt":
		s := mqtt.Settings{
			MQTT:          cfg.Transport.MQTT,
			DeviceName:    cfg.Device.Name,
			DeviceID:      id.ID,
			DeviceIDIsMAC: id.IsMAC(),
			Model:         cfg.Device.Model,
			StateTopic:    cfg.Transport.Topic,
			ContentType:   format.ContentType(),
			PlainPayload:  format == payload.FormatPlain,
			Humidity:      cfg.Sensor.ReportsHumidity(),
			Logger:        logger,
		}
		if cfg.Transport.MQTT.ProtocolVersion == 3 {
			return mqtt.NewV3(s)
		}
		return mqtt.NewV5(s)
	case "kafka":
		return kafka.New(kafka.Settings{
			Kafka:       cfg.Transport.Kafka,
			DeviceID:    id.ID,
			ContentType: format.ContentType(),
			Logger:      logger,
		})
	default:
		return nil
	}
}

// buildLED returns the status LED with its state persisted in store.
func buildLED(cfg *config.Config, store *opstate.Store) (led.LED, error) {
	var l led.LED = &led.Memory{}
	if cfg.HTTP.LED.Kind == "sysfs" {
		s, err := led.NewSysfs("", cfg.HTTP.LED.Name)
		if err != nil {
			return nil, err
		}
		l = s
	}
	return led.NewPersisted(l, store)
}
