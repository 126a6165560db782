package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/nugget/heatsync/internal/config"
	"github.com/nugget/heatsync/internal/device"
	"github.com/nugget/heatsync/internal/payload"
	"github.com/nugget/heatsync/internal/sensor"
)

// readTimeout bounds the one-shot read beyond the sensor's own timeout.
const readTimeout = 10 * time.Second

// runRead takes a single reading and prints it without touching the
// network. With -o json it prints exactly the payload the serve loop
// would publish.
func runRead(ctx context.Context, stdout io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	// Logs go nowhere near stdout here; the payload is the output.
	logger := configuredLogger(io.Discard, cfg)

	_, hwAddr := buildLink(cfg, logger)
	ident, err := device.Resolve(cfg.Device.ID, hwAddr, cfg.DataDir)
	if err != nil {
		return fmt.Errorf("resolve device id: %w", err)
	}

	sen, closer, err := buildSensor(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	r, err := sen.Read(ctx)
	if err == nil {
		err = sensor.Validate(r)
	}
	if err != nil {
		return fmt.Errorf("read sensor: %w", err)
	}

	var ts *time.Time
	if now, ok := buildClock(cfg).Now(); ok {
		ts = &now
	}
	p := payload.Build(ident.ID, r, ts)

	if outputFmt == "json" {
		data, err := p.MarshalJSON()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(stdout, "%s\n", data)
		return err
	}
	return printReading(stdout, cfg, p)
}

func printReading(w io.Writer, cfg *config.Config, p payload.Payload) error {
	fmt.Fprintf(w, "device:      %s\n", p.DeviceID)
	fmt.Fprintf(w, "temperature: %s °C\n", strconv.FormatFloat(p.Temperature, 'f', -1, 64))
	if p.Humidity != nil {
		fmt.Fprintf(w, "humidity:    %s %%\n", strconv.FormatFloat(*p.Humidity, 'f', -1, 64))
	}
	if ms, ok := p.TimestampMillis(); ok {
		fmt.Fprintf(w, "timestamp:   %d (%s)\n", ms, time.UnixMilli(ms).UTC().Format(time.RFC3339))
	} else {
		fmt.Fprintln(w, "timestamp:   (clock not synchronized)")
	}

	format, err := payload.ParseFormat(cfg.Payload.Format)
	if err != nil {
		return err
	}
	data, err := p.Marshal(format)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "payload:     %s\n", data)
	return nil
}
