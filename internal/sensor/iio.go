package sensor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const (
	iioTempFile     = "in_temp_input"
	iioHumidityFile = "in_humidityrelative_input"
)

// IIO reads a Linux Industrial I/O device such as the kernel's dht11
// driver. Channel values are integers in milli-units.
type IIO struct {
	dir string
	now func() time.Time
}

// NewIIO returns a driver for the IIO device directory, e.g.
// /sys/bus/iio/devices/iio:device0.
func NewIIO(dir string) *IIO {
	return &IIO{dir: dir, now: time.Now}
}

// Read samples temperature and, when the device exposes it, humidity.
// The dht11 driver answers EIO or ETIMEDOUT when the sensor misses its
// handshake; those map to [ErrNoResponse].
func (d *IIO) Read(ctx context.Context) (Reading, error) {
	if err := ctx.Err(); err != nil {
		return Reading{}, err
	}

	t, err := d.channel(iioTempFile)
	if err != nil {
		return Reading{}, err
	}
	r := Reading{Temperature: t, CapturedAt: d.now()}

	h, err := d.channel(iioHumidityFile)
	switch {
	case err == nil:
		r.Humidity = &h
	case errors.Is(err, fs.ErrNotExist):
	default:
		return Reading{}, err
	}

	return r, Validate(r)
}

func (d *IIO) channel(name string) (float64, error) {
	path := filepath.Join(d.dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, syscall.EIO) || errors.Is(err, syscall.ETIMEDOUT) {
			return 0, fmt.Errorf("%w: %s: %v", ErrNoResponse, name, err)
		}
		return 0, fmt.Errorf("read %s: %w", path, err)
	}

	raw := strings.TrimSpace(string(data))
	milli, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s value %q", ErrInvalidReading, name, raw)
	}
	return float64(milli) / 1000, nil
}
