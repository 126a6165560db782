// Package sensor defines the temperature/humidity reading model and the
// drivers that produce readings.
package sensor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	// ErrInvalidReading means the driver answered with a value that is
	// not a usable measurement (NaN, infinity, or an error marker).
	ErrInvalidReading = errors.New("invalid sensor reading")

	// ErrNoResponse means the sensor did not answer in time (NACK,
	// checksum failure, or read timeout).
	ErrNoResponse = errors.New("sensor did not respond")
)

// Reading is one measurement. Humidity is nil for temperature-only
// sensors.
type Reading struct {
	Temperature float64
	Humidity    *float64
	CapturedAt  time.Time
}

// HasHumidity reports whether the reading carries a humidity value.
func (r Reading) HasHumidity() bool {
	return r.Humidity != nil
}

// Sensor produces one reading per call. Implementations return an error
// wrapping [ErrInvalidReading] or [ErrNoResponse] for the two failure
// classes a sampling cycle tolerates.
type Sensor interface {
	Read(ctx context.Context) (Reading, error)
}

// Validate rejects readings that must never be published.
func Validate(r Reading) error {
	if math.IsNaN(r.Temperature) || math.IsInf(r.Temperature, 0) {
		return fmt.Errorf("%w: temperature %v", ErrInvalidReading, r.Temperature)
	}
	if r.Humidity != nil {
		h := *r.Humidity
		if math.IsNaN(h) || math.IsInf(h, 0) {
			return fmt.Errorf("%w: humidity %v", ErrInvalidReading, h)
		}
	}
	return nil
}

// Humidity returns a pointer to h, for building readings inline.
func Humidity(h float64) *float64 {
	return &h
}

// TemperatureOnly wraps s so its readings never carry humidity.
func TemperatureOnly(s Sensor) Sensor {
	return temperatureOnly{s}
}

type temperatureOnly struct{ Sensor }

func (t temperatureOnly) Read(ctx context.Context) (Reading, error) {
	r, err := t.Sensor.Read(ctx)
	r.Humidity = nil
	return r, err
}
