// Package payload builds the telemetry message published for each
// reading.
//
// The canonical wire shape is schema v1:
//
//	{"deviceId":"AA:BB:CC:DD:EE:FF","temperature":23.5,"humidity":48.0,"timestamp":1700000000000}
//
// humidity is omitted for temperature-only sensors and timestamp
// (milliseconds since the Unix epoch) is omitted until the clock is
// synchronized. The schema version travels out of band as a content
// type or message header, never inside the document.
package payload

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/heatsync/internal/sensor"
)

const (
	// SchemaVersion identifies the JSON document layout.
	SchemaVersion = "v1"

	// ContentType is the media type of a v1 JSON payload.
	ContentType = "application/vnd.heatsync.telemetry.v1+json"

	// PlainContentType is the media type of the plain format.
	PlainContentType = "text/plain; charset=utf-8"
)

// Format selects the wire encoding.
type Format string

const (
	FormatJSON  Format = "json"
	FormatPlain Format = "plain"
)

// ParseFormat validates a configured format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatJSON, FormatPlain:
		return f, nil
	case "":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unknown payload format %q", s)
	}
}

// ContentType returns the media type for the format.
func (f Format) ContentType() string {
	if f == FormatPlain {
		return PlainContentType
	}
	return ContentType
}

// Payload is one telemetry message. Build it with [Build]; it is a value
// and is never modified after construction.
type Payload struct {
	DeviceID    string
	Temperature float64
	Humidity    *float64
	Timestamp   *time.Time
}

// Build assembles a payload from a validated reading. ts is nil when the
// clock is not synchronized.
func Build(deviceID string, r sensor.Reading, ts *time.Time) Payload {
	p := Payload{
		DeviceID:    deviceID,
		Temperature: r.Temperature,
	}
	if r.Humidity != nil {
		h := *r.Humidity
		p.Humidity = &h
	}
	if ts != nil {
		t := *ts
		p.Timestamp = &t
	}
	return p
}

// TimestampMillis returns the timestamp in epoch milliseconds.
func (p Payload) TimestampMillis() (int64, bool) {
	if p.Timestamp == nil {
		return 0, false
	}
	return p.Timestamp.UnixMilli(), true
}

// MarshalJSON renders the v1 document. Field order is fixed.
func (p Payload) MarshalJSON() ([]byte, error) {
	id, err := json.Marshal(p.DeviceID)
	if err != nil {
		return nil, err
	}

	b := make([]byte, 0, 96)
	b = append(b, `{"deviceId":`...)
	b = append(b, id...)
	b = append(b, `,"temperature":`...)
	b = appendDecimal(b, p.Temperature)
	if p.Humidity != nil {
		b = append(b, `,"humidity":`...)
		b = appendDecimal(b, *p.Humidity)
	}
	if ms, ok := p.TimestampMillis(); ok {
		b = append(b, `,"timestamp":`...)
		b = strconv.AppendInt(b, ms, 10)
	}
	b = append(b, '}')
	return b, nil
}

// Marshal encodes the payload in the given format.
func (p Payload) Marshal(f Format) ([]byte, error) {
	switch f {
	case FormatJSON, "":
		return p.MarshalJSON()
	case FormatPlain:
		return appendDecimal(nil, p.Temperature), nil
	default:
		return nil, fmt.Errorf("unknown payload format %q", f)
	}
}

// appendDecimal writes v with the fewest digits that round-trip and
// always includes a fractional part, so 48 renders as 48.0.
func appendDecimal(b []byte, v float64) []byte {
	start := len(b)
	b = strconv.AppendFloat(b, v, 'f', -1, 64)
	if !strings.ContainsRune(string(b[start:]), '.') {
		b = append(b, ".0"...)
	}
	return b
}
