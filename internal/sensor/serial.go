package sensor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/tarm/serial"
)

// maxLineLen caps a buffered serial line; anything longer is noise.
const maxLineLen = 256

// SerialConfig describes a microcontroller that prints readings on a
// serial line.
type SerialConfig struct {
	Port        string
	Baud        int
	ReadTimeout time.Duration
	// Request is written before each read for boards that answer on
	// demand. Empty means the board streams lines on its own.
	Request string
}

// Serial reads line-oriented measurements. Accepted line shapes:
//
//	23.5
//	23.5,48.0
//	23.5 48.0
//	temp 23.5
//	dht 23.5 48.0
//
// A leading non-numeric field is treated as a label. "nan" parses as an
// invalid value; a line with no numeric field is invalid.
type Serial struct {
	port    io.ReadWriter
	closer  io.Closer
	request string
	timeout time.Duration
	now     func() time.Time

	pending []byte
}

// OpenSerial opens the configured port.
func OpenSerial(cfg SerialConfig) (*Serial, error) {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 2 * time.Second
	}
	// The port's own timeout is kept short so Read can notice ctx and
	// the overall deadline between chunks.
	p, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Port,
		Baud:        cfg.Baud,
		ReadTimeout: min(cfg.ReadTimeout, 200*time.Millisecond),
	})
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", cfg.Port, err)
	}
	s := NewSerial(p, cfg.Request, cfg.ReadTimeout)
	s.closer = p
	return s, nil
}

// NewSerial wraps an already-open port.
func NewSerial(port io.ReadWriter, request string, timeout time.Duration) *Serial {
	return &Serial{
		port:    port,
		request: request,
		timeout: timeout,
		now:     time.Now,
	}
}

// Close releases the port when Serial opened it.
func (s *Serial) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// Read returns the next complete line as a reading.
func (s *Serial) Read(ctx context.Context) (Reading, error) {
	if s.request != "" {
		// Stale streamed lines would answer the wrong request.
		s.pending = s.pending[:0]
		if _, err := io.WriteString(s.port, s.request); err != nil {
			return Reading{}, fmt.Errorf("%w: write request: %v", ErrNoResponse, err)
		}
	}

	line, err := s.readLine(ctx)
	if err != nil {
		return Reading{}, err
	}

	r, err := ParseLine(line)
	if err != nil {
		return Reading{}, err
	}
	r.CapturedAt = s.now()
	return r, Validate(r)
}

func (s *Serial) readLine(ctx context.Context) (string, error) {
	deadline := s.now().Add(s.timeout)
	buf := make([]byte, 64)

	for {
		if i := bytes.IndexByte(s.pending, '\n'); i >= 0 {
			line := strings.TrimSpace(string(s.pending[:i]))
			s.pending = append(s.pending[:0], s.pending[i+1:]...)
			if line == "" {
				continue
			}
			return line, nil
		}
		if len(s.pending) > maxLineLen {
			s.pending = s.pending[:0]
		}

		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("%w: %v", ErrNoResponse, err)
		}
		if !s.now().Before(deadline) {
			return "", fmt.Errorf("%w: no line within %s", ErrNoResponse, s.timeout)
		}

		n, err := s.port.Read(buf)
		s.pending = append(s.pending, buf[:n]...)
		if err != nil && err != io.EOF {
			return "", fmt.Errorf("%w: read: %v", ErrNoResponse, err)
		}
		if n == 0 {
			// Port timeouts surface as empty reads; yield briefly so a
			// port without its own timeout does not spin.
			select {
			case <-ctx.Done():
			case <-time.After(10 * time.Millisecond):
			}
		}
	}
}

// ParseLine converts one serial line into a reading. CapturedAt is left
// zero.
func ParseLine(line string) (Reading, error) {
	var fields []string
	if strings.Contains(line, ",") {
		for _, f := range strings.Split(line, ",") {
			if f = strings.TrimSpace(f); f != "" {
				fields = append(fields, f)
			}
		}
	} else {
		fields = strings.Fields(line)
	}

	if len(fields) > 0 {
		if _, err := strconv.ParseFloat(fields[0], 64); err != nil {
			fields = fields[1:]
		}
	}

	switch len(fields) {
	case 1, 2:
	default:
		return Reading{}, fmt.Errorf("%w: unparseable line %q", ErrInvalidReading, line)
	}

	t, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return Reading{}, fmt.Errorf("%w: temperature %q", ErrInvalidReading, fields[0])
	}
	r := Reading{Temperature: t}

	if len(fields) == 2 {
		h, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return Reading{}, fmt.Errorf("%w: humidity %q", ErrInvalidReading, fields[1])
		}
		r.Humidity = &h
	}
	return r, nil
}
