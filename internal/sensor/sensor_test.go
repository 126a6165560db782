package sensor

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		r       Reading
		wantErr bool
	}{
		{"valid", Reading{Temperature: 23.5, Humidity: Humidity(48)}, false},
		{"no humidity", Reading{Temperature: -4}, false},
		{"nan temperature", Reading{Temperature: math.NaN()}, true},
		{"inf temperature", Reading{Temperature: math.Inf(1)}, true},
		{"nan humidity", Reading{Temperature: 20, Humidity: Humidity(math.NaN())}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.r)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidReading) {
				t.Errorf("error %v should wrap ErrInvalidReading", err)
			}
		})
	}
}

func TestParseLine(t *testing.T) {
	t.Parallel()
	tests := []struct {
		line     string
		wantT    float64
		wantH    float64 // -1 means absent
		wantErr  bool
		wantNaNT bool
	}{
		{line: "23.5", wantT: 23.5, wantH: -1},
		{line: "23.5,48.0", wantT: 23.5, wantH: 48},
		{line: "23.5, 48", wantT: 23.5, wantH: 48},
		{line: "23.5 48.0", wantT: 23.5, wantH: 48},
		{line: "temp 21.25", wantT: 21.25, wantH: -1},
		{line: "dht 19.0 55.5", wantT: 19, wantH: 55.5},
		{line: "sensor_1,22.0", wantT: 22, wantH: -1},
		{line: "nan", wantNaNT: true, wantH: -1},
		{line: "Error", wantErr: true},
		{line: "1 2 3", wantErr: true},
		{line: "20 abc", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			r, err := ParseLine(tt.line)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidReading) {
					t.Fatalf("ParseLine(%q) error = %v, want ErrInvalidReading", tt.line, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseLine(%q) error = %v", tt.line, err)
			}
			if tt.wantNaNT {
				if !math.IsNaN(r.Temperature) {
					t.Errorf("temperature = %v, want NaN", r.Temperature)
				}
			} else if r.Temperature != tt.wantT {
				t.Errorf("temperature = %v, want %v", r.Temperature, tt.wantT)
			}
			switch {
			case tt.wantH < 0 && r.Humidity != nil:
				t.Errorf("humidity = %v, want absent", *r.Humidity)
			case tt.wantH >= 0 && (r.Humidity == nil || *r.Humidity != tt.wantH):
				t.Errorf("humidity = %v, want %v", r.Humidity, tt.wantH)
			}
		})
	}
}

// scriptedPort hands out queued chunks, then empty reads like a port
// whose read timeout expired.
type scriptedPort struct {
	mu      sync.Mutex
	chunks  []string
	written strings.Builder
}

func (p *scriptedPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.chunks) == 0 {
		return 0, nil
	}
	n := copy(b, p.chunks[0])
	if n < len(p.chunks[0]) {
		p.chunks[0] = p.chunks[0][n:]
	} else {
		p.chunks = p.chunks[1:]
	}
	return n, nil
}

func (p *scriptedPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.Write(b)
}

func TestSerial_ReadAcrossChunks(t *testing.T) {
	t.Parallel()
	port := &scriptedPort{chunks: []string{"\r\n23.", "5,48.0\r", "\n21.0\n"}}
	s := NewSerial(port, "", time.Second)

	r, err := s.Read(context.Background())
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if r.Temperature != 23.5 || r.Humidity == nil || *r.Humidity != 48 {
		t.Errorf("reading = %+v, want 23.5/48", r)
	}
	if r.CapturedAt.IsZero() {
		t.Error("CapturedAt not set")
	}

	r, err = s.Read(context.Background())
	if err != nil {
		t.Fatalf("second Read() error = %v", err)
	}
	if r.Temperature != 21 || r.Humidity != nil {
		t.Errorf("second reading = %+v, want 21 without humidity", r)
	}
}

func TestSerial_WritesRequest(t *testing.T) {
	t.Parallel()
	port := &scriptedPort{chunks: []string{"20.5 40\n"}}
	s := NewSerial(port, "R\n", time.Second)

	if _, err := s.Read(context.Background()); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got := port.written.String(); got != "R\n" {
		t.Errorf("written = %q, want %q", got, "R\n")
	}
}

func TestSerial_Timeout(t *testing.T) {
	t.Parallel()
	s := NewSerial(&scriptedPort{}, "", 30*time.Millisecond)

	_, err := s.Read(context.Background())
	if !errors.Is(err, ErrNoResponse) {
		t.Fatalf("Read() error = %v, want ErrNoResponse", err)
	}
}

func TestSerial_NaNLine(t *testing.T) {
	t.Parallel()
	s := NewSerial(&scriptedPort{chunks: []string{"nan,nan\n"}}, "", time.Second)

	_, err := s.Read(context.Background())
	if !errors.Is(err, ErrInvalidReading) {
		t.Fatalf("Read() error = %v, want ErrInvalidReading", err)
	}
}

func writeChannel(t *testing.T, dir, name, value string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(value), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestIIO_Read(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeChannel(t, dir, iioTempFile, "23500\n")
	writeChannel(t, dir, iioHumidityFile, "48000\n")

	r, err := NewIIO(dir).Read(context.Background())
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if r.Temperature != 23.5 {
		t.Errorf("temperature = %v, want 23.5", r.Temperature)
	}
	if r.Humidity == nil || *r.Humidity != 48 {
		t.Errorf("humidity = %v, want 48", r.Humidity)
	}
}

func TestIIO_TemperatureOnly(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeChannel(t, dir, iioTempFile, "-1250")

	r, err := NewIIO(dir).Read(context.Background())
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if r.Temperature != -1.25 || r.Humidity != nil {
		t.Errorf("reading = %+v, want -1.25 without humidity", r)
	}
}

func TestIIO_Errors(t *testing.T) {
	t.Parallel()

	t.Run("missing device", func(t *testing.T) {
		_, err := NewIIO(filepath.Join(t.TempDir(), "absent")).Read(context.Background())
		if err == nil {
			t.Fatal("Read() = nil error, want error")
		}
	})

	t.Run("garbage value", func(t *testing.T) {
		dir := t.TempDir()
		writeChannel(t, dir, iioTempFile, "hot")
		_, err := NewIIO(dir).Read(context.Background())
		if !errors.Is(err, ErrInvalidReading) {
			t.Fatalf("Read() error = %v, want ErrInvalidReading", err)
		}
	})
}

func TestSim_Deterministic(t *testing.T) {
	t.Parallel()
	a := NewSim(SimConfig{Seed: 42})
	b := NewSim(SimConfig{Seed: 42})
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		ra, errA := a.Read(ctx)
		rb, errB := b.Read(ctx)
		if errA != nil || errB != nil {
			t.Fatalf("Read() errors = %v, %v", errA, errB)
		}
		if ra.Temperature != rb.Temperature || *ra.Humidity != *rb.Humidity {
			t.Fatalf("step %d: same seed diverged: %+v vs %+v", i, ra, rb)
		}
		if ra.Temperature < 18 || ra.Temperature > 28 {
			t.Errorf("temperature %v out of range", ra.Temperature)
		}
		if *ra.Humidity < 30 || *ra.Humidity > 70 {
			t.Errorf("humidity %v out of range", *ra.Humidity)
		}
	}
}

func TestSim_InvalidRate(t *testing.T) {
	t.Parallel()
	s := NewSim(SimConfig{Seed: 1, InvalidRate: 1, NoHumidity: true})

	r, err := s.Read(context.Background())
	if !errors.Is(err, ErrInvalidReading) {
		t.Fatalf("Read() error = %v, want ErrInvalidReading", err)
	}
	if r.Humidity != nil {
		t.Error("NoHumidity sim returned humidity")
	}
}

func TestTemperatureOnly(t *testing.T) {
	t.Parallel()
	s := TemperatureOnly(NewSim(SimConfig{Seed: 7}))
	for range 5 {
		r, err := s.Read(t.Context())
		if err != nil {
			t.Fatal(err)
		}
		if r.HasHumidity() {
			t.Fatalf("reading %+v carries humidity", r)
		}
	}
}
