package status

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/heatsync/internal/led"
	"github.com/nugget/heatsync/internal/sampler"
	"github.com/nugget/heatsync/internal/sensor"
	"github.com/nugget/heatsync/internal/supervisor"
)

type fakeHealth struct{ st supervisor.Status }

func (f fakeHealth) Status() supervisor.Status { return f.st }

type fakeReadings struct {
	last  *sensor.Reading
	stats sampler.Stats
}

func (f fakeReadings) Last() (sensor.Reading, bool) {
	if f.last == nil {
		return sensor.Reading{}, false
	}
	return *f.last, true
}

func (f fakeReadings) Stats() sampler.Stats { return f.stats }

type brokenLED struct{}

func (brokenLED) Set(bool) error     { return errors.New("gpio busy") }
func (brokenLED) On() (bool, error) { return false, nil }

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = discard()
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = "porch"
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestTemp(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		last *sensor.Reading
		want string
	}{
		{"no reading yet", nil, "Error"},
		{"reading", &sensor.Reading{Temperature: 23.5}, "23.50"},
		{"negative", &sensor.Reading{Temperature: -4.25}, "-4.25"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := newTestServer(t, Config{Readings: fakeReadings{last: tt.last}})
			rec := get(t, s.Handler(), "/temp")
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d", rec.Code)
			}
			if got := rec.Body.String(); got != tt.want {
				t.Errorf("body = %q, want %q", got, tt.want)
			}
			if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
				t.Errorf("Content-Type = %q", ct)
			}
		})
	}
}

func TestSensorDownShowsError(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, Config{Readings: fakeReadings{stats: sampler.Stats{SensorDown: true, SensorFailures: 3}}})
	h := s.Handler()

	if got := get(t, h, "/temp").Body.String(); got != "Error" {
		t.Errorf("/temp = %q, want Error", got)
	}
	body := get(t, h, "/").Body.String()
	if !strings.Contains(body, `id="temp">Error<`) {
		t.Errorf("index does not show Error for a failed sensor:\n%s", body)
	}
}

func TestIndexAndLED(t *testing.T) {
	t.Parallel()
	mem := &led.Memory{}
	s := newTestServer(t, Config{
		LED:      mem,
		DeviceID: "AA:BB:CC:DD:EE:FF",
		Health:   fakeHealth{supervisor.Status{Link: supervisor.ConnStatus{Name: "link", State: supervisor.Connected}}},
		Readings: fakeReadings{last: &sensor.Reading{Temperature: 21}},
	})
	h := s.Handler()

	rec := get(t, h, "/")
	body := rec.Body.String()
	for _, want := range []string{"LED status: <strong>OFF</strong>", "/temp", "21.00 °C", "AA:BB:CC:DD:EE:FF", "connected"} {
		if !strings.Contains(body, want) {
			t.Errorf("index missing %q", want)
		}
	}

	rec = get(t, h, "/on")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "LED status: <strong>ON</strong>") {
		t.Errorf("/on = %d, body lacks ON", rec.Code)
	}
	if on, _ := mem.On(); !on {
		t.Error("LED not switched on")
	}

	get(t, h, "/off")
	if on, _ := mem.On(); on {
		t.Error("LED not switched off")
	}
}

func TestLED_Failure(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, Config{LED: brokenLED{}})
	if rec := get(t, s.Handler(), "/on"); rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		status     supervisor.Status
		wantCode   int
		wantStatus string
	}{
		{
			name:       "healthy",
			status:     supervisor.Status{Link: supervisor.ConnStatus{Name: "link", State: supervisor.Connected}},
			wantCode:   http.StatusOK,
			wantStatus: "ok",
		},
		{
			name: "transport exhausted",
			status: supervisor.Status{
				Link:      supervisor.ConnStatus{Name: "link", State: supervisor.Connected},
				Transport: &supervisor.ConnStatus{Name: "transport", State: supervisor.Disconnected, Exhausted: true},
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "degraded",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := newTestServer(t, Config{
				DeviceID: "dev-1",
				Health:   fakeHealth{tt.status},
				Readings: fakeReadings{stats: sampler.Stats{Cycles: 7, Published: 5}},
			})
			rec := get(t, s.Handler(), "/healthz")
			if rec.Code != tt.wantCode {
				t.Errorf("status code = %d, want %d", rec.Code, tt.wantCode)
			}

			var body struct {
				Status      string `json:"status"`
				DeviceID    string `json:"device_id"`
				Connections struct {
					Link struct {
						State string `json:"state"`
					} `json:"link"`
				} `json:"connections"`
				Loop struct {
					Cycles    int `json:"cycles"`
					Published int `json:"published"`
				} `json:"loop"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v\n%s", err, rec.Body.String())
			}
			if body.Status != tt.wantStatus || body.DeviceID != "dev-1" {
				t.Errorf("body = %+v", body)
			}
			if body.Connections.Link.State != "connected" {
				t.Errorf("link state = %q", body.Connections.Link.State)
			}
			if body.Loop.Cycles != 7 || body.Loop.Published != 5 {
				t.Errorf("loop = %+v", body.Loop)
			}
		})
	}
}

func TestQR(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, Config{})
	rec := get(t, s.Handler(), "/qr.png")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q", ct)
	}
	if !bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")) {
		t.Error("body is not a PNG")
	}
}

func TestMethodNotAllowed(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, Config{})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/temp", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestWebsocketBroadcast(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, Config{})
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	go s.Hub().Run(ctx)

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for s.Hub().Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	want := `{"deviceId":"dev","temperature":20.0}`
	s.Hub().Broadcast([]byte(want))

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(msg) != want {
		t.Errorf("message = %s, want %s", msg, want)
	}
}

func TestServeAndShutdown(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, Config{MaxConns: 2, Readings: fakeReadings{last: &sensor.Reading{Temperature: 19}}})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- s.Serve(t.Context(), ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/temp")
	if err != nil {
		t.Fatalf("GET /temp: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "19.00" {
		t.Errorf("body = %q", body)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if err := <-done; err != nil {
		t.Errorf("Serve() error = %v, want nil after shutdown", err)
	}
}
