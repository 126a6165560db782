// Package status serves the device's local web page and health
// endpoints: LED control, the latest temperature, connectivity state, a
// websocket stream of published payloads, and a QR code that points
// phones at the page.
package status

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/skip2/go-qrcode"
	"golang.org/x/net/netutil"

	"github.com/nugget/heatsync/internal/buildinfo"
	"github.com/nugget/heatsync/internal/led"
	"github.com/nugget/heatsync/internal/sampler"
	"github.com/nugget/heatsync/internal/sensor"
	"github.com/nugget/heatsync/internal/supervisor"
)

//go:embed templates/*.html
var templateFiles embed.FS

// errorText is what /temp returns when there is no valid reading.
const errorText = "Error"

// Health reports connection state. *supervisor.Supervisor satisfies it.
type Health interface {
	Status() supervisor.Status
}

// Readings exposes the sampling loop. *sampler.Sampler satisfies it.
type Readings interface {
	Last() (sensor.Reading, bool)
	Stats() sampler.Stats
}

// Config wires a Server.
type Config struct {
	Address  string
	Port     int
	MaxConns int // 0 means unlimited

	DeviceID   string
	DeviceName string

	LED      led.LED
	Health   Health
	Readings Readings

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// Server is the device HTTP server.
type Server struct {
	cfg    Config
	logger *slog.Logger
	page   *template.Template
	hub    *Hub
	server *http.Server
}

// New creates a Server. It fails only when the embedded page template
// does not parse.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.LED == nil {
		cfg.LED = &led.Memory{}
	}
	page, err := template.ParseFS(templateFiles, "templates/index.html")
	if err != nil {
		return nil, fmt.Errorf("parse status page: %w", err)
	}

	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger,
		page:   page,
		hub:    NewHub(cfg.Logger),
	}
	s.server = &http.Server{
		Addr:              net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.Port)),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	return s, nil
}

// Hub returns the websocket hub that /ws watchers subscribe to.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the routed handler with access logging and panic
// recovery applied.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/", s.handleIndex).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/on", s.handleLED(true)).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/off", s.handleLED(false)).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/temp", s.handleTemp).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/qr.png", s.handleQR).Methods(http.MethodGet)
	r.Handle("/ws", s.hub).Methods(http.MethodGet)

	var h http.Handler = r
	h = handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{s.logger}),
		handlers.PrintRecoveryStack(false),
	)(h)
	return handlers.LoggingHandler(accessLog{s.logger}, h)
}

// ListenAndServe binds the configured address and serves until ctx
// ends or Shutdown is called.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.server.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln. When MaxConns is set, at most that
// many connections are served at once.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.cfg.MaxConns > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConns)
	}
	go s.hub.Run(ctx)

	s.logger.Info("status server listening", "address", ln.Addr().String(), "max_conns", s.cfg.MaxConns)
	err := s.server.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type pageData struct {
	Name        string
	DeviceID    string
	LEDOn       bool
	Temperature string
	Status      supervisor.Status
	Stats       sampler.Stats
	Version     string
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	s.renderPage(w)
}

func (s *Server) handleLED(on bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.cfg.LED.Set(on); err != nil {
			s.logger.Error("led update failed", "on", on, "error", err)
			http.Error(w, "led update failed", http.StatusInternalServerError)
			return
		}
		s.logger.Info("led switched", "on", on, "remote", r.RemoteAddr)
		s.renderPage(w)
	}
}

func (s *Server) renderPage(w http.ResponseWriter) {
	on, err := s.cfg.LED.On()
	if err != nil {
		s.logger.Debug("led state unreadable", "error", err)
	}

	data := pageData{
		Name:        s.cfg.DeviceName,
		DeviceID:    s.cfg.DeviceID,
		LEDOn:       on,
		Temperature: "Loading...",
		Version:     buildinfo.Version,
	}
	if s.cfg.Health != nil {
		data.Status = s.cfg.Health.Status()
	}
	if s.cfg.Readings != nil {
		data.Stats = s.cfg.Readings.Stats()
		if r, ok := s.cfg.Readings.Last(); ok {
			data.Temperature = formatTemperature(r.Temperature) + " °C"
		} else if data.Stats.SensorDown {
			data.Temperature = errorText
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.page.Execute(w, data); err != nil {
		s.logger.Error("status page render failed", "error", err)
	}
}

func (s *Server) handleTemp(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")

	text := errorText
	if s.cfg.Readings != nil {
		if reading, ok := s.cfg.Readings.Last(); ok {
			text = formatTemperature(reading.Temperature)
		}
	}
	_, _ = w.Write([]byte(text))
}

// formatTemperature renders two decimals, e.g. 23.50.
func formatTemperature(t float64) string {
	return strconv.FormatFloat(t, 'f', 2, 64)
}

type healthResponse struct {
	Status      string            `json:"status"`
	DeviceID    string            `json:"device_id"`
	Version     string            `json:"version"`
	Uptime      string            `json:"uptime"`
	Connections supervisor.Status `json:"connections"`
	Loop        *sampler.Stats    `json:"loop,omitempty"`
	WSClients   int               `json:"ws_clients"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "ok",
		DeviceID:  s.cfg.DeviceID,
		Version:   buildinfo.Version,
		Uptime:    buildinfo.Uptime().String(),
		WSClients: s.hub.Clients(),
	}
	code := http.StatusOK
	if s.cfg.Health != nil {
		resp.Connections = s.cfg.Health.Status()
		if !resp.Connections.Healthy() {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	if s.cfg.Readings != nil {
		st := s.cfg.Readings.Stats()
		resp.Loop = &st
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Debug("failed to write health response", "error", err)
	}
}

func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	png, err := qrcode.Encode("http://"+r.Host+"/", qrcode.Medium, 256)
	if err != nil {
		s.logger.Error("qr encode failed", "host", r.Host, "error", err)
		http.Error(w, "qr encode failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

// accessLog feeds gorilla's combined-format access lines into slog.
type accessLog struct{ logger *slog.Logger }

func (a accessLog) Write(p []byte) (int, error) {
	a.logger.Debug("http request", "line", strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

type recoveryLogger struct{ logger *slog.Logger }

func (l recoveryLogger) Println(v ...any) {
	l.logger.Error("http handler panic", "panic", fmt.Sprint(v...))
}
