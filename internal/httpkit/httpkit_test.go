package httpkit

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"
)

func TestProbe_Status(t *testing.T) {
	var ua atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua.Store(r.Header.Get("User-Agent"))
		switch r.URL.Path {
		case "/ok":
			w.WriteHeader(http.StatusNoContent)
		case "/portal":
			w.WriteHeader(http.StatusForbidden)
			fmt.Fprint(w, "captive portal")
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	p := NewProber(ProbeConfig{})

	if err := p.Probe(t.Context(), srv.URL+"/ok"); err != nil {
		t.Errorf("Probe(/ok) = %v, want nil", err)
	}
	if got, _ := ua.Load().(string); !strings.HasPrefix(got, "heatsync/") {
		t.Errorf("User-Agent = %q, want heatsync/ prefix", got)
	}

	err := p.Probe(t.Context(), srv.URL+"/portal")
	var pe *ProbeError
	if !errors.As(err, &pe) {
		t.Fatalf("Probe(/portal) = %v, want *ProbeError", err)
	}
	if pe.Status != http.StatusForbidden || pe.Body != "captive portal" {
		t.Errorf("ProbeError = %+v", pe)
	}
}

func TestProbe_UserAgentOverride(t *testing.T) {
	got := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	if err := NewProber(ProbeConfig{UserAgent: "bench/1.0"}).Probe(t.Context(), srv.URL); err != nil {
		t.Fatal(err)
	}
	if ua := <-got; ua != "bench/1.0" {
		t.Errorf("User-Agent = %q", ua)
	}
}

func TestProbe_RefusedIsRetried(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	p := NewProber(ProbeConfig{Timeout: time.Second, Retries: 2, RetryDelay: time.Millisecond})
	start := time.Now()
	err = p.Probe(t.Context(), "http://"+addr+"/")
	if err == nil {
		t.Fatal("Probe() to closed port = nil, want error")
	}
	if !dialFailure(err) {
		t.Errorf("error %v should be a dial failure", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("probe took %v", time.Since(start))
	}
}

func TestProbe_HTTPErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewProber(ProbeConfig{Retries: 3, RetryDelay: time.Millisecond})
	if err := p.Probe(t.Context(), srv.URL); err == nil {
		t.Fatal("Probe() = nil, want error")
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("server saw %d requests, want 1", n)
	}
}

func TestProbe_Cancelled(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	p := NewProber(ProbeConfig{Retries: 100, RetryDelay: time.Hour})
	if err := p.Probe(ctx, "http://"+addr+"/"); err == nil {
		t.Fatal("Probe() with cancelled context = nil, want error")
	}
}

func TestDialFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("boom"), false},
		{"host unreachable", syscall.EHOSTUNREACH, true},
		{"network down", syscall.ENETDOWN, true},
		{"refused in OpError", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, true},
		{"reset", syscall.ECONNRESET, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := dialFailure(tt.err); got != tt.want {
				t.Errorf("dialFailure(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
