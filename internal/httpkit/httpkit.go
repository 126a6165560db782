// Package httpkit probes an HTTP endpoint to confirm that a network
// link actually reaches somewhere, not just that an address is bound.
// A captive portal or a dead upstream shows up as a [ProbeError].
package httpkit

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/nugget/heatsync/internal/buildinfo"
	"github.com/nugget/heatsync/internal/retry"
)

const (
	dialTimeout    = 5 * time.Second
	headerTimeout  = 5 * time.Second
	idleTimeout    = 30 * time.Second
	errorBodyLimit = 256
	drainBodyLimit = 4096
	defaultTimeout = 10 * time.Second
)

// ProbeConfig configures a Prober. The zero value is usable.
type ProbeConfig struct {
	// Timeout bounds one request end to end. Default 10s.
	Timeout time.Duration

	// Insecure skips certificate verification on https URLs.
	Insecure bool

	// Retries is how many extra attempts follow a dial failure (no
	// route, network down, refused). A link that has only just come up
	// often needs a moment before its route works.
	Retries    int
	RetryDelay time.Duration

	// UserAgent defaults to heatsync/<version>.
	UserAgent string

	Logger *slog.Logger
}

// Prober issues reachability GETs.
type Prober struct {
	client *http.Client
	ua     string
	policy retry.Policy
	logger *slog.Logger
}

// NewProber builds a Prober with a small dedicated transport.
func NewProber(cfg ProbeConfig) *Prober {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = buildinfo.UserAgent()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	tr := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: dialTimeout}).DialContext,
		TLSHandshakeTimeout:   dialTimeout,
		ResponseHeaderTimeout: headerTimeout,
		IdleConnTimeout:       idleTimeout,
		MaxIdleConns:          1,
		MaxIdleConnsPerHost:   1,
	}
	if cfg.Insecure {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // explicit opt-in
	}

	return &Prober{
		client: &http.Client{Timeout: cfg.Timeout, Transport: tr},
		ua:     cfg.UserAgent,
		policy: retry.Policy{MaxAttempts: cfg.Retries + 1, Delay: cfg.RetryDelay},
		logger: cfg.Logger,
	}
}

// ProbeError is a probe answered with a non-2xx status.
type ProbeError struct {
	URL    string
	Status int
	Body   string
}

func (e *ProbeError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("probe %s: status %d", e.URL, e.Status)
	}
	return fmt.Sprintf("probe %s: status %d: %s", e.URL, e.Status, e.Body)
}

// Probe succeeds when url answers with any 2xx status. Dial failures
// are retried per the config; everything else fails at once.
func (p *Prober) Probe(ctx context.Context, url string) error {
	var delay time.Duration
	for attempt := 1; ; attempt++ {
		err := p.once(ctx, url)
		if err == nil || !dialFailure(err) || attempt >= p.policy.MaxAttempts {
			return err
		}
		delay = p.policy.Next(delay)
		p.logger.Debug("probe dial failed, retrying",
			"url", url, "attempt", attempt, "next", delay, "error", err)
		if !retry.Sleep(ctx, delay) {
			return errors.Join(ctx.Err(), err)
		}
	}
}

func (p *Prober) once(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	req.Header.Set("User-Agent", p.ua)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s: %w", url, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, drainBodyLimit))
		resp.Body.Close()
	}()

	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return &ProbeError{URL: url, Status: resp.StatusCode, Body: string(body)}
	}
	return nil
}

// dialFailure reports errors raised before any bytes reached the server.
func dialFailure(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	switch errno {
	case syscall.EHOSTUNREACH, syscall.ENETUNREACH, syscall.ENETDOWN, syscall.ECONNREFUSED:
		return true
	}
	return false
}
