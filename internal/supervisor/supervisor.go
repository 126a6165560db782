// Package supervisor owns the device's connectivity state: the network
// link and the broker transport.
//
// Both connections follow the same machine:
//
//	Disconnected -> Connecting -> Connected -> (drop) -> Disconnected
//
// Entering Connecting issues the underlying connect call under a retry
// policy; entering Connected records when the connection was
// established. A publish I/O error or a lost heartbeat drops the
// transport. A link drop drops the transport too, since the transport
// cannot outlive its link. A transport drop leaves the link alone.
//
// EnsureLink and EnsureTransport block the caller until the connection
// is up, the retry policy gives up, or ctx ends. With the default
// unbounded policy only success or cancellation ends the wait.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/heatsync/internal/retry"
)

// closeTimeout bounds how long tearing down a dead transport may take.
const closeTimeout = 2 * time.Second

// Config wires a Supervisor to its collaborators.
type Config struct {
	Link Link

	// Transport may be nil for devices that only serve HTTP.
	Transport Transport

	LinkRetry      retry.Policy
	TransportRetry retry.Policy

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger

	// Now returns the current time. Uses time.Now if nil.
	Now func() time.Time
}

type connState struct {
	state     State
	since     time.Time
	attempts  int
	exhausted bool
	drops     int
	lastErr   error
}

func (c *connState) status(name string) ConnStatus {
	s := ConnStatus{
		Name:      name,
		State:     c.state,
		Attempts:  c.attempts,
		Exhausted: c.exhausted,
		Drops:     c.drops,
	}
	if c.state == Connected {
		s.Since = c.since
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}

// Supervisor drives connect and reconnect for the link and transport.
// Only the sampling task calls the Ensure, Publish, and Refresh methods;
// the mutex exists so HTTP handlers can read Status concurrently.
type Supervisor struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	link      connState
	transport connState
}

// New creates a Supervisor with both connections Disconnected.
//
// Panics if Link is nil, which is a wiring bug.
func New(cfg Config) *Supervisor {
	if cfg.Link == nil {
		panic("supervisor: Config.Link must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Supervisor{cfg: cfg, logger: cfg.Logger}
}

// HasTransport reports whether a publish transport is configured.
func (s *Supervisor) HasTransport() bool {
	return s.cfg.Transport != nil
}

// LinkState returns the supervisor's view of the link.
func (s *Supervisor) LinkState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.link.state
}

// TransportState returns the supervisor's view of the transport.
func (s *Supervisor) TransportState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport.state
}

// Status returns a health snapshot of both connections.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{Link: s.link.status("link")}
	if s.cfg.Transport != nil {
		ts := s.transport.status("transport")
		st.Transport = &ts
	}
	return st
}

// EnsureLink returns immediately when the link is Connected and the
// link driver agrees. Otherwise it blocks, retrying Link.Connect under
// the link policy.
func (s *Supervisor) EnsureLink(ctx context.Context) error {
	if s.LinkState() == Connected {
		if s.cfg.Link.Status() == Connected {
			return nil
		}
		s.linkLost(errors.New("link status reports down"))
	}

	s.enter(&s.link, Connecting)
	s.logger.Info("connecting link")

	attempts, err := retry.Do(ctx, s.cfg.LinkRetry,
		func(ctx context.Context, attempt int) error {
			return s.cfg.Link.Connect(ctx)
		},
		func(attempt int, err error, next time.Duration) {
			s.recordFailure(&s.link, attempt, err)
			s.logger.Warn("link connect failed",
				"attempt", attempt,
				"reason", ReasonOf(err),
				"next_delay", next.String(),
				"error", err,
			)
		},
	)
	if err != nil {
		return s.giveUp(&s.link, "link", attempts, err)
	}

	s.established(&s.link, attempts)
	s.logger.Info("link connected",
		"address", fmt.Sprint(s.cfg.Link.LocalAddress()),
		"attempts", attempts,
	)
	return nil
}

// EnsureTransport brings the link up first, then returns immediately
// when the transport is Connected and alive. Otherwise it blocks,
// retrying Transport.Connect under the transport policy.
func (s *Supervisor) EnsureTransport(ctx context.Context) error {
	if s.cfg.Transport == nil {
		return ErrNoTransport
	}
	if err := s.EnsureLink(ctx); err != nil {
		return err
	}

	if s.TransportState() == Connected {
		if s.cfg.Transport.IsConnected() {
			return nil
		}
		s.transportLost("heartbeat lost", nil)
	}

	s.enter(&s.transport, Connecting)
	s.logger.Info("connecting transport")

	attempts, err := retry.Do(ctx, s.cfg.TransportRetry,
		func(ctx context.Context, attempt int) error {
			if s.cfg.Link.Status() != Connected {
				if err := s.EnsureLink(ctx); err != nil {
					return err
				}
			}
			return s.cfg.Transport.Connect(ctx)
		},
		func(attempt int, err error, next time.Duration) {
			s.recordFailure(&s.transport, attempt, err)
			s.logger.Warn("transport connect failed",
				"attempt", attempt,
				"reason", ReasonOf(err),
				"next_delay", next.String(),
				"error", err,
			)
		},
	)
	if err != nil {
		return s.giveUp(&s.transport, "transport", attempts, err)
	}

	s.established(&s.transport, attempts)
	s.logger.Info("transport connected", "attempts", attempts)
	return nil
}

// Publish hands payload to the transport. The transport is only touched
// when the supervisor's state is Connected and the transport reports a
// live session. A publish error drops the transport; there is no retry
// here, the next cycle's EnsureTransport reconnects.
func (s *Supervisor) Publish(ctx context.Context, topic string, payload []byte) error {
	if s.cfg.Transport == nil {
		return ErrNoTransport
	}
	if s.TransportState() != Connected {
		return ErrTransportNotConnected
	}
	if !s.cfg.Transport.IsConnected() {
		s.transportLost("connection lost before publish", nil)
		return ErrTransportNotConnected
	}

	if err := s.cfg.Transport.Publish(ctx, topic, payload); err != nil {
		s.transportLost("publish failed", err)
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Refresh polls the drivers for drops detected outside a publish: the
// link going away, or the transport losing its heartbeat.
func (s *Supervisor) Refresh() {
	if s.LinkState() == Connected && s.cfg.Link.Status() != Connected {
		s.linkLost(errors.New("link status reports down"))
	}

	if s.cfg.Transport == nil {
		return
	}
	s.cfg.Transport.Poll()
	if s.TransportState() == Connected && !s.cfg.Transport.IsConnected() {
		s.transportLost("heartbeat lost", nil)
	}
}

// Shutdown announces the device offline when the transport supports it,
// then closes the transport.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	if s.cfg.Transport == nil {
		return nil
	}

	var errs []error
	if a, ok := s.cfg.Transport.(Announcer); ok && s.TransportState() == Connected {
		if err := a.AnnounceOffline(ctx); err != nil {
			errs = append(errs, fmt.Errorf("announce offline: %w", err))
		}
	}
	if err := s.cfg.Transport.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close transport: %w", err))
	}

	s.enter(&s.transport, Disconnected)
	return errors.Join(errs...)
}

// linkLost marks the link Disconnected and drops the transport with it.
func (s *Supervisor) linkLost(err error) {
	s.mu.Lock()
	wasConnected := s.link.state == Connected
	s.link.state = Disconnected
	if wasConnected {
		s.link.drops++
		s.link.lastErr = err
	}
	s.mu.Unlock()

	if wasConnected {
		s.logger.Warn("link lost", "error", err)
	}
	s.transportLost("link lost", err)
}

// transportLost forces the transport to Disconnected. It acts at most
// once per established session: calls while not Connected are no-ops,
// so a single failure is counted exactly once.
func (s *Supervisor) transportLost(reason string, err error) {
	if s.cfg.Transport == nil {
		return
	}

	s.mu.Lock()
	if s.transport.state != Connected {
		s.mu.Unlock()
		return
	}
	s.transport.state = Disconnected
	s.transport.drops++
	if err != nil {
		s.transport.lastErr = err
	} else {
		s.transport.lastErr = errors.New(reason)
	}
	s.mu.Unlock()

	s.logger.Warn("transport disconnected", "reason", reason, "error", err)

	closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if cerr := s.cfg.Transport.Close(closeCtx); cerr != nil {
		s.logger.Debug("transport close after drop failed", "error", cerr)
	}
}

func (s *Supervisor) enter(c *connState, st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.state = st
	if st == Connecting {
		c.attempts = 0
		c.exhausted = false
	}
}

func (s *Supervisor) recordFailure(c *connState, attempt int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.attempts = attempt
	c.lastErr = err
}

func (s *Supervisor) established(c *connState, attempts int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.state = Connected
	c.since = s.cfg.Now()
	c.attempts = attempts
	c.exhausted = false
	c.lastErr = nil
}

func (s *Supervisor) giveUp(c *connState, target string, attempts int, err error) error {
	exhausted := errors.Is(err, retry.ErrExhausted)

	s.mu.Lock()
	c.state = Disconnected
	c.attempts = attempts
	c.exhausted = exhausted
	c.lastErr = err
	s.mu.Unlock()

	if exhausted {
		s.logger.Error(target+" retry policy exhausted",
			"attempts", attempts,
			"error", err,
		)
	}
	return &ConnectError{
		Target:   target,
		Attempts: attempts,
		Reason:   ReasonOf(err),
		Err:      err,
	}
}
