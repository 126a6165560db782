// Package sampler runs the sampling and publish loop.
//
// Each cycle runs strictly in order: link check, transport check,
// sensor read, payload build, publish. A bad reading or a failed
// publish ends the cycle early; neither is sticky, and a failed publish
// is never retried inside the cycle. The next cycle's transport check
// reconnects.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/heatsync/internal/config"
	"github.com/nugget/heatsync/internal/payload"
	"github.com/nugget/heatsync/internal/retry"
	"github.com/nugget/heatsync/internal/sensor"
	"github.com/nugget/heatsync/internal/supervisor"
	"github.com/nugget/heatsync/internal/timesync"
)

// ErrSkipped marks a cycle that ended before publishing because the
// sensor reading was unusable.
var ErrSkipped = errors.New("cycle skipped")

// Config wires a Sampler.
type Config struct {
	Supervisor *supervisor.Supervisor
	Sensor     sensor.Sensor
	Clock      timesync.Clock

	DeviceID string
	Topic    string
	Format   payload.Format
	Interval time.Duration

	// OnReading, if set, is called with each valid reading and its
	// payload, whether or not the publish succeeds.
	OnReading func(sensor.Reading, payload.Payload)

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger

	// Now and Sleep drive the cadence. They default to time.Now and
	// retry.Sleep.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) bool
}

// Stats is a snapshot of loop counters for health output.
type Stats struct {
	Cycles          int64           `json:"cycles"`
	Published       int64           `json:"published"`
	SensorFailures  int64           `json:"sensor_failures"`
	PublishFailures int64           `json:"publish_failures"`
	LastReading     *sensor.Reading `json:"-"`
	SensorDown      bool            `json:"sensor_down,omitempty"`
	LastError       string          `json:"last_error,omitempty"`
	LastCycle       time.Time       `json:"last_cycle,omitzero"`
	LastPublish     time.Time       `json:"last_publish,omitzero"`
}

// Sampler owns the cadence. Exactly one goroutine runs Tick or Run;
// Stats and Last may be read from any goroutine.
type Sampler struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	stats Stats
}

// New creates a Sampler.
func New(cfg Config) *Sampler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = timesync.Disabled{}
	}
	if cfg.Format == "" {
		cfg.Format = payload.FormatJSON
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = retry.Sleep
	}
	return &Sampler{cfg: cfg, logger: cfg.Logger}
}

// Stats returns a copy of the loop counters.
func (s *Sampler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	if st.LastReading != nil {
		r := *st.LastReading
		st.LastReading = &r
	}
	return st
}

// Last returns the reading from the most recent sample. It reports
// false before the first valid reading and whenever the latest read
// failed, so a dead sensor never shows a stale value.
func (s *Sampler) Last() (sensor.Reading, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stats.LastReading == nil {
		return sensor.Reading{}, false
	}
	return *s.stats.LastReading, true
}

// Tick runs one cycle. It returns nil when the payload was published
// (or built, on a device without a transport), ErrSkipped-wrapped
// errors for unusable readings, and other errors for connectivity or
// publish failures. Every failure is logged once here.
func (s *Sampler) Tick(ctx context.Context) error {
	sup := s.cfg.Supervisor
	s.record(func(st *Stats) {
		st.Cycles++
		st.LastCycle = s.cfg.Now()
	})

	sup.Refresh()

	// 1. Link check.
	if sup.LinkState() != supervisor.Connected {
		if err := sup.EnsureLink(ctx); err != nil {
			return s.fail(err, "link unavailable, cycle aborted")
		}
	}

	// 2. Transport check.
	publishing := sup.HasTransport()
	if publishing && sup.TransportState() != supervisor.Connected {
		if err := sup.EnsureTransport(ctx); err != nil {
			return s.fail(err, "transport unavailable, cycle aborted")
		}
	}

	// 3. Sample.
	r, err := s.cfg.Sensor.Read(ctx)
	if err == nil {
		err = sensor.Validate(r)
	}
	if err != nil {
		s.record(func(st *Stats) {
			st.SensorFailures++
			st.LastError = err.Error()
			st.LastReading = nil
			st.SensorDown = true
		})
		s.logger.Warn("sensor read failed, skipping cycle", "error", err)
		return fmt.Errorf("%w: %w", ErrSkipped, err)
	}

	// 4. Payload build.
	var ts *time.Time
	if now, ok := s.cfg.Clock.Now(); ok {
		ts = &now
	}
	p := payload.Build(s.cfg.DeviceID, r, ts)
	data, err := p.Marshal(s.cfg.Format)
	if err != nil {
		return s.fail(err, "payload encode failed")
	}

	s.record(func(st *Stats) {
		st.LastReading = &r
		st.SensorDown = false
	})
	if s.cfg.OnReading != nil {
		s.cfg.OnReading(r, p)
	}

	if !publishing {
		return nil
	}

	// 5. Publish.
	s.logger.Log(ctx, config.LevelTrace, "publishing payload", "topic", s.cfg.Topic, "payload", string(data))
	if err := sup.Publish(ctx, s.cfg.Topic, data); err != nil {
		s.record(func(st *Stats) {
			st.PublishFailures++
			st.LastError = err.Error()
		})
		s.logger.Warn("publish failed", "topic", s.cfg.Topic, "error", err)
		return err
	}

	s.record(func(st *Stats) {
		st.Published++
		st.LastPublish = s.cfg.Now()
		st.LastError = ""
	})
	s.logger.Debug("published",
		"topic", s.cfg.Topic,
		"device_id", s.cfg.DeviceID,
		"temperature", r.Temperature,
		"synced", ts != nil,
	)
	return nil
}

// Run ticks until ctx ends. The next cycle starts Interval after the
// previous cycle started, or immediately if that moment has already
// passed. Missed ticks are never queued, so a long reconnect delays
// later samples without bursting them.
func (s *Sampler) Run(ctx context.Context) error {
	interval := s.cfg.Interval
	if interval <= 0 {
		return fmt.Errorf("sampling interval must be positive, got %s", interval)
	}

	s.logger.Info("sampling loop started",
		"interval", interval.String(),
		"topic", s.cfg.Topic,
		"device_id", s.cfg.DeviceID,
	)

	next := s.cfg.Now()
	for {
		if wait := next.Sub(s.cfg.Now()); wait > 0 {
			if !s.cfg.Sleep(ctx, wait) {
				return nil
			}
		} else if ctx.Err() != nil {
			return nil
		}

		start := s.cfg.Now()
		_ = s.Tick(ctx) // failures are logged and counted inside Tick
		next = start.Add(interval)
	}
}

func (s *Sampler) record(fn func(*Stats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.stats)
}

func (s *Sampler) fail(err error, msg string) error {
	s.record(func(st *Stats) { st.LastError = err.Error() })
	if errors.Is(err, context.Canceled) {
		return err
	}
	s.logger.Warn(msg, "error", err)
	return err
}
