package sensor

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// SimConfig tunes the simulated sensor.
type SimConfig struct {
	// Seed makes the sequence reproducible. Zero picks a random seed.
	Seed uint64
	// InvalidRate is the probability in [0,1] that a read yields NaN.
	InvalidRate float64
	// NoHumidity simulates a temperature-only sensor.
	NoHumidity bool
}

// Sim generates readings between 18 and 28 °C and 30 to 70 % relative
// humidity, rounded to one decimal like a DHT11.
type Sim struct {
	cfg SimConfig
	now func() time.Time

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSim creates a simulated sensor.
func NewSim(cfg SimConfig) *Sim {
	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &Sim{
		cfg: cfg,
		now: time.Now,
		rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// Read returns the next simulated reading.
func (s *Sim) Read(ctx context.Context) (Reading, error) {
	if err := ctx.Err(); err != nil {
		return Reading{}, err
	}

	s.mu.Lock()
	invalid := s.cfg.InvalidRate > 0 && s.rng.Float64() < s.cfg.InvalidRate
	t := round1(18 + s.rng.Float64()*10)
	h := round1(30 + s.rng.Float64()*40)
	s.mu.Unlock()

	if invalid {
		t = math.NaN()
	}
	r := Reading{Temperature: t, CapturedAt: s.now()}
	if !s.cfg.NoHumidity {
		r.Humidity = &h
	}
	return r, Validate(r)
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
