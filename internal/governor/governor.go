package governor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Clock abstracts time so tests can drive pacing deterministically.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Config bounds the request pressure of one run.
type Config struct {
	// MaxConcurrency caps permits held at once (default 1).
	MaxConcurrency int
	// MinDelay is the minimum gap between two permit start times. Zero disables pacing.
	MinDelay time.Duration
	Clock    Clock
}

// Governor is shared by every fetch of a run. A caller must Acquire a
// permit before sending a request and Release it once the response is in.
type Governor struct {
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	clock   Clock
	max     int

	inFlight atomic.Int64
	peak     atomic.Int64
	issued   atomic.Int64
}

// New creates a Governor.
func New(cfg Config) *Governor {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}
	g := &Governor{
		sem:   semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		clock: cfg.Clock,
		max:   cfg.MaxConcurrency,
	}
	if cfg.MinDelay > 0 {
		g.limiter = rate.NewLimiter(rate.Every(cfg.MinDelay), 1)
	}
	return g
}

// Permit is one slot of in-flight request capacity.
type Permit struct {
	g     *Governor
	start time.Time
	once  sync.Once
}

// Acquire blocks until a concurrency slot is free and the inter-request
// delay has elapsed, or ctx is done.
func (g *Governor) Acquire(ctx context.Context) (*Permit, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire slot: %w", err)
	}
	// Pacing runs while holding the slot so that permits leave in start order.
	if err := g.pace(ctx); err != nil {
		g.sem.Release(1)
		return nil, err
	}

	n := g.inFlight.Add(1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			break
		}
	}
	g.issued.Add(1)
	return &Permit{g: g, start: g.clock.Now()}, nil
}

func (g *Governor) pace(ctx context.Context) error {
	if g.limiter == nil {
		return nil
	}
	now := g.clock.Now()
	r := g.limiter.ReserveN(now, 1)
	if !r.OK() {
		return fmt.Errorf("pace: reservation refused")
	}
	d := r.DelayFrom(now)
	if d <= 0 {
		return nil
	}
	select {
	case <-g.clock.After(d):
		return nil
	case <-ctx.Done():
		r.CancelAt(g.clock.Now())
		return fmt.Errorf("pace: %w", ctx.Err())
	}
}

// Release returns the slot. Safe to call more than once.
func (p *Permit) Release() {
	p.once.Do(func() {
		p.g.inFlight.Add(-1)
		p.g.sem.Release(1)
	})
}

// Start is when the permit was granted.
func (p *Permit) Start() time.Time { return p.start }

// MaxConcurrency returns the configured cap.
func (g *Governor) MaxConcurrency() int { return g.max }

// InFlight returns the number of permits currently held.
func (g *Governor) InFlight() int { return int(g.inFlight.Load()) }

// Peak returns the highest InFlight value observed.
func (g *Governor) Peak() int { return int(g.peak.Load()) }

// Issued returns the total number of permits granted.
func (g *Governor) Issued() int { return int(g.issued.Load()) }
