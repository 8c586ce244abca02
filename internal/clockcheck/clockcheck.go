// Package clockcheck watches the host clock against an NTP pool. The
// dispatcher's liveness sweeps and service timers compare wall-clock
// timestamps shared through the store, so a skewed host silently evicts
// healthy taxis; the checker makes that visible in the logs.
package clockcheck

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/beevik/ntp"

	"hailgrid/internal/check"
	"hailgrid/internal/fleet"
)

const (
	defaultPool      = "pool.ntp.org"
	defaultInterval  = 60 * time.Second
	defaultThreshold = 500 * time.Millisecond
)

type Phase uint8

const (
	Unchecked Phase = iota + 1
	Healthy
	UnhealthyOffset
	Error
)

func (p Phase) String() string {
	switch p {
	case Unchecked:
		return "unchecked"
	case Healthy:
		return "healthy"
	case UnhealthyOffset:
		return "unhealthy_offset"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

func (p Phase) Transition(to Phase) Phase {
	ok := false
	switch p {
	case Unchecked:
		ok = to == Healthy || to == UnhealthyOffset || to == Error
	case Healthy:
		ok = to == UnhealthyOffset || to == Error
	case UnhealthyOffset:
		ok = to == Healthy || to == Error
	case Error:
		ok = to == Healthy || to == UnhealthyOffset || to == Error
	}
	check.Assertf(ok, "clockcheck transition: %s -> %s", p, to)
	if !ok {
		return p
	}
	return to
}

type Status struct {
	Offset    time.Duration
	Phase     Phase
	Error     string
	CheckedAt time.Time
}

// Checker polls the NTP pool and keeps the latest verdict. CheckFunc
// substitutes the query in tests.
type Checker struct {
	mu        sync.RWMutex
	status    Status
	pool      string
	interval  time.Duration
	threshold time.Duration
	clock     fleet.Clock

	CheckFunc func() Status
}

func NewChecker(clock fleet.Clock) *Checker {
	check.Assert(clock != nil, "clockcheck.NewChecker: clock must not be nil")
	return &Checker{
		pool:      defaultPool,
		interval:  defaultInterval,
		threshold: defaultThreshold,
		status:    Status{Phase: Unchecked},
		clock:     clock,
	}
}

func (c *Checker) Run(ctx context.Context) {
	c.check()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.check()
		}
	}
}

func (c *Checker) check() {
	if c.CheckFunc != nil {
		c.setStatus(c.CheckFunc())
		return
	}

	resp, err := ntp.Query(c.pool)

	now := c.clock.Now()
	if err != nil {
		c.setStatus(Status{Error: err.Error(), Phase: Error, CheckedAt: now})
		return
	}

	phase := UnhealthyOffset
	if resp.ClockOffset.Abs() < c.threshold {
		phase = Healthy
	}
	c.setStatus(Status{Offset: resp.ClockOffset, Phase: phase, CheckedAt: now})
}

func (c *Checker) setStatus(s Status) {
	c.mu.Lock()
	prev := c.status.Phase
	c.status = s
	c.mu.Unlock()

	if s.Phase == UnhealthyOffset && prev != UnhealthyOffset {
		slog.Warn("host clock skewed, liveness timestamps unreliable", "offset", s.Offset)
	}
	if s.Phase == Healthy && prev == UnhealthyOffset {
		slog.Info("host clock back within threshold", "offset", s.Offset)
	}
}

func (c *Checker) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}
