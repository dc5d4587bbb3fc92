package timestamp

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Provider is a wall clock in a configurable unit.
type Provider interface {
	// Unit returns the resolution of the provider.
	Unit() time.Duration
	// Now returns the current time truncated to Unit. Successive calls never
	// return an earlier time.
	Now() time.Time
	// SleepPast blocks until Now is strictly after t and returns that time.
	// It returns the context error if ctx ends first.
	SleepPast(ctx context.Context, t time.Time) (time.Time, error)
	// Ticks converts t into a number of units since the unix epoch.
	Ticks(t time.Time) int64
	// FromTicks converts a number of units since the unix epoch into a time.
	FromTicks(ticks int64) time.Time
}

// ParseUnit resolves a unit name (ms, us, ns) into a duration.
func ParseUnit(name string) (time.Duration, error) {
	switch name {
	case "ms", "milli", "millisecond":
		return time.Millisecond, nil
	case "us", "micro", "microsecond":
		return time.Microsecond, nil
	case "ns", "nano", "nanosecond":
		return time.Nanosecond, nil
	default:
		return 0, fmt.Errorf("unknown timestamp unit %q", name)
	}
}

// --------------------------------------------------------------------------
// Shared unit arithmetic
// --------------------------------------------------------------------------

type unitBase struct {
	unit time.Duration
}

func (b unitBase) Unit() time.Duration { return b.unit }

func (b unitBase) Ticks(t time.Time) int64 { return t.UnixNano() / int64(b.unit) }

func (b unitBase) FromTicks(ticks int64) time.Time { return time.Unix(0, ticks*int64(b.unit)) }

func (b unitBase) truncate(t time.Time) time.Time { return b.FromTicks(b.Ticks(t)) }

// --------------------------------------------------------------------------
// System clock
// --------------------------------------------------------------------------

type systemProvider struct {
	unitBase
	last atomic.Int64 // last returned time in ticks
}

var (
	Milli = NewProvider(time.Millisecond)
	Micro = NewProvider(time.Microsecond)
	Nano  = NewProvider(time.Nanosecond)
)

// NewProvider creates a system clock provider with the given unit.
// A non positive unit defaults to milliseconds.
func NewProvider(unit time.Duration) Provider {
	if unit <= 0 {
		unit = time.Millisecond
	}
	return &systemProvider{unitBase: unitBase{unit: unit}}
}

func (p *systemProvider) Now() time.Time {
	ticks := p.Ticks(time.Now())
	for {
		last := p.last.Load()
		if ticks <= last {
			return p.FromTicks(last)
		}
		if p.last.CompareAndSwap(last, ticks) {
			return p.FromTicks(ticks)
		}
	}
}

func (p *systemProvider) SleepPast(ctx context.Context, t time.Time) (time.Time, error) {
	target := p.truncate(t)
	for {
		now := p.Now()
		if now.After(target) {
			return now, nil
		}
		timer := time.NewTimer(target.Sub(now) + p.unit)
		select {
		case <-ctx.Done():
			timer.Stop()
			return p.Now(), ctx.Err()
		case <-timer.C:
		}
	}
}

// --------------------------------------------------------------------------
// Manual clock
// --------------------------------------------------------------------------

// ManualProvider is a Provider whose clock only moves forward on Advance or
// when a caller sleeps past the current time.
type ManualProvider struct {
	unitBase
	mu  sync.Mutex
	now time.Time
}

// NewManualProvider creates a manual clock starting at start.
func NewManualProvider(start time.Time, unit time.Duration) *ManualProvider {
	if unit <= 0 {
		unit = time.Millisecond
	}
	p := &ManualProvider{unitBase: unitBase{unit: unit}}
	p.now = p.truncate(start)
	return p
}

func (p *ManualProvider) Now() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.now
}

// Advance moves the clock forward by d.
func (p *ManualProvider) Advance(d time.Duration) time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	if d > 0 {
		p.now = p.truncate(p.now.Add(d))
	}
	return p.now
}

func (p *ManualProvider) SleepPast(ctx context.Context, t time.Time) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return p.Now(), err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if target := p.truncate(t); !p.now.After(target) {
		p.now = target.Add(p.unit)
	}
	return p.now, nil
}
