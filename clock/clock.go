package clock

import (
	"time"

	"github.com/tempochess/tempo/rules"
)

// Reading is a non-mutating view of the clock at one instant. Remaining
// times are projected through the delay discipline and floored at zero.
type Reading struct {
	WhiteMs int64       `json:"whiteMs"`
	BlackMs int64       `json:"blackMs"`
	Active  rules.Color `json:"active"`
	Running bool        `json:"running"`
}

// TimedOut reports whether the active side has exhausted its time.
func (r Reading) TimedOut() bool {
	if !r.Running {
		return false
	}
	if r.Active == rules.White {
		return r.WhiteMs <= 0
	}
	return r.BlackMs <= 0
}

// Remaining returns the projected remaining time for c.
func (r Reading) Remaining(c rules.Color) int64 {
	if c == rules.White {
		return r.WhiteMs
	}
	return r.BlackMs
}

// Commit is the result of charging a move to the active side.
type Commit struct {
	// ElapsedMs is the raw think time for the move.
	ElapsedMs int64
	// DeductedMs is the charge after the delay discipline.
	DeductedMs int64
	// TimedOut is set when the post-deduction remaining hit zero before the
	// increment; the increment is then withheld and sides do not switch.
	TimedOut  bool
	NewActive rules.Color
}

// Clock is one game's dual countdown. It is not safe for concurrent use;
// the owning session serializes access.
type Clock struct {
	spec        Spec
	whiteMs     int64
	blackMs     int64
	active      rules.Color
	running     bool
	activeSince time.Time
}

// New returns a stopped clock with both sides at the initial time.
func New(spec Spec) *Clock {
	return &Clock{
		spec:    spec,
		whiteMs: spec.InitialMs,
		blackMs: spec.InitialMs,
		active:  rules.White,
	}
}

// Spec returns the immutable time control.
func (c *Clock) Spec() Spec { return c.spec }

// Start begins the countdown with white to move.
func (c *Clock) Start(now time.Time) {
	c.active = rules.White
	c.running = true
	c.activeSince = now
}

// Stop freezes both sides; used on terminal transitions.
func (c *Clock) Stop() {
	c.running = false
	c.activeSince = time.Time{}
}

// Peek projects remaining time at now without mutating the clock.
func (c *Clock) Peek(now time.Time) Reading {
	r := Reading{
		WhiteMs: c.whiteMs,
		BlackMs: c.blackMs,
		Active:  c.active,
		Running: c.running,
	}
	if !c.running {
		return r
	}
	projected := floor0(c.remaining(c.active) - c.spec.deduction(c.elapsed(now)))
	if c.active == rules.White {
		r.WhiteMs = projected
	} else {
		r.BlackMs = projected
	}
	return r
}

// CommitMove charges the active side for the interval since it went active,
// adds the increment, and switches sides. When the charge empties the
// mover's clock the commit reports a timeout instead: no increment, no side
// switch, remaining pinned at zero.
func (c *Clock) CommitMove(now time.Time) Commit {
	if !c.running {
		return Commit{NewActive: c.active}
	}
	elapsed := c.elapsed(now)
	deducted := c.spec.deduction(elapsed)
	remaining := c.remaining(c.active) - deducted

	if remaining <= 0 {
		c.setRemaining(c.active, 0)
		return Commit{
			ElapsedMs:  elapsed,
			DeductedMs: deducted,
			TimedOut:   true,
			NewActive:  c.active,
		}
	}

	c.setRemaining(c.active, remaining+c.spec.IncrementMs)
	c.active = c.active.Other()
	c.activeSince = now
	return Commit{
		ElapsedMs:  elapsed,
		DeductedMs: deducted,
		NewActive:  c.active,
	}
}

// ZeroInstant returns the instant the active side's flag falls if no move
// arrives, and false when the clock is stopped.
func (c *Clock) ZeroInstant() (time.Time, bool) {
	if !c.running {
		return time.Time{}, false
	}
	budget := c.remaining(c.active)
	switch c.spec.Discipline {
	case Bronstein, Simple:
		budget += c.spec.DelayMs
	}
	return c.activeSince.Add(time.Duration(budget) * time.Millisecond), true
}

func (c *Clock) elapsed(now time.Time) int64 {
	ms := now.Sub(c.activeSince).Milliseconds()
	if ms < 0 {
		return 0
	}
	return ms
}

func (c *Clock) remaining(side rules.Color) int64 {
	if side == rules.White {
		return c.whiteMs
	}
	return c.blackMs
}

func (c *Clock) setRemaining(side rules.Color, ms int64) {
	if side == rules.White {
		c.whiteMs = ms
	} else {
		c.blackMs = ms
	}
}

func floor0(ms int64) int64 {
	if ms < 0 {
		return 0
	}
	return ms
}
