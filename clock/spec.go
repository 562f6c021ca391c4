// Package clock implements the two-sided countdown for one game, with
// Fischer increment, Bronstein and simple (US) delay disciplines. The clock
// is pure: every operation receives the current instant from the caller, so
// the session can drive it from an injected time source.
package clock

import (
	"errors"
	"fmt"
)

// Discipline selects how elapsed think time is deducted.
type Discipline string

const (
	// None deducts elapsed time in full, no increment semantics implied.
	None Discipline = "none"
	// Fischer deducts in full; the increment field is the Fischer bonus.
	Fischer Discipline = "fischer-only"
	// Bronstein refunds up to DelayMs of the time actually used.
	Bronstein Discipline = "bronstein"
	// Simple waits DelayMs before the main time starts depleting.
	Simple Discipline = "simple"
)

// ParseDiscipline decodes a discipline from its wire form.
func ParseDiscipline(s string) (Discipline, error) {
	switch Discipline(s) {
	case None, Fischer, Bronstein, Simple:
		return Discipline(s), nil
	}
	return "", fmt.Errorf("clock: unknown discipline %q", s)
}

// Mode is the speed class derived from the initial time.
type Mode string

const (
	Bullet    Mode = "bullet"
	Blitz     Mode = "blitz"
	Rapid     Mode = "rapid"
	Classical Mode = "classical"
)

// Per-mode bounds on the initial time, in milliseconds. Bands are half-open
// except the classical ceiling.
const (
	bulletMinMs    = 60_000
	blitzMinMs     = 180_000
	rapidMinMs     = 600_000
	classicalMinMs = 1_800_000
	classicalMaxMs = 7_200_000
)

// incrementCapMs bounds both increment and delay per mode.
func incrementCapMs(m Mode) int64 {
	switch m {
	case Bullet:
		return 5_000
	case Blitz:
		return 15_000
	case Rapid:
		return 30_000
	default:
		return 60_000
	}
}

// Spec is the immutable time control for one game.
type Spec struct {
	InitialMs   int64      `json:"initialMs"`
	IncrementMs int64      `json:"incrementMs"`
	DelayMs     int64      `json:"delayMs"`
	Discipline  Discipline `json:"discipline"`
}

// ErrInvalidSpec is wrapped by every Validate failure.
var ErrInvalidSpec = errors.New("clock: invalid time control")

// Mode classifies the spec by its initial time. Fails when the initial time
// is outside every band.
func (s Spec) Mode() (Mode, error) {
	switch {
	case s.InitialMs >= bulletMinMs && s.InitialMs < blitzMinMs:
		return Bullet, nil
	case s.InitialMs >= blitzMinMs && s.InitialMs < rapidMinMs:
		return Blitz, nil
	case s.InitialMs >= rapidMinMs && s.InitialMs < classicalMinMs:
		return Rapid, nil
	case s.InitialMs >= classicalMinMs && s.InitialMs <= classicalMaxMs:
		return Classical, nil
	}
	return "", fmt.Errorf("%w: initial %dms outside every mode band", ErrInvalidSpec, s.InitialMs)
}

// Validate checks the spec against the mode bounds: increment and delay must
// be non-negative and within the mode cap, and a delay is set exactly when
// the discipline uses one.
func (s Spec) Validate() error {
	mode, err := s.Mode()
	if err != nil {
		return err
	}
	if s.IncrementMs < 0 || s.DelayMs < 0 {
		return fmt.Errorf("%w: negative increment or delay", ErrInvalidSpec)
	}
	limit := incrementCapMs(mode)
	if s.IncrementMs > limit {
		return fmt.Errorf("%w: increment %dms over %s cap %dms", ErrInvalidSpec, s.IncrementMs, mode, limit)
	}
	if s.DelayMs > limit {
		return fmt.Errorf("%w: delay %dms over %s cap %dms", ErrInvalidSpec, s.DelayMs, mode, limit)
	}
	switch s.Discipline {
	case None, Fischer:
		if s.DelayMs != 0 {
			return fmt.Errorf("%w: discipline %s takes no delay", ErrInvalidSpec, s.Discipline)
		}
	case Bronstein, Simple:
		if s.DelayMs == 0 {
			return fmt.Errorf("%w: discipline %s requires a delay", ErrInvalidSpec, s.Discipline)
		}
	default:
		return fmt.Errorf("%w: unknown discipline %q", ErrInvalidSpec, s.Discipline)
	}
	return nil
}

// deduction applies the delay discipline to an elapsed interval.
func (s Spec) deduction(elapsedMs int64) int64 {
	switch s.Discipline {
	case Bronstein, Simple:
		// Bronstein refunds min(elapsed, delay); simple shields the first
		// delay ms. Both reduce to the same deduction.
		if elapsedMs <= s.DelayMs {
			return 0
		}
		return elapsedMs - s.DelayMs
	default:
		return elapsedMs
	}
}
