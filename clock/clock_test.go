package clock

import (
	"errors"
	"testing"
	"time"

	"github.com/tempochess/tempo/rules"
)

var t0 = time.Unix(1_700_000_000, 0)

func after(ms int64) time.Time { return t0.Add(time.Duration(ms) * time.Millisecond) }

func TestFischerIncrement(t *testing.T) {
	// 180s base, 2s increment. White thinks 5s: 180000 - 5000 + 2000.
	c := New(Spec{InitialMs: 180_000, IncrementMs: 2_000, Discipline: Fischer})
	c.Start(t0)

	commit := c.CommitMove(after(5_000))
	if commit.TimedOut {
		t.Fatal("unexpected timeout")
	}
	if commit.ElapsedMs != 5_000 || commit.DeductedMs != 5_000 {
		t.Fatalf("elapsed=%d deducted=%d, want 5000/5000", commit.ElapsedMs, commit.DeductedMs)
	}
	if commit.NewActive != rules.Black {
		t.Fatalf("NewActive = %v, want black", commit.NewActive)
	}

	r := c.Peek(after(5_000))
	if r.WhiteMs != 177_000 {
		t.Fatalf("white = %d, want 177000", r.WhiteMs)
	}
	if r.BlackMs != 180_000 {
		t.Fatalf("black = %d, want 180000 (untouched)", r.BlackMs)
	}
	if r.Active != rules.Black {
		t.Fatalf("active = %v, want black", r.Active)
	}
}

func TestFischerLawOverSeveralMoves(t *testing.T) {
	// remaining_after = remaining_before - elapsed + increment, each move.
	c := New(Spec{InitialMs: 120_000, IncrementMs: 1_000, Discipline: Fischer})
	c.Start(t0)

	now := t0
	whiteWant := int64(120_000)
	blackWant := int64(120_000)
	thinks := []int64{3_000, 2_000, 10_000, 7_000, 500, 12_000}
	for i, think := range thinks {
		now = now.Add(time.Duration(think) * time.Millisecond)
		commit := c.CommitMove(now)
		if commit.TimedOut {
			t.Fatalf("move %d: unexpected timeout", i)
		}
		if i%2 == 0 {
			whiteWant = whiteWant - think + 1_000
		} else {
			blackWant = blackWant - think + 1_000
		}
		r := c.Peek(now)
		if r.WhiteMs != whiteWant || r.BlackMs != blackWant {
			t.Fatalf("move %d: white=%d black=%d, want %d/%d", i, r.WhiteMs, r.BlackMs, whiteWant, blackWant)
		}
	}
}

func TestBronsteinRefund(t *testing.T) {
	// 60s base, 3s delay. 2s of thought costs nothing; 7s costs 4s.
	c := New(Spec{InitialMs: 60_000, DelayMs: 3_000, Discipline: Bronstein})
	c.Start(t0)

	commit := c.CommitMove(after(2_000))
	if commit.DeductedMs != 0 {
		t.Fatalf("deducted = %d, want 0", commit.DeductedMs)
	}
	if got := c.Peek(after(2_000)).WhiteMs; got != 60_000 {
		t.Fatalf("white after fast move = %d, want 60000", got)
	}

	// Black replies instantly, then white thinks 7s.
	c.CommitMove(after(2_000))
	commit = c.CommitMove(after(9_000))
	if commit.ElapsedMs != 7_000 || commit.DeductedMs != 4_000 {
		t.Fatalf("elapsed=%d deducted=%d, want 7000/4000", commit.ElapsedMs, commit.DeductedMs)
	}
	if got := c.Peek(after(9_000)).WhiteMs; got != 56_000 {
		t.Fatalf("white = %d, want 56000", got)
	}
}

func TestSimpleDelay(t *testing.T) {
	c := New(Spec{InitialMs: 300_000, DelayMs: 5_000, Discipline: Simple})
	c.Start(t0)

	// Inside the delay window nothing depletes.
	if got := c.Peek(after(4_000)).WhiteMs; got != 300_000 {
		t.Fatalf("peek inside delay = %d, want 300000", got)
	}
	commit := c.CommitMove(after(12_000))
	if commit.DeductedMs != 7_000 {
		t.Fatalf("deducted = %d, want 7000", commit.DeductedMs)
	}
}

func TestTimeoutCommit(t *testing.T) {
	c := New(Spec{InitialMs: 60_000, Discipline: None})
	c.Start(t0)

	commit := c.CommitMove(after(61_000))
	if !commit.TimedOut {
		t.Fatal("commit past the flag must report timeout")
	}
	if commit.NewActive != rules.White {
		t.Fatalf("NewActive = %v, want white (no switch on timeout)", commit.NewActive)
	}
	r := c.Peek(after(61_000))
	if r.WhiteMs != 0 {
		t.Fatalf("white = %d, want 0", r.WhiteMs)
	}
	if r.Active != rules.White {
		t.Fatalf("active = %v, want white", r.Active)
	}
}

func TestIncrementWithheldOnTimeout(t *testing.T) {
	c := New(Spec{InitialMs: 60_000, IncrementMs: 5_000, Discipline: Fischer})
	c.Start(t0)
	commit := c.CommitMove(after(60_000))
	if !commit.TimedOut {
		t.Fatal("expected timeout at exactly zero remaining")
	}
	if got := c.Peek(after(60_000)).WhiteMs; got != 0 {
		t.Fatalf("white = %d, want 0 (increment withheld)", got)
	}
}

func TestPeekProjection(t *testing.T) {
	c := New(Spec{InitialMs: 60_000, Discipline: None})
	c.Start(t0)

	if got := c.Peek(after(10_000)).WhiteMs; got != 50_000 {
		t.Fatalf("projected white = %d, want 50000", got)
	}
	// Projection floors at zero and flags the timeout.
	r := c.Peek(after(90_000))
	if r.WhiteMs != 0 {
		t.Fatalf("projected white = %d, want 0", r.WhiteMs)
	}
	if !r.TimedOut() {
		t.Fatal("reading past the flag must report TimedOut")
	}
	// Peek never mutates: the stored value is still intact.
	c.Stop()
	if got := c.Peek(after(90_000)).WhiteMs; got != 60_000 {
		t.Fatalf("stored white = %d, want 60000 (peek must not mutate)", got)
	}
}

func TestStopFreezes(t *testing.T) {
	c := New(Spec{InitialMs: 60_000, Discipline: None})
	c.Start(t0)
	c.CommitMove(after(1_000))
	c.Stop()

	r := c.Peek(after(500_000))
	if r.Running {
		t.Fatal("reading of a stopped clock claims it is running")
	}
	if r.WhiteMs != 59_000 || r.BlackMs != 60_000 {
		t.Fatalf("white=%d black=%d, want 59000/60000", r.WhiteMs, r.BlackMs)
	}
	if r.TimedOut() {
		t.Fatal("stopped clock cannot time out")
	}
}

func TestZeroInstant(t *testing.T) {
	c := New(Spec{InitialMs: 60_000, Discipline: None})
	if _, ok := c.ZeroInstant(); ok {
		t.Fatal("stopped clock has no zero instant")
	}
	c.Start(t0)
	zero, ok := c.ZeroInstant()
	if !ok || !zero.Equal(after(60_000)) {
		t.Fatalf("zero = %v ok=%v, want %v", zero, ok, after(60_000))
	}

	// Delay disciplines push the flag fall out by the delay.
	d := New(Spec{InitialMs: 60_000, DelayMs: 3_000, Discipline: Bronstein})
	d.Start(t0)
	zero, ok = d.ZeroInstant()
	if !ok || !zero.Equal(after(63_000)) {
		t.Fatalf("bronstein zero = %v ok=%v, want %v", zero, ok, after(63_000))
	}
}

func TestClockSkewClamped(t *testing.T) {
	c := New(Spec{InitialMs: 60_000, Discipline: None})
	c.Start(t0)
	// A now before activeSince charges nothing.
	commit := c.CommitMove(t0.Add(-time.Second))
	if commit.ElapsedMs != 0 || commit.DeductedMs != 0 {
		t.Fatalf("elapsed=%d deducted=%d, want 0/0", commit.ElapsedMs, commit.DeductedMs)
	}
}

func TestSpecMode(t *testing.T) {
	cases := []struct {
		initialMs int64
		want      Mode
	}{
		{60_000, Bullet},
		{179_999, Bullet},
		{180_000, Blitz},
		{300_000, Blitz},
		{600_000, Rapid},
		{1_799_999, Rapid},
		{1_800_000, Classical},
		{7_200_000, Classical},
	}
	for _, tc := range cases {
		mode, err := Spec{InitialMs: tc.initialMs, Discipline: None}.Mode()
		if err != nil {
			t.Errorf("Mode(%d): %v", tc.initialMs, err)
			continue
		}
		if mode != tc.want {
			t.Errorf("Mode(%d) = %v, want %v", tc.initialMs, mode, tc.want)
		}
	}
	for _, bad := range []int64{0, 59_999, 7_200_001, -1} {
		if _, err := (Spec{InitialMs: bad, Discipline: None}).Mode(); err == nil {
			t.Errorf("Mode(%d) accepted out-of-band initial", bad)
		}
	}
}

func TestSpecValidate(t *testing.T) {
	good := []Spec{
		{InitialMs: 60_000, Discipline: None},
		{InitialMs: 180_000, IncrementMs: 2_000, Discipline: Fischer},
		{InitialMs: 60_000, DelayMs: 3_000, Discipline: Bronstein},
		{InitialMs: 600_000, DelayMs: 10_000, Discipline: Simple},
		{InitialMs: 1_800_000, IncrementMs: 60_000, Discipline: Fischer},
	}
	for i, s := range good {
		if err := s.Validate(); err != nil {
			t.Errorf("good[%d] rejected: %v", i, err)
		}
	}

	bad := []Spec{
		{InitialMs: 30_000, Discipline: None},                                // below bullet floor
		{InitialMs: 60_000, IncrementMs: 6_000, Discipline: Fischer},         // over bullet cap
		{InitialMs: 180_000, IncrementMs: 16_000, Discipline: Fischer},       // over blitz cap
		{InitialMs: 60_000, DelayMs: 1_000, Discipline: Fischer},             // fischer takes no delay
		{InitialMs: 60_000, Discipline: Bronstein},                           // bronstein needs delay
		{InitialMs: 60_000, DelayMs: 6_000, Discipline: Simple},              // delay over cap
		{InitialMs: 60_000, IncrementMs: -1, Discipline: None},               // negative
		{InitialMs: 60_000, Discipline: Discipline("hourglass")},             // unknown
		{InitialMs: 10_000_000, IncrementMs: 2_000, Discipline: Fischer},     // over classical ceiling
		{InitialMs: 1_800_000, IncrementMs: 60_001, Discipline: Fischer},     // over classical cap
	}
	for i, s := range bad {
		err := s.Validate()
		if err == nil {
			t.Errorf("bad[%d] accepted: %+v", i, s)
			continue
		}
		if !errors.Is(err, ErrInvalidSpec) {
			t.Errorf("bad[%d]: error %v does not wrap ErrInvalidSpec", i, err)
		}
	}
}

func TestParseDiscipline(t *testing.T) {
	for _, s := range []string{"none", "fischer-only", "bronstein", "simple"} {
		if _, err := ParseDiscipline(s); err != nil {
			t.Errorf("ParseDiscipline(%q): %v", s, err)
		}
	}
	if _, err := ParseDiscipline("fischer"); err == nil {
		t.Error("ParseDiscipline accepted a non-wire alias")
	}
}
