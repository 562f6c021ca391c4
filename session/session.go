package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tempochess/tempo/clock"
	"github.com/tempochess/tempo/log"
	"github.com/tempochess/tempo/metrics"
	"github.com/tempochess/tempo/rules"
)

// Options configures a Session.
type Options struct {
	ID     string
	Engine rules.Engine
	Spec   clock.Spec
	// Clock is the single injected time source; tests pass a fake.
	Clock clockwork.Clock
	// DisconnectGrace is how long a vacated seat is tolerated while live.
	DisconnectGrace time.Duration
	// TickInterval is the clock-tick broadcast period while live.
	TickInterval time.Duration
	// Tolerance pads the timeout wake so scheduler jitter never declares a
	// flag fall early.
	Tolerance time.Duration
	// QueueSize bounds the command queue; zero means 64.
	QueueSize int
	// BusQueueSize bounds each subscriber's delivery queue; zero means 256.
	BusQueueSize int
	Logger       *log.Logger
}

type command struct {
	fn    func() error
	reply chan error
}

type seat struct {
	player    Player
	filled    bool
	connected bool
	// graceAt is when the disconnect-grace window expires; zero when the
	// seat is connected or the window is not running.
	graceAt time.Time
}

// Session is the authoritative state machine for one game. All fields below
// the bus are owned by the run goroutine and never touched outside it.
type Session struct {
	id  string
	cw  clockwork.Clock
	eng rules.Engine
	lg  *log.Logger
	bus *Bus

	cmdCh     chan command
	quit      chan struct{}
	closeOnce sync.Once

	grace    time.Duration
	tickIvl  time.Duration
	tol      time.Duration

	// Mirrors readable without entering the actor.
	phaseA       atomic.Value // Phase
	completedAtA atomic.Int64 // unix ms, 0 until completed

	// Actor-owned state.
	phase       Phase
	spec        clock.Spec
	clk         *clock.Clock
	white       seat
	black       seat
	fen         string
	moves       []MoveRecord
	repetitions map[string]int
	drawOffer   *DrawOffer
	result      rules.Result
	endReason   rules.EndReason
	winnerID    string
	startedAt   time.Time
	completedAt time.Time
	nextTick    time.Time
}

// New creates a session in Lobby and starts its actor goroutine. The spec
// must already be validated.
func New(opts Options) *Session {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.DisconnectGrace <= 0 {
		opts.DisconnectGrace = 30 * time.Second
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	s := &Session{
		id:          opts.ID,
		cw:          opts.Clock,
		eng:         opts.Engine,
		lg:          opts.Logger.With("game", opts.ID),
		bus:         NewBus(opts.BusQueueSize),
		cmdCh:       make(chan command, opts.QueueSize),
		quit:        make(chan struct{}),
		grace:       opts.DisconnectGrace,
		tickIvl:     opts.TickInterval,
		tol:         opts.Tolerance,
		phase:       PhaseLobby,
		spec:        opts.Spec,
		clk:         clock.New(opts.Spec),
		fen:         rules.StartingFEN,
		// The initial position counts as its first occurrence.
		repetitions: map[string]int{opts.Engine.RepetitionKey(rules.StartingFEN): 1},
	}
	s.phaseA.Store(PhaseLobby)
	metrics.SessionsCreated.Inc()
	metrics.SessionsLive.Inc()
	go s.run()
	return s
}

// ID returns the game id.
func (s *Session) ID() string { return s.id }

// Spec returns the immutable time control.
func (s *Session) Spec() clock.Spec { return s.spec }

// Phase reports the current phase without entering the actor.
func (s *Session) Phase() Phase { return s.phaseA.Load().(Phase) }

// CompletedAt reports when the session reached its terminal state, and
// false while it has not.
func (s *Session) CompletedAt() (time.Time, bool) {
	ms := s.completedAtA.Load()
	if ms == 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// Close retires the session: the actor stops and every subscriber channel
// closes. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		if s.Phase() != PhaseCompleted {
			metrics.SessionsLive.Dec()
		}
		close(s.quit)
	})
}

// do enqueues fn on the actor and waits for its verdict. The command is
// dropped with ErrDeadline if ctx expires before the actor accepts it.
func (s *Session) do(ctx context.Context, fn func() error) error {
	c := command{fn: fn, reply: make(chan error, 1)}
	select {
	case s.cmdCh <- c:
	case <-ctx.Done():
		return ErrDeadline
	case <-s.quit:
		return ErrClosed
	}
	select {
	case err := <-c.reply:
		return err
	case <-s.quit:
		return ErrClosed
	}
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

// SeatPlayer fills the seat of the given color. Filling the second seat
// flips the session to Live and starts the clock.
func (s *Session) SeatPlayer(ctx context.Context, p Player, color rules.Color) error {
	return s.do(ctx, func() error { return s.seatPlayer(p, color) })
}

// Move applies a move for userID and returns the accepted record.
func (s *Session) Move(ctx context.Context, userID string, req rules.MoveRequest) (MoveRecord, error) {
	var rec MoveRecord
	start := s.cw.Now()
	err := s.do(ctx, func() error {
		var err error
		rec, err = s.applyMove(userID, req)
		return err
	})
	if err == nil {
		metrics.MoveLatency.Observe(float64(s.cw.Since(start).Milliseconds()))
	}
	return rec, err
}

// Resign ends the game in favor of userID's opponent.
func (s *Session) Resign(ctx context.Context, userID string) error {
	return s.do(ctx, func() error { return s.resign(userID) })
}

// OfferDraw records a draw offer by userID. Offering twice is a no-op.
func (s *Session) OfferDraw(ctx context.Context, userID string) error {
	return s.do(ctx, func() error { return s.offerDraw(userID) })
}

// AcceptDraw completes the game as a draw by agreement. Only the side that
// did not offer may accept.
func (s *Session) AcceptDraw(ctx context.Context, userID string) error {
	return s.do(ctx, func() error { return s.respondDraw(userID, true) })
}

// DeclineDraw clears the outstanding offer.
func (s *Session) DeclineDraw(ctx context.Context, userID string) error {
	return s.do(ctx, func() error { return s.respondDraw(userID, false) })
}

// TimeoutCheck adjudicates a flag fall if the active side's time is gone.
// It is a no-op when time remains.
func (s *Session) TimeoutCheck(ctx context.Context) error {
	return s.do(ctx, func() error {
		if s.phase != PhaseLive {
			return nil
		}
		if s.clk.Peek(s.cw.Now()).TimedOut() {
			s.completeTimeout()
		}
		return nil
	})
}

// Chat relays a chat line to every subscriber. Lines are never inspected
// and never persisted.
func (s *Session) Chat(ctx context.Context, userID, username, text string) error {
	return s.do(ctx, func() error {
		if s.phase == PhaseCompleted {
			return ErrWrongPhase
		}
		s.bus.PublishSynthetic(KindChat, ChatPayload{
			UserID:   userID,
			Username: username,
			Text:     text,
			At:       s.cw.Now(),
		})
		return nil
	})
}

// SetConnected tracks a seat's transport liveness. Unknown users (that is,
// spectators) are ignored. Disconnection alone never pauses the clock; it
// only arms the disconnect-grace window.
func (s *Session) SetConnected(ctx context.Context, userID string, connected bool) error {
	return s.do(ctx, func() error {
		st := s.seatOf(userID)
		if st == nil {
			return nil
		}
		st.connected = connected
		if connected {
			st.graceAt = time.Time{}
		} else if s.phase == PhaseLive {
			st.graceAt = s.cw.Now().Add(s.grace)
		}
		return nil
	})
}

// Subscribe registers subID on the bus and returns the current snapshot
// together with the delivery channel. Events on the channel have seq
// strictly greater than the snapshot's.
func (s *Session) Subscribe(ctx context.Context, subID string) (Snapshot, <-chan Envelope, error) {
	var (
		snap Snapshot
		ch   <-chan Envelope
	)
	err := s.do(ctx, func() error {
		ch, _ = s.bus.Subscribe(subID)
		snap = s.snapshot()
		return nil
	})
	if err != nil {
		return Snapshot{}, nil, err
	}
	return snap, ch, nil
}

// Resume re-subscribes subID after a reconnect. When the bus tail still
// covers lastSeq the returned snapshot is nil and backlog carries the missed
// events; otherwise backlog is nil and the caller starts over from the
// snapshot.
func (s *Session) Resume(ctx context.Context, subID string, lastSeq int64) (*Snapshot, []Envelope, <-chan Envelope, error) {
	var (
		snap    *Snapshot
		backlog []Envelope
		ch      <-chan Envelope
	)
	err := s.do(ctx, func() error {
		ch, _ = s.bus.Subscribe(subID)
		missed, ok := s.bus.Replay(lastSeq)
		if ok {
			backlog = missed
			return nil
		}
		full := s.snapshot()
		snap = &full
		return nil
	})
	if err != nil {
		return nil, nil, nil, err
	}
	return snap, backlog, ch, nil
}

// Unsubscribe removes subID from the bus.
func (s *Session) Unsubscribe(subID string) {
	s.bus.Unsubscribe(subID)
}

// State returns a consistent snapshot of the session.
func (s *Session) State(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := s.do(ctx, func() error {
		snap = s.snapshot()
		return nil
	})
	return snap, err
}

// ---------------------------------------------------------------------------
// Actor loop
// ---------------------------------------------------------------------------

func (s *Session) run() {
	timer := s.cw.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.Chan()
	}
	armed := false

	for {
		if wake, ok := s.nextWake(); ok {
			if armed && !timer.Stop() {
				select {
				case <-timer.Chan():
				default:
				}
			}
			d := wake.Sub(s.cw.Now())
			if d < 0 {
				d = 0
			}
			timer.Reset(d)
			armed = true
		} else if armed {
			if !timer.Stop() {
				select {
				case <-timer.Chan():
				default:
				}
			}
			armed = false
		}

		var timerCh <-chan time.Time
		if armed {
			timerCh = timer.Chan()
		}

		select {
		case cmd := <-s.cmdCh:
			cmd.reply <- cmd.fn()
		case <-timerCh:
			armed = false
			s.onTimer()
		case <-s.quit:
			s.bus.Close()
			return
		}
	}
}

// nextWake computes the earliest instant the actor must act without a
// command: flag fall, clock-tick cadence, or a disconnect-grace expiry.
func (s *Session) nextWake() (time.Time, bool) {
	if s.phase != PhaseLive {
		return time.Time{}, false
	}
	var wake time.Time
	if zero, ok := s.clk.ZeroInstant(); ok {
		wake = zero.Add(s.tol)
	}
	if s.nextTick.IsZero() {
		s.nextTick = s.cw.Now().Add(s.tickIvl)
	}
	wake = earliest(wake, s.nextTick)
	if !s.white.connected && !s.white.graceAt.IsZero() {
		wake = earliest(wake, s.white.graceAt)
	}
	if !s.black.connected && !s.black.graceAt.IsZero() {
		wake = earliest(wake, s.black.graceAt)
	}
	return wake, !wake.IsZero()
}

func earliest(a, b time.Time) time.Time {
	if a.IsZero() || (!b.IsZero() && b.Before(a)) {
		return b
	}
	return a
}

func (s *Session) onTimer() {
	if s.phase != PhaseLive {
		return
	}
	now := s.cw.Now()

	if s.clk.Peek(now).TimedOut() {
		s.completeTimeout()
		return
	}

	var deserted []rules.Color
	if !s.white.connected && !s.white.graceAt.IsZero() && !now.Before(s.white.graceAt) {
		deserted = append(deserted, rules.White)
	}
	if !s.black.connected && !s.black.graceAt.IsZero() && !now.Before(s.black.graceAt) {
		deserted = append(deserted, rules.Black)
	}
	if len(deserted) > 0 {
		s.completeAbandonment(deserted)
		return
	}

	if !now.Before(s.nextTick) {
		s.bus.PublishSynthetic(KindClockTick, TickPayload{Clock: s.clk.Peek(now)})
		s.nextTick = now.Add(s.tickIvl)
	}
}

// ---------------------------------------------------------------------------
// State transitions (actor goroutine only)
// ---------------------------------------------------------------------------

func (s *Session) seatFor(c rules.Color) *seat {
	if c == rules.White {
		return &s.white
	}
	return &s.black
}

func (s *Session) seatOf(userID string) *seat {
	if s.white.filled && s.white.player.UserID == userID {
		return &s.white
	}
	if s.black.filled && s.black.player.UserID == userID {
		return &s.black
	}
	return nil
}

func (s *Session) colorOf(userID string) (rules.Color, bool) {
	if s.white.filled && s.white.player.UserID == userID {
		return rules.White, true
	}
	if s.black.filled && s.black.player.UserID == userID {
		return rules.Black, true
	}
	return "", false
}

func (s *Session) seatPlayer(p Player, color rules.Color) error {
	if s.phase != PhaseLobby {
		return ErrWrongPhase
	}
	if s.seatOf(p.UserID) != nil {
		return ErrAlreadySeated
	}
	st := s.seatFor(color)
	if st.filled {
		return ErrSeatTaken
	}
	st.player = p
	st.filled = true
	st.connected = true

	var startedAt *time.Time
	if s.white.filled && s.black.filled {
		now := s.cw.Now()
		s.phase = PhaseLive
		s.phaseA.Store(PhaseLive)
		s.startedAt = now
		s.clk.Start(now)
		s.nextTick = now.Add(s.tickIvl)
		startedAt = &s.startedAt
		s.lg.Info("game live", "white", s.white.player.UserID, "black", s.black.player.UserID)
	}

	s.bus.Publish(KindSeated, SeatedPayload{
		Player:    p,
		Color:     color,
		Phase:     s.phase,
		StartedAt: startedAt,
	})
	return nil
}

func (s *Session) applyMove(userID string, req rules.MoveRequest) (MoveRecord, error) {
	if s.phase != PhaseLive {
		return MoveRecord{}, ErrWrongPhase
	}
	mover, seated := s.colorOf(userID)
	if !seated {
		return MoveRecord{}, ErrNotSeated
	}
	now := s.cw.Now()
	reading := s.clk.Peek(now)
	if mover != reading.Active {
		return MoveRecord{}, ErrNotYourTurn
	}
	// A flag that already fell rejects the move; the game ends by timeout.
	if reading.TimedOut() {
		s.completeTimeout()
		return MoveRecord{}, ErrTimeExpired
	}

	res, err := s.eng.Apply(s.fen, req)
	if err != nil {
		metrics.IllegalMoves.Inc()
		return MoveRecord{}, err
	}

	commit := s.clk.CommitMove(now)
	if commit.TimedOut {
		s.completeTimeout()
		return MoveRecord{}, ErrTimeExpired
	}

	promo := rules.NoPiece
	if res.Flags.Promotion {
		promo = req.Promotion
	}
	rec := MoveRecord{
		Ordinal:     len(s.moves) + 1,
		Color:       mover,
		From:        req.From,
		To:          req.To,
		Piece:       res.Piece,
		Captured:    res.Captured,
		SAN:         res.SAN,
		IsCheck:     res.Flags.Check,
		IsCheckmate: res.Flags.Checkmate,
		IsCastle:    res.Flags.Castle,
		IsEnPassant: res.Flags.EnPassant,
		Promotion:   promo,
		ElapsedMs:   commit.ElapsedMs,
		Timestamp:   now,
	}

	s.fen = res.FEN
	s.moves = append(s.moves, rec)
	s.repetitions[res.RepetitionKey]++
	s.drawOffer = nil
	metrics.MovesApplied.Inc()

	s.bus.Publish(KindMove, MovePayload{
		Move:  rec,
		FEN:   s.fen,
		Clock: s.clk.Peek(now),
	})

	if res.Flags.Checkmate {
		s.complete(resultFor(mover), rules.ReasonCheckmate, s.seatFor(mover).player.UserID)
		return rec, nil
	}
	if reason, over := s.eng.Terminal(s.fen, s.repetitions[res.RepetitionKey]); over {
		s.complete(rules.Draw, reason, "")
	}
	return rec, nil
}

func (s *Session) resign(userID string) error {
	if s.phase != PhaseLive {
		return ErrWrongPhase
	}
	c, seated := s.colorOf(userID)
	if !seated {
		return ErrNotSeated
	}
	s.bus.Publish(KindResigned, ResignedPayload{By: c})
	winner := c.Other()
	s.complete(resultFor(winner), rules.ReasonResignation, s.seatFor(winner).player.UserID)
	return nil
}

func (s *Session) offerDraw(userID string) error {
	if s.phase != PhaseLive {
		return ErrWrongPhase
	}
	c, seated := s.colorOf(userID)
	if !seated {
		return ErrNotSeated
	}
	// Offering twice is idempotent: the first offer stands, no new event.
	if s.drawOffer != nil && s.drawOffer.By == c {
		return nil
	}
	s.drawOffer = &DrawOffer{By: c, At: s.cw.Now()}
	s.bus.Publish(KindDrawOffered, DrawPayload{By: c})
	return nil
}

func (s *Session) respondDraw(userID string, accept bool) error {
	if s.phase != PhaseLive {
		return ErrWrongPhase
	}
	c, seated := s.colorOf(userID)
	if !seated {
		return ErrNotSeated
	}
	if s.drawOffer == nil {
		return ErrNoDrawOffer
	}
	if s.drawOffer.By == c {
		return ErrOwnDrawOffer
	}
	s.drawOffer = nil
	if accept {
		s.bus.Publish(KindDrawAccepted, DrawPayload{By: c})
		s.complete(rules.Draw, rules.ReasonDrawAgreement, "")
	} else {
		s.bus.Publish(KindDrawDeclined, DrawPayload{By: c})
	}
	return nil
}

// completeTimeout adjudicates a flag fall: the opponent wins unless it
// lacks mating material, in which case FIDE scores a draw.
func (s *Session) completeTimeout() {
	flagged := s.clk.Peek(s.cw.Now()).Active
	opponent := flagged.Other()
	if s.eng.HasMatingMaterial(s.fen, opponent) {
		s.complete(resultFor(opponent), rules.ReasonTimeout, s.seatFor(opponent).player.UserID)
		return
	}
	s.complete(rules.Draw, rules.ReasonTimeoutInsufficient, "")
}

func (s *Session) completeAbandonment(deserted []rules.Color) {
	s.bus.Publish(KindAbandoned, AbandonedPayload{Deserted: deserted})
	metrics.GamesAbandoned.Inc()

	// The side that stayed connected wins; with both seats gone there is
	// no winner.
	if len(deserted) == 1 {
		winner := deserted[0].Other()
		if s.seatFor(winner).connected {
			s.complete(resultFor(winner), rules.ReasonAbandonment, s.seatFor(winner).player.UserID)
			return
		}
	}
	s.complete(rules.Draw, rules.ReasonAbandonment, "")
}

func (s *Session) complete(result rules.Result, reason rules.EndReason, winnerID string) {
	now := s.cw.Now()
	s.clk.Stop()
	s.phase = PhaseCompleted
	s.phaseA.Store(PhaseCompleted)
	s.result = result
	s.endReason = reason
	s.winnerID = winnerID
	s.completedAt = now
	s.completedAtA.Store(now.UnixMilli())
	s.drawOffer = nil

	metrics.GamesCompleted.Inc()
	metrics.SessionsLive.Dec()
	s.lg.Info("game completed", "result", result, "reason", reason, "winner", winnerID, "moves", len(s.moves))

	s.bus.Publish(KindCompleted, CompletedPayload{
		Result:      result,
		EndReason:   reason,
		WinnerID:    winnerID,
		CompletedAt: now,
		FinalFEN:    s.fen,
		Clock:       s.clk.Peek(now),
	})
}

func (s *Session) snapshot() Snapshot {
	snap := Snapshot{
		GameID:    s.id,
		Phase:     s.phase,
		Spec:      s.spec,
		FEN:       s.fen,
		Moves:     append([]MoveRecord(nil), s.moves...),
		Clock:     s.clk.Peek(s.cw.Now()),
		Result:    s.result,
		EndReason: s.endReason,
		WinnerID:  s.winnerID,
		Seq:       s.bus.Seq(),
	}
	if s.white.filled {
		p := s.white.player
		snap.White = &p
	}
	if s.black.filled {
		p := s.black.player
		snap.Black = &p
	}
	if s.drawOffer != nil {
		o := *s.drawOffer
		snap.DrawOffer = &o
	}
	if !s.startedAt.IsZero() {
		t := s.startedAt
		snap.StartedAt = &t
	}
	if !s.completedAt.IsZero() {
		t := s.completedAt
		snap.CompletedAt = &t
	}
	return snap
}

func resultFor(winner rules.Color) rules.Result {
	if winner == rules.White {
		return rules.WhiteWins
	}
	return rules.BlackWins
}
