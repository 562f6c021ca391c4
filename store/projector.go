package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/tempochess/tempo/log"
	"github.com/tempochess/tempo/metrics"
	"github.com/tempochess/tempo/rules"
	"github.com/tempochess/tempo/session"
)

// projectorSubscriber is the bus id the projector subscribes under.
const projectorSubscriber = "projector"

// ProjectorOptions configures the persistence projector.
type ProjectorOptions struct {
	DB    DB
	Clock clockwork.Clock
	// KFactor is the Elo volatility applied at game end.
	KFactor int
	// BackoffBase, BackoffMax and MaxAttempts shape the write retry
	// policy; zero values select 100ms, 30s and 8.
	BackoffBase time.Duration
	BackoffMax  time.Duration
	MaxAttempts int
	Logger      *log.Logger
}

// Projector subscribes to every session's bus and writes state transitions
// through the durable store. It never reads authoritative state back from
// the store during a live game, and it never blocks a session: the bus
// queue decouples it, and exhausted retries divert the game to a divergent
// halt instead of propagating.
type Projector struct {
	db          DB
	cw          clockwork.Clock
	k           int
	backoffBase time.Duration
	backoffMax  time.Duration
	maxAttempts int
	lg          *log.Logger

	divergent atomic.Int64
	quit      chan struct{}
	once      sync.Once
	wg        sync.WaitGroup
}

// NewProjector creates a projector over db.
func NewProjector(opts ProjectorOptions) *Projector {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.KFactor <= 0 {
		opts.KFactor = DefaultKFactor
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 100 * time.Millisecond
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 30 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 8
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Projector{
		db:          opts.DB,
		cw:          opts.Clock,
		k:           opts.KFactor,
		backoffBase: opts.BackoffBase,
		backoffMax:  opts.BackoffMax,
		maxAttempts: opts.MaxAttempts,
		lg:          opts.Logger.Module("projector"),
		quit:        make(chan struct{}),
	}
}

// Name implements the server Service interface.
func (p *Projector) Name() string { return "projector" }

// Start is a no-op; per-session apply loops start from Watch.
func (p *Projector) Start() error { return nil }

// Stop interrupts every apply loop and waits for them to drain.
func (p *Projector) Stop() error {
	p.once.Do(func() { close(p.quit) })
	p.wg.Wait()
	return nil
}

// DivergentCount reports sessions whose persistence has halted. The
// registry consults it for admission control.
func (p *Projector) DivergentCount() int {
	return int(p.divergent.Load())
}

// Watch subscribes to sess and projects its transitions until the session
// closes. Implements registry.Watcher; must be called before the first
// player is seated so no transition is missed. The subscription happens
// synchronously so a seat command enqueued right after Watch returns cannot
// outrun it.
func (p *Projector) Watch(sess *session.Session) {
	ctx := context.Background()
	snap, events, err := sess.Subscribe(ctx, projectorSubscriber)
	if err != nil {
		p.lg.Error("projector subscribe failed", "game", sess.ID(), "err", err)
		return
	}
	p.wg.Add(1)
	go p.follow(sess, snap, events)
}

// gameState is the projector's running view of one game, fed purely from
// the event stream.
type gameState struct {
	id      string
	whiteID string
	blackID string
	sans    []string
	pgn     string
}

func (p *Projector) follow(sess *session.Session, snap session.Snapshot, events <-chan session.Envelope) {
	defer p.wg.Done()

	ctx := context.Background()
	st := &gameState{id: snap.GameID}
	if snap.White != nil {
		st.whiteID = snap.White.UserID
	}
	if snap.Black != nil {
		st.blackID = snap.Black.UserID
	}

	spec := sess.Spec()
	mode, _ := spec.Mode()
	status := StatusLobby
	if snap.Phase == session.PhaseLive {
		status = StatusLive
	}
	if err := p.retry(func() error {
		return p.db.InsertGame(ctx, &Game{
			ID:               st.id,
			WhiteID:          st.whiteID,
			BlackID:          st.blackID,
			GameMode:         string(mode),
			TimeControlMs:    spec.InitialMs,
			IncrementMs:      spec.IncrementMs,
			DelayMs:          spec.DelayMs,
			DelayMode:        string(spec.Discipline),
			FEN:              snap.FEN,
			WhiteRemainingMs: snap.Clock.WhiteMs,
			BlackRemainingMs: snap.Clock.BlackMs,
			Status:           status,
		})
	}); err != nil {
		p.diverge(st.id, "insert game", err)
		return
	}
	if snap.StartedAt != nil {
		if err := p.retry(func() error { return p.db.StartGame(ctx, st.id, *snap.StartedAt) }); err != nil {
			p.diverge(st.id, "start game", err)
			return
		}
	}

	for {
		select {
		case env, ok := <-events:
			if !ok {
				return
			}
			if env.Synthetic() {
				continue
			}
			if err := p.apply(ctx, st, env); err != nil {
				p.diverge(st.id, string(env.Kind), err)
				return
			}
		case <-p.quit:
			sess.Unsubscribe(projectorSubscriber)
			return
		}
	}
}

// apply writes one transition, retrying with backoff.
func (p *Projector) apply(ctx context.Context, st *gameState, env session.Envelope) error {
	start := p.cw.Now()
	defer func() {
		metrics.WriteLatency.Observe(float64(p.cw.Since(start).Milliseconds()))
	}()

	switch payload := env.Payload.(type) {
	case session.SeatedPayload:
		return p.applySeated(ctx, st, payload)
	case session.MovePayload:
		return p.applyMove(ctx, st, payload)
	case session.CompletedPayload:
		return p.applyCompleted(ctx, st, payload)
	default:
		// Draw traffic, resignations and abandonment markers change no
		// rows themselves; the completed event carries the verdict.
		return nil
	}
}

func (p *Projector) applySeated(ctx context.Context, st *gameState, payload session.SeatedPayload) error {
	if payload.Color == rules.White {
		st.whiteID = payload.Player.UserID
	} else {
		st.blackID = payload.Player.UserID
	}
	if err := p.retry(func() error {
		return p.db.SeatGame(ctx, st.id, payload.Color, payload.Player.UserID)
	}); err != nil {
		return err
	}
	if payload.Phase != session.PhaseLive || payload.StartedAt == nil {
		return nil
	}
	return p.retry(func() error {
		return p.db.StartGame(ctx, st.id, *payload.StartedAt)
	})
}

func (p *Projector) applyMove(ctx context.Context, st *gameState, payload session.MovePayload) error {
	st.sans = append(st.sans, payload.Move.SAN)
	st.pgn = renderPGN(st.sans)

	row := &Move{
		ID:          uuid.NewString(),
		GameID:      st.id,
		Ordinal:     payload.Move.Ordinal,
		Color:       string(payload.Move.Color),
		FromSquare:  payload.Move.From,
		ToSquare:    payload.Move.To,
		SAN:         payload.Move.SAN,
		Captured:    string(payload.Move.Captured),
		IsCheck:     payload.Move.IsCheck,
		IsCheckmate: payload.Move.IsCheckmate,
		IsCastle:    payload.Move.IsCastle,
		IsEnPassant: payload.Move.IsEnPassant,
		Promotion:   string(payload.Move.Promotion),
		ElapsedMs:   payload.Move.ElapsedMs,
		Timestamp:   payload.Move.Timestamp,
	}
	if err := p.retry(func() error { return p.db.InsertMove(ctx, row) }); err != nil {
		return err
	}
	return p.retry(func() error {
		return p.db.RecordMoveState(ctx, st.id, MoveState{
			FEN:              payload.FEN,
			PGN:              st.pgn,
			WhiteRemainingMs: payload.Clock.WhiteMs,
			BlackRemainingMs: payload.Clock.BlackMs,
			ActiveColor:      string(payload.Clock.Active),
			TimerLastStamp:   payload.Move.Timestamp,
		})
	})
}

// applyCompleted finalizes the game row and applies the Elo update in one
// transaction. The status guard in CompleteGame makes a replayed completed
// event a no-op, so the rating lands at most once.
func (p *Projector) applyCompleted(ctx context.Context, st *gameState, payload session.CompletedPayload) error {
	return p.retry(func() error {
		return p.db.WithTx(ctx, func(tx Tx) error {
			applied, err := tx.CompleteGame(ctx, st.id, Completion{
				Result:           payload.Result,
				EndReason:        payload.EndReason,
				WinnerID:         payload.WinnerID,
				CompletedAt:      payload.CompletedAt,
				FinalFEN:         payload.FinalFEN,
				WhiteRemainingMs: payload.Clock.WhiteMs,
				BlackRemainingMs: payload.Clock.BlackMs,
			})
			if err != nil {
				return err
			}
			if !applied {
				return nil
			}
			return p.applyRatings(ctx, tx, st, payload.Result)
		})
	})
}

func (p *Projector) applyRatings(ctx context.Context, tx Tx, st *gameState, result rules.Result) error {
	if st.whiteID == "" || st.blackID == "" {
		return nil
	}
	white, err := tx.UserByID(ctx, st.whiteID)
	if err == ErrNotFound {
		p.lg.Warn("rating skipped, user row missing", "game", st.id, "user", st.whiteID)
		return nil
	}
	if err != nil {
		return err
	}
	black, err := tx.UserByID(ctx, st.blackID)
	if err == ErrNotFound {
		p.lg.Warn("rating skipped, user row missing", "game", st.id, "user", st.blackID)
		return nil
	}
	if err != nil {
		return err
	}

	deltaW, deltaB := EloDeltas(white.EloRating, black.EloRating, p.k, result)
	if err := tx.ApplyResult(ctx, white.ID, white.EloRating+deltaW, outcomeFor(result, rules.White)); err != nil {
		return err
	}
	return tx.ApplyResult(ctx, black.ID, black.EloRating+deltaB, outcomeFor(result, rules.Black))
}

// retry runs fn with exponential backoff until it succeeds, the attempts
// exhaust, or the projector stops.
func (p *Projector) retry(fn func() error) error {
	delay := p.backoffBase
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if attempt >= p.maxAttempts {
			return fmt.Errorf("store: %d attempts: %w", attempt, err)
		}
		metrics.PersistRetries.Inc()
		select {
		case <-p.cw.After(delay):
		case <-p.quit:
			return err
		}
		delay *= 2
		if delay > p.backoffMax {
			delay = p.backoffMax
		}
	}
}

// diverge halts persistence for one game. The session keeps serving from
// memory; the operator alert is the log line plus the gauge.
func (p *Projector) diverge(gameID, op string, err error) {
	p.divergent.Add(1)
	metrics.DivergentSessions.Inc()
	metrics.PersistFailures.Inc()
	p.lg.Error("session divergent, persistence halted",
		"game", gameID, "op", op, "err", err)
}

// renderPGN lays SAN moves out as numbered pairs: "1. e4 e5 2. Nf3 ...".
func renderPGN(sans []string) string {
	var b strings.Builder
	for i, san := range sans {
		if i%2 == 0 {
			if i > 0 {
				b.WriteByte(' ')
			}
			fmt.Fprintf(&b, "%d. %s", i/2+1, san)
		} else {
			b.WriteByte(' ')
			b.WriteString(san)
		}
	}
	return b.String()
}
