// Package session implements the per-game state machine at the heart of the
// service. A Session is an actor: a single goroutine owns the position, the
// clock and the event sequence, and every mutation arrives as a command on
// its queue. Components around it (gateway, registry, projector) only ever
// enqueue commands or consume the session's bus.
package session

import (
	"errors"
	"time"

	"github.com/tempochess/tempo/clock"
	"github.com/tempochess/tempo/rules"
)

// Phase is the lifecycle state of a session.
type Phase string

const (
	// PhaseLobby means the game is created and waiting for its second player.
	PhaseLobby Phase = "lobby"
	// PhaseLive means both seats are filled and a clock is running.
	PhaseLive Phase = "live"
	// PhaseCompleted is terminal; the state is immutable from here on.
	PhaseCompleted Phase = "completed"
)

// ColorPref is a creator's seat preference.
type ColorPref string

const (
	PrefWhite  ColorPref = "white"
	PrefBlack  ColorPref = "black"
	PrefRandom ColorPref = "random"
)

// Client-error sentinels. None of these mutate session state and none of
// them emit an event.
var (
	ErrNotSeated     = errors.New("session: not a player in this game")
	ErrNotYourTurn   = errors.New("session: not your turn")
	ErrWrongPhase    = errors.New("session: command not valid in this phase")
	ErrSeatTaken     = errors.New("session: seat already taken")
	ErrGameFull      = errors.New("session: both seats are filled")
	ErrAlreadySeated = errors.New("session: user already seated in this game")
	ErrNoDrawOffer   = errors.New("session: no draw offer to respond to")
	ErrOwnDrawOffer  = errors.New("session: cannot respond to own draw offer")
	// ErrTimeExpired rejects a move whose side had already flagged before
	// the move arrived; the game ends by timeout instead.
	ErrTimeExpired = errors.New("session: time expired")
	// ErrDeadline reports a command not accepted before its deadline.
	ErrDeadline = errors.New("session: command deadline exceeded")
	// ErrClosed reports a command sent to a retired session.
	ErrClosed = errors.New("session: closed")
)

// Player identifies one seat's occupant. Immutable once seated.
type Player struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// MoveRecord is one accepted move, as appended to the session history and
// projected to the moves table.
type MoveRecord struct {
	Ordinal     int         `json:"ordinal"`
	Color       rules.Color `json:"color"`
	From        string      `json:"from"`
	To          string      `json:"to"`
	Piece       rules.Piece `json:"piece"`
	Captured    rules.Piece `json:"captured,omitempty"`
	SAN         string      `json:"san"`
	IsCheck     bool        `json:"isCheck"`
	IsCheckmate bool        `json:"isCheckmate"`
	IsCastle    bool        `json:"isCastle"`
	IsEnPassant bool        `json:"isEnPassant"`
	Promotion   rules.Piece `json:"promotion,omitempty"`
	ElapsedMs   int64       `json:"elapsedMs"`
	// Timestamp is wall-clock and descriptive only; the authoritative time
	// lives in the clock.
	Timestamp time.Time `json:"ts"`
}

// DrawOffer is the outstanding draw offer, if any.
type DrawOffer struct {
	By rules.Color `json:"by"`
	At time.Time   `json:"at"`
}

// Snapshot is the full materializable state of a session at one seq. Any
// subscriber reconstructing snapshot plus subsequent events arrives at the
// same state as a fresh subscriber.
type Snapshot struct {
	GameID    string        `json:"gameId"`
	Phase     Phase         `json:"phase"`
	White     *Player       `json:"white,omitempty"`
	Black     *Player       `json:"black,omitempty"`
	Spec      clock.Spec    `json:"timeControl"`
	FEN       string        `json:"fen"`
	Moves     []MoveRecord  `json:"moves"`
	Clock     clock.Reading `json:"clock"`
	DrawOffer *DrawOffer    `json:"drawOffer,omitempty"`
	Result    rules.Result  `json:"result,omitempty"`
	EndReason rules.EndReason `json:"endReason,omitempty"`
	WinnerID  string        `json:"winnerId,omitempty"`
	StartedAt   *time.Time  `json:"startedAt,omitempty"`
	CompletedAt *time.Time  `json:"completedAt,omitempty"`
	Seq       int64         `json:"seq"`
}

// PlayerFor returns the seat occupant for c, or nil.
func (s *Snapshot) PlayerFor(c rules.Color) *Player {
	if c == rules.White {
		return s.White
	}
	return s.Black
}

// ---------------------------------------------------------------------------
// Event payloads
// ---------------------------------------------------------------------------

// SeatedPayload announces a filled seat. Phase flips to live on the second
// seat, at which point StartedAt is set and the clock runs.
type SeatedPayload struct {
	Player    Player      `json:"player"`
	Color     rules.Color `json:"color"`
	Phase     Phase       `json:"phase"`
	StartedAt *time.Time  `json:"startedAt,omitempty"`
}

// MovePayload carries an accepted move together with the resulting position
// and clock reading.
type MovePayload struct {
	Move  MoveRecord    `json:"move"`
	FEN   string        `json:"fen"`
	Clock clock.Reading `json:"clock"`
}

// DrawPayload carries draw-offer traffic.
type DrawPayload struct {
	By rules.Color `json:"by"`
}

// ResignedPayload announces a resignation; the terminal verdict follows in
// the completed event.
type ResignedPayload struct {
	By rules.Color `json:"by"`
}

// AbandonedPayload announces that the disconnect-grace window closed the
// game; the terminal verdict follows in the completed event.
type AbandonedPayload struct {
	// Deserted lists the colors whose grace expired.
	Deserted []rules.Color `json:"deserted"`
}

// CompletedPayload is the terminal verdict of a game.
type CompletedPayload struct {
	Result      rules.Result    `json:"result"`
	EndReason   rules.EndReason `json:"endReason"`
	WinnerID    string          `json:"winnerId,omitempty"`
	CompletedAt time.Time       `json:"completedAt"`
	// FinalFEN and Clock freeze the position and times at game end.
	FinalFEN string        `json:"fen"`
	Clock    clock.Reading `json:"clock"`
}

// TickPayload is the periodic clock broadcast while a game is live.
type TickPayload struct {
	Clock clock.Reading `json:"clock"`
}

// ChatPayload relays one chat line. Carried through verbatim, never
// inspected, never persisted.
type ChatPayload struct {
	UserID   string    `json:"userId"`
	Username string    `json:"username"`
	Text     string    `json:"text"`
	At       time.Time `json:"at"`
}
