// Package store is the durable side of the service: row types mirroring the
// normative schema, the store interfaces, the Elo computation, and the
// persistence projector that turns session events into writes. The store is
// never read for authoritative state during a live game; the one live read
// path it serves is move history, whose ordinals are immutable.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/tempochess/tempo/rules"
)

var (
	// ErrNotFound reports a missing row.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicate reports a unique-key violation that is not covered by
	// an idempotent insert.
	ErrDuplicate = errors.New("store: duplicate")
)

// Game statuses as persisted.
const (
	StatusLobby     = "lobby"
	StatusLive      = "live"
	StatusCompleted = "completed"
)

// User mirrors the users table. Registration and password handling are
// external; the core only reads ratings and writes rating updates.
type User struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	EloRating    int
	GamesPlayed  int
	GamesWon     int
	GamesLost    int
	GamesDrawn   int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Game mirrors the games table. Optional columns are empty strings or zero
// times; the Postgres layer maps those to NULL.
type Game struct {
	ID               string
	WhiteID          string
	BlackID          string
	GameMode         string
	TimeControlMs    int64
	IncrementMs      int64
	DelayMs          int64
	DelayMode        string
	FEN              string
	PGN              string
	WhiteRemainingMs int64
	BlackRemainingMs int64
	ActiveColor      string
	TimerLastStamp   time.Time
	Status           string
	Result           string
	WinnerID         string
	EndReason        string
	StartedAt        time.Time
	CompletedAt      time.Time
}

// Move mirrors the moves table; (GameID, Ordinal) is unique.
type Move struct {
	ID          string
	GameID      string
	Ordinal     int
	Color       string
	FromSquare  string
	ToSquare    string
	SAN         string
	Captured    string
	IsCheck     bool
	IsCheckmate bool
	IsCastle    bool
	IsEnPassant bool
	Promotion   string
	ElapsedMs   int64
	Timestamp   time.Time
}

// MoveState is the per-move game-row update: position, notation, and the
// post-move clock.
type MoveState struct {
	FEN              string
	PGN              string
	WhiteRemainingMs int64
	BlackRemainingMs int64
	ActiveColor      string
	TimerLastStamp   time.Time
}

// Completion is the terminal game-row update.
type Completion struct {
	Result      rules.Result
	EndReason   rules.EndReason
	WinnerID    string
	CompletedAt time.Time
	FinalFEN    string
	WhiteRemainingMs int64
	BlackRemainingMs int64
}

// GameStore persists game rows.
type GameStore interface {
	// InsertGame creates the row; replaying an insert for an existing id
	// is a no-op.
	InsertGame(ctx context.Context, g *Game) error
	GameByID(ctx context.Context, id string) (*Game, error)
	// SeatGame records a filled seat.
	SeatGame(ctx context.Context, gameID string, color rules.Color, userID string) error
	// StartGame flips the row to live and stamps started_at.
	StartGame(ctx context.Context, gameID string, startedAt time.Time) error
	// RecordMoveState updates position, pgn and clock columns after a move.
	RecordMoveState(ctx context.Context, gameID string, st MoveState) error
	// CompleteGame applies the terminal update. It reports false when the
	// row was already completed, which makes replay idempotent: the caller
	// must then skip the rating update too.
	CompleteGame(ctx context.Context, gameID string, c Completion) (bool, error)
}

// MoveStore persists move rows.
type MoveStore interface {
	// InsertMove appends a move row; replays on (game_id, ordinal) are
	// no-ops.
	InsertMove(ctx context.Context, m *Move) error
	MovesByGame(ctx context.Context, gameID string, limit, offset int) ([]Move, error)
}

// UserStore reads and updates user rows.
type UserStore interface {
	CreateUser(ctx context.Context, u *User) error
	UserByID(ctx context.Context, id string) (*User, error)
	// ApplyResult sets the new rating and bumps the W/L/D counters.
	ApplyResult(ctx context.Context, userID string, newRating int, outcome Outcome) error
}

// Outcome is one player's view of a completed game.
type Outcome string

const (
	OutcomeWin  Outcome = "win"
	OutcomeLoss Outcome = "loss"
	OutcomeDraw Outcome = "draw"
)

// Tx is the transactional view of the store.
type Tx interface {
	GameStore
	MoveStore
	UserStore
}

// DB bundles the stores with transaction support and lifecycle.
type DB interface {
	Tx
	// WithTx runs fn inside one transaction; any error rolls it back.
	WithTx(ctx context.Context, fn func(Tx) error) error
	EnsureSchema(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
