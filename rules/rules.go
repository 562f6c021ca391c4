// Package rules adapts a chess move-generation library behind a small,
// stateless interface. It owns the chess vocabulary shared by the rest of
// the service (colors, pieces, results, end reasons) and knows nothing
// about time, players, or transport.
package rules

import "errors"

// StartingFEN is the standard initial position.
const StartingFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

// ErrIllegalMove is the only discriminant the engine surfaces: malformed
// notation and rule violations both report it.
var ErrIllegalMove = errors.New("rules: illegal move")

// Color identifies a side of the board.
type Color string

const (
	White Color = "white"
	Black Color = "black"
)

// Other returns the opposing color.
func (c Color) Other() Color {
	if c == White {
		return Black
	}
	return White
}

func (c Color) String() string { return string(c) }

// ParseColor decodes "white" or "black".
func ParseColor(s string) (Color, error) {
	switch s {
	case "white":
		return White, nil
	case "black":
		return Black, nil
	}
	return "", errors.New("rules: unknown color " + s)
}

// Piece identifies a piece type, independent of color. The zero value means
// no piece.
type Piece string

const (
	NoPiece Piece = ""
	Pawn    Piece = "pawn"
	Knight  Piece = "knight"
	Bishop  Piece = "bishop"
	Rook    Piece = "rook"
	Queen   Piece = "queen"
	King    Piece = "king"
)

// ParsePromotion decodes a promotion piece from wire form. Both single
// letters ("q") and full names ("queen") are accepted; empty means no
// promotion.
func ParsePromotion(s string) (Piece, error) {
	switch s {
	case "":
		return NoPiece, nil
	case "q", "queen":
		return Queen, nil
	case "r", "rook":
		return Rook, nil
	case "b", "bishop":
		return Bishop, nil
	case "n", "knight":
		return Knight, nil
	}
	return NoPiece, errors.New("rules: unknown promotion piece " + s)
}

// Result is the outcome of a completed game.
type Result string

const (
	WhiteWins Result = "white_wins"
	BlackWins Result = "black_wins"
	Draw      Result = "draw"
)

// EndReason is the canonical vocabulary for why a game ended. The engine
// only ever produces the board-derived reasons; the session supplies the
// rest (timeout, resignation, draw agreement, abandonment).
type EndReason string

const (
	ReasonCheckmate            EndReason = "checkmate"
	ReasonStalemate            EndReason = "stalemate"
	ReasonThreefoldRepetition  EndReason = "threefold-repetition"
	ReasonInsufficientMaterial EndReason = "insufficient-material"
	ReasonFiftyMove            EndReason = "fifty-move"
	ReasonTimeout              EndReason = "timeout"
	ReasonResignation          EndReason = "resignation"
	ReasonDrawAgreement        EndReason = "draw-agreement"
	ReasonAbandonment          EndReason = "abandonment"
	// ReasonTimeoutInsufficient marks a flag fall where the side with time
	// left cannot mate, which FIDE scores as a draw.
	ReasonTimeoutInsufficient EndReason = "insufficient-material-vs-timeout"
)

// MoveRequest is a move as the client states it.
type MoveRequest struct {
	From      string
	To        string
	Promotion Piece
}

// MoveFlags describe an accepted move.
type MoveFlags struct {
	Capture   bool
	Castle    bool
	EnPassant bool
	Promotion bool
	Check     bool
	Checkmate bool
}

// MoveResult is the engine's verdict on an accepted move.
type MoveResult struct {
	// FEN is the position after the move.
	FEN string
	// SAN is the move in standard algebraic notation, with check and mate
	// suffixes.
	SAN string
	// UCI is the normalized coordinate form (from, to, promotion letter).
	UCI      string
	Piece    Piece
	Captured Piece
	Flags    MoveFlags
	// RepetitionKey normalizes FEN for threefold counting (fields 1-4).
	RepetitionKey string
	// HalfmoveClock is the post-move halfmove counter from the FEN.
	HalfmoveClock int
	// FullmoveNumber is the post-move fullmove counter from the FEN.
	FullmoveNumber int
}

// Engine validates moves and classifies positions. Implementations must be
// safe for concurrent use, never mutate their inputs, and never log.
type Engine interface {
	// Apply validates req against the position in fen and returns the move
	// outcome, or ErrIllegalMove.
	Apply(fen string, req MoveRequest) (MoveResult, error)
	// Terminal classifies a position reached after a move, applying the
	// precedence checkmate, stalemate, insufficient material, fifty-move,
	// threefold repetition. repetitions is the number of times the
	// position's RepetitionKey has occurred, this occurrence included.
	Terminal(fen string, repetitions int) (EndReason, bool)
	// SideToMove reports whose turn it is in fen.
	SideToMove(fen string) (Color, error)
	// HasMatingMaterial reports whether c could deliver checkmate by some
	// series of legal moves, used to adjudicate flag falls.
	HasMatingMaterial(fen string, c Color) bool
	// RepetitionKey reduces fen to the fields relevant for repetition
	// detection.
	RepetitionKey(fen string) string
}
