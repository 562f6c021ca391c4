// notnil.go implements the Engine interface on top of github.com/notnil/chess.
// The engine is stateless: every call rebuilds the position from the FEN it
// is given, so a single value can serve every session concurrently.
package rules

import (
	"strconv"
	"strings"

	"github.com/notnil/chess"
)

// Notnil is the notnil/chess-backed Engine.
type Notnil struct{}

// NewEngine returns the production rules engine.
func NewEngine() Notnil { return Notnil{} }

// Apply validates req against fen and returns the move outcome.
func (Notnil) Apply(fen string, req MoveRequest) (MoveResult, error) {
	pos, err := positionFromFEN(fen)
	if err != nil {
		return MoveResult{}, ErrIllegalMove
	}
	uci := normalizeUCI(req)
	if uci == "" {
		return MoveResult{}, ErrIllegalMove
	}
	decoded, err := chess.UCINotation{}.Decode(pos, uci)
	if err != nil {
		return MoveResult{}, ErrIllegalMove
	}

	// Resolve against the legal move list; the decoded move carries no
	// tags, the canonical one does.
	var move *chess.Move
	for _, m := range pos.ValidMoves() {
		if m.S1() == decoded.S1() && m.S2() == decoded.S2() && m.Promo() == decoded.Promo() {
			move = m
			break
		}
	}
	if move == nil {
		return MoveResult{}, ErrIllegalMove
	}

	san := chess.AlgebraicNotation{}.Encode(pos, move)
	board := pos.Board()
	moving := pieceName(board.Piece(move.S1()).Type())
	captured := NoPiece
	if move.HasTag(chess.EnPassant) {
		captured = Pawn
	} else if p := board.Piece(move.S2()); p != chess.NoPiece {
		captured = pieceName(p.Type())
	}

	next := pos.Update(move)
	newFEN := next.String()
	halfmove, fullmove := fenCounters(newFEN)

	return MoveResult{
		FEN:      newFEN,
		SAN:      san,
		UCI:      uci,
		Piece:    moving,
		Captured: captured,
		Flags: MoveFlags{
			Capture:   captured != NoPiece,
			Castle:    move.HasTag(chess.KingSideCastle) || move.HasTag(chess.QueenSideCastle),
			EnPassant: move.HasTag(chess.EnPassant),
			Promotion: move.Promo() != chess.NoPieceType,
			Check:     move.HasTag(chess.Check),
			Checkmate: next.Status() == chess.Checkmate,
		},
		RepetitionKey:  repetitionKey(newFEN),
		HalfmoveClock:  halfmove,
		FullmoveNumber: fullmove,
	}, nil
}

// Terminal classifies a position reached after a move. Precedence: checkmate,
// stalemate, insufficient material, fifty-move, threefold repetition.
func (Notnil) Terminal(fen string, repetitions int) (EndReason, bool) {
	pos, err := positionFromFEN(fen)
	if err != nil {
		return "", false
	}
	switch pos.Status() {
	case chess.Checkmate:
		return ReasonCheckmate, true
	case chess.Stalemate:
		return ReasonStalemate, true
	}
	if insufficientMaterial(pos.Board()) {
		return ReasonInsufficientMaterial, true
	}
	if halfmove, _ := fenCounters(fen); halfmove >= 100 {
		return ReasonFiftyMove, true
	}
	if repetitions >= 3 {
		return ReasonThreefoldRepetition, true
	}
	return "", false
}

// SideToMove reports whose turn it is in fen.
func (Notnil) SideToMove(fen string) (Color, error) {
	pos, err := positionFromFEN(fen)
	if err != nil {
		return "", err
	}
	if pos.Turn() == chess.White {
		return White, nil
	}
	return Black, nil
}

// HasMatingMaterial reports whether side c can still win. A lone king or a
// king with a single minor piece cannot deliver mate; anything more counts
// as mating material.
func (Notnil) HasMatingMaterial(fen string, c Color) bool {
	pos, err := positionFromFEN(fen)
	if err != nil {
		return false
	}
	color := chess.White
	if c == Black {
		color = chess.Black
	}
	mc := countMaterial(pos.Board(), color)
	return mc.heavy() || mc.minors() >= 2
}

// RepetitionKey reduces fen to the fields defining position identity for
// repetition: placement, side to move, castling rights, en passant target.
func (Notnil) RepetitionKey(fen string) string {
	return repetitionKey(fen)
}

func positionFromFEN(fen string) (*chess.Position, error) {
	opt, err := chess.FEN(fen)
	if err != nil {
		return nil, ErrIllegalMove
	}
	return chess.NewGame(opt).Position(), nil
}

// normalizeUCI renders a MoveRequest in coordinate notation, or "" if the
// squares are malformed.
func normalizeUCI(req MoveRequest) string {
	from := strings.ToLower(strings.TrimSpace(req.From))
	to := strings.ToLower(strings.TrimSpace(req.To))
	if !validSquare(from) || !validSquare(to) {
		return ""
	}
	switch req.Promotion {
	case NoPiece:
		return from + to
	case Queen:
		return from + to + "q"
	case Rook:
		return from + to + "r"
	case Bishop:
		return from + to + "b"
	case Knight:
		return from + to + "n"
	}
	return ""
}

func validSquare(s string) bool {
	return len(s) == 2 && s[0] >= 'a' && s[0] <= 'h' && s[1] >= '1' && s[1] <= '8'
}

func pieceName(t chess.PieceType) Piece {
	switch t {
	case chess.King:
		return King
	case chess.Queen:
		return Queen
	case chess.Rook:
		return Rook
	case chess.Bishop:
		return Bishop
	case chess.Knight:
		return Knight
	case chess.Pawn:
		return Pawn
	}
	return NoPiece
}

// materialCount tallies one side's pieces, tracking bishop square colors.
type materialCount struct {
	pawns, knights, rooks, queens int
	lightBishops, darkBishops     int
}

func (mc materialCount) bishops() int { return mc.lightBishops + mc.darkBishops }
func (mc materialCount) minors() int  { return mc.knights + mc.bishops() }
func (mc materialCount) heavy() bool  { return mc.pawns > 0 || mc.rooks > 0 || mc.queens > 0 }

func countMaterial(b *chess.Board, c chess.Color) materialCount {
	var mc materialCount
	for r := chess.Rank1; r <= chess.Rank8; r++ {
		for f := chess.FileA; f <= chess.FileH; f++ {
			sq := chess.NewSquare(f, r)
			p := b.Piece(sq)
			if p == chess.NoPiece || p.Color() != c {
				continue
			}
			switch p.Type() {
			case chess.Pawn:
				mc.pawns++
			case chess.Knight:
				mc.knights++
			case chess.Rook:
				mc.rooks++
			case chess.Queen:
				mc.queens++
			case chess.Bishop:
				// a1 is dark.
				if (int(f)+int(r))%2 == 1 {
					mc.lightBishops++
				} else {
					mc.darkBishops++
				}
			}
		}
	}
	return mc
}

// insufficientMaterial reports the dead positions that end a game at once:
// K vs K, K+B vs K, K+N vs K, and K+B vs K+B with both bishops on the same
// square color.
func insufficientMaterial(b *chess.Board) bool {
	w := countMaterial(b, chess.White)
	bl := countMaterial(b, chess.Black)
	if w.heavy() || bl.heavy() {
		return false
	}
	switch w.minors() + bl.minors() {
	case 0, 1:
		return true
	case 2:
		if w.bishops() == 1 && bl.bishops() == 1 {
			return (w.lightBishops == 1 && bl.lightBishops == 1) ||
				(w.darkBishops == 1 && bl.darkBishops == 1)
		}
	}
	return false
}

// repetitionKey keeps FEN fields 1-4.
func repetitionKey(fen string) string {
	fields := strings.Fields(fen)
	if len(fields) < 4 {
		return fen
	}
	return strings.Join(fields[:4], " ")
}

// fenCounters parses the halfmove clock and fullmove number.
func fenCounters(fen string) (halfmove, fullmove int) {
	fields := strings.Fields(fen)
	if len(fields) >= 5 {
		halfmove, _ = strconv.Atoi(fields[4])
	}
	if len(fields) >= 6 {
		fullmove, _ = strconv.Atoi(fields[5])
	}
	return halfmove, fullmove
}
