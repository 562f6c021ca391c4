package rules

import (
	"errors"
	"testing"
)

// engine asserts at compile time that Notnil satisfies Engine.
var engine Engine = NewEngine()

func mustApply(t *testing.T, fen, from, to string, promo Piece) MoveResult {
	t.Helper()
	res, err := engine.Apply(fen, MoveRequest{From: from, To: to, Promotion: promo})
	if err != nil {
		t.Fatalf("Apply(%s-%s) on %q: %v", from, to, fen, err)
	}
	return res
}

func TestApplyOpeningMove(t *testing.T) {
	res := mustApply(t, StartingFEN, "e2", "e4", NoPiece)
	if res.SAN != "e4" {
		t.Fatalf("SAN = %q, want e4", res.SAN)
	}
	if res.UCI != "e2e4" {
		t.Fatalf("UCI = %q, want e2e4", res.UCI)
	}
	if res.Piece != Pawn {
		t.Fatalf("Piece = %q, want pawn", res.Piece)
	}
	if res.Flags.Capture || res.Flags.Check || res.Flags.Checkmate {
		t.Fatalf("unexpected flags for quiet opening move: %+v", res.Flags)
	}
	side, err := engine.SideToMove(res.FEN)
	if err != nil {
		t.Fatalf("SideToMove: %v", err)
	}
	if side != Black {
		t.Fatalf("side to move after e4 = %v, want black", side)
	}
}

func TestScholarsMate(t *testing.T) {
	moves := [][2]string{
		{"e2", "e4"}, {"e7", "e5"},
		{"f1", "c4"}, {"b8", "c6"},
		{"d1", "h5"}, {"g8", "f6"},
		{"h5", "f7"},
	}
	fen := StartingFEN
	var last MoveResult
	for _, mv := range moves {
		last = mustApply(t, fen, mv[0], mv[1], NoPiece)
		fen = last.FEN
	}
	if last.SAN != "Qxf7#" {
		t.Fatalf("final SAN = %q, want Qxf7#", last.SAN)
	}
	if !last.Flags.Capture || last.Captured != Pawn {
		t.Fatalf("final move should capture a pawn: flags=%+v captured=%q", last.Flags, last.Captured)
	}
	if !last.Flags.Checkmate {
		t.Fatalf("final move should be checkmate: %+v", last.Flags)
	}
	reason, over := engine.Terminal(last.FEN, 1)
	if !over || reason != ReasonCheckmate {
		t.Fatalf("Terminal = (%v, %v), want (checkmate, true)", reason, over)
	}
}

func TestIllegalMoves(t *testing.T) {
	cases := []struct {
		name string
		req  MoveRequest
	}{
		{"not your turn", MoveRequest{From: "e7", To: "e5"}},
		{"no piece", MoveRequest{From: "e4", To: "e5"}},
		{"bad geometry", MoveRequest{From: "e2", To: "e5"}},
		{"malformed from", MoveRequest{From: "z9", To: "e4"}},
		{"malformed to", MoveRequest{From: "e2", To: "44"}},
		{"empty", MoveRequest{}},
	}
	for _, tc := range cases {
		if _, err := engine.Apply(StartingFEN, tc.req); !errors.Is(err, ErrIllegalMove) {
			t.Errorf("%s: err = %v, want ErrIllegalMove", tc.name, err)
		}
	}
	if _, err := engine.Apply("not a fen", MoveRequest{From: "e2", To: "e4"}); !errors.Is(err, ErrIllegalMove) {
		t.Errorf("bad fen: err = %v, want ErrIllegalMove", err)
	}
}

func TestUppercaseSquaresNormalized(t *testing.T) {
	res := mustApply(t, StartingFEN, "E2", "E4", NoPiece)
	if res.UCI != "e2e4" {
		t.Fatalf("UCI = %q, want e2e4", res.UCI)
	}
}

func TestCastling(t *testing.T) {
	const fen = "r3k2r/8/8/8/8/8/8/R3K2R w KQkq - 0 1"

	short := mustApply(t, fen, "e1", "g1", NoPiece)
	if short.SAN != "O-O" || !short.Flags.Castle {
		t.Fatalf("kingside: SAN=%q castle=%v, want O-O/true", short.SAN, short.Flags.Castle)
	}
	long := mustApply(t, fen, "e1", "c1", NoPiece)
	if long.SAN != "O-O-O" || !long.Flags.Castle {
		t.Fatalf("queenside: SAN=%q castle=%v, want O-O-O/true", long.SAN, long.Flags.Castle)
	}

	const bfen = "r3k2r/8/8/8/8/8/8/R3K2R b KQkq - 0 1"
	bshort := mustApply(t, bfen, "e8", "g8", NoPiece)
	if bshort.SAN != "O-O" || !bshort.Flags.Castle {
		t.Fatalf("black kingside: SAN=%q castle=%v", bshort.SAN, bshort.Flags.Castle)
	}
}

func TestEnPassant(t *testing.T) {
	fen := StartingFEN
	for _, mv := range [][2]string{
		{"e2", "e4"}, {"a7", "a6"},
		{"e4", "e5"}, {"d7", "d5"},
	} {
		fen = mustApply(t, fen, mv[0], mv[1], NoPiece).FEN
	}
	res := mustApply(t, fen, "e5", "d6", NoPiece)
	if !res.Flags.EnPassant {
		t.Fatalf("flags = %+v, want en passant", res.Flags)
	}
	if !res.Flags.Capture || res.Captured != Pawn {
		t.Fatalf("en passant must capture a pawn: flags=%+v captured=%q", res.Flags, res.Captured)
	}
	if res.SAN != "exd6" {
		t.Fatalf("SAN = %q, want exd6", res.SAN)
	}
}

func TestPromotion(t *testing.T) {
	const fen = "8/4P1k1/8/8/8/8/8/4K3 w - - 0 1"

	res := mustApply(t, fen, "e7", "e8", Queen)
	if !res.Flags.Promotion {
		t.Fatalf("flags = %+v, want promotion", res.Flags)
	}
	if res.SAN != "e8=Q" {
		t.Fatalf("SAN = %q, want e8=Q", res.SAN)
	}
	if res.UCI != "e7e8q" {
		t.Fatalf("UCI = %q, want e7e8q", res.UCI)
	}
	if res.Piece != Pawn {
		t.Fatalf("Piece = %q, want pawn", res.Piece)
	}

	// Promotion piece is mandatory when a pawn reaches the last rank.
	if _, err := engine.Apply(fen, MoveRequest{From: "e7", To: "e8"}); !errors.Is(err, ErrIllegalMove) {
		t.Fatalf("promotion without piece: err = %v, want ErrIllegalMove", err)
	}

	knight := mustApply(t, fen, "e7", "e8", Knight)
	if knight.UCI != "e7e8n" {
		t.Fatalf("knight promotion UCI = %q, want e7e8n", knight.UCI)
	}
}

func TestStalemate(t *testing.T) {
	// Qg5-g6 leaves the cornered black king with no legal move and no check.
	const fen = "7k/5K2/8/6Q1/8/8/8/8 w - - 0 1"
	res := mustApply(t, fen, "g5", "g6", NoPiece)
	if res.Flags.Check || res.Flags.Checkmate {
		t.Fatalf("stalemating move must not be check: %+v", res.Flags)
	}
	reason, over := engine.Terminal(res.FEN, 1)
	if !over || reason != ReasonStalemate {
		t.Fatalf("Terminal = (%v, %v), want (stalemate, true)", reason, over)
	}
}

func TestInsufficientMaterialAfterCapture(t *testing.T) {
	// Kxd4 removes the last pawn, leaving king versus king.
	const fen = "8/8/3k4/8/3p4/3K4/8/8 w - - 0 50"
	res := mustApply(t, fen, "d3", "d4", NoPiece)
	if !res.Flags.Capture || res.Captured != Pawn {
		t.Fatalf("expected pawn capture, got flags=%+v captured=%q", res.Flags, res.Captured)
	}
	reason, over := engine.Terminal(res.FEN, 1)
	if !over || reason != ReasonInsufficientMaterial {
		t.Fatalf("Terminal = (%v, %v), want (insufficient-material, true)", reason, over)
	}
}

func TestInsufficientMaterialClassification(t *testing.T) {
	cases := []struct {
		name string
		fen  string
		want bool
	}{
		{"king vs king", "8/8/3k4/8/8/3K4/8/8 b - - 0 1", true},
		{"king+bishop vs king", "8/8/8/3k4/8/2BK4/8/8 b - - 0 1", true},
		{"king+knight vs king", "8/8/8/3k4/8/2NK4/8/8 b - - 0 1", true},
		{"same colored bishops", "8/8/8/2bk4/8/2BK4/8/8 b - - 0 1", true},
		{"opposite colored bishops", "8/8/2b5/3k4/8/2BK4/8/8 b - - 0 1", false},
		{"two knights", "8/8/3k4/8/8/1NNK4/8/8 b - - 0 1", false},
		{"queen on board", "8/8/8/3k4/8/2QK4/8/8 b - - 0 1", false},
		{"lone pawn", "8/8/8/3k4/8/2PK4/8/8 b - - 0 1", false},
	}
	for _, tc := range cases {
		reason, over := engine.Terminal(tc.fen, 1)
		got := over && reason == ReasonInsufficientMaterial
		if got != tc.want {
			t.Errorf("%s: insufficient = %v (reason=%v), want %v", tc.name, got, reason, tc.want)
		}
	}
}

func TestFiftyMoveRule(t *testing.T) {
	// Halfmove clock at 99; one more quiet move crosses the threshold.
	const fen = "8/8/8/3k4/8/3K4/8/7R w - - 99 80"
	res := mustApply(t, fen, "h1", "h2", NoPiece)
	if res.HalfmoveClock != 100 {
		t.Fatalf("HalfmoveClock = %d, want 100", res.HalfmoveClock)
	}
	reason, over := engine.Terminal(res.FEN, 1)
	if !over || reason != ReasonFiftyMove {
		t.Fatalf("Terminal = (%v, %v), want (fifty-move, true)", reason, over)
	}
}

func TestThreefoldRepetition(t *testing.T) {
	// The engine only checks the count; history bookkeeping is the caller's.
	if reason, over := engine.Terminal(StartingFEN, 3); !over || reason != ReasonThreefoldRepetition {
		t.Fatalf("Terminal(start, 3) = (%v, %v), want (threefold-repetition, true)", reason, over)
	}
	if _, over := engine.Terminal(StartingFEN, 2); over {
		t.Fatal("Terminal(start, 2) reported game over")
	}
}

func TestRepetitionKey(t *testing.T) {
	key := engine.RepetitionKey(StartingFEN)
	want := "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq -"
	if key != want {
		t.Fatalf("RepetitionKey = %q, want %q", key, want)
	}
	// Keys ignore the move counters.
	other := engine.RepetitionKey("rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 40 60")
	if other != key {
		t.Fatalf("keys differ on counters only: %q vs %q", other, key)
	}
}

func TestHasMatingMaterial(t *testing.T) {
	// Bare white king against king and queen: black can mate, white cannot.
	const s4 = "4k2q/8/8/8/8/8/8/4K3 w - - 0 1"
	if engine.HasMatingMaterial(s4, White) {
		t.Fatal("bare king reported as mating material")
	}
	if !engine.HasMatingMaterial(s4, Black) {
		t.Fatal("king+queen reported as insufficient")
	}

	cases := []struct {
		name string
		fen  string
		side Color
		want bool
	}{
		{"single knight", "8/8/3k4/8/8/2NK4/8/8 w - - 0 1", White, false},
		{"single bishop", "8/8/3k4/8/8/2BK4/8/8 w - - 0 1", White, false},
		{"two knights", "8/8/3k4/8/8/1NNK4/8/8 w - - 0 1", White, true},
		{"bishop pair", "8/8/3k4/8/8/1BBK4/8/8 w - - 0 1", White, true},
		{"lone pawn", "8/8/3k4/8/8/2PK4/8/8 w - - 0 1", White, true},
		{"rook", "8/8/3k4/8/8/2RK4/8/8 w - - 0 1", White, true},
	}
	for _, tc := range cases {
		if got := engine.HasMatingMaterial(tc.fen, tc.side); got != tc.want {
			t.Errorf("%s: HasMatingMaterial = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestCheckFlag(t *testing.T) {
	// 1.e4 e5 2.Qh5 g6 3.Qxe5+ forks king and rook with check.
	fen := StartingFEN
	for _, mv := range [][2]string{
		{"e2", "e4"}, {"e7", "e5"},
		{"d1", "h5"}, {"g7", "g6"},
	} {
		fen = mustApply(t, fen, mv[0], mv[1], NoPiece).FEN
	}
	res := mustApply(t, fen, "h5", "e5", NoPiece)
	if !res.Flags.Check || res.Flags.Checkmate {
		t.Fatalf("flags = %+v, want check without mate", res.Flags)
	}
	if res.SAN != "Qxe5+" {
		t.Fatalf("SAN = %q, want Qxe5+", res.SAN)
	}
}

func TestParsers(t *testing.T) {
	if c, err := ParseColor("white"); err != nil || c != White {
		t.Fatalf("ParseColor(white) = (%v, %v)", c, err)
	}
	if _, err := ParseColor("green"); err == nil {
		t.Fatal("ParseColor accepted green")
	}
	if p, err := ParsePromotion("q"); err != nil || p != Queen {
		t.Fatalf("ParsePromotion(q) = (%v, %v)", p, err)
	}
	if p, err := ParsePromotion("knight"); err != nil || p != Knight {
		t.Fatalf("ParsePromotion(knight) = (%v, %v)", p, err)
	}
	if p, err := ParsePromotion(""); err != nil || p != NoPiece {
		t.Fatalf("ParsePromotion(empty) = (%v, %v)", p, err)
	}
	if _, err := ParsePromotion("king"); err == nil {
		t.Fatal("ParsePromotion accepted king")
	}
	if White.Other() != Black || Black.Other() != White {
		t.Fatal("Other() is not an involution")
	}
}
