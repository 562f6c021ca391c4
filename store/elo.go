package store

import (
	"math"

	"github.com/tempochess/tempo/rules"
)

// DefaultKFactor is the standard rating volatility.
const DefaultKFactor = 32

// eloExpected is the logistic win expectation of a rated ra against rb.
func eloExpected(ra, rb int) float64 {
	return 1.0 / (1.0 + math.Pow(10, float64(rb-ra)/400.0))
}

// EloDeltas computes the rating changes for white and black given the game
// result. Each side rounds independently, so the deltas need not cancel
// exactly.
func EloDeltas(whiteRating, blackRating, k int, result rules.Result) (int, int) {
	var whiteScore, blackScore float64
	switch result {
	case rules.WhiteWins:
		whiteScore = 1
	case rules.BlackWins:
		blackScore = 1
	default:
		whiteScore, blackScore = 0.5, 0.5
	}
	dw := math.Round(float64(k) * (whiteScore - eloExpected(whiteRating, blackRating)))
	db := math.Round(float64(k) * (blackScore - eloExpected(blackRating, whiteRating)))
	return int(dw), int(db)
}

// outcomeFor maps a game result to one color's ledger entry.
func outcomeFor(result rules.Result, c rules.Color) Outcome {
	switch {
	case result == rules.Draw:
		return OutcomeDraw
	case result == rules.WhiteWins && c == rules.White,
		result == rules.BlackWins && c == rules.Black:
		return OutcomeWin
	default:
		return OutcomeLoss
	}
}
