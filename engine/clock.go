package engine

import (
	"time"

	"chess-wager-system/models"
)

// Remaining returns a clock value after elapsed wall-clock decay,
// floored at zero.
func Remaining(storedMs int64, elapsed time.Duration) int64 {
	rem := storedMs - elapsed.Milliseconds()
	if rem < 0 {
		return 0
	}
	return rem
}

// ObserveClocks computes both sides' current remaining time for an
// active game at the given instant. Only the side to move decays, and
// no time at all is charged before the first move of the game (the
// clock starts running once the first move has been made).
func ObserveClocks(g *models.Game, now time.Time) (whiteMs, blackMs int64) {
	whiteMs, blackMs = g.WhiteTimeLeft, g.BlackTimeLeft
	if g.Status != models.StatusActive || g.MoveCount == 0 || g.LastMoveAt == nil {
		return whiteMs, blackMs
	}
	elapsed := now.Sub(*g.LastMoveAt)
	if elapsed <= 0 {
		return whiteMs, blackMs
	}
	if SideToMove(g.FEN) == "white" {
		whiteMs = Remaining(whiteMs, elapsed)
	} else {
		blackMs = Remaining(blackMs, elapsed)
	}
	return whiteMs, blackMs
}

// FlaggedSide returns the side whose clock has run out, or "" when
// neither has. White is reported first; both hitting zero in one
// observation is resolved in favor of the side that flagged first in
// wall-clock terms, which the caller cannot distinguish anyway.
func FlaggedSide(whiteMs, blackMs int64) string {
	if whiteMs <= 0 {
		return "white"
	}
	if blackMs <= 0 {
		return "black"
	}
	return ""
}
