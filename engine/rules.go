package engine

import (
	"errors"
	"fmt"
	"strings"

	nchess "github.com/corentings/chess/v2"
)

// ErrRejected is returned when the rules engine refuses a candidate move.
var ErrRejected = errors.New("move rejected by rules engine")

// StartFEN is the standard initial position.
const StartFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

// Outcome is the adapter's classification of a position.
type Outcome struct {
	Terminal bool   `json:"terminal"`
	Winner   string `json:"winner,omitempty"` // "white", "black", or "" for a draw
	Reason   string `json:"reason,omitempty"` // checkmate, stalemate, insufficient_material, draw
}

// MoveResult carries everything the session layer persists after an
// accepted move.
type MoveResult struct {
	UCI     string
	SAN     string
	FEN     string
	Outcome Outcome
}

// Reconstruct replays a UCI move history from the start position.
// The stored FEN is presentation state only; replaying the history is
// the authoritative way to rebuild a game.
func Reconstruct(history []string) (*nchess.Game, error) {
	game := nchess.NewGame()
	for i, mv := range history {
		if err := game.PushNotationMove(mv, nchess.UCINotation{}, nil); err != nil {
			return nil, fmt.Errorf("corrupt move history at %d (%q): %w", i, mv, err)
		}
	}
	return game, nil
}

// ApplyMove replays the history, then applies one candidate move given
// in UCI or SAN. Returns ErrRejected when the move is not legal in the
// resulting position.
func ApplyMove(history []string, move string) (*MoveResult, error) {
	game, err := Reconstruct(history)
	if err != nil {
		return nil, err
	}
	pos := game.Position()

	raw := strings.TrimSpace(move)
	if raw == "" {
		return nil, ErrRejected
	}

	var applied *nchess.Move
	if mv, derr := (nchess.UCINotation{}).Decode(pos, strings.ToLower(raw)); derr == nil {
		if merr := game.Move(mv, nil); merr != nil {
			return nil, fmt.Errorf("%w: %q", ErrRejected, raw)
		}
		applied = mv
	} else {
		if perr := game.PushNotationMove(raw, nchess.AlgebraicNotation{}, nil); perr != nil {
			return nil, fmt.Errorf("%w: %q", ErrRejected, raw)
		}
		applied = lastMove(game)
		if applied == nil {
			return nil, ErrRejected
		}
	}

	return &MoveResult{
		UCI:     applied.String(),
		SAN:     nchess.AlgebraicNotation{}.Encode(pos, applied),
		FEN:     game.FEN(),
		Outcome: classify(game),
	}, nil
}

// SideToMove derives whose turn it is from the FEN's active-color field.
// Both the move path and the clock path must use this helper so turn
// derivation can never diverge between them.
func SideToMove(fen string) string {
	fields := strings.Fields(fen)
	if len(fields) >= 2 && fields[1] == "b" {
		return "black"
	}
	return "white"
}

// Opponent flips a side string.
func Opponent(color string) string {
	if color == "white" {
		return "black"
	}
	return "white"
}

// HasMatingMaterial reports whether the given side retains enough
// material to ever deliver checkmate in the given position. Used for
// the flag-fall rule: if the opponent of the flagged side cannot mate,
// the game is a draw rather than a win on time.
func HasMatingMaterial(fen string, color string) bool {
	fenOpt, err := nchess.FEN(fen)
	if err != nil {
		// Unreadable position: assume sufficient so a timeout still resolves.
		return true
	}
	game := nchess.NewGame(fenOpt)
	board := game.Position().Board()

	side := nchess.White
	if color == "black" {
		side = nchess.Black
	}

	var queens, rooks, pawns, knights int
	var bishopSquares []nchess.Square
	for sq, piece := range board.SquareMap() {
		if piece == nchess.NoPiece || piece.Color() != side {
			continue
		}
		switch piece.Type() {
		case nchess.Queen:
			queens++
		case nchess.Rook:
			rooks++
		case nchess.Pawn:
			pawns++
		case nchess.Knight:
			knights++
		case nchess.Bishop:
			bishopSquares = append(bishopSquares, sq)
		}
	}
	bishops := len(bishopSquares)

	if queens > 0 || rooks > 0 || pawns > 0 {
		return true
	}
	if knights+bishops <= 1 {
		// Bare king or a single minor piece.
		return false
	}
	if knights == 2 && bishops == 0 {
		// Two knights cannot force mate.
		return false
	}
	if knights == 0 && allSameSquareColor(bishopSquares) {
		return false
	}
	return true
}

// MoveText renders numbered SAN movetext, e.g. "1. e4 e5 2. Nf3".
func MoveText(sans []string) string {
	var b strings.Builder
	for i := 0; i < len(sans); i += 2 {
		if i > 0 {
			b.WriteString(" ")
		}
		fmt.Fprintf(&b, "%d. %s", i/2+1, strings.TrimSpace(sans[i]))
		if i+1 < len(sans) {
			b.WriteString(" ")
			b.WriteString(strings.TrimSpace(sans[i+1]))
		}
	}
	return b.String()
}

// BuildPGN assembles an archival PGN document for a finished game.
func BuildPGN(whiteName, blackName string, sans []string, result, termination string) string {
	var b strings.Builder
	b.WriteString("[Event \"ChessCoin Wager\"]\n")
	fmt.Fprintf(&b, "[White %q]\n", sanitizePGN(whiteName))
	fmt.Fprintf(&b, "[Black %q]\n", sanitizePGN(blackName))
	if termination != "" {
		fmt.Fprintf(&b, "[Termination %q]\n", sanitizePGN(termination))
	}
	fmt.Fprintf(&b, "[Result %q]\n\n", result)
	if mt := MoveText(sans); mt != "" {
		b.WriteString(mt)
		b.WriteString(" ")
	}
	b.WriteString(result)
	return b.String()
}

// PGNResult maps a winner side to the PGN result token.
func PGNResult(winnerColor string) string {
	switch winnerColor {
	case "white":
		return "1-0"
	case "black":
		return "0-1"
	default:
		return "1/2-1/2"
	}
}

func sanitizePGN(s string) string {
	s = strings.ReplaceAll(s, "\\", " ")
	s = strings.ReplaceAll(s, "\"", "'")
	return strings.TrimSpace(s)
}

func classify(game *nchess.Game) Outcome {
	switch game.Outcome() {
	case nchess.WhiteWon:
		return Outcome{Terminal: true, Winner: "white", Reason: reasonFromMethod(game.Method())}
	case nchess.BlackWon:
		return Outcome{Terminal: true, Winner: "black", Reason: reasonFromMethod(game.Method())}
	case nchess.Draw:
		return Outcome{Terminal: true, Reason: reasonFromMethod(game.Method())}
	}
	return Outcome{}
}

func reasonFromMethod(m nchess.Method) string {
	switch m {
	case nchess.Checkmate:
		return "checkmate"
	case nchess.Stalemate:
		return "stalemate"
	case nchess.InsufficientMaterial:
		return "insufficient_material"
	default:
		return "draw"
	}
}

func lastMove(game *nchess.Game) *nchess.Move {
	moves := game.Moves()
	if len(moves) == 0 {
		return nil
	}
	return moves[len(moves)-1]
}

func allSameSquareColor(squares []nchess.Square) bool {
	if len(squares) == 0 {
		return true
	}
	first := (int(squares[0].File()) + int(squares[0].Rank())) % 2
	for _, sq := range squares[1:] {
		if (int(sq.File())+int(sq.Rank()))%2 != first {
			return false
		}
	}
	return true
}
