package models

import (
	"time"
)

// Game statuses. A game only ever moves forward: waiting → active → finished.
const (
	StatusWaiting  = "waiting"
	StatusActive   = "active"
	StatusFinished = "finished"
)

// End reasons recorded when a game reaches finished.
const (
	ReasonCheckmate            = "checkmate"
	ReasonStalemate            = "stalemate"
	ReasonTimeout              = "timeout"
	ReasonAbandonment          = "abandonment"
	ReasonAgreement            = "agreement"
	ReasonInsufficientMaterial = "insufficient_material"
	ReasonCancellation         = "cancellation"
	ReasonDraw                 = "draw" // repetition / 75-move and other automatic draws
)

// Game is one wagered chess session. The row is the single source of
// truth for status, position and clocks; it is never deleted once
// finished so it doubles as the audit record.
type Game struct {
	ID        string  `gorm:"primaryKey;type:uuid" json:"id"`
	CreatorID string  `gorm:"type:uuid;index;not null" json:"creator_id"`
	JoinerID  *string `gorm:"type:uuid;index" json:"joiner_id,omitempty"`

	// Side assignment: creator takes white unless a later feature says otherwise.
	WhitePlayerID string  `gorm:"type:uuid;not null" json:"white_player_id"`
	BlackPlayerID *string `gorm:"type:uuid" json:"black_player_id,omitempty"`

	BetAmount int64  `gorm:"not null;check:bet_amount > 0" json:"bet_amount"`
	Status    string `gorm:"type:varchar(16);index;not null" json:"status"`

	FEN       string `gorm:"type:text" json:"fen"`
	PGN       string `gorm:"type:text" json:"pgn"`
	MoveCount int    `gorm:"not null;default:0" json:"move_count"`

	// Per-side clocks in milliseconds plus the server timestamp of the
	// last accepted move. Decay is always computed server-side from
	// LastMoveAt; client-reported times are never trusted.
	TimeBudgetMs  int64      `gorm:"not null" json:"time_budget_ms"`
	WhiteTimeLeft int64      `gorm:"not null" json:"white_time_left_ms"`
	BlackTimeLeft int64      `gorm:"not null" json:"black_time_left_ms"`
	LastMoveAt    *time.Time `json:"last_move_at,omitempty"`

	WinnerID  *string `gorm:"type:uuid" json:"winner_id,omitempty"`
	EndReason string  `gorm:"type:varchar(32)" json:"end_reason,omitempty"`

	// BetProcessed flips to true exactly once, in the same transaction
	// as the status write to finished. It is the settlement guard.
	BetProcessed bool `gorm:"not null;default:false" json:"bet_processed"`

	// Version backs the optimistic read-then-conditional-write on this row.
	Version int64 `gorm:"not null;default:0" json:"-"`

	ArchiveURL string `gorm:"type:text" json:"archive_url,omitempty"`

	CreatedAt time.Time `gorm:"index" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Creator *User  `gorm:"foreignKey:CreatorID" json:"creator,omitempty"`
	Joiner  *User  `gorm:"foreignKey:JoinerID" json:"joiner,omitempty"`
	Moves   []Move `gorm:"foreignKey:GameID" json:"moves,omitempty"`
}

// Move is one accepted half-move, kept for history reconstruction and audit.
type Move struct {
	ID        string    `gorm:"primaryKey;type:uuid" json:"id"`
	GameID    string    `gorm:"type:uuid;index;not null" json:"game_id"`
	UserID    string    `gorm:"type:uuid;not null" json:"user_id"`
	Number    int       `gorm:"not null" json:"number"`
	UCI       string    `gorm:"type:varchar(8);not null" json:"uci"`
	SAN       string    `gorm:"type:varchar(16)" json:"san"`
	Color     string    `gorm:"type:varchar(8);not null" json:"color"`
	CreatedAt time.Time `json:"created_at"`
}

// IsParticipant reports whether userID committed a stake to this game.
func (g *Game) IsParticipant(userID string) bool {
	if g.CreatorID == userID {
		return true
	}
	return g.JoinerID != nil && *g.JoinerID == userID
}

// OpponentOf returns the other participant, or "" when there is none.
func (g *Game) OpponentOf(userID string) string {
	if g.JoinerID == nil {
		return ""
	}
	switch userID {
	case g.CreatorID:
		return *g.JoinerID
	case *g.JoinerID:
		return g.CreatorID
	}
	return ""
}

// PlayerColor returns "white" or "black" for a participant, "" otherwise.
func (g *Game) PlayerColor(userID string) string {
	if g.WhitePlayerID == userID {
		return "white"
	}
	if g.BlackPlayerID != nil && *g.BlackPlayerID == userID {
		return "black"
	}
	return ""
}

// PlayerBySide returns the participant holding the given side.
func (g *Game) PlayerBySide(color string) string {
	if color == "white" {
		return g.WhitePlayerID
	}
	if g.BlackPlayerID != nil {
		return *g.BlackPlayerID
	}
	return ""
}
