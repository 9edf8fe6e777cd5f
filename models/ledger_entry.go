package models

import (
	"time"
)

// Ledger entry types.
const (
	EntryDebit  = "debit"
	EntryCredit = "credit"
	EntryRefund = "refund"
)

// LedgerEntry is an append-only record of one balance mutation tied to a
// game. Balance is the user's balance after the mutation, so the ledger
// can be replayed against the users table during reconciliation audits.
type LedgerEntry struct {
	ID        string    `gorm:"primaryKey;type:uuid" json:"id"`
	GameID    string    `gorm:"type:uuid;index;not null" json:"game_id"`
	UserID    string    `gorm:"type:uuid;index;not null" json:"user_id"`
	EntryType string    `gorm:"type:varchar(16);not null" json:"entry_type"`
	Amount    int64     `gorm:"not null" json:"amount"`
	Balance   int64     `gorm:"not null" json:"balance"`
	CreatedAt time.Time `json:"created_at"`
}
