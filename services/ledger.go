package services

import (
	"errors"
	"fmt"
	"time"

	"chess-wager-system/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Ledger owns every ChessCoin balance mutation. Balances are only ever
// changed through Debit/Credit/Refund, each of which takes the caller's
// transaction handle so a settlement composes into the same atomic unit
// as the session-status write.
type Ledger struct {
	DB *gorm.DB
}

func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{DB: db}
}

// Debit withdraws a stake. The guarded single-statement update keeps
// the non-negative invariant without a read-then-write window: zero
// rows affected means the balance was short (or the user is missing).
func (l *Ledger) Debit(tx *gorm.DB, gameID, userID string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("debit amount must be positive, got %d", amount)
	}
	res := tx.Model(&models.User{}).
		Where("id = ? AND chess_coin >= ?", userID, amount).
		UpdateColumn("chess_coin", gorm.Expr("chess_coin - ?", amount))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := tx.Model(&models.User{}).Where("id = ?", userID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrNotFound
		}
		return ErrInsufficientFunds
	}
	return l.append(tx, gameID, userID, models.EntryDebit, -amount)
}

// Credit pays out to a winner.
func (l *Ledger) Credit(tx *gorm.DB, gameID, userID string, amount int64) error {
	return l.deposit(tx, gameID, userID, models.EntryCredit, amount)
}

// Refund returns a participant's own stake on a draw or cancellation.
func (l *Ledger) Refund(tx *gorm.DB, gameID, userID string, amount int64) error {
	return l.deposit(tx, gameID, userID, models.EntryRefund, amount)
}

func (l *Ledger) deposit(tx *gorm.DB, gameID, userID, entryType string, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("%s amount must be non-negative, got %d", entryType, amount)
	}
	res := tx.Model(&models.User{}).
		Where("id = ?", userID).
		UpdateColumn("chess_coin", gorm.Expr("chess_coin + ?", amount))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return l.append(tx, gameID, userID, entryType, amount)
}

func (l *Ledger) append(tx *gorm.DB, gameID, userID, entryType string, amount int64) error {
	var user models.User
	if err := tx.First(&user, "id = ?", userID).Error; err != nil {
		return err
	}
	entry := models.LedgerEntry{
		ID:        uuid.NewString(),
		GameID:    gameID,
		UserID:    userID,
		EntryType: entryType,
		Amount:    amount,
		Balance:   user.ChessCoin,
		CreatedAt: time.Now(),
	}
	return tx.Create(&entry).Error
}

// Balance reads a user's current ChessCoin balance.
func (l *Ledger) Balance(userID string) (int64, error) {
	var user models.User
	if err := l.DB.First(&user, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return user.ChessCoin, nil
}

// EntriesForGame lists the ledger trail of one game, oldest first.
func (l *Ledger) EntriesForGame(gameID string) ([]models.LedgerEntry, error) {
	var entries []models.LedgerEntry
	err := l.DB.Where("game_id = ?", gameID).Order("created_at ASC").Find(&entries).Error
	return entries, err
}
