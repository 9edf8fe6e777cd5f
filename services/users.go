package services

import (
	"errors"

	"chess-wager-system/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DefaultOpeningBalance is the ChessCoin grant for a new account.
const DefaultOpeningBalance = 100

// UserService manages player accounts. Balance mutations live in the
// Ledger; this service only creates and reads users.
type UserService struct {
	DB     *gorm.DB
	Ledger *Ledger
}

func NewUserService(db *gorm.DB, ledger *Ledger) *UserService {
	return &UserService{DB: db, Ledger: ledger}
}

// CreateUser registers a player with the default opening balance.
func (s *UserService) CreateUser(name, email string) (*models.User, error) {
	u := &models.User{
		ID:        uuid.NewString(),
		Name:      name,
		Email:     email,
		ChessCoin: DefaultOpeningBalance,
	}
	if err := s.DB.Create(u).Error; err != nil {
		return nil, err
	}
	return u, nil
}

// GetUser fetches one account.
func (s *UserService) GetUser(userID string) (*models.User, error) {
	var u models.User
	if err := s.DB.First(&u, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}
