package models

import (
	"time"
)

// User holds the platform-credit balance the wagering engine settles
// against. Authentication lives in the gateway; we only trust X-User-ID.
type User struct {
	ID        string    `gorm:"primaryKey;type:uuid" json:"id"`
	Name      string    `gorm:"index;not null" json:"name"`
	Email     string    `gorm:"uniqueIndex" json:"email,omitempty"`
	ChessCoin int64     `gorm:"not null;default:0;check:chess_coin >= 0" json:"chess_coin"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}
