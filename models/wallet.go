package models

import (
	"time"

	"gorm.io/gorm"
)

// UserWallet holds a user's funds inside the wagering engine.
// All amounts are integer cents. LockedCents is the portion of
// BalanceCents reserved against open bounties, so
// 0 <= LockedCents <= BalanceCents must hold at all times.
// Created lazily on first lock, never deleted.
type UserWallet struct {
	ID             string `gorm:"primaryKey;type:uuid" json:"id"`
	UserID         string `gorm:"uniqueIndex;not null" json:"user_id"` // ExternalUserID from profile service
	BalanceCents   int64  `gorm:"not null;default:0" json:"balance_cents"`
	LockedCents    int64  `gorm:"not null;default:0" json:"locked_cents"`
	TotalWonCents  int64  `gorm:"not null;default:0" json:"total_won_cents"`
	TotalLostCents int64  `gorm:"not null;default:0" json:"total_lost_cents"`

	Timestamps
}

// AvailableCents is what the user can still commit to new bounties.
func (w *UserWallet) AvailableCents() int64 {
	return w.BalanceCents - w.LockedCents
}

// Timestamps adds GORM auto-times
type Timestamps struct {
	CreatedAt time.Time      `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time      `json:"updated_at" gorm:"autoUpdateTime"`
	DeletedAt gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}
