package models

// EscrowStatus tracks the lifecycle of an escrow pool. The owning
// Bounty's status is the source of truth for "already resolved";
// Status here is kept for audit queries.
type EscrowStatus string

const (
	EscrowStatusOpen     EscrowStatus = "open"
	EscrowStatusReleased EscrowStatus = "released"
	EscrowStatusRefunded EscrowStatus = "refunded"
)

// EscrowAccount is the pool of money committed to a single bounty.
// CreatorCents + OpponentCents == TotalCents at all times.
type EscrowAccount struct {
	ID              string       `gorm:"primaryKey;type:uuid" json:"id"`
	BountyID        string       `gorm:"uniqueIndex;not null" json:"bounty_id"`
	TotalCents      int64        `gorm:"not null;default:0" json:"total_cents"`
	CreatorCents    int64        `gorm:"not null;default:0" json:"creator_cents"`
	OpponentCents   int64        `gorm:"not null;default:0" json:"opponent_cents"` // sum of non-creator stakes
	PaymentIntentID string       `gorm:"not null" json:"payment_intent_id"`        // processor hold reference
	Status          EscrowStatus `gorm:"type:varchar(16);not null;default:'open'" json:"status"`

	Timestamps
}
