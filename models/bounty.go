package models

import "time"

type BountyStatus string

const (
	BountyStatusOpen      BountyStatus = "OPEN"
	BountyStatusActive    BountyStatus = "ACTIVE"
	BountyStatusCompleted BountyStatus = "COMPLETED"
	BountyStatusCancelled BountyStatus = "CANCELLED"
)

// TargetComparison is the rule half of a target metric.
type TargetComparison string

const (
	ComparisonGreaterThan TargetComparison = "greater_than"
	ComparisonLessThan    TargetComparison = "less_than"
	ComparisonEqualTo     TargetComparison = "equal_to"
)

// ValidComparison reports whether c is one of the supported rules.
func ValidComparison(c TargetComparison) bool {
	switch c {
	case ComparisonGreaterThan, ComparisonLessThan, ComparisonEqualTo:
		return true
	}
	return false
}

// Bounty is the wagering contract: a creator stakes BountyAmountCents
// that a measurable target will (or won't) be hit, opponents join with
// their own stakes, and the pot is settled against final scores.
type Bounty struct {
	ID          string `gorm:"primaryKey;type:uuid" json:"id"`
	CreatorID   string `gorm:"index;not null" json:"creator_id"`
	Title       string `gorm:"not null" json:"title"`
	Slug        string `gorm:"index" json:"slug"`
	Description string `json:"description"`

	BountyAmountCents int64 `gorm:"not null" json:"bounty_amount_cents"` // creator stake

	// Target metric: Achieved(score) is the single place the rule is evaluated.
	TargetValue      int64            `gorm:"not null" json:"target_value"`
	TargetComparison TargetComparison `gorm:"type:varchar(16);not null" json:"target_comparison"`

	Timeframe string    `json:"timeframe"` // e.g., "week_3", "2026-08-30"
	StartDate time.Time `gorm:"not null" json:"start_date"`
	EndDate   time.Time `gorm:"not null;index" json:"end_date"`

	MaxParticipants  int          `gorm:"not null" json:"max_participants"`
	ParticipantCount int          `gorm:"not null;default:0" json:"participant_count"`
	Status           BountyStatus `gorm:"type:varchar(16);not null;default:'OPEN';index" json:"status"`

	EscrowID     string  `json:"escrow_id"`
	WinnerID     *string `json:"winner_id,omitempty"` // set only when exactly one winner
	MainPhotoURL string  `json:"main_photo_url,omitempty"`

	Participants []BountyParticipant `json:"participants,omitempty" gorm:"foreignKey:BountyID"`

	Timestamps
}

// Achieved evaluates a score against the bounty's target metric.
// Pure and deterministic: exact comparison on the stored int64
// representation, no rounding.
func (b *Bounty) Achieved(score int64) bool {
	switch b.TargetComparison {
	case ComparisonGreaterThan:
		return score > b.TargetValue
	case ComparisonLessThan:
		return score < b.TargetValue
	case ComparisonEqualTo:
		return score == b.TargetValue
	}
	return false
}

// Terminal reports whether the bounty can no longer change.
func (b *Bounty) Terminal() bool {
	return b.Status == BountyStatusCompleted || b.Status == BountyStatusCancelled
}

// BountyParticipant is the join row for one opponent on one bounty.
// The autoincrement ID doubles as join order, which the settlement
// remainder rule depends on.
type BountyParticipant struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	BountyID      string    `gorm:"uniqueIndex:idx_bounty_participant;not null" json:"bounty_id"`
	ParticipantID string    `gorm:"uniqueIndex:idx_bounty_participant;not null" json:"participant_id"`
	StakeCents    int64     `gorm:"not null" json:"stake_cents"`
	CurrentScore  int64     `gorm:"not null;default:0" json:"current_score"`
	JoinedAt      time.Time `gorm:"autoCreateTime" json:"joined_at"`
}
