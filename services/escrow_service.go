package services

import (
	"fmt"

	"bounty-engine/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// EscrowService manages the per-bounty money pool. Processor calls are
// sequenced before the durable writes they correspond to: funds are
// never marked held or released in the store until the processor has
// confirmed. The owning Bounty's status transition to COMPLETED or
// CANCELLED is the source of truth for "already resolved", so Release
// and RefundAll never double-fire when settlement is retried.
type EscrowService struct {
	DB       *gorm.DB
	Payments PaymentCapability
}

func NewEscrowService(db *gorm.DB, payments PaymentCapability) *EscrowService {
	return &EscrowService{DB: db, Payments: payments}
}

// Open requests a hold on the creator's stake and creates the escrow
// row inside the caller's transaction. If the hold is rejected the row
// is never written and ErrPaymentHoldFailed propagates; if the caller's
// transaction later rolls back, the returned PaymentIntentID is what
// the caller refunds to compensate.
func (s *EscrowService) Open(tx *gorm.DB, bountyID, creatorID string, amountCents int64) (*models.EscrowAccount, error) {
	holdRef, err := s.Payments.CreateHold(creatorID, amountCents, map[string]string{
		"bounty_id": bountyID,
		"role":      "creator",
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPaymentHoldFailed, err)
	}

	escrow := &models.EscrowAccount{
		ID:              uuid.NewString(),
		BountyID:        bountyID,
		TotalCents:      amountCents,
		CreatorCents:    amountCents,
		OpponentCents:   0,
		PaymentIntentID: holdRef,
		Status:          models.EscrowStatusOpen,
	}
	if err := tx.Create(escrow).Error; err != nil {
		return nil, fmt.Errorf("create escrow for bounty %s: %w", bountyID, err)
	}
	return escrow, nil
}

// Contribute holds a participant's stake against the escrow's payment
// intent and grows the pool. The increment is a single conditional
// UPDATE gated on the escrow still being open, so a resolved escrow can
// never grow. The confirmed hold reference is returned even on failure:
// once the processor has confirmed, a caller whose transaction rolls
// back must refund it to compensate.
func (s *EscrowService) Contribute(tx *gorm.DB, escrow *models.EscrowAccount, participantID string, amountCents int64) (string, error) {
	holdRef, err := s.Payments.CreateHold(participantID, amountCents, map[string]string{
		"bounty_id":      escrow.BountyID,
		"payment_intent": escrow.PaymentIntentID,
		"role":           "participant",
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPaymentHoldFailed, err)
	}

	res := tx.Model(&models.EscrowAccount{}).
		Where("id = ? AND status = ?", escrow.ID, models.EscrowStatusOpen).
		Updates(map[string]interface{}{
			"opponent_cents": gorm.Expr("opponent_cents + ?", amountCents),
			"total_cents":    gorm.Expr("total_cents + ?", amountCents),
		})
	if res.Error != nil {
		return holdRef, fmt.Errorf("grow escrow %s: %w", escrow.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return holdRef, fmt.Errorf("%w: escrow %s is not open", ErrLedgerInconsistent, escrow.ID)
	}
	return holdRef, nil
}

// Recipient is one payout target on the release path.
type Recipient struct {
	UserID      string
	AmountCents int64
}

// ReleaseToRecipients pays each recipient's share out of the hold. The
// processor call per recipient is idempotent, so a retried settlement
// re-issues confirmations, never double-pays. Returns the recipients
// confirmed so far alongside the error when the processor fails partway.
func (s *EscrowService) ReleaseToRecipients(escrow *models.EscrowAccount, recipients []Recipient) (confirmed []Recipient, err error) {
	for _, r := range recipients {
		if err := s.Payments.Release(escrow.PaymentIntentID, r.UserID, r.AmountCents); err != nil {
			return confirmed, fmt.Errorf("%w: recipient %s: %v", ErrPaymentReleaseFailed, r.UserID, err)
		}
		confirmed = append(confirmed, r)
	}
	return confirmed, nil
}

// MarkReleased records the terminal released state inside the caller's
// settlement transaction.
func (s *EscrowService) MarkReleased(tx *gorm.DB, escrowID string) error {
	return s.markTerminal(tx, escrowID, models.EscrowStatusReleased)
}

// RefundAll returns the whole hold via the processor, then records the
// terminal refunded state inside the caller's transaction.
func (s *EscrowService) RefundAll(tx *gorm.DB, escrow *models.EscrowAccount, reason string) error {
	if err := s.Payments.Refund(escrow.PaymentIntentID, reason); err != nil {
		return fmt.Errorf("%w: %v", ErrPaymentRefundFailed, err)
	}
	return s.markTerminal(tx, escrow.ID, models.EscrowStatusRefunded)
}

func (s *EscrowService) markTerminal(tx *gorm.DB, escrowID string, status models.EscrowStatus) error {
	res := tx.Model(&models.EscrowAccount{}).
		Where("id = ? AND status = ?", escrowID, models.EscrowStatusOpen).
		Update("status", status)
	if res.Error != nil {
		return fmt.Errorf("mark escrow %s %s: %w", escrowID, status, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: escrow %s already resolved", ErrLedgerInconsistent, escrowID)
	}
	return nil
}

// Get loads an escrow account by the bounty that owns it.
func (s *EscrowService) Get(tx *gorm.DB, bountyID string) (*models.EscrowAccount, error) {
	var escrow models.EscrowAccount
	if err := tx.Where("bounty_id = ?", bountyID).First(&escrow).Error; err != nil {
		return nil, fmt.Errorf("load escrow for bounty %s: %w", bountyID, err)
	}
	return &escrow, nil
}
