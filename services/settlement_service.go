package services

import (
	"errors"
	"fmt"
	"log"

	"bounty-engine/models"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

// SettlementService drives the terminal money movement for a bounty:
// payout when someone hit the target, refund when nobody did, and
// creator cancellation. Processor releases happen before any durable
// mutation and are idempotent per recipient, so a failed settlement can
// be retried without double-paying anyone.
type SettlementService struct {
	DB      *gorm.DB
	Wallet  *WalletService
	Escrow  *EscrowService
	Updates *UpdateService
}

func NewSettlementService(db *gorm.DB, wallet *WalletService, escrow *EscrowService, updates *UpdateService) *SettlementService {
	return &SettlementService{DB: db, Wallet: wallet, Escrow: escrow, Updates: updates}
}

// ParticipantResult is one final score from the (external) settlement driver.
type ParticipantResult struct {
	ParticipantID string `json:"participant_id"`
	FinalScore    int64  `json:"final_score"`
	Achieved      bool   `json:"achieved"`
}

// SettlementOutcome reports what the settlement did.
type SettlementOutcome struct {
	Winners              []string `json:"winners"`
	PayoutPerWinnerCents int64    `json:"payout_per_winner_cents"`
	Refunded             bool     `json:"refunded"`
	AlreadySettled       bool     `json:"already_settled"`
}

// errConcurrentSettle aborts the commit when another settlement won the
// status flip first. Surfaced to the caller as a no-op.
var errConcurrentSettle = errors.New("bounty settled concurrently")

// Settle evaluates final results and resolves the bounty. Calling it on
// an already COMPLETED or CANCELLED bounty is a no-op: the bounty
// status transition is the single source of truth for "this escrow has
// been resolved".
func (s *SettlementService) Settle(bountyID string, results []ParticipantResult) (*SettlementOutcome, error) {
	bounty, participants, err := s.load(bountyID)
	if err != nil {
		return nil, err
	}
	if bounty.Terminal() {
		return &SettlementOutcome{AlreadySettled: true}, nil
	}
	if bounty.Status != models.BountyStatusActive {
		return nil, ErrBountyNotActive
	}

	finalScores, err := matchResults(participants, results)
	if err != nil {
		return nil, err
	}

	// Achievement is re-evaluated against the target rule here; the
	// caller's flag is advisory input, not trusted.
	var winners, losers []models.BountyParticipant
	for _, p := range participants {
		result := finalScores[p.ParticipantID]
		achieved := bounty.Achieved(result.FinalScore)
		if achieved != result.Achieved {
			log.Printf("settlement for bounty %s: caller marked %s achieved=%t but score %d evaluates to %t",
				bountyID, p.ParticipantID, result.Achieved, result.FinalScore, achieved)
		}
		if achieved {
			winners = append(winners, p)
		} else {
			losers = append(losers, p)
		}
	}

	escrow, err := s.Escrow.Get(s.DB, bountyID)
	if err != nil {
		return nil, err
	}

	if len(winners) == 0 {
		if err := s.refund(bounty, escrow, participants, "no winner",
			[]models.BountyStatus{models.BountyStatusActive}); err != nil {
			if errors.Is(err, errConcurrentSettle) {
				return &SettlementOutcome{AlreadySettled: true}, nil
			}
			return nil, err
		}
		return &SettlementOutcome{Refunded: true}, nil
	}

	// Integer division; the remainder goes to the first winner by join
	// order so payouts always sum exactly to the pot.
	payout := escrow.TotalCents / int64(len(winners))
	remainder := escrow.TotalCents % int64(len(winners))

	recipients := make([]Recipient, len(winners))
	for i, w := range winners {
		amount := payout
		if i == 0 {
			amount += remainder
		}
		recipients[i] = Recipient{UserID: w.ParticipantID, AmountCents: amount}
	}

	// Processor first. Nothing is marked paid in the store until every
	// release is confirmed; on partial failure the bounty stays ACTIVE
	// with the attempt on the audit log, and a retry re-issues only
	// idempotent calls.
	confirmed, releaseErr := s.Escrow.ReleaseToRecipients(escrow, recipients)
	if releaseErr != nil {
		s.recordFailedRelease(bounty.ID, escrow, confirmed, recipients, releaseErr)
		return nil, releaseErr
	}

	err = s.DB.Transaction(func(tx *gorm.DB) error {
		// Claim the settlement. Losing this flip means another call
		// already committed the same outcome.
		res := tx.Model(&models.Bounty{}).
			Where("id = ? AND status = ?", bountyID, models.BountyStatusActive).
			Update("status", models.BountyStatusCompleted)
		if res.Error != nil {
			return fmt.Errorf("complete bounty: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return errConcurrentSettle
		}

		if len(winners) == 1 {
			if err := tx.Model(&models.Bounty{}).
				Where("id = ?", bountyID).
				Update("winner_id", winners[0].ParticipantID).Error; err != nil {
				return fmt.Errorf("set winner: %w", err)
			}
		}

		for i, w := range winners {
			if err := tx.Model(&models.BountyParticipant{}).
				Where("id = ?", w.ID).
				Update("current_score", finalScores[w.ParticipantID].FinalScore).Error; err != nil {
				return fmt.Errorf("record final score: %w", err)
			}
			if err := s.Wallet.Settle(tx, w.ParticipantID, w.StakeCents, recipients[i].AmountCents, OutcomeWin); err != nil {
				return err
			}
			if err := s.Updates.Append(tx, bountyID,
				fmt.Sprintf("released %d cents to %s", recipients[i].AmountCents, w.ParticipantID),
				models.PaymentUpdateData{
					EscrowID:    escrow.ID,
					Action:      "release",
					RecipientID: w.ParticipantID,
					AmountCents: recipients[i].AmountCents,
				}); err != nil {
				return err
			}
		}
		for _, l := range losers {
			if err := tx.Model(&models.BountyParticipant{}).
				Where("id = ?", l.ID).
				Update("current_score", finalScores[l.ParticipantID].FinalScore).Error; err != nil {
				return fmt.Errorf("record final score: %w", err)
			}
			if err := s.Wallet.Settle(tx, l.ParticipantID, l.StakeCents, 0, OutcomeLose); err != nil {
				return err
			}
		}
		// The creator's stake went into the pot; the creator never
		// wins their own bounty, so it settles as a loss.
		if err := s.Wallet.Settle(tx, bounty.CreatorID, bounty.BountyAmountCents, 0, OutcomeLose); err != nil {
			return err
		}

		if err := s.Escrow.MarkReleased(tx, escrow.ID); err != nil {
			return err
		}
		return s.Updates.Append(tx, bountyID, "bounty completed",
			models.StatusChangeData{
				From: models.BountyStatusActive,
				To:   models.BountyStatusCompleted,
			})
	})
	if err != nil {
		if errors.Is(err, errConcurrentSettle) {
			// Another path resolved the bounty between our confirmed
			// releases and this commit (e.g. a creator cancel that
			// refunded the hold). The processor has seen both sides;
			// leave the releases on the audit log and escalate.
			log.Printf("RECONCILE: bounty %s resolved concurrently after %d confirmed releases on hold %s",
				bountyID, len(confirmed), escrow.PaymentIntentID)
			s.recordFailedRelease(bounty.ID, escrow, confirmed, recipients, err)
			return &SettlementOutcome{AlreadySettled: true}, nil
		}
		return nil, err
	}

	outcome := &SettlementOutcome{PayoutPerWinnerCents: payout}
	for _, w := range winners {
		outcome.Winners = append(outcome.Winners, w.ParticipantID)
	}
	return outcome, nil
}

// Cancel refunds everyone and closes the bounty. Creator only, and only
// while the bounty is OPEN or ACTIVE. Cancelling an already CANCELLED
// bounty is a no-op.
func (s *SettlementService) Cancel(bountyID, requesterID string) error {
	bounty, participants, err := s.load(bountyID)
	if err != nil {
		return err
	}
	if requesterID != bounty.CreatorID {
		return ErrNotCreator
	}
	if bounty.Status == models.BountyStatusCancelled {
		return nil
	}
	if bounty.Terminal() {
		return ErrBountyNotActive
	}

	escrow, err := s.Escrow.Get(s.DB, bountyID)
	if err != nil {
		return err
	}
	err = s.refund(bounty, escrow, participants, "cancelled by creator",
		[]models.BountyStatus{models.BountyStatusOpen, models.BountyStatusActive})
	if errors.Is(err, errConcurrentSettle) {
		return nil
	}
	return err
}

// CancelExpired is the deadline-sweep entry point: refunds an OPEN
// bounty whose window closed before the roster ever filled.
func (s *SettlementService) CancelExpired(bountyID string) error {
	bounty, participants, err := s.load(bountyID)
	if err != nil {
		return err
	}
	if bounty.Status != models.BountyStatusOpen {
		return nil
	}
	escrow, err := s.Escrow.Get(s.DB, bountyID)
	if err != nil {
		return err
	}
	err = s.refund(bounty, escrow, participants, "expired before filling",
		[]models.BountyStatus{models.BountyStatusOpen})
	if errors.Is(err, errConcurrentSettle) {
		return nil
	}
	return err
}

// refund is the shared no-winner/cancellation path: every lock comes
// back, balances and win/loss counters stay untouched, the escrow is
// refunded at the processor and the bounty lands in CANCELLED.
func (s *SettlementService) refund(bounty *models.Bounty, escrow *models.EscrowAccount,
	participants []models.BountyParticipant, reason string, from []models.BountyStatus) error {
	return s.DB.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Bounty{}).
			Where("id = ? AND status IN ?", bounty.ID, from).
			Update("status", models.BountyStatusCancelled)
		if res.Error != nil {
			return fmt.Errorf("cancel bounty: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return errConcurrentSettle
		}

		for _, p := range participants {
			if err := s.Wallet.Unlock(tx, p.ParticipantID, p.StakeCents); err != nil {
				return err
			}
		}
		if err := s.Wallet.Unlock(tx, bounty.CreatorID, bounty.BountyAmountCents); err != nil {
			return err
		}

		if err := s.Escrow.RefundAll(tx, escrow, reason); err != nil {
			return err
		}
		if err := s.Updates.Append(tx, bounty.ID,
			fmt.Sprintf("refunded %d cents to all parties", escrow.TotalCents),
			models.PaymentUpdateData{
				EscrowID:    escrow.ID,
				Action:      "refund",
				AmountCents: escrow.TotalCents,
				Reason:      reason,
			}); err != nil {
			return err
		}
		if err := s.Updates.Append(tx, bounty.ID, reason,
			models.SystemMessageData{Reason: reason}); err != nil {
			return err
		}
		return s.Updates.Append(tx, bounty.ID, "bounty cancelled",
			models.StatusChangeData{
				From: bounty.Status,
				To:   models.BountyStatusCancelled,
			})
	})
}

// recordFailedRelease leaves the attempted results on the audit log so
// the retry (or a human) can see exactly how far the processor got.
func (s *SettlementService) recordFailedRelease(bountyID string, escrow *models.EscrowAccount,
	confirmed, attempted []Recipient, cause error) {
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		for _, r := range attempted {
			wasConfirmed := false
			for _, c := range confirmed {
				if c.UserID == r.UserID {
					wasConfirmed = true
					break
				}
			}
			if err := s.Updates.Append(tx, bountyID,
				fmt.Sprintf("settlement attempt: release of %d cents to %s (confirmed=%t)",
					r.AmountCents, r.UserID, wasConfirmed),
				models.PaymentUpdateData{
					EscrowID:    escrow.ID,
					Action:      "release",
					RecipientID: r.UserID,
					AmountCents: r.AmountCents,
					Failed:      !wasConfirmed,
					Reason:      cause.Error(),
				}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		log.Printf("ERROR recording failed settlement for bounty %s: %v", bountyID, err)
	}
}

func (s *SettlementService) load(bountyID string) (*models.Bounty, []models.BountyParticipant, error) {
	var bounty models.Bounty
	if err := s.DB.First(&bounty, "id = ?", bountyID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, ErrBountyNotFound
		}
		return nil, nil, fmt.Errorf("load bounty %s: %w", bountyID, err)
	}
	var participants []models.BountyParticipant
	if err := s.DB.Where("bounty_id = ?", bountyID).Order("id ASC").Find(&participants).Error; err != nil {
		return nil, nil, fmt.Errorf("load participants for %s: %w", bountyID, err)
	}
	return &bounty, participants, nil
}

// matchResults checks the inputs cover every participant exactly once.
func matchResults(participants []models.BountyParticipant, results []ParticipantResult) (map[string]ParticipantResult, error) {
	byID := make(map[string]ParticipantResult, len(results))
	for _, r := range results {
		if _, dup := byID[r.ParticipantID]; dup {
			return nil, fmt.Errorf("%w: duplicate result for %s", ErrIncompleteResults, r.ParticipantID)
		}
		byID[r.ParticipantID] = r
	}
	if len(byID) != len(participants) {
		return nil, ErrIncompleteResults
	}
	for _, p := range participants {
		if _, ok := byID[p.ParticipantID]; !ok {
			return nil, fmt.Errorf("%w: missing result for %s", ErrIncompleteResults, p.ParticipantID)
		}
	}
	return byID, nil
}

// ---- Fiber handlers ----

// SettleBounty handles POST /bounties/:id/settle.
func (s *SettlementService) SettleBounty(c *fiber.Ctx) error {
	type Req struct {
		Results []ParticipantResult `json:"results"`
	}
	var req Req
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid JSON", "details": err.Error()})
	}

	outcome, err := s.Settle(c.Params("id"), req.Results)
	if err != nil {
		status, msg := statusForError(err)
		if status == fiber.StatusInternalServerError {
			log.Printf("ERROR settling bounty %s: %v", c.Params("id"), err)
		}
		return c.Status(status).JSON(fiber.Map{"error": msg})
	}
	return c.JSON(outcome)
}

// CancelBounty handles POST /bounties/:id/cancel.
func (s *SettlementService) CancelBounty(c *fiber.Ctx) error {
	requesterID := userIDFromCtx(c)
	if requesterID == "" {
		return c.Status(401).JSON(fiber.Map{"error": "missing user context"})
	}
	if err := s.Cancel(c.Params("id"), requesterID); err != nil {
		status, msg := statusForError(err)
		if status == fiber.StatusInternalServerError {
			log.Printf("ERROR cancelling bounty %s: %v", c.Params("id"), err)
		}
		return c.Status(status).JSON(fiber.Map{"error": msg})
	}
	return c.JSON(fiber.Map{"message": "bounty cancelled, all stakes refunded"})
}
