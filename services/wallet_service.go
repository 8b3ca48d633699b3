package services

import (
	"errors"
	"fmt"
	"log"

	"bounty-engine/models"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// WalletOutcome tells Settle which side of the pot the user ended on.
type WalletOutcome string

const (
	OutcomeWin  WalletOutcome = "WIN"
	OutcomeLose WalletOutcome = "LOSE"
)

// WalletService is the fund-reservation primitive everything else
// builds on. Every mutation is a single conditional UPDATE so two
// concurrent commitments against the same wallet can never both
// succeed when only one is affordable — no read-modify-write in
// application code.
type WalletService struct {
	DB *gorm.DB
}

func NewWalletService(db *gorm.DB) *WalletService {
	return &WalletService{DB: db}
}

// Lock reserves amountCents against the user's available balance.
// The wallet row is created lazily on first lock.
func (s *WalletService) Lock(tx *gorm.DB, userID string, amountCents int64) error {
	if amountCents <= 0 {
		return fmt.Errorf("lock amount must be positive, got %d", amountCents)
	}

	// The new ID goes in via Attrs: a non-zero primary key on the
	// destination would become part of the lookup and miss the
	// existing row.
	var wallet models.UserWallet
	if err := tx.Where(models.UserWallet{UserID: userID}).
		Attrs(models.UserWallet{ID: uuid.NewString()}).
		FirstOrCreate(&wallet).Error; err != nil {
		return fmt.Errorf("ensure wallet for %s: %w", userID, err)
	}

	res := tx.Model(&models.UserWallet{}).
		Where("user_id = ? AND balance_cents - locked_cents >= ?", userID, amountCents).
		Update("locked_cents", gorm.Expr("locked_cents + ?", amountCents))
	if res.Error != nil {
		return fmt.Errorf("lock funds for %s: %w", userID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrInsufficientFunds
	}
	return nil
}

// Unlock releases a reservation without moving balance. Used on
// cancellation and the no-winner refund path.
func (s *WalletService) Unlock(tx *gorm.DB, userID string, amountCents int64) error {
	res := tx.Model(&models.UserWallet{}).
		Where("user_id = ? AND locked_cents >= ?", userID, amountCents).
		Update("locked_cents", gorm.Expr("locked_cents - ?", amountCents))
	if res.Error != nil {
		return fmt.Errorf("unlock funds for %s: %w", userID, res.Error)
	}
	if res.RowsAffected == 0 {
		// Releasing more than is locked means our own accounting is
		// broken. Escalate, never "fix" the row.
		log.Printf("CONSISTENCY: unlock of %d cents for user %s exceeds locked amount", amountCents, userID)
		return fmt.Errorf("%w: unlock %d cents for user %s", ErrLedgerInconsistent, amountCents, userID)
	}
	return nil
}

// Settle converts a reservation into a final outcome in one atomic
// statement. The stake is forfeited into the pot on both sides;
// winners get the full payout credited back (which includes their own
// stake), so balances across all parties change by exactly zero at
// settlement.
func (s *WalletService) Settle(tx *gorm.DB, userID string, stakeCents, payoutCents int64, outcome WalletOutcome) error {
	var res *gorm.DB
	switch outcome {
	case OutcomeWin:
		res = tx.Model(&models.UserWallet{}).
			Where("user_id = ? AND locked_cents >= ?", userID, stakeCents).
			Updates(map[string]interface{}{
				"locked_cents":    gorm.Expr("locked_cents - ?", stakeCents),
				"balance_cents":   gorm.Expr("balance_cents - ? + ?", stakeCents, payoutCents),
				"total_won_cents": gorm.Expr("total_won_cents + ?", payoutCents),
			})
	case OutcomeLose:
		res = tx.Model(&models.UserWallet{}).
			Where("user_id = ? AND locked_cents >= ?", userID, stakeCents).
			Updates(map[string]interface{}{
				"locked_cents":     gorm.Expr("locked_cents - ?", stakeCents),
				"balance_cents":    gorm.Expr("balance_cents - ?", stakeCents),
				"total_lost_cents": gorm.Expr("total_lost_cents + ?", stakeCents),
			})
	default:
		return fmt.Errorf("invalid outcome: %s", outcome)
	}
	if res.Error != nil {
		return fmt.Errorf("settle %s for %s: %w", outcome, userID, res.Error)
	}
	if res.RowsAffected == 0 {
		log.Printf("CONSISTENCY: settle %s of %d cents for user %s exceeds locked amount", outcome, stakeCents, userID)
		return fmt.Errorf("%w: settle %d cents for user %s", ErrLedgerInconsistent, stakeCents, userID)
	}
	return nil
}

// Deposit credits the balance directly. Real deposits arrive through
// the external payment pipeline; this exists for provisioning and
// internal tooling.
func (s *WalletService) Deposit(tx *gorm.DB, userID string, amountCents int64) error {
	if amountCents <= 0 {
		return fmt.Errorf("deposit amount must be positive, got %d", amountCents)
	}
	var wallet models.UserWallet
	if err := tx.Where(models.UserWallet{UserID: userID}).
		Attrs(models.UserWallet{ID: uuid.NewString()}).
		FirstOrCreate(&wallet).Error; err != nil {
		return fmt.Errorf("ensure wallet for %s: %w", userID, err)
	}
	return tx.Model(&models.UserWallet{}).
		Where("user_id = ?", userID).
		Update("balance_cents", gorm.Expr("balance_cents + ?", amountCents)).Error
}

// Get returns the wallet, or a zeroed one if the user never locked funds.
func (s *WalletService) Get(userID string) (*models.UserWallet, error) {
	var wallet models.UserWallet
	if err := s.DB.Where("user_id = ?", userID).First(&wallet).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &models.UserWallet{UserID: userID}, nil
		}
		return nil, err
	}
	return &wallet, nil
}

// GetWallet serves GET /wallets/:user_id — read-only view for the front end.
func (s *WalletService) GetWallet(c *fiber.Ctx) error {
	userID := c.Params("user_id")
	if userID == "" {
		return c.Status(400).JSON(fiber.Map{"error": "user_id required in URL"})
	}
	wallet, err := s.Get(userID)
	if err != nil {
		log.Printf("ERROR fetching wallet for %s: %v", userID, err)
		return c.Status(500).JSON(fiber.Map{"error": "failed to fetch wallet"})
	}
	return c.JSON(fiber.Map{
		"user_id":          wallet.UserID,
		"balance_cents":    wallet.BalanceCents,
		"locked_cents":     wallet.LockedCents,
		"available_cents":  wallet.AvailableCents(),
		"total_won_cents":  wallet.TotalWonCents,
		"total_lost_cents": wallet.TotalLostCents,
	})
}
