package workers

import (
	"context"
	"log"
	"time"

	"bounty-engine/models"

	"gorm.io/gorm"
)

// PollInvariants periodically scans wallets and escrows for accounting
// breaches. A hit means a bug in the engine, not bad input, so nothing
// is corrected here — it is logged loudly for escalation.
func PollInvariants(ctx context.Context, db *gorm.DB, pollInterval time.Duration) {
	log.Println("Starting ledger invariant polling...")

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Ledger invariant polling stopped.")
			return
		case <-ticker.C:
			var badWallets []models.UserWallet
			err := db.Where("locked_cents < 0 OR locked_cents > balance_cents").
				Find(&badWallets).Error
			if err != nil {
				log.Printf("invariant scan (wallets) failed: %v", err)
			}
			for _, w := range badWallets {
				log.Printf("CONSISTENCY: wallet %s for user %s has locked=%d balance=%d",
					w.ID, w.UserID, w.LockedCents, w.BalanceCents)
			}

			var badEscrows []models.EscrowAccount
			err = db.Where("creator_cents + opponent_cents <> total_cents").
				Find(&badEscrows).Error
			if err != nil {
				log.Printf("invariant scan (escrows) failed: %v", err)
			}
			for _, e := range badEscrows {
				log.Printf("CONSISTENCY: escrow %s for bounty %s has creator=%d opponent=%d total=%d",
					e.ID, e.BountyID, e.CreatorCents, e.OpponentCents, e.TotalCents)
			}
		}
	}
}
