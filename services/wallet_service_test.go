package services

import (
	"errors"
	"testing"

	"bounty-engine/models"
)

func TestLockCreatesWalletLazily(t *testing.T) {
	e := newEngine(t)

	err := e.wallet.Lock(e.db, "user-1", 500)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds on empty wallet, got %v", err)
	}

	w := e.walletOf(t, "user-1")
	if w.BalanceCents != 0 || w.LockedCents != 0 {
		t.Fatalf("fresh wallet should be zeroed, got balance=%d locked=%d", w.BalanceCents, w.LockedCents)
	}
}

func TestLockReservesAvailableFunds(t *testing.T) {
	e := newEngine(t)
	e.deposit(t, "user-1", 10000)

	if err := e.wallet.Lock(e.db, "user-1", 6000); err != nil {
		t.Fatalf("first lock: %v", err)
	}

	w := e.walletOf(t, "user-1")
	if w.BalanceCents != 10000 {
		t.Errorf("lock must not touch balance, got %d", w.BalanceCents)
	}
	if w.LockedCents != 6000 {
		t.Errorf("locked = %d, want 6000", w.LockedCents)
	}
	if w.AvailableCents() != 4000 {
		t.Errorf("available = %d, want 4000", w.AvailableCents())
	}

	// Second lock exceeds the remaining 4000 available even though the
	// raw balance would cover it.
	err := e.wallet.Lock(e.db, "user-1", 5000)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds against available balance, got %v", err)
	}
	checkWalletInvariant(t, e.db)
}

func TestRepeatedMutationsReuseWalletRow(t *testing.T) {
	e := newEngine(t)

	// Every mutation after the first must find the existing row, not
	// collide with the unique index on user_id.
	e.deposit(t, "user-1", 10000)
	if err := e.wallet.Lock(e.db, "user-1", 2000); err != nil {
		t.Fatalf("lock on existing wallet: %v", err)
	}
	e.deposit(t, "user-1", 5000)
	if err := e.wallet.Lock(e.db, "user-1", 4000); err != nil {
		t.Fatalf("second lock on existing wallet: %v", err)
	}

	var count int64
	e.db.Model(&models.UserWallet{}).Where("user_id = ?", "user-1").Count(&count)
	if count != 1 {
		t.Fatalf("wallet rows for user-1 = %d, want 1", count)
	}
	w := e.walletOf(t, "user-1")
	if w.BalanceCents != 15000 || w.LockedCents != 6000 {
		t.Errorf("balance=%d locked=%d, want 15000/6000", w.BalanceCents, w.LockedCents)
	}
}

func TestLockRejectsNonPositiveAmount(t *testing.T) {
	e := newEngine(t)
	e.deposit(t, "user-1", 1000)

	if err := e.wallet.Lock(e.db, "user-1", 0); err == nil {
		t.Fatal("expected error for zero lock")
	}
	if err := e.wallet.Lock(e.db, "user-1", -100); err == nil {
		t.Fatal("expected error for negative lock")
	}
}

func TestUnlockRestoresAvailability(t *testing.T) {
	e := newEngine(t)
	e.deposit(t, "user-1", 10000)

	if err := e.wallet.Lock(e.db, "user-1", 6000); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := e.wallet.Unlock(e.db, "user-1", 6000); err != nil {
		t.Fatalf("unlock: %v", err)
	}

	w := e.walletOf(t, "user-1")
	if w.BalanceCents != 10000 || w.LockedCents != 0 {
		t.Fatalf("after unlock: balance=%d locked=%d, want 10000/0", w.BalanceCents, w.LockedCents)
	}
}

func TestUnlockBeyondLockedIsLedgerError(t *testing.T) {
	e := newEngine(t)
	e.deposit(t, "user-1", 10000)

	if err := e.wallet.Lock(e.db, "user-1", 1000); err != nil {
		t.Fatalf("lock: %v", err)
	}
	err := e.wallet.Unlock(e.db, "user-1", 2000)
	if !errors.Is(err, ErrLedgerInconsistent) {
		t.Fatalf("expected ErrLedgerInconsistent, got %v", err)
	}

	// Nothing should have moved.
	w := e.walletOf(t, "user-1")
	if w.LockedCents != 1000 {
		t.Fatalf("locked = %d, want 1000 untouched", w.LockedCents)
	}
}

func TestSettleWin(t *testing.T) {
	e := newEngine(t)
	e.deposit(t, "user-1", 10000)

	if err := e.wallet.Lock(e.db, "user-1", 5000); err != nil {
		t.Fatalf("lock: %v", err)
	}
	// Stake 5000 forfeits into the pot, payout 15000 comes back.
	if err := e.wallet.Settle(e.db, "user-1", 5000, 15000, OutcomeWin); err != nil {
		t.Fatalf("settle win: %v", err)
	}

	w := e.walletOf(t, "user-1")
	if w.BalanceCents != 20000 {
		t.Errorf("balance = %d, want 20000", w.BalanceCents)
	}
	if w.LockedCents != 0 {
		t.Errorf("locked = %d, want 0", w.LockedCents)
	}
	if w.TotalWonCents != 15000 {
		t.Errorf("total_won = %d, want 15000", w.TotalWonCents)
	}
	if w.TotalLostCents != 0 {
		t.Errorf("total_lost = %d, want 0", w.TotalLostCents)
	}
	checkWalletInvariant(t, e.db)
}

func TestSettleLose(t *testing.T) {
	e := newEngine(t)
	e.deposit(t, "user-1", 10000)

	if err := e.wallet.Lock(e.db, "user-1", 5000); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := e.wallet.Settle(e.db, "user-1", 5000, 0, OutcomeLose); err != nil {
		t.Fatalf("settle lose: %v", err)
	}

	w := e.walletOf(t, "user-1")
	if w.BalanceCents != 5000 {
		t.Errorf("balance = %d, want 5000", w.BalanceCents)
	}
	if w.LockedCents != 0 {
		t.Errorf("locked = %d, want 0", w.LockedCents)
	}
	if w.TotalLostCents != 5000 {
		t.Errorf("total_lost = %d, want 5000", w.TotalLostCents)
	}
	checkWalletInvariant(t, e.db)
}

func TestSettleBeyondLockedIsLedgerError(t *testing.T) {
	e := newEngine(t)
	e.deposit(t, "user-1", 10000)

	if err := e.wallet.Lock(e.db, "user-1", 1000); err != nil {
		t.Fatalf("lock: %v", err)
	}
	err := e.wallet.Settle(e.db, "user-1", 2000, 4000, OutcomeWin)
	if !errors.Is(err, ErrLedgerInconsistent) {
		t.Fatalf("expected ErrLedgerInconsistent, got %v", err)
	}
}

func TestSettleRejectsUnknownOutcome(t *testing.T) {
	e := newEngine(t)
	e.deposit(t, "user-1", 10000)

	if err := e.wallet.Settle(e.db, "user-1", 1000, 0, WalletOutcome("DRAW")); err == nil {
		t.Fatal("expected error for unknown outcome")
	}
}

func TestGetUnknownWalletReturnsZeroView(t *testing.T) {
	e := newEngine(t)

	w := e.walletOf(t, "nobody")
	if w.BalanceCents != 0 || w.LockedCents != 0 || w.AvailableCents() != 0 {
		t.Fatalf("unknown user should read as zeroed wallet, got %+v", w)
	}
}
