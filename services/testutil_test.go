package services

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"bounty-engine/models"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(
		&models.UserWallet{},
		&models.EscrowAccount{},
		&models.Bounty{},
		&models.BountyParticipant{},
		&models.BountyUpdate{},
	); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

// fakePayments is an in-memory payment capability. Release and Refund
// count calls per idempotency identity so tests can assert nobody got
// paid twice.
type fakePayments struct {
	mu       sync.Mutex
	holdSeq  int
	holds    map[string]int64 // holdRef -> held cents
	releases map[string]int   // holdRef:recipient -> call count
	released map[string]int64 // holdRef:recipient -> cents paid (first call wins)
	refunds  map[string]int   // holdRef -> call count

	failHolds      bool
	failReleaseFor string // recipientID whose release should fail
	onRelease      func() // runs before each release, for interleaving state changes
}

func newFakePayments() *fakePayments {
	return &fakePayments{
		holds:    make(map[string]int64),
		releases: make(map[string]int),
		released: make(map[string]int64),
		refunds:  make(map[string]int),
	}
}

func (f *fakePayments) CreateHold(payerID string, amountCents int64, metadata map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failHolds {
		return "", fmt.Errorf("card declined")
	}
	f.holdSeq++
	ref := fmt.Sprintf("hold-%d", f.holdSeq)
	f.holds[ref] = amountCents
	return ref, nil
}

func (f *fakePayments) Release(holdRef, recipientID string, amountCents int64) error {
	if f.onRelease != nil {
		f.onRelease()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failReleaseFor == recipientID {
		return fmt.Errorf("processor rejected release for %s", recipientID)
	}
	key := holdRef + ":" + recipientID
	f.releases[key]++
	if f.releases[key] == 1 {
		f.released[key] = amountCents
	}
	return nil
}

func (f *fakePayments) Refund(holdRef, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refunds[holdRef]++
	return nil
}

func (f *fakePayments) holdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.holds)
}

func (f *fakePayments) releaseCount(holdRef, recipientID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.releases[holdRef+":"+recipientID]
}

func (f *fakePayments) refundCount(holdRef string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refunds[holdRef]
}

func (f *fakePayments) totalRefunds() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.refunds {
		total += n
	}
	return total
}

// engine bundles the services under test.
type engine struct {
	db         *gorm.DB
	payments   *fakePayments
	wallet     *WalletService
	escrow     *EscrowService
	updates    *UpdateService
	bounty     *BountyService
	settlement *SettlementService
}

func newEngine(t *testing.T) *engine {
	t.Helper()
	db := newTestDB(t)
	payments := newFakePayments()
	wallet := NewWalletService(db)
	escrow := NewEscrowService(db, payments)
	updates := NewUpdateService(db)
	return &engine{
		db:         db,
		payments:   payments,
		wallet:     wallet,
		escrow:     escrow,
		updates:    updates,
		bounty:     NewBountyService(db, wallet, escrow, updates),
		settlement: NewSettlementService(db, wallet, escrow, updates),
	}
}

func (e *engine) deposit(t *testing.T, userID string, cents int64) {
	t.Helper()
	if err := e.wallet.Deposit(e.db, userID, cents); err != nil {
		t.Fatalf("deposit %d for %s: %v", cents, userID, err)
	}
}

func (e *engine) walletOf(t *testing.T, userID string) *models.UserWallet {
	t.Helper()
	w, err := e.wallet.Get(userID)
	if err != nil {
		t.Fatalf("get wallet for %s: %v", userID, err)
	}
	return w
}

func (e *engine) escrowOf(t *testing.T, bountyID string) *models.EscrowAccount {
	t.Helper()
	escrow, err := e.escrow.Get(e.db, bountyID)
	if err != nil {
		t.Fatalf("get escrow for %s: %v", bountyID, err)
	}
	return escrow
}

func (e *engine) bountyOf(t *testing.T, bountyID string) *models.Bounty {
	t.Helper()
	b, err := e.bounty.Get(bountyID)
	if err != nil {
		t.Fatalf("get bounty %s: %v", bountyID, err)
	}
	return b
}

func (e *engine) updatesOf(t *testing.T, bountyID string, typ models.BountyUpdateType) []models.BountyUpdate {
	t.Helper()
	var out []models.BountyUpdate
	if err := e.db.Where("bounty_id = ? AND type = ?", bountyID, typ).Order("id ASC").Find(&out).Error; err != nil {
		t.Fatalf("list %s updates: %v", typ, err)
	}
	return out
}

func defaultParams(creatorID string) CreateBountyParams {
	now := time.Now()
	return CreateBountyParams{
		CreatorID:         creatorID,
		Title:             "Player scores over 20",
		Description:       "week 3 matchup",
		BountyAmountCents: 10000,
		TargetValue:       20,
		TargetComparison:  models.ComparisonGreaterThan,
		Timeframe:         "week_3",
		StartDate:         now,
		EndDate:           now.Add(72 * time.Hour),
		MaxParticipants:   1,
	}
}

// checkWalletInvariant fails the test if any wallet violates
// 0 <= locked <= balance.
func checkWalletInvariant(t *testing.T, db *gorm.DB) {
	t.Helper()
	var wallets []models.UserWallet
	if err := db.Find(&wallets).Error; err != nil {
		t.Fatalf("scan wallets: %v", err)
	}
	for _, w := range wallets {
		if w.LockedCents < 0 || w.LockedCents > w.BalanceCents {
			t.Errorf("wallet invariant violated for %s: locked=%d balance=%d",
				w.UserID, w.LockedCents, w.BalanceCents)
		}
	}
}

// checkEscrowInvariant fails the test if any escrow's parts don't sum.
func checkEscrowInvariant(t *testing.T, db *gorm.DB) {
	t.Helper()
	var escrows []models.EscrowAccount
	if err := db.Find(&escrows).Error; err != nil {
		t.Fatalf("scan escrows: %v", err)
	}
	for _, e := range escrows {
		if e.CreatorCents+e.OpponentCents != e.TotalCents {
			t.Errorf("escrow invariant violated for %s: creator=%d opponent=%d total=%d",
				e.ID, e.CreatorCents, e.OpponentCents, e.TotalCents)
		}
	}
}
