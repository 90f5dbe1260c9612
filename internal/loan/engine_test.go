package loan_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/superseed-odyssey/colony-engine/internal/loan"
	"github.com/superseed-odyssey/colony-engine/internal/model"
	"github.com/superseed-odyssey/colony-engine/internal/scheduler"
	"github.com/superseed-odyssey/colony-engine/internal/store"
	"github.com/superseed-odyssey/colony-engine/internal/userlock"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newTestEngine(t *testing.T) (*loan.Engine, *store.MemoryStore, *scheduler.Manual) {
	t.Helper()
	ms := store.NewMemoryStore()
	clock := scheduler.NewManual(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	eng := loan.NewEngine(ms, userlock.NewMap(), nil, nil, clock, nil)
	return eng, ms, clock
}

func seedUser(t *testing.T, ms *store.MemoryStore, username string, coins float64, gold, platinum, iron int64) {
	t.Helper()
	u := &model.User{
		Username: username,
		Resources: model.Resources{
			Gold: gold, Platinum: platinum, Iron: iron,
			Coins: d(coins),
		},
		Vault:     decimal.Zero,
		CreatedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	if err := ms.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("seed user %s: %v", username, err)
	}
}

func getUser(t *testing.T, ms *store.MemoryStore, username string) *model.User {
	t.Helper()
	u, err := ms.GetUser(context.Background(), username)
	if err != nil {
		t.Fatalf("get user %s: %v", username, err)
	}
	return u
}

// --- Borrow ---

func TestBorrow_Normal(t *testing.T) {
	eng, ms, _ := newTestEngine(t)
	// 20 gold = 200 coins worth, enough for a 100-coin loan at ratio 1.5.
	seedUser(t, ms, "ares", 0, 20, 0, 0)

	l, err := eng.Borrow(context.Background(), "ares", d(100),
		model.Collateral{Gold: 15}, model.LoanModeNormal)
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if l.ID == "" {
		t.Error("expected non-empty loan ID")
	}

	u := getUser(t, ms, "ares")
	if u.Resources.Gold != 5 {
		t.Errorf("expected 5 gold left after pledge, got %d", u.Resources.Gold)
	}
	if !u.Resources.Coins.Equal(d(100)) {
		t.Errorf("expected coins=100, got %s", u.Resources.Coins)
	}
	if len(u.Loans) != 1 {
		t.Fatalf("expected 1 loan, got %d", len(u.Loans))
	}
	if u.Loans[0].Mode != model.LoanModeNormal || !u.Loans[0].InterestOwed.IsZero() {
		t.Errorf("unexpected loan state: %+v", u.Loans[0])
	}
}

func TestBorrow_InsufficientCollateralValue(t *testing.T) {
	eng, ms, _ := newTestEngine(t)
	seedUser(t, ms, "ares", 0, 20, 0, 0)

	// 14 gold = 140 worth < 150 required for a 100-coin normal loan.
	_, err := eng.Borrow(context.Background(), "ares", d(100),
		model.Collateral{Gold: 14}, model.LoanModeNormal)
	if !errors.Is(err, loan.ErrInsufficientCollateral) {
		t.Errorf("expected ErrInsufficientCollateral, got %v", err)
	}
}

func TestBorrow_SuperRequiresFiveTimes(t *testing.T) {
	eng, ms, _ := newTestEngine(t)
	seedUser(t, ms, "ares", 0, 0, 30, 0)

	// 100-coin super loan needs 500 worth; 24 platinum = 480 is short.
	_, err := eng.Borrow(context.Background(), "ares", d(100),
		model.Collateral{Platinum: 24}, model.LoanModeSuper)
	if !errors.Is(err, loan.ErrInsufficientCollateral) {
		t.Errorf("expected ErrInsufficientCollateral, got %v", err)
	}

	// 25 platinum = 500 worth is exactly enough.
	if _, err := eng.Borrow(context.Background(), "ares", d(100),
		model.Collateral{Platinum: 25}, model.LoanModeSuper); err != nil {
		t.Fatalf("super borrow at exact ratio: %v", err)
	}
}

func TestBorrow_CannotPledgeMoreThanHeld(t *testing.T) {
	eng, ms, _ := newTestEngine(t)
	seedUser(t, ms, "ares", 0, 10, 0, 0)

	_, err := eng.Borrow(context.Background(), "ares", d(50),
		model.Collateral{Gold: 11}, model.LoanModeNormal)
	if !errors.Is(err, loan.ErrInsufficientResources) {
		t.Errorf("expected ErrInsufficientResources, got %v", err)
	}
}

func TestBorrow_RejectsNonPositiveAmount(t *testing.T) {
	eng, ms, _ := newTestEngine(t)
	seedUser(t, ms, "ares", 0, 20, 0, 0)

	if _, err := eng.Borrow(context.Background(), "ares", decimal.Zero,
		model.Collateral{Gold: 15}, model.LoanModeNormal); !errors.Is(err, loan.ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
}

// --- Repay and Unstake ---

func TestRepay_NormalLoanReturnsCollateral(t *testing.T) {
	eng, ms, _ := newTestEngine(t)
	seedUser(t, ms, "ares", 50, 15, 0, 0)

	l, err := eng.Borrow(context.Background(), "ares", d(100),
		model.Collateral{Gold: 15}, model.LoanModeNormal)
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}

	if err := eng.Repay(context.Background(), "ares", l.ID); err != nil {
		t.Fatalf("repay: %v", err)
	}

	u := getUser(t, ms, "ares")
	if len(u.Loans) != 0 {
		t.Fatalf("expected loan removed, got %d loans", len(u.Loans))
	}
	if u.Resources.Gold != 15 {
		t.Errorf("expected pledged gold returned, got %d", u.Resources.Gold)
	}
	// 50 + 100 borrowed - 100 repaid (no interest accrued yet).
	if !u.Resources.Coins.Equal(d(50)) {
		t.Errorf("expected coins=50, got %s", u.Resources.Coins)
	}
}

func TestRepay_InsufficientCoins(t *testing.T) {
	eng, ms, clock := newTestEngine(t)
	seedUser(t, ms, "ares", 0, 15, 0, 0)

	l, _ := eng.Borrow(context.Background(), "ares", d(100),
		model.Collateral{Gold: 15}, model.LoanModeNormal)

	// Accrue some interest so coins (100) < principal + interest.
	clock.Advance(2 * time.Hour)
	if err := eng.AccrueInterest(context.Background()); err != nil {
		t.Fatalf("accrue: %v", err)
	}

	err := eng.Repay(context.Background(), "ares", l.ID)
	if !errors.Is(err, loan.ErrInsufficientCoins) {
		t.Errorf("expected ErrInsufficientCoins, got %v", err)
	}
}

func TestRepay_SuperLoanBlocked(t *testing.T) {
	eng, ms, _ := newTestEngine(t)
	seedUser(t, ms, "ares", 1000, 0, 25, 0)

	l, _ := eng.Borrow(context.Background(), "ares", d(100),
		model.Collateral{Platinum: 25}, model.LoanModeSuper)

	if err := eng.Repay(context.Background(), "ares", l.ID); !errors.Is(err, loan.ErrSuperRepayBlocked) {
		t.Errorf("expected ErrSuperRepayBlocked, got %v", err)
	}
}

func TestRepay_UnknownLoan(t *testing.T) {
	eng, ms, _ := newTestEngine(t)
	seedUser(t, ms, "ares", 100, 0, 0, 0)

	if err := eng.Repay(context.Background(), "ares", "no-such-loan"); !errors.Is(err, loan.ErrLoanNotFound) {
		t.Errorf("expected ErrLoanNotFound, got %v", err)
	}
}

func TestUnstake_OnlyAfterFullRepayment(t *testing.T) {
	eng, ms, _ := newTestEngine(t)
	seedUser(t, ms, "ares", 0, 0, 25, 0)

	l, _ := eng.Borrow(context.Background(), "ares", d(100),
		model.Collateral{Platinum: 25}, model.LoanModeSuper)

	if err := eng.Unstake(context.Background(), "ares", l.ID); !errors.Is(err, loan.ErrNotUnstakeable) {
		t.Errorf("expected ErrNotUnstakeable before repayment, got %v", err)
	}

	// Fund the vault and let auto-repay clear the loan.
	if err := ms.AddToVault(context.Background(), "ares", d(100)); err != nil {
		t.Fatalf("fund vault: %v", err)
	}
	if err := eng.AutoRepay(context.Background()); err != nil {
		t.Fatalf("auto-repay: %v", err)
	}

	if err := eng.Unstake(context.Background(), "ares", l.ID); err != nil {
		t.Fatalf("unstake after full repayment: %v", err)
	}

	u := getUser(t, ms, "ares")
	if u.Resources.Platinum != 25 {
		t.Errorf("expected collateral returned, got %d platinum", u.Resources.Platinum)
	}
	if len(u.Loans) != 0 {
		t.Errorf("expected loan removed, got %d", len(u.Loans))
	}
}

// --- Interest accrual ---

func TestAccrueInterest_ChargesNormalLoans(t *testing.T) {
	eng, ms, clock := newTestEngine(t)
	seedUser(t, ms, "ares", 0, 15, 0, 0)

	eng.Borrow(context.Background(), "ares", d(100),
		model.Collateral{Gold: 15}, model.LoanModeNormal)

	// 2 hours at 0.5%/h on 100 = 1 coin.
	clock.Advance(2 * time.Hour)
	if err := eng.AccrueInterest(context.Background()); err != nil {
		t.Fatalf("accrue: %v", err)
	}

	u := getUser(t, ms, "ares")
	if !u.Loans[0].InterestOwed.Equal(d(1)) {
		t.Errorf("expected interest owed=1, got %s", u.Loans[0].InterestOwed)
	}
	if !u.Resources.Coins.Equal(d(99)) {
		t.Errorf("expected coins=99 after charge, got %s", u.Resources.Coins)
	}
	if !eng.Pool().Equal(d(1)) {
		t.Errorf("expected pool=1, got %s", eng.Pool())
	}
}

func TestAccrueInterest_SkipsSuperLoans(t *testing.T) {
	eng, ms, clock := newTestEngine(t)
	seedUser(t, ms, "ares", 0, 0, 25, 0)

	eng.Borrow(context.Background(), "ares", d(100),
		model.Collateral{Platinum: 25}, model.LoanModeSuper)

	clock.Advance(3 * time.Hour)
	if err := eng.AccrueInterest(context.Background()); err != nil {
		t.Fatalf("accrue: %v", err)
	}

	u := getUser(t, ms, "ares")
	if !u.Loans[0].InterestOwed.IsZero() {
		t.Errorf("super loan accrued interest: %s", u.Loans[0].InterestOwed)
	}
	if !u.Resources.Coins.Equal(d(100)) {
		t.Errorf("super loan holder was charged: %s", u.Resources.Coins)
	}
}

func TestAccrueInterest_UnderAnHourIsNoop(t *testing.T) {
	eng, ms, clock := newTestEngine(t)
	seedUser(t, ms, "ares", 0, 15, 0, 0)

	eng.Borrow(context.Background(), "ares", d(100),
		model.Collateral{Gold: 15}, model.LoanModeNormal)

	clock.Advance(30 * time.Minute)
	if err := eng.AccrueInterest(context.Background()); err != nil {
		t.Fatalf("accrue: %v", err)
	}

	u := getUser(t, ms, "ares")
	if !u.Loans[0].InterestOwed.IsZero() {
		t.Errorf("interest accrued before an hour elapsed: %s", u.Loans[0].InterestOwed)
	}
}

func TestAccrueInterest_CircuitBreakerHaltsSweep(t *testing.T) {
	eng, ms, clock := newTestEngine(t)
	// "abel" sorts before "zed": abel's failed charge must stop zed's.
	seedUser(t, ms, "abel", 0, 15, 0, 0)
	seedUser(t, ms, "zed", 0, 15, 0, 0)

	eng.Borrow(context.Background(), "abel", d(100),
		model.Collateral{Gold: 15}, model.LoanModeNormal)
	eng.Borrow(context.Background(), "zed", d(100),
		model.Collateral{Gold: 15}, model.LoanModeNormal)

	// Drain abel's coins so the charge fails.
	abel := getUser(t, ms, "abel")
	abel.Resources.Coins = decimal.Zero
	ms.UpdateUser(context.Background(), abel)

	clock.Advance(2 * time.Hour)
	if err := eng.AccrueInterest(context.Background()); err != nil {
		t.Fatalf("accrue: %v", err)
	}

	if !eng.Paused() {
		t.Fatal("expected circuit breaker open")
	}
	// The debt still grew for the failing user.
	abel = getUser(t, ms, "abel")
	if !abel.Loans[0].InterestOwed.Equal(d(1)) {
		t.Errorf("expected abel interest owed=1, got %s", abel.Loans[0].InterestOwed)
	}
	// The sweep halted before zed.
	zed := getUser(t, ms, "zed")
	if !zed.Loans[0].InterestOwed.IsZero() {
		t.Errorf("sweep continued past the tripped user: zed owes %s", zed.Loans[0].InterestOwed)
	}

	// While paused, further sweeps are no-ops.
	clock.Advance(2 * time.Hour)
	eng.AccrueInterest(context.Background())
	zed = getUser(t, ms, "zed")
	if !zed.Loans[0].InterestOwed.IsZero() {
		t.Errorf("paused sweep still charged: %s", zed.Loans[0].InterestOwed)
	}
}

func TestAccrueInterest_BorrowClearsBreaker(t *testing.T) {
	eng, ms, clock := newTestEngine(t)
	seedUser(t, ms, "abel", 0, 30, 0, 0)

	eng.Borrow(context.Background(), "abel", d(100),
		model.Collateral{Gold: 15}, model.LoanModeNormal)
	abel := getUser(t, ms, "abel")
	abel.Resources.Coins = decimal.Zero
	ms.UpdateUser(context.Background(), abel)

	clock.Advance(2 * time.Hour)
	eng.AccrueInterest(context.Background())
	if !eng.Paused() {
		t.Fatal("expected breaker open")
	}

	// A successful borrow resumes accrual.
	if _, err := eng.Borrow(context.Background(), "abel", d(100),
		model.Collateral{Gold: 15}, model.LoanModeNormal); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if eng.Paused() {
		t.Error("expected breaker cleared by borrow")
	}
}

// --- Pool distribution ---

func TestDistributePool_ProRataAcrossSuperLoans(t *testing.T) {
	eng, ms, clock := newTestEngine(t)
	seedUser(t, ms, "payer", 0, 30, 0, 0)
	seedUser(t, ms, "whale", 0, 0, 75, 0)
	seedUser(t, ms, "minnow", 0, 0, 25, 0)

	// Normal loan feeds the pool.
	eng.Borrow(context.Background(), "payer", d(200),
		model.Collateral{Gold: 30}, model.LoanModeNormal)
	// Super stakes of 300 and 100: shares of 3/4 and 1/4.
	eng.Borrow(context.Background(), "whale", d(300),
		model.Collateral{Platinum: 75}, model.LoanModeSuper)
	eng.Borrow(context.Background(), "minnow", d(100),
		model.Collateral{Platinum: 25}, model.LoanModeSuper)

	// 4 hours of 0.5%/h on 200 = 4 coins into the pool.
	clock.Advance(4 * time.Hour)
	if err := eng.AccrueInterest(context.Background()); err != nil {
		t.Fatalf("accrue: %v", err)
	}
	if !eng.Pool().Equal(d(4)) {
		t.Fatalf("expected pool=4, got %s", eng.Pool())
	}

	if err := eng.DistributePool(context.Background()); err != nil {
		t.Fatalf("distribute: %v", err)
	}

	whale := getUser(t, ms, "whale")
	minnow := getUser(t, ms, "minnow")
	if !whale.Resources.Coins.Equal(d(303)) {
		t.Errorf("expected whale coins=303, got %s", whale.Resources.Coins)
	}
	if !minnow.Resources.Coins.Equal(d(101)) {
		t.Errorf("expected minnow coins=101, got %s", minnow.Resources.Coins)
	}
	if !eng.Pool().IsZero() {
		t.Errorf("expected pool reset, got %s", eng.Pool())
	}
}

func TestDistributePool_NoSuperLoansKeepsPool(t *testing.T) {
	eng, ms, clock := newTestEngine(t)
	seedUser(t, ms, "payer", 0, 15, 0, 0)

	eng.Borrow(context.Background(), "payer", d(100),
		model.Collateral{Gold: 15}, model.LoanModeNormal)
	clock.Advance(2 * time.Hour)
	eng.AccrueInterest(context.Background())

	if err := eng.DistributePool(context.Background()); err != nil {
		t.Fatalf("distribute: %v", err)
	}
	// With nobody staked the pool carries over.
	if !eng.Pool().Equal(d(1)) {
		t.Errorf("expected pool retained, got %s", eng.Pool())
	}
}

// --- Auto-repay ---

func TestAutoRepay_ProportionalAcrossLoans(t *testing.T) {
	eng, ms, _ := newTestEngine(t)
	seedUser(t, ms, "ares", 0, 0, 200, 0)

	// Two super loans: 300 and 100 outstanding.
	big, _ := eng.Borrow(context.Background(), "ares", d(300),
		model.Collateral{Platinum: 75}, model.LoanModeSuper)
	small, _ := eng.Borrow(context.Background(), "ares", d(100),
		model.Collateral{Platinum: 25}, model.LoanModeSuper)

	// Vault covers half the total debt.
	ms.AddToVault(context.Background(), "ares", d(200))
	if err := eng.AutoRepay(context.Background()); err != nil {
		t.Fatalf("auto-repay: %v", err)
	}

	u := getUser(t, ms, "ares")
	var bigLoan, smallLoan *model.Loan
	for i := range u.Loans {
		switch u.Loans[i].ID {
		case big.ID:
			bigLoan = &u.Loans[i]
		case small.ID:
			smallLoan = &u.Loans[i]
		}
	}
	if bigLoan == nil || smallLoan == nil {
		t.Fatal("loans missing after auto-repay")
	}
	// 200 split 3:1 → 150 and 50.
	if !bigLoan.RepaidAmount.Equal(d(150)) {
		t.Errorf("expected big loan repaid=150, got %s", bigLoan.RepaidAmount)
	}
	if !smallLoan.RepaidAmount.Equal(d(50)) {
		t.Errorf("expected small loan repaid=50, got %s", smallLoan.RepaidAmount)
	}
	if bigLoan.FullyPaid || smallLoan.FullyPaid {
		t.Error("partially repaid loans marked fully paid")
	}

	vault, _ := ms.VaultBalance(context.Background(), "ares")
	if !vault.IsZero() {
		t.Errorf("expected empty vault, got %s", vault)
	}
}

func TestAutoRepay_CapsAtOutstanding(t *testing.T) {
	eng, ms, _ := newTestEngine(t)
	seedUser(t, ms, "ares", 0, 0, 25, 0)

	eng.Borrow(context.Background(), "ares", d(100),
		model.Collateral{Platinum: 25}, model.LoanModeSuper)

	// Vault holds more than the debt; only the debt is taken.
	ms.AddToVault(context.Background(), "ares", d(250))
	if err := eng.AutoRepay(context.Background()); err != nil {
		t.Fatalf("auto-repay: %v", err)
	}

	u := getUser(t, ms, "ares")
	if !u.Loans[0].FullyPaid {
		t.Error("expected loan fully paid")
	}
	vault, _ := ms.VaultBalance(context.Background(), "ares")
	if !vault.Equal(d(150)) {
		t.Errorf("expected vault=150 after repaying 100, got %s", vault)
	}
}

func TestAutoRepay_EmptyVaultIsNoop(t *testing.T) {
	eng, ms, _ := newTestEngine(t)
	seedUser(t, ms, "ares", 0, 0, 25, 0)

	eng.Borrow(context.Background(), "ares", d(100),
		model.Collateral{Platinum: 25}, model.LoanModeSuper)

	if err := eng.AutoRepay(context.Background()); err != nil {
		t.Fatalf("auto-repay: %v", err)
	}
	u := getUser(t, ms, "ares")
	if !u.Loans[0].RepaidAmount.IsZero() {
		t.Errorf("repaid with empty vault: %s", u.Loans[0].RepaidAmount)
	}
}
