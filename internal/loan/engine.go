// Package loan implements collateralized lending: borrowing against
// resources, hourly interest accrual on normal loans with a global circuit
// breaker, the interest pool redistributed to super-collateral lenders, and
// vault-funded automatic repayment of super-collateral loans.
package loan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/superseed-odyssey/colony-engine/internal/econ"
	"github.com/superseed-odyssey/colony-engine/internal/events"
	"github.com/superseed-odyssey/colony-engine/internal/metrics"
	"github.com/superseed-odyssey/colony-engine/internal/model"
	"github.com/superseed-odyssey/colony-engine/internal/scheduler"
	"github.com/superseed-odyssey/colony-engine/internal/store"
	"github.com/superseed-odyssey/colony-engine/internal/userlock"
)

var (
	ErrInvalidAmount          = errors.New("loan: amount must be positive")
	ErrInvalidMode            = errors.New("loan: unknown collateral mode")
	ErrInsufficientCollateral = errors.New("loan: collateral value below required ratio")
	ErrInsufficientResources  = errors.New("loan: not enough resources to pledge")
	ErrInsufficientCoins      = errors.New("loan: not enough coins to repay")
	ErrLoanNotFound           = errors.New("loan: loan not found")
	ErrSuperRepayBlocked      = errors.New("loan: super-collateral loans repay automatically from the vault")
	ErrNotUnstakeable         = errors.New("loan: only fully paid super-collateral loans can be unstaked")
)

// minAccrualGap is the shortest elapsed time a sweep will charge for.
const minAccrualGap = time.Hour

// Ranker mirrors ledger.Ranker; the engine reports loan activity so the
// leaderboard stays current.
type Ranker interface {
	RecordActivity(ctx context.Context, username string, loans, bids, matches int64) error
}

// Engine holds the lending state machine. The interest pool and the accrual
// circuit breaker are process-local: they reset on restart, which only delays
// one distribution cycle.
type Engine struct {
	store    store.Store
	locks    *userlock.Map
	notifier events.Notifier
	ranker   Ranker
	clock    scheduler.Clock
	logger   *slog.Logger

	mu          sync.Mutex
	pool        decimal.Decimal
	paused      bool
	lastAccrual time.Time
}

// NewEngine creates the loan engine. The first accrual sweep charges from
// construction time.
func NewEngine(st store.Store, locks *userlock.Map, notifier events.Notifier, ranker Ranker, clock scheduler.Clock, logger *slog.Logger) *Engine {
	if notifier == nil {
		notifier = events.Nop{}
	}
	if clock == nil {
		clock = scheduler.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:       st,
		locks:       locks,
		notifier:    notifier,
		ranker:      ranker,
		clock:       clock,
		logger:      logger,
		pool:        decimal.Zero,
		lastAccrual: clock.Now(),
	}
}

// Borrow issues a loan: the pledged collateral moves out of the user's
// resources and the principal is credited to their coins. A successful
// borrow clears the accrual circuit breaker.
func (e *Engine) Borrow(ctx context.Context, username string, amount decimal.Decimal, collateral model.Collateral, mode model.LoanMode) (*model.Loan, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}
	if mode != model.LoanModeNormal && mode != model.LoanModeSuper {
		return nil, ErrInvalidMode
	}

	unlock := e.locks.Lock(username)
	defer unlock()

	u, err := e.store.GetUser(ctx, username)
	if err != nil {
		return nil, err
	}

	required := econ.RequiredCollateral(amount, mode)
	if econ.CollateralValue(collateral).LessThan(required) {
		return nil, fmt.Errorf("%w: need %s coins worth", ErrInsufficientCollateral, required)
	}
	if collateral.Platinum > u.Resources.Platinum ||
		collateral.Gold > u.Resources.Gold ||
		collateral.Iron > u.Resources.Iron {
		return nil, ErrInsufficientResources
	}

	u.Resources.Platinum -= collateral.Platinum
	u.Resources.Gold -= collateral.Gold
	u.Resources.Iron -= collateral.Iron
	u.Resources.Coins = u.Resources.Coins.Add(amount)

	loan := model.Loan{
		ID:           uuid.NewString(),
		Amount:       amount,
		Collateral:   collateral,
		InterestOwed: decimal.Zero,
		Mode:         mode,
		RepaidAmount: decimal.Zero,
		CreatedAt:    e.clock.Now(),
	}
	u.Loans = append(u.Loans, loan)

	if err := e.store.UpdateUser(ctx, u); err != nil {
		return nil, fmt.Errorf("persist loan: %w", err)
	}

	e.resume()
	metrics.LoansTotal.WithLabelValues(string(mode)).Inc()
	e.logger.Info("loan issued", "username", username, "amount", amount, "mode", mode)

	e.notifyUserChanged(ctx, username, u, 1)
	return &loan, nil
}

// Repay settles a normal loan in full (principal plus accrued interest) from
// the user's coins. The interest portion joins the redistribution pool.
// Super-collateral loans cannot be repaid manually; the vault auto-repays
// them and Unstake releases the collateral.
func (e *Engine) Repay(ctx context.Context, username, loanID string) error {
	unlock := e.locks.Lock(username)
	defer unlock()

	u, err := e.store.GetUser(ctx, username)
	if err != nil {
		return err
	}

	idx := findLoan(u.Loans, loanID)
	if idx < 0 {
		return ErrLoanNotFound
	}
	loan := u.Loans[idx]
	if loan.Mode == model.LoanModeSuper {
		return ErrSuperRepayBlocked
	}

	total := loan.TotalOwed()
	if u.Resources.Coins.LessThan(total) {
		return fmt.Errorf("%w: need %s", ErrInsufficientCoins, total)
	}

	u.Resources.Coins = u.Resources.Coins.Sub(total)
	u.Resources.Platinum += loan.Collateral.Platinum
	u.Resources.Gold += loan.Collateral.Gold
	u.Resources.Iron += loan.Collateral.Iron
	u.Loans = append(u.Loans[:idx], u.Loans[idx+1:]...)

	if err := e.store.UpdateUser(ctx, u); err != nil {
		return fmt.Errorf("persist repayment: %w", err)
	}

	e.addToPool(loan.InterestOwed)
	e.resume()
	e.logger.Info("loan repaid", "username", username, "loan_id", loanID, "total", total)

	e.notifyUserChanged(ctx, username, u, 1)
	return nil
}

// Unstake releases the collateral of a fully paid super-collateral loan and
// removes the loan.
func (e *Engine) Unstake(ctx context.Context, username, loanID string) error {
	unlock := e.locks.Lock(username)
	defer unlock()

	u, err := e.store.GetUser(ctx, username)
	if err != nil {
		return err
	}

	idx := findLoan(u.Loans, loanID)
	if idx < 0 {
		return ErrLoanNotFound
	}
	loan := u.Loans[idx]
	if loan.Mode != model.LoanModeSuper || !loan.FullyPaid {
		return ErrNotUnstakeable
	}

	u.Resources.Platinum += loan.Collateral.Platinum
	u.Resources.Gold += loan.Collateral.Gold
	u.Resources.Iron += loan.Collateral.Iron
	u.Loans = append(u.Loans[:idx], u.Loans[idx+1:]...)

	if err := e.store.UpdateUser(ctx, u); err != nil {
		return fmt.Errorf("persist unstake: %w", err)
	}

	e.logger.Info("collateral unstaked", "username", username, "loan_id", loanID)
	e.notifyUserChanged(ctx, username, u, 0)
	return nil
}

// AccrueInterest sweeps every user and charges hourly interest on normal
// loans. Interest owed grows regardless; the charge itself moves coins into
// the pool. The first user who cannot cover a charge trips the circuit
// breaker: the sweep halts immediately and no further interest is charged
// until a borrow or repay clears the pause.
func (e *Engine) AccrueInterest(ctx context.Context) error {
	now := e.clock.Now()

	e.mu.Lock()
	if e.paused {
		e.mu.Unlock()
		return nil
	}
	elapsed := now.Sub(e.lastAccrual)
	if elapsed < minAccrualGap {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	hours := decimal.NewFromFloat(elapsed.Hours())

	usernames, err := e.store.ListUsernames(ctx)
	if err != nil {
		return fmt.Errorf("list users for accrual: %w", err)
	}

	for _, username := range usernames {
		tripped, err := e.accrueUser(ctx, username, hours)
		if err != nil {
			return err
		}
		if tripped {
			e.logger.Warn("interest accrual paused", "username", username)
			return nil
		}
	}

	e.mu.Lock()
	e.lastAccrual = now
	e.mu.Unlock()
	return nil
}

// accrueUser charges one user's normal loans. Returns tripped=true when the
// user could not cover a charge and the breaker opened.
func (e *Engine) accrueUser(ctx context.Context, username string, hours decimal.Decimal) (bool, error) {
	unlock := e.locks.Lock(username)
	defer unlock()

	u, err := e.store.GetUser(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return false, nil
		}
		return false, err
	}

	var collected decimal.Decimal
	changed := false
	tripped := false

	for i := range u.Loans {
		loan := &u.Loans[i]
		if loan.Mode != model.LoanModeNormal {
			continue
		}
		interest := loan.Amount.Mul(econ.InterestRate).Mul(hours)
		// The debt grows even when the charge cannot be collected.
		loan.InterestOwed = loan.InterestOwed.Add(interest)
		changed = true

		if u.Resources.Coins.LessThan(interest) {
			tripped = true
			break
		}
		u.Resources.Coins = u.Resources.Coins.Sub(interest)
		collected = collected.Add(interest)
	}

	if changed {
		if err := e.store.UpdateUser(ctx, u); err != nil {
			return false, fmt.Errorf("persist accrual for %s: %w", username, err)
		}
		e.notifier.Broadcast(events.EventUpdateResources, struct {
			Username  string          `json:"username"`
			Resources model.Resources `json:"resources"`
		}{username, u.Resources})
	}

	if collected.GreaterThan(decimal.Zero) {
		e.addToPool(collected)
		f, _ := collected.Float64()
		metrics.InterestCollected.Add(f)
	}
	if tripped {
		e.pause()
		e.notifier.Emit(username, events.EventPopup, events.PopupPayload{
			Message: "Insufficient coins to pay interest! Interest deductions paused.",
			Type:    events.PopupWarning,
		})
	}
	return tripped, nil
}

// DistributePool splits the accumulated interest pool among unpaid
// super-collateral loans, pro rata by principal, crediting each holder's
// coins. The pool then resets to zero.
func (e *Engine) DistributePool(ctx context.Context) error {
	e.mu.Lock()
	pool := e.pool
	e.mu.Unlock()
	if pool.LessThanOrEqual(decimal.Zero) {
		return nil
	}

	users, err := e.store.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("list users for distribution: %w", err)
	}

	var totalSuper decimal.Decimal
	stakes := make(map[string]decimal.Decimal)
	for _, u := range users {
		var stake decimal.Decimal
		for _, l := range u.Loans {
			if l.Mode == model.LoanModeSuper && !l.FullyPaid {
				stake = stake.Add(l.Amount)
			}
		}
		if stake.GreaterThan(decimal.Zero) {
			stakes[u.Username] = stake
			totalSuper = totalSuper.Add(stake)
		}
	}
	if totalSuper.LessThanOrEqual(decimal.Zero) {
		return nil
	}

	for username, stake := range stakes {
		share := stake.Div(totalSuper).Mul(pool)
		if err := e.creditShare(ctx, username, share); err != nil {
			e.logger.Error("interest share credit failed", "username", username, "err", err)
			continue
		}
		e.notifier.Broadcast(events.EventInterestDistribution, DistributionNotice{
			Username: username,
			Amount:   share,
			Message:  fmt.Sprintf("%s received %s coins from interest pool", username, share.StringFixed(2)),
		})
	}

	e.mu.Lock()
	e.pool = decimal.Zero
	e.mu.Unlock()
	e.logger.Info("interest pool distributed", "pool", pool, "recipients", len(stakes))
	return nil
}

func (e *Engine) creditShare(ctx context.Context, username string, share decimal.Decimal) error {
	unlock := e.locks.Lock(username)
	defer unlock()

	u, err := e.store.GetUser(ctx, username)
	if err != nil {
		return err
	}
	u.Resources.Coins = u.Resources.Coins.Add(share)
	if err := e.store.UpdateUser(ctx, u); err != nil {
		return err
	}
	e.notifyUserChanged(ctx, username, u, 0)
	return nil
}

// AutoRepay moves vault funds toward each user's unpaid super-collateral
// loans. The amount applied is the lesser of the vault balance and the total
// outstanding, split across loans in proportion to what each still owes; any
// rounding remainder lands on the last loan so the applied total is exact.
func (e *Engine) AutoRepay(ctx context.Context) error {
	usernames, err := e.store.ListUsernames(ctx)
	if err != nil {
		return fmt.Errorf("list users for auto-repay: %w", err)
	}
	for _, username := range usernames {
		if err := e.autoRepayUser(ctx, username); err != nil {
			e.logger.Error("auto-repay failed", "username", username, "err", err)
		}
	}
	return nil
}

func (e *Engine) autoRepayUser(ctx context.Context, username string) error {
	unlock := e.locks.Lock(username)
	defer unlock()

	u, err := e.store.GetUser(ctx, username)
	if err != nil {
		return err
	}

	var open []*model.Loan
	var totalOwed decimal.Decimal
	for i := range u.Loans {
		l := &u.Loans[i]
		if l.Mode == model.LoanModeSuper && !l.FullyPaid {
			open = append(open, l)
			totalOwed = totalOwed.Add(l.Outstanding())
		}
	}
	if len(open) == 0 || totalOwed.LessThanOrEqual(decimal.Zero) {
		return nil
	}

	vault, err := e.store.VaultBalance(ctx, username)
	if err != nil {
		return err
	}
	repayment := decimal.Min(vault, totalOwed)
	if repayment.LessThanOrEqual(decimal.Zero) {
		return nil
	}

	if err := e.store.DeductFromVault(ctx, username, repayment); err != nil {
		return err
	}

	// Proportional split; the last loan absorbs the rounding remainder.
	remaining := repayment
	for i, l := range open {
		var share decimal.Decimal
		if i == len(open)-1 {
			share = remaining
		} else {
			share = decimal.Min(repayment.Mul(l.Outstanding()).Div(totalOwed), l.Outstanding())
		}
		l.RepaidAmount = l.RepaidAmount.Add(share)
		if l.RepaidAmount.GreaterThanOrEqual(l.TotalOwed()) {
			l.FullyPaid = true
		}
		remaining = remaining.Sub(share)
	}

	if err := e.store.UpdateUser(ctx, u); err != nil {
		return fmt.Errorf("persist auto-repay for %s: %w", username, err)
	}

	bal, err := e.store.VaultBalance(ctx, username)
	if err == nil {
		e.notifier.Emit(username, events.EventVaultUpdate, struct {
			Username string          `json:"username"`
			Balance  decimal.Decimal `json:"balance"`
		}{username, bal})
	}
	e.logger.Info("super loans auto-repaid", "username", username, "amount", repayment)
	e.notifyUserChanged(ctx, username, u, 0)
	return nil
}

// Paused reports whether the accrual circuit breaker is open.
func (e *Engine) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// Pool returns the current undistributed interest pool.
func (e *Engine) Pool() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pool
}

func (e *Engine) addToPool(amount decimal.Decimal) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return
	}
	e.mu.Lock()
	e.pool = e.pool.Add(amount)
	e.mu.Unlock()
}

func (e *Engine) pause() {
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
	metrics.AccrualPaused.Set(1)
}

func (e *Engine) resume() {
	e.mu.Lock()
	e.paused = false
	e.mu.Unlock()
	metrics.AccrualPaused.Set(0)
}

func (e *Engine) notifyUserChanged(ctx context.Context, username string, u *model.User, loanDelta int64) {
	e.notifier.Emit(username, events.EventUserUpdate, u)
	e.notifier.Broadcast(events.EventUpdateResources, struct {
		Username  string          `json:"username"`
		Resources model.Resources `json:"resources"`
	}{username, u.Resources})
	if e.ranker != nil {
		if err := e.ranker.RecordActivity(ctx, username, loanDelta, 0, 0); err != nil {
			e.logger.Warn("ranking refresh failed", "username", username, "err", err)
		}
	}
}

func findLoan(loans []model.Loan, id string) int {
	for i := range loans {
		if loans[i].ID == id {
			return i
		}
	}
	return -1
}

// DistributionNotice is broadcast when a super-collateral holder receives an
// interest pool share.
type DistributionNotice struct {
	Username string          `json:"username"`
	Amount   decimal.Decimal `json:"amount"`
	Message  string          `json:"message"`
}
