// Package model defines the core domain types shared across the colony engine.
// All coin-denominated values use shopspring/decimal — never float64 for money.
// Mined resource units (gold, platinum, iron) and inventory counts are whole
// numbers and stay int64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// LoanMode selects the collateral regime for a loan.
type LoanMode string

const (
	// LoanModeNormal loans accrue hourly interest paid from the borrower's
	// coin balance and are repaid directly.
	LoanModeNormal LoanMode = "normal"

	// LoanModeSuper loans pledge 5x collateral, pay no interest, share in
	// the interest pool, and are repaid automatically from the vault.
	LoanModeSuper LoanMode = "super"
)

// Resources is a user's spendable holdings.
type Resources struct {
	Gold     int64           `json:"gold"`
	Platinum int64           `json:"platinum"`
	Iron     int64           `json:"iron"`
	Coins    decimal.Decimal `json:"coins"`
}

// Collateral is the resource bundle escrowed against a loan. Escrowed units
// are removed from the user's spendable Resources for the loan's lifetime.
type Collateral struct {
	Platinum int64 `json:"platinum"`
	Gold     int64 `json:"gold"`
	Iron     int64 `json:"iron"`
}

// Loan is one outstanding (or, for super-collateral, possibly fully repaid
// but not yet unstaked) loan belonging to a single user.
type Loan struct {
	ID           string          `json:"id"`
	Amount       decimal.Decimal `json:"amount"` // principal in coins
	Collateral   Collateral      `json:"collateral"`
	InterestOwed decimal.Decimal `json:"interest_owed"`
	Mode         LoanMode        `json:"mode"`
	RepaidAmount decimal.Decimal `json:"repaid_amount"` // super only
	FullyPaid    bool            `json:"fully_paid"`    // super only
	CreatedAt    time.Time       `json:"created_at"`
}

// TotalOwed is principal plus accrued interest.
func (l *Loan) TotalOwed() decimal.Decimal {
	return l.Amount.Add(l.InterestOwed)
}

// Outstanding is what remains to be repaid.
func (l *Loan) Outstanding() decimal.Decimal {
	return l.TotalOwed().Sub(l.RepaidAmount)
}

// GuardianCounts is a user's combat-unit inventory.
type GuardianCounts struct {
	AerialScout    int64 `json:"aerial_scout"`
	CombatSentinel int64 `json:"combat_sentinel"`
	FlareBomber    int64 `json:"flare_bomber"`
}

// RoverCounts is a user's mining-rover inventory.
type RoverCounts struct {
	Gold     int64 `json:"gold"`
	Platinum int64 `json:"platinum"`
	Iron     int64 `json:"iron"`
}

// User is the durable per-user ledger record. Users are created on first
// contact and never deleted.
type User struct {
	Username  string          `json:"username"`
	Resources Resources       `json:"resources"`
	Vault     decimal.Decimal `json:"vault"` // retained fees/interest; distinct from coins
	Loans     []Loan          `json:"loans"`
	Guardians GuardianCounts  `json:"guardians"`
	Rovers    RoverCounts     `json:"rovers"`
	Superseed int64           `json:"superseed"`
	CreatedAt time.Time       `json:"created_at"`
}

// Clone returns a deep copy so callers can mutate freely.
func (u *User) Clone() *User {
	cp := *u
	cp.Loans = make([]Loan, len(u.Loans))
	copy(cp.Loans, u.Loans)
	return &cp
}

// Bid is one user's entry in an auction round. The total cost (amount plus
// flat fee) is deducted from the user's coins at bid time.
type Bid struct {
	ID        string          `json:"id"`
	Username  string          `json:"username"`
	Amount    decimal.Decimal `json:"amount"`
	Fee       decimal.Decimal `json:"fee"`
	TotalCost decimal.Decimal `json:"total_cost"`
	PlacedAt  time.Time       `json:"placed_at"`
}

// AuctionRound is the single active auction. At most one bid per username.
type AuctionRound struct {
	Prize   int64     `json:"prize"` // superseeds awarded to the winner
	Bids    []Bid     `json:"bids"`  // in arrival order
	EndTime time.Time `json:"end_time"`
	Active  bool      `json:"active"`
}

// HasBidFrom reports whether the user already bid this round.
func (r *AuctionRound) HasBidFrom(username string) bool {
	for _, b := range r.Bids {
		if b.Username == username {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the round.
func (r *AuctionRound) Clone() *AuctionRound {
	cp := *r
	cp.Bids = make([]Bid, len(r.Bids))
	copy(cp.Bids, r.Bids)
	return &cp
}

// NoBidsWinner is recorded as the winner of a round that ended with no bids.
const NoBidsWinner = "No bids"

// AuctionResult is the terminal outcome of one auction round.
type AuctionResult struct {
	Winner     string          `json:"winner"` // username or NoBidsWinner
	Prize      int64           `json:"prize"`
	WinningBid decimal.Decimal `json:"winning_bid"`
	Date       time.Time       `json:"date"`
}

// RankingRecord is the derived leaderboard state for one user. It is never
// authoritative over resources or loans.
type RankingRecord struct {
	Username        string          `json:"username"`
	ResourceScore   int64           `json:"resource_score"` // gold+platinum+iron held
	CoinScore       decimal.Decimal `json:"coin_score"`
	LoanCount       int64           `json:"loan_count"` // cumulative taken+repaid
	BidCount        int64           `json:"bid_count"`
	MatchScore      int64           `json:"match_score"` // wins - losses
	Superseed       int64           `json:"superseed"`   // snapshot at last update
	RankScore       decimal.Decimal `json:"rank_score"`
	LastBoostUpdate time.Time       `json:"last_boost_update"`
}

// BaseScore is the unboosted composite score:
// resources + coins + loans*10 + bids*5 + matches.
func (r *RankingRecord) BaseScore() decimal.Decimal {
	return decimal.NewFromInt(r.ResourceScore).
		Add(r.CoinScore).
		Add(decimal.NewFromInt(r.LoanCount * 10)).
		Add(decimal.NewFromInt(r.BidCount * 5)).
		Add(decimal.NewFromInt(r.MatchScore))
}
