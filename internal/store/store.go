// Package store defines the persistence interface for the colony engine.
// Implementations include SQLite (default durable store), PostgreSQL, Redis
// (read-through cache wrapper), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/superseed-odyssey/colony-engine/internal/model"
)

// RecentResultsLimit bounds the auction-results history every implementation
// retains.
const RecentResultsLimit = 5

var (
	// ErrUserNotFound is returned when no account exists for a username.
	ErrUserNotFound = errors.New("store: user not found")

	// ErrUserExists is returned on creating a duplicate username.
	ErrUserExists = errors.New("store: user already exists")

	// ErrInsufficientVault is returned when a vault debit exceeds the balance.
	ErrInsufficientVault = errors.New("store: insufficient vault balance")

	// ErrNoRound is returned when no auction round has been persisted yet.
	ErrNoRound = errors.New("store: no auction round")

	// ErrRankingNotFound is returned when a user has no ranking record.
	ErrRankingNotFound = errors.New("store: ranking not found")
)

// Store is the persistence interface. Whole-user updates are the write unit;
// callers serialize per-user compound operations through userlock.
type Store interface {
	// --- User accounts ---

	// GetUser retrieves a user by username.
	GetUser(ctx context.Context, username string) (*model.User, error)

	// CreateUser persists a new user record.
	CreateUser(ctx context.Context, u *model.User) error

	// UpdateUser replaces an existing user record.
	UpdateUser(ctx context.Context, u *model.User) error

	// ListUsers returns all user records.
	ListUsers(ctx context.Context) ([]model.User, error)

	// ListUsernames returns every known username.
	ListUsernames(ctx context.Context) ([]string, error)

	// AddToVault credits a user's vault balance.
	AddToVault(ctx context.Context, username string, amount decimal.Decimal) error

	// DeductFromVault debits a user's vault, failing on insufficient balance.
	DeductFromVault(ctx context.Context, username string, amount decimal.Decimal) error

	// VaultBalance returns a user's vault balance.
	VaultBalance(ctx context.Context, username string) (decimal.Decimal, error)

	// AddSuperseed credits a user's superseed holding.
	AddSuperseed(ctx context.Context, username string, amount int64) error

	// --- Auction (singleton round + bounded history) ---

	// CurrentRound loads the single persisted auction round.
	CurrentRound(ctx context.Context) (*model.AuctionRound, error)

	// SaveRound replaces the persisted auction round.
	SaveRound(ctx context.Context, r *model.AuctionRound) error

	// AppendResult records a terminal round outcome, trimming the history
	// to the RecentResultsLimit newest entries.
	AppendResult(ctx context.Context, res model.AuctionResult) error

	// RecentResults returns the retained outcomes, newest first.
	RecentResults(ctx context.Context) ([]model.AuctionResult, error)

	// --- Leaderboard rankings ---

	// Ranking retrieves one user's ranking record.
	Ranking(ctx context.Context, username string) (*model.RankingRecord, error)

	// UpsertRanking creates or replaces a ranking record.
	UpsertRanking(ctx context.Context, r *model.RankingRecord) error

	// ListRankings returns all ranking records.
	ListRankings(ctx context.Context) ([]model.RankingRecord, error)

	// TopRankings returns up to limit records ordered by rank score
	// descending.
	TopRankings(ctx context.Context, limit int) ([]model.RankingRecord, error)
}
