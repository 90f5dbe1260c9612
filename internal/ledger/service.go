// Package ledger owns the per-user account state: creation with starting
// balances, mining yields, inventory purchases at server-side prices, and the
// vault with idempotent reward credits.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/superseed-odyssey/colony-engine/internal/econ"
	"github.com/superseed-odyssey/colony-engine/internal/events"
	"github.com/superseed-odyssey/colony-engine/internal/model"
	"github.com/superseed-odyssey/colony-engine/internal/scheduler"
	"github.com/superseed-odyssey/colony-engine/internal/store"
	"github.com/superseed-odyssey/colony-engine/internal/userlock"
)

var (
	ErrInsufficientCoins = errors.New("ledger: insufficient coins")
	ErrInvalidAmount     = errors.New("ledger: amount must be positive")
)

// creditRetention is how long a vault-credit idempotency key is remembered.
// Reward events are retried within seconds; ten minutes is ample.
const creditRetention = 10 * time.Minute

// Ranker receives activity notifications so the leaderboard can refresh a
// user's derived scores. Counter deltas are cumulative-event counts; balances
// are always re-read from the store.
type Ranker interface {
	RecordActivity(ctx context.Context, username string, loans, bids, matches int64) error
}

// Service is the account ledger. All mutations take the per-user lock so
// concurrent operations on one user serialize.
type Service struct {
	store    store.Store
	locks    *userlock.Map
	notifier events.Notifier
	ranker   Ranker
	clock    scheduler.Clock
	logger   *slog.Logger

	mu      sync.Mutex
	credits map[string]time.Time // vault-credit idempotency keys → first seen
}

// NewService creates the ledger service. ranker may be nil when no
// leaderboard is attached.
func NewService(st store.Store, locks *userlock.Map, notifier events.Notifier, ranker Ranker, clock scheduler.Clock, logger *slog.Logger) *Service {
	if notifier == nil {
		notifier = events.Nop{}
	}
	if clock == nil {
		clock = scheduler.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    st,
		locks:    locks,
		notifier: notifier,
		ranker:   ranker,
		clock:    clock,
		logger:   logger,
		credits:  make(map[string]time.Time),
	}
}

// GetOrCreate returns the user, creating the account with starting balances
// on first contact: 1000 coins and one rover per resource.
func (s *Service) GetOrCreate(ctx context.Context, username string) (*model.User, error) {
	unlock := s.locks.Lock(username)
	defer unlock()
	return s.getOrCreateLocked(ctx, username)
}

func (s *Service) getOrCreateLocked(ctx context.Context, username string) (*model.User, error) {
	u, err := s.store.GetUser(ctx, username)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, store.ErrUserNotFound) {
		return nil, err
	}

	u = &model.User{
		Username:  username,
		Resources: model.Resources{Coins: econ.StartingCoins},
		Vault:     decimal.Zero,
		Rovers:    model.RoverCounts{Gold: 1, Platinum: 1, Iron: 1},
		CreatedAt: s.clock.Now(),
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		if errors.Is(err, store.ErrUserExists) {
			// Lost a create race with another node; re-read.
			return s.store.GetUser(ctx, username)
		}
		return nil, err
	}
	s.logger.Info("user created", "username", username)
	return u, nil
}

// Get returns the user without creating it.
func (s *Service) Get(ctx context.Context, username string) (*model.User, error) {
	return s.store.GetUser(ctx, username)
}

// Usernames lists every known account name.
func (s *Service) Usernames(ctx context.Context) ([]string, error) {
	return s.store.ListUsernames(ctx)
}

// Mine adds mined units of one resource to the user's stock. The amount is
// validated server-side; clients cannot mine zero or negative quantities.
func (s *Service) Mine(ctx context.Context, username, resourceType string, amount int64) (model.Resources, error) {
	if amount <= 0 {
		return model.Resources{}, ErrInvalidAmount
	}
	if !econ.ValidResourceType(resourceType) {
		return model.Resources{}, econ.ErrUnknownResourceType
	}

	unlock := s.locks.Lock(username)
	defer unlock()

	u, err := s.getOrCreateLocked(ctx, username)
	if err != nil {
		return model.Resources{}, err
	}

	switch resourceType {
	case econ.ResourceGold:
		u.Resources.Gold += amount
	case econ.ResourcePlatinum:
		u.Resources.Platinum += amount
	case econ.ResourceIron:
		u.Resources.Iron += amount
	}

	if err := s.store.UpdateUser(ctx, u); err != nil {
		return model.Resources{}, fmt.Errorf("persist mining yield: %w", err)
	}

	s.notifier.Broadcast(events.EventUpdateResources, ResourceUpdate{
		Username:  username,
		Resources: u.Resources,
	})
	s.noteActivity(ctx, username)
	return u.Resources, nil
}

// PurchaseGuardian buys one guardian of the given type at the server-side
// price and returns the updated user.
func (s *Service) PurchaseGuardian(ctx context.Context, username, guardianType string) (*model.User, error) {
	price, err := econ.GuardianPrice(guardianType)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(username)
	defer unlock()

	u, err := s.store.GetUser(ctx, username)
	if err != nil {
		return nil, err
	}
	if u.Resources.Coins.LessThan(price) {
		return nil, ErrInsufficientCoins
	}

	u.Resources.Coins = u.Resources.Coins.Sub(price)
	switch guardianType {
	case econ.GuardianAerialScout:
		u.Guardians.AerialScout++
	case econ.GuardianCombatSentinel:
		u.Guardians.CombatSentinel++
	case econ.GuardianFlareBomber:
		u.Guardians.FlareBomber++
	}

	if err := s.store.UpdateUser(ctx, u); err != nil {
		return nil, fmt.Errorf("persist guardian purchase: %w", err)
	}

	s.notifier.Broadcast(events.EventUpdateResources, ResourceUpdate{
		Username:  username,
		Resources: u.Resources,
	})
	s.notifier.Emit(username, events.EventUserUpdate, u)
	s.noteActivity(ctx, username)
	return u, nil
}

// PurchaseRover buys one rover of the given type at the server-side price.
func (s *Service) PurchaseRover(ctx context.Context, username, roverType string) (*model.User, error) {
	price, err := econ.RoverPrice(roverType)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(username)
	defer unlock()

	u, err := s.store.GetUser(ctx, username)
	if err != nil {
		return nil, err
	}
	if u.Resources.Coins.LessThan(price) {
		return nil, ErrInsufficientCoins
	}

	u.Resources.Coins = u.Resources.Coins.Sub(price)
	switch roverType {
	case econ.ResourceGold:
		u.Rovers.Gold++
	case econ.ResourcePlatinum:
		u.Rovers.Platinum++
	case econ.ResourceIron:
		u.Rovers.Iron++
	}

	if err := s.store.UpdateUser(ctx, u); err != nil {
		return nil, fmt.Errorf("persist rover purchase: %w", err)
	}

	s.notifier.Broadcast(events.EventUpdateResources, ResourceUpdate{
		Username:  username,
		Resources: u.Resources,
	})
	s.notifier.Emit(username, events.EventUserUpdate, u)
	s.noteActivity(ctx, username)
	return u, nil
}

// CreditVault adds a reward amount to the user's vault, at most once per
// (username, event timestamp) pair. Redelivered reward events within the
// retention window return the current balance without crediting again.
func (s *Service) CreditVault(ctx context.Context, username string, amount decimal.Decimal, eventTime time.Time) (decimal.Decimal, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, ErrInvalidAmount
	}

	key := fmt.Sprintf("%s-%d", username, eventTime.UnixMilli())
	if !s.claimCredit(key) {
		s.logger.Debug("duplicate vault credit ignored", "username", username, "key", key)
		return s.store.VaultBalance(ctx, username)
	}

	unlock := s.locks.Lock(username)
	defer unlock()

	// A failed credit must not burn the key, or a legitimate retry of the
	// same event would be swallowed as a duplicate.
	if _, err := s.getOrCreateLocked(ctx, username); err != nil {
		s.releaseCredit(key)
		return decimal.Zero, err
	}
	if err := s.store.AddToVault(ctx, username, amount); err != nil {
		s.releaseCredit(key)
		return decimal.Zero, fmt.Errorf("credit vault: %w", err)
	}

	bal, err := s.store.VaultBalance(ctx, username)
	if err != nil {
		return decimal.Zero, err
	}
	s.notifier.Emit(username, events.EventVaultUpdate, VaultUpdate{
		Username: username,
		Balance:  bal,
	})
	return bal, nil
}

// claimCredit records the idempotency key, returning false if it was already
// claimed inside the retention window. Expired keys are pruned lazily.
func (s *Service) claimCredit(key string) bool {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, seen := range s.credits {
		if now.Sub(seen) > creditRetention {
			delete(s.credits, k)
		}
	}
	if _, dup := s.credits[key]; dup {
		return false
	}
	s.credits[key] = now
	return true
}

func (s *Service) releaseCredit(key string) {
	s.mu.Lock()
	delete(s.credits, key)
	s.mu.Unlock()
}

// DebitVault withdraws from the user's vault. Fails with
// store.ErrInsufficientVault when the balance is too low.
func (s *Service) DebitVault(ctx context.Context, username string, amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, ErrInvalidAmount
	}

	unlock := s.locks.Lock(username)
	defer unlock()

	if err := s.store.DeductFromVault(ctx, username, amount); err != nil {
		return decimal.Zero, err
	}
	bal, err := s.store.VaultBalance(ctx, username)
	if err != nil {
		return decimal.Zero, err
	}
	s.notifier.Emit(username, events.EventVaultUpdate, VaultUpdate{
		Username: username,
		Balance:  bal,
	})
	return bal, nil
}

// VaultBalance returns the user's current vault balance.
func (s *Service) VaultBalance(ctx context.Context, username string) (decimal.Decimal, error) {
	return s.store.VaultBalance(ctx, username)
}

func (s *Service) noteActivity(ctx context.Context, username string) {
	if s.ranker == nil {
		return
	}
	if err := s.ranker.RecordActivity(ctx, username, 0, 0, 0); err != nil {
		s.logger.Warn("ranking refresh failed", "username", username, "err", err)
	}
}

// ResourceUpdate is broadcast whenever a user's resources change.
type ResourceUpdate struct {
	Username  string          `json:"username"`
	Resources model.Resources `json:"resources"`
}

// VaultUpdate is sent to a user when their vault balance changes.
type VaultUpdate struct {
	Username string          `json:"username"`
	Balance  decimal.Decimal `json:"balance"`
}
