package store

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/superseed-odyssey/colony-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[string]*model.User
	round    *model.AuctionRound
	results  []model.AuctionResult // newest first
	rankings map[string]*model.RankingRecord
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]*model.User),
		rankings: make(map[string]*model.RankingRecord),
	}
}

func (s *MemoryStore) GetUser(_ context.Context, username string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[username]
	if !ok {
		return nil, ErrUserNotFound
	}
	return u.Clone(), nil
}

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[u.Username]; ok {
		return ErrUserExists
	}
	s.users[u.Username] = u.Clone()
	return nil
}

func (s *MemoryStore) UpdateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[u.Username]; !ok {
		return ErrUserNotFound
	}
	s.users[u.Username] = u.Clone()
	return nil
}

func (s *MemoryStore) ListUsers(_ context.Context) ([]model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]model.User, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, *u.Clone())
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

func (s *MemoryStore) ListUsernames(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.users))
	for name := range s.users {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *MemoryStore) AddToVault(_ context.Context, username string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[username]
	if !ok {
		return ErrUserNotFound
	}
	u.Vault = u.Vault.Add(amount)
	return nil
}

func (s *MemoryStore) DeductFromVault(_ context.Context, username string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[username]
	if !ok {
		return ErrUserNotFound
	}
	if u.Vault.LessThan(amount) {
		return ErrInsufficientVault
	}
	u.Vault = u.Vault.Sub(amount)
	return nil
}

func (s *MemoryStore) VaultBalance(_ context.Context, username string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[username]
	if !ok {
		return decimal.Zero, ErrUserNotFound
	}
	return u.Vault, nil
}

func (s *MemoryStore) AddSuperseed(_ context.Context, username string, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[username]
	if !ok {
		return ErrUserNotFound
	}
	u.Superseed += amount
	return nil
}

func (s *MemoryStore) CurrentRound(_ context.Context) (*model.AuctionRound, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.round == nil {
		return nil, ErrNoRound
	}
	return s.round.Clone(), nil
}

func (s *MemoryStore) SaveRound(_ context.Context, r *model.AuctionRound) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.round = r.Clone()
	return nil
}

func (s *MemoryStore) AppendResult(_ context.Context, res model.AuctionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.results = append([]model.AuctionResult{res}, s.results...)
	if len(s.results) > RecentResultsLimit {
		s.results = s.results[:RecentResultsLimit]
	}
	return nil
}

func (s *MemoryStore) RecentResults(_ context.Context) ([]model.AuctionResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]model.AuctionResult, len(s.results))
	copy(results, s.results)
	return results, nil
}

func (s *MemoryStore) Ranking(_ context.Context, username string) (*model.RankingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rankings[username]
	if !ok {
		return nil, ErrRankingNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) UpsertRanking(_ context.Context, r *model.RankingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *r
	s.rankings[r.Username] = &cp
	return nil
}

func (s *MemoryStore) ListRankings(_ context.Context) ([]model.RankingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rankings := make([]model.RankingRecord, 0, len(s.rankings))
	for _, r := range s.rankings {
		rankings = append(rankings, *r)
	}
	sort.Slice(rankings, func(i, j int) bool { return rankings[i].Username < rankings[j].Username })
	return rankings, nil
}

func (s *MemoryStore) TopRankings(_ context.Context, limit int) ([]model.RankingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rankings := make([]model.RankingRecord, 0, len(s.rankings))
	for _, r := range s.rankings {
		rankings = append(rankings, *r)
	}
	sort.SliceStable(rankings, func(i, j int) bool {
		return rankings[i].RankScore.GreaterThan(rankings[j].RankScore)
	})
	if limit > 0 && len(rankings) > limit {
		rankings = rankings[:limit]
	}
	return rankings, nil
}
