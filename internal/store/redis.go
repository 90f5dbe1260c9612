package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/superseed-odyssey/colony-engine/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache. Writes
// go to the primary store and invalidate the cache; reads check Redis first
// then fall back to the primary. Users and the leaderboard are the hot
// paths; auction state changes every tick and is not worth caching.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateUser(ctx context.Context, u *model.User) error {
	if err := s.primary.CreateUser(ctx, u); err != nil {
		return err
	}
	s.cacheUser(ctx, u)
	return nil
}

func (s *CachedStore) UpdateUser(ctx context.Context, u *model.User) error {
	if err := s.primary.UpdateUser(ctx, u); err != nil {
		return err
	}
	s.cacheUser(ctx, u)
	return nil
}

func (s *CachedStore) AddToVault(ctx context.Context, username string, amount decimal.Decimal) error {
	if err := s.primary.AddToVault(ctx, username, amount); err != nil {
		return err
	}
	s.rdb.Del(ctx, userKey(username))
	return nil
}

func (s *CachedStore) DeductFromVault(ctx context.Context, username string, amount decimal.Decimal) error {
	if err := s.primary.DeductFromVault(ctx, username, amount); err != nil {
		return err
	}
	s.rdb.Del(ctx, userKey(username))
	return nil
}

func (s *CachedStore) AddSuperseed(ctx context.Context, username string, amount int64) error {
	if err := s.primary.AddSuperseed(ctx, username, amount); err != nil {
		return err
	}
	s.rdb.Del(ctx, userKey(username))
	return nil
}

func (s *CachedStore) UpsertRanking(ctx context.Context, r *model.RankingRecord) error {
	if err := s.primary.UpsertRanking(ctx, r); err != nil {
		return err
	}
	// Invalidate the leaderboard; next read re-populates.
	s.rdb.Del(ctx, topRankingsKey)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetUser(ctx context.Context, username string) (*model.User, error) {
	data, err := s.rdb.Get(ctx, userKey(username)).Bytes()
	if err == nil {
		var u model.User
		if json.Unmarshal(data, &u) == nil {
			return &u, nil
		}
	}

	u, err := s.primary.GetUser(ctx, username)
	if err != nil {
		return nil, err
	}

	s.cacheUser(ctx, u)
	return u, nil
}

func (s *CachedStore) TopRankings(ctx context.Context, limit int) ([]model.RankingRecord, error) {
	data, err := s.rdb.Get(ctx, topRankingsKey).Bytes()
	if err == nil {
		var rankings []model.RankingRecord
		if json.Unmarshal(data, &rankings) == nil && len(rankings) >= limit {
			return rankings[:limit], nil
		}
	}

	rankings, err := s.primary.TopRankings(ctx, limit)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(rankings); err == nil {
		s.rdb.Set(ctx, topRankingsKey, data, s.ttl)
	}
	return rankings, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListUsers(ctx context.Context) ([]model.User, error) {
	return s.primary.ListUsers(ctx)
}

func (s *CachedStore) ListUsernames(ctx context.Context) ([]string, error) {
	return s.primary.ListUsernames(ctx)
}

func (s *CachedStore) VaultBalance(ctx context.Context, username string) (decimal.Decimal, error) {
	return s.primary.VaultBalance(ctx, username)
}

func (s *CachedStore) CurrentRound(ctx context.Context) (*model.AuctionRound, error) {
	return s.primary.CurrentRound(ctx)
}

func (s *CachedStore) SaveRound(ctx context.Context, r *model.AuctionRound) error {
	return s.primary.SaveRound(ctx, r)
}

func (s *CachedStore) AppendResult(ctx context.Context, res model.AuctionResult) error {
	return s.primary.AppendResult(ctx, res)
}

func (s *CachedStore) RecentResults(ctx context.Context) ([]model.AuctionResult, error) {
	return s.primary.RecentResults(ctx)
}

func (s *CachedStore) Ranking(ctx context.Context, username string) (*model.RankingRecord, error) {
	return s.primary.Ranking(ctx, username)
}

func (s *CachedStore) ListRankings(ctx context.Context) ([]model.RankingRecord, error) {
	return s.primary.ListRankings(ctx)
}

// --- Cache helpers ---

func (s *CachedStore) cacheUser(ctx context.Context, u *model.User) {
	if data, err := json.Marshal(u); err == nil {
		s.rdb.Set(ctx, userKey(u.Username), data, s.ttl)
	}
}

func userKey(username string) string { return fmt.Sprintf("colonist:%s", username) }

const topRankingsKey = "leaderboard:top"
