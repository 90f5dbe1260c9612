// Package leaderboard maintains derived ranking records and the time-gated
// superseed boost. Rankings are never authoritative: balances are re-read
// from the store on every update, only the activity counters accumulate.
package leaderboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/superseed-odyssey/colony-engine/internal/events"
	"github.com/superseed-odyssey/colony-engine/internal/model"
	"github.com/superseed-odyssey/colony-engine/internal/scheduler"
	"github.com/superseed-odyssey/colony-engine/internal/store"
)

// boostGate is the minimum time between boost applications per user.
const boostGate = 24 * time.Hour

// DefaultTopLimit is how many entries the leaderboard shows.
const DefaultTopLimit = 10

// Engine computes and stores ranking records.
type Engine struct {
	store    store.Store
	notifier events.Notifier
	clock    scheduler.Clock
	logger   *slog.Logger
}

// NewEngine creates the leaderboard engine.
func NewEngine(st store.Store, notifier events.Notifier, clock scheduler.Clock, logger *slog.Logger) *Engine {
	if notifier == nil {
		notifier = events.Nop{}
	}
	if clock == nil {
		clock = scheduler.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: st, notifier: notifier, clock: clock, logger: logger}
}

// RecordActivity refreshes one user's ranking: balances come from the user
// record, the loan/bid/match counters accumulate the given deltas. When the
// user's last boost is at least a day old the boost multiplier applies and
// the gate resets; otherwise the unboosted base score stands.
func (e *Engine) RecordActivity(ctx context.Context, username string, loans, bids, matches int64) error {
	u, err := e.store.GetUser(ctx, username)
	if err != nil {
		return fmt.Errorf("read user for ranking: %w", err)
	}

	r, err := e.store.Ranking(ctx, username)
	if err != nil {
		if !errors.Is(err, store.ErrRankingNotFound) {
			return err
		}
		r = &model.RankingRecord{Username: username}
	}

	r.ResourceScore = u.Resources.Gold + u.Resources.Platinum + u.Resources.Iron
	r.CoinScore = u.Resources.Coins
	r.LoanCount += loans
	r.BidCount += bids
	r.MatchScore += matches
	r.Superseed = u.Superseed

	now := e.clock.Now()
	if now.Sub(r.LastBoostUpdate) >= boostGate {
		r.RankScore = r.BaseScore().Mul(boostMultiplier(r.Superseed))
		r.LastBoostUpdate = now
	} else {
		r.RankScore = r.BaseScore()
	}

	if err := e.store.UpsertRanking(ctx, r); err != nil {
		return fmt.Errorf("persist ranking: %w", err)
	}

	e.broadcastTop(ctx)
	return nil
}

// ApplyPeriodicBoost sweeps all rankings and re-applies the boost to every
// user whose gate has elapsed. Runs hourly; each user boosts at most once a
// day.
func (e *Engine) ApplyPeriodicBoost(ctx context.Context) error {
	rankings, err := e.store.ListRankings(ctx)
	if err != nil {
		return fmt.Errorf("list rankings: %w", err)
	}

	now := e.clock.Now()
	boosted := 0
	for i := range rankings {
		r := &rankings[i]
		if now.Sub(r.LastBoostUpdate) < boostGate {
			continue
		}
		r.RankScore = r.BaseScore().Mul(boostMultiplier(r.Superseed))
		r.LastBoostUpdate = now
		if err := e.store.UpsertRanking(ctx, r); err != nil {
			e.logger.Error("boost persist failed", "username", r.Username, "err", err)
			continue
		}
		boosted++
	}

	if boosted > 0 {
		e.logger.Info("superseed boost applied", "users", boosted)
		e.broadcastTop(ctx)
	}
	return nil
}

// Entry is one leaderboard row as shown to clients.
type Entry struct {
	Rank        int    `json:"rank"`
	Username    string `json:"username"`
	Score       string `json:"score"`
	Boosted     bool   `json:"boosted"`
	BoostAmount string `json:"boost_amount"`
}

// TopUsers returns the highest-ranked users, formatted for display.
func (e *Engine) TopUsers(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultTopLimit
	}
	rankings, err := e.store.TopRankings(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("top rankings: %w", err)
	}

	entries := make([]Entry, 0, len(rankings))
	for i, r := range rankings {
		boostPct := decimal.NewFromInt(r.Superseed / 10) // percent points
		amount := "0%"
		if boostPct.GreaterThan(decimal.Zero) {
			amount = boostPct.StringFixed(1) + "%"
		}
		entries = append(entries, Entry{
			Rank:        i + 1,
			Username:    r.Username,
			Score:       r.RankScore.StringFixed(2),
			Boosted:     r.Superseed >= 10,
			BoostAmount: amount,
		})
	}
	return entries, nil
}

func (e *Engine) broadcastTop(ctx context.Context) {
	entries, err := e.TopUsers(ctx, DefaultTopLimit)
	if err != nil {
		e.logger.Error("leaderboard broadcast failed", "err", err)
		return
	}
	e.notifier.Broadcast(events.EventTopUsers, entries)
}

// boostMultiplier is 1 + 0.01 per full ten superseeds held.
func boostMultiplier(superseed int64) decimal.Decimal {
	return decimal.NewFromInt(1).Add(
		decimal.NewFromInt(superseed / 10).Mul(decimal.NewFromFloat(0.01)))
}
