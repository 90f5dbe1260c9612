// Package auction runs the periodic superseed auction: one active round at a
// time with a random prize, one bid per user with a flat fee, and settlement
// to the highest bid with refunds for the rest.
package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
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

// DefaultInterval is the production round length.
const DefaultInterval = 4 * time.Hour

var (
	ErrAlreadyBid        = errors.New("auction: only one bid per round")
	ErrInvalidBid        = errors.New("auction: bid must be positive")
	ErrInsufficientCoins = errors.New("auction: not enough coins for bid plus fee")
	ErrNoActiveRound     = errors.New("auction: no active round")
)

// Ranker mirrors ledger.Ranker for bid-count updates.
type Ranker interface {
	RecordActivity(ctx context.Context, username string, loans, bids, matches int64) error
}

// Engine owns the auction round lifecycle. The round is held in memory and
// persisted on every change so a restart resumes mid-round.
type Engine struct {
	store    store.Store
	locks    *userlock.Map
	notifier events.Notifier
	ranker   Ranker
	clock    scheduler.Clock
	logger   *slog.Logger
	interval time.Duration
	randInt  func(n int) int

	mu    sync.Mutex
	round *model.AuctionRound
}

// NewEngine creates the auction engine. Call Load before the first Tick.
// rng may be nil to use the default source.
func NewEngine(st store.Store, locks *userlock.Map, notifier events.Notifier, ranker Ranker, clock scheduler.Clock, interval time.Duration, rng *rand.Rand, logger *slog.Logger) *Engine {
	if notifier == nil {
		notifier = events.Nop{}
	}
	if clock == nil {
		clock = scheduler.Real{}
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    st,
		locks:    locks,
		notifier: notifier,
		ranker:   ranker,
		clock:    clock,
		logger:   logger,
		interval: interval,
		randInt:  rng.Intn,
	}
}

// Load restores the persisted round, or opens a fresh one when none exists.
// A round that was inactive at shutdown resumes as active.
func (e *Engine) Load(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, err := e.store.CurrentRound(ctx)
	if err != nil {
		if !errors.Is(err, store.ErrNoRound) {
			return fmt.Errorf("load auction round: %w", err)
		}
		r = e.newRound()
	}
	r.Active = true
	e.round = r
	if err := e.store.SaveRound(ctx, r); err != nil {
		return fmt.Errorf("persist auction round: %w", err)
	}
	e.logger.Info("auction round loaded", "prize", r.Prize, "ends", r.EndTime, "bids", len(r.Bids))
	return nil
}

func (e *Engine) newRound() *model.AuctionRound {
	return &model.AuctionRound{
		Prize:   int64(econ.PrizeMin + e.randInt(econ.PrizeMax-econ.PrizeMin+1)),
		EndTime: e.clock.Now().Add(e.interval),
		Active:  true,
	}
}

// PlaceBid enters the user into the current round. The bid amount plus the
// flat fee is deducted from their coins up front.
func (e *Engine) PlaceBid(ctx context.Context, username string, amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		e.popup(username, "Bid must be a positive number", events.PopupError)
		return ErrInvalidBid
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.round == nil || !e.round.Active {
		return ErrNoActiveRound
	}
	if e.round.HasBidFrom(username) {
		e.popup(username, "You have already placed a bid. Only one bid is allowed.", events.PopupError)
		return ErrAlreadyBid
	}

	totalCost := amount.Add(econ.AuctionFee)

	unlock := e.locks.Lock(username)
	defer unlock()

	u, err := e.store.GetUser(ctx, username)
	if err != nil {
		return err
	}
	if u.Resources.Coins.LessThan(totalCost) {
		e.popup(username, fmt.Sprintf("You need %s coins (%s + %s fee)",
			totalCost, amount, econ.AuctionFee), events.PopupError)
		return ErrInsufficientCoins
	}

	u.Resources.Coins = u.Resources.Coins.Sub(totalCost)
	if err := e.store.UpdateUser(ctx, u); err != nil {
		return fmt.Errorf("persist bid deduction: %w", err)
	}

	e.round.Bids = append(e.round.Bids, model.Bid{
		ID:        uuid.NewString(),
		Username:  username,
		Amount:    amount,
		Fee:       econ.AuctionFee,
		TotalCost: totalCost,
		PlacedAt:  e.clock.Now(),
	})
	if err := e.store.SaveRound(ctx, e.round); err != nil {
		return fmt.Errorf("persist round: %w", err)
	}

	metrics.BidsTotal.Inc()
	e.popup(username, fmt.Sprintf("Bid placed: %s (+%s fee)", amount, econ.AuctionFee), events.PopupSuccess)
	e.notifier.Emit(username, events.EventUserUpdate, u)
	e.broadcastUpdateLocked()

	if e.ranker != nil {
		if err := e.ranker.RecordActivity(ctx, username, 0, 1, 0); err != nil {
			e.logger.Warn("ranking refresh failed", "username", username, "err", err)
		}
	}
	return nil
}

// Tick drives the round forward: it settles and reopens when the deadline
// has passed, and always broadcasts the current state. Intended to run every
// second.
func (e *Engine) Tick(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.round == nil {
		return ErrNoActiveRound
	}

	if !e.clock.Now().Before(e.round.EndTime) {
		if err := e.settleLocked(ctx); err != nil {
			return err
		}
		e.round = e.newRound()
		if err := e.store.SaveRound(ctx, e.round); err != nil {
			return fmt.Errorf("persist new round: %w", err)
		}
		e.logger.Info("auction round opened", "prize", e.round.Prize, "ends", e.round.EndTime)
	}

	e.broadcastUpdateLocked()
	return nil
}

// settleLocked ends the current round: the earliest of the highest bids
// wins the prize, the winner's stake moves to their vault, and every loser
// gets the bid back in coins with the fee banked to their vault.
func (e *Engine) settleLocked(ctx context.Context) error {
	r := e.round
	r.Active = false

	result := model.AuctionResult{
		Winner:     model.NoBidsWinner,
		Prize:      r.Prize,
		WinningBid: decimal.Zero,
		Date:       e.clock.Now(),
	}

	var winner *model.Bid
	for i := range r.Bids {
		if winner == nil || r.Bids[i].Amount.GreaterThan(winner.Amount) {
			winner = &r.Bids[i]
		}
	}

	if winner == nil {
		metrics.SettlementsTotal.WithLabelValues("no_bids").Inc()
	} else {
		result.Winner = winner.Username
		result.WinningBid = winner.Amount

		if err := e.awardWinner(ctx, winner, r.Prize); err != nil {
			e.logger.Error("winner payout failed", "username", winner.Username, "err", err)
			e.notifier.Broadcast(events.EventAuctionError, "Failed to process winner or refunds")
		}
		for i := range r.Bids {
			b := &r.Bids[i]
			if b.Username == winner.Username {
				continue
			}
			if err := e.refundLoser(ctx, b); err != nil {
				e.logger.Error("bid refund failed", "username", b.Username, "err", err)
			}
		}
		metrics.SettlementsTotal.WithLabelValues("won").Inc()
	}

	if err := e.store.AppendResult(ctx, result); err != nil {
		return fmt.Errorf("record auction result: %w", err)
	}
	e.notifier.Broadcast(events.EventAuctionResult, result)
	e.logger.Info("auction settled", "winner", result.Winner, "prize", result.Prize, "winning_bid", result.WinningBid)
	return nil
}

func (e *Engine) awardWinner(ctx context.Context, winner *model.Bid, prize int64) error {
	unlock := e.locks.Lock(winner.Username)
	defer unlock()

	if err := e.store.AddSuperseed(ctx, winner.Username, prize); err != nil {
		return err
	}
	if err := e.store.AddToVault(ctx, winner.Username, winner.TotalCost); err != nil {
		return err
	}

	e.popup(winner.Username, fmt.Sprintf("You won %d Superseeds!", prize), events.PopupSuccess)
	if u, err := e.store.GetUser(ctx, winner.Username); err == nil {
		e.notifier.Emit(winner.Username, events.EventUserUpdate, u)
	}
	if e.ranker != nil {
		if err := e.ranker.RecordActivity(ctx, winner.Username, 0, 0, 0); err != nil {
			e.logger.Warn("ranking refresh failed", "username", winner.Username, "err", err)
		}
	}
	return nil
}

func (e *Engine) refundLoser(ctx context.Context, b *model.Bid) error {
	unlock := e.locks.Lock(b.Username)
	defer unlock()

	u, err := e.store.GetUser(ctx, b.Username)
	if err != nil {
		return err
	}
	u.Resources.Coins = u.Resources.Coins.Add(b.Amount)
	if err := e.store.UpdateUser(ctx, u); err != nil {
		return err
	}
	if err := e.store.AddToVault(ctx, b.Username, b.Fee); err != nil {
		return err
	}

	e.popup(b.Username, fmt.Sprintf("Refunded: %s coins (%s fee kept)", b.Amount, b.Fee), events.PopupInfo)
	e.notifier.Emit(b.Username, events.EventUserUpdate, u)
	return nil
}

// Snapshot returns a copy of the current round.
func (e *Engine) Snapshot() (*model.AuctionRound, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.round == nil {
		return nil, ErrNoActiveRound
	}
	return e.round.Clone(), nil
}

// RecentResults returns the persisted settlement history, newest first.
func (e *Engine) RecentResults(ctx context.Context) ([]model.AuctionResult, error) {
	return e.store.RecentResults(ctx)
}

func (e *Engine) popup(username, message, kind string) {
	e.notifier.Emit(username, events.EventAuctionPopup, events.PopupPayload{
		Message: message,
		Type:    kind,
	})
}

func (e *Engine) broadcastUpdateLocked() {
	r := e.round
	timeLeft := r.EndTime.Sub(e.clock.Now())
	if timeLeft < 0 {
		timeLeft = 0
	}
	bids := make([]BidView, 0, len(r.Bids))
	for _, b := range r.Bids {
		bids = append(bids, BidView{Username: b.Username, Amount: b.Amount})
	}
	e.notifier.Broadcast(events.EventAuctionUpdate, Update{
		Superseeds: r.Prize,
		TimeLeftMS: timeLeft.Milliseconds(),
		Bids:       bids,
	})
}

// Update is the periodic auction state broadcast.
type Update struct {
	Superseeds int64     `json:"superseeds"`
	TimeLeftMS int64     `json:"time_left_ms"`
	Bids       []BidView `json:"bids"`
}

// BidView is the public shape of a bid inside an Update.
type BidView struct {
	Username string          `json:"username"`
	Amount   decimal.Decimal `json:"amount"`
}
