// Package combat resolves base attacks between colonists: guardian fleets
// rolled against each other, with a tithe of the loser's resources moving to
// the winner.
package combat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"

	"github.com/shopspring/decimal"

	"github.com/superseed-odyssey/colony-engine/internal/econ"
	"github.com/superseed-odyssey/colony-engine/internal/events"
	"github.com/superseed-odyssey/colony-engine/internal/metrics"
	"github.com/superseed-odyssey/colony-engine/internal/model"
	"github.com/superseed-odyssey/colony-engine/internal/store"
	"github.com/superseed-odyssey/colony-engine/internal/userlock"
)

var (
	ErrSelfAttack        = errors.New("combat: cannot attack yourself")
	ErrInsufficientCoins = errors.New("combat: not enough coins for the attack")
)

// lootFraction is the share of the loser's resources transferred, floored
// per resource.
var lootFraction = decimal.NewFromFloat(0.1)

// Ranker mirrors ledger.Ranker for match-score updates.
type Ranker interface {
	RecordActivity(ctx context.Context, username string, loans, bids, matches int64) error
}

// Resolver executes attacks. The random factor source is injectable for
// deterministic tests.
type Resolver struct {
	store    store.Store
	locks    *userlock.Map
	notifier events.Notifier
	ranker   Ranker
	logger   *slog.Logger
	randFn   func() float64 // uniform [0,1)
}

// NewResolver creates the combat resolver. randFn may be nil to use the
// default source.
func NewResolver(st store.Store, locks *userlock.Map, notifier events.Notifier, ranker Ranker, randFn func() float64, logger *slog.Logger) *Resolver {
	if notifier == nil {
		notifier = events.Nop{}
	}
	if randFn == nil {
		randFn = rand.Float64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:    st,
		locks:    locks,
		notifier: notifier,
		ranker:   ranker,
		logger:   logger,
		randFn:   randFn,
	}
}

// Loot is the resource transfer from loser to winner.
type Loot struct {
	Gold     int64           `json:"gold"`
	Platinum int64           `json:"platinum"`
	Iron     int64           `json:"iron"`
	Coins    decimal.Decimal `json:"coins"`
}

// Total is the combined size of the loot, for display.
func (l Loot) Total() decimal.Decimal {
	return decimal.NewFromInt(l.Gold + l.Platinum + l.Iron).Add(l.Coins)
}

// Result is the outcome of one resolved attack.
type Result struct {
	Attacker string `json:"attacker"`
	Target   string `json:"target"`
	Winner   string `json:"winner"`
	Loser    string `json:"loser"`
	Loot     Loot   `json:"loot"`
}

// ResolveAttack charges the attacker the attack cost, rolls both fleets, and
// moves a tenth of the loser's holdings to the winner. Both sides are locked
// for the duration so concurrent attacks against either user serialize. A
// tied roll favors the defender.
func (r *Resolver) ResolveAttack(ctx context.Context, attacker, target string) (*Result, error) {
	if attacker == target {
		return nil, ErrSelfAttack
	}

	unlock := r.locks.LockPair(attacker, target)
	defer unlock()

	atk, err := r.store.GetUser(ctx, attacker)
	if err != nil {
		return nil, fmt.Errorf("load attacker: %w", err)
	}
	tgt, err := r.store.GetUser(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("load target: %w", err)
	}

	if atk.Resources.Coins.LessThan(econ.AttackCost) {
		return nil, ErrInsufficientCoins
	}
	// The attack cost is sunk win or lose.
	atk.Resources.Coins = atk.Resources.Coins.Sub(econ.AttackCost)

	// Each side rolls 50-150% of its fleet power.
	atkScore := econ.GuardianPower(atk.Guardians).Mul(decimal.NewFromFloat(0.5 + r.randFn()))
	tgtScore := econ.GuardianPower(tgt.Guardians).Mul(decimal.NewFromFloat(0.5 + r.randFn()))

	winner, loser := tgt, atk
	if atkScore.GreaterThan(tgtScore) {
		winner, loser = atk, tgt
	}

	loot := plunder(loser, winner)

	if err := r.store.UpdateUser(ctx, atk); err != nil {
		return nil, fmt.Errorf("persist attacker: %w", err)
	}
	if err := r.store.UpdateUser(ctx, tgt); err != nil {
		return nil, fmt.Errorf("persist target: %w", err)
	}

	res := &Result{
		Attacker: attacker,
		Target:   target,
		Winner:   winner.Username,
		Loser:    loser.Username,
		Loot:     loot,
	}

	outcome := "target_won"
	if winner == atk {
		outcome = "attacker_won"
	}
	metrics.AttacksTotal.WithLabelValues(outcome).Inc()
	r.logger.Info("attack resolved", "attacker", attacker, "target", target, "winner", winner.Username)

	r.notifyResult(res, atk, tgt)
	r.recordMatch(ctx, winner.Username, loser.Username)
	return res, nil
}

// plunder moves the loot fraction of each holding from loser to winner.
// Integer resources floor naturally; coins floor explicitly.
func plunder(loser, winner *model.User) Loot {
	loot := Loot{
		Gold:     loser.Resources.Gold / 10,
		Platinum: loser.Resources.Platinum / 10,
		Iron:     loser.Resources.Iron / 10,
		Coins:    loser.Resources.Coins.Mul(lootFraction).Floor(),
	}

	loser.Resources.Gold -= loot.Gold
	loser.Resources.Platinum -= loot.Platinum
	loser.Resources.Iron -= loot.Iron
	loser.Resources.Coins = loser.Resources.Coins.Sub(loot.Coins)

	winner.Resources.Gold += loot.Gold
	winner.Resources.Platinum += loot.Platinum
	winner.Resources.Iron += loot.Iron
	winner.Resources.Coins = winner.Resources.Coins.Add(loot.Coins)
	return loot
}

func (r *Resolver) notifyResult(res *Result, atk, tgt *model.User) {
	attackerMsg := fmt.Sprintf("%s has crushed %s in a blaze of interstellar fury!", res.Winner, res.Loser)
	targetMsg := fmt.Sprintf("Incoming transmission: %s assaulted your base! Your outpost lies in ruins!", res.Attacker)
	if res.Winner == res.Target {
		targetMsg = fmt.Sprintf("Incoming transmission: %s assaulted your base! Your defenses held strong!", res.Attacker)
	}

	r.notifier.Emit(res.Attacker, events.EventAttackResult, Notice{
		Result:  *res,
		Message: attackerMsg,
	})
	r.notifier.Emit(res.Target, events.EventAttackResult, Notice{
		Result:  *res,
		Message: targetMsg,
	})

	for _, u := range []*model.User{atk, tgt} {
		r.notifier.Broadcast(events.EventUpdateResources, struct {
			Username  string          `json:"username"`
			Resources model.Resources `json:"resources"`
		}{u.Username, u.Resources})
	}
}

func (r *Resolver) recordMatch(ctx context.Context, winner, loser string) {
	if r.ranker == nil {
		return
	}
	if err := r.ranker.RecordActivity(ctx, winner, 0, 0, 1); err != nil {
		r.logger.Warn("ranking refresh failed", "username", winner, "err", err)
	}
	if err := r.ranker.RecordActivity(ctx, loser, 0, 0, -1); err != nil {
		r.logger.Warn("ranking refresh failed", "username", loser, "err", err)
	}
}

// DeductSearchFee charges the flat target-search fee ahead of an attack.
func (r *Resolver) DeductSearchFee(ctx context.Context, username string) error {
	unlock := r.locks.Lock(username)
	defer unlock()

	u, err := r.store.GetUser(ctx, username)
	if err != nil {
		return err
	}
	if u.Resources.Coins.LessThan(econ.AttackCost) {
		return ErrInsufficientCoins
	}
	u.Resources.Coins = u.Resources.Coins.Sub(econ.AttackCost)
	if err := r.store.UpdateUser(ctx, u); err != nil {
		return fmt.Errorf("persist search fee: %w", err)
	}

	r.notifier.Broadcast(events.EventUpdateResources, struct {
		Username  string          `json:"username"`
		Resources model.Resources `json:"resources"`
	}{username, u.Resources})
	return nil
}

// Notice is the attack_result payload sent to each side.
type Notice struct {
	Result
	Message string `json:"message"`
}
