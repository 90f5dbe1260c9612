// Package econ holds the fixed economic tunables of the colony and the pure
// valuation math built on them: collateral pricing, guardian power, and the
// server-side price list for inventory purchases.
//
// All coin values use shopspring/decimal — never float64 for money.
package econ

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/superseed-odyssey/colony-engine/internal/model"
)

// Per-unit exchange rates for collateral valuation, in coins.
// Platinum is the scarcest, iron the cheapest.
var (
	RatePlatinum = decimal.NewFromInt(20)
	RateGold     = decimal.NewFromInt(10)
	RateIron     = decimal.NewFromInt(5)
)

var (
	// InterestRate is the hourly interest fraction charged on normal-loan
	// principal.
	InterestRate = decimal.NewFromFloat(0.005)

	// NormalCollateralRatio is the minimum collateral value per borrowed
	// coin for a normal loan.
	NormalCollateralRatio = decimal.NewFromFloat(1.5)

	// SuperCollateralRatio is the minimum collateral value per borrowed
	// coin for a super-collateral loan.
	SuperCollateralRatio = decimal.NewFromInt(5)

	// AuctionFee is the flat, non-refundable fee charged per bid.
	AuctionFee = decimal.NewFromInt(50)

	// AttackCost is the coin cost of launching an attack, and also of the
	// separate target-search and attack-initiation fees.
	AttackCost = decimal.NewFromInt(50)

	// StartingCoins seeds a freshly created account.
	StartingCoins = decimal.NewFromInt(1000)
)

// Auction prize bounds, in superseeds.
const (
	PrizeMin = 5
	PrizeMax = 10
)

// Guardian per-unit attack values.
const (
	AttackAerialScout    = 45
	AttackCombatSentinel = 70
	AttackFlareBomber    = 85
)

// Guardian types accepted by purchase and combat operations.
const (
	GuardianAerialScout    = "aerial_scout"
	GuardianCombatSentinel = "combat_sentinel"
	GuardianFlareBomber    = "flare_bomber"
)

// Rover types accepted by purchase operations. These double as the mineable
// resource names.
const (
	ResourceGold     = "gold"
	ResourcePlatinum = "platinum"
	ResourceIron     = "iron"
)

var (
	ErrUnknownGuardianType = errors.New("econ: unknown guardian type")
	ErrUnknownRoverType    = errors.New("econ: unknown rover type")
	ErrUnknownResourceType = errors.New("econ: unknown resource type")
)

var guardianPrices = map[string]decimal.Decimal{
	GuardianAerialScout:    decimal.NewFromInt(500),
	GuardianCombatSentinel: decimal.NewFromInt(600),
	GuardianFlareBomber:    decimal.NewFromInt(700),
}

var roverPrices = map[string]decimal.Decimal{
	ResourceGold:     decimal.NewFromInt(200),
	ResourceIron:     decimal.NewFromInt(100),
	ResourcePlatinum: decimal.NewFromInt(300),
}

// GuardianPrice returns the coin price of one guardian of the given type.
func GuardianPrice(guardianType string) (decimal.Decimal, error) {
	p, ok := guardianPrices[guardianType]
	if !ok {
		return decimal.Zero, ErrUnknownGuardianType
	}
	return p, nil
}

// RoverPrice returns the coin price of one rover of the given type.
func RoverPrice(roverType string) (decimal.Decimal, error) {
	p, ok := roverPrices[roverType]
	if !ok {
		return decimal.Zero, ErrUnknownRoverType
	}
	return p, nil
}

// ValidResourceType reports whether name is a mineable resource.
func ValidResourceType(name string) bool {
	switch name {
	case ResourceGold, ResourcePlatinum, ResourceIron:
		return true
	}
	return false
}

// CollateralValue prices a collateral bundle at the fixed exchange rates.
func CollateralValue(c model.Collateral) decimal.Decimal {
	return decimal.NewFromInt(c.Platinum).Mul(RatePlatinum).
		Add(decimal.NewFromInt(c.Gold).Mul(RateGold)).
		Add(decimal.NewFromInt(c.Iron).Mul(RateIron))
}

// CollateralRatio returns the required collateral ratio for a loan mode.
func CollateralRatio(mode model.LoanMode) decimal.Decimal {
	if mode == model.LoanModeSuper {
		return SuperCollateralRatio
	}
	return NormalCollateralRatio
}

// RequiredCollateral is the minimum collateral value to borrow amount coins
// in the given mode.
func RequiredCollateral(amount decimal.Decimal, mode model.LoanMode) decimal.Decimal {
	return amount.Mul(CollateralRatio(mode))
}

// GuardianPower is the deterministic component of a user's combat score:
// the weighted sum of guardian counts by per-type attack value.
func GuardianPower(g model.GuardianCounts) decimal.Decimal {
	power := g.AerialScout*AttackAerialScout +
		g.CombatSentinel*AttackCombatSentinel +
		g.FlareBomber*AttackFlareBomber
	return decimal.NewFromInt(power)
}
