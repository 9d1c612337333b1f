package balance

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"time"

	"gorm.io/gorm"

	"loyaltyd/models"
	"loyaltyd/token"
)

// Tier classifies a customer by lifetime earnings.
type Tier string

const (
	TierBronze   Tier = "BRONZE"
	TierSilver   Tier = "SILVER"
	TierGold     Tier = "GOLD"
	TierPlatinum Tier = "PLATINUM"
)

// TierThreshold maps a tier to the minimum lifetime earnings that grant it.
type TierThreshold struct {
	Tier        Tier
	MinLifetime *big.Int
}

// RewardStep grants a fixed base reward once the service price reaches
// MinPriceCents. Steps are evaluated highest-first; prices below the lowest
// step earn nothing.
type RewardStep struct {
	MinPriceCents int64
	Reward        *big.Int
}

// RewardTable is the full earning configuration. Thresholds and step values
// are deployment configuration, not logic baked into the calculator.
type RewardTable struct {
	Steps     []RewardStep
	TierBonus map[Tier]*big.Int
	Tiers     []TierThreshold
}

// View is the derived balance for one customer. Never stored independently;
// always recomputed from ledger rows.
type View struct {
	CustomerAddress  string
	LifetimeEarned   *big.Int
	TotalRedeemed    *big.Int
	AvailableBalance *big.Int
	Tier             Tier
	ComputedAt       time.Time
}

// Calculator derives spendable balances from the append-only ledger. The
// summed rows are the sole source of truth; no denormalized counter is ever
// trusted on its own.
type Calculator struct {
	db    *gorm.DB
	table RewardTable
	now   func() time.Time
}

// NewCalculator constructs a calculator over the shared store.
func NewCalculator(db *gorm.DB, table RewardTable, now func() time.Time) *Calculator {
	if now == nil {
		now = time.Now
	}
	normalizeTable(&table)
	return &Calculator{db: db, table: table, now: now}
}

// Compute aggregates the customer's ledger entries in insertion order.
// Positive deltas accrue lifetime earnings, negative deltas accrue total
// redemptions, and the spendable balance is their difference.
func (c *Calculator) Compute(ctx context.Context, customerAddress string) (*View, error) {
	var entries []models.LedgerEntry
	err := c.db.WithContext(ctx).
		Where("customer_address = ?", customerAddress).
		Order("created_at ASC, id ASC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("balance: load ledger: %w", err)
	}

	earned := big.NewInt(0)
	redeemed := big.NewInt(0)
	for _, entry := range entries {
		delta, err := token.FromStored(entry.DeltaWei)
		if err != nil {
			return nil, fmt.Errorf("balance: entry %s: %w", entry.ID, err)
		}
		if delta.Sign() >= 0 {
			earned.Add(earned, delta)
		} else {
			redeemed.Add(redeemed, new(big.Int).Abs(delta))
		}
	}

	available := new(big.Int).Sub(earned, redeemed)
	return &View{
		CustomerAddress:  customerAddress,
		LifetimeEarned:   earned,
		TotalRedeemed:    redeemed,
		AvailableBalance: available,
		Tier:             c.TierFor(earned),
		ComputedAt:       c.now().UTC(),
	}, nil
}

// TierFor resolves the tier granted by the given lifetime earnings.
func (c *Calculator) TierFor(lifetimeEarned *big.Int) Tier {
	tier := TierBronze
	for _, threshold := range c.table.Tiers {
		if lifetimeEarned.Cmp(threshold.MinLifetime) >= 0 {
			tier = threshold.Tier
		}
	}
	return tier
}

// TierBonus computes the base reward and additive tier bonus for a paid
// service. Prices below the lowest step yield zero base and zero bonus.
func (c *Calculator) TierBonus(tier Tier, servicePriceCents int64) (base, bonus *big.Int) {
	base = big.NewInt(0)
	bonus = big.NewInt(0)
	for i := len(c.table.Steps) - 1; i >= 0; i-- {
		step := c.table.Steps[i]
		if servicePriceCents >= step.MinPriceCents {
			base = new(big.Int).Set(step.Reward)
			break
		}
	}
	if base.Sign() == 0 {
		return base, bonus
	}
	if extra, ok := c.table.TierBonus[tier]; ok && extra != nil {
		bonus = new(big.Int).Set(extra)
	}
	return base, bonus
}

// DefaultRewardTable mirrors the production earning rules and is used when
// the configuration omits the table.
func DefaultRewardTable() RewardTable {
	return RewardTable{
		Steps: []RewardStep{
			{MinPriceCents: 5_000, Reward: token.MustParse("10")},
			{MinPriceCents: 10_000, Reward: token.MustParse("25")},
		},
		TierBonus: map[Tier]*big.Int{
			TierBronze:   token.MustParse("10"),
			TierSilver:   token.MustParse("20"),
			TierGold:     token.MustParse("30"),
			TierPlatinum: token.MustParse("40"),
		},
		Tiers: []TierThreshold{
			{Tier: TierBronze, MinLifetime: token.MustParse("0")},
			{Tier: TierSilver, MinLifetime: token.MustParse("200")},
			{Tier: TierGold, MinLifetime: token.MustParse("1000")},
			{Tier: TierPlatinum, MinLifetime: token.MustParse("5000")},
		},
	}
}

func normalizeTable(table *RewardTable) {
	if len(table.Steps) == 0 && len(table.Tiers) == 0 && len(table.TierBonus) == 0 {
		*table = DefaultRewardTable()
		return
	}
	sort.Slice(table.Steps, func(i, j int) bool {
		return table.Steps[i].MinPriceCents < table.Steps[j].MinPriceCents
	})
	sort.Slice(table.Tiers, func(i, j int) bool {
		return table.Tiers[i].MinLifetime.Cmp(table.Tiers[j].MinLifetime) < 0
	})
}
