package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"loyaltyd/balance"
	"loyaltyd/models"
	"loyaltyd/signature"
	"loyaltyd/token"
)

// ErrNothingEarned indicates the service price fell below the minimum
// rewardable threshold.
var ErrNothingEarned = errors.New("ledger: price below reward threshold")

// Recorder is the earning-side writer of the append-only ledger. Entries are
// never updated or deleted; corrections are additional compensating entries.
type Recorder struct {
	db     *gorm.DB
	calc   *balance.Calculator
	now    func() time.Time
	logger *slog.Logger
}

// NewRecorder constructs a recorder over the shared store.
func NewRecorder(db *gorm.DB, calc *balance.Calculator, now func() time.Time, logger *slog.Logger) *Recorder {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{db: db, calc: calc, now: now, logger: logger}
}

// Earning is the outcome of recording a paid service.
type Earning struct {
	Base    *big.Int
	Bonus   *big.Int
	Tier    balance.Tier
	Entries []models.LedgerEntry
}

// RecordService writes the earn entry for a paid service and, when the
// customer's tier grants one, the additive tier_bonus entry, in a single
// transaction. The tier is derived from lifetime earnings before this
// service.
func (r *Recorder) RecordService(ctx context.Context, shopID, customerAddress string, servicePriceCents int64) (*Earning, error) {
	shop := strings.TrimSpace(shopID)
	if shop == "" {
		return nil, fmt.Errorf("ledger: shop id is required")
	}
	customer, err := signature.NormalizeAddress(customerAddress)
	if err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}
	if servicePriceCents <= 0 {
		return nil, fmt.Errorf("ledger: service price must be positive")
	}

	view, err := r.calc.Compute(ctx, customer)
	if err != nil {
		return nil, err
	}
	base, bonus := r.calc.TierBonus(view.Tier, servicePriceCents)
	if base.Sign() == 0 {
		return nil, ErrNothingEarned
	}

	now := r.now().UTC()
	entries := []models.LedgerEntry{{
		ID:              uuid.New(),
		Type:            models.EntryEarn,
		CustomerAddress: customer,
		ShopID:          shop,
		DeltaWei:        token.ToStored(base),
		CreatedAt:       now,
	}}
	if bonus.Sign() > 0 {
		entries = append(entries, models.LedgerEntry{
			ID:              uuid.New(),
			Type:            models.EntryTierBonus,
			CustomerAddress: customer,
			ShopID:          shop,
			DeltaWei:        token.ToStored(bonus),
			CreatedAt:       now.Add(time.Microsecond),
		})
	}

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range entries {
			if err := tx.Create(&entries[i]).Error; err != nil {
				return fmt.Errorf("ledger: write %s entry: %w", entries[i].Type, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("service earning recorded",
		slog.String("shop_id", shop),
		slog.String("customer", customer),
		slog.String("reason", string(view.Tier)),
	)
	return &Earning{Base: base, Bonus: bonus, Tier: view.Tier, Entries: entries}, nil
}

// RecordReferralBonus credits a fixed referral reward to the referrer.
func (r *Recorder) RecordReferralBonus(ctx context.Context, referrerAddress string, rewardWei *big.Int) (*models.LedgerEntry, error) {
	referrer, err := signature.NormalizeAddress(referrerAddress)
	if err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}
	if rewardWei == nil || rewardWei.Sign() <= 0 {
		return nil, fmt.Errorf("ledger: reward must be positive")
	}
	entry := models.LedgerEntry{
		ID:              uuid.New(),
		Type:            models.EntryReferralBonus,
		CustomerAddress: referrer,
		DeltaWei:        token.ToStored(rewardWei),
		CreatedAt:       r.now().UTC(),
	}
	if err := r.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return nil, fmt.Errorf("ledger: write referral entry: %w", err)
	}
	return &entry, nil
}
