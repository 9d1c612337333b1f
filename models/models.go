package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SessionStatus represents a state in the redemption session lifecycle.
type SessionStatus string

// All session states. Pending is the only non-terminal state; a consumed
// session has been approved and spent in the same transition.
const (
	StatePending  SessionStatus = "PENDING"
	StateApproved SessionStatus = "APPROVED"
	StateRejected SessionStatus = "REJECTED"
	StateExpired  SessionStatus = "EXPIRED"
	StateConsumed SessionStatus = "CONSUMED"
)

// EntryType enumerates ledger entry kinds.
type EntryType string

const (
	EntryEarn          EntryType = "earn"
	EntryTierBonus     EntryType = "tier_bonus"
	EntryReferralBonus EntryType = "referral_bonus"
	EntryRedeem        EntryType = "redeem"
	EntryMint          EntryType = "mint"
	EntryBurn          EntryType = "burn"
)

// RedemptionSession is a time-boxed, single-use authorization request created
// by a shop against a customer's spendable balance.
type RedemptionSession struct {
	ID              uuid.UUID     `gorm:"type:uuid;primaryKey"`
	CustomerAddress string        `gorm:"size:64;index"`
	ShopID          string        `gorm:"size:64;index"`
	AmountWei       string        `gorm:"size:80;not null"`
	Nonce           string        `gorm:"size:128;uniqueIndex"`
	Status          SessionStatus `gorm:"size:16;index"`
	ExpiresAt       time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// LedgerEntry is an immutable, append-only record of a balance-affecting
// event. DeltaWei is the signed effect in base units: positive for earn and
// bonus types, negative for redeem and burn. TxHash is the single nullable
// field populated after the corresponding on-chain operation confirms.
type LedgerEntry struct {
	ID              uuid.UUID  `gorm:"type:uuid;primaryKey"`
	Type            EntryType  `gorm:"size:24;index"`
	CustomerAddress string     `gorm:"size:64;index"`
	ShopID          string     `gorm:"size:64;index"`
	DeltaWei        string     `gorm:"size:80;not null"`
	SessionID       *uuid.UUID `gorm:"type:uuid;uniqueIndex"`
	TxHash          string     `gorm:"size:80;index"`
	CreatedAt       time.Time  `gorm:"index"`
}

// SessionNonce records every nonce ever consumed by an approval. The primary
// key doubles as the uniqueness constraint that closes the replay race: the
// insert happens inside the approval transaction and a duplicate key aborts
// the whole unit.
type SessionNonce struct {
	Nonce     string    `gorm:"primaryKey;size:128"`
	SessionID uuid.UUID `gorm:"type:uuid;index"`
	CreatedAt time.Time
}

// SettlementAttempt is the audit trail for asynchronous mint/burn submission.
type SettlementAttempt struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	LedgerEntryID uuid.UUID `gorm:"type:uuid;index"`
	Attempt       int
	Status        string `gorm:"size:16"`
	TxHash        string `gorm:"size:80"`
	Error         string `gorm:"size:512"`
	NextAttempt   time.Time
	CreatedAt     time.Time
}

// IdempotencyKey stores request idempotency metadata for the HTTP surface.
type IdempotencyKey struct {
	Key       string `gorm:"primaryKey;size:128"`
	RequestID string `gorm:"size:64"`
	Method    string `gorm:"size:8"`
	Path      string `gorm:"size:255"`
	Status    int
	Response  string `gorm:"type:text"`
	CreatedAt time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&RedemptionSession{},
		&LedgerEntry{},
		&SessionNonce{},
		&SettlementAttempt{},
		&IdempotencyKey{},
	)
}
