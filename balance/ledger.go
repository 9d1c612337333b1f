package balance

import (
	"fmt"
	"math/big"

	"gorm.io/gorm"

	"loyaltyd/models"
	"loyaltyd/token"
)

// Available sums ledger deltas for the customer using the supplied handle,
// which may be an open transaction. The session manager calls this inside the
// approval transaction so the re-check and the redeem write see one snapshot.
func Available(db *gorm.DB, customerAddress string) (*big.Int, error) {
	var entries []models.LedgerEntry
	err := db.Where("customer_address = ?", customerAddress).
		Order("created_at ASC, id ASC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("balance: load ledger: %w", err)
	}
	available := big.NewInt(0)
	for _, entry := range entries {
		delta, err := token.FromStored(entry.DeltaWei)
		if err != nil {
			return nil, fmt.Errorf("balance: entry %s: %w", entry.ID, err)
		}
		available.Add(available, delta)
	}
	return available, nil
}
