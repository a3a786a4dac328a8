package migrations

import (
	"gorm.io/gorm"
)

// AddSettlementIndexes creates the indexes used by the settlement processor
func AddSettlementIndexes(db *gorm.DB) error {
	indexes := []string{
		// Stale ledger submission scan
		`CREATE INDEX IF NOT EXISTS idx_settlements_ledger
		 ON settlements(ledger_status, ledger_updated_at)`,

		// Due escrow scan
		`CREATE INDEX IF NOT EXISTS idx_escrow_deposits_due
		 ON escrow_deposits(released, release_time)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}
	return nil
}
