package migrations

import (
	"gorm.io/gorm"
)

// AddBookIndexes creates the indexes the matching engine's candidate scan and
// the order and trade queries rely on
func AddBookIndexes(db *gorm.DB) error {
	indexes := []string{
		// Candidate scan: same fund, market and side among open orders, by price
		`CREATE INDEX IF NOT EXISTS idx_orders_book
		 ON orders(fund_id, market, side, status, price_per_token, created_at)`,

		// Owner order listing
		`CREATE INDEX IF NOT EXISTS idx_orders_owner_created
		 ON orders(owner_id, created_at)`,

		// Trades of an order
		`CREATE INDEX IF NOT EXISTS idx_trades_created_at
		 ON trades(created_at)`,

		// Expired idempotency record cleanup
		`CREATE INDEX IF NOT EXISTS idx_idempotency_records_expires_at
		 ON idempotency_records(expires_at)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}
	return nil
}
