package migrations

import (
	"gorm.io/gorm"
)

// AddMatchingIndexes creates the indexes the candidate query and warm-load
// depend on. Raw SQL for control over composite ordering.
func AddMatchingIndexes(db *gorm.DB) error {
	indexes := []string{
		// Composite index backing the matching candidate query
		`CREATE INDEX IF NOT EXISTS idx_orders_matching
		 ON orders(market_code, isin, side, status)`,

		// Index for warm-load and time-priority ordering
		`CREATE INDEX IF NOT EXISTS idx_orders_status_placed_at
		 ON orders(status, placed_at)`,

		// Index for per-order status history reads
		`CREATE INDEX IF NOT EXISTS idx_order_status_entries_order_id
		 ON order_status_entries(order_id)`,

		// Index for transaction lookups by order
		`CREATE INDEX IF NOT EXISTS idx_transactions_order_id
		 ON transactions(order_id)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
