package migrations

import (
	"gorm.io/gorm"
)

// AddOrderIndexes adds the indexes the quote history and recovery sweeps query by
func AddOrderIndexes(db *gorm.DB) error {
	indexes := []string{
		// Quote history for one attempt of an order
		`CREATE INDEX IF NOT EXISTS idx_quotes_order_attempt
		 ON quotes(order_id, attempt)`,

		// Stale order sweep filters on status and last update
		`CREATE INDEX IF NOT EXISTS idx_orders_status_updated_at
		 ON orders(status, updated_at)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
