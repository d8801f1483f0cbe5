package migrations

import (
	"github.com/ksred/klear-dex/internal/types"
	"gorm.io/gorm"
)

// AddOrders creates the orders and quotes tables
func AddOrders(db *gorm.DB) error {
	if err := db.AutoMigrate(&types.Order{}); err != nil {
		return err
	}

	if err := db.AutoMigrate(&types.Quote{}); err != nil {
		return err
	}

	return nil
}
