package db

import (
	"fragmarket/internal/models"
)

func AutoMigrate(db *DB) error {
	if db == nil || db.Gorm == nil || db.SQL == nil {
		return nil
	}

	return db.Gorm.AutoMigrate(
		&models.Checkpoint{},
		&models.TradeRecord{},
		&models.HolderBalance{},
		&models.MarketSnapshot{},
		&models.OhlcvBucket{},
	)
}
