package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarketSnapshot carries the latest observed state per market. HolderCount is
// recomputed from holder_balances at write time rather than incremented.
type MarketSnapshot struct {
	MarketAddress   string          `gorm:"primaryKey;type:varchar(42)"`
	CurrentSupply   decimal.Decimal `gorm:"type:numeric(78,0);not null"`
	HolderCount     int64           `gorm:"type:bigint;not null;default:0"`
	LastPrice       decimal.Decimal `gorm:"type:numeric(78,0);not null"`
	LastIsBuy       bool            `gorm:"not null"`
	LastBlockNumber uint64          `gorm:"type:bigint;not null"`
	LastTxHash      string          `gorm:"type:varchar(66);not null"`
	LastUpdatedAt   time.Time       `gorm:"type:timestamptz;not null"`
}

func (MarketSnapshot) TableName() string {
	return "market_snapshots"
}
