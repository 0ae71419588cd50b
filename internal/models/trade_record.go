package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeRecord is one decoded Trade log. (TxHash, LogIndex) is the natural key of
// a log entry; rows are insert-only with conflicts ignored, which makes
// re-insertion across overlapping scan windows idempotent.
type TradeRecord struct {
	TxHash             string           `gorm:"primaryKey;type:varchar(66)"`
	LogIndex           uint             `gorm:"primaryKey;type:int"`
	MarketAddress      string           `gorm:"type:varchar(42);index;not null"`
	TraderAddress      string           `gorm:"type:varchar(42);index;not null"`
	IsBuy              bool             `gorm:"not null"`
	Amount             decimal.Decimal  `gorm:"type:numeric(78,0);not null"`
	Price              decimal.Decimal  `gorm:"type:numeric(78,0);not null"`
	ProtocolFee        decimal.Decimal  `gorm:"type:numeric(78,0);not null;default:0"`
	CreatorFee         decimal.Decimal  `gorm:"type:numeric(78,0);not null;default:0"`
	HoldingReward      decimal.Decimal  `gorm:"type:numeric(78,0);not null;default:0"`
	SupplyAfter        decimal.Decimal  `gorm:"type:numeric(78,0);not null"`
	TraderBalanceAfter *decimal.Decimal `gorm:"type:numeric(78,0)"`
	BlockNumber        uint64           `gorm:"type:bigint;index;not null"`
	BlockTimestamp     time.Time        `gorm:"type:timestamptz;not null"`
}

func (TradeRecord) TableName() string {
	return "trade_records"
}
