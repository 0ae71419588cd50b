package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OhlcvBucket is an hour-aligned candle. OpenPrice is fixed at the first write
// and never overwritten; volumes and trade count accumulate across passes.
// Volume columns are amount*price sums.
type OhlcvBucket struct {
	MarketAddress string          `gorm:"primaryKey;type:varchar(42)"`
	BucketStart   time.Time       `gorm:"primaryKey;type:timestamptz"`
	OpenPrice     decimal.Decimal `gorm:"type:numeric(78,0);not null"`
	HighPrice     decimal.Decimal `gorm:"type:numeric(78,0);not null"`
	LowPrice      decimal.Decimal `gorm:"type:numeric(78,0);not null"`
	ClosePrice    decimal.Decimal `gorm:"type:numeric(78,0);not null"`
	Volume        decimal.Decimal `gorm:"type:numeric(78,0);not null;default:0"`
	BuyVolume     decimal.Decimal `gorm:"type:numeric(78,0);not null;default:0"`
	SellVolume    decimal.Decimal `gorm:"type:numeric(78,0);not null;default:0"`
	TradeCount    int64           `gorm:"type:bigint;not null;default:0"`
}

func (OhlcvBucket) TableName() string {
	return "ohlcv_buckets"
}
