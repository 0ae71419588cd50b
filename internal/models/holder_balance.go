package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// HolderBalance exists only for holders with a positive balance; a balance that
// reaches zero deletes the row. Market holder counts are row counts over this
// table, so inactive holders must not linger.
type HolderBalance struct {
	MarketAddress  string           `gorm:"primaryKey;type:varchar(42)"`
	HolderAddress  string           `gorm:"primaryKey;type:varchar(42)"`
	Balance        decimal.Decimal  `gorm:"type:numeric(78,0);not null"`
	LastTradePrice *decimal.Decimal `gorm:"type:numeric(78,0)"`
	LastTradeIsBuy *bool
	UpdatedAt      time.Time        `gorm:"type:timestamptz;not null"`
}

func (HolderBalance) TableName() string {
	return "holder_balances"
}
