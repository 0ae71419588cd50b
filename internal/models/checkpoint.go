package models

import (
	"time"

	"gorm.io/datatypes"
)

// Checkpoint is the per-contract-type sync cursor: LastSyncedBlock is the last
// block whose events are guaranteed already folded into persisted state. It is
// advanced only inside the reconciliation pass commit. The attempt/error columns
// are bookkeeping and may be written outside that commit.
type Checkpoint struct {
	ContractType    string         `gorm:"primaryKey;type:text"`
	LastSyncedBlock uint64         `gorm:"type:bigint;not null"`
	LastSyncedAt    time.Time      `gorm:"type:timestamptz;not null"`
	LastAttemptAt   *time.Time     `gorm:"type:timestamptz"`
	LastError       *string        `gorm:"type:text"`
	StatsJSON       datatypes.JSON `gorm:"type:jsonb"`
}

func (Checkpoint) TableName() string {
	return "checkpoints"
}
