package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"fragmarket/internal/models"
)

// HolderKey identifies one holder_balances row.
type HolderKey struct {
	MarketAddress string
	HolderAddress string
}

// Repository is the persistence surface of the reconciler. The ...Tx methods
// participate in the all-or-nothing pass commit driven through InTx; the rest
// are standalone reads plus the attempt bookkeeping write.
type Repository interface {
	InTx(ctx context.Context, fn func(tx *gorm.DB) error) error

	GetCheckpoint(ctx context.Context, contractType string) (*models.Checkpoint, error)
	SaveCheckpointTx(ctx context.Context, tx *gorm.DB, cp *models.Checkpoint) error
	RecordCheckpointAttempt(ctx context.Context, contractType string, attemptAt time.Time, attemptErr error) error
	ListCheckpoints(ctx context.Context) ([]models.Checkpoint, error)

	InsertTradesTx(ctx context.Context, tx *gorm.DB, items []models.TradeRecord) error

	UpsertHolderBalancesTx(ctx context.Context, tx *gorm.DB, items []models.HolderBalance) error
	DeleteHolderBalancesTx(ctx context.Context, tx *gorm.DB, keys []HolderKey) error

	// UpsertMarketSnapshotsTx writes snapshots with holder_count computed by a
	// live sub-select over holder_balances, so it must run after the holder
	// writes within the same transaction.
	UpsertMarketSnapshotsTx(ctx context.Context, tx *gorm.DB, items []models.MarketSnapshot) error
	ListMarketSnapshots(ctx context.Context, limit int) ([]models.MarketSnapshot, error)

	GetOhlcvBucket(ctx context.Context, marketAddress string, bucketStart time.Time) (*models.OhlcvBucket, error)
	UpsertOhlcvBucketsTx(ctx context.Context, tx *gorm.DB, items []models.OhlcvBucket) error
}
