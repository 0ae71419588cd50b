package gormrepository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"fragmarket/internal/models"
	"fragmarket/internal/repository"
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) InTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(fn)
}

// --- checkpoints -------------------------------------------------------------

func (s *Store) GetCheckpoint(ctx context.Context, contractType string) (*models.Checkpoint, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var cp models.Checkpoint
	err := s.db.WithContext(ctx).
		Where("contract_type = ?", contractType).
		First(&cp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

func (s *Store) SaveCheckpointTx(ctx context.Context, tx *gorm.DB, cp *models.Checkpoint) error {
	if tx == nil || cp == nil {
		return nil
	}
	return tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "contract_type"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"last_synced_block",
			"last_synced_at",
			"last_attempt_at",
			"last_error",
			"stats_json",
		}),
	}).Create(cp).Error
}

// RecordCheckpointAttempt updates only the bookkeeping columns; the block
// cursor moves exclusively through SaveCheckpointTx inside a pass commit.
func (s *Store) RecordCheckpointAttempt(ctx context.Context, contractType string, attemptAt time.Time, attemptErr error) error {
	if s == nil || s.db == nil {
		return nil
	}
	updates := map[string]any{
		"last_attempt_at": attemptAt,
		"last_error":      nil,
	}
	if attemptErr != nil {
		msg := attemptErr.Error()
		updates["last_error"] = msg
	}
	return s.db.WithContext(ctx).
		Model(&models.Checkpoint{}).
		Where("contract_type = ?", contractType).
		Updates(updates).Error
}

func (s *Store) ListCheckpoints(ctx context.Context) ([]models.Checkpoint, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.Checkpoint
	if err := s.db.WithContext(ctx).
		Model(&models.Checkpoint{}).
		Order("contract_type asc").
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// --- trades ------------------------------------------------------------------

func (s *Store) InsertTradesTx(ctx context.Context, tx *gorm.DB, items []models.TradeRecord) error {
	if tx == nil || len(items) == 0 {
		return nil
	}
	return tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tx_hash"}, {Name: "log_index"}},
		DoNothing: true,
	}).Create(&items).Error
}

// --- holder balances ---------------------------------------------------------

func (s *Store) UpsertHolderBalancesTx(ctx context.Context, tx *gorm.DB, items []models.HolderBalance) error {
	if tx == nil || len(items) == 0 {
		return nil
	}
	return tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "market_address"}, {Name: "holder_address"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"balance",
			"last_trade_price",
			"last_trade_is_buy",
			"updated_at",
		}),
	}).Create(&items).Error
}

func (s *Store) DeleteHolderBalancesTx(ctx context.Context, tx *gorm.DB, keys []repository.HolderKey) error {
	if tx == nil || len(keys) == 0 {
		return nil
	}
	for _, key := range keys {
		if err := tx.WithContext(ctx).
			Where("market_address = ? AND holder_address = ?", key.MarketAddress, key.HolderAddress).
			Delete(&models.HolderBalance{}).Error; err != nil {
			return err
		}
	}
	return nil
}

// --- market snapshots --------------------------------------------------------

const upsertMarketSnapshotSQL = `
INSERT INTO market_snapshots
	(market_address, current_supply, holder_count, last_price, last_is_buy, last_block_number, last_tx_hash, last_updated_at)
VALUES
	(?, ?, (SELECT COUNT(*) FROM holder_balances WHERE market_address = ?), ?, ?, ?, ?, ?)
ON CONFLICT (market_address) DO UPDATE SET
	current_supply    = EXCLUDED.current_supply,
	holder_count      = EXCLUDED.holder_count,
	last_price        = EXCLUDED.last_price,
	last_is_buy       = EXCLUDED.last_is_buy,
	last_block_number = EXCLUDED.last_block_number,
	last_tx_hash      = EXCLUDED.last_tx_hash,
	last_updated_at   = EXCLUDED.last_updated_at`

func (s *Store) UpsertMarketSnapshotsTx(ctx context.Context, tx *gorm.DB, items []models.MarketSnapshot) error {
	if tx == nil || len(items) == 0 {
		return nil
	}
	for _, item := range items {
		if err := tx.WithContext(ctx).Exec(upsertMarketSnapshotSQL,
			item.MarketAddress,
			item.CurrentSupply,
			item.MarketAddress,
			item.LastPrice,
			item.LastIsBuy,
			item.LastBlockNumber,
			item.LastTxHash,
			item.LastUpdatedAt,
		).Error; err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ListMarketSnapshots(ctx context.Context, limit int) ([]models.MarketSnapshot, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	var items []models.MarketSnapshot
	if err := s.db.WithContext(ctx).
		Model(&models.MarketSnapshot{}).
		Order("last_block_number desc").
		Limit(limit).
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// --- ohlcv buckets -----------------------------------------------------------

func (s *Store) GetOhlcvBucket(ctx context.Context, marketAddress string, bucketStart time.Time) (*models.OhlcvBucket, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var bucket models.OhlcvBucket
	err := s.db.WithContext(ctx).
		Where("market_address = ? AND bucket_start = ?", marketAddress, bucketStart).
		First(&bucket).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &bucket, nil
}

func (s *Store) UpsertOhlcvBucketsTx(ctx context.Context, tx *gorm.DB, items []models.OhlcvBucket) error {
	if tx == nil || len(items) == 0 {
		return nil
	}
	return tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "market_address"}, {Name: "bucket_start"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"open_price",
			"high_price",
			"low_price",
			"close_price",
			"volume",
			"buy_volume",
			"sell_volume",
			"trade_count",
		}),
	}).Create(&items).Error
}
