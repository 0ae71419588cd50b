package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"fragmarket/internal/chain"
	"fragmarket/internal/models"
	"fragmarket/internal/repository"
)

// ErrNoCheckpoint is returned when a pass finds no checkpoint row for its
// contract type. The reconciler refuses to guess a starting block.
var ErrNoCheckpoint = errors.New("no checkpoint for contract type")

// LogSource returns decoded Trade entries for a contract over an inclusive
// block range, ordered by appearance. Repeated calls may overlap.
type LogSource interface {
	FilterTradeLogs(ctx context.Context, contractAddr string, fromBlock, toBlock uint64) ([]chain.TradeLog, error)
}

// BlockSource answers chain-head and block-timestamp queries.
type BlockSource interface {
	ChainHead(ctx context.Context) (uint64, error)
	BlockTimestamp(ctx context.Context, blockNumber uint64) (time.Time, error)
}

// Reconciler runs reconciliation passes for one tracked contract. Passes for
// the same contract type must not run concurrently (the cron schedule
// guarantees this here); distinct contract types are independent.
type Reconciler struct {
	Store           repository.Repository
	Logs            LogSource
	Blocks          BlockSource
	Logger          *zap.Logger
	ContractType    string
	ContractAddress string
	Step            uint64
}

// PassResult summarizes one pass for logging and checkpoint stats.
type PassResult struct {
	ContractType  string `json:"contract_type"`
	FromBlock     uint64 `json:"from_block"`
	ToBlock       uint64 `json:"to_block"`
	Checkpoint    uint64 `json:"checkpoint"`
	FetchedLogs   int    `json:"fetched_logs"`
	Filtered      int    `json:"filtered"`
	Trades        int    `json:"trades"`
	HolderUpserts int    `json:"holder_upserts"`
	HolderDeletes int    `json:"holder_deletes"`
	Snapshots     int    `json:"snapshots"`
	Buckets       int    `json:"buckets"`
	NoOp          bool   `json:"no_op"`
}

// SeedCheckpoint creates the checkpoint row at startBlock if none exists yet.
// It never moves an existing checkpoint.
func (r *Reconciler) SeedCheckpoint(ctx context.Context, startBlock uint64) error {
	existing, err := r.Store.GetCheckpoint(ctx, r.ContractType)
	if err != nil {
		return fmt.Errorf("get checkpoint %s: %w", r.ContractType, err)
	}
	if existing != nil {
		return nil
	}
	now := time.Now().UTC()
	err = r.Store.InTx(ctx, func(tx *gorm.DB) error {
		return r.Store.SaveCheckpointTx(ctx, tx, &models.Checkpoint{
			ContractType:    r.ContractType,
			LastSyncedBlock: startBlock,
			LastSyncedAt:    now,
		})
	})
	if err != nil {
		return fmt.Errorf("seed checkpoint %s: %w", r.ContractType, err)
	}
	if r.Logger != nil {
		r.Logger.Info("checkpoint seeded",
			zap.String("contract_type", r.ContractType),
			zap.Uint64("start_block", startBlock),
		)
	}
	return nil
}

// RunPass executes one reconciliation pass: plan the window, fetch and fold the
// window's entries, merge touched buckets against persisted state, and commit
// the whole write set plus the checkpoint advance in one transaction. Any
// failure leaves persisted state untouched; the next pass overlaps and heals.
func (r *Reconciler) RunPass(ctx context.Context) (PassResult, error) {
	result := PassResult{ContractType: r.ContractType}
	now := time.Now().UTC()

	cp, err := r.Store.GetCheckpoint(ctx, r.ContractType)
	if err != nil {
		return result, fmt.Errorf("get checkpoint %s: %w", r.ContractType, err)
	}
	if cp == nil {
		return result, fmt.Errorf("%w: %s", ErrNoCheckpoint, r.ContractType)
	}

	head, err := r.Blocks.ChainHead(ctx)
	if err != nil {
		r.recordFailure(ctx, now, err)
		return result, err
	}

	window := PlanWindow(cp.LastSyncedBlock, head, r.Step)
	result.FromBlock = window.FromBlock
	result.ToBlock = window.ToBlock

	entries, err := r.Logs.FilterTradeLogs(ctx, r.ContractAddress, window.FromBlock, window.ToBlock)
	if err != nil {
		r.recordFailure(ctx, now, err)
		return result, err
	}
	result.FetchedLogs = len(entries)

	fold, err := Fold(entries, cp.LastSyncedBlock, r.blockTimeResolver(ctx), now)
	if err != nil {
		r.recordFailure(ctx, now, err)
		return result, err
	}
	result.Filtered = fold.Filtered
	result.Trades = len(fold.Trades)
	result.HolderUpserts = len(fold.HolderUpserts)
	result.HolderDeletes = len(fold.HolderDeletes)
	result.Snapshots = len(fold.Snapshots)
	result.Buckets = len(fold.Buckets)
	result.NoOp = fold.Empty()

	buckets, err := r.mergeBuckets(ctx, fold.Buckets)
	if err != nil {
		r.recordFailure(ctx, now, err)
		return result, err
	}

	// The checkpoint only ever moves forward, even when the head has fallen
	// behind it (e.g. the node answers from a lagging replica).
	newBlock := window.ToBlock
	if newBlock < cp.LastSyncedBlock {
		newBlock = cp.LastSyncedBlock
	}
	result.Checkpoint = newBlock

	err = r.Store.InTx(ctx, func(tx *gorm.DB) error {
		if err := r.Store.InsertTradesTx(ctx, tx, fold.Trades); err != nil {
			return fmt.Errorf("insert trades: %w", err)
		}
		if err := r.Store.DeleteHolderBalancesTx(ctx, tx, fold.HolderDeletes); err != nil {
			return fmt.Errorf("delete holder balances: %w", err)
		}
		if err := r.Store.UpsertHolderBalancesTx(ctx, tx, fold.HolderUpserts); err != nil {
			return fmt.Errorf("upsert holder balances: %w", err)
		}
		// Snapshots must come after the holder writes: their holder_count
		// sub-select reads holder_balances inside this transaction.
		if err := r.Store.UpsertMarketSnapshotsTx(ctx, tx, fold.Snapshots); err != nil {
			return fmt.Errorf("upsert market snapshots: %w", err)
		}
		if err := r.Store.UpsertOhlcvBucketsTx(ctx, tx, buckets); err != nil {
			return fmt.Errorf("upsert ohlcv buckets: %w", err)
		}
		return r.Store.SaveCheckpointTx(ctx, tx, &models.Checkpoint{
			ContractType:    r.ContractType,
			LastSyncedBlock: newBlock,
			LastSyncedAt:    now,
			LastAttemptAt:   &now,
			StatsJSON:       passStats(result),
		})
	})
	if err != nil {
		r.recordFailure(ctx, now, err)
		return result, fmt.Errorf("commit pass %s: %w", r.ContractType, err)
	}

	if r.Logger != nil {
		r.Logger.Info("reconcile pass committed",
			zap.String("contract_type", result.ContractType),
			zap.Uint64("from_block", result.FromBlock),
			zap.Uint64("to_block", result.ToBlock),
			zap.Uint64("checkpoint", result.Checkpoint),
			zap.Int("fetched_logs", result.FetchedLogs),
			zap.Int("filtered", result.Filtered),
			zap.Int("trades", result.Trades),
			zap.Int("holder_upserts", result.HolderUpserts),
			zap.Int("holder_deletes", result.HolderDeletes),
			zap.Int("snapshots", result.Snapshots),
			zap.Int("buckets", result.Buckets),
			zap.Bool("no_op", result.NoOp),
		)
	}
	return result, nil
}

// blockTimeResolver caches header lookups so each distinct block is fetched
// once per pass no matter how many entries share it.
func (r *Reconciler) blockTimeResolver(ctx context.Context) func(uint64) (time.Time, error) {
	cache := make(map[uint64]time.Time)
	return func(blockNumber uint64) (time.Time, error) {
		if ts, ok := cache[blockNumber]; ok {
			return ts, nil
		}
		ts, err := r.Blocks.BlockTimestamp(ctx, blockNumber)
		if err != nil {
			return time.Time{}, err
		}
		cache[blockNumber] = ts
		return ts, nil
	}
}

func (r *Reconciler) mergeBuckets(ctx context.Context, aggs map[BucketKey]*BucketAgg) ([]models.OhlcvBucket, error) {
	if len(aggs) == 0 {
		return nil, nil
	}
	keys := make([]BucketKey, 0, len(aggs))
	for key := range aggs {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Market != keys[j].Market {
			return keys[i].Market < keys[j].Market
		}
		return keys[i].Start.Before(keys[j].Start)
	})

	merged := make([]models.OhlcvBucket, 0, len(keys))
	for _, key := range keys {
		persisted, err := r.Store.GetOhlcvBucket(ctx, key.Market, key.Start)
		if err != nil {
			return nil, fmt.Errorf("read bucket %s/%s: %w", key.Market, key.Start.Format(time.RFC3339), err)
		}
		merged = append(merged, MergeBucket(persisted, key, aggs[key]))
	}
	return merged, nil
}

func (r *Reconciler) recordFailure(ctx context.Context, attemptAt time.Time, passErr error) {
	if err := r.Store.RecordCheckpointAttempt(ctx, r.ContractType, attemptAt, passErr); err != nil && r.Logger != nil {
		r.Logger.Warn("record checkpoint attempt failed",
			zap.String("contract_type", r.ContractType),
			zap.Error(err),
		)
	}
}

func passStats(result PassResult) datatypes.JSON {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil
	}
	return datatypes.JSON(raw)
}
