package reconcile

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"fragmarket/internal/chain"
	"fragmarket/internal/models"
	"fragmarket/internal/repository"
)

// logPosition is the (blockNumber, logIndex) total order used to arbitrate
// competing entries for the same entity. It is the only tie-break in the fold.
type logPosition struct {
	block uint64
	index uint
}

func positionOf(entry chain.TradeLog) logPosition {
	return logPosition{block: entry.BlockNumber, index: entry.LogIndex}
}

func (p logPosition) after(q logPosition) bool {
	if p.block != q.block {
		return p.block > q.block
	}
	return p.index > q.index
}

type tradeKey struct {
	txHash   string
	logIndex uint
}

// BucketKey identifies one hour-aligned OHLCV bucket.
type BucketKey struct {
	Market string
	Start  time.Time
}

// BucketAgg is the in-batch aggregate for one bucket, before merging with any
// persisted row. Open and Close are pinned by total order, not input order.
type BucketAgg struct {
	Open       decimal.Decimal
	High       decimal.Decimal
	Low        decimal.Decimal
	Close      decimal.Decimal
	Volume     decimal.Decimal
	BuyVolume  decimal.Decimal
	SellVolume decimal.Decimal
	TradeCount int64

	first logPosition
	last  logPosition
}

// FoldResult is the write set produced from one window's entries. Bucket
// aggregates still need merging against persisted rows before commit.
type FoldResult struct {
	Trades        []models.TradeRecord
	HolderUpserts []models.HolderBalance
	HolderDeletes []repository.HolderKey
	Snapshots     []models.MarketSnapshot
	Buckets       map[BucketKey]*BucketAgg

	Filtered int
}

// Empty reports whether the window produced no new work beyond the checkpoint
// advance.
func (r *FoldResult) Empty() bool {
	return len(r.Trades) == 0 && len(r.HolderUpserts) == 0 &&
		len(r.HolderDeletes) == 0 && len(r.Snapshots) == 0 && len(r.Buckets) == 0
}

// Fold turns a batch of decoded Trade entries into the pass write set.
//
// Entries at or below the checkpoint block are dropped: the checkpoint is the
// last block whose entries are guaranteed already applied, and the planner's
// deliberate window overlap means most passes see already-folded blocks again.
// The boundary block itself counts as applied.
//
// Per-holder balances are taken from the latest entry's self-reported
// post-trade balance, never accumulated as deltas on top of persisted state; a
// delta applied from two overlapping windows would double-count. Entries whose
// latest event carries no reported balance leave the holder row untouched.
//
// blockTime resolves a block number to its timestamp and is only invoked for
// blocks that survive the replay filter.
func Fold(entries []chain.TradeLog, checkpoint uint64, blockTime func(uint64) (time.Time, error), now time.Time) (*FoldResult, error) {
	result := &FoldResult{Buckets: make(map[BucketKey]*BucketAgg)}

	seenTrades := make(map[tradeKey]struct{})
	latestPerHolder := make(map[repository.HolderKey]chain.TradeLog)
	latestPerMarket := make(map[string]chain.TradeLog)

	for _, entry := range entries {
		if entry.BlockNumber <= checkpoint {
			result.Filtered++
			continue
		}

		// A repeated (tx, logIndex) within one batch is the same event; fold
		// it once so bucket volumes and counts stay honest.
		key := tradeKey{txHash: entry.TxHash, logIndex: entry.LogIndex}
		if _, dup := seenTrades[key]; dup {
			continue
		}
		seenTrades[key] = struct{}{}

		ts, err := blockTime(entry.BlockNumber)
		if err != nil {
			return nil, fmt.Errorf("block timestamp %d: %w", entry.BlockNumber, err)
		}
		result.Trades = append(result.Trades, tradeRecord(entry, ts))

		holderKey := repository.HolderKey{MarketAddress: entry.Market, HolderAddress: entry.Trader}
		if prev, ok := latestPerHolder[holderKey]; !ok || positionOf(entry).after(positionOf(prev)) {
			latestPerHolder[holderKey] = entry
		}

		if prev, ok := latestPerMarket[entry.Market]; !ok || positionOf(entry).after(positionOf(prev)) {
			latestPerMarket[entry.Market] = entry
		}

		foldBucket(result.Buckets, entry, ts)
	}

	for holderKey, entry := range latestPerHolder {
		if entry.TraderBalanceAfter == nil {
			continue
		}
		balance := *entry.TraderBalanceAfter
		if balance.IsNegative() {
			// Malformed upstream accounting; store nothing rather than a
			// negative balance.
			balance = decimal.Zero
		}
		if balance.IsZero() {
			result.HolderDeletes = append(result.HolderDeletes, holderKey)
			continue
		}
		price := entry.Price
		isBuy := entry.IsBuy
		result.HolderUpserts = append(result.HolderUpserts, models.HolderBalance{
			MarketAddress:  holderKey.MarketAddress,
			HolderAddress:  holderKey.HolderAddress,
			Balance:        balance,
			LastTradePrice: &price,
			LastTradeIsBuy: &isBuy,
			UpdatedAt:      now,
		})
	}

	for market, entry := range latestPerMarket {
		result.Snapshots = append(result.Snapshots, models.MarketSnapshot{
			MarketAddress:   market,
			CurrentSupply:   entry.SupplyAfter,
			LastPrice:       entry.Price,
			LastIsBuy:       entry.IsBuy,
			LastBlockNumber: entry.BlockNumber,
			LastTxHash:      entry.TxHash,
			LastUpdatedAt:   now,
		})
	}

	sortFoldResult(result)
	return result, nil
}

func tradeRecord(entry chain.TradeLog, ts time.Time) models.TradeRecord {
	return models.TradeRecord{
		TxHash:             entry.TxHash,
		LogIndex:           entry.LogIndex,
		MarketAddress:      entry.Market,
		TraderAddress:      entry.Trader,
		IsBuy:              entry.IsBuy,
		Amount:             entry.Amount,
		Price:              entry.Price,
		ProtocolFee:        entry.ProtocolFee,
		CreatorFee:         entry.CreatorFee,
		HoldingReward:      entry.HoldingReward,
		SupplyAfter:        entry.SupplyAfter,
		TraderBalanceAfter: entry.TraderBalanceAfter,
		BlockNumber:        entry.BlockNumber,
		BlockTimestamp:     ts,
	}
}

// BucketStart aligns a timestamp down to its hour bucket.
func BucketStart(ts time.Time) time.Time {
	return ts.UTC().Truncate(time.Hour)
}

func foldBucket(buckets map[BucketKey]*BucketAgg, entry chain.TradeLog, ts time.Time) {
	key := BucketKey{Market: entry.Market, Start: BucketStart(ts)}
	volume := entry.Amount.Mul(entry.Price)
	pos := positionOf(entry)

	agg, ok := buckets[key]
	if !ok {
		agg = &BucketAgg{
			Open:       entry.Price,
			High:       entry.Price,
			Low:        entry.Price,
			Close:      entry.Price,
			Volume:     decimal.Zero,
			BuyVolume:  decimal.Zero,
			SellVolume: decimal.Zero,
			first:      pos,
			last:       pos,
		}
		buckets[key] = agg
	} else {
		if agg.first.after(pos) {
			agg.first = pos
			agg.Open = entry.Price
		}
		if pos.after(agg.last) {
			agg.last = pos
			agg.Close = entry.Price
		}
		if entry.Price.GreaterThan(agg.High) {
			agg.High = entry.Price
		}
		if entry.Price.LessThan(agg.Low) {
			agg.Low = entry.Price
		}
	}

	agg.Volume = agg.Volume.Add(volume)
	if entry.IsBuy {
		agg.BuyVolume = agg.BuyVolume.Add(volume)
	} else {
		agg.SellVolume = agg.SellVolume.Add(volume)
	}
	agg.TradeCount++
}

// sortFoldResult fixes the write-set order so commits and tests are
// deterministic regardless of map iteration.
func sortFoldResult(r *FoldResult) {
	sort.Slice(r.Trades, func(i, j int) bool {
		a, b := r.Trades[i], r.Trades[j]
		if a.BlockNumber != b.BlockNumber {
			return a.BlockNumber < b.BlockNumber
		}
		return a.LogIndex < b.LogIndex
	})
	sort.Slice(r.HolderUpserts, func(i, j int) bool {
		a, b := r.HolderUpserts[i], r.HolderUpserts[j]
		if a.MarketAddress != b.MarketAddress {
			return a.MarketAddress < b.MarketAddress
		}
		return a.HolderAddress < b.HolderAddress
	})
	sort.Slice(r.HolderDeletes, func(i, j int) bool {
		a, b := r.HolderDeletes[i], r.HolderDeletes[j]
		if a.MarketAddress != b.MarketAddress {
			return a.MarketAddress < b.MarketAddress
		}
		return a.HolderAddress < b.HolderAddress
	})
	sort.Slice(r.Snapshots, func(i, j int) bool {
		return r.Snapshots[i].MarketAddress < r.Snapshots[j].MarketAddress
	})
}
