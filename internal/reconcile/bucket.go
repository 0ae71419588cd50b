package reconcile

import (
	"fragmarket/internal/models"
)

// MergeBucket folds one in-batch aggregate into the persisted bucket row, if
// any. Buckets span multiple passes, so the merge rules differ per field:
//
//   - open: the persisted value is pinned forever once set;
//   - high/low: extrema across persisted and batch;
//   - close: always the batch close — the replay filter guarantees the batch's
//     entries are strictly after anything already persisted for this market;
//   - volumes and trade count: additive. Trade inserts are de-duplicated by
//     primary key upstream, so a given trade contributes to exactly one batch
//     aggregate across overlapping passes.
func MergeBucket(persisted *models.OhlcvBucket, key BucketKey, agg *BucketAgg) models.OhlcvBucket {
	if persisted == nil {
		return models.OhlcvBucket{
			MarketAddress: key.Market,
			BucketStart:   key.Start,
			OpenPrice:     agg.Open,
			HighPrice:     agg.High,
			LowPrice:      agg.Low,
			ClosePrice:    agg.Close,
			Volume:        agg.Volume,
			BuyVolume:     agg.BuyVolume,
			SellVolume:    agg.SellVolume,
			TradeCount:    agg.TradeCount,
		}
	}

	merged := models.OhlcvBucket{
		MarketAddress: key.Market,
		BucketStart:   key.Start,
		OpenPrice:     persisted.OpenPrice,
		HighPrice:     persisted.HighPrice,
		LowPrice:      persisted.LowPrice,
		ClosePrice:    agg.Close,
		Volume:        persisted.Volume.Add(agg.Volume),
		BuyVolume:     persisted.BuyVolume.Add(agg.BuyVolume),
		SellVolume:    persisted.SellVolume.Add(agg.SellVolume),
		TradeCount:    persisted.TradeCount + agg.TradeCount,
	}
	if agg.High.GreaterThan(merged.HighPrice) {
		merged.HighPrice = agg.High
	}
	if agg.Low.LessThan(merged.LowPrice) {
		merged.LowPrice = agg.Low
	}
	return merged
}
