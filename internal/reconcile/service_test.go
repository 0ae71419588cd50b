package reconcile

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"gorm.io/gorm"

	"fragmarket/internal/chain"
	"fragmarket/internal/models"
	"fragmarket/internal/repository"
)

// stubRepo is an in-memory Repository. InTx snapshots all state up front and
// restores it when fn fails, mirroring the all-or-nothing commit.
type stubRepo struct {
	checkpoints map[string]models.Checkpoint
	trades      map[tradeKey]models.TradeRecord
	holders     map[repository.HolderKey]models.HolderBalance
	snapshots   map[string]models.MarketSnapshot
	buckets     map[BucketKey]models.OhlcvBucket

	attemptErrors []string
	failOn        string
}

func newStubRepo() *stubRepo {
	return &stubRepo{
		checkpoints: make(map[string]models.Checkpoint),
		trades:      make(map[tradeKey]models.TradeRecord),
		holders:     make(map[repository.HolderKey]models.HolderBalance),
		snapshots:   make(map[string]models.MarketSnapshot),
		buckets:     make(map[BucketKey]models.OhlcvBucket),
	}
}

func (s *stubRepo) fail(method string) error {
	if s.failOn == method {
		return fmt.Errorf("stub failure in %s", method)
	}
	return nil
}

func copyMap[K comparable, V any](src map[K]V) map[K]V {
	dst := make(map[K]V, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func (s *stubRepo) InTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	cps, trs, hos, sns, bks := copyMap(s.checkpoints), copyMap(s.trades), copyMap(s.holders), copyMap(s.snapshots), copyMap(s.buckets)
	if err := fn(nil); err != nil {
		s.checkpoints, s.trades, s.holders, s.snapshots, s.buckets = cps, trs, hos, sns, bks
		return err
	}
	return nil
}

func (s *stubRepo) GetCheckpoint(ctx context.Context, contractType string) (*models.Checkpoint, error) {
	if err := s.fail("GetCheckpoint"); err != nil {
		return nil, err
	}
	cp, ok := s.checkpoints[contractType]
	if !ok {
		return nil, nil
	}
	return &cp, nil
}

func (s *stubRepo) SaveCheckpointTx(ctx context.Context, tx *gorm.DB, cp *models.Checkpoint) error {
	if err := s.fail("SaveCheckpointTx"); err != nil {
		return err
	}
	s.checkpoints[cp.ContractType] = *cp
	return nil
}

func (s *stubRepo) RecordCheckpointAttempt(ctx context.Context, contractType string, attemptAt time.Time, attemptErr error) error {
	if attemptErr != nil {
		s.attemptErrors = append(s.attemptErrors, attemptErr.Error())
	}
	return nil
}

func (s *stubRepo) ListCheckpoints(ctx context.Context) ([]models.Checkpoint, error) {
	return nil, nil
}

func (s *stubRepo) InsertTradesTx(ctx context.Context, tx *gorm.DB, items []models.TradeRecord) error {
	if err := s.fail("InsertTradesTx"); err != nil {
		return err
	}
	for _, item := range items {
		key := tradeKey{txHash: item.TxHash, logIndex: item.LogIndex}
		if _, exists := s.trades[key]; exists {
			continue // ON CONFLICT DO NOTHING
		}
		s.trades[key] = item
	}
	return nil
}

func (s *stubRepo) UpsertHolderBalancesTx(ctx context.Context, tx *gorm.DB, items []models.HolderBalance) error {
	if err := s.fail("UpsertHolderBalancesTx"); err != nil {
		return err
	}
	for _, item := range items {
		s.holders[repository.HolderKey{MarketAddress: item.MarketAddress, HolderAddress: item.HolderAddress}] = item
	}
	return nil
}

func (s *stubRepo) DeleteHolderBalancesTx(ctx context.Context, tx *gorm.DB, keys []repository.HolderKey) error {
	if err := s.fail("DeleteHolderBalancesTx"); err != nil {
		return err
	}
	for _, key := range keys {
		delete(s.holders, key)
	}
	return nil
}

func (s *stubRepo) UpsertMarketSnapshotsTx(ctx context.Context, tx *gorm.DB, items []models.MarketSnapshot) error {
	if err := s.fail("UpsertMarketSnapshotsTx"); err != nil {
		return err
	}
	for _, item := range items {
		var count int64
		for key := range s.holders {
			if key.MarketAddress == item.MarketAddress {
				count++
			}
		}
		item.HolderCount = count
		s.snapshots[item.MarketAddress] = item
	}
	return nil
}

func (s *stubRepo) ListMarketSnapshots(ctx context.Context, limit int) ([]models.MarketSnapshot, error) {
	return nil, nil
}

func (s *stubRepo) GetOhlcvBucket(ctx context.Context, marketAddress string, bucketStart time.Time) (*models.OhlcvBucket, error) {
	if err := s.fail("GetOhlcvBucket"); err != nil {
		return nil, err
	}
	bucket, ok := s.buckets[BucketKey{Market: marketAddress, Start: bucketStart}]
	if !ok {
		return nil, nil
	}
	return &bucket, nil
}

func (s *stubRepo) UpsertOhlcvBucketsTx(ctx context.Context, tx *gorm.DB, items []models.OhlcvBucket) error {
	if err := s.fail("UpsertOhlcvBucketsTx"); err != nil {
		return err
	}
	for _, item := range items {
		s.buckets[BucketKey{Market: item.MarketAddress, Start: item.BucketStart}] = item
	}
	return nil
}

var _ repository.Repository = (*stubRepo)(nil)

// stubChain serves logs by block range and counts timestamp lookups.
type stubChain struct {
	head     uint64
	logs     []chain.TradeLog
	times    map[uint64]time.Time
	tsCalls  map[uint64]int
	failHead bool
	failLogs bool
	failTS   bool
}

func (c *stubChain) ChainHead(ctx context.Context) (uint64, error) {
	if c.failHead {
		return 0, errors.New("head unavailable")
	}
	return c.head, nil
}

func (c *stubChain) FilterTradeLogs(ctx context.Context, contractAddr string, fromBlock, toBlock uint64) ([]chain.TradeLog, error) {
	if c.failLogs {
		return nil, errors.New("log provider unavailable")
	}
	var out []chain.TradeLog
	for _, lg := range c.logs {
		if lg.BlockNumber >= fromBlock && lg.BlockNumber <= toBlock {
			out = append(out, lg)
		}
	}
	return out, nil
}

func (c *stubChain) BlockTimestamp(ctx context.Context, blockNumber uint64) (time.Time, error) {
	if c.failTS {
		return time.Time{}, errors.New("header provider unavailable")
	}
	if c.tsCalls == nil {
		c.tsCalls = make(map[uint64]int)
	}
	c.tsCalls[blockNumber]++
	if ts, ok := c.times[blockNumber]; ok {
		return ts, nil
	}
	return foldBase.Add(time.Duration(blockNumber) * time.Second), nil
}

func newReconciler(store *stubRepo, src *stubChain) *Reconciler {
	return &Reconciler{
		Store:           store,
		Logs:            src,
		Blocks:          src,
		ContractType:    "persona_market",
		ContractAddress: "0xmarketcontract",
		Step:            500,
	}
}

func seedCheckpoint(store *stubRepo, block uint64) {
	store.checkpoints["persona_market"] = models.Checkpoint{
		ContractType:    "persona_market",
		LastSyncedBlock: block,
		LastSyncedAt:    foldBase,
	}
}

func TestRunPass_ConcreteScenario(t *testing.T) {
	store := newStubRepo()
	seedCheckpoint(store, 1000)
	src := &stubChain{
		head: 100000,
		logs: []chain.TradeLog{trade(1200, 0, "0xm", "0xh", 100, 7, withBalanceAfter(100))},
	}
	rec := newReconciler(store, src)

	result, err := rec.RunPass(context.Background())
	if err != nil {
		t.Fatalf("run pass: %v", err)
	}
	if result.FromBlock != 500 || result.ToBlock != 1500 {
		t.Fatalf("window=[%d,%d] want [500,1500]", result.FromBlock, result.ToBlock)
	}
	if result.Checkpoint != 1500 {
		t.Fatalf("checkpoint=%d want 1500", result.Checkpoint)
	}
	if cp := store.checkpoints["persona_market"]; cp.LastSyncedBlock != 1500 {
		t.Fatalf("persisted checkpoint=%d want 1500", cp.LastSyncedBlock)
	}

	if len(store.trades) != 1 {
		t.Fatalf("trades=%d want 1", len(store.trades))
	}

	holder, ok := store.holders[repository.HolderKey{MarketAddress: "0xm", HolderAddress: "0xh"}]
	if !ok || !holder.Balance.Equal(dec(100)) {
		t.Fatalf("holder=%+v", holder)
	}

	snapshot, ok := store.snapshots["0xm"]
	if !ok {
		t.Fatalf("missing snapshot")
	}
	if snapshot.HolderCount != 1 {
		t.Fatalf("holderCount=%d want 1", snapshot.HolderCount)
	}

	ts, _ := src.BlockTimestamp(context.Background(), 1200)
	bucket, ok := store.buckets[BucketKey{Market: "0xm", Start: BucketStart(ts)}]
	if !ok {
		t.Fatalf("missing bucket")
	}
	if !bucket.OpenPrice.Equal(dec(7)) || !bucket.HighPrice.Equal(dec(7)) ||
		!bucket.LowPrice.Equal(dec(7)) || !bucket.ClosePrice.Equal(dec(7)) {
		t.Fatalf("ohlc=%s/%s/%s/%s want all 7", bucket.OpenPrice, bucket.HighPrice, bucket.LowPrice, bucket.ClosePrice)
	}
	if !bucket.Volume.Equal(dec(700)) || !bucket.BuyVolume.Equal(dec(700)) || !bucket.SellVolume.Equal(dec(0)) {
		t.Fatalf("volumes=%s/%s/%s", bucket.Volume, bucket.BuyVolume, bucket.SellVolume)
	}
	if bucket.TradeCount != 1 {
		t.Fatalf("tradeCount=%d want 1", bucket.TradeCount)
	}
}

func TestRunPass_MissingCheckpointAborts(t *testing.T) {
	store := newStubRepo()
	src := &stubChain{head: 2000}
	rec := newReconciler(store, src)

	_, err := rec.RunPass(context.Background())
	if !errors.Is(err, ErrNoCheckpoint) {
		t.Fatalf("err=%v want ErrNoCheckpoint", err)
	}
	if len(store.trades) != 0 || len(store.checkpoints) != 0 {
		t.Fatalf("state mutated on aborted pass")
	}
}

func TestRunPass_NoOpStillAdvancesCheckpoint(t *testing.T) {
	store := newStubRepo()
	seedCheckpoint(store, 1000)
	src := &stubChain{head: 100000}
	rec := newReconciler(store, src)

	result, err := rec.RunPass(context.Background())
	if err != nil {
		t.Fatalf("run pass: %v", err)
	}
	if !result.NoOp {
		t.Fatalf("expected no-op pass")
	}
	if cp := store.checkpoints["persona_market"]; cp.LastSyncedBlock != 1500 {
		t.Fatalf("checkpoint=%d want 1500", cp.LastSyncedBlock)
	}
}

func TestRunPass_OverlappingRerunIsInert(t *testing.T) {
	store := newStubRepo()
	seedCheckpoint(store, 1000)
	src := &stubChain{
		head: 1500,
		logs: []chain.TradeLog{
			trade(1200, 0, "0xm", "0xh", 100, 7, withBalanceAfter(100)),
			trade(1300, 0, "0xm", "0xh", 50, 9, withBalanceAfter(150)),
		},
	}
	rec := newReconciler(store, src)

	if _, err := rec.RunPass(context.Background()); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	holderAfterFirst := store.holders[repository.HolderKey{MarketAddress: "0xm", HolderAddress: "0xh"}]
	bucketCountAfterFirst := len(store.buckets)

	// Head has not moved; the second pass re-scans [500,1500] and must change
	// nothing but the (already equal) checkpoint.
	result, err := rec.RunPass(context.Background())
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if !result.NoOp {
		t.Fatalf("expected inert second pass, got %+v", result)
	}
	if len(store.trades) != 2 {
		t.Fatalf("trades=%d want 2", len(store.trades))
	}
	holder := store.holders[repository.HolderKey{MarketAddress: "0xm", HolderAddress: "0xh"}]
	if !holder.Balance.Equal(holderAfterFirst.Balance) {
		t.Fatalf("balance drifted: %s -> %s", holderAfterFirst.Balance, holder.Balance)
	}
	if len(store.buckets) != bucketCountAfterFirst {
		t.Fatalf("buckets drifted")
	}
	for key, bucket := range store.buckets {
		if bucket.TradeCount != 2 {
			t.Fatalf("bucket %v tradeCount=%d want 2 (no double count)", key, bucket.TradeCount)
		}
	}
}

func TestRunPass_HolderCountFollowsHolderRows(t *testing.T) {
	store := newStubRepo()
	seedCheckpoint(store, 1000)
	src := &stubChain{
		head: 1500,
		logs: []chain.TradeLog{
			trade(1100, 0, "0xm", "0xa", 10, 5, withBalanceAfter(10)),
			trade(1200, 0, "0xm", "0xb", 20, 5, withBalanceAfter(20)),
		},
	}
	rec := newReconciler(store, src)

	if _, err := rec.RunPass(context.Background()); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if got := store.snapshots["0xm"].HolderCount; got != 2 {
		t.Fatalf("holderCount=%d want 2", got)
	}

	// Holder a exits; count must drop by exactly one.
	src.head = 2000
	src.logs = append(src.logs, trade(1600, 0, "0xm", "0xa", 10, 4, withSell(), withBalanceAfter(0)))
	if _, err := rec.RunPass(context.Background()); err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if got := store.snapshots["0xm"].HolderCount; got != 1 {
		t.Fatalf("holderCount=%d want 1", got)
	}

	// A brand-new holder joins; count must rise by exactly one.
	src.head = 2500
	src.logs = append(src.logs, trade(2100, 0, "0xm", "0xc", 5, 6, withBalanceAfter(5)))
	if _, err := rec.RunPass(context.Background()); err != nil {
		t.Fatalf("third pass: %v", err)
	}
	if got := store.snapshots["0xm"].HolderCount; got != 2 {
		t.Fatalf("holderCount=%d want 2", got)
	}
}

func TestRunPass_LogFetchFailureWritesNothing(t *testing.T) {
	store := newStubRepo()
	seedCheckpoint(store, 1000)
	src := &stubChain{head: 2000, failLogs: true}
	rec := newReconciler(store, src)

	if _, err := rec.RunPass(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	if cp := store.checkpoints["persona_market"]; cp.LastSyncedBlock != 1000 {
		t.Fatalf("checkpoint moved to %d on failed pass", cp.LastSyncedBlock)
	}
	if len(store.trades) != 0 {
		t.Fatalf("trades written on failed pass")
	}
	if len(store.attemptErrors) != 1 {
		t.Fatalf("attemptErrors=%v want one entry", store.attemptErrors)
	}
}

func TestRunPass_CommitFailureRollsBackEverything(t *testing.T) {
	store := newStubRepo()
	seedCheckpoint(store, 1000)
	store.failOn = "SaveCheckpointTx"
	src := &stubChain{
		head: 1500,
		logs: []chain.TradeLog{trade(1200, 0, "0xm", "0xh", 100, 7)},
	}
	rec := newReconciler(store, src)

	if _, err := rec.RunPass(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	if len(store.trades) != 0 || len(store.holders) != 0 || len(store.snapshots) != 0 || len(store.buckets) != 0 {
		t.Fatalf("partial writes survived rollback: trades=%d holders=%d snapshots=%d buckets=%d",
			len(store.trades), len(store.holders), len(store.snapshots), len(store.buckets))
	}
	if cp := store.checkpoints["persona_market"]; cp.LastSyncedBlock != 1000 {
		t.Fatalf("checkpoint=%d want 1000", cp.LastSyncedBlock)
	}
}

func TestRunPass_HeadBehindCheckpointNeverRegresses(t *testing.T) {
	store := newStubRepo()
	seedCheckpoint(store, 1000)
	src := &stubChain{head: 700}
	rec := newReconciler(store, src)

	result, err := rec.RunPass(context.Background())
	if err != nil {
		t.Fatalf("run pass: %v", err)
	}
	if result.Checkpoint != 1000 {
		t.Fatalf("checkpoint=%d want 1000 (no regression)", result.Checkpoint)
	}
	if cp := store.checkpoints["persona_market"]; cp.LastSyncedBlock != 1000 {
		t.Fatalf("persisted checkpoint=%d want 1000", cp.LastSyncedBlock)
	}
}

func TestRunPass_TimestampLookupCachedPerBlock(t *testing.T) {
	store := newStubRepo()
	seedCheckpoint(store, 1000)
	src := &stubChain{
		head: 1500,
		logs: []chain.TradeLog{
			trade(1200, 0, "0xm", "0xa", 10, 5),
			trade(1200, 1, "0xm", "0xb", 10, 5),
			trade(1200, 2, "0xm", "0xc", 10, 5),
			trade(1300, 0, "0xm", "0xa", 10, 5),
		},
	}
	rec := newReconciler(store, src)

	if _, err := rec.RunPass(context.Background()); err != nil {
		t.Fatalf("run pass: %v", err)
	}
	if src.tsCalls[1200] != 1 {
		t.Fatalf("block 1200 fetched %d times, want 1", src.tsCalls[1200])
	}
	if src.tsCalls[1300] != 1 {
		t.Fatalf("block 1300 fetched %d times, want 1", src.tsCalls[1300])
	}
}

func TestSeedCheckpoint(t *testing.T) {
	store := newStubRepo()
	rec := newReconciler(store, &stubChain{})

	if err := rec.SeedCheckpoint(context.Background(), 12345); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if cp := store.checkpoints["persona_market"]; cp.LastSyncedBlock != 12345 {
		t.Fatalf("checkpoint=%d want 12345", cp.LastSyncedBlock)
	}

	// Seeding again must not move an existing checkpoint.
	if err := rec.SeedCheckpoint(context.Background(), 99999); err != nil {
		t.Fatalf("reseed: %v", err)
	}
	if cp := store.checkpoints["persona_market"]; cp.LastSyncedBlock != 12345 {
		t.Fatalf("checkpoint=%d want 12345 after reseed", cp.LastSyncedBlock)
	}
}
