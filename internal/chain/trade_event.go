package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
)

const tradeEventABI = `[{
	"anonymous": false,
	"inputs": [
		{"indexed": true,  "internalType": "address", "name": "trader", "type": "address"},
		{"indexed": true,  "internalType": "address", "name": "market", "type": "address"},
		{"indexed": false, "internalType": "bool",    "name": "isBuy", "type": "bool"},
		{"indexed": false, "internalType": "uint256", "name": "amount", "type": "uint256"},
		{"indexed": false, "internalType": "uint256", "name": "price", "type": "uint256"},
		{"indexed": false, "internalType": "uint256", "name": "protocolFee", "type": "uint256"},
		{"indexed": false, "internalType": "uint256", "name": "creatorFee", "type": "uint256"},
		{"indexed": false, "internalType": "uint256", "name": "holdingReward", "type": "uint256"},
		{"indexed": false, "internalType": "uint256", "name": "supplyAfter", "type": "uint256"},
		{"indexed": false, "internalType": "uint256", "name": "traderBalanceAfter", "type": "uint256"}
	],
	"name": "Trade",
	"type": "event"
}]`

var marketABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(tradeEventABI))
	if err != nil {
		panic(err)
	}
	return parsed
}()

// TradeEventID is topic[0] of the Trade event.
var TradeEventID = marketABI.Events["Trade"].ID

// TradeLog is one decoded Trade event. Addresses and hashes are lowercased hex.
// TraderBalanceAfter is nil when the emitting contract's event schema predates
// the field; everything downstream must treat it as optional.
type TradeLog struct {
	BlockNumber        uint64
	TxHash             string
	LogIndex           uint
	Market             string
	Trader             string
	IsBuy              bool
	Amount             decimal.Decimal
	Price              decimal.Decimal
	ProtocolFee        decimal.Decimal
	CreatorFee         decimal.Decimal
	HoldingReward      decimal.Decimal
	SupplyAfter        decimal.Decimal
	TraderBalanceAfter *decimal.Decimal
}

// DecodeTradeLog decodes a raw log into a TradeLog. The caller is expected to
// have filtered by TradeEventID already; a mismatched topic is an error.
func DecodeTradeLog(lg types.Log) (TradeLog, error) {
	if len(lg.Topics) != 3 {
		return TradeLog{}, fmt.Errorf("trade log %s/%d: want 3 topics, got %d", lg.TxHash.Hex(), lg.Index, len(lg.Topics))
	}
	if lg.Topics[0] != TradeEventID {
		return TradeLog{}, fmt.Errorf("trade log %s/%d: unexpected topic0 %s", lg.TxHash.Hex(), lg.Index, lg.Topics[0].Hex())
	}

	vals, err := marketABI.Unpack("Trade", lg.Data)
	if err != nil {
		return TradeLog{}, fmt.Errorf("unpack trade log %s/%d: %w", lg.TxHash.Hex(), lg.Index, err)
	}
	if len(vals) != 8 {
		return TradeLog{}, fmt.Errorf("trade log %s/%d: want 8 data fields, got %d", lg.TxHash.Hex(), lg.Index, len(vals))
	}

	isBuy, ok := vals[0].(bool)
	if !ok {
		return TradeLog{}, fmt.Errorf("trade log %s/%d: isBuy is not bool", lg.TxHash.Hex(), lg.Index)
	}

	nums := make([]decimal.Decimal, 0, 7)
	for i := 1; i < 8; i++ {
		n, err := bigIntField(vals, i)
		if err != nil {
			return TradeLog{}, fmt.Errorf("trade log %s/%d: %w", lg.TxHash.Hex(), lg.Index, err)
		}
		nums = append(nums, n)
	}

	balanceAfter := nums[6]
	return TradeLog{
		BlockNumber:        lg.BlockNumber,
		TxHash:             strings.ToLower(lg.TxHash.Hex()),
		LogIndex:           lg.Index,
		Trader:             strings.ToLower(common.BytesToAddress(lg.Topics[1].Bytes()).Hex()),
		Market:             strings.ToLower(common.BytesToAddress(lg.Topics[2].Bytes()).Hex()),
		IsBuy:              isBuy,
		Amount:             nums[0],
		Price:              nums[1],
		ProtocolFee:        nums[2],
		CreatorFee:         nums[3],
		HoldingReward:      nums[4],
		SupplyAfter:        nums[5],
		TraderBalanceAfter: &balanceAfter,
	}, nil
}

func bigIntField(vals []interface{}, idx int) (decimal.Decimal, error) {
	n, ok := vals[idx].(*big.Int)
	if !ok || n == nil {
		return decimal.Zero, fmt.Errorf("data field %d is not uint256", idx)
	}
	return decimal.NewFromBigInt(n, 0), nil
}
