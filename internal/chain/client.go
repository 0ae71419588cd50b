package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Client wraps an ethclient connection and exposes the three reads the
// reconciler needs: the chain head, a block range of Trade logs, and block
// timestamps. Log order is as returned by the node (by appearance).
type Client struct {
	eth     *ethclient.Client
	timeout time.Duration
}

func Dial(ctx context.Context, rpcURL string, timeout time.Duration) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial chain rpc: %w", err)
	}
	return &Client{eth: eth, timeout: timeout}, nil
}

func (c *Client) Close() {
	if c != nil && c.eth != nil {
		c.eth.Close()
	}
}

func (c *Client) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *Client) ChainHead(ctx context.Context) (uint64, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	head, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("chain head: %w", err)
	}
	return head, nil
}

// FilterTradeLogs fetches and decodes Trade events emitted by contractAddr in
// [fromBlock, toBlock], both inclusive.
func (c *Client) FilterTradeLogs(ctx context.Context, contractAddr string, fromBlock, toBlock uint64) ([]TradeLog, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{common.HexToAddress(contractAddr)},
		Topics:    [][]common.Hash{{TradeEventID}},
	}
	raw, err := c.eth.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("filter logs [%d,%d]: %w", fromBlock, toBlock, err)
	}

	out := make([]TradeLog, 0, len(raw))
	for _, lg := range raw {
		if lg.Removed {
			continue
		}
		decoded, err := DecodeTradeLog(lg)
		if err != nil {
			return nil, err
		}
		out = append(out, decoded)
	}
	return out, nil
}

func (c *Client) BlockTimestamp(ctx context.Context, blockNumber uint64) (time.Time, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	header, err := c.eth.HeaderByNumber(ctx, new(big.Int).SetUint64(blockNumber))
	if err != nil {
		return time.Time{}, fmt.Errorf("header %d: %w", blockNumber, err)
	}
	return time.Unix(int64(header.Time), 0).UTC(), nil
}
