// Package chain wraps the Ethereum node connection: one HTTP client for
// state reads and submission, one optional websocket client for the
// pending-transaction feed.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/ethclient/gethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
)

// Mainnet block cadence. The pessimistic value is what inclusion waits
// use, so a bundle is never abandoned while its target block can still
// appear.
const (
	BlockTime            = 12 * time.Second
	PessimisticBlockTime = 13 * time.Second
)

// baseFeeSafetyBps pads the pending base fee before it prices a fill, so
// a one-block fee spike does not invalidate the transaction.
const baseFeeSafetyBps = 13_000 // 1.3x

type Client struct {
	eth     *ethclient.Client
	ws      *gethclient.Client
	rpcHTTP *rpc.Client
	rpcWS   *rpc.Client
	chainID *big.Int
	log     *zap.Logger
}

// Dial connects to the node. wsURL may be empty, which disables
// SubscribePendingTxHashes.
func Dial(ctx context.Context, httpURL, wsURL string, log *zap.Logger) (*Client, error) {
	rpcHTTP, err := rpc.DialContext(ctx, httpURL)
	if err != nil {
		return nil, fmt.Errorf("dial node: %w", err)
	}
	eth := ethclient.NewClient(rpcHTTP)
	chainID, err := eth.ChainID(ctx)
	if err != nil {
		rpcHTTP.Close()
		return nil, fmt.Errorf("read chain id: %w", err)
	}

	c := &Client{
		eth:     eth,
		rpcHTTP: rpcHTTP,
		chainID: chainID,
		log:     log,
	}
	if wsURL != "" {
		rpcWS, err := rpc.DialContext(ctx, wsURL)
		if err != nil {
			rpcHTTP.Close()
			return nil, fmt.Errorf("dial node websocket: %w", err)
		}
		c.rpcWS = rpcWS
		c.ws = gethclient.New(rpcWS)
	}
	log.Info("node connected",
		zap.String("url", httpURL),
		zap.Int64("chainId", chainID.Int64()),
		zap.Bool("websocket", wsURL != ""))
	return c, nil
}

func (c *Client) Close() {
	c.rpcHTTP.Close()
	if c.rpcWS != nil {
		c.rpcWS.Close()
	}
}

func (c *Client) ChainID() *big.Int { return c.chainID }

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return c.eth.BlockNumber(ctx)
}

func (c *Client) LatestHeader(ctx context.Context) (*types.Header, error) {
	return c.eth.HeaderByNumber(ctx, nil)
}

func (c *Client) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return c.eth.HeaderByNumber(ctx, number)
}

// PendingBaseFee returns the base fee of the block being built, falling
// back to the latest header when the node does not expose a pending one.
func (c *Client) PendingBaseFee(ctx context.Context) (*big.Int, error) {
	header, err := c.eth.HeaderByNumber(ctx, big.NewInt(rpc.PendingBlockNumber.Int64()))
	if err != nil || header == nil || header.BaseFee == nil {
		header, err = c.LatestHeader(ctx)
		if err != nil {
			return nil, fmt.Errorf("read base fee: %w", err)
		}
	}
	if header.BaseFee == nil {
		return nil, fmt.Errorf("chain %d has no base fee", c.chainID)
	}
	return new(big.Int).Set(header.BaseFee), nil
}

// PaddedBaseFee is PendingBaseFee with the 1.3x safety margin applied.
func (c *Client) PaddedBaseFee(ctx context.Context) (*big.Int, error) {
	fee, err := c.PendingBaseFee(ctx)
	if err != nil {
		return nil, err
	}
	fee.Mul(fee, big.NewInt(baseFeeSafetyBps))
	return fee.Div(fee, big.NewInt(10_000)), nil
}

func (c *Client) SuggestPriorityFee(ctx context.Context) (*big.Int, error) {
	return c.eth.SuggestGasTipCap(ctx)
}

func (c *Client) PendingNonce(ctx context.Context, account common.Address) (uint64, error) {
	return c.eth.PendingNonceAt(ctx, account)
}

func (c *Client) Balance(ctx context.Context, account common.Address) (*big.Int, error) {
	return c.eth.BalanceAt(ctx, account, nil)
}

func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return c.eth.SendTransaction(ctx, tx)
}

func (c *Client) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	return c.eth.TransactionByHash(ctx, hash)
}

func (c *Client) Receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return c.eth.TransactionReceipt(ctx, hash)
}

func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return c.eth.CallContract(ctx, msg, blockNumber)
}

func (c *Client) PendingCallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	return c.eth.PendingCallContract(ctx, msg)
}

func (c *Client) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return c.eth.EstimateGas(ctx, msg)
}

// SubscribePendingTxHashes streams mempool transaction hashes into ch.
// Requires the websocket connection.
func (c *Client) SubscribePendingTxHashes(ctx context.Context, ch chan<- common.Hash) (ethereum.Subscription, error) {
	if c.ws == nil {
		return nil, fmt.Errorf("pending-transaction feed needs a websocket url")
	}
	sub, err := c.ws.SubscribePendingTransactions(ctx, ch)
	if err != nil {
		return nil, fmt.Errorf("subscribe pending transactions: %w", err)
	}
	return sub, nil
}
