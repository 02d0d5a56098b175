// Package relay submits fills to the chain: directly through the public
// mempool or as block-targeted bundles through private builder relays.
package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

var (
	// ErrSimulation means the bundle reverts against pending state.
	ErrSimulation = errors.New("bundle simulation failed")
	// ErrNotIncluded means the target block passed without the fill.
	ErrNotIncluded = errors.New("bundle not included in target block")
)

// ChainReader is the node surface the relays consume.
type ChainReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	Receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	PendingCallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// Bundle is an ordered set of transactions targeted at one block.
type Bundle struct {
	// UserTxs are third-party transactions the fill depends on, placed
	// in front. They may be stripped when already mined.
	UserTxs []*types.Transaction
	// Txs are the solver's own transactions, the settlement call last.
	Txs []*types.Transaction
	// Incentivized marks fills whose simulation failures are advisory:
	// the incentivization path pays the builder regardless, so a
	// pre-submission revert only logs.
	Incentivized bool
}

// All returns the bundle in submission order.
func (b *Bundle) All() []*types.Transaction {
	out := make([]*types.Transaction, 0, len(b.UserTxs)+len(b.Txs))
	out = append(out, b.UserTxs...)
	return append(out, b.Txs...)
}

// LastHash identifies the settlement transaction whose receipt decides
// inclusion.
func (b *Bundle) LastHash() common.Hash {
	if len(b.Txs) == 0 {
		return common.Hash{}
	}
	return b.Txs[len(b.Txs)-1].Hash()
}

// WithoutUserTxs copies the bundle with the third-party prefix removed.
func (b *Bundle) WithoutUserTxs() *Bundle {
	return &Bundle{Txs: b.Txs, Incentivized: b.Incentivized}
}

// Relay delivers a bundle and blocks until it is included in the target
// block or fails.
type Relay interface {
	Name() string
	Submit(ctx context.Context, b *Bundle, targetBlock uint64) error
}

// IsNonceStale recognizes simulation errors caused by an already-mined
// user transaction still sitting in the bundle.
func IsNonceStale(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nonce too low") || strings.Contains(msg, "nonce too high")
}

func isRateLimited(err error) bool {
	return err != nil && strings.Contains(err.Error(), "bundle submissions per second")
}

// waitInclusion polls for the settlement receipt until the target block
// has passed or maxWait elapses. A successful receipt wins even when the
// relay reported a stale nonce, since that just means a competing path
// landed the same transactions.
func waitInclusion(ctx context.Context, reader ChainReader, lastTx common.Hash, targetBlock uint64, maxWait time.Duration, log *zap.Logger) error {
	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()
	tick := time.NewTicker(time.Second)
	defer tick.Stop()

	checkReceipt := func() (bool, error) {
		rec, err := reader.Receipt(ctx, lastTx)
		if err != nil || rec == nil {
			return false, nil
		}
		if rec.Status != types.ReceiptStatusSuccessful {
			return true, fmt.Errorf("fill reverted in block %s: %w", rec.BlockNumber, ErrNotIncluded)
		}
		log.Info("fill included",
			zap.String("tx", lastTx.Hex()),
			zap.String("block", rec.BlockNumber.String()))
		return true, nil
	}

	if done, err := checkReceipt(); done {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			if done, err := checkReceipt(); done {
				return err
			}
			return fmt.Errorf("target block %d timed out: %w", targetBlock, ErrNotIncluded)
		case <-tick.C:
		}

		if done, err := checkReceipt(); done {
			return err
		}
		head, err := reader.BlockNumber(ctx)
		if err != nil {
			log.Warn("head poll failed", zap.Error(err))
			continue
		}
		if head > targetBlock {
			if done, err := checkReceipt(); done {
				return err
			}
			return fmt.Errorf("block %d sealed without the fill: %w", targetBlock, ErrNotIncluded)
		}
	}
}
