package relay

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/memswap/solver/internal/chain"
)

// Public sends a single fill through the open mempool. Only usable when
// nothing in front of the fill is still pending.
type Public struct {
	chain ChainReader
	log   *zap.Logger
}

func NewPublic(reader ChainReader, log *zap.Logger) *Public {
	return &Public{chain: reader, log: log.Named("relay.public")}
}

func (p *Public) Name() string { return "public" }

func (p *Public) Submit(ctx context.Context, b *Bundle, targetBlock uint64) error {
	if len(b.UserTxs) > 0 || len(b.Txs) != 1 {
		return fmt.Errorf("public relay takes exactly one transaction, got %d user + %d own",
			len(b.UserTxs), len(b.Txs))
	}
	tx := b.Txs[0]

	from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return fmt.Errorf("recover sender: %w", err)
	}
	msg := ethereum.CallMsg{
		From:      from,
		To:        tx.To(),
		Gas:       tx.Gas(),
		GasFeeCap: tx.GasFeeCap(),
		GasTipCap: tx.GasTipCap(),
		Value:     tx.Value(),
		Data:      tx.Data(),
	}
	if _, err := p.chain.PendingCallContract(ctx, msg); err != nil {
		if !b.Incentivized {
			return fmt.Errorf("%w: %s", ErrSimulation, err)
		}
		p.log.Info("ignoring simulation failure on incentivized fill", zap.Error(err))
	}

	if err := p.chain.SendTransaction(ctx, tx); err != nil {
		return fmt.Errorf("send fill: %w", err)
	}
	p.log.Info("fill sent to mempool",
		zap.String("tx", tx.Hash().Hex()),
		zap.Uint64("targetBlock", targetBlock))

	return waitInclusion(ctx, p.chain, tx.Hash(), targetBlock, chain.PessimisticBlockTime, p.log)
}
