package relay

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lmittmann/flashbots"
	"github.com/lmittmann/w3"
	"go.uber.org/zap"

	"github.com/memswap/solver/internal/chain"
)

// DefaultFlashbotsRelay is the mainnet builder endpoint.
const DefaultFlashbotsRelay = "https://relay.flashbots.net"

// Flashbots bundles through the flashbots builder relay. Bundles are
// simulated against the target block before submission; a stale-nonce
// simulation result drops the already-mined user transactions and tries
// once more.
type Flashbots struct {
	client *w3.Client
	chain  ChainReader
	log    *zap.Logger
}

func NewFlashbots(relayURL string, authKey *ecdsa.PrivateKey, reader ChainReader, log *zap.Logger) *Flashbots {
	if relayURL == "" {
		relayURL = DefaultFlashbotsRelay
	}
	return &Flashbots{
		client: flashbots.MustDial(relayURL, authKey),
		chain:  reader,
		log:    log.Named("relay.flashbots"),
	}
}

func (f *Flashbots) Name() string { return "flashbots" }

func (f *Flashbots) Close() error { return f.client.Close() }

// Prepare simulates the bundle and returns the shape that should be
// submitted, with mined user transactions stripped when the simulation
// says they are stale.
func (f *Flashbots) Prepare(ctx context.Context, b *Bundle, targetBlock uint64) (*Bundle, error) {
	err := f.simulate(ctx, b, targetBlock)
	if err == nil {
		return b, nil
	}
	if IsNonceStale(err) && len(b.UserTxs) > 0 {
		f.log.Info("user transactions already mined, stripping them from the bundle",
			zap.Int("stripped", len(b.UserTxs)))
		stripped := b.WithoutUserTxs()
		if err := f.simulate(ctx, stripped, targetBlock); err != nil {
			return nil, err
		}
		return stripped, nil
	}
	return nil, err
}

func (f *Flashbots) simulate(ctx context.Context, b *Bundle, targetBlock uint64) error {
	var resp *flashbots.CallBundleResponse
	err := f.client.CallCtx(ctx, flashbots.CallBundle(&flashbots.CallBundleRequest{
		Transactions: b.All(),
		BlockNumber:  new(big.Int).SetUint64(targetBlock),
	}).Returns(&resp))
	if err != nil {
		return fmt.Errorf("%w: %s", ErrSimulation, err)
	}
	for i, result := range resp.Results {
		if result.Error != nil {
			return fmt.Errorf("%w: tx %d: %s (%s)", ErrSimulation, i, result.Error, result.Revert)
		}
	}
	return nil
}

func (f *Flashbots) Submit(ctx context.Context, b *Bundle, targetBlock uint64) error {
	prepared, err := f.Prepare(ctx, b, targetBlock)
	if err != nil {
		if !b.Incentivized {
			return err
		}
		f.log.Info("ignoring simulation failure on incentivized fill", zap.Error(err))
		prepared = b
	}

	var bundleHash common.Hash
	err = f.client.CallCtx(ctx, flashbots.SendBundle(&flashbots.SendBundleRequest{
		Transactions: prepared.All(),
		BlockNumber:  new(big.Int).SetUint64(targetBlock),
	}).Returns(&bundleHash))
	if err != nil {
		return fmt.Errorf("send bundle: %w", err)
	}
	f.log.Info("bundle submitted",
		zap.String("bundleHash", bundleHash.Hex()),
		zap.Uint64("targetBlock", targetBlock),
		zap.Int("txs", len(prepared.All())))

	return waitInclusion(ctx, f.chain, prepared.LastHash(), targetBlock, 2*chain.PessimisticBlockTime, f.log)
}
