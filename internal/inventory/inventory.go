// Package inventory drains tokens accumulated from fills back into raw
// ether. Fills pay the solver in whatever the maker was selling, so
// without a sweep the operating balance slowly migrates into a pile of
// random ERC-20s.
package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/memswap/solver/internal/addrbook"
	"github.com/memswap/solver/internal/chain"
	"github.com/memswap/solver/internal/metrics"
	"github.com/memswap/solver/internal/queue"
	"github.com/memswap/solver/internal/quote/zeroex"
	"github.com/memswap/solver/internal/wallet"
)

const (
	// SweepConcurrency bounds parallel sweep jobs.
	SweepConcurrency = 2000
	// SweepAttempts caps retries per sweep job; the hourly pass picks up
	// whatever a job could not finish.
	SweepAttempts = 5

	tokenSetKey  = "inventory:tokens"
	lastSweepKey = "inventory:lastSweep"
)

// sweepInterval is the cron cadence; the boot catch-up defers to a marker
// younger than this.
const sweepInterval = time.Hour

// Sweeps wait for calm gas. Anything above this base fee is deferred.
var maxSweepBaseFee = new(big.Int).Mul(big.NewInt(25), big.NewInt(1_000_000_000))

// minSweepOut is the smallest position worth moving, in wei of expected
// ether out.
var minSweepOut = big.NewInt(10_000_000_000_000_000)

var errApprovalPending = errors.New("allowance approval pending")

// Node is the RPC slice sweeps need.
type Node interface {
	PendingBaseFee(ctx context.Context) (*big.Int, error)
	PaddedBaseFee(ctx context.Context) (*big.Int, error)
	SuggestPriorityFee(ctx context.Context) (*big.Int, error)
	PendingNonce(ctx context.Context, account common.Address) (uint64, error)
	TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error)
	TokenAllowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// Liquidator quotes a held token against raw ether.
type Liquidator interface {
	LiquidationQuote(ctx context.Context, token common.Address, amount *big.Int) (*zeroex.Liquidation, error)
}

// Manager registers tokens received from fills and liquidates them, both
// immediately after a fill and on an hourly pass over everything seen so
// far. The registry lives in redis so restarts keep sweeping old fills.
type Manager struct {
	book *addrbook.Book
	node Node
	w    *wallet.Wallet
	agg  Liquidator
	q    *queue.Queue
	rdb  *redis.Client
	met  *metrics.Set
	log  *zap.Logger
}

func New(book *addrbook.Book, node Node, w *wallet.Wallet, agg Liquidator, q *queue.Queue, rdb *redis.Client, met *metrics.Set, log *zap.Logger) *Manager {
	return &Manager{
		book: book,
		node: node,
		w:    w,
		agg:  agg,
		q:    q,
		rdb:  rdb,
		met:  met,
		log:  log.Named("inventory"),
	}
}

// EnqueueToken registers a token and schedules an immediate sweep. Native
// placeholders are not inventory and are dropped.
func (m *Manager) EnqueueToken(ctx context.Context, token common.Address) error {
	if token == addrbook.Zero || token == addrbook.NativeToken {
		return nil
	}
	if err := m.rdb.SAdd(ctx, tokenSetKey, strings.ToLower(token.Hex())).Err(); err != nil {
		return err
	}
	return m.enqueue(ctx, token)
}

// Sweep schedules one job per registered token.
func (m *Manager) Sweep(ctx context.Context) error {
	members, err := m.rdb.SMembers(ctx, tokenSetKey).Result()
	if err != nil {
		return err
	}
	for _, member := range members {
		if !common.IsHexAddress(member) {
			continue
		}
		if err := m.enqueue(ctx, common.HexToAddress(member)); err != nil {
			m.log.Warn("inventory enqueue failed", zap.String("token", member), zap.Error(err))
		}
	}
	if err := m.rdb.Set(ctx, lastSweepKey, time.Now().Unix(), 0).Err(); err != nil {
		m.log.Warn("sweep marker write failed", zap.Error(err))
	}
	return nil
}

// catchUpDue reports whether the boot pass should sweep: the marker is
// missing, unreadable, or older than the cron cadence.
func (m *Manager) catchUpDue(ctx context.Context) bool {
	last, err := m.rdb.Get(ctx, lastSweepKey).Int64()
	if errors.Is(err, redis.Nil) {
		return true
	}
	if err != nil {
		m.log.Warn("sweep marker read failed", zap.Error(err))
		return true
	}
	return time.Since(time.Unix(last, 0)) >= sweepInterval
}

func (m *Manager) enqueue(ctx context.Context, token common.Address) error {
	payload, err := json.Marshal(token)
	if err != nil {
		return err
	}
	_, err = m.q.Enqueue(ctx, strings.ToLower(token.Hex()), payload, queue.Options{MaxAttempts: SweepAttempts})
	return err
}

// Run drives the hourly pass and the sweep workers until ctx ends.
func (m *Manager) Run(ctx context.Context) {
	schedule := cron.New()
	if _, err := schedule.AddFunc("@hourly", func() {
		if err := m.Sweep(ctx); err != nil {
			m.log.Warn("inventory sweep failed", zap.Error(err))
		}
	}); err != nil {
		m.log.Error("inventory schedule rejected", zap.Error(err))
	}
	schedule.Start()
	defer schedule.Stop()

	// Catch up on anything accumulated while the process was down, unless
	// the previous run already swept within the hour.
	if m.catchUpDue(ctx) {
		if err := m.Sweep(ctx); err != nil {
			m.log.Warn("inventory sweep failed", zap.Error(err))
		}
	}

	queue.NewWorker(m.q, SweepConcurrency, chain.BlockTime, m.Handle).Run(ctx)
}

// Handle liquidates one token. Skips are quiet successes; the next hourly
// pass retries under better conditions.
func (m *Manager) Handle(ctx context.Context, job *queue.Job) error {
	var token common.Address
	if err := json.Unmarshal(job.Payload, &token); err != nil {
		m.log.Warn("inventory job payload malformed", zap.Error(err))
		return nil
	}
	log := m.log.With(zap.String("token", token.Hex()))

	balance, err := m.node.TokenBalance(ctx, token, m.w.Address())
	if err != nil {
		return err
	}
	if balance.Sign() == 0 {
		return nil
	}
	baseFee, err := m.node.PendingBaseFee(ctx)
	if err != nil {
		return err
	}
	if baseFee.Cmp(maxSweepBaseFee) > 0 {
		log.Info("inventory sweep deferred", zap.String("baseFee", baseFee.String()))
		return nil
	}

	if token == m.book.MemswapWETH {
		return m.unwrap(ctx, log, token, balance)
	}
	return m.swap(ctx, log, token, balance)
}

func (m *Manager) unwrap(ctx context.Context, log *zap.Logger, token common.Address, balance *big.Int) error {
	if balance.Cmp(minSweepOut) < 0 {
		return nil
	}
	data := chain.WithdrawCalldata(balance)
	gas, err := m.node.EstimateGas(ctx, ethereum.CallMsg{From: m.w.Address(), To: &token, Data: data})
	if err != nil {
		return err
	}
	nonce, err := m.node.PendingNonce(ctx, m.w.Address())
	if err != nil {
		return err
	}
	tx, err := m.send(ctx, nonce, token, new(big.Int), gas, data)
	if err != nil {
		return err
	}
	log.Info("inventory unwrapped",
		zap.String("amount", balance.String()),
		zap.String("tx", tx.Hash().Hex()))
	m.countSweep()
	return nil
}

func (m *Manager) swap(ctx context.Context, log *zap.Logger, token common.Address, balance *big.Int) error {
	liq, err := m.agg.LiquidationQuote(ctx, token, balance)
	if err != nil {
		return err
	}
	if liq.EtherOut.Cmp(minSweepOut) < 0 {
		return nil
	}
	nonce, err := m.node.PendingNonce(ctx, m.w.Address())
	if err != nil {
		return err
	}

	allowance, err := m.node.TokenAllowance(ctx, token, m.w.Address(), liq.AllowanceTarget)
	if err != nil {
		return err
	}
	approved := allowance.Cmp(balance) >= 0
	if !approved {
		data := chain.ApproveCalldata(liq.AllowanceTarget, chain.MaxUint256)
		gas, err := m.node.EstimateGas(ctx, ethereum.CallMsg{From: m.w.Address(), To: &token, Data: data})
		if err != nil {
			return err
		}
		if _, err := m.send(ctx, nonce, token, new(big.Int), gas, data); err != nil {
			return err
		}
		nonce++
	}

	gas := liq.GasEstimate
	if gas != 0 {
		gas += gas / 5
	} else if approved {
		gas, err = m.node.EstimateGas(ctx, ethereum.CallMsg{From: m.w.Address(), To: &liq.To, Value: liq.Value, Data: liq.Data})
		if err != nil {
			return err
		}
	} else {
		// Estimating against current state reverts until the approval
		// mines; retry picks the job back up with the allowance in place.
		return queue.RetryAfter(chain.BlockTime, errApprovalPending)
	}

	tx, err := m.send(ctx, nonce, liq.To, liq.Value, gas, liq.Data)
	if err != nil {
		return err
	}
	log.Info("inventory swapped",
		zap.String("amount", balance.String()),
		zap.String("etherOut", liq.EtherOut.String()),
		zap.String("tx", tx.Hash().Hex()))
	m.countSweep()
	return nil
}

func (m *Manager) send(ctx context.Context, nonce uint64, to common.Address, value *big.Int, gas uint64, data []byte) (*types.Transaction, error) {
	baseFee, err := m.node.PaddedBaseFee(ctx)
	if err != nil {
		return nil, err
	}
	priority, err := m.node.SuggestPriorityFee(ctx)
	if err != nil {
		return nil, err
	}
	feeCap := new(big.Int).Add(baseFee, priority)
	signed, err := m.w.SignTx(m.w.NewTx(nonce, &to, value, gas, priority, feeCap, data))
	if err != nil {
		return nil, err
	}
	if err := m.node.SendTransaction(ctx, signed); err != nil {
		return nil, err
	}
	return signed, nil
}

func (m *Manager) countSweep() {
	if m.met != nil {
		m.met.InventorySweeps.Inc()
	}
}
