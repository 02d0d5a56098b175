// Package solver runs the solve state machine: precondition checks, price
// window derivation, quoting, profit accounting, the builder-tip auction,
// bundle assembly and dispatch through the public or private relay, with
// the matchmaker round-trip layered on top for restricted intents.
package solver

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/memswap/solver/internal/addrbook"
	"github.com/memswap/solver/internal/chain"
	"github.com/memswap/solver/internal/intent"
	"github.com/memswap/solver/internal/matchmaker"
	"github.com/memswap/solver/internal/metrics"
	"github.com/memswap/solver/internal/queue"
	"github.com/memswap/solver/internal/quote"
	"github.com/memswap/solver/internal/relay"
	"github.com/memswap/solver/internal/settlement"
	"github.com/memswap/solver/internal/wallet"
)

const (
	// minTipIncrement is the granularity of the builder-tip auction, in wei.
	minTipIncrement = 10_000_000 // 0.01 gwei
	// matchmakerFeeSafetyBps pads the matchmaker's token-denominated gas
	// reimbursement against rate drift between quote and inclusion.
	matchmakerFeeSafetyBps = 10_300
)

// Profit split of the tip auction, in percent.
const (
	builderSharePct = 40
	makerSharePct   = 50
)

var (
	errAwaitingAuthorization = errors.New("awaiting matchmaker authorization")
	errAuthorizationExpired  = errors.New("authorization block deadline passed")
)

// Node is the JSON-RPC surface the engine reads. *chain.Client satisfies it.
type Node interface {
	LatestHeader(ctx context.Context) (*types.Header, error)
	PaddedBaseFee(ctx context.Context) (*big.Int, error)
	SuggestPriorityFee(ctx context.Context) (*big.Int, error)
	PendingNonce(ctx context.Context, account common.Address) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	Receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// SolutionPoster submits candidate fills to the matchmaker.
type SolutionPoster interface {
	SubmitSolution(ctx context.Context, p intent.Protocol, s *matchmaker.Solution) error
}

// SolutionStore keeps posted jobs addressable by solution uuid until the
// matchmaker answers.
type SolutionStore interface {
	Put(ctx context.Context, uuid string, payload []byte) error
}

// InventorySink receives tokens a fill leaves on the solver's balance.
type InventorySink interface {
	EnqueueToken(ctx context.Context, token common.Address) error
}

// StatusBoard records fill progress for intents with a public status
// surface. *status.Board satisfies it.
type StatusBoard interface {
	MarkPending(ctx context.Context, intentHash common.Hash) error
	MarkSuccess(ctx context.Context, intentHash, txHash common.Hash) error
	MarkFailure(ctx context.Context, intentHash common.Hash, reason string) error
}

// Deps wires one engine instance. Private is required; Public, Status,
// Inventory and Metrics may be nil and disable their feature.
type Deps struct {
	Book       *addrbook.Book
	Codec      *intent.Codec
	Node       Node
	Wallet     *wallet.Wallet
	Capability Capability
	Private    relay.Relay
	Public     relay.Relay
	Matchmaker SolutionPoster
	Solutions  SolutionStore
	Inventory  InventorySink
	Status     StatusBoard
	Metrics    *metrics.Set

	// MatchmakerAddr is the signer identity whose authorizations this
	// solver acts on. Intents restricted to it go through the
	// solution-post round-trip.
	MatchmakerAddr common.Address
	// BaseURL is advertised to the matchmaker for authorization callbacks.
	BaseURL string
	// RelayDirectlyWhenPossible sends fills without user transactions or
	// pre-transactions through the public mempool instead of a bundle.
	RelayDirectlyWhenPossible bool

	Log *zap.Logger
}

// Engine drains one solve queue for one settlement module.
type Engine struct {
	book    *addrbook.Book
	codec   *intent.Codec
	node    Node
	wallet  *wallet.Wallet
	cap     Capability
	private relay.Relay
	public  relay.Relay
	mm      SolutionPoster
	store   SolutionStore
	inv     InventorySink
	board   StatusBoard
	met     *metrics.Set

	mmAddr      common.Address
	baseURL     string
	relayDirect bool

	log *zap.Logger
}

func NewEngine(d Deps) *Engine {
	return &Engine{
		book:        d.Book,
		codec:       d.Codec,
		node:        d.Node,
		wallet:      d.Wallet,
		cap:         d.Capability,
		private:     d.Private,
		public:      d.Public,
		mm:          d.Matchmaker,
		store:       d.Solutions,
		inv:         d.Inventory,
		board:       d.Status,
		met:         d.Metrics,
		mmAddr:      d.MatchmakerAddr,
		baseURL:     d.BaseURL,
		relayDirect: d.RelayDirectlyWhenPossible,
		log:         d.Log.Named("solver." + d.Capability.Protocol().String()),
	}
}

// Handle runs one solve attempt. Terminal business outcomes (precondition
// failures, unprofitable fills) return nil so the queue drops the job;
// infrastructure failures return an error and consume an attempt. Each
// retry re-derives the price window from the then-current block.
func (e *Engine) Handle(ctx context.Context, qjob *queue.Job) error {
	job, err := DecodeJob(qjob.Payload)
	if err != nil {
		e.log.Error("dropping undecodable job", zap.String("job", qjob.ID), zap.Error(err))
		return nil
	}
	p := e.cap.Protocol()
	i := job.Intent

	intentHash, err := e.codec.IntentHash(p, i)
	if err != nil {
		e.log.Error("dropping unhashable intent", zap.String("job", qjob.ID), zap.Error(err))
		return nil
	}
	log := e.log.With(zap.String("intent", intentHash.Hex()), zap.Int("attempt", qjob.Attempt))
	e.countAttempt(p)
	e.markPending(ctx, intentHash)

	if err := e.cap.Validate(i); err != nil {
		return e.stop(ctx, log, intentHash, "precondition", "intent not fillable", err.Error())
	}
	if !i.IsOpen() && i.Solver != e.wallet.Address() && i.Solver != e.mmAddr {
		return e.stop(ctx, log, intentHash, "precondition", "intent restricted to another solver", i.Solver.Hex())
	}

	header, err := e.node.LatestHeader(ctx)
	if err != nil {
		return fmt.Errorf("fetch latest header: %w", err)
	}
	targetBlock := header.Number.Uint64() + 1

	st, err := e.intentStatus(ctx, p, intentHash)
	if err != nil {
		return err
	}
	if st.IsCancelled {
		return e.stop(ctx, log, intentHash, "precondition", "intent cancelled", "")
	}
	remaining := st.Remaining(i.Amount)
	if remaining.Sign() == 0 {
		return e.stop(ctx, log, intentHash, "precondition", "intent already filled", "")
	}

	// The fill lands next block at the earliest, so price against a
	// pessimistic timestamp one block ahead.
	now := header.Time + uint64(chain.PessimisticBlockTime.Seconds())
	if !i.Started(now) {
		return e.stop(ctx, log, intentHash, "precondition", "intent not started", "")
	}
	if i.Expired(now) {
		return e.stop(ctx, log, intentHash, "precondition", "intent expired", "")
	}

	fill := remaining
	if a := job.Authorization; a != nil && a.FillAmountToCheck != nil && a.FillAmountToCheck.Sign() > 0 && a.FillAmountToCheck.Cmp(fill) < 0 {
		fill = new(big.Int).Set(a.FillAmountToCheck)
	}
	bound := i.EffectiveLimit(now, fill)
	if a := job.Authorization; a != nil && a.ExecuteAmountToCheck != nil && a.ExecuteAmountToCheck.Sign() > 0 {
		if i.IsBuy && a.ExecuteAmountToCheck.Cmp(bound) < 0 {
			bound = new(big.Int).Set(a.ExecuteAmountToCheck)
		} else if !i.IsBuy && a.ExecuteAmountToCheck.Cmp(bound) > 0 {
			bound = new(big.Int).Set(a.ExecuteAmountToCheck)
		}
	}

	plan, err := e.cap.BuildPlan(ctx, i, fill)
	if errors.Is(err, quote.ErrUnsupported) {
		return e.stop(ctx, log, intentHash, "precondition", "no route for intent", err.Error())
	}
	if err != nil {
		return fmt.Errorf("build plan: %w", err)
	}
	if plan.FillAmount != nil && plan.FillAmount.Cmp(fill) < 0 {
		if !i.IsPartiallyFillable {
			return e.stop(ctx, log, intentHash, "precondition", "route cannot fill full amount", "")
		}
		fill = plan.FillAmount
		bound = i.EffectiveLimit(now, fill)
	}
	if outOfBound(i.IsBuy, plan.ExecuteAmount, bound) {
		log.Error("solution not good enough",
			zap.String("bound", bound.String()),
			zap.String("quoted", plan.ExecuteAmount.String()))
		return e.stop(ctx, log, intentHash, "unprofitable", "", "quote outside the price window")
	}

	baseFee, err := e.node.PaddedBaseFee(ctx)
	if err != nil {
		return fmt.Errorf("estimate base fee: %w", err)
	}
	priority, err := e.node.SuggestPriorityFee(ctx)
	if err != nil {
		return fmt.Errorf("suggest priority fee: %w", err)
	}
	if i.IsIncentivized && priority.Cmp(settlement.MinIncentivizedPriorityFee) < 0 {
		priority = new(big.Int).Set(settlement.MinIncentivizedPriorityFee)
	}
	gasPrice := new(big.Int).Add(baseFee, priority)

	// Profit accounting, all in wei. The execute amount starts at the
	// maker's bound and every adjustment below moves it in the maker's
	// favor.
	execute := new(big.Int).Set(bound)
	calls := append([]settlement.Call(nil), plan.Calls...)
	gross := plan.GrossProfit(i.IsBuy, bound)
	solverGasFee := new(big.Int).Mul(gasPrice, big.NewInt(int64(settlement.SolveGas)+int64(plan.SwapGas())))
	net := new(big.Int).Sub(gross, solverGasFee)

	viaMatchmaker := e.mmAddr != addrbook.Zero && i.Solver == e.mmAddr
	if viaMatchmaker {
		mmFee := new(big.Int).Mul(gasPrice, big.NewInt(settlement.AuthorizeGas))
		net.Sub(net, mmFee)
		feeTokens := plan.TokensForWei(mmFee)
		feeTokens.Mul(feeTokens, big.NewInt(matchmakerFeeSafetyBps))
		feeTokens.Div(feeTokens, big.NewInt(intent.BpsDenominator))
		calls = append(calls, e.matchmakerFeeCall(i, feeTokens))
		adjustExecute(execute, i.IsBuy, feeTokens)
	}

	var tip *big.Int
	if i.IsIncentivized {
		tip = settlement.IncentivizationTip(i.IsBuy, execute, i.ExpectedAmountFor(fill), i.ExpectedAmountBps)
		net.Sub(net, tip)
	}

	if e.book.ChainID == 1 && net.Sign() <= 0 {
		log.Error("fill below profit floor",
			zap.String("gross", gross.String()),
			zap.String("gasFee", solverGasFee.String()),
			zap.String("net", net.String()))
		return e.stop(ctx, log, intentHash, "unprofitable", "", "net profit below floor")
	}

	if !i.IsIncentivized && net.Sign() > 0 {
		priority, execute = e.tipAuction(log, plan, i.IsBuy, net, priority, execute)
	}

	userTxs, dropReason, err := e.resolveApproval(ctx, job)
	if err != nil {
		return err
	}
	if dropReason != "" {
		return e.stop(ctx, log, intentHash, "precondition", "approval unusable", dropReason)
	}

	variant := settlement.Solve
	var auth *intent.Authorization
	if viaMatchmaker {
		variant = settlement.SolveOnChainAuth
		if job.Authorization != nil {
			variant = settlement.SolveSignatureAuth
			auth = job.Authorization
		}
	}
	solution := &settlement.Solution{ExecuteAmount: execute, Calls: calls, FillAmount: fill}
	data, err := settlement.SolveCalldata(p, variant, i, solution, auth)
	if err != nil {
		return fmt.Errorf("encode %s: %w", variant, err)
	}

	bundle, err := e.buildBundle(ctx, plan, userTxs, data, tip, priority, baseFee, i.IsIncentivized)
	if err != nil {
		return err
	}

	if viaMatchmaker && job.Authorization == nil {
		return e.postSolution(ctx, log, p, job, bundle)
	}
	if viaMatchmaker && targetBlock > uint64(job.Authorization.BlockDeadline) {
		job.Authorization = nil
		if payload, perr := job.Encode(); perr == nil {
			qjob.Payload = payload
		}
		log.Warn("authorization expired before dispatch",
			zap.Uint64("targetBlock", targetBlock),
			zap.Uint32("deadline", auth.BlockDeadline))
		e.countOutcome(p, "auth_expired")
		return errAuthorizationExpired
	}

	if err := e.dispatch(ctx, log, bundle, targetBlock); err != nil {
		e.countOutcome(p, relayOutcome(err))
		return err
	}

	e.countOutcome(p, "filled")
	log.Info("intent filled",
		zap.String("tx", bundle.LastHash().Hex()),
		zap.Uint64("targetBlock", targetBlock),
		zap.String("executeAmount", execute.String()),
		zap.String("fillAmount", fill.String()))
	if e.board != nil {
		if err := e.board.MarkSuccess(ctx, intentHash, bundle.LastHash()); err != nil {
			log.Warn("status update failed", zap.Error(err))
		}
	}
	if token, ok := e.cap.PostFillToken(i); ok && e.inv != nil {
		if err := e.inv.EnqueueToken(ctx, token); err != nil {
			log.Warn("inventory enqueue failed", zap.String("token", token.Hex()), zap.Error(err))
		}
	}
	return nil
}

func (e *Engine) intentStatus(ctx context.Context, p intent.Protocol, intentHash common.Hash) (*settlement.Status, error) {
	to := e.codec.SettlementAddress(p)
	ret, err := e.node.CallContract(ctx, ethereum.CallMsg{
		To:   &to,
		Data: settlement.IntentStatusCalldata(p, intentHash),
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("read intent status: %w", err)
	}
	st, err := settlement.DecodeIntentStatus(p, ret)
	if err != nil {
		return nil, fmt.Errorf("decode intent status: %w", err)
	}
	return st, nil
}

// matchmakerFeeCall reimburses the matchmaker's authorize() gas out of the
// token the solution executor holds, or native currency when the fill
// pays out unwrapped.
func (e *Engine) matchmakerFeeCall(i *intent.Intent, feeTokens *big.Int) settlement.Call {
	if token, ok := heldToken(i); ok {
		return settlement.Call{To: token, Data: chain.TransferCalldata(e.mmAddr, feeTokens), Value: new(big.Int)}
	}
	return settlement.Call{To: e.mmAddr, Data: nil, Value: feeTokens}
}

// tipAuction splits the net profit 40/50/10 between the block builder, the
// maker and the solver. The builder share raises the priority fee in
// 0.01 gwei steps sized against the swap gas; the maker share widens the
// execute amount.
func (e *Engine) tipAuction(log *zap.Logger, plan *quote.Plan, isBuy bool, net, priority, execute *big.Int) (*big.Int, *big.Int) {
	builderShare := new(big.Int).Mul(net, big.NewInt(builderSharePct))
	builderShare.Div(builderShare, big.NewInt(100))
	step := new(big.Int).Mul(big.NewInt(minTipIncrement), new(big.Int).SetUint64(plan.SwapGas()))
	units := new(big.Int).Div(builderShare, step)
	bump := units.Mul(units, big.NewInt(minTipIncrement))
	priority = new(big.Int).Add(priority, bump)

	makerShare := new(big.Int).Mul(net, big.NewInt(makerSharePct))
	makerShare.Div(makerShare, big.NewInt(100))
	giveBack := plan.TokensForWei(makerShare)
	adjustExecute(execute, isBuy, giveBack)

	log.Info("tip auction applied",
		zap.String("net", net.String()),
		zap.String("priorityBump", bump.String()),
		zap.String("makerGiveBack", giveBack.String()))
	return priority, execute
}

// resolveApproval turns the job's approval reference into the user
// transactions the bundle must carry. Already-mined approvals resolve to
// none; approvals the node cannot produce make the fill impossible and
// return a drop reason.
func (e *Engine) resolveApproval(ctx context.Context, job *Job) ([]*types.Transaction, string, error) {
	switch {
	case len(job.ApprovalTxRaw) > 0:
		tx, err := wallet.DecodeRawTx(job.ApprovalTxRaw)
		if err != nil {
			return nil, fmt.Sprintf("undecodable raw approval: %v", err), nil
		}
		_, rerr := e.node.Receipt(ctx, tx.Hash())
		if rerr == nil {
			return nil, "", nil // mined
		}
		if !errors.Is(rerr, ethereum.NotFound) {
			return nil, "", fmt.Errorf("check approval receipt: %w", rerr)
		}
		return []*types.Transaction{tx}, "", nil

	case job.ApprovalTxHash != nil:
		tx, pending, err := e.node.TransactionByHash(ctx, *job.ApprovalTxHash)
		if errors.Is(err, ethereum.NotFound) {
			return nil, "approval transaction unknown to the node", nil
		}
		if err != nil {
			return nil, "", fmt.Errorf("fetch approval %s: %w", job.ApprovalTxHash.Hex(), err)
		}
		if !pending {
			return nil, "", nil // mined
		}
		return []*types.Transaction{tx}, "", nil
	}
	return nil, "", nil
}

// buildBundle signs the pre-transactions and the settlement call with
// consecutive nonces.
func (e *Engine) buildBundle(ctx context.Context, plan *quote.Plan, userTxs []*types.Transaction, fillerData []byte, tip, priority, baseFee *big.Int, incentivized bool) (*relay.Bundle, error) {
	nonce, err := e.node.PendingNonce(ctx, e.wallet.Address())
	if err != nil {
		return nil, fmt.Errorf("fetch solver nonce: %w", err)
	}
	feeCap := new(big.Int).Add(baseFee, priority)

	txs := make([]*types.Transaction, 0, len(plan.PreTxs)+1)
	for _, pre := range plan.PreTxs {
		to := pre.To
		signed, err := e.wallet.SignTx(e.wallet.NewTx(nonce, &to, pre.Value, pre.Gas, priority, feeCap, pre.Data))
		if err != nil {
			return nil, err
		}
		txs = append(txs, signed)
		nonce++
	}

	to := e.codec.SettlementAddress(e.cap.Protocol())
	gas := uint64(settlement.SolveGas) + plan.SwapGas()
	signed, err := e.wallet.SignTx(e.wallet.NewTx(nonce, &to, tip, gas, priority, feeCap, fillerData))
	if err != nil {
		return nil, err
	}
	txs = append(txs, signed)

	return &relay.Bundle{UserTxs: userTxs, Txs: txs, Incentivized: incentivized}, nil
}

// postSolution hands the signed bundle to the matchmaker and parks the job
// until the authorization callback or the retry timer, whichever first.
func (e *Engine) postSolution(ctx context.Context, log *zap.Logger, p intent.Protocol, job *Job, bundle *relay.Bundle) error {
	payload, err := job.Encode()
	if err != nil {
		return fmt.Errorf("encode job for solution cache: %w", err)
	}
	id := uuid.NewString()
	if err := e.store.Put(ctx, id, payload); err != nil {
		return fmt.Errorf("cache solution: %w", err)
	}

	all := bundle.All()
	txs := make([]hexutil.Bytes, 0, len(all))
	for _, tx := range all {
		raw, err := wallet.RawTx(tx)
		if err != nil {
			return err
		}
		txs = append(txs, raw)
	}
	sol := &matchmaker.Solution{UUID: id, BaseURL: e.baseURL, Intent: job.Intent, Txs: txs}
	if err := e.mm.SubmitSolution(ctx, p, sol); err != nil {
		return fmt.Errorf("post solution: %w", err)
	}
	if e.met != nil {
		e.met.MatchmakerPosts.Inc()
	}
	e.countOutcome(p, "awaiting_matchmaker")
	log.Info("solution posted to matchmaker", zap.String("uuid", id), zap.Int("txs", len(txs)))

	// Cover matchmaker silence: re-run once the solution cache expires.
	return queue.RetryAfter(4*chain.BlockTime, errAwaitingAuthorization)
}

func (e *Engine) dispatch(ctx context.Context, log *zap.Logger, bundle *relay.Bundle, targetBlock uint64) error {
	r := e.private
	if e.relayDirect && e.public != nil && len(bundle.UserTxs) == 0 && len(bundle.Txs) == 1 {
		r = e.public
	}
	log.Info("relaying fill",
		zap.String("relay", r.Name()),
		zap.Uint64("targetBlock", targetBlock),
		zap.Int("userTxs", len(bundle.UserTxs)),
		zap.Int("txs", len(bundle.Txs)))
	if err := r.Submit(ctx, bundle, targetBlock); err != nil {
		e.countRelay(r.Name(), "error")
		return err
	}
	e.countRelay(r.Name(), "included")
	return nil
}

// stop finishes a job without a retry: business outcomes that no later
// attempt can improve.
func (e *Engine) stop(ctx context.Context, log *zap.Logger, intentHash common.Hash, outcome, msg, detail string) error {
	if msg != "" {
		if detail != "" {
			log.Info(msg, zap.String("detail", detail))
		} else {
			log.Info(msg)
		}
	}
	e.countOutcome(e.cap.Protocol(), outcome)
	if e.board != nil {
		reason := msg
		if reason == "" {
			reason = detail
		}
		if err := e.board.MarkFailure(ctx, intentHash, reason); err != nil {
			log.Warn("status update failed", zap.Error(err))
		}
	}
	return nil
}

func (e *Engine) markPending(ctx context.Context, intentHash common.Hash) {
	if e.board == nil {
		return
	}
	if err := e.board.MarkPending(ctx, intentHash); err != nil {
		e.log.Warn("status update failed", zap.String("intent", intentHash.Hex()), zap.Error(err))
	}
}

func (e *Engine) countAttempt(p intent.Protocol) {
	if e.met != nil {
		e.met.SolveAttempts.WithLabelValues(p.String()).Inc()
	}
}

func (e *Engine) countOutcome(p intent.Protocol, outcome string) {
	if e.met != nil {
		e.met.SolveOutcomes.WithLabelValues(p.String(), outcome).Inc()
	}
}

func (e *Engine) countRelay(name, result string) {
	if e.met != nil {
		e.met.RelaySubmits.WithLabelValues(name, result).Inc()
	}
}

func relayOutcome(err error) string {
	switch {
	case errors.Is(err, relay.ErrSimulation):
		return "simulation_failed"
	case errors.Is(err, relay.ErrNotIncluded):
		return "not_included"
	default:
		return "relay_error"
	}
}

// outOfBound reports a quote the maker's window cannot absorb: a buy that
// needs more than the bound, or a sell that yields less.
func outOfBound(isBuy bool, executeAmount, bound *big.Int) bool {
	if isBuy {
		return executeAmount.Cmp(bound) > 0
	}
	return executeAmount.Cmp(bound) < 0
}

// adjustExecute moves the maker-side amount in the maker's favor: buys pay
// less, sells receive more.
func adjustExecute(execute *big.Int, isBuy bool, tokens *big.Int) {
	if tokens == nil || tokens.Sign() <= 0 {
		return
	}
	if isBuy {
		execute.Sub(execute, tokens)
		if execute.Sign() < 0 {
			execute.SetInt64(0)
		}
	} else {
		execute.Add(execute, tokens)
	}
}
