// Package submitter is the matchmaker half of the authorization flow. It
// collects competing solver bids per intent and target block, and lands
// an on-chain authorize() for the best one at the front of that solver's
// own bundle.
package submitter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/memswap/solver/internal/chain"
	"github.com/memswap/solver/internal/intent"
	"github.com/memswap/solver/internal/matchmaker"
	"github.com/memswap/solver/internal/metrics"
	"github.com/memswap/solver/internal/queue"
	"github.com/memswap/solver/internal/relay"
	"github.com/memswap/solver/internal/settlement"
	"github.com/memswap/solver/internal/wallet"
)

const (
	// SubmitConcurrency bounds parallel authorization jobs.
	SubmitConcurrency = 500
	// SubmitAttempts caps retries; the head gate makes stale retries
	// self-terminating.
	SubmitAttempts = 5

	// auctionTTL keeps a solution set around long enough for late bids
	// and a retried submission, then lets redis reclaim it.
	auctionTTL = 8 * chain.BlockTime

	lockTTL = 2 * time.Minute
)

// authPriorityFee is the fixed 1 gwei tip on authorize transactions.
var authPriorityFee = big.NewInt(1_000_000_000)

// Node is the RPC slice authorization submission needs.
type Node interface {
	BlockNumber(ctx context.Context) (uint64, error)
	PaddedBaseFee(ctx context.Context) (*big.Int, error)
	PendingNonce(ctx context.Context, account common.Address) (uint64, error)
}

// bid is one scored entry in a solution set.
type bid struct {
	UUID    string          `json:"uuid"`
	BaseURL string          `json:"baseUrl,omitempty"`
	Solver  common.Address  `json:"solver"`
	Intent  *intent.Intent  `json:"intent"`
	Txs     []hexutil.Bytes `json:"txs"`
	Fill    *hexutil.Big    `json:"fillAmount"`
	Execute *hexutil.Big    `json:"executeAmount"`
}

type jobPayload struct {
	Protocol    intent.Protocol `json:"protocol"`
	IntentHash  common.Hash     `json:"intentHash"`
	TargetBlock uint64          `json:"targetBlock"`
}

// Service scores incoming bids and resolves each auction with a single
// on-chain authorization, signed by the matchmaker key.
type Service struct {
	codec   *intent.Codec
	node    Node
	w       *wallet.Wallet
	private relay.Relay
	q       *queue.Queue
	rdb     *redis.Client
	httpc   *http.Client
	met     *metrics.Set
	log     *zap.Logger
}

func New(codec *intent.Codec, node Node, w *wallet.Wallet, private relay.Relay, q *queue.Queue, rdb *redis.Client, met *metrics.Set, log *zap.Logger) *Service {
	return &Service{
		codec:   codec,
		node:    node,
		w:       w,
		private: private,
		q:       q,
		rdb:     rdb,
		httpc:   &http.Client{Timeout: 10 * time.Second},
		met:     met,
		log:     log.Named("submitter"),
	}
}

// Accept scores one solver bid and makes sure a submission job exists for
// its solution set. Returns the block the auction resolves for.
func (s *Service) Accept(ctx context.Context, p intent.Protocol, sol *matchmaker.Solution) (uint64, error) {
	if sol == nil || sol.Intent == nil || len(sol.Txs) == 0 {
		return 0, errors.New("solution missing intent or transactions")
	}
	if sol.UUID == "" {
		return 0, errors.New("solution missing uuid")
	}

	filler, err := wallet.DecodeRawTx(sol.Txs[len(sol.Txs)-1])
	if err != nil {
		return 0, fmt.Errorf("filler transaction: %w", err)
	}
	variant, decoded, err := settlement.DecodeSolution(p, filler.Data())
	if err != nil {
		return 0, fmt.Errorf("filler calldata: %w", err)
	}
	if variant != settlement.SolveOnChainAuth {
		return 0, fmt.Errorf("bid must fill through %s, got %s", settlement.SolveOnChainAuth, variant)
	}
	solver, err := types.Sender(types.LatestSignerForChainID(big.NewInt(s.codec.ChainID())), filler)
	if err != nil {
		return 0, fmt.Errorf("filler sender: %w", err)
	}
	intentHash, err := s.codec.IntentHash(p, sol.Intent)
	if err != nil {
		return 0, err
	}

	head, err := s.node.BlockNumber(ctx)
	if err != nil {
		return 0, err
	}
	targetBlock := head + 1

	member, err := json.Marshal(&bid{
		UUID:    sol.UUID,
		BaseURL: sol.BaseURL,
		Solver:  solver,
		Intent:  sol.Intent,
		Txs:     sol.Txs,
		Fill:    (*hexutil.Big)(decoded.FillAmount),
		Execute: (*hexutil.Big)(decoded.ExecuteAmount),
	})
	if err != nil {
		return 0, err
	}
	key := auctionKey(p, intentHash, targetBlock)
	if err := s.rdb.ZAdd(ctx, key, redis.Z{
		Score:  bidScore(sol.Intent, decoded.ExecuteAmount),
		Member: string(member),
	}).Err(); err != nil {
		return 0, err
	}
	s.rdb.Expire(ctx, key, auctionTTL)

	payload, err := json.Marshal(&jobPayload{Protocol: p, IntentHash: intentHash, TargetBlock: targetBlock})
	if err != nil {
		return 0, err
	}
	if _, err := s.q.Enqueue(ctx, key, payload, queue.Options{TTL: auctionTTL, MaxAttempts: SubmitAttempts}); err != nil {
		return 0, err
	}

	s.log.Info("bid accepted",
		zap.String("intent", intentHash.Hex()),
		zap.String("uuid", sol.UUID),
		zap.String("solver", solver.Hex()),
		zap.Uint64("targetBlock", targetBlock))
	return targetBlock, nil
}

// Handle resolves one auction: gate on the chain head, lock the solution
// set, pick the top bid and land its authorization.
func (s *Service) Handle(ctx context.Context, job *queue.Job) error {
	var p jobPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		s.log.Warn("authorization job payload malformed", zap.Error(err))
		return nil
	}
	log := s.log.With(
		zap.String("intent", p.IntentHash.Hex()),
		zap.Uint64("targetBlock", p.TargetBlock))

	head, err := s.node.BlockNumber(ctx)
	if err != nil {
		return err
	}
	if head >= p.TargetBlock {
		log.Error("authorization target block missed", zap.Uint64("head", head))
		return nil
	}

	key := auctionKey(p.Protocol, p.IntentHash, p.TargetBlock)
	locked, err := s.rdb.SetNX(ctx, key+":locked", "1", lockTTL).Result()
	if err != nil {
		return err
	}
	if !locked {
		log.Info("solution set already submitted")
		return nil
	}

	members, err := s.rdb.ZRevRange(ctx, key, 0, 0).Result()
	if err != nil {
		return err
	}
	if len(members) == 0 {
		log.Warn("solution set empty")
		return nil
	}
	var top bid
	if err := json.Unmarshal([]byte(members[0]), &top); err != nil {
		return fmt.Errorf("decode top bid: %w", err)
	}

	auth := &intent.Authorization{
		IntentHash:           p.IntentHash,
		Solver:               top.Solver,
		FillAmountToCheck:    (*big.Int)(top.Fill),
		ExecuteAmountToCheck: (*big.Int)(top.Execute),
		BlockDeadline:        uint32(p.TargetBlock),
	}
	if err := s.codec.SignAuthorization(s.w.PrivateKey(), p.Protocol, auth); err != nil {
		return err
	}
	calldata, err := settlement.AuthorizeCalldata(p.Protocol,
		[]*intent.Intent{top.Intent}, []*intent.Authorization{auth}, top.Solver)
	if err != nil {
		return err
	}

	baseFee, err := s.node.PaddedBaseFee(ctx)
	if err != nil {
		return err
	}
	nonce, err := s.node.PendingNonce(ctx, s.w.Address())
	if err != nil {
		return err
	}
	to := s.codec.SettlementAddress(p.Protocol)
	feeCap := new(big.Int).Add(baseFee, authPriorityFee)
	authTx, err := s.w.SignTx(s.w.NewTx(nonce, &to, new(big.Int), settlement.AuthorizeGas, authPriorityFee, feeCap, calldata))
	if err != nil {
		return err
	}

	txs := make([]*types.Transaction, 0, len(top.Txs)+1)
	txs = append(txs, authTx)
	for _, raw := range top.Txs {
		tx, err := wallet.DecodeRawTx(raw)
		if err != nil {
			return fmt.Errorf("bid transaction: %w", err)
		}
		txs = append(txs, tx)
	}

	if err := s.private.Submit(ctx, &relay.Bundle{Txs: txs}, p.TargetBlock); err != nil {
		// Nothing landed, so the lock has no submission to guard. The
		// retry re-decides at the head gate.
		s.rdb.Del(ctx, key+":locked")
		return err
	}

	log.Info("authorization landed",
		zap.String("uuid", top.UUID),
		zap.String("solver", top.Solver.Hex()),
		zap.String("authTx", authTx.Hash().Hex()))
	if s.met != nil {
		s.met.Authorizations.Inc()
	}
	s.notifyWinner(ctx, p.Protocol, &top, auth)
	return nil
}

// notifyWinner delivers the signed authorization to the callback the bid
// promised, so the winner can also fill through signature authorization if
// the fronted bundle misses its block. Best effort: the bundle already
// carries the on-chain grant.
func (s *Service) notifyWinner(ctx context.Context, p intent.Protocol, top *bid, auth *intent.Authorization) {
	if top.BaseURL == "" {
		return
	}
	body, err := json.Marshal(map[string]interface{}{
		"uuid":          top.UUID,
		"authorization": auth,
	})
	if err != nil {
		return
	}
	url := strings.TrimRight(top.BaseURL, "/") + "/" + p.String() + "/authorizations"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.httpc.Do(req)
	if err != nil {
		s.log.Warn("winner callback failed", zap.String("uuid", top.UUID), zap.Error(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		s.log.Warn("winner callback rejected",
			zap.String("uuid", top.UUID),
			zap.Int("status", resp.StatusCode))
	}
}

// Run drives the submission workers until ctx ends.
func (s *Service) Run(ctx context.Context) {
	queue.NewWorker(s.q, SubmitConcurrency, time.Second, s.Handle).Run(ctx)
}

// bidScore orders bids maker-favorably: sells pay the maker more at a
// higher executeAmount, buys charge less at a lower one.
func bidScore(i *intent.Intent, execute *big.Int) float64 {
	score, _ := new(big.Float).SetInt(execute).Float64()
	if i.IsBuy {
		return -score
	}
	return score
}

func auctionKey(p intent.Protocol, intentHash common.Hash, targetBlock uint64) string {
	return "auction:" + p.String() + ":" + intentHash.Hex() + ":" + strconv.FormatUint(targetBlock, 10)
}
